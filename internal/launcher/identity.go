package launcher

import (
	"fmt"
	"os/user"
	"strconv"

	"github.com/ehrlich-b/shellgo/internal/svcconfig"
)

// identity is the resolved target user a child is forked as. uid/gid
// are -1 for PolicyLogin (root via /bin/login, which drops privileges
// itself) and for the SSH fallback when no "nobody" account exists.
// PolicyAuth identities are built by launchAuth after its prompt;
// resolveIdentity does not produce them.
type identity struct {
	uid, gid int
	groups   []int
	user     string
	group    string
	home     string
	shell    string
}

// resolveIdentity determines the uid/gid/home/shell a child should run
// as for svc, running any required interactive prompt first.
func (s *Server) resolveIdentity(svc *svcconfig.Service, peer string) (*identity, error) {
	switch svc.Policy {
	case svcconfig.PolicyLogin:
		return &identity{uid: -1, gid: -1, user: "root", group: "root", home: "/", shell: "/bin/sh"}, nil

	case svcconfig.PolicySSH:
		// launchSSH prompts for the username over the session's PTY
		// and substitutes it for %s in the command template
		// (expandSSHTemplate); ssh itself then asks for the password.
		// The launcher only needs to hand ssh an unprivileged identity
		// to run under.
		return s.nobodyIdentity()

	case svcconfig.PolicyAuth:
		// Resolved after an interactive prompt in launchAuth; the
		// launch() dispatcher never calls resolveIdentity for this
		// policy.
		return nil, fmt.Errorf("internal error: resolveIdentity called for PolicyAuth")

	case svcconfig.PolicyUidGid:
		return s.resolveUidGid(svc)

	default:
		return nil, fmt.Errorf("unknown service policy %v", svc.Policy)
	}
}

// nobodyIdentity resolves an unprivileged fallback identity, used for
// policies (like SSH) whose actual authentication happens inside the
// forked child rather than the launcher.
func (s *Server) nobodyIdentity() (*identity, error) {
	u, err := user.Lookup("nobody")
	if err != nil {
		return &identity{uid: -1, gid: -1, user: "nobody", home: "/", shell: "/bin/sh"}, nil
	}
	return identityFromUser(u)
}

func (s *Server) resolveUidGid(svc *svcconfig.Service) (*identity, error) {
	id := &identity{uid: svc.UID, gid: svc.GID, user: svc.User, group: svc.Group}
	if svc.User != "" {
		if u, err := user.Lookup(svc.User); err == nil {
			full, err := identityFromUser(u)
			if err != nil {
				return nil, err
			}
			id.uid, id.home, id.shell, id.groups = full.uid, full.home, full.shell, full.groups
		}
	} else if u, err := user.LookupId(strconv.Itoa(svc.UID)); err == nil {
		full, err := identityFromUser(u)
		if err == nil {
			id.home, id.shell, id.groups, id.user = full.home, full.shell, full.groups, full.user
		}
	}
	if id.gid >= 0 {
		hasGID := false
		for _, g := range id.groups {
			if g == id.gid {
				hasGID = true
				break
			}
		}
		if !hasGID {
			id.groups = append(id.groups, id.gid)
		}
	}
	if id.home == "" {
		id.home = "/"
	}
	if id.shell == "" {
		id.shell = "/bin/sh"
	}
	return id, nil
}

// identityFromUser converts a resolved os/user.User into an identity,
// including its supplementary group list. The service's own gid is
// added to that list by the caller if it is not already present.
func identityFromUser(u *user.User) (*identity, error) {
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return nil, fmt.Errorf("parse uid %q: %w", u.Uid, err)
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return nil, fmt.Errorf("parse gid %q: %w", u.Gid, err)
	}
	groupIDs, err := u.GroupIds()
	if err != nil {
		groupIDs = nil
	}
	groups := make([]int, 0, len(groupIDs))
	for _, g := range groupIDs {
		if n, err := strconv.Atoi(g); err == nil {
			groups = append(groups, n)
		}
	}
	return &identity{
		uid: uid, gid: gid, groups: groups,
		user: u.Username, home: u.HomeDir, shell: "/bin/sh",
	}, nil
}

func resolveCwd(cwd string, ident *identity) string {
	if cwd == "HOME" || cwd == "" {
		return ident.home
	}
	return cwd
}
