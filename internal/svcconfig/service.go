// Package svcconfig parses the --service SPEC grammar and the on-disk
// daemon config file (shellgo.yaml) that lists services and global
// daemon settings, mirroring the scalar-or-mapping YAML trick the
// teacher's config package uses for its path list.
package svcconfig

import (
	"fmt"
	"strconv"
	"strings"
)

// Policy names how the launcher authenticates and authorizes a child
// started for a Service.
type Policy int

const (
	// PolicyLogin execs /bin/login -p -h <peer>; requires root.
	PolicyLogin Policy = iota
	// PolicySSH prompts for a username and execs ssh against Host.
	PolicySSH
	// PolicyAuth uses pluggable authentication to prompt for credentials.
	PolicyAuth
	// PolicyUidGid assumes a fixed, pre-resolved identity.
	PolicyUidGid
)

func (p Policy) String() string {
	switch p {
	case PolicyLogin:
		return "LOGIN"
	case PolicySSH:
		return "SSH"
	case PolicyAuth:
		return "AUTH"
	case PolicyUidGid:
		return "UidGid"
	default:
		return "unknown"
	}
}

// Service is a named, path-mounted launch recipe.
type Service struct {
	Path string // normalized: exactly one leading slash, no trailing slash (unless root)

	Policy Policy
	Host   string // PolicySSH only; default "localhost"

	UID, GID   int  // PolicyUidGid only
	HasNumeric bool // true when UID/GID were given numerically rather than by name
	User       string
	Group      string

	// Cwd is either "HOME" (resolved to the target user's home directory
	// at launch time) or an absolute path.
	Cwd string

	// Cmdline is either "SHELL" (resolved to the target user's login
	// shell) or a template string supporting ${name} expansion.
	Cmdline string
}

// ParseSpec parses one --service SPEC argument: "/<path>:APP" where
// APP is LOGIN, SSH[:host], AUTH:cwd:cmd, or uid:gid:cwd:cmd.
func ParseSpec(spec string) (*Service, error) {
	arg := strings.TrimLeft(spec, "/")
	idx := strings.IndexByte(arg, ':')
	if idx < 0 {
		return nil, fmt.Errorf("svcconfig: syntax error in service description %q", spec)
	}
	path := normalizePath(arg[:idx])
	rest := arg[idx+1:]

	svc := &Service{Path: path}

	switch {
	case rest == "LOGIN":
		svc.Policy = PolicyLogin
		svc.User, svc.Group, svc.Cwd, svc.Cmdline = "root", "root", "/", "/bin/login -p -h ${peer}"
		return svc, nil

	case rest == "SSH" || strings.HasPrefix(rest, "SSH:"):
		svc.Policy = PolicySSH
		svc.Host = "localhost"
		svc.Cwd = "/"
		if strings.HasPrefix(rest, "SSH:") {
			host := rest[len("SSH:"):]
			if end := strings.IndexByte(host, ':'); end >= 0 {
				host = host[:end]
			}
			if host != "" {
				svc.Host = host
			}
		}
		for i := 0; i < len(svc.Host); i++ {
			c := svc.Host[i]
			if !(c >= '0' && c <= '9' || c >= 'A' && c <= 'Z' || c >= 'a' && c <= 'z' || c == '-' || c == '.') {
				return nil, fmt.Errorf("svcconfig: invalid hostname %q in service definition", svc.Host)
			}
		}
		svc.Cmdline = sshCommandTemplate(svc.Host)
		return svc, nil

	case strings.HasPrefix(rest, "AUTH:"):
		svc.Policy = PolicyAuth
		fields := strings.SplitN(rest[len("AUTH:"):], ":", 2)
		if len(fields) != 2 {
			return nil, fmt.Errorf("svcconfig: syntax error in service description %q", spec)
		}
		svc.Cwd, svc.Cmdline = fields[0], fields[1]
		return svc, nil

	default:
		svc.Policy = PolicyUidGid
		fields := strings.SplitN(rest, ":", 4)
		if len(fields) != 4 {
			return nil, fmt.Errorf("svcconfig: syntax error in service description %q", spec)
		}
		uid, user, err := parseIDArg(fields[0])
		if err != nil {
			return nil, err
		}
		gid, group, err := parseIDArg(fields[1])
		if err != nil {
			return nil, err
		}
		svc.UID, svc.User = uid, user
		svc.GID, svc.Group = gid, group
		svc.HasNumeric = user == "" && group == ""
		svc.Cwd, svc.Cmdline = fields[2], fields[3]
		return svc, nil
	}
}

// normalizePath collapses a bare path segment to exactly one leading
// slash with no trailing slash, matching initService's string surgery.
func normalizePath(raw string) string {
	p := "/" + strings.Trim(raw, "/")
	if p == "/" {
		return p
	}
	return p
}

func parseIDArg(s string) (id int, name string, err error) {
	if n, err := strconv.Atoi(s); err == nil {
		return n, "", nil
	}
	return -1, s, nil
}

func sshCommandTemplate(host string) string {
	return "ssh -a -e none -i /dev/null -x -oChallengeResponseAuthentication=no " +
		"-oCheckHostIP=no -oClearAllForwardings=yes -oCompression=no " +
		"-oControlMaster=no -oGSSAPIAuthentication=no " +
		"-oHostbasedAuthentication=no -oIdentitiesOnly=yes " +
		"-oKbdInteractiveAuthentication=yes -oPasswordAuthentication=yes " +
		"-oPreferredAuthentications=keyboard-interactive,password " +
		"-oPubkeyAuthentication=no -oRhostsRSAAuthentication=no " +
		"-oRSAAuthentication=no -oStrictHostKeyChecking=no -oTunnel=no " +
		"-oUserKnownHostsFile=/dev/null -oVerifyHostKeyDNS=no " +
		"-oLogLevel=QUIET %s@" + host
}
