package launcher

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"

	"github.com/creack/pty"

	"github.com/ehrlich-b/shellgo/internal/svcconfig"
)

// launchSSH opens the PTY manually (rather than through
// pty.StartWithSize) so it can prompt for a username over the slave
// before exec'ing ssh — the same ordering as the original launcher's
// SSH service handler: the prompt happens on the child's own terminal,
// not a side channel.
func (s *Server) launchSSH(svc *svcconfig.Service, ident *identity, peer, rawURL string, width, height int) (*os.File, int, *identity, error) {
	master, tty, err := pty.Open()
	if err != nil {
		return nil, 0, nil, fmt.Errorf("open pty: %w", err)
	}
	pty.Setsize(master, &pty.Winsize{Cols: uint16(width), Rows: uint16(height)})

	fmt.Fprint(tty, "login as: ")
	username, err := bufio.NewReader(tty).ReadString('\n')
	if err != nil {
		master.Close()
		tty.Close()
		return nil, 0, nil, fmt.Errorf("read ssh username: %w", err)
	}
	username = strings.TrimSpace(username)
	if !validUsername(username) {
		master.Close()
		tty.Close()
		return nil, 0, nil, fmt.Errorf("invalid username %q", username)
	}

	cmdline := expandSSHTemplate(svc.Cmdline, username)
	argv, extraEnv, err := expandCommand(cmdline, templateVars(ident, peer, rawURL, width, height))
	if err != nil {
		master.Close()
		tty.Close()
		return nil, 0, nil, err
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = buildEnviron(ident, width, height, extraEnv)
	cmd.Stdin, cmd.Stdout, cmd.Stderr = tty, tty, tty
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true, Setctty: true}
	if ident.uid >= 0 {
		if s.restrictUID >= 0 && ident.uid != s.restrictUID {
			master.Close()
			tty.Close()
			return nil, 0, nil, fmt.Errorf("refusing to launch as uid %d: launcher is restricted to uid %d", ident.uid, s.restrictUID)
		}
		cmd.SysProcAttr.Credential = &syscall.Credential{Uid: uint32(ident.uid), Gid: uint32(ident.gid), Groups: toUint32(ident.groups)}
	}

	if err := cmd.Start(); err != nil {
		master.Close()
		tty.Close()
		return nil, 0, nil, fmt.Errorf("start ssh: %w", err)
	}
	tty.Close()

	pid := cmd.Process.Pid
	go s.reap(pid, cmd)
	ident.user = username
	return master, pid, ident, nil
}

// expandSSHTemplate substitutes %s with username, switching an
// "@localhost" suffix for the host name os.Hostname reports. That name
// is used as is; it is not resolved to a fully qualified domain name.
func expandSSHTemplate(tmpl, username string) string {
	out := strings.ReplaceAll(tmpl, "%s", username)
	if strings.HasSuffix(out, "@localhost") {
		if fqdn, err := os.Hostname(); err == nil && fqdn != "" {
			out = strings.TrimSuffix(out, "@localhost") + "@" + fqdn
		}
	}
	return out
}

func validUsername(u string) bool {
	if u == "" {
		return false
	}
	for i := 0; i < len(u); i++ {
		c := u[i]
		if !(c >= '0' && c <= '9' || c >= 'A' && c <= 'Z' || c >= 'a' && c <= 'z' || c == '-' || c == '.' || c == '_') {
			return false
		}
	}
	return true
}
