package launcher

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"

	"github.com/creack/pty"
	"golang.org/x/term"

	"github.com/ehrlich-b/shellgo/internal/svcconfig"
)

// maxAuthAttempts caps the interactive credential prompt, matching the
// design's "up to three attempts" policy.
const maxAuthAttempts = 3

// Authenticator verifies a username/password pair and resolves the
// corresponding local identity on success. It stands in for the
// original implementation's dlopen'd PAM module: a trait with a
// runtime-detected implementation rather than per-call symbol lookups.
type Authenticator interface {
	// Name identifies the backend for logging.
	Name() string
	// Verify checks the credential and, on success, returns the
	// matching identity.
	Verify(username, password string) (*identity, error)
}

var authBackend Authenticator = detectAuthenticator()

// detectAuthenticator picks the strongest Authenticator available in
// this build. No PAM binding is linked into this binary, so the only
// implementation available is one that reports itself unavailable —
// PolicyAuth fails closed with the same "Login incorrect" message a
// PAM-less build of the original server would print.
func detectAuthenticator() Authenticator { return unavailableAuthenticator{} }

type unavailableAuthenticator struct{}

func (unavailableAuthenticator) Name() string { return "none" }
func (unavailableAuthenticator) Verify(string, string) (*identity, error) {
	return nil, errAuthUnavailable
}

type authError string

func (e authError) Error() string { return string(e) }

const errAuthUnavailable = authError("pluggable authentication is not available in this build")

// launchAuth opens a PTY, prompts for a username/password up to
// maxAuthAttempts times, and on success execs svc.Cmdline under the
// resolved identity over the same terminal the prompt used.
func (s *Server) launchAuth(svc *svcconfig.Service, peer, rawURL string, width, height int) (*os.File, int, *identity, error) {
	master, tty, err := pty.Open()
	if err != nil {
		return nil, 0, nil, fmt.Errorf("open pty: %w", err)
	}
	pty.Setsize(master, &pty.Winsize{Cols: uint16(width), Rows: uint16(height)})

	ident, err := promptCredentials(tty)
	if err != nil {
		fmt.Fprint(tty, "Login incorrect\r\n")
		master.Close()
		tty.Close()
		return nil, 0, nil, err
	}

	argv, extraEnv, err := expandCommand(resolveCmdline(svc.Cmdline, ident), templateVars(ident, peer, rawURL, width, height))
	if err != nil {
		master.Close()
		tty.Close()
		return nil, 0, nil, err
	}
	if len(argv) == 0 {
		master.Close()
		tty.Close()
		return nil, 0, nil, fmt.Errorf("empty command line for service %q", svc.Path)
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = buildEnviron(ident, width, height, extraEnv)
	cmd.Dir = resolveCwd(svc.Cwd, ident)
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
		return nil, 0, nil, fmt.Errorf("start auth command: %w", err)
	}
	tty.Close()

	pid := cmd.Process.Pid
	go s.reap(pid, cmd)
	return master, pid, ident, nil
}

// promptCredentials reads a username and a (non-echoed) password from
// tty, retrying up to maxAuthAttempts times.
func promptCredentials(tty *os.File) (*identity, error) {
	reader := bufio.NewReader(tty)
	var lastErr error
	for attempt := 0; attempt < maxAuthAttempts; attempt++ {
		fmt.Fprint(tty, "login: ")
		username, err := reader.ReadString('\n')
		if err != nil {
			return nil, fmt.Errorf("read username: %w", err)
		}
		username = strings.TrimSpace(username)

		fmt.Fprint(tty, "Password: ")
		password, err := readPassword(tty, reader)
		fmt.Fprint(tty, "\r\n")
		if err != nil {
			return nil, fmt.Errorf("read password: %w", err)
		}

		ident, verr := authBackend.Verify(username, password)
		if verr == nil {
			return ident, nil
		}
		lastErr = verr
	}
	return nil, lastErr
}

// readPassword reads one line from tty without echo, using the same
// term.MakeRaw/Restore pairing the teacher's interactive CLI mode uses
// for its own terminal handling: the terminal is in full raw mode
// (echo off) for the read, so the line is not canonicalized and bytes
// are collected as typed up to the first CR or LF.
func readPassword(tty *os.File, reader *bufio.Reader) (string, error) {
	fd := int(tty.Fd())
	state, err := term.MakeRaw(fd)
	if err != nil {
		// Not a real terminal (e.g. under test) — fall back to a plain
		// line read with no echo suppression.
		line, rerr := reader.ReadString('\n')
		return strings.TrimSpace(line), rerr
	}
	defer term.Restore(fd, state)

	var b strings.Builder
	for {
		c, err := reader.ReadByte()
		if err != nil {
			return "", err
		}
		if c == '\n' || c == '\r' {
			break
		}
		b.WriteByte(c)
	}
	return b.String(), nil
}
