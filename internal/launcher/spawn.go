package launcher

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/shellgo/internal/svcconfig"
)

// EnvFD is the environment variable the re-exec'd launcher process
// reads to find its end of the socket pair, inherited as an
// os/exec.Cmd.ExtraFiles entry. Go cannot fork(2) a running process
// with goroutines safely, so "fork a privileged sibling before
// dropping privileges" is expressed as re-executing the same binary
// with this variable set, rather than a literal fork — the process
// still starts as root and the parent still drops privileges only
// after the child is up, preserving the design's ordering.
const EnvFD = "SHELLGO_LAUNCHER_FD"

// Spawn forks the launcher sibling: it creates a UNIX socket pair,
// re-execs the current binary with one end inherited as an extra file
// and EnvFD pointing at its descriptor number, and returns a Client
// bound to the other end. Must be called while the caller still holds
// whatever privilege the service table's policies require — the
// caller should drop privileges immediately after Spawn returns.
func Spawn(services []*svcconfig.Service, log *slog.Logger) (*Client, *exec.Cmd, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("launcher: socketpair: %w", err)
	}
	parentEnd := os.NewFile(uintptr(fds[0]), "launcher-parent")
	childEnd := os.NewFile(uintptr(fds[1]), "launcher-child")

	self, err := os.Executable()
	if err != nil {
		parentEnd.Close()
		childEnd.Close()
		return nil, nil, fmt.Errorf("launcher: resolve executable: %w", err)
	}

	cmd := exec.Command(self, os.Args[1:]...)
	cmd.Env = append(os.Environ(), EnvFD+"=3")
	cmd.ExtraFiles = []*os.File{childEnd}
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		parentEnd.Close()
		childEnd.Close()
		return nil, nil, fmt.Errorf("launcher: start: %w", err)
	}
	childEnd.Close()

	client, err := NewClient(int(parentEnd.Fd()))
	if err != nil {
		cmd.Process.Kill()
		return nil, nil, err
	}
	// NewClient wraps the fd in net.FileConn, which dups it and closes
	// parentEnd's copy internally.

	if log != nil {
		log.Info("launcher spawned", "pid", cmd.Process.Pid)
	}
	return client, cmd, nil
}

// RunFromEnv is the launcher sibling's entry point: if EnvFD is set it
// blocks serving requests on the inherited socket and returns true once
// that loop ends (the caller should exit the process immediately
// afterward); if EnvFD is unset it returns false so the caller proceeds
// as the main server.
func RunFromEnv(services []*svcconfig.Service, log *slog.Logger) (ran bool, err error) {
	val := os.Getenv(EnvFD)
	if val == "" {
		return false, nil
	}
	fd, err := strconv.Atoi(val)
	if err != nil {
		return true, fmt.Errorf("launcher: bad %s value %q: %w", EnvFD, val, err)
	}
	f := os.NewFile(uintptr(fd), "launcher-socket")
	conn, err := net.FileConn(f)
	f.Close()
	if err != nil {
		return true, fmt.Errorf("launcher: wrap inherited socket: %w", err)
	}
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		conn.Close()
		return true, fmt.Errorf("launcher: inherited fd is not a unix socket")
	}
	defer uc.Close()

	srv := NewServer(services, log)
	return true, srv.Serve(uc)
}
