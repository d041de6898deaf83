package launcher

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"

	"github.com/creack/pty"
	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/shellgo/internal/svcconfig"
)

// sanitizePeerName collapses a remote peer's name to the safe
// character set before it can reach an environment variable or an SSH
// command line: [-.0-9A-Za-z] pass through, everything else becomes '-'.
func sanitizePeerName(name string) string {
	var b strings.Builder
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c >= '0' && c <= '9' || c >= 'A' && c <= 'Z' || c >= 'a' && c <= 'z' || c == '-' || c == '.' {
			b.WriteByte(c)
		} else {
			b.WriteByte('-')
		}
	}
	return b.String()
}

// Server is the privileged process's service loop. It owns the service
// table and the login-record bookkeeping for every child it has forked,
// done by a goroutine per child that waits for it to exit (reap).
type Server struct {
	services    []*svcconfig.Service
	restrictUID int // -1 means unrestricted (started as root)
	log         *slog.Logger

	mu       sync.Mutex
	children map[int]*childRecord
}

type childRecord struct {
	user string
	cmd  *exec.Cmd
}

// NewServer builds a launcher Server. restrictUID should be the
// launcher process's real uid when it is not 0: in that mode any
// request to run a child as a different uid is refused, preserving
// "run as me only" semantics for a non-root-started daemon.
func NewServer(services []*svcconfig.Service, log *slog.Logger) *Server {
	restrict := -1
	if uid := os.Getuid(); uid != 0 {
		restrict = uid
	}
	if log == nil {
		log = slog.Default()
	}
	return &Server{services: services, restrictUID: restrict, log: log, children: make(map[int]*childRecord)}
}

// Serve reads requests from conn until it closes or errors, handling
// each one synchronously and writing back a Response with the master
// PTY (or error pipe) fd attached via SCM_RIGHTS.
func (s *Server) Serve(conn *net.UnixConn) error {
	for {
		req, err := readRequest(conn)
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("launcher: serve: %w", err)
		}
		reqID := uuid.New().String()[:8]
		pid, fd, err := s.handle(req)
		if err != nil {
			s.log.Warn("launch failed", "req", reqID, "err", err)
		} else {
			s.log.Debug("launch ok", "req", reqID, "pid", pid)
		}
		if sendErr := sendResponse(conn, pid, fd); sendErr != nil {
			fd.Close()
			return fmt.Errorf("launcher: send response: %w", sendErr)
		}
		fd.Close()
	}
}

func sendResponse(conn *net.UnixConn, pid int32, fd *os.File) error {
	var data [4]byte
	data[0] = byte(pid)
	data[1] = byte(pid >> 8)
	data[2] = byte(pid >> 16)
	data[3] = byte(pid >> 24)
	rights := unix.UnixRights(int(fd.Fd()))
	_, _, err := conn.WriteMsgUnix(data[:], rights, nil)
	return err
}

// handle turns one request into a (pid, fd) pair, never returning an
// error that leaves fd nil — a failure is represented as pid 0 plus a
// pipe carrying one diagnostic line, per the wire protocol's error
// sentinel.
func (s *Server) handle(req Request) (pid int32, fd *os.File, err error) {
	if int(req.Service) < 0 || int(req.Service) >= len(s.services) {
		return s.fail(fmt.Errorf("unknown service index %d", req.Service))
	}
	svc := s.services[req.Service]
	peer := sanitizePeerName(req.PeerName)

	master, childPID, identity, err := s.launch(svc, peer, req.URL, int(req.Width), int(req.Height))
	if err != nil {
		return s.fail(err)
	}

	s.mu.Lock()
	s.children[childPID] = &childRecord{user: identity.user}
	s.mu.Unlock()
	recordLogin(identity.user, childPID, peer)

	return int32(childPID), master, nil
}

// fail builds the pid-0 error sentinel: a pipe whose read end carries
// one diagnostic line, matching the design's "pre-filled error pipe"
// contract.
func (s *Server) fail(cause error) (int32, *os.File, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return 0, nil, err
	}
	fmt.Fprintf(w, "shellinabox: %v\r\n", cause)
	w.Close()
	return 0, r, cause
}

// launch allocates a PTY, forks the service's command under the
// resolved identity, and returns the master side plus the child PID.
func (s *Server) launch(svc *svcconfig.Service, peer, rawURL string, width, height int) (*os.File, int, *identity, error) {
	if svc.Policy == svcconfig.PolicyAuth {
		return s.launchAuth(svc, peer, rawURL, width, height)
	}

	ident, err := s.resolveIdentity(svc, peer)
	if err != nil {
		return nil, 0, nil, err
	}

	if svc.Policy == svcconfig.PolicySSH {
		return s.launchSSH(svc, ident, peer, rawURL, width, height)
	}

	vars := templateVars(ident, peer, rawURL, width, height)
	argv, extraEnv, err := expandCommand(resolveCmdline(svc.Cmdline, ident), vars)
	if err != nil {
		return nil, 0, nil, err
	}
	if len(argv) == 0 {
		return nil, 0, nil, fmt.Errorf("empty command line for service %q", svc.Path)
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = buildEnviron(ident, width, height, extraEnv)
	cmd.Dir = resolveCwd(svc.Cwd, ident)
	if cmd.Dir == "" {
		cmd.Dir = "/"
		cmd.Env = append(cmd.Env, "HOME=/")
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if ident.uid >= 0 {
		if s.restrictUID >= 0 && ident.uid != s.restrictUID {
			return nil, 0, nil, fmt.Errorf("refusing to launch as uid %d: launcher is restricted to uid %d", ident.uid, s.restrictUID)
		}
		cmd.SysProcAttr.Credential = &syscall.Credential{
			Uid:    uint32(ident.uid),
			Gid:    uint32(ident.gid),
			Groups: toUint32(ident.groups),
		}
	}

	master, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: uint16(width), Rows: uint16(height)})
	if err != nil {
		return nil, 0, nil, fmt.Errorf("start pty: %w", err)
	}

	pid := cmd.Process.Pid
	go s.reap(pid, cmd)
	return master, pid, ident, nil
}

// reap waits for a forked child and finalizes its login record. It
// plays the role the original launcher's SIGCHLD handler fills.
func (s *Server) reap(pid int, cmd *exec.Cmd) {
	cmd.Wait()
	s.mu.Lock()
	rec, ok := s.children[pid]
	delete(s.children, pid)
	s.mu.Unlock()
	if ok {
		finalizeLogin(rec.user, pid)
	}
}

func toUint32(ids []int) []uint32 {
	out := make([]uint32, len(ids))
	for i, v := range ids {
		out[i] = uint32(v)
	}
	return out
}
