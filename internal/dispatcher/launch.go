package dispatcher

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/shellgo/internal/eventloop"
	"github.com/ehrlich-b/shellgo/internal/launcher"
	"github.com/ehrlich-b/shellgo/internal/session"
)

// launchSession performs the launcher round-trip for a freshly created
// session and registers the returned master PTY with the event loop so
// its output is relayed into sess's buffer as it arrives.
func (d *Dispatcher) launchSession(sess *session.Session, r *route, rawURL string, width, height int) error {
	pid, fd, err := d.launcher.Launch(launcher.Request{
		Service:  r.index,
		Width:    int32(width),
		Height:   int32(height),
		PeerName: sess.PeerName,
		URL:      rawURL,
	})
	if err != nil {
		return fmt.Errorf("dispatcher: launch: %w", err)
	}

	if pid == 0 {
		// Pid-0 sentinel: fd is a pipe carrying one diagnostic line. The
		// session still gets to live long enough to deliver that line to
		// the waiting poll, then is buried like any exited child.
		sess.AttachPTY(nil, 0, width, height)
		d.readDiagnostic(sess, fd)
		return nil
	}

	if err := unix.SetNonblock(int(fd.Fd()), true); err != nil {
		fd.Close()
		return fmt.Errorf("dispatcher: set nonblocking: %w", err)
	}
	sess.AttachPTY(fd, int(pid), width, height)

	ptyConn, err := d.el.Register(int(fd.Fd()), func(conn *eventloop.Connection, current, ready eventloop.Events) eventloop.Result {
		return d.onPTYEvent(sess, conn, current, ready)
	}, func(any) {
		fd.Close()
	}, nil)
	if err != nil {
		fd.Close()
		return fmt.Errorf("dispatcher: register pty: %w", err)
	}
	sess.AttachPTYConn(d.el, ptyConn)
	return nil
}

// onPTYEvent drains available PTY output into the session buffer.
// Read interest is dropped once the buffer holds MaxResponse bytes
// awaiting a poll, and restored once the client drains it via Bind or
// CompletePending — see Session.throttleIfFullLocked.
func (d *Dispatcher) onPTYEvent(sess *session.Session, conn *eventloop.Connection, current, ready eventloop.Events) eventloop.Result {
	if ready&eventloop.Read == 0 {
		return eventloop.KeepOpen
	}
	buf := make([]byte, MaxResponse)
	n, err := unix.Read(conn.FD(), buf)
	if n > 0 {
		sess.Append(buf[:n])
	}
	if n == 0 || (err != nil && err != unix.EAGAIN) {
		d.finishSession(sess)
		return eventloop.Done
	}
	return eventloop.KeepOpen
}

// readDiagnostic reads the launcher's single-line error pipe and hands
// it to the session as if it were ordinary PTY output, then marks the
// session done so the waiting poll sees it immediately.
func (d *Dispatcher) readDiagnostic(sess *session.Session, pipe *os.File) {
	buf := make([]byte, 4096)
	n, _ := pipe.Read(buf)
	pipe.Close()
	if n > 0 {
		sess.Append(buf[:n])
	}
	d.finishSession(sess)
}

// finishSession marks sess done and buries it; in CGI mode the whole
// point of the one-shot process is this single session, so the loop
// exits the moment it ends.
func (d *Dispatcher) finishSession(sess *session.Session) {
	sess.MarkDone()
	d.sessions.Bury(sess)
	if d.cgi {
		d.el.Exit(true)
	}
}
