package main

import (
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/shellgo/internal/eventloop"
)

// idleTimeout bounds how long epoll_wait blocks with nothing else to
// do, keeping the loop responsive to Exit() calls from signal handling.
const idleTimeout = 5 * time.Second

func newEventLoop(log *slog.Logger) (*eventloop.Loop, error) {
	return eventloop.New(idleTimeout, log)
}

// listenTCP opens a non-blocking IPv4 listening socket on port,
// restricted to loopback when localhostOnly is set.
func listenTCP(port int, localhostOnly bool) (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("setsockopt: %w", err)
	}

	addr := &unix.SockaddrInet4{Port: port}
	if localhostOnly {
		addr.Addr = [4]byte{127, 0, 0, 1}
	}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("bind: %w", err)
	}
	if err := unix.Listen(fd, 128); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("listen: %w", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("set nonblocking: %w", err)
	}
	return fd, nil
}

// acceptFunc adapts accept4 to eventloop.AcceptFunc, producing an
// already-non-blocking client descriptor.
func acceptFunc(listenFD int) eventloop.AcceptFunc {
	return func() (int, error) {
		fd, _, err := unix.Accept4(listenFD, unix.SOCK_NONBLOCK)
		if err != nil {
			return -1, err
		}
		return fd, nil
	}
}
