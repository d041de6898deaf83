package launcher

import (
	"bytes"
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// Client is the main server's handle on its privileged launcher
// sibling, bound to one end of the socket pair created by Spawn.
type Client struct {
	conn *net.UnixConn
}

// NewClient wraps an already-connected UNIX-domain socket fd (the main
// server's half of the pair created by Spawn) as a Client.
func NewClient(fd int) (*Client, error) {
	f := os.NewFile(uintptr(fd), "launcher-socket")
	c, err := net.FileConn(f)
	f.Close()
	if err != nil {
		return nil, fmt.Errorf("launcher: wrap client socket: %w", err)
	}
	uc, ok := c.(*net.UnixConn)
	if !ok {
		c.Close()
		return nil, fmt.Errorf("launcher: client socket is not a unix conn")
	}
	return &Client{conn: uc}, nil
}

// Launch sends req to the launcher and blocks for its reply: a PID
// (0 means the launcher hit a server-side error) and the associated
// file descriptor — the master PTY on success, a readable pipe
// carrying one diagnostic line otherwise.
func (c *Client) Launch(req Request) (pid int32, fd *os.File, err error) {
	if err := writeRequest(c.conn, req); err != nil {
		return 0, nil, err
	}

	respBuf := make([]byte, 4)
	oob := make([]byte, unix.CmsgSpace(4))
	n, oobn, _, _, err := c.conn.ReadMsgUnix(respBuf, oob)
	if err != nil {
		return 0, nil, fmt.Errorf("launcher: read response: %w", err)
	}
	if n != 4 {
		return 0, nil, fmt.Errorf("launcher: short response (%d bytes)", n)
	}
	resp, err := readResponseHeader(bytes.NewReader(respBuf))
	if err != nil {
		return 0, nil, err
	}

	fds, err := parseRights(oob[:oobn])
	if err != nil {
		return 0, nil, err
	}
	if len(fds) != 1 {
		return 0, nil, fmt.Errorf("launcher: expected 1 fd in response, got %d", len(fds))
	}
	name := "shellgo-pty-master"
	if resp.PID == 0 {
		name = "shellgo-launcher-error"
	}
	return resp.PID, os.NewFile(uintptr(fds[0]), name), nil
}

// Close releases the client's half of the socket pair.
func (c *Client) Close() error { return c.conn.Close() }

func parseRights(oob []byte) ([]int, error) {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, fmt.Errorf("launcher: parse control message: %w", err)
	}
	var fds []int
	for _, m := range msgs {
		f, err := unix.ParseUnixRights(&m)
		if err != nil {
			return nil, fmt.Errorf("launcher: parse unix rights: %w", err)
		}
		fds = append(fds, f...)
	}
	return fds, nil
}
