// Package launcher implements the privileged sibling process: it is
// forked from the main server before the main server drops privileges,
// communicates over a UNIX-domain socket pair, and turns LaunchRequest
// messages into PTY-backed children handed back via SCM_RIGHTS
// fd-passing. See wire.go for the protocol, server.go for the
// privileged loop, client.go for the main server's caller-side API.
package launcher

import (
	"encoding/binary"
	"fmt"
	"io"
)

// PeerNameLen bounds the peer-name field of the fixed wire header.
const PeerNameLen = 64

// Request is the Go-facing form of the wire protocol's LaunchRequest:
// a fixed header (service index, width, height, bounded peer name, URL
// length) followed by url_len+1 URL bytes including a trailing NUL.
// The two endpoints share a host and architecture, so the header is
// sent as fixed-width little-endian integers rather than anything
// self-describing.
type Request struct {
	Service  int32
	Width    int32
	Height   int32
	PeerName string
	URL      string
}

// Response is the launcher's reply: a PID (0 is the error sentinel)
// plus, out of band, a single file descriptor — the master PTY on
// success, or a pre-filled pipe carrying a diagnostic line on failure.
type Response struct {
	PID int32
}

// writeRequest serializes req onto w as the fixed header followed by
// its NUL-terminated URL bytes.
func writeRequest(w io.Writer, req Request) error {
	var peer [PeerNameLen]byte
	n := copy(peer[:], req.PeerName)
	_ = n

	urlBytes := append([]byte(req.URL), 0)
	header := make([]byte, 4+4+4+PeerNameLen+4)
	binary.LittleEndian.PutUint32(header[0:4], uint32(req.Service))
	binary.LittleEndian.PutUint32(header[4:8], uint32(req.Width))
	binary.LittleEndian.PutUint32(header[8:12], uint32(req.Height))
	copy(header[12:12+PeerNameLen], peer[:])
	binary.LittleEndian.PutUint32(header[12+PeerNameLen:], uint32(len(req.URL)))

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("launcher: write request header: %w", err)
	}
	if _, err := w.Write(urlBytes); err != nil {
		return fmt.Errorf("launcher: write request url: %w", err)
	}
	return nil
}

// readRequest parses a Request written by writeRequest.
func readRequest(r io.Reader) (Request, error) {
	header := make([]byte, 4+4+4+PeerNameLen+4)
	if _, err := io.ReadFull(r, header); err != nil {
		return Request{}, fmt.Errorf("launcher: read request header: %w", err)
	}
	req := Request{
		Service: int32(binary.LittleEndian.Uint32(header[0:4])),
		Width:   int32(binary.LittleEndian.Uint32(header[4:8])),
		Height:  int32(binary.LittleEndian.Uint32(header[8:12])),
	}
	peer := header[12 : 12+PeerNameLen]
	if i := indexZero(peer); i >= 0 {
		peer = peer[:i]
	}
	req.PeerName = string(peer)

	urlLen := binary.LittleEndian.Uint32(header[12+PeerNameLen:])
	urlBuf := make([]byte, urlLen+1)
	if _, err := io.ReadFull(r, urlBuf); err != nil {
		return Request{}, fmt.Errorf("launcher: read request url: %w", err)
	}
	req.URL = string(urlBuf[:urlLen])
	return req, nil
}

func indexZero(b []byte) int {
	for i, c := range b {
		if c == 0 {
			return i
		}
	}
	return -1
}

func writeResponseHeader(w io.Writer, resp Response) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(resp.PID))
	_, err := w.Write(buf[:])
	return err
}

func readResponseHeader(r io.Reader) (Response, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Response{}, err
	}
	return Response{PID: int32(binary.LittleEndian.Uint32(buf[:]))}, nil
}
