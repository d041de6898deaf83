package httpconn

import (
	"crypto/tls"
	"io"
	"net"
	"os"
	"sync"
)

// tlsEngine bridges a raw socket to crypto/tls. Go's crypto/tls has no
// cooperative, non-blocking record-pump API (unlike the OpenSSL BIO
// the original dlopen-ed), so each upgraded connection gets one
// dedicated goroutine that owns the raw fd and performs blocking
// handshake/record I/O; decrypted application data and close events
// are handed back to the single EventLoop through a wake pipe (just
// another multiplexed descriptor) plus a mutex-guarded buffer. No
// other connection's state is touched by this goroutine — the
// EventLoop's single-dispatch invariant for every other connection is
// unaffected.
type tlsEngine struct {
	conn   *tls.Conn
	wakeR  *os.File
	wakeW  *os.File
	sendCh chan []byte

	mu      sync.Mutex
	recvBuf []byte
	closed  bool
	readErr error
}

// replayConn prepends previously-sniffed bytes to a net.Conn's read
// stream so the TLS handshake sees the ClientHello bytes that were
// already buffered during SSL sniffing.
type replayConn struct {
	net.Conn
	replay []byte
}

func (c *replayConn) Read(p []byte) (int, error) {
	if len(c.replay) > 0 {
		n := copy(p, c.replay)
		c.replay = c.replay[n:]
		return n, nil
	}
	return c.Conn.Read(p)
}

// newTLSEngine takes ownership of rawFD (which must currently be
// non-blocking; net.FileConn dup()s it and manages its own blocking
// mode) and begins the TLS handshake in the background, replaying any
// bytes already consumed from the socket during sniffing.
func newTLSEngine(rawFD int, cfg *tls.Config, replay []byte) (*tlsEngine, int, error) {
	f := os.NewFile(uintptr(rawFD), "tls-raw")
	base, err := net.FileConn(f)
	f.Close()
	if err != nil {
		return nil, -1, err
	}

	pr, pw, err := os.Pipe()
	if err != nil {
		base.Close()
		return nil, -1, err
	}

	e := &tlsEngine{
		conn:   tls.Server(&replayConn{Conn: base, replay: replay}, cfg),
		wakeR:  pr,
		wakeW:  pw,
		sendCh: make(chan []byte, 64),
	}
	go e.readPump()
	go e.writePump()
	return e, int(pr.Fd()), nil
}

func (e *tlsEngine) readPump() {
	buf := make([]byte, 32*1024)
	for {
		n, err := e.conn.Read(buf)
		if n > 0 {
			e.mu.Lock()
			e.recvBuf = append(e.recvBuf, buf[:n]...)
			e.mu.Unlock()
			e.wakeW.Write([]byte{0})
		}
		if err != nil {
			e.mu.Lock()
			e.readErr = err
			e.closed = true
			e.mu.Unlock()
			e.wakeW.Write([]byte{0})
			return
		}
	}
}

func (e *tlsEngine) writePump() {
	for data := range e.sendCh {
		if _, err := e.conn.Write(data); err != nil {
			return
		}
	}
}

// Send enqueues a copy of plaintext for encryption and transmission.
// It never blocks the EventLoop goroutine: when sendCh is full, the copy
// is handed to a new goroutine that waits for room, so nothing is
// dropped, but such overflowed writes are not ordered relative to
// later ones.
func (e *tlsEngine) Send(data []byte) {
	cp := make([]byte, len(data))
	copy(cp, data)
	select {
	case e.sendCh <- cp:
	default:
		// Queue full: a goroutine waits for room so the bytes are
		// not dropped.
		go func() { e.sendCh <- cp }()
	}
}

// Recv drains any decrypted bytes received since the last call. Call
// this after the wake pipe (WakeFD) reports readable.
func (e *tlsEngine) Recv() ([]byte, error) {
	// Drain the single wake byte; ignore errors, it's just a signal.
	var discard [64]byte
	e.wakeR.Read(discard[:])

	e.mu.Lock()
	defer e.mu.Unlock()
	data := e.recvBuf
	e.recvBuf = nil
	var err error
	if len(data) == 0 && e.closed {
		err = e.readErr
		if err == nil {
			err = io.EOF
		}
	}
	return data, err
}

// WakeFD is the descriptor the EventLoop should multiplex on for
// plaintext readiness.
func (e *tlsEngine) WakeFD() int { return int(e.wakeR.Fd()) }

// Close shuts the TLS connection and its pumps down.
func (e *tlsEngine) Close() {
	e.conn.Close()
	close(e.sendCh)
	e.wakeR.Close()
	e.wakeW.Close()
}

// sniffTLS inspects the first bytes of a connection to decide whether
// they look like an HTTP request line or a TLS ClientHello. It returns
// decided true once enough bytes are present to decide; plaintext reports whether the
// decision is "plaintext" (true) or "TLS" (false).
func sniffTLS(buf []byte) (decided bool, plaintext bool) {
	if len(buf) == 0 {
		return false, false
	}
	// A TLS record starts with content type 0x16 (handshake).
	if buf[0] == 0x16 {
		return true, false
	}
	// Otherwise, look for a known HTTP method token followed by a
	// space within the first line.
	end := -1
	for i, b := range buf {
		if b == ' ' || b == '\t' {
			end = i
			break
		}
		if !isMethodByte(b) {
			return true, false
		}
	}
	if end < 0 {
		if len(buf) > 16 {
			// No space yet and the token is already too long to be a
			// method; treat as TLS (or garbage, which TLS will reject).
			return true, false
		}
		return false, false
	}
	switch string(buf[:end]) {
	case "GET", "POST", "HEAD", "OPTIONS", "PUT", "DELETE", "TRACE", "CONNECT":
		return true, true
	default:
		return true, false
	}
}

func isMethodByte(b byte) bool {
	return b >= 'A' && b <= 'Z'
}
