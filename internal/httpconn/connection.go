// Package httpconn implements the hand-rolled HTTP/1.1 (plus hixie-era
// WebSocket upgrade) state machine that drives one client connection
// end to end: request-line and header parsing, body buffering,
// dispatch to a Handler, and an outbound byte queue that tolerates
// partial, non-blocking writes.
package httpconn

import (
	"bytes"
	"crypto/tls"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/shellgo/internal/eventloop"
)

// DefaultMaxHeaderBytes bounds the Command+Headers portion of a
// request before the connection answers 413 and closes.
const DefaultMaxHeaderBytes = 64 * 1024

// DefaultCompressThreshold is the smallest response body, in bytes,
// worth spending CPU to deflate.
const DefaultCompressThreshold = 1400

// Handler serves one fully-parsed request. It returns Done/Error to
// complete the exchange immediately (the Connection has already been
// given the response via Transfer before returning), Suspend to defer
// the response to a later Transfer call (e.g. long-poll), or
// PartialReply to stream the body across several Transfer calls.
type Handler interface {
	ServeHTTP(conn *Connection, req *Request) HandlerResult
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(conn *Connection, req *Request) HandlerResult

func (f HandlerFunc) ServeHTTP(conn *Connection, req *Request) HandlerResult { return f(conn, req) }

// WebSocketHandler receives framed payloads after a successful
// upgrade. flags marks frame boundaries and connection lifecycle.
type WebSocketHandler interface {
	HandleWebSocket(conn *Connection, payload []byte, flags WSFlags)
}

// Config bundles the dependencies a Connection needs from its server.
type Config struct {
	Handler        Handler
	WebSocket      WebSocketHandler
	TLSConfig      *tls.Config // nil disables SSL sniffing entirely
	MaxHeaderBytes int
	IdleSeconds    int
	Log            *slog.Logger
}

// Connection drives one accepted socket through SniffSsl -> Command ->
// Headers -> {Payload|DiscardPayload|WebSocket} -> Command.
type Connection struct {
	cfg Config
	log *slog.Logger

	el   *eventloop.Loop
	elc  *eventloop.Connection
	fd   int // raw socket fd; once TLS takes over this is owned by tlsEngine
	tlse *tlsEngine

	state    State
	sniffBuf []byte

	lineBuf []byte // accumulates the current Command/Headers line
	req     *Request

	bodyRemaining int64
	bodyBuf       []byte
	headerBytes   int

	ws wsFrameState

	outBuf   []byte
	closing  bool // close once outBuf drains
	suspended bool
	partial   bool
}

// New wraps fd (already non-blocking, already accepted) in a
// Connection and registers it with the loop in SniffSsl state, or
// straight in Command state if TLS sniffing is disabled.
func New(el *eventloop.Loop, fd int, cfg Config) (*Connection, error) {
	if cfg.MaxHeaderBytes == 0 {
		cfg.MaxHeaderBytes = DefaultMaxHeaderBytes
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	c := &Connection{
		cfg:   cfg,
		log:   cfg.Log,
		el:    el,
		fd:    fd,
		state: SniffSsl,
		req:   newRequest(),
	}
	if cfg.TLSConfig == nil {
		c.state = Command
	}
	elc, err := el.Register(fd, c.onRawEvent, destroyConnection, c)
	if err != nil {
		return nil, err
	}
	c.elc = elc
	if cfg.IdleSeconds > 0 {
		el.SetTimeout(elc, cfg.IdleSeconds)
	}
	return c, nil
}

func destroyConnection(arg any) {
	c := arg.(*Connection)
	if c.tlse != nil {
		c.tlse.Close()
		return
	}
	unix.Close(c.fd)
}

// onRawEvent is the eventloop callback while the connection owns its
// own raw fd (i.e. before any TLS handoff, or always for plaintext
// connections).
func (c *Connection) onRawEvent(elc *eventloop.Connection, current, ready eventloop.Events) eventloop.Result {
	if ready == 0 {
		return c.onTimeout()
	}
	if ready&eventloop.Write != 0 {
		if c.flushOutbound() == eventloop.Done {
			return eventloop.Done
		}
	}
	if ready&eventloop.Read == 0 {
		return eventloop.KeepOpen
	}
	buf := make([]byte, 32*1024)
	n, err := unix.Read(c.fd, buf)
	if n == 0 && err == nil {
		return eventloop.Done
	}
	if n > 0 {
		if c.feed(buf[:n]) == eventloop.Done {
			return eventloop.Done
		}
	}
	if err != nil && err != unix.EAGAIN {
		return eventloop.Done
	}
	if c.closing && len(c.outBuf) == 0 {
		return eventloop.Done
	}
	return eventloop.KeepOpen
}

// onTLSWakeEvent runs after the TLS engine signals plaintext data (or
// closure) is ready on its wake pipe.
func (c *Connection) onTLSWakeEvent(elc *eventloop.Connection, current, ready eventloop.Events) eventloop.Result {
	if ready == 0 {
		return c.onTimeout()
	}
	data, err := c.tlse.Recv()
	if len(data) > 0 {
		if c.feed(data) == eventloop.Done {
			return eventloop.Done
		}
	}
	if err != nil {
		return eventloop.Done
	}
	if c.closing && len(c.outBuf) == 0 {
		return eventloop.Done
	}
	return eventloop.KeepOpen
}

func (c *Connection) onTimeout() eventloop.Result {
	if c.suspended {
		// Suspend clears the connection's timeout, so a suspended
		// request (long-poll) has no deadline of its own; if one
		// fires anyway, the connection is reclaimed.
		return eventloop.Done
	}
	return eventloop.Done
}

// feed pushes newly-received plaintext bytes through the state
// machine. It may be called from either the raw-fd path or the TLS
// wake path.
func (c *Connection) feed(data []byte) eventloop.Result {
	for len(data) > 0 {
		if c.closing {
			// A protocol error or Connection: close already queued a
			// final response; stop parsing and let the outbound buffer
			// drain, discarding whatever else the client sent.
			return eventloop.KeepOpen
		}
		switch c.state {
		case SniffSsl:
			c.sniffBuf = append(c.sniffBuf, data...)
			data = nil
			decided, plaintext := sniffTLS(c.sniffBuf)
			if !decided {
				if len(c.sniffBuf) > 16 {
					return eventloop.Done
				}
				return eventloop.KeepOpen
			}
			if plaintext {
				replay := c.sniffBuf
				c.sniffBuf = nil
				c.state = Command
				if r := c.feed(replay); r == eventloop.Done {
					return r
				}
				continue
			}
			if err := c.beginTLS(c.sniffBuf); err != nil {
				c.log.Warn("tls handshake setup failed", "err", err)
				return eventloop.Done
			}
			c.sniffBuf = nil
			return eventloop.KeepOpen

		case Command, Headers:
			idx := bytes.IndexByte(data, '\n')
			if idx < 0 {
				c.lineBuf = append(c.lineBuf, data...)
				c.headerBytes += len(data)
				if c.headerBytes > c.cfg.MaxHeaderBytes {
					c.respondSimple(413, "Request Entity Too Large")
					c.closing = true
					return eventloop.KeepOpen
				}
				data = nil
				continue
			}
			line := append(c.lineBuf, data[:idx]...)
			c.lineBuf = nil
			data = data[idx+1:]
			line = bytes.TrimRight(line, "\r")
			c.headerBytes += idx + 1
			if c.headerBytes > c.cfg.MaxHeaderBytes {
				c.respondSimple(413, "Request Entity Too Large")
				c.closing = true
				return eventloop.KeepOpen
			}

			if c.state == Command {
				switch c.parseCommandLine(string(line)) {
				case cmdOK:
					c.state = Headers
				case cmdMalformed:
					c.respondSimple(400, "Bad Request")
					c.closing = true
				case cmdUnsupportedMethod:
					c.respondSimple(501, "Not Implemented")
					c.closing = true
				}
				continue
			}

			// Headers state.
			if len(line) == 0 {
				c.headersComplete()
				continue
			}
			c.req.AddHeaderLine(string(line))
			continue

		case Payload:
			take := int64(len(data))
			if take > c.bodyRemaining {
				take = c.bodyRemaining
			}
			c.bodyBuf = append(c.bodyBuf, data[:take]...)
			c.bodyRemaining -= take
			data = data[take:]
			if c.bodyRemaining == 0 {
				c.dispatch()
			}
			continue

		case DiscardPayload:
			take := int64(len(data))
			if take > c.bodyRemaining {
				take = c.bodyRemaining
			}
			data = data[take:]
			c.bodyRemaining -= take
			if c.bodyRemaining == 0 {
				c.startNextRequest()
			}
			continue

		case WebSocket:
			consumed, err := c.ws.feed(data, c.deliverWebSocket)
			if err != nil {
				return eventloop.Done
			}
			data = data[consumed:]
			continue
		}
	}
	return eventloop.KeepOpen
}

func (c *Connection) beginTLS(replay []byte) error {
	rawFD := c.fd
	tlse, wakeFD, err := newTLSEngine(rawFD, c.cfg.TLSConfig, replay)
	if err != nil {
		return err
	}
	c.tlse = tlse
	if err := c.el.Rebind(c.elc, wakeFD); err != nil {
		tlse.Close()
		return err
	}
	c.elc.SetCallback(c.onTLSWakeEvent)
	c.state = Command
	return nil
}

func (c *Connection) parseCommandLine(line string) cmdResult {
	fields := strings.Fields(line)
	if len(fields) != 3 {
		return cmdMalformed
	}
	method, target, version := fields[0], fields[1], fields[2]
	if version != "HTTP/1.0" && version != "HTTP/1.1" {
		return cmdMalformed
	}
	if !validMethod(method) {
		return cmdUnsupportedMethod
	}
	path, query := splitPathQuery(target)
	c.req.Method = method
	c.req.Path = path
	c.req.Query = query
	c.req.Version = version
	return cmdOK
}

type cmdResult int

const (
	cmdOK cmdResult = iota
	cmdMalformed
	cmdUnsupportedMethod
)

func validMethod(m string) bool {
	switch m {
	case "GET", "HEAD", "POST", "PUT", "DELETE", "OPTIONS", "TRACE", "CONNECT":
		return true
	default:
		return false
	}
}

// disallowedMethod reports whether m is a recognized HTTP method this
// server never serves. These get a 405 rather than falling through to
// a Handler, so every route rejects them uniformly instead of leaving
// it to whichever Handler happens to notice.
func disallowedMethod(m string) bool {
	switch m {
	case "PUT", "DELETE", "TRACE", "CONNECT":
		return true
	default:
		return false
	}
}

func (c *Connection) headersComplete() {
	if disallowedMethod(c.req.Method) {
		c.respondSimple(405, "Method Not Allowed")
		c.closing = true
		return
	}

	host, hasHost := c.req.Headers.Get("host")
	if c.req.Version == "HTTP/1.1" && !hasHost {
		c.respondSimple(400, "Bad Request")
		c.closing = true
		return
	}
	if hasHost && !ValidHost(host) {
		c.respondSimple(400, "Bad Request")
		c.closing = true
		return
	}

	if upgrade, _ := c.req.Headers.Get("upgrade"); strings.EqualFold(upgrade, "WebSocket") {
		c.completeWebSocketUpgrade()
		return
	}

	cl, hasCL := c.req.Headers.Get("content-length")
	c.bodyRemaining = 0
	if hasCL {
		n, err := strconv.ParseInt(strings.TrimSpace(cl), 10, 64)
		if err != nil || n < 0 {
			c.respondSimple(400, "Bad Request")
			c.closing = true
			return
		}
		c.bodyRemaining = n
	}

	if c.bodyRemaining == 0 {
		c.dispatch()
		return
	}
	if c.cfg.Handler == nil {
		c.state = DiscardPayload
		return
	}
	c.state = Payload
	c.bodyBuf = make([]byte, 0, c.bodyRemaining)
}

func (c *Connection) dispatch() {
	req := c.req
	req.Body = c.bodyBuf
	if conn, _ := c.req.Headers.Get("connection"); strings.EqualFold(conn, "close") {
		c.closing = true
	} else if req.Version == "HTTP/1.0" {
		c.closing = true
	}

	if c.cfg.Handler == nil {
		c.respondSimple(404, "Not Found")
		c.startNextRequest()
		return
	}
	switch c.cfg.Handler.ServeHTTP(c, req) {
	case Done, Error:
		c.startNextRequest()
	case Suspend:
		c.suspended = true
		c.el.SetTimeout(c.elc, 0)
	case PartialReply:
		c.partial = true
	case ReadMore:
		// Handler wants more body than Content-Length declared; treat
		// as a protocol error since chunked transfer isn't supported.
		c.respondSimple(400, "Bad Request")
		c.closing = true
		c.startNextRequest()
	}
}

// startNextRequest resets per-request state so the connection can
// parse the next pipelined (or freshly accepted) request line, unless
// it is closing.
func (c *Connection) startNextRequest() {
	c.suspended = false
	c.partial = false
	c.req = newRequest()
	c.bodyBuf = nil
	c.bodyRemaining = 0
	c.headerBytes = 0
	c.state = Command
	if c.cfg.IdleSeconds > 0 {
		c.el.SetTimeout(c.elc, c.cfg.IdleSeconds)
	}
}

// Transfer is called by a Handler after returning Suspend or
// PartialReply to deliver (more of) the response. final marks the end
// of the response for PartialReply; it is ignored for a one-shot
// Suspend completion.
func (c *Connection) Transfer(data []byte, final bool) {
	c.write(data)
	if !c.partial || final {
		c.startNextRequest()
	}
}

// WriteHead writes a response status line and headers block
// (caller supplies the full header section, CRLF-terminated, including
// the blank line that ends it).
func (c *Connection) WriteHead(status int, statusText string, headers string) {
	fmt.Fprintf(headWriter{c}, "HTTP/1.1 %d %s\r\n%s", status, statusText, headers)
}

// WriteHeadAndClose writes a response head the same as WriteHead, adds
// Connection: close, and marks the connection to close once the head
// (and any body the caller queues afterward) has flushed. Handlers use
// this for error responses, where the caller offers no Content-Length
// the client can use to find the next request on the same socket.
func (c *Connection) WriteHeadAndClose(status int, statusText string, headers string) {
	headers = strings.TrimSuffix(headers, "\r\n")
	c.WriteHead(status, statusText, headers+"Connection: close\r\n\r\n")
	c.Close()
}

type headWriter struct{ c *Connection }

func (w headWriter) Write(p []byte) (int, error) {
	w.c.write(p)
	return len(p), nil
}

func (c *Connection) respondSimple(status int, text string) {
	body := text
	resp := fmt.Sprintf("HTTP/1.1 %d %s\r\nContent-Type: text/plain\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s",
		status, text, len(body), body)
	c.write([]byte(resp))
}

// write enqueues bytes for the connection's transport (TLS engine or
// raw fd outbound buffer) without blocking the loop.
func (c *Connection) write(data []byte) {
	if len(data) == 0 {
		return
	}
	if c.tlse != nil {
		c.tlse.Send(data)
		return
	}
	c.outBuf = append(c.outBuf, data...)
	c.el.SetEvents(c.elc, c.el.GetEvents(c.elc)|eventloop.Write)
}

func (c *Connection) flushOutbound() eventloop.Result {
	for len(c.outBuf) > 0 {
		n, err := unix.Write(c.fd, c.outBuf)
		if n > 0 {
			c.outBuf = c.outBuf[n:]
		}
		if err != nil {
			if err == unix.EAGAIN {
				break
			}
			return eventloop.Done
		}
		if n == 0 {
			break
		}
	}
	if len(c.outBuf) == 0 {
		c.el.SetEvents(c.elc, c.el.GetEvents(c.elc)&^eventloop.Write)
		if c.closing {
			return eventloop.Done
		}
	}
	return eventloop.KeepOpen
}

// completeWebSocketUpgrade validates the hixie handshake headers and,
// on success, writes the 101 response and switches to WebSocket state.
func (c *Connection) completeWebSocketUpgrade() {
	origin, _ := c.req.Headers.Get("origin")
	if !validOrigin(origin) {
		c.respondSimple(400, "Bad Request")
		c.closing = true
		return
	}
	if c.cfg.WebSocket == nil {
		c.respondSimple(404, "Not Found")
		c.closing = true
		return
	}
	host, _ := c.req.Headers.Get("host")
	scheme := "ws"
	if c.tlse != nil {
		scheme = "wss"
	}
	location := fmt.Sprintf("%s://%s%s", scheme, host, c.req.Path)
	protocol, _ := c.req.Headers.Get("websocket-protocol")

	c.write(buildHandshakeResponse(origin, location, protocol))
	c.state = WebSocket
	c.ws = wsFrameState{}
	c.cfg.WebSocket.HandleWebSocket(c, nil, ConnectionOpened)
}

func (c *Connection) deliverWebSocket(payload []byte, flags WSFlags) {
	if c.cfg.WebSocket != nil {
		c.cfg.WebSocket.HandleWebSocket(c, payload, flags)
	}
}

// SendText writes a hixie text frame to an upgraded connection.
func (c *Connection) SendText(payload []byte) { c.write(encodeTextFrame(payload)) }

// SendBinary writes a hixie binary frame to an upgraded connection.
func (c *Connection) SendBinary(payload []byte) error {
	frame, err := encodeBinaryFrame(payload)
	if err != nil {
		return err
	}
	c.write(frame)
	return nil
}

// Close marks the connection for closure once its outbound buffer has
// drained (or immediately, if already empty).
func (c *Connection) Close() {
	c.closing = true
	if len(c.outBuf) == 0 && c.tlse == nil {
		c.el.SetEvents(c.elc, 0)
	}
}

// Request exposes the in-flight request, valid from dispatch through
// the handler's return (and across Suspend/PartialReply calls until
// the next request is started).
func (c *Connection) Request() *Request { return c.req }

// FD returns the connection's raw socket descriptor.
func (c *Connection) FD() int { return c.fd }
