package httpconn

// State is one node of the per-connection HTTP/1.1 state machine.
type State int

const (
	// SniffSsl inspects the first bytes of a fresh connection to
	// decide whether they are a plaintext HTTP request or a TLS
	// ClientHello.
	SniffSsl State = iota
	Command
	Headers
	Payload
	DiscardPayload
	WebSocket
)

func (s State) String() string {
	switch s {
	case SniffSsl:
		return "SniffSsl"
	case Command:
		return "Command"
	case Headers:
		return "Headers"
	case Payload:
		return "Payload"
	case DiscardPayload:
		return "DiscardPayload"
	case WebSocket:
		return "WebSocket"
	default:
		return "Unknown"
	}
}

// HandlerResult is what a request handler returns to drive the next
// state transition.
type HandlerResult int

const (
	// Done completes the response; the connection returns to Command
	// once any unread payload is discarded.
	Done HandlerResult = iota
	// Error behaves like Done but implies the response was an error.
	Error
	// ReadMore is answered with 400 Bad Request and the connection is
	// closed: a declared body is buffered in full (Payload) before the
	// handler runs, and the handler is not called again for more body.
	ReadMore
	// Suspend pauses the request until a later Transfer call supplies
	// the reply; the connection's timeout is cleared while suspended.
	Suspend
	// PartialReply declares the handler will emit the body across
	// multiple Transfer calls; the connection waits for a Transfer with
	// final set and does not call the handler again by itself.
	PartialReply
)
