// Package session implements the opaque-key to PTY-backed child process
// mapping described by the server design: session lookup/creation,
// correlating asynchronous PTY output with the single HTTP poll request
// bound to a session, and a graveyard that gives a client a grace period
// to fetch a session's final output after its child has exited.
package session

import (
	"container/heap"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/creack/pty"

	"github.com/ehrlich-b/shellgo/internal/eventloop"
	"github.com/ehrlich-b/shellgo/internal/httpconn"
)

// MaxCompleteBytes bounds a single poll reply's data field, matching the
// dispatcher's MAX_RESPONSE read chunk size from the PTY.
const MaxCompleteBytes = 2048

// Session pairs an opaque key with a PTY-backed child and the single
// long-poll HTTP request currently waiting on its output.
type Session struct {
	mu sync.Mutex

	Key      string
	PeerName string
	PID      int

	Width, Height int

	// PTY is the master side of the child's pseudo-terminal, handed back
	// by the launcher over SCM_RIGHTS. It is nil for a session that has
	// not yet completed its launcher round-trip.
	PTY *os.File

	outbuf  []byte
	pending *httpconn.Connection
	done    bool

	// loop/ptyConn/throttled implement PTY read backpressure: once outbuf
	// reaches MaxCompleteBytes without a poll to drain it, Read interest
	// on the PTY is cleared so a chatty child can't grow outbuf without
	// bound, and restored once a poll brings it back under the cap.
	loop      *eventloop.Loop
	ptyConn   *eventloop.Connection
	throttled bool

	// graveyardIndex tracks this session's slot in the registry's
	// deadline heap, -1 when not buried.
	graveyardIndex int
	deadline       time.Time
}

// AttachPTY records the master PTY handle and initial window size
// returned by the launcher for a newly created session.
func (s *Session) AttachPTY(master *os.File, pid, width, height int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.PTY = master
	s.PID = pid
	s.Width, s.Height = width, height
}

// AttachPTYConn records the event loop and registered Connection backing
// s.PTY, letting Append/Bind/CompletePending throttle and restore PTY
// read interest as the output buffer fills and drains.
func (s *Session) AttachPTYConn(loop *eventloop.Loop, conn *eventloop.Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loop = loop
	s.ptyConn = conn
}

// throttleIfFullLocked clears the PTY's Read interest once outbuf has
// reached MaxCompleteBytes. Caller holds s.mu.
func (s *Session) throttleIfFullLocked() {
	if s.loop == nil || s.ptyConn == nil || s.throttled {
		return
	}
	if len(s.outbuf) >= MaxCompleteBytes {
		s.throttled = true
		s.loop.SetEvents(s.ptyConn, s.loop.GetEvents(s.ptyConn)&^eventloop.Read)
	}
}

// restoreIfDrainedLocked restores the PTY's Read interest once outbuf
// has fallen back under MaxCompleteBytes. Caller holds s.mu.
func (s *Session) restoreIfDrainedLocked() {
	if !s.throttled || len(s.outbuf) >= MaxCompleteBytes {
		return
	}
	s.throttled = false
	s.loop.SetEvents(s.ptyConn, s.loop.GetEvents(s.ptyConn)|eventloop.Read)
}

// Resize applies a new window size to the PTY via TIOCSWINSZ if it
// differs from the last-known size, returning whether it changed.
func (s *Session) Resize(width, height int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if width == s.Width && height == s.Height {
		return false
	}
	s.Width, s.Height = width, height
	if s.PTY != nil {
		pty.Setsize(s.PTY, &pty.Winsize{Cols: uint16(width), Rows: uint16(height)})
	}
	return true
}

func newSession(key, peerName string) *Session {
	return &Session{Key: key, PeerName: peerName, graveyardIndex: -1}
}

// Bind attaches req as the session's current long poll. Binding a second
// request completes the first immediately with whatever output is
// currently buffered — the client may see a short empty reply before the
// next chunk, per the one-poll-per-session invariant.
func (s *Session) Bind(req *httpconn.Connection) {
	s.mu.Lock()
	prior := s.pending
	s.pending = req
	var buffered []byte
	if prior != nil {
		buffered = s.takeBufferLocked()
	}
	s.mu.Unlock()

	if prior != nil {
		prior.Transfer(encodeEnvelope(s.Key, buffered), true)
	}
}

// HasBuffered reports whether output is waiting for the next completion,
// letting the dispatcher reply immediately instead of suspending.
func (s *Session) HasBuffered() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.outbuf) > 0 || s.done
}

// CompletePending flushes up to MaxCompleteBytes of buffered output to
// the bound request, if any, and clears the binding. It reports whether
// the session should remain registered afterward — false iff the child
// has exited and the buffer is now empty.
func (s *Session) CompletePending() (keepAlive bool) {
	s.mu.Lock()
	req := s.pending
	s.pending = nil
	var data []byte
	if req != nil {
		data = s.takeBufferLocked()
	}
	done := s.done
	empty := len(s.outbuf) == 0
	s.mu.Unlock()

	if req != nil {
		req.Transfer(encodeEnvelope(s.Key, data), true)
	}
	return !(done && empty)
}

// takeBufferLocked removes and returns up to MaxCompleteBytes from
// outbuf, leaving any remainder for the next completion. Caller holds s.mu.
func (s *Session) takeBufferLocked() []byte {
	if len(s.outbuf) <= MaxCompleteBytes {
		data := s.outbuf
		s.outbuf = nil
		s.restoreIfDrainedLocked()
		return data
	}
	data := s.outbuf[:MaxCompleteBytes]
	s.outbuf = s.outbuf[MaxCompleteBytes:]
	s.restoreIfDrainedLocked()
	return data
}

// Append adds PTY output to the session's buffer and, if a request is
// currently bound, flushes immediately.
func (s *Session) Append(data []byte) {
	s.mu.Lock()
	s.outbuf = append(s.outbuf, data...)
	s.throttleIfFullLocked()
	bound := s.pending != nil
	s.mu.Unlock()
	if bound {
		s.CompletePending()
	}
}

// MarkDone records that the child has exited. Any bound request is
// completed with the final buffered bytes (or an empty data field if
// none remain).
func (s *Session) MarkDone() {
	s.mu.Lock()
	s.done = true
	s.mu.Unlock()
	s.CompletePending()
}

// Done reports whether the child has exited.
func (s *Session) Done() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Registry maps session keys to Sessions, and buries sessions whose
// child has exited in a deadline-ordered graveyard until their last
// output has been fetched or the grace period lapses.
type Registry struct {
	mu         sync.Mutex
	sessions   map[string]*Session
	graveyard  graveyardHeap
	ajaxTimeout time.Duration
	cgiKey     string // non-empty in CGI mode: the single pre-negotiated key
	cgiCreated bool
	log        *slog.Logger
}

// NewRegistry returns an empty Registry. ajaxTimeout is the base unit
// of the graveyard's grace period (2x, per the design); the registry
// puts no timeout on bound long polls.
func NewRegistry(ajaxTimeout time.Duration, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		sessions:    make(map[string]*Session),
		ajaxTimeout: ajaxTimeout,
		log:         log,
	}
}

// EnableCGI pins the registry to a single pre-negotiated key: the first
// FindOrCreate mints exactly that key, and any further creation attempt
// is reported via the cgiViolation=true return.
func (r *Registry) EnableCGI(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cgiKey = key
}

// Lookup returns the session registered under key, if any.
func (r *Registry) Lookup(key string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[key]
	return s, ok
}

// FindOrCreate resolves the session named by requestedKey. An empty
// requestedKey always creates a new session. cgiViolation is true when
// CGI mode is active and this call would create a second session — the
// caller must respond by exiting the event loop entirely.
func (r *Registry) FindOrCreate(requestedKey, peerName string) (s *Session, isNew bool, cgiViolation bool, err error) {
	r.mu.Lock()
	if requestedKey != "" {
		if s, ok := r.sessions[requestedKey]; ok {
			r.mu.Unlock()
			return s, false, false, nil
		}
		r.mu.Unlock()
		r.log.Warn("failed to find session", "key", requestedKey)
		return nil, false, false, errUnknownSession
	}
	if r.cgiKey != "" {
		if r.cgiCreated {
			r.mu.Unlock()
			return nil, false, true, nil
		}
		r.cgiCreated = true
		key := r.cgiKey
		s := newSession(key, peerName)
		r.sessions[key] = s
		r.mu.Unlock()
		r.log.Debug("creating cgi session", "key", key)
		return s, true, false, nil
	}
	r.mu.Unlock()

	key, err := newSessionKey()
	if err != nil {
		return nil, false, false, err
	}
	s = newSession(key, peerName)

	r.mu.Lock()
	r.sessions[key] = s
	r.mu.Unlock()
	r.log.Debug("creating new session", "key", key)
	return s, true, false, nil
}

// Bury adds s to the graveyard with a deadline of now + 2*ajaxTimeout;
// s stays in the live map until Sweep removes it after that deadline,
// giving the client that grace period to fetch the final output before
// the key becomes unknown.
func (r *Registry) Bury(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s.deadline = time.Now().Add(2 * r.ajaxTimeout)
	heap.Push(&r.graveyard, s)
}

// Sweep removes graveyard entries whose deadline has passed, deleting
// them from the live map. Called on every dispatch, replacing the
// original's per-request linked-list walk with a deadline-ordered heap
// pop.
func (r *Registry) Sweep() {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	for r.graveyard.Len() > 0 && !r.graveyard[0].deadline.After(now) {
		s := heap.Pop(&r.graveyard).(*Session)
		delete(r.sessions, s.Key)
		r.log.Debug("reaped session", "key", s.Key)
	}
}

type sessionError string

func (e sessionError) Error() string { return string(e) }

const errUnknownSession = sessionError("session: unknown session key")

// ErrUnknownSession is returned by FindOrCreate when a non-empty,
// non-CGI key does not match any registered session.
var ErrUnknownSession = errUnknownSession

type graveyardHeap []*Session

func (h graveyardHeap) Len() int           { return len(h) }
func (h graveyardHeap) Less(i, j int) bool { return h[i].deadline.Before(h[j].deadline) }
func (h graveyardHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].graveyardIndex = i
	h[j].graveyardIndex = j
}
func (h *graveyardHeap) Push(x any) {
	s := x.(*Session)
	s.graveyardIndex = len(*h)
	*h = append(*h, s)
}
func (h *graveyardHeap) Pop() any {
	old := *h
	n := len(old)
	s := old[n-1]
	old[n-1] = nil
	s.graveyardIndex = -1
	*h = old[:n-1]
	return s
}
