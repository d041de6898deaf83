// Package eventloop implements the server's single-threaded,
// non-blocking I/O multiplexer. One Loop owns an ordered set of
// registered descriptors, each with an interest mask and an absolute
// deadline, and drives them from a single epoll wait — no callback
// may block, and the only concurrency is the cooperative scheduling
// between callbacks.
package eventloop

import (
	"container/heap"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sys/unix"
)

// Events is an interest/readiness bitmask.
type Events uint8

const (
	Read Events = 1 << iota
	Write
)

// Result is what a callback returns to tell the Loop what to do next.
type Result int

const (
	// KeepOpen leaves the connection registered.
	KeepOpen Result = iota
	// Done marks the connection deleted; its destructor runs at once
	// and the slot is compacted out at the end of the current iteration.
	Done
)

// Callback is invoked when a descriptor becomes ready or times out.
// current is the connection's interest mask before this call (the
// callback may mutate it via Loop.SetEvents); ready is the mask of
// events that were actually observed (0 on a timeout wakeup).
type Callback func(conn *Connection, current, ready Events) Result

// Destructor releases resources owned by the callback's opaque arg.
type Destructor func(arg any)

// AcceptFunc is invoked when a listening socket is readable. It should
// accept at most one connection and return its descriptor, already
// non-blocking (or -1 and an error); the Loop passes it unchanged to
// the listener's onAccept callback, which registers it.
type AcceptFunc func() (fd int, err error)

// Connection is a registered descriptor plus its scheduling state.
type Connection struct {
	fd         int
	events     Events
	deadline   time.Time // zero value = no timeout
	callback   Callback
	destructor Destructor
	arg        any
	deleted    bool
	heapIndex  int // index into the loop's deadline heap, -1 if untracked
	loop       *Loop
}

// FD returns the connection's underlying file descriptor.
func (c *Connection) FD() int { return c.fd }

// SetCallback replaces the callback invoked on readiness/timeout. It is
// used when a connection's transport changes shape mid-life (e.g. a
// TLS handoff switches from servicing the raw fd directly to servicing
// a wake-pipe signal) and needs a different dispatch function without
// losing its place in the loop's bookkeeping.
func (c *Connection) SetCallback(cb Callback) { c.callback = cb }

// Loop is the event multiplexer. It is not safe for concurrent use —
// Run must be called from a single goroutine, matching the
// single-threaded cooperative model described by the server design.
type Loop struct {
	epfd      int
	conns     []*Connection
	byFD      map[int]*Connection
	deadline  deadlineHeap
	runStack  []bool // one entry per nested Run() level, LIFO; false requests that level to stop
	idle      time.Duration // server-wide idle deadline applied when no connection has a sooner one
	log       *slog.Logger
}

// New creates an empty Loop. idleTimeout bounds how long epoll_wait
// blocks when no registered connection has a nearer deadline; it
// keeps the loop responsive to external exit() calls.
func New(idleTimeout time.Duration, logger *slog.Logger) (*Loop, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		epfd:  epfd,
		byFD:  make(map[int]*Connection),
		idle:  idleTimeout,
		log:   logger,
	}, nil
}

// Close releases the epoll descriptor.
func (l *Loop) Close() error {
	return unix.Close(l.epfd)
}

// Register adds fd to the loop with initial read interest and returns
// its Connection handle. The descriptor must already be non-blocking.
func (l *Loop) Register(fd int, cb Callback, destructor Destructor, arg any) (*Connection, error) {
	c := &Connection{
		fd:         fd,
		events:     Read,
		callback:   cb,
		destructor: destructor,
		arg:        arg,
		heapIndex:  -1,
		loop:       l,
	}
	if err := l.epollAdd(fd, Read); err != nil {
		return nil, err
	}
	l.conns = append(l.conns, c)
	l.byFD[fd] = c
	return c, nil
}

// Rebind moves conn's epoll registration to a different descriptor,
// keeping its callback, destructor, arg and deadline intact. It is
// used when a connection's underlying transport changes ownership of
// the raw socket — e.g. handing a TLS-upgraded fd off to a dedicated
// record-layer goroutine and switching the loop to watch that
// goroutine's wake pipe instead.
func (l *Loop) Rebind(conn *Connection, newFD int) error {
	if !conn.deleted {
		l.epollDel(conn.fd)
		delete(l.byFD, conn.fd)
	}
	conn.fd = newFD
	l.byFD[newFD] = conn
	return l.epollAdd(newFD, conn.events)
}

// GetEvents reports conn's current interest mask.
func (l *Loop) GetEvents(conn *Connection) Events { return conn.events }

// SetEvents replaces the interest mask for conn and returns the prior
// mask. A zero mask is still tracked for timeouts but never wakes the
// loop for readiness.
func (l *Loop) SetEvents(conn *Connection, events Events) Events {
	prior := conn.events
	if prior == events {
		return prior
	}
	conn.events = events
	l.epollMod(conn.fd, events)
	return prior
}

// SetTimeout arms (seconds>0) or disables (seconds==0) conn's absolute
// deadline. Negative values are a programming error and panic, matching
// the "not valid" contract in the design.
func (l *Loop) SetTimeout(conn *Connection, seconds int) {
	if seconds < 0 {
		panic("eventloop: negative timeout")
	}
	if conn.heapIndex >= 0 {
		heap.Remove(&l.deadline, conn.heapIndex)
	}
	if seconds == 0 {
		conn.deadline = time.Time{}
		return
	}
	conn.deadline = time.Now().Add(time.Duration(seconds) * time.Second)
	heap.Push(&l.deadline, conn)
}

// GetTimeout reports the remaining seconds until conn's deadline: <0 if
// expired, 0 if unset, >0 otherwise.
func (l *Loop) GetTimeout(conn *Connection) float64 {
	if conn.deadline.IsZero() {
		return 0
	}
	remaining := time.Until(conn.deadline).Seconds()
	if remaining == 0 {
		// Never surface exactly 0 for an armed timer; treat as expired.
		return -1e-9
	}
	return remaining
}

// GetConnection validates a possibly-stale hint (e.g. held across a
// compaction) and falls back to a lookup by fd.
func (l *Loop) GetConnection(hint *Connection, fd int) *Connection {
	if hint != nil && !hint.deleted && hint.fd == fd {
		return hint
	}
	if c, ok := l.byFD[fd]; ok && !c.deleted {
		return c
	}
	return nil
}

// RegisterListener wires a listening socket's readability to accept.
// Each ready event accepts at most one connection and hands the new
// fd to onAccept for registration.
func (l *Loop) RegisterListener(listenFD int, accept AcceptFunc, onAccept func(fd int)) (*Connection, error) {
	return l.Register(listenFD, func(conn *Connection, current, ready Events) Result {
		if ready&Read == 0 {
			return KeepOpen
		}
		fd, err := accept()
		if err != nil {
			l.log.Warn("accept failed", "err", err)
			return KeepOpen
		}
		onAccept(fd)
		return KeepOpen
	}, nil, nil)
}

// Exit requests the loop to stop. all unwinds every nested Run level;
// otherwise only the innermost (currently dispatching) Run call stops.
func (l *Loop) Exit(all bool) {
	if len(l.runStack) == 0 {
		return
	}
	if all {
		for i := range l.runStack {
			l.runStack[i] = false
		}
		return
	}
	l.runStack[len(l.runStack)-1] = false
}

// Run processes events until Exit is called for this nesting level. It
// may be called re-entrantly from within a callback — each nested call
// pushes its own frame onto runStack and pops it on return.
func (l *Loop) Run() {
	l.runStack = append(l.runStack, true)
	myIndex := len(l.runStack) - 1
	events := make([]unix.EpollEvent, 64)

	for l.runStack[myIndex] {
		timeout := l.nextTimeoutMillis()
		n, err := unix.EpollWait(l.epfd, events, timeout)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			l.log.Error("epoll_wait failed", "err", err)
			break
		}

		ready := make(map[int]Events, n)
		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			var e Events
			if events[i].Events&unix.EPOLLIN != 0 {
				e |= Read
			}
			if events[i].Events&unix.EPOLLOUT != 0 {
				e |= Write
			}
			ready[fd] = e
		}

		l.dispatchReady(ready)
		l.dispatchTimeouts()
		l.compact()
	}
	// Pop this frame. Frames are strictly LIFO: a nested Run always
	// returns before the Run that invoked its callback resumes.
	l.runStack = l.runStack[:myIndex]
}

func (l *Loop) dispatchReady(ready map[int]Events) {
	for fd, revents := range ready {
		c, ok := l.byFD[fd]
		if !ok || c.deleted {
			continue
		}
		if c.callback == nil {
			continue
		}
		if c.callback(c, c.events, revents) == Done {
			l.markDeleted(c)
		}
	}
}

func (l *Loop) dispatchTimeouts() {
	now := time.Now()
	for l.deadline.Len() > 0 {
		c := l.deadline[0]
		if c.deadline.After(now) {
			break
		}
		heap.Pop(&l.deadline)
		if c.deleted {
			continue
		}
		if c.callback != nil && c.callback(c, c.events, 0) == Done {
			l.markDeleted(c)
		}
	}
}

func (l *Loop) markDeleted(c *Connection) {
	if c.deleted {
		return
	}
	c.deleted = true
	if c.heapIndex >= 0 {
		heap.Remove(&l.deadline, c.heapIndex)
	}
	l.epollDel(c.fd)
	delete(l.byFD, c.fd)
	if c.destructor != nil {
		c.destructor(c.arg)
	}
}

// compact drops deleted entries from conns, keeping survivors
// contiguous. Descriptors with no read/write interest are moved to the
// tail so the loop never wastes a wakeup on them (they still carry
// timeouts via the deadline heap).
func (l *Loop) compact() {
	survivors := l.conns[:0]
	var idle []*Connection
	for _, c := range l.conns {
		if c.deleted {
			continue
		}
		if c.events == 0 {
			idle = append(idle, c)
			continue
		}
		survivors = append(survivors, c)
	}
	l.conns = append(survivors, idle...)
}

func (l *Loop) nextTimeoutMillis() int {
	best := l.idle
	if l.deadline.Len() > 0 {
		remaining := time.Until(l.deadline[0].deadline)
		if remaining < best || best == 0 {
			best = remaining
		}
	}
	if best <= 0 {
		return 0
	}
	ms := best.Milliseconds()
	if ms > int64(int(^uint(0)>>1)) {
		return -1
	}
	return int(ms)
}

func (l *Loop) epollAdd(fd int, events Events) error {
	return unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: toEpoll(events),
		Fd:     int32(fd),
	})
}

func (l *Loop) epollMod(fd int, events Events) {
	unix.EpollCtl(l.epfd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{
		Events: toEpoll(events),
		Fd:     int32(fd),
	})
}

func (l *Loop) epollDel(fd int) {
	unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

func toEpoll(events Events) uint32 {
	var e uint32
	if events&Read != 0 {
		e |= unix.EPOLLIN
	}
	if events&Write != 0 {
		e |= unix.EPOLLOUT
	}
	return e
}

// deadlineHeap is a container/heap priority queue of registered
// connections keyed by their timeout deadline.
type deadlineHeap []*Connection

func (h deadlineHeap) Len() int            { return len(h) }
func (h deadlineHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h deadlineHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIndex = i
	h[j].heapIndex = j
}
func (h *deadlineHeap) Push(x any) {
	c := x.(*Connection)
	c.heapIndex = len(*h)
	*h = append(*h, c)
}
func (h *deadlineHeap) Pop() any {
	old := *h
	n := len(old)
	c := old[n-1]
	old[n-1] = nil
	c.heapIndex = -1
	*h = old[:n-1]
	return c
}
