package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/shellgo/internal/eventloop"
)

func TestFindOrCreateMintsNewKey(t *testing.T) {
	r := NewRegistry(time.Second, nil)

	s, isNew, cgiViolation, err := r.FindOrCreate("", "peer-a")
	require.NoError(t, err)
	require.True(t, isNew)
	require.False(t, cgiViolation)
	require.NotEmpty(t, s.Key)

	again, isNew, cgiViolation, err := r.FindOrCreate(s.Key, "peer-a")
	require.NoError(t, err)
	require.False(t, isNew)
	require.False(t, cgiViolation)
	require.Same(t, s, again)
}

func TestFindOrCreateUnknownKey(t *testing.T) {
	r := NewRegistry(time.Second, nil)
	_, _, _, err := r.FindOrCreate("nonexistent", "peer-a")
	require.ErrorIs(t, err, ErrUnknownSession)
}

func TestCGIModePinsSingleSession(t *testing.T) {
	r := NewRegistry(time.Second, nil)
	r.EnableCGI("fixed-key")

	s, isNew, cgiViolation, err := r.FindOrCreate("", "peer-a")
	require.NoError(t, err)
	require.True(t, isNew)
	require.False(t, cgiViolation)
	require.Equal(t, "fixed-key", s.Key)

	_, _, cgiViolation, err = r.FindOrCreate("", "peer-b")
	require.NoError(t, err)
	require.True(t, cgiViolation)
}

func TestAppendBuffersWithoutBoundRequest(t *testing.T) {
	s := newSession("k1", "peer-a")
	require.False(t, s.HasBuffered())

	s.Append([]byte("hello"))
	require.True(t, s.HasBuffered())

	data := s.takeBufferLocked()
	require.Equal(t, "hello", string(data))
	require.False(t, s.HasBuffered())
}

func TestMarkDoneKeepsRemainingOutputForNextPoll(t *testing.T) {
	s := newSession("k1", "peer-a")
	s.Append([]byte("tail"))
	require.False(t, s.Done())

	s.MarkDone()
	require.True(t, s.Done())
	require.True(t, s.HasBuffered())
	require.Equal(t, "tail", string(s.takeBufferLocked()))
}

func TestResizeReportsChange(t *testing.T) {
	s := newSession("k1", "peer-a")
	s.AttachPTY(nil, 0, 80, 24)

	require.False(t, s.Resize(80, 24))
	require.True(t, s.Resize(120, 40))
	require.Equal(t, 120, s.Width)
	require.Equal(t, 40, s.Height)
}

func TestAppendThrottlesReadInterestWhenBufferFull(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	loop, err := eventloop.New(time.Second, nil)
	require.NoError(t, err)
	defer loop.Close()

	conn, err := loop.Register(fds[0], func(*eventloop.Connection, eventloop.Events, eventloop.Events) eventloop.Result {
		return eventloop.KeepOpen
	}, nil, nil)
	require.NoError(t, err)

	s := newSession("k1", "peer-a")
	s.AttachPTYConn(loop, conn)

	s.Append(make([]byte, MaxCompleteBytes))
	require.Equal(t, eventloop.Events(0), loop.GetEvents(conn)&eventloop.Read)

	data := s.takeBufferLocked()
	require.Len(t, data, MaxCompleteBytes)
	require.NotEqual(t, eventloop.Events(0), loop.GetEvents(conn)&eventloop.Read)
}

func TestSweepReapsExpiredGraveyardEntries(t *testing.T) {
	r := NewRegistry(time.Millisecond, nil)
	s, _, _, err := r.FindOrCreate("", "peer-a")
	require.NoError(t, err)

	r.Bury(s)
	_, ok := r.Lookup(s.Key)
	require.True(t, ok)

	s.deadline = time.Now().Add(-time.Second)
	r.Sweep()

	_, ok = r.Lookup(s.Key)
	require.False(t, ok)
}
