package eventloop

import (
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func socketPair(t *testing.T) (a, b int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	for _, fd := range fds {
		if err := unix.SetNonblock(fd, true); err != nil {
			t.Fatalf("set nonblock: %v", err)
		}
	}
	return fds[0], fds[1]
}

func TestRegisterDispatchesOnReadReady(t *testing.T) {
	l, err := New(5*time.Second, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer l.Close()

	a, b := socketPair(t)
	defer unix.Close(b)

	got := make(chan Events, 1)
	_, err = l.Register(a, func(conn *Connection, current, ready Events) Result {
		got <- ready
		l.Exit(false)
		return Done
	}, func(arg any) {
		unix.Close(a)
	}, nil)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	unix.Write(b, []byte("hi"))
	l.Run()

	select {
	case ev := <-got:
		if ev&Read == 0 {
			t.Errorf("expected Read in ready events, got %v", ev)
		}
	default:
		t.Fatal("callback never invoked")
	}
}

func TestTimeoutFiresAndDeletesConnection(t *testing.T) {
	l, err := New(0, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer l.Close()

	a, b := socketPair(t)
	defer unix.Close(a)
	defer unix.Close(b)

	fired := false
	conn, err := l.Register(a, func(conn *Connection, current, ready Events) Result {
		if ready == 0 {
			fired = true
			l.Exit(false)
			return Done
		}
		return KeepOpen
	}, nil, nil)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	l.SetTimeout(conn, 1)

	start := time.Now()
	l.Run()
	if !fired {
		t.Fatal("timeout callback never fired")
	}
	if l.GetConnection(nil, a) != nil {
		t.Error("connection still registered after its callback returned Done")
	}
	if elapsed := time.Since(start); elapsed < 900*time.Millisecond {
		t.Errorf("timeout fired too early: %v", elapsed)
	}
}

func TestSetEventsChangesInterestMask(t *testing.T) {
	l, err := New(5*time.Second, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer l.Close()

	a, b := socketPair(t)
	defer unix.Close(a)
	defer unix.Close(b)

	conn, err := l.Register(a, func(conn *Connection, current, ready Events) Result {
		return KeepOpen
	}, nil, nil)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	prior := l.SetEvents(conn, Read|Write)
	if prior != Read {
		t.Errorf("prior events = %v, want Read", prior)
	}
}

func TestGetConnectionFallsBackToFDLookup(t *testing.T) {
	l, err := New(5*time.Second, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer l.Close()

	a, b := socketPair(t)
	defer unix.Close(a)
	defer unix.Close(b)

	conn, err := l.Register(a, func(conn *Connection, current, ready Events) Result {
		return KeepOpen
	}, nil, nil)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	if got := l.GetConnection(nil, a); got != conn {
		t.Errorf("GetConnection(nil, fd) = %v, want %v", got, conn)
	}
	if got := l.GetConnection(conn, a); got != conn {
		t.Errorf("GetConnection(hint, fd) = %v, want %v", got, conn)
	}
}
