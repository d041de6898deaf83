package httpconn

import (
	"strings"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/shellgo/internal/eventloop"
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

func readAll(t *testing.T, fd int, deadline time.Duration) []byte {
	t.Helper()
	var out []byte
	buf := make([]byte, 4096)
	stop := time.Now().Add(deadline)
	for time.Now().Before(stop) {
		n, err := unix.Read(fd, buf)
		if n > 0 {
			out = append(out, buf[:n]...)
		}
		if err != nil && err != unix.EAGAIN {
			break
		}
		if n == 0 && err == nil {
			break
		}
		if n <= 0 {
			time.Sleep(time.Millisecond)
		}
	}
	return out
}

func TestSimpleGetRequestDispatchesAndResponds(t *testing.T) {
	l, err := eventloop.New(time.Second, nil)
	if err != nil {
		t.Fatalf("eventloop.New: %v", err)
	}
	defer l.Close()

	server, client := socketPair(t)
	defer unix.Close(client)

	var gotPath string
	handler := HandlerFunc(func(c *Connection, req *Request) HandlerResult {
		gotPath = req.Path
		c.WriteResponse(200, "OK", "text/plain", []byte("hi"))
		return Done
	})

	_, err = New(l, server, Config{Handler: handler, IdleSeconds: 5})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	unix.Write(client, []byte("GET /shell/status HTTP/1.1\r\nHost: localhost\r\n\r\n"))

	go func() {
		time.Sleep(100 * time.Millisecond)
		l.Exit(true)
	}()
	l.Run()

	if gotPath != "/shell/status" {
		t.Errorf("handler saw path %q, want /shell/status", gotPath)
	}

	resp := readAll(t, client, 200*time.Millisecond)
	if !strings.Contains(string(resp), "200 OK") {
		t.Errorf("response missing status line: %q", resp)
	}
	if !strings.Contains(string(resp), "hi") {
		t.Errorf("response missing body: %q", resp)
	}
}

func TestBadHostHeaderRejected(t *testing.T) {
	l, err := eventloop.New(time.Second, nil)
	if err != nil {
		t.Fatalf("eventloop.New: %v", err)
	}
	defer l.Close()

	server, client := socketPair(t)
	defer unix.Close(client)

	called := false
	handler := HandlerFunc(func(c *Connection, req *Request) HandlerResult {
		called = true
		return Done
	})

	_, err = New(l, server, Config{Handler: handler, IdleSeconds: 5})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	unix.Write(client, []byte("GET / HTTP/1.1\r\nHost: evil host!\r\n\r\n"))

	go func() {
		time.Sleep(100 * time.Millisecond)
		l.Exit(true)
	}()
	l.Run()

	if called {
		t.Error("handler should not run for an invalid Host header")
	}
	resp := readAll(t, client, 200*time.Millisecond)
	if !strings.Contains(string(resp), "400") {
		t.Errorf("expected 400 response, got %q", resp)
	}
}

func TestUnknownMethodGets501(t *testing.T) {
	l, err := eventloop.New(time.Second, nil)
	if err != nil {
		t.Fatalf("eventloop.New: %v", err)
	}
	defer l.Close()

	server, client := socketPair(t)
	defer unix.Close(client)

	_, err = New(l, server, Config{IdleSeconds: 5})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	unix.Write(client, []byte("FROB / HTTP/1.1\r\nHost: localhost\r\n\r\n"))

	go func() {
		time.Sleep(100 * time.Millisecond)
		l.Exit(true)
	}()
	l.Run()

	resp := readAll(t, client, 200*time.Millisecond)
	if !strings.Contains(string(resp), "501") {
		t.Errorf("expected 501 response, got %q", resp)
	}
}

func TestDisallowedMethodsGet405(t *testing.T) {
	for _, method := range []string{"PUT", "DELETE", "TRACE", "CONNECT"} {
		l, err := eventloop.New(time.Second, nil)
		if err != nil {
			t.Fatalf("eventloop.New: %v", err)
		}

		server, client := socketPair(t)

		called := false
		handler := HandlerFunc(func(c *Connection, req *Request) HandlerResult {
			called = true
			return Done
		})

		if _, err := New(l, server, Config{Handler: handler, IdleSeconds: 5}); err != nil {
			t.Fatalf("New: %v", err)
		}

		unix.Write(client, []byte(method+" / HTTP/1.1\r\nHost: localhost\r\n\r\n"))

		go func() {
			time.Sleep(100 * time.Millisecond)
			l.Exit(true)
		}()
		l.Run()

		resp := readAll(t, client, 200*time.Millisecond)
		if !strings.Contains(string(resp), "405") {
			t.Errorf("%s: expected 405 response, got %q", method, resp)
		}
		if !strings.Contains(string(resp), "Connection: close") {
			t.Errorf("%s: expected Connection: close, got %q", method, resp)
		}
		if called {
			t.Errorf("%s: handler should not run for a disallowed method", method)
		}

		unix.Close(client)
		l.Close()
	}
}

func TestWriteHeadAndCloseAddsConnectionCloseAndCloses(t *testing.T) {
	l, err := eventloop.New(time.Second, nil)
	if err != nil {
		t.Fatalf("eventloop.New: %v", err)
	}
	defer l.Close()

	server, client := socketPair(t)
	defer unix.Close(client)

	handler := HandlerFunc(func(c *Connection, req *Request) HandlerResult {
		c.WriteHeadAndClose(404, "Not Found", "Content-Length: 0\r\n\r\n")
		return Done
	})

	_, err = New(l, server, Config{Handler: handler, IdleSeconds: 5})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	unix.Write(client, []byte("GET /missing HTTP/1.1\r\nHost: localhost\r\nConnection: keep-alive\r\n\r\n"))

	go func() {
		time.Sleep(100 * time.Millisecond)
		l.Exit(true)
	}()
	l.Run()

	resp := readAll(t, client, 200*time.Millisecond)
	if !strings.Contains(string(resp), "404") {
		t.Errorf("expected 404 response, got %q", resp)
	}
	if !strings.Contains(string(resp), "Connection: close") {
		t.Errorf("expected Connection: close even though request asked for keep-alive, got %q", resp)
	}
}

func TestSuspendDefersResponseUntilTransfer(t *testing.T) {
	l, err := eventloop.New(time.Second, nil)
	if err != nil {
		t.Fatalf("eventloop.New: %v", err)
	}
	defer l.Close()

	server, client := socketPair(t)
	defer unix.Close(client)

	var suspendedConn *Connection
	handler := HandlerFunc(func(c *Connection, req *Request) HandlerResult {
		suspendedConn = c
		return Suspend
	})

	_, err = New(l, server, Config{Handler: handler, IdleSeconds: 5})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	unix.Write(client, []byte("GET /shell/data HTTP/1.1\r\nHost: localhost\r\n\r\n"))

	go func() {
		time.Sleep(50 * time.Millisecond)
		if suspendedConn != nil {
			suspendedConn.WriteResponse(200, "OK", "text/plain", []byte("later"))
			suspendedConn.Transfer(nil, true)
		}
		time.Sleep(50 * time.Millisecond)
		l.Exit(true)
	}()
	l.Run()

	if suspendedConn == nil {
		t.Fatal("handler never ran")
	}
	resp := readAll(t, client, 200*time.Millisecond)
	if !strings.Contains(string(resp), "later") {
		t.Errorf("expected deferred body, got %q", resp)
	}
}
