package main

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/shellgo/internal/dispatcher"
	"github.com/ehrlich-b/shellgo/internal/eventloop"
	"github.com/ehrlich-b/shellgo/internal/httpconn"
	"github.com/ehrlich-b/shellgo/internal/session"
)

// cgiSessionKey mints the single session key a one-shot CGI process
// will serve, pinned up front so the one session the dispatcher
// creates carries it. The redirect printed to stdout names only the
// port, not this key.
func cgiSessionKey() (string, error) {
	key, err := session.NewKey()
	if err != nil {
		return "", fmt.Errorf("cgi: generate session key: %w", err)
	}
	return key, nil
}

// cgiPortRange parses the --cgi flag's optional MIN-MAX value. A bare
// --cgi (NoOptDefVal "-") or an empty value means "any ephemeral port".
func cgiPortRange(value string) (min, max int, err error) {
	if value == "" || value == "-" {
		return 0, 0, nil
	}
	parts := strings.SplitN(value, "-", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("cgi: malformed port range %q, want MIN-MAX", value)
	}
	min, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("cgi: malformed port range %q: %w", value, err)
	}
	max, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("cgi: malformed port range %q: %w", value, err)
	}
	return min, max, nil
}

// runCGI binds one listening socket within the requested port range
// (or an ephemeral one), emits the CGI redirect a web server's
// ScriptAlias expects on stdout, then serves exactly one session
// before returning. This mirrors shellinaboxd's own --cgi behavior: a
// short-lived process spawned per request by the outer web server,
// whose only job is to point the browser at the long-poll session it
// just created.
func runCGI(el *eventloop.Loop, disp *dispatcher.Dispatcher, log *slog.Logger, portRange string) error {
	min, max, err := cgiPortRange(portRange)
	if err != nil {
		return err
	}

	var listenFD, port int
	if min == 0 && max == 0 {
		listenFD, port, err = bindEphemeral()
	} else {
		listenFD, port, err = bindInRange(min, max)
	}
	if err != nil {
		return fmt.Errorf("cgi: bind: %w", err)
	}
	defer unix.Close(listenFD)

	if _, err := el.RegisterListener(listenFD, acceptFunc(listenFD), func(fd int) {
		if _, err := httpconn.New(el, fd, httpconn.Config{
			Handler:        disp,
			IdleSeconds:    600,
			MaxHeaderBytes: httpconn.DefaultMaxHeaderBytes,
			Log:            log,
		}); err != nil {
			log.Warn("cgi: accept: register connection failed", "err", err)
			unix.Close(fd)
		}
	}); err != nil {
		return fmt.Errorf("cgi: register listener: %w", err)
	}

	fmt.Printf("Location: http://localhost:%d/\r\n\r\n", port)
	os.Stdout.Sync()

	log.Info("cgi session server listening", "port", port)
	el.Run()
	return nil
}

func bindEphemeral() (fd, port int, err error) {
	return bindInRange(0, 0)
}

// bindInRange tries each port in [min, max] (or the single ephemeral
// port 0 when both are zero) until one binds.
func bindInRange(min, max int) (fd, port int, err error) {
	if min == 0 && max == 0 {
		fd, err = listenTCP(0, true)
		if err != nil {
			return -1, 0, err
		}
		port, err = boundPort(fd)
		return fd, port, err
	}
	var lastErr error
	for p := min; p <= max; p++ {
		fd, err := listenTCP(p, true)
		if err == nil {
			return fd, p, nil
		}
		lastErr = err
	}
	return -1, 0, fmt.Errorf("no free port in %d-%d: %w", min, max, lastErr)
}

func boundPort(fd int) (int, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return 0, err
	}
	addr, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		return 0, fmt.Errorf("unexpected socket address type %T", sa)
	}
	return addr.Port, nil
}
