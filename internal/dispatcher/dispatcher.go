// Package dispatcher implements the TerminalDispatcher: the
// httpconn.Handler that routes static asset paths, launches and polls
// sessions, and relays keystrokes, bridging HTTP requests to
// session.Registry and launcher.Client.
package dispatcher

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/shellgo/internal/eventloop"
	"github.com/ehrlich-b/shellgo/internal/httpconn"
	"github.com/ehrlich-b/shellgo/internal/launcher"
	"github.com/ehrlich-b/shellgo/internal/session"
	"github.com/ehrlich-b/shellgo/internal/svcconfig"
	"github.com/ehrlich-b/shellgo/internal/trie"
	"github.com/ehrlich-b/shellgo/internal/urlparser"
)

// MaxResponse bounds one PTY-read chunk appended to a session's output
// buffer, matching the poll reply's own MaxCompleteBytes cap.
const MaxResponse = 2048

// DefaultAjaxTimeout is the base unit of the session graveyard's grace
// period. A suspended long-poll has no timeout of its own.
const DefaultAjaxTimeout = 45 * time.Second

// routeKind distinguishes the handful of suffixes recognized under
// every service root.
type routeKind int

const (
	routeServiceRoot routeKind = iota
	routeAsset
	routeRaw
)

type route struct {
	kind    routeKind
	service *svcconfig.Service
	index   int32
	asset   string
	raw     *routeRawFile
}

// Dispatcher is the Handler bound to every Connection the server
// accepts: it owns the path trie, the session registry, and the
// launcher client used to mint new PTY-backed children.
type Dispatcher struct {
	el       *eventloop.Loop
	services []*svcconfig.Service
	launcher *launcher.Client
	sessions *session.Registry
	assets   AssetServer
	trie     *trie.Trie
	log      *slog.Logger

	cgi          bool
	userCSSCount int
}

// AssetServer answers static-asset requests (HTML bootstrap, JS, CSS,
// icons, usercss variants) kept outside this package's concern.
type AssetServer interface {
	// Serve writes conn's response for the named asset and returns
	// Done/Error. name is the matched suffix, e.g. "favicon.ico" or
	// "ShellInABox.js".
	Serve(conn *httpconn.Connection, name string, headOnly bool) httpconn.HandlerResult
}

// Config bundles a Dispatcher's dependencies.
type Config struct {
	Loop        *eventloop.Loop
	Services    []*svcconfig.Service
	Launcher    *launcher.Client
	Assets      AssetServer
	AjaxTimeout time.Duration
	CGIKey      string // non-empty enables CGI one-shot mode pinned to this key
	Log         *slog.Logger
}

// assetSuffixes lists every static path recognized under a service
// root, per the wire protocol's dispatcher routes.
var assetSuffixes = []string{
	"beep.wav", "enabled.gif", "favicon.ico", "keyboard.html",
	"keyboard.png", "ShellInABox.js", "styles.css", "print-styles.css",
}

// New builds a Dispatcher and registers every configured service's
// root and asset paths into the routing trie.
func New(cfg Config) *Dispatcher {
	if cfg.AjaxTimeout == 0 {
		cfg.AjaxTimeout = DefaultAjaxTimeout
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	d := &Dispatcher{
		el:       cfg.Loop,
		services: cfg.Services,
		launcher: cfg.Launcher,
		sessions: session.NewRegistry(cfg.AjaxTimeout, log),
		assets:   cfg.Assets,
		trie:     trie.New(),
		log:      log,
		cgi:      cfg.CGIKey != "",
	}
	if cfg.CGIKey != "" {
		d.sessions.EnableCGI(cfg.CGIKey)
	}
	for i, svc := range cfg.Services {
		root := svc.Path
		d.trie.Insert(root, &route{kind: routeServiceRoot, service: svc, index: int32(i)})
		prefix := root
		if prefix != "/" {
			prefix += "/"
		}
		for _, name := range assetSuffixes {
			d.trie.Insert(prefix+name, &route{kind: routeAsset, asset: name})
		}
		for n := 0; n < userCSSSlots; n++ {
			name := fmt.Sprintf("usercss-%d", n)
			d.trie.Insert(prefix+name, &route{kind: routeAsset, asset: name})
		}
	}
	return d
}

// userCSSSlots caps how many usercss-<n> assets a service root
// advertises, matching the bootstrap HTML's alternate-stylesheet menu.
const userCSSSlots = 8

// ServeHTTP implements httpconn.Handler.
func (d *Dispatcher) ServeHTTP(conn *httpconn.Connection, req *httpconn.Request) httpconn.HandlerResult {
	d.sessions.Sweep()

	value, _, ok := d.trie.Lookup(req.Path)
	if !ok {
		conn.WriteHeadAndClose(404, "Not Found", "Content-Length: 0\r\n\r\n")
		return httpconn.Done
	}
	r := value.(*route)

	switch r.kind {
	case routeAsset:
		if req.Method != "GET" && req.Method != "HEAD" {
			conn.WriteHeadAndClose(405, "Method Not Allowed", "Allow: GET, HEAD\r\nContent-Length: 0\r\n\r\n")
			return httpconn.Done
		}
		if d.assets == nil {
			conn.WriteHeadAndClose(404, "Not Found", "Content-Length: 0\r\n\r\n")
			return httpconn.Done
		}
		return d.assets.Serve(conn, r.asset, req.Method == "HEAD")

	case routeRaw:
		if req.Method != "GET" && req.Method != "HEAD" {
			conn.WriteHeadAndClose(405, "Method Not Allowed", "Allow: GET, HEAD\r\nContent-Length: 0\r\n\r\n")
			return httpconn.Done
		}
		return serveRawFile(conn, r.raw, req.Method == "HEAD")

	case routeServiceRoot:
		switch req.Method {
		case "GET", "HEAD":
			contentType, _ := req.Headers.Get("content-type")
			if strings.HasPrefix(contentType, "application/x-www-form-urlencoded") {
				return d.handleData(conn, req, r)
			}
			if d.assets == nil {
				conn.WriteHeadAndClose(404, "Not Found", "Content-Length: 0\r\n\r\n")
				return httpconn.Done
			}
			return d.assets.Serve(conn, "index.html", req.Method == "HEAD")
		case "POST":
			return d.handleData(conn, req, r)
		case "OPTIONS":
			conn.WriteHead(200, "OK", "Allow: GET, POST, OPTIONS\r\nContent-Length: 0\r\n\r\n")
			return httpconn.Done
		default:
			conn.WriteHeadAndClose(405, "Method Not Allowed", "Allow: GET, POST, OPTIONS\r\nContent-Length: 0\r\n\r\n")
			return httpconn.Done
		}
	}
	conn.WriteHeadAndClose(404, "Not Found", "Content-Length: 0\r\n\r\n")
	return httpconn.Done
}

// handleData implements §4.3's data exchange: a keystroke POST, a
// long-poll, or a new session creation, depending on which form fields
// are present.
func (d *Dispatcher) handleData(conn *httpconn.Connection, req *httpconn.Request, r *route) httpconn.HandlerResult {
	form, err := decodeForm(req)
	if err != nil {
		conn.WriteHeadAndClose(400, "Bad Request", "Content-Length: 0\r\n\r\n")
		return httpconn.Done
	}

	query := urlparser.ParseQuery(req.Query, d.log)
	requestedKey, _ := query.Get("session")

	width, height := 80, 24
	if w, ok := form.Get("width"); ok {
		if n, err := strconv.Atoi(w); err == nil {
			width = n
		}
	}
	if h, ok := form.Get("height"); ok {
		if n, err := strconv.Atoi(h); err == nil {
			height = n
		}
	}

	sess, isNew, cgiViolation, err := d.sessions.FindOrCreate(requestedKey, peerNameFor(conn))
	if cgiViolation {
		d.el.Exit(true)
		conn.WriteHeadAndClose(400, "Bad Request", "Content-Length: 0\r\n\r\n")
		return httpconn.Done
	}
	if err != nil {
		conn.WriteHeadAndClose(400, "Bad Request", "Content-Length: 0\r\n\r\n")
		return httpconn.Done
	}

	if isNew {
		rawURL, _ := query.Get("rooturl")
		if err := d.launchSession(sess, r, rawURL, width, height); err != nil {
			d.log.Warn("session launch failed", "err", err)
			conn.WriteHeadAndClose(500, "Internal Server Error", "Content-Length: 0\r\n\r\n")
			return httpconn.Done
		}
	} else if sess.Resize(width, height) {
		// width/height propagate to the PTY via TIOCSWINSZ inside Resize.
	}

	if keys, ok := form.Get("keys"); ok {
		d.writeKeys(sess, keys)
		conn.WriteHead(200, "OK", "Content-Type: text/plain\r\nContent-Length: 1\r\n\r\n")
		conn.Transfer([]byte(" "), true)
		return httpconn.Done
	}

	sess.Bind(conn)
	if sess.HasBuffered() {
		sess.CompletePending()
		return httpconn.Done
	}
	return httpconn.Suspend
}

// writeKeys decodes a hex-pair keystroke payload and writes it to the
// session's PTY, enqueuing a bell on backpressure.
func (d *Dispatcher) writeKeys(sess *session.Session, keys string) {
	decoded, _ := hex.DecodeString(trimTrailingNonHex(keys))
	if len(decoded) == 0 || sess.PTY == nil {
		return
	}
	if _, err := sess.PTY.Write(decoded); err != nil {
		if err == unix.EAGAIN {
			sess.Append([]byte{'\a'})
		}
	}
}

// trimTrailingNonHex drops a dangling odd hex digit or trailing junk
// so DecodeString doesn't reject an otherwise-valid prefix.
func trimTrailingNonHex(s string) string {
	if len(s)%2 != 0 {
		s = s[:len(s)-1]
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !isHexDigit(c) {
			return s[:i-i%2]
		}
	}
	return s
}

func isHexDigit(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

func decodeForm(req *httpconn.Request) (*urlparser.Values, error) {
	contentType, _ := req.Headers.Get("content-type")
	switch {
	case strings.HasPrefix(contentType, "multipart/form-data"):
		return urlparser.ParseMultipart(contentType, req.Body, nil)
	default:
		return urlparser.ParseFormURLEncoded(req.Body, nil), nil
	}
}

func peerNameFor(conn *httpconn.Connection) string {
	return fmt.Sprintf("fd%d", conn.FD())
}
