package httpconn

import (
	"strings"

	"github.com/ehrlich-b/shellgo/internal/urlparser"
)

var validHostChars = func() [256]bool {
	var t [256]bool
	for c := byte('0'); c <= '9'; c++ {
		t[c] = true
	}
	for c := byte('A'); c <= 'Z'; c++ {
		t[c] = true
	}
	for c := byte('a'); c <= 'z'; c++ {
		t[c] = true
	}
	t['-'] = true
	t['.'] = true
	return t
}()

// ValidHost reports whether host (with any ":port" suffix stripped)
// contains only [-.0-9A-Za-z].
func ValidHost(hostHeader string) bool {
	host := hostHeader
	if idx := strings.LastIndexByte(host, ':'); idx >= 0 {
		// Only strip a trailing numeric port, not an IPv6 literal colon.
		if _, err := parsePort(host[idx+1:]); err == nil {
			host = host[:idx]
		}
	}
	if host == "" {
		return false
	}
	for i := 0; i < len(host); i++ {
		if !validHostChars[host[i]] {
			return false
		}
	}
	return true
}

func parsePort(s string) (int, error) {
	if s == "" {
		return 0, errBadPort
	}
	n := 0
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return 0, errBadPort
		}
		n = n*10 + int(s[i]-'0')
	}
	return n, nil
}

type portError string

func (e portError) Error() string { return string(e) }

const errBadPort = portError("httpconn: bad port")

// Request holds the per-request metadata parsed by the state machine.
type Request struct {
	Method     string
	Path       string // pre-query, not percent-decoded
	PathInfo   string // unmatched trie suffix
	MatchedPrefix string
	Query      string
	Version    string
	Headers    *urlparser.Values
	Body       []byte
	pendingKey string // header key awaiting its value across a continuation line
}

func newRequest() *Request {
	return &Request{Headers: urlparser.NewValues()}
}

// splitPathQuery splits "/foo?a=b" into ("/foo", "a=b").
func splitPathQuery(target string) (path, query string) {
	if idx := strings.IndexByte(target, '?'); idx >= 0 {
		return target[:idx], target[idx+1:]
	}
	return target, ""
}

// AddHeaderLine folds a raw header line (or continuation) into the
// request's header map. Only the first occurrence of a given header
// name is kept.
func (r *Request) AddHeaderLine(line string) {
	if line == "" {
		return
	}
	if line[0] == ' ' || line[0] == '\t' {
		// Continuation of the previous header's value.
		if r.pendingKey == "" {
			return
		}
		prior, _ := r.Headers.Get(r.pendingKey)
		r.Headers.Set(r.pendingKey, prior+" "+strings.TrimSpace(line))
		return
	}
	name, value, ok := strings.Cut(line, ":")
	if !ok {
		return
	}
	name = strings.ToLower(strings.TrimSpace(name))
	value = strings.TrimSpace(value)
	r.pendingKey = name
	r.Headers.SetIfAbsent(name, value)
}
