package httpconn

import "testing"

func TestValidHostAcceptsPlainAndPortedHost(t *testing.T) {
	cases := []struct {
		host string
		want bool
	}{
		{"example.com", true},
		{"example.com:8080", true},
		{"localhost", true},
		{"exa mple.com", false},
		{"example.com:abc", false},
		{"", false},
		{"evil.com/../etc", false},
	}
	for _, tc := range cases {
		if got := ValidHost(tc.host); got != tc.want {
			t.Errorf("ValidHost(%q) = %v, want %v", tc.host, got, tc.want)
		}
	}
}

func TestAddHeaderLineKeepsFirstOccurrence(t *testing.T) {
	r := newRequest()
	r.AddHeaderLine("Host: first.example.com")
	r.AddHeaderLine("Host: second.example.com")
	got, ok := r.Headers.Get("host")
	if !ok || got != "first.example.com" {
		t.Errorf("Headers[host] = %q, %v; want first.example.com, true", got, ok)
	}
}

func TestAddHeaderLineFoldsContinuation(t *testing.T) {
	r := newRequest()
	r.AddHeaderLine("X-Custom: line one")
	r.AddHeaderLine("  line two")
	got, _ := r.Headers.Get("x-custom")
	if got != "line one line two" {
		t.Errorf("folded header = %q, want %q", got, "line one line two")
	}
}

func TestSplitPathQuery(t *testing.T) {
	path, query := splitPathQuery("/shell/data?session=abc")
	if path != "/shell/data" || query != "session=abc" {
		t.Errorf("splitPathQuery = (%q, %q)", path, query)
	}
	path, query = splitPathQuery("/shell/data")
	if path != "/shell/data" || query != "" {
		t.Errorf("splitPathQuery with no query = (%q, %q)", path, query)
	}
}
