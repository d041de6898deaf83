package launcher

import (
	"reflect"
	"strings"
	"testing"
)

func TestExpandVars(t *testing.T) {
	vars := map[string]string{"user": "alice", "peer": "10.0.0.1"}
	got := expandVars("hello ${user} from ${peer} with ${missing}", vars)
	want := "hello alice from 10.0.0.1 with ${missing}"
	if got != want {
		t.Errorf("expandVars = %q, want %q", got, want)
	}
}

func TestTokenizeQuotingRules(t *testing.T) {
	cases := []struct {
		in   string
		want []string
	}{
		{"/bin/bash -l", []string{"/bin/bash", "-l"}},
		{`'a b' c`, []string{"a b", "c"}},
		{`"a\"b" c`, []string{`a"b`, "c"}},
		{`foo\ bar`, []string{"foo bar"}},
	}
	for _, c := range cases {
		got, err := tokenize(c.in)
		if err != nil {
			t.Fatalf("tokenize(%q): %v", c.in, err)
		}
		if !reflect.DeepEqual(got, c.want) {
			t.Errorf("tokenize(%q) = %#v, want %#v", c.in, got, c.want)
		}
	}
}

func TestTokenizeUnterminatedQuote(t *testing.T) {
	if _, err := tokenize(`'unterminated`); err == nil {
		t.Error("expected error for unterminated single quote")
	}
	if _, err := tokenize(`"unterminated`); err == nil {
		t.Error("expected error for unterminated double quote")
	}
}

func TestExpandCommandSplitsLeadingAssignments(t *testing.T) {
	ident := &identity{uid: 1000, gid: 1000, user: "alice", group: "staff", home: "/home/alice", shell: "/bin/bash"}
	vars := templateVars(ident, "peer", "http://x", 80, 24)

	argv, env, err := expandCommand(`FOO=bar BAZ=${user} /bin/bash -l`, vars)
	if err != nil {
		t.Fatalf("expandCommand: %v", err)
	}
	if !reflect.DeepEqual(argv, []string{"/bin/bash", "-l"}) {
		t.Errorf("argv = %#v", argv)
	}
	if !reflect.DeepEqual(env, []string{"FOO=bar", "BAZ=alice"}) {
		t.Errorf("env = %#v", env)
	}
}

func TestResolveCmdlineShellSentinel(t *testing.T) {
	ident := &identity{shell: "/bin/zsh"}
	if got := resolveCmdline("SHELL", ident); got != "/bin/zsh" {
		t.Errorf("resolveCmdline(SHELL) = %q, want /bin/zsh", got)
	}
	if got := resolveCmdline("/bin/custom", ident); got != "/bin/custom" {
		t.Errorf("resolveCmdline(literal) = %q, want /bin/custom", got)
	}
}

func TestBuildEnvironIncludesCoreVars(t *testing.T) {
	ident := &identity{user: "alice", home: "/home/alice", shell: "/bin/bash"}
	env := buildEnviron(ident, 0, 0, []string{"EXTRA=1"})

	want := map[string]bool{
		"HOME=/home/alice": true,
		"SHELL=/bin/bash":  true,
		"USER=alice":       true,
		"LOGNAME=alice":    true,
		"EXTRA=1":          true,
	}
	for _, kv := range env {
		delete(want, kv)
	}
	if len(want) != 0 {
		t.Errorf("buildEnviron missing entries: %v", want)
	}
	for _, kv := range env {
		if strings.HasPrefix(kv, "COLUMNS=") || strings.HasPrefix(kv, "LINES=") {
			t.Errorf("buildEnviron with zero width/height should omit COLUMNS/LINES, got %v", env)
		}
	}
}

func TestBuildEnvironIncludesWindowSizeWhenKnown(t *testing.T) {
	ident := &identity{user: "alice", home: "/home/alice", shell: "/bin/bash"}
	env := buildEnviron(ident, 80, 24, nil)

	want := map[string]bool{"COLUMNS=80": true, "LINES=24": true}
	for _, kv := range env {
		delete(want, kv)
	}
	if len(want) != 0 {
		t.Errorf("buildEnviron missing window-size entries: %v", want)
	}
}

func TestSanitizePeerName(t *testing.T) {
	got := sanitizePeerName("10.0.0.1; rm -rf /")
	for i := 0; i < len(got); i++ {
		c := got[i]
		ok := c >= '0' && c <= '9' || c >= 'A' && c <= 'Z' || c >= 'a' && c <= 'z' || c == '-' || c == '.'
		if !ok {
			t.Fatalf("sanitizePeerName result contains unsafe byte %q: %q", c, got)
		}
	}
}
