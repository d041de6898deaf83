package assets

import (
	"strings"
	"testing"
)

func TestPreludeRender(t *testing.T) {
	p := Prelude{
		ServerSupportsSSL: true,
		DisableSSLMenu:    false,
		SuppressAllAudio:  true,
		Linkify:           "normal",
		UserCSSList:       []string{"usercss-0", "usercss-1"},
	}
	out := string(p.render())

	if !strings.Contains(out, "var serverSupportsSSL = true;") {
		t.Errorf("render() missing serverSupportsSSL: %s", out)
	}
	if !strings.Contains(out, `var linkifyURLs = "normal";`) {
		t.Errorf("render() missing linkifyURLs: %s", out)
	}
	if !strings.Contains(out, `var userCSSList = ["usercss-0", "usercss-1"];`) {
		t.Errorf("render() missing userCSSList: %s", out)
	}
}

func TestSetUserCSSList(t *testing.T) {
	s := New(Prelude{Linkify: "normal"})
	s.SetUserCSSList([]string{"usercss-0"})
	if got := string(s.prelude.render()); !strings.Contains(got, `"usercss-0"`) {
		t.Errorf("SetUserCSSList did not update prelude: %s", got)
	}
}
