// Package assets embeds the server's static file bundle: the AJAX
// bootstrap HTML, the client script (prefixed with a generated
// configuration prelude), stylesheets, and icons. The in-browser VT100
// emulator these files would normally drive is out of scope for this
// repository; what's embedded here is enough to make every dispatcher
// route behave like a real shellinabox install.
package assets

import (
	"embed"
	"fmt"
	"strings"

	"github.com/ehrlich-b/shellgo/internal/httpconn"
)

//go:embed static
var staticFS embed.FS

const staticDir = "static"

// Prelude holds the values the server injects into ShellInABox.js as a
// small JavaScript object literal before the embedded script body, the
// same prepend-a-config-prelude trick the original server uses to hand
// the client side its negotiated options without a separate request.
type Prelude struct {
	ServerSupportsSSL bool
	DisableSSLMenu    bool
	SuppressAllAudio  bool
	Linkify           string // none|normal|aggressive
	UserCSSList       []string
}

// Server answers static-asset requests and implements
// dispatcher.AssetServer.
type Server struct {
	prelude Prelude
}

// New returns a Server that injects prelude into every ShellInABox.js
// response.
func New(prelude Prelude) *Server {
	return &Server{prelude: prelude}
}

// SetUserCSSList replaces the prelude's advertised stylesheet slot
// names, for callers that register --user-css entries after New.
func (s *Server) SetUserCSSList(names []string) {
	s.prelude.UserCSSList = names
}

var contentTypes = map[string]string{
	"index.html":       "text/html; charset=utf-8",
	"keyboard.html":     "text/html; charset=utf-8",
	"ShellInABox.js":    "application/javascript; charset=utf-8",
	"styles.css":        "text/css; charset=utf-8",
	"print-styles.css":  "text/css; charset=utf-8",
	"beep.wav":          "audio/wav",
	"enabled.gif":       "image/gif",
	"favicon.ico":       "image/x-icon",
	"keyboard.png":      "image/png",
}

// Serve implements dispatcher.AssetServer.
func (s *Server) Serve(conn *httpconn.Connection, name string, headOnly bool) httpconn.HandlerResult {
	filename := name
	if strings.HasPrefix(name, "usercss-") {
		filename = name + ".css"
	}
	data, err := staticFS.ReadFile(staticDir + "/" + filename)
	if err != nil {
		conn.WriteHeadAndClose(404, "Not Found", "Content-Length: 0\r\n\r\n")
		return httpconn.Done
	}

	contentType := contentTypes[name]
	if contentType == "" {
		if strings.HasPrefix(name, "usercss-") {
			contentType = "text/css; charset=utf-8"
		} else {
			contentType = "application/octet-stream"
		}
	}

	if name == "ShellInABox.js" {
		data = append(s.prelude.render(), data...)
	}

	conn.WriteHead(200, "OK", fmt.Sprintf("Content-Type: %s\r\nContent-Length: %d\r\n\r\n", contentType, len(data)))
	if headOnly {
		return httpconn.Done
	}
	conn.Transfer(data, true)
	return httpconn.Done
}

// render produces the JavaScript prelude object literal declaring the
// client-visible negotiated options, matching §6's "ShellInABox.js ->
// prepended with a JavaScript prelude" wire-protocol entry.
func (p Prelude) render() []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "var serverSupportsSSL = %t;\n", p.ServerSupportsSSL)
	fmt.Fprintf(&b, "var disableSSLMenu = %t;\n", p.DisableSSLMenu)
	fmt.Fprintf(&b, "var suppressAllAudio = %t;\n", p.SuppressAllAudio)
	fmt.Fprintf(&b, "var linkifyURLs = %q;\n", p.Linkify)
	b.WriteString("var userCSSList = [")
	for i, name := range p.UserCSSList {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%q", name)
	}
	b.WriteString("];\n")
	return []byte(b.String())
}
