package dispatcher

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/ehrlich-b/shellgo/internal/httpconn"
)

// routeRawFile is a route that serves one on-disk file verbatim, for
// the CLI's --static-file, --css, and --user-css collaborators — none
// of these go through the embedded asset bundle, since their whole
// point is to let an operator override or extend it without a rebuild.
type routeRawFile struct {
	path        string
	contentType string
}

// AddStaticFile registers urlPath (an absolute path, independent of
// any service root) to serve filePath's contents, per --static-file
// URL:FILE.
func (d *Dispatcher) AddStaticFile(urlPath, filePath string) {
	d.trie.Insert(urlPath, &route{kind: routeRaw, raw: &routeRawFile{path: filePath, contentType: guessContentType(filePath)}})
}

// OverrideStylesheet replaces the embedded styles.css with filePath
// under every registered service root, per --css FILE.
func (d *Dispatcher) OverrideStylesheet(filePath string) {
	raw := &routeRawFile{path: filePath, contentType: "text/css; charset=utf-8"}
	for _, svc := range d.services {
		d.trie.Insert(assetPath(svc.Path, "styles.css"), &route{kind: routeRaw, raw: raw})
	}
}

// AddUserCSS appends filePath as the next usercss-<n> slot under every
// registered service root, per --user-css SPEC, and returns the slot
// name for inclusion in the bootstrap prelude's userCSSList.
func (d *Dispatcher) AddUserCSS(filePath string) (slot string, err error) {
	if d.userCSSCount >= userCSSSlots {
		return "", fmt.Errorf("dispatcher: too many --user-css entries (max %d)", userCSSSlots)
	}
	slot = fmt.Sprintf("usercss-%d", d.userCSSCount)
	d.userCSSCount++
	raw := &routeRawFile{path: filePath, contentType: "text/css; charset=utf-8"}
	for _, svc := range d.services {
		d.trie.Insert(assetPath(svc.Path, slot), &route{kind: routeRaw, raw: raw})
	}
	return slot, nil
}

func assetPath(root, name string) string {
	if root == "/" {
		return "/" + name
	}
	return root + "/" + name
}

func guessContentType(path string) string {
	switch filepath.Ext(path) {
	case ".css":
		return "text/css; charset=utf-8"
	case ".js":
		return "application/javascript; charset=utf-8"
	case ".html", ".htm":
		return "text/html; charset=utf-8"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".ico":
		return "image/x-icon"
	case ".wav":
		return "audio/wav"
	default:
		return "application/octet-stream"
	}
}

func serveRawFile(conn *httpconn.Connection, raw *routeRawFile, headOnly bool) httpconn.HandlerResult {
	data, err := os.ReadFile(raw.path)
	if err != nil {
		conn.WriteHeadAndClose(404, "Not Found", "Content-Length: 0\r\n\r\n")
		return httpconn.Done
	}
	conn.WriteHead(200, "OK", fmt.Sprintf("Content-Type: %s\r\nContent-Length: %d\r\n\r\n", raw.contentType, len(data)))
	if headOnly {
		return httpconn.Done
	}
	conn.Transfer(data, true)
	return httpconn.Done
}
