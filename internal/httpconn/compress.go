package httpconn

import (
	"bytes"
	"compress/flate"
	"strconv"
	"strings"
)

// acceptsDeflate reports whether an Accept-Encoding header value lists
// "deflate" with a nonzero quality value (q=0 explicitly disables it;
// a bare "deflate" or any q>0 accepts it).
func acceptsDeflate(acceptEncoding string) bool {
	for _, part := range strings.Split(acceptEncoding, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		coding, params, _ := strings.Cut(part, ";")
		coding = strings.TrimSpace(coding)
		if !strings.EqualFold(coding, "deflate") {
			continue
		}
		q := 1.0
		for _, p := range strings.Split(params, ";") {
			p = strings.TrimSpace(p)
			if v, ok := strings.CutPrefix(p, "q="); ok {
				if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
					q = f
				}
			}
		}
		if q > 0 {
			return true
		}
	}
	return false
}

// maybeDeflate compresses body when it is large enough to be worth it
// and the client advertised support, returning the (possibly
// unchanged) body and whether it was compressed.
func maybeDeflate(body []byte, acceptEncoding string, threshold int) (out []byte, compressed bool) {
	if len(body) < threshold || !acceptsDeflate(acceptEncoding) {
		return body, false
	}
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		return body, false
	}
	if _, err := w.Write(body); err != nil {
		return body, false
	}
	if err := w.Close(); err != nil {
		return body, false
	}
	if buf.Len() >= len(body) {
		// Compression didn't help (already-compressed payload); send
		// the original rather than pay the decompression cost for
		// nothing.
		return body, false
	}
	return buf.Bytes(), true
}

// WriteResponse renders status/headers/body as a single response,
// deflating the body when the client and size both qualify, and
// queues it on the connection's outbound transport.
func (c *Connection) WriteResponse(status int, statusText string, contentType string, body []byte) {
	acceptEncoding, _ := c.req.Headers.Get("accept-encoding")
	payload, compressed := maybeDeflate(body, acceptEncoding, DefaultCompressThreshold)

	var b bytes.Buffer
	b.WriteString("HTTP/1.1 ")
	b.WriteString(strconv.Itoa(status))
	b.WriteByte(' ')
	b.WriteString(statusText)
	b.WriteString("\r\n")
	if contentType != "" {
		b.WriteString("Content-Type: ")
		b.WriteString(contentType)
		b.WriteString("\r\n")
	}
	if compressed {
		b.WriteString("Content-Encoding: deflate\r\n")
	}
	b.WriteString("Content-Length: ")
	b.WriteString(strconv.Itoa(len(payload)))
	b.WriteString("\r\n")
	if c.closing {
		b.WriteString("Connection: close\r\n")
	}
	b.WriteString("\r\n")
	b.Write(payload)
	c.write(b.Bytes())
}
