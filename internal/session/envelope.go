package session

import "strings"

// encodeEnvelope renders the poll-reply JSON object the dispatcher sends
// back to the browser: {"session":"<key>","data":"<escaped>"}. data is
// escaped byte-for-byte rather than through encoding/json so that bytes
// 0x80-0xFF round-trip losslessly even though they are not valid UTF-8 —
// the browser's own JSON.parse treats \u00XX escapes for those bytes as
// opaque code points and the client-side terminal emulator re-assembles
// them back into raw bytes.
func encodeEnvelope(key string, data []byte) []byte {
	var b strings.Builder
	b.Grow(len(data) + len(key) + 32)
	b.WriteString(`{"session":"`)
	b.WriteString(key)
	b.WriteString(`","data":"`)
	escapeJSONBytes(&b, data)
	b.WriteString(`"}`)
	return []byte(b.String())
}

func escapeJSONBytes(b *strings.Builder, data []byte) {
	const hex = "0123456789abcdef"
	for _, c := range data {
		switch {
		case c == '"', c == '\\', c == '/':
			b.WriteByte('\\')
			b.WriteByte(c)
		case c == '\b':
			b.WriteString(`\b`)
		case c == '\f':
			b.WriteString(`\f`)
		case c == '\n':
			b.WriteString(`\n`)
		case c == '\r':
			b.WriteString(`\r`)
		case c == '\t':
			b.WriteString(`\t`)
		case c < 0x20 || c >= 0x80:
			b.WriteString(`\u00`)
			b.WriteByte(hex[c>>4])
			b.WriteByte(hex[c&0xF])
		default:
			b.WriteByte(c)
		}
	}
}
