package session

import "testing"

func TestEncodeEnvelopeEscapesControlAndHighBytes(t *testing.T) {
	data := []byte{'a', '"', '\\', '\n', 0x01, 0x80, 0xFF}
	got := string(encodeEnvelope("k1", data))
	want := "{\"session\":\"k1\",\"data\":\"a\\\"\\\\\\n\\u0001\\u0080\\u00ff\"}"
	if got != want {
		t.Errorf("encodeEnvelope = %q, want %q", got, want)
	}
}

func TestEncodeEnvelopeEmptyData(t *testing.T) {
	got := string(encodeEnvelope("k1", nil))
	want := `{"session":"k1","data":""}`
	if got != want {
		t.Errorf("encodeEnvelope(nil) = %q, want %q", got, want)
	}
}
