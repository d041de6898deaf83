package urlparser

import "testing"

func TestParseQueryBasic(t *testing.T) {
	v := ParseQuery("width=80&height=24&session=abc", nil)
	if got, _ := v.Get("width"); got != "80" {
		t.Errorf("width = %q", got)
	}
	if got, _ := v.Get("height"); got != "24" {
		t.Errorf("height = %q", got)
	}
	if got, _ := v.Get("session"); got != "abc" {
		t.Errorf("session = %q", got)
	}
}

func TestUnescapePlusAndPercent(t *testing.T) {
	v := ParseQuery("msg=hello+world&pct=100%25", nil)
	if got, _ := v.Get("msg"); got != "hello world" {
		t.Errorf("msg = %q", got)
	}
	if got, _ := v.Get("pct"); got != "100%" {
		t.Errorf("pct = %q", got)
	}
}

func TestUnescapeDecodesHexEscapes(t *testing.T) {
	// %XX escapes decode to their bytes; lower-case hex digits are accepted.
	v := ParseQuery("a=%41%62%2f", nil)
	if got, _ := v.Get("a"); got != "Ab/" {
		t.Errorf("a = %q", got)
	}
}

func TestMalformedPercentCopiedLiterally(t *testing.T) {
	v := ParseQuery("a=100%zz", nil)
	if got, _ := v.Get("a"); got != "100%zz" {
		t.Errorf("a = %q, want literal copy", got)
	}
}

func TestSetReplacesDuplicateKey(t *testing.T) {
	v := ParseQuery("a=1&a=2", nil)
	if got, _ := v.Get("a"); got != "2" {
		t.Errorf("a = %q, want last value to win", got)
	}
}

func TestSetIfAbsentKeepsFirst(t *testing.T) {
	v := NewValues()
	v.SetIfAbsent("Host", "first.example")
	v.SetIfAbsent("Host", "second.example")
	if got, _ := v.Get("Host"); got != "first.example" {
		t.Errorf("Host = %q, want first value kept", got)
	}
}

func TestParseMultipartSkipsFileParts(t *testing.T) {
	body := "--B\r\n" +
		"Content-Disposition: form-data; name=\"keys\"\r\n\r\n" +
		"6c73\r\n" +
		"--B\r\n" +
		"Content-Disposition: form-data; name=\"upload\"; filename=\"x.bin\"\r\n\r\n" +
		"\x00\x01binary\r\n" +
		"--B--\r\n"

	v, err := ParseMultipart("multipart/form-data; boundary=B", []byte(body), nil)
	if err != nil {
		t.Fatalf("ParseMultipart: %v", err)
	}
	if got, ok := v.Get("keys"); !ok || got != "6c73" {
		t.Errorf("keys = %q, ok=%v", got, ok)
	}
	if _, ok := v.Get("upload"); ok {
		t.Error("file part should have been skipped")
	}
}
