package main

import "testing"

func TestSplitStaticFileSpec(t *testing.T) {
	url, file, err := splitStaticFileSpec("/robots.txt:/etc/shellgo/robots.txt")
	if err != nil {
		t.Fatalf("splitStaticFileSpec: %v", err)
	}
	if url != "/robots.txt" || file != "/etc/shellgo/robots.txt" {
		t.Errorf("got (%q, %q)", url, file)
	}
}

func TestSplitStaticFileSpecRejectsMalformed(t *testing.T) {
	for _, bad := range []string{"no-colon", ":missing-url", "missing-file:"} {
		if _, _, err := splitStaticFileSpec(bad); err == nil {
			t.Errorf("splitStaticFileSpec(%q): expected error", bad)
		}
	}
}

func TestCGIPortRange(t *testing.T) {
	min, max, err := cgiPortRange("3000-3100")
	if err != nil {
		t.Fatalf("cgiPortRange: %v", err)
	}
	if min != 3000 || max != 3100 {
		t.Errorf("got (%d, %d), want (3000, 3100)", min, max)
	}

	min, max, err = cgiPortRange("-")
	if err != nil || min != 0 || max != 0 {
		t.Errorf("cgiPortRange(-) = (%d, %d, %v), want (0, 0, nil)", min, max, err)
	}

	if _, _, err := cgiPortRange("not-a-range-3"); err == nil {
		t.Error("expected error for malformed range")
	}
}
