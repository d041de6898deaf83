package svcconfig

import (
	"testing"
)

func TestParseSpecLogin(t *testing.T) {
	svc, err := ParseSpec("/:LOGIN")
	if err != nil {
		t.Fatalf("ParseSpec: %v", err)
	}
	if svc.Policy != PolicyLogin {
		t.Errorf("Policy = %v, want PolicyLogin", svc.Policy)
	}
	if svc.Path != "/" {
		t.Errorf("Path = %q, want %q", svc.Path, "/")
	}
}

func TestParseSpecSSHWithHost(t *testing.T) {
	svc, err := ParseSpec("/ssh:SSH:example.com")
	if err != nil {
		t.Fatalf("ParseSpec: %v", err)
	}
	if svc.Policy != PolicySSH {
		t.Errorf("Policy = %v, want PolicySSH", svc.Policy)
	}
	if svc.Host != "example.com" {
		t.Errorf("Host = %q, want %q", svc.Host, "example.com")
	}
	if svc.Path != "/ssh" {
		t.Errorf("Path = %q, want %q", svc.Path, "/ssh")
	}
}

func TestParseSpecSSHInvalidHost(t *testing.T) {
	if _, err := ParseSpec("/ssh:SSH:evil;host"); err == nil {
		t.Fatal("expected error for invalid hostname")
	}
}

func TestParseSpecAuth(t *testing.T) {
	svc, err := ParseSpec("/shell:AUTH:HOME:SHELL")
	if err != nil {
		t.Fatalf("ParseSpec: %v", err)
	}
	if svc.Policy != PolicyAuth {
		t.Errorf("Policy = %v, want PolicyAuth", svc.Policy)
	}
	if svc.Cwd != "HOME" || svc.Cmdline != "SHELL" {
		t.Errorf("Cwd/Cmdline = %q/%q, want HOME/SHELL", svc.Cwd, svc.Cmdline)
	}
}

func TestParseSpecUidGidNumeric(t *testing.T) {
	svc, err := ParseSpec("/term:1000:1000:/home/user:/bin/bash")
	if err != nil {
		t.Fatalf("ParseSpec: %v", err)
	}
	if svc.Policy != PolicyUidGid {
		t.Errorf("Policy = %v, want PolicyUidGid", svc.Policy)
	}
	if svc.UID != 1000 || svc.GID != 1000 {
		t.Errorf("UID/GID = %d/%d, want 1000/1000", svc.UID, svc.GID)
	}
}

func TestParseSpecUidGidByName(t *testing.T) {
	svc, err := ParseSpec("/term:alice:staff:HOME:SHELL")
	if err != nil {
		t.Fatalf("ParseSpec: %v", err)
	}
	if svc.User != "alice" || svc.Group != "staff" {
		t.Errorf("User/Group = %q/%q, want alice/staff", svc.User, svc.Group)
	}
	if svc.UID != -1 || svc.GID != -1 {
		t.Errorf("UID/GID = %d/%d, want -1/-1 for named identity", svc.UID, svc.GID)
	}
}

func TestParseSpecSyntaxError(t *testing.T) {
	if _, err := ParseSpec("noSlashNoColon"); err == nil {
		t.Fatal("expected syntax error")
	}
	if _, err := ParseSpec("/term:1000:1000:onlytwofields"); err == nil {
		t.Fatal("expected syntax error for missing fields")
	}
}

func TestNormalizePathTrimsTrailingSlash(t *testing.T) {
	svc, err := ParseSpec("/shell/:LOGIN")
	if err != nil {
		t.Fatalf("ParseSpec: %v", err)
	}
	if svc.Path != "/shell" {
		t.Errorf("Path = %q, want %q", svc.Path, "/shell")
	}
}
