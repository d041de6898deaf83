package svcconfig

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileReturnsEmptyConfig(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Services) != 0 {
		t.Errorf("expected no services, got %d", len(cfg.Services))
	}
}

func TestLoadScalarAndMappingServices(t *testing.T) {
	doc := `
port: 4201
services:
  - /:LOGIN
  - path: /admin
    policy: AUTH
    cwd: HOME
    cmdline: SHELL
`
	path := filepath.Join(t.TempDir(), "shellgo.yaml")
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 4201 {
		t.Errorf("Port = %d, want 4201", cfg.Port)
	}
	if len(cfg.Services) != 2 {
		t.Fatalf("len(Services) = %d, want 2", len(cfg.Services))
	}
	if cfg.Services[0].Policy != PolicyLogin {
		t.Errorf("Services[0].Policy = %v, want PolicyLogin", cfg.Services[0].Policy)
	}
	if cfg.Services[1].Path != "/admin" || cfg.Services[1].Policy != PolicyAuth {
		t.Errorf("Services[1] = %+v, want path /admin policy AUTH", cfg.Services[1])
	}
}

func TestLoadRejectsNonSequenceServices(t *testing.T) {
	doc := "services: not-a-list\n"
	path := filepath.Join(t.TempDir(), "shellgo.yaml")
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for non-sequence services field")
	}
}
