package project

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "config.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ScriptSource != "scripts" {
		t.Errorf("script_source = %q, want scripts", cfg.ScriptSource)
	}
	if cfg.GracePeriod() != DefaultGrace {
		t.Errorf("grace = %v, want %v", cfg.GracePeriod(), DefaultGrace)
	}
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
script_source: lab/steps
interpreter: ["/bin/sh"]
excludes:
  - "**/*.tmp"
archive_dir: archive
grace: 250ms
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ScriptSource != "lab/steps" {
		t.Errorf("script_source = %q", cfg.ScriptSource)
	}
	if len(cfg.Interpreter) != 1 || cfg.Interpreter[0] != "/bin/sh" {
		t.Errorf("interpreter = %v", cfg.Interpreter)
	}
	if len(cfg.Excludes) != 1 || cfg.Excludes[0] != "**/*.tmp" {
		t.Errorf("excludes = %v", cfg.Excludes)
	}
	if cfg.ArchiveDir != "archive" {
		t.Errorf("archive_dir = %q", cfg.ArchiveDir)
	}
	if cfg.GracePeriod() != 250*time.Millisecond {
		t.Errorf("grace = %v", cfg.GracePeriod())
	}
}

func TestLoadConfigRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, "script_sources: scripts\n")
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("unknown key accepted")
	}
}

func TestLoadConfigRejectsBadGrace(t *testing.T) {
	for _, grace := range []string{"soon", "-2s", "0s"} {
		path := writeConfig(t, "grace: \""+grace+"\"\n")
		if _, err := LoadConfig(path); err == nil || !strings.Contains(err.Error(), "grace") {
			t.Errorf("grace %q: error = %v, want grace parse failure", grace, err)
		}
	}
}

func TestWriteDefaultConfigRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := WriteDefaultConfig(path); err != nil {
		t.Fatalf("write default: %v", err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("starter config does not parse: %v", err)
	}
	if cfg.ScriptSource != "scripts" || cfg.GracePeriod() != 5*time.Second {
		t.Errorf("starter config = %+v", cfg)
	}
	if err := WriteDefaultConfig(path); err == nil {
		t.Error("overwrote an existing config")
	}
}
