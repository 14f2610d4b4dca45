package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.SimultaneousDownloads != 3 || cfg.MaxRetries != 3 {
		t.Errorf("defaults = %+v", cfg)
	}
	if cfg.Sync.Enabled {
		t.Error("sync enabled by default")
	}
}

func TestLoadOverridesAndClamps(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, `
data_path = "`+dir+`/data"
download_path = "`+dir+`/audio"
simultaneous_downloads = 0
max_retries = 5
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.SimultaneousDownloads != 1 {
		t.Errorf("simultaneous_downloads = %d, want clamped to 1", cfg.SimultaneousDownloads)
	}
	if cfg.MaxRetries != 5 {
		t.Errorf("max_retries = %d, want 5", cfg.MaxRetries)
	}

	// directories are created
	for _, d := range []string{cfg.DataPath, cfg.DownloadPath} {
		if info, err := os.Stat(d); err != nil || !info.IsDir() {
			t.Errorf("directory %s not created: %v", d, err)
		}
	}
}

func TestLoadSyncValidation(t *testing.T) {
	path := writeConfig(t, `
[sync]
enabled = true
server = "https://gpodder.example"
username = "alice"
`)
	if _, err := Load(path); err == nil {
		t.Error("expected error for sync without password")
	}
}

func TestLoadSyncGeneratesDeviceID(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, `
data_path = "`+dir+`/data"
download_path = "`+dir+`/audio"

[sync]
enabled = true
server = "https://gpodder.example/"
username = "alice"
password = "hunter2"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !strings.HasPrefix(cfg.Sync.DeviceID, "castkeep-") {
		t.Errorf("device id = %q, want generated", cfg.Sync.DeviceID)
	}
	if strings.HasSuffix(cfg.Sync.Server, "/") {
		t.Errorf("server trailing slash survived: %q", cfg.Sync.Server)
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home dir")
	}
	if got := expandHome("~/podcasts"); got != filepath.Join(home, "podcasts") {
		t.Errorf("expandHome = %q", got)
	}
	if got := expandHome("/abs/path"); got != "/abs/path" {
		t.Errorf("absolute path changed: %q", got)
	}
}
