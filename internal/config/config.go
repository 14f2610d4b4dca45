// Package config loads the application's TOML configuration file,
// applying defaults for anything left unset.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
)

// Sync configures the remote sync service. Enabled defaults to false;
// Server, Username, and Password are required when it is on. DeviceID is
// generated and written back on first use if left empty.
type Sync struct {
	Enabled     bool   `toml:"enabled"`
	SyncOnStart bool   `toml:"sync_on_start"`
	Server      string `toml:"server"`
	Username    string `toml:"username"`
	Password    string `toml:"password"`
	DeviceID    string `toml:"device_id"`
}

// Config is the full application configuration.
type Config struct {
	DataPath              string `toml:"data_path"`
	DownloadPath          string `toml:"download_path"`
	SimultaneousDownloads int    `toml:"simultaneous_downloads"`
	MaxRetries            int    `toml:"max_retries"`
	Sync                  Sync   `toml:"sync"`
}

// DefaultPath returns the conventional location of the config file.
func DefaultPath() string {
	base, err := os.UserConfigDir()
	if err != nil {
		base = "."
	}
	return filepath.Join(base, "castkeep", "config.toml")
}

func defaults() Config {
	dataBase, err := os.UserCacheDir()
	if err != nil {
		dataBase = "."
	}
	dataPath := filepath.Join(dataBase, "castkeep")
	return Config{
		DataPath:              dataPath,
		DownloadPath:          filepath.Join(dataPath, "downloads"),
		SimultaneousDownloads: 3,
		MaxRetries:            3,
	}
}

// Load reads the config file at path, falling back to defaults when the
// file does not exist. Relative and ~-prefixed paths are expanded, and the
// data and download directories are created if missing.
func Load(path string) (Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// defaults only
	case err != nil:
		return Config{}, fmt.Errorf("reading config %s: %w", path, err)
	default:
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	cfg.DataPath = expandHome(cfg.DataPath)
	cfg.DownloadPath = expandHome(cfg.DownloadPath)

	if cfg.SimultaneousDownloads < 1 {
		cfg.SimultaneousDownloads = 1
	}
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 1
	}

	if cfg.Sync.Enabled {
		if cfg.Sync.Server == "" || cfg.Sync.Username == "" || cfg.Sync.Password == "" {
			return Config{}, fmt.Errorf("sync is enabled but server, username, or password is missing")
		}
		cfg.Sync.Server = strings.TrimRight(cfg.Sync.Server, "/")
		if cfg.Sync.DeviceID == "" {
			cfg.Sync.DeviceID = "castkeep-" + uuid.NewString()[:8]
		}
	}

	for _, dir := range []string{cfg.DataPath, cfg.DownloadPath} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return Config{}, fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	return cfg, nil
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return path
}
