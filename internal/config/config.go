// Package config loads and persists the daemon configuration file
// (~/.tandem/config.toml by default).
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the full daemon configuration.
type Config struct {
	// UserID is the stable identity the daemon syncs as. Supplied by the
	// external authentication provider; required.
	UserID string `toml:"user_id"`
	// DataDir holds the archive database, lock file and log file.
	DataDir string `toml:"data_dir"`
	LogPath string `toml:"log_path"`

	Live    Live    `toml:"live"`
	Archive Archive `toml:"archive"`
	Sync    Sync    `toml:"sync"`
	Queue   Queue   `toml:"queue"`
}

// Live selects and configures the live channel store.
type Live struct {
	// Kind is "memory" or "redis".
	Kind  string `toml:"kind"`
	Redis Redis  `toml:"redis"`
}

// Redis configures the redis-backed live channel.
type Redis struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
	Prefix   string `toml:"prefix"`
}

// Archive selects and configures the durable history store.
type Archive struct {
	// Kind is "sqlite" or "mongo".
	Kind string `toml:"kind"`
	// SQLitePath overrides the default <data_dir>/archive.db.
	SQLitePath string `toml:"sqlite_path"`
	MongoURI   string `toml:"mongo_uri"`
	MongoDB    string `toml:"mongo_db"`
}

// Sync tunes the read path.
type Sync struct {
	WindowSize       int `toml:"window_size"`
	SettleMs         int `toml:"settle_ms"`
	TypingTTLMs      int `toml:"typing_ttl_ms"`
	TypingDebounceMs int `toml:"typing_debounce_ms"`
}

// Queue tunes the archive write queue.
type Queue struct {
	Capacity   int `toml:"capacity"`
	MaxRetries int `toml:"max_retries"`
	BackoffMs  int `toml:"backoff_ms"`
}

// Default returns the built-in configuration. DataDir falls back to the
// current directory when the home directory cannot be resolved.
func Default() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	dataDir := filepath.Join(home, ".tandem")
	return &Config{
		DataDir: dataDir,
		LogPath: filepath.Join(dataDir, "tandemd.log"),
		Live:    Live{Kind: "memory", Redis: Redis{Addr: "localhost:6379", Prefix: "tandem"}},
		Archive: Archive{Kind: "sqlite"},
		Sync:    Sync{WindowSize: 50, SettleMs: 500, TypingTTLMs: 5000, TypingDebounceMs: 3000},
		Queue:   Queue{Capacity: 256, MaxRetries: 3, BackoffMs: 500},
	}
}

// Load reads config from the given path, applied on top of defaults.
// Returns an error if the file is missing or malformed.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

// SQLitePath returns the archive database path, resolving the default
// against DataDir.
func (c *Config) SQLitePath() string {
	if c.Archive.SQLitePath != "" {
		return c.Archive.SQLitePath
	}
	return filepath.Join(c.DataDir, "archive.db")
}

func (s Sync) SettleDelay() time.Duration { return time.Duration(s.SettleMs) * time.Millisecond }
func (s Sync) TypingTTL() time.Duration   { return time.Duration(s.TypingTTLMs) * time.Millisecond }
func (s Sync) TypingDebounce() time.Duration {
	return time.Duration(s.TypingDebounceMs) * time.Millisecond
}
func (q Queue) Backoff() time.Duration { return time.Duration(q.BackoffMs) * time.Millisecond }
