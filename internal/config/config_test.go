package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSaveAndLoad(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	cfg := Default()
	cfg.UserID = "alice"
	cfg.Live.Kind = "redis"
	cfg.Live.Redis.Addr = "redis:6379"
	cfg.Archive.Kind = "mongo"
	cfg.Archive.MongoURI = "mongodb://localhost"
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.UserID != "alice" {
		t.Errorf("UserID = %q, want %q", loaded.UserID, "alice")
	}
	if loaded.Live.Kind != "redis" || loaded.Live.Redis.Addr != "redis:6379" {
		t.Errorf("Live = %+v", loaded.Live)
	}
	if loaded.Archive.Kind != "mongo" || loaded.Archive.MongoURI != "mongodb://localhost" {
		t.Errorf("Archive = %+v", loaded.Archive)
	}
}

func TestLoadAppliesDefaultsForOmittedKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("user_id = \"bob\"\n"), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.UserID != "bob" {
		t.Errorf("UserID = %q", cfg.UserID)
	}
	if cfg.Sync.WindowSize != 50 || cfg.Sync.SettleDelay() != 500*time.Millisecond {
		t.Errorf("Sync defaults = %+v", cfg.Sync)
	}
	if cfg.Queue.Capacity != 256 {
		t.Errorf("Queue defaults = %+v", cfg.Queue)
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/config.toml")
	if err == nil {
		t.Error("Load() expected error for missing file")
	}
}

func TestSQLitePathDefault(t *testing.T) {
	cfg := Default()
	cfg.DataDir = "/srv/tandem"
	if got := cfg.SQLitePath(); got != filepath.Join("/srv/tandem", "archive.db") {
		t.Errorf("SQLitePath() = %q", got)
	}
	cfg.Archive.SQLitePath = "/mnt/other.db"
	if got := cfg.SQLitePath(); got != "/mnt/other.db" {
		t.Errorf("SQLitePath() override = %q", got)
	}
}

func TestSavePermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := Save(path, Default()); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("file permission = %o, want 0600", perm)
	}
}
