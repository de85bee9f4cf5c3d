package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestAcquireCreatesDataDir(t *testing.T) {
	dataDir := filepath.Join(t.TempDir(), "tandem", "data")

	l, err := Acquire(dataDir)
	if err != nil {
		t.Fatalf("Acquire(%s) error = %v", dataDir, err)
	}
	defer func() { _ = l.Release() }()

	data, err := os.ReadFile(filepath.Join(dataDir, "LOCK"))
	if err != nil {
		t.Fatalf("read lock file: %v", err)
	}
	if want := fmt.Sprintf("pid=%d\n", os.Getpid()); !strings.Contains(string(data), want) {
		t.Errorf("lock file = %q, want our pid line %q", data, want)
	}
}

func TestSecondDaemonRefused(t *testing.T) {
	dataDir := t.TempDir()

	l1, err := Acquire(dataDir)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	defer func() { _ = l1.Release() }()

	_, err = Acquire(dataDir)
	var held *LockHeldError
	if !errors.As(err, &held) {
		t.Fatalf("second Acquire() error = %T %v, want LockHeldError", err, err)
	}
	if held.PID != os.Getpid() {
		t.Errorf("held PID = %d, want %d", held.PID, os.Getpid())
	}
	if !strings.HasPrefix(held.Error(), "data dir locked by PID ") {
		t.Errorf("message = %q", held.Error())
	}
	if held.Path != filepath.Join(dataDir, "LOCK") {
		t.Errorf("path = %q", held.Path)
	}
}

func TestReleaseFreesDataDir(t *testing.T) {
	dataDir := t.TempDir()

	l, err := Acquire(dataDir)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if err := l.Release(); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(dataDir, "LOCK")); !os.IsNotExist(err) {
		t.Errorf("lock file still present after release: %v", err)
	}

	// A fresh daemon can take over the same data dir.
	l2, err := Acquire(dataDir)
	if err != nil {
		t.Fatalf("reacquire error = %v", err)
	}
	if err := l2.Release(); err != nil {
		t.Errorf("Release() error = %v", err)
	}
	// Release twice and on a nil lock are both no-ops.
	if err := l2.Release(); err != nil {
		t.Errorf("repeat Release() error = %v", err)
	}
	var nilLock *Lock
	if err := nilLock.Release(); err != nil {
		t.Errorf("nil Release() error = %v", err)
	}
}
