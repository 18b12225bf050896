package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/scrylabs/scry/internal/config"
)

func waitForCount(t *testing.T, counter *atomic.Int32, want int32) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if counter.Load() >= want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("counter = %d, want >= %d", counter.Load(), want)
}

func TestConfigReloadOnWrite(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(configPath, []byte("logging:\n  level: info\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	var reloads atomic.Int32
	var lastLevel atomic.Value
	w, err := NewWatcher(configPath, "", func(cfg *config.Config) {
		lastLevel.Store(cfg.Logging.Level)
		reloads.Add(1)
	})
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer func() { _ = w.Stop() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err = w.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err = os.WriteFile(configPath, []byte("logging:\n  level: debug\n"), 0o600); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}
	waitForCount(t, &reloads, 1)
	if got := lastLevel.Load(); got != "debug" {
		t.Errorf("reloaded level = %v, want debug", got)
	}
}

func TestConfigReloadSkipsUnchangedContent(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	content := []byte("logging:\n  level: info\n")
	if err := os.WriteFile(configPath, content, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	var reloads atomic.Int32
	w, err := NewWatcher(configPath, "", func(*config.Config) { reloads.Add(1) })
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer func() { _ = w.Stop() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err = w.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Identical bytes should not trigger the callback.
	if err = os.WriteFile(configPath, content, 0o600); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}
	time.Sleep(configReloadDebounce + 200*time.Millisecond)
	if got := reloads.Load(); got != 0 {
		t.Errorf("reloads = %d, want 0", got)
	}
}

func TestCredentialsCallback(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	credsPath := filepath.Join(dir, "credentials.json")
	if err := os.WriteFile(configPath, []byte("{}\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	var changes atomic.Int32
	w, err := NewWatcher(configPath, credsPath, nil)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer func() { _ = w.Stop() }()
	w.SetCredentialsCallback(func() { changes.Add(1) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err = w.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err = os.WriteFile(credsPath, []byte(`{"credentials":{}}`), 0o600); err != nil {
		t.Fatalf("write credentials: %v", err)
	}
	waitForCount(t, &changes, 1)
}
