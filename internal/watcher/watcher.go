// Package watcher watches the configuration and credentials files and
// triggers hot reloads. It supports cross-platform fsnotify event handling.
package watcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"

	"github.com/scrylabs/scry/internal/config"
)

const (
	// replaceCheckDelay is a short delay to allow atomic replace (rename)
	// to settle before reacting to a Remove event.
	replaceCheckDelay    = 50 * time.Millisecond
	configReloadDebounce = 150 * time.Millisecond
)

// Watcher manages file watching for the configuration file and the
// credentials store.
type Watcher struct {
	configPath      string
	credentialsPath string

	reloadCallback      func(*config.Config)
	credentialsCallback func()

	watcher *fsnotify.Watcher

	mu                sync.Mutex
	configReloadTimer *time.Timer
	lastConfigHash    string
}

// NewWatcher creates a new file watcher instance.
//
// Parameters:
//   - configPath: path to the YAML configuration file
//   - credentialsPath: path to the credentials store file, empty to skip
//   - reloadCallback: invoked with the new configuration after a reload
//
// Returns:
//   - *Watcher: the watcher, not yet started
//   - error: an error if the underlying fsnotify watcher cannot be created
func NewWatcher(configPath, credentialsPath string, reloadCallback func(*config.Config)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		configPath:      configPath,
		credentialsPath: credentialsPath,
		reloadCallback:  reloadCallback,
		watcher:         fw,
	}, nil
}

// SetCredentialsCallback registers a callback invoked when the credentials
// file changes on disk.
func (w *Watcher) SetCredentialsCallback(fn func()) {
	w.mu.Lock()
	w.credentialsCallback = fn
	w.mu.Unlock()
}

// Start begins watching the configuration file and credentials file.
// Watching the parent directories instead of the files themselves keeps
// events flowing across atomic replaces done by editors and by Save.
func (w *Watcher) Start(ctx context.Context) error {
	dirs := map[string]struct{}{
		filepath.Dir(w.configPath): {},
	}
	if w.credentialsPath != "" {
		dirs[filepath.Dir(w.credentialsPath)] = struct{}{}
	}
	for dir := range dirs {
		if err := w.watcher.Add(dir); err != nil {
			log.WithError(err).Warnf("failed to watch directory: %s", dir)
		}
	}
	if data, err := os.ReadFile(w.configPath); err == nil {
		w.mu.Lock()
		w.lastConfigHash = hashBytes(data)
		w.mu.Unlock()
	}

	go w.run(ctx)
	return nil
}

// Stop stops the file watcher.
func (w *Watcher) Stop() error {
	w.stopConfigReloadTimer()
	return w.watcher.Close()
}

func (w *Watcher) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.WithError(err).Warn("file watcher error")
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	path := filepath.Clean(event.Name)
	switch path {
	case filepath.Clean(w.configPath):
		if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
			w.scheduleConfigReload()
		}
	case filepath.Clean(w.credentialsPath):
		if w.credentialsPath == "" {
			return
		}
		if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
			// Give an atomic replace time to settle so callbacks never
			// observe a half-written store.
			time.AfterFunc(replaceCheckDelay, w.notifyCredentials)
		}
	}
}

func (w *Watcher) notifyCredentials() {
	w.mu.Lock()
	fn := w.credentialsCallback
	w.mu.Unlock()
	if fn == nil {
		return
	}
	log.Debugf("credentials file changed: %s", w.credentialsPath)
	fn()
}

func (w *Watcher) stopConfigReloadTimer() {
	w.mu.Lock()
	if w.configReloadTimer != nil {
		w.configReloadTimer.Stop()
		w.configReloadTimer = nil
	}
	w.mu.Unlock()
}

func (w *Watcher) scheduleConfigReload() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.configReloadTimer != nil {
		w.configReloadTimer.Stop()
	}
	w.configReloadTimer = time.AfterFunc(configReloadDebounce, func() {
		w.mu.Lock()
		w.configReloadTimer = nil
		w.mu.Unlock()
		w.reloadConfigIfChanged()
	})
}

func (w *Watcher) reloadConfigIfChanged() {
	data, err := os.ReadFile(w.configPath)
	if err != nil {
		log.WithError(err).Error("failed to read config file for hash check")
		return
	}
	if len(data) == 0 {
		log.Debug("ignoring empty config file write event")
		return
	}
	newHash := hashBytes(data)

	w.mu.Lock()
	unchanged := w.lastConfigHash != "" && w.lastConfigHash == newHash
	if !unchanged {
		w.lastConfigHash = newHash
	}
	w.mu.Unlock()

	if unchanged {
		log.Debug("config file content unchanged (hash match), skipping reload")
		return
	}

	log.Infof("config file changed, reloading: %s", w.configPath)
	cfg, err := config.LoadConfig(w.configPath)
	if err != nil {
		log.WithError(err).Error("failed to reload config")
		return
	}
	if w.reloadCallback != nil {
		w.reloadCallback(cfg)
	}
}

func hashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
