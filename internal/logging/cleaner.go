package logging

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

const cleanerInterval = time.Minute

var cleanerCancel context.CancelFunc

// configureCleanerLocked (re)starts the background cleaner that keeps the
// log directory under maxTotalSizeMB. The active main.log is never
// deleted. Caller holds writerMu.
func configureCleanerLocked(logDir string, maxTotalSizeMB int, protectedPath string) {
	stopCleanerLocked()

	if maxTotalSizeMB <= 0 {
		return
	}
	dir := strings.TrimSpace(logDir)
	if dir == "" {
		return
	}

	maxBytes := int64(maxTotalSizeMB) * 1024 * 1024
	ctx, cancel := context.WithCancel(context.Background())
	cleanerCancel = cancel
	go runCleaner(ctx, filepath.Clean(dir), maxBytes, strings.TrimSpace(protectedPath))
}

func stopCleanerLocked() {
	if cleanerCancel == nil {
		return
	}
	cleanerCancel()
	cleanerCancel = nil
}

func runCleaner(ctx context.Context, logDir string, maxBytes int64, protectedPath string) {
	ticker := time.NewTicker(cleanerInterval)
	defer ticker.Stop()

	cleanOnce := func() {
		deleted, err := enforceSizeLimit(logDir, maxBytes, protectedPath)
		if err != nil {
			log.WithError(err).Warn("logging: failed to enforce log directory size limit")
			return
		}
		if deleted > 0 {
			log.Debugf("logging: removed %d old log file(s)", deleted)
		}
	}

	cleanOnce()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cleanOnce()
		}
	}
}

// enforceSizeLimit removes the oldest rotated log files until the
// directory's total size fits within maxBytes. The protected path is
// skipped.
func enforceSizeLimit(logDir string, maxBytes int64, protectedPath string) (int, error) {
	if maxBytes <= 0 || logDir == "" {
		return 0, nil
	}
	dir := filepath.Clean(logDir)

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	protected := strings.TrimSpace(protectedPath)
	if protected != "" {
		protected = filepath.Clean(protected)
	}

	type logFile struct {
		path    string
		size    int64
		modTime time.Time
	}

	var (
		files []logFile
		total int64
	)
	for _, entry := range entries {
		if entry.IsDir() || !isLogFileName(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		files = append(files, logFile{
			path:    filepath.Join(dir, entry.Name()),
			size:    info.Size(),
			modTime: info.ModTime(),
		})
		total += info.Size()
	}

	if total <= maxBytes {
		return 0, nil
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].modTime.Before(files[j].modTime)
	})

	deleted := 0
	for _, file := range files {
		if total <= maxBytes {
			break
		}
		if protected != "" && filepath.Clean(file.path) == protected {
			continue
		}
		if err := os.Remove(file.path); err != nil {
			log.WithError(err).Warnf("logging: failed to remove old log file: %s", filepath.Base(file.path))
			continue
		}
		total -= file.size
		deleted++
	}

	return deleted, nil
}

func isLogFileName(name string) bool {
	lower := strings.ToLower(strings.TrimSpace(name))
	if lower == "" {
		return false
	}
	return strings.HasSuffix(lower, ".log") || strings.HasSuffix(lower, ".log.gz")
}
