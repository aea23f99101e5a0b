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

const logDirCleanerInterval = time.Minute

// logDirCleaner keeps the rotated log files of one directory under a size budget.
// The active log file is never removed.
type logDirCleaner struct {
	dir       string
	maxBytes  int64
	protected string
	cancel    context.CancelFunc
}

type logFile struct {
	path    string
	size    int64
	modTime time.Time
}

var activeLogDirCleaner *logDirCleaner

func configureLogDirCleanerLocked(logDir string, maxTotalSizeMB int, protectedPath string) {
	stopLogDirCleanerLocked()

	dir := strings.TrimSpace(logDir)
	if maxTotalSizeMB <= 0 || dir == "" {
		return
	}

	cleaner := newLogDirCleaner(dir, int64(maxTotalSizeMB)*1024*1024, protectedPath)
	ctx, cancel := context.WithCancel(context.Background())
	cleaner.cancel = cancel
	activeLogDirCleaner = cleaner
	go cleaner.run(ctx)
}

func stopLogDirCleanerLocked() {
	if activeLogDirCleaner == nil {
		return
	}
	activeLogDirCleaner.cancel()
	activeLogDirCleaner = nil
}

func newLogDirCleaner(dir string, maxBytes int64, protectedPath string) *logDirCleaner {
	protected := strings.TrimSpace(protectedPath)
	if protected != "" {
		protected = filepath.Clean(protected)
	}
	return &logDirCleaner{
		dir:       filepath.Clean(dir),
		maxBytes:  maxBytes,
		protected: protected,
	}
}

func (c *logDirCleaner) run(ctx context.Context) {
	ticker := time.NewTicker(logDirCleanerInterval)
	defer ticker.Stop()

	for {
		deleted, errPrune := c.prune()
		if errPrune != nil {
			log.WithError(errPrune).Warn("logging: failed to enforce log directory size limit")
		} else if deleted > 0 {
			log.Debugf("logging: removed %d rotated log file(s) from %s", deleted, c.dir)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// prune removes the oldest log files until the directory fits the budget and
// returns how many files were deleted.
func (c *logDirCleaner) prune() (int, error) {
	if c.maxBytes <= 0 {
		return 0, nil
	}
	files, total, errCollect := collectLogFiles(c.dir)
	if errCollect != nil {
		return 0, errCollect
	}
	if total <= c.maxBytes {
		return 0, nil
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].modTime.Before(files[j].modTime)
	})

	deleted := 0
	for _, file := range files {
		if total <= c.maxBytes {
			break
		}
		if c.protected != "" && file.path == c.protected {
			continue
		}
		if errRemove := os.Remove(file.path); errRemove != nil {
			log.WithError(errRemove).Warnf("logging: failed to remove rotated log file: %s", filepath.Base(file.path))
			continue
		}
		total -= file.size
		deleted++
	}
	return deleted, nil
}

func collectLogFiles(dir string) ([]logFile, int64, error) {
	entries, errRead := os.ReadDir(dir)
	if errRead != nil {
		if os.IsNotExist(errRead) {
			return nil, 0, nil
		}
		return nil, 0, errRead
	}

	var (
		files []logFile
		total int64
	)
	for _, entry := range entries {
		if entry.IsDir() || !isLogFileName(entry.Name()) {
			continue
		}
		info, errInfo := entry.Info()
		if errInfo != nil || !info.Mode().IsRegular() {
			continue
		}
		files = append(files, logFile{
			path:    filepath.Join(dir, entry.Name()),
			size:    info.Size(),
			modTime: info.ModTime(),
		})
		total += info.Size()
	}
	return files, total, nil
}

// isLogFileName matches the active log and lumberjack backups, compressed or not.
func isLogFileName(name string) bool {
	lower := strings.ToLower(strings.TrimSpace(name))
	if lower == "" {
		return false
	}
	return strings.HasSuffix(lower, ".log") || strings.HasSuffix(lower, ".log.gz")
}
