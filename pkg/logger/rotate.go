package logger

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	defaultMaxSizeMB  = 100
	defaultMaxBackups = 7
	defaultMaxAgeDays = 30
)

// rollingFile is a size bounded append-only file. Backups are kept as
// path.1 (newest) … path.N (oldest).
type rollingFile struct {
	mu         sync.Mutex
	path       string
	file       *os.File
	size       int64
	limit      int64
	maxBackups int
	maxAge     time.Duration
	now        func() time.Time
}

func newRollingFile(path string, maxSizeMB, maxBackups, maxAgeDays int) (*rollingFile, error) {
	if path == "" {
		return nil, errors.New("path is required")
	}
	if maxSizeMB <= 0 {
		maxSizeMB = defaultMaxSizeMB
	}
	if maxBackups <= 0 {
		maxBackups = defaultMaxBackups
	}
	if maxAgeDays <= 0 {
		maxAgeDays = defaultMaxAgeDays
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit log directory: %w", err)
	}
	return &rollingFile{
		path:       path,
		limit:      int64(maxSizeMB) << 20,
		maxBackups: maxBackups,
		maxAge:     time.Duration(maxAgeDays) * 24 * time.Hour,
		now:        time.Now,
	}, nil
}

func (r *rollingFile) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file != nil && r.size+int64(len(p)) > r.limit {
		if err := r.roll(); err != nil {
			return 0, err
		}
	}
	if r.file == nil {
		if err := r.open(); err != nil {
			return 0, err
		}
	}
	n, err := r.file.Write(p)
	r.size += int64(n)
	return n, err
}

func (r *rollingFile) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file, r.size = nil, 0
	return err
}

func (r *rollingFile) open() error {
	file, err := os.OpenFile(r.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("stat audit log: %w", err)
	}
	r.file, r.size = file, info.Size()
	return nil
}

func (r *rollingFile) roll() error {
	if err := r.file.Close(); err != nil {
		return fmt.Errorf("close audit log: %w", err)
	}
	r.file, r.size = nil, 0

	_ = os.Remove(r.backup(r.maxBackups))
	for i := r.maxBackups - 1; i >= 1; i-- {
		_ = os.Rename(r.backup(i), r.backup(i+1))
	}
	if err := os.Rename(r.path, r.backup(1)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("rotate audit log: %w", err)
	}
	r.prune()
	return nil
}

func (r *rollingFile) backup(i int) string {
	return fmt.Sprintf("%s.%d", r.path, i)
}

// prune removes backups older than maxAge.
func (r *rollingFile) prune() {
	cutoff := r.now().Add(-r.maxAge)
	for i := 1; i <= r.maxBackups; i++ {
		info, err := os.Stat(r.backup(i))
		if err == nil && info.ModTime().Before(cutoff) {
			_ = os.Remove(r.backup(i))
		}
	}
}
