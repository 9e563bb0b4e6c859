package storage

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/vzahanych/facetrace/internal/logger"
)

// RetentionPolicy removes uploaded videos and reference images older than
// maxAge. A zero maxAge disables it.
type RetentionPolicy struct {
	dir       string
	maxAge    time.Duration
	logger    *logger.Logger
	mu        sync.Mutex
	enforcing bool
	now       func() time.Time
}

// NewRetentionPolicy creates a new retention policy
func NewRetentionPolicy(dir string, maxAge time.Duration, log *logger.Logger) *RetentionPolicy {
	return &RetentionPolicy{
		dir:    dir,
		maxAge: maxAge,
		logger: log,
		now:    time.Now,
	}
}

// Enabled reports whether the policy deletes anything.
func (r *RetentionPolicy) Enabled() bool {
	return r.maxAge > 0
}

// Enforce deletes expired files and returns how many were removed. Empty
// directories left behind are removed too.
func (r *RetentionPolicy) Enforce(ctx context.Context) (int, error) {
	if !r.Enabled() {
		return 0, nil
	}

	r.mu.Lock()
	if r.enforcing {
		r.mu.Unlock()
		return 0, fmt.Errorf("retention policy is already being enforced")
	}
	r.enforcing = true
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.enforcing = false
		r.mu.Unlock()
	}()

	cutoff := r.now().Add(-r.maxAge)
	deleted := 0
	var dirs []string

	err := filepath.WalkDir(r.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			if path != r.dir {
				dirs = append(dirs, path)
			}
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				r.logger.Warn("Failed to delete expired upload", "path", path, "error", err)
				return nil
			}
			deleted++
		}
		return nil
	})
	if err != nil {
		return deleted, fmt.Errorf("failed to walk uploads: %w", err)
	}

	// Deepest first so nested empty directories collapse.
	for i := len(dirs) - 1; i >= 0; i-- {
		_ = os.Remove(dirs[i])
	}

	if deleted > 0 {
		r.logger.Info("Deleted expired uploads", "count", deleted, "max_age", r.maxAge)
	}

	return deleted, nil
}
