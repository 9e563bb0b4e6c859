package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/vzahanych/facetrace/internal/logger"
)

const usageCacheTTL = 30 * time.Second

// DiskUsage describes the filesystem holding the matches directory.
type DiskUsage struct {
	TotalBytes     int64   `json:"total_bytes"`
	UsedBytes      int64   `json:"used_bytes"`
	AvailableBytes int64   `json:"available_bytes"`
	UsagePercent   float64 `json:"usage_percent"`
}

func (u *DiskUsage) percentAfter(extra int64) float64 {
	if u.TotalBytes <= 0 {
		return 0
	}
	return float64(u.UsedBytes+extra) / float64(u.TotalBytes) * 100.0
}

// DiskMonitor admits writes while the filesystem stays under a usage limit.
// Filesystem stats are cached briefly and adjusted by admitted writes in
// between, so a burst of crops cannot overshoot the limit by a whole cache
// period.
type DiskMonitor struct {
	path     string
	maxUsage float64
	logger   *logger.Logger
	statfs   func(path string) (*DiskUsage, error)

	mu      sync.Mutex
	cached  *DiskUsage
	checked time.Time
}

// NewDiskMonitor watches the filesystem of path.
func NewDiskMonitor(path string, maxUsagePercent float64, log *logger.Logger) (*DiskMonitor, error) {
	if maxUsagePercent <= 0 || maxUsagePercent > 100 {
		return nil, fmt.Errorf("max usage percent must be in (0, 100], got %.2f", maxUsagePercent)
	}
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &DiskMonitor{
		path:     path,
		maxUsage: maxUsagePercent,
		logger:   log,
		statfs:   statfs,
	}, nil
}

// GetUsage returns the current usage, at most usageCacheTTL old.
func (d *DiskMonitor) GetUsage(ctx context.Context) (*DiskUsage, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.usageLocked()
}

func (d *DiskMonitor) usageLocked() (*DiskUsage, error) {
	if d.cached != nil && time.Since(d.checked) < usageCacheTTL {
		u := *d.cached
		return &u, nil
	}
	u, err := d.statfs(d.path)
	if err != nil {
		return nil, err
	}
	d.cached, d.checked = u, time.Now()
	out := *u
	return &out, nil
}

// Admit reserves size bytes, or returns ErrDiskFull when the write would take
// usage to the limit. A failed stat admits the write and logs a warning.
func (d *DiskMonitor) Admit(ctx context.Context, size int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	u, err := d.usageLocked()
	if err != nil {
		d.logger.Warn("Disk usage check failed", "path", d.path, "error", err)
		return nil
	}
	if after := u.percentAfter(size); after >= d.maxUsage {
		return fmt.Errorf("%w: %.1f%% of %.1f%%", ErrDiskFull, after, d.maxUsage)
	}

	d.chargeLocked(size)
	return nil
}

// Charge accounts for a write whose size was not known at admission.
func (d *DiskMonitor) Charge(size int64) {
	d.mu.Lock()
	d.chargeLocked(size)
	d.mu.Unlock()
}

func (d *DiskMonitor) chargeLocked(size int64) {
	if d.cached == nil || size <= 0 {
		return
	}
	d.cached.UsedBytes += size
	d.cached.AvailableBytes -= size
	d.cached.UsagePercent = d.cached.percentAfter(0)
}

// Forget drops the cached stats, e.g. after files were deleted.
func (d *DiskMonitor) Forget() {
	d.mu.Lock()
	d.cached = nil
	d.mu.Unlock()
}

// MaxUsagePercent returns the configured limit.
func (d *DiskMonitor) MaxUsagePercent() float64 {
	return d.maxUsage
}

func statfs(path string) (*DiskUsage, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}

	var st unix.Statfs_t
	if err := unix.Statfs(absPath, &st); err != nil {
		return nil, fmt.Errorf("failed to stat filesystem: %w", err)
	}

	u := &DiskUsage{
		TotalBytes:     int64(st.Blocks) * int64(st.Bsize),
		AvailableBytes: int64(st.Bavail) * int64(st.Bsize),
	}
	u.UsedBytes = u.TotalBytes - u.AvailableBytes
	u.UsagePercent = u.percentAfter(0)
	return u, nil
}
