package health

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/vzahanych/facetrace/internal/detector"
	"github.com/vzahanych/facetrace/internal/storage"
)

func newCheck(name string) Check {
	return Check{
		Name:      name,
		Timestamp: time.Now(),
		Details:   make(map[string]interface{}),
	}
}

// Pinger is implemented by the detection stores.
type Pinger interface {
	Ping(ctx context.Context) error
}

// DatabaseChecker checks database connectivity
type DatabaseChecker struct {
	db     Pinger
	driver string
}

func NewDatabaseChecker(db Pinger, driver string) *DatabaseChecker {
	return &DatabaseChecker{db: db, driver: driver}
}

func (c *DatabaseChecker) Name() string {
	return "database"
}

func (c *DatabaseChecker) Check(ctx context.Context) Check {
	check := newCheck(c.Name())
	check.Details["driver"] = c.driver

	if c.db == nil {
		check.Status = StatusUnhealthy
		check.Message = "Database not configured"
		return check
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := c.db.Ping(ctx); err != nil {
		check.Status = StatusUnhealthy
		check.Message = fmt.Sprintf("Database ping failed: %v", err)
		return check
	}

	check.Status = StatusHealthy
	check.Message = "Database connection OK"
	return check
}

// FaceServiceProber is the readiness call of the face service client.
type FaceServiceProber interface {
	HealthCheck(ctx context.Context) (*detector.HealthResponse, error)
	ServiceURL() string
}

// FaceServiceChecker checks the face detection service. An unreachable
// service degrades the process: stored results stay available.
type FaceServiceChecker struct {
	client FaceServiceProber
}

func NewFaceServiceChecker(client FaceServiceProber) *FaceServiceChecker {
	return &FaceServiceChecker{client: client}
}

func (c *FaceServiceChecker) Name() string {
	return "face_service"
}

func (c *FaceServiceChecker) Check(ctx context.Context) Check {
	check := newCheck(c.Name())
	check.Details["url"] = c.client.ServiceURL()

	resp, err := c.client.HealthCheck(ctx)
	if err != nil {
		check.Status = StatusDegraded
		check.Message = fmt.Sprintf("Face service unreachable: %v", err)
		return check
	}

	check.Details["model_loaded"] = resp.ModelLoaded
	if !resp.ModelLoaded {
		check.Status = StatusDegraded
		check.Message = "Face service is up but the model is not loaded"
		return check
	}

	check.Status = StatusHealthy
	check.Message = "Face service is ready"
	return check
}

// StorageChecker checks that the data directories are writable.
type StorageChecker struct {
	dirs map[string]string
}

// NewStorageChecker checks the named directories, e.g. {"matches": "./data/matches"}.
func NewStorageChecker(dirs map[string]string) *StorageChecker {
	return &StorageChecker{dirs: dirs}
}

func (c *StorageChecker) Name() string {
	return "storage"
}

func (c *StorageChecker) Check(ctx context.Context) Check {
	check := newCheck(c.Name())

	for name, dir := range c.dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			check.Status = StatusUnhealthy
			check.Message = fmt.Sprintf("Failed to create %s directory: %v", name, err)
			return check
		}
		f, err := os.CreateTemp(dir, ".healthcheck-*")
		if err != nil {
			check.Status = StatusUnhealthy
			check.Message = fmt.Sprintf("%s directory is not writable: %v", name, err)
			return check
		}
		f.Close()
		os.Remove(f.Name())
		check.Details[name+"_dir"] = filepath.Clean(dir)
	}

	check.Status = StatusHealthy
	check.Message = "Storage directories accessible"
	return check
}

// DiskUsageReader reports disk usage for the data directory.
type DiskUsageReader interface {
	GetDiskUsage(ctx context.Context) (*storage.DiskUsage, error)
}

// DiskChecker degrades once usage passes warnPercent and fails at
// maxPercent, where crop writes are refused.
type DiskChecker struct {
	usage       DiskUsageReader
	warnPercent float64
	maxPercent  float64
}

func NewDiskChecker(usage DiskUsageReader, maxPercent float64) *DiskChecker {
	warn := maxPercent - 10
	if warn < 0 {
		warn = 0
	}
	return &DiskChecker{usage: usage, warnPercent: warn, maxPercent: maxPercent}
}

func (c *DiskChecker) Name() string {
	return "disk"
}

func (c *DiskChecker) Check(ctx context.Context) Check {
	check := newCheck(c.Name())

	usage, err := c.usage.GetDiskUsage(ctx)
	if err != nil {
		check.Status = StatusDegraded
		check.Message = fmt.Sprintf("Failed to read disk usage: %v", err)
		return check
	}

	check.Details["usage_percent"] = usage.UsagePercent
	check.Details["available_bytes"] = usage.AvailableBytes
	check.Details["max_usage_percent"] = c.maxPercent

	switch {
	case usage.UsagePercent >= c.maxPercent:
		check.Status = StatusUnhealthy
		check.Message = fmt.Sprintf("Disk usage %.1f%% reached the %.1f%% limit", usage.UsagePercent, c.maxPercent)
	case usage.UsagePercent >= c.warnPercent:
		check.Status = StatusDegraded
		check.Message = fmt.Sprintf("Disk usage %.1f%% is close to the limit", usage.UsagePercent)
	default:
		check.Status = StatusHealthy
		check.Message = "Disk usage OK"
	}
	return check
}

// VersionReporter is satisfied by video.FFmpegWrapper.
type VersionReporter interface {
	GetVersion() (string, error)
}

// FFmpegChecker verifies the decoder binary runs.
type FFmpegChecker struct {
	ffmpeg VersionReporter
}

func NewFFmpegChecker(ffmpeg VersionReporter) *FFmpegChecker {
	return &FFmpegChecker{ffmpeg: ffmpeg}
}

func (c *FFmpegChecker) Name() string {
	return "ffmpeg"
}

func (c *FFmpegChecker) Check(ctx context.Context) Check {
	check := newCheck(c.Name())
	if c.ffmpeg == nil {
		check.Status = StatusUnhealthy
		check.Message = "ffmpeg not found"
		return check
	}
	version, err := c.ffmpeg.GetVersion()
	if err != nil {
		check.Status = StatusUnhealthy
		check.Message = fmt.Sprintf("ffmpeg failed: %v", err)
		return check
	}
	check.Details["version"] = version
	check.Status = StatusHealthy
	check.Message = "ffmpeg available"
	return check
}
