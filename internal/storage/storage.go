// Package storage owns the files the pipeline writes: uploaded videos and
// reference images, match crops and reports.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vzahanych/facetrace/internal/logger"
	"github.com/vzahanych/facetrace/internal/service"
)

var (
	// ErrDiskFull is returned when disk usage is above the configured limit.
	ErrDiskFull = errors.New("disk usage above limit")
	// ErrInvalidName is returned for file names that would escape their directory.
	ErrInvalidName = errors.New("invalid file name")
)

// Service manages the uploads, matches and reports directories.
type Service struct {
	*service.ServiceBase

	uploadsDir    string
	matchesDir    string
	reportsDir    string
	diskMonitor   *DiskMonitor
	retention     *RetentionPolicy
	checkInterval time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Config contains storage service configuration
type Config struct {
	UploadsDir          string
	MatchesDir          string
	ReportsDir          string
	MaxDiskUsagePercent float64
	UploadRetention     time.Duration
	CheckInterval       time.Duration
}

// Stats is a snapshot of what the service holds on disk.
type Stats struct {
	Crops            int     `json:"crops"`
	CropBytes        int64   `json:"crop_bytes"`
	Uploads          int     `json:"uploads"`
	UploadBytes      int64   `json:"upload_bytes"`
	Reports          int     `json:"reports"`
	DiskUsagePercent float64 `json:"disk_usage_percent"`
	AvailableBytes   int64   `json:"available_bytes"`
}

// NewService creates the directories and the disk monitor.
func NewService(config Config, log *logger.Logger) (*Service, error) {
	for _, dir := range []string{config.UploadsDir, config.MatchesDir, config.ReportsDir} {
		if dir == "" {
			return nil, fmt.Errorf("storage directories must be set")
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	maxDiskUsage := config.MaxDiskUsagePercent
	if maxDiskUsage == 0 {
		maxDiskUsage = 95.0
	}
	checkInterval := config.CheckInterval
	if checkInterval == 0 {
		checkInterval = 10 * time.Minute
	}

	s := &Service{
		ServiceBase:   service.NewServiceBase("storage", log),
		uploadsDir:    config.UploadsDir,
		matchesDir:    config.MatchesDir,
		reportsDir:    config.ReportsDir,
		checkInterval: checkInterval,
	}

	diskMonitor, err := NewDiskMonitor(config.MatchesDir, maxDiskUsage, s.Logger())
	if err != nil {
		return nil, fmt.Errorf("failed to create disk monitor: %w", err)
	}
	s.diskMonitor = diskMonitor
	s.retention = NewRetentionPolicy(config.UploadsDir, config.UploadRetention, s.Logger())

	s.LogInfo("Storage service initialized",
		"uploads_dir", config.UploadsDir,
		"matches_dir", config.MatchesDir,
		"reports_dir", config.ReportsDir,
		"max_disk_usage_percent", maxDiskUsage,
		"upload_retention", config.UploadRetention,
	)

	return s, nil
}

func (s *Service) Name() string {
	return "storage"
}

// Start runs the periodic disk check and upload retention loop.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return fmt.Errorf("storage service already started")
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(1)
	go s.maintenanceLoop(loopCtx)

	s.GetStatus().SetStatus(service.StatusRunning)
	return nil
}

// Stop stops the maintenance loop.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		s.wg.Wait()
	}
	s.GetStatus().SetStatus(service.StatusStopped)
	return nil
}

func (s *Service) maintenanceLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.checkInterval)
	defer ticker.Stop()

	s.runMaintenance(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runMaintenance(ctx)
		}
	}
}

func (s *Service) runMaintenance(ctx context.Context) {
	if _, err := s.EnforceRetention(ctx); err != nil && ctx.Err() == nil {
		s.LogWarn("Upload retention failed", "error", err)
	}

	usage, err := s.diskMonitor.GetUsage(ctx)
	if err != nil {
		s.LogWarn("Disk usage check failed", "error", err)
		return
	}
	if usage.UsagePercent >= s.diskMonitor.MaxUsagePercent() {
		s.LogWarn("Disk usage above limit", "usage_percent", usage.UsagePercent, "limit", s.diskMonitor.MaxUsagePercent())
		s.PublishEvent(service.EventTypeStorageWarning, map[string]interface{}{
			"usage_percent":   usage.UsagePercent,
			"available_bytes": usage.AvailableBytes,
		})
	}
}

func (s *Service) UploadsDir() string { return s.uploadsDir }
func (s *Service) MatchesDir() string { return s.matchesDir }
func (s *Service) ReportsDir() string { return s.reportsDir }

// VideoStem returns the base name of a video without its extension.
func VideoStem(videoID string) string {
	base := filepath.Base(videoID)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// CropName builds `<stem>_F<frame>_<8 hex>.jpg`.
func CropName(videoID string, frame int) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s_F%d_%s.jpg", VideoStem(videoID), frame, suffix)
}

// ParseCropName is the inverse of CropName.
func ParseCropName(name string) (stem string, frame int, ok bool) {
	rest, found := strings.CutSuffix(name, ".jpg")
	if !found {
		return "", 0, false
	}
	i := strings.LastIndexByte(rest, '_')
	if i < 0 || len(rest)-i-1 != 8 || !isHex(rest[i+1:]) {
		return "", 0, false
	}
	rest = rest[:i]
	j := strings.LastIndex(rest, "_F")
	if j < 0 {
		return "", 0, false
	}
	frame, err := strconv.Atoi(rest[j+2:])
	if err != nil || frame < 0 {
		return "", 0, false
	}
	return rest[:j], frame, true
}

func isHex(s string) bool {
	for _, c := range s {
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return false
		}
	}
	return true
}

// SaveCrop writes a face crop into the matches directory and returns its file
// name. It refuses to write when the disk is above the usage limit.
func (s *Service) SaveCrop(ctx context.Context, videoID string, frame int, data []byte) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("empty crop for frame %d", frame)
	}
	if err := s.diskMonitor.Admit(ctx, int64(len(data))); err != nil {
		return "", err
	}

	name := CropName(videoID, frame)
	if err := writeFileAtomic(s.matchesDir, name, data); err != nil {
		return "", err
	}
	return name, nil
}

// CropPath resolves a crop file name inside the matches directory.
func (s *Service) CropPath(name string) (string, error) {
	return resolve(s.matchesDir, name)
}

// ReportPath resolves a report file name inside the reports directory.
func (s *Service) ReportPath(name string) (string, error) {
	return resolve(s.reportsDir, name)
}

// UploadPath resolves a file name inside the uploads directory.
func (s *Service) UploadPath(name string) (string, error) {
	return resolve(s.uploadsDir, name)
}

// RemoveCrops deletes the named crops from the matches directory. Names that
// are not crop names are left alone, and missing files are not counted.
func (s *Service) RemoveCrops(names []string) (int, error) {
	removed := 0
	for _, name := range names {
		if _, _, ok := ParseCropName(name); !ok {
			s.LogDebug("Skipping non-crop file", "name", name)
			continue
		}
		path, err := resolve(s.matchesDir, name)
		if err != nil {
			continue
		}
		if err := os.Remove(path); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return removed, fmt.Errorf("failed to delete crop %s: %w", name, err)
		}
		removed++
	}
	if removed > 0 {
		s.diskMonitor.Forget()
	}
	return removed, nil
}

// SaveUpload stores an uploaded file under subdir of the uploads directory
// and returns its full path.
func (s *Service) SaveUpload(ctx context.Context, subdir, name string, r io.Reader) (string, error) {
	if err := s.diskMonitor.Admit(ctx, 0); err != nil {
		return "", err
	}

	dir := s.uploadsDir
	if subdir != "" {
		var err error
		dir, err = resolve(s.uploadsDir, subdir)
		if err != nil {
			return "", err
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return "", fmt.Errorf("failed to create upload directory: %w", err)
		}
	}

	path, err := resolve(dir, name)
	if err != nil {
		return "", err
	}

	tmp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return "", fmt.Errorf("failed to create upload: %w", err)
	}
	n, err := io.Copy(tmp, r)
	if err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to write upload: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to close upload: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to move upload: %w", err)
	}
	s.diskMonitor.Charge(n)
	return path, nil
}

// GetDiskUsage returns current disk usage statistics
func (s *Service) GetDiskUsage(ctx context.Context) (*DiskUsage, error) {
	return s.diskMonitor.GetUsage(ctx)
}

// EnforceRetention runs the upload retention policy once.
func (s *Service) EnforceRetention(ctx context.Context) (int, error) {
	removed, err := s.retention.Enforce(ctx)
	if removed > 0 {
		s.diskMonitor.Forget()
	}
	return removed, err
}

// GetStorageStats counts the files under each directory.
func (s *Service) GetStorageStats(ctx context.Context) (*Stats, error) {
	var stats Stats
	var err error

	if stats.Crops, stats.CropBytes, err = countFiles(s.matchesDir); err != nil {
		return nil, err
	}
	if stats.Uploads, stats.UploadBytes, err = countFiles(s.uploadsDir); err != nil {
		return nil, err
	}
	if stats.Reports, _, err = countFiles(s.reportsDir); err != nil {
		return nil, err
	}

	usage, err := s.diskMonitor.GetUsage(ctx)
	if err != nil {
		return nil, err
	}
	stats.DiskUsagePercent = usage.UsagePercent
	stats.AvailableBytes = usage.AvailableBytes

	return &stats, nil
}

func countFiles(dir string) (int, int64, error) {
	var n int
	var size int64
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		n++
		size += info.Size()
		return nil
	})
	if err != nil {
		return 0, 0, fmt.Errorf("failed to scan %s: %w", dir, err)
	}
	return n, size, nil
}

// resolve joins name onto dir, rejecting anything that is not a plain file
// name.
func resolve(dir, name string) (string, error) {
	if name == "" || name == "." || name == ".." || name != filepath.Base(name) || strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return filepath.Join(dir, name), nil
}

func writeFileAtomic(dir, name string, data []byte) error {
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to close %s: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(dir, name)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to save %s: %w", name, err)
	}
	return nil
}
