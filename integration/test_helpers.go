package integration

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/vzahanych/facetrace/internal/config"
	"github.com/vzahanych/facetrace/internal/logger"
	"github.com/vzahanych/facetrace/internal/match"
	"github.com/vzahanych/facetrace/internal/pipeline"
	"github.com/vzahanych/facetrace/internal/service"
	"github.com/vzahanych/facetrace/internal/session"
	"github.com/vzahanych/facetrace/internal/state"
	"github.com/vzahanych/facetrace/internal/storage"
	"github.com/vzahanych/facetrace/internal/video"
)

// Frame brightness levels understood by brightnessDetector.
const (
	Dark   uint8 = 20  // no face
	Dim    uint8 = 100 // a face that does not match
	Bright uint8 = 220 // the reference person
)

// TestEnvironment wires the real store, storage, session cache and
// controller around a fake detector and a JPEG-stream source opener.
type TestEnvironment struct {
	TempDir    string
	Config     *config.Config
	Store      *state.Manager
	Files      *storage.Service
	Sessions   *session.Cache
	Controller *pipeline.Controller
	Services   *service.Manager
	Logger     *logger.Logger
}

// SetupTestEnvironment creates a test environment
func SetupTestEnvironment(t *testing.T) *TestEnvironment {
	t.Helper()
	tmpDir := t.TempDir()

	cfg := config.Default()
	cfg.Storage.DataDir = filepath.Join(tmpDir, "data")
	cfg.Storage.UploadsDir = filepath.Join(tmpDir, "data", "uploads")
	cfg.Storage.MatchesDir = filepath.Join(tmpDir, "data", "matches")
	cfg.Storage.ReportsDir = filepath.Join(tmpDir, "data", "reports")
	cfg.Storage.MaxDiskUsagePercent = 100
	cfg.Database.Path = filepath.Join(tmpDir, "data", "db", "facetrace.db")
	cfg.Matching.FrameSkip = 1
	if err := cfg.EnsureDirs(); err != nil {
		t.Fatalf("Failed to create directories: %v", err)
	}

	log := logger.NewNopLogger()

	store, err := state.NewManager(cfg.Database.Path, log)
	if err != nil {
		t.Fatalf("Failed to create state manager: %v", err)
	}

	files, err := storage.NewService(storage.Config{
		UploadsDir:          cfg.Storage.UploadsDir,
		MatchesDir:          cfg.Storage.MatchesDir,
		ReportsDir:          cfg.Storage.ReportsDir,
		MaxDiskUsagePercent: cfg.Storage.MaxDiskUsagePercent,
	}, log)
	if err != nil {
		t.Fatalf("Failed to create storage service: %v", err)
	}

	sessions := session.NewCache(session.Config{
		TTL:           cfg.Sessions.TTL,
		SweepInterval: cfg.Sessions.SweepInterval,
	}, log)

	ctrl := pipeline.NewController(brightnessDetector{}, store, files, sessions, jpegStreamOpener{}, pipeline.Options{
		Threshold:        cfg.Matching.Threshold,
		FrameSkip:        cfg.Matching.FrameSkip,
		ProgressInterval: cfg.Matching.ProgressInterval,
		LiveFrameSkip:    cfg.Matching.LiveFrameSkip,
		DefaultFPS:       cfg.Matching.DefaultFPS,
	}, log)

	services := service.NewManager(log)
	services.Register(files)
	services.Register(sessions)
	services.Register(ctrl)

	env := &TestEnvironment{
		TempDir:    tmpDir,
		Config:     cfg,
		Store:      store,
		Files:      files,
		Sessions:   sessions,
		Controller: ctrl,
		Services:   services,
		Logger:     log,
	}
	t.Cleanup(env.Cleanup)
	return env
}

// Start starts the registered services.
func (e *TestEnvironment) Start(t *testing.T) {
	t.Helper()
	ctx, cancel := ContextWithTimeout(5 * time.Second)
	defer cancel()
	if err := e.Services.Start(ctx); err != nil {
		t.Fatalf("Failed to start services: %v", err)
	}
}

// Cleanup stops services and closes the store.
func (e *TestEnvironment) Cleanup() {
	ctx, cancel := ContextWithTimeout(5 * time.Second)
	defer cancel()
	e.Services.Shutdown(ctx)
	e.Store.Close()
}

// WriteVideo writes frames with the given brightness levels as a stream of
// concatenated JPEGs and returns its path.
func (e *TestEnvironment) WriteVideo(t *testing.T, name string, levels ...uint8) string {
	t.Helper()
	var buf bytes.Buffer
	for _, l := range levels {
		buf.Write(SolidJPEG(t, l))
	}
	path := filepath.Join(e.TempDir, name)
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		t.Fatalf("Failed to write video: %v", err)
	}
	return path
}

// WriteImage writes a single JPEG and returns its path.
func (e *TestEnvironment) WriteImage(t *testing.T, name string, level uint8) string {
	t.Helper()
	path := filepath.Join(e.TempDir, name)
	if err := os.WriteFile(path, SolidJPEG(t, level), 0644); err != nil {
		t.Fatalf("Failed to write image: %v", err)
	}
	return path
}

// SolidJPEG encodes a 64x64 gray image.
func SolidJPEG(t *testing.T, level uint8) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 64, 64))
	for i := range img.Pix {
		img.Pix[i] = level
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 95}); err != nil {
		t.Fatalf("Failed to encode JPEG: %v", err)
	}
	return buf.Bytes()
}

// brightnessDetector reports one face per frame whose identity depends on
// the frame brightness.
type brightnessDetector struct{}

func (brightnessDetector) DetectAndEmbed(ctx context.Context, data []byte) ([]match.FaceCandidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	b := img.Bounds()
	y := color.GrayModel.Convert(img.At(b.Dx()/2, b.Dy()/2)).(color.Gray).Y

	var emb match.Embedding
	switch {
	case y >= 160:
		emb = match.Embedding{1, 0}
	case y >= 60:
		emb = match.Embedding{0, 1}
	default:
		return nil, nil
	}
	return []match.FaceCandidate{{
		Box:        match.Box{X1: 8, Y1: 8, X2: 56, Y2: 56},
		Embedding:  emb,
		Crop:       data,
		Confidence: 0.99,
	}}, nil
}

// jpegStreamOpener reads files of concatenated JPEGs for both batch and
// live runs.
type jpegStreamOpener struct{}

func (jpegStreamOpener) OpenFile(ctx context.Context, path string) (video.Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return video.NewStreamSource(path, f, 25, 0, nil), nil
}

func (o jpegStreamOpener) OpenCapture(ctx context.Context, spec video.CaptureSpec) (video.Source, error) {
	return o.OpenFile(ctx, spec.Source)
}

// WaitForCondition waits for a condition to become true
func WaitForCondition(timeout time.Duration, condition func() bool) bool {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for time.Now().Before(deadline) {
		if condition() {
			return true
		}
		<-ticker.C
	}
	return false
}

// ContextWithTimeout creates a context with timeout for tests
func ContextWithTimeout(timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), timeout)
}
