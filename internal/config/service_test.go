package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/vzahanych/facetrace/internal/logger"
	"gopkg.in/yaml.v3"
)

func createTestConfig(t *testing.T, configPath string, cfg *Config) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		t.Fatalf("Failed to marshal config: %v", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}
}

func writeRawConfig(t *testing.T, body string) string {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	path := writeRawConfig(t, "storage:\n  data_dir: /srv/facetrace\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Matching.Threshold != 0.70 {
		t.Errorf("Expected default threshold 0.70, got %v", cfg.Matching.Threshold)
	}
	if cfg.Matching.FrameSkip != 5 {
		t.Errorf("Expected default frame skip 5, got %d", cfg.Matching.FrameSkip)
	}
	if cfg.Matching.ProgressInterval != 50 {
		t.Errorf("Expected progress interval 50, got %d", cfg.Matching.ProgressInterval)
	}
	if cfg.Storage.MatchesDir != "/srv/facetrace/matches" {
		t.Errorf("Expected matches dir under data dir, got %s", cfg.Storage.MatchesDir)
	}
	if cfg.Database.Path != "/srv/facetrace/db/facetrace.db" {
		t.Errorf("Unexpected database path %s", cfg.Database.Path)
	}
	if !cfg.Camera.ShouldProbeRTSP() {
		t.Error("RTSP probing should default to on")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Defaults should validate: %v", err)
	}
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("Expected error for missing file")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeRawConfig(t, "matching:\n  threshold: 0.6\n  frame_skip: 3\n")

	t.Setenv("FACETRACE_MATCHING_THRESHOLD", "0.82")
	t.Setenv("FACETRACE_DETECTOR_SERVICE_URL", "http://faces:9000")
	t.Setenv("FACETRACE_SESSIONS_TTL", "2m")
	t.Setenv("FACETRACE_CAMERA_PROBE_RTSP", "false")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Matching.Threshold != 0.82 {
		t.Errorf("Expected threshold 0.82 from env, got %v", cfg.Matching.Threshold)
	}
	if cfg.Matching.FrameSkip != 3 {
		t.Errorf("Unset env var should keep file value 3, got %d", cfg.Matching.FrameSkip)
	}
	if cfg.Detector.ServiceURL != "http://faces:9000" {
		t.Errorf("Expected service url from env, got %s", cfg.Detector.ServiceURL)
	}
	if cfg.Sessions.TTL != 2*time.Minute {
		t.Errorf("Expected ttl 2m, got %v", cfg.Sessions.TTL)
	}
	if cfg.Camera.ShouldProbeRTSP() {
		t.Error("Expected RTSP probing disabled from env")
	}
}

func TestLoad_IgnoresUnprefixedEnv(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "db.sqlite")
	path := writeRawConfig(t, "log:\n  level: info\ndatabase:\n  path: "+dbPath+"\nweb:\n  port: 5000\n")

	t.Setenv("PATH", "/usr/bin:/bin")
	t.Setenv("PORT", "8080")
	t.Setenv("LEVEL", "error")
	t.Setenv("TIMEOUT", "1s")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Database.Path != dbPath {
		t.Errorf("Expected database path %s, got %s", dbPath, cfg.Database.Path)
	}
	if cfg.Web.Port != 5000 {
		t.Errorf("Expected port 5000, got %d", cfg.Web.Port)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("Expected log level info, got %s", cfg.Log.Level)
	}
	if cfg.Detector.Timeout != 30*time.Second {
		t.Errorf("Expected default detector timeout, got %v", cfg.Detector.Timeout)
	}

	t.Setenv("FACETRACE_DATABASE_PATH", "/tmp/other.db")
	t.Setenv("FACETRACE_WEB_PORT", "8081")
	cfg, err = Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Database.Path != "/tmp/other.db" || cfg.Web.Port != 8081 {
		t.Errorf("Prefixed overrides not applied: path=%s port=%d", cfg.Database.Path, cfg.Web.Port)
	}
}

func TestValidate_AggregatesErrors(t *testing.T) {
	cfg := Default()
	cfg.Log.Format = "xml"
	cfg.Matching.FrameSkip = -1
	cfg.Database.Driver = "postgres"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Expected validation error")
	}
	msg := err.Error()
	for _, want := range []string{"log.format", "matching.frame_skip", "database.dsn"} {
		if !strings.Contains(msg, want) {
			t.Errorf("Expected %q in error: %s", want, msg)
		}
	}
}

func TestEnsureDirs(t *testing.T) {
	tmpDir := t.TempDir()
	cfg := &Config{}
	cfg.Storage.DataDir = tmpDir
	cfg.setDefaults()

	if err := cfg.EnsureDirs(); err != nil {
		t.Fatalf("EnsureDirs failed: %v", err)
	}
	for _, dir := range []string{cfg.Storage.UploadsDir, cfg.Storage.MatchesDir, cfg.Storage.ReportsDir, filepath.Dir(cfg.Database.Path)} {
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			t.Errorf("Expected directory %s", dir)
		}
	}
}

func TestNewService(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	cfg := &Config{}
	cfg.Storage.DataDir = tmpDir
	cfg.setDefaults()
	createTestConfig(t, configPath, cfg)

	svc, err := NewService(configPath, logger.NewNopLogger())
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}

	if svc.Get().Storage.DataDir != tmpDir {
		t.Errorf("Expected DataDir %s, got %s", tmpDir, svc.Get().Storage.DataDir)
	}
}

func TestService_ReloadAndWatch(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	cfg := &Config{}
	cfg.Storage.DataDir = tmpDir
	cfg.setDefaults()
	createTestConfig(t, configPath, cfg)

	svc, err := NewService(configPath, logger.NewNopLogger())
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}

	var oldThreshold, newThreshold float64
	svc.Watch(func(ctx context.Context, oldConfig, newConfig *Config) error {
		oldThreshold = oldConfig.Matching.Threshold
		newThreshold = newConfig.Matching.Threshold
		return nil
	})

	cfg.Matching.Threshold = 0.9
	createTestConfig(t, configPath, cfg)

	if err := svc.Reload(context.Background()); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}

	if oldThreshold != 0.70 || newThreshold != 0.9 {
		t.Errorf("Watcher saw %v -> %v", oldThreshold, newThreshold)
	}
	if svc.Get().Matching.Threshold != 0.9 {
		t.Errorf("Expected reloaded threshold 0.9, got %v", svc.Get().Matching.Threshold)
	}
}

func TestService_ReloadKeepsOldOnInvalid(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	cfg := &Config{}
	cfg.Storage.DataDir = tmpDir
	cfg.setDefaults()
	createTestConfig(t, configPath, cfg)

	svc, err := NewService(configPath, logger.NewNopLogger())
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}

	cfg.Database.Driver = "oracle"
	createTestConfig(t, configPath, cfg)

	if err := svc.Reload(context.Background()); err == nil {
		t.Fatal("Expected reload to fail")
	}
	if svc.Get().Database.Driver != "sqlite" {
		t.Errorf("Expected old config to stay active, got driver %s", svc.Get().Database.Driver)
	}
}

func TestService_ReloadAppliesOverrides(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	cfg := &Config{}
	cfg.Storage.DataDir = tmpDir
	cfg.setDefaults()
	createTestConfig(t, configPath, cfg)

	svc := NewServiceFrom(cfg, configPath, func(c *Config) { c.Log.Level = "debug" }, logger.NewNopLogger())

	called := false
	svc.Watch(func(ctx context.Context, oldConfig, newConfig *Config) error {
		called = true
		return nil
	})

	if err := svc.Reload(context.Background()); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	if svc.Get().Log.Level != "debug" {
		t.Errorf("Expected override to survive reload, got %s", svc.Get().Log.Level)
	}
	if !called {
		t.Error("Expected watcher to run when the override changed the log section")
	}
}

func TestService_ReloadWithoutChangesSkipsWatchers(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	cfg := &Config{}
	cfg.Storage.DataDir = tmpDir
	cfg.setDefaults()
	createTestConfig(t, configPath, cfg)

	svc, err := NewService(configPath, logger.NewNopLogger())
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}
	svc.Watch(func(ctx context.Context, oldConfig, newConfig *Config) error {
		t.Error("Watcher should not run for an unchanged file")
		return nil
	})
	if err := svc.Reload(context.Background()); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
}

func TestChangedSections(t *testing.T) {
	a := Default()
	b := Default()
	b.Matching.Threshold = 0.8
	b.Web.Port = 8080

	changed := ChangedSections(a, b)
	if strings.Join(changed, ",") != "matching,web" {
		t.Errorf("Expected matching,web, got %v", changed)
	}
	if restart := RestartRequired(changed); len(restart) != 1 || restart[0] != "web" {
		t.Errorf("Expected only web to need a restart, got %v", restart)
	}

	if len(ChangedSections(a, Default())) != 0 {
		t.Error("Expected identical defaults to have no changes")
	}
}
