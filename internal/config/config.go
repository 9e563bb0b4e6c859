package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Log      LogConfig      `yaml:"log" split_words:"true"`
	Matching MatchingConfig `yaml:"matching" split_words:"true"`
	Storage  StorageConfig  `yaml:"storage" split_words:"true"`
	Database DatabaseConfig `yaml:"database" split_words:"true"`
	Detector DetectorConfig `yaml:"detector" split_words:"true"`
	Sessions SessionsConfig `yaml:"sessions" split_words:"true"`
	Camera   CameraConfig   `yaml:"camera" split_words:"true"`
	Web      WebConfig      `yaml:"web" split_words:"true"`
	GRPC     GRPCConfig     `yaml:"grpc" split_words:"true"`
}

// LogConfig contains logging configuration
type LogConfig struct {
	Level  string `yaml:"level" split_words:"true"`
	Format string `yaml:"format" split_words:"true"`
	Output string `yaml:"output" split_words:"true"`
}

// MatchingConfig holds the pipeline tuning knobs.
type MatchingConfig struct {
	Threshold        float64 `yaml:"threshold" split_words:"true"`
	FrameSkip        int     `yaml:"frame_skip" split_words:"true"`
	ProgressInterval int     `yaml:"progress_interval" split_words:"true"`
	LiveFrameSkip    int     `yaml:"live_frame_skip" split_words:"true"`
	DefaultFPS       float64 `yaml:"default_fps" split_words:"true"`
}

// StorageConfig contains local storage configuration
type StorageConfig struct {
	DataDir             string        `yaml:"data_dir" split_words:"true"`
	UploadsDir          string        `yaml:"uploads_dir" split_words:"true"`
	MatchesDir          string        `yaml:"matches_dir" split_words:"true"`
	ReportsDir          string        `yaml:"reports_dir" split_words:"true"`
	MaxDiskUsagePercent float64       `yaml:"max_disk_usage_percent" split_words:"true"`
	UploadRetention     time.Duration `yaml:"upload_retention" split_words:"true"` // 0 keeps uploads forever
}

// DatabaseConfig selects the detection store.
type DatabaseConfig struct {
	Driver          string        `yaml:"driver" split_words:"true"` // sqlite or postgres
	Path            string        `yaml:"path" split_words:"true"`
	DSN             string        `yaml:"dsn" split_words:"true"`
	MaxOpenConns    int           `yaml:"max_open_conns" split_words:"true"`
	MaxIdleConns    int           `yaml:"max_idle_conns" split_words:"true"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" split_words:"true"`
}

// DetectorConfig points at the face detection/embedding service.
type DetectorConfig struct {
	ServiceURL string        `yaml:"service_url" split_words:"true"`
	Timeout    time.Duration `yaml:"timeout" split_words:"true"`
	MaxRetries int           `yaml:"max_retries" split_words:"true"`
	RetryDelay time.Duration `yaml:"retry_delay" split_words:"true"`
}

// SessionsConfig controls live reference sessions.
type SessionsConfig struct {
	TTL           time.Duration `yaml:"ttl" split_words:"true"`
	SweepInterval time.Duration `yaml:"sweep_interval" split_words:"true"`
}

// CameraConfig contains live capture configuration
type CameraConfig struct {
	DefaultSource string        `yaml:"default_source" split_words:"true"`
	RTSPTimeout   time.Duration `yaml:"rtsp_timeout" split_words:"true"`
	ProbeRTSP     *bool         `yaml:"probe_rtsp,omitempty" split_words:"true"`
	Width         int           `yaml:"width" split_words:"true"`
	Height        int           `yaml:"height" split_words:"true"`
	MaxWidth      int           `yaml:"max_width" split_words:"true"`
}

// WebConfig contains web server configuration
type WebConfig struct {
	Host string `yaml:"host" split_words:"true"`
	Port int    `yaml:"port" split_words:"true"`
}

// GRPCConfig controls the gRPC health endpoint.
type GRPCConfig struct {
	Enabled bool `yaml:"enabled" split_words:"true"`
	Port    int  `yaml:"port" split_words:"true"`
}

// ShouldProbeRTSP reports whether RTSP sources are described before capture.
func (c CameraConfig) ShouldProbeRTSP() bool {
	return c.ProbeRTSP == nil || *c.ProbeRTSP
}

// Load reads the configuration file, applies environment overrides and fills
// defaults. An empty path searches the default locations; when none exists the
// configuration is built from defaults and the environment alone.
func Load(configPath string) (*Config, error) {
	var cfg Config

	if configPath == "" {
		configPath = getDefaultConfigPath()
	} else if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("configuration file not found: %s", configPath)
	}

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read configuration file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse configuration: %w", err)
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}

	cfg.setDefaults()

	return &cfg, nil
}

// getDefaultConfigPath returns the first existing default location, or "".
func getDefaultConfigPath() string {
	paths := []string{
		"./config/config.yaml",
		"./config.yaml",
		"/etc/facetrace/config.yaml",
	}

	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// Default returns a configuration populated with defaults only.
func Default() *Config {
	cfg := &Config{}
	cfg.setDefaults()
	return cfg
}

func (c *Config) setDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Log.Output == "" {
		c.Log.Output = "stdout"
	}

	if c.Matching.Threshold == 0 {
		c.Matching.Threshold = 0.70
	}
	if c.Matching.FrameSkip == 0 {
		c.Matching.FrameSkip = 5
	}
	if c.Matching.ProgressInterval == 0 {
		c.Matching.ProgressInterval = 50
	}
	if c.Matching.LiveFrameSkip == 0 {
		c.Matching.LiveFrameSkip = 1
	}
	if c.Matching.DefaultFPS == 0 {
		c.Matching.DefaultFPS = 25
	}

	if c.Storage.DataDir == "" {
		c.Storage.DataDir = "./data"
	}
	if c.Storage.UploadsDir == "" {
		c.Storage.UploadsDir = filepath.Join(c.Storage.DataDir, "uploads")
	}
	if c.Storage.MatchesDir == "" {
		c.Storage.MatchesDir = filepath.Join(c.Storage.DataDir, "matches")
	}
	if c.Storage.ReportsDir == "" {
		c.Storage.ReportsDir = filepath.Join(c.Storage.DataDir, "reports")
	}
	if c.Storage.MaxDiskUsagePercent == 0 {
		c.Storage.MaxDiskUsagePercent = 95
	}

	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.Path == "" {
		c.Database.Path = filepath.Join(c.Storage.DataDir, "db", "facetrace.db")
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 10
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 4
	}
	if c.Database.ConnMaxLifetime == 0 {
		c.Database.ConnMaxLifetime = 30 * time.Minute
	}

	if c.Detector.ServiceURL == "" {
		c.Detector.ServiceURL = "http://localhost:8000"
	}
	if c.Detector.Timeout == 0 {
		c.Detector.Timeout = 30 * time.Second
	}
	if c.Detector.MaxRetries == 0 {
		c.Detector.MaxRetries = 2
	}
	if c.Detector.RetryDelay == 0 {
		c.Detector.RetryDelay = 500 * time.Millisecond
	}

	if c.Sessions.TTL == 0 {
		c.Sessions.TTL = 15 * time.Minute
	}
	if c.Sessions.SweepInterval == 0 {
		c.Sessions.SweepInterval = time.Minute
	}

	if c.Camera.DefaultSource == "" {
		c.Camera.DefaultSource = "0"
	}
	if c.Camera.RTSPTimeout == 0 {
		c.Camera.RTSPTimeout = 10 * time.Second
	}
	if c.Camera.MaxWidth == 0 {
		c.Camera.MaxWidth = 960
	}

	if c.Web.Host == "" {
		c.Web.Host = "0.0.0.0"
	}
	if c.Web.Port == 0 {
		c.Web.Port = 5000
	}

	if c.GRPC.Port == 0 {
		c.GRPC.Port = 50051
	}
}

// EnsureDirs creates the storage directories used at runtime.
func (c *Config) EnsureDirs() error {
	dirs := []string{c.Storage.UploadsDir, c.Storage.MatchesDir, c.Storage.ReportsDir}
	if c.Database.Driver == "sqlite" {
		dirs = append(dirs, filepath.Dir(c.Database.Path))
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}
