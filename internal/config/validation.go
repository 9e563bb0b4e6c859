package config

import (
	"fmt"
	"strings"
)

// Validate checks the configuration and reports every problem at once.
func (c *Config) Validate() error {
	var errors []string

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true, "fatal": true,
	}
	if !validLogLevels[strings.ToLower(c.Log.Level)] {
		errors = append(errors, fmt.Sprintf("invalid log.level: %s (must be: debug, info, warn, error, fatal)", c.Log.Level))
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errors = append(errors, fmt.Sprintf("invalid log.format: %s (must be: text or json)", c.Log.Format))
	}

	if c.Matching.Threshold < -1 || c.Matching.Threshold > 1 {
		errors = append(errors, fmt.Sprintf("matching.threshold must be between -1 and 1, got: %.2f", c.Matching.Threshold))
	}
	if c.Matching.FrameSkip < 1 {
		errors = append(errors, fmt.Sprintf("matching.frame_skip must be >= 1, got: %d", c.Matching.FrameSkip))
	}
	if c.Matching.LiveFrameSkip < 1 {
		errors = append(errors, fmt.Sprintf("matching.live_frame_skip must be >= 1, got: %d", c.Matching.LiveFrameSkip))
	}
	if c.Matching.ProgressInterval < 1 {
		errors = append(errors, fmt.Sprintf("matching.progress_interval must be >= 1, got: %d", c.Matching.ProgressInterval))
	}
	if c.Matching.DefaultFPS <= 0 {
		errors = append(errors, fmt.Sprintf("matching.default_fps must be > 0, got: %.2f", c.Matching.DefaultFPS))
	}

	if c.Storage.MatchesDir == "" {
		errors = append(errors, "storage.matches_dir is required")
	}
	if c.Storage.MaxDiskUsagePercent < 0 || c.Storage.MaxDiskUsagePercent > 100 {
		errors = append(errors, fmt.Sprintf("storage.max_disk_usage_percent must be between 0 and 100, got: %.2f", c.Storage.MaxDiskUsagePercent))
	}
	if c.Storage.UploadRetention < 0 {
		errors = append(errors, fmt.Sprintf("storage.upload_retention must not be negative, got: %s", c.Storage.UploadRetention))
	}

	switch c.Database.Driver {
	case "sqlite":
		if c.Database.Path == "" {
			errors = append(errors, "database.path is required for the sqlite driver")
		}
	case "postgres":
		if c.Database.DSN == "" {
			errors = append(errors, "database.dsn is required for the postgres driver")
		}
	default:
		errors = append(errors, fmt.Sprintf("invalid database.driver: %s (must be: sqlite or postgres)", c.Database.Driver))
	}

	if c.Detector.ServiceURL == "" {
		errors = append(errors, "detector.service_url is required")
	}
	if c.Detector.MaxRetries < 0 {
		errors = append(errors, fmt.Sprintf("detector.max_retries must be >= 0, got: %d", c.Detector.MaxRetries))
	}

	if c.Sessions.TTL <= 0 {
		errors = append(errors, fmt.Sprintf("sessions.ttl must be > 0, got: %v", c.Sessions.TTL))
	}
	if c.Sessions.SweepInterval <= 0 {
		errors = append(errors, fmt.Sprintf("sessions.sweep_interval must be > 0, got: %v", c.Sessions.SweepInterval))
	}

	if c.Web.Port < 1 || c.Web.Port > 65535 {
		errors = append(errors, fmt.Sprintf("web.port must be between 1 and 65535, got: %d", c.Web.Port))
	}
	if c.GRPC.Enabled && c.GRPC.Port == c.Web.Port {
		errors = append(errors, fmt.Sprintf("grpc.port (%d) cannot equal web.port", c.GRPC.Port))
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errors, "\n  - "))
	}

	return nil
}
