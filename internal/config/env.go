package config

import (
	"fmt"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix is prepended to every environment override, e.g.
// FACETRACE_MATCHING_THRESHOLD or FACETRACE_DATABASE_DSN.
const EnvPrefix = "FACETRACE"

// LoadDotEnv loads variables from .env files into the process environment.
// Missing files are ignored; variables already set are never overwritten.
func LoadDotEnv(files ...string) {
	if len(files) == 0 {
		_ = godotenv.Load()
		return
	}
	for _, f := range files {
		_ = godotenv.Load(f)
	}
}

// applyEnvOverrides overlays FACETRACE_* variables on top of the file values.
// Unset variables leave the corresponding field untouched.
func applyEnvOverrides(cfg *Config) error {
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return fmt.Errorf("failed to apply environment overrides: %w", err)
	}
	return nil
}
