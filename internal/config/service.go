package config

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/vzahanych/facetrace/internal/logger"
)

// hotSections can be applied to a running server. Everything else needs a
// restart.
var hotSections = map[string]bool{
	"matching": true,
	"sessions": true,
	"detector": true,
	"camera":   true,
}

// ConfigWatcher is called after a successful reload.
type ConfigWatcher func(ctx context.Context, oldConfig, newConfig *Config) error

// Service holds the active configuration of a running server and hands
// reloads to watchers.
type Service struct {
	mu         sync.RWMutex
	config     *Config
	configPath string
	overrides  func(*Config)
	watchers   []ConfigWatcher
	logger     *logger.Logger
}

// NewService loads and validates the initial configuration.
func NewService(configPath string, log *logger.Logger) (*Service, error) {
	cfg, err := Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load initial configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return NewServiceFrom(cfg, configPath, nil, log), nil
}

// NewServiceFrom wraps a configuration that was already loaded. overrides,
// when set, is applied to every reloaded configuration before validation so
// command line flags keep winning over the file.
func NewServiceFrom(cfg *Config, configPath string, overrides func(*Config), log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &Service{
		config:     cfg,
		configPath: configPath,
		overrides:  overrides,
		logger:     log.Named("config"),
	}
}

// Get returns the active configuration. Callers must not modify it.
func (s *Service) Get() *Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config
}

// Reload re-reads the file and the environment. The active configuration is
// kept when the new one fails to load or validate. Watcher errors are logged
// and do not undo the reload.
func (s *Service) Reload(ctx context.Context) error {
	next, err := Load(s.configPath)
	if err != nil {
		return fmt.Errorf("failed to reload configuration: %w", err)
	}
	if s.overrides != nil {
		s.overrides(next)
	}
	if err := next.Validate(); err != nil {
		return fmt.Errorf("invalid reloaded configuration: %w", err)
	}

	s.mu.Lock()
	prev := s.config
	s.config = next
	watchers := append([]ConfigWatcher(nil), s.watchers...)
	s.mu.Unlock()

	changed := ChangedSections(prev, next)
	if len(changed) == 0 {
		s.logger.Info("Configuration reloaded, nothing changed", "path", s.configPath)
		return nil
	}

	for _, watcher := range watchers {
		if err := watcher(ctx, prev, next); err != nil {
			s.logger.Error("Config watcher failed", "error", err)
		}
	}

	if restart := RestartRequired(changed); len(restart) > 0 {
		s.logger.Warn("Some changes take effect after a restart", "sections", strings.Join(restart, ","))
	}
	s.logger.Info("Configuration reloaded", "path", s.configPath, "changed", strings.Join(changed, ","))
	return nil
}

// Watch registers a watcher called after each reload that changed something.
func (s *Service) Watch(watcher ConfigWatcher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watchers = append(s.watchers, watcher)
}

// ChangedSections lists the top-level sections, by YAML name, that differ
// between a and b.
func ChangedSections(a, b *Config) []string {
	va, vb := reflect.ValueOf(a).Elem(), reflect.ValueOf(b).Elem()
	t := va.Type()

	var changed []string
	for i := 0; i < t.NumField(); i++ {
		if reflect.DeepEqual(va.Field(i).Interface(), vb.Field(i).Interface()) {
			continue
		}
		name := strings.Split(t.Field(i).Tag.Get("yaml"), ",")[0]
		if name == "" {
			name = strings.ToLower(t.Field(i).Name)
		}
		changed = append(changed, name)
	}
	return changed
}

// RestartRequired filters sections that a running server cannot apply.
func RestartRequired(sections []string) []string {
	var out []string
	for _, s := range sections {
		if !hotSections[s] {
			out = append(out, s)
		}
	}
	return out
}
