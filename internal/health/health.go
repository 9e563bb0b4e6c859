// Package health aggregates component checks into the reports served on
// /health, /health/live and /health/ready and mirrored to gRPC health.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/vzahanych/facetrace/internal/logger"
	"github.com/vzahanych/facetrace/internal/service"
)

// Status represents the health status
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Check represents a health check
type Check struct {
	Name      string                 `json:"name"`
	Status    Status                 `json:"status"`
	Message   string                 `json:"message,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// HealthReport represents the overall health report
type HealthReport struct {
	Status    Status                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Uptime    string                 `json:"uptime"`
	Checks    map[string]Check       `json:"checks"`
	Services  map[string]interface{} `json:"services,omitempty"`
}

// Ready reports whether the process should receive traffic. Degraded is
// still ready.
func (r HealthReport) Ready() bool {
	return r.Status != StatusUnhealthy
}

// Checker is an interface for health checkers
type Checker interface {
	Name() string
	Check(ctx context.Context) Check
}

// Manager runs the registered checkers.
type Manager struct {
	logger     *logger.Logger
	checkers   []Checker
	svcManager *service.Manager
	startTime  time.Time
	timeout    time.Duration
	mu         sync.RWMutex
}

// NewManager creates a new health check manager. svcManager may be nil.
func NewManager(log *logger.Logger, svcManager *service.Manager) *Manager {
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &Manager{
		logger:     log.Named("health"),
		checkers:   make([]Checker, 0),
		svcManager: svcManager,
		startTime:  time.Now(),
		timeout:    3 * time.Second,
	}
}

// RegisterChecker registers a health checker
func (m *Manager) RegisterChecker(checker Checker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkers = append(m.checkers, checker)
}

// Check runs every checker concurrently, each bounded by the manager
// timeout, and folds them into one report. The worst status wins.
func (m *Manager) Check(ctx context.Context) HealthReport {
	m.mu.RLock()
	checkers := append([]Checker(nil), m.checkers...)
	m.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	results := make([]Check, len(checkers))
	var wg sync.WaitGroup
	for i, checker := range checkers {
		wg.Add(1)
		go func(i int, checker Checker) {
			defer wg.Done()
			results[i] = checker.Check(ctx)
		}(i, checker)
	}
	wg.Wait()

	checks := make(map[string]Check, len(results))
	overallStatus := StatusHealthy
	for _, check := range results {
		checks[check.Name] = check

		if check.Status == StatusUnhealthy {
			overallStatus = StatusUnhealthy
		} else if check.Status == StatusDegraded && overallStatus == StatusHealthy {
			overallStatus = StatusDegraded
		}
	}

	if overallStatus != StatusHealthy {
		m.logger.Debug("Health degraded", "status", overallStatus)
	}

	return HealthReport{
		Status:    overallStatus,
		Timestamp: time.Now(),
		Uptime:    time.Since(m.startTime).Truncate(time.Second).String(),
		Checks:    checks,
		Services:  m.Services(),
	}
}

// Services returns the lifecycle status of every managed service.
func (m *Manager) Services() map[string]interface{} {
	services := make(map[string]interface{})
	if m.svcManager == nil {
		return services
	}
	for name, status := range m.svcManager.GetAllStatuses() {
		entry := map[string]interface{}{
			"status": status.GetStatus(),
			"uptime": status.GetUptime().Truncate(time.Second).String(),
		}
		if err := status.GetError(); err != nil {
			entry["error"] = err.Error()
		}
		services[name] = entry
	}
	return services
}

// Uptime returns the time since the manager was created.
func (m *Manager) Uptime() time.Duration {
	return time.Since(m.startTime)
}
