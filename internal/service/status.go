package service

import (
	"sync"
	"time"
)

// Status is a service lifecycle state.
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
	StatusError    Status = "error"
)

// ServiceStatus tracks the lifecycle state of one service.
type ServiceStatus struct {
	Name      string
	StartedAt time.Time

	mu     sync.RWMutex
	status Status
	err    error
}

// NewServiceStatus creates a status in the stopped state.
func NewServiceStatus(name string) *ServiceStatus {
	return &ServiceStatus{Name: name, status: StatusStopped}
}

// SetStatus moves to a new state. Entering StatusRunning records the start
// time and clears any previous error.
func (s *ServiceStatus) SetStatus(status Status) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.status = status
	switch status {
	case StatusRunning:
		s.StartedAt = time.Now()
		s.err = nil
	case StatusStopped:
		s.StartedAt = time.Time{}
	}
}

func (s *ServiceStatus) GetStatus() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// SetError records err and moves to StatusError. A failed service is no
// longer running, so its start time is cleared.
func (s *ServiceStatus) SetError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
	s.status = StatusError
	s.StartedAt = time.Time{}
}

func (s *ServiceStatus) GetError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

func (s *ServiceStatus) IsRunning() bool {
	return s.GetStatus() == StatusRunning
}

// GetUptime returns the time since the service entered StatusRunning, or zero
// when it is not running.
func (s *ServiceStatus) GetUptime() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.status != StatusRunning || s.StartedAt.IsZero() {
		return 0
	}
	return time.Since(s.StartedAt)
}
