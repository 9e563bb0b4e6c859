package service

import (
	"github.com/vzahanych/facetrace/internal/logger"
)

// ServiceBase carries the logger, status and event bus shared by services.
// Embed it and call SetEventBus through the Manager.
type ServiceBase struct {
	name     string
	logger   *logger.Logger
	status   *ServiceStatus
	eventBus *EventBus
}

// NewServiceBase creates a base for the named service.
func NewServiceBase(name string, log *logger.Logger) *ServiceBase {
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &ServiceBase{
		name:   name,
		logger: log.Named(name),
		status: NewServiceStatus(name),
	}
}

func (b *ServiceBase) GetStatus() *ServiceStatus {
	return b.status
}

func (b *ServiceBase) Logger() *logger.Logger {
	return b.logger
}

// SetEventBus implements ServiceWithEvents.
func (b *ServiceBase) SetEventBus(bus *EventBus) {
	b.eventBus = bus
}

func (b *ServiceBase) GetEventBus() *EventBus {
	return b.eventBus
}

// PublishEvent publishes on the attached bus; it is a no-op without one.
func (b *ServiceBase) PublishEvent(eventType EventType, data map[string]interface{}) {
	if b.eventBus == nil {
		return
	}
	b.eventBus.Publish(Event{
		Type:   eventType,
		Source: b.name,
		Data:   data,
	})
}

func (b *ServiceBase) LogInfo(msg string, kv ...interface{}) {
	b.logger.Info(msg, kv...)
}

func (b *ServiceBase) LogWarn(msg string, kv ...interface{}) {
	b.logger.Warn(msg, kv...)
}

func (b *ServiceBase) LogDebug(msg string, kv ...interface{}) {
	b.logger.Debug(msg, kv...)
}

// LogError logs msg with err attached under the "error" key.
func (b *ServiceBase) LogError(msg string, err error, kv ...interface{}) {
	b.logger.Error(msg, append([]interface{}{"error", err}, kv...)...)
}
