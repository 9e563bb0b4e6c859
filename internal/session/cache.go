// Package session holds live-run reference embeddings keyed by an opaque
// session id. Idle sessions expire; sessions with an active stream do not.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vzahanych/facetrace/internal/logger"
	"github.com/vzahanych/facetrace/internal/match"
	"github.com/vzahanych/facetrace/internal/service"
)

// Entry is a registered reference.
type Entry struct {
	ID        string
	Embedding match.Embedding
	CreatedAt time.Time
	LastUsed  time.Time
	Streams   int
}

// Config controls expiry.
type Config struct {
	TTL           time.Duration
	SweepInterval time.Duration
}

// Cache is a concurrency-safe map of session id to reference embedding.
type Cache struct {
	*service.ServiceBase

	mu      sync.RWMutex
	entries map[string]*Entry
	ttl     time.Duration
	sweep   time.Duration
	now     func() time.Time

	runMu  sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewCache creates an empty cache. A zero TTL disables expiry.
func NewCache(cfg Config, log *logger.Logger) *Cache {
	sweep := cfg.SweepInterval
	if sweep <= 0 {
		sweep = time.Minute
	}
	return &Cache{
		ServiceBase: service.NewServiceBase("sessions", log),
		entries:     make(map[string]*Entry),
		ttl:         cfg.TTL,
		sweep:       sweep,
		now:         time.Now,
	}
}

func (c *Cache) Name() string {
	return "sessions"
}

// Create stores a copy of embedding under a new random id.
func (c *Cache) Create(embedding match.Embedding) string {
	now := c.now()
	e := &Entry{
		Embedding: append(match.Embedding(nil), embedding...),
		CreatedAt: now,
		LastUsed:  now,
	}

	c.mu.Lock()
	for {
		e.ID = uuid.NewString()
		if _, exists := c.entries[e.ID]; !exists {
			break
		}
	}
	c.entries[e.ID] = e
	c.mu.Unlock()

	c.PublishEvent(service.EventTypeSessionCreated, map[string]interface{}{"session_id": e.ID})
	c.LogDebug("Session created", "session_id", e.ID, "dim", len(embedding))
	return e.ID
}

// Lookup returns a copy of the entry and refreshes its last-use time. An
// expired entry is reported as not found.
func (c *Cache) Lookup(id string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[id]
	if !ok || c.expiredLocked(e, c.now()) {
		return Entry{}, false
	}
	e.LastUsed = c.now()
	return *e, true
}

// Touch refreshes the last-use time.
func (c *Cache) Touch(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[id]
	if !ok {
		return false
	}
	e.LastUsed = c.now()
	return true
}

// Acquire marks the session as streaming and returns its embedding. While at
// least one stream holds it the session never expires.
func (c *Cache) Acquire(id string) (match.Embedding, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[id]
	if !ok || c.expiredLocked(e, c.now()) {
		return nil, false
	}
	e.Streams++
	e.LastUsed = c.now()
	return e.Embedding, true
}

// Release ends one stream. The idle TTL restarts from now.
func (c *Cache) Release(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[id]; ok {
		if e.Streams > 0 {
			e.Streams--
		}
		e.LastUsed = c.now()
	}
}

// Remove deletes a session. It reports whether the id existed.
func (c *Cache) Remove(id string) bool {
	c.mu.Lock()
	_, ok := c.entries[id]
	delete(c.entries, id)
	c.mu.Unlock()

	if ok {
		c.PublishEvent(service.EventTypeSessionRemoved, map[string]interface{}{"session_id": id})
	}
	return ok
}

// Len returns the number of stored sessions, expired ones included until the
// next sweep.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *Cache) expiredLocked(e *Entry, now time.Time) bool {
	return c.ttl > 0 && e.Streams == 0 && now.Sub(e.LastUsed) > c.ttl
}

// Sweep evicts expired sessions and returns their ids.
func (c *Cache) Sweep() []string {
	now := c.now()
	var evicted []string

	c.mu.Lock()
	for id, e := range c.entries {
		if c.expiredLocked(e, now) {
			delete(c.entries, id)
			evicted = append(evicted, id)
		}
	}
	c.mu.Unlock()

	for _, id := range evicted {
		c.PublishEvent(service.EventTypeSessionExpired, map[string]interface{}{"session_id": id})
	}
	if len(evicted) > 0 {
		c.LogInfo("Expired idle sessions", "count", len(evicted))
	}
	return evicted
}

// Start runs the sweeper.
func (c *Cache) Start(ctx context.Context) error {
	c.runMu.Lock()
	defer c.runMu.Unlock()

	if c.cancel != nil {
		return fmt.Errorf("session cache already started")
	}
	if c.ttl <= 0 {
		c.GetStatus().SetStatus(service.StatusRunning)
		return nil
	}

	sweepCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.sweep)
		defer ticker.Stop()
		for {
			select {
			case <-sweepCtx.Done():
				return
			case <-ticker.C:
				c.Sweep()
			}
		}
	}()

	c.GetStatus().SetStatus(service.StatusRunning)
	c.LogInfo("Session cache started", "ttl", c.ttl, "sweep_interval", c.sweep)
	return nil
}

// Stop stops the sweeper. Entries are kept.
func (c *Cache) Stop(ctx context.Context) error {
	c.runMu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.runMu.Unlock()

	if cancel != nil {
		cancel()
		c.wg.Wait()
	}
	c.GetStatus().SetStatus(service.StatusStopped)
	return nil
}
