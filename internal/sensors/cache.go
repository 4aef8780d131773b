package sensors

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// StateCache keeps the latest known raw state of every entity we have heard
// about and answers the question "what is the value of X right now?".
// It is concurrency-safe: the MQTT ingestion goroutine writes while the
// controllers read.
//
// Behaviour:
//   - Set returns true when the stored state actually changed (first sighting
//     counts as a change), so callers can skip notifications for repeats.
//   - Entities that were never seen read as Unavailable.
type StateCache struct {
	mu      sync.RWMutex
	states  map[string]entry
	logger  *logrus.Logger
	nowFunc func() time.Time
}

type entry struct {
	reading Reading
	updated time.Time
}

// NewStateCache returns a ready-to-use cache.
func NewStateCache(logger *logrus.Logger) *StateCache {
	return &StateCache{
		states:  make(map[string]entry),
		logger:  logger,
		nowFunc: time.Now,
	}
}

// Set stores the raw state for entityID and reports whether it differs from
// the previously stored one.
func (c *StateCache) Set(entityID, raw string) bool {
	r := NewReading(raw)

	c.mu.Lock()
	defer c.mu.Unlock()

	prev, ok := c.states[entityID]
	c.states[entityID] = entry{reading: r, updated: c.nowFunc()}
	if ok && prev.reading == r {
		return false
	}
	c.logger.WithFields(logrus.Fields{
		"entity": entityID,
		"state":  r.Raw,
		"valid":  r.Valid,
	}).Debug("Entity state changed")
	return true
}

// Read implements Reader.
func (c *StateCache) Read(entityID string) Reading {
	if entityID == "" {
		return Unavailable
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.states[entityID]
	if !ok {
		return Unavailable
	}
	return e.reading
}

// LastUpdated returns when entityID was last written, or the zero time.
func (c *StateCache) LastUpdated(entityID string) time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.states[entityID].updated
}

// Len returns the number of entities currently tracked.
func (c *StateCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.states)
}
