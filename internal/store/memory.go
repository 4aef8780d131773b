package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/jkaberg/ev-charging-manager/internal/domain"
)

// MemoryStore keeps everything in process memory. It is used when no durable
// back-end is configured and in tests.
type MemoryStore struct {
	mu      sync.Mutex
	max     int
	active  map[string][]byte
	history map[string][]*domain.Session
}

// NewMemoryStore returns an empty store keeping at most maxSessions completed
// sessions per charging point.
func NewMemoryStore(maxSessions int) *MemoryStore {
	return &MemoryStore{
		max:     retention(maxSessions),
		active:  make(map[string][]byte),
		history: make(map[string][]*domain.Session),
	}
}

// LoadActive returns the raw snapshot of chargerID, or nil when there is none.
func (m *MemoryStore) LoadActive(_ context.Context, chargerID string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, ok := m.active[chargerID]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), raw...), nil
}

// SaveActive replaces the snapshot of chargerID.
func (m *MemoryStore) SaveActive(_ context.Context, chargerID string, s *domain.Session) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal active session: %w", err)
	}
	m.mu.Lock()
	m.active[chargerID] = raw
	m.mu.Unlock()
	return nil
}

// PutActiveRaw stores an arbitrary snapshot payload, bypassing encoding.
func (m *MemoryStore) PutActiveRaw(chargerID string, raw []byte) {
	m.mu.Lock()
	m.active[chargerID] = append([]byte(nil), raw...)
	m.mu.Unlock()
}

// ClearActive drops the snapshot of chargerID.
func (m *MemoryStore) ClearActive(_ context.Context, chargerID string) error {
	m.mu.Lock()
	delete(m.active, chargerID)
	m.mu.Unlock()
	return nil
}

// AddSession records a completed session and applies retention.
func (m *MemoryStore) AddSession(_ context.Context, chargerID string, s *domain.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := append(m.history[chargerID], s.Clone())
	if over := len(h) - m.max; over > 0 {
		h = append([]*domain.Session(nil), h[over:]...)
	}
	m.history[chargerID] = h
	return nil
}

// Sessions returns up to limit completed sessions, newest first.
func (m *MemoryStore) Sessions(_ context.Context, chargerID string, limit int) ([]*domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return newestFirst(m.history[chargerID], limit), nil
}

// Session returns one completed session or ErrNotFound.
func (m *MemoryStore) Session(_ context.Context, chargerID, sessionID string) (*domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.history[chargerID] {
		if s.ID == sessionID {
			return s.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }
