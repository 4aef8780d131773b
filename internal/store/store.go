// Package store persists the active-session snapshot of each charging point
// and its history of completed sessions.
package store

import (
	"context"
	"errors"

	"github.com/jkaberg/ev-charging-manager/internal/domain"
)

// ErrNotFound is returned when a requested session does not exist.
var ErrNotFound = errors.New("session not found")

// Store is implemented by every persistence back-end. All methods are safe
// for concurrent use.
type Store interface {
	// LoadActive returns the raw persisted snapshot, or nil when there is none.
	// Parsing is left to the caller so a corrupt snapshot can be discarded
	// without failing the load.
	LoadActive(ctx context.Context, chargerID string) ([]byte, error)
	SaveActive(ctx context.Context, chargerID string, s *domain.Session) error
	ClearActive(ctx context.Context, chargerID string) error

	// AddSession appends a completed session, pruning the oldest entries
	// beyond the retention limit.
	AddSession(ctx context.Context, chargerID string, s *domain.Session) error
	// Sessions returns up to limit completed sessions, newest first. A
	// non-positive limit returns all of them.
	Sessions(ctx context.Context, chargerID string, limit int) ([]*domain.Session, error)
	// Session returns one completed session by id.
	Session(ctx context.Context, chargerID, sessionID string) (*domain.Session, error)

	Close() error
}

// DefaultMaxSessions is the retention used when a back-end is given a
// non-positive limit.
const DefaultMaxSessions = 1000

func retention(max int) int {
	if max <= 0 {
		return DefaultMaxSessions
	}
	return max
}

// newestFirst returns up to limit entries of an oldest-first slice in
// reverse order.
func newestFirst(history []*domain.Session, limit int) []*domain.Session {
	n := len(history)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]*domain.Session, 0, n)
	for i := len(history) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, history[i].Clone())
	}
	return out
}
