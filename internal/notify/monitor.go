// Package notify raises a persistent warning when sessions keep ending up
// unattributed, which usually means a card is not mapped to a user.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jkaberg/ev-charging-manager/internal/bus"
	"github.com/jkaberg/ev-charging-manager/internal/identity"
)

// Notifier delivers a notification. Implementations must treat a repeated id
// as an update of the earlier notification.
type Notifier interface {
	Notify(ctx context.Context, id, title, message string) error
}

type monitorState struct {
	UnknownSessionTimes map[string][]string `json:"unknown_session_times"`
}

// UnknownSessionMonitor counts completed sessions attributed to nobody per
// charger. Once threshold of them fall inside the rolling window a
// notification is raised under a stable per-charger id, so later sessions
// refresh it instead of stacking new ones.
type UnknownSessionMonitor struct {
	notifier  Notifier
	threshold int
	window    time.Duration
	path      string
	logger    *logrus.Logger
	nowFunc   func() time.Time

	mu    sync.Mutex
	times map[string][]string
}

// NewUnknownSessionMonitor creates a monitor. With an empty path the
// timestamps are only kept in memory.
func NewUnknownSessionMonitor(notifier Notifier, threshold int, window time.Duration, path string, logger *logrus.Logger) *UnknownSessionMonitor {
	return &UnknownSessionMonitor{
		notifier:  notifier,
		threshold: threshold,
		window:    window,
		path:      path,
		logger:    logger,
		nowFunc:   time.Now,
		times:     make(map[string][]string),
	}
}

// NotificationID is the id used for the warning of chargerID.
func NotificationID(chargerID string) string {
	return "evcm_unknown_sessions_" + chargerID
}

// Load restores timestamps saved by an earlier run. A missing file is fine;
// entries that are not timestamps are dropped on the next record.
func (m *UnknownSessionMonitor) Load() error {
	if m.path == "" {
		return nil
	}
	raw, err := os.ReadFile(m.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read unknown session log: %w", err)
	}
	var st monitorState
	if err := json.Unmarshal(raw, &st); err != nil {
		m.logger.WithError(err).Warn("Ignoring unreadable unknown session log")
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for id, ts := range st.UnknownSessionTimes {
		m.times[id] = ts
	}
	return nil
}

// Run records unknown completions from the bus until ctx is done.
func (m *UnknownSessionMonitor) Run(ctx context.Context, events <-chan bus.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-events:
			if ev.Kind != bus.KindCompleted || ev.Completed == nil {
				continue
			}
			if ev.Completed.UserType != identity.UserTypeUnknown {
				continue
			}
			if _, err := m.Record(ctx, ev.ChargerID, ev.Completed.Charger, ev.Completed.EndedAt); err != nil {
				m.logger.WithError(err).WithField("charger", ev.ChargerID).Warn("Failed to raise unknown session warning")
			}
		}
	}
}

// Record notes one unknown session ending at at and reports whether the
// warning was raised.
func (m *UnknownSessionMonitor) Record(ctx context.Context, chargerID, chargerName string, at time.Time) (bool, error) {
	m.mu.Lock()
	times := Prune(append(m.times[chargerID], at.UTC().Format(time.RFC3339)), m.nowFunc(), m.window)
	m.times[chargerID] = times
	count := len(times)
	m.persist()
	m.mu.Unlock()

	log := m.logger.WithFields(logrus.Fields{
		"charger": chargerID,
		"count":   count,
		"window":  m.window,
	})
	if count < m.threshold {
		log.Debug("Unknown session recorded")
		return false, nil
	}

	if chargerName == "" {
		chargerName = chargerID
	}
	title := "Unattributed charging sessions"
	message := fmt.Sprintf("%d sessions on %s in the last %s could not be attributed to a user. "+
		"Check that every RFID card is mapped to an active user.", count, chargerName, humanWindow(m.window))
	log.Warn("Unknown session threshold reached")
	if err := m.notifier.Notify(ctx, NotificationID(chargerID), title, message); err != nil {
		return false, fmt.Errorf("notify: %w", err)
	}
	return true, nil
}

// Count returns the number of unknown sessions of chargerID inside the window.
func (m *UnknownSessionMonitor) Count(chargerID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(Prune(m.times[chargerID], m.nowFunc(), m.window))
}

// Prune keeps the well-formed RFC 3339 timestamps no older than window,
// oldest first.
func Prune(times []string, now time.Time, window time.Duration) []string {
	cutoff := now.Add(-window)
	kept := make([]string, 0, len(times))
	for _, raw := range times {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil || ts.Before(cutoff) {
			continue
		}
		kept = append(kept, raw)
	}
	sort.SliceStable(kept, func(i, j int) bool {
		a, _ := time.Parse(time.RFC3339, kept[i])
		b, _ := time.Parse(time.RFC3339, kept[j])
		return a.Before(b)
	})
	return kept
}

// persist must be called with m.mu held.
func (m *UnknownSessionMonitor) persist() {
	if m.path == "" {
		return
	}
	raw, err := json.MarshalIndent(monitorState{UnknownSessionTimes: m.times}, "", "  ")
	if err != nil {
		m.logger.WithError(err).Error("Failed to encode unknown session log")
		return
	}
	tmp := filepath.Join(filepath.Dir(m.path), "."+filepath.Base(m.path)+".tmp")
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		m.logger.WithError(err).Error("Failed to write unknown session log")
		return
	}
	if err := os.Rename(tmp, m.path); err != nil {
		m.logger.WithError(err).Error("Failed to write unknown session log")
	}
}

func humanWindow(d time.Duration) string {
	if d%(24*time.Hour) == 0 {
		days := int(d / (24 * time.Hour))
		if days == 1 {
			return "day"
		}
		return fmt.Sprintf("%d days", days)
	}
	return d.String()
}
