package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/jkaberg/ev-charging-manager/internal/domain"
	"github.com/sirupsen/logrus"
)

// fileDocument is the on-disk layout of one charging point.
type fileDocument struct {
	Version  int               `json:"version"`
	Active   json.RawMessage   `json:"active,omitempty"`
	Sessions []*domain.Session `json:"sessions"`
}

const fileVersion = 1

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9_.-]`)

// FileStore keeps one JSON document per charging point in a directory.
// Writes go through a temporary file and a rename so a crash never leaves a
// half-written document behind.
type FileStore struct {
	dir    string
	max    int
	logger *logrus.Logger
	mu     sync.Mutex
}

// NewFileStore creates dir if needed.
func NewFileStore(dir string, maxSessions int, logger *logrus.Logger) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return &FileStore{dir: dir, max: retention(maxSessions), logger: logger}, nil
}

func (f *FileStore) path(chargerID string) string {
	return filepath.Join(f.dir, unsafeName.ReplaceAllString(chargerID, "_")+".json")
}

// read must be called with f.mu held. A document that cannot be decoded is
// moved aside and replaced by an empty one.
func (f *FileStore) read(chargerID string) (*fileDocument, error) {
	raw, err := os.ReadFile(f.path(chargerID))
	if errors.Is(err, os.ErrNotExist) {
		return &fileDocument{Version: fileVersion}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", chargerID, err)
	}
	var doc fileDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		if qerr := f.quarantine(chargerID, err); qerr != nil {
			return nil, qerr
		}
		return &fileDocument{Version: fileVersion}, nil
	}
	return &doc, nil
}

// quarantine renames a damaged document to <name>.corrupt-<timestamp> so the
// charging point can keep recording. Must be called with f.mu held.
func (f *FileStore) quarantine(chargerID string, cause error) error {
	src := f.path(chargerID)
	dst := fmt.Sprintf("%s.corrupt-%s", src, time.Now().UTC().Format("20060102T150405.000000000Z"))
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("move aside damaged %s: %w", chargerID, err)
	}
	f.logger.WithFields(logrus.Fields{
		"charger": chargerID,
		"moved":   filepath.Base(dst),
	}).WithError(cause).Warn("store: damaged session document moved aside, starting empty")
	return nil
}

// write must be called with f.mu held.
func (f *FileStore) write(chargerID string, doc *fileDocument) error {
	doc.Version = fileVersion
	if doc.Sessions == nil {
		doc.Sessions = []*domain.Session{}
	}
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", chargerID, err)
	}
	tmp, err := os.CreateTemp(f.dir, ".evcm-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path(chargerID)); err != nil {
		return fmt.Errorf("replace %s: %w", chargerID, err)
	}
	return nil
}

func (f *FileStore) update(chargerID string, fn func(doc *fileDocument) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, err := f.read(chargerID)
	if err != nil {
		return err
	}
	if err := fn(doc); err != nil {
		return err
	}
	return f.write(chargerID, doc)
}

// LoadActive returns the raw snapshot. A document without a snapshot returns
// nil, as does a damaged document after it has been moved aside.
func (f *FileStore) LoadActive(_ context.Context, chargerID string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	raw, err := os.ReadFile(f.path(chargerID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", chargerID, err)
	}
	// Only the envelope is decoded here so a damaged snapshot still reaches
	// the caller, which decides whether to discard it.
	var doc struct {
		Active json.RawMessage `json:"active"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, f.quarantine(chargerID, err)
	}
	if len(doc.Active) == 0 || string(doc.Active) == "null" {
		return nil, nil
	}
	return doc.Active, nil
}

// SaveActive replaces the snapshot of chargerID.
func (f *FileStore) SaveActive(_ context.Context, chargerID string, s *domain.Session) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal active session: %w", err)
	}
	return f.update(chargerID, func(doc *fileDocument) error {
		doc.Active = raw
		return nil
	})
}

// ClearActive drops the snapshot of chargerID.
func (f *FileStore) ClearActive(_ context.Context, chargerID string) error {
	return f.update(chargerID, func(doc *fileDocument) error {
		doc.Active = nil
		return nil
	})
}

// AddSession appends a completed session, pruning the oldest beyond the
// retention limit.
func (f *FileStore) AddSession(_ context.Context, chargerID string, s *domain.Session) error {
	return f.update(chargerID, func(doc *fileDocument) error {
		doc.Sessions = append(doc.Sessions, s)
		if over := len(doc.Sessions) - f.max; over > 0 {
			f.logger.WithFields(logrus.Fields{
				"charger": chargerID,
				"pruned":  over,
			}).Info("store: pruned oldest sessions")
			doc.Sessions = doc.Sessions[over:]
		}
		return nil
	})
}

// Sessions returns up to limit sessions, newest first.
func (f *FileStore) Sessions(_ context.Context, chargerID string, limit int) ([]*domain.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, err := f.read(chargerID)
	if err != nil {
		return nil, err
	}
	return newestFirst(doc.Sessions, limit), nil
}

// Session returns one completed session or ErrNotFound.
func (f *FileStore) Session(_ context.Context, chargerID, sessionID string) (*domain.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, err := f.read(chargerID)
	if err != nil {
		return nil, err
	}
	for _, s := range doc.Sessions {
		if s.ID == sessionID {
			return s, nil
		}
	}
	return nil, ErrNotFound
}

// Close is a no-op.
func (f *FileStore) Close() error { return nil }
