package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jkaberg/ev-charging-manager/internal/domain"
	"github.com/jkaberg/ev-charging-manager/internal/engine"
	"github.com/jkaberg/ev-charging-manager/internal/store"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeRegistry map[string]engine.Status

func (r fakeRegistry) Statuses() []engine.Status {
	out := make([]engine.Status, 0, len(r))
	for _, st := range r {
		out = append(out, st)
	}
	return out
}

func (r fakeRegistry) Status(id string) (engine.Status, bool) {
	st, ok := r[id]
	return st, ok
}

type failingStore struct{ store.Store }

func (failingStore) Sessions(context.Context, string, int) ([]*domain.Session, error) {
	return nil, errors.New("disk on fire")
}

var t0 = time.Date(2026, 3, 1, 14, 20, 0, 0, time.UTC)

func setup(t *testing.T) (*Server, *store.MemoryStore) {
	t.Helper()
	mem := store.NewMemoryStore(100)
	for i, id := range []string{"s1", "s2", "s3"} {
		end := t0.Add(time.Duration(i+1) * time.Hour)
		s := &domain.Session{ID: id, StartedAt: t0.Add(time.Duration(i) * time.Hour), EndedAt: &end, EnergyKWh: float64(i + 1)}
		require.NoError(t, mem.AddSession(context.Background(), "garage", s))
	}
	reg := fakeRegistry{
		"garage": {ChargerID: "garage", ChargerName: "Garage", State: engine.StateTracking,
			Session: &domain.Session{ID: "live", StartedAt: t0, EnergyKWh: 2.5}},
	}
	logger, _ := test.NewNullLogger()
	return NewServer(reg, mem, logger), mem
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	s, _ := setup(t)
	w := get(t, s, "/healthz")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok","chargers":1}`, w.Body.String())
}

func TestChargers(t *testing.T) {
	s, _ := setup(t)

	w := get(t, s, "/api/chargers")
	require.Equal(t, http.StatusOK, w.Code)
	var list []engine.Status
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "garage", list[0].ChargerID)

	w = get(t, s, "/api/chargers/garage")
	require.Equal(t, http.StatusOK, w.Code)
	var st engine.Status
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.Equal(t, engine.StateTracking, st.State)
	require.NotNil(t, st.Session)
	assert.Equal(t, "live", st.Session.ID)

	w = get(t, s, "/api/chargers/carport")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "charger_not_found")
}

func TestSessions(t *testing.T) {
	s, _ := setup(t)

	w := get(t, s, "/api/chargers/garage/sessions")
	require.Equal(t, http.StatusOK, w.Code)
	var resp SessionsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 3, resp.Count)
	require.Len(t, resp.Sessions, 3)
	assert.Equal(t, "s3", resp.Sessions[0].ID, "newest first")

	w = get(t, s, "/api/chargers/garage/sessions?limit=2")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Count)

	for _, bad := range []string{"0", "-1", "ten"} {
		w = get(t, s, "/api/chargers/garage/sessions?limit="+bad)
		assert.Equal(t, http.StatusBadRequest, w.Code, bad)
	}

	w = get(t, s, "/api/chargers/carport/sessions")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSessions_EmptyHistoryIsArray(t *testing.T) {
	logger, _ := test.NewNullLogger()
	reg := fakeRegistry{"carport": {ChargerID: "carport", State: engine.StateIdle}}
	s := NewServer(reg, store.NewMemoryStore(10), logger)

	w := get(t, s, "/api/chargers/carport/sessions")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"charger_id":"carport","count":0,"sessions":[]}`, w.Body.String())
}

func TestSessions_StoreError(t *testing.T) {
	logger, _ := test.NewNullLogger()
	reg := fakeRegistry{"garage": {ChargerID: "garage"}}
	s := NewServer(reg, failingStore{store.NewMemoryStore(10)}, logger)

	w := get(t, s, "/api/chargers/garage/sessions")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "store_error")
}

func TestSession(t *testing.T) {
	s, _ := setup(t)

	w := get(t, s, "/api/chargers/garage/sessions/s2")
	require.Equal(t, http.StatusOK, w.Code)
	var got domain.Session
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, "s2", got.ID)
	assert.Equal(t, 2.0, got.EnergyKWh)

	w = get(t, s, "/api/chargers/garage/sessions/nope")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "session_not_found")
}

func TestMetrics(t *testing.T) {
	s, _ := setup(t)
	w := get(t, s, "/metrics")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}
