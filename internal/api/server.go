// Package api serves the read-only HTTP view of chargers, their running
// sessions and session history.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/jkaberg/ev-charging-manager/internal/config"
	"github.com/jkaberg/ev-charging-manager/internal/domain"
	"github.com/jkaberg/ev-charging-manager/internal/engine"
	"github.com/jkaberg/ev-charging-manager/internal/store"
)

const (
	defaultSessionLimit = 50
	maxSessionLimit     = store.DefaultMaxSessions
)

// Registry looks up the running state of chargers.
type Registry interface {
	Statuses() []engine.Status
	Status(chargerID string) (engine.Status, bool)
}

// ResponseError is the body of every non-2xx response.
type ResponseError struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// SessionsResponse wraps a page of session history.
type SessionsResponse struct {
	ChargerID string            `json:"charger_id"`
	Count     int               `json:"count"`
	Sessions  []*domain.Session `json:"sessions"`
}

// Server holds the HTTP routes.
type Server struct {
	router   *gin.Engine
	registry Registry
	store    store.Store
	logger   *logrus.Logger
}

// NewServer builds the router. gin's mode is left to the caller.
func NewServer(registry Registry, st store.Store, logger *logrus.Logger) *Server {
	s := &Server{
		router:   gin.New(),
		registry: registry,
		store:    st,
		logger:   logger,
	}
	s.router.Use(gin.Recovery(), s.logRequests())

	s.router.GET("/healthz", s.health)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	chargers := s.router.Group("/api/chargers")
	chargers.GET("", s.listChargers)
	chargers.GET("/:id", s.getCharger)
	chargers.GET("/:id/sessions", s.listSessions)
	chargers.GET("/:id/sessions/:sid", s.getSession)
	return s
}

// Handler returns the router as an http.Handler.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe serves on addr until ctx is done, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.WithField("addr", addr).Info("HTTP server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.HTTPShutdown)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.logger.Debug("HTTP server stopped")
	return nil
}

func (s *Server) logRequests() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.Request.URL.Path,
			"status":   c.Writer.Status(),
			"duration": time.Since(start),
		}).Debug("HTTP request")
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "chargers": len(s.registry.Statuses())})
}

func (s *Server) listChargers(c *gin.Context) {
	c.JSON(http.StatusOK, s.registry.Statuses())
}

func (s *Server) getCharger(c *gin.Context) {
	st, ok := s.registry.Status(c.Param("id"))
	if !ok {
		respondWithError(c, http.StatusNotFound, "charger not found", "charger_not_found")
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) listSessions(c *gin.Context) {
	id := c.Param("id")
	if _, ok := s.registry.Status(id); !ok {
		respondWithError(c, http.StatusNotFound, "charger not found", "charger_not_found")
		return
	}

	limit := defaultSessionLimit
	if raw := c.Query("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 {
			respondWithError(c, http.StatusBadRequest, "limit must be a positive integer", "invalid_limit")
			return
		}
		limit = min(v, maxSessionLimit)
	}

	sessions, err := s.store.Sessions(c.Request.Context(), id, limit)
	if err != nil {
		s.logger.WithError(err).WithField("charger", id).Error("Failed to load session history")
		respondWithError(c, http.StatusInternalServerError, "failed to load sessions", "store_error")
		return
	}
	if sessions == nil {
		sessions = []*domain.Session{}
	}
	c.JSON(http.StatusOK, SessionsResponse{ChargerID: id, Count: len(sessions), Sessions: sessions})
}

func (s *Server) getSession(c *gin.Context) {
	id := c.Param("id")
	if _, ok := s.registry.Status(id); !ok {
		respondWithError(c, http.StatusNotFound, "charger not found", "charger_not_found")
		return
	}

	session, err := s.store.Session(c.Request.Context(), id, c.Param("sid"))
	switch {
	case errors.Is(err, store.ErrNotFound):
		respondWithError(c, http.StatusNotFound, "session not found", "session_not_found")
	case err != nil:
		s.logger.WithError(err).WithField("charger", id).Error("Failed to load session")
		respondWithError(c, http.StatusInternalServerError, "failed to load session", "store_error")
	default:
		c.JSON(http.StatusOK, session)
	}
}

func respondWithError(c *gin.Context, status int, message, code string) {
	c.AbortWithStatusJSON(status, ResponseError{Error: message, Code: code})
}
