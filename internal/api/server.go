// Package api exposes a local, read-only status HTTP API so other
// processes on the device can observe the engine without touching its
// state files.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/exposurekit/riskengine/internal/logging"
	"github.com/exposurekit/riskengine/internal/packagecache"
	"github.com/exposurekit/riskengine/internal/provider"
	"github.com/exposurekit/riskengine/internal/state"
)

// Server serves the status API.
type Server struct {
	provider *provider.Provider
	store    *state.Store
	cache    *packagecache.Cache
	httpSrv  *http.Server
}

// New creates the status server bound to addr.
func New(addr string, p *provider.Provider, store *state.Store, cache *packagecache.Cache) *Server {
	s := &Server{provider: p, store: store, cache: cache}

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Get("/healthz", s.handleHealth)
	r.Get("/v1/risk", s.handleRisk)
	r.Get("/v1/state", s.handleState)

	s.httpSrv = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	logging.S().Infow("status API listening", "addr", s.httpSrv.Addr)
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRisk(w http.ResponseWriter, r *http.Request) {
	result := s.provider.LastResult()
	if result == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no risk result yet"})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type stateResponse struct {
	Activity        state.Activity        `json:"activity"`
	RateLimit       state.RateLimitWindow `json:"rate_limit"`
	LastDetectionAt *time.Time            `json:"last_detection_at,omitempty"`
	CachedPackages  int                   `json:"cached_packages"`
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	snap := s.store.Snapshot()
	count, err := s.cache.Count()
	if err != nil {
		logging.S().Warnw("failed to count cached packages", "error", err)
	}
	writeJSON(w, http.StatusOK, stateResponse{
		Activity:        snap.Activity,
		RateLimit:       snap.RateLimit,
		LastDetectionAt: snap.LastDetectionAt,
		CachedPackages:  count,
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.S().Warnw("failed to write response", "error", err)
	}
}
