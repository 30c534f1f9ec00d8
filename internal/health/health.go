// Package health is the ops HTTP surface: liveness, Prometheus metrics, and
// small read models over the fleet and the broadcast tables.
package health

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"botfleet/internal/fleet"
	"botfleet/internal/storage"
)

type Server struct {
	addr  string
	store *storage.Store
	fleet *fleet.Fleet
	log   zerolog.Logger
}

func New(addr string, store *storage.Store, f *fleet.Fleet, log zerolog.Logger) *Server {
	return &Server{
		addr:  addr,
		store: store,
		fleet: f,
		log:   log.With().Str("component", "health").Logger(),
	}
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/workers", s.handleWorkers)
	r.Get("/broadcasts/{id}/stats", s.handleBroadcastStats)
	return r
}

// Run serves until ctx is cancelled, then drains with a short deadline.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.addr).Msg("ops server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return ctx.Err()
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "ok workers=%d\n", len(s.fleet.Live()))
}

func (s *Server) handleWorkers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"tenant_ids": s.fleet.Live()})
}

// handleBroadcastStats is the per-broadcast success-rate summary the admin
// surface polls during a run.
func (s *Server) handleBroadcastStats(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "bad broadcast id"})
		return
	}
	b, err := s.store.Broadcast(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "broadcast not found"})
		return
	}
	if err != nil {
		s.log.Error().Err(err).Msg("broadcast lookup failed")
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "lookup failed"})
		return
	}

	rate := 0.0
	if done := b.Sent + b.Failed; done > 0 {
		rate = float64(b.Sent) / float64(done)
	}
	resp := map[string]any{
		"id":           b.ID,
		"tenant_id":    b.TenantID,
		"status":       b.Status,
		"total":        b.Total,
		"sent":         b.Sent,
		"failed":       b.Failed,
		"success_rate": rate,
	}
	if !b.StartedAt.IsZero() {
		resp["started_at"] = b.StartedAt.UTC().Format(time.RFC3339)
	}
	if !b.CompletedAt.IsZero() {
		resp["completed_at"] = b.CompletedAt.UTC().Format(time.RFC3339)
	}
	if b.FailureReason != "" {
		resp["failure_reason"] = b.FailureReason
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
