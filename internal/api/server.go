// Package api exposes the optional read-only HTTP interface for a running
// crawl: health, Prometheus metrics, and live progress counts.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/qiwenli/mpcrawl/internal/checkpoint"
	"github.com/qiwenli/mpcrawl/internal/crawler"
	"github.com/qiwenli/mpcrawl/internal/dispatcher"
)

const (
	defaultRecordLimit = 50
	maxRecordLimit     = 500
	storeTimeout       = 3 * time.Second
)

// Server wires the observability handlers to the scheduler and store.
type Server struct {
	router  chi.Router
	counts  dispatcher.StateCounter
	store   checkpoint.Store
	runID   string
	clock   crawler.Clock
	started time.Time
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes. The gatherer
// serves /metrics; pass the registry the progress sink is registered on.
func NewServer(
	counts dispatcher.StateCounter,
	store checkpoint.Store,
	gatherer prometheus.Gatherer,
	runID string,
	clock crawler.Clock,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		counts:  counts,
		store:   store,
		runID:   runID,
		clock:   clock,
		started: clock.Now(),
		logger:  logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	r.Get("/progress", s.progress)
	r.Get("/records", s.records)

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) progress(w http.ResponseWriter, _ *http.Request) {
	counts := s.counts.Counts()
	writeJSON(w, http.StatusOK, map[string]any{
		"run_id":         s.runID,
		"uptime_seconds": int64(s.clock.Now().Sub(s.started).Seconds()),
		"targets": map[string]int{
			"pending":   counts[crawler.TargetPending],
			"in_flight": counts[crawler.TargetInFlight],
			"deferred":  counts[crawler.TargetDeferred],
			"done":      counts[crawler.TargetDone],
			"failed":    counts[crawler.TargetFailed],
		},
	})
}

func (s *Server) records(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()

	limit := defaultRecordLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		if parsed > maxRecordLimit {
			parsed = maxRecordLimit
		}
		limit = parsed
	}

	records, err := s.store.StoredRecords(ctx, r.URL.Query().Get("account"))
	if err != nil {
		s.logger.Error("list records failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list records")
		return
	}
	if len(records) > limit {
		records = records[:limit]
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
