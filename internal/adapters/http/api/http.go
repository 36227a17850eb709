// Package api is the local development shim in front of the telemetry core:
// it accepts event batches over HTTP and exposes results, counters and
// Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/okian/healstats/internal/domain/model"
)

// Dependencies required by HTTP handlers. Using an interface bundle keeps
// the handler layer loosely coupled to implementations in other packages.
type Dependencies interface {
	EventSubmitter
	ResultsReader
	StatsProvider
}

// EventSubmitter hands events to the core. It never fails; rejected events
// are counted by the core.
type EventSubmitter interface {
	SubmitBatch(ctx context.Context, evs []model.SkillEvent)
}

// ResultsReader exposes recently finalized encounters.
type ResultsReader interface {
	// Recent returns up to n results, newest first.
	Recent(n int) []model.Result
	// Result looks one encounter up by id.
	Result(encounterID string) (model.Result, bool)
}

// Server wires HTTP routes for the shim.
type Server struct {
	healthHandler  *HealthHandler
	statsHandler   *StatsHandler
	eventsHandler  *EventsHandler
	resultsHandler *ResultsHandler
}

// NewServer creates a new API server with all handlers.
func NewServer(deps Dependencies, opts ...Option) *Server {
	cfg := defaultOptions()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Server{
		healthHandler:  NewHealthHandler(),
		statsHandler:   NewStatsHandler(deps),
		eventsHandler:  NewEventsHandler(deps, cfg.maxBodyBytes),
		resultsHandler: NewResultsHandler(deps, cfg.maxResults),
	}
}

// Register attaches all HTTP routes to mux.
func (s *Server) Register(_ context.Context, mux *http.ServeMux) {
	mux.HandleFunc("/healthz", MetricsMiddleware(s.healthHandler.HandleHealth, "healthz"))
	mux.Handle("/metrics", s.healthHandler.MetricsHandler())
	mux.HandleFunc("/stats", MetricsMiddleware(s.statsHandler.HandleStats, "stats"))
	mux.HandleFunc("/events", MetricsMiddleware(s.eventsHandler.HandlePostEvents, "events"))
	mux.HandleFunc("/results", MetricsMiddleware(s.resultsHandler.HandleGetResults, "results"))
	mux.HandleFunc("/results/", MetricsMiddleware(s.resultsHandler.HandleGetResult, "result"))
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string, err error) {
	msg := http.StatusText(status)
	if err != nil {
		msg = err.Error()
	}
	writeJSON(w, status, errorResponse{Code: code, Message: msg})
}
