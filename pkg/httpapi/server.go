// Package httpapi exposes the Admin RPC surface, the Observability RPCs,
// and visitor chat as HTTP/JSON endpoints over a chi.Router. Grounded on
// the retrieval pack's web/server.go (mammoth's unified chi router:
// chi.NewRouter, middleware.Recoverer, nested r.Route groups, plain
// http.Error/json.Encode handler bodies) — the teacher itself builds its
// dashboard on stdlib net/http and html/template instead of chi, so this
// package follows the pack's chi idiom rather than the teacher's.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"stackforge/pkg/logx"
	"stackforge/pkg/metrics"
	"stackforge/pkg/orchestrator"
	"stackforge/pkg/store"
)

// StreamHub supplies the WebSocket and ETag polling handlers for
// /stacks/{stackID}/stream and /stacks/{stackID}/poll. pkg/wshub.Hub
// satisfies this; it's accepted as an interface here so httpapi doesn't
// need to import gorilla/websocket itself, and so Server is usable
// (minus the stream routes) without a hub in tests.
type StreamHub interface {
	HandleStream(w http.ResponseWriter, r *http.Request)
	HandlePoll(w http.ResponseWriter, r *http.Request)
}

// MetricsQuery answers the /stats RPC from Prometheus instead of the
// store once one is attached. pkg/metrics.QueryService satisfies this;
// accepted as an interface so httpapi doesn't need the Prometheus HTTP
// API client as a direct dependency, and so Server's own tests can run
// with metricsQuery nil (falling back to Store.GetOrchestrationStats).
type MetricsQuery interface {
	GetStackMetrics(ctx context.Context, stackID string, since time.Time) (*metrics.StackMetrics, error)
}

// Server is the HTTP front for one Store/Orchestrator pair. It does not
// run cycles itself; starting/stopping a stack only flips its
// ExecutionState, which pkg/scheduler picks up on its next tick.
type Server struct {
	store        *store.Store
	orch         *orchestrator.Orchestrator
	hub          StreamHub
	metricsQuery MetricsQuery
	logger       *logx.Logger
	router       chi.Router
}

// New builds a Server with all routes registered. hub may be nil, in
// which case /stream and /poll are not mounted.
func New(s *store.Store, orch *orchestrator.Orchestrator, hub StreamHub) *Server {
	srv := &Server{
		store:  s,
		orch:   orch,
		hub:    hub,
		logger: logx.NewLogger("httpapi"),
	}
	srv.router = srv.buildRouter()
	return srv
}

// SetMetricsQuery attaches a Prometheus-backed MetricsQuery. Optional;
// /stats answers from the store until one is set.
func (s *Server) SetMetricsQuery(q MetricsQuery) {
	s.metricsQuery = q
}

// ServeHTTP lets Server itself be passed to http.ListenAndServe.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)

	r.Route("/stacks", func(r chi.Router) {
		r.Post("/", s.handleCreateStack)
		r.Get("/", s.handleListStacks)

		r.Route("/{stackID}", func(r chi.Router) {
			r.Get("/", s.handleGetStack)
			r.Delete("/", s.handleDeleteStack)

			r.Post("/start", s.handleStart)
			r.Post("/pause", s.handlePause)
			r.Post("/resume", s.handleResume)
			r.Post("/stop", s.handleStop)

			r.Get("/status", s.handleStatus)
			r.Get("/traces", s.handleTraces)
			r.Get("/executions", s.handleExecutions)
			r.Get("/graphs", s.handleGraphs)
			r.Get("/work-detection", s.handleWorkDetection)
			r.Get("/stats", s.handleStats)

			if s.hub != nil {
				r.Get("/stream", s.hub.HandleStream)
				r.Get("/poll", s.hub.HandlePoll)
			}
		})
	})

	r.Route("/teams/{teamID}", func(r chi.Router) {
		r.Post("/messages", s.handlePostMessage)
		r.Get("/messages", s.handleListMessages)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	http.Error(w, msg, status)
}

const defaultStatsWindow = 24 * time.Hour

// statsSince parses an RFC3339 "since" query parameter, falling back to a
// rolling defaultStatsWindow when absent or unparsable.
func statsSince(raw string) time.Time {
	if raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			return t
		}
	}
	return time.Now().UTC().Add(-defaultStatsWindow)
}
