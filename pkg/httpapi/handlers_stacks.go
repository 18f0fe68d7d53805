package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"stackforge/pkg/store"
)

const defaultListLimit = 50

type createStackRequest struct {
	ParticipantName string `json:"participantName"`
}

func (s *Server) handleCreateStack(w http.ResponseWriter, r *http.Request) {
	var req createStackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ParticipantName == "" {
		writeError(w, http.StatusBadRequest, "participantName is required")
		return
	}

	stack, err := s.store.CreateStack(req.ParticipantName)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, stack)
}

func (s *Server) handleListStacks(w http.ResponseWriter, r *http.Request) {
	state := store.ExecutionState(r.URL.Query().Get("state"))
	stacks, err := s.store.ListStacks(state)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stacks)
}

func (s *Server) handleGetStack(w http.ResponseWriter, r *http.Request) {
	stack, err := s.loadStack(w, r)
	if err != nil {
		return
	}
	writeJSON(w, http.StatusOK, stack)
}

func (s *Server) handleDeleteStack(w http.ResponseWriter, r *http.Request) {
	stackID := chi.URLParam(r, "stackID")
	if err := s.store.DeleteStack(stackID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "stack not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, store.StackRunning)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, store.StackRunning)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, store.StackPaused)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, store.StackStopped)
}

func (s *Server) transition(w http.ResponseWriter, r *http.Request, target store.ExecutionState) {
	stack, err := s.loadStack(w, r)
	if err != nil {
		return
	}
	if err := s.store.UpdateStackExecutionState(stack.ID, target); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	stack.ExecutionState = target
	writeJSON(w, http.StatusOK, stack)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	stack, err := s.loadStack(w, r)
	if err != nil {
		return
	}
	exec, err := s.store.LatestExecution(stack.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"stack":           stack,
		"latestExecution": exec,
	})
}

func (s *Server) handleTraces(w http.ResponseWriter, r *http.Request) {
	stackID := chi.URLParam(r, "stackID")
	traces, err := s.store.RecentTraces(stackID, limitParam(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, traces)
}

func (s *Server) handleExecutions(w http.ResponseWriter, r *http.Request) {
	stackID := chi.URLParam(r, "stackID")
	execs, err := s.store.RecentExecutions(stackID, limitParam(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, execs)
}

func (s *Server) handleGraphs(w http.ResponseWriter, r *http.Request) {
	stackID := chi.URLParam(r, "stackID")
	graphs, err := s.store.RecentExecutionGraphs(stackID, limitParam(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, graphs)
}

func (s *Server) handleWorkDetection(w http.ResponseWriter, r *http.Request) {
	stackID := chi.URLParam(r, "stackID")
	cached, err := s.store.GetWorkDetectionCache(stackID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, http.StatusOK, map[string]any{"cached": false})
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cached": true, "entries": cached.Entries, "computedAt": cached.ComputedAt, "validUntil": cached.ValidUntil})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stackID := chi.URLParam(r, "stackID")
	cutoff := statsSince(r.URL.Query().Get("since"))

	if s.metricsQuery != nil {
		stats, err := s.metricsQuery.GetStackMetrics(r.Context(), stackID, cutoff)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, stats)
		return
	}

	stats, err := s.store.GetOrchestrationStats(stackID, cutoff)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) loadStack(w http.ResponseWriter, r *http.Request) (*store.Stack, error) {
	stackID := chi.URLParam(r, "stackID")
	stack, err := s.store.GetStack(stackID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "stack not found")
		} else {
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return nil, err
	}
	return stack, nil
}

func limitParam(r *http.Request) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultListLimit
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return defaultListLimit
	}
	return n
}
