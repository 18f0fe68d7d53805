package wshub

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// HandlePoll answers GET /stacks/{stackID}/poll with the latest traces and
// executions, tagged with an ETag derived from their content. A client
// sending that ETag back as If-None-Match gets a 304 with an empty body
// when nothing has changed since its last poll, instead of re-downloading
// the same rows every interval.
func (h *Hub) HandlePoll(w http.ResponseWriter, r *http.Request) {
	stackID := chi.URLParam(r, "stackID")

	traces, err := h.store.RecentTraces(stackID, tracePageSize)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	execs, err := h.store.RecentExecutions(stackID, execPageSize)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	body, err := json.Marshal(struct {
		Traces     any `json:"traces"`
		Executions any `json:"executions"`
	}{traces, execs})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	etag := etagFor(body)
	if match := r.Header.Get("If-None-Match"); match != "" && match == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	w.Header().Set("ETag", etag)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func etagFor(body []byte) string {
	sum := sha1.Sum(body)
	return fmt.Sprintf(`"%s"`, hex.EncodeToString(sum[:]))
}
