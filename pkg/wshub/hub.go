// Package wshub streams new AgentTrace and OrchestratorExecution rows to
// subscribed browser tabs over gorilla/websocket, the concrete realization
// of Design Note §9's "reactive subscriptions become a push layer"
// guidance. A polling HTTP endpoint answers the same underlying query for
// clients that can't hold a WS connection open.
//
// Grounded on the retrieval pack's codeready-toolchain-tarsy
// pkg/api/websocket.go: an Upgrader, a register/unregister/broadcast
// channel trio serialized through one Run loop, and a background
// goroutine reading (and discarding, except for ping/pong) client frames
// so a dropped TCP connection is noticed. Adapted from tarsy's single
// global client set to one set per stackID, since each browser tab
// subscribes to exactly one stack's stream, and from push-on-write to
// poll-and-diff, since nothing upstream of this package currently calls
// back into it on every store write.
package wshub

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"stackforge/pkg/logx"
	"stackforge/pkg/store"
)

const (
	pollInterval  = 500 * time.Millisecond
	tracePageSize = 20
	execPageSize  = 10
)

// Event is one update pushed to subscribers of a stack's stream.
type Event struct {
	Type  string                       `json:"type"` // "trace" | "execution"
	Trace *store.AgentTrace            `json:"trace,omitempty"`
	Exec  *store.OrchestratorExecution `json:"execution,omitempty"`
}

// Hub tracks, per stack, the set of connections subscribed to its stream.
// One goroutine per subscribed stack polls the store for rows newer than
// the last one it has seen and fans them out; the last subscriber leaving
// stops that stack's poller.
type Hub struct {
	store  *store.Store
	logger *logx.Logger

	register   chan subscription
	unregister chan subscription

	mu      sync.Mutex
	clients map[string]map[*websocket.Conn]bool
	stopCh  map[string]chan struct{}
}

type subscription struct {
	stackID string
	conn    *websocket.Conn
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// New builds a Hub backed by s. Call Run in its own goroutine before
// serving HandleStream.
func New(s *store.Store) *Hub {
	return &Hub{
		store:      s,
		logger:     logx.NewLogger("wshub"),
		register:   make(chan subscription),
		unregister: make(chan subscription),
		clients:    make(map[string]map[*websocket.Conn]bool),
		stopCh:     make(map[string]chan struct{}),
	}
}

// Run serializes registration and teardown. It returns when ctx is done.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for stackID, stop := range h.stopCh {
				close(stop)
				delete(h.stopCh, stackID)
			}
			h.mu.Unlock()
			return

		case sub := <-h.register:
			h.mu.Lock()
			if h.clients[sub.stackID] == nil {
				h.clients[sub.stackID] = make(map[*websocket.Conn]bool)
			}
			first := len(h.clients[sub.stackID]) == 0
			h.clients[sub.stackID][sub.conn] = true
			if first {
				stop := make(chan struct{})
				h.stopCh[sub.stackID] = stop
				go h.pollStack(ctx, sub.stackID, stop)
			}
			h.mu.Unlock()

		case sub := <-h.unregister:
			h.mu.Lock()
			if conns, ok := h.clients[sub.stackID]; ok {
				delete(conns, sub.conn)
				if len(conns) == 0 {
					delete(h.clients, sub.stackID)
					if stop, ok := h.stopCh[sub.stackID]; ok {
						close(stop)
						delete(h.stopCh, sub.stackID)
					}
				}
			}
			h.mu.Unlock()
			_ = sub.conn.Close()
		}
	}
}

// pollStack re-reads stackID's most recent traces/executions every
// pollInterval and broadcasts rows newer than the last one already sent,
// until stop closes or ctx is done.
func (h *Hub) pollStack(ctx context.Context, stackID string, stop chan struct{}) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	var lastTraceID, lastExecID string

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			lastTraceID = h.broadcastNewTraces(stackID, lastTraceID)
			lastExecID = h.broadcastNewExecutions(stackID, lastExecID)
		}
	}
}

func (h *Hub) broadcastNewTraces(stackID, lastSeenID string) string {
	traces, err := h.store.RecentTraces(stackID, tracePageSize)
	if err != nil {
		h.logger.Warn("poll traces for %s: %v", stackID, err)
		return lastSeenID
	}
	if len(traces) == 0 {
		return lastSeenID
	}
	newest := traces[0].ID
	for i := len(traces) - 1; i >= 0; i-- {
		if lastSeenID != "" && traces[i].ID <= lastSeenID {
			continue
		}
		h.broadcast(stackID, Event{Type: "trace", Trace: traces[i]})
	}
	return newest
}

func (h *Hub) broadcastNewExecutions(stackID, lastSeenID string) string {
	execs, err := h.store.RecentExecutions(stackID, execPageSize)
	if err != nil {
		h.logger.Warn("poll executions for %s: %v", stackID, err)
		return lastSeenID
	}
	if len(execs) == 0 {
		return lastSeenID
	}
	newest := execs[0].ID
	for i := len(execs) - 1; i >= 0; i-- {
		if lastSeenID != "" && execs[i].ID <= lastSeenID {
			continue
		}
		h.broadcast(stackID, Event{Type: "execution", Exec: execs[i]})
	}
	return newest
}

func (h *Hub) broadcast(stackID string, evt Event) {
	h.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.clients[stackID]))
	for c := range h.clients[stackID] {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, conn := range conns {
		if err := conn.WriteJSON(evt); err != nil {
			h.logger.Warn("write to subscriber of %s: %v", stackID, err)
			h.unregister <- subscription{stackID: stackID, conn: conn}
		}
	}
}

// HandleStream upgrades GET /stacks/{stackID}/stream to a WebSocket and
// subscribes the connection to that stack's events until it disconnects.
func (h *Hub) HandleStream(w http.ResponseWriter, r *http.Request) {
	stackID := chi.URLParam(r, "stackID")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade for %s: %v", stackID, err)
		return
	}
	h.register <- subscription{stackID: stackID, conn: conn}

	// Read loop: discard client frames (pings/keepalive), exit on close so
	// unregister fires promptly instead of waiting for a failed write.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			h.unregister <- subscription{stackID: stackID, conn: conn}
			return
		}
	}
}
