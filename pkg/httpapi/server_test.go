package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"stackforge/pkg/llmgateway"
	"stackforge/pkg/orchestrator"
	"stackforge/pkg/store"
)

type fakeChatClient struct{}

func (f *fakeChatClient) Chat(_ context.Context, _ llmgateway.ChatRequest) (llmgateway.ChatResponse, error) {
	return llmgateway.ChatResponse{Content: `{"thinking":"idle","actions":[]}`}, nil
}

func newTestServer(t *testing.T) (*Server, *store.Store) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "httpapi.db")
	s, err := store.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return New(s, orchestrator.New(s, &fakeChatClient{}), nil), s
}

func doJSON(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doJSON(t, srv, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestCreateAndGetStack(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/stacks", createStackRequest{ParticipantName: "team-a"})
	require.Equal(t, http.StatusCreated, rec.Code)

	var created store.Stack
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.Equal(t, "team-a", created.ParticipantName)
	require.Equal(t, store.StackIdle, created.ExecutionState)

	rec = doJSON(t, srv, http.MethodGet, "/stacks/"+created.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var fetched store.Stack
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &fetched))
	require.Equal(t, created.ID, fetched.ID)
}

func TestCreateStackRejectsEmptyName(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doJSON(t, srv, http.MethodPost, "/stacks", createStackRequest{})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetStackNotFound(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doJSON(t, srv, http.MethodGet, "/stacks/does-not-exist", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStartPauseStopLifecycle(t *testing.T) {
	srv, s := newTestServer(t)
	stack, err := s.CreateStack("team-b")
	require.NoError(t, err)

	rec := doJSON(t, srv, http.MethodPost, "/stacks/"+stack.ID+"/start", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	reloaded, err := s.GetStack(stack.ID)
	require.NoError(t, err)
	require.Equal(t, store.StackRunning, reloaded.ExecutionState)

	rec = doJSON(t, srv, http.MethodPost, "/stacks/"+stack.ID+"/pause", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	reloaded, err = s.GetStack(stack.ID)
	require.NoError(t, err)
	require.Equal(t, store.StackPaused, reloaded.ExecutionState)

	rec = doJSON(t, srv, http.MethodPost, "/stacks/"+stack.ID+"/stop", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	reloaded, err = s.GetStack(stack.ID)
	require.NoError(t, err)
	require.Equal(t, store.StackStopped, reloaded.ExecutionState)
}

func TestDeleteStack(t *testing.T) {
	srv, s := newTestServer(t)
	stack, err := s.CreateStack("team-c")
	require.NoError(t, err)

	rec := doJSON(t, srv, http.MethodDelete, "/stacks/"+stack.ID, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	_, err = s.GetStack(stack.ID)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestTracesEmptyList(t *testing.T) {
	srv, s := newTestServer(t)
	stack, err := s.CreateStack("team-d")
	require.NoError(t, err)

	rec := doJSON(t, srv, http.MethodGet, "/stacks/"+stack.ID+"/traces", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var traces []store.AgentTrace
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &traces))
	require.Empty(t, traces)
}

func TestVisitorMessageRoundTrip(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/teams/team-e/messages", postMessageRequest{SenderName: "alice", Content: "how's it going?"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, srv, http.MethodGet, "/teams/team-e/messages", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var history []store.UserMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &history))
	require.Len(t, history, 1)
	require.Equal(t, "alice", history[0].SenderName)
}

func TestStatsOnEmptyStack(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doJSON(t, srv, http.MethodGet, "/stacks/any/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var stats store.OrchestrationStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	require.Equal(t, 0, stats.TotalCycles)
}
