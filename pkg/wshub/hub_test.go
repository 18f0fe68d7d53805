package wshub

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"stackforge/pkg/store"
)

func httpGet(url string) (*http.Response, error) {
	return http.Get(url)
}

func httpGetWithETag(url, etag string) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("If-None-Match", etag)
	return http.DefaultClient.Do(req)
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "wshub.db")
	s, err := store.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestServer(t *testing.T, h *Hub) *httptest.Server {
	t.Helper()
	r := chi.NewRouter()
	r.Get("/stacks/{stackID}/stream", h.HandleStream)
	r.Get("/stacks/{stackID}/poll", h.HandlePoll)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func dialStream(t *testing.T, srv *httptest.Server, stackID string) *websocket.Conn {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	u.Scheme = "ws"
	u.Path = "/stacks/" + stackID + "/stream"

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestStreamDeliversNewTrace(t *testing.T) {
	s := newTestStore(t)
	stack, err := s.CreateStack("team-a")
	require.NoError(t, err)

	h := New(s)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	srv := newTestServer(t, h)
	conn := dialStream(t, srv, stack.ID)

	// Give the hub a moment to register the connection before writing.
	time.Sleep(50 * time.Millisecond)

	_, err = s.RecordTrace(stack.ID, store.AgentPlanner, "thinking", "create_todo", "ok")
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var evt Event
	require.NoError(t, conn.ReadJSON(&evt))
	require.Equal(t, "trace", evt.Type)
	require.NotNil(t, evt.Trace)
	require.Equal(t, store.AgentPlanner, evt.Trace.AgentType)
}

func TestPollReturnsNotModifiedWhenUnchanged(t *testing.T) {
	s := newTestStore(t)
	stack, err := s.CreateStack("team-b")
	require.NoError(t, err)

	h := New(s)
	srv := newTestServer(t, h)

	resp, err := httpGet(srv.URL + "/stacks/" + stack.ID + "/poll")
	require.NoError(t, err)
	require.Equal(t, 200, resp.StatusCode)
	etag := resp.Header.Get("ETag")
	require.NotEmpty(t, etag)
	_ = resp.Body.Close()

	resp2, err := httpGetWithETag(srv.URL+"/stacks/"+stack.ID+"/poll", etag)
	require.NoError(t, err)
	require.Equal(t, 304, resp2.StatusCode)
	_ = resp2.Body.Close()
}
