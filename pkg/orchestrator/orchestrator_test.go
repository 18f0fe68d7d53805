package orchestrator

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"stackforge/pkg/llmgateway"
	"stackforge/pkg/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "orchestrator.db")
	s, err := store.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

type fakeChatClient struct {
	responses []string
	calls     int
}

func (f *fakeChatClient) Chat(_ context.Context, _ llmgateway.ChatRequest) (llmgateway.ChatResponse, error) {
	if f.calls >= len(f.responses) {
		return llmgateway.ChatResponse{Content: `{"thinking":"idle","actions":[]}`}, nil
	}
	resp := f.responses[f.calls]
	f.calls++
	return llmgateway.ChatResponse{Content: resp, Provider: "fake"}, nil
}

func TestCycleStopsWhenStackNotRunning(t *testing.T) {
	s := newTestStore(t)
	stack, err := s.CreateStack("team-a")
	require.NoError(t, err)
	require.NoError(t, s.UpdateStackExecutionState(stack.ID, store.StackStopped))

	o := New(s, &fakeChatClient{})
	decision, err := o.Cycle(context.Background(), stack.ID)
	require.NoError(t, err)
	require.Equal(t, ActionStop, decision.Action)
}

func TestCyclePausesWhenNoAgentHasWork(t *testing.T) {
	s := newTestStore(t)
	stack, err := s.CreateStack("team-b")
	require.NoError(t, err)
	require.NoError(t, s.UpdateStackExecutionState(stack.ID, store.StackRunning))
	_, err = s.UpsertProjectIdea(stack.ID, "Demo", "a demo project", "active")
	require.NoError(t, err)
	// priority 0 keeps this todo "pending" for Planner's anyPendingTodo
	// check (so Planner doesn't flag "no pending todos") while being
	// invisible to Builder's priority > 0 filter (so Builder sees no work).
	_, err = s.CreateTodo(stack.ID, "deferred todo", 0, "planner")
	require.NoError(t, err)

	now := time.Now().UTC()
	plannerState, err := s.GetAgentState(stack.ID, store.AgentPlanner)
	require.NoError(t, err)
	plannerState.Planner.LastPlanningTime = now
	require.NoError(t, s.UpsertAgentState(plannerState))

	reviewerState, err := s.GetAgentState(stack.ID, store.AgentReviewer)
	require.NoError(t, err)
	reviewerState.Reviewer.LastReviewTime = now
	require.NoError(t, s.UpsertAgentState(reviewerState))

	o := New(s, &fakeChatClient{})
	decision, err := o.Cycle(context.Background(), stack.ID)
	require.NoError(t, err)
	require.Equal(t, ActionPause, decision.Action)
	require.Equal(t, "no agent has work", decision.Reason)
}

func TestCycleRunsPlannerColdStartAndContinues(t *testing.T) {
	s := newTestStore(t)
	stack, err := s.CreateStack("team-c")
	require.NoError(t, err)
	require.NoError(t, s.UpdateStackExecutionState(stack.ID, store.StackRunning))

	fake := &fakeChatClient{responses: []string{
		`{"thinking":"cold start","actions":[{"type":"update_project","title":"Demo","description":"desc"},{"type":"create_todo","content":"first todo","priority":5}]}`,
	}}
	o := New(s, fake)
	decision, err := o.Cycle(context.Background(), stack.ID)
	require.NoError(t, err)
	require.Equal(t, ActionContinue, decision.Action)
	require.Contains(t, decision.AgentsRun, store.AgentPlanner)

	exec, err := s.LatestExecution(stack.ID)
	require.NoError(t, err)
	require.Equal(t, store.ExecCompleted, exec.Status)
}

func TestCycleSecondConcurrentCallIsRejected(t *testing.T) {
	s := newTestStore(t)
	stack, err := s.CreateStack("team-d")
	require.NoError(t, err)
	require.NoError(t, s.UpdateStackExecutionState(stack.ID, store.StackRunning))

	_, err = s.TryAcquireExecutionLease(stack.ID)
	require.NoError(t, err)

	o := New(s, &fakeChatClient{})
	_, err = o.Cycle(context.Background(), stack.ID)
	require.ErrorIs(t, err, store.ErrConflictRetry)
}

