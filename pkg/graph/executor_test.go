package graph

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"stackforge/pkg/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "graph.db")
	s, err := store.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

type fakeRunner struct {
	err   error
	calls int
}

func (r *fakeRunner) Run(_ context.Context, _ string, _ string) error {
	r.calls++
	return r.err
}

func TestExecutorRunsWaveConcurrentlyAndMarksAgentStates(t *testing.T) {
	s := newTestStore(t)
	stack, err := s.CreateStack("team-a")
	require.NoError(t, err)

	g := Build(map[store.AgentType]store.WorkEntry{
		store.AgentPlanner:      {HasWork: true, Priority: 10, Reason: "no idea"},
		store.AgentCommunicator: {HasWork: true, Priority: 10, Reason: "visitor message"},
	})

	plannerRunner := &fakeRunner{}
	commsRunner := &fakeRunner{}
	runners := map[store.AgentType]Runner{
		store.AgentPlanner:      plannerRunner,
		store.AgentCommunicator: commsRunner,
	}

	exec := NewExecutor(s)
	analysis := exec.Run(context.Background(), stack.ID, g, runners)

	require.Equal(t, 2, analysis.SuccessCount)
	require.Equal(t, 0, analysis.FailureCount)
	require.Equal(t, 1, analysis.Waves)
	require.Equal(t, 1, plannerRunner.calls)
	require.Equal(t, 1, commsRunner.calls)

	as, err := s.GetAgentState(stack.ID, store.AgentPlanner)
	require.NoError(t, err)
	require.Equal(t, store.AgentIdle, as.ExecutionState)
	require.Empty(t, as.CurrentWork)
}

func TestExecutorRecordsFailureWithoutCancelingSiblings(t *testing.T) {
	s := newTestStore(t)
	stack, err := s.CreateStack("team-b")
	require.NoError(t, err)

	g := Build(map[store.AgentType]store.WorkEntry{
		store.AgentBuilder:  {HasWork: true, Priority: 8, Reason: "pending todo"},
		store.AgentReviewer: {HasWork: true, Priority: 6, Reason: "new artifact"},
	})

	failingBuilder := &fakeRunner{err: errors.New("llm unavailable")}
	okReviewer := &fakeRunner{}
	runners := map[store.AgentType]Runner{
		store.AgentBuilder:  failingBuilder,
		store.AgentReviewer: okReviewer,
	}

	exec := NewExecutor(s)
	analysis := exec.Run(context.Background(), stack.ID, g, runners)

	require.Equal(t, 1, analysis.SuccessCount)
	require.Equal(t, 1, analysis.FailureCount)
	// builder -> reviewer edge means two waves even though builder failed;
	// the later wave still ran.
	require.Equal(t, 2, analysis.Waves)
	require.Equal(t, 1, okReviewer.calls)

	builderState, err := s.GetAgentState(stack.ID, store.AgentBuilder)
	require.NoError(t, err)
	require.Equal(t, store.AgentError, builderState.ExecutionState)
}

func TestExecutorSkipsNodesWithNoRunnerRegistered(t *testing.T) {
	s := newTestStore(t)
	stack, err := s.CreateStack("team-c")
	require.NoError(t, err)

	g := Build(map[store.AgentType]store.WorkEntry{
		store.AgentPlanner: {HasWork: true, Priority: 10, Reason: "no idea"},
	})

	exec := NewExecutor(s)
	analysis := exec.Run(context.Background(), stack.ID, g, map[store.AgentType]Runner{})

	require.Equal(t, 0, analysis.SuccessCount)
	require.Equal(t, 0, analysis.FailureCount)
	require.Len(t, analysis.Results, 1)
	require.Equal(t, OutcomeSkipped, analysis.Results[0].Outcome)
}
