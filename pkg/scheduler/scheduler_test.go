package scheduler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"stackforge/pkg/llmgateway"
	"stackforge/pkg/orchestrator"
	"stackforge/pkg/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scheduler.db")
	s, err := store.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

type fakeChatClient struct{}

func (f *fakeChatClient) Chat(_ context.Context, _ llmgateway.ChatRequest) (llmgateway.ChatResponse, error) {
	return llmgateway.ChatResponse{Content: `{"thinking":"idle","actions":[]}`}, nil
}

func TestDueForCycleWhenNoPriorExecution(t *testing.T) {
	s := newTestStore(t)
	stack, err := s.CreateStack("team-a")
	require.NoError(t, err)

	sched := New(s, orchestrator.New(s, &fakeChatClient{}), 2)
	require.True(t, sched.dueForCycle(stack.ID))
}

func TestDueForCycleWhenPriorCompleted(t *testing.T) {
	s := newTestStore(t)
	stack, err := s.CreateStack("team-b")
	require.NoError(t, err)
	exec, err := s.TryAcquireExecutionLease(stack.ID)
	require.NoError(t, err)
	require.NoError(t, s.FinalizeExecution(exec.ID, store.ExecCompleted, "continue", "", nil, 0, nil))

	sched := New(s, orchestrator.New(s, &fakeChatClient{}), 2)
	require.True(t, sched.dueForCycle(stack.ID))
}

func TestDueForCycleFalseWhileStillRunningAndFresh(t *testing.T) {
	s := newTestStore(t)
	stack, err := s.CreateStack("team-c")
	require.NoError(t, err)
	_, err = s.TryAcquireExecutionLease(stack.ID)
	require.NoError(t, err)

	sched := New(s, orchestrator.New(s, &fakeChatClient{}), 2)
	require.False(t, sched.dueForCycle(stack.ID))
}

func TestTickEnqueuesOnlyRunningDueStacks(t *testing.T) {
	s := newTestStore(t)
	runningStack, err := s.CreateStack("team-d")
	require.NoError(t, err)
	require.NoError(t, s.UpdateStackExecutionState(runningStack.ID, store.StackRunning))

	idleStack, err := s.CreateStack("team-e")
	require.NoError(t, err)
	require.NoError(t, s.UpdateStackExecutionState(idleStack.ID, store.StackIdle))

	sched := New(s, orchestrator.New(s, &fakeChatClient{}), 2)
	sched.tick()

	select {
	case id := <-sched.workCh:
		require.Equal(t, runningStack.ID, id)
	case <-time.After(time.Second):
		t.Fatal("expected the running stack to be enqueued")
	}

	select {
	case id := <-sched.workCh:
		t.Fatalf("unexpected second enqueue: %s", id)
	default:
	}
}

func TestStartAndStopDrainsCleanly(t *testing.T) {
	s := newTestStore(t)
	stack, err := s.CreateStack("team-f")
	require.NoError(t, err)
	require.NoError(t, s.UpdateStackExecutionState(stack.ID, store.StackRunning))

	sched := New(s, orchestrator.New(s, &fakeChatClient{}), 2)
	require.NoError(t, sched.Start(context.Background()))

	sched.workCh <- stack.ID

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, sched.Stop(stopCtx))
}
