package workdetect

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"stackforge/pkg/store"
)

func baseContext(now time.Time) WorkContext {
	return WorkContext{
		Stack:       store.Stack{ID: "stack-a"},
		ProjectIdea: &store.ProjectIdea{ID: "idea-1", Title: "X"},
		AgentStates: map[store.AgentType]store.AgentState{},
		Now:         now,
	}
}

func TestPlannerPriorityNoProjectIdea(t *testing.T) {
	ctx := baseContext(time.Now())
	ctx.ProjectIdea = nil

	status := Detect(ctx)
	require.True(t, status[store.AgentPlanner].HasWork)
	require.Equal(t, 10, status[store.AgentPlanner].Priority)
}

func TestPlannerPriorityNoPendingTodos(t *testing.T) {
	now := time.Now()
	ctx := baseContext(now)
	ctx.AgentStates[store.AgentPlanner] = store.AgentState{Planner: &store.PlannerMemory{LastPlanningTime: now}}

	status := Detect(ctx)
	require.True(t, status[store.AgentPlanner].HasWork)
	require.Equal(t, 9, status[store.AgentPlanner].Priority)
}

func TestPlannerPriorityReviewerRecommendations(t *testing.T) {
	now := time.Now()
	ctx := baseContext(now)
	ctx.Todos = []store.Todo{{ID: "t1", Status: store.TodoPending, Priority: 5}}
	ctx.AgentStates[store.AgentPlanner] = store.AgentState{
		Planner: &store.PlannerMemory{LastPlanningTime: now, ReviewerRecommendations: []string{"add tests"}},
	}

	status := Detect(ctx)
	require.True(t, status[store.AgentPlanner].HasWork)
	require.Equal(t, 8, status[store.AgentPlanner].Priority)
}

func TestPlannerPriorityStrategicUserMessage(t *testing.T) {
	now := time.Now()
	ctx := baseContext(now)
	ctx.Todos = []store.Todo{{ID: "t1", Status: store.TodoPending, Priority: 5}}
	ctx.AgentStates[store.AgentPlanner] = store.AgentState{Planner: &store.PlannerMemory{LastPlanningTime: now}}
	ctx.UnprocessedUserMessages = []store.UserMessage{{ID: "u1", Content: "can you add dark mode?"}}

	status := Detect(ctx)
	require.True(t, status[store.AgentPlanner].HasWork)
	require.Equal(t, 7, status[store.AgentPlanner].Priority)
}

func TestPlannerPriorityStaleCheckIn(t *testing.T) {
	now := time.Now()
	ctx := baseContext(now)
	ctx.Todos = []store.Todo{{ID: "t1", Status: store.TodoPending, Priority: 5}}
	ctx.AgentStates[store.AgentPlanner] = store.AgentState{
		Planner: &store.PlannerMemory{LastPlanningTime: now.Add(-10 * time.Minute)},
	}

	status := Detect(ctx)
	require.True(t, status[store.AgentPlanner].HasWork)
	require.Equal(t, 4, status[store.AgentPlanner].Priority)
}

func TestPlannerPriorityZeroWhenNothingDue(t *testing.T) {
	now := time.Now()
	ctx := baseContext(now)
	ctx.Todos = []store.Todo{{ID: "t1", Status: store.TodoPending, Priority: 5}}
	ctx.AgentStates[store.AgentPlanner] = store.AgentState{Planner: &store.PlannerMemory{LastPlanningTime: now}}

	status := Detect(ctx)
	require.False(t, status[store.AgentPlanner].HasWork)
	require.Equal(t, 0, status[store.AgentPlanner].Priority)
}

func TestBuilderPriorityScalesWithTodoPriority(t *testing.T) {
	now := time.Now()

	noTodos := baseContext(now)
	require.False(t, Detect(noTodos)[store.AgentBuilder].HasWork)

	lowPriority := baseContext(now)
	lowPriority.Todos = []store.Todo{{ID: "t1", Status: store.TodoPending, Priority: 1}}
	entry := Detect(lowPriority)[store.AgentBuilder]
	require.True(t, entry.HasWork)
	require.Equal(t, 6, entry.Priority)

	highPriority := baseContext(now)
	highPriority.Todos = []store.Todo{{ID: "t1", Status: store.TodoPending, Priority: 3}}
	entry = Detect(highPriority)[store.AgentBuilder]
	require.True(t, entry.HasWork)
	require.Equal(t, 8, entry.Priority)

	zeroPriorityOnly := baseContext(now)
	zeroPriorityOnly.Todos = []store.Todo{{ID: "t1", Status: store.TodoPending, Priority: 0}}
	require.False(t, Detect(zeroPriorityOnly)[store.AgentBuilder].HasWork)
}

func TestCommunicatorPrioritizesVisitorMessages(t *testing.T) {
	now := time.Now()
	ctx := baseContext(now)
	ctx.UnprocessedUserMessages = []store.UserMessage{{ID: "u1", Content: "hi"}}

	entry := Detect(ctx)[store.AgentCommunicator]
	require.True(t, entry.HasWork)
	require.Equal(t, 10, entry.Priority)
}

func TestCommunicatorDetectsUnreadInterStackMessage(t *testing.T) {
	now := time.Now()
	ctx := baseContext(now)
	other := "stack-b"
	ctx.UnreadMessages = []store.Message{{ID: "m1", FromStackID: &other, MessageType: store.MessageBroadcast, ReadBy: map[string]bool{}}}

	entry := Detect(ctx)[store.AgentCommunicator]
	require.True(t, entry.HasWork)
	require.Equal(t, 7, entry.Priority)
}

func TestCommunicatorIgnoresOwnMessages(t *testing.T) {
	now := time.Now()
	ctx := baseContext(now)
	self := ctx.Stack.ID
	ctx.UnreadMessages = []store.Message{{ID: "m1", FromStackID: &self, MessageType: store.MessageBroadcast, ReadBy: map[string]bool{}}}

	entry := Detect(ctx)[store.AgentCommunicator]
	require.False(t, entry.HasWork)
}

func TestReviewerPriorityFromCompletedTodos(t *testing.T) {
	now := time.Now()
	ctx := baseContext(now)
	completedAt := now.Add(-time.Minute)
	ctx.AgentStates[store.AgentReviewer] = store.AgentState{Reviewer: &store.ReviewerMemory{LastReviewTime: now.Add(-2 * time.Minute)}}
	ctx.Todos = []store.Todo{
		{ID: "t1", Status: store.TodoCompleted, CompletedAt: &completedAt},
		{ID: "t2", Status: store.TodoCompleted, CompletedAt: &completedAt},
	}

	entry := Detect(ctx)[store.AgentReviewer]
	require.True(t, entry.HasWork)
	require.Equal(t, 6, entry.Priority)
}

func TestReviewerPriorityFromNewArtifact(t *testing.T) {
	now := time.Now()
	ctx := baseContext(now)
	ctx.AgentStates[store.AgentReviewer] = store.AgentState{Reviewer: &store.ReviewerMemory{LastReviewTime: now.Add(-2 * time.Minute)}}
	ctx.LatestArtifact = &store.Artifact{ID: "a1", Version: 1, CreationTime: now.Add(-time.Minute)}

	entry := Detect(ctx)[store.AgentReviewer]
	require.True(t, entry.HasWork)
	require.Equal(t, 6, entry.Priority)
}

func TestReviewerPeriodicStaleness(t *testing.T) {
	now := time.Now()
	ctx := baseContext(now)
	ctx.AgentStates[store.AgentReviewer] = store.AgentState{Reviewer: &store.ReviewerMemory{LastReviewTime: now.Add(-10 * time.Minute)}}

	entry := Detect(ctx)[store.AgentReviewer]
	require.True(t, entry.HasWork)
	require.Equal(t, 4, entry.Priority)
}

func TestDetectIsDeterministicOverIdenticalSnapshot(t *testing.T) {
	now := time.Now()
	ctx := baseContext(now)
	ctx.Todos = []store.Todo{{ID: "t1", Status: store.TodoPending, Priority: 5}}

	first := Detect(ctx)
	second := Detect(ctx)
	require.Equal(t, first, second)
}

func TestWorkStatusMaxPriority(t *testing.T) {
	status := WorkStatus{
		store.AgentPlanner: {HasWork: true, Priority: 4},
		store.AgentBuilder: {HasWork: true, Priority: 8},
		store.AgentReviewer: {HasWork: false, Priority: 9},
	}
	require.Equal(t, 8, status.MaxPriority())
	require.True(t, status.HasAnyWork())
}
