package runner

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"stackforge/pkg/llmgateway"
	"stackforge/pkg/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "runner.db")
	s, err := store.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// fakeChatClient is a controllable ChatClient fake, modeled on the
// teacher's MockLLMClient: a queue of canned JSON responses returned in
// order, or an error if the queue is exhausted.
type fakeChatClient struct {
	responses []string
	calls     int
}

func (f *fakeChatClient) Chat(_ context.Context, _ llmgateway.ChatRequest) (llmgateway.ChatResponse, error) {
	if f.calls >= len(f.responses) {
		return llmgateway.ChatResponse{}, errors.New("fakeChatClient: no more canned responses")
	}
	resp := f.responses[f.calls]
	f.calls++
	return llmgateway.ChatResponse{Content: resp, Provider: "fake"}, nil
}

func TestPlannerCreatesProjectAndTodoOnColdStart(t *testing.T) {
	s := newTestStore(t)
	stack, err := s.CreateStack("team-a")
	require.NoError(t, err)

	fake := &fakeChatClient{responses: []string{
		`{"thinking":"cold start","actions":[
			{"type":"update_project","title":"Demo App","description":"A demo"},
			{"type":"create_todo","content":"build landing page","priority":5}
		]}`,
	}}
	r := &PlannerRunner{Deps: Deps{Store: s, Gateway: fake}}

	require.NoError(t, r.Run(context.Background(), stack.ID, "no project idea yet"))

	idea, err := s.GetProjectIdea(stack.ID)
	require.NoError(t, err)
	require.Equal(t, "Demo App", idea.Title)

	todos, err := s.ListTodosByStack(stack.ID, "")
	require.NoError(t, err)
	require.Len(t, todos, 1)
	require.Equal(t, "build landing page", todos[0].Content)

	traces, err := s.RecentTraces(stack.ID, 10)
	require.NoError(t, err)
	require.Len(t, traces, 1)
	require.Equal(t, store.AgentPlanner, traces[0].AgentType)
}

func TestPlannerClearAllTodosThenCreateLeavesOnlyNewOnes(t *testing.T) {
	s := newTestStore(t)
	stack, err := s.CreateStack("team-b")
	require.NoError(t, err)
	_, err = s.CreateTodo(stack.ID, "stale todo", 3, "planner")
	require.NoError(t, err)

	fake := &fakeChatClient{responses: []string{
		`{"thinking":"replanning","actions":[
			{"type":"clear_all_todos"},
			{"type":"create_todo","content":"fresh todo","priority":4}
		]}`,
	}}
	r := &PlannerRunner{Deps: Deps{Store: s, Gateway: fake}}

	require.NoError(t, r.Run(context.Background(), stack.ID, "no pending todos"))

	todos, err := s.ListTodosByStack(stack.ID, "")
	require.NoError(t, err)
	require.Len(t, todos, 1)
	require.Equal(t, "fresh todo", todos[0].Content)
}

func TestBuilderCompletesTodoAndCreatesArtifact(t *testing.T) {
	s := newTestStore(t)
	stack, err := s.CreateStack("team-c")
	require.NoError(t, err)
	todo, err := s.CreateTodo(stack.ID, "build landing page", 5, "planner")
	require.NoError(t, err)

	fake := &fakeChatClient{responses: []string{
		`{"thinking":"building","results":{"artifact":"<html>hi</html>"}}`,
	}}
	r := &BuilderRunner{Deps: Deps{Store: s, Gateway: fake}}

	require.NoError(t, r.Run(context.Background(), stack.ID, "high priority todo pending"))

	artifact, err := s.LatestArtifact(stack.ID)
	require.NoError(t, err)
	require.Equal(t, 1, artifact.Version)
	require.Equal(t, "<html>hi</html>", artifact.Content)

	todos, err := s.ListTodosByStack(stack.ID, store.TodoCompleted)
	require.NoError(t, err)
	require.Len(t, todos, 1)
	require.Equal(t, todo.ID, todos[0].ID)
	require.NotNil(t, todos[0].CompletedAt)
}

func TestBuilderLeavesTodoInProgressWhenNoArtifactProduced(t *testing.T) {
	s := newTestStore(t)
	stack, err := s.CreateStack("team-d")
	require.NoError(t, err)
	_, err = s.CreateTodo(stack.ID, "investigate flaky build", 5, "planner")
	require.NoError(t, err)

	fake := &fakeChatClient{responses: []string{
		`{"thinking":"stuck","results":{"artifact":""}}`,
	}}
	r := &BuilderRunner{Deps: Deps{Store: s, Gateway: fake}}

	require.NoError(t, r.Run(context.Background(), stack.ID, "high priority todo pending"))

	todos, err := s.ListTodosByStack(stack.ID, store.TodoInProgress)
	require.NoError(t, err)
	require.Len(t, todos, 1)

	_, err = s.LatestArtifact(stack.ID)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestCommunicatorAnswersVisitorAndMarksProcessed(t *testing.T) {
	s := newTestStore(t)
	stack, err := s.CreateStack("team-e")
	require.NoError(t, err)
	_, err = s.CreateUserMessage(stack.ID, "Alice", "can you add dark mode?")
	require.NoError(t, err)

	fake := &fakeChatClient{responses: []string{
		`{"thinking":"answering visitor","results":{"message":"Sure, dark mode is on the list!","type":"direct"}}`,
	}}
	r := &CommunicatorRunner{Deps: Deps{Store: s, Gateway: fake}}

	require.NoError(t, r.Run(context.Background(), stack.ID, "unprocessed visitor message"))

	chat, err := s.ListChatHistory(stack.ID, 10)
	require.NoError(t, err)
	require.Len(t, chat, 1)
	require.True(t, chat[0].Processed)
	require.NotNil(t, chat[0].ResponseID)
}

func TestReviewerSkipsWhenArtifactAlreadyReviewed(t *testing.T) {
	s := newTestStore(t)
	stack, err := s.CreateStack("team-f")
	require.NoError(t, err)
	_, err = s.CreateArtifact(stack.ID, "html", "<html></html>", "builder", nil)
	require.NoError(t, err)

	as, err := s.GetAgentState(stack.ID, store.AgentReviewer)
	require.NoError(t, err)
	as.Reviewer.LastReviewedVersion = 1
	as.Reviewer.LastReviewTime = time.Now().UTC()
	require.NoError(t, s.UpsertAgentState(as))

	fake := &fakeChatClient{}
	r := &ReviewerRunner{Deps: Deps{Store: s, Gateway: fake}}

	require.NoError(t, r.Run(context.Background(), stack.ID, "periodic review"))
	require.Equal(t, 0, fake.calls)
}

func TestReviewerHandsRecommendationsToPlanner(t *testing.T) {
	s := newTestStore(t)
	stack, err := s.CreateStack("team-g")
	require.NoError(t, err)
	_, err = s.CreateArtifact(stack.ID, "html", "<html></html>", "builder", nil)
	require.NoError(t, err)

	fake := &fakeChatClient{responses: []string{
		`{"thinking":"reviewing","results":{"recommendations":["add footer","fix contrast"],"issues":[{"severity":"minor","description":"missing alt text"}]}}`,
	}}
	r := &ReviewerRunner{Deps: Deps{Store: s, Gateway: fake}}

	require.NoError(t, r.Run(context.Background(), stack.ID, "new artifact since last review"))

	plannerState, err := s.GetAgentState(stack.ID, store.AgentPlanner)
	require.NoError(t, err)
	require.Equal(t, []string{"add footer", "fix contrast"}, plannerState.Planner.ReviewerRecommendations)

	reviewerState, err := s.GetAgentState(stack.ID, store.AgentReviewer)
	require.NoError(t, err)
	require.Equal(t, 1, reviewerState.Reviewer.LastReviewedVersion)
	require.Equal(t, 1, reviewerState.Reviewer.LastReviewIssuesCount)
}
