// Package orchestrator runs one Stack through a single cycle of the
// orchestration loop: verify it is still running, compute which agents
// have work, build and execute the resulting graph, then decide whether
// to continue immediately or pause.
//
// Grounded on the teacher's internal/kernel.Kernel ("do the steps in
// order, surface the first error" staged lifecycle) and
// internal/orch.AirplaneOrchestrator's named-step sequencing
// (PrepareAirplaneMode's "Step 1..5" comments) — here the steps are
// verify -> compute -> build -> execute -> decide -> persist.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"stackforge/pkg/graph"
	"stackforge/pkg/logx"
	"stackforge/pkg/runner"
	"stackforge/pkg/store"
	"stackforge/pkg/workdetect"
)

// Action is the cycle's verdict: keep going now, or back off for a while.
type Action string

const (
	ActionContinue Action = "continue"
	ActionPause    Action = "pause"
	ActionStop     Action = "stop"
)

// Decision is what Cycle decided to do next, returned to the caller
// (normally the Scheduler) so it knows whether to re-enqueue immediately.
type Decision struct {
	Action      Action
	PauseFor    time.Duration
	Reason      string
	ExecutionID string
	AgentsRun   []store.AgentType
}

const (
	failurePause       = 5 * time.Second
	stabilizationPause = 1 * time.Second
	idlePause          = 5 * time.Second
	maxAdaptivePause   = 30 * time.Second
	adaptiveMidPause   = 10 * time.Second
	highPriorityFloor  = 5
	midPriorityFloor   = 3
)

// CycleRecorder receives one observation per completed cycle.
// pkg/metrics.Recorder satisfies this structurally (ObserveCycle).
type CycleRecorder interface {
	ObserveCycle(stackID, status, action string, duration time.Duration)
}

// Orchestrator runs cycles for stacks against a shared Store and LLM
// Gateway. One instance is shared across all stacks; Cycle is safe to
// call concurrently for different stackIDs. Two concurrent calls for the
// *same* stackID race safely on the store's single-flight execution
// lease: the loser gets ErrConflictRetry and should skip this tick.
type Orchestrator struct {
	store    *store.Store
	logger   *logx.Logger
	runners  map[store.AgentType]graph.Runner
	recorder CycleRecorder
}

// New builds an Orchestrator wired with one Runner per agent role,
// sharing the given Store and ChatClient.
func New(s *store.Store, gateway runner.ChatClient) *Orchestrator {
	deps := runner.Deps{Store: s, Gateway: gateway}
	return &Orchestrator{
		store:  s,
		logger: logx.NewLogger("orchestrator"),
		runners: map[store.AgentType]graph.Runner{
			store.AgentPlanner:      &runner.PlannerRunner{Deps: deps},
			store.AgentBuilder:      &runner.BuilderRunner{Deps: deps},
			store.AgentCommunicator: &runner.CommunicatorRunner{Deps: deps},
			store.AgentReviewer:     &runner.ReviewerRunner{Deps: deps},
		},
	}
}

// SetRecorder attaches a metrics CycleRecorder. Optional; Cycle is a
// no-op towards metrics until one is set.
func (o *Orchestrator) SetRecorder(r CycleRecorder) {
	o.recorder = r
}

// Cycle acquires the execution lease and runs the six-step algorithm once
// for stackID, returning the decision about what should happen next. If
// another cycle already holds the lease for this stack, Cycle returns
// ErrConflictRetry unchanged so the caller can skip this tick silently.
func (o *Orchestrator) Cycle(ctx context.Context, stackID string) (Decision, error) {
	cycleStart := time.Now()

	exec, err := o.store.TryAcquireExecutionLease(stackID)
	if err != nil {
		return Decision{}, err
	}

	// Step 1: verify still running.
	stack, err := o.store.GetStack(stackID)
	if err != nil {
		return o.fail(stackID, exec.ID, cycleStart, fmt.Errorf("cycle: load stack: %w", err))
	}
	if stack.ExecutionState != store.StackRunning {
		return o.finish(stackID, exec.ID, cycleStart, Decision{Action: ActionStop, Reason: fmt.Sprintf("stack is %s, not running", stack.ExecutionState)}, nil, "", 0)
	}

	// Step 2: compute WorkStatus (cache-aware).
	status, err := o.workStatus(ctx, *stack)
	if err != nil {
		return o.fail(stackID, exec.ID, cycleStart, fmt.Errorf("cycle: compute work status: %w", err))
	}

	// Step 3: build graph.
	g := graph.Build(status)
	if g.Empty() {
		pause := adaptivePause(maxPriority(status))
		return o.finish(stackID, exec.ID, cycleStart, Decision{Action: ActionPause, PauseFor: pause, Reason: "no agent has work"}, &g, "", 0)
	}

	// Step 4: execute graph.
	executor := graph.NewExecutor(o.store)
	analysis := executor.Run(ctx, stackID, g, o.runners)
	if err := o.store.IncrementStackCycles(stackID); err != nil {
		o.logger.Warn("cycle: increment stack cycles for %s: %v", stackID, err)
	}

	// Step 5: decide.
	decision := decide(analysis)
	decision.AgentsRun = analysis.AgentsRun

	// Step 6: persist.
	return o.finish(stackID, exec.ID, cycleStart, decision, &g, graphSummary(analysis), analysis.ParallelExecutions)
}

// workStatus returns the cached WorkStatus if fresh, otherwise computes a
// fresh one and caches it for WorkDetectionCacheTTL.
func (o *Orchestrator) workStatus(ctx context.Context, stack store.Stack) (map[store.AgentType]store.WorkEntry, error) {
	if cached, err := o.store.GetWorkDetectionCache(stack.ID); err == nil {
		return cached.Entries, nil
	}

	wc, err := o.fetchWorkContext(ctx, stack)
	if err != nil {
		return nil, err
	}

	status := workdetect.Detect(wc)
	if err := o.store.PutWorkDetectionCache(stack.ID, status); err != nil {
		o.logger.Warn("cycle: put work detection cache for %s: %v", stack.ID, err)
	}
	return status, nil
}

// fetchWorkContext assembles one WorkContext snapshot via independent
// reads fanned out concurrently with errgroup — each goroutine writes only
// its own result variable (the agent states go into one slice slot each
// and are keyed into a map after Wait), so there is no shared state to
// coordinate beyond waiting for all of them to finish. golang.org/x/sync was already a
// transitive dependency in the teacher's module graph; this is the first
// direct use of it.
func (o *Orchestrator) fetchWorkContext(ctx context.Context, stack store.Stack) (workdetect.WorkContext, error) {
	var (
		todos          []*store.Todo
		unread         []*store.Message
		latestArtifact *store.Artifact
		idea           *store.ProjectIdea
		unprocessed    []*store.UserMessage
	)
	states := make([]store.AgentState, len(store.AllAgentTypes))

	g, _ := errgroup.WithContext(ctx)

	g.Go(func() error {
		var err error
		todos, err = o.store.ListTodosByStack(stack.ID, "")
		return err
	})
	g.Go(func() error {
		var err error
		unread, err = o.store.ListUnreadMessagesForStack(stack.ID)
		return err
	})
	g.Go(func() error {
		latest, err := o.store.LatestArtifact(stack.ID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		latestArtifact = latest
		return nil
	})
	g.Go(func() error {
		got, err := o.store.GetProjectIdea(stack.ID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		idea = got
		return nil
	})
	g.Go(func() error {
		var err error
		unprocessed, err = o.store.ListUnprocessedUserMessages(stack.ID)
		return err
	})
	for i, agentType := range store.AllAgentTypes {
		i, agentType := i, agentType
		g.Go(func() error {
			as, err := o.store.GetAgentState(stack.ID, agentType)
			if err != nil {
				return err
			}
			states[i] = *as
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return workdetect.WorkContext{}, fmt.Errorf("fetch work context: %w", err)
	}

	agentStates := make(map[store.AgentType]store.AgentState, len(store.AllAgentTypes))
	for i, agentType := range store.AllAgentTypes {
		agentStates[agentType] = states[i]
	}

	return workdetect.WorkContext{
		Stack:                   stack,
		Todos:                   derefTodos(todos),
		UnreadMessages:          derefMessages(unread),
		LatestArtifact:          latestArtifact,
		ProjectIdea:             idea,
		AgentStates:             agentStates,
		UnprocessedUserMessages: derefUserMessages(unprocessed),
		Now:                     time.Now().UTC(),
	}, nil
}

// decide implements spec.md §4.7 step 5.
func decide(analysis graph.ExecutionAnalysis) Decision {
	if analysis.FailureCount > 0 {
		return Decision{Action: ActionPause, PauseFor: failurePause, Reason: "agent failures"}
	}
	if analysis.SuccessCount > 0 && ranPlanner(analysis.AgentsRun) {
		return Decision{Action: ActionContinue, Reason: "planner likely produced new work"}
	}
	if analysis.SuccessCount > 0 {
		return Decision{Action: ActionPause, PauseFor: stabilizationPause, Reason: "brief stabilization"}
	}
	return Decision{Action: ActionPause, PauseFor: idlePause, Reason: "no progress this cycle"}
}

func ranPlanner(agents []store.AgentType) bool {
	for _, a := range agents {
		if a == store.AgentPlanner {
			return true
		}
	}
	return false
}

func maxPriority(status map[store.AgentType]store.WorkEntry) int {
	highest := 0
	for _, entry := range status {
		if entry.Priority > highest {
			highest = entry.Priority
		}
	}
	return highest
}

// adaptivePause implements spec.md §4.7's formula: maxPriority >= 5 -> 1s;
// >= 3 -> 5s; else min(10s, 30s) capped at 30s.
func adaptivePause(maxPriority int) time.Duration {
	switch {
	case maxPriority >= highPriorityFloor:
		return stabilizationPause
	case maxPriority >= midPriorityFloor:
		return failurePause
	default:
		if adaptiveMidPause < maxAdaptivePause {
			return adaptiveMidPause
		}
		return maxAdaptivePause
	}
}

// fail finalizes the execution lease as failed before propagating cycleErr,
// so a step 1/2 error never leaves a stack's lease stuck in "running"
// (which would starve every future TryAcquireExecutionLease for it).
func (o *Orchestrator) fail(stackID, executionID string, cycleStart time.Time, cycleErr error) (Decision, error) {
	msg := cycleErr.Error()
	if err := o.store.FinalizeExecution(executionID, store.ExecFailed, "failed", "", nil, 0, &msg); err != nil {
		o.logger.Warn("fail: finalize execution %s: %v", executionID, err)
	}
	o.observe(stackID, string(store.ExecFailed), "failed", time.Since(cycleStart))
	return Decision{}, cycleErr
}

// finish records the ExecutionGraph (if any) and finalizes the
// OrchestratorExecution row started by Cycle's lease acquisition.
// parallelExecutions is the widest wave the graph executor ran this cycle
// (0 when the cycle never reached graph execution).
func (o *Orchestrator) finish(stackID, executionID string, cycleStart time.Time, decision Decision, g *graph.Graph, summary string, parallelExecutions int) (Decision, error) {
	if g != nil && !g.Empty() {
		if payload, err := json.Marshal(g); err == nil {
			if _, err := o.store.RecordExecutionGraph(stackID, executionID, payload); err != nil {
				o.logger.Warn("finish: record execution graph: %v", err)
			}
		}
	}

	status := store.ExecCompleted
	var pauseDuration *time.Duration
	if decision.Action == ActionPause {
		status = store.ExecPaused
		pauseDuration = &decision.PauseFor
	}

	if err := o.store.FinalizeExecution(executionID, status, string(decision.Action), summary, pauseDuration, parallelExecutions, nil); err != nil {
		return decision, fmt.Errorf("finish: finalize execution: %w", err)
	}
	decision.ExecutionID = executionID
	o.observe(stackID, string(status), string(decision.Action), time.Since(cycleStart))
	return decision, nil
}

func (o *Orchestrator) observe(stackID, status, action string, duration time.Duration) {
	if o.recorder == nil {
		return
	}
	o.recorder.ObserveCycle(stackID, status, action, duration)
}

func graphSummary(analysis graph.ExecutionAnalysis) string {
	return fmt.Sprintf("waves=%d success=%d failure=%d agents=%v", analysis.Waves, analysis.SuccessCount, analysis.FailureCount, analysis.AgentsRun)
}

func derefTodos(in []*store.Todo) []store.Todo {
	out := make([]store.Todo, len(in))
	for i, t := range in {
		out[i] = *t
	}
	return out
}

func derefMessages(in []*store.Message) []store.Message {
	out := make([]store.Message, len(in))
	for i, m := range in {
		out[i] = *m
	}
	return out
}

func derefUserMessages(in []*store.UserMessage) []store.UserMessage {
	out := make([]store.UserMessage, len(in))
	for i, m := range in {
		out[i] = *m
	}
	return out
}
