package graph

import (
	"context"
	"sync"
	"time"

	"stackforge/pkg/store"
)

// nodeTimeout is the deadline set on the context passed to a single
// agent's Run. The Executor still waits for Run to return; an error it
// returns (such as the context's deadline error) is recorded as a failure.
const nodeTimeout = 60 * time.Second

// Runner executes one agent's turn for one stack. Implementations live in
// pkg/runner; this interface is declared here, not there, so pkg/graph
// never needs to import pkg/runner.
type Runner interface {
	Run(ctx context.Context, stackID string, reason string) error
}

// Outcome classifies how one node's run settled.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeFailure
	OutcomeSkipped
)

// NodeResult is one agent's settled outcome within a wave.
type NodeResult struct {
	Agent   store.AgentType
	Outcome Outcome
	Err     error
}

// ExecutionAnalysis summarizes a completed Run across every wave.
type ExecutionAnalysis struct {
	SuccessCount       int
	FailureCount       int
	AgentsRun          []store.AgentType
	Waves              int
	ParallelExecutions int
	Results            []NodeResult
}

// Executor runs a Graph's waves sequentially, fanning each wave's nodes
// out concurrently, grounded on the teacher's dispatcher worker-goroutine
// pattern (buffered result channel sized to the wave, so no goroutine
// blocks on send even if the caller is slow to drain).
type Executor struct {
	store *store.Store
}

func NewExecutor(s *store.Store) *Executor {
	return &Executor{store: s}
}

// Run processes g's waves in order. A wave completes only once every one
// of its nodes has settled; a node's failure does not cancel its
// wave-mates and does not prevent later waves from running.
func (e *Executor) Run(ctx context.Context, stackID string, g Graph, runners map[store.AgentType]Runner) ExecutionAnalysis {
	analysis := ExecutionAnalysis{Waves: len(g.Waves)}

	reasonByAgent := map[store.AgentType]string{}
	for _, n := range g.Nodes {
		reasonByAgent[n.Agent] = n.Reason
	}

	for _, wave := range g.Waves {
		results := e.runWave(ctx, stackID, wave, reasonByAgent, runners)
		analysis.Results = append(analysis.Results, results...)
		if len(wave) > analysis.ParallelExecutions {
			analysis.ParallelExecutions = len(wave)
		}
		for _, r := range results {
			analysis.AgentsRun = append(analysis.AgentsRun, r.Agent)
			switch r.Outcome {
			case OutcomeSuccess:
				analysis.SuccessCount++
			case OutcomeFailure:
				analysis.FailureCount++
			}
		}
	}

	return analysis
}

func (e *Executor) runWave(ctx context.Context, stackID string, wave []store.AgentType, reasons map[store.AgentType]string, runners map[store.AgentType]Runner) []NodeResult {
	resultCh := make(chan NodeResult, len(wave))
	var wg sync.WaitGroup

	for _, agentType := range wave {
		runner, ok := runners[agentType]
		if !ok {
			resultCh <- NodeResult{Agent: agentType, Outcome: OutcomeSkipped}
			continue
		}

		wg.Add(1)
		go func(agentType store.AgentType, runner Runner, reason string) {
			defer wg.Done()
			resultCh <- e.runNode(ctx, stackID, agentType, reason, runner)
		}(agentType, runner, reasons[agentType])
	}

	wg.Wait()
	close(resultCh)

	results := make([]NodeResult, 0, len(wave))
	for r := range resultCh {
		results = append(results, r)
	}
	return results
}

func (e *Executor) runNode(ctx context.Context, stackID string, agentType store.AgentType, reason string, runner Runner) NodeResult {
	e.markExecuting(stackID, agentType, reason)

	nodeCtx, cancel := context.WithTimeout(ctx, nodeTimeout)
	defer cancel()

	err := runner.Run(nodeCtx, stackID, reason)

	if err != nil {
		e.markSettled(stackID, agentType, store.AgentError)
		return NodeResult{Agent: agentType, Outcome: OutcomeFailure, Err: err}
	}
	e.markSettled(stackID, agentType, store.AgentIdle)
	return NodeResult{Agent: agentType, Outcome: OutcomeSuccess}
}

func (e *Executor) markExecuting(stackID string, agentType store.AgentType, reason string) {
	as, err := e.store.GetAgentState(stackID, agentType)
	if err != nil {
		return
	}
	as.ExecutionState = store.AgentExecuting
	as.CurrentWork = reason
	_ = e.store.UpsertAgentState(as)
}

func (e *Executor) markSettled(stackID string, agentType store.AgentType, state store.AgentExecState) {
	as, err := e.store.GetAgentState(stackID, agentType)
	if err != nil {
		return
	}
	as.ExecutionState = state
	as.CurrentWork = ""
	_ = e.store.UpsertAgentState(as)
	_ = e.store.TouchStackActivity(stackID)
}
