// Package runner implements the four agent roles — Planner, Builder,
// Communicator, Reviewer — as Runners sharing one skeleton: load scoped
// state, re-check preconditions, call the LLM Gateway with a role-specific
// JSON schema, parse the structured reply, apply a bounded set of state
// mutations, update the role's own memory, and append a trace.
//
// Grounded on the teacher's AgentContext/BaseDriver split
// (pkg/agent/base_driver.go): the shared machinery lives here, the
// per-role schema/parse/mutate logic lives in each RunXxx closure.
package runner

import (
	"context"
	"encoding/json"
	"fmt"

	"stackforge/pkg/llmgateway"
	"stackforge/pkg/store"
)

// ChatClient is the slice of llmgateway.Gateway each Runner depends on.
// Declaring it here rather than depending on *llmgateway.Gateway directly
// lets tests substitute a fake without touching the real provider chain,
// matching the teacher's MockLLMClient-over-an-interface test pattern.
type ChatClient interface {
	Chat(ctx context.Context, req llmgateway.ChatRequest) (llmgateway.ChatResponse, error)
}

// Deps bundles the collaborators every Runner needs. Constructed once at
// daemon start-up and shared across all four role Runners.
type Deps struct {
	Store   *store.Store
	Gateway ChatClient
}

const (
	defaultMaxTokens   = 2048
	defaultTemperature = 0.4
)

// buildFunc assembles the role-specific LLM request for one invocation.
type buildFunc func(ctx context.Context, deps Deps, stackID string) (*llmgateway.JSONSchema, []llmgateway.Message, error)

// applyFunc consumes the parsed structured reply and performs the role's
// bounded state mutations, returning a short action label and result
// summary for the trace row.
type applyFunc func(deps Deps, stackID string, parsed map[string]any) (action string, result string, err error)

// runSkeleton is the shared seven-step body every concrete Runner calls.
// Steps 1 (load scoped state) and 2 (precondition recheck) happen inside
// build; steps 5-6 (mutate, update memory) happen inside apply; this
// function owns steps 3 (LLM call), 4 (parse), and 7 (trace).
func runSkeleton(ctx context.Context, deps Deps, stackID string, agentType store.AgentType, build buildFunc, apply applyFunc) error {
	schema, messages, err := build(ctx, deps, stackID)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", agentType, err)
	}
	if messages == nil {
		// build signals "nothing to do" (precondition no longer holds) by
		// returning a nil message slice with no error. Still traced, so
		// no code path silently produces no record of the invocation.
		_, traceErr := deps.Store.RecordTrace(stackID, agentType, "", "precondition_recheck", "skipped: no longer eligible")
		return traceErr
	}

	resp, err := deps.Gateway.Chat(ctx, llmgateway.ChatRequest{
		Messages:    messages,
		MaxTokens:   defaultMaxTokens,
		Temperature: defaultTemperature,
		Schema:      schema,
	})
	if err != nil {
		_, traceErr := deps.Store.RecordTrace(stackID, agentType, "", "llm_call", err.Error())
		if traceErr != nil {
			return fmt.Errorf("%s: llm call failed (%w), and failed to record trace: %w", agentType, err, traceErr)
		}
		return fmt.Errorf("%s: llm call: %w", agentType, err)
	}

	var parsed map[string]any
	if err := json.Unmarshal([]byte(resp.Content), &parsed); err != nil {
		_, _ = deps.Store.RecordTrace(stackID, agentType, "", "parse_response", err.Error())
		return fmt.Errorf("%s: parse response: %w", agentType, err)
	}

	thinking, _ := parsed["thinking"].(string)

	action, result, applyErr := apply(deps, stackID, parsed)
	if _, traceErr := deps.Store.RecordTrace(stackID, agentType, thinking, action, result); traceErr != nil {
		if applyErr != nil {
			return fmt.Errorf("%s: apply failed (%w), and failed to record trace: %w", agentType, applyErr, traceErr)
		}
		return fmt.Errorf("%s: record trace: %w", agentType, traceErr)
	}
	if applyErr != nil {
		return fmt.Errorf("%s: apply: %w", agentType, applyErr)
	}
	return nil
}

func stringField(m map[string]any, key string) string {
	v, _ := m[key].(string)
	return v
}

func sliceField(m map[string]any, key string) []any {
	v, _ := m[key].([]any)
	return v
}

func mapField(m map[string]any, key string) map[string]any {
	v, _ := m[key].(map[string]any)
	return v
}
