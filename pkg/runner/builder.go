package runner

import (
	"context"
	"errors"
	"fmt"

	"stackforge/pkg/llmgateway"
	"stackforge/pkg/store"
	"stackforge/pkg/tokencount"
)

// builderArtifactContextLimit is the hard byte ceiling spec.md places on
// how much of the current Artifact is handed to the LLM as context.
const builderArtifactContextLimit = 50 * 1024

// builderSchema matches spec.md's Builder output contract:
// { thinking, results: { artifact: string } }.
var builderSchema = &llmgateway.JSONSchema{
	Name:        "builder_output",
	Description: "Builder's reasoning and the rewritten HTML artifact, if any.",
	Schema: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"thinking": map[string]any{"type": "string"},
			"results": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"artifact": map[string]any{"type": "string"},
				},
				"required": []any{"artifact"},
			},
		},
		"required": []any{"thinking", "results"},
	},
}

// BuilderRunner implements the graph.Runner interface for the Builder role.
type BuilderRunner struct {
	Deps Deps
}

// Run picks the highest-priority pending todo, marks it in_progress, and
// asks the LLM to produce (or extend) the artifact for it. The selected
// todo is threaded from build to apply via a closure variable local to
// this call, so concurrent Builder runs across stacks never share state.
func (r *BuilderRunner) Run(ctx context.Context, stackID string, reason string) error {
	var selected *store.Todo

	build := func(_ context.Context, deps Deps, stackID string) (*llmgateway.JSONSchema, []llmgateway.Message, error) {
		todo, err := deps.Store.NextPendingTodo(stackID)
		if errors.Is(err, store.ErrNotFound) {
			// Precondition no longer holds (e.g. the Planner cleared
			// todos mid-flight): nothing to build this cycle.
			return nil, nil, nil
		}
		if err != nil {
			return nil, nil, fmt.Errorf("load next pending todo: %w", err)
		}

		if err := deps.Store.UpdateTodoStatus(todo.ID, store.TodoInProgress); err != nil {
			return nil, nil, fmt.Errorf("mark todo in_progress: %w", err)
		}
		selected = todo

		artifactContent := ""
		if latest, err := deps.Store.LatestArtifact(stackID); err == nil {
			artifactContent = latest.Content
		} else if !errors.Is(err, store.ErrNotFound) {
			return nil, nil, fmt.Errorf("load latest artifact: %w", err)
		}

		if counter, err := tokencount.NewCounter(); err == nil {
			artifactContent = counter.TruncateBytes(artifactContent, builderArtifactContextLimit)
		} else if len(artifactContent) > builderArtifactContextLimit {
			artifactContent = artifactContent[:builderArtifactContextLimit]
		}

		prompt := fmt.Sprintf(
			"You are the Builder for a hackathon stack. Implement this task:\n\n%s\n\nCurrent artifact (may be empty):\n\n%s",
			todo.Content, artifactContent,
		)
		messages := []llmgateway.Message{
			{Role: llmgateway.RoleSystem, Content: "Respond only with the requested JSON object. Produce a complete, self-contained HTML artifact."},
			{Role: llmgateway.RoleUser, Content: prompt},
		}
		return builderSchema, messages, nil
	}

	apply := func(deps Deps, stackID string, parsed map[string]any) (string, string, error) {
		results := mapField(parsed, "results")
		artifact := stringField(results, "artifact")

		if artifact == "" {
			return "builder_cycle", "no artifact produced; todo left in_progress", nil
		}

		if _, err := deps.Store.CreateArtifact(stackID, "html", artifact, "builder", nil); err != nil {
			return "builder_cycle", "", fmt.Errorf("create artifact: %w", err)
		}
		if err := deps.Store.UpdateTodoStatus(selected.ID, store.TodoCompleted); err != nil {
			return "builder_cycle", "", fmt.Errorf("complete todo: %w", err)
		}

		return "builder_cycle", fmt.Sprintf("artifact created for todo %q", selected.Content), nil
	}

	return runSkeleton(ctx, r.Deps, stackID, store.AgentBuilder, build, apply)
}
