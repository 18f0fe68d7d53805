package runner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"stackforge/pkg/llmgateway"
	"stackforge/pkg/store"
)

// plannerSchema matches spec.md's Planner output contract:
// { thinking: string, actions: [Action] }.
var plannerSchema = &llmgateway.JSONSchema{
	Name:        "planner_output",
	Description: "Planner's reasoning and the ordered list of actions to apply this cycle.",
	Schema: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"thinking": map[string]any{"type": "string"},
			"actions": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"type": map[string]any{
							"type": "string",
							"enum": []any{"create_todo", "update_todo", "delete_todo", "clear_all_todos", "update_project", "update_phase"},
						},
						"content":     map[string]any{"type": "string"},
						"priority":    map[string]any{"type": "integer"},
						"title":       map[string]any{"type": "string"},
						"description": map[string]any{"type": "string"},
						"phase":       map[string]any{"type": "string"},
					},
					"required": []any{"type"},
				},
			},
		},
		"required": []any{"thinking", "actions"},
	},
}

// PlannerRunner implements the graph.Runner interface for the Planner role.
type PlannerRunner struct {
	Deps Deps
}

func (r *PlannerRunner) Run(ctx context.Context, stackID string, reason string) error {
	return runSkeleton(ctx, r.Deps, stackID, store.AgentPlanner, buildPlannerRequest, applyPlannerActions)
}

func buildPlannerRequest(_ context.Context, deps Deps, stackID string) (*llmgateway.JSONSchema, []llmgateway.Message, error) {
	idea, err := deps.Store.GetProjectIdea(stackID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, nil, fmt.Errorf("load project idea: %w", err)
	}

	todos, err := deps.Store.ListTodosByStack(stackID, "")
	if err != nil {
		return nil, nil, fmt.Errorf("list todos: %w", err)
	}

	agentState, err := deps.Store.GetAgentState(stackID, store.AgentPlanner)
	if err != nil {
		return nil, nil, fmt.Errorf("load planner memory: %w", err)
	}

	var sb strings.Builder
	sb.WriteString("You are the Planner for a hackathon stack. Decide the next set of actions.\n\n")
	if idea != nil {
		fmt.Fprintf(&sb, "Current project: %q — %s\n", idea.Title, idea.Description)
	} else {
		sb.WriteString("No project idea has been set yet; propose one via update_project.\n")
	}

	sb.WriteString("\nTodos:\n")
	if len(todos) == 0 {
		sb.WriteString("(none)\n")
	}
	for _, t := range todos {
		fmt.Fprintf(&sb, "- [%s] (priority %d) %s\n", t.Status, t.Priority, t.Content)
	}

	if agentState.Planner != nil && len(agentState.Planner.ReviewerRecommendations) > 0 {
		sb.WriteString("\nReviewer recommendations to consider:\n")
		for _, rec := range agentState.Planner.ReviewerRecommendations {
			fmt.Fprintf(&sb, "- %s\n", rec)
		}
	}

	messages := []llmgateway.Message{
		{Role: llmgateway.RoleSystem, Content: "Respond only with the requested JSON object."},
		{Role: llmgateway.RoleUser, Content: sb.String()},
	}
	return plannerSchema, messages, nil
}

// applyPlannerActions implements spec.md's fixed execution order:
// clear_all_todos, then update_project, then update_phase, then the
// remaining create/update/delete actions in input order.
func applyPlannerActions(deps Deps, stackID string, parsed map[string]any) (string, string, error) {
	rawActions := sliceField(parsed, "actions")

	var clearAction, projectAction, phaseAction map[string]any
	var remaining []map[string]any
	for _, a := range rawActions {
		action, ok := a.(map[string]any)
		if !ok {
			continue
		}
		switch stringField(action, "type") {
		case "clear_all_todos":
			if clearAction == nil {
				clearAction = action
			}
		case "update_project":
			if projectAction == nil {
				projectAction = action
			}
		case "update_phase":
			if phaseAction == nil {
				phaseAction = action
			}
		default:
			remaining = append(remaining, action)
		}
	}

	var summary []string

	if clearAction != nil {
		n, err := deps.Store.ClearAllTodos(stackID)
		if err != nil {
			return "planner_cycle", "", fmt.Errorf("clear_all_todos: %w", err)
		}
		summary = append(summary, fmt.Sprintf("cleared %d todos", n))
	}

	if projectAction != nil {
		title := stringField(projectAction, "title")
		description := stringField(projectAction, "description")
		if title != "" {
			if _, err := deps.Store.UpsertProjectIdea(stackID, title, description, "active"); err != nil {
				return "planner_cycle", "", fmt.Errorf("update_project: %w", err)
			}
			summary = append(summary, fmt.Sprintf("project updated: %s", title))
		}
	}

	if phaseAction != nil {
		phase := store.Phase(stringField(phaseAction, "phase"))
		if store.ValidPhases[phase] {
			if err := deps.Store.UpdateStackPhase(stackID, phase); err != nil {
				return "planner_cycle", "", fmt.Errorf("update_phase: %w", err)
			}
			summary = append(summary, fmt.Sprintf("phase -> %s", phase))
		}
		// An invalid phase literal is silently skipped, per spec.
	}

	for _, action := range remaining {
		switch stringField(action, "type") {
		case "create_todo":
			content := stringField(action, "content")
			if content == "" {
				continue
			}
			priority := intField(action, "priority", 5)
			if _, err := deps.Store.CreateTodo(stackID, content, priority, "planner"); err != nil {
				return "planner_cycle", "", fmt.Errorf("create_todo: %w", err)
			}
			summary = append(summary, "created todo: "+content)

		case "update_todo":
			content := stringField(action, "content")
			existing, err := deps.Store.FindTodoByContent(stackID, content)
			if errors.Is(err, store.ErrNotFound) {
				summary = append(summary, "update_todo skipped (no match): "+content)
				continue
			}
			if err != nil {
				return "planner_cycle", "", fmt.Errorf("update_todo: %w", err)
			}
			priority := intField(action, "priority", existing.Priority)
			if err := deps.Store.UpdateTodo(existing.ID, content, priority); err != nil {
				return "planner_cycle", "", fmt.Errorf("update_todo: %w", err)
			}
			summary = append(summary, "updated todo: "+content)

		case "delete_todo":
			content := stringField(action, "content")
			existing, err := deps.Store.FindTodoByContent(stackID, content)
			if errors.Is(err, store.ErrNotFound) {
				summary = append(summary, "delete_todo skipped (no match): "+content)
				continue
			}
			if err != nil {
				return "planner_cycle", "", fmt.Errorf("delete_todo: %w", err)
			}
			if err := deps.Store.DeleteTodo(existing.ID); err != nil {
				return "planner_cycle", "", fmt.Errorf("delete_todo: %w", err)
			}
			summary = append(summary, "deleted todo: "+content)
		}
	}

	agentState, err := deps.Store.GetAgentState(stackID, store.AgentPlanner)
	if err != nil {
		return "planner_cycle", "", fmt.Errorf("reload planner memory: %w", err)
	}
	if agentState.Planner == nil {
		agentState.Planner = &store.PlannerMemory{}
	}
	agentState.Planner.ReviewerRecommendations = nil
	agentState.Planner.LastPlanningTime = time.Now().UTC()
	if err := deps.Store.UpsertAgentState(agentState); err != nil {
		return "planner_cycle", "", fmt.Errorf("save planner memory: %w", err)
	}

	return "planner_cycle", strings.Join(summary, "; "), nil
}

func intField(m map[string]any, key string, fallback int) int {
	switch v := m[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return fallback
	}
}
