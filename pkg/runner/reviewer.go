package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"stackforge/pkg/llmgateway"
	"stackforge/pkg/store"
)

// reviewerTopRecommendations caps how many of the LLM's recommendations
// are retained in Reviewer memory for the dashboard/next planning cycle.
const reviewerTopRecommendations = 10

// reviewerSchema matches spec.md's Reviewer output contract:
// { thinking, results: { recommendations: [string], issues: [{severity, description}] } }.
var reviewerSchema = &llmgateway.JSONSchema{
	Name:        "reviewer_output",
	Description: "Reviewer's reasoning, recommendations, and flagged issues.",
	Schema: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"thinking": map[string]any{"type": "string"},
			"results": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"recommendations": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
					"issues": map[string]any{
						"type": "array",
						"items": map[string]any{
							"type": "object",
							"properties": map[string]any{
								"severity":    map[string]any{"type": "string", "enum": []any{"critical", "major", "minor"}},
								"description": map[string]any{"type": "string"},
							},
							"required": []any{"severity", "description"},
						},
					},
				},
				"required": []any{"recommendations", "issues"},
			},
		},
		"required": []any{"thinking", "results"},
	},
}

// ReviewerRunner implements the graph.Runner interface for the Reviewer role.
type ReviewerRunner struct {
	Deps Deps
}

// Run runs only if the latest Artifact is both newer and a higher
// version than the last one reviewed; otherwise it does not call the LLM
// and only records a precondition_recheck trace, since the Work Detector is
// what decides eligibility and the double guard here is belt-and-braces
// against a stale WorkDetectionCache entry.
func (r *ReviewerRunner) Run(ctx context.Context, stackID string, reason string) error {
	var artifact *store.Artifact

	build := func(_ context.Context, deps Deps, stackID string) (*llmgateway.JSONSchema, []llmgateway.Message, error) {
		latest, err := deps.Store.LatestArtifact(stackID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil, nil
		}
		if err != nil {
			return nil, nil, fmt.Errorf("load latest artifact: %w", err)
		}

		agentState, err := deps.Store.GetAgentState(stackID, store.AgentReviewer)
		if err != nil {
			return nil, nil, fmt.Errorf("load reviewer memory: %w", err)
		}
		var lastReviewTime time.Time
		var lastReviewedVersion int
		if agentState.Reviewer != nil {
			lastReviewTime = agentState.Reviewer.LastReviewTime
			lastReviewedVersion = agentState.Reviewer.LastReviewedVersion
		}

		if !latest.CreationTime.After(lastReviewTime) || latest.Version <= lastReviewedVersion {
			return nil, nil, nil
		}
		artifact = latest

		prompt := fmt.Sprintf("Review this hackathon artifact (version %d):\n\n%s", latest.Version, latest.Content)
		messages := []llmgateway.Message{
			{Role: llmgateway.RoleSystem, Content: "Respond only with the requested JSON object."},
			{Role: llmgateway.RoleUser, Content: prompt},
		}
		return reviewerSchema, messages, nil
	}

	apply := func(deps Deps, stackID string, parsed map[string]any) (string, string, error) {
		results := mapField(parsed, "results")
		recommendations := toStringList(sliceField(results, "recommendations"))
		issues := sliceField(results, "issues")

		if len(recommendations) > reviewerTopRecommendations {
			recommendations = recommendations[:reviewerTopRecommendations]
		}

		now := time.Now().UTC()

		reviewerState, err := deps.Store.GetAgentState(stackID, store.AgentReviewer)
		if err != nil {
			return "reviewer_cycle", "", fmt.Errorf("reload reviewer memory: %w", err)
		}
		if reviewerState.Reviewer == nil {
			reviewerState.Reviewer = &store.ReviewerMemory{}
		}
		reviewerState.Reviewer.LastReviewTime = now
		reviewerState.Reviewer.LastReviewedVersion = artifact.Version
		reviewerState.Reviewer.LastReviewIssuesCount = len(issues)
		reviewerState.Reviewer.TopRecommendations = recommendations
		if err := deps.Store.UpsertAgentState(reviewerState); err != nil {
			return "reviewer_cycle", "", fmt.Errorf("save reviewer memory: %w", err)
		}

		plannerState, err := deps.Store.GetAgentState(stackID, store.AgentPlanner)
		if err != nil {
			return "reviewer_cycle", "", fmt.Errorf("load planner memory: %w", err)
		}
		if plannerState.Planner == nil {
			plannerState.Planner = &store.PlannerMemory{}
		}
		plannerState.Planner.ReviewerRecommendations = recommendations
		plannerState.Planner.RecommendationsTimestamp = now
		plannerState.Planner.RecommendationsType = "hackathon_audit"
		if err := deps.Store.UpsertAgentState(plannerState); err != nil {
			return "reviewer_cycle", "", fmt.Errorf("hand off recommendations to planner: %w", err)
		}

		return "reviewer_cycle", fmt.Sprintf("reviewed version %d: %d issues, %d recommendations", artifact.Version, len(issues), len(recommendations)), nil
	}

	return runSkeleton(ctx, r.Deps, stackID, store.AgentReviewer, build, apply)
}

func toStringList(items []any) []string {
	out := make([]string, 0, len(items))
	for _, v := range items {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
