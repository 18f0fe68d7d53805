// Package workdetect implements the orchestrator's work detection rules as
// a pure function: given a snapshot of one stack's state, it decides which
// of the four agents have work this cycle and at what priority. It has no
// store or network dependency — the caller is responsible for assembling
// the WorkContext snapshot and for any caching of the result.
package workdetect

import (
	"strings"
	"time"

	"stackforge/pkg/store"
)

// strategicKeywords are the substrings that make an unprocessed user
// message "strategic" for Planner priority purposes, in addition to the
// plain length > 100 rule.
var strategicKeywords = []string{"feature", "add", "change project", "different", "instead", "modify"}

// lastPlanningStaleAfter is how long since a Planner's last run before
// priority 4 ("just check in") kicks in.
const lastPlanningStaleAfter = 5 * time.Minute

// lastReviewStaleAfter is the Reviewer's equivalent staleness window.
const lastReviewStaleAfter = 3 * time.Minute

// WorkContext is the state snapshot the Work Detector reasons over. The
// caller fetches all seven fields via parallel queries before calling
// Detect; none of them are refetched here.
type WorkContext struct {
	Stack                   store.Stack
	Todos                   []store.Todo
	UnreadMessages          []store.Message
	LatestArtifact          *store.Artifact
	ProjectIdea             *store.ProjectIdea
	AgentStates             map[store.AgentType]store.AgentState
	UnprocessedUserMessages []store.UserMessage
	Now                     time.Time
}

// WorkStatus is the Work Detector's output: one WorkEntry per agent type.
type WorkStatus map[store.AgentType]store.WorkEntry

// HasAnyWork reports whether at least one agent has work this cycle.
func (s WorkStatus) HasAnyWork() bool {
	for _, entry := range s {
		if entry.HasWork {
			return true
		}
	}
	return false
}

// MaxPriority returns the highest priority among agents with work, or 0 if
// none have work.
func (s WorkStatus) MaxPriority() int {
	max := 0
	for _, entry := range s {
		if entry.HasWork && entry.Priority > max {
			max = entry.Priority
		}
	}
	return max
}

// Detect runs the four agents' independent priority rules over ctx and
// returns the resulting WorkStatus. Calling Detect twice on an identical
// WorkContext (including ctx.Now) yields an identical WorkStatus — the
// function reads nothing but its argument.
func Detect(ctx WorkContext) WorkStatus {
	return WorkStatus{
		store.AgentPlanner:      detectPlanner(ctx),
		store.AgentBuilder:      detectBuilder(ctx),
		store.AgentCommunicator: detectCommunicator(ctx),
		store.AgentReviewer:     detectReviewer(ctx),
	}
}

func detectPlanner(ctx WorkContext) store.WorkEntry {
	if ctx.ProjectIdea == nil {
		return store.WorkEntry{HasWork: true, Priority: 10, Reason: "no project idea yet"}
	}

	if !anyPendingTodo(ctx.Todos) {
		return store.WorkEntry{HasWork: true, Priority: 9, Reason: "no pending todos"}
	}

	plannerMemory := ctx.AgentStates[store.AgentPlanner].Planner

	if plannerMemory != nil && len(plannerMemory.ReviewerRecommendations) > 0 {
		return store.WorkEntry{HasWork: true, Priority: 8, Reason: "reviewer recommendations pending"}
	}

	if msg, ok := firstStrategicMessage(ctx.UnprocessedUserMessages); ok {
		return store.WorkEntry{HasWork: true, Priority: 7, Reason: "strategic user message: " + msg}
	}

	var lastPlanningTime time.Time
	if plannerMemory != nil {
		lastPlanningTime = plannerMemory.LastPlanningTime
	}
	if ctx.Now.Sub(lastPlanningTime) > lastPlanningStaleAfter {
		return store.WorkEntry{HasWork: true, Priority: 4, Reason: "periodic check-in"}
	}

	return store.WorkEntry{HasWork: false, Priority: 0, Reason: "no planner work"}
}

func detectBuilder(ctx WorkContext) store.WorkEntry {
	var maxPending int
	found := false
	for _, t := range ctx.Todos {
		if t.Status != store.TodoPending || t.Priority <= 0 {
			continue
		}
		found = true
		if t.Priority > maxPending {
			maxPending = t.Priority
		}
	}
	if !found {
		return store.WorkEntry{HasWork: false, Priority: 0, Reason: "no pending todos"}
	}
	if maxPending >= 3 {
		return store.WorkEntry{HasWork: true, Priority: 8, Reason: "high priority todo pending"}
	}
	return store.WorkEntry{HasWork: true, Priority: 6, Reason: "low priority todo pending"}
}

func detectCommunicator(ctx WorkContext) store.WorkEntry {
	if len(ctx.UnprocessedUserMessages) > 0 {
		return store.WorkEntry{HasWork: true, Priority: 10, Reason: "unprocessed visitor message"}
	}

	selfID := ctx.Stack.ID
	for _, m := range ctx.UnreadMessages {
		if m.FromStackID != nil && *m.FromStackID == selfID {
			continue
		}
		if m.ToStackID == nil || *m.ToStackID == selfID {
			if !m.ReadBy[selfID] {
				return store.WorkEntry{HasWork: true, Priority: 7, Reason: "unread inter-stack message"}
			}
		}
	}

	return store.WorkEntry{HasWork: false, Priority: 0, Reason: "no messages pending"}
}

func detectReviewer(ctx WorkContext) store.WorkEntry {
	reviewerMemory := ctx.AgentStates[store.AgentReviewer].Reviewer
	var lastReview time.Time
	if reviewerMemory != nil {
		lastReview = reviewerMemory.LastReviewTime
	}

	completedSince := 0
	for _, t := range ctx.Todos {
		if t.Status == store.TodoCompleted && t.CompletedAt != nil && t.CompletedAt.After(lastReview) {
			completedSince++
		}
	}
	if completedSince >= 2 {
		return store.WorkEntry{HasWork: true, Priority: 6, Reason: "multiple todos completed since last review"}
	}

	if ctx.LatestArtifact != nil && ctx.LatestArtifact.CreationTime.After(lastReview) {
		return store.WorkEntry{HasWork: true, Priority: 6, Reason: "new artifact since last review"}
	}

	if reviewerMemory == nil || ctx.Now.Sub(lastReview) > lastReviewStaleAfter {
		return store.WorkEntry{HasWork: true, Priority: 4, Reason: "periodic review"}
	}

	return store.WorkEntry{HasWork: false, Priority: 0, Reason: "no reviewer work"}
}

func anyPendingTodo(todos []store.Todo) bool {
	for _, t := range todos {
		if t.Status == store.TodoPending {
			return true
		}
	}
	return false
}

// firstStrategicMessage returns the content of the first unprocessed user
// message that counts as "strategic" under the keyword/length rule, in
// the order given.
func firstStrategicMessage(messages []store.UserMessage) (string, bool) {
	for _, m := range messages {
		if isStrategic(m.Content) {
			return m.Content, true
		}
	}
	return "", false
}

func isStrategic(content string) bool {
	if len(content) > 100 {
		return true
	}
	lower := strings.ToLower(content)
	for _, kw := range strategicKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}
