package runner

import (
	"context"
	"errors"
	"fmt"

	"stackforge/pkg/llmgateway"
	"stackforge/pkg/store"
)

// communicatorSchema matches spec.md's Communicator output contract:
// { thinking, results: { message, recipient, type: "direct" } }.
var communicatorSchema = &llmgateway.JSONSchema{
	Name:        "communicator_output",
	Description: "Communicator's reasoning and the reply to send.",
	Schema: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"thinking": map[string]any{"type": "string"},
			"results": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"message":   map[string]any{"type": "string"},
					"recipient": map[string]any{"type": "string"},
					"type":      map[string]any{"type": "string", "enum": []any{"direct", "broadcast"}},
				},
				"required": []any{"message"},
			},
		},
		"required": []any{"thinking", "results"},
	},
}

// CommunicatorRunner implements the graph.Runner interface for the
// Communicator role.
type CommunicatorRunner struct {
	Deps Deps
}

// Run implements spec.md's two-tier priority: an unprocessed visitor
// message always wins over an unread peer message, and is answered one
// at a time, oldest first.
func (r *CommunicatorRunner) Run(ctx context.Context, stackID string, reason string) error {
	stack, err := r.Deps.Store.GetStack(stackID)
	if err != nil {
		return fmt.Errorf("communicator: load stack: %w", err)
	}

	userMsg, err := r.Deps.Store.OldestUnprocessedUserMessage(stack.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("communicator: load unprocessed user message: %w", err)
	}
	if err == nil {
		return r.respondToVisitor(ctx, stackID, userMsg)
	}

	return r.respondToPeerMessages(ctx, stackID)
}

func (r *CommunicatorRunner) respondToVisitor(ctx context.Context, stackID string, userMsg *store.UserMessage) error {
	var selected *store.UserMessage

	build := func(_ context.Context, deps Deps, stackID string) (*llmgateway.JSONSchema, []llmgateway.Message, error) {
		selected = userMsg
		prompt := fmt.Sprintf("A visitor named %q asked:\n\n%s\n\nDraft a reply.", userMsg.SenderName, userMsg.Content)
		messages := []llmgateway.Message{
			{Role: llmgateway.RoleSystem, Content: "Respond only with the requested JSON object."},
			{Role: llmgateway.RoleUser, Content: prompt},
		}
		return communicatorSchema, messages, nil
	}

	apply := func(deps Deps, stackID string, parsed map[string]any) (string, string, error) {
		results := mapField(parsed, "results")
		content := stringField(results, "message")
		if content == "" {
			return "respond_to_visitor", "", fmt.Errorf("empty reply content")
		}

		msg, err := deps.Store.CreateMessage(&stackID, &stackID, store.MessageDirect, content)
		if err != nil {
			return "respond_to_visitor", "", fmt.Errorf("create reply message: %w", err)
		}
		if err := deps.Store.MarkUserMessageProcessed(selected.ID, msg.ID); err != nil {
			return "respond_to_visitor", "", fmt.Errorf("mark user message processed: %w", err)
		}
		return "respond_to_visitor", fmt.Sprintf("replied to %s", selected.SenderName), nil
	}

	return runSkeleton(ctx, r.Deps, stackID, store.AgentCommunicator, build, apply)
}

func (r *CommunicatorRunner) respondToPeerMessages(ctx context.Context, stackID string) error {
	var unread []*store.Message

	build := func(_ context.Context, deps Deps, stackID string) (*llmgateway.JSONSchema, []llmgateway.Message, error) {
		msgs, err := deps.Store.ListUnreadMessagesForStack(stackID)
		if err != nil {
			return nil, nil, fmt.Errorf("list unread messages: %w", err)
		}
		if len(msgs) == 0 {
			return nil, nil, nil
		}
		unread = msgs

		prompt := "Other stacks sent the following messages since your last check-in. Decide how to respond, if at all:\n\n"
		for _, m := range msgs {
			prompt += "- " + m.Content + "\n"
		}
		messages := []llmgateway.Message{
			{Role: llmgateway.RoleSystem, Content: "Respond only with the requested JSON object."},
			{Role: llmgateway.RoleUser, Content: prompt},
		}
		return communicatorSchema, messages, nil
	}

	apply := func(deps Deps, stackID string, parsed map[string]any) (string, string, error) {
		results := mapField(parsed, "results")
		content := stringField(results, "message")
		msgType := store.MessageBroadcast
		if stringField(results, "type") == "direct" {
			msgType = store.MessageDirect
		}

		var createdID string
		if content != "" {
			from := stackID
			msg, err := deps.Store.CreateMessage(&from, nil, msgType, content)
			if err != nil {
				return "respond_to_peers", "", fmt.Errorf("create reply message: %w", err)
			}
			createdID = msg.ID
		}

		for _, m := range unread {
			if err := deps.Store.MarkMessageRead(m.ID, stackID); err != nil {
				return "respond_to_peers", "", fmt.Errorf("mark message read: %w", err)
			}
		}

		if createdID == "" {
			return "respond_to_peers", fmt.Sprintf("consumed %d peer messages, no reply sent", len(unread)), nil
		}
		return "respond_to_peers", fmt.Sprintf("replied and consumed %d peer messages", len(unread)), nil
	}

	return runSkeleton(ctx, r.Deps, stackID, store.AgentCommunicator, build, apply)
}
