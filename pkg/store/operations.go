package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"stackforge/pkg/idgen"
)

// --- Stacks ---------------------------------------------------------------

// CreateStack inserts a new stack in the ideation phase, idle execution state.
func (s *Store) CreateStack(participantName string) (*Stack, error) {
	now := time.Now().UTC()
	st := &Stack{
		ID:              idgen.New(),
		ParticipantName: participantName,
		Phase:           PhaseIdeation,
		ExecutionState:  StackIdle,
		LastActivityAt:  now,
		TotalCycles:     0,
		CreationTime:    now,
	}
	_, err := s.db.Exec(`
		INSERT INTO stacks (id, participant_name, phase, execution_state, last_activity_at, total_cycles, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, st.ID, st.ParticipantName, st.Phase, st.ExecutionState, st.LastActivityAt, st.TotalCycles, st.CreationTime)
	if err != nil {
		return nil, fmt.Errorf("create stack: %w", err)
	}
	return st, nil
}

// GetStack fetches one stack by id.
func (s *Store) GetStack(stackID string) (*Stack, error) {
	row := s.db.QueryRow(`
		SELECT id, participant_name, phase, execution_state, last_activity_at, total_cycles, created_at
		FROM stacks WHERE id = ?
	`, stackID)
	return scanStack(row)
}

// ListStacks returns every stack, optionally filtered to a single execution state.
func (s *Store) ListStacks(executionState ExecutionState) ([]*Stack, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if executionState == "" {
		rows, err = s.db.Query(`
			SELECT id, participant_name, phase, execution_state, last_activity_at, total_cycles, created_at
			FROM stacks ORDER BY created_at ASC
		`)
	} else {
		rows, err = s.db.Query(`
			SELECT id, participant_name, phase, execution_state, last_activity_at, total_cycles, created_at
			FROM stacks WHERE execution_state = ? ORDER BY created_at ASC
		`, executionState)
	}
	if err != nil {
		return nil, fmt.Errorf("list stacks: %w", err)
	}
	defer rows.Close()

	var out []*Stack
	for rows.Next() {
		st, err := scanStack(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStack(row rowScanner) (*Stack, error) {
	st := &Stack{}
	err := row.Scan(&st.ID, &st.ParticipantName, &st.Phase, &st.ExecutionState,
		&st.LastActivityAt, &st.TotalCycles, &st.CreationTime)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan stack: %w", err)
	}
	return st, nil
}

// DeleteStack removes a stack and, via ON DELETE CASCADE, every row owned by
// it (todos, agent states, artifacts, traces, executions, ...). Broadcast
// messages addressed to other stacks are unaffected.
func (s *Store) DeleteStack(stackID string) error {
	res, err := s.db.Exec(`DELETE FROM stacks WHERE id = ?`, stackID)
	return requireRowAffected(res, err, "delete stack")
}

// UpdateStackExecutionState sets a stack's run state (admin start/pause/stop/resume).
func (s *Store) UpdateStackExecutionState(stackID string, state ExecutionState) error {
	res, err := s.db.Exec(`UPDATE stacks SET execution_state = ? WHERE id = ?`, state, stackID)
	return requireRowAffected(res, err, "update stack execution state")
}

// UpdateStackPhase sets a stack's lifecycle phase. Rejects values outside
// ValidPhases rather than writing an invariant-violating row.
func (s *Store) UpdateStackPhase(stackID string, phase Phase) error {
	if !ValidPhases[phase] {
		return fmt.Errorf("update stack phase: invalid phase %q", phase)
	}
	res, err := s.db.Exec(`UPDATE stacks SET phase = ? WHERE id = ?`, phase, stackID)
	return requireRowAffected(res, err, "update stack phase")
}

// TouchStackActivity stamps last_activity_at to now, used whenever any
// agent produces output for the stack.
func (s *Store) TouchStackActivity(stackID string) error {
	res, err := s.db.Exec(`UPDATE stacks SET last_activity_at = ? WHERE id = ?`, time.Now().UTC(), stackID)
	return requireRowAffected(res, err, "touch stack activity")
}

// IncrementStackCycles bumps a stack's total_cycles counter by one,
// called once per completed orchestrator cycle.
func (s *Store) IncrementStackCycles(stackID string) error {
	res, err := s.db.Exec(`UPDATE stacks SET total_cycles = total_cycles + 1 WHERE id = ?`, stackID)
	return requireRowAffected(res, err, "increment stack cycles")
}

func requireRowAffected(res sql.Result, err error, op string) error {
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: rows affected: %w", op, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- AgentState -------------------------------------------------------------

// GetAgentState fetches the (stack, agentType) memory row, creating a
// fresh idle one on first access so callers never have to special-case
// "agent never ran yet".
func (s *Store) GetAgentState(stackID string, agentType AgentType) (*AgentState, error) {
	row := s.db.QueryRow(`
		SELECT id, stack_id, agent_type, execution_state, current_work, context_json, memory_json, created_at
		FROM agent_states WHERE stack_id = ? AND agent_type = ?
	`, stackID, agentType)

	as, err := scanAgentState(row)
	if errors.Is(err, ErrNotFound) {
		return s.createAgentState(stackID, agentType)
	}
	return as, err
}

func (s *Store) createAgentState(stackID string, agentType AgentType) (*AgentState, error) {
	as := &AgentState{
		ID:             idgen.New(),
		StackID:        stackID,
		AgentType:      agentType,
		ExecutionState: AgentIdle,
		Context:        []string{},
		CreationTime:   time.Now().UTC(),
	}
	switch agentType {
	case AgentPlanner:
		as.Planner = &PlannerMemory{}
	case AgentBuilder:
		as.Builder = &BuilderMemory{}
	case AgentCommunicator:
		as.Communicator = &CommunicatorMemory{}
	case AgentReviewer:
		as.Reviewer = &ReviewerMemory{}
	}

	contextJSON, memoryJSON, err := encodeAgentState(as)
	if err != nil {
		return nil, err
	}

	_, err = s.db.Exec(`
		INSERT INTO agent_states (id, stack_id, agent_type, execution_state, current_work, context_json, memory_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(stack_id, agent_type) DO NOTHING
	`, as.ID, as.StackID, as.AgentType, as.ExecutionState, as.CurrentWork, contextJSON, memoryJSON, as.CreationTime)
	if err != nil {
		return nil, fmt.Errorf("create agent state: %w", err)
	}

	// Someone else may have inserted concurrently; re-read to get the
	// authoritative row either way.
	row := s.db.QueryRow(`
		SELECT id, stack_id, agent_type, execution_state, current_work, context_json, memory_json, created_at
		FROM agent_states WHERE stack_id = ? AND agent_type = ?
	`, stackID, agentType)
	return scanAgentState(row)
}

// UpsertAgentState writes an agent's full memory row back (called by each
// Runner after producing an action).
func (s *Store) UpsertAgentState(as *AgentState) error {
	contextJSON, memoryJSON, err := encodeAgentState(as)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO agent_states (id, stack_id, agent_type, execution_state, current_work, context_json, memory_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(stack_id, agent_type) DO UPDATE SET
			execution_state = excluded.execution_state,
			current_work = excluded.current_work,
			context_json = excluded.context_json,
			memory_json = excluded.memory_json
	`, as.ID, as.StackID, as.AgentType, as.ExecutionState, as.CurrentWork, contextJSON, memoryJSON, as.CreationTime)
	if err != nil {
		return fmt.Errorf("upsert agent state: %w", err)
	}
	return nil
}

func encodeAgentState(as *AgentState) (contextJSON, memoryJSON string, err error) {
	ctxBytes, err := json.Marshal(as.Context)
	if err != nil {
		return "", "", fmt.Errorf("marshal agent context: %w", err)
	}

	var payload any
	switch as.AgentType {
	case AgentPlanner:
		payload = as.Planner
	case AgentBuilder:
		payload = as.Builder
	case AgentCommunicator:
		payload = as.Communicator
	case AgentReviewer:
		payload = as.Reviewer
	default:
		return "", "", fmt.Errorf("encode agent state: unknown agent type %q", as.AgentType)
	}
	memBytes, err := json.Marshal(payload)
	if err != nil {
		return "", "", fmt.Errorf("marshal agent memory: %w", err)
	}
	return string(ctxBytes), string(memBytes), nil
}

func scanAgentState(row rowScanner) (*AgentState, error) {
	as := &AgentState{}
	var contextJSON, memoryJSON string
	err := row.Scan(&as.ID, &as.StackID, &as.AgentType, &as.ExecutionState, &as.CurrentWork,
		&contextJSON, &memoryJSON, &as.CreationTime)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan agent state: %w", err)
	}

	if err := json.Unmarshal([]byte(contextJSON), &as.Context); err != nil {
		return nil, fmt.Errorf("unmarshal agent context: %w", err)
	}

	switch as.AgentType {
	case AgentPlanner:
		as.Planner = &PlannerMemory{}
		err = json.Unmarshal([]byte(memoryJSON), as.Planner)
	case AgentBuilder:
		as.Builder = &BuilderMemory{}
		err = json.Unmarshal([]byte(memoryJSON), as.Builder)
	case AgentCommunicator:
		as.Communicator = &CommunicatorMemory{}
		err = json.Unmarshal([]byte(memoryJSON), as.Communicator)
	case AgentReviewer:
		as.Reviewer = &ReviewerMemory{}
		err = json.Unmarshal([]byte(memoryJSON), as.Reviewer)
	default:
		return nil, fmt.Errorf("scan agent state: unknown agent type %q", as.AgentType)
	}
	if err != nil {
		return nil, fmt.Errorf("unmarshal agent memory: %w", err)
	}
	return as, nil
}

// --- ProjectIdea ------------------------------------------------------------

// UpsertProjectIdea creates or replaces the stack's single project idea.
func (s *Store) UpsertProjectIdea(stackID, title, description, status string) (*ProjectIdea, error) {
	idea := &ProjectIdea{
		ID:           idgen.New(),
		StackID:      stackID,
		Title:        title,
		Description:  description,
		Status:       status,
		CreationTime: time.Now().UTC(),
	}
	_, err := s.db.Exec(`
		INSERT INTO project_ideas (id, stack_id, title, description, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(stack_id) DO UPDATE SET
			title = excluded.title,
			description = excluded.description,
			status = excluded.status
	`, idea.ID, idea.StackID, idea.Title, idea.Description, idea.Status, idea.CreationTime)
	if err != nil {
		return nil, fmt.Errorf("upsert project idea: %w", err)
	}
	return s.GetProjectIdea(stackID)
}

// GetProjectIdea returns the stack's project idea, or ErrNotFound if the
// Planner hasn't proposed one yet.
func (s *Store) GetProjectIdea(stackID string) (*ProjectIdea, error) {
	idea := &ProjectIdea{}
	err := s.db.QueryRow(`
		SELECT id, stack_id, title, description, status, created_at
		FROM project_ideas WHERE stack_id = ?
	`, stackID).Scan(&idea.ID, &idea.StackID, &idea.Title, &idea.Description, &idea.Status, &idea.CreationTime)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get project idea: %w", err)
	}
	return idea, nil
}

// --- Todos --------------------------------------------------------------

// CreateTodo inserts a new pending todo for a stack.
func (s *Store) CreateTodo(stackID, content string, priority int, assignedBy string) (*Todo, error) {
	t := &Todo{
		ID:         idgen.New(),
		StackID:    stackID,
		Content:    content,
		Status:     TodoPending,
		Priority:   priority,
		AssignedBy: assignedBy,
		CreatedAt:  time.Now().UTC(),
	}
	_, err := s.db.Exec(`
		INSERT INTO todos (id, stack_id, content, status, priority, assigned_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.StackID, t.Content, t.Status, t.Priority, t.AssignedBy, t.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("create todo: %w", err)
	}
	return t, nil
}

// ListTodosByStack returns every todo for a stack, optionally filtered by status.
func (s *Store) ListTodosByStack(stackID string, status TodoStatus) ([]*Todo, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if status == "" {
		rows, err = s.db.Query(`
			SELECT id, stack_id, content, status, priority, assigned_by, created_at, completed_at
			FROM todos WHERE stack_id = ? ORDER BY priority DESC, created_at ASC
		`, stackID)
	} else {
		rows, err = s.db.Query(`
			SELECT id, stack_id, content, status, priority, assigned_by, created_at, completed_at
			FROM todos WHERE stack_id = ? AND status = ? ORDER BY priority DESC, created_at ASC
		`, stackID, status)
	}
	if err != nil {
		return nil, fmt.Errorf("list todos: %w", err)
	}
	defer rows.Close()

	var out []*Todo
	for rows.Next() {
		t := &Todo{}
		if err := rows.Scan(&t.ID, &t.StackID, &t.Content, &t.Status, &t.Priority,
			&t.AssignedBy, &t.CreatedAt, &t.CompletedAt); err != nil {
			return nil, fmt.Errorf("scan todo: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// NextPendingTodo returns the highest-priority pending todo for a stack,
// the one the Builder should pick up next, or ErrNotFound if none.
func (s *Store) NextPendingTodo(stackID string) (*Todo, error) {
	t := &Todo{}
	err := s.db.QueryRow(`
		SELECT id, stack_id, content, status, priority, assigned_by, created_at, completed_at
		FROM todos WHERE stack_id = ? AND status = ?
		ORDER BY priority DESC, created_at ASC LIMIT 1
	`, stackID, TodoPending).Scan(&t.ID, &t.StackID, &t.Content, &t.Status, &t.Priority,
		&t.AssignedBy, &t.CreatedAt, &t.CompletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("next pending todo: %w", err)
	}
	return t, nil
}

// UpdateTodoStatus transitions a todo, stamping completed_at when moving to completed.
func (s *Store) UpdateTodoStatus(todoID string, status TodoStatus) error {
	var res sql.Result
	var err error
	if status == TodoCompleted {
		res, err = s.db.Exec(`UPDATE todos SET status = ?, completed_at = ? WHERE id = ?`,
			status, time.Now().UTC(), todoID)
	} else {
		res, err = s.db.Exec(`UPDATE todos SET status = ? WHERE id = ?`, status, todoID)
	}
	return requireRowAffected(res, err, "update todo status")
}

// TodoExistsWithContent reports whether a stack already has a todo (any
// status) whose content matches exactly.
func (s *Store) TodoExistsWithContent(stackID, content string) (bool, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(1) FROM todos WHERE stack_id = ? AND content = ?`,
		stackID, content).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check todo exists: %w", err)
	}
	return n > 0, nil
}

// FindTodoByContent returns the first todo for a stack whose content
// matches exactly, or ErrNotFound — the Planner's update_todo/delete_todo
// actions match by content rather than by id.
func (s *Store) FindTodoByContent(stackID, content string) (*Todo, error) {
	t := &Todo{}
	err := s.db.QueryRow(`
		SELECT id, stack_id, content, status, priority, assigned_by, created_at, completed_at
		FROM todos WHERE stack_id = ? AND content = ? LIMIT 1
	`, stackID, content).Scan(&t.ID, &t.StackID, &t.Content, &t.Status, &t.Priority,
		&t.AssignedBy, &t.CreatedAt, &t.CompletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find todo by content: %w", err)
	}
	return t, nil
}

// UpdateTodo rewrites a todo's content/priority in place, used by the
// Planner's update_todo action.
func (s *Store) UpdateTodo(todoID, content string, priority int) error {
	res, err := s.db.Exec(`UPDATE todos SET content = ?, priority = ? WHERE id = ?`, content, priority, todoID)
	return requireRowAffected(res, err, "update todo")
}

// DeleteTodo removes a single todo, used by the Planner's delete_todo action.
func (s *Store) DeleteTodo(todoID string) error {
	res, err := s.db.Exec(`DELETE FROM todos WHERE id = ?`, todoID)
	return requireRowAffected(res, err, "delete todo")
}

// ClearAllTodos wipes every todo for a stack and reports how many were
// removed, used by the Planner's clear_all_todos action.
func (s *Store) ClearAllTodos(stackID string) (int, error) {
	res, err := s.db.Exec(`DELETE FROM todos WHERE stack_id = ?`, stackID)
	if err != nil {
		return 0, fmt.Errorf("clear all todos: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("clear all todos: rows affected: %w", err)
	}
	return int(n), nil
}

// --- Messages -------------------------------------------------------------

// CreateMessage inserts a new broadcast, direct, or visitor message.
func (s *Store) CreateMessage(fromStackID, toStackID *string, msgType MessageType, content string) (*Message, error) {
	m := &Message{
		ID:          idgen.New(),
		FromStackID: fromStackID,
		ToStackID:   toStackID,
		MessageType: msgType,
		Content:     content,
		ReadBy:      map[string]bool{},
		CreatedAt:   time.Now().UTC(),
	}
	readByJSON, err := json.Marshal(m.ReadBy)
	if err != nil {
		return nil, fmt.Errorf("marshal read_by: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO messages (id, from_stack_id, to_stack_id, message_type, content, read_by_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, m.ID, m.FromStackID, m.ToStackID, m.MessageType, m.Content, string(readByJSON), m.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("create message: %w", err)
	}
	return m, nil
}

// ListUnreadMessagesForStack returns broadcast and direct messages a stack
// hasn't marked as read yet, oldest first.
func (s *Store) ListUnreadMessagesForStack(stackID string) ([]*Message, error) {
	rows, err := s.db.Query(`
		SELECT id, from_stack_id, to_stack_id, message_type, content, read_by_json, created_at
		FROM messages
		WHERE (to_stack_id IS NULL OR to_stack_id = ?) AND (from_stack_id IS NULL OR from_stack_id != ?)
		ORDER BY created_at ASC
	`, stackID, stackID)
	if err != nil {
		return nil, fmt.Errorf("list unread messages: %w", err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		if !m.ReadBy[stackID] {
			out = append(out, m)
		}
	}
	return out, rows.Err()
}

func scanMessage(rows *sql.Rows) (*Message, error) {
	m := &Message{}
	var readByJSON string
	if err := rows.Scan(&m.ID, &m.FromStackID, &m.ToStackID, &m.MessageType, &m.Content,
		&readByJSON, &m.CreatedAt); err != nil {
		return nil, fmt.Errorf("scan message: %w", err)
	}
	if err := json.Unmarshal([]byte(readByJSON), &m.ReadBy); err != nil {
		return nil, fmt.Errorf("unmarshal read_by: %w", err)
	}
	return m, nil
}

// MarkMessageRead records that stackID has consumed a message.
func (s *Store) MarkMessageRead(messageID, stackID string) error {
	var readByJSON string
	err := s.db.QueryRow(`SELECT read_by_json FROM messages WHERE id = ?`, messageID).Scan(&readByJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("mark message read: %w", err)
	}

	readBy := map[string]bool{}
	if err := json.Unmarshal([]byte(readByJSON), &readBy); err != nil {
		return fmt.Errorf("unmarshal read_by: %w", err)
	}
	readBy[stackID] = true
	updated, err := json.Marshal(readBy)
	if err != nil {
		return fmt.Errorf("marshal read_by: %w", err)
	}

	_, err = s.db.Exec(`UPDATE messages SET read_by_json = ? WHERE id = ?`, string(updated), messageID)
	if err != nil {
		return fmt.Errorf("mark message read: %w", err)
	}
	return nil
}

// --- UserMessages (visitor chat) -------------------------------------------

// CreateUserMessage inserts a new visitor chat message awaiting a Communicator response.
func (s *Store) CreateUserMessage(teamID, senderName, content string) (*UserMessage, error) {
	um := &UserMessage{
		ID:         idgen.New(),
		TeamID:     teamID,
		SenderName: senderName,
		Content:    content,
		Timestamp:  time.Now().UTC(),
		Processed:  false,
	}
	_, err := s.db.Exec(`
		INSERT INTO user_messages (id, team_id, sender_name, content, timestamp, processed)
		VALUES (?, ?, ?, ?, ?, 0)
	`, um.ID, um.TeamID, um.SenderName, um.Content, um.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("create user message: %w", err)
	}
	return um, nil
}

// OldestUnprocessedUserMessage returns the longest-waiting unanswered
// visitor message for a team, or ErrNotFound if the queue is empty.
func (s *Store) OldestUnprocessedUserMessage(teamID string) (*UserMessage, error) {
	um := &UserMessage{}
	err := s.db.QueryRow(`
		SELECT id, team_id, sender_name, content, timestamp, processed, response_id
		FROM user_messages WHERE team_id = ? AND processed = 0
		ORDER BY timestamp ASC LIMIT 1
	`, teamID).Scan(&um.ID, &um.TeamID, &um.SenderName, &um.Content, &um.Timestamp, &um.Processed, &um.ResponseID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("oldest unprocessed user message: %w", err)
	}
	return um, nil
}

// ListUnprocessedUserMessages returns every unanswered visitor message for
// a team, oldest first — the Work Detector's view of the visitor queue,
// as opposed to OldestUnprocessedUserMessage's single-row Communicator view.
func (s *Store) ListUnprocessedUserMessages(teamID string) ([]*UserMessage, error) {
	rows, err := s.db.Query(`
		SELECT id, team_id, sender_name, content, timestamp, processed, response_id
		FROM user_messages WHERE team_id = ? AND processed = 0
		ORDER BY timestamp ASC
	`, teamID)
	if err != nil {
		return nil, fmt.Errorf("list unprocessed user messages: %w", err)
	}
	defer rows.Close()

	var out []*UserMessage
	for rows.Next() {
		um := &UserMessage{}
		if err := rows.Scan(&um.ID, &um.TeamID, &um.SenderName, &um.Content, &um.Timestamp,
			&um.Processed, &um.ResponseID); err != nil {
			return nil, fmt.Errorf("scan user message: %w", err)
		}
		out = append(out, um)
	}
	return out, rows.Err()
}

// MarkUserMessageProcessed records the id of the Message that answered a
// visitor message.
func (s *Store) MarkUserMessageProcessed(messageID, responseID string) error {
	res, err := s.db.Exec(`UPDATE user_messages SET processed = 1, response_id = ? WHERE id = ?`,
		responseID, messageID)
	return requireRowAffected(res, err, "mark user message processed")
}

// ListChatHistory returns the most recent visitor messages for a team,
// newest last, bounded by limit.
func (s *Store) ListChatHistory(teamID string, limit int) ([]*UserMessage, error) {
	rows, err := s.db.Query(`
		SELECT id, team_id, sender_name, content, timestamp, processed, response_id
		FROM user_messages WHERE team_id = ?
		ORDER BY timestamp DESC LIMIT ?
	`, teamID, limit)
	if err != nil {
		return nil, fmt.Errorf("list chat history: %w", err)
	}
	defer rows.Close()

	var out []*UserMessage
	for rows.Next() {
		um := &UserMessage{}
		if err := rows.Scan(&um.ID, &um.TeamID, &um.SenderName, &um.Content, &um.Timestamp,
			&um.Processed, &um.ResponseID); err != nil {
			return nil, fmt.Errorf("scan user message: %w", err)
		}
		out = append(out, um)
	}
	// Reverse to oldest-first for display.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, rows.Err()
}

// --- Artifacts --------------------------------------------------------------

// CreateArtifact inserts the next version of a stack's artifact. Version
// numbers are assigned inside the same statement via a correlated
// subquery so two concurrent builders can never collide on a version.
func (s *Store) CreateArtifact(stackID, artifactType, content, createdBy string, metadata map[string]any) (*Artifact, error) {
	if metadata == nil {
		metadata = map[string]any{}
	}
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal artifact metadata: %w", err)
	}

	a := &Artifact{
		ID:           idgen.New(),
		StackID:      stackID,
		Type:         artifactType,
		Content:      content,
		CreatedBy:    createdBy,
		Metadata:     metadata,
		CreationTime: time.Now().UTC(),
	}

	_, err = s.db.Exec(`
		INSERT INTO artifacts (id, stack_id, version, type, content, created_by, metadata_json, created_at)
		VALUES (?, ?, (SELECT COALESCE(MAX(version), 0) + 1 FROM artifacts WHERE stack_id = ?), ?, ?, ?, ?, ?)
	`, a.ID, a.StackID, a.StackID, a.Type, a.Content, a.CreatedBy, string(metaJSON), a.CreationTime)
	if err != nil {
		return nil, fmt.Errorf("create artifact: %w", err)
	}

	if err := s.db.QueryRow(`SELECT version FROM artifacts WHERE id = ?`, a.ID).Scan(&a.Version); err != nil {
		return nil, fmt.Errorf("read back artifact version: %w", err)
	}
	return a, nil
}

// LatestArtifact returns the highest-version artifact for a stack, or
// ErrNotFound if the Builder hasn't produced one yet.
func (s *Store) LatestArtifact(stackID string) (*Artifact, error) {
	a := &Artifact{}
	var metaJSON string
	err := s.db.QueryRow(`
		SELECT id, stack_id, version, type, content, created_by, metadata_json, created_at
		FROM artifacts WHERE stack_id = ? ORDER BY version DESC LIMIT 1
	`, stackID).Scan(&a.ID, &a.StackID, &a.Version, &a.Type, &a.Content, &a.CreatedBy, &metaJSON, &a.CreationTime)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest artifact: %w", err)
	}
	if err := json.Unmarshal([]byte(metaJSON), &a.Metadata); err != nil {
		return nil, fmt.Errorf("unmarshal artifact metadata: %w", err)
	}
	return a, nil
}

// --- AgentTrace -------------------------------------------------------------

// maxTraceThoughtLen bounds how much of an agent's reasoning is retained
// per trace row, so a verbose LLM response can't blow up the traces table.
const maxTraceThoughtLen = 1000

// RecordTrace appends an observability record of one agent invocation.
// Uses a ULID so ORDER BY id matches creation order.
func (s *Store) RecordTrace(stackID string, agentType AgentType, thought, action, result string) (*AgentTrace, error) {
	if len(thought) > maxTraceThoughtLen {
		thought = thought[:maxTraceThoughtLen]
	}
	t := &AgentTrace{
		ID:        idgen.NewOrdered(),
		StackID:   stackID,
		AgentType: agentType,
		Thought:   thought,
		Action:    action,
		Result:    result,
		Timestamp: time.Now().UTC(),
	}
	_, err := s.db.Exec(`
		INSERT INTO agent_traces (id, stack_id, agent_type, thought, action, result, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.StackID, t.AgentType, t.Thought, t.Action, t.Result, t.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("record trace: %w", err)
	}
	return t, nil
}

// RecentTraces returns the most recent traces for a stack, newest first.
func (s *Store) RecentTraces(stackID string, limit int) ([]*AgentTrace, error) {
	rows, err := s.db.Query(`
		SELECT id, stack_id, agent_type, thought, action, result, timestamp
		FROM agent_traces WHERE stack_id = ? ORDER BY id DESC LIMIT ?
	`, stackID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent traces: %w", err)
	}
	defer rows.Close()

	var out []*AgentTrace
	for rows.Next() {
		t := &AgentTrace{}
		if err := rows.Scan(&t.ID, &t.StackID, &t.AgentType, &t.Thought, &t.Action, &t.Result, &t.Timestamp); err != nil {
			return nil, fmt.Errorf("scan trace: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// --- OrchestratorExecution (single-flight lease) ---------------------------

// TryAcquireExecutionLease attempts to start a new running execution for
// stackID. It returns ErrConflictRetry if another execution is already
// running for that stack: the INSERT ... SELECT ... WHERE NOT EXISTS
// inserts zero rows when a running execution exists, and this method
// detects and reports that effect. The partial unique index on
// (stack_id) WHERE status='running' backs the same invariant in the schema.
func (s *Store) TryAcquireExecutionLease(stackID string) (*OrchestratorExecution, error) {
	exec := &OrchestratorExecution{
		ID:        idgen.NewOrdered(),
		StackID:   stackID,
		Status:    ExecRunning,
		StartedAt: time.Now().UTC(),
	}
	res, err := s.db.Exec(`
		INSERT INTO orchestrator_executions (id, stack_id, status, started_at)
		SELECT ?, ?, ?, ?
		WHERE NOT EXISTS (
			SELECT 1 FROM orchestrator_executions WHERE stack_id = ? AND status = 'running'
		)
	`, exec.ID, exec.StackID, exec.Status, exec.StartedAt, stackID)
	if err != nil {
		return nil, fmt.Errorf("acquire execution lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("acquire execution lease: rows affected: %w", err)
	}
	if n == 0 {
		return nil, ErrConflictRetry
	}
	return exec, nil
}

// FinalizeExecution closes out a running execution with its terminal
// status, decision, graph summary, and the width (in concurrent agents) of
// the widest wave the graph executor ran this cycle.
func (s *Store) FinalizeExecution(executionID string, status ExecutionStatus, decision, graphSummary string, pauseDuration *time.Duration, parallelExecutions int, execErr *string) error {
	var pauseMS *int64
	if pauseDuration != nil {
		ms := pauseDuration.Milliseconds()
		pauseMS = &ms
	}
	res, err := s.db.Exec(`
		UPDATE orchestrator_executions
		SET status = ?, completed_at = ?, decision = ?, graph_summary = ?, pause_duration_ms = ?, parallel_executions = ?, error = ?
		WHERE id = ?
	`, status, time.Now().UTC(), decision, graphSummary, pauseMS, parallelExecutions, execErr, executionID)
	return requireRowAffected(res, err, "finalize execution")
}

// LatestExecution returns the most recent execution for a stack.
func (s *Store) LatestExecution(stackID string) (*OrchestratorExecution, error) {
	row := s.db.QueryRow(`
		SELECT id, stack_id, status, started_at, completed_at, decision, pause_duration_ms, graph_summary, parallel_executions, error
		FROM orchestrator_executions WHERE stack_id = ? ORDER BY id DESC LIMIT 1
	`, stackID)
	return scanExecution(row)
}

// RecentExecutions returns the most recent executions for a stack, newest first.
func (s *Store) RecentExecutions(stackID string, limit int) ([]*OrchestratorExecution, error) {
	rows, err := s.db.Query(`
		SELECT id, stack_id, status, started_at, completed_at, decision, pause_duration_ms, graph_summary, parallel_executions, error
		FROM orchestrator_executions WHERE stack_id = ? ORDER BY id DESC LIMIT ?
	`, stackID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent executions: %w", err)
	}
	defer rows.Close()

	var out []*OrchestratorExecution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// StuckRunningExecutions returns executions still marked running after
// olderThan has elapsed since they started.
func (s *Store) StuckRunningExecutions(olderThan time.Duration) ([]*OrchestratorExecution, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	rows, err := s.db.Query(`
		SELECT id, stack_id, status, started_at, completed_at, decision, pause_duration_ms, graph_summary, parallel_executions, error
		FROM orchestrator_executions WHERE status = 'running' AND started_at < ?
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("stuck running executions: %w", err)
	}
	defer rows.Close()

	var out []*OrchestratorExecution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanExecution(row rowScanner) (*OrchestratorExecution, error) {
	e := &OrchestratorExecution{}
	var pauseMS *int64
	err := row.Scan(&e.ID, &e.StackID, &e.Status, &e.StartedAt, &e.CompletedAt,
		&e.Decision, &pauseMS, &e.GraphSummary, &e.ParallelExecutions, &e.Error)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan execution: %w", err)
	}
	if pauseMS != nil {
		d := time.Duration(*pauseMS) * time.Millisecond
		e.PauseDuration = &d
	}
	return e, nil
}

// --- ExecutionGraph ---------------------------------------------------------

// RecordExecutionGraph persists the DAG snapshot for one cycle.
func (s *Store) RecordExecutionGraph(stackID, executionID string, graphJSON []byte) (*ExecutionGraph, error) {
	g := &ExecutionGraph{
		ID:                      idgen.NewOrdered(),
		StackID:                 stackID,
		OrchestratorExecutionID: executionID,
		Graph:                   graphJSON,
		CreationTime:            time.Now().UTC(),
	}
	_, err := s.db.Exec(`
		INSERT INTO execution_graphs (id, stack_id, orchestrator_execution_id, graph_json, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, g.ID, g.StackID, g.OrchestratorExecutionID, string(g.Graph), g.CreationTime)
	if err != nil {
		return nil, fmt.Errorf("record execution graph: %w", err)
	}
	return g, nil
}

// RecentExecutionGraphs returns the most recent DAG snapshots for a stack,
// newest first.
func (s *Store) RecentExecutionGraphs(stackID string, limit int) ([]*ExecutionGraph, error) {
	rows, err := s.db.Query(`
		SELECT id, stack_id, orchestrator_execution_id, graph_json, created_at
		FROM execution_graphs WHERE stack_id = ? ORDER BY id DESC LIMIT ?
	`, stackID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent execution graphs: %w", err)
	}
	defer rows.Close()

	var out []*ExecutionGraph
	for rows.Next() {
		g := &ExecutionGraph{}
		var graphJSON string
		if err := rows.Scan(&g.ID, &g.StackID, &g.OrchestratorExecutionID, &graphJSON, &g.CreationTime); err != nil {
			return nil, fmt.Errorf("scan execution graph: %w", err)
		}
		g.Graph = []byte(graphJSON)
		out = append(out, g)
	}
	return out, rows.Err()
}

// --- WorkDetectionCache -----------------------------------------------------

// GetWorkDetectionCache returns the cached work status for a stack if it
// hasn't expired, or ErrNotFound if absent or stale.
func (s *Store) GetWorkDetectionCache(stackID string) (*WorkDetectionCache, error) {
	c := &WorkDetectionCache{StackID: stackID}
	var entriesJSON string
	err := s.db.QueryRow(`
		SELECT entries_json, computed_at, valid_until FROM work_detection_cache WHERE stack_id = ?
	`, stackID).Scan(&entriesJSON, &c.ComputedAt, &c.ValidUntil)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get work detection cache: %w", err)
	}
	if time.Now().UTC().After(c.ValidUntil) {
		return nil, ErrNotFound
	}
	if err := json.Unmarshal([]byte(entriesJSON), &c.Entries); err != nil {
		return nil, fmt.Errorf("unmarshal work detection cache: %w", err)
	}
	return c, nil
}

// PutWorkDetectionCache overwrites the cached work status for a stack,
// valid for WorkDetectionCacheTTL from now.
func (s *Store) PutWorkDetectionCache(stackID string, entries map[AgentType]WorkEntry) error {
	entriesJSON, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("marshal work detection cache: %w", err)
	}
	now := time.Now().UTC()
	_, err = s.db.Exec(`
		INSERT INTO work_detection_cache (stack_id, entries_json, computed_at, valid_until)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(stack_id) DO UPDATE SET
			entries_json = excluded.entries_json,
			computed_at = excluded.computed_at,
			valid_until = excluded.valid_until
	`, stackID, string(entriesJSON), now, now.Add(WorkDetectionCacheTTL))
	if err != nil {
		return fmt.Errorf("put work detection cache: %w", err)
	}
	return nil
}

// --- Aggregate stats --------------------------------------------------------

// OrchestrationStats summarizes cycle activity across a time window, the
// data behind the observability RPC's getOrchestrationStats call.
type OrchestrationStats struct {
	TotalCycles           int
	CompletedCycles       int
	FailedCycles          int
	PausedCycles          int
	ContinueDecisions     int
	PauseDecisions        int
	AvgCycleDurationMs    float64
	AvgParallelExecutions float64
}

// GetOrchestrationStats aggregates one stack's orchestrator_executions in
// [since, now), the data behind the getOrchestrationStats(stackId,
// timeRangeMs) observability RPC.
func (s *Store) GetOrchestrationStats(stackID string, since time.Time) (*OrchestrationStats, error) {
	stats := &OrchestrationStats{}
	err := s.db.QueryRow(`
		SELECT
			COUNT(1),
			SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END),
			SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END),
			SUM(CASE WHEN status = 'paused' THEN 1 ELSE 0 END),
			SUM(CASE WHEN lower(decision) LIKE 'continue%' THEN 1 ELSE 0 END),
			SUM(CASE WHEN lower(decision) LIKE 'pause%' THEN 1 ELSE 0 END),
			COALESCE(AVG(CASE WHEN completed_at IS NOT NULL
				THEN (julianday(completed_at) - julianday(started_at)) * 86400000.0
				ELSE NULL END), 0),
			COALESCE(AVG(parallel_executions), 0)
		FROM orchestrator_executions WHERE stack_id = ? AND started_at >= ?
	`, stackID, since).Scan(&stats.TotalCycles, &stats.CompletedCycles, &stats.FailedCycles, &stats.PausedCycles,
		&stats.ContinueDecisions, &stats.PauseDecisions, &stats.AvgCycleDurationMs, &stats.AvgParallelExecutions)
	if err != nil {
		return nil, fmt.Errorf("orchestration stats: %w", err)
	}
	return stats, nil
}
