// Package store implements the transactional, keyed document store that
// backs every entity in the orchestrator's data model: Stack, AgentState,
// ProjectIdea, Todo, Message, UserMessage, Artifact, AgentTrace,
// OrchestratorExecution, ExecutionGraph, and WorkDetectionCache.
//
// It is backed by SQLite (modernc.org/sqlite, pure Go) in WAL mode with a
// single writer connection, following the teacher repo's persistence
// package connection settings. Each operation runs its statement directly
// on the *sql.DB pool (no explicit transactions), with queries served by
// the indexes the spec requires.
package store

import "time"

// Phase is a Stack's place in the hackathon lifecycle.
type Phase string

const (
	PhaseIdeation  Phase = "ideation"
	PhaseBuilding  Phase = "building"
	PhaseDemo      Phase = "demo"
	PhaseCompleted Phase = "completed"
)

// ValidPhases is the set of phase literals a Planner update_phase action
// may transition to. The Planner skips an update_phase action naming any
// other value without applying or logging it.
var ValidPhases = map[Phase]bool{
	PhaseIdeation:  true,
	PhaseBuilding:  true,
	PhaseDemo:      true,
	PhaseCompleted: true,
}

// ExecutionState is a Stack's run state, driven by the admin RPC surface.
type ExecutionState string

const (
	StackIdle    ExecutionState = "idle"
	StackRunning ExecutionState = "running"
	StackPaused  ExecutionState = "paused"
	StackStopped ExecutionState = "stopped"
)

// Stack is one participant's team: four agents, one project, one artifact series.
type Stack struct {
	ID              string
	ParticipantName string
	Phase           Phase
	ExecutionState  ExecutionState
	LastActivityAt  time.Time
	TotalCycles     int
	CreationTime    time.Time
}

// AgentType identifies one of the four cooperating roles.
type AgentType string

const (
	AgentPlanner      AgentType = "planner"
	AgentBuilder      AgentType = "builder"
	AgentCommunicator AgentType = "communicator"
	AgentReviewer     AgentType = "reviewer"
)

// AllAgentTypes lists the four roles in a stable order, used anywhere the
// orchestrator needs to iterate deterministically (e.g. work detection).
var AllAgentTypes = []AgentType{AgentPlanner, AgentBuilder, AgentCommunicator, AgentReviewer}

// AgentExecState is the per-agent execution lifecycle tracked in memory.
type AgentExecState string

const (
	AgentIdle      AgentExecState = "idle"
	AgentExecuting AgentExecState = "executing"
	AgentError     AgentExecState = "error"
)

// PlannerMemory holds the Planner's timers and cross-agent hand-off fields.
type PlannerMemory struct {
	LastPlanningTime         time.Time `json:"lastPlanningTime"`
	ReviewerRecommendations  []string  `json:"reviewerRecommendations,omitempty"`
	RecommendationsTimestamp time.Time `json:"recommendationsTimestamp,omitempty"`
	RecommendationsType      string    `json:"recommendationsType,omitempty"`
}

// BuilderMemory holds the Builder's bookkeeping. Currently empty beyond the
// shared fields on AgentState, kept as its own type so the tagged union is
// exhaustive and future builder-specific timers have a home.
type BuilderMemory struct{}

// CommunicatorMemory holds the Communicator's bookkeeping. Currently empty
// beyond the shared fields on AgentState; see BuilderMemory.
type CommunicatorMemory struct{}

// ReviewerMemory holds the Reviewer's timers and last-seen-artifact marker.
type ReviewerMemory struct {
	LastReviewTime        time.Time `json:"lastReviewTime"`
	LastReviewedVersion   int       `json:"lastReviewedVersion"`
	LastReviewIssuesCount int       `json:"lastReviewIssuesCount"`
	TopRecommendations    []string  `json:"topRecommendations,omitempty"`
}

// AgentState is one (stack, agentType) pair's persisted memory and
// short-term context. Memory is a tagged union rather than an untyped bag:
// exactly one of Planner/Builder/Communicator/Reviewer is populated,
// selected by AgentType.
type AgentState struct {
	ID             string
	StackID        string
	AgentType      AgentType
	ExecutionState AgentExecState
	CurrentWork    string
	Context        []string // recent thoughts, most recent last
	Planner        *PlannerMemory
	Builder        *BuilderMemory
	Communicator   *CommunicatorMemory
	Reviewer       *ReviewerMemory
	CreationTime   time.Time
}

// ProjectIdea is the Planner's upserted description of what the stack is building.
type ProjectIdea struct {
	ID           string
	StackID      string
	Title        string
	Description  string
	Status       string
	CreationTime time.Time
}

// TodoStatus tracks a Todo through the Builder's work loop.
type TodoStatus string

const (
	TodoPending    TodoStatus = "pending"
	TodoInProgress TodoStatus = "in_progress"
	TodoCompleted  TodoStatus = "completed"
	TodoCancelled  TodoStatus = "cancelled"
)

// Todo is one unit of Builder work, created and matched-by-content by the Planner.
type Todo struct {
	ID          string
	StackID     string
	Content     string
	Status      TodoStatus
	Priority    int // 1-10
	AssignedBy  string
	CreatedAt   time.Time
	CompletedAt *time.Time
}

// MessageType distinguishes how a Message should be routed/displayed.
type MessageType string

const (
	MessageBroadcast MessageType = "broadcast"
	MessageDirect    MessageType = "direct"
	MessageVisitor   MessageType = "visitor"
)

// Message is inter-stack (or visitor-facing) chat, shared across stacks.
type Message struct {
	ID          string
	FromStackID *string // absent for external/visitor-originated messages
	ToStackID   *string // absent => broadcast
	MessageType MessageType
	Content     string
	ReadBy      map[string]bool // set of stack ids that have consumed this message
	CreatedAt   time.Time
}

// UserMessage is a visitor chat message awaiting a Communicator response.
type UserMessage struct {
	ID         string
	TeamID     string
	SenderName string
	Content    string
	Timestamp  time.Time
	Processed  bool
	ResponseID *string
}

// Artifact is one version of a Stack's build output. Append-only; version
// is strictly increasing per stack, starting at 1.
type Artifact struct {
	ID           string
	StackID      string
	Version      int
	Type         string // always "html"
	Content      string
	CreatedBy    string // always "builder"
	Metadata     map[string]any
	CreationTime time.Time
}

// AgentTrace is an append-only observability record of one agent invocation.
type AgentTrace struct {
	ID        string
	StackID   string
	AgentType AgentType
	Thought   string // truncated to 1000 chars before persistence
	Action    string
	Result    string
	Timestamp time.Time
}

// ExecutionStatus tracks an OrchestratorExecution through its one-way
// running -> {completed, paused, failed} transition.
type ExecutionStatus string

const (
	ExecRunning   ExecutionStatus = "running"
	ExecCompleted ExecutionStatus = "completed"
	ExecPaused    ExecutionStatus = "paused"
	ExecFailed    ExecutionStatus = "failed"
)

// OrchestratorExecution is one cycle's lease-and-record row. The partial
// unique index on (stack_id) WHERE status='running' is what makes this
// row double as the single-flight lease described in the design notes.
type OrchestratorExecution struct {
	ID                 string
	StackID            string
	Status             ExecutionStatus
	StartedAt          time.Time
	CompletedAt        *time.Time
	Decision           string
	PauseDuration      *time.Duration
	GraphSummary       string
	ParallelExecutions int
	Error              *string
}

// ExecutionGraph is the optional per-cycle snapshot of the DAG that ran.
type ExecutionGraph struct {
	ID                       string
	StackID                  string
	OrchestratorExecutionID  string
	Graph                    []byte // JSON-encoded graph.Graph
	CreationTime             time.Time
}

// WorkEntry is one agent's work-detection result.
type WorkEntry struct {
	HasWork bool
	Priority int
	Reason   string
}

// WorkDetectionCache is the short-TTL cache of the last Work Detector run
// for a stack. Advisory only: readers must ignore stale entries.
type WorkDetectionCache struct {
	StackID     string
	Entries     map[AgentType]WorkEntry
	ComputedAt  time.Time
	ValidUntil  time.Time
}

// WorkDetectionCacheTTL is how long a cached WorkStatus is considered fresh.
const WorkDetectionCacheTTL = 5 * time.Second
