// Package types defines the shared domain model for localflow:
// drafts, tool plans, approvals, executions, permission scopes, and
// the chunk index records used for local retrieval.
package types

import "time"

// =============================================================================
// DRAFTS
// =============================================================================

// DraftStatus is the lifecycle state of a draft.
type DraftStatus string

const (
	// DraftStatusDrafting means the draft is open for edits.
	DraftStatusDrafting DraftStatus = "DRAFTING"

	// DraftStatusApproved means the draft was hash-locked by an approval.
	// An edit moves it back to DRAFTING; the stored approval stays immutable
	// and simply stops matching.
	DraftStatusApproved DraftStatus = "APPROVED"
)

// Draft is the editable deliverable produced for a conversation turn.
type Draft struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversation_id"`
	Title          string      `json:"title"`
	Content        string      `json:"content"`
	Status         DraftStatus `json:"status"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// =============================================================================
// TOOL PLANS
// =============================================================================

// ToolAction is one proposed action in a tool plan.
type ToolAction struct {
	ID     string                 `json:"id,omitempty"`
	Tool   string                 `json:"tool"`
	Params map[string]interface{} `json:"params"`
}

// ToolPlan is the ordered list of actions attached to a draft.
type ToolPlan struct {
	Actions []ToolAction `json:"actions"`
}

// IsEmpty reports whether the plan carries no actions.
func (p ToolPlan) IsEmpty() bool {
	return len(p.Actions) == 0
}

// =============================================================================
// APPROVALS
// =============================================================================

// Approval is an immutable hash-locked snapshot authorizing execution.
// Once created its hashes never change; a draft edit makes it permanently
// unusable until a new approval is taken.
type Approval struct {
	ID              string       `json:"id"`
	DraftID         string       `json:"draft_id"`
	DraftHash       string       `json:"draft_hash"`
	ToolPlanHash    string       `json:"tool_plan_hash"`
	ApprovedActions []ToolAction `json:"approved_actions"`
	CreatedAt       time.Time    `json:"created_at"`
}

// =============================================================================
// EXECUTIONS
// =============================================================================

// ExecutionOutcome classifies an execution audit record.
type ExecutionOutcome string

const (
	OutcomeOK       ExecutionOutcome = "ok"
	OutcomeError    ExecutionOutcome = "error"
	OutcomeRejected ExecutionOutcome = "rejected"
)

// Confirmation is the caller-supplied payload for MEDIUM/HIGH risk tools.
type Confirmation struct {
	// ApprovedActions lists the sub-step ids the user confirmed.
	ApprovedActions []string `json:"approved_actions"`

	// AllowHighRisk must be true for HIGH risk tools.
	AllowHighRisk bool `json:"allow_high_risk"`
}

// Execution is the append-only audit record of one tool dispatch attempt.
// Rejections are recorded too, never silently dropped.
type Execution struct {
	ID           string                 `json:"id"`
	ApprovalID   string                 `json:"approval_id"`
	ToolName     string                 `json:"tool_name"`
	ToolInput    map[string]interface{} `json:"tool_input"`
	Confirmation *Confirmation          `json:"confirmation,omitempty"`
	Result       string                 `json:"result"`
	Outcome      ExecutionOutcome       `json:"outcome"`
	Reason       string                 `json:"reason,omitempty"`
	StartedAt    time.Time              `json:"started_at"`
	FinishedAt   time.Time              `json:"finished_at"`
}

// =============================================================================
// RISK TIERS
// =============================================================================

// RiskLevel classifies a tool for confirmation requirements.
type RiskLevel string

const (
	RiskLow    RiskLevel = "LOW"
	RiskMedium RiskLevel = "MEDIUM"
	RiskHigh   RiskLevel = "HIGH"
)

// =============================================================================
// PERMISSIONS AND RETRIEVAL
// =============================================================================

// PermissionScope is the set of filesystem roots authorized for retrieval.
type PermissionScope struct {
	Roots         []string  `json:"roots"`
	LastChangedAt time.Time `json:"last_changed_at"`
}

// IsEmpty reports whether no roots are authorized.
func (s PermissionScope) IsEmpty() bool {
	return len(s.Roots) == 0
}

// Chunk is a retrievable slice of an indexed file.
type Chunk struct {
	ID          string    `json:"id"`
	SourcePath  string    `json:"source_path"`
	Root        string    `json:"root"`
	StartOffset int       `json:"start_offset"`
	Text        string    `json:"text"`
	Vector      []float32 `json:"vector"`
}

// IndexMetadata describes the last completed index build.
type IndexMetadata struct {
	Roots         []string  `json:"roots"`
	FilesIndexed  int       `json:"files_indexed"`
	ChunksIndexed int       `json:"chunks_indexed"`
	IndexedAt     time.Time `json:"indexed_at"`
}

// SearchHit is one ranked retrieval result.
type SearchHit struct {
	SourcePath string  `json:"source_path"`
	Snippet    string  `json:"snippet"`
	Score      float64 `json:"score"`
}

// =============================================================================
// CONVERSATIONS
// =============================================================================

// Conversation groups messages and drafts for one chat thread.
type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
}

// Message is one turn of conversation history.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           string    `json:"role"` // "user" | "assistant"
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}
