package protocol

import (
	"time"

	"github.com/google/uuid"
)

// RiskTier classifies how dangerous a task is. Tier 1 is the highest risk.
type RiskTier int

const (
	RiskTier1 RiskTier = 1
	RiskTier2 RiskTier = 2
	RiskTier3 RiskTier = 3
)

// Valid reports whether the tier is one of the three defined tiers.
func (t RiskTier) Valid() bool {
	return t >= RiskTier1 && t <= RiskTier3
}

// TaskDescriptor is the caller-supplied description of a unit of autonomous
// work. It is immutable after intake.
type TaskDescriptor struct {
	ID                 uuid.UUID         `json:"id"`
	Description        string            `json:"description"`
	RiskTier           RiskTier          `json:"risk_tier"`
	ScopeIn            []string          `json:"scope_in"`
	ScopeOut           []string          `json:"scope_out,omitempty"`
	AcceptanceCriteria []string          `json:"acceptance_criteria,omitempty"`
	Metadata           map[string]string `json:"metadata,omitempty"`
}

// BudgetLimits caps the resources a single task may consume.
type BudgetLimits struct {
	MaxFiles int `json:"max_files"`
	MaxLOC   int `json:"max_loc"`
}

// Exceeds reports whether l strictly exceeds other on at least one axis
// while being at least as large on both.
func (l BudgetLimits) Exceeds(other BudgetLimits) bool {
	if l.MaxFiles < other.MaxFiles || l.MaxLOC < other.MaxLOC {
		return false
	}
	return l.MaxFiles > other.MaxFiles || l.MaxLOC > other.MaxLOC
}

// BudgetState is the cumulative resource usage of a task. Touched records
// every path committed so far; FilesUsed is always its cardinality.
type BudgetState struct {
	FilesUsed int             `json:"files_used"`
	LOCUsed   int             `json:"loc_used"`
	Touched   map[string]bool `json:"touched,omitempty"`
}

// NewBudgetState returns an empty budget state.
func NewBudgetState() BudgetState {
	return BudgetState{Touched: make(map[string]bool)}
}

// Clone returns a deep copy of the state.
func (s BudgetState) Clone() BudgetState {
	out := BudgetState{FilesUsed: s.FilesUsed, LOCUsed: s.LOCUsed, Touched: make(map[string]bool, len(s.Touched))}
	for p := range s.Touched {
		out.Touched[p] = true
	}
	return out
}

// WorkingSpec is the planner's structured output for a task. A new planning
// iteration produces a new spec; an existing spec is never mutated.
type WorkingSpec struct {
	ID                 string       `json:"id"`
	TaskID             uuid.UUID    `json:"task_id"`
	Title              string       `json:"title"`
	Description        string       `json:"description"`
	Budget             BudgetLimits `json:"budget"`
	ScopeIn            []string     `json:"scope_in"`
	ScopeOut           []string     `json:"scope_out,omitempty"`
	AcceptanceCriteria []string     `json:"acceptance_criteria,omitempty"`
	TestPlan           string       `json:"test_plan,omitempty"`
	RollbackPlan       string       `json:"rollback_plan,omitempty"`
	EstimatedEffort    string       `json:"estimated_effort,omitempty"`
	ContextHash        string       `json:"context_hash"`
	CreatedAt          time.Time    `json:"created_at"`
}

// ChangeKind distinguishes the three file operations a worker may propose.
type ChangeKind string

const (
	ChangeCreate ChangeKind = "create"
	ChangeModify ChangeKind = "modify"
	ChangeDelete ChangeKind = "delete"
)

// FileChange is a single proposed operation against one workspace path.
// Modify and Delete carry the content the worker believes is on disk so the
// applier can pin the pre-image.
type FileChange struct {
	Kind            ChangeKind `json:"kind"`
	Path            string     `json:"path"`
	Content         string     `json:"content,omitempty"`
	ExpectedContent string     `json:"expected_content,omitempty"`
	NewContent      string     `json:"new_content,omitempty"`
}

// ChangeSet is an ordered sequence of file changes proposed by a worker in
// one iteration. Immutable once produced.
type ChangeSet struct {
	ID        string       `json:"id"`
	Rationale string       `json:"rationale"`
	Changes   []FileChange `json:"changes"`
	CreatedAt time.Time    `json:"created_at"`
}

// Paths returns the paths touched by the changeset, in order.
func (c *ChangeSet) Paths() []string {
	out := make([]string, 0, len(c.Changes))
	for _, ch := range c.Changes {
		out = append(out, ch.Path)
	}
	return out
}

// UnifiedDiff is the on-disk mutation format consumed by the diff applier.
// The pre-image digest pins the exact file state the diff was computed
// against; the post-image digest, when present, pins the expected result.
type UnifiedDiff struct {
	FilePath               string `json:"file_path"`
	DiffText               string `json:"diff_text"`
	ExpectedPreImageDigest string `json:"expected_pre_image_digest"`
	PostImageDigest        string `json:"post_image_digest,omitempty"`
}

// TaskStatus is the executor-owned lifecycle state of a task.
type TaskStatus string

const (
	StatusPending          TaskStatus = "pending"
	StatusStarting         TaskStatus = "starting"
	StatusRunning          TaskStatus = "running"
	StatusAwaitingApproval TaskStatus = "awaiting_approval"
	StatusPaused           TaskStatus = "paused"
	StatusCompleted        TaskStatus = "completed"
	StatusFailed           TaskStatus = "failed"
	StatusCancelled        TaskStatus = "cancelled"
)

// Terminal reports whether the status is one of the three terminal states.
func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// FailureReason is the closed set of reasons a task run can end
// unsuccessfully. The terminal ExecutionFailed event carries one of these.
type FailureReason string

const (
	ReasonPlanningFailed   FailureReason = "planning_failed"
	ReasonPlanningTimeout  FailureReason = "planning_timeout"
	ReasonWorkerFailed     FailureReason = "worker_failed"
	ReasonWorkerTimeout    FailureReason = "worker_timeout"
	ReasonPolicyViolations FailureReason = "policy_violations"
	ReasonIterationLimit   FailureReason = "iteration_limit"
	ReasonCancelled        FailureReason = "cancelled"
	ReasonTimeout          FailureReason = "timeout"
)

// Verdict is the council oracle's decision on a budget-overrun plea.
type Verdict struct {
	Approved      bool     `json:"approved"`
	Confidence    float64  `json:"confidence"`
	Reasoning     string   `json:"reasoning"`
	Conditions    []string `json:"conditions,omitempty"`
	ReviewerCount int      `json:"reviewer_count"`
}

// Waiver is a time-bounded grant of extended budget limits for one task.
// Waivers are persisted as immutable records; revocation is a new record.
type Waiver struct {
	ID             uuid.UUID    `json:"id"`
	TaskID         uuid.UUID    `json:"task_id"`
	GrantedBy      string       `json:"granted_by"`
	OriginalLimits BudgetLimits `json:"original_limits"`
	GrantedLimits  BudgetLimits `json:"granted_limits"`
	Justification  string       `json:"justification"`
	Conditions     []string     `json:"conditions,omitempty"`
	IssuedAt       time.Time    `json:"issued_at"`
	ExpiresAt      time.Time    `json:"expires_at"`

	// Negates is set on revocation records only; it names the waiver being
	// withdrawn.
	Negates uuid.UUID `json:"negates,omitempty"`
	Reason  string    `json:"reason,omitempty"`
}

// ValidAt reports whether the waiver is in force at the given instant: the
// window must be open and the granted limits must actually extend the
// original ones.
func (w *Waiver) ValidAt(now time.Time) bool {
	if now.Before(w.IssuedAt) || !now.Before(w.ExpiresAt) {
		return false
	}
	return w.GrantedLimits.Exceeds(w.OriginalLimits)
}
