package protocol

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ImpactLevel grades the blast radius of granting a budget extension.
type ImpactLevel string

const (
	ImpactLow      ImpactLevel = "low"
	ImpactMedium   ImpactLevel = "medium"
	ImpactHigh     ImpactLevel = "high"
	ImpactCritical ImpactLevel = "critical"
)

// RollbackComplexity grades how hard it would be to undo the extended work.
type RollbackComplexity string

const (
	RollbackSimple   RollbackComplexity = "simple"
	RollbackModerate RollbackComplexity = "moderate"
	RollbackComplex  RollbackComplexity = "complex"
	RollbackHighRisk RollbackComplexity = "high_risk"
)

// PleaEvidence documents what the task has already attempted, so judges can
// weigh whether more budget is likely to help.
type PleaEvidence struct {
	IterationsAttempted int       `json:"iterations_attempted"`
	BestScore           float64   `json:"best_score"`
	ScoreHistory        []float64 `json:"score_history"`
	FailedCriteria      []string  `json:"failed_criteria,omitempty"`
	Artifacts           []string  `json:"artifacts,omitempty"`
}

// PleaRiskAssessment is the requester's own accounting of what could go
// wrong if the extension is granted.
type PleaRiskAssessment struct {
	Impact             ImpactLevel        `json:"impact"`
	RollbackComplexity RollbackComplexity `json:"rollback_complexity"`
	Alternatives       []string           `json:"alternatives,omitempty"`
	MonitoringPlan     string             `json:"monitoring_plan,omitempty"`
}

// BudgetOverrunPlea is a structured request for extended budget limits,
// submitted to the council when a proposed changeset would exceed the
// task's current budget.
type BudgetOverrunPlea struct {
	TaskID         uuid.UUID          `json:"task_id"`
	CurrentBudget  BudgetLimits       `json:"current_budget"`
	ProposedBudget BudgetLimits       `json:"proposed_budget"`
	Rationale      string             `json:"rationale"`
	Evidence       PleaEvidence       `json:"evidence"`
	MitigationPlan string             `json:"mitigation_plan,omitempty"`
	RiskAssessment PleaRiskAssessment `json:"risk_assessment"`
	Timestamp      time.Time          `json:"timestamp"`
}

// Validate checks plea well-formedness: a non-empty rationale, at least one
// score sample, and a proposed budget that strictly exceeds the current one
// on at least one axis.
func (p *BudgetOverrunPlea) Validate() error {
	if p.TaskID == uuid.Nil {
		return fmt.Errorf("plea has no task id")
	}
	if p.Rationale == "" {
		return fmt.Errorf("plea rationale is empty")
	}
	if len(p.Evidence.ScoreHistory) == 0 {
		return fmt.Errorf("plea evidence contains no score samples")
	}
	if !p.ProposedBudget.Exceeds(p.CurrentBudget) {
		return fmt.Errorf("proposed budget %+v does not exceed current %+v",
			p.ProposedBudget, p.CurrentBudget)
	}
	return nil
}
