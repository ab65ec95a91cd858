// Package council runs the multi-judge approval workflow for budget
// overruns. A plea is validated, submitted to the council oracle, and
// raced against a wall-clock timeout. The timeout default is rejection:
// silence never grants budget.
package council

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/iambrandonn/corch/internal/metrics"
	"github.com/iambrandonn/corch/internal/protocol"
	"github.com/iambrandonn/corch/internal/waiver"
)

// waiverTTL is how long a freshly minted waiver stays in force.
const waiverTTL = 24 * time.Hour

// ErrInvalidPlea reports a plea that failed well-formedness checks before
// reaching the council.
var ErrInvalidPlea = errors.New("invalid plea")

// RejectedError reports a plea the council turned down. A timeout is a
// rejection with reason "timeout".
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("plea rejected: %s", e.Reason)
}

// TimedOut reports whether the rejection was the timeout default.
func (e *RejectedError) TimedOut() bool {
	return e.Reason == "timeout"
}

// Oracle is the external adjudication subsystem. A real implementation
// delegates to a quorum of judges; judge count, selection, and consensus
// rule are its own concern.
type Oracle interface {
	ReviewPlea(ctx context.Context, plea *protocol.BudgetOverrunPlea) (*protocol.Verdict, error)
}

// AutoApproveOracle approves every plea. It exists for controlled
// environments and tests and must be opted into explicitly; nothing in
// this package falls back to it.
type AutoApproveOracle struct{}

// ReviewPlea approves unconditionally.
func (AutoApproveOracle) ReviewPlea(ctx context.Context, plea *protocol.BudgetOverrunPlea) (*protocol.Verdict, error) {
	return &protocol.Verdict{
		Approved:      true,
		Confidence:    1.0,
		Reasoning:     "auto-approved",
		ReviewerCount: 0,
	}, nil
}

// Workflow drives plea review and waiver minting.
type Workflow struct {
	oracle  Oracle
	store   *waiver.Store
	timeout time.Duration
	logger  *slog.Logger
	metrics *metrics.Metrics

	// now is replaceable in tests
	now func() time.Time
}

// NewWorkflow wires a workflow to its oracle and waiver store. The timeout
// bounds how long a plea may wait for a verdict.
func NewWorkflow(oracle Oracle, store *waiver.Store, timeout time.Duration, logger *slog.Logger) *Workflow {
	return &Workflow{
		oracle:  oracle,
		store:   store,
		timeout: timeout,
		logger:  logger,
		now:     time.Now,
	}
}

// SetMetrics attaches prometheus instruments.
func (w *Workflow) SetMetrics(m *metrics.Metrics) {
	w.metrics = m
}

type reviewResult struct {
	verdict *protocol.Verdict
	err     error
}

// PleadCase submits a plea and returns the minted waiver on approval. On
// rejection or timeout it returns a RejectedError; no waiver is persisted.
func (w *Workflow) PleadCase(ctx context.Context, plea *protocol.BudgetOverrunPlea) (*protocol.Waiver, error) {
	if err := plea.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPlea, err)
	}

	if w.metrics != nil {
		w.metrics.PleasSubmitted.Inc()
	}

	w.logger.Info("pleading case to council",
		"task_id", plea.TaskID,
		"current", plea.CurrentBudget,
		"proposed", plea.ProposedBudget)

	reviewCtx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	results := make(chan reviewResult, 1)
	go func() {
		verdict, err := w.oracle.ReviewPlea(reviewCtx, plea)
		results <- reviewResult{verdict: verdict, err: err}
	}()

	select {
	case <-reviewCtx.Done():
		// Caller cancellation propagates as-is; expiry is the default-deny
		// path.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		w.logger.Warn("council review timed out", "task_id", plea.TaskID, "timeout", w.timeout)
		if w.metrics != nil {
			w.metrics.PleasRejected.Inc()
		}
		return nil, &RejectedError{Reason: "timeout"}
	case res := <-results:
		if res.err != nil {
			if w.metrics != nil {
				w.metrics.PleasRejected.Inc()
			}
			// An oracle that gives up because the review deadline passed
			// resolves the same way as the deadline itself.
			if reviewCtx.Err() != nil && ctx.Err() == nil {
				w.logger.Warn("council review timed out", "task_id", plea.TaskID, "timeout", w.timeout)
				return nil, &RejectedError{Reason: "timeout"}
			}
			return nil, fmt.Errorf("council review failed: %w", res.err)
		}
		if !res.verdict.Approved {
			w.logger.Info("council rejected plea",
				"task_id", plea.TaskID,
				"reasoning", res.verdict.Reasoning)
			if w.metrics != nil {
				w.metrics.PleasRejected.Inc()
			}
			reason := res.verdict.Reasoning
			if reason == "" {
				reason = "rejected by council"
			}
			return nil, &RejectedError{Reason: reason}
		}
		return w.mintWaiver(plea, res.verdict)
	}
}

// mintWaiver persists and returns the waiver for an approved plea.
func (w *Workflow) mintWaiver(plea *protocol.BudgetOverrunPlea, verdict *protocol.Verdict) (*protocol.Waiver, error) {
	now := w.now().UTC()
	granted := &protocol.Waiver{
		ID:             uuid.New(),
		TaskID:         plea.TaskID,
		GrantedBy:      "council",
		OriginalLimits: plea.CurrentBudget,
		GrantedLimits:  plea.ProposedBudget,
		Justification:  plea.Rationale,
		Conditions:     verdict.Conditions,
		IssuedAt:       now,
		ExpiresAt:      now.Add(waiverTTL),
	}

	if err := w.store.Save(granted); err != nil {
		return nil, fmt.Errorf("failed to persist waiver: %w", err)
	}

	if w.metrics != nil {
		w.metrics.WaiversGranted.Inc()
	}

	w.logger.Info("waiver granted",
		"task_id", plea.TaskID,
		"waiver_id", granted.ID,
		"granted", granted.GrantedLimits,
		"expires_at", granted.ExpiresAt,
		"confidence", verdict.Confidence)

	return granted, nil
}
