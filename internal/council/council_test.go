package council

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/iambrandonn/corch/internal/protocol"
	"github.com/iambrandonn/corch/internal/waiver"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stubOracle returns a canned verdict, optionally after a delay.
type stubOracle struct {
	verdict *protocol.Verdict
	err     error
	delay   time.Duration
}

func (o *stubOracle) ReviewPlea(ctx context.Context, plea *protocol.BudgetOverrunPlea) (*protocol.Verdict, error) {
	if o.delay > 0 {
		select {
		case <-time.After(o.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return o.verdict, o.err
}

func validPlea(taskID uuid.UUID) *protocol.BudgetOverrunPlea {
	return &protocol.BudgetOverrunPlea{
		TaskID:         taskID,
		CurrentBudget:  protocol.BudgetLimits{MaxFiles: 2, MaxLOC: 20},
		ProposedBudget: protocol.BudgetLimits{MaxFiles: 2, MaxLOC: 40},
		Rationale:      "the fix needs a second pass over generated code",
		Evidence: protocol.PleaEvidence{
			IterationsAttempted: 2,
			BestScore:           0.7,
			ScoreHistory:        []float64{0.5, 0.7},
		},
		RiskAssessment: protocol.PleaRiskAssessment{
			Impact:             protocol.ImpactLow,
			RollbackComplexity: protocol.RollbackSimple,
		},
		Timestamp: time.Now().UTC(),
	}
}

func newTestWorkflow(t *testing.T, oracle Oracle, timeout time.Duration) (*Workflow, *waiver.Store) {
	t.Helper()
	store, err := waiver.NewStore(t.TempDir())
	require.NoError(t, err)
	return NewWorkflow(oracle, store, timeout, testLogger()), store
}

func TestApprovalMintsWaiver(t *testing.T) {
	// Scenario S2: council approves with conditions; waiver expires 24h
	// after issuance.
	oracle := &stubOracle{verdict: &protocol.Verdict{
		Approved:      true,
		Confidence:    0.9,
		Reasoning:     "well-evidenced",
		Conditions:    []string{"Monitor closely"},
		ReviewerCount: 3,
	}}
	wf, store := newTestWorkflow(t, oracle, time.Second)

	taskID := uuid.New()
	w, err := wf.PleadCase(context.Background(), validPlea(taskID))
	require.NoError(t, err)
	require.Equal(t, taskID, w.TaskID)
	require.Equal(t, protocol.BudgetLimits{MaxFiles: 2, MaxLOC: 40}, w.GrantedLimits)
	require.Equal(t, []string{"Monitor closely"}, w.Conditions)
	require.Equal(t, 24*time.Hour, w.ExpiresAt.Sub(w.IssuedAt))
	require.True(t, w.ValidAt(time.Now().UTC()))

	// The waiver is persisted.
	persisted, err := store.Load(w.ID)
	require.NoError(t, err)
	require.Equal(t, w.GrantedLimits, persisted.GrantedLimits)
}

func TestTimeoutDefaultsToReject(t *testing.T) {
	// Scenario S3: no verdict within the timeout. Default-deny, nothing
	// persisted.
	oracle := &stubOracle{
		verdict: &protocol.Verdict{Approved: true},
		delay:   time.Second,
	}
	wf, store := newTestWorkflow(t, oracle, 30*time.Millisecond)

	_, err := wf.PleadCase(context.Background(), validPlea(uuid.New()))

	var rejected *RejectedError
	require.ErrorAs(t, err, &rejected)
	require.Equal(t, "timeout", rejected.Reason)
	require.True(t, rejected.TimedOut())

	records, err := store.List()
	require.NoError(t, err)
	require.Empty(t, records, "a timed-out plea must not persist a waiver")
}

func TestRejectionCarriesReason(t *testing.T) {
	oracle := &stubOracle{verdict: &protocol.Verdict{
		Approved:  false,
		Reasoning: "insufficient evidence of convergence",
	}}
	wf, store := newTestWorkflow(t, oracle, time.Second)

	_, err := wf.PleadCase(context.Background(), validPlea(uuid.New()))

	var rejected *RejectedError
	require.ErrorAs(t, err, &rejected)
	require.Equal(t, "insufficient evidence of convergence", rejected.Reason)
	require.False(t, rejected.TimedOut())

	records, err := store.List()
	require.NoError(t, err)
	require.Empty(t, records)
}

func TestInvalidPleaRejectedEarly(t *testing.T) {
	called := false
	oracle := oracleFunc(func(ctx context.Context, plea *protocol.BudgetOverrunPlea) (*protocol.Verdict, error) {
		called = true
		return &protocol.Verdict{Approved: true}, nil
	})
	wf, _ := newTestWorkflow(t, oracle, time.Second)

	plea := validPlea(uuid.New())
	plea.Rationale = ""
	_, err := wf.PleadCase(context.Background(), plea)
	require.ErrorIs(t, err, ErrInvalidPlea)
	require.False(t, called, "malformed pleas never reach the oracle")
}

func TestOracleErrorPropagates(t *testing.T) {
	boom := errors.New("judges unavailable")
	wf, _ := newTestWorkflow(t, &stubOracle{err: boom}, time.Second)

	_, err := wf.PleadCase(context.Background(), validPlea(uuid.New()))
	require.ErrorIs(t, err, boom)
}

func TestCallerCancellationPropagates(t *testing.T) {
	oracle := &stubOracle{verdict: &protocol.Verdict{Approved: true}, delay: time.Second}
	wf, _ := newTestWorkflow(t, oracle, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := wf.PleadCase(ctx, validPlea(uuid.New()))
	require.ErrorIs(t, err, context.Canceled)
}

func TestAutoApproveOracle(t *testing.T) {
	wf, _ := newTestWorkflow(t, AutoApproveOracle{}, time.Second)

	w, err := wf.PleadCase(context.Background(), validPlea(uuid.New()))
	require.NoError(t, err)
	require.Equal(t, "council", w.GrantedBy)
}

// oracleFunc adapts a function to the Oracle interface.
type oracleFunc func(ctx context.Context, plea *protocol.BudgetOverrunPlea) (*protocol.Verdict, error)

func (f oracleFunc) ReviewPlea(ctx context.Context, plea *protocol.BudgetOverrunPlea) (*protocol.Verdict, error) {
	return f(ctx, plea)
}
