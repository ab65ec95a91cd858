package transcript

import (
	"testing"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/iambrandonn/corch/internal/protocol"
	"github.com/iambrandonn/corch/internal/tracker"
	"github.com/stretchr/testify/require"
)

func init() {
	// Keep assertions byte-stable regardless of the test terminal.
	color.NoColor = true
}

func TestFormatEvent(t *testing.T) {
	f := NewFormatter()
	taskID := uuid.MustParse("3f2f9a10-0000-0000-0000-000000000000")

	tests := []struct {
		name string
		evt  protocol.ExecutionEvent
		want string
	}{
		{
			"execution started",
			protocol.ExecutionEvent{Kind: protocol.EventExecutionStarted, TaskID: taskID, WorkingSpecID: "ws-1"},
			"[3f2f9a10] execution_started: spec: ws-1",
		},
		{
			"phase started",
			protocol.ExecutionEvent{Kind: protocol.EventPhaseStarted, TaskID: taskID, Phase: "propose"},
			"[3f2f9a10] phase_started: phase: propose",
		},
		{
			"phase failed",
			protocol.ExecutionEvent{Kind: protocol.EventPhaseCompleted, TaskID: taskID, Phase: "commit"},
			"[3f2f9a10] phase_completed: phase commit failed",
		},
		{
			"artifact",
			protocol.ExecutionEvent{Kind: protocol.EventArtifactProduced, TaskID: taskID, ArtifactPath: "src/a.go"},
			"[3f2f9a10] artifact_produced: artifact: src/a.go",
		},
		{
			"quality passed",
			protocol.ExecutionEvent{Kind: protocol.EventQualityCheckCompleted, TaskID: taskID, Passed: true, Score: 0.9},
			"[3f2f9a10] quality_check_completed: quality ok (0.90)",
		},
		{
			"failed",
			protocol.ExecutionEvent{Kind: protocol.EventExecutionFailed, TaskID: taskID, Error: "iteration_limit"},
			"[3f2f9a10] execution_failed: failed: iteration_limit",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, f.FormatEvent(&tt.evt))
		})
	}
}

func TestFormatProgress(t *testing.T) {
	f := NewFormatter()
	taskID := uuid.MustParse("3f2f9a10-0000-0000-0000-000000000000")

	p := &tracker.ExecutionProgress{
		TaskID:       taskID,
		Status:       protocol.StatusRunning,
		Completion:   40,
		CurrentPhase: "propose",
	}
	require.Equal(t, "[3f2f9a10] running  40% (propose)", f.FormatProgress(p))

	p = &tracker.ExecutionProgress{
		TaskID:       taskID,
		Status:       protocol.StatusFailed,
		Completion:   100,
		ErrorMessage: "timeout",
	}
	require.Equal(t, "[3f2f9a10] failed 100% error=timeout", f.FormatProgress(p))
}

func TestFormatBudget(t *testing.T) {
	f := NewFormatter()
	got := f.FormatBudget(
		protocol.BudgetState{FilesUsed: 1, LOCUsed: 3},
		protocol.BudgetLimits{MaxFiles: 3, MaxLOC: 50},
	)
	require.Equal(t, "budget: 1/3 files, 3/50 loc", got)
}
