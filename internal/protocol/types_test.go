package protocol

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestBudgetLimitsExceeds(t *testing.T) {
	base := BudgetLimits{MaxFiles: 2, MaxLOC: 20}

	tests := []struct {
		name     string
		proposed BudgetLimits
		want     bool
	}{
		{"both larger", BudgetLimits{MaxFiles: 3, MaxLOC: 40}, true},
		{"one axis larger", BudgetLimits{MaxFiles: 2, MaxLOC: 40}, true},
		{"equal", BudgetLimits{MaxFiles: 2, MaxLOC: 20}, false},
		{"one axis smaller", BudgetLimits{MaxFiles: 3, MaxLOC: 10}, false},
		{"both smaller", BudgetLimits{MaxFiles: 1, MaxLOC: 10}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, tt.proposed.Exceeds(base))
		})
	}
}

func TestWaiverValidAt(t *testing.T) {
	issued := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	w := &Waiver{
		ID:             uuid.New(),
		TaskID:         uuid.New(),
		GrantedBy:      "council",
		OriginalLimits: BudgetLimits{MaxFiles: 2, MaxLOC: 20},
		GrantedLimits:  BudgetLimits{MaxFiles: 2, MaxLOC: 40},
		IssuedAt:       issued,
		ExpiresAt:      issued.Add(24 * time.Hour),
	}

	require.True(t, w.ValidAt(issued))
	require.True(t, w.ValidAt(issued.Add(23*time.Hour)))
	require.False(t, w.ValidAt(issued.Add(24*time.Hour)), "expiry instant is exclusive")
	require.False(t, w.ValidAt(issued.Add(-time.Second)), "not valid before issuance")

	// A waiver that does not actually extend the limits is never valid.
	w.GrantedLimits = w.OriginalLimits
	require.False(t, w.ValidAt(issued))
}

func TestPleaValidate(t *testing.T) {
	valid := func() *BudgetOverrunPlea {
		return &BudgetOverrunPlea{
			TaskID:         uuid.New(),
			CurrentBudget:  BudgetLimits{MaxFiles: 2, MaxLOC: 20},
			ProposedBudget: BudgetLimits{MaxFiles: 2, MaxLOC: 40},
			Rationale:      "needs more room for the generated tests",
			Evidence:       PleaEvidence{IterationsAttempted: 2, BestScore: 0.7, ScoreHistory: []float64{0.5, 0.7}},
			Timestamp:      time.Now().UTC(),
		}
	}

	require.NoError(t, valid().Validate())

	p := valid()
	p.Rationale = ""
	require.Error(t, p.Validate())

	p = valid()
	p.Evidence.ScoreHistory = nil
	require.Error(t, p.Validate())

	p = valid()
	p.ProposedBudget = p.CurrentBudget
	require.Error(t, p.Validate())

	p = valid()
	p.TaskID = uuid.Nil
	require.Error(t, p.Validate())
}

func TestBudgetStateClone(t *testing.T) {
	s := NewBudgetState()
	s.Touched["src/a.go"] = true
	s.FilesUsed = 1
	s.LOCUsed = 3

	c := s.Clone()
	c.Touched["src/b.go"] = true
	c.FilesUsed = 2

	require.Equal(t, 1, s.FilesUsed)
	require.Len(t, s.Touched, 1, "clone must not alias the touched set")
}
