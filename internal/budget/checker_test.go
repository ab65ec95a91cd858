package budget

import (
	"errors"
	"testing"

	"github.com/iambrandonn/corch/internal/protocol"
	"github.com/stretchr/testify/require"
)

func TestCountLines(t *testing.T) {
	tests := []struct {
		content string
		want    int
	}{
		{"", 0},
		{"a", 1},
		{"a\n", 1},
		{"a\nb\nc\n", 3},
		{"a\nb\nc", 3},
		{"\n", 1},
		{"\n\n", 2},
	}

	for _, tt := range tests {
		require.Equal(t, tt.want, CountLines(tt.content), "content %q", tt.content)
	}
}

func changeset(changes ...protocol.FileChange) *protocol.ChangeSet {
	return &protocol.ChangeSet{ID: "cs-test", Rationale: "test", Changes: changes}
}

func TestProjectedStateCreate(t *testing.T) {
	// Scenario S1: Create of 3 lines from empty state.
	state := protocol.NewBudgetState()
	cs := changeset(protocol.FileChange{Kind: protocol.ChangeCreate, Path: "src/a.go", Content: "a\nb\nc\n"})

	projected, err := ProjectedState(state, cs)
	require.NoError(t, err)
	require.Equal(t, 1, projected.FilesUsed)
	require.Equal(t, 3, projected.LOCUsed)

	limits := protocol.BudgetLimits{MaxFiles: 3, MaxLOC: 50}
	exceed, err := WouldExceed(state, cs, limits)
	require.NoError(t, err)
	require.False(t, exceed)
	require.NoError(t, Validate(state, cs, limits))
}

func TestProjectedStateModifyNeverCredits(t *testing.T) {
	state := protocol.NewBudgetState()
	state.Touched["src/a.go"] = true
	state.FilesUsed = 1
	state.LOCUsed = 10

	// Shrinking modification has delta zero, not negative.
	cs := changeset(protocol.FileChange{
		Kind:            protocol.ChangeModify,
		Path:            "src/a.go",
		ExpectedContent: "a\nb\nc\nd\n",
		NewContent:      "a\n",
	})

	projected, err := ProjectedState(state, cs)
	require.NoError(t, err)
	require.Equal(t, 10, projected.LOCUsed)
	require.Equal(t, 1, projected.FilesUsed, "already-touched path does not count twice")
}

func TestProjectedStateModifyGrowth(t *testing.T) {
	state := protocol.NewBudgetState()
	cs := changeset(protocol.FileChange{
		Kind:            protocol.ChangeModify,
		Path:            "src/a.go",
		ExpectedContent: "a\n",
		NewContent:      "a\nb\nc\n",
	})

	projected, err := ProjectedState(state, cs)
	require.NoError(t, err)
	require.Equal(t, 2, projected.LOCUsed)
}

func TestProjectedStateDeleteIsFree(t *testing.T) {
	state := protocol.NewBudgetState()
	cs := changeset(protocol.FileChange{Kind: protocol.ChangeDelete, Path: "src/old.go", ExpectedContent: "x\ny\n"})

	projected, err := ProjectedState(state, cs)
	require.NoError(t, err)
	require.Equal(t, 0, projected.LOCUsed)
	require.Equal(t, 1, projected.FilesUsed, "deletion still touches the path")
}

func TestDuplicatePathRejected(t *testing.T) {
	state := protocol.NewBudgetState()
	cs := changeset(
		protocol.FileChange{Kind: protocol.ChangeCreate, Path: "src/a.go", Content: "x\n"},
		protocol.FileChange{Kind: protocol.ChangeModify, Path: "src/a.go", ExpectedContent: "x\n", NewContent: "y\n"},
	)

	_, err := ProjectedState(state, cs)
	var dup *DuplicatePathError
	require.ErrorAs(t, err, &dup)
	require.Equal(t, "src/a.go", dup.Path)
}

func TestEmptyChangeSetIsIdentity(t *testing.T) {
	state := protocol.NewBudgetState()
	state.Touched["src/a.go"] = true
	state.FilesUsed = 1
	state.LOCUsed = 5

	projected, err := ProjectedState(state, changeset())
	require.NoError(t, err)
	require.Equal(t, state.FilesUsed, projected.FilesUsed)
	require.Equal(t, state.LOCUsed, projected.LOCUsed)
}

func TestProjectionIdempotence(t *testing.T) {
	// projected_state(projected_state(s, c), empty) == projected_state(s, c)
	state := protocol.NewBudgetState()
	cs := changeset(protocol.FileChange{Kind: protocol.ChangeCreate, Path: "src/a.go", Content: "a\nb\n"})

	once, err := ProjectedState(state, cs)
	require.NoError(t, err)
	again, err := ProjectedState(once, changeset())
	require.NoError(t, err)
	require.Equal(t, once.FilesUsed, again.FilesUsed)
	require.Equal(t, once.LOCUsed, again.LOCUsed)
}

func TestMonotonicUsage(t *testing.T) {
	// Universal invariant 1: projection never decreases either counter.
	state := protocol.NewBudgetState()
	state.Touched["src/a.go"] = true
	state.FilesUsed = 1
	state.LOCUsed = 7

	cases := []*protocol.ChangeSet{
		changeset(protocol.FileChange{Kind: protocol.ChangeCreate, Path: "src/b.go", Content: "x\n"}),
		changeset(protocol.FileChange{Kind: protocol.ChangeDelete, Path: "src/a.go", ExpectedContent: "big\nfile\n"}),
		changeset(protocol.FileChange{Kind: protocol.ChangeModify, Path: "src/a.go", ExpectedContent: "a\nb\n", NewContent: "a\n"}),
		changeset(),
	}

	for _, cs := range cases {
		projected, err := ProjectedState(state, cs)
		require.NoError(t, err)
		require.GreaterOrEqual(t, projected.FilesUsed, state.FilesUsed)
		require.GreaterOrEqual(t, projected.LOCUsed, state.LOCUsed)
	}
}

func TestExactEqualityAccepts(t *testing.T) {
	state := protocol.NewBudgetState()
	limits := protocol.BudgetLimits{MaxFiles: 1, MaxLOC: 3}

	// Lands exactly on both limits: accepting.
	cs := changeset(protocol.FileChange{Kind: protocol.ChangeCreate, Path: "src/a.go", Content: "a\nb\nc\n"})
	require.NoError(t, Validate(state, cs, limits))

	// One line over: rejecting.
	cs = changeset(protocol.FileChange{Kind: protocol.ChangeCreate, Path: "src/a.go", Content: "a\nb\nc\nd\n"})
	err := Validate(state, cs, limits)
	var exceeded *ExceededError
	require.ErrorAs(t, err, &exceeded)
	require.Equal(t, 4, exceeded.Projected.LOCUsed)
	require.Equal(t, limits, exceeded.Limits)
}

func TestUnknownChangeKind(t *testing.T) {
	state := protocol.NewBudgetState()
	cs := changeset(protocol.FileChange{Kind: "rename", Path: "src/a.go"})

	_, err := ProjectedState(state, cs)
	var invalid *InvalidChangeError
	require.True(t, errors.As(err, &invalid))
}
