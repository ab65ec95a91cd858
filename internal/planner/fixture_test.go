package planner

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/iambrandonn/corch/internal/protocol"
	"github.com/stretchr/testify/require"
)

func testTask() *protocol.TaskDescriptor {
	return &protocol.TaskDescriptor{
		ID:          uuid.New(),
		Description: "add a helper to src",
		RiskTier:    protocol.RiskTier2,
		ScopeIn:     []string{"src/**"},
	}
}

func TestFixturePlannerIdempotentHash(t *testing.T) {
	p := &FixturePlanner{DefaultBudget: protocol.BudgetLimits{MaxFiles: 3, MaxLOC: 50}}
	task := testTask()

	spec1, err := p.Plan(context.Background(), task)
	require.NoError(t, err)
	spec2, err := p.Plan(context.Background(), task)
	require.NoError(t, err)

	require.Equal(t, spec1.ContextHash, spec2.ContextHash, "replanning an unchanged task keeps the hash")
	require.NotEqual(t, spec1.ID, spec2.ID, "each planning pass is a new spec")
	require.Equal(t, protocol.BudgetLimits{MaxFiles: 3, MaxLOC: 50}, spec1.Budget)
	require.Equal(t, task.ScopeIn, spec1.ScopeIn)
}

func TestFixtureScriptOverrides(t *testing.T) {
	script := &FixtureScript{
		Title:  "scripted title",
		Budget: &protocol.BudgetLimits{MaxFiles: 1, MaxLOC: 5},
	}
	p := &FixturePlanner{Script: script, DefaultBudget: protocol.BudgetLimits{MaxFiles: 9, MaxLOC: 99}}

	spec, err := p.Plan(context.Background(), testTask())
	require.NoError(t, err)
	require.Equal(t, "scripted title", spec.Title)
	require.Equal(t, protocol.BudgetLimits{MaxFiles: 1, MaxLOC: 5}, spec.Budget)
}

func TestFixtureWorkerReplaysIterations(t *testing.T) {
	script := &FixtureScript{Iterations: []FixtureIteration{
		{Changes: []protocol.FileChange{{Kind: protocol.ChangeCreate, Path: "src/a.go", Content: "x\n"}}},
		{Rationale: "second try", Changes: []protocol.FileChange{{Kind: protocol.ChangeCreate, Path: "src/b.go", Content: "y\n"}}},
	}}
	w := &FixtureWorker{Script: script}
	spec := &protocol.WorkingSpec{ID: "ws-1"}

	cs1, err := w.Propose(context.Background(), spec, 1)
	require.NoError(t, err)
	require.Equal(t, "src/a.go", cs1.Changes[0].Path)

	cs2, err := w.Propose(context.Background(), spec, 2)
	require.NoError(t, err)
	require.Equal(t, "second try", cs2.Rationale)

	_, err = w.Propose(context.Background(), spec, 3)
	require.Error(t, err, "the script is exhausted")
}

func TestLoadFixtureScript(t *testing.T) {
	path := filepath.Join(t.TempDir(), "script.json")
	content := `{
  "title": "demo",
  "budget": {"max_files": 2, "max_loc": 10},
  "iterations": [
    {"changes": [{"kind": "create", "path": "src/a.go", "content": "x\n"}]}
  ]
}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	script, err := LoadFixtureScript(path)
	require.NoError(t, err)
	require.Equal(t, "demo", script.Title)
	require.Len(t, script.Iterations, 1)
	require.Equal(t, protocol.ChangeCreate, script.Iterations[0].Changes[0].Kind)

	_, err = LoadFixtureScript(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
}
