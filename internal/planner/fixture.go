package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/iambrandonn/corch/internal/idempotency"
	"github.com/iambrandonn/corch/internal/protocol"
)

// FixtureScript is the on-disk form of a scripted run: one spec template
// and the changesets to hand out per iteration.
type FixtureScript struct {
	Title      string                 `json:"title,omitempty"`
	Budget     *protocol.BudgetLimits `json:"budget,omitempty"`
	TestPlan   string                 `json:"test_plan,omitempty"`
	Iterations []FixtureIteration     `json:"iterations"`
}

// FixtureIteration is the worker's scripted answer for one iteration.
type FixtureIteration struct {
	Rationale string                `json:"rationale,omitempty"`
	Changes   []protocol.FileChange `json:"changes"`
}

// LoadFixtureScript reads a script from a JSON file.
func LoadFixtureScript(path string) (*FixtureScript, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read fixture script %s: %w", path, err)
	}
	var script FixtureScript
	if err := json.Unmarshal(data, &script); err != nil {
		return nil, fmt.Errorf("failed to parse fixture script %s: %w", path, err)
	}
	return &script, nil
}

// FixturePlanner derives a working spec directly from the task descriptor
// and a scripted template, without any model call.
type FixturePlanner struct {
	Script        *FixtureScript
	DefaultBudget protocol.BudgetLimits
}

// Plan builds a spec from the descriptor. The context hash is derived from
// the descriptor alone, so replanning an unchanged task is idempotent.
func (p *FixturePlanner) Plan(ctx context.Context, task *protocol.TaskDescriptor) (*protocol.WorkingSpec, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	hash, err := idempotency.ContextHash(task)
	if err != nil {
		return nil, fmt.Errorf("failed to hash planning context: %w", err)
	}

	budget := p.DefaultBudget
	title := task.Description
	testPlan := ""
	if p.Script != nil {
		if p.Script.Budget != nil {
			budget = *p.Script.Budget
		}
		if p.Script.Title != "" {
			title = p.Script.Title
		}
		testPlan = p.Script.TestPlan
	}

	return &protocol.WorkingSpec{
		ID:                 "ws-" + uuid.New().String()[:8],
		TaskID:             task.ID,
		Title:              title,
		Description:        task.Description,
		Budget:             budget,
		ScopeIn:            task.ScopeIn,
		ScopeOut:           task.ScopeOut,
		AcceptanceCriteria: task.AcceptanceCriteria,
		TestPlan:           testPlan,
		RollbackPlan:       "restore pre-iteration backups",
		ContextHash:        hash,
		CreatedAt:          time.Now().UTC(),
	}, nil
}

// FixtureWorker replays the script's changesets in iteration order.
type FixtureWorker struct {
	Script *FixtureScript

	mu sync.Mutex
}

// Propose returns the scripted changeset for the iteration. Iterations
// past the end of the script fail: the fixture has nothing left to say.
func (w *FixtureWorker) Propose(ctx context.Context, spec *protocol.WorkingSpec, iteration int) (*protocol.ChangeSet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.Script == nil || iteration < 1 || iteration > len(w.Script.Iterations) {
		return nil, fmt.Errorf("fixture script has no iteration %d", iteration)
	}

	it := w.Script.Iterations[iteration-1]
	rationale := it.Rationale
	if rationale == "" {
		rationale = fmt.Sprintf("scripted iteration %d", iteration)
	}

	return &protocol.ChangeSet{
		ID:        "cs-" + uuid.New().String()[:8],
		Rationale: rationale,
		Changes:   it.Changes,
		CreatedAt: time.Now().UTC(),
	}, nil
}
