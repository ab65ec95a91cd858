// Package planner defines the executor's boundary to the planning and
// code-generation collaborators. Real implementations talk to model
// providers; the fixture implementations replay scripted changesets for
// tests and controlled runs.
package planner

import (
	"context"

	"github.com/iambrandonn/corch/internal/protocol"
)

// Planner turns a task descriptor into a working spec. Plan must be
// idempotent with respect to the context hash embedded in the spec: the
// same unchanged task yields a spec with the same hash.
type Planner interface {
	Plan(ctx context.Context, task *protocol.TaskDescriptor) (*protocol.WorkingSpec, error)
}

// Worker proposes a changeset for one iteration of a working spec.
type Worker interface {
	Propose(ctx context.Context, spec *protocol.WorkingSpec, iteration int) (*protocol.ChangeSet, error)
}
