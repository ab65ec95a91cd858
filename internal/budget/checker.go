// Package budget projects and gates resource usage for proposed changesets.
// The checker is stateless: it maps (current state, changeset) to a
// projected state and compares that against the task's limits. LOC deltas
// are computed from changeset semantics only, never from on-disk scans, so
// budget decisions are reproducible.
package budget

import (
	"fmt"
	"strings"

	"github.com/iambrandonn/corch/internal/protocol"
)

// ExceededError reports a changeset that would push a task past its limits.
type ExceededError struct {
	Current   protocol.BudgetState
	Projected protocol.BudgetState
	Limits    protocol.BudgetLimits
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("budget exceeded: projected %d files / %d loc against limits %d files / %d loc",
		e.Projected.FilesUsed, e.Projected.LOCUsed, e.Limits.MaxFiles, e.Limits.MaxLOC)
}

// DuplicatePathError reports a changeset that touches the same path twice.
type DuplicatePathError struct {
	Path string
}

func (e *DuplicatePathError) Error() string {
	return fmt.Sprintf("duplicate path in changeset: %s", e.Path)
}

// InvalidChangeError reports a file change the checker cannot project.
type InvalidChangeError struct {
	Path   string
	Detail string
}

func (e *InvalidChangeError) Error() string {
	return fmt.Sprintf("invalid change for %s: %s", e.Path, e.Detail)
}

// CountLines counts the lines of a content string: the number of newline
// bytes, plus one if the content is non-empty and does not end in a
// newline. Empty content is zero lines.
func CountLines(content string) int {
	if content == "" {
		return 0
	}
	n := strings.Count(content, "\n")
	if content[len(content)-1] != '\n' {
		n++
	}
	return n
}

// locDelta computes the conservative LOC cost of one file change. Creation
// counts every new line, modification counts only growth, deletion counts
// zero. Deltas are never negative: shrinking a file earns no credit back.
func locDelta(ch protocol.FileChange) (int, error) {
	switch ch.Kind {
	case protocol.ChangeCreate:
		return CountLines(ch.Content), nil
	case protocol.ChangeModify:
		delta := CountLines(ch.NewContent) - CountLines(ch.ExpectedContent)
		if delta < 0 {
			delta = 0
		}
		return delta, nil
	case protocol.ChangeDelete:
		return 0, nil
	default:
		return 0, &InvalidChangeError{Path: ch.Path, Detail: fmt.Sprintf("unknown change kind %q", ch.Kind)}
	}
}

// ProjectedState returns the budget state that would result if every change
// in the changeset were committed on top of current. FilesUsed is the
// cardinality of the union of already-touched paths and the changeset's
// paths.
func ProjectedState(current protocol.BudgetState, change *protocol.ChangeSet) (protocol.BudgetState, error) {
	projected := current.Clone()

	seen := make(map[string]bool, len(change.Changes))
	for _, ch := range change.Changes {
		if ch.Path == "" {
			return protocol.BudgetState{}, &InvalidChangeError{Path: ch.Path, Detail: "empty path"}
		}
		if seen[ch.Path] {
			return protocol.BudgetState{}, &DuplicatePathError{Path: ch.Path}
		}
		seen[ch.Path] = true

		delta, err := locDelta(ch)
		if err != nil {
			return protocol.BudgetState{}, err
		}
		projected.LOCUsed += delta
		projected.Touched[ch.Path] = true
	}

	projected.FilesUsed = len(projected.Touched)
	return projected, nil
}

// WouldExceed reports whether committing the changeset would push the task
// past its limits. Defined only when projection succeeds.
func WouldExceed(current protocol.BudgetState, change *protocol.ChangeSet, limits protocol.BudgetLimits) (bool, error) {
	projected, err := ProjectedState(current, change)
	if err != nil {
		return false, err
	}
	return exceeds(projected, limits), nil
}

// Validate projects the changeset and returns an ExceededError if the
// result overflows the limits. Exact equality with a limit is accepting.
func Validate(current protocol.BudgetState, change *protocol.ChangeSet, limits protocol.BudgetLimits) error {
	projected, err := ProjectedState(current, change)
	if err != nil {
		return err
	}
	if exceeds(projected, limits) {
		return &ExceededError{Current: current, Projected: projected, Limits: limits}
	}
	return nil
}

func exceeds(s protocol.BudgetState, limits protocol.BudgetLimits) bool {
	return s.FilesUsed > limits.MaxFiles || s.LOCUsed > limits.MaxLOC
}
