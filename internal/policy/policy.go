// Package policy defines the compliance oracle boundary. The executor
// hands each proposed changeset to an Oracle and acts on the snapshot and
// violations that come back; the rule set itself lives outside the core.
package policy

import (
	"context"
	"fmt"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/iambrandonn/corch/internal/protocol"
)

// Snapshot summarizes a changeset's standing against the policy gates.
type Snapshot struct {
	WithinScope   bool `json:"within_scope"`
	WithinBudget  bool `json:"within_budget"`
	TestsAdded    bool `json:"tests_added"`
	Deterministic bool `json:"deterministic"`
}

// Violation is one policy finding. Code identifies the rule; identical
// code/path pairs across a result are deduplicated.
type Violation struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Path    string `json:"path,omitempty"`
}

// Key identifies a violation for dedup and repeat accounting.
func (v Violation) Key() string {
	return v.Code + ":" + v.Path
}

// Result is the oracle's full answer for one changeset.
type Result struct {
	Snapshot   Snapshot    `json:"snapshot"`
	Violations []Violation `json:"violations,omitempty"`
}

// Clean reports whether the result carries no violations.
func (r *Result) Clean() bool {
	return len(r.Violations) == 0
}

// Oracle validates a changeset against a working spec.
type Oracle interface {
	Validate(ctx context.Context, spec *protocol.WorkingSpec, change *protocol.ChangeSet) (*Result, error)
}

// Dedupe removes repeated identical violations, preserving first-seen
// order.
func Dedupe(violations []Violation) []Violation {
	seen := make(map[string]bool, len(violations))
	out := make([]Violation, 0, len(violations))
	for _, v := range violations {
		if seen[v.Key()] {
			continue
		}
		seen[v.Key()] = true
		out = append(out, v)
	}
	return out
}

// ScopeOracle is a built-in oracle that enforces the working spec's scope
// boundaries: every touched path must match a scope-in pattern and no
// scope-out pattern. Patterns are doublestar globs or plain path prefixes.
type ScopeOracle struct{}

// Validate checks every changed path against the spec's scope.
func (ScopeOracle) Validate(ctx context.Context, spec *protocol.WorkingSpec, change *protocol.ChangeSet) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var violations []Violation
	for _, path := range change.Paths() {
		if !matchAny(spec.ScopeIn, path) {
			violations = append(violations, Violation{
				Code:    "OUT_OF_SCOPE",
				Message: fmt.Sprintf("%s does not match any scope-in pattern", path),
				Path:    path,
			})
			continue
		}
		if matchAny(spec.ScopeOut, path) {
			violations = append(violations, Violation{
				Code:    "SCOPE_EXCLUDED",
				Message: fmt.Sprintf("%s matches a scope-out pattern", path),
				Path:    path,
			})
		}
	}

	violations = Dedupe(violations)
	return &Result{
		Snapshot: Snapshot{
			WithinScope:   len(violations) == 0,
			WithinBudget:  true,
			TestsAdded:    touchesTests(change),
			Deterministic: true,
		},
		Violations: violations,
	}, nil
}

func matchAny(patterns []string, path string) bool {
	for _, p := range patterns {
		if ok, err := doublestar.Match(p, path); err == nil && ok {
			return true
		}
		if path == p || len(path) > len(p) && path[:len(p)] == p && path[len(p)] == '/' {
			return true
		}
	}
	return false
}

func touchesTests(change *protocol.ChangeSet) bool {
	for _, path := range change.Paths() {
		if ok, _ := doublestar.Match("**/*_test.go", path); ok {
			return true
		}
	}
	return false
}
