// Package runstate persists the executor's per-task state to disk so an
// operator can inspect what a run was doing, and a restarted process can
// report where each task ended.
package runstate

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/iambrandonn/corch/internal/fsutil"
	"github.com/iambrandonn/corch/internal/protocol"
)

// RunState is the persisted state of one task run
type RunState struct {
	TaskID        uuid.UUID           `json:"task_id"`
	Status        protocol.TaskStatus `json:"status"`
	WorkingSpecID string              `json:"working_spec_id,omitempty"`
	Iteration     int                 `json:"iteration"`
	RetryCount    int                 `json:"retry_count"`
	WaiverID      uuid.UUID           `json:"waiver_id,omitempty"`
	StartedAt     time.Time           `json:"started_at"`
	CompletedAt   *time.Time          `json:"completed_at,omitempty"`
	Error         string              `json:"error,omitempty"`
}

// New creates a run state in Pending for a freshly admitted task
func New(taskID uuid.UUID) *RunState {
	return &RunState{
		TaskID:    taskID,
		Status:    protocol.StatusPending,
		StartedAt: time.Now().UTC(),
	}
}

// PathFor returns the canonical state file location for a task
func PathFor(stateDir string, taskID uuid.UUID) string {
	return filepath.Join(stateDir, "run-"+taskID.String()+".json")
}

// Save writes run state to disk atomically
func Save(state *RunState, path string) error {
	return fsutil.AtomicWriteJSON(path, state)
}

// cancelRequestPath is the marker file an operator drops to ask a running
// task to stop.
func cancelRequestPath(stateDir string, taskID uuid.UUID) string {
	return filepath.Join(stateDir, "cancel-"+taskID.String())
}

// RequestCancel drops a cancellation marker for a task. The executor
// observes it at the task's next suspension point; requesting twice is a
// no-op.
func RequestCancel(stateDir string, taskID uuid.UUID) error {
	return fsutil.AtomicWrite(cancelRequestPath(stateDir, taskID), []byte(time.Now().UTC().Format(time.RFC3339)+"\n"))
}

// CancelRequested reports whether a cancellation marker exists for the
// task.
func CancelRequested(stateDir string, taskID uuid.UUID) bool {
	_, err := os.Stat(cancelRequestPath(stateDir, taskID))
	return err == nil
}

// ClearCancelRequest removes the task's cancellation marker, if any.
func ClearCancelRequest(stateDir string, taskID uuid.UUID) {
	os.Remove(cancelRequestPath(stateDir, taskID))
}

// Load reads run state from disk
func Load(path string) (*RunState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read run state: %w", err)
	}

	var state RunState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run state: %w", err)
	}

	return &state, nil
}
