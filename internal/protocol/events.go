package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventKind tags the variant of an ExecutionEvent. The set is closed:
// unknown kinds are rejected at every boundary.
type EventKind string

const (
	EventExecutionStarted      EventKind = "execution_started"
	EventWorkerAssigned        EventKind = "worker_assigned"
	EventPhaseStarted          EventKind = "phase_started"
	EventPhaseCompleted        EventKind = "phase_completed"
	EventArtifactProduced      EventKind = "artifact_produced"
	EventQualityCheckCompleted EventKind = "quality_check_completed"
	EventExecutionCompleted    EventKind = "execution_completed"
	EventExecutionFailed       EventKind = "execution_failed"
)

var knownEventKinds = map[EventKind]bool{
	EventExecutionStarted:      true,
	EventWorkerAssigned:        true,
	EventPhaseStarted:          true,
	EventPhaseCompleted:        true,
	EventArtifactProduced:      true,
	EventQualityCheckCompleted: true,
	EventExecutionCompleted:    true,
	EventExecutionFailed:       true,
}

// ExecutionEvent is one entry in a task's append-only event log. Kind,
// TaskID and Timestamp are common to all variants; Seq is assigned by the
// tracker and is strictly monotonic per task.
type ExecutionEvent struct {
	Kind      EventKind `json:"kind"`
	TaskID    uuid.UUID `json:"task_id"`
	Timestamp time.Time `json:"timestamp"`
	Seq       uint64    `json:"seq"`

	// ExecutionStarted
	WorkingSpecID string `json:"working_spec_id,omitempty"`

	// WorkerAssigned
	WorkerID string `json:"worker_id,omitempty"`

	// PhaseStarted / PhaseCompleted
	Phase string `json:"phase,omitempty"`

	// PhaseCompleted / ExecutionCompleted
	Success bool `json:"success,omitempty"`

	// ArtifactProduced
	ArtifactPath string `json:"artifact_path,omitempty"`

	// QualityCheckCompleted
	Passed bool    `json:"passed,omitempty"`
	Score  float64 `json:"score,omitempty"`

	// ExecutionFailed
	Error string `json:"error,omitempty"`
}

// Terminal reports whether the event ends the task's execution. Terminal
// events are never dropped by queue trimming.
func (e *ExecutionEvent) Terminal() bool {
	return e.Kind == EventExecutionCompleted || e.Kind == EventExecutionFailed
}

// eventAlias avoids recursing into UnmarshalJSON.
type eventAlias ExecutionEvent

// UnmarshalJSON decodes an event and rejects unknown kinds.
func (e *ExecutionEvent) UnmarshalJSON(data []byte) error {
	var a eventAlias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	if !knownEventKinds[a.Kind] {
		return fmt.Errorf("unknown event kind %q", a.Kind)
	}
	*e = ExecutionEvent(a)
	return nil
}

// NewEvent creates an event of the given kind for a task, stamped now.
func NewEvent(kind EventKind, taskID uuid.UUID) ExecutionEvent {
	return ExecutionEvent{
		Kind:      kind,
		TaskID:    taskID,
		Timestamp: time.Now().UTC(),
	}
}
