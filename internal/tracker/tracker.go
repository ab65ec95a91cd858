// Package tracker maintains an event-sourced projection of task progress.
// The executor owns task state and emits events; the tracker folds them
// into a read-only view for observers. Writes happen only in the recording
// methods; reads take a shared lock and return copies.
package tracker

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/iambrandonn/corch/internal/eventlog"
	"github.com/iambrandonn/corch/internal/metrics"
	"github.com/iambrandonn/corch/internal/protocol"
)

// Config bounds the tracker's memory.
type Config struct {
	// MaxEventsPerTask bounds each task's in-memory event log. The oldest
	// non-terminal events are trimmed at the bound.
	MaxEventsPerTask int

	// Retention is how long finished executions stay visible before
	// CleanupOldExecutions may evict them.
	Retention time.Duration
}

// DefaultConfig returns the tracker defaults.
func DefaultConfig() Config {
	return Config{
		MaxEventsPerTask: 1000,
		Retention:        24 * time.Hour,
	}
}

// ExecutionProgress is the tracked view of one task's execution.
type ExecutionProgress struct {
	TaskID        uuid.UUID           `json:"task_id"`
	WorkingSpecID string              `json:"working_spec_id"`
	Status        protocol.TaskStatus `json:"status"`
	CurrentPhase  string              `json:"current_phase,omitempty"`
	Completion    int                 `json:"completion_percentage"`
	StartTime     time.Time           `json:"start_time"`
	LastUpdate    time.Time           `json:"last_update"`
	ErrorMessage  string              `json:"error_message,omitempty"`
}

// Tracker projects execution events into per-task progress entries.
type Tracker struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	sink    *eventlog.Log
	now     func() time.Time

	mu      sync.RWMutex
	entries map[uuid.UUID]*ExecutionProgress
	events  map[uuid.UUID][]protocol.ExecutionEvent
	seq     map[uuid.UUID]uint64
	lastTS  map[uuid.UUID]time.Time
}

// New creates an empty tracker.
func New(cfg Config, logger *slog.Logger) *Tracker {
	if cfg.MaxEventsPerTask <= 0 {
		cfg.MaxEventsPerTask = DefaultConfig().MaxEventsPerTask
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultConfig().Retention
	}
	return &Tracker{
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
		entries: make(map[uuid.UUID]*ExecutionProgress),
		events:  make(map[uuid.UUID][]protocol.ExecutionEvent),
		seq:     make(map[uuid.UUID]uint64),
		lastTS:  make(map[uuid.UUID]time.Time),
	}
}

// SetEventSink attaches a durable event log; every recorded event is also
// appended there.
func (t *Tracker) SetEventSink(sink *eventlog.Log) {
	t.sink = sink
}

// SetMetrics attaches prometheus instruments.
func (t *Tracker) SetMetrics(m *metrics.Metrics) {
	t.metrics = m
}

// StartExecution registers a task that is about to run. The entry starts
// in Starting at 0% completion.
func (t *Tracker) StartExecution(taskID uuid.UUID, workingSpecID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.entries[taskID]; ok && !existing.Status.Terminal() {
		return fmt.Errorf("task %s is already being tracked", taskID)
	}

	now := t.now().UTC()
	t.entries[taskID] = &ExecutionProgress{
		TaskID:        taskID,
		WorkingSpecID: workingSpecID,
		Status:        protocol.StatusStarting,
		Completion:    0,
		StartTime:     now,
		LastUpdate:    now,
	}
	t.events[taskID] = nil
	t.seq[taskID] = 0
	t.lastTS[taskID] = time.Time{}
	return nil
}

// RecordEvent folds one event into the task's projection and appends it to
// the per-task log. The tracker assigns the sequence number and nudges the
// timestamp forward if it would not be strictly after the previous event's.
func (t *Tracker) RecordEvent(evt protocol.ExecutionEvent) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.entries[evt.TaskID]
	if !ok {
		return fmt.Errorf("no execution tracked for task %s", evt.TaskID)
	}

	t.seq[evt.TaskID]++
	evt.Seq = t.seq[evt.TaskID]

	if evt.Timestamp.IsZero() {
		evt.Timestamp = t.now().UTC()
	}
	if !evt.Timestamp.After(t.lastTS[evt.TaskID]) {
		evt.Timestamp = t.lastTS[evt.TaskID].Add(time.Microsecond)
	}
	t.lastTS[evt.TaskID] = evt.Timestamp

	t.applyLocked(entry, &evt)
	t.appendLocked(evt.TaskID, evt)

	if t.sink != nil {
		if err := t.sink.Append(&evt); err != nil {
			t.logger.Warn("failed to persist event", "task_id", evt.TaskID, "error", err)
		}
	}
	t.metrics.ObserveEvent(string(evt.Kind))

	return nil
}

// applyLocked implements the projection rules.
func (t *Tracker) applyLocked(entry *ExecutionProgress, evt *protocol.ExecutionEvent) {
	switch evt.Kind {
	case protocol.EventExecutionStarted:
		entry.Status = protocol.StatusRunning
		entry.Completion = 0
		if evt.WorkingSpecID != "" {
			entry.WorkingSpecID = evt.WorkingSpecID
		}
	case protocol.EventWorkerAssigned:
		if entry.Completion < 10 {
			entry.Completion = 10
		}
	case protocol.EventPhaseStarted:
		entry.CurrentPhase = evt.Phase
		entry.Completion = min(entry.Completion+10, 90)
	case protocol.EventPhaseCompleted:
		if evt.Success {
			entry.Completion = min(entry.Completion+20, 90)
		}
		if entry.CurrentPhase == evt.Phase {
			entry.CurrentPhase = ""
		}
	case protocol.EventArtifactProduced:
		entry.Completion = min(entry.Completion+5, 80)
	case protocol.EventQualityCheckCompleted:
		if evt.Passed {
			entry.Completion = min(entry.Completion+10, 95)
		}
	case protocol.EventExecutionCompleted:
		entry.Status = protocol.StatusCompleted
		entry.Completion = 100
	case protocol.EventExecutionFailed:
		entry.Status = protocol.StatusFailed
		entry.Completion = 100
		entry.ErrorMessage = evt.Error
	}
	entry.LastUpdate = evt.Timestamp
}

// appendLocked adds an event to the bounded per-task log, trimming the
// oldest non-terminal event when full. Terminal events are never dropped.
func (t *Tracker) appendLocked(taskID uuid.UUID, evt protocol.ExecutionEvent) {
	log := append(t.events[taskID], evt)
	if len(log) > t.cfg.MaxEventsPerTask {
		for i := range log {
			if !log[i].Terminal() {
				log = append(log[:i], log[i+1:]...)
				break
			}
		}
	}
	t.events[taskID] = log
}

// GetProgress returns a copy of the task's progress entry.
func (t *Tracker) GetProgress(taskID uuid.UUID) (ExecutionProgress, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	entry, ok := t.entries[taskID]
	if !ok {
		return ExecutionProgress{}, false
	}
	return *entry, true
}

// GetEvents returns the task's events, strictly after since when supplied.
func (t *Tracker) GetEvents(taskID uuid.UUID, since *time.Time) []protocol.ExecutionEvent {
	t.mu.RLock()
	defer t.mu.RUnlock()

	log := t.events[taskID]
	out := make([]protocol.ExecutionEvent, 0, len(log))
	for _, evt := range log {
		if since != nil && !evt.Timestamp.After(*since) {
			continue
		}
		out = append(out, evt)
	}
	return out
}

// GetActiveExecutions lists every non-terminal entry.
func (t *Tracker) GetActiveExecutions() []ExecutionProgress {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []ExecutionProgress
	for _, entry := range t.entries {
		if !entry.Status.Terminal() {
			out = append(out, *entry)
		}
	}
	return out
}

// CompleteExecution forces the terminal success/failure status.
func (t *Tracker) CompleteExecution(taskID uuid.UUID, success bool) {
	t.forceStatus(taskID, func(entry *ExecutionProgress) {
		if success {
			entry.Status = protocol.StatusCompleted
		} else {
			entry.Status = protocol.StatusFailed
		}
		entry.Completion = 100
	})
}

// CancelExecution forces the Cancelled status.
func (t *Tracker) CancelExecution(taskID uuid.UUID) {
	t.forceStatus(taskID, func(entry *ExecutionProgress) {
		entry.Status = protocol.StatusCancelled
	})
}

// PauseExecution marks a running task as paused.
func (t *Tracker) PauseExecution(taskID uuid.UUID) {
	t.forceStatus(taskID, func(entry *ExecutionProgress) {
		if entry.Status == protocol.StatusRunning {
			entry.Status = protocol.StatusPaused
		}
	})
}

// ResumeExecution returns a paused task to running.
func (t *Tracker) ResumeExecution(taskID uuid.UUID) {
	t.forceStatus(taskID, func(entry *ExecutionProgress) {
		if entry.Status == protocol.StatusPaused {
			entry.Status = protocol.StatusRunning
		}
	})
}

// SetStatus records an executor-driven status change that has no event of
// its own, such as entering or leaving AwaitingApproval.
func (t *Tracker) SetStatus(taskID uuid.UUID, status protocol.TaskStatus) {
	t.forceStatus(taskID, func(entry *ExecutionProgress) {
		entry.Status = status
	})
}

func (t *Tracker) forceStatus(taskID uuid.UUID, f func(*ExecutionProgress)) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.entries[taskID]
	if !ok {
		return
	}
	f(entry)
	entry.LastUpdate = t.now().UTC()
}

// CleanupOldExecutions evicts terminal entries whose last update is older
// than the retention window. Returns how many were evicted.
func (t *Tracker) CleanupOldExecutions() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := t.now().Add(-t.cfg.Retention)
	evicted := 0
	for taskID, entry := range t.entries {
		if entry.Status.Terminal() && entry.LastUpdate.Before(cutoff) {
			delete(t.entries, taskID)
			delete(t.events, taskID)
			delete(t.seq, taskID)
			delete(t.lastTS, taskID)
			evicted++
		}
	}

	if evicted > 0 {
		t.logger.Info("cleaned up old executions", "evicted", evicted)
	}
	return evicted
}

// Replay rebuilds a tracker's projections from a persisted event stream,
// for offline status inspection. Events must be grouped per task in
// emission order, which is how the event log stores them.
func Replay(events []protocol.ExecutionEvent, logger *slog.Logger) *Tracker {
	t := New(DefaultConfig(), logger)
	for _, evt := range events {
		t.mu.Lock()
		entry, ok := t.entries[evt.TaskID]
		if !ok {
			entry = &ExecutionProgress{
				TaskID:    evt.TaskID,
				Status:    protocol.StatusStarting,
				StartTime: evt.Timestamp,
			}
			t.entries[evt.TaskID] = entry
		}
		t.seq[evt.TaskID] = evt.Seq
		t.lastTS[evt.TaskID] = evt.Timestamp
		t.applyLocked(entry, &evt)
		t.appendLocked(evt.TaskID, evt)
		t.mu.Unlock()
	}
	return t
}
