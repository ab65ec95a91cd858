// Package executor drives tasks through their lifecycle: admission under a
// concurrency limit, planning, the iterative propose/validate/commit loop,
// budget enforcement with council pleas, and terminal bookkeeping. The
// executor exclusively owns task state; observers see it only through the
// progress sink.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/iambrandonn/corch/internal/breaker"
	"github.com/iambrandonn/corch/internal/council"
	"github.com/iambrandonn/corch/internal/metrics"
	"github.com/iambrandonn/corch/internal/patch"
	"github.com/iambrandonn/corch/internal/planner"
	"github.com/iambrandonn/corch/internal/policy"
	"github.com/iambrandonn/corch/internal/protocol"
	"github.com/iambrandonn/corch/internal/runstate"
)

// Admission and lookup errors.
var (
	ErrTooManyInFlight = errors.New("too many tasks in flight")
	ErrNotFound        = errors.New("task not found")
	ErrAlreadyTerminal = errors.New("task already terminal")
	ErrDuplicateTask   = errors.New("task already submitted")
)

// Provider names used with the circuit breaker registry.
const (
	ProviderPlanner = "planner"
	ProviderWorker  = "worker"
)

// Options tunes the executor. Zero values fall back to defaults.
type Options struct {
	MaxConcurrentTasks int
	QueueCapacity      int
	MaxIterations      int
	TaskTimeout        time.Duration
	EnableAutoRetry    bool
	MaxRetryAttempts   int
	EnableConsensus    bool
	DefaultBudget      protocol.BudgetLimits
	WorkspaceRoot      string

	// RepeatViolationLimit fails a task once an identical policy violation
	// has been reported in this many iterations.
	RepeatViolationLimit int

	// RetryInitialInterval seeds the exponential backoff between provider
	// retries.
	RetryInitialInterval time.Duration

	// StateDir, when set, receives a run-state JSON file per task.
	StateDir string
}

func (o Options) withDefaults() Options {
	if o.MaxConcurrentTasks <= 0 {
		o.MaxConcurrentTasks = 4
	}
	if o.QueueCapacity <= 0 {
		o.QueueCapacity = 64
	}
	if o.MaxIterations <= 0 {
		o.MaxIterations = 5
	}
	if o.MaxRetryAttempts < 0 {
		o.MaxRetryAttempts = 0
	}
	if o.RepeatViolationLimit <= 0 {
		o.RepeatViolationLimit = 3
	}
	if o.RetryInitialInterval <= 0 {
		o.RetryInitialInterval = 500 * time.Millisecond
	}
	return o
}

// ProgressSink is the executor's narrow boundary to the progress tracker.
type ProgressSink interface {
	StartExecution(taskID uuid.UUID, workingSpecID string) error
	RecordEvent(evt protocol.ExecutionEvent) error
	SetStatus(taskID uuid.UUID, status protocol.TaskStatus)
	CompleteExecution(taskID uuid.UUID, success bool)
	CancelExecution(taskID uuid.UUID)
	PauseExecution(taskID uuid.UUID)
	ResumeExecution(taskID uuid.UUID)
}

// Deps wires the executor to its collaborators.
type Deps struct {
	Planner  planner.Planner
	Worker   planner.Worker
	Policy   policy.Oracle
	Council  *council.Workflow
	Breakers *breaker.Registry
	Applier  *patch.Applier
	Sink     ProgressSink
}

// taskRun is the executor-private state of one task.
type taskRun struct {
	task   *protocol.TaskDescriptor
	status protocol.TaskStatus

	cancel    context.CancelFunc
	cancelled atomic.Bool

	pauseMu  sync.Mutex
	paused   bool
	resumeCh chan struct{}

	budget          protocol.BudgetState
	waiver          *protocol.Waiver
	iteration       int
	retries         int
	violationCounts map[string]int
	scores          []float64
	workingSpecID   string
	startedAt       time.Time
}

// Executor runs tasks on a bounded pool of logical workers.
type Executor struct {
	opts    Options
	deps    Deps
	logger  *slog.Logger
	metrics *metrics.Metrics

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup

	mu       sync.Mutex
	runs     map[uuid.UUID]*taskRun
	queue    []*taskRun
	inFlight int
}

// New creates an executor. It accepts work until Shutdown.
func New(opts Options, deps Deps, logger *slog.Logger) *Executor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Executor{
		opts:       opts.withDefaults(),
		deps:       deps,
		logger:     logger,
		baseCtx:    ctx,
		baseCancel: cancel,
		runs:       make(map[uuid.UUID]*taskRun),
	}
}

// SetMetrics attaches prometheus instruments.
func (e *Executor) SetMetrics(m *metrics.Metrics) {
	e.metrics = m
}

// Submit admits a task. If all execution slots are busy the task queues in
// FIFO order; a full queue returns ErrTooManyInFlight.
func (e *Executor) Submit(task *protocol.TaskDescriptor) (uuid.UUID, error) {
	if task.Description == "" {
		return uuid.Nil, fmt.Errorf("task has no description")
	}
	if !task.RiskTier.Valid() {
		return uuid.Nil, fmt.Errorf("invalid risk tier %d", task.RiskTier)
	}
	if task.ID == uuid.Nil {
		task.ID = uuid.New()
	}

	run := &taskRun{
		task:            task,
		status:          protocol.StatusPending,
		budget:          protocol.NewBudgetState(),
		violationCounts: make(map[string]int),
		startedAt:       time.Now().UTC(),
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.baseCtx.Err() != nil {
		return uuid.Nil, fmt.Errorf("executor is shut down")
	}
	if _, exists := e.runs[task.ID]; exists {
		return uuid.Nil, fmt.Errorf("%w: %s", ErrDuplicateTask, task.ID)
	}
	e.runs[task.ID] = run

	if e.metrics != nil {
		e.metrics.TasksSubmitted.Inc()
	}

	if e.inFlight < e.opts.MaxConcurrentTasks {
		e.startLocked(run)
	} else if len(e.queue) < e.opts.QueueCapacity {
		e.queue = append(e.queue, run)
		e.logger.Info("task queued", "task_id", task.ID, "queue_depth", len(e.queue))
	} else {
		delete(e.runs, task.ID)
		return uuid.Nil, ErrTooManyInFlight
	}

	return task.ID, nil
}

// startLocked claims a slot and launches the run. Caller holds e.mu.
func (e *Executor) startLocked(run *taskRun) {
	e.inFlight++
	if e.metrics != nil {
		e.metrics.TasksInFlight.Inc()
	}

	ctx, cancel := context.WithCancel(e.baseCtx)
	run.cancel = cancel

	e.wg.Add(1)
	go e.runTask(ctx, run)
}

// finishTask releases the run's slot and admits the next queued task.
func (e *Executor) finishTask(run *taskRun) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.inFlight--
	if e.metrics != nil {
		e.metrics.TasksInFlight.Dec()
	}

	for len(e.queue) > 0 {
		next := e.queue[0]
		e.queue = e.queue[1:]
		// A task cancelled while queued is finalized without a slot.
		if next.cancelled.Load() {
			e.terminateQueuedLocked(next)
			continue
		}
		e.startLocked(next)
		break
	}
}

// terminateQueuedLocked finalizes a task that was cancelled before it ever
// held a slot. No events were emitted for it, so none are now.
func (e *Executor) terminateQueuedLocked(run *taskRun) {
	run.status = protocol.StatusCancelled
	if e.metrics != nil {
		e.metrics.TasksCancelled.Inc()
	}
	e.saveRunState(run)
	e.logger.Info("cancelled queued task", "task_id", run.task.ID)
}

// Cancel requests cooperative cancellation. A queued task is cancelled
// immediately; a running task transitions at its next suspension point. A
// second cancel of the same task reports ErrAlreadyTerminal once the first
// has taken effect, and is otherwise a no-op.
func (e *Executor) Cancel(taskID uuid.UUID) error {
	e.mu.Lock()
	run, ok := e.runs[taskID]
	if !ok {
		e.mu.Unlock()
		return ErrNotFound
	}
	if run.status.Terminal() {
		e.mu.Unlock()
		return ErrAlreadyTerminal
	}

	run.cancelled.Store(true)

	// Queued tasks have no goroutine; finalize in place. A task may still
	// read Pending for an instant after claiming a slot, so fall through
	// to the cooperative path when it is not actually in the queue.
	for i, queued := range e.queue {
		if queued == run {
			e.queue = append(e.queue[:i], e.queue[i+1:]...)
			e.terminateQueuedLocked(run)
			e.mu.Unlock()
			return nil
		}
	}
	e.mu.Unlock()

	if run.cancel != nil {
		run.cancel()
	}
	run.signalResume()
	return nil
}

// Pause suspends a running task at its next iteration boundary, where it
// waits as Paused until Resume or cancellation.
func (e *Executor) Pause(taskID uuid.UUID) error {
	e.mu.Lock()
	run, ok := e.runs[taskID]
	e.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	if run.status.Terminal() {
		return ErrAlreadyTerminal
	}

	run.pauseMu.Lock()
	if !run.paused {
		run.paused = true
		run.resumeCh = make(chan struct{})
	}
	run.pauseMu.Unlock()

	e.deps.Sink.PauseExecution(taskID)
	e.logger.Info("task paused", "task_id", taskID)
	return nil
}

// Resume releases a paused task.
func (e *Executor) Resume(taskID uuid.UUID) error {
	e.mu.Lock()
	run, ok := e.runs[taskID]
	e.mu.Unlock()
	if !ok {
		return ErrNotFound
	}

	run.signalResume()
	e.deps.Sink.ResumeExecution(taskID)
	e.logger.Info("task resumed", "task_id", taskID)
	return nil
}

// signalResume clears the pause flag and wakes the waiting goroutine.
func (r *taskRun) signalResume() {
	r.pauseMu.Lock()
	if r.paused {
		r.paused = false
		close(r.resumeCh)
	}
	r.pauseMu.Unlock()
}

// pausePoint blocks while the task is paused. Cancellation wins over
// pause.
func (r *taskRun) pausePoint(ctx context.Context) error {
	for {
		r.pauseMu.Lock()
		paused := r.paused
		ch := r.resumeCh
		r.pauseMu.Unlock()

		if !paused {
			return ctx.Err()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

// Status returns the executor's view of a task's lifecycle state.
func (e *Executor) Status(taskID uuid.UUID) (protocol.TaskStatus, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	run, ok := e.runs[taskID]
	if !ok {
		return "", ErrNotFound
	}
	return run.status, nil
}

// BudgetState returns a task's committed budget usage.
func (e *Executor) BudgetState(taskID uuid.UUID) (protocol.BudgetState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	run, ok := e.runs[taskID]
	if !ok {
		return protocol.BudgetState{}, ErrNotFound
	}
	return run.budget.Clone(), nil
}

// Shutdown stops admission, cancels every in-flight task, and waits for
// them to finish or for ctx to expire.
func (e *Executor) Shutdown(ctx context.Context) error {
	e.baseCancel()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown timed out: %w", ctx.Err())
	}
}

// setStatus records a status transition in the executor's own state and
// mirrors it to the sink for observers.
func (e *Executor) setStatus(run *taskRun, status protocol.TaskStatus) {
	e.mu.Lock()
	run.status = status
	e.mu.Unlock()

	e.deps.Sink.SetStatus(run.task.ID, status)
	e.saveRunState(run)
}

// saveRunState persists the run's state file, best effort.
func (e *Executor) saveRunState(run *taskRun) {
	if e.opts.StateDir == "" {
		return
	}

	state := &runstate.RunState{
		TaskID:        run.task.ID,
		Status:        run.status,
		WorkingSpecID: run.workingSpecID,
		Iteration:     run.iteration,
		RetryCount:    run.retries,
		StartedAt:     run.startedAt,
	}
	if run.waiver != nil {
		state.WaiverID = run.waiver.ID
	}
	if run.status.Terminal() {
		now := time.Now().UTC()
		state.CompletedAt = &now
	}

	if err := runstate.Save(state, runstate.PathFor(e.opts.StateDir, run.task.ID)); err != nil {
		e.logger.Warn("failed to save run state", "task_id", run.task.ID, "error", err)
	}

	// A terminal task's cancel marker has served its purpose.
	if run.status.Terminal() {
		runstate.ClearCancelRequest(e.opts.StateDir, run.task.ID)
	}
}
