package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/iambrandonn/corch/internal/breaker"
	"github.com/iambrandonn/corch/internal/budget"
	"github.com/iambrandonn/corch/internal/council"
	"github.com/iambrandonn/corch/internal/patch"
	"github.com/iambrandonn/corch/internal/policy"
	"github.com/iambrandonn/corch/internal/protocol"
	"github.com/iambrandonn/corch/internal/runstate"
)

// Phase names used in events.
const (
	phasePropose = "propose"
	phaseCommit  = "commit"
)

// runTask drives one task from Starting to a terminal state. It runs on
// its own goroutine and owns the run exclusively; shared maps are touched
// only through the executor's lock.
func (e *Executor) runTask(ctx context.Context, run *taskRun) {
	defer e.wg.Done()
	defer e.finishTask(run)

	if e.opts.TaskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.opts.TaskTimeout)
		defer cancel()
	}

	taskID := run.task.ID
	e.logger.Info("starting task", "task_id", taskID, "risk_tier", int(run.task.RiskTier))

	e.setStatus(run, protocol.StatusStarting)
	if err := e.deps.Sink.StartExecution(taskID, ""); err != nil {
		e.logger.Warn("progress sink rejected start", "task_id", taskID, "error", err)
	}

	spec, err := e.plan(ctx, run)
	if err != nil {
		if e.handleInterruption(run, ctx, err) {
			return
		}
		reason := protocol.ReasonPlanningFailed
		if errors.Is(err, breaker.ErrProviderTimeout) {
			reason = protocol.ReasonPlanningTimeout
		}
		e.failTask(run, reason, err)
		return
	}
	run.workingSpecID = spec.ID

	started := protocol.NewEvent(protocol.EventExecutionStarted, taskID)
	started.WorkingSpecID = spec.ID
	e.emit(run, started)
	e.setStatus(run, protocol.StatusRunning)

	assigned := protocol.NewEvent(protocol.EventWorkerAssigned, taskID)
	assigned.WorkerID = ProviderWorker
	e.emit(run, assigned)

	limits := spec.Budget
	if limits.MaxFiles == 0 && limits.MaxLOC == 0 {
		limits = e.opts.DefaultBudget
	}

	for iteration := 1; iteration <= e.opts.MaxIterations; iteration++ {
		run.iteration = iteration
		e.saveRunState(run)

		// A paused run parks here and reports Paused until it resumes.
		run.pauseMu.Lock()
		parked := run.paused
		run.pauseMu.Unlock()
		if parked {
			e.setStatus(run, protocol.StatusPaused)
		}

		if err := run.pausePoint(ctx); err != nil || e.cancelRequested(run) {
			e.terminate(run, ctx)
			return
		}
		if parked {
			e.setStatus(run, protocol.StatusRunning)
		}

		done, err := e.runIteration(ctx, run, spec, &limits, iteration)
		if err != nil {
			if e.handleInterruption(run, ctx, err) {
				return
			}
			var fatal *fatalError
			if errors.As(err, &fatal) {
				e.failTask(run, fatal.reason, fatal.err)
				return
			}
			// Non-fatal iteration failure: refine and retry.
			e.logger.Info("iteration failed, retrying",
				"task_id", run.task.ID,
				"iteration", iteration,
				"error", err)
			continue
		}
		if done {
			e.completeTask(run)
			return
		}
	}

	e.failTask(run, protocol.ReasonIterationLimit,
		fmt.Errorf("no accepted changeset after %d iterations", e.opts.MaxIterations))
}

// fatalError wraps an error that must terminate the whole task rather
// than just the current iteration.
type fatalError struct {
	reason protocol.FailureReason
	err    error
}

func (f *fatalError) Error() string {
	return fmt.Sprintf("%s: %v", f.reason, f.err)
}

func (f *fatalError) Unwrap() error {
	return f.err
}

// runIteration performs one propose/check/commit cycle. It returns
// (true, nil) when the changeset was committed and acceptance holds,
// (false, nil) when the iteration produced nothing to commit (an empty
// proposal), and an error otherwise. Non-fatal errors let the loop refine
// and retry.
func (e *Executor) runIteration(ctx context.Context, run *taskRun, spec *protocol.WorkingSpec, limits *protocol.BudgetLimits, iteration int) (bool, error) {
	taskID := run.task.ID

	phaseStart := protocol.NewEvent(protocol.EventPhaseStarted, taskID)
	phaseStart.Phase = phasePropose
	e.emit(run, phaseStart)

	change, err := e.propose(ctx, run, spec, iteration)

	phaseDone := protocol.NewEvent(protocol.EventPhaseCompleted, taskID)
	phaseDone.Phase = phasePropose
	phaseDone.Success = err == nil
	e.emit(run, phaseDone)

	if err != nil {
		if interrupted(ctx, run, err) {
			return false, err
		}
		reason := protocol.ReasonWorkerFailed
		if errors.Is(err, breaker.ErrProviderTimeout) {
			reason = protocol.ReasonWorkerTimeout
		}
		return false, &fatalError{reason: reason, err: err}
	}

	// Observe cancellation on worker return before any filesystem effect.
	if e.cancelRequested(run) || ctx.Err() != nil {
		return false, interruptionError(ctx)
	}

	// Refresh effective limits: an expired waiver falls back to the spec.
	if run.waiver != nil && !run.waiver.ValidAt(time.Now().UTC()) {
		e.logger.Info("waiver expired", "task_id", taskID, "waiver_id", run.waiver.ID)
		run.waiver = nil
	}
	if run.waiver != nil {
		*limits = run.waiver.GrantedLimits
	}

	exceed, err := budget.WouldExceed(run.budget, change, *limits)
	if err != nil {
		// Malformed changeset (duplicate path or unknown kind): this
		// iteration cannot be committed, ask for a refinement.
		e.logger.Warn("changeset rejected", "task_id", taskID, "error", err)
		return false, err
	}

	if exceed {
		newLimits, err := e.pleadForBudget(ctx, run, change, *limits)
		if err != nil {
			if interrupted(ctx, run, err) {
				return false, err
			}
			// Rejection (including timeout) is not fatal: refine and retry.
			return false, err
		}
		*limits = newLimits
		if stillExceeds, _ := budget.WouldExceed(run.budget, change, *limits); stillExceeds {
			return false, fmt.Errorf("changeset exceeds even the waived budget")
		}
	}

	result, err := e.deps.Policy.Validate(ctx, spec, change)
	if err != nil {
		if interrupted(ctx, run, err) {
			return false, err
		}
		return false, fmt.Errorf("policy validation failed: %w", err)
	}

	score := iterationScore(result)
	run.scores = append(run.scores, score)

	quality := protocol.NewEvent(protocol.EventQualityCheckCompleted, taskID)
	quality.Passed = result.Clean()
	quality.Score = score
	e.emit(run, quality)

	if !result.Clean() {
		if reason := e.recordViolations(run, result.Violations); reason != "" {
			return false, &fatalError{
				reason: protocol.ReasonPolicyViolations,
				err:    fmt.Errorf("violation %s repeated %d times", reason, e.opts.RepeatViolationLimit),
			}
		}
		return false, fmt.Errorf("policy violations: %d finding(s)", len(result.Violations))
	}

	if len(change.Changes) == 0 {
		// An empty changeset is accepted and changes nothing; the worker
		// has nothing more to propose, which does not complete the task.
		return false, nil
	}

	if err := e.commit(ctx, run, change); err != nil {
		return false, err
	}

	projected, err := budget.ProjectedState(run.budget, change)
	if err != nil {
		return false, err
	}
	e.mu.Lock()
	run.budget = projected
	e.mu.Unlock()

	return true, nil
}

// commit applies every file change, with a pre-iteration backup restored
// wholesale if any single application fails.
func (e *Executor) commit(ctx context.Context, run *taskRun, change *protocol.ChangeSet) error {
	taskID := run.task.ID

	phaseStart := protocol.NewEvent(protocol.EventPhaseStarted, taskID)
	phaseStart.Phase = phaseCommit
	e.emit(run, phaseStart)

	backup, err := patch.TakeBackup(e.opts.WorkspaceRoot, change.Paths())
	if err != nil {
		e.emitPhaseFailed(run, phaseCommit)
		return fmt.Errorf("failed to back up pre-iteration state: %w", err)
	}

	for _, fc := range change.Changes {
		// The atomic rename window is not preemptible; cancellation is
		// honored between files, after the backup restore.
		if e.cancelRequested(run) || ctx.Err() != nil {
			if restoreErr := backup.Restore(); restoreErr != nil {
				e.logger.Error("restore after cancellation failed", "task_id", taskID, "error", restoreErr)
			}
			e.emitPhaseFailed(run, phaseCommit)
			return interruptionError(ctx)
		}

		if err := e.applyOne(fc); err != nil {
			if restoreErr := backup.Restore(); restoreErr != nil {
				e.logger.Error("restore after failed apply failed", "task_id", taskID, "error", restoreErr)
			}
			e.emitPhaseFailed(run, phaseCommit)
			return fmt.Errorf("failed to apply %s: %w", fc.Path, err)
		}

		artifact := protocol.NewEvent(protocol.EventArtifactProduced, taskID)
		artifact.ArtifactPath = fc.Path
		e.emit(run, artifact)
	}

	phaseDone := protocol.NewEvent(protocol.EventPhaseCompleted, taskID)
	phaseDone.Phase = phaseCommit
	phaseDone.Success = true
	e.emit(run, phaseDone)

	return nil
}

// applyOne routes one file change through the diff applier.
func (e *Executor) applyOne(fc protocol.FileChange) error {
	d, err := patch.FromFileChange(fc)
	if err != nil {
		return err
	}

	if fc.Kind == protocol.ChangeDelete {
		return e.deps.Applier.Remove(fc.Path, d.ExpectedPreImageDigest, false)
	}

	_, err = e.deps.Applier.Apply(d, false)
	return err
}

func (e *Executor) emitPhaseFailed(run *taskRun, phase string) {
	evt := protocol.NewEvent(protocol.EventPhaseCompleted, run.task.ID)
	evt.Phase = phase
	evt.Success = false
	e.emit(run, evt)
}

// pleadForBudget runs the council workflow for a budget overrun and
// returns the waived limits on approval.
func (e *Executor) pleadForBudget(ctx context.Context, run *taskRun, change *protocol.ChangeSet, limits protocol.BudgetLimits) (protocol.BudgetLimits, error) {
	if !e.opts.EnableConsensus {
		return limits, fmt.Errorf("budget exceeded and consensus is disabled")
	}

	plea := e.buildPlea(run, change, limits)

	e.setStatus(run, protocol.StatusAwaitingApproval)
	granted, err := e.deps.Council.PleadCase(ctx, plea)
	e.setStatus(run, protocol.StatusRunning)

	if err != nil {
		var rejected *council.RejectedError
		if errors.As(err, &rejected) {
			e.logger.Info("council rejected budget plea",
				"task_id", run.task.ID,
				"reason", rejected.Reason)
		}
		return limits, err
	}

	e.mu.Lock()
	run.waiver = granted
	e.mu.Unlock()
	e.saveRunState(run)

	return granted.GrantedLimits, nil
}

// buildPlea assembles the evidence-backed budget extension request.
func (e *Executor) buildPlea(run *taskRun, change *protocol.ChangeSet, limits protocol.BudgetLimits) *protocol.BudgetOverrunPlea {
	projected, err := budget.ProjectedState(run.budget, change)
	if err != nil {
		projected = run.budget
	}

	proposed := protocol.BudgetLimits{
		MaxFiles: max(limits.MaxFiles, projected.FilesUsed),
		MaxLOC:   max(2*limits.MaxLOC, projected.LOCUsed),
	}

	scores := run.scores
	best := 0.0
	if len(scores) == 0 {
		scores = []float64{0}
	}
	for _, s := range scores {
		if s > best {
			best = s
		}
	}

	rollback := protocol.RollbackSimple
	impact := protocol.ImpactLow
	if run.task.RiskTier == protocol.RiskTier1 {
		rollback = protocol.RollbackModerate
		impact = protocol.ImpactHigh
	}

	return &protocol.BudgetOverrunPlea{
		TaskID:         run.task.ID,
		CurrentBudget:  limits,
		ProposedBudget: proposed,
		Rationale:      fmt.Sprintf("changeset %s needs %d files / %d loc against limits %d / %d: %s", change.ID, projected.FilesUsed, projected.LOCUsed, limits.MaxFiles, limits.MaxLOC, change.Rationale),
		Evidence: protocol.PleaEvidence{
			IterationsAttempted: run.iteration,
			BestScore:           best,
			ScoreHistory:        scores,
			Artifacts:           change.Paths(),
		},
		MitigationPlan: "pre-iteration backups allow full rollback of committed files",
		RiskAssessment: protocol.PleaRiskAssessment{
			Impact:             impact,
			RollbackComplexity: rollback,
			MonitoringPlan:     "progress tracker event stream",
		},
		Timestamp: time.Now().UTC(),
	}
}

// recordViolations counts identical violations across iterations. It
// returns the key of the first violation that reached the repeat limit.
func (e *Executor) recordViolations(run *taskRun, violations []policy.Violation) string {
	for _, v := range policy.Dedupe(violations) {
		run.violationCounts[v.Key()]++
		if run.violationCounts[v.Key()] >= e.opts.RepeatViolationLimit {
			return v.Key()
		}
	}
	return ""
}

// iterationScore grades a policy result for plea evidence.
func iterationScore(result *policy.Result) float64 {
	if result.Clean() {
		return 1.0
	}
	score := 1.0 - 0.2*float64(len(result.Violations))
	if score < 0 {
		return 0
	}
	return score
}

// plan invokes the planner through its circuit breaker with retries.
func (e *Executor) plan(ctx context.Context, run *taskRun) (*protocol.WorkingSpec, error) {
	var spec *protocol.WorkingSpec
	err := e.callProvider(ctx, run, ProviderPlanner, func(callCtx context.Context) error {
		var err error
		spec, err = e.deps.Planner.Plan(callCtx, run.task)
		return err
	})
	return spec, err
}

// propose invokes the worker through its circuit breaker with retries.
func (e *Executor) propose(ctx context.Context, run *taskRun, spec *protocol.WorkingSpec, iteration int) (*protocol.ChangeSet, error) {
	var change *protocol.ChangeSet
	err := e.callProvider(ctx, run, ProviderWorker, func(callCtx context.Context) error {
		var err error
		change, err = e.deps.Worker.Propose(callCtx, spec, iteration)
		return err
	})
	return change, err
}

// callProvider is the single place provider retries live. The circuit
// breaker guards every attempt; an open circuit is not retried against the
// same provider.
func (e *Executor) callProvider(ctx context.Context, run *taskRun, name string, op func(context.Context) error) error {
	br := e.deps.Breakers.Get(name)

	attempt := func() error {
		err := br.Execute(ctx, op, nil)
		if err == nil {
			return nil
		}

		var open *breaker.OpenError
		if errors.As(err, &open) {
			return backoff.Permanent(err)
		}
		if ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}

	if !e.opts.EnableAutoRetry || e.opts.MaxRetryAttempts == 0 {
		return attempt()
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.opts.RetryInitialInterval

	err := backoff.Retry(func() error {
		err := attempt()
		if err != nil {
			e.mu.Lock()
			run.retries++
			e.mu.Unlock()
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(e.opts.MaxRetryAttempts)), ctx))

	return err
}

// cancelRequested reports whether the task should stop: either the
// in-process Cancel API set the cooperative flag, or an operator dropped
// a cancel marker next to the run state. The marker folds into the flag
// so every later check agrees.
func (e *Executor) cancelRequested(run *taskRun) bool {
	if run.cancelled.Load() {
		return true
	}
	if e.opts.StateDir != "" && runstate.CancelRequested(e.opts.StateDir, run.task.ID) {
		run.cancelled.Store(true)
		return true
	}
	return false
}

// interruptionError names the interruption in effect: the context's error
// when it is done, or plain cancellation when only the cooperative flag
// was observed.
func interruptionError(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return context.Canceled
}

// interrupted reports whether an error is the task's own cancellation or
// deadline rather than a provider failure.
func interrupted(ctx context.Context, run *taskRun, err error) bool {
	if run.cancelled.Load() {
		return true
	}
	return ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded))
}

// handleInterruption finalizes a cancelled or deadline-expired task.
// Returns false when the error was not an interruption.
func (e *Executor) handleInterruption(run *taskRun, ctx context.Context, err error) bool {
	if run.cancelled.Load() {
		e.terminate(run, ctx)
		return true
	}
	if ctx.Err() == nil {
		return false
	}
	if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	e.terminate(run, ctx)
	return true
}

// terminate resolves an interruption into Cancelled or Failed(timeout).
func (e *Executor) terminate(run *taskRun, ctx context.Context) {
	if run.cancelled.Load() || !errors.Is(ctx.Err(), context.DeadlineExceeded) {
		e.cancelTask(run)
		return
	}
	e.failTask(run, protocol.ReasonTimeout, fmt.Errorf("task deadline exceeded"))
}

// cancelTask finalizes cooperative cancellation: the failure event names
// the cancellation and the tracker's terminal status is Cancelled.
func (e *Executor) cancelTask(run *taskRun) {
	evt := protocol.NewEvent(protocol.EventExecutionFailed, run.task.ID)
	evt.Error = string(protocol.ReasonCancelled)
	e.emit(run, evt)

	e.mu.Lock()
	run.status = protocol.StatusCancelled
	e.mu.Unlock()

	e.deps.Sink.CancelExecution(run.task.ID)
	e.saveRunState(run)

	if e.metrics != nil {
		e.metrics.TasksCancelled.Inc()
	}
	e.logger.Info("task cancelled", "task_id", run.task.ID)
}

// failTask finalizes a terminal failure.
func (e *Executor) failTask(run *taskRun, reason protocol.FailureReason, cause error) {
	evt := protocol.NewEvent(protocol.EventExecutionFailed, run.task.ID)
	evt.Error = string(reason)
	e.emit(run, evt)

	e.mu.Lock()
	run.status = protocol.StatusFailed
	e.mu.Unlock()

	e.deps.Sink.CompleteExecution(run.task.ID, false)
	e.saveRunState(run)

	if e.metrics != nil {
		e.metrics.TasksFailed.Inc()
	}
	e.logger.Error("task failed",
		"task_id", run.task.ID,
		"reason", string(reason),
		"error", cause)
}

// completeTask finalizes success.
func (e *Executor) completeTask(run *taskRun) {
	evt := protocol.NewEvent(protocol.EventExecutionCompleted, run.task.ID)
	evt.Success = true
	e.emit(run, evt)

	e.mu.Lock()
	run.status = protocol.StatusCompleted
	e.mu.Unlock()

	e.deps.Sink.CompleteExecution(run.task.ID, true)
	e.saveRunState(run)

	if e.metrics != nil {
		e.metrics.TasksCompleted.Inc()
	}
	e.logger.Info("task completed", "task_id", run.task.ID, "iterations", run.iteration)
}

// emit records an event with the sink before any dependent side effect.
func (e *Executor) emit(run *taskRun, evt protocol.ExecutionEvent) {
	if err := e.deps.Sink.RecordEvent(evt); err != nil {
		e.logger.Warn("failed to record event",
			"task_id", run.task.ID,
			"kind", string(evt.Kind),
			"error", err)
	}
}
