package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/iambrandonn/corch/internal/breaker"
	"github.com/iambrandonn/corch/internal/config"
	"github.com/iambrandonn/corch/internal/council"
	"github.com/iambrandonn/corch/internal/eventlog"
	"github.com/iambrandonn/corch/internal/executor"
	"github.com/iambrandonn/corch/internal/metrics"
	"github.com/iambrandonn/corch/internal/patch"
	"github.com/iambrandonn/corch/internal/planner"
	"github.com/iambrandonn/corch/internal/policy"
	"github.com/iambrandonn/corch/internal/protocol"
	"github.com/iambrandonn/corch/internal/tracker"
	"github.com/iambrandonn/corch/internal/transcript"
	"github.com/iambrandonn/corch/internal/waiver"
	"github.com/iambrandonn/corch/internal/workspace"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the tasks declared in corch.json",
	RunE:  runRun,
}

func runRun(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")

	cfg, err := config.LoadFromFile(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if len(cfg.Tasks) == 0 {
		return fmt.Errorf("no tasks declared in %s", configPath)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	root := cfg.WorkspaceRoot
	if root == "" {
		root = "."
	}
	if err := workspace.Initialize(root); err != nil {
		return err
	}

	runID := uuid.New().String()[:8]
	sink, err := eventlog.Open(filepath.Join(root, "events", "run-"+runID+".ndjson"), logger)
	if err != nil {
		return err
	}
	defer sink.Close()

	promReg := prometheus.NewRegistry()
	instruments := metrics.New(promReg)

	tr := tracker.New(tracker.DefaultConfig(), logger)
	tr.SetEventSink(sink)
	tr.SetMetrics(instruments)

	store, err := waiver.NewStore(filepath.Join(root, "waivers"))
	if err != nil {
		return err
	}

	var oracle council.Oracle
	if cfg.Council.AutoApprove {
		logger.Warn("council auto-approve enabled; every plea will be granted")
		oracle = council.AutoApproveOracle{}
	} else {
		// The quorum-backed oracle is an external collaborator; without
		// one configured, pleas run against the default-deny timeout.
		oracle = unreachableOracle{}
	}

	wf := council.NewWorkflow(oracle, store,
		time.Duration(cfg.Council.ConsensusTimeoutSeconds)*time.Second, logger)
	wf.SetMetrics(instruments)

	breakers := breaker.NewRegistry(breaker.Config{
		FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
		SuccessThreshold: cfg.CircuitBreaker.SuccessThreshold,
		ResetTimeout:     time.Duration(cfg.CircuitBreaker.ResetTimeoutMs) * time.Millisecond,
		Timeout:          time.Duration(cfg.CircuitBreaker.TimeoutMs) * time.Millisecond,
	}, logger)
	breakers.OnTransition = func(name string, from, to breaker.State) {
		instruments.ObserveBreakerTransition(name, string(to))
	}

	applier := patch.NewApplier(root, cfg.AllowList, logger)

	formatter := transcript.NewFormatter()

	opts := executor.Options{
		MaxConcurrentTasks: cfg.Executor.MaxConcurrentTasks,
		MaxIterations:      cfg.Executor.MaxIterations,
		TaskTimeout:        time.Duration(cfg.Executor.TaskTimeoutSeconds) * time.Second,
		EnableAutoRetry:    cfg.Executor.EnableAutoRetry,
		MaxRetryAttempts:   cfg.Executor.MaxRetryAttempts,
		EnableConsensus:    cfg.Council.EnableConsensus,
		DefaultBudget:      cfg.DefaultBudget,
		WorkspaceRoot:      root,
		StateDir:           filepath.Join(root, "state"),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var taskIDs []uuid.UUID

	for _, taskCfg := range cfg.Tasks {
		task := &protocol.TaskDescriptor{
			Description:        taskCfg.Description,
			RiskTier:           protocol.RiskTier(taskCfg.RiskTier),
			ScopeIn:            taskCfg.ScopeIn,
			ScopeOut:           taskCfg.ScopeOut,
			AcceptanceCriteria: taskCfg.Acceptance,
		}
		if taskCfg.ID != "" {
			id, err := uuid.Parse(taskCfg.ID)
			if err != nil {
				return fmt.Errorf("task %q has an invalid id: %w", taskCfg.Description, err)
			}
			task.ID = id
		}

		p, w, err := buildCollaborators(taskCfg, cfg)
		if err != nil {
			return err
		}

		exec := executor.New(opts, executor.Deps{
			Planner:  p,
			Worker:   w,
			Policy:   policy.ScopeOracle{},
			Council:  wf,
			Breakers: breakers,
			Applier:  applier,
			Sink:     &consoleSink{tracker: tr, formatter: formatter},
		}, logger)
		exec.SetMetrics(instruments)

		taskID, err := exec.Submit(task)
		if err != nil {
			return fmt.Errorf("failed to submit task %q: %w", taskCfg.Description, err)
		}
		taskIDs = append(taskIDs, taskID)

		reportEvery := time.Duration(cfg.Executor.ProgressReportIntervalSeconds) * time.Second
		if err := waitForTask(ctx, exec, tr, formatter, taskID, reportEvery); err != nil {
			return err
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		exec.Shutdown(shutdownCtx)
		cancel()
	}

	fmt.Println()
	for _, taskID := range taskIDs {
		if p, ok := tr.GetProgress(taskID); ok {
			fmt.Println(formatter.FormatProgress(&p))
		}
	}

	return nil
}

// waitForTask blocks until the task reaches a terminal state, forwarding
// an interrupt as cancellation and printing progress at the configured
// report interval.
func waitForTask(ctx context.Context, exec *executor.Executor, tr *tracker.Tracker, formatter *transcript.Formatter, taskID uuid.UUID, reportEvery time.Duration) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	if reportEvery <= 0 {
		reportEvery = 10 * time.Second
	}
	report := time.NewTicker(reportEvery)
	defer report.Stop()

	cancelRequested := false
	for {
		select {
		case <-ctx.Done():
			if !cancelRequested {
				cancelRequested = true
				exec.Cancel(taskID)
			}
		case <-report.C:
			if p, ok := tr.GetProgress(taskID); ok {
				fmt.Println(formatter.FormatProgress(&p))
			}
		case <-ticker.C:
		}

		status, err := exec.Status(taskID)
		if err != nil {
			return err
		}
		if status.Terminal() {
			return nil
		}
	}
}

// buildCollaborators selects the planner and worker for a task. Only the
// fixture pair ships with the CLI; model-backed collaborators are wired by
// embedders.
func buildCollaborators(taskCfg config.Task, cfg *config.Config) (planner.Planner, planner.Worker, error) {
	if taskCfg.FixturePath == "" {
		return nil, nil, fmt.Errorf("task %q has no fixture script; the CLI runs scripted tasks only", taskCfg.Description)
	}

	script, err := planner.LoadFixtureScript(taskCfg.FixturePath)
	if err != nil {
		return nil, nil, err
	}

	p := &planner.FixturePlanner{Script: script, DefaultBudget: cfg.DefaultBudget}
	w := &planner.FixtureWorker{Script: script}
	return p, w, nil
}

// unreachableOracle stands in when no council backend is configured. It
// blocks until the review deadline, which resolves as the default-deny
// timeout rejection.
type unreachableOracle struct{}

func (unreachableOracle) ReviewPlea(ctx context.Context, plea *protocol.BudgetOverrunPlea) (*protocol.Verdict, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

// consoleSink tees executor progress into the tracker and the console.
type consoleSink struct {
	tracker   *tracker.Tracker
	formatter *transcript.Formatter
}

func (s *consoleSink) StartExecution(taskID uuid.UUID, workingSpecID string) error {
	return s.tracker.StartExecution(taskID, workingSpecID)
}

func (s *consoleSink) RecordEvent(evt protocol.ExecutionEvent) error {
	fmt.Println(s.formatter.FormatEvent(&evt))
	return s.tracker.RecordEvent(evt)
}

func (s *consoleSink) SetStatus(taskID uuid.UUID, status protocol.TaskStatus) {
	s.tracker.SetStatus(taskID, status)
}

func (s *consoleSink) CompleteExecution(taskID uuid.UUID, success bool) {
	s.tracker.CompleteExecution(taskID, success)
}

func (s *consoleSink) CancelExecution(taskID uuid.UUID) {
	s.tracker.CancelExecution(taskID)
}

func (s *consoleSink) PauseExecution(taskID uuid.UUID) {
	s.tracker.PauseExecution(taskID)
}

func (s *consoleSink) ResumeExecution(taskID uuid.UUID) {
	s.tracker.ResumeExecution(taskID)
}
