package cli

import (
	"fmt"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/iambrandonn/corch/internal/config"
	"github.com/iambrandonn/corch/internal/runstate"
	"github.com/spf13/cobra"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel <task-id>",
	Short: "Request cooperative cancellation of a running task",
	Long: `cancel drops a cancellation marker in the workspace state directory.
The executor observes the marker at the task's next suspension point and
transitions it to Cancelled; a task that already reached a terminal state
is unaffected.`,
	Args: cobra.ExactArgs(1),
	RunE: runCancel,
}

func runCancel(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")

	root := "."
	if cfg, err := config.LoadFromFile(configPath); err == nil && cfg.WorkspaceRoot != "" {
		root = cfg.WorkspaceRoot
	}
	stateDir := filepath.Join(root, "state")

	taskID, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("invalid task id %q: %w", args[0], err)
	}

	state, err := runstate.Load(runstate.PathFor(stateDir, taskID))
	if err != nil {
		return fmt.Errorf("no run state for task %s under %s", taskID, stateDir)
	}
	if state.Status.Terminal() {
		return fmt.Errorf("task %s is already %s", taskID, state.Status)
	}

	if err := runstate.RequestCancel(stateDir, taskID); err != nil {
		return err
	}

	fmt.Printf("cancellation requested for task %s; it takes effect at the next suspension point\n", taskID)
	return nil
}
