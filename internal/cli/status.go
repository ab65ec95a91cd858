package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/iambrandonn/corch/internal/config"
	"github.com/iambrandonn/corch/internal/eventlog"
	"github.com/iambrandonn/corch/internal/protocol"
	"github.com/iambrandonn/corch/internal/tracker"
	"github.com/iambrandonn/corch/internal/transcript"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Replay recorded event streams and show per-task progress",
	RunE:  runStatus,
}

var showEvents bool

func init() {
	statusCmd.Flags().BoolVar(&showEvents, "events", false, "Also print every recorded event")
}

func runStatus(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")

	root := "."
	if cfg, err := config.LoadFromFile(configPath); err == nil && cfg.WorkspaceRoot != "" {
		root = cfg.WorkspaceRoot
	}

	eventsDir := filepath.Join(root, "events")
	entries, err := os.ReadDir(eventsDir)
	if err != nil {
		return fmt.Errorf("no event streams under %s: %w", eventsDir, err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	var all []protocol.ExecutionEvent
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".ndjson" {
			continue
		}
		events, err := eventlog.ReadAll(filepath.Join(eventsDir, entry.Name()), logger)
		if err != nil {
			return fmt.Errorf("failed to replay %s: %w", entry.Name(), err)
		}
		all = append(all, events...)
	}

	if len(all) == 0 {
		fmt.Println("no recorded executions")
		return nil
	}

	tr := tracker.Replay(all, logger)
	formatter := transcript.NewFormatter()

	if showEvents {
		for _, evt := range all {
			fmt.Println(formatter.FormatEvent(&evt))
		}
		fmt.Println()
	}

	var progress []tracker.ExecutionProgress
	seen := make(map[string]bool)
	for _, evt := range all {
		key := evt.TaskID.String()
		if seen[key] {
			continue
		}
		seen[key] = true
		if p, ok := tr.GetProgress(evt.TaskID); ok {
			progress = append(progress, p)
		}
	}

	sort.Slice(progress, func(i, j int) bool {
		return progress[i].StartTime.Before(progress[j].StartTime)
	})
	for i := range progress {
		fmt.Println(formatter.FormatProgress(&progress[i]))
	}

	return nil
}
