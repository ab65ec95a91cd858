package cli

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "corch",
	Short: "Autonomous code-modification orchestrator",
	Long: `corch plans a structured work spec for a natural-language task,
drives iterative code-change proposals against budget and policy gates,
seeks council approval for budget overruns, and commits or rolls back
unified diffs in a sandboxed workspace.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(initCmd)

	rootCmd.PersistentFlags().StringP("config", "c", "corch.json", "Path to corch.json config file")
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}
