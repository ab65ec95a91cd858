package cli

import (
	"fmt"
	"os"

	"github.com/iambrandonn/corch/internal/config"
	"github.com/iambrandonn/corch/internal/workspace"
	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a default corch.json and workspace directories",
	RunE:  runInit,
}

func runInit(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")

	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("%s already exists", configPath)
	}

	cfg := config.GenerateDefault()
	if err := cfg.SaveToFile(configPath); err != nil {
		return err
	}

	if err := workspace.Initialize(cfg.WorkspaceRoot); err != nil {
		return err
	}

	fmt.Printf("wrote %s and initialized workspace directories\n", configPath)
	return nil
}
