// Package cmd provides the command-line interface for the TaskFlow CLI tool.
package cmd

import (
	"context"

	"github.com/danielolaszy/taskflow/internal/logging"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "taskflow",
	Short: "TaskFlow keeps local tasks in sync with GitHub issues",
	Long: `TaskFlow is a CLI tool for managing tasks locally with priorities, statuses and
due dates, and keeping them synchronized in both directions with GitHub Issues
(or JIRA projects) across one or more repositories.

Get started with:
  taskflow init --token <token> --repo owner/name
  taskflow task add "Fix bug" --priority high
  taskflow sync`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		app = a
		return nil
	},
}

// Execute runs the command line and releases the shared state afterwards,
// flushing whatever the command changed even when it failed.
func Execute(ctx context.Context) error {
	err := rootCmd.ExecuteContext(ctx)
	if app != nil {
		if closeErr := app.Close(); closeErr != nil {
			logging.Error("failed to save state", "error", closeErr)
			if err == nil {
				err = closeErr
			}
		}
		app = nil
	}
	return err
}

func init() {
	// Add persistent flags that will be available to all commands
	rootCmd.PersistentFlags().String("config", "", "config file (default <data-dir>/taskflow.yaml)")
	rootCmd.PersistentFlags().String("data-dir", "", "directory holding tasks and repositories")
	rootCmd.PersistentFlags().String("log-level", "", "log level: debug, info, warn or error")
	rootCmd.PersistentFlags().String("storage", "", "storage driver: sqlite or json")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(repoCmd)
	rootCmd.AddCommand(syncCmd)
}
