package cmd

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/danielolaszy/taskflow/internal/logging"
	"github.com/danielolaszy/taskflow/internal/reconcile"
	"github.com/danielolaszy/taskflow/internal/report"
	"github.com/danielolaszy/taskflow/pkg/models"
	"github.com/spf13/cobra"
)

// syncCmd reconciles local tasks with remote issues.
var syncCmd = &cobra.Command{
	Use:   "sync [owner/name...]",
	Short: "Synchronize tasks with their repositories",
	Long: `Synchronize local tasks with remote issues, in both directions.

Without arguments every enabled repository is synced; name repositories to sync
only those. For each repository:

1. Local tasks without an issue get a new issue
2. Issues without a local task are imported as tasks (todo, medium priority)
3. Changed pairs are resolved by last writer wins: the newer side overwrites
   title, description and the open/closed state of the other
4. When both sides changed at the same moment the remote side wins and the
   pair is reported as a conflict

Status and priority only exist locally and are never overwritten. Rate limits
and network failures are retried; a repository that still fails is reported
and the command exits non-zero, but the other repositories are synced anyway.

Example:
  taskflow sync
  taskflow sync octo/app --dry-run --output json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, id := range args {
			if _, _, err := models.ParseRepositoryID(id); err != nil {
				return err
			}
		}

		output, _ := cmd.Flags().GetString("output")
		if !slices.Contains(report.Formats, output) {
			return fmt.Errorf("unknown output format %q, expected one of %s", output, strings.Join(report.Formats, ", "))
		}
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		importClosed := app.Config.Sync.ImportClosed
		if cmd.Flags().Changed("import-closed") {
			importClosed, _ = cmd.Flags().GetBool("import-closed")
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), app.Config.Sync.Timeout)
		defer cancel()

		rec := reconcile.New(app.Store, app.Registry, app.Connector, reconcile.Options{
			MaxAttempts:  app.Config.Sync.MaxAttempts,
			ImportClosed: importClosed,
			DryRun:       dryRun,
		})
		summary := reconcile.NewRunner(rec, app.Registry, app.Config.Sync.Concurrency).SyncAll(ctx, args...)

		if err := report.Render(cmd.OutOrStdout(), output, summary); err != nil {
			return err
		}

		if failures := summary.Failures(); len(failures) > 0 {
			for _, f := range failures {
				logging.Error("repository sync failed", "repository", f.Repository, "kind", reconcile.KindOf(f.Err), "error", f.Err)
			}
			return fmt.Errorf("%d of %d repositories failed to sync", len(failures), len(summary.Results))
		}
		return nil
	},
}

func init() {
	syncCmd.Flags().Bool("dry-run", false, "show what would change without changing anything")
	syncCmd.Flags().StringP("output", "o", report.FormatText, "output format: text, json or yaml")
	syncCmd.Flags().Bool("import-closed", false, "import closed issues as done tasks")
}
