package cmd

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/danielolaszy/taskflow/internal/registry"
	"github.com/danielolaszy/taskflow/internal/store"
	"github.com/danielolaszy/taskflow/pkg/models"
	"github.com/spf13/cobra"
)

const dateLayout = "2006-01-02"

// taskCmd groups the local task commands.
var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage local tasks",
}

var taskAddCmd = &cobra.Command{
	Use:   "add <title>",
	Short: "Create a task",
	Long: `Create a local task. The task is created as an issue in its repository on the
next sync.

Example:
  taskflow task add "Fix login bug" --priority high --due 2024-05-01`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		in := store.NewTask{Title: strings.Join(args, " ")}

		var err error
		if in.Description, err = cmd.Flags().GetString("description"); err != nil {
			return err
		}
		if p, _ := cmd.Flags().GetString("priority"); p != "" {
			if in.Priority, err = models.ParsePriority(p); err != nil {
				return err
			}
		}
		if s, _ := cmd.Flags().GetString("status"); s != "" {
			if in.Status, err = models.ParseStatus(s); err != nil {
				return err
			}
		}
		if d, _ := cmd.Flags().GetString("due"); d != "" {
			due, err := parseDate(d)
			if err != nil {
				return err
			}
			in.DueDate = &due
		}

		repoFlag, _ := cmd.Flags().GetString("repo")
		repo, err := targetRepository(repoFlag)
		if err != nil {
			return err
		}
		in.Repository = repo.ID()

		task, err := app.Store.Create(in, nil)
		if err != nil {
			return fmt.Errorf("failed to create task: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Created task %s in %s: %s\n", shortID(task.ID), task.Repository, task.Title)
		return nil
	},
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks, most urgent first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var filter store.Filter
		var err error

		filter.Repository, _ = cmd.Flags().GetString("repo")
		if s, _ := cmd.Flags().GetString("status"); s != "" {
			if filter.Status, err = models.ParseStatus(s); err != nil {
				return err
			}
		}
		if p, _ := cmd.Flags().GetString("priority"); p != "" {
			if filter.Priority, err = models.ParsePriority(p); err != nil {
				return err
			}
		}
		if cmd.Flags().Changed("linked") {
			linked, _ := cmd.Flags().GetBool("linked")
			filter.Linked = &linked
		}
		if d, _ := cmd.Flags().GetString("due-before"); d != "" {
			due, err := parseDate(d)
			if err != nil {
				return err
			}
			filter.DueBefore = &due
		}

		tasks := app.Store.List(filter)
		if len(tasks) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No tasks found")
			return nil
		}
		printTasks(cmd.OutOrStdout(), tasks)
		return nil
	},
}

var taskShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		task, err := app.Store.Resolve(args[0])
		if err != nil {
			return err
		}

		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "ID:          %s\n", task.ID)
		fmt.Fprintf(w, "Title:       %s\n", task.Title)
		fmt.Fprintf(w, "Priority:    %s\n", task.Priority)
		fmt.Fprintf(w, "Status:      %s\n", task.Status)
		fmt.Fprintf(w, "Repository:  %s\n", task.Repository)
		if task.DueDate != nil {
			fmt.Fprintf(w, "Due:         %s\n", task.DueDate.Format(dateLayout))
		}
		if task.Remote != nil {
			fmt.Fprintf(w, "Issue:       %s (%s)\n", task.Remote, task.Remote.State)
		} else {
			fmt.Fprintln(w, "Issue:       not synced yet")
		}
		fmt.Fprintf(w, "Modified:    %s\n", task.ModifiedAt.Format(time.RFC3339))
		if !task.LastSyncedAt.IsZero() {
			fmt.Fprintf(w, "Last synced: %s\n", task.LastSyncedAt.Format(time.RFC3339))
		}
		if task.Description != "" {
			fmt.Fprintf(w, "\n%s\n", task.Description)
		}
		return nil
	},
}

var taskUpdateCmd = &cobra.Command{
	Use:   "update <id>",
	Short: "Change fields of a task",
	Long: `Change fields of a task. Only the given flags are applied. The id may be
shortened to any unique prefix.

Example:
  taskflow task update 3f2a --status done`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		task, err := app.Store.Resolve(args[0])
		if err != nil {
			return err
		}

		var fields store.Fields
		flags := cmd.Flags()
		if flags.Changed("title") {
			title, _ := flags.GetString("title")
			fields.Title = &title
		}
		if flags.Changed("description") {
			description, _ := flags.GetString("description")
			fields.Description = &description
		}
		if flags.Changed("priority") {
			p, _ := flags.GetString("priority")
			priority, err := models.ParsePriority(p)
			if err != nil {
				return err
			}
			fields.Priority = &priority
		}
		if flags.Changed("status") {
			s, _ := flags.GetString("status")
			status, err := models.ParseStatus(s)
			if err != nil {
				return err
			}
			fields.Status = &status
		}
		if flags.Changed("due") {
			d, _ := flags.GetString("due")
			due, err := parseDate(d)
			if err != nil {
				return err
			}
			fields.DueDate = &due
		}
		fields.ClearDueDate, _ = flags.GetBool("clear-due")

		if fields == (store.Fields{}) {
			return errors.New("nothing to update, pass at least one field flag")
		}

		updated, err := app.Store.Update(task.ID, fields, nil)
		if err != nil {
			return fmt.Errorf("failed to update task: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Updated task %s: %s [%s, %s]\n", shortID(updated.ID), updated.Title, updated.Priority, updated.Status)
		return nil
	},
}

var taskDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a task",
	Long: `Delete a local task. The linked issue, if any, is neither closed nor deleted;
it is only no longer tracked and will not be imported again.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		task, err := app.Store.Resolve(args[0])
		if err != nil {
			return err
		}
		if _, err := app.Store.Delete(task.ID); err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Deleted task %s: %s\n", shortID(task.ID), task.Title)
		if task.Remote != nil {
			fmt.Fprintf(cmd.OutOrStdout(), "Issue %s was left untouched and is no longer tracked\n", task.Remote)
		}
		return nil
	},
}

func init() {
	taskCmd.AddCommand(taskAddCmd, taskListCmd, taskShowCmd, taskUpdateCmd, taskDeleteCmd)

	taskAddCmd.Flags().StringP("description", "d", "", "task description")
	taskAddCmd.Flags().StringP("priority", "p", "", "low, medium, high or urgent (default medium)")
	taskAddCmd.Flags().StringP("status", "s", "", "todo, in_progress, blocked or done (default todo)")
	taskAddCmd.Flags().String("due", "", "due date, YYYY-MM-DD")
	taskAddCmd.Flags().StringP("repo", "r", "", "repository owner/name (default: the default repository)")

	taskListCmd.Flags().StringP("repo", "r", "", "only tasks of this repository")
	taskListCmd.Flags().StringP("status", "s", "", "only tasks with this status")
	taskListCmd.Flags().StringP("priority", "p", "", "only tasks with this priority")
	taskListCmd.Flags().Bool("linked", false, "only tasks linked (true) or not linked (false) to an issue")
	taskListCmd.Flags().String("due-before", "", "only tasks due before this date, YYYY-MM-DD")

	taskUpdateCmd.Flags().StringP("title", "t", "", "new title")
	taskUpdateCmd.Flags().StringP("description", "d", "", "new description")
	taskUpdateCmd.Flags().StringP("priority", "p", "", "new priority")
	taskUpdateCmd.Flags().StringP("status", "s", "", "new status")
	taskUpdateCmd.Flags().String("due", "", "new due date, YYYY-MM-DD")
	taskUpdateCmd.Flags().Bool("clear-due", false, "remove the due date")
}

// targetRepository returns the named repository, or the default one.
func targetRepository(id string) (models.Repository, error) {
	if id == "" {
		repo, err := app.Registry.Default()
		if errors.Is(err, registry.ErrNotFound) {
			return models.Repository{}, errors.New("no repository given and no default repository set, use --repo or 'taskflow repo add'")
		}
		return repo, err
	}
	if _, _, err := models.ParseRepositoryID(id); err != nil {
		return models.Repository{}, err
	}
	return app.Registry.Get(id)
}

func parseDate(s string) (time.Time, error) {
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q, expected YYYY-MM-DD", s)
	}
	return t, nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func printTasks(w io.Writer, tasks []models.Task) {
	fmt.Fprintf(w, "%-8s  %-8s  %-11s  %-10s  %-20s  %s\n", "ID", "PRIORITY", "STATUS", "DUE", "ISSUE", "TITLE")
	for _, t := range tasks {
		due := "-"
		if t.DueDate != nil {
			due = t.DueDate.Format(dateLayout)
		}
		issue := t.Repository + " (new)"
		if t.Remote != nil {
			issue = t.Remote.String()
			if t.Remote.State == models.IssueClosed {
				issue += " closed"
			}
		}
		fmt.Fprintf(w, "%-8s  %-8s  %-11s  %-10s  %-20s  %s\n", shortID(t.ID), t.Priority, t.Status, due, issue, t.Title)
	}
}
