package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/danielolaszy/taskflow/internal/config"
	"github.com/danielolaszy/taskflow/internal/registry"
	"github.com/danielolaszy/taskflow/internal/store"
	"github.com/danielolaszy/taskflow/pkg/models"
	"github.com/spf13/cobra"
)

// repoCmd groups the repository registry commands.
var repoCmd = &cobra.Command{
	Use:   "repo",
	Short: "Manage the repositories tasks are synced with",
}

var repoAddCmd = &cobra.Command{
	Use:   "add <owner/name>",
	Short: "Register a repository",
	Long: `Register a repository to sync with. Registering an existing repository again
updates its credential.

The credential defaults to GITHUB_TOKEN (or JIRA_TOKEN for --provider jira).
Use --token-env to read another environment variable at sync time, or --token
to store a token with the repository. GitHub repositories are checked with the
credential before they are registered, unless --skip-verify is given.

For JIRA, owner is the project key and name the issue type:
  taskflow repo add PROJ/Task --provider jira`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		owner, name, err := models.ParseRepositoryID(args[0])
		if err != nil {
			return err
		}

		token, _ := cmd.Flags().GetString("token")
		tokenEnv, _ := cmd.Flags().GetString("token-env")
		if token != "" && tokenEnv != "" {
			return errors.New("--token and --token-env are mutually exclusive")
		}
		credentialRef := token
		if tokenEnv != "" {
			credentialRef = "env:" + tokenEnv
		}

		var opts []registry.RegisterOption
		provider, _ := cmd.Flags().GetString("provider")
		switch provider {
		case models.ProviderGitHub:
			if skipVerify, _ := cmd.Flags().GetBool("skip-verify"); !skipVerify {
				if err := checkRepositoryAccess(cmd.Context(), owner, name, credentialRef); err != nil {
					return err
				}
			}
		case models.ProviderJira:
			if credentialRef == "" {
				if err := config.ValidateJiraConfig(app.Config); err != nil {
					return err
				}
			}
			opts = append(opts, registry.WithProvider(provider))
		default:
			return fmt.Errorf("unknown provider %q, expected github or jira", provider)
		}
		if display, _ := cmd.Flags().GetString("name"); display != "" {
			opts = append(opts, registry.WithDisplayName(display))
		}

		repo, err := app.Registry.Register(owner, name, credentialRef, opts...)
		if err != nil {
			return err
		}
		if makeDefault, _ := cmd.Flags().GetBool("default"); makeDefault {
			if err := app.Registry.SetDefault(repo.ID()); err != nil {
				return err
			}
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Registered %s (%s)\n", repo.Label(), repo.ProviderName())
		return nil
	},
}

var repoListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered repositories",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		repos := app.Registry.List()
		if len(repos) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No repositories registered, add one with 'taskflow repo add owner/name'")
			return nil
		}

		var defaultID string
		if def, err := app.Registry.Default(); err == nil {
			defaultID = def.ID()
		}

		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "  %-30s  %-8s  %-8s  %-5s  %s\n", "REPOSITORY", "PROVIDER", "STATE", "TASKS", "LAST SYNC")
		for _, repo := range repos {
			marker := " "
			if repo.ID() == defaultID {
				marker = "*"
			}
			state := "enabled"
			if !repo.Enabled {
				state = "disabled"
			}
			lastSync := "never"
			if !repo.LastSyncedAt.IsZero() {
				lastSync = repo.LastSyncedAt.Local().Format(time.DateTime)
			}
			tasks := len(app.Store.List(store.Filter{Repository: repo.ID()}))
			fmt.Fprintf(w, "%s %-30s  %-8s  %-8s  %-5d  %s\n", marker, repo.Label(), repo.ProviderName(), state, tasks, lastSync)
		}
		return nil
	},
}

var repoDisableCmd = &cobra.Command{
	Use:   "disable <owner/name>",
	Short: "Stop syncing a repository without forgetting it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := app.Registry.Disable(args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Disabled %s\n", args[0])
		return nil
	},
}

var repoEnableCmd = &cobra.Command{
	Use:   "enable <owner/name>",
	Short: "Resume syncing a disabled repository",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := app.Registry.Enable(args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Enabled %s\n", args[0])
		return nil
	},
}

var repoRemoveCmd = &cobra.Command{
	Use:   "remove <owner/name>",
	Short: "Forget a repository",
	Long: `Forget a repository. Its tasks stay in the local store; issues are never
deleted. Removing an already removed repository fails.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		err := app.Registry.Remove(args[0])
		if errors.Is(err, registry.ErrDuplicateRemoved) {
			return fmt.Errorf("%s was already removed: %w", args[0], err)
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", args[0])
		return nil
	},
}

var repoDefaultCmd = &cobra.Command{
	Use:   "default [owner/name]",
	Short: "Show or set the repository new tasks go to",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 1 {
			if err := app.Registry.SetDefault(args[0]); err != nil {
				return err
			}
		}
		repo, err := app.Registry.Default()
		if errors.Is(err, registry.ErrNotFound) {
			fmt.Fprintln(cmd.OutOrStdout(), "No default repository")
			return nil
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Default repository: %s\n", repo.ID())
		return nil
	},
}

func init() {
	repoCmd.AddCommand(repoAddCmd, repoListCmd, repoDisableCmd, repoEnableCmd, repoRemoveCmd, repoDefaultCmd)

	repoAddCmd.Flags().String("provider", models.ProviderGitHub, "issue tracker: github or jira")
	repoAddCmd.Flags().String("token", "", "token stored with the repository")
	repoAddCmd.Flags().String("token-env", "", "environment variable holding the token")
	repoAddCmd.Flags().String("name", "", "display name")
	repoAddCmd.Flags().Bool("default", false, "make it the default repository")
	repoAddCmd.Flags().Bool("skip-verify", false, "do not check the credential against the repository")
}

// checkRepositoryAccess resolves the credential a GitHub repository will sync
// with and checks that it can read the repository.
func checkRepositoryAccess(ctx context.Context, owner, name, credentialRef string) error {
	repo := models.Repository{Owner: owner, Name: name, Provider: models.ProviderGitHub, CredentialRef: credentialRef, Enabled: true}
	token, err := app.Config.ResolveCredential(models.ProviderGitHub, credentialRef)
	if err != nil {
		return fmt.Errorf("cannot check access to %s: %w (use --skip-verify to register it anyway)", repo.ID(), err)
	}
	if err := verifyAccess(ctx, repo, token); err != nil {
		return fmt.Errorf("verify access to %s: %w", repo.ID(), err)
	}
	return nil
}
