package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/danielolaszy/taskflow/internal/github"
	"github.com/danielolaszy/taskflow/internal/onboarding"
	"github.com/danielolaszy/taskflow/pkg/models"
	"github.com/spf13/cobra"
)

// verifyAccess checks a token against a repository before it is registered.
var verifyAccess = func(ctx context.Context, repo models.Repository, token string) error {
	client, err := github.NewClient(ctx, github.Options{Token: token, Domain: app.Config.GitHub.Domain})
	if err != nil {
		return err
	}
	return client.CheckAccess(ctx, repo)
}

// initCmd represents the first time setup command
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Set up TaskFlow with a GitHub token and a first repository",
	Long: `This command walks through the first time setup:

1. A GitHub token, from --token or GITHUB_TOKEN
2. A repository to sync with, from --repo, checked with the token

Each run reports what is still missing. Once a repository is registered, use
'taskflow repo add' to add more.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		tokenFlag, _ := cmd.Flags().GetString("token")
		repoFlag, _ := cmd.Flags().GetString("repo")
		skipVerify, _ := cmd.Flags().GetBool("skip-verify")

		var verify onboarding.Verifier
		if !skipVerify {
			verify = verifyAccess
		}
		m := onboarding.New(app.Config.GitHub.Token, len(app.Registry.List()) > 0, verify)
		out := cmd.OutOrStdout()

		if m.State() == onboarding.StateCollectCredential {
			if tokenFlag == "" {
				fmt.Fprintln(out, m.Prompt())
				return errors.New("setup incomplete: no token")
			}
			if err := m.ProvideCredential(tokenFlag); err != nil {
				return err
			}
		}

		if m.State() == onboarding.StateCollectRepository {
			if repoFlag == "" {
				fmt.Fprintln(out, m.Prompt())
				return errors.New("setup incomplete: no repository")
			}
			owner, name, err := models.ParseRepositoryID(repoFlag)
			if err != nil {
				return err
			}
			if err := m.ProvideRepository(cmd.Context(), owner, name); err != nil {
				return err
			}

			// A token only given on the command line is stored with the
			// repository; a configured one is looked up at sync time.
			credentialRef := ""
			if app.Config.GitHub.Token == "" {
				credentialRef = m.Token()
			}
			repo, err := app.Registry.Register(owner, name, credentialRef)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Registered %s\n", repo.ID())
		} else if repoFlag != "" {
			fmt.Fprintf(out, "Already set up, use 'taskflow repo add %s' to add another repository\n", repoFlag)
		}

		fmt.Fprintln(out, m.Prompt())
		return nil
	},
}

func init() {
	initCmd.Flags().String("token", "", "GitHub token")
	initCmd.Flags().StringP("repo", "r", "", "repository to sync with, owner/name")
	initCmd.Flags().Bool("skip-verify", false, "do not check the token against the repository")
}
