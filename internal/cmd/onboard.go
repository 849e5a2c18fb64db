package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"reposync/internal/auth"
	"reposync/pkg/fuzzy"
	"reposync/pkg/onboarding"
	"reposync/pkg/provider"
)

var (
	onboardInstallationID string
	onboardCode           string
	onboardAccount        string
	onboardRepos          []string
	onboardSelect         bool
	onboardState          string
)

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Onboard a provider account",
	Long: `Onboard a GitHub App installation or a Bitbucket OAuth grant.

Every workspace reachable with the account is processed independently: the
selected repositories are stored, the review webhook is registered once per
repository, and open pull requests are synchronized. A summary is sent to the
review server.

Available commands:
  github    - Onboard a GitHub App installation
  bitbucket - Onboard a Bitbucket workspace through an OAuth authorization code`,
}

var onboardGitHubCmd = &cobra.Command{
	Use:   "github",
	Short: "Onboard a GitHub App installation",
	Long: `Mint an installation token for the GitHub App and onboard the repositories
of the installation.

Examples:
  reposync onboard github --installation-id 12345 --repos acme/api,acme/web
  reposync onboard github --installation-id 12345 --select`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runOnboard(cmd, provider.GitHub, onboardInstallationID, "")
	},
}

var onboardBitbucketCmd = &cobra.Command{
	Use:   "bitbucket",
	Short: "Onboard Bitbucket workspaces",
	Long: `Exchange a Bitbucket OAuth authorization code for an access token and onboard
the repositories of every workspace the grant can reach. Later runs reuse and
refresh the stored token, so --code is only needed the first time.

Examples:
  reposync onboard bitbucket --code abc123 --repos acme/svc-a,acme/svc-b
  reposync onboard bitbucket --select`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runOnboard(cmd, provider.Bitbucket, onboardAccount, onboardCode)
	},
}

func init() {
	onboardGitHubCmd.Flags().StringVar(&onboardInstallationID, "installation-id", "", "GitHub App installation id")
	_ = onboardGitHubCmd.MarkFlagRequired("installation-id")

	onboardBitbucketCmd.Flags().StringVar(&onboardCode, "code", "", "OAuth authorization code returned by Bitbucket")
	onboardBitbucketCmd.Flags().StringVar(&onboardAccount, "account", "", "Name under which the Bitbucket grant is stored (default: the single unnamed grant)")

	for _, c := range []*cobra.Command{onboardGitHubCmd, onboardBitbucketCmd} {
		c.Flags().StringSliceVar(&onboardRepos, "repos", nil, "Comma-separated owner/name repositories to onboard (default: selection.repositories)")
		c.Flags().BoolVar(&onboardSelect, "select", false, "Pick the repositories interactively")
		c.Flags().StringVar(&onboardState, "state", string(provider.PRStateOpen), "Pull request state to synchronize")
		onboardCmd.AddCommand(c)
	}
}

func runOnboard(cmd *cobra.Command, p provider.Name, accountID, code string) error {
	state, err := provider.ParsePRState(onboardState)
	if err != nil {
		return err
	}

	ctx, a, err := newApp(cmd, p)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	minter, err := a.minter(code)
	if err != nil {
		return err
	}
	tokens := a.tokens(minter)

	orch, err := a.orchestrator(tokens)
	if err != nil {
		return err
	}

	selection := onboardRepos
	if len(selection) == 0 {
		selection = a.cfg.Selection.Repositories
	}
	if onboardSelect {
		picked, err := selectRepositories(ctx, a, tokens, accountID)
		if err != nil {
			return err
		}
		selection = picked
	}
	if len(selection) == 0 {
		fmt.Println("⚠️  No repositories selected: use --repos, --select or selection.repositories")
	}

	fmt.Printf("🚀 Onboarding %s account %s (%d repositories selected)\n", p, displayAccount(accountID), len(selection))

	result, err := orch.Onboard(ctx, onboarding.Request{
		Provider:  p,
		AccountID: accountID,
		Selection: selection,
		State:     state,
	})
	if err != nil {
		return err
	}

	printResult(result)
	if result.HasFailure(onboarding.KindAuth) {
		return fmt.Errorf("could not obtain a %s access token", p)
	}
	return nil
}

// selectRepositories lists every repository the account can reach and lets
// the user pick some of them
func selectRepositories(ctx context.Context, a *app, tokens auth.Manager, accountID string) ([]string, error) {
	cred, err := tokens.GetUsableToken(ctx, accountID)
	if err != nil {
		return nil, err
	}
	clients, err := a.clients()
	if err != nil {
		return nil, err
	}
	client := clients(cred.Token)

	workspaces, err := onboarding.ListWorkspaces(ctx, client)
	if err != nil {
		return nil, err
	}

	var repos []provider.Repository
	for _, ws := range workspaces {
		found, err := client.ListRepositories(ctx, ws)
		if err != nil {
			fmt.Printf("⚠️  Skipping %s: %v\n", ws.Slug, err)
			continue
		}
		repos = append(repos, found...)
	}
	if len(repos) == 0 {
		return nil, fmt.Errorf("no repositories found for %s account %s", a.provider, displayAccount(accountID))
	}

	finder := fuzzy.NewFzf("🔍 Select repositories:")
	if err := finder.SetOptions(fuzzy.RepositoryOptions(repos)); err != nil {
		return nil, err
	}
	return finder.SelectMany()
}

func displayAccount(accountID string) string {
	if accountID == "" {
		return "(default)"
	}
	return accountID
}
