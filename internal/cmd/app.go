package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"slices"

	"github.com/chainguard-dev/clog"
	"github.com/spf13/cobra"

	"reposync/internal/auth"
	"reposync/pkg/bitbucket"
	"reposync/pkg/config"
	"reposync/pkg/github"
	"reposync/pkg/gitops"
	"reposync/pkg/onboarding"
	"reposync/pkg/provider"
	"reposync/pkg/store"
	"reposync/pkg/upstream"
)

// app holds the collaborators shared by the provider commands
type app struct {
	provider provider.Name
	cfg      *config.Config
	store    *store.BoltStore
	// limiter bounds provider requests of every client the app builds
	limiter provider.Limiter
}

// newApp loads and validates the configuration for p, installs the logger
// on the command context and opens the store
func newApp(cmd *cobra.Command, p provider.Name) (context.Context, *app, error) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := config.Load(ctx, configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load reposync config: %w", err)
	}

	ctx, err = withLogger(ctx, cfg.Log.Level)
	if err != nil {
		return nil, nil, err
	}

	if err := cfg.ValidateFor(p); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}

	s, err := store.Open(cfg.Store.Path, cfg.Store.OpenTimeout)
	if err != nil {
		return nil, nil, err
	}

	return ctx, &app{
		provider: p,
		cfg:      cfg,
		store:    s,
		limiter:  provider.NewLimiter(cfg.Concurrency.Requests),
	}, nil
}

// withLogger installs a text logger at the level chosen by --log-level or the config
func withLogger(ctx context.Context, configured string) (context.Context, error) {
	level := configured
	if logLevel != "" {
		level = logLevel
	}

	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	logger := clog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
	return clog.WithLogger(ctx, logger), nil
}

func (a *app) Close() error {
	return a.store.Close()
}

// minter builds the credential minter of the provider. code is the Bitbucket
// authorization code and may be empty when only refreshes are expected.
func (a *app) minter(code string) (auth.Minter, error) {
	switch a.provider {
	case provider.GitHub:
		key, err := a.cfg.GitHubPrivateKey()
		if err != nil {
			return nil, auth.NewConfigError("cannot read the GitHub App private key", err)
		}
		var opts []github.MinterOption
		if a.cfg.GitHub.APIURL != "" {
			opts = append(opts, github.WithMinterBaseURL(a.cfg.GitHub.APIURL))
		}
		minter, err := github.NewInstallationMinter(a.cfg.GitHub.AppID, key, opts...)
		if err != nil {
			return nil, err
		}
		return minter, nil
	case provider.Bitbucket:
		var opts []bitbucket.MinterOption
		if a.cfg.Bitbucket.TokenURL != "" {
			opts = append(opts, bitbucket.WithTokenURL(a.cfg.Bitbucket.TokenURL))
		}
		minter, err := bitbucket.NewOAuthMinter(a.cfg.Bitbucket.ClientID, a.cfg.Bitbucket.ClientSecret, code, opts...)
		if err != nil {
			return nil, err
		}
		return minter, nil
	default:
		return nil, fmt.Errorf("unsupported provider %q", a.provider)
	}
}

// tokens builds the credential manager. Refreshed tokens are written into the
// origin remote of the account's working copies.
func (a *app) tokens(minter auth.Minter) auth.Manager {
	return auth.NewManager(a.provider, a.store, minter,
		auth.WithPropagator(gitops.NewRemoteUpdater(a.store, a.provider)))
}

// clients returns the factory of authenticated provider clients
func (a *app) clients() (provider.ClientFactory, error) {
	retry := a.cfg.RetryPolicy()
	httpClient := provider.NewLimitedHTTPClient(a.limiter)

	switch a.provider {
	case provider.GitHub:
		if a.cfg.GitHub.APIURL != "" {
			if _, err := url.Parse(a.cfg.GitHub.APIURL); err != nil {
				return nil, fmt.Errorf("invalid github.api_url: %w", err)
			}
		}
		opts := []github.Option{
			github.WithBaseURL(a.cfg.GitHub.APIURL),
			github.WithRetryConfig(retry),
			github.WithHTTPClient(httpClient),
		}
		return func(token string) provider.Client {
			// The only failing option is the base URL, parsed above
			client, _ := github.NewClient(token, opts...)
			return client
		}, nil
	case provider.Bitbucket:
		opts := []bitbucket.Option{
			bitbucket.WithRetry(retry.MaxRetries, retry.InitialDelay, retry.MaxDelay),
			bitbucket.WithHTTPClient(httpClient),
		}
		if a.cfg.Bitbucket.APIURL != "" {
			opts = append(opts, bitbucket.WithBaseURL(a.cfg.Bitbucket.APIURL))
		}
		return func(token string) provider.Client {
			return bitbucket.NewClient(token, opts...)
		}, nil
	default:
		return nil, fmt.Errorf("unsupported provider %q", a.provider)
	}
}

// orchestrator wires an onboarding orchestrator around tokens
func (a *app) orchestrator(tokens auth.Manager) (*onboarding.Orchestrator, error) {
	clients, err := a.clients()
	if err != nil {
		return nil, err
	}

	opts := onboarding.Options{
		Provider:               a.provider,
		Tokens:                 tokens,
		Clients:                clients,
		Store:                  a.store,
		Reporter:               upstream.NewHTTPReporter(a.cfg.Server.URL, nil),
		InstallationID:         a.cfg.Server.InstallationID,
		CallbackURL:            a.cfg.CallbackURL(a.provider),
		AccountConcurrency:     a.cfg.Concurrency.Accounts,
		RepositoryConcurrency:  a.cfg.Concurrency.Repositories,
		PullRequestConcurrency: a.cfg.Concurrency.PullRequests,
	}
	if a.cfg.Workspace.CloneDir != "" {
		opts.Cloner = gitops.NewCloner(a.cfg.Workspace.CloneDir)
	}
	return onboarding.NewOrchestrator(opts)
}

// printResult prints a human readable run summary
func printResult(result *onboarding.Result) {
	fmt.Printf("\n📊 Summary:\n")
	fmt.Printf("  Accounts:      %d\n", len(result.Accounts))
	fmt.Printf("  Repositories:  %d\n", len(result.Repositories))
	fmt.Printf("  Webhooks:      %d\n", result.Webhooks)
	fmt.Printf("  Pull requests: %d\n", result.PullRequests)

	for _, repo := range result.Repositories {
		fmt.Printf("  ✅ %s\n", repo.FullName())
	}
	if len(result.Failed) == 0 {
		return
	}

	fmt.Printf("\n❌ Failures (%d):\n", len(result.Failed))
	for _, unit := range sortedKeys(result.Failed) {
		fmt.Printf("  • %s: %v\n", unit, result.Failed[unit])
	}
}

func sortedKeys(m map[string]error) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
