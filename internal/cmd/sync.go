package cmd

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"reposync/pkg/onboarding"
	"reposync/pkg/provider"
)

var (
	syncAccount     string
	syncState       string
	syncMetricsAddr string
)

var syncCmd = &cobra.Command{
	Use:   "sync <github|bitbucket>",
	Short: "Synchronize pull requests of onboarded repositories",
	Long: `Refresh the pull request snapshots of every repository onboarded for an
account. Webhooks are not modified and nothing is reported to the review server.

Examples:
  reposync sync github --account 12345
  reposync sync bitbucket --state MERGED --metrics-addr :2112`,
	Args: cobra.ExactArgs(1),
	RunE: runSync,
}

func init() {
	syncCmd.Flags().StringVar(&syncAccount, "account", "", "Account id (GitHub installation id or Bitbucket grant name)")
	syncCmd.Flags().StringVar(&syncState, "state", string(provider.PRStateOpen), "Pull request state to synchronize")
	syncCmd.Flags().StringVar(&syncMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address while syncing")
}

func runSync(cmd *cobra.Command, args []string) error {
	p, err := provider.ParseName(args[0])
	if err != nil {
		return err
	}
	state, err := provider.ParsePRState(syncState)
	if err != nil {
		return err
	}

	ctx, a, err := newApp(cmd, p)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	if syncMetricsAddr != "" {
		server := &http.Server{Addr: syncMetricsAddr, Handler: promhttp.Handler(), ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				clog.FromContext(ctx).Warnf("metrics server stopped: %v", err)
			}
		}()
		defer func() { _ = server.Close() }()
		fmt.Printf("📈 Serving metrics on %s/metrics\n", syncMetricsAddr)
	}

	minter, err := a.minter("")
	if err != nil {
		return err
	}
	orch, err := a.orchestrator(a.tokens(minter))
	if err != nil {
		return err
	}

	fmt.Printf("🔄 Synchronizing %s pull requests for account %s\n", state, displayAccount(syncAccount))
	result, err := orch.Resync(ctx, syncAccount, state)
	if err != nil {
		return err
	}

	printResult(result)
	if result.HasFailure(onboarding.KindAuth) {
		return fmt.Errorf("could not obtain a %s access token", p)
	}
	return nil
}
