package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "reposync",
	Short: "Onboard code-hosting accounts into code review automation",
	Long: `Reposync connects GitHub App installations and Bitbucket workspaces to the
code review server. It discovers the selected repositories, registers the review
webhook on each of them, keeps provider access tokens fresh and stores pull
request metadata for later analysis.`,
	SilenceUsage: true,
}

// Execute runs the root command. Cancelling ctx stops in-flight work.
func Execute(ctx context.Context) {
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to the configuration file (default ~/.reposync/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn or error (overrides log.level)")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(onboardCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(tokenCmd)
}
