package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"reposync/pkg/config"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize reposync configuration",
	Long:  "Create a default configuration file for reposync",
	RunE:  runInit,
}

func runInit(_ *cobra.Command, _ []string) error {
	path := configPath
	if path == "" {
		var err error
		path, err = config.GetConfigPath()
		if err != nil {
			return fmt.Errorf("failed to get config path: %w", err)
		}
	}

	// Check if config already exists
	if _, err := os.Stat(path); err == nil {
		fmt.Printf("⚠️  Configuration file already exists at: %s\n", path)
		fmt.Print("Do you want to overwrite it? (y/N): ")
		var response string
		_, _ = fmt.Scanln(&response) // Ignore error for user input
		if response != "y" && response != "Y" {
			fmt.Println("Configuration initialization cancelled.")
			return nil
		}
	}

	if err := defaultConfig().SaveConfigToPath(path); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	fmt.Printf("✅ Configuration file created at: %s\n", path)
	fmt.Println("📝 Please edit the file to set the server URL and your provider credentials.")

	return nil
}

// defaultConfig is the template written by init
func defaultConfig() *config.Config {
	cfg := config.Default()
	cfg.Server.URL = "https://review.example.com"
	cfg.GitHub.PrivateKeyPath = "~/.reposync/github-app.pem"
	cfg.Selection.Repositories = []string{}
	return cfg
}
