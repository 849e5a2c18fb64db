package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
	"gopkg.in/yaml.v3"

	"reposync/pkg/provider"
)

// Config represents the reposync configuration
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	GitHub      GitHubConfig      `yaml:"github"`
	Bitbucket   BitbucketConfig   `yaml:"bitbucket"`
	Store       StoreConfig       `yaml:"store"`
	Workspace   WorkspaceConfig   `yaml:"workspace"`
	Concurrency ConcurrencyConfig `yaml:"concurrency"`
	Retry       RetryConfig       `yaml:"retry"`
	Selection   SelectionConfig   `yaml:"selection"`
	Log         LogConfig         `yaml:"log"`
}

// ServerConfig describes the review server that receives webhooks and setup reports
type ServerConfig struct {
	URL            string `yaml:"url"`
	InstallationID string `yaml:"installation_id"`
}

// GitHubConfig represents GitHub App configuration
type GitHubConfig struct {
	AppID          int64  `yaml:"app_id"`
	PrivateKeyPath string `yaml:"private_key_path"`
	APIURL         string `yaml:"api_url,omitempty"`
}

// BitbucketConfig represents the Bitbucket OAuth consumer
type BitbucketConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	APIURL       string `yaml:"api_url,omitempty"`
	TokenURL     string `yaml:"token_url,omitempty"`
}

// StoreConfig locates the state database
type StoreConfig struct {
	Path        string        `yaml:"path"`
	OpenTimeout time.Duration `yaml:"open_timeout"`
}

// WorkspaceConfig controls local working copies. An empty clone dir disables cloning.
type WorkspaceConfig struct {
	CloneDir string `yaml:"clone_dir"`
}

// ConcurrencyConfig bounds the onboarding fan-out
type ConcurrencyConfig struct {
	Accounts     int `yaml:"accounts"`
	Repositories int `yaml:"repositories"`
	PullRequests int `yaml:"pull_requests"`
	Requests     int `yaml:"requests"`
}

// RetryConfig controls retries of provider API calls
type RetryConfig struct {
	// MaxRetries is nil when unset; an explicit 0 disables retries
	MaxRetries   *int          `yaml:"max_retries"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
}

// SelectionConfig lists the "owner/name" repositories onboarding may act on
type SelectionConfig struct {
	Repositories []string `yaml:"repositories"`
}

// LogConfig controls logging
type LogConfig struct {
	Level string `yaml:"level"`
}

// envOverlay holds the environment variables that override the file. The
// REPOSYNC_ names win over the legacy ones.
type envOverlay struct {
	ServerURL             string `env:"REPOSYNC_SERVER_URL"`
	LegacyServerURL       string `env:"SERVER_URL"`
	InstallationID        string `env:"REPOSYNC_INSTALLATION_ID"`
	LegacyInstallationID  string `env:"INSTALL_ID"`
	GitHubAppID           int64  `env:"REPOSYNC_GITHUB_APP_ID"`
	LegacyGitHubAppID     int64  `env:"GITHUB_APP_ID"`
	GitHubPrivateKeyPath  string `env:"REPOSYNC_GITHUB_PRIVATE_KEY_PATH"`
	GitHubAPIURL          string `env:"REPOSYNC_GITHUB_API_URL"`
	BitbucketClientID     string `env:"REPOSYNC_BITBUCKET_CLIENT_ID"`
	BitbucketClientSecret string `env:"REPOSYNC_BITBUCKET_CLIENT_SECRET"`
	BitbucketAPIURL       string `env:"REPOSYNC_BITBUCKET_API_URL"`
	StorePath             string `env:"REPOSYNC_STORE_PATH"`
	CloneDir              string `env:"REPOSYNC_CLONE_DIR"`
	LogLevel              string `env:"REPOSYNC_LOG_LEVEL"`
}

// Default returns a configuration with every default applied
func Default() *Config {
	c := &Config{}
	c.ApplyDefaults()
	return c
}

// Load reads .env files, the config file at path (the default location when
// empty) and the environment, then applies defaults
func Load(ctx context.Context, path string, envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", f, err)
		}
	}

	if path == "" {
		var err error
		path, err = GetConfigPath()
		if err != nil {
			return nil, err
		}
	}

	cfg, err := LoadConfigFromPath(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(ctx, envconfig.OsLookuper()); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

// LoadConfig loads configuration from the default location
func LoadConfig() (*Config, error) {
	configPath, err := GetConfigPath()
	if err != nil {
		return nil, err
	}

	return LoadConfigFromPath(configPath)
}

// LoadConfigFromPath loads configuration from a specific path
func LoadConfigFromPath(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return &Config{}, nil // Return empty config if file doesn't exist
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return &config, nil
}

// ApplyEnv overrides file values with the environment variables found by lookuper
func (c *Config) ApplyEnv(ctx context.Context, lookuper envconfig.Lookuper) error {
	var env envOverlay
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{Target: &env, Lookuper: lookuper}); err != nil {
		return fmt.Errorf("failed to process environment: %w", err)
	}

	setString(&c.Server.URL, env.ServerURL, env.LegacyServerURL)
	setString(&c.Server.InstallationID, env.InstallationID, env.LegacyInstallationID)
	if env.GitHubAppID != 0 {
		c.GitHub.AppID = env.GitHubAppID
	} else if env.LegacyGitHubAppID != 0 {
		c.GitHub.AppID = env.LegacyGitHubAppID
	}
	setString(&c.GitHub.PrivateKeyPath, env.GitHubPrivateKeyPath)
	setString(&c.GitHub.APIURL, env.GitHubAPIURL)
	setString(&c.Bitbucket.ClientID, env.BitbucketClientID)
	setString(&c.Bitbucket.ClientSecret, env.BitbucketClientSecret)
	setString(&c.Bitbucket.APIURL, env.BitbucketAPIURL)
	setString(&c.Store.Path, env.StorePath)
	setString(&c.Workspace.CloneDir, env.CloneDir)
	setString(&c.Log.Level, env.LogLevel)
	return nil
}

// setString assigns the first non-empty candidate to dst
func setString(dst *string, candidates ...string) {
	for _, v := range candidates {
		if v != "" {
			*dst = v
			return
		}
	}
}

// ApplyDefaults fills every unset value with its default
func (c *Config) ApplyDefaults() {
	if c.Store.Path == "" {
		if home, err := os.UserHomeDir(); err == nil {
			c.Store.Path = filepath.Join(home, ".reposync", "reposync.db")
		} else {
			c.Store.Path = "reposync.db"
		}
	}
	if c.Store.OpenTimeout <= 0 {
		c.Store.OpenTimeout = 5 * time.Second
	}
	if c.Concurrency.Accounts <= 0 {
		c.Concurrency.Accounts = 4
	}
	if c.Concurrency.Repositories <= 0 {
		c.Concurrency.Repositories = 8
	}
	if c.Concurrency.PullRequests <= 0 {
		c.Concurrency.PullRequests = 8
	}
	if c.Concurrency.Requests <= 0 {
		c.Concurrency.Requests = 16
	}
	if c.Retry.MaxRetries == nil {
		maxRetries := provider.DefaultRetryConfig().MaxRetries
		c.Retry.MaxRetries = &maxRetries
	} else if *c.Retry.MaxRetries < 0 {
		maxRetries := 0
		c.Retry.MaxRetries = &maxRetries
	}
	if c.Retry.InitialDelay <= 0 {
		c.Retry.InitialDelay = time.Second
	}
	if c.Retry.MaxDelay <= 0 {
		c.Retry.MaxDelay = 30 * time.Second
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// SaveConfig saves configuration to the default location
func (c *Config) SaveConfig() error {
	configPath, err := GetConfigPath()
	if err != nil {
		return err
	}

	return c.SaveConfigToPath(configPath)
}

// SaveConfigToPath saves configuration to a specific path
func (c *Config) SaveConfigToPath(path string) error {
	// Create config directory if it doesn't exist
	configDir := filepath.Dir(path)
	if err := os.MkdirAll(configDir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// The file may carry the Bitbucket client secret
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// GetConfigPath returns the default configuration file path
func GetConfigPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}

	return filepath.Join(homeDir, ".reposync", "config.yaml"), nil
}

// CallbackURL returns the webhook target registered for a provider
func (c *Config) CallbackURL(p provider.Name) string {
	return fmt.Sprintf("%s/api/%s/callbacks/webhook", strings.TrimSuffix(c.Server.URL, "/"), p)
}

// RetryPolicy converts the retry section into a provider.RetryConfig
func (c *Config) RetryPolicy() *provider.RetryConfig {
	policy := provider.DefaultRetryConfig()
	if c.Retry.MaxRetries != nil {
		policy.MaxRetries = max(*c.Retry.MaxRetries, 0)
	}
	if c.Retry.InitialDelay > 0 {
		policy.InitialDelay = c.Retry.InitialDelay
	}
	if c.Retry.MaxDelay > 0 {
		policy.MaxDelay = c.Retry.MaxDelay
	}
	return policy
}

// GitHubPrivateKey reads the GitHub App private key
func (c *Config) GitHubPrivateKey() ([]byte, error) {
	path := c.GitHub.PrivateKeyPath
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(home, path[2:])
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read GitHub App private key: %w", err)
	}
	return data, nil
}
