package provider

import "context"

// Client defines the provider operations used by onboarding and synchronization.
// Implementations drain paginated listings before returning.
type Client interface {
	// Provider returns the provider this client talks to
	Provider() Name

	// Workspace operations
	ListWorkspaces(ctx context.Context) ([]Workspace, error)
	ListWorkspaceMembers(ctx context.Context, workspace Workspace) ([]Member, error)

	// Repository operations
	ListRepositories(ctx context.Context, workspace Workspace) ([]Repository, error)

	// Webhook operations
	ListWebhooks(ctx context.Context, repo Repository) ([]Webhook, error)
	CreateWebhook(ctx context.Context, repo Repository, callbackURL string) (*Webhook, error)

	// Pull request operations
	ListPullRequests(ctx context.Context, repo Repository, state PRState) ([]string, error)
	GetPullRequest(ctx context.Context, repo Repository, number string) (*PullRequest, error)
}

// ClientFactory builds a Client authenticated with the given access token
type ClientFactory func(token string) Client
