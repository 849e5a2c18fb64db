package github

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/google/go-github/v66/github"
	"golang.org/x/oauth2"

	"reposync/pkg/provider"
)

// pullRequestEvents are the hook events delivering pull request created and updated notifications
var pullRequestEvents = []string{"pull_request"}

// Client implements provider.Client for a GitHub App installation using the GitHub REST API
type Client struct {
	client     *github.Client
	retry      *provider.RetryConfig
	baseURL    *url.URL
	httpClient *http.Client

	mu    sync.Mutex
	repos []provider.Repository
}

// Option configures a Client
type Option func(*Client) error

// WithBaseURL points the client at a GitHub Enterprise or test API endpoint
func WithBaseURL(baseURL string) Option {
	return func(c *Client) error {
		if baseURL == "" {
			return nil
		}
		if !strings.HasSuffix(baseURL, "/") {
			baseURL += "/"
		}
		u, err := url.Parse(baseURL)
		if err != nil {
			return fmt.Errorf("invalid GitHub API URL %q: %w", baseURL, err)
		}
		c.baseURL = u
		return nil
	}
}

// WithHTTPClient sets the client whose transport carries the authenticated requests
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		c.httpClient = hc
		return nil
	}
}

// WithRetryConfig overrides the retry policy of API calls
func WithRetryConfig(cfg *provider.RetryConfig) Option {
	return func(c *Client) error {
		c.retry = cfg
		return nil
	}
}

// NewClient creates a new GitHub API client authenticated with an installation token
func NewClient(token string, opts ...Option) (*Client, error) {
	c := &Client{
		retry: provider.DefaultRetryConfig(),
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}

	ctx := context.Background()
	if c.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	}
	ts := oauth2.StaticTokenSource(
		&oauth2.Token{AccessToken: token},
	)
	tc := oauth2.NewClient(ctx, ts)

	c.client = github.NewClient(tc)
	if c.baseURL != nil {
		c.client.BaseURL = c.baseURL
	}
	return c, nil
}

// Provider returns provider.GitHub
func (c *Client) Provider() provider.Name {
	return provider.GitHub
}

// ListWorkspaces returns the accounts owning the repositories the installation can access
func (c *Client) ListWorkspaces(ctx context.Context) ([]provider.Workspace, error) {
	repos, err := c.installationRepositories(ctx)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var workspaces []provider.Workspace
	for _, repo := range repos {
		if seen[repo.Owner] {
			continue
		}
		seen[repo.Owner] = true
		workspaces = append(workspaces, provider.Workspace{Slug: repo.Owner, Name: repo.Owner})
	}
	sort.Slice(workspaces, func(i, j int) bool { return workspaces[i].Slug < workspaces[j].Slug })
	return workspaces, nil
}

// ListWorkspaceMembers is not used for GitHub installations and returns no members
func (c *Client) ListWorkspaceMembers(_ context.Context, _ provider.Workspace) ([]provider.Member, error) {
	return nil, nil
}

// ListRepositories returns the installation repositories owned by the workspace
func (c *Client) ListRepositories(ctx context.Context, workspace provider.Workspace) ([]provider.Repository, error) {
	repos, err := c.installationRepositories(ctx)
	if err != nil {
		return nil, err
	}

	var owned []provider.Repository
	for _, repo := range repos {
		if repo.Owner == workspace.Slug {
			owned = append(owned, repo)
		}
	}
	return owned, nil
}

// installationRepositories drains GET /installation/repositories once per client
func (c *Client) installationRepositories(ctx context.Context) ([]provider.Repository, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.repos != nil {
		return c.repos, nil
	}

	opts := &github.ListOptions{PerPage: 100}
	var all []provider.Repository

	err := provider.WithRetry(ctx, func() error {
		// Reset pagination on retry
		all = nil
		opts.Page = 0

		for {
			result, resp, err := c.client.Apps.ListRepos(ctx, opts)
			if err != nil {
				return WrapGitHubError(err, "installation repositories")
			}

			for _, repo := range result.Repositories {
				all = append(all, convertGitHubRepository(repo))
			}

			if resp.NextPage == 0 {
				break
			}
			opts.Page = resp.NextPage
		}
		return nil
	}, c.retry)
	if err != nil {
		return nil, err
	}

	if all == nil {
		all = []provider.Repository{}
	}
	c.repos = all
	return all, nil
}

// ListWebhooks lists all webhooks for a repository
func (c *Client) ListWebhooks(ctx context.Context, repo provider.Repository) ([]provider.Webhook, error) {
	opts := &github.ListOptions{PerPage: 100}

	var allWebhooks []provider.Webhook

	err := provider.WithRetry(ctx, func() error {
		allWebhooks = nil
		opts.Page = 0

		for {
			hooks, resp, err := c.client.Repositories.ListHooks(ctx, repo.Owner, repo.Name, opts)
			if err != nil {
				return WrapGitHubError(err, fmt.Sprintf("webhooks for %s", repo.FullName()))
			}

			for _, hook := range hooks {
				allWebhooks = append(allWebhooks, convertGitHubHook(hook))
			}

			if resp.NextPage == 0 {
				break
			}
			opts.Page = resp.NextPage
		}
		return nil
	}, c.retry)

	return allWebhooks, err
}

// CreateWebhook creates a pull request webhook pointing at callbackURL. The
// POST is sent once: a lost response may still have created the hook.
func (c *Client) CreateWebhook(ctx context.Context, repo provider.Repository, callbackURL string) (*provider.Webhook, error) {
	hook := &github.Hook{
		Name: github.String("web"),
		Config: &github.HookConfig{
			URL:         github.String(callbackURL),
			ContentType: github.String("json"),
		},
		Events: pullRequestEvents,
		Active: github.Bool(true),
	}

	created, _, err := c.client.Repositories.CreateHook(ctx, repo.Owner, repo.Name, hook)
	if err != nil {
		return nil, WrapGitHubError(err, fmt.Sprintf("webhook for %s", repo.FullName()))
	}

	if created == nil || created.GetID() == 0 {
		return nil, provider.Malformed(fmt.Sprintf("webhook for %s", repo.FullName()), fmt.Errorf("missing hook id"))
	}

	result := convertGitHubHook(created)
	if result.TargetURL == "" {
		result.TargetURL = callbackURL
	}
	return &result, nil
}

// ListPullRequests returns the numbers of pull requests in the given canonical state
func (c *Client) ListPullRequests(ctx context.Context, repo provider.Repository, state provider.PRState) ([]string, error) {
	opts := &github.PullRequestListOptions{
		State:       listState(state),
		ListOptions: github.ListOptions{PerPage: 100},
	}

	var numbers []string

	err := provider.WithRetry(ctx, func() error {
		numbers = nil
		opts.Page = 0

		for {
			prs, resp, err := c.client.PullRequests.List(ctx, repo.Owner, repo.Name, opts)
			if err != nil {
				return WrapGitHubError(err, fmt.Sprintf("pull requests for %s", repo.FullName()))
			}

			for _, pr := range prs {
				if !matchesState(pr, state) {
					continue
				}
				numbers = append(numbers, strconv.Itoa(pr.GetNumber()))
			}

			if resp.NextPage == 0 {
				break
			}
			opts.Page = resp.NextPage
		}
		return nil
	}, c.retry)

	return numbers, err
}

// GetPullRequest fetches one pull request and converts it into a snapshot
func (c *Client) GetPullRequest(ctx context.Context, repo provider.Repository, number string) (*provider.PullRequest, error) {
	resource := fmt.Sprintf("pull request %s#%s", repo.FullName(), number)

	n, err := strconv.Atoi(number)
	if err != nil {
		return nil, provider.NewError(provider.ErrorTypeValidation, resource, "pull request number is not numeric", err)
	}

	var pr *github.PullRequest
	err = provider.WithRetry(ctx, func() error {
		var err error
		pr, _, err = c.client.PullRequests.Get(ctx, repo.Owner, repo.Name, n)
		if err != nil {
			return WrapGitHubError(err, resource)
		}
		return nil
	}, c.retry)
	if err != nil {
		return nil, err
	}

	if pr.GetBase().GetSHA() == "" || pr.GetHead().GetSHA() == "" {
		return nil, provider.Malformed(resource, fmt.Errorf("missing base or head commit"))
	}

	return &provider.PullRequest{
		Repository: repo,
		Number:     number,
		BaseSHA:    pr.GetBase().GetSHA(),
		HeadSHA:    pr.GetHead().GetSHA(),
		State:      NormalizeState(pr.GetState(), pr.GetMerged() || pr.MergedAt != nil),
		HeadBranch: pr.GetHead().GetRef(),
	}, nil
}

// NormalizeState maps GitHub's state and merged flag onto the canonical states
func NormalizeState(state string, merged bool) provider.PRState {
	switch strings.ToLower(state) {
	case "open":
		return provider.PRStateOpen
	case "closed":
		if merged {
			return provider.PRStateMerged
		}
		return provider.PRStateDeclined
	default:
		return provider.PRStateOther
	}
}

// listState converts a canonical state into the GitHub list filter
func listState(state provider.PRState) string {
	switch state {
	case provider.PRStateOpen, "":
		return "open"
	case provider.PRStateMerged, provider.PRStateDeclined:
		return "closed"
	default:
		return "all"
	}
}

// matchesState narrows closed pull requests to merged or declined
func matchesState(pr *github.PullRequest, state provider.PRState) bool {
	switch state {
	case provider.PRStateMerged:
		return pr.MergedAt != nil
	case provider.PRStateDeclined:
		return pr.MergedAt == nil
	default:
		return true
	}
}

// convertGitHubRepository converts a GitHub API repository to our internal type
func convertGitHubRepository(repo *github.Repository) provider.Repository {
	return provider.Repository{
		ID:       strconv.FormatInt(repo.GetID(), 10),
		Name:     repo.GetName(),
		Owner:    repo.GetOwner().GetLogin(),
		Provider: provider.GitHub,
		Private:  repo.GetPrivate(),
		CloneURL: repo.GetCloneURL(),
	}
}

// convertGitHubHook converts a GitHub API hook to our internal type
func convertGitHubHook(hook *github.Hook) provider.Webhook {
	webhook := provider.Webhook{
		ID:        strconv.FormatInt(hook.GetID(), 10),
		Active:    hook.GetActive(),
		CreatedAt: hook.GetCreatedAt().Time,
		Events:    hook.Events,
		SelfLink:  hook.GetURL(),
	}

	// Extract URL from config
	if hook.Config != nil {
		webhook.TargetURL = hook.Config.GetURL()
	}

	return webhook
}
