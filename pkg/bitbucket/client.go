// Package bitbucket implements provider.Client against the Bitbucket Cloud
// REST API 2.0 and mints OAuth credentials for Bitbucket workspaces.
package bitbucket

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"reposync/pkg/provider"
)

// DefaultBaseURL is the Bitbucket Cloud REST API root
const DefaultBaseURL = "https://api.bitbucket.org/2.0"

const webhookDescription = "Webhook for PRs when raised and when something is pushed to the open PRs"

// pullRequestEvents are the hook events delivering pull request created and updated notifications
var pullRequestEvents = []string{"pullrequest:created", "pullrequest:updated"}

// Client implements provider.Client for Bitbucket Cloud
type Client struct {
	http    *retryablehttp.Client
	baseURL string
	token   string
}

// Option configures a Client
type Option func(*Client)

// WithBaseURL points the client at another API root, used by tests
func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		if baseURL != "" {
			c.baseURL = strings.TrimSuffix(baseURL, "/")
		}
	}
}

// WithRetry sets the retry budget of the underlying retryablehttp client
func WithRetry(maxRetries int, minWait, maxWait time.Duration) Option {
	return func(c *Client) {
		c.http.RetryMax = maxRetries
		if minWait > 0 {
			c.http.RetryWaitMin = minWait
		}
		if maxWait > 0 {
			c.http.RetryWaitMax = maxWait
		}
	}
}

// WithHTTPClient sets the transport used beneath the retry layer
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http.HTTPClient = hc
	}
}

// NewClient creates a Bitbucket API client authenticated with an OAuth access token
func NewClient(token string, opts ...Option) *Client {
	rc := retryablehttp.NewClient()
	rc.Logger = nil
	rc.CheckRetry = checkRetry
	// Hand the final response back so the status can be classified
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler

	c := &Client{
		http:    rc,
		baseURL: DefaultBaseURL,
		token:   token,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type sendOnceKey struct{}

// checkRetry retries reads with the default policy and never retries a
// request marked by sendOnce
func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if once, _ := ctx.Value(sendOnceKey{}).(bool); once {
		return false, nil
	}
	return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
}

// sendOnce marks a non-idempotent request. A lost response may still have
// been applied by Bitbucket, so the request is never repeated.
func sendOnce(ctx context.Context) context.Context {
	return context.WithValue(ctx, sendOnceKey{}, true)
}

// Provider returns provider.Bitbucket
func (c *Client) Provider() provider.Name {
	return provider.Bitbucket
}

type page struct {
	Values []json.RawMessage `json:"values"`
	Next   string            `json:"next"`
}

type apiWorkspace struct {
	UUID string `json:"uuid"`
	Slug string `json:"slug"`
	Name string `json:"name"`
}

type apiMembership struct {
	User struct {
		AccountID   string `json:"account_id"`
		DisplayName string `json:"display_name"`
		Nickname    string `json:"nickname"`
	} `json:"user"`
}

type apiLink struct {
	Name string `json:"name"`
	Href string `json:"href"`
}

type apiRepository struct {
	UUID      string `json:"uuid"`
	Name      string `json:"name"`
	Slug      string `json:"slug"`
	IsPrivate bool   `json:"is_private"`
	Workspace struct {
		Slug string `json:"slug"`
	} `json:"workspace"`
	Links struct {
		Clone []apiLink `json:"clone"`
	} `json:"links"`
}

type apiHook struct {
	UUID      string    `json:"uuid"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	Events    []string  `json:"events"`
	URL       string    `json:"url"`
	Links     struct {
		Self struct {
			Href string `json:"href"`
		} `json:"self"`
	} `json:"links"`
}

type apiCommitRef struct {
	Commit struct {
		Hash string `json:"hash"`
	} `json:"commit"`
	Branch struct {
		Name string `json:"name"`
	} `json:"branch"`
}

type apiPullRequest struct {
	ID          int          `json:"id"`
	State       string       `json:"state"`
	Source      apiCommitRef `json:"source"`
	Destination apiCommitRef `json:"destination"`
}

// ListWorkspaces returns every workspace the token can access
func (c *Client) ListWorkspaces(ctx context.Context) ([]provider.Workspace, error) {
	var workspaces []provider.Workspace
	err := c.paginate(ctx, c.baseURL+"/workspaces", "workspaces", func(raw json.RawMessage) error {
		var ws apiWorkspace
		if err := json.Unmarshal(raw, &ws); err != nil {
			return err
		}
		workspaces = append(workspaces, provider.Workspace{Slug: ws.Slug, UUID: ws.UUID, Name: ws.Name})
		return nil
	})
	return workspaces, err
}

// ListWorkspaceMembers returns the members of a workspace
func (c *Client) ListWorkspaceMembers(ctx context.Context, workspace provider.Workspace) ([]provider.Member, error) {
	id := workspace.UUID
	if id == "" {
		id = workspace.Slug
	}

	var members []provider.Member
	endpoint := fmt.Sprintf("%s/workspaces/%s/members", c.baseURL, url.PathEscape(id))
	err := c.paginate(ctx, endpoint, "members of "+workspace.Slug, func(raw json.RawMessage) error {
		var m apiMembership
		if err := json.Unmarshal(raw, &m); err != nil {
			return err
		}
		members = append(members, provider.Member{
			AccountID:   m.User.AccountID,
			DisplayName: m.User.DisplayName,
			Nickname:    m.User.Nickname,
		})
		return nil
	})
	return members, err
}

// ListRepositories returns every repository of a workspace
func (c *Client) ListRepositories(ctx context.Context, workspace provider.Workspace) ([]provider.Repository, error) {
	var repos []provider.Repository
	endpoint := fmt.Sprintf("%s/repositories/%s", c.baseURL, url.PathEscape(workspace.Slug))
	err := c.paginate(ctx, endpoint, "repositories of "+workspace.Slug, func(raw json.RawMessage) error {
		var r apiRepository
		if err := json.Unmarshal(raw, &r); err != nil {
			return err
		}
		repos = append(repos, convertRepository(r, workspace.Slug))
		return nil
	})
	return repos, err
}

// ListWebhooks lists all webhooks for a repository
func (c *Client) ListWebhooks(ctx context.Context, repo provider.Repository) ([]provider.Webhook, error) {
	var hooks []provider.Webhook
	err := c.paginate(ctx, c.repoURL(repo, "hooks"), "webhooks for "+repo.FullName(), func(raw json.RawMessage) error {
		var h apiHook
		if err := json.Unmarshal(raw, &h); err != nil {
			return err
		}
		hooks = append(hooks, convertHook(h))
		return nil
	})
	return hooks, err
}

// CreateWebhook creates a pull request webhook pointing at callbackURL
func (c *Client) CreateWebhook(ctx context.Context, repo provider.Repository, callbackURL string) (*provider.Webhook, error) {
	payload := map[string]any{
		"description": webhookDescription,
		"url":         callbackURL,
		"active":      true,
		"events":      pullRequestEvents,
	}

	resource := "webhook for " + repo.FullName()
	var h apiHook
	if err := c.do(sendOnce(ctx), http.MethodPost, c.repoURL(repo, "hooks"), payload, &h, resource); err != nil {
		return nil, err
	}
	if h.UUID == "" {
		return nil, provider.Malformed(resource, fmt.Errorf("missing hook uuid"))
	}

	hook := convertHook(h)
	if hook.TargetURL == "" {
		hook.TargetURL = callbackURL
	}
	return &hook, nil
}

// ListPullRequests returns the ids of pull requests in the given state
func (c *Client) ListPullRequests(ctx context.Context, repo provider.Repository, state provider.PRState) ([]string, error) {
	if state == "" {
		state = provider.PRStateOpen
	}
	endpoint := c.repoURL(repo, "pullrequests") + "?" + url.Values{"state": {string(state)}}.Encode()

	var ids []string
	err := c.paginate(ctx, endpoint, "pull requests for "+repo.FullName(), func(raw json.RawMessage) error {
		var pr apiPullRequest
		if err := json.Unmarshal(raw, &pr); err != nil {
			return err
		}
		if pr.ID > 0 {
			ids = append(ids, fmt.Sprintf("%d", pr.ID))
		}
		return nil
	})
	return ids, err
}

// GetPullRequest fetches one pull request and converts it into a snapshot
func (c *Client) GetPullRequest(ctx context.Context, repo provider.Repository, number string) (*provider.PullRequest, error) {
	resource := fmt.Sprintf("pull request %s#%s", repo.FullName(), number)

	var pr apiPullRequest
	if err := c.do(ctx, http.MethodGet, c.repoURL(repo, "pullrequests", number), nil, &pr, resource); err != nil {
		return nil, err
	}
	if pr.Destination.Commit.Hash == "" || pr.Source.Commit.Hash == "" {
		return nil, provider.Malformed(resource, fmt.Errorf("missing base or head commit"))
	}

	return &provider.PullRequest{
		Repository: repo,
		Number:     number,
		BaseSHA:    pr.Destination.Commit.Hash,
		HeadSHA:    pr.Source.Commit.Hash,
		State:      provider.PRState(pr.State),
		HeadBranch: pr.Source.Branch.Name,
	}, nil
}

func (c *Client) repoURL(repo provider.Repository, parts ...string) string {
	segments := []string{c.baseURL, "repositories", url.PathEscape(repo.Owner), url.PathEscape(repo.Name)}
	for _, p := range parts {
		segments = append(segments, url.PathEscape(p))
	}
	return strings.Join(segments, "/")
}

// paginate follows the "next" links of a paged collection
func (c *Client) paginate(ctx context.Context, endpoint, resource string, each func(json.RawMessage) error) error {
	next := endpoint
	seen := make(map[string]bool)
	for next != "" {
		if seen[next] {
			return provider.Malformed(resource, fmt.Errorf("pagination loops back to %s", next))
		}
		seen[next] = true

		var p page
		if err := c.do(ctx, http.MethodGet, next, nil, &p, resource); err != nil {
			return err
		}
		for _, raw := range p.Values {
			if err := each(raw); err != nil {
				return provider.Malformed(resource, err)
			}
		}
		next = p.Next
	}
	return nil
}

// do sends one request and decodes a 2xx JSON body into out
func (c *Client) do(ctx context.Context, method, endpoint string, body, out any, resource string) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return provider.Wrap(err, resource)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		e := provider.FromStatus(resp.StatusCode, resource, errorMessage(detail))
		if retryAfter := resp.Header.Get("Retry-After"); retryAfter != "" {
			if d, err := time.ParseDuration(retryAfter + "s"); err == nil {
				e.RetryAfter = d
			}
		}
		return e
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return provider.Malformed(resource, err)
	}
	return nil
}

// errorMessage extracts error.message from a Bitbucket error body
func errorMessage(body []byte) string {
	var e struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &e); err == nil && e.Error.Message != "" {
		return e.Error.Message
	}
	return string(body)
}

func convertRepository(r apiRepository, workspace string) provider.Repository {
	owner := r.Workspace.Slug
	if owner == "" {
		owner = workspace
	}
	name := r.Slug
	if name == "" {
		name = r.Name
	}

	repo := provider.Repository{
		ID:       r.UUID,
		Name:     name,
		Owner:    owner,
		Provider: provider.Bitbucket,
		Private:  r.IsPrivate,
	}
	for _, link := range r.Links.Clone {
		if link.Name == "https" {
			repo.CloneURL = link.Href
		}
	}
	return repo
}

func convertHook(h apiHook) provider.Webhook {
	return provider.Webhook{
		ID:        h.UUID,
		Active:    h.Active,
		CreatedAt: h.CreatedAt,
		Events:    h.Events,
		SelfLink:  h.Links.Self.Href,
		TargetURL: h.URL,
	}
}
