package github

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reposync/pkg/provider"
)

// mockGitHubServer creates a test HTTP server that mocks GitHub API responses
func mockGitHubServer(t *testing.T, responses map[string]interface{}) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		// Route based on method and path
		key := fmt.Sprintf("%s %s", r.Method, r.URL.Path)

		response, exists := responses[key]
		if !exists {
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(map[string]string{"message": "Not Found"})
			return
		}

		switch v := response.(type) {
		case int:
			w.WriteHeader(v)
			_ = json.NewEncoder(w).Encode(map[string]string{"message": http.StatusText(v)})
		case error:
			w.WriteHeader(http.StatusInternalServerError)
			_ = json.NewEncoder(w).Encode(map[string]string{"message": v.Error()})
		default:
			if r.Method == http.MethodPost {
				w.WriteHeader(http.StatusCreated)
			} else {
				w.WriteHeader(http.StatusOK)
			}
			_ = json.NewEncoder(w).Encode(v)
		}
	}))
	t.Cleanup(server.Close)
	return server
}

// createTestClient creates a GitHub client configured to use the test server
func createTestClient(t *testing.T, server *httptest.Server) *Client {
	t.Helper()
	client, err := NewClient("test-token",
		WithBaseURL(server.URL),
		WithRetryConfig(&provider.RetryConfig{MaxRetries: 0, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffFactor: 1}),
	)
	require.NoError(t, err)
	return client
}

func installationRepos() map[string]interface{} {
	return map[string]interface{}{
		"total_count": 3,
		"repositories": []map[string]interface{}{
			{"id": 1, "name": "svc-a", "private": true, "clone_url": "https://github.com/acme/svc-a.git", "owner": map[string]interface{}{"login": "acme"}},
			{"id": 2, "name": "svc-b", "private": false, "clone_url": "https://github.com/acme/svc-b.git", "owner": map[string]interface{}{"login": "acme"}},
			{"id": 3, "name": "tool", "owner": map[string]interface{}{"login": "other"}},
		},
	}
}

func TestNewClient(t *testing.T) {
	client, err := NewClient("test-token")
	require.NoError(t, err)
	assert.Equal(t, provider.GitHub, client.Provider())
	assert.Equal(t, "https://api.github.com/", client.client.BaseURL.String())

	_, err = NewClient("test-token", WithBaseURL("://bad"))
	assert.Error(t, err)
}

func TestListWorkspacesAndRepositories(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "/installation/repositories", r.URL.Path)
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(installationRepos())
	}))
	defer server.Close()

	client := createTestClient(t, server)
	ctx := context.Background()

	workspaces, err := client.ListWorkspaces(ctx)
	require.NoError(t, err)
	assert.Equal(t, []provider.Workspace{{Slug: "acme", Name: "acme"}, {Slug: "other", Name: "other"}}, workspaces)

	repos, err := client.ListRepositories(ctx, provider.Workspace{Slug: "acme"})
	require.NoError(t, err)
	require.Len(t, repos, 2)
	assert.Equal(t, provider.Repository{
		ID:       "1",
		Name:     "svc-a",
		Owner:    "acme",
		Provider: provider.GitHub,
		Private:  true,
		CloneURL: "https://github.com/acme/svc-a.git",
	}, repos[0])

	// Listing is cached for the life of the client
	assert.Equal(t, int32(1), calls.Load())
}

func TestListRepositoriesPaginates(t *testing.T) {
	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("page") == "2" {
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"repositories": []map[string]interface{}{{"id": 2, "name": "svc-b", "owner": map[string]interface{}{"login": "acme"}}},
			})
			return
		}
		w.Header().Set("Link", fmt.Sprintf(`<%s/installation/repositories?page=2>; rel="next"`, server.URL))
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"repositories": []map[string]interface{}{{"id": 1, "name": "svc-a", "owner": map[string]interface{}{"login": "acme"}}},
		})
	}))
	defer server.Close()

	repos, err := createTestClient(t, server).ListRepositories(context.Background(), provider.Workspace{Slug: "acme"})
	require.NoError(t, err)
	require.Len(t, repos, 2)
	assert.Equal(t, "svc-b", repos[1].Name)
}

func TestListWebhooks(t *testing.T) {
	server := mockGitHubServer(t, map[string]interface{}{
		"GET /repos/acme/svc-a/hooks": []map[string]interface{}{
			{
				"id":         42,
				"active":     true,
				"events":     []string{"pull_request"},
				"url":        "https://api.github.com/repos/acme/svc-a/hooks/42",
				"created_at": "2024-01-01T00:00:00Z",
				"config":     map[string]interface{}{"url": "https://example.com/api/github/callbacks/webhook", "content_type": "json"},
			},
		},
		"GET /repos/acme/broken/hooks": http.StatusForbidden,
	})
	client := createTestClient(t, server)

	hooks, err := client.ListWebhooks(context.Background(), provider.Repository{Owner: "acme", Name: "svc-a"})
	require.NoError(t, err)
	require.Len(t, hooks, 1)
	assert.Equal(t, "42", hooks[0].ID)
	assert.Equal(t, "https://example.com/api/github/callbacks/webhook", hooks[0].TargetURL)
	assert.Equal(t, "https://api.github.com/repos/acme/svc-a/hooks/42", hooks[0].SelfLink)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), hooks[0].CreatedAt.UTC())

	_, err = client.ListWebhooks(context.Background(), provider.Repository{Owner: "acme", Name: "broken"})
	var pErr *provider.Error
	require.ErrorAs(t, err, &pErr)
	assert.Equal(t, provider.ErrorTypePermission, pErr.Type)
	assert.False(t, pErr.IsRetryable())
}

func TestCreateWebhook(t *testing.T) {
	var received map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "POST /repos/acme/svc-a/hooks", r.Method+" "+r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &received))

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"id":     7,
			"active": true,
			"events": []string{"pull_request"},
			"config": map[string]interface{}{"url": "https://example.com/cb"},
		})
	}))
	defer server.Close()

	hook, err := createTestClient(t, server).CreateWebhook(context.Background(), provider.Repository{Owner: "acme", Name: "svc-a"}, "https://example.com/cb")
	require.NoError(t, err)
	assert.Equal(t, "7", hook.ID)
	assert.Equal(t, "https://example.com/cb", hook.TargetURL)

	assert.Equal(t, "web", received["name"])
	assert.Equal(t, []interface{}{"pull_request"}, received["events"])
	config := received["config"].(map[string]interface{})
	assert.Equal(t, "https://example.com/cb", config["url"])
	assert.Equal(t, "json", config["content_type"])
}

func TestListPullRequestsFiltersByState(t *testing.T) {
	merged := "2024-02-01T00:00:00Z"
	var gotState string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotState = r.URL.Query().Get("state")
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode([]map[string]interface{}{
			{"number": 1, "state": "closed", "merged_at": merged},
			{"number": 2, "state": "closed"},
		})
	}))
	defer server.Close()

	client := createTestClient(t, server)
	repo := provider.Repository{Owner: "acme", Name: "svc-a"}

	numbers, err := client.ListPullRequests(context.Background(), repo, provider.PRStateMerged)
	require.NoError(t, err)
	assert.Equal(t, []string{"1"}, numbers)
	assert.Equal(t, "closed", gotState)

	numbers, err = client.ListPullRequests(context.Background(), repo, provider.PRStateDeclined)
	require.NoError(t, err)
	assert.Equal(t, []string{"2"}, numbers)
}

func TestGetPullRequest(t *testing.T) {
	server := mockGitHubServer(t, map[string]interface{}{
		"GET /repos/acme/svc-a/pulls/4": map[string]interface{}{
			"number": 4,
			"state":  "open",
			"base":   map[string]interface{}{"sha": "aaa111", "ref": "main"},
			"head":   map[string]interface{}{"sha": "bbb222", "ref": "feature"},
		},
		"GET /repos/acme/svc-a/pulls/5": map[string]interface{}{
			"number": 5,
			"state":  "open",
			"head":   map[string]interface{}{"sha": "bbb222"},
		},
	})
	client := createTestClient(t, server)
	repo := provider.Repository{Owner: "acme", Name: "svc-a", Provider: provider.GitHub}

	pr, err := client.GetPullRequest(context.Background(), repo, "4")
	require.NoError(t, err)
	assert.Equal(t, &provider.PullRequest{
		Repository: repo,
		Number:     "4",
		BaseSHA:    "aaa111",
		HeadSHA:    "bbb222",
		State:      provider.PRStateOpen,
		HeadBranch: "feature",
	}, pr)

	_, err = client.GetPullRequest(context.Background(), repo, "5")
	var pErr *provider.Error
	require.ErrorAs(t, err, &pErr)
	assert.Equal(t, provider.ErrorTypeMalformed, pErr.Type)

	_, err = client.GetPullRequest(context.Background(), repo, "four")
	require.ErrorAs(t, err, &pErr)
	assert.Equal(t, provider.ErrorTypeValidation, pErr.Type)
}

func TestNormalizeState(t *testing.T) {
	tests := []struct {
		state    string
		merged   bool
		expected provider.PRState
	}{
		{"open", false, provider.PRStateOpen},
		{"closed", true, provider.PRStateMerged},
		{"closed", false, provider.PRStateDeclined},
		{"draft", false, provider.PRStateOther},
		{"", false, provider.PRStateOther},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s/%t", tt.state, tt.merged), func(t *testing.T) {
			assert.Equal(t, tt.expected, NormalizeState(tt.state, tt.merged))
		})
	}
}

func TestServerErrorsAreRetryable(t *testing.T) {
	server := mockGitHubServer(t, map[string]interface{}{
		"GET /repos/acme/svc-a/hooks": http.StatusBadGateway,
	})

	_, err := createTestClient(t, server).ListWebhooks(context.Background(), provider.Repository{Owner: "acme", Name: "svc-a"})
	require.Error(t, err)
	assert.True(t, provider.IsRetryable(err))
}

func TestCreateWebhookIsSentOnce(t *testing.T) {
	var posts atomic.Int32
	var hooks []map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch fmt.Sprintf("%s %s", r.Method, r.URL.Path) {
		case "POST /repos/acme/svc-a/hooks":
			n := posts.Add(1)
			hook := map[string]interface{}{
				"id":     n,
				"active": true,
				"events": []string{"pull_request"},
				"config": map[string]interface{}{"url": "https://review.example.com/api/github/callbacks/webhook"},
			}
			hooks = append(hooks, hook)
			if n == 1 {
				// The hook is stored but the response is lost behind a proxy error
				w.WriteHeader(http.StatusBadGateway)
				_ = json.NewEncoder(w).Encode(map[string]string{"message": "Bad Gateway"})
				return
			}
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(hook)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	client, err := NewClient("test-token",
		WithBaseURL(server.URL),
		WithRetryConfig(&provider.RetryConfig{MaxRetries: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffFactor: 1}),
	)
	require.NoError(t, err)

	repo := provider.Repository{Name: "svc-a", Owner: "acme", Provider: provider.GitHub}
	_, err = client.CreateWebhook(context.Background(), repo, "https://review.example.com/api/github/callbacks/webhook")
	require.Error(t, err)
	assert.True(t, provider.IsRetryable(err))
	assert.Equal(t, int32(1), posts.Load())
	assert.Len(t, hooks, 1)
}

func TestRequestsHoldLimiterPerAttempt(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if attempts.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{"message": "unavailable"})
			return
		}
		_ = json.NewEncoder(w).Encode([]interface{}{})
	}))
	defer server.Close()

	limiter := provider.NewLimiter(1)
	client, err := NewClient("test-token",
		WithBaseURL(server.URL),
		WithHTTPClient(provider.NewLimitedHTTPClient(limiter)),
		WithRetryConfig(&provider.RetryConfig{MaxRetries: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffFactor: 1}),
	)
	require.NoError(t, err)

	hooks, err := client.ListWebhooks(context.Background(), provider.Repository{Name: "svc-a", Owner: "acme"})
	require.NoError(t, err)
	assert.Empty(t, hooks)

	stats := limiter.Stats()
	assert.Equal(t, int64(2), stats.TotalAcquired)
	assert.Equal(t, 0, stats.InFlight)
	assert.Equal(t, 1, stats.PeakInFlight)
}
