package github

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/go-github/v66/github"

	"reposync/pkg/provider"
)

// WrapGitHubError wraps a GitHub API error into the shared provider error type
func WrapGitHubError(err error, resource string) error {
	if err == nil {
		return nil
	}

	var pErr *provider.Error
	if errors.As(err, &pErr) {
		return provider.Wrap(err, resource)
	}

	var rateErr *github.RateLimitError
	if errors.As(err, &rateErr) {
		return &provider.Error{
			Type:       provider.ErrorTypeRateLimit,
			Message:    fmt.Sprintf("rate limit exceeded, resets at %v", rateErr.Rate.Reset.Time),
			Cause:      err,
			Resource:   resource,
			StatusCode: statusOf(rateErr.Response),
			Retryable:  true,
			RetryAfter: time.Until(rateErr.Rate.Reset.Time),
		}
	}

	var abuseErr *github.AbuseRateLimitError
	if errors.As(err, &abuseErr) {
		e := &provider.Error{
			Type:       provider.ErrorTypeRateLimit,
			Message:    "secondary rate limit triggered",
			Cause:      err,
			Resource:   resource,
			StatusCode: statusOf(abuseErr.Response),
			Retryable:  true,
		}
		if abuseErr.RetryAfter != nil {
			e.RetryAfter = *abuseErr.RetryAfter
		}
		return e
	}

	var apiErr *github.ErrorResponse
	if errors.As(err, &apiErr) {
		return parseGitHubAPIError(apiErr, resource)
	}

	return provider.Wrap(err, resource)
}

// parseGitHubAPIError parses GitHub API error responses into structured errors
func parseGitHubAPIError(ghErr *github.ErrorResponse, resource string) *provider.Error {
	status := statusOf(ghErr.Response)
	base := provider.FromStatus(status, resource, ghErr.Message)
	base.Cause = ghErr

	switch status {
	case http.StatusUnauthorized:
		base.Message = "installation token rejected, it may have expired"
	case http.StatusForbidden:
		if base.Type == provider.ErrorTypePermission {
			base.Message = "insufficient permissions, the app needs webhook and pull request access"
		}
	case http.StatusNotFound:
		if strings.Contains(resource, "webhook") {
			base.Message = "repository not found or the app cannot manage its webhooks"
		} else {
			base.Message = "resource not found"
		}
	case http.StatusUnprocessableEntity:
		if len(ghErr.Errors) > 0 {
			var details []string
			for _, e := range ghErr.Errors {
				if e.Field != "" {
					details = append(details, fmt.Sprintf("%s: %s", e.Field, e.Message))
				} else {
					details = append(details, e.Message)
				}
			}
			base.Message = fmt.Sprintf("validation failed: %s", strings.Join(details, "; "))
		}
	}

	return base
}

func statusOf(resp *http.Response) int {
	if resp == nil {
		return 0
	}
	return resp.StatusCode
}
