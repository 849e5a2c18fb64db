package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"reposync/pkg/provider"
)

// ErrorType represents different types of authentication errors
type ErrorType string

const (
	// ErrorTypeProviderUnreachable covers network failures, timeouts, rate limits and 5xx responses
	ErrorTypeProviderUnreachable ErrorType = "provider_unreachable"
	// ErrorTypeProviderRejected means the grant is revoked or invalid and needs re-authorization
	ErrorTypeProviderRejected ErrorType = "provider_rejected"
	// ErrorTypeMalformedResponse means the mint response lacked a token or a lifetime
	ErrorTypeMalformedResponse ErrorType = "malformed_response"
	// ErrorTypeStore covers credential persistence failures
	ErrorTypeStore ErrorType = "store"
	// ErrorTypeInvalidConfig covers missing app ids, keys or client credentials
	ErrorTypeInvalidConfig ErrorType = "invalid_config"
)

// Error represents a structured authentication error with troubleshooting guidance
type Error struct {
	Type                 ErrorType      `json:"type"`
	Message              string         `json:"message"`
	OriginalError        error          `json:"-"`
	TroubleshootingSteps []string       `json:"troubleshooting_steps"`
	RetryAfter           *time.Duration `json:"retry_after,omitempty"`
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.OriginalError != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.OriginalError)
	}
	return e.Message
}

// Unwrap returns the original error for error unwrapping
func (e *Error) Unwrap() error {
	return e.OriginalError
}

// IsRetryable returns true if the error is retryable
func (e *Error) IsRetryable() bool {
	return e.Type == ErrorTypeProviderUnreachable
}

// GetTroubleshootingMessage returns a formatted troubleshooting message
func (e *Error) GetTroubleshootingMessage() string {
	if len(e.TroubleshootingSteps) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("\nTroubleshooting steps:\n")
	for i, step := range e.TroubleshootingSteps {
		sb.WriteString(fmt.Sprintf("%d. %s\n", i+1, step))
	}
	return sb.String()
}

// NewRejectedError reports a grant the provider will not honor
func NewRejectedError(message string, cause error) *Error {
	return &Error{
		Type:          ErrorTypeProviderRejected,
		Message:       message,
		OriginalError: cause,
		TroubleshootingSteps: []string{
			"Re-install the app or re-authorize the OAuth consumer",
			"Run the onboard command again with a fresh installation id or authorization code",
		},
	}
}

// NewMalformedError reports a mint response that cannot be turned into a credential
func NewMalformedError(message string) *Error {
	return &Error{
		Type:    ErrorTypeMalformedResponse,
		Message: message,
		TroubleshootingSteps: []string{
			"Check that the configured API and token URLs point at the provider",
		},
	}
}

// NewConfigError reports missing or invalid minter configuration
func NewConfigError(message string, cause error) *Error {
	return &Error{
		Type:          ErrorTypeInvalidConfig,
		Message:       message,
		OriginalError: cause,
		TroubleshootingSteps: []string{
			"Run 'reposync init' to create a configuration file",
			"Check the github and bitbucket sections of ~/.reposync/config.yaml",
		},
	}
}

func newStoreError(message string, cause error) *Error {
	return &Error{
		Type:          ErrorTypeStore,
		Message:       message,
		OriginalError: cause,
		TroubleshootingSteps: []string{
			"Check that no other reposync process holds the state database",
			"Verify permissions of the store path",
		},
	}
}

// ClassifyError analyzes an error and returns a structured Error
func ClassifyError(err error) *Error {
	if err == nil {
		return nil
	}

	// Check if it's already an Error
	var authErr *Error
	if errors.As(err, &authErr) {
		return authErr
	}

	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		return classifyRetrieveError(retrieveErr)
	}

	var pErr *provider.Error
	if errors.As(err, &pErr) {
		return classifyProviderError(pErr)
	}

	if provider.IsNetworkError(err) {
		return unreachable("provider could not be reached", err, nil)
	}

	return &Error{
		Type:          ErrorTypeProviderRejected,
		Message:       "authentication failed",
		OriginalError: err,
		TroubleshootingSteps: []string{
			"Try running the command again",
			"Re-authorize the account if the problem persists",
		},
	}
}

// classifyRetrieveError maps an OAuth token endpoint failure
func classifyRetrieveError(err *oauth2.RetrieveError) *Error {
	status := 0
	if err.Response != nil {
		status = err.Response.StatusCode
	}

	switch {
	case status == http.StatusTooManyRequests || status >= http.StatusInternalServerError:
		return unreachable(fmt.Sprintf("token endpoint returned status %d", status), err, nil)
	case err.ErrorCode == "invalid_grant" || status == http.StatusBadRequest || status == http.StatusUnauthorized || status == http.StatusForbidden:
		return NewRejectedError("authorization grant rejected by the token endpoint", err)
	default:
		return NewRejectedError(fmt.Sprintf("token endpoint returned status %d", status), err)
	}
}

// classifyProviderError maps a provider API error
func classifyProviderError(err *provider.Error) *Error {
	switch err.Type {
	case provider.ErrorTypeNetwork, provider.ErrorTypeRateLimit, provider.ErrorTypeServer:
		var retryAfter *time.Duration
		if err.RetryAfter > 0 {
			d := err.RetryAfter
			retryAfter = &d
		}
		return unreachable("provider is temporarily unavailable", err, retryAfter)
	case provider.ErrorTypeMalformed:
		e := NewMalformedError("provider returned a malformed token response")
		e.OriginalError = err
		return e
	default:
		return NewRejectedError("provider rejected the credential request", err)
	}
}

func unreachable(message string, cause error, retryAfter *time.Duration) *Error {
	return &Error{
		Type:          ErrorTypeProviderUnreachable,
		Message:       message,
		OriginalError: cause,
		RetryAfter:    retryAfter,
		TroubleshootingSteps: []string{
			"Check your internet connection",
			"Retry the command once the provider is reachable",
		},
	}
}
