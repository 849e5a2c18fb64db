package provider

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"strings"
	"time"
)

// ErrorType represents different categories of provider API errors
type ErrorType string

const (
	ErrorTypeAuth       ErrorType = "authentication"
	ErrorTypePermission ErrorType = "permission"
	ErrorTypeNotFound   ErrorType = "not_found"
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeRateLimit  ErrorType = "rate_limit"
	ErrorTypeNetwork    ErrorType = "network"
	ErrorTypeServer     ErrorType = "server"
	ErrorTypeMalformed  ErrorType = "malformed_response"
	ErrorTypeUnknown    ErrorType = "unknown"
)

// Error represents a structured error from provider operations
type Error struct {
	Type       ErrorType     `json:"type"`
	Message    string        `json:"message"`
	Cause      error         `json:"-"`
	Resource   string        `json:"resource,omitempty"`
	StatusCode int           `json:"status_code,omitempty"`
	Retryable  bool          `json:"retryable"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Resource != "" {
		return fmt.Sprintf("%s error for %s: %s", e.Type, e.Resource, e.Message)
	}
	return fmt.Sprintf("%s error: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// IsRetryable returns whether the error is retryable
func (e *Error) IsRetryable() bool {
	return e.Retryable
}

// NewError creates a new Error with the specified type and message
func NewError(errorType ErrorType, resource, message string, cause error) *Error {
	return &Error{
		Type:      errorType,
		Message:   message,
		Cause:     cause,
		Resource:  resource,
		Retryable: isRetryableErrorType(errorType),
	}
}

// FromStatus builds an Error from an unsuccessful HTTP status code
func FromStatus(statusCode int, resource, body string) *Error {
	e := &Error{
		Resource:   resource,
		StatusCode: statusCode,
		Message:    strings.TrimSpace(body),
	}

	switch {
	case statusCode == http.StatusUnauthorized:
		e.Type = ErrorTypeAuth
		if e.Message == "" {
			e.Message = "authentication failed, the access token is invalid or expired"
		}
	case statusCode == http.StatusForbidden:
		if strings.Contains(strings.ToLower(body), "rate limit") {
			e.Type = ErrorTypeRateLimit
			e.Retryable = true
		} else {
			e.Type = ErrorTypePermission
		}
		if e.Message == "" {
			e.Message = "insufficient permissions"
		}
	case statusCode == http.StatusNotFound:
		e.Type = ErrorTypeNotFound
		if e.Message == "" {
			e.Message = "resource not found"
		}
	case statusCode == http.StatusTooManyRequests:
		e.Type = ErrorTypeRateLimit
		e.Retryable = true
		if e.Message == "" {
			e.Message = "rate limit exceeded"
		}
	case statusCode == http.StatusBadRequest || statusCode == http.StatusConflict || statusCode == http.StatusUnprocessableEntity:
		e.Type = ErrorTypeValidation
		if e.Message == "" {
			e.Message = "request rejected by provider"
		}
	case statusCode >= 500:
		e.Type = ErrorTypeServer
		e.Retryable = true
		if e.Message == "" {
			e.Message = "provider is temporarily unavailable"
		}
	default:
		e.Type = ErrorTypeUnknown
		if e.Message == "" {
			e.Message = fmt.Sprintf("unexpected status %d", statusCode)
		}
	}

	return e
}

// Wrap converts an arbitrary error into an Error. Errors that already are an
// *Error are returned as-is with the resource filled in when missing.
func Wrap(err error, resource string) *Error {
	if err == nil {
		return nil
	}

	var pErr *Error
	if errors.As(err, &pErr) {
		if pErr.Resource == "" {
			pErr.Resource = resource
		}
		return pErr
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &Error{
			Type:     ErrorTypeNetwork,
			Message:  "request cancelled",
			Cause:    err,
			Resource: resource,
		}
	}

	if IsNetworkError(err) {
		return &Error{
			Type:      ErrorTypeNetwork,
			Message:   "network error occurred, check your connection and try again",
			Cause:     err,
			Resource:  resource,
			Retryable: true,
		}
	}

	return &Error{
		Type:     ErrorTypeUnknown,
		Message:  err.Error(),
		Cause:    err,
		Resource: resource,
	}
}

// Malformed reports a response that could not be parsed or lacks required fields
func Malformed(resource string, cause error) *Error {
	msg := "malformed response"
	if cause != nil {
		msg = fmt.Sprintf("malformed response: %v", cause)
	}
	return &Error{
		Type:     ErrorTypeMalformed,
		Message:  msg,
		Cause:    cause,
		Resource: resource,
	}
}

// IsRetryable reports whether err wraps a retryable provider error
func IsRetryable(err error) bool {
	var pErr *Error
	if errors.As(err, &pErr) {
		return pErr.IsRetryable()
	}
	return false
}

// IsNetworkError checks if an error is a network-related error
func IsNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	networkKeywords := []string{
		"connection refused",
		"connection reset",
		"connection timeout",
		"network is unreachable",
		"no such host",
		"timeout",
		"dial tcp",
		"i/o timeout",
	}

	for _, keyword := range networkKeywords {
		if strings.Contains(errStr, keyword) {
			return true
		}
	}
	return false
}

func isRetryableErrorType(errorType ErrorType) bool {
	switch errorType {
	case ErrorTypeRateLimit, ErrorTypeNetwork, ErrorTypeServer:
		return true
	default:
		return false
	}
}

// RetryConfig defines configuration for retry logic
type RetryConfig struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	Jitter        float64
}

// DefaultRetryConfig returns a default retry configuration
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries:    3,
		InitialDelay:  time.Second,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2.0,
		Jitter:        0.1,
	}
}

// RetryableOperation represents an operation that can be retried
type RetryableOperation func() error

// WithRetry executes an operation, retrying retryable provider errors with
// exponential backoff until the attempts are exhausted or ctx is done.
func WithRetry(ctx context.Context, operation RetryableOperation, config *RetryConfig) error {
	if config == nil {
		config = DefaultRetryConfig()
	}

	var lastErr error
	delay := config.InitialDelay

	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		if attempt > 0 {
			wait := delay
			var pErr *Error
			if errors.As(lastErr, &pErr) && pErr.RetryAfter > 0 && pErr.RetryAfter < 5*time.Minute {
				wait = pErr.RetryAfter
			}
			if config.Jitter > 0 {
				wait += time.Duration(rand.Float64() * config.Jitter * float64(wait))
			}

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}

			delay = time.Duration(float64(delay) * config.BackoffFactor)
			if delay > config.MaxDelay {
				delay = config.MaxDelay
			}
		}

		err := operation()
		if err == nil {
			return nil
		}
		lastErr = err

		if !IsRetryable(err) {
			return err
		}
	}

	return fmt.Errorf("operation failed after %d retries: %w", config.MaxRetries, lastErr)
}
