package provider

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromStatus(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		wantType  ErrorType
		retryable bool
	}{
		{name: "unauthorized", status: http.StatusUnauthorized, wantType: ErrorTypeAuth},
		{name: "forbidden", status: http.StatusForbidden, body: "no access", wantType: ErrorTypePermission},
		{name: "forbidden rate limit", status: http.StatusForbidden, body: "API rate limit exceeded", wantType: ErrorTypeRateLimit, retryable: true},
		{name: "not found", status: http.StatusNotFound, wantType: ErrorTypeNotFound},
		{name: "too many requests", status: http.StatusTooManyRequests, wantType: ErrorTypeRateLimit, retryable: true},
		{name: "validation", status: http.StatusUnprocessableEntity, wantType: ErrorTypeValidation},
		{name: "bad gateway", status: http.StatusBadGateway, wantType: ErrorTypeServer, retryable: true},
		{name: "teapot", status: http.StatusTeapot, wantType: ErrorTypeUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := FromStatus(tt.status, "repo acme/svc-a", tt.body)
			assert.Equal(t, tt.wantType, err.Type)
			assert.Equal(t, tt.retryable, err.IsRetryable())
			assert.Equal(t, tt.status, err.StatusCode)
			assert.NotEmpty(t, err.Message)
			assert.Contains(t, err.Error(), "repo acme/svc-a")
		})
	}
}

func TestWrap(t *testing.T) {
	t.Run("nil error", func(t *testing.T) {
		assert.Nil(t, Wrap(nil, "x"))
	})

	t.Run("existing error keeps type and gains resource", func(t *testing.T) {
		orig := &Error{Type: ErrorTypeNotFound, Message: "gone"}
		wrapped := Wrap(orig, "hooks")
		assert.Same(t, orig, wrapped)
		assert.Equal(t, "hooks", wrapped.Resource)
	})

	t.Run("network error is retryable", func(t *testing.T) {
		wrapped := Wrap(errors.New("dial tcp 10.0.0.1:443: connection refused"), "workspaces")
		assert.Equal(t, ErrorTypeNetwork, wrapped.Type)
		assert.True(t, wrapped.IsRetryable())
	})

	t.Run("cancellation is not retryable", func(t *testing.T) {
		wrapped := Wrap(context.Canceled, "workspaces")
		assert.False(t, wrapped.IsRetryable())
		assert.ErrorIs(t, wrapped, context.Canceled)
	})

	t.Run("unknown error", func(t *testing.T) {
		wrapped := Wrap(errors.New("boom"), "workspaces")
		assert.Equal(t, ErrorTypeUnknown, wrapped.Type)
		assert.False(t, wrapped.IsRetryable())
	})
}

func TestWithRetry(t *testing.T) {
	cfg := &RetryConfig{MaxRetries: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, BackoffFactor: 2}

	t.Run("succeeds after retryable failures", func(t *testing.T) {
		attempts := 0
		err := WithRetry(context.Background(), func() error {
			attempts++
			if attempts < 3 {
				return FromStatus(http.StatusServiceUnavailable, "pulls", "")
			}
			return nil
		}, cfg)
		require.NoError(t, err)
		assert.Equal(t, 3, attempts)
	})

	t.Run("stops on terminal error", func(t *testing.T) {
		attempts := 0
		err := WithRetry(context.Background(), func() error {
			attempts++
			return FromStatus(http.StatusUnauthorized, "pulls", "")
		}, cfg)
		require.Error(t, err)
		assert.Equal(t, 1, attempts)
	})

	t.Run("exhausts retries", func(t *testing.T) {
		attempts := 0
		err := WithRetry(context.Background(), func() error {
			attempts++
			return FromStatus(http.StatusBadGateway, "pulls", "")
		}, cfg)
		require.Error(t, err)
		assert.Equal(t, 4, attempts)
		assert.True(t, IsRetryable(err))
	})

	t.Run("honours cancellation between attempts", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		attempts := 0
		err := WithRetry(ctx, func() error {
			attempts++
			cancel()
			return FromStatus(http.StatusBadGateway, "pulls", "")
		}, &RetryConfig{MaxRetries: 5, InitialDelay: time.Second, MaxDelay: time.Second, BackoffFactor: 1})
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, attempts)
	})
}
