package provider

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimitedTransportBoundsInFlight(t *testing.T) {
	var inFlight, peak int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		_, _ = w.Write([]byte("ok"))
	}))
	defer server.Close()

	limiter := NewLimiter(3)
	client := NewLimitedHTTPClient(limiter)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := client.Get(server.URL)
			if !assert.NoError(t, err) {
				return
			}
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(3))
	stats := limiter.Stats()
	assert.Equal(t, int64(20), stats.TotalAcquired)
	assert.Equal(t, 0, stats.InFlight)
	assert.LessOrEqual(t, stats.PeakInFlight, 3)
}

func TestLimitedTransportHoldsSlotUntilBodyClosed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("body"))
	}))
	defer server.Close()

	limiter := NewLimiter(1)
	client := NewLimitedHTTPClient(limiter)

	resp, err := client.Get(server.URL)
	require.NoError(t, err)
	assert.Equal(t, 1, limiter.Stats().InFlight)

	require.NoError(t, resp.Body.Close())
	_ = resp.Body.Close()
	assert.Equal(t, 0, limiter.Stats().InFlight)
}

type failingTransport struct{}

func (failingTransport) RoundTrip(*http.Request) (*http.Response, error) {
	return nil, errors.New("connection refused")
}

func TestLimitedTransportReleasesOnError(t *testing.T) {
	limiter := NewLimiter(1)
	client := &http.Client{Transport: NewLimitedTransport(failingTransport{}, limiter)}

	for i := 0; i < 3; i++ {
		_, err := client.Get("http://example.invalid")
		assert.Error(t, err)
	}
	stats := limiter.Stats()
	assert.Equal(t, 0, stats.InFlight)
	assert.Equal(t, int64(3), stats.TotalAcquired)
}

func TestLimitedTransportCancelledWhileWaiting(t *testing.T) {
	limiter := NewLimiter(1)
	require.NoError(t, limiter.Acquire(context.Background()))
	defer limiter.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://example.invalid", nil)
	require.NoError(t, err)

	_, err = NewLimitedTransport(failingTransport{}, limiter).RoundTrip(req)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLimiterAcquireCancelled(t *testing.T) {
	limiter := NewLimiter(1)
	require.NoError(t, limiter.Acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := limiter.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	limiter.Release()
	assert.Equal(t, 0, limiter.Stats().InFlight)
}

func TestNewLimiterMinimum(t *testing.T) {
	assert.Equal(t, 1, NewLimiter(0).Stats().MaxInFlight)
}

func TestNewLimitedTransportNilLimiter(t *testing.T) {
	assert.Equal(t, http.DefaultTransport, NewLimitedTransport(nil, nil))
}
