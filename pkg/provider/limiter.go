package provider

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"
)

// Limiter bounds the number of provider requests in flight across every
// account and repository handled by the process.
type Limiter interface {
	// Acquire blocks until a request slot is available or ctx is done
	Acquire(ctx context.Context) error

	// Release returns a slot acquired with Acquire
	Release()

	// Stats returns current limiter statistics
	Stats() LimiterStats
}

// LimiterStats provides statistics about limiter usage
type LimiterStats struct {
	InFlight      int           `json:"in_flight"`
	MaxInFlight   int           `json:"max_in_flight"`
	PeakInFlight  int           `json:"peak_in_flight"`
	TotalAcquired int64         `json:"total_acquired"`
	TotalWaits    int64         `json:"total_waits"`
	TotalWaitTime time.Duration `json:"total_wait_time"`
}

type semaphoreLimiter struct {
	mu        sync.Mutex
	semaphore chan struct{}
	stats     LimiterStats
}

// NewLimiter creates a limiter allowing at most limit concurrent requests
func NewLimiter(limit int) Limiter {
	if limit <= 0 {
		limit = 1
	}
	return &semaphoreLimiter{
		semaphore: make(chan struct{}, limit),
		stats:     LimiterStats{MaxInFlight: limit},
	}
}

// Acquire acquires a slot for a request (blocks if limit reached)
func (l *semaphoreLimiter) Acquire(ctx context.Context) error {
	select {
	case l.semaphore <- struct{}{}:
		l.record(0)
		return nil
	default:
	}

	start := time.Now()
	select {
	case l.semaphore <- struct{}{}:
		l.record(time.Since(start))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *semaphoreLimiter) record(waited time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.stats.InFlight++
	l.stats.TotalAcquired++
	if l.stats.InFlight > l.stats.PeakInFlight {
		l.stats.PeakInFlight = l.stats.InFlight
	}
	if waited > 0 {
		l.stats.TotalWaits++
		l.stats.TotalWaitTime += waited
	}
}

// Release releases a slot
func (l *semaphoreLimiter) Release() {
	select {
	case <-l.semaphore:
		l.mu.Lock()
		l.stats.InFlight--
		l.mu.Unlock()
	default:
		// No slot to release
	}
}

// Stats returns current limiter statistics
func (l *semaphoreLimiter) Stats() LimiterStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats
}

// limitedTransport holds a limiter slot for every HTTP attempt, from sending
// the request until the response body is closed
type limitedTransport struct {
	base    http.RoundTripper
	limiter Limiter
}

// NewLimitedTransport wraps base so that each round trip holds a slot of
// limiter. Retry backoff between attempts runs outside the slot. A nil base
// means http.DefaultTransport.
func NewLimitedTransport(base http.RoundTripper, limiter Limiter) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	if limiter == nil {
		return base
	}
	return &limitedTransport{base: base, limiter: limiter}
}

// NewLimitedHTTPClient returns an HTTP client whose requests are gated by limiter
func NewLimitedHTTPClient(limiter Limiter) *http.Client {
	return &http.Client{Transport: NewLimitedTransport(nil, limiter)}
}

func (t *limitedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := t.limiter.Acquire(req.Context()); err != nil {
		return nil, err
	}

	resp, err := t.base.RoundTrip(req)
	if err != nil || resp.Body == nil {
		t.limiter.Release()
		return resp, err
	}
	resp.Body = &releasingBody{ReadCloser: resp.Body, release: t.limiter.Release}
	return resp, nil
}

// releasingBody returns the limiter slot when the body is closed
type releasingBody struct {
	io.ReadCloser
	once    sync.Once
	release func()
}

func (b *releasingBody) Close() error {
	err := b.ReadCloser.Close()
	b.once.Do(b.release)
	return err
}
