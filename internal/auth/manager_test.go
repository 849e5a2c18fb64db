package auth

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reposync/pkg/provider"
	"reposync/pkg/store"
)

var testNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeMinter struct {
	calls    atomic.Int32
	gate     chan struct{}
	err      error
	lifetime time.Duration
	previous []*Credential
	mu       sync.Mutex
}

func (f *fakeMinter) Mint(_ context.Context, _ string, previous *Credential) (*Credential, error) {
	n := f.calls.Add(1)
	f.mu.Lock()
	f.previous = append(f.previous, previous)
	f.mu.Unlock()

	if f.gate != nil {
		<-f.gate
	}
	if f.err != nil {
		return nil, f.err
	}
	lifetime := f.lifetime
	if lifetime == 0 {
		lifetime = time.Hour
	}
	return &Credential{
		Token:        fmt.Sprintf("token-%d", n),
		RefreshToken: "refresh",
		IssuedAt:     testNow,
		ExpiresAt:    testNow.Add(lifetime),
	}, nil
}

type recordingPropagator struct {
	mu     sync.Mutex
	tokens []string
	err    error
}

func (p *recordingPropagator) Propagate(_ context.Context, _ string, cred *Credential) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tokens = append(p.tokens, cred.Token)
	return p.err
}

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "reposync.db"), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedCredential(t *testing.T, s store.Store, p provider.Name, accountID string, cred Credential) {
	t.Helper()
	require.NoError(t, store.PutJSON(s, store.CredentialKey(p, accountID), cred))
}

func fixedClock(now time.Time) func() time.Time {
	return func() time.Time { return now }
}

func TestGetUsableTokenReusesLiveCredential(t *testing.T) {
	s := newTestStore(t)
	seedCredential(t, s, provider.Bitbucket, "acme", Credential{
		Token:     "live",
		IssuedAt:  testNow.Add(-time.Minute),
		ExpiresAt: testNow.Add(time.Hour),
	})

	minter := &fakeMinter{}
	m := NewManager(provider.Bitbucket, s, minter, WithClock(fixedClock(testNow)))

	cred, err := m.GetUsableToken(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, "live", cred.Token)
	assert.Equal(t, int32(0), minter.calls.Load())
}

func TestGetUsableTokenRefreshesExpiredCredential(t *testing.T) {
	s := newTestStore(t)
	seedCredential(t, s, provider.Bitbucket, "acme", Credential{
		Token:        "stale",
		RefreshToken: "refresh-1",
		IssuedAt:     testNow.Add(-2 * time.Hour),
		ExpiresAt:    testNow,
	})

	minter := &fakeMinter{}
	propagator := &recordingPropagator{}
	m := NewManager(provider.Bitbucket, s, minter, WithClock(fixedClock(testNow)), WithPropagator(propagator))

	cred, err := m.GetUsableToken(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, "token-1", cred.Token)
	assert.Equal(t, int32(1), minter.calls.Load())

	// expiry equal to now counts as expired and the refresh token is handed to the minter
	require.Len(t, minter.previous, 1)
	assert.Equal(t, "refresh-1", minter.previous[0].RefreshToken)

	stored, err := m.Stored("acme")
	require.NoError(t, err)
	assert.Equal(t, "token-1", stored.MustGet().Token)
	assert.Equal(t, []string{"token-1"}, propagator.tokens)
}

func TestGetUsableTokenMintsWhenNothingStored(t *testing.T) {
	s := newTestStore(t)
	minter := &fakeMinter{}
	propagator := &recordingPropagator{}
	m := NewManager(provider.GitHub, s, minter, WithClock(fixedClock(testNow)), WithPropagator(propagator))

	cred, err := m.GetUsableToken(context.Background(), "12345")
	require.NoError(t, err)
	assert.Equal(t, "token-1", cred.Token)
	assert.Nil(t, minter.previous[0])
	assert.Empty(t, propagator.tokens)

	raw, err := s.Get("github_auth_info/12345")
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"token":"token-1"`)
}

func TestGetUsableTokenSingleFlight(t *testing.T) {
	s := newTestStore(t)
	seedCredential(t, s, provider.Bitbucket, "acme", Credential{
		Token:     "stale",
		ExpiresAt: testNow.Add(-time.Minute),
	})

	minter := &fakeMinter{gate: make(chan struct{})}
	m := NewManager(provider.Bitbucket, s, minter, WithClock(fixedClock(testNow)))

	const callers = 10
	var wg sync.WaitGroup
	tokens := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cred, err := m.GetUsableToken(context.Background(), "acme")
			errs[i] = err
			if cred != nil {
				tokens[i] = cred.Token
			}
		}(i)
	}

	require.Eventually(t, func() bool { return minter.calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(minter.gate)
	wg.Wait()

	assert.Equal(t, int32(1), minter.calls.Load())
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "token-1", tokens[i])
	}
}

func TestAuthorizeSharesFlightWithGetUsableToken(t *testing.T) {
	s := newTestStore(t)
	seedCredential(t, s, provider.Bitbucket, "acme", Credential{
		Token:     "stale",
		ExpiresAt: testNow.Add(-time.Minute),
	})

	minter := &fakeMinter{gate: make(chan struct{})}
	m := NewManager(provider.Bitbucket, s, minter, WithClock(fixedClock(testNow)))

	var wg sync.WaitGroup
	var authorized, usable *Credential
	var authErr, usableErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		authorized, authErr = m.Authorize(context.Background(), "acme")
	}()
	require.Eventually(t, func() bool { return minter.calls.Load() == 1 }, time.Second, time.Millisecond)
	go func() {
		defer wg.Done()
		usable, usableErr = m.GetUsableToken(context.Background(), "acme")
	}()

	time.Sleep(20 * time.Millisecond)
	close(minter.gate)
	wg.Wait()

	require.NoError(t, authErr)
	require.NoError(t, usableErr)
	assert.Equal(t, int32(1), minter.calls.Load())
	assert.Equal(t, "token-1", authorized.Token)
	assert.Equal(t, "token-1", usable.Token)
}

func TestRefreshSurvivesFirstCallerCancellation(t *testing.T) {
	s := newTestStore(t)
	minter := &fakeMinter{gate: make(chan struct{})}
	m := NewManager(provider.GitHub, s, minter, WithClock(fixedClock(testNow)))

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := m.GetUsableToken(firstCtx, "1")
		firstErr <- err
	}()
	require.Eventually(t, func() bool { return minter.calls.Load() == 1 }, time.Second, time.Millisecond)

	secondDone := make(chan *Credential, 1)
	go func() {
		cred, err := m.GetUsableToken(context.Background(), "1")
		assert.NoError(t, err)
		secondDone <- cred
	}()

	cancelFirst()
	assert.ErrorIs(t, <-firstErr, context.Canceled)

	close(minter.gate)
	cred := <-secondDone
	require.NotNil(t, cred)
	assert.Equal(t, "token-1", cred.Token)
	assert.Equal(t, int32(1), minter.calls.Load())

	stored, err := m.Stored("1")
	require.NoError(t, err)
	assert.Equal(t, "token-1", stored.MustGet().Token)
}

func TestGetUsableTokenErrors(t *testing.T) {
	tests := []struct {
		name         string
		minter       Minter
		expectedType ErrorType
		retryable    bool
	}{
		{
			name:         "provider unreachable",
			minter:       &fakeMinter{err: provider.NewError(provider.ErrorTypeNetwork, "token", "connection refused", errors.New("dial tcp: connection refused"))},
			expectedType: ErrorTypeProviderUnreachable,
			retryable:    true,
		},
		{
			name:         "grant revoked",
			minter:       &fakeMinter{err: provider.FromStatus(401, "token", "")},
			expectedType: ErrorTypeProviderRejected,
		},
		{
			name:         "missing lifetime",
			minter:       minterFunc(func() (*Credential, error) { return &Credential{Token: "t"}, nil }),
			expectedType: ErrorTypeMalformedResponse,
		},
		{
			name:         "missing token",
			minter:       minterFunc(func() (*Credential, error) { return &Credential{ExpiresAt: testNow.Add(time.Hour)}, nil }),
			expectedType: ErrorTypeMalformedResponse,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestStore(t)
			m := NewManager(provider.Bitbucket, s, tt.minter, WithClock(fixedClock(testNow)))

			_, err := m.GetUsableToken(context.Background(), "acme")
			require.Error(t, err)

			var authErr *Error
			require.ErrorAs(t, err, &authErr)
			assert.Equal(t, tt.expectedType, authErr.Type)
			assert.Equal(t, tt.retryable, authErr.IsRetryable())

			stored, err := m.Stored("acme")
			require.NoError(t, err)
			assert.True(t, stored.IsAbsent())
		})
	}
}

func TestPropagationFailureDoesNotFailRefresh(t *testing.T) {
	s := newTestStore(t)
	seedCredential(t, s, provider.GitHub, "1", Credential{Token: "stale", ExpiresAt: testNow.Add(-time.Second)})

	propagator := &recordingPropagator{err: errors.New("lock busy")}
	m := NewManager(provider.GitHub, s, &fakeMinter{}, WithClock(fixedClock(testNow)), WithPropagator(propagator))

	cred, err := m.GetUsableToken(context.Background(), "1")
	require.NoError(t, err)
	assert.Equal(t, "token-1", cred.Token)
	assert.Len(t, propagator.tokens, 1)
}

func TestAuthorizeAndClear(t *testing.T) {
	s := newTestStore(t)
	seedCredential(t, s, provider.Bitbucket, "", Credential{Token: "live", ExpiresAt: testNow.Add(time.Hour)})

	minter := &fakeMinter{}
	m := NewManager(provider.Bitbucket, s, minter, WithClock(fixedClock(testNow)))

	cred, err := m.Authorize(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "token-1", cred.Token)
	assert.Equal(t, int32(1), minter.calls.Load())

	_, err = s.Get("bitbucket_auth_info")
	require.NoError(t, err)

	require.NoError(t, m.Clear(""))
	stored, err := m.Stored("")
	require.NoError(t, err)
	assert.True(t, stored.IsAbsent())
}

type minterFunc func() (*Credential, error)

func (f minterFunc) Mint(context.Context, string, *Credential) (*Credential, error) {
	return f()
}
