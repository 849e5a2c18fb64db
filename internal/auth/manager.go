package auth

import (
	"context"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/samber/mo"
	"golang.org/x/sync/singleflight"

	"reposync/pkg/provider"
	"reposync/pkg/store"
)

var mintsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "reposync_token_mints_total",
		Help: "The number of credential mints and refreshes by provider and outcome",
	},
	[]string{"provider", "outcome"},
)

// Credential is the access credential of one provider account
type Credential struct {
	Token          string    `json:"token"`
	RefreshToken   string    `json:"refresh_token,omitempty"`
	IssuedAt       time.Time `json:"issued_at"`
	ExpiresAt      time.Time `json:"expires_at"`
	InstallationID string    `json:"installation_id,omitempty"`
}

// Usable reports whether the credential can be presented at now
func (c *Credential) Usable(now time.Time) bool {
	return c != nil && c.Token != "" && now.Before(c.ExpiresAt)
}

// Minter obtains a fresh credential from the provider. previous is the
// expired credential, if any, and carries the refresh token for providers
// that use one.
type Minter interface {
	Mint(ctx context.Context, accountID string, previous *Credential) (*Credential, error)
}

// CredentialPropagator pushes a new token to external resources that embed it
type CredentialPropagator interface {
	Propagate(ctx context.Context, accountID string, cred *Credential) error
}

// Manager defines the interface for provider credential lifecycle management
type Manager interface {
	// GetUsableToken returns a credential that is valid now, minting one if needed
	GetUsableToken(ctx context.Context, accountID string) (*Credential, error)

	// Authorize mints a new credential regardless of the cached one
	Authorize(ctx context.Context, accountID string) (*Credential, error)

	// Stored returns the cached credential without contacting the provider
	Stored(accountID string) (mo.Option[Credential], error)

	// Clear removes the cached credential
	Clear(accountID string) error
}

// DefaultManager implements the Manager interface on top of a Store
type DefaultManager struct {
	provider   provider.Name
	store      store.Store
	minter     Minter
	propagator CredentialPropagator
	now        func() time.Time
	flights    singleflight.Group
}

// ManagerOption configures a DefaultManager
type ManagerOption func(*DefaultManager)

// WithPropagator sets the propagator notified after every refresh
func WithPropagator(p CredentialPropagator) ManagerOption {
	return func(m *DefaultManager) {
		m.propagator = p
	}
}

// WithClock replaces the wall clock used for expiry checks
func WithClock(now func() time.Time) ManagerOption {
	return func(m *DefaultManager) {
		m.now = now
	}
}

// NewManager creates a new credential manager for one provider
func NewManager(p provider.Name, s store.Store, minter Minter, opts ...ManagerOption) *DefaultManager {
	m := &DefaultManager{
		provider: p,
		store:    s,
		minter:   minter,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// GetUsableToken returns the cached credential when it has not expired and
// mints, persists and propagates a replacement otherwise
func (m *DefaultManager) GetUsableToken(ctx context.Context, accountID string) (*Credential, error) {
	stored, err := m.Stored(accountID)
	if err != nil {
		return nil, err
	}
	if cred, ok := stored.Get(); ok && cred.Usable(m.now()) {
		return &cred, nil
	}
	return m.refresh(ctx, accountID, false)
}

// Authorize mints a new credential regardless of the cached one
func (m *DefaultManager) Authorize(ctx context.Context, accountID string) (*Credential, error) {
	return m.refresh(ctx, accountID, true)
}

// Stored returns the cached credential without contacting the provider
func (m *DefaultManager) Stored(accountID string) (mo.Option[Credential], error) {
	cred, err := store.GetJSON[Credential](m.store, store.CredentialKey(m.provider, accountID))
	if err != nil {
		return mo.None[Credential](), newStoreError("failed to read stored credential", err)
	}
	return cred, nil
}

// Clear removes the cached credential
func (m *DefaultManager) Clear(accountID string) error {
	if err := m.store.Delete(store.CredentialKey(m.provider, accountID)); err != nil {
		return newStoreError("failed to clear stored credential", err)
	}
	return nil
}

// refresh collapses concurrent refreshes of one account into a single mint.
// A forced and an unforced refresh of the same account share one flight, so
// either caller receives the credential minted by the other. The flight is
// detached from the cancellation of the caller that started it and each
// caller stops waiting when its own context is done.
func (m *DefaultManager) refresh(ctx context.Context, accountID string, force bool) (*Credential, error) {
	ch := m.flights.DoChan(accountID, func() (any, error) {
		flightCtx, cancel := detach(ctx)
		defer cancel()
		return m.mint(flightCtx, accountID, force)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		cred := *res.Val.(*Credential)
		return &cred, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// detach keeps the values and deadline of ctx but not its cancellation
func detach(ctx context.Context) (context.Context, context.CancelFunc) {
	detached := context.WithoutCancel(ctx)
	if deadline, ok := ctx.Deadline(); ok {
		return context.WithDeadline(detached, deadline)
	}
	return context.WithCancel(detached)
}

func (m *DefaultManager) mint(ctx context.Context, accountID string, force bool) (*Credential, error) {
	log := clog.FromContext(ctx).With("provider", m.provider, "account", accountID)

	stored, err := m.Stored(accountID)
	if err != nil {
		return nil, err
	}
	previous, hasPrevious := stored.Get()
	if !force && hasPrevious && previous.Usable(m.now()) {
		// Refreshed by a flight that finished before this one started
		return &previous, nil
	}

	var prev *Credential
	if hasPrevious {
		prev = &previous
	}

	log.Infof("minting credential")
	cred, err := m.minter.Mint(ctx, accountID, prev)
	if err != nil {
		mintsTotal.WithLabelValues(string(m.provider), "failed").Inc()
		return nil, ClassifyError(err)
	}
	if cred == nil || cred.Token == "" {
		mintsTotal.WithLabelValues(string(m.provider), "failed").Inc()
		return nil, NewMalformedError("mint response carried no token")
	}
	if cred.ExpiresAt.IsZero() {
		mintsTotal.WithLabelValues(string(m.provider), "failed").Inc()
		return nil, NewMalformedError("mint response carried no lifetime")
	}
	if cred.IssuedAt.IsZero() {
		cred.IssuedAt = m.now()
	}

	if err := store.PutJSON(m.store, store.CredentialKey(m.provider, accountID), cred); err != nil {
		mintsTotal.WithLabelValues(string(m.provider), "failed").Inc()
		return nil, newStoreError("failed to persist credential", err)
	}
	mintsTotal.WithLabelValues(string(m.provider), "minted").Inc()
	log.Infof("credential valid until %s", cred.ExpiresAt.Format(time.RFC3339))

	if hasPrevious && m.propagator != nil {
		if err := m.propagator.Propagate(ctx, accountID, cred); err != nil {
			log.Warnf("failed to propagate refreshed credential: %v", err)
		}
	}

	return cred, nil
}
