package github

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bradleyfalzon/ghinstallation/v2"
	"github.com/google/go-github/v66/github"

	"reposync/internal/auth"
)

// InstallationMinter mints GitHub App installation tokens. The app signs a
// JWT with its private key and exchanges it for a short-lived token scoped to
// one installation.
type InstallationMinter struct {
	appID      int64
	privateKey []byte
	baseURL    string
	transport  http.RoundTripper
	now        func() time.Time
}

// MinterOption configures an InstallationMinter
type MinterOption func(*InstallationMinter)

// WithMinterBaseURL points the minter at a GitHub Enterprise or test API endpoint
func WithMinterBaseURL(baseURL string) MinterOption {
	return func(m *InstallationMinter) {
		m.baseURL = baseURL
	}
}

// WithTransport sets the round tripper beneath the JWT transport
func WithTransport(rt http.RoundTripper) MinterOption {
	return func(m *InstallationMinter) {
		m.transport = rt
	}
}

// NewInstallationMinter creates a minter for the GitHub App appID
func NewInstallationMinter(appID int64, privateKey []byte, opts ...MinterOption) (*InstallationMinter, error) {
	if appID == 0 {
		return nil, auth.NewConfigError("github app id is required", nil)
	}
	if len(privateKey) == 0 {
		return nil, auth.NewConfigError("github app private key is required", nil)
	}

	m := &InstallationMinter{
		appID:      appID,
		privateKey: privateKey,
		transport:  http.DefaultTransport,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}

	// Fail early on an unparsable key
	if _, err := ghinstallation.NewAppsTransport(m.transport, m.appID, m.privateKey); err != nil {
		return nil, auth.NewConfigError("invalid github app private key", err)
	}
	return m, nil
}

// Mint implements auth.Minter. accountID is the installation id.
func (m *InstallationMinter) Mint(ctx context.Context, accountID string, _ *auth.Credential) (*auth.Credential, error) {
	installationID, err := strconv.ParseInt(accountID, 10, 64)
	if err != nil {
		return nil, auth.NewConfigError(fmt.Sprintf("installation id %q is not numeric", accountID), err)
	}

	tr, err := ghinstallation.NewAppsTransport(m.transport, m.appID, m.privateKey)
	if err != nil {
		return nil, auth.NewConfigError("invalid github app private key", err)
	}

	client := github.NewClient(&http.Client{Transport: tr})
	if m.baseURL != "" {
		base := m.baseURL
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		u, err := url.Parse(base)
		if err != nil {
			return nil, auth.NewConfigError(fmt.Sprintf("invalid GitHub API URL %q", m.baseURL), err)
		}
		client.BaseURL = u
	}

	token, _, err := client.Apps.CreateInstallationToken(ctx, installationID, nil)
	if err != nil {
		return nil, auth.ClassifyError(WrapGitHubError(err, fmt.Sprintf("installation %d token", installationID)))
	}

	if token.GetToken() == "" {
		return nil, auth.NewMalformedError("installation token response carried no token")
	}
	if token.ExpiresAt == nil || token.GetExpiresAt().IsZero() {
		return nil, auth.NewMalformedError("installation token response carried no expires_at")
	}

	return &auth.Credential{
		Token:          token.GetToken(),
		IssuedAt:       m.now(),
		ExpiresAt:      token.GetExpiresAt().Time,
		InstallationID: accountID,
	}, nil
}
