package bitbucket

import (
	"context"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/bitbucket"

	"reposync/internal/auth"
)

// OAuthMinter mints Bitbucket credentials from the OAuth consumer. The first
// mint exchanges the authorization code, later ones use the refresh token of
// the previous credential.
type OAuthMinter struct {
	config     *oauth2.Config
	code       string
	httpClient *http.Client
	now        func() time.Time
}

// MinterOption configures an OAuthMinter
type MinterOption func(*OAuthMinter)

// WithTokenURL overrides the OAuth token endpoint
func WithTokenURL(tokenURL string) MinterOption {
	return func(m *OAuthMinter) {
		if tokenURL != "" {
			m.config.Endpoint.TokenURL = tokenURL
		}
	}
}

// WithMinterHTTPClient sets the HTTP client used for token requests
func WithMinterHTTPClient(hc *http.Client) MinterOption {
	return func(m *OAuthMinter) {
		m.httpClient = hc
	}
}

// NewOAuthMinter creates a minter for an OAuth consumer. code may be empty
// when only refreshes are expected.
func NewOAuthMinter(clientID, clientSecret, code string, opts ...MinterOption) (*OAuthMinter, error) {
	if clientID == "" || clientSecret == "" {
		return nil, auth.NewConfigError("bitbucket client id and secret are required", nil)
	}

	m := &OAuthMinter{
		config: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     bitbucket.Endpoint,
		},
		code: code,
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Mint implements auth.Minter
func (m *OAuthMinter) Mint(ctx context.Context, _ string, previous *auth.Credential) (*auth.Credential, error) {
	if m.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, m.httpClient)
	}

	var (
		tok *oauth2.Token
		err error
	)
	switch {
	case previous != nil && previous.RefreshToken != "":
		// An empty access token forces the token source to refresh
		tok, err = m.config.TokenSource(ctx, &oauth2.Token{RefreshToken: previous.RefreshToken}).Token()
	case m.code != "":
		tok, err = m.config.Exchange(ctx, m.code)
	default:
		return nil, auth.NewRejectedError("no authorization code or refresh token available, re-authorize the workspace", nil)
	}
	if err != nil {
		return nil, auth.ClassifyError(err)
	}

	if tok.AccessToken == "" {
		return nil, auth.NewMalformedError("token response carried no access token")
	}
	if tok.Expiry.IsZero() {
		return nil, auth.NewMalformedError("token response carried no expires_in")
	}

	refresh := tok.RefreshToken
	if refresh == "" && previous != nil {
		refresh = previous.RefreshToken
	}

	return &auth.Credential{
		Token:        tok.AccessToken,
		RefreshToken: refresh,
		IssuedAt:     m.now(),
		ExpiresAt:    tok.Expiry,
	}, nil
}
