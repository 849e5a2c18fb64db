package gitops

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/gofrs/flock"
	"gopkg.in/ini.v1"

	"reposync/internal/auth"
	"reposync/pkg/provider"
	"reposync/pkg/store"
)

const originSection = `remote "origin"`

// RemoteUpdater rewrites the token embedded in the origin remote of every
// working copy that belongs to a refreshed account
type RemoteUpdater struct {
	store       store.Store
	provider    provider.Name
	lockTimeout time.Duration
}

// NewRemoteUpdater creates an updater for the stored repositories of one provider
func NewRemoteUpdater(s store.Store, p provider.Name) *RemoteUpdater {
	return &RemoteUpdater{
		store:       s,
		provider:    p,
		lockTimeout: 10 * time.Second,
	}
}

// Propagate implements auth.CredentialPropagator
func (u *RemoteUpdater) Propagate(ctx context.Context, accountID string, cred *auth.Credential) error {
	repos, err := store.ListRepositories(u.store, u.provider, "")
	if err != nil {
		return fmt.Errorf("failed to list stored repositories: %w", err)
	}

	var errs []error
	updated := 0
	for _, repo := range repos {
		if repo.LocalDirectory == "" || repo.AccountID != accountID {
			continue
		}
		if err := u.rewrite(ctx, repo.LocalDirectory, Username(u.provider), cred.Token); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", repo.FullName(), err))
			continue
		}
		updated++
	}

	clog.FromContext(ctx).With("provider", u.provider, "account", accountID).
		Infof("updated origin remote of %d working copies", updated)
	return errors.Join(errs...)
}

func (u *RemoteUpdater) rewrite(ctx context.Context, dir, username, token string) error {
	configPath := filepath.Join(dir, ".git", "config")
	if _, err := os.Stat(configPath); err != nil {
		return fmt.Errorf("working copy has no git config: %w", err)
	}

	lock := flock.New(filepath.Join(dir, ".git", "reposync.lock"))
	lockCtx, cancel := context.WithTimeout(ctx, u.lockTimeout)
	defer cancel()
	locked, err := lock.TryLockContext(lockCtx, 50*time.Millisecond)
	if err != nil {
		return fmt.Errorf("failed to lock working copy: %w", err)
	}
	if !locked {
		return fmt.Errorf("working copy %s is locked by another process", dir)
	}
	defer func() {
		_ = lock.Unlock()
	}()

	cfg, err := ini.LoadSources(ini.LoadOptions{IgnoreInlineComment: true}, configPath)
	if err != nil {
		return fmt.Errorf("failed to load git config: %w", err)
	}

	if !cfg.HasSection(originSection) {
		return fmt.Errorf("working copy has no origin remote")
	}
	key := cfg.Section(originSection).Key("url")
	current := key.String()
	if current == "" {
		return fmt.Errorf("origin remote has no url")
	}

	parsed, err := url.Parse(current)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		// Nothing to rewrite for local or ssh remotes
		return nil
	}
	key.SetValue(AuthenticatedURL(current, username, token))

	if err := cfg.SaveTo(configPath); err != nil {
		return fmt.Errorf("failed to save git config: %w", err)
	}
	return nil
}
