// Package gitops manages local working copies of onboarded repositories:
// cloning them with an access token, reading commit author aliases and
// rewriting the token embedded in the origin remote after a refresh.
package gitops

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"

	"github.com/chainguard-dev/clog"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"

	"reposync/pkg/provider"
)

// Username returns the basic auth user that accompanies an access token
func Username(p provider.Name) string {
	if p == provider.Bitbucket {
		return "x-token-auth"
	}
	return "x-access-token"
}

// AuthenticatedURL embeds username and token in an http(s) remote URL. Other
// remotes, such as local paths, are returned unchanged.
func AuthenticatedURL(remote, username, token string) string {
	u, err := url.Parse(remote)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return remote
	}
	u.User = url.UserPassword(username, token)
	return u.String()
}

// Cloner clones repositories below a root directory
type Cloner struct {
	root string
}

// NewCloner creates a Cloner rooted at root
func NewCloner(root string) *Cloner {
	return &Cloner{root: root}
}

// Dir returns the working copy directory of a repository
func (c *Cloner) Dir(repo provider.Repository) string {
	return filepath.Join(c.root, string(repo.Provider), repo.Owner, repo.Name)
}

// Clone clones repo into its working copy directory and returns the path. An
// existing clone is reused.
func (c *Cloner) Clone(ctx context.Context, repo provider.Repository, token string) (string, error) {
	log := clog.FromContext(ctx).With("repository", repo.FullName())
	dir := c.Dir(repo)

	if _, err := git.PlainOpen(dir); err == nil {
		log.Debugf("reusing working copy %s", dir)
		return dir, nil
	}

	if repo.CloneURL == "" {
		return "", fmt.Errorf("repository %s has no clone url", repo.FullName())
	}
	if err := os.MkdirAll(filepath.Dir(dir), 0755); err != nil {
		return "", fmt.Errorf("failed to create clone directory: %w", err)
	}

	username := Username(repo.Provider)
	opts := &git.CloneOptions{
		URL: AuthenticatedURL(repo.CloneURL, username, token),
	}
	if opts.URL != repo.CloneURL {
		opts.Auth = &githttp.BasicAuth{Username: username, Password: token}
	}

	log.Infof("cloning %s into %s", repo.CloneURL, dir)
	if _, err := git.PlainCloneContext(ctx, dir, false, opts); err != nil {
		_ = os.RemoveAll(dir)
		return "", fmt.Errorf("failed to clone %s: %w", repo.FullName(), err)
	}
	return dir, nil
}

// Aliases returns the unique "Name <email>" commit authors of the working
// copy at dir, sorted. A repository without commits has no aliases.
func Aliases(dir string) ([]string, error) {
	repo, err := git.PlainOpen(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", dir, err)
	}

	iter, err := repo.Log(&git.LogOptions{})
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return []string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read history of %s: %w", dir, err)
	}
	defer iter.Close()

	seen := make(map[string]bool)
	err = iter.ForEach(func(c *object.Commit) error {
		seen[fmt.Sprintf("%s <%s>", c.Author.Name, c.Author.Email)] = true
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk history of %s: %w", dir, err)
	}

	aliases := make([]string, 0, len(seen))
	for alias := range seen {
		aliases = append(aliases, alias)
	}
	sort.Strings(aliases)
	return aliases, nil
}
