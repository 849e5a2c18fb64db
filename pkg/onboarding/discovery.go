package onboarding

import (
	"context"
	"strings"

	"github.com/chainguard-dev/clog"

	"reposync/pkg/provider"
	"reposync/pkg/store"
)

// Selection is the set of "owner/name" repositories onboarding may act on
type Selection map[string]struct{}

// NewSelection builds a Selection from "owner/name" entries. Blank entries are ignored.
func NewSelection(names []string) Selection {
	s := make(Selection, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		s[name] = struct{}{}
	}
	return s
}

// Contains reports whether repo was selected
func (s Selection) Contains(repo provider.Repository) bool {
	_, ok := s[repo.FullName()]
	return ok
}

// ListWorkspaces returns the accounts reachable with client
func ListWorkspaces(ctx context.Context, client provider.Client) ([]provider.Workspace, error) {
	workspaces, err := client.ListWorkspaces(ctx)
	if err != nil {
		return nil, &Error{Kind: KindDiscovery, Cause: err}
	}
	return workspaces, nil
}

// ListAccountRepositories lists the repositories of workspace and keeps those
// owned by the workspace that appear in selection. An empty selection selects nothing.
func ListAccountRepositories(ctx context.Context, client provider.Client, workspace provider.Workspace, selection Selection) ([]provider.Repository, error) {
	log := clog.FromContext(ctx).With("provider", client.Provider(), "account", workspace.Slug)

	repos, err := client.ListRepositories(ctx, workspace)
	if err != nil {
		return nil, &Error{Kind: KindDiscovery, Account: workspace.Slug, Cause: err}
	}

	if len(selection) == 0 {
		log.Warnf("no repositories selected, skipping %d discovered repositories", len(repos))
		return []provider.Repository{}, nil
	}

	selected := make([]provider.Repository, 0, len(repos))
	for _, repo := range repos {
		if repo.Owner != workspace.Slug || !selection.Contains(repo) {
			continue
		}
		selected = append(selected, repo)
	}

	log.Infof("selected %d of %d repositories", len(selected), len(repos))
	return selected, nil
}

// SyncMembers persists the members of workspace and returns how many were
// saved. Failures are logged only.
func SyncMembers(ctx context.Context, client provider.Client, s store.Store, workspace provider.Workspace) int {
	log := clog.FromContext(ctx).With("provider", client.Provider(), "account", workspace.Slug)

	members, err := client.ListWorkspaceMembers(ctx, workspace)
	if err != nil {
		log.Warnf("failed to list workspace members: %v", err)
		return 0
	}

	saved := 0
	for _, member := range members {
		if err := store.SaveMember(s, client.Provider(), workspace.Slug, member); err != nil {
			log.Warnf("failed to save member %s: %v", member.AccountID, err)
			continue
		}
		saved++
	}
	if saved > 0 {
		log.Debugf("saved %d workspace members", saved)
	}
	return saved
}
