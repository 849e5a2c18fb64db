package onboarding

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/chainguard-dev/clog"
	"github.com/gammazero/workerpool"

	"reposync/pkg/provider"
	"reposync/pkg/store"
)

// PRSyncer persists pull request snapshots of repositories
type PRSyncer struct {
	store   store.Store
	workers int
}

// NewPRSyncer creates a syncer fetching at most workers pull requests of a
// repository at a time
func NewPRSyncer(s store.Store, workers int) *PRSyncer {
	if workers <= 0 {
		workers = 1
	}
	return &PRSyncer{store: s, workers: workers}
}

// SyncRepository fetches every pull request of repo in state (OPEN when
// empty) and persists one snapshot per base/head commit pair. It returns the
// number of snapshots persisted. Failed pull requests are logged and joined
// into the returned error without stopping the others.
func (p *PRSyncer) SyncRepository(ctx context.Context, client provider.Client, repo provider.Repository, state provider.PRState) (int, error) {
	if state == "" {
		state = provider.PRStateOpen
	}
	log := clog.FromContext(ctx).With("repository", repo.FullName(), "state", state)

	numbers, err := client.ListPullRequests(ctx, repo, state)
	if err != nil {
		return 0, repoError(KindSync, repo, err)
	}
	if len(numbers) == 0 {
		log.Debugf("no pull requests to sync")
		return 0, nil
	}

	var (
		persisted atomic.Int32
		mu        sync.Mutex
		errs      []error
	)
	fail := func(number string, kind ErrorKind, err error) {
		log.Warnf("failed to sync pull request #%s: %v", number, err)
		mu.Lock()
		defer mu.Unlock()
		errs = append(errs, &Error{Kind: kind, Account: repo.Owner, Repository: repo.FullName(), PullRequest: number, Cause: err})
	}

	wp := workerpool.New(min(p.workers, len(numbers)))
	for _, number := range numbers {
		wp.Submit(func() {
			if err := ctx.Err(); err != nil {
				fail(number, KindSync, err)
				return
			}
			pr, err := client.GetPullRequest(ctx, repo, number)
			if err != nil {
				fail(number, KindSync, err)
				return
			}
			pr.Repository = repo
			if err := store.SavePullRequest(p.store, *pr); err != nil {
				fail(number, KindStore, err)
				return
			}
			persisted.Add(1)
			pullRequestsSynced.WithLabelValues(string(repo.Provider)).Inc()
		})
	}
	wp.StopWait()

	n := int(persisted.Load())
	log.Infof("synced %d of %d pull requests", n, len(numbers))
	return n, errors.Join(errs...)
}
