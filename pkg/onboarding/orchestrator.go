// Package onboarding discovers the repositories of a provider account,
// registers the review webhook on each of them and synchronizes their pull
// requests into the store.
package onboarding

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/chainguard-dev/clog"
	"golang.org/x/sync/errgroup"

	"reposync/internal/auth"
	"reposync/pkg/gitops"
	"reposync/pkg/provider"
	"reposync/pkg/store"
	"reposync/pkg/upstream"
)

// Options wires the collaborators of an Orchestrator
type Options struct {
	Provider provider.Name
	Tokens   auth.Manager

	// Clients builds authenticated clients. Request limiting belongs to the
	// transport of the clients it returns.
	Clients provider.ClientFactory
	Store   store.Store

	// Reporter receives the setup summary and commit aliases. Nil disables reporting.
	Reporter       upstream.Reporter
	InstallationID string
	CallbackURL    string

	// Cloner creates working copies. Nil disables cloning and alias extraction.
	Cloner *gitops.Cloner

	AccountConcurrency     int
	RepositoryConcurrency  int
	PullRequestConcurrency int
}

// Request describes one onboarding run
type Request struct {
	Provider  provider.Name
	AccountID string
	Selection []string
	// State selects the pull requests to sync, OPEN when empty
	State provider.PRState
}

// Result aggregates the outcome of a run. Failed maps a unit ("acme",
// "acme/svc-a" or "acme/svc-a#4") to its failure.
type Result struct {
	Accounts     []string
	Repositories []provider.Repository
	Webhooks     int
	PullRequests int
	Failed       map[string]error

	mu sync.Mutex
}

func newResult() *Result {
	return &Result{
		Accounts:     []string{},
		Repositories: []provider.Repository{},
		Failed:       make(map[string]error),
	}
}

// HasFailure reports whether a unit failed with kind
func (r *Result) HasFailure(kind ErrorKind) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, err := range r.Failed {
		var unitErr *Error
		if errors.As(err, &unitErr) && unitErr.Kind == kind {
			return true
		}
	}
	return false
}

func (r *Result) addAccount(slug string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Accounts = append(r.Accounts, slug)
}

func (r *Result) addRepository(repo provider.Repository) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Repositories = append(r.Repositories, repo)
}

func (r *Result) addWebhook() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Webhooks++
}

func (r *Result) addPullRequests(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.PullRequests += n
}

func (r *Result) sort() {
	sort.Strings(r.Accounts)
	sort.Slice(r.Repositories, func(i, j int) bool {
		return r.Repositories[i].FullName() < r.Repositories[j].FullName()
	})
}

// Orchestrator runs onboarding and resynchronization for one provider
type Orchestrator struct {
	opts     Options
	webhooks *WebhookReconciler
	prs      *PRSyncer
}

// NewOrchestrator validates opts and creates an Orchestrator
func NewOrchestrator(opts Options) (*Orchestrator, error) {
	switch {
	case opts.Provider == "":
		return nil, fmt.Errorf("provider is required")
	case opts.Tokens == nil:
		return nil, fmt.Errorf("token manager is required")
	case opts.Clients == nil:
		return nil, fmt.Errorf("client factory is required")
	case opts.Store == nil:
		return nil, fmt.Errorf("store is required")
	}
	if opts.AccountConcurrency <= 0 {
		opts.AccountConcurrency = 1
	}
	if opts.RepositoryConcurrency <= 0 {
		opts.RepositoryConcurrency = 1
	}

	return &Orchestrator{
		opts:     opts,
		webhooks: NewWebhookReconciler(opts.Store),
		prs:      NewPRSyncer(opts.Store, opts.PullRequestConcurrency),
	}, nil
}

// Onboard obtains a token for the account, then discovers, registers and
// synchronizes the selected repositories of every workspace the token can
// reach. Unit failures are recorded in the result and never abort the run.
// The setup summary is reported once, before pull request syncs finish.
func (o *Orchestrator) Onboard(ctx context.Context, req Request) (*Result, error) {
	if req.Provider != "" && req.Provider != o.opts.Provider {
		return nil, fmt.Errorf("orchestrator handles %s, not %s", o.opts.Provider, req.Provider)
	}
	log := clog.FromContext(ctx).With("provider", o.opts.Provider, "account", req.AccountID)
	ctx = clog.WithLogger(ctx, log)
	result := newResult()

	client, token, err := o.client(ctx, req.AccountID)
	if err != nil {
		o.fail(ctx, result, &Error{Kind: KindAuth, Account: req.AccountID, Cause: err})
		o.reportSetup(ctx, nil)
		return result, nil
	}

	workspaces, err := ListWorkspaces(ctx, client)
	if err != nil {
		for _, unitErr := range unitErrors(err) {
			unitErr.Account = req.AccountID
			o.fail(ctx, result, unitErr)
		}
		o.reportSetup(ctx, nil)
		return result, nil
	}
	log.Infof("onboarding %d accounts", len(workspaces))

	selection := NewSelection(req.Selection)
	summaries := make([]*upstream.SetupInfo, len(workspaces))

	var syncs errgroup.Group
	syncs.SetLimit(o.opts.RepositoryConcurrency)

	var accounts errgroup.Group
	accounts.SetLimit(o.opts.AccountConcurrency)
	for i, workspace := range workspaces {
		accounts.Go(func() error {
			summaries[i] = o.onboardAccount(ctx, client, token, req, workspace, selection, result, &syncs)
			return nil
		})
	}
	_ = accounts.Wait()

	info := make([]upstream.SetupInfo, 0, len(summaries))
	for _, s := range summaries {
		if s != nil {
			info = append(info, *s)
		}
	}
	o.reportSetup(ctx, info)

	_ = syncs.Wait()
	result.sort()
	log.Infof("onboarded %d repositories with %d failures", len(result.Repositories), len(result.Failed))
	return result, nil
}

func (o *Orchestrator) onboardAccount(ctx context.Context, client provider.Client, token string, req Request, workspace provider.Workspace, selection Selection, result *Result, syncs *errgroup.Group) *upstream.SetupInfo {
	ctx = clog.WithLogger(ctx, clog.FromContext(ctx).With("workspace", workspace.Slug))

	SyncMembers(ctx, client, o.opts.Store, workspace)

	repos, err := ListAccountRepositories(ctx, client, workspace, selection)
	if err != nil {
		for _, unitErr := range unitErrors(err) {
			o.fail(ctx, result, unitErr)
		}
		return nil
	}
	result.addAccount(workspace.Slug)

	names := make([]string, len(repos))
	var g errgroup.Group
	g.SetLimit(o.opts.RepositoryConcurrency)
	for i, repo := range repos {
		g.Go(func() error {
			repo.AccountID = req.AccountID
			if o.onboardRepository(ctx, client, token, repo, req.State, result, syncs) {
				names[i] = repo.Name
			}
			return nil
		})
	}
	_ = g.Wait()

	onboarded := make([]string, 0, len(names))
	for _, name := range names {
		if name != "" {
			onboarded = append(onboarded, name)
		}
	}
	sort.Strings(onboarded)

	return &upstream.SetupInfo{
		Provider: o.opts.Provider,
		Owner:    workspace.Slug,
		Repos:    onboarded,
	}
}

// onboardRepository reports whether repo was persisted. Webhook and pull
// request failures do not remove it from the summary.
func (o *Orchestrator) onboardRepository(ctx context.Context, client provider.Client, token string, repo provider.Repository, state provider.PRState, result *Result, syncs *errgroup.Group) bool {
	log := clog.FromContext(ctx).With("repository", repo.FullName())
	ctx = clog.WithLogger(ctx, log)

	var aliases []string
	cloned := false
	if o.opts.Cloner != nil {
		dir, err := o.opts.Cloner.Clone(ctx, repo, token)
		if err != nil {
			log.Warnf("skipping alias extraction: %v", err)
		} else {
			repo.LocalDirectory = dir
			cloned = true
			if aliases, err = gitops.Aliases(dir); err != nil {
				log.Warnf("failed to extract aliases: %v", err)
				cloned = false
			}
		}
	}

	if err := store.SaveRepository(o.opts.Store, repo); err != nil {
		o.fail(ctx, result, repoError(KindStore, repo, err))
		return false
	}
	result.addRepository(repo)

	if cloned && o.opts.Reporter != nil {
		if err := o.opts.Reporter.ReportAliases(ctx, repo, aliases); err != nil {
			log.Warnf("failed to report aliases: %v", err)
		}
	}

	if _, err := o.webhooks.EnsureWebhook(ctx, client, repo, o.opts.CallbackURL); err != nil {
		for _, unitErr := range unitErrors(err) {
			o.fail(ctx, result, unitErr)
		}
	} else {
		result.addWebhook()
	}

	syncs.Go(func() error {
		o.syncRepository(ctx, client, repo, state, result)
		return nil
	})
	return true
}

// Resync refreshes the pull request snapshots of every stored repository of
// the account. Webhooks are left untouched and nothing is reported upstream.
func (o *Orchestrator) Resync(ctx context.Context, accountID string, state provider.PRState) (*Result, error) {
	log := clog.FromContext(ctx).With("provider", o.opts.Provider, "account", accountID)
	ctx = clog.WithLogger(ctx, log)
	result := newResult()

	repos, err := store.ListRepositories(o.opts.Store, o.opts.Provider, "")
	if err != nil {
		return nil, fmt.Errorf("failed to list stored repositories: %w", err)
	}

	client, _, err := o.client(ctx, accountID)
	if err != nil {
		o.fail(ctx, result, &Error{Kind: KindAuth, Account: accountID, Cause: err})
		return result, nil
	}

	accounts := make(map[string]struct{})
	var g errgroup.Group
	g.SetLimit(o.opts.RepositoryConcurrency)
	for _, repo := range repos {
		if repo.AccountID != accountID {
			continue
		}
		accounts[repo.Owner] = struct{}{}
		result.addRepository(repo)
		g.Go(func() error {
			o.syncRepository(ctx, client, repo, state, result)
			return nil
		})
	}
	_ = g.Wait()

	for owner := range accounts {
		result.addAccount(owner)
	}
	result.sort()
	log.Infof("resynced %d repositories, %d pull requests", len(result.Repositories), result.PullRequests)
	return result, nil
}

func (o *Orchestrator) syncRepository(ctx context.Context, client provider.Client, repo provider.Repository, state provider.PRState, result *Result) {
	n, err := o.prs.SyncRepository(ctx, client, repo, state)
	result.addPullRequests(n)
	for _, unitErr := range unitErrors(err) {
		o.fail(ctx, result, unitErr)
	}
}

// client returns a provider client authenticated for the account
func (o *Orchestrator) client(ctx context.Context, accountID string) (provider.Client, string, error) {
	cred, err := o.opts.Tokens.GetUsableToken(ctx, accountID)
	if err != nil {
		return nil, "", err
	}
	return o.opts.Clients(cred.Token), cred.Token, nil
}

func (o *Orchestrator) fail(ctx context.Context, result *Result, err *Error) {
	clog.FromContext(ctx).With("kind", err.Kind, "retryable", err.IsRetryable()).Errorf("%v", err)
	failuresTotal.WithLabelValues(string(o.opts.Provider), string(err.Kind)).Inc()

	result.mu.Lock()
	defer result.mu.Unlock()
	result.Failed[err.Unit()] = err
}

func (o *Orchestrator) reportSetup(ctx context.Context, info []upstream.SetupInfo) {
	if o.opts.Reporter == nil {
		return
	}
	if err := o.opts.Reporter.ReportSetup(ctx, o.opts.InstallationID, info); err != nil {
		clog.FromContext(ctx).Warnf("failed to report setup summary: %v", err)
	}
}
