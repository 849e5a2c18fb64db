package onboarding

import (
	"context"

	"github.com/chainguard-dev/clog"
	"github.com/samber/mo"

	"reposync/pkg/provider"
	"reposync/pkg/store"
)

// WebhookReconciler makes sure every repository carries exactly one webhook
// pointing at the callback URL
type WebhookReconciler struct {
	store store.Store
}

// NewWebhookReconciler creates a reconciler persisting hooks to s
func NewWebhookReconciler(s store.Store) *WebhookReconciler {
	return &WebhookReconciler{store: s}
}

// EnsureWebhook reuses the hook of repo whose target is callbackURL or
// creates one. Existing hooks are never modified. A create that fails with a
// retryable error is not sent again: the hooks are listed once more and a
// hook the provider stored before the response was lost is adopted.
func (r *WebhookReconciler) EnsureWebhook(ctx context.Context, client provider.Client, repo provider.Repository, callbackURL string) (*provider.Webhook, error) {
	log := clog.FromContext(ctx).With("repository", repo.FullName(), "callback", callbackURL)

	existing, err := findWebhook(ctx, client, repo, callbackURL)
	if err != nil {
		return nil, repoError(KindReconcile, repo, err)
	}
	if hook, ok := existing.Get(); ok {
		log.Debugf("webhook %s already registered", hook.ID)
		return r.record(repo, hook, "reused")
	}

	created, err := client.CreateWebhook(ctx, repo, callbackURL)
	if err != nil {
		if !provider.IsRetryable(err) {
			return nil, repoError(KindReconcile, repo, err)
		}
		recovered, listErr := findWebhook(ctx, client, repo, callbackURL)
		hook, ok := recovered.Get()
		if listErr != nil || !ok {
			return nil, repoError(KindReconcile, repo, err)
		}
		log.Warnf("webhook create failed (%v) but webhook %s was registered", err, hook.ID)
		return r.record(repo, hook, "recovered")
	}

	log.Infof("created webhook %s", created.ID)
	return r.record(repo, *created, "created")
}

// findWebhook returns the hook of repo targeting callbackURL, if any
func findWebhook(ctx context.Context, client provider.Client, repo provider.Repository, callbackURL string) (mo.Option[provider.Webhook], error) {
	hooks, err := client.ListWebhooks(ctx, repo)
	if err != nil {
		return mo.None[provider.Webhook](), err
	}
	for _, hook := range hooks {
		if hook.TargetURL == callbackURL {
			return mo.Some(hook), nil
		}
	}
	return mo.None[provider.Webhook](), nil
}

func (r *WebhookReconciler) record(repo provider.Repository, hook provider.Webhook, outcome string) (*provider.Webhook, error) {
	if _, err := store.SaveWebhook(r.store, repo, hook); err != nil {
		return nil, repoError(KindStore, repo, err)
	}
	webhooksTotal.WithLabelValues(string(repo.Provider), outcome).Inc()
	return &hook, nil
}
