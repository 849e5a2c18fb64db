package onboarding

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	webhooksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reposync_webhooks_total",
			Help: "The number of reconciled webhooks by provider and outcome (created, reused or recovered)",
		},
		[]string{"provider", "outcome"},
	)

	pullRequestsSynced = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reposync_pull_requests_synced_total",
			Help: "The number of pull request snapshots persisted by provider",
		},
		[]string{"provider"},
	)

	failuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reposync_onboarding_failures_total",
			Help: "The number of failed onboarding units by provider and kind",
		},
		[]string{"provider", "kind"},
	)
)
