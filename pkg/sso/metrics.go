package sso

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus metrics for the SSO core
type Metrics struct {
	LoginsTotal         *prometheus.CounterVec
	LoginDuration       *prometheus.HistogramVec
	SessionsCreated     prometheus.Counter
	SessionsTerminated  *prometheus.CounterVec
	StateReplaysTotal   prometheus.Counter
	AccountsProvisioned prometheus.Counter
	TokenRefreshTotal   *prometheus.CounterVec
}

// NewMetrics creates and registers the SSO metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		LoginsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "idbridge_logins_total",
				Help: "Total number of SSO login attempts",
			},
			[]string{"provider_type", "provider_id", "outcome"},
		),
		LoginDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "idbridge_login_duration_seconds",
				Help:    "SSO login completion duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"provider_type"},
		),
		SessionsCreated: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "idbridge_sessions_created_total",
				Help: "Total number of sessions created",
			},
		),
		SessionsTerminated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "idbridge_sessions_terminated_total",
				Help: "Total number of sessions terminated",
			},
			[]string{"reason"},
		),
		StateReplaysTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "idbridge_state_replays_total",
				Help: "Callbacks rejected for an unknown or already consumed state",
			},
		),
		AccountsProvisioned: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "idbridge_accounts_provisioned_total",
				Help: "Accounts created just in time from external identities",
			},
		),
		TokenRefreshTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "idbridge_token_refresh_total",
				Help: "OAuth2 token refresh attempts",
			},
			[]string{"outcome"},
		),
	}

	registry.MustRegister(
		m.LoginsTotal,
		m.LoginDuration,
		m.SessionsCreated,
		m.SessionsTerminated,
		m.StateReplaysTotal,
		m.AccountsProvisioned,
		m.TokenRefreshTotal,
	)
	return m
}

// NopMetrics returns metrics bound to a throwaway registry, for tests and
// callers that do not scrape.
func NopMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}
