// Copyright Identity Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package metrics exposes Prometheus instruments for the watch/sync pipeline
// and the lookup caches.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the instruments shared across the subsystem. A single
// instance is created at startup and handed to each component.
type Metrics struct {
	// WatchEvents counts watch events received, labeled by resource kind and
	// event type.
	WatchEvents *prometheus.CounterVec
	// Rewatches counts stream re-establishments, labeled by resource kind.
	Rewatches *prometheus.CounterVec
	// SyncResults counts role-sync handler outcomes, labeled by resource kind
	// and result ("created", "deleted", "noop", "error").
	SyncResults *prometheus.CounterVec
	// CacheLookups counts lookup-cache accesses, labeled by cache name and
	// outcome ("hit", "miss", "error").
	CacheLookups *prometheus.CounterVec
	// TokenRefreshes counts service-token refresh attempts by result.
	TokenRefreshes *prometheus.CounterVec
}

// New registers the instruments on the given registerer and returns them.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		WatchEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "identity_gateway_watch_events_total",
			Help: "Watch events received from the resource API.",
		}, []string{"kind", "type"}),
		Rewatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "identity_gateway_rewatches_total",
			Help: "Watch stream re-establishments.",
		}, []string{"kind"}),
		SyncResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "identity_gateway_role_sync_total",
			Help: "Role synchronizer outcomes.",
		}, []string{"kind", "result"}),
		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "identity_gateway_cache_lookups_total",
			Help: "Lookup cache accesses.",
		}, []string{"cache", "outcome"}),
		TokenRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "identity_gateway_token_refreshes_total",
			Help: "Service token refresh attempts.",
		}, []string{"result"}),
	}
	reg.MustRegister(m.WatchEvents, m.Rewatches, m.SyncResults, m.CacheLookups, m.TokenRefreshes)
	return m
}

// NewTestMetrics returns metrics on a throwaway registry, for tests.
func NewTestMetrics() *Metrics {
	return New(prometheus.NewRegistry())
}
