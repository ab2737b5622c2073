// Budsync - Airbuds Listening History Sync and Cache Engine
// Copyright 2026 the Budsync contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/budsync/budsync

// Package metrics provides Prometheus instrumentation for Budsync:
// sync throughput, cache behavior, credential refreshes, circuit breaker
// state and HTTP API traffic.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Sync metrics. The account label is "self" or "friend" rather than a
	// raw account id to keep cardinality bounded.
	SyncsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "budsync_syncs_total",
			Help: "Total number of sync attempts by account kind and outcome",
		},
		[]string{"account", "outcome"}, // outcome: "success", "fallback", "error"
	)

	SyncDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "budsync_sync_duration_seconds",
			Help:    "Duration of full sync passes in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"account"},
	)

	PagesFetched = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "budsync_pages_fetched_total",
			Help: "Total number of activity pages fetched from the upstream API",
		},
	)

	ItemsFetched = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "budsync_items_fetched_total",
			Help: "Total number of new activity items accepted during sync",
		},
	)

	BoundaryHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "budsync_boundary_hits_total",
			Help: "Times pagination stopped early at the cached-history boundary",
		},
	)

	CacheFallbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "budsync_cache_fallbacks_total",
			Help: "Syncs that returned stale cached data after an upstream failure",
		},
	)

	CacheLoadErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "budsync_cache_load_errors_total",
			Help: "Cache files that failed to parse and were treated as empty",
		},
	)

	// Credential metrics.
	TokenRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "budsync_token_refreshes_total",
			Help: "Access token refresh attempts by result",
		},
		[]string{"result"}, // "success", "failure"
	)

	// Circuit breaker metrics.
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "budsync_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	CircuitBreakerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "budsync_circuit_breaker_requests_total",
			Help: "Circuit breaker request outcomes",
		},
		[]string{"name", "result"}, // "success", "failure", "rejected"
	)

	// HTTP API metrics.
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "budsync_api_requests_total",
			Help: "Total number of HTTP API requests",
		},
		[]string{"method", "path", "status"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "budsync_api_request_duration_seconds",
			Help:    "HTTP API request duration in seconds",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"method", "path"},
	)
)

// AccountLabel maps an account id to the bounded-cardinality metric label.
func AccountLabel(userID string) string {
	if userID == "" {
		return "self"
	}
	return "friend"
}
