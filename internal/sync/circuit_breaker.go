// Budsync - Airbuds Listening History Sync and Cache Engine
// Copyright 2026 the Budsync contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/budsync/budsync

package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/budsync/budsync/internal/config"
	"github.com/budsync/budsync/internal/logging"
	"github.com/budsync/budsync/internal/metrics"
	"github.com/budsync/budsync/internal/models/graph"
)

// BreakerClient wraps GraphClient with a circuit breaker so a dead or
// degraded upstream fails fast instead of stalling every sync pass. The
// sync engine's cache fallback turns the fast failure into stale data.
//
// The breaker uses real time for its interval and timeout; tests
// exercise the wrapped client directly.
type BreakerClient struct {
	client *GraphClient
	cb     *gobreaker.CircuitBreaker[any]
	name   string
}

// NewBreakerClient creates an activity client protected by a circuit
// breaker. The breaker opens after a 60% failure rate over at least 6
// requests within a 1 minute window and probes again after 2 minutes.
func NewBreakerClient(cfg config.AirbudsConfig) *BreakerClient {
	name := "airbuds-graph"
	metrics.CircuitBreakerState.WithLabelValues(name).Set(0)

	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        name,
		MaxRequests: 2,
		Interval:    time.Minute,
		Timeout:     2 * time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 6 {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Info().
				Str("breaker", name).
				Str("from", stateToString(from)).
				Str("to", stateToString(to)).
				Msg("Circuit breaker state change")
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateToFloat(to))
		},
	})

	return &BreakerClient{
		client: NewGraphClient(cfg),
		cb:     cb,
		name:   name,
	}
}

// RecentlyPlayed fetches one activity page with breaker protection.
func (b *BreakerClient) RecentlyPlayed(ctx context.Context, accessToken, userID, cursor string, limit int) (*graph.RecentlyPlayed, error) {
	return castResult[graph.RecentlyPlayed](b.execute(func() (any, error) {
		return b.client.RecentlyPlayed(ctx, accessToken, userID, cursor, limit)
	}))
}

// FriendList fetches the friend edges with breaker protection.
func (b *BreakerClient) FriendList(ctx context.Context, accessToken string) (*graph.FriendList, error) {
	return castResult[graph.FriendList](b.execute(func() (any, error) {
		return b.client.FriendList(ctx, accessToken)
	}))
}

func (b *BreakerClient) execute(fn func() (any, error)) (any, error) {
	result, err := b.cb.Execute(fn)
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			metrics.CircuitBreakerRequests.WithLabelValues(b.name, "rejected").Inc()
			logging.Warn().Err(err).Str("breaker", b.name).Msg("Request rejected by open circuit")
		} else {
			metrics.CircuitBreakerRequests.WithLabelValues(b.name, "failure").Inc()
		}
		return nil, err
	}
	metrics.CircuitBreakerRequests.WithLabelValues(b.name, "success").Inc()
	return result, nil
}

// castResult narrows the breaker's untyped result back to the client's
// return type.
func castResult[T any](result any, err error) (*T, error) {
	if err != nil {
		return nil, err
	}
	typed, ok := result.(*T)
	if !ok {
		return nil, fmt.Errorf("circuit breaker: unexpected result type %T", result)
	}
	return typed, nil
}

func stateToFloat(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}

func stateToString(state gobreaker.State) string {
	switch state {
	case gobreaker.StateClosed:
		return "closed"
	case gobreaker.StateHalfOpen:
		return "half-open"
	case gobreaker.StateOpen:
		return "open"
	default:
		return "unknown"
	}
}
