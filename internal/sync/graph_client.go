// Budsync - Airbuds Listening History Sync and Cache Engine
// Copyright 2026 the Budsync contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/budsync/budsync

// Package sync implements the Airbuds history synchronization engine:
// the GraphQL activity client, its circuit breaker wrapper, the
// incremental sync algorithm with cache fallback, and the periodic sync
// manager used in serve mode.
package sync

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/budsync/budsync/internal/config"
	"github.com/budsync/budsync/internal/models/graph"
)

// GraphQL operations sent to the activity endpoint. These match the
// official client byte for byte; the upstream rejects unknown fragments.
const (
	recentlyPlayedOperation = "UserRecentlyPlayed"
	recentlyPlayedQuery     = "query UserRecentlyPlayed($id: ID!, $limit: Int!, $cursor: Cursor) { userWithID(id: $id) { __typename ...UserFields recentlyPlayed(limit: $limit, cursor: $cursor, query: { maxVisibility: PRIVATE } ) { __typename items { __typename id playedAtMax playCount object { __typename ...MusicObjectFields } highlight { __typename at } userMusicStatus { __typename ...UserMusicStatusFields } feedActivity { __typename id activityUrl } visibility } pageInfo { __typename hasNextPage endCursor } } id } }  fragment UserFields on User { __typename id identifier profileURL displayName imageUrl }  fragment MusicObjectFields on MusicObject { __typename id kind openable { __typename id provider artworkURL artists { __typename id artworkURL } name artistName audioPreviewURL uri } }  fragment UserMusicStatusFields on UserMusicStatus { __typename emoji text }"

	friendListOperation = "FriendList"
	friendListQuery     = "query FriendList { me { __typename id friends(limit: 1000) { __typename items { __typename ...UserFriendshipFields id } } } }  fragment UserFields on User { __typename id identifier profileURL displayName imageUrl }  fragment UserFriendshipFields on UserFriendship { __typename id withUserId status createdAt acceptedAt ignoredAt hasBffedAt isBffedAt withUser { __typename ...UserFields id } }"
)

// acceptHeader mirrors the Accept header of the official Apollo client.
const acceptHeader = "multipart/mixed;deferSpec=20220824, application/graphql-response+json, application/json"

var clientLibrary = graph.ClientLibrary{Name: "apollo-kotlin", Version: "4.3.3"}

// GraphClient talks to the Airbuds GraphQL activity endpoint. All calls
// carry a bearer token obtained from the credential manager; the client
// itself holds no credential state.
type GraphClient struct {
	graphURL       string
	userAgent      string
	client         *http.Client
	limiter        *rate.Limiter
	maxRetries     int
	retryBaseDelay time.Duration
}

// NewGraphClient creates an activity client from the Airbuds config.
// When cfg.RequestsPerSecond is positive, calls are throttled
// client-side on top of the HTTP 429 backoff.
func NewGraphClient(cfg config.AirbudsConfig) *GraphClient {
	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	return &GraphClient{
		graphURL:       cfg.GraphURL,
		userAgent:      cfg.UserAgent,
		client:         &http.Client{Timeout: cfg.HTTPTimeout},
		limiter:        limiter,
		maxRetries:     3,
		retryBaseDelay: time.Second,
	}
}

// RecentlyPlayed fetches one page of a user's activity stream. cursor is
// empty for the first page.
func (c *GraphClient) RecentlyPlayed(ctx context.Context, accessToken, userID, cursor string, limit int) (*graph.RecentlyPlayed, error) {
	req := graph.Request{
		OperationName: recentlyPlayedOperation,
		Variables:     graph.Variables{ID: userID, Limit: limit, Cursor: cursor},
		Query:         recentlyPlayedQuery,
		Extensions:    graph.Extensions{ClientLibrary: clientLibrary},
	}

	resp, err := c.post(ctx, accessToken, req)
	if err != nil {
		return nil, err
	}
	if resp.Data == nil || resp.Data.UserWithID == nil {
		return nil, fmt.Errorf("%s response missing user", recentlyPlayedOperation)
	}
	if resp.Data.UserWithID.RecentlyPlayed == nil {
		return nil, fmt.Errorf("%s response missing recentlyPlayed", recentlyPlayedOperation)
	}
	return resp.Data.UserWithID.RecentlyPlayed, nil
}

// FriendList fetches the authenticated user's friend edges.
func (c *GraphClient) FriendList(ctx context.Context, accessToken string) (*graph.FriendList, error) {
	req := graph.Request{
		OperationName: friendListOperation,
		Query:         friendListQuery,
		Extensions:    graph.Extensions{ClientLibrary: clientLibrary},
	}

	resp, err := c.post(ctx, accessToken, req)
	if err != nil {
		return nil, err
	}
	if resp.Data == nil || resp.Data.Me == nil {
		return nil, fmt.Errorf("%s response missing user", friendListOperation)
	}
	if resp.Data.Me.Friends == nil {
		return nil, fmt.Errorf("%s response missing friends", friendListOperation)
	}
	return resp.Data.Me.Friends, nil
}

// post executes one GraphQL request with rate limiting and HTTP 429
// backoff. A populated errors payload in a 200 response is a failure.
func (c *GraphClient) post(ctx context.Context, accessToken string, request graph.Request) (*graph.Response, error) {
	body, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s request: %w", request.OperationName, err)
	}

	resp, err := c.doWithRetry(ctx, accessToken, body, request.OperationName)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s response: %w", request.OperationName, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s request failed with status %d: %s", request.OperationName, resp.StatusCode, trimBody(data))
	}

	var parsed graph.Response
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("failed to decode %s response: %w", request.OperationName, err)
	}
	if len(parsed.Errors) > 0 {
		return nil, fmt.Errorf("%s request rejected: %s", request.OperationName, parsed.Errors[0].Message)
	}
	return &parsed, nil
}

// doWithRetry issues the POST, retrying HTTP 429 responses with
// exponential backoff (1s, 2s, 4s) and honoring Retry-After.
func (c *GraphClient) doWithRetry(ctx context.Context, accessToken string, body []byte, operation string) (*http.Response, error) {
	var lastErr error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.graphURL, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s request: %w", operation, err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", acceptHeader)
		req.Header.Set("User-Agent", c.userAgent)
		req.Header.Set("Authorization", "Bearer "+accessToken)

		resp, err := c.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("%s request failed: %w", operation, err)
		}
		if resp.StatusCode != http.StatusTooManyRequests {
			return resp, nil
		}

		_ = resp.Body.Close()
		if attempt == c.maxRetries {
			lastErr = fmt.Errorf("%s rate limited after %d retries", operation, c.maxRetries)
			break
		}

		delay := c.retryBaseDelay * time.Duration(1<<uint(attempt))
		if retryAfter := resp.Header.Get("Retry-After"); retryAfter != "" {
			if parsed, err := time.ParseDuration(retryAfter + "s"); err == nil {
				delay = parsed
			}
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return nil, lastErr
}

func trimBody(data []byte) string {
	s := strings.TrimSpace(string(data))
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}
