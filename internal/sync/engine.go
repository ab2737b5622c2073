// Budsync - Airbuds Listening History Sync and Cache Engine
// Copyright 2026 the Budsync contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/budsync/budsync

package sync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/budsync/budsync/internal/auth"
	"github.com/budsync/budsync/internal/history"
	"github.com/budsync/budsync/internal/logging"
	"github.com/budsync/budsync/internal/metrics"
	"github.com/budsync/budsync/internal/models"
	"github.com/budsync/budsync/internal/models/graph"
)

// Warning strings surfaced alongside degraded results.
const (
	warnTokenMissing  = "refresh token missing; showing cached history"
	warnRefreshFailed = "refresh failed; showing cached history"
)

// ErrNoCachedData marks a hard sync failure: the upstream could not be
// reached and there is no local cache to degrade to.
var ErrNoCachedData = errors.New("no cached listening history")

// API is the slice of the activity endpoint the engine needs. Satisfied
// by GraphClient and BreakerClient.
type API interface {
	RecentlyPlayed(ctx context.Context, accessToken, userID, cursor string, limit int) (*graph.RecentlyPlayed, error)
	FriendList(ctx context.Context, accessToken string) (*graph.FriendList, error)
}

// CredentialSource resolves a usable access token and account id.
type CredentialSource interface {
	Credentials(ctx context.Context) (models.Credentials, error)
	Reset()
}

// Result is the outcome of a sync. Warning is non-empty when the tracks
// are stale cached data returned after an upstream failure.
type Result struct {
	Tracks  []models.PlaylistTrack
	Warning string
}

// Engine synchronizes listening history incrementally: it pages the
// upstream activity stream only until it reaches what the local cache
// already knows, merges, and persists. On upstream failure it degrades
// to the cache instead of failing, as long as the cache is non-empty.
//
// Syncs for the same account are serialized; different accounts may
// sync concurrently against their own cache files.
type Engine struct {
	api       API
	creds     CredentialSource
	store     *history.CacheStore
	pageLimit int

	mu       sync.Mutex
	warning  string
	slots    map[string][]models.PlaylistTrack
	accounts map[string]*sync.Mutex
}

// NewEngine creates a sync engine over the given upstream client,
// credential source and cache store.
func NewEngine(api API, creds CredentialSource, store *history.CacheStore, pageLimit int) *Engine {
	return &Engine{
		api:       api,
		creds:     creds,
		store:     store,
		pageLimit: pageLimit,
		slots:     make(map[string][]models.PlaylistTrack),
		accounts:  make(map[string]*sync.Mutex),
	}
}

// Sync refreshes the engine owner's own history.
func (e *Engine) Sync(ctx context.Context) (Result, error) {
	return e.SyncUser(ctx, "")
}

// SyncUser refreshes the history of userID, or of the engine owner when
// userID is empty. It fails only when there is no cached data to fall
// back on.
func (e *Engine) SyncUser(ctx context.Context, userID string) (Result, error) {
	e.setWarning("")

	runID := uuid.NewString()
	start := time.Now()
	label := metrics.AccountLabel(userID)
	log := logging.With().Str("run_id", runID).Str("account", label).Logger()

	result, err := e.syncUser(ctx, userID, &log)

	metrics.SyncDuration.WithLabelValues(label).Observe(time.Since(start).Seconds())
	switch {
	case err != nil:
		metrics.SyncsTotal.WithLabelValues(label, "error").Inc()
		log.Error().Err(err).Msg("Sync failed")
	case result.Warning != "":
		metrics.SyncsTotal.WithLabelValues(label, "fallback").Inc()
		metrics.CacheFallbacks.Inc()
		log.Warn().Str("warning", result.Warning).Int("tracks", len(result.Tracks)).Msg("Sync degraded to cache")
	default:
		metrics.SyncsTotal.WithLabelValues(label, "success").Inc()
		log.Info().Int("tracks", len(result.Tracks)).Dur("elapsed", time.Since(start)).Msg("Sync complete")
	}
	return result, err
}

func (e *Engine) syncUser(ctx context.Context, userID string, log *zerolog.Logger) (Result, error) {
	creds, credsErr := e.creds.Credentials(ctx)

	key := history.CacheKey(userID, creds.UserID)
	unlock := e.lockAccount(key)
	defer unlock()

	cached := e.store.Load(key)
	cachedKeys := history.KeySet(cached)
	oldest := history.OldestMs(cached)

	fallback := func(warning string) (Result, error) {
		e.setWarning(warning)
		e.setSlot(key, cached)
		return Result{Tracks: cached, Warning: warning}, nil
	}

	if credsErr != nil {
		if errors.Is(credsErr, auth.ErrNoRefreshToken) {
			if len(cached) > 0 {
				return fallback(warnTokenMissing)
			}
			return Result{}, fmt.Errorf("%w: %w", credsErr, ErrNoCachedData)
		}
		if len(cached) > 0 {
			log.Warn().Err(credsErr).Msg("Credential refresh failed")
			return fallback(warnRefreshFailed)
		}
		return Result{}, fmt.Errorf("%w: %w", credsErr, ErrNoCachedData)
	}

	target := userID
	if target == "" {
		target = creds.UserID
	}

	newTracks, err := e.fetchNewTracks(ctx, creds.AccessToken, target, cachedKeys, oldest, log)
	if err != nil {
		if len(cached) > 0 {
			log.Warn().Err(err).Msg("History refresh failed")
			return fallback(warnRefreshFailed)
		}
		return Result{}, fmt.Errorf("%w: %w", err, ErrNoCachedData)
	}

	merged := mergeTracks(newTracks, cached)
	history.SortByRecency(merged)

	if err := e.store.Save(key, merged); err != nil {
		log.Warn().Err(err).Msg("Failed to persist history cache")
	}
	e.setSlot(key, merged)
	return Result{Tracks: merged}, nil
}

// fetchNewTracks pages the activity stream until end-of-stream or until
// an item at or before the cached boundary shows up. Items already in
// the cache, or repeated within this pass, are skipped.
func (e *Engine) fetchNewTracks(ctx context.Context, accessToken, target string, cachedKeys map[string]struct{}, oldest int64, log *zerolog.Logger) ([]models.PlaylistTrack, error) {
	var newTracks []models.PlaylistTrack
	newKeys := make(map[string]struct{})
	var cursor, lastCursor string

	for {
		page, err := e.api.RecentlyPlayed(ctx, accessToken, target, cursor, e.pageLimit)
		if err != nil {
			return nil, err
		}
		metrics.PagesFetched.Inc()

		boundaryHit := false
		for _, item := range page.Items {
			track, ok := trackFromItem(item)
			if !ok {
				continue
			}
			if oldest > 0 && track.PlayedAtMs > 0 && track.PlayedAtMs <= oldest {
				boundaryHit = true
				break
			}
			key := history.DedupKey(track)
			if _, seen := cachedKeys[key]; seen {
				continue
			}
			if _, seen := newKeys[key]; seen {
				continue
			}
			newKeys[key] = struct{}{}
			newTracks = append(newTracks, track)
			metrics.ItemsFetched.Inc()
		}

		if boundaryHit {
			metrics.BoundaryHits.Inc()
			log.Debug().Int("new_tracks", len(newTracks)).Msg("Reached cached history boundary")
			return newTracks, nil
		}

		next := page.PageInfo.EndCursor
		if !page.PageInfo.HasNextPage || next == "" || next == lastCursor {
			return newTracks, nil
		}
		cursor, lastCursor = next, next
	}
}

// trackFromItem maps one activity item into a playlist track. Items
// without an openable object or without both an id and a name are
// dropped.
func trackFromItem(item graph.ActivityItem) (models.PlaylistTrack, bool) {
	if item.Object == nil || item.Object.Openable == nil {
		return models.PlaylistTrack{}, false
	}
	openable := item.Object.Openable
	if openable.ID == "" || openable.Name == "" {
		return models.PlaylistTrack{}, false
	}
	return models.PlaylistTrack{
		Track: models.Track{
			ID:      openable.ID,
			Name:    openable.Name,
			Artists: models.ParseArtistList(openable.ArtistName),
			Album:   models.Album{URL: openable.ArtworkURL},
		},
		PlayedAt:   item.PlayedAtMax,
		PlayedAtMs: history.ParsePlayedAt(item.PlayedAtMax),
	}, true
}

// mergeTracks puts new items first in fetch order, then every cached
// item not re-emitted by the fetch. A partial resync can therefore never
// shrink the cache.
func mergeTracks(newTracks, cached []models.PlaylistTrack) []models.PlaylistTrack {
	merged := make([]models.PlaylistTrack, 0, len(newTracks)+len(cached))
	seen := make(map[string]struct{}, len(newTracks)+len(cached))
	for _, t := range newTracks {
		merged = append(merged, t)
		seen[history.DedupKey(t)] = struct{}{}
	}
	for _, t := range cached {
		key := history.DedupKey(t)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		merged = append(merged, t)
	}
	return merged
}

// Cached returns the engine owner's history without touching the
// network, preferring the in-memory copy over a disk read.
func (e *Engine) Cached() []models.PlaylistTrack {
	return e.CachedUser("")
}

// CachedUser returns userID's history without touching the network.
func (e *Engine) CachedUser(userID string) []models.PlaylistTrack {
	key := e.cacheKeyFor(userID)

	e.mu.Lock()
	if slot, ok := e.slots[key]; ok && len(slot) > 0 {
		e.mu.Unlock()
		return slot
	}
	e.mu.Unlock()

	tracks := e.store.Load(key)
	e.setSlot(key, tracks)
	return tracks
}

// Playlists syncs and returns the derived playlists for userID ("" for
// the engine owner). The aggregate playlist always comes first when any
// tracks exist.
func (e *Engine) Playlists(ctx context.Context, userID string) ([]models.Playlist, Result, error) {
	result, err := e.SyncUser(ctx, userID)
	if err != nil {
		return nil, result, err
	}
	return playlistsFor(result.Tracks), result, nil
}

// CachedPlaylists derives playlists from cached data only.
func (e *Engine) CachedPlaylists(userID string) []models.Playlist {
	return playlistsFor(e.CachedUser(userID))
}

func playlistsFor(tracks []models.PlaylistTrack) []models.Playlist {
	if len(tracks) == 0 {
		return nil
	}
	playlists := []models.Playlist{history.RecentPlaylist(tracks)}
	return append(playlists, history.BuildPlaylists(tracks)...)
}

// PlaylistTracks returns the cached tracks belonging to a derived
// playlist id for userID ("" for the engine owner).
func (e *Engine) PlaylistTracks(userID, playlistID string) []models.PlaylistTrack {
	return history.FilterByPlaylist(e.CachedUser(userID), playlistID)
}

// Friends fetches the owner's accepted friends, deduplicated and sorted
// case-insensitively by display label.
func (e *Engine) Friends(ctx context.Context) ([]models.Friend, error) {
	creds, err := e.creds.Credentials(ctx)
	if err != nil {
		return nil, err
	}
	list, err := e.api.FriendList(ctx, creds.AccessToken)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(list.Items))
	friends := make([]models.Friend, 0, len(list.Items))
	for _, edge := range list.Items {
		if edge.Status != graph.StatusAcknowledged {
			continue
		}
		id := edge.WithUserID
		if id == "" && edge.WithUser != nil {
			id = edge.WithUser.ID
		}
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		friend := models.Friend{ID: id}
		if edge.WithUser != nil {
			friend.Identifier = edge.WithUser.Identifier
			friend.DisplayName = edge.WithUser.DisplayName
		}
		friends = append(friends, friend)
	}

	sort.SliceStable(friends, func(i, j int) bool {
		return strings.ToLower(friends[i].DisplayLabel()) < strings.ToLower(friends[j].DisplayLabel())
	})
	return friends, nil
}

// LastWarning returns the warning from the most recent sync, or "". It
// is cleared at the start of every sync attempt.
func (e *Engine) LastWarning() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.warning
}

// ResetCredentials discards credential state, the warning, and every
// in-memory history slot. Used when the user replaces the refresh token.
func (e *Engine) ResetCredentials() {
	e.creds.Reset()
	e.mu.Lock()
	defer e.mu.Unlock()
	e.warning = ""
	e.slots = make(map[string][]models.PlaylistTrack)
}

// cacheKeyFor resolves userID to a cache key using the credential
// manager's current notion of self, without triggering a refresh.
func (e *Engine) cacheKeyFor(userID string) string {
	if userID == "" {
		return ""
	}
	type userIDer interface{ UserID() string }
	var selfID string
	if u, ok := e.creds.(userIDer); ok {
		selfID = u.UserID()
	}
	return history.CacheKey(userID, selfID)
}

// lockAccount serializes syncs per cache key so two concurrent syncs of
// one account can never race on its cache file.
func (e *Engine) lockAccount(key string) func() {
	e.mu.Lock()
	lock, ok := e.accounts[key]
	if !ok {
		lock = &sync.Mutex{}
		e.accounts[key] = lock
	}
	e.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}

func (e *Engine) setWarning(warning string) {
	e.mu.Lock()
	e.warning = warning
	e.mu.Unlock()
}

func (e *Engine) setSlot(key string, tracks []models.PlaylistTrack) {
	e.mu.Lock()
	e.slots[key] = tracks
	e.mu.Unlock()
}
