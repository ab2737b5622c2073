// Budsync - Airbuds Listening History Sync and Cache Engine
// Copyright 2026 the Budsync contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/budsync/budsync

// Package history owns the on-disk playback history caches and the
// playlist views derived from them. Each account gets its own cache
// file; the caches are the source of truth whenever the upstream
// service is unreachable.
package history

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/budsync/budsync/internal/logging"
	"github.com/budsync/budsync/internal/metrics"
	"github.com/budsync/budsync/internal/models"
)

const (
	selfCacheFile   = "recently_played_cache.json"
	friendCacheDir  = "friend_recently_played"
	friendCacheFmt  = "recently_played_%s.json"
	cacheVersion    = 1
	maxCacheBytes   = 16 << 20
)

// cacheDocument is the on-disk cache schema. Artists are stored as bare
// name strings; older or hand-edited files may carry {"name": ...}
// objects instead, which load accepts.
type cacheDocument struct {
	Version int          `json:"version"`
	Tracks  []cacheTrack `json:"tracks"`
}

type cacheTrack struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	AlbumURL   string        `json:"albumUrl,omitempty"`
	PlayedAt   string        `json:"playedAt,omitempty"`
	PlayedAtMs int64         `json:"playedAtMs,omitempty"`
	Artists    []cacheArtist `json:"artists,omitempty"`
}

// cacheArtist unmarshals either a bare string or an object with a name.
type cacheArtist struct {
	Name string
}

func (a *cacheArtist) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		a.Name = s
		return nil
	}
	var obj struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(data, &obj); err == nil {
		a.Name = obj.Name
		return nil
	}
	// Unrecognized shapes are dropped, not fatal.
	a.Name = ""
	return nil
}

func (a cacheArtist) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.Name)
}

// CacheStore reads and writes per-account history cache files under the
// data directory. The zero key addresses the engine owner's own cache;
// any other key addresses a friend cache in a separate subdirectory.
type CacheStore struct {
	dataDir string
}

// NewCacheStore creates a cache store rooted at dataDir.
func NewCacheStore(dataDir string) *CacheStore {
	return &CacheStore{dataDir: dataDir}
}

// CacheKey resolves the cache key for a history request. The owner's own
// history (empty target or target equal to selfID) uses the empty key;
// everything else is a friend key sanitized for filesystem use.
func CacheKey(targetID, selfID string) string {
	if targetID == "" || targetID == selfID {
		return ""
	}
	return SanitizeCacheKey(targetID)
}

// SanitizeCacheKey maps an account identifier to a filesystem-safe name.
// Characters outside [A-Za-z0-9_-] become underscores; an empty id maps
// to "unknown" so it can never escape the cache directory.
func SanitizeCacheKey(id string) string {
	if id == "" {
		return "unknown"
	}
	var b strings.Builder
	b.Grow(len(id))
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// Path returns the cache file path for the given key.
func (s *CacheStore) Path(key string) string {
	if key == "" {
		return filepath.Join(s.dataDir, selfCacheFile)
	}
	return filepath.Join(s.dataDir, friendCacheDir, fmt.Sprintf(friendCacheFmt, key))
}

// Load reads the cache for key. A missing, unreadable, or corrupt cache
// file loads as an empty history; the caller never has to handle a load
// error. Records without both an id and a name are dropped.
func (s *CacheStore) Load(key string) []models.PlaylistTrack {
	path := s.Path(key)
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			metrics.CacheLoadErrors.Inc()
			logging.Warn().Err(err).Str("path", path).Msg("Failed to read history cache; starting empty")
		}
		return nil
	}
	if len(data) > maxCacheBytes {
		metrics.CacheLoadErrors.Inc()
		logging.Warn().Str("path", path).Int("bytes", len(data)).Msg("History cache too large; starting empty")
		return nil
	}

	var doc cacheDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		metrics.CacheLoadErrors.Inc()
		logging.Warn().Err(err).Str("path", path).Msg("Corrupt history cache; starting empty")
		return nil
	}

	tracks := make([]models.PlaylistTrack, 0, len(doc.Tracks))
	for _, ct := range doc.Tracks {
		if ct.ID == "" || ct.Name == "" {
			continue
		}
		ms := ct.PlayedAtMs
		if ms == 0 && ct.PlayedAt != "" {
			ms = ParsePlayedAt(ct.PlayedAt)
		}
		var artists []models.Artist
		for _, a := range ct.Artists {
			if a.Name != "" {
				artists = append(artists, models.Artist{Name: a.Name})
			}
		}
		tracks = append(tracks, models.PlaylistTrack{
			Track: models.Track{
				ID:      ct.ID,
				Name:    ct.Name,
				Artists: artists,
				Album:   models.Album{URL: ct.AlbumURL},
			},
			PlayedAt:   ct.PlayedAt,
			PlayedAtMs: ms,
		})
	}
	SortByRecency(tracks)
	return tracks
}

// Save atomically persists tracks as the cache for key. Records without
// both an id and a name are skipped so a bad upstream record can never
// poison the cache.
func (s *CacheStore) Save(key string, tracks []models.PlaylistTrack) error {
	doc := cacheDocument{Version: cacheVersion, Tracks: make([]cacheTrack, 0, len(tracks))}
	for _, tr := range tracks {
		if tr.ID == "" || tr.Name == "" {
			continue
		}
		var artists []cacheArtist
		for _, a := range tr.Artists {
			if a.Name != "" {
				artists = append(artists, cacheArtist{Name: a.Name})
			}
		}
		doc.Tracks = append(doc.Tracks, cacheTrack{
			ID:         tr.ID,
			Name:       tr.Name,
			AlbumURL:   tr.Album.URL,
			PlayedAt:   tr.PlayedAt,
			PlayedAtMs: tr.PlayedAtMs,
			Artists:    artists,
		})
	}

	path := s.Path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode history cache: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write history cache: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace history cache: %w", err)
	}
	return nil
}

// ParsePlayedAt parses an upstream play timestamp into epoch
// milliseconds. Returns 0 when the value cannot be parsed.
func ParsePlayedAt(value string) int64 {
	if value == "" {
		return 0
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UnixMilli()
		}
	}
	return 0
}

// DedupKey identifies one play event. Two records are the same play when
// they share a track id and a play instant; when the instant never
// parsed, the raw timestamp string stands in so distinct raw values stay
// distinct.
func DedupKey(t models.PlaylistTrack) string {
	if t.PlayedAtMs != 0 {
		return t.ID + "|" + strconv.FormatInt(t.PlayedAtMs, 10)
	}
	return t.ID + "|" + t.PlayedAt
}

// KeySet builds the dedup key set for a track list.
func KeySet(tracks []models.PlaylistTrack) map[string]struct{} {
	set := make(map[string]struct{}, len(tracks))
	for _, t := range tracks {
		set[DedupKey(t)] = struct{}{}
	}
	return set
}

// OldestMs returns the smallest non-zero play timestamp in tracks, or 0
// when no entry has a usable timestamp. This is the pagination boundary:
// anything at or before it is assumed already cached.
func OldestMs(tracks []models.PlaylistTrack) int64 {
	var oldest int64
	for _, t := range tracks {
		if t.PlayedAtMs == 0 {
			continue
		}
		if oldest == 0 || t.PlayedAtMs < oldest {
			oldest = t.PlayedAtMs
		}
	}
	return oldest
}

// SortByRecency stable-sorts tracks newest first. Entries without a
// usable timestamp sort after every timestamped entry and keep their
// relative order.
func SortByRecency(tracks []models.PlaylistTrack) {
	sort.SliceStable(tracks, func(i, j int) bool {
		a, b := tracks[i].PlayedAtMs, tracks[j].PlayedAtMs
		if a == 0 {
			return false
		}
		if b == 0 {
			return true
		}
		return a > b
	})
}
