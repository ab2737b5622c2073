// Budsync - Airbuds Listening History Sync and Cache Engine
// Copyright 2026 the Budsync contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/budsync/budsync

package history

import (
	"time"

	"github.com/budsync/budsync/internal/models"
)

// recentPlaylistName labels the aggregate playlist spanning the whole
// cached timeline.
const recentPlaylistName = "Recently Played"

// unknownPlaylistName labels the bucket for entries without a usable
// play timestamp.
const unknownPlaylistName = "Unknown Date"

// BuildPlaylists derives per-day playlists from a history timeline.
// Tracks are bucketed by the local calendar date of their play time, in
// first-seen order, so a newest-first timeline yields newest-first
// playlists. The current date is labeled "Today"; entries without a
// usable timestamp collect in a trailing "unknown" bucket. Each
// playlist's artwork is the first non-empty album URL seen in its
// bucket.
func BuildPlaylists(tracks []models.PlaylistTrack) []models.Playlist {
	return buildPlaylistsAt(tracks, time.Now())
}

func buildPlaylistsAt(tracks []models.PlaylistTrack, now time.Time) []models.Playlist {
	if len(tracks) == 0 {
		return nil
	}

	todayKey := now.Format(time.DateOnly)
	indexByKey := make(map[string]int, len(tracks))
	var playlists []models.Playlist

	for _, track := range tracks {
		key, label := dateBucket(track.PlayedAtMs, todayKey)

		idx, ok := indexByKey[key]
		if !ok {
			playlists = append(playlists, models.Playlist{
				ID:       key,
				Name:     label,
				ImageURL: track.Album.URL,
			})
			idx = len(playlists) - 1
			indexByKey[key] = idx
		}

		playlists[idx].TotalItemCount++
		if playlists[idx].ImageURL == "" && track.Album.URL != "" {
			playlists[idx].ImageURL = track.Album.URL
		}
	}

	return playlists
}

// dateBucket maps a play timestamp to its playlist id and display label.
func dateBucket(playedAtMs int64, todayKey string) (string, string) {
	if playedAtMs == 0 {
		return models.UnknownPlaylistID, unknownPlaylistName
	}
	key := time.UnixMilli(playedAtMs).Local().Format(time.DateOnly)
	if key == todayKey {
		return key, "Today"
	}
	return key, key
}

// RecentPlaylist returns the fixed aggregate playlist covering the full
// timeline, using the first available artwork.
func RecentPlaylist(tracks []models.PlaylistTrack) models.Playlist {
	playlist := models.Playlist{
		ID:             models.RecentPlaylistID,
		Name:           recentPlaylistName,
		TotalItemCount: len(tracks),
	}
	for _, track := range tracks {
		if track.Album.URL != "" {
			playlist.ImageURL = track.Album.URL
			break
		}
	}
	return playlist
}

// FilterByPlaylist returns the tracks belonging to a derived playlist.
// The aggregate playlist id and the empty id select the whole timeline;
// the unknown id selects entries without a usable timestamp; a date id
// selects the matching local calendar date.
func FilterByPlaylist(tracks []models.PlaylistTrack, playlistID string) []models.PlaylistTrack {
	if playlistID == "" || playlistID == models.RecentPlaylistID {
		return tracks
	}

	var out []models.PlaylistTrack
	for _, track := range tracks {
		if playlistID == models.UnknownPlaylistID {
			if track.PlayedAtMs == 0 {
				out = append(out, track)
			}
			continue
		}
		if track.PlayedAtMs != 0 &&
			time.UnixMilli(track.PlayedAtMs).Local().Format(time.DateOnly) == playlistID {
			out = append(out, track)
		}
	}
	return out
}
