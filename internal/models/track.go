// Budsync - Airbuds Listening History Sync and Cache Engine
// Copyright 2026 the Budsync contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/budsync/budsync

// Package models defines the domain value types shared across Budsync:
// tracks, playback history entries, derived playlists, friends and
// resolved credentials. All types are plain immutable values; mutation
// happens by constructing new ones.
package models

import "strings"

// Artist identifies a performing artist. ID may be empty when the artist
// was derived from a free-text artist string rather than a catalog entry.
type Artist struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name"`
}

// Album carries the lowest-resolution artwork link for a track.
type Album struct {
	URL string `json:"url,omitempty"`
}

// Track is a playable item identified by a stable upstream id.
// Equality is structural.
type Track struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Artists []Artist `json:"artists,omitempty"`
	Album   Album    `json:"album"`
}

// ParseArtistList splits a free-text artist field into individual
// artists. The upstream encodes collaborations as a comma-separated
// list; a string without commas is a single artist.
func ParseArtistList(raw string) []Artist {
	var artists []Artist
	for _, part := range strings.Split(raw, ",") {
		if name := strings.TrimSpace(part); name != "" {
			artists = append(artists, Artist{Name: name})
		}
	}
	return artists
}

// PlaylistTrack is a Track annotated with when it was played.
//
// PlayedAt preserves the upstream ISO-8601 string for fidelity and
// debugging. PlayedAtMs is the parsed epoch-millisecond value; zero means
// the timestamp is unknown or unparseable. All display, merge and sort
// logic must tolerate a zero PlayedAtMs: such entries sort after every
// timestamped entry and never cause a failure.
type PlaylistTrack struct {
	Track
	PlayedAt   string `json:"playedAt,omitempty"`
	PlayedAtMs int64  `json:"playedAtMs,omitempty"`
}

// Playlist is a synthetic playlist derived from the history timeline.
// ID is either the fixed RecentPlaylistID sentinel, a YYYY-MM-DD local
// date key, or UnknownPlaylistID for entries without a usable timestamp.
type Playlist struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	ImageURL       string `json:"imageUrl,omitempty"`
	TotalItemCount int    `json:"totalItemCount"`
}

// Playlist id sentinels used by the derived playlist builder.
const (
	// RecentPlaylistID aggregates the whole cached timeline.
	RecentPlaylistID = "airbuds-recent"
	// UnknownPlaylistID buckets entries whose play time could not be parsed.
	UnknownPlaylistID = "unknown"
)

// Friend is another account whose history can be browsed read-only.
type Friend struct {
	ID          string `json:"id"`
	Identifier  string `json:"identifier,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
}

// DisplayLabel returns the name to show for the friend, preferring the
// display name over the immutable identifier.
func (f Friend) DisplayLabel() string {
	if f.DisplayName != "" {
		return f.DisplayName
	}
	return f.Identifier
}

// Credentials is a resolved short-lived authentication state.
// UserID is never empty when Credentials is returned successfully; a
// missing or undecodable account id is a hard failure upstream.
type Credentials struct {
	AccessToken string
	UserID      string
}
