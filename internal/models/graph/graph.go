// Budsync - Airbuds Listening History Sync and Cache Engine
// Copyright 2026 the Budsync contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/budsync/budsync

// Package graph defines the wire-level request and response types for the
// Airbuds GraphQL-style activity endpoint and the companion token-refresh
// endpoint. These types mirror the upstream JSON shapes exactly; mapping
// into domain models happens in the sync engine.
package graph

// Request is the POST body sent to the GraphQL endpoint.
type Request struct {
	OperationName string     `json:"operationName"`
	Variables     Variables  `json:"variables"`
	Query         string     `json:"query"`
	Extensions    Extensions `json:"extensions"`
}

// Variables carries the operation arguments. Cursor is omitted on the
// first page of a paginated operation.
type Variables struct {
	ID     string `json:"id,omitempty"`
	Limit  int    `json:"limit,omitempty"`
	Cursor string `json:"cursor,omitempty"`
}

// Extensions identifies the client library to the upstream, matching what
// the official Airbuds app sends.
type Extensions struct {
	ClientLibrary ClientLibrary `json:"clientLibrary"`
}

// ClientLibrary is the client identification nested under extensions.
type ClientLibrary struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Response is the top-level GraphQL response envelope. A populated Errors
// slice in an HTTP 200 response is still a request failure.
type Response struct {
	Data   *Data        `json:"data"`
	Errors []GraphError `json:"errors,omitempty"`
}

// GraphError is a single entry of the GraphQL errors payload.
type GraphError struct {
	Message string `json:"message"`
}

// Data is the data section of a response. Exactly one of the fields is
// populated depending on the operation.
type Data struct {
	UserWithID *User `json:"userWithID,omitempty"`
	Me         *User `json:"me,omitempty"`
}

// User nests the per-user collections returned by the API.
type User struct {
	ID             string          `json:"id"`
	RecentlyPlayed *RecentlyPlayed `json:"recentlyPlayed,omitempty"`
	Friends        *FriendList     `json:"friends,omitempty"`
}

// RecentlyPlayed is one page of the cursor-paginated activity stream.
type RecentlyPlayed struct {
	Items    []ActivityItem `json:"items"`
	PageInfo PageInfo       `json:"pageInfo"`
}

// PageInfo drives cursor pagination. An empty or repeated EndCursor is
// treated as end-of-stream regardless of HasNextPage.
type PageInfo struct {
	HasNextPage bool   `json:"hasNextPage"`
	EndCursor   string `json:"endCursor"`
}

// ActivityItem is a single play event. PlayedAtMax is the ISO-8601 time of
// the most recent play aggregated into the item.
type ActivityItem struct {
	ID          string       `json:"id"`
	PlayedAtMax string       `json:"playedAtMax"`
	Object      *MusicObject `json:"object"`
}

// MusicObject wraps the playable entity of an activity item.
type MusicObject struct {
	Openable *Openable `json:"openable"`
}

// Openable is the provider-side track reference carrying display metadata.
// ArtistName is a free-text, possibly comma-separated artist list.
type Openable struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	ArtworkURL string `json:"artworkURL"`
	ArtistName string `json:"artistName"`
}

// FriendList is the friends collection of the FriendList operation.
type FriendList struct {
	Items []Friendship `json:"items"`
}

// Friendship is one edge of the friend graph. Only entries with status
// "ACKNOWLEDGED" represent accepted friendships.
type Friendship struct {
	ID         string      `json:"id"`
	WithUserID string      `json:"withUserId"`
	Status     string      `json:"status"`
	WithUser   *FriendUser `json:"withUser,omitempty"`
}

// StatusAcknowledged is the friendship status of an accepted friend.
const StatusAcknowledged = "ACKNOWLEDGED"

// FriendUser carries the display fields of a friend account.
type FriendUser struct {
	ID          string `json:"id"`
	Identifier  string `json:"identifier"`
	DisplayName string `json:"displayName"`
}

// RefreshRequest is the POST body of the token-refresh endpoint.
type RefreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// RefreshResponse is the token-refresh response. AccessToken is required;
// Expires is an optional ISO-8601 timestamp. UserID is populated by some
// server versions and preferred over the token claims when resolving the
// account id.
type RefreshResponse struct {
	AccessToken string `json:"accessToken"`
	Expires     string `json:"expires,omitempty"`
	UserID      string `json:"userId,omitempty"`
}
