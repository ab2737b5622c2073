// Budsync - Airbuds Listening History Sync and Cache Engine
// Copyright 2026 the Budsync contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/budsync/budsync

package api

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/budsync/budsync/internal/auth"
	"github.com/budsync/budsync/internal/config"
	"github.com/budsync/budsync/internal/logging"
	"github.com/budsync/budsync/internal/models"
	"github.com/budsync/budsync/internal/sync"
	"github.com/budsync/budsync/internal/validation"
)

const maxRequestBody = 1 << 20

// Handler serves the Budsync HTTP API over the sync engine.
type Handler struct {
	engine  *sync.Engine
	manager *sync.Manager
	tokens  *config.TokenStore
	version string
	started time.Time
}

// NewHandler creates the API handler. manager may be nil when periodic
// sync is disabled; TriggerSync then runs directly on the engine.
func NewHandler(engine *sync.Engine, manager *sync.Manager, tokens *config.TokenStore, version string) *Handler {
	return &Handler{
		engine:  engine,
		manager: manager,
		tokens:  tokens,
		version: version,
		started: time.Now(),
	}
}

// HistoryResponse is the payload for history endpoints.
type HistoryResponse struct {
	Tracks  []models.PlaylistTrack `json:"tracks"`
	Count   int                    `json:"count"`
	Warning string                 `json:"warning,omitempty"`
}

// PlaylistsResponse is the payload for playlist listing endpoints.
type PlaylistsResponse struct {
	Playlists []models.Playlist `json:"playlists"`
	Warning   string            `json:"warning,omitempty"`
}

// FriendsResponse is the payload for the friends endpoint.
type FriendsResponse struct {
	Friends []models.Friend `json:"friends"`
	Count   int             `json:"count"`
}

// StatusResponse describes the current engine and manager state.
type StatusResponse struct {
	Version         string    `json:"version"`
	UptimeSeconds   int64     `json:"uptime_seconds"`
	SyncRunning     bool      `json:"sync_running"`
	LastSync        time.Time `json:"last_sync,omitempty"`
	LastSyncError   string    `json:"last_sync_error,omitempty"`
	Warning         string    `json:"warning,omitempty"`
	HasRefreshToken bool      `json:"has_refresh_token"`
}

// SetTokenRequest is the body for PUT /api/v1/auth/token.
type SetTokenRequest struct {
	RefreshToken string `json:"refreshToken" validate:"required,min=8"`
}

// Health handles GET /healthz.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	NewResponseWriter(w, r).Success(map[string]string{
		"status":  "ok",
		"version": h.version,
	})
}

// History handles GET /api/v1/history. It syncs the requested account
// against the upstream service and returns the merged timeline. The
// optional user query parameter selects a friend account; empty means
// the authenticated account.
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	userID := r.URL.Query().Get("user")

	result, err := h.engine.SyncUser(r.Context(), userID)
	if err != nil {
		h.writeSyncError(rw, err)
		return
	}

	rw.Success(HistoryResponse{
		Tracks:  emptyIfNil(result.Tracks),
		Count:   len(result.Tracks),
		Warning: result.Warning,
	})
}

// HistoryCached handles GET /api/v1/history/cached. It never contacts
// the upstream service.
func (h *Handler) HistoryCached(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user")
	tracks := h.engine.CachedUser(userID)

	NewResponseWriter(w, r).Success(HistoryResponse{
		Tracks:  emptyIfNil(tracks),
		Count:   len(tracks),
		Warning: h.engine.LastWarning(),
	})
}

// Playlists handles GET /api/v1/playlists. With cached=true the
// playlists are derived from the cache without a sync pass.
func (h *Handler) Playlists(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	userID := r.URL.Query().Get("user")

	if r.URL.Query().Get("cached") == "true" {
		rw.Success(PlaylistsResponse{
			Playlists: emptyIfNil(h.engine.CachedPlaylists(userID)),
			Warning:   h.engine.LastWarning(),
		})
		return
	}

	playlists, result, err := h.engine.Playlists(r.Context(), userID)
	if err != nil {
		h.writeSyncError(rw, err)
		return
	}

	rw.Success(PlaylistsResponse{
		Playlists: emptyIfNil(playlists),
		Warning:   result.Warning,
	})
}

// PlaylistTracks handles GET /api/v1/playlists/{id}/tracks. Unknown
// playlist ids yield an empty track list rather than an error; derived
// playlist ids are not stable resources.
func (h *Handler) PlaylistTracks(w http.ResponseWriter, r *http.Request) {
	playlistID := chi.URLParam(r, "id")
	userID := r.URL.Query().Get("user")

	tracks := h.engine.PlaylistTracks(userID, playlistID)

	NewResponseWriter(w, r).Success(HistoryResponse{
		Tracks: emptyIfNil(tracks),
		Count:  len(tracks),
	})
}

// Friends handles GET /api/v1/friends.
func (h *Handler) Friends(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	friends, err := h.engine.Friends(r.Context())
	if err != nil {
		h.writeSyncError(rw, err)
		return
	}

	rw.Success(FriendsResponse{
		Friends: emptyIfNil(friends),
		Count:   len(friends),
	})
}

// Status handles GET /api/v1/status.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		Version:         h.version,
		UptimeSeconds:   int64(time.Since(h.started).Seconds()),
		Warning:         h.engine.LastWarning(),
		HasRefreshToken: h.tokens.HasRefreshToken(),
	}

	if h.manager != nil {
		lastSync, lastErr, running := h.manager.Status()
		resp.SyncRunning = running
		resp.LastSync = lastSync
		if lastErr != nil {
			resp.LastSyncError = lastErr.Error()
		}
	}

	NewResponseWriter(w, r).Success(resp)
}

// TriggerSync handles POST /api/v1/sync. It runs one sync pass for the
// authenticated account, serialized against the periodic loop.
func (h *Handler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	var (
		result sync.Result
		err    error
	)
	if h.manager != nil {
		result, err = h.manager.TriggerSync(r.Context())
	} else {
		result, err = h.engine.Sync(r.Context())
	}
	if err != nil {
		h.writeSyncError(rw, err)
		return
	}

	rw.Success(HistoryResponse{
		Tracks:  emptyIfNil(result.Tracks),
		Count:   len(result.Tracks),
		Warning: result.Warning,
	})
}

// SetToken handles PUT /api/v1/auth/token. Storing a new refresh token
// invalidates any cached credentials so the next sync uses it.
func (h *Handler) SetToken(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	var req SetTokenRequest
	body := io.LimitReader(r.Body, maxRequestBody)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		rw.BadRequest("request body must be valid JSON")
		return
	}

	if verr := validation.ValidateStruct(req); verr != nil {
		rw.ValidationError("invalid request body", verr.Fields)
		return
	}

	if err := h.tokens.SetRefreshToken(req.RefreshToken); err != nil {
		logger := logging.Ctx(r.Context())
		logger.Error().Err(err).Msg("Failed to persist refresh token")
		rw.InternalError("could not persist refresh token")
		return
	}
	h.engine.ResetCredentials()

	rw.NoContent()
}

// ClearToken handles DELETE /api/v1/auth/token.
func (h *Handler) ClearToken(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	if err := h.tokens.ClearRefreshToken(); err != nil {
		logger := logging.Ctx(r.Context())
		logger.Error().Err(err).Msg("Failed to clear refresh token")
		rw.InternalError("could not clear refresh token")
		return
	}
	h.engine.ResetCredentials()

	rw.NoContent()
}

// writeSyncError maps engine failures onto API error responses.
func (h *Handler) writeSyncError(rw *ResponseWriter, err error) {
	if errors.Is(err, auth.ErrNoRefreshToken) {
		rw.Unauthorized("refresh token not configured")
		return
	}
	rw.ExternalServiceError("airbuds", err)
}

// emptyIfNil keeps list payloads as [] instead of null in JSON.
func emptyIfNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
