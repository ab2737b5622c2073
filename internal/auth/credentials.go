// Budsync - Airbuds Listening History Sync and Cache Engine
// Copyright 2026 the Budsync contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/budsync/budsync

// Package auth manages Airbuds credentials: refreshing the short-lived
// access token from the stored refresh token and extracting the account
// identifier from the token claims.
package auth

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"

	"github.com/budsync/budsync/internal/config"
	"github.com/budsync/budsync/internal/logging"
	"github.com/budsync/budsync/internal/metrics"
	"github.com/budsync/budsync/internal/models"
	"github.com/budsync/budsync/internal/models/graph"
)

// ErrNoRefreshToken is returned when no refresh token is stored, meaning
// the user has never logged in (or has logged out).
var ErrNoRefreshToken = errors.New("no refresh token stored")

// expiryMargin is subtracted from the token lifetime so a token that is
// about to expire is refreshed rather than used for an upstream call.
const expiryMargin = 30 * time.Second

// TokenSource provides the stored refresh token.
type TokenSource interface {
	GetRefreshToken() string
}

// CredentialManager owns the in-memory access token and its expiry
// tracking. Safe for concurrent use.
type CredentialManager struct {
	cfg    config.AirbudsConfig
	tokens TokenSource
	client *http.Client
	now    func() time.Time

	mu          sync.Mutex
	accessToken string
	userID      string
	expiresAt   time.Time // zero means expiry unknown
}

// NewCredentialManager creates a credential manager reading refresh
// tokens from tokens and refreshing against cfg.RefreshURL.
func NewCredentialManager(cfg config.AirbudsConfig, tokens TokenSource) *CredentialManager {
	return &CredentialManager{
		cfg:    cfg,
		tokens: tokens,
		client: &http.Client{Timeout: cfg.HTTPTimeout},
		now:    time.Now,
	}
}

// Credentials returns a valid access token and the account's user ID,
// refreshing first when the current token is missing, expired, or has
// unknown expiry. Returns ErrNoRefreshToken when no refresh token is
// stored.
func (m *CredentialManager) Credentials(ctx context.Context) (models.Credentials, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.tokenValidLocked() {
		return models.Credentials{AccessToken: m.accessToken, UserID: m.userID}, nil
	}
	if err := m.refreshLocked(ctx); err != nil {
		return models.Credentials{}, err
	}
	return models.Credentials{AccessToken: m.accessToken, UserID: m.userID}, nil
}

// Refresh forces a token refresh regardless of the current token state.
func (m *CredentialManager) Refresh(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refreshLocked(ctx)
}

// UserID returns the account identifier of the current token, or ""
// when no token has been obtained yet.
func (m *CredentialManager) UserID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.userID
}

// Reset discards the in-memory access token, user ID, and expiry
// tracking. The stored refresh token is not touched.
func (m *CredentialManager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accessToken = ""
	m.userID = ""
	m.expiresAt = time.Time{}
}

// tokenValidLocked reports whether the current access token can still be
// used. Unknown expiry counts as invalid so the token is re-refreshed
// rather than trusted. Must be called with mu held.
func (m *CredentialManager) tokenValidLocked() bool {
	if m.accessToken == "" || m.expiresAt.IsZero() {
		return false
	}
	return m.now().Add(expiryMargin).Before(m.expiresAt)
}

func (m *CredentialManager) refreshLocked(ctx context.Context) error {
	refreshToken := m.tokens.GetRefreshToken()
	if refreshToken == "" {
		return ErrNoRefreshToken
	}

	body, err := json.Marshal(graph.RefreshRequest{RefreshToken: refreshToken})
	if err != nil {
		return fmt.Errorf("failed to encode refresh request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.RefreshURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", m.cfg.UserAgent)

	resp, err := m.client.Do(req)
	if err != nil {
		metrics.TokenRefreshes.WithLabelValues("failure").Inc()
		return fmt.Errorf("token refresh request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		metrics.TokenRefreshes.WithLabelValues("failure").Inc()
		return fmt.Errorf("failed to read refresh response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		metrics.TokenRefreshes.WithLabelValues("failure").Inc()
		return fmt.Errorf("token refresh returned status %d", resp.StatusCode)
	}

	var refreshResp graph.RefreshResponse
	if err := json.Unmarshal(data, &refreshResp); err != nil {
		metrics.TokenRefreshes.WithLabelValues("failure").Inc()
		return fmt.Errorf("failed to decode refresh response: %w", err)
	}
	if refreshResp.AccessToken == "" {
		metrics.TokenRefreshes.WithLabelValues("failure").Inc()
		return fmt.Errorf("token refresh response missing accessToken")
	}

	// Prefer the server-declared account id, falling back to the token
	// claims. An account id that resolves empty is a hard failure so no
	// caller ever operates on an anonymous credential.
	userID := refreshResp.UserID
	if userID == "" {
		userID = UserIDFromToken(refreshResp.AccessToken)
	}
	if userID == "" {
		metrics.TokenRefreshes.WithLabelValues("failure").Inc()
		return fmt.Errorf("could not resolve account id from refresh response")
	}

	m.accessToken = refreshResp.AccessToken
	m.expiresAt = parseExpiry(refreshResp.Expires)
	m.userID = userID

	metrics.TokenRefreshes.WithLabelValues("success").Inc()
	logging.Debug().
		Str("user_id", m.userID).
		Time("expires_at", m.expiresAt).
		Msg("Access token refreshed")
	return nil
}

// parseExpiry parses the optional ISO-8601 expiry. An absent or
// unparseable value yields the zero time, so the token is refreshed on
// every use instead of trusted past its real lifetime.
func parseExpiry(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		logging.Warn().Str("expires", value).Msg("Unparseable token expiry; treating as unknown")
		return time.Time{}
	}
	return t
}

// UserIDFromToken extracts the account identifier from an access token
// without verifying the signature. The "usr" claim is preferred, falling
// back to the standard "sub" claim. Malformed tokens yield "".
func UserIDFromToken(tokenString string) string {
	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(tokenString, claims); err != nil {
		return ""
	}
	if usr, ok := claims["usr"].(string); ok && usr != "" {
		return usr
	}
	if sub, ok := claims["sub"].(string); ok {
		return sub
	}
	return ""
}
