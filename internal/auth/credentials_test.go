// Budsync - Airbuds Listening History Sync and Cache Engine
// Copyright 2026 the Budsync contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/budsync/budsync

package auth

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/budsync/budsync/internal/config"
)

type staticTokens struct {
	token string
}

func (s staticTokens) GetRefreshToken() string { return s.token }

// makeToken builds an unsigned JWT carrying the given claims.
func makeToken(t *testing.T, claims map[string]any) string {
	t.Helper()
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none","typ":"JWT"}`))
	payload, err := json.Marshal(claims)
	if err != nil {
		t.Fatal(err)
	}
	return header + "." + base64.RawURLEncoding.EncodeToString(payload) + "."
}

func newRefreshServer(t *testing.T, calls *atomic.Int64, response map[string]any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls != nil {
			calls.Add(1)
		}
		if r.Method != http.MethodPost {
			t.Errorf("refresh method = %s, want POST", r.Method)
		}
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("failed to decode refresh body: %v", err)
		}
		if body["refreshToken"] == "" {
			t.Error("refresh body missing refreshToken")
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testAirbudsConfig(refreshURL string) config.AirbudsConfig {
	return config.AirbudsConfig{
		RefreshURL:  refreshURL,
		UserAgent:   "budsync-test/1",
		HTTPTimeout: 5 * time.Second,
	}
}

func TestCredentialsRefreshesAndExtractsUserID(t *testing.T) {
	t.Parallel()

	token := makeToken(t, map[string]any{"usr": "user-42", "sub": "ignored"})
	srv := newRefreshServer(t, nil, map[string]any{
		"accessToken": token,
		"expires":     time.Now().Add(time.Hour).Format(time.RFC3339),
	})

	m := NewCredentialManager(testAirbudsConfig(srv.URL), staticTokens{token: "rt-1"})
	creds, err := m.Credentials(context.Background())
	if err != nil {
		t.Fatalf("Credentials failed: %v", err)
	}
	if creds.AccessToken != token {
		t.Errorf("access token = %q, want fetched token", creds.AccessToken)
	}
	if creds.UserID != "user-42" {
		t.Errorf("user id = %q, want user-42 from usr claim", creds.UserID)
	}
}

func TestCredentialsReusesValidToken(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	token := makeToken(t, map[string]any{"sub": "user-7"})
	srv := newRefreshServer(t, &calls, map[string]any{
		"accessToken": token,
		"expires":     time.Now().Add(time.Hour).Format(time.RFC3339),
	})

	m := NewCredentialManager(testAirbudsConfig(srv.URL), staticTokens{token: "rt-1"})
	for i := 0; i < 3; i++ {
		creds, err := m.Credentials(context.Background())
		if err != nil {
			t.Fatalf("Credentials failed: %v", err)
		}
		if creds.UserID != "user-7" {
			t.Errorf("user id = %q, want user-7 from sub claim", creds.UserID)
		}
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("refresh calls = %d, want 1 for a still-valid token", got)
	}
}

func TestCredentialsUnknownExpiryRefreshesEveryTime(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	srv := newRefreshServer(t, &calls, map[string]any{
		"accessToken": makeToken(t, map[string]any{"usr": "u"}),
		"expires":     "not-a-timestamp",
	})

	m := NewCredentialManager(testAirbudsConfig(srv.URL), staticTokens{token: "rt-1"})
	for i := 0; i < 2; i++ {
		if _, err := m.Credentials(context.Background()); err != nil {
			t.Fatalf("Credentials failed: %v", err)
		}
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("refresh calls = %d, want 2 when expiry is unknown", got)
	}
}

func TestCredentialsExpiryMargin(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	srv := newRefreshServer(t, &calls, map[string]any{
		"accessToken": makeToken(t, map[string]any{"usr": "u"}),
		// Expires within the safety margin, so each call refreshes.
		"expires": time.Now().Add(10 * time.Second).Format(time.RFC3339),
	})

	m := NewCredentialManager(testAirbudsConfig(srv.URL), staticTokens{token: "rt-1"})
	for i := 0; i < 2; i++ {
		if _, err := m.Credentials(context.Background()); err != nil {
			t.Fatalf("Credentials failed: %v", err)
		}
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("refresh calls = %d, want 2 for token inside expiry margin", got)
	}
}

func TestCredentialsPrefersServerUserID(t *testing.T) {
	t.Parallel()

	srv := newRefreshServer(t, nil, map[string]any{
		"accessToken": makeToken(t, map[string]any{"usr": "claim-id"}),
		"expires":     time.Now().Add(time.Hour).Format(time.RFC3339),
		"userId":      "server-id",
	})
	m := NewCredentialManager(testAirbudsConfig(srv.URL), staticTokens{token: "rt-1"})
	creds, err := m.Credentials(context.Background())
	if err != nil {
		t.Fatalf("Credentials failed: %v", err)
	}
	if creds.UserID != "server-id" {
		t.Errorf("user id = %q, want the server-declared id", creds.UserID)
	}
}

func TestCredentialsUnresolvableUserID(t *testing.T) {
	t.Parallel()

	srv := newRefreshServer(t, nil, map[string]any{
		"accessToken": makeToken(t, map[string]any{"aud": "nothing-useful"}),
		"expires":     time.Now().Add(time.Hour).Format(time.RFC3339),
	})
	m := NewCredentialManager(testAirbudsConfig(srv.URL), staticTokens{token: "rt-1"})
	if _, err := m.Credentials(context.Background()); err == nil {
		t.Error("expected error when no account id can be resolved")
	}
}

func TestCredentialsNoRefreshToken(t *testing.T) {
	t.Parallel()

	m := NewCredentialManager(testAirbudsConfig("http://127.0.0.1:0"), staticTokens{})
	_, err := m.Credentials(context.Background())
	if !errors.Is(err, ErrNoRefreshToken) {
		t.Errorf("err = %v, want ErrNoRefreshToken", err)
	}
}

func TestCredentialsMissingAccessToken(t *testing.T) {
	t.Parallel()

	srv := newRefreshServer(t, nil, map[string]any{"expires": "2030-01-01T00:00:00Z"})
	m := NewCredentialManager(testAirbudsConfig(srv.URL), staticTokens{token: "rt-1"})
	if _, err := m.Credentials(context.Background()); err == nil {
		t.Error("expected error for response without accessToken")
	}
}

func TestCredentialsRefreshHTTPError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)

	m := NewCredentialManager(testAirbudsConfig(srv.URL), staticTokens{token: "rt-expired"})
	if _, err := m.Credentials(context.Background()); err == nil {
		t.Error("expected error for non-200 refresh response")
	}
}

func TestReset(t *testing.T) {
	t.Parallel()

	srv := newRefreshServer(t, nil, map[string]any{
		"accessToken": makeToken(t, map[string]any{"usr": "user-9"}),
		"expires":     time.Now().Add(time.Hour).Format(time.RFC3339),
	})
	m := NewCredentialManager(testAirbudsConfig(srv.URL), staticTokens{token: "rt-1"})
	if _, err := m.Credentials(context.Background()); err != nil {
		t.Fatal(err)
	}
	if m.UserID() != "user-9" {
		t.Fatalf("user id = %q before reset", m.UserID())
	}

	m.Reset()
	if m.UserID() != "" {
		t.Error("user id should be cleared after reset")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.accessToken != "" || !m.expiresAt.IsZero() {
		t.Error("token state should be cleared after reset")
	}
}

func TestUserIDFromToken(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		token string
		want  string
	}{
		{"usr claim wins", makeToken(t, map[string]any{"usr": "a", "sub": "b"}), "a"},
		{"sub fallback", makeToken(t, map[string]any{"sub": "b"}), "b"},
		{"no claims", makeToken(t, map[string]any{"aud": "x"}), ""},
		{"not a jwt", "garbage", ""},
		{"bad payload", "eyJhbGciOiJub25lIn0.%%%%.", ""},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := UserIDFromToken(tt.token); got != tt.want {
				t.Errorf("UserIDFromToken = %q, want %q", got, tt.want)
			}
		})
	}
}
