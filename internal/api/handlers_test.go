// Budsync - Airbuds Listening History Sync and Cache Engine
// Copyright 2026 the Budsync contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/budsync/budsync

package api

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/budsync/budsync/internal/auth"
	"github.com/budsync/budsync/internal/config"
	"github.com/budsync/budsync/internal/history"
	"github.com/budsync/budsync/internal/models"
	"github.com/budsync/budsync/internal/models/graph"
	"github.com/budsync/budsync/internal/sync"
)

type fakeCreds struct {
	creds models.Credentials
	err   error
}

func (f *fakeCreds) Credentials(context.Context) (models.Credentials, error) {
	return f.creds, f.err
}

func (f *fakeCreds) Reset() {}

func (f *fakeCreds) UserID() string { return f.creds.UserID }

type fakeAPI struct {
	page    *graph.RecentlyPlayed
	friends *graph.FriendList
	err     error
	failing atomic.Bool
}

func (f *fakeAPI) currentErr() error {
	if f.failing.Load() {
		return fmt.Errorf("upstream down")
	}
	return f.err
}

func (f *fakeAPI) RecentlyPlayed(context.Context, string, string, string, int) (*graph.RecentlyPlayed, error) {
	if err := f.currentErr(); err != nil {
		return nil, err
	}
	return f.page, nil
}

func (f *fakeAPI) FriendList(context.Context, string) (*graph.FriendList, error) {
	if err := f.currentErr(); err != nil {
		return nil, err
	}
	return f.friends, nil
}

func pageOf(ids ...string) *graph.RecentlyPlayed {
	page := &graph.RecentlyPlayed{}
	base := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	for i, id := range ids {
		played := base.Add(-time.Duration(i) * time.Minute)
		page.Items = append(page.Items, graph.ActivityItem{
			ID:          "act-" + id,
			PlayedAtMax: played.Format(time.RFC3339Nano),
			Object: &graph.MusicObject{Openable: &graph.Openable{
				ID:         id,
				Name:       "Track " + id,
				ArtistName: "Artist " + id,
			}},
		})
	}
	return page
}

type testEnv struct {
	server  *httptest.Server
	tokens  *config.TokenStore
	api     *fakeAPI
	dataDir string
}

func newTestEnv(t *testing.T, api *fakeAPI, creds sync.CredentialSource) *testEnv {
	t.Helper()

	dataDir := t.TempDir()
	store := history.NewCacheStore(dataDir)
	engine := sync.NewEngine(api, creds, store, 30)
	tokens := config.NewTokenStore(dataDir)

	handler := NewHandler(engine, nil, tokens, "test")
	router := NewRouter(handler, config.ServerConfig{
		RateLimitReqs:   1000,
		RateLimitWindow: time.Minute,
	})

	srv := httptest.NewServer(router.Setup())
	t.Cleanup(srv.Close)

	return &testEnv{server: srv, tokens: tokens, api: api, dataDir: dataDir}
}

func (e *testEnv) get(t *testing.T, path string) (*http.Response, APIResponse) {
	t.Helper()
	resp, err := http.Get(e.server.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return resp, decodeEnvelope(t, resp)
}

func (e *testEnv) do(t *testing.T, method, path string, body []byte) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, e.server.URL+path, bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func decodeEnvelope(t *testing.T, resp *http.Response) APIResponse {
	t.Helper()
	defer resp.Body.Close()
	var envelope APIResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	return envelope
}

func dataAs(t *testing.T, envelope APIResponse, out interface{}) {
	t.Helper()
	raw, err := json.Marshal(envelope.Data)
	if err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		t.Fatalf("decode data: %v", err)
	}
}

func TestHealthEndpoint(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, &fakeAPI{page: pageOf()}, &fakeCreds{creds: models.Credentials{AccessToken: "tok", UserID: "self"}})

	resp, envelope := env.get(t, "/healthz")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if !envelope.Success {
		t.Fatal("expected success envelope")
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Fatal("expected X-Request-ID header")
	}
}

func TestHistoryEndpointSyncs(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, &fakeAPI{page: pageOf("a", "b")}, &fakeCreds{creds: models.Credentials{AccessToken: "tok", UserID: "self"}})

	resp, envelope := env.get(t, "/api/v1/history")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var body HistoryResponse
	dataAs(t, envelope, &body)
	if body.Count != 2 || len(body.Tracks) != 2 {
		t.Fatalf("expected 2 tracks, got %+v", body)
	}
	if body.Tracks[0].ID != "a" || body.Tracks[1].ID != "b" {
		t.Fatalf("unexpected track order: %+v", body.Tracks)
	}
	if body.Warning != "" {
		t.Fatalf("unexpected warning: %q", body.Warning)
	}
}

func TestHistoryEndpointNoTokenIsUnauthorized(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, &fakeAPI{}, &fakeCreds{err: auth.ErrNoRefreshToken})

	resp, envelope := env.get(t, "/api/v1/history")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	if envelope.Success || envelope.Error == nil {
		t.Fatalf("expected error envelope, got %+v", envelope)
	}
	if envelope.Error.Code != ErrCodeUnauthorized {
		t.Fatalf("expected %s, got %s", ErrCodeUnauthorized, envelope.Error.Code)
	}
}

func TestHistoryEndpointUpstreamFailureIsBadGateway(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, &fakeAPI{err: fmt.Errorf("upstream down")}, &fakeCreds{creds: models.Credentials{AccessToken: "tok", UserID: "self"}})

	resp, envelope := env.get(t, "/api/v1/history")
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", resp.StatusCode)
	}
	if envelope.Error.Code != ErrCodeExternalServiceFail {
		t.Fatalf("unexpected error code %s", envelope.Error.Code)
	}
}

func TestHistoryEndpointFallsBackToCache(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, &fakeAPI{page: pageOf("a")}, &fakeCreds{creds: models.Credentials{AccessToken: "tok", UserID: "self"}})

	// First sync persists the cache, then the upstream fails.
	if resp, _ := env.get(t, "/api/v1/history"); resp.StatusCode != http.StatusOK {
		t.Fatalf("seed sync failed: %d", resp.StatusCode)
	}
	env.api.failing.Store(true)

	resp, envelope := env.get(t, "/api/v1/history")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 fallback, got %d", resp.StatusCode)
	}

	var body HistoryResponse
	dataAs(t, envelope, &body)
	if body.Warning == "" {
		t.Fatal("expected fallback warning")
	}
	if len(body.Tracks) != 1 || body.Tracks[0].ID != "a" {
		t.Fatalf("expected cached track, got %+v", body.Tracks)
	}
}

func TestHistoryCachedEndpointDoesNotSync(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{err: fmt.Errorf("must not be called")}
	env := newTestEnv(t, api, &fakeCreds{err: fmt.Errorf("must not be called")})

	resp, envelope := env.get(t, "/api/v1/history/cached")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var body HistoryResponse
	dataAs(t, envelope, &body)
	if body.Count != 0 || body.Tracks == nil {
		t.Fatalf("expected empty track list, got %+v", body)
	}
}

func TestPlaylistsEndpoint(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, &fakeAPI{page: pageOf("a", "b")}, &fakeCreds{creds: models.Credentials{AccessToken: "tok", UserID: "self"}})

	resp, envelope := env.get(t, "/api/v1/playlists")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var body PlaylistsResponse
	dataAs(t, envelope, &body)
	if len(body.Playlists) == 0 {
		t.Fatal("expected playlists")
	}
	if body.Playlists[0].ID != models.RecentPlaylistID {
		t.Fatalf("expected aggregate playlist first, got %q", body.Playlists[0].ID)
	}
}

func TestPlaylistTracksEndpoint(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, &fakeAPI{page: pageOf("a", "b")}, &fakeCreds{creds: models.Credentials{AccessToken: "tok", UserID: "self"}})

	if resp, _ := env.get(t, "/api/v1/history"); resp.StatusCode != http.StatusOK {
		t.Fatal("seed sync failed")
	}

	resp, envelope := env.get(t, "/api/v1/playlists/"+models.RecentPlaylistID+"/tracks")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var body HistoryResponse
	dataAs(t, envelope, &body)
	if body.Count != 2 {
		t.Fatalf("expected 2 tracks, got %d", body.Count)
	}
}

func TestFriendsEndpoint(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{friends: &graph.FriendList{Items: []graph.Friendship{
		{WithUserID: "u1", Status: graph.StatusAcknowledged, WithUser: &graph.FriendUser{ID: "u1", Identifier: "zoe"}},
		{WithUserID: "u2", Status: "PENDING", WithUser: &graph.FriendUser{ID: "u2", Identifier: "amy"}},
	}}}
	env := newTestEnv(t, api, &fakeCreds{creds: models.Credentials{AccessToken: "tok", UserID: "self"}})

	resp, envelope := env.get(t, "/api/v1/friends")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var body FriendsResponse
	dataAs(t, envelope, &body)
	if body.Count != 1 || body.Friends[0].ID != "u1" {
		t.Fatalf("expected only acknowledged friend, got %+v", body)
	}
}

func TestStatusEndpoint(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, &fakeAPI{page: pageOf()}, &fakeCreds{creds: models.Credentials{AccessToken: "tok", UserID: "self"}})

	resp, envelope := env.get(t, "/api/v1/status")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var body StatusResponse
	dataAs(t, envelope, &body)
	if body.Version != "test" {
		t.Fatalf("unexpected version %q", body.Version)
	}
	if body.HasRefreshToken {
		t.Fatal("expected no refresh token")
	}
	if body.SyncRunning {
		t.Fatal("no manager configured, sync must not be running")
	}
}

func TestTriggerSyncEndpoint(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, &fakeAPI{page: pageOf("a")}, &fakeCreds{creds: models.Credentials{AccessToken: "tok", UserID: "self"}})

	resp := env.do(t, http.MethodPost, "/api/v1/sync", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var body HistoryResponse
	dataAs(t, decodeEnvelope(t, resp), &body)
	if body.Count != 1 {
		t.Fatalf("expected 1 track, got %d", body.Count)
	}
}

func TestSetTokenEndpoint(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, &fakeAPI{page: pageOf()}, &fakeCreds{creds: models.Credentials{AccessToken: "tok", UserID: "self"}})

	body, _ := json.Marshal(SetTokenRequest{RefreshToken: "a-long-refresh-token"})
	resp := env.do(t, http.MethodPut, "/api/v1/auth/token", body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
	if got := env.tokens.GetRefreshToken(); got != "a-long-refresh-token" {
		t.Fatalf("token not persisted, got %q", got)
	}
}

func TestSetTokenEndpointValidation(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, &fakeAPI{page: pageOf()}, &fakeCreds{creds: models.Credentials{AccessToken: "tok", UserID: "self"}})

	cases := []struct {
		name string
		body string
	}{
		{"empty body", `{}`},
		{"short token", `{"refreshToken":"short"}`},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			resp := env.do(t, http.MethodPut, "/api/v1/auth/token", []byte(tc.body))
			envelope := decodeEnvelope(t, resp)
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", resp.StatusCode)
			}
			if envelope.Error.Code != ErrCodeValidationFailed {
				t.Fatalf("expected validation error, got %s", envelope.Error.Code)
			}
		})
	}
}

func TestSetTokenEndpointMalformedJSON(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, &fakeAPI{page: pageOf()}, &fakeCreds{creds: models.Credentials{AccessToken: "tok", UserID: "self"}})

	resp := env.do(t, http.MethodPut, "/api/v1/auth/token", []byte(`{not json`))
	envelope := decodeEnvelope(t, resp)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	if envelope.Error.Code != ErrCodeBadRequest {
		t.Fatalf("expected %s, got %s", ErrCodeBadRequest, envelope.Error.Code)
	}
}

func TestClearTokenEndpoint(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, &fakeAPI{page: pageOf()}, &fakeCreds{creds: models.Credentials{AccessToken: "tok", UserID: "self"}})

	if err := env.tokens.SetRefreshToken("a-long-refresh-token"); err != nil {
		t.Fatal(err)
	}

	resp := env.do(t, http.MethodDelete, "/api/v1/auth/token", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
	if env.tokens.HasRefreshToken() {
		t.Fatal("token not cleared")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, &fakeAPI{page: pageOf()}, &fakeCreds{creds: models.Credentials{AccessToken: "tok", UserID: "self"}})

	resp, err := http.Get(env.server.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}
