// Budsync - Airbuds Listening History Sync and Cache Engine
// Copyright 2026 the Budsync contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/budsync/budsync

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/goccy/go-json"

	"github.com/budsync/budsync/internal/logging"
)

// tokenFileName is the auth document inside the data directory.
const tokenFileName = "auth.json"

// tokenDocument is the on-disk schema of the auth file.
type tokenDocument struct {
	RefreshToken string `json:"refreshToken"`
}

// TokenStore persists the long-lived Airbuds refresh token. It is the
// only component that writes the token; everything else reads through it.
// Safe for concurrent use.
type TokenStore struct {
	path string

	mu     sync.RWMutex
	loaded bool
	token  string
}

// NewTokenStore creates a token store backed by <dataDir>/auth.json.
// The file is read lazily on first access.
func NewTokenStore(dataDir string) *TokenStore {
	return &TokenStore{path: filepath.Join(dataDir, tokenFileName)}
}

// HasRefreshToken reports whether a non-empty refresh token is stored.
func (s *TokenStore) HasRefreshToken() bool {
	return s.GetRefreshToken() != ""
}

// GetRefreshToken returns the stored refresh token, or "" when absent.
// A missing or unreadable auth file is treated as "not logged in".
func (s *TokenStore) GetRefreshToken() string {
	s.mu.RLock()
	if s.loaded {
		token := s.token
		s.mu.RUnlock()
		return token
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.loaded {
		s.token = s.readToken()
		s.loaded = true
	}
	return s.token
}

// SetRefreshToken persists a new refresh token atomically.
func (s *TokenStore) SetRefreshToken(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writeToken(token); err != nil {
		return err
	}
	s.token = token
	s.loaded = true
	return nil
}

// ClearRefreshToken removes the stored refresh token.
func (s *TokenStore) ClearRefreshToken() error {
	return s.SetRefreshToken("")
}

func (s *TokenStore) readToken() string {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			logging.Warn().Err(err).Str("path", s.path).Msg("Failed to read auth file")
		}
		return ""
	}

	var doc tokenDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		logging.Warn().Err(err).Str("path", s.path).Msg("Auth file is invalid")
		return ""
	}
	return doc.RefreshToken
}

// writeToken writes the auth document via temp-file-and-rename so a crash
// mid-write never leaves a torn file. Must be called with mu held.
func (s *TokenStore) writeToken(token string) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	data, err := json.Marshal(tokenDocument{RefreshToken: token})
	if err != nil {
		return fmt.Errorf("failed to encode auth file: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write auth file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace auth file: %w", err)
	}
	return nil
}
