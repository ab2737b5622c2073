// Budsync - Airbuds Listening History Sync and Cache Engine
// Copyright 2026 the Budsync contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/budsync/budsync

// Package main is the entry point for the budsync binary.
//
// Budsync synchronizes Airbuds listening history into per-account local
// JSON caches. It runs either as one-shot CLI commands (sync, history,
// playlists, friends, set-token, clear-token) or as a daemon (serve)
// exposing the HTTP API with a periodic sync loop.
//
// Configuration is loaded via Koanf v2 with layered sources (highest
// priority wins): environment variables, optional YAML config file,
// built-in defaults. See internal/config for the full surface.
package main

import (
	"github.com/budsync/budsync/internal/cli"
)

func main() {
	cli.Execute()
}
