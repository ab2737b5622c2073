// Budsync - Airbuds Listening History Sync and Cache Engine
// Copyright 2026 the Budsync contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/budsync/budsync

// Package cli implements the budsync command-line interface.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/budsync/budsync/internal/auth"
	"github.com/budsync/budsync/internal/config"
	"github.com/budsync/budsync/internal/history"
	"github.com/budsync/budsync/internal/logging"
	"github.com/budsync/budsync/internal/sync"
)

// Version is set at build time via -ldflags.
var Version = "dev"

// Global flags
var (
	configPath string
	jsonOutput bool
	userFlag   string
)

// rootCmd is the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:     "budsync",
	Short:   "Airbuds listening history sync and cache engine",
	Long:    `Budsync pulls Airbuds listening history into per-account local caches, derives day playlists from the timeline, and serves both over an HTTP API.`,
	Version: Version,
	// Logging must be initialized after flags are parsed but before
	// any subcommand runs.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if configPath != "" {
			if err := os.Setenv(config.ConfigPathEnvVar, configPath); err != nil {
				return err
			}
		}
		return nil
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and runs it.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config file")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Emit raw JSON instead of text")
}

// app bundles the wired components behind the CLI commands.
type app struct {
	cfg    *config.Config
	tokens *config.TokenStore
	engine *sync.Engine
}

// buildApp loads configuration, initializes logging and wires the sync
// engine with its credential manager and circuit-breaking client.
func buildApp() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})

	tokens := config.NewTokenStore(cfg.Storage.DataDir)
	creds := auth.NewCredentialManager(cfg.Airbuds, tokens)
	client := sync.NewBreakerClient(cfg.Airbuds)
	store := history.NewCacheStore(cfg.Storage.DataDir)
	engine := sync.NewEngine(client, creds, store, cfg.Airbuds.PageLimit)

	return &app{cfg: cfg, tokens: tokens, engine: engine}, nil
}
