// Budsync - Airbuds Listening History Sync and Cache Engine
// Copyright 2026 the Budsync contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/budsync/budsync

// Package config provides layered configuration for Budsync (defaults,
// optional YAML file, environment variables) plus the on-disk refresh
// token store.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Config is the root application configuration.
type Config struct {
	Airbuds AirbudsConfig `koanf:"airbuds"`
	Sync    SyncConfig    `koanf:"sync"`
	Storage StorageConfig `koanf:"storage"`
	Server  ServerConfig  `koanf:"server"`
	Logging LoggingConfig `koanf:"logging"`
}

// AirbudsConfig holds the upstream API endpoints and transport tuning.
type AirbudsConfig struct {
	// GraphURL is the GraphQL activity endpoint.
	GraphURL string `koanf:"graph_url"`
	// RefreshURL is the token-refresh endpoint.
	RefreshURL string `koanf:"refresh_url"`
	// UserAgent is sent on every upstream request.
	UserAgent string `koanf:"user_agent"`
	// PageLimit is the page size requested from the activity endpoint.
	PageLimit int `koanf:"page_limit"`
	// HTTPTimeout bounds each upstream HTTP call.
	HTTPTimeout time.Duration `koanf:"http_timeout"`
	// RequestsPerSecond throttles upstream calls. Zero disables throttling.
	RequestsPerSecond float64 `koanf:"requests_per_second"`
}

// SyncConfig controls the periodic sync loop used in serve mode.
type SyncConfig struct {
	// Interval between periodic sync passes.
	Interval time.Duration `koanf:"interval"`
	// OnStart triggers an immediate sync when the manager starts.
	OnStart bool `koanf:"on_start"`
}

// StorageConfig locates the on-disk caches and the token store.
type StorageConfig struct {
	// DataDir is the directory holding the history caches and auth.json.
	DataDir string `koanf:"data_dir"`
}

// ServerConfig configures the HTTP API in serve mode.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	Timeout         time.Duration `koanf:"timeout"`
	CORSOrigins     []string      `koanf:"cors_origins"`
	RateLimitReqs   int           `koanf:"rate_limit_reqs"`
	RateLimitWindow time.Duration `koanf:"rate_limit_window"`
}

// LoggingConfig configures the global logger.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// Validate checks that required configuration is present and valid.
func (c *Config) Validate() error {
	if err := c.validateAirbuds(); err != nil {
		return err
	}
	if err := c.validateSync(); err != nil {
		return err
	}
	if err := c.validateStorage(); err != nil {
		return err
	}
	if err := c.validateServer(); err != nil {
		return err
	}
	return c.validateLogging()
}

func (c *Config) validateAirbuds() error {
	if err := validateHTTPURL(c.Airbuds.GraphURL, "AIRBUDS_GRAPH_URL"); err != nil {
		return err
	}
	if err := validateHTTPURL(c.Airbuds.RefreshURL, "AIRBUDS_REFRESH_URL"); err != nil {
		return err
	}
	if c.Airbuds.PageLimit < 1 || c.Airbuds.PageLimit > 100 {
		return fmt.Errorf("AIRBUDS_PAGE_LIMIT must be between 1 and 100, got %d", c.Airbuds.PageLimit)
	}
	if c.Airbuds.HTTPTimeout <= 0 {
		return fmt.Errorf("AIRBUDS_HTTP_TIMEOUT must be positive, got %v", c.Airbuds.HTTPTimeout)
	}
	if c.Airbuds.RequestsPerSecond < 0 {
		return fmt.Errorf("AIRBUDS_REQUESTS_PER_SECOND must not be negative, got %v", c.Airbuds.RequestsPerSecond)
	}
	return nil
}

func (c *Config) validateSync() error {
	if c.Sync.Interval < 30*time.Second {
		return fmt.Errorf("SYNC_INTERVAL must be at least 30s, got %v", c.Sync.Interval)
	}
	return nil
}

func (c *Config) validateStorage() error {
	if c.Storage.DataDir == "" {
		return fmt.Errorf("DATA_DIR must not be empty")
	}
	return nil
}

func (c *Config) validateServer() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("HTTP_PORT must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Server.Timeout <= 0 {
		return fmt.Errorf("HTTP_TIMEOUT must be positive, got %v", c.Server.Timeout)
	}
	if c.Server.RateLimitReqs < 1 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS must be at least 1, got %d", c.Server.RateLimitReqs)
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch strings.ToLower(c.Logging.Level) {
	case "trace", "debug", "info", "warn", "warning", "error", "disabled":
	default:
		return fmt.Errorf("LOG_LEVEL must be one of trace/debug/info/warn/error, got %q", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "console":
	default:
		return fmt.Errorf("LOG_FORMAT must be json or console, got %q", c.Logging.Format)
	}
	return nil
}

// validateHTTPURL checks that value is an absolute http(s) URL.
func validateHTTPURL(value, name string) error {
	if value == "" {
		return fmt.Errorf("%s must not be empty", name)
	}
	u, err := url.Parse(value)
	if err != nil {
		return fmt.Errorf("%s is not a valid URL: %w", name, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s must use http or https, got %q", name, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%s is missing a host", name)
	}
	return nil
}
