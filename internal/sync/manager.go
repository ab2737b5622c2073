// Budsync - Airbuds Listening History Sync and Cache Engine
// Copyright 2026 the Budsync contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/budsync/budsync

package sync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/budsync/budsync/internal/config"
	"github.com/budsync/budsync/internal/logging"
)

// Manager runs the engine on a fixed interval in serve mode. Manual
// triggers and the periodic loop share one in-flight guard so only a
// single self-sync runs at a time.
type Manager struct {
	engine *Engine
	cfg    config.SyncConfig

	syncMu sync.Mutex

	mu       sync.Mutex
	running  bool
	lastSync time.Time
	lastErr  error
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewManager creates a sync manager around engine.
func NewManager(engine *Engine, cfg config.SyncConfig) *Manager {
	return &Manager{engine: engine, cfg: cfg}
}

// Start launches the periodic sync loop. Returns an error when already
// running.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("sync manager already running")
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.running = true
	m.mu.Unlock()

	m.wg.Add(1)
	go m.syncLoop(ctx)

	logging.Info().Dur("interval", m.cfg.Interval).Bool("on_start", m.cfg.OnStart).Msg("Sync manager started")
	return nil
}

func (m *Manager) syncLoop(ctx context.Context) {
	defer m.wg.Done()

	if m.cfg.OnStart {
		m.runSync(ctx)
	}

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.runSync(ctx)
		}
	}
}

func (m *Manager) runSync(ctx context.Context) {
	m.syncMu.Lock()
	defer m.syncMu.Unlock()

	_, err := m.engine.Sync(ctx)

	m.mu.Lock()
	m.lastSync = time.Now()
	m.lastErr = err
	m.mu.Unlock()
}

// TriggerSync runs one self-sync immediately, serialized against the
// periodic loop.
func (m *Manager) TriggerSync(ctx context.Context) (Result, error) {
	m.syncMu.Lock()
	defer m.syncMu.Unlock()

	result, err := m.engine.Sync(ctx)

	m.mu.Lock()
	m.lastSync = time.Now()
	m.lastErr = err
	m.mu.Unlock()
	return result, err
}

// Stop cancels the loop and waits for any in-flight sync to finish.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	cancel := m.cancel
	m.mu.Unlock()

	cancel()
	m.wg.Wait()
	logging.Info().Msg("Sync manager stopped")
}

// Status reports the last sync attempt's time and error.
func (m *Manager) Status() (lastSync time.Time, lastErr error, running bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastSync, m.lastErr, m.running
}
