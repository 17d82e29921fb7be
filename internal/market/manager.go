// Package market runs one monitor per configured symbol and aggregates their
// volatility state for the rest of the engine.
package market

import (
	"context"
	"fmt"
	"strings"
	"sync"

	appconfig "otoflow/config"
	"otoflow/internal/channel"
	"otoflow/internal/volatility"
	"otoflow/logger"
)

// Manager owns the set of per-symbol monitors.
type Manager struct {
	mu       sync.RWMutex
	monitors map[string]*Monitor
	started  []string
	log      *logger.Log
}

// NewManager builds a monitor per configured trading symbol.
func NewManager(cfg *appconfig.Config, ch *channel.Channels) *Manager {
	monitors := make(map[string]*Monitor, len(cfg.Trading.Symbols))
	for _, symbol := range cfg.Trading.Symbols {
		key := strings.ToUpper(symbol)
		monitors[key] = NewMonitor(cfg, key, ch)
	}
	return &Manager{
		monitors: monitors,
		log:      logger.GetLogger(),
	}
}

// StartAll connects every monitor. A single failing symbol aborts startup and
// stops the monitors already running.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	log := m.log.WithComponent("market_manager")
	for symbol, mon := range m.monitors {
		if err := mon.Start(ctx); err != nil {
			log.WithError(err).WithFields(logger.Fields{"symbol": symbol}).Error("failed to start market monitor")
			for _, started := range m.started {
				m.monitors[started].Stop()
			}
			m.started = nil
			return fmt.Errorf("market manager startup failed: %w", err)
		}
		m.started = append(m.started, symbol)
	}
	log.WithFields(logger.Fields{"symbols": m.started}).Info("all market monitors started")
	return nil
}

// StopAll stops every running monitor.
func (m *Manager) StopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, symbol := range m.started {
		m.monitors[symbol].Stop()
	}
	m.started = nil
	m.log.WithComponent("market_manager").Info("all market monitors stopped")
}

// Info returns the volatility snapshot for a symbol, reporting whether the
// symbol is monitored at all.
func (m *Manager) Info(symbol string) (volatility.Info, bool) {
	m.mu.RLock()
	mon, ok := m.monitors[strings.ToUpper(symbol)]
	m.mu.RUnlock()
	if !ok {
		return volatility.Info{}, false
	}
	return mon.Info(), true
}
