package market

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	appconfig "otoflow/config"
	"otoflow/internal/channel"
	"otoflow/internal/stream"
	"otoflow/internal/volatility"
	"otoflow/logger"
	"otoflow/models"
)

// Monitor owns the market-data connection for a single symbol. It feeds every
// valid tick into the volatility window and forwards it on the tick channel.
type Monitor struct {
	symbol   string
	topic    string
	conn     *stream.Connection
	window   *volatility.Window
	channels *channel.Channels

	ctx     context.Context
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
	log     *logger.Log
}

// NewMonitor builds a monitor for the given symbol. The stream topic follows
// the lowercase "<symbol>@trade" convention of the upstream exchange.
func NewMonitor(cfg *appconfig.Config, symbol string, ch *channel.Channels) *Monitor {
	topic := strings.ToLower(symbol) + "@trade"
	conn := stream.New(stream.Config{
		URL:              cfg.Stream.URL,
		BaseDelay:        cfg.Stream.BaseDelay(),
		MaxDelay:         cfg.Stream.MaxDelay(),
		MaxAttempts:      cfg.Stream.MaxAttempts,
		KeepAlive:        cfg.Stream.KeepAlive(),
		HandshakeTimeout: time.Duration(cfg.Stream.HandshakeS) * time.Second,
		EventBuffer:      cfg.Stream.EventBuffer,
		ReadLimit:        cfg.Stream.ReadLimit,
	}, topic)

	m := &Monitor{
		symbol:   symbol,
		topic:    topic,
		conn:     conn,
		window:   volatility.New(cfg.Volatility.WindowSize, decimal.NewFromFloat(cfg.Volatility.ThresholdPct)),
		channels: ch,
		wg:       &sync.WaitGroup{},
		log:      logger.GetLogger(),
	}
	conn.On("trade", m.handleTrade)
	return m
}

// Start connects the stream and launches the read and event loops.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("market monitor for %s already running", m.symbol)
	}
	m.running = true
	m.ctx = ctx
	m.mu.Unlock()

	log := m.log.WithComponent("market_monitor").WithFields(logger.Fields{"symbol": m.symbol})
	log.WithFields(logger.Fields{"topic": m.topic}).Info("starting market monitor")

	if err := m.conn.Connect(ctx); err != nil {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
		return fmt.Errorf("failed to connect market stream for %s: %w", m.symbol, err)
	}

	m.wg.Add(2)
	go m.readLoop()
	go m.eventLoop()

	log.Info("market monitor started successfully")
	return nil
}

// Stop closes the connection and waits for the loops to drain.
func (m *Monitor) Stop() {
	m.mu.Lock()
	m.running = false
	m.mu.Unlock()

	m.conn.Close()
	m.wg.Wait()
	m.log.WithComponent("market_monitor").WithFields(logger.Fields{"symbol": m.symbol}).Info("market monitor stopped")
}

// Info returns the current volatility snapshot for the symbol.
func (m *Monitor) Info() volatility.Info {
	return m.window.Info()
}

// readLoop keeps the socket read pump alive, reconnecting with backoff until
// the attempt budget runs out.
func (m *Monitor) readLoop() {
	defer m.wg.Done()

	log := m.log.WithComponent("market_monitor").WithFields(logger.Fields{"symbol": m.symbol})
	for {
		err := m.conn.Listen(m.ctx)
		if m.ctx.Err() != nil || m.conn.State() == stream.StateClosed {
			log.Info("market read loop stopped")
			return
		}
		if err != nil {
			log.WithError(err).Warn("market stream read failed")
		} else {
			log.Warn("market stream closed by remote, redialing")
		}

		for !m.conn.Reconnect(m.ctx) {
			if m.conn.State() == stream.StateClosed || m.ctx.Err() != nil {
				log.Error("market stream permanently closed, manual restart required")
				return
			}
		}
	}
}

// eventLoop drains lifecycle events so the connection never blocks on emit.
func (m *Monitor) eventLoop() {
	defer m.wg.Done()

	log := m.log.WithComponent("market_monitor").WithFields(logger.Fields{"symbol": m.symbol})
	for ev := range m.conn.Events() {
		fields := logger.Fields{"event": string(ev.Type), "stream": ev.Stream}
		if ev.Err != nil {
			fields["error"] = ev.Err.Error()
		}
		switch ev.Type {
		case stream.EventError, stream.EventReconnectExhausted:
			log.WithFields(fields).Warn("market stream event")
		default:
			log.WithFields(fields).Debug("market stream event")
		}
	}
}

func (m *Monitor) handleTrade(payload []byte) {
	log := m.log.WithComponent("market_monitor").WithFields(logger.Fields{"symbol": m.symbol})

	var frame models.TickFrame
	if err := json.Unmarshal(payload, &frame); err != nil {
		log.WithError(err).Warn("malformed trade frame")
		return
	}

	tick, err := frame.ToPriceTick()
	if err != nil {
		log.WithError(err).Warn("unparseable trade frame dropped")
		return
	}
	if err := tick.Validate(time.Now().UTC()); err != nil {
		log.WithError(err).Warn("invalid price tick dropped")
		return
	}
	logger.IncrementTickRead(len(payload))

	if m.window.AddSample(tick) {
		info := m.window.Info()
		log.WithFields(logger.Fields{
			"volatility_pct": info.VolatilityPct.StringFixed(4),
			"threshold_pct":  m.window.Threshold().String(),
			"window_size":    info.Size,
		}).Warn("volatility threshold exceeded")
	}

	m.channels.SendTick(m.ctx, tick)
}
