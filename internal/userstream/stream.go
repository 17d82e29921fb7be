// Package userstream consumes the authenticated per-user order stream and
// translates execution reports into order events for the orchestrator.
package userstream

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	appconfig "otoflow/config"
	"otoflow/internal/channel"
	"otoflow/internal/session"
	"otoflow/internal/stream"
	"otoflow/logger"
	"otoflow/models"
)

// Stream owns the session token and the private websocket connection fed by
// it. The stream subscription name is the session token itself.
type Stream struct {
	userID   string
	cfg      *appconfig.Config
	session  *session.Manager
	conn     *stream.Connection
	channels *channel.Channels

	ctx     context.Context
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
	log     *logger.Log
}

// New creates the user stream. creds carries the authentication material for
// the session endpoints.
func New(cfg *appconfig.Config, creds session.Credentials, ch *channel.Channels) *Stream {
	return &Stream{
		userID: cfg.Trading.UserID,
		cfg:    cfg,
		session: session.NewManager(session.Config{
			AcquireURL:        cfg.Session.AcquireURL,
			RenewURL:          cfg.Session.RenewURL,
			TokenTTL:          cfg.Session.TokenTTL(),
			ExpiryMargin:      cfg.Session.ExpiryMargin(),
			RenewInterval:     cfg.Session.RenewInterval(),
			RequestsPerSecond: cfg.Session.RequestsPerSecond,
			Burst:             cfg.Session.Burst,
			Timeout:           cfg.Session.Timeout(),
		}, creds),
		channels: ch,
		wg:       &sync.WaitGroup{},
		log:      logger.GetLogger(),
	}
}

// Start acquires a session token, connects the private stream and launches
// the read loop. Authentication failures are returned to the caller; they are
// not retried here.
func (s *Stream) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("user stream already running")
	}
	s.running = true
	s.ctx = ctx
	s.mu.Unlock()

	log := s.log.WithComponent("user_stream").WithFields(logger.Fields{"user_id": s.userID})
	log.Info("starting user stream")

	token, err := s.session.Acquire(ctx)
	if err != nil {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return fmt.Errorf("failed to acquire session token: %w", err)
	}

	conn := stream.New(stream.Config{
		URL:              s.cfg.Stream.URL,
		BaseDelay:        s.cfg.Stream.BaseDelay(),
		MaxDelay:         s.cfg.Stream.MaxDelay(),
		MaxAttempts:      s.cfg.Stream.MaxAttempts,
		KeepAlive:        s.cfg.Stream.KeepAlive(),
		HandshakeTimeout: time.Duration(s.cfg.Stream.HandshakeS) * time.Second,
		EventBuffer:      s.cfg.Stream.EventBuffer,
		ReadLimit:        s.cfg.Stream.ReadLimit,
	}, token)
	conn.On("executionReport", s.handleExecutionReport)

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	if err := conn.Connect(ctx); err != nil {
		s.session.Close()
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return fmt.Errorf("failed to connect user stream: %w", err)
	}

	s.wg.Add(2)
	go s.readLoop()
	go s.eventLoop()

	log.Info("user stream started successfully")
	return nil
}

// Stop closes the connection and releases the session token locally.
func (s *Stream) Stop() {
	s.mu.Lock()
	s.running = false
	conn := s.conn
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	s.wg.Wait()
	s.session.Close()
	s.log.WithComponent("user_stream").WithFields(logger.Fields{"user_id": s.userID}).Info("user stream stopped")
}

// SessionValid reports whether the current session token is unexpired.
func (s *Stream) SessionValid() bool {
	return s.session.IsValid()
}

func (s *Stream) readLoop() {
	defer s.wg.Done()

	log := s.log.WithComponent("user_stream").WithFields(logger.Fields{"user_id": s.userID})
	for {
		err := s.conn.Listen(s.ctx)
		if s.ctx.Err() != nil || s.conn.State() == stream.StateClosed {
			log.Info("user stream read loop stopped")
			return
		}
		if err != nil {
			log.WithError(err).Warn("user stream read failed")
		} else {
			log.Warn("user stream closed by remote, redialing")
		}

		for !s.conn.Reconnect(s.ctx) {
			if s.conn.State() == stream.StateClosed || s.ctx.Err() != nil {
				log.Error("user stream permanently closed, manual restart required")
				return
			}
		}
	}
}

func (s *Stream) eventLoop() {
	defer s.wg.Done()

	log := s.log.WithComponent("user_stream").WithFields(logger.Fields{"user_id": s.userID})
	for ev := range s.conn.Events() {
		fields := logger.Fields{"event": string(ev.Type)}
		if ev.Err != nil {
			fields["error"] = ev.Err.Error()
		}
		switch ev.Type {
		case stream.EventError, stream.EventReconnectExhausted:
			log.WithFields(fields).Warn("user stream event")
		default:
			log.WithFields(fields).Debug("user stream event")
		}
	}
}

func (s *Stream) handleExecutionReport(payload []byte) {
	log := s.log.WithComponent("user_stream").WithFields(logger.Fields{"user_id": s.userID})

	var frame models.OrderEventFrame
	if err := json.Unmarshal(payload, &frame); err != nil {
		log.WithError(err).Warn("malformed execution report")
		return
	}
	logger.IncrementOrderEventRead(len(payload))

	ev := frame.ToOrderEvent(s.userID)
	if ev.Kind == models.OrderEventIgnored {
		log.WithFields(logger.Fields{"status": ev.Status, "order_ref": ev.OrderRef}).Debug("ignoring execution report")
		return
	}
	s.channels.SendOrderEvent(s.ctx, ev)
}
