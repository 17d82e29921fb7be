// Package stream maintains one logical subscription to a named push stream:
// dial, subscribe, dispatch typed JSON frames to registered handlers, and
// recover from drops with capped exponential backoff. Connection lifecycle
// events are delivered on a typed outbound channel instead of callbacks.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"otoflow/internal/enginerr"
	"otoflow/logger"
	"otoflow/models"
)

// State is the connection lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// EventType identifies a connection lifecycle event.
type EventType string

const (
	EventConnected          EventType = "connected"
	EventDisconnected       EventType = "disconnected"
	EventConnectionFailed   EventType = "connection_failed"
	EventConnectionClosed   EventType = "connection_closed"
	EventError              EventType = "websocket_error"
	EventReconnectExhausted EventType = "reconnect_exhausted"
)

// Event is a connection lifecycle notification for the owning component.
type Event struct {
	Type   EventType
	Stream string
	Err    error
	At     time.Time
}

// Handler consumes the raw payload of one typed frame.
type Handler func(payload []byte)

// Config holds the transport and reconnect settings of one connection.
type Config struct {
	URL              string
	Header           http.Header
	BaseDelay        time.Duration
	MaxDelay         time.Duration
	MaxAttempts      int
	KeepAlive        time.Duration
	HandshakeTimeout time.Duration
	EventBuffer      int
	ReadLimit        int64
}

// Connection owns zero or one live socket for a single stream subscription.
type Connection struct {
	cfg        Config
	streamName string
	dialer     *websocket.Dialer
	log        *logger.Log

	mu         sync.RWMutex
	conn       *websocket.Conn
	state      State
	attempts   int
	handlers   map[string]Handler
	pingCancel context.CancelFunc
	subSeq     int

	eventsMu     sync.Mutex
	events       chan Event
	eventsClosed bool
}

// New creates a connection for the named stream. The socket is not opened
// until Connect is called.
func New(cfg Config, streamName string) *Connection {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 60 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 16
	}
	return &Connection{
		cfg:        cfg,
		streamName: streamName,
		dialer:     &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		log:        logger.GetLogger(),
		handlers:   make(map[string]Handler),
		events:     make(chan Event, cfg.EventBuffer),
	}
}

// On registers the handler for a message-type key. At most one handler per
// key; the last registration wins.
func (c *Connection) On(messageType string, h Handler) {
	c.mu.Lock()
	c.handlers[messageType] = h
	c.mu.Unlock()
}

// Events returns the outbound lifecycle event channel.
func (c *Connection) Events() <-chan Event {
	return c.events
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Attempts returns the current reconnect attempt count.
func (c *Connection) Attempts() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.attempts
}

// Connect opens the socket and sends the subscribe frame. It does not retry
// on failure; retry is the reconnect loop's responsibility.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return fmt.Errorf("%w: stream %s", enginerr.ErrStreamClosed, c.streamName)
	}
	c.state = StateConnecting
	c.mu.Unlock()

	log := c.log.WithComponent("stream_connection").WithFields(logger.Fields{"stream": c.streamName})

	conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, c.cfg.Header)
	if err != nil {
		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()
		c.emit(EventConnectionFailed, err)
		return fmt.Errorf("%w: dial %s: %v", enginerr.ErrConnection, c.cfg.URL, err)
	}
	if c.cfg.ReadLimit > 0 {
		conn.SetReadLimit(c.cfg.ReadLimit)
	}

	c.mu.Lock()
	c.subSeq++
	sub := models.SubscribeRequest{Method: "SUBSCRIBE", Params: []string{c.streamName}, ID: c.subSeq}
	c.mu.Unlock()

	if err := conn.WriteJSON(sub); err != nil {
		conn.Close()
		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()
		c.emit(EventConnectionFailed, err)
		return fmt.Errorf("%w: subscribe %s: %v", enginerr.ErrConnection, c.streamName, err)
	}

	pingCtx, pingCancel := context.WithCancel(context.Background())

	c.mu.Lock()
	c.conn = conn
	c.state = StateConnected
	c.attempts = 0
	if c.pingCancel != nil {
		c.pingCancel()
	}
	c.pingCancel = pingCancel
	c.mu.Unlock()

	if c.cfg.KeepAlive > 0 {
		go c.pingLoop(pingCtx, conn)
	}

	log.WithFields(logger.Fields{"url": c.cfg.URL}).Info("stream connected")
	c.emit(EventConnected, nil)
	return nil
}

// Listen blocks reading frames until the socket drops or ctx is cancelled.
// Malformed frames and unmatched types are skipped, never fatal.
func (c *Connection) Listen(ctx context.Context) error {
	c.mu.RLock()
	conn := c.conn
	state := c.state
	c.mu.RUnlock()

	if conn == nil || state != StateConnected {
		return fmt.Errorf("%w: listen called while %s", enginerr.ErrConnection, state)
	}

	log := c.log.WithComponent("stream_connection").WithFields(logger.Fields{"stream": c.streamName})

	for {
		if ctx.Err() != nil {
			c.emit(EventConnectionClosed, ctx.Err())
			return nil
		}
		_, payload, err := conn.ReadMessage()
		if err != nil {
			c.stopPing()
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.markDisconnected()
				log.Info("stream closed by remote")
				c.emit(EventConnectionClosed, err)
				return nil
			}
			c.markDisconnected()
			c.emit(EventError, err)
			return fmt.Errorf("%w: read %s: %v", enginerr.ErrConnection, c.streamName, err)
		}
		c.dispatch(log, payload)
	}
}

func (c *Connection) dispatch(log *logger.Entry, payload []byte) {
	var env models.Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		log.WithError(err).Warn("skipping malformed frame")
		return
	}

	c.mu.RLock()
	handler, ok := c.handlers[env.EventType]
	c.mu.RUnlock()

	if !ok {
		log.WithFields(logger.Fields{"event_type": env.EventType}).Debug("dropping frame with no registered handler")
		return
	}
	handler(payload)
}

// Reconnect waits one backoff interval and attempts to re-open the socket.
// The attempt counter is incremented before the wait. It returns false when
// the attempt fails or the budget is exhausted; exhaustion closes the
// connection permanently.
func (c *Connection) Reconnect(ctx context.Context) bool {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return false
	}
	if c.attempts >= c.cfg.MaxAttempts {
		c.state = StateClosed
		c.mu.Unlock()
		c.emit(EventReconnectExhausted, enginerr.ErrStreamClosed)
		return false
	}
	c.attempts++
	attempt := c.attempts
	c.state = StateReconnecting
	c.mu.Unlock()

	delay := backoffDelay(c.cfg.BaseDelay, c.cfg.MaxDelay, attempt)

	log := c.log.WithComponent("stream_connection").WithFields(logger.Fields{
		"stream":  c.streamName,
		"attempt": attempt,
		"delay":   delay.String(),
	})
	log.Warn("reconnecting after backoff")

	select {
	case <-ctx.Done():
		return false
	case <-time.After(delay):
	}

	if err := c.Connect(ctx); err != nil {
		c.mu.Lock()
		if c.state != StateClosed {
			if c.attempts >= c.cfg.MaxAttempts {
				c.state = StateClosed
				c.mu.Unlock()
				log.WithError(err).Error("reconnect attempts exhausted, stream permanently closed")
				c.emit(EventReconnectExhausted, err)
				return false
			}
			c.state = StateReconnecting
		}
		c.mu.Unlock()
		return false
	}

	logger.IncrementReconnect()
	return true
}

// Disconnect closes the socket if open and marks the connection disconnected.
// Safe to call repeatedly.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	hadConn := c.conn != nil
	if c.pingCancel != nil {
		c.pingCancel()
		c.pingCancel = nil
	}
	if c.conn != nil {
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.conn.Close()
		c.conn = nil
	}
	if c.state != StateClosed {
		c.state = StateDisconnected
	}
	c.mu.Unlock()

	if hadConn {
		c.emit(EventDisconnected, nil)
	}
}

// Close disconnects and permanently closes the connection and its event
// channel. Idempotent.
func (c *Connection) Close() {
	c.Disconnect()

	c.mu.Lock()
	c.state = StateClosed
	c.mu.Unlock()

	c.eventsMu.Lock()
	if !c.eventsClosed {
		c.eventsClosed = true
		close(c.events)
	}
	c.eventsMu.Unlock()
}

func (c *Connection) markDisconnected() {
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	if c.state != StateClosed {
		c.state = StateDisconnected
	}
	c.mu.Unlock()
}

func (c *Connection) stopPing() {
	c.mu.Lock()
	if c.pingCancel != nil {
		c.pingCancel()
		c.pingCancel = nil
	}
	c.mu.Unlock()
}

func (c *Connection) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.cfg.KeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second)); err != nil {
				c.log.WithComponent("stream_connection").WithFields(logger.Fields{
					"stream": c.streamName,
				}).WithError(err).Warn("failed to send websocket ping")
				return
			}
		}
	}
}

// emit delivers a lifecycle event without ever blocking the read loop.
func (c *Connection) emit(t EventType, err error) {
	c.eventsMu.Lock()
	defer c.eventsMu.Unlock()
	if c.eventsClosed {
		return
	}
	select {
	case c.events <- Event{Type: t, Stream: c.streamName, Err: err, At: time.Now().UTC()}:
	default:
		c.log.WithComponent("stream_connection").WithFields(logger.Fields{
			"stream": c.streamName,
			"event":  string(t),
		}).Debug("event channel full, dropping lifecycle event")
	}
}

// backoffDelay returns min(base * 2^(attempt-1), max).
func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		return base
	}
	// 2^30 already exceeds any sane cap.
	if attempt-1 > 30 {
		return max
	}
	d := base * time.Duration(1<<uint(attempt-1))
	if d > max || d <= 0 {
		return max
	}
	return d
}
