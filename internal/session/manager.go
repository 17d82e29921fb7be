// Package session acquires and renews the time-limited token that authorizes
// a user-scoped stream subscription. The upstream offers no real revoke
// endpoint; closing the manager clears local state and lets the token lapse.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"otoflow/internal/enginerr"
	"otoflow/logger"
	"otoflow/models"
)

// Credentials carry the header map and cookie string supplied by the
// external credential store.
type Credentials struct {
	Header http.Header
	Cookie string
}

// Config holds the endpoints and timing of one session token manager.
type Config struct {
	AcquireURL        string
	RenewURL          string
	TokenTTL          time.Duration
	ExpiryMargin      time.Duration
	RenewInterval     time.Duration
	RequestsPerSecond float64
	Burst             int
	Timeout           time.Duration
}

// Manager owns one session token and its renewal timer.
type Manager struct {
	cfg     Config
	creds   Credentials
	client  *http.Client
	limiter *rate.Limiter
	log     *logger.Log

	mu    sync.RWMutex
	token models.SessionToken

	loopOnce  sync.Once
	closeOnce sync.Once
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// shapeMatcher extracts a token from one known response envelope shape.
// Matchers are tried in order; the first match wins.
type shapeMatcher func(body []byte) (string, bool)

var shapeMatchers = []shapeMatcher{
	matchBareString,
	matchCodeEnvelope,
	matchSuccessEnvelope,
	matchFlatToken,
}

// NewManager creates a session token manager. No network call happens until
// Acquire.
func NewManager(cfg Config, creds Credentials) *Manager {
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 55 * time.Minute
	}
	if cfg.ExpiryMargin <= 0 {
		cfg.ExpiryMargin = 5 * time.Minute
	}
	if cfg.RenewInterval <= 0 {
		cfg.RenewInterval = 30 * time.Minute
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 1
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Manager{
		cfg:     cfg,
		creds:   creds,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		log:     logger.GetLogger(),
	}
}

// Acquire performs the token-issuance call, normalizes the response envelope
// and starts the renewal timer. The token value is returned for the stream
// subscription.
func (m *Manager) Acquire(ctx context.Context) (string, error) {
	log := m.log.WithComponent("session_manager")

	if err := m.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limit wait: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.AcquireURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build acquire request: %w", err)
	}
	m.applyCredentials(req)

	res, err := m.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: acquire: %v", enginerr.ErrConnection, err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return "", fmt.Errorf("%w: read acquire response: %v", enginerr.ErrConnection, err)
	}

	if res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden {
		return "", fmt.Errorf("%w: acquire returned status %d", enginerr.ErrAuth, res.StatusCode)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return "", fmt.Errorf("%w: acquire returned status %d: %s", enginerr.ErrConnection, res.StatusCode, strings.TrimSpace(string(body)))
	}

	token, ok := normalizeToken(body)
	if !ok {
		return "", fmt.Errorf("%w: unrecognized token response shape: %s", enginerr.ErrAuth, strings.TrimSpace(string(body)))
	}

	now := time.Now().UTC()
	expiresAt := now.Add(m.cfg.TokenTTL)
	m.mu.Lock()
	m.token = models.SessionToken{
		Value:      token,
		AcquiredAt: now,
		ExpiresAt:  expiresAt,
	}
	m.mu.Unlock()

	log.WithFields(logger.Fields{"expires_at": expiresAt.Format(time.RFC3339)}).Info("session token acquired")

	m.loopOnce.Do(func() {
		loopCtx, cancel := context.WithCancel(context.Background())
		m.cancel = cancel
		m.wg.Add(1)
		go m.renewLoop(loopCtx)
	})

	return token, nil
}

// Token returns the current token snapshot.
func (m *Manager) Token() models.SessionToken {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.token
}

// IsValid reports whether a token exists and has not expired.
func (m *Manager) IsValid() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.token.Valid(time.Now().UTC())
}

// Close stops the renewal timer and clears local token state. The upstream
// has no delete endpoint, so the token is simply abandoned to expire.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		if m.cancel != nil {
			m.cancel()
		}
		m.wg.Wait()

		m.mu.Lock()
		m.token = models.SessionToken{}
		m.mu.Unlock()

		m.client.CloseIdleConnections()
		m.log.WithComponent("session_manager").Info("session released, token abandoned to expire")
	})
}

// renewLoop checks on a fixed cadence whether the token is inside the expiry
// margin and renews it. A failed renewal is logged and retried on the next
// tick; the current token stays usable until actual expiry.
func (m *Manager) renewLoop(ctx context.Context) {
	defer m.wg.Done()

	log := m.log.WithComponent("session_manager").WithFields(logger.Fields{"worker": "renew_loop"})
	ticker := time.NewTicker(m.cfg.RenewInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("renew loop stopped")
			return
		case <-ticker.C:
			m.mu.RLock()
			expiresAt := m.token.ExpiresAt
			value := m.token.Value
			m.mu.RUnlock()

			if value == "" {
				continue
			}
			if time.Now().UTC().Before(expiresAt.Add(-m.cfg.ExpiryMargin)) {
				continue
			}
			if err := m.renew(ctx, value); err != nil {
				log.WithError(err).Warn("token renewal failed, will retry next tick")
				continue
			}
			log.Info("session token renewed")
		}
	}
}

func (m *Manager) renew(ctx context.Context, token string) error {
	if err := m.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}

	renewURL := m.cfg.RenewURL
	query := url.Values{"token": {token}}.Encode()
	if strings.Contains(renewURL, "?") {
		renewURL += "&" + query
	} else {
		renewURL += "?" + query
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, renewURL, nil)
	if err != nil {
		return fmt.Errorf("failed to build renew request: %w", err)
	}
	m.applyCredentials(req)

	res, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: renew: %v", enginerr.ErrConnection, err)
	}
	defer res.Body.Close()

	var renewResp struct {
		Success bool   `json:"success"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(res.Body).Decode(&renewResp); err != nil {
		return fmt.Errorf("failed to decode renew response: %w", err)
	}
	if !renewResp.Success {
		return fmt.Errorf("%w: renew rejected: %s", enginerr.ErrAuth, renewResp.Message)
	}

	now := time.Now().UTC()
	m.mu.Lock()
	m.token.ExpiresAt = now.Add(m.cfg.TokenTTL)
	m.mu.Unlock()
	return nil
}

func (m *Manager) applyCredentials(req *http.Request) {
	for k, vs := range m.creds.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if m.creds.Cookie != "" {
		req.Header.Set("Cookie", m.creds.Cookie)
	}
}

// normalizeToken tries the known response envelope shapes in order.
func normalizeToken(body []byte) (string, bool) {
	for _, match := range shapeMatchers {
		if token, ok := match(body); ok {
			return token, true
		}
	}
	return "", false
}

// matchBareString handles a response that is just the token as a JSON string.
func matchBareString(body []byte) (string, bool) {
	var s string
	if err := json.Unmarshal(body, &s); err != nil || s == "" {
		return "", false
	}
	return s, true
}

// matchCodeEnvelope handles {"code":"000000","data":{"token":...}}.
func matchCodeEnvelope(body []byte) (string, bool) {
	var resp struct {
		Code string `json:"code"`
		Data struct {
			Token string `json:"token"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", false
	}
	if resp.Code != "000000" || resp.Data.Token == "" {
		return "", false
	}
	return resp.Data.Token, true
}

// matchSuccessEnvelope handles {"success":true,"data":{"token":...}}.
func matchSuccessEnvelope(body []byte) (string, bool) {
	var resp struct {
		Success bool `json:"success"`
		Data    struct {
			Token string `json:"token"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", false
	}
	if !resp.Success || resp.Data.Token == "" {
		return "", false
	}
	return resp.Data.Token, true
}

// matchFlatToken handles {"token":...} and the listenKey variant.
func matchFlatToken(body []byte) (string, bool) {
	var resp struct {
		Token     string `json:"token"`
		ListenKey string `json:"listenKey"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", false
	}
	if resp.Token != "" {
		return resp.Token, true
	}
	if resp.ListenKey != "" {
		return resp.ListenKey, true
	}
	return "", false
}
