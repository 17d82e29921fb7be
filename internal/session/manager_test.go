package session

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"otoflow/internal/enginerr"
)

func newTestManager(acquireURL, renewURL string) *Manager {
	return NewManager(Config{
		AcquireURL:        acquireURL,
		RenewURL:          renewURL,
		TokenTTL:          55 * time.Minute,
		ExpiryMargin:      5 * time.Minute,
		RenewInterval:     30 * time.Minute,
		RequestsPerSecond: 100,
		Burst:             10,
		Timeout:           time.Second,
	}, Credentials{})
}

func TestAcquireEnvelopeShapes(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"bare string", `"tok-123"`},
		{"code envelope", `{"code":"000000","data":{"token":"tok-123"}}`},
		{"success envelope", `{"success":true,"data":{"token":"tok-123"}}`},
		{"flat token", `{"token":"tok-123"}`},
		{"listen key", `{"listenKey":"tok-123"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodPost {
					t.Errorf("unexpected method %s", r.Method)
				}
				w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			m := newTestManager(srv.URL, srv.URL)
			defer m.Close()

			token, err := m.Acquire(context.Background())
			if err != nil {
				t.Fatalf("Acquire failed: %v", err)
			}
			if token != "tok-123" {
				t.Errorf("unexpected token: %q", token)
			}
			if !m.IsValid() {
				t.Error("token should be valid after acquire")
			}
		})
	}
}

func TestAcquireSetsExpiry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"token":"tok-123"}`))
	}))
	defer srv.Close()

	m := newTestManager(srv.URL, srv.URL)
	defer m.Close()

	before := time.Now().UTC()
	if _, err := m.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	tok := m.Token()
	ttl := tok.ExpiresAt.Sub(tok.AcquiredAt)
	if ttl != 55*time.Minute {
		t.Errorf("unexpected ttl: %s", ttl)
	}
	if tok.AcquiredAt.Before(before.Add(-time.Second)) {
		t.Errorf("acquired timestamp in the past: %s", tok.AcquiredAt)
	}
}

func TestAcquireUnknownShape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	m := newTestManager(srv.URL, srv.URL)
	defer m.Close()

	if _, err := m.Acquire(context.Background()); !errors.Is(err, enginerr.ErrAuth) {
		t.Errorf("expected auth error for unknown shape, got %v", err)
	}
	if m.IsValid() {
		t.Error("no token should be stored")
	}
}

func TestAcquireAuthFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	m := newTestManager(srv.URL, srv.URL)
	defer m.Close()

	if _, err := m.Acquire(context.Background()); !errors.Is(err, enginerr.ErrAuth) {
		t.Errorf("expected auth error, got %v", err)
	}
}

func TestAcquireServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	m := newTestManager(srv.URL, srv.URL)
	defer m.Close()

	if _, err := m.Acquire(context.Background()); !errors.Is(err, enginerr.ErrConnection) {
		t.Errorf("expected connection error, got %v", err)
	}
}

func TestAcquireSendsCredentials(t *testing.T) {
	var gotKey, gotCookie string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-MBX-APIKEY")
		gotCookie = r.Header.Get("Cookie")
		w.Write([]byte(`{"token":"tok-123"}`))
	}))
	defer srv.Close()

	m := NewManager(Config{AcquireURL: srv.URL, RenewURL: srv.URL}, Credentials{
		Header: http.Header{"X-Mbx-Apikey": []string{"key-1"}},
		Cookie: "session=abc",
	})
	defer m.Close()

	if _, err := m.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if gotKey != "key-1" {
		t.Errorf("api key header not sent: %q", gotKey)
	}
	if gotCookie != "session=abc" {
		t.Errorf("cookie not sent: %q", gotCookie)
	}
}

func TestRenewExtendsExpiry(t *testing.T) {
	var renewToken string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPut {
			renewToken = r.URL.Query().Get("token")
			w.Write([]byte(`{"success":true}`))
			return
		}
		w.Write([]byte(`{"token":"tok-123"}`))
	}))
	defer srv.Close()

	m := newTestManager(srv.URL, srv.URL)
	defer m.Close()

	if _, err := m.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	before := m.Token().ExpiresAt

	time.Sleep(10 * time.Millisecond)
	if err := m.renew(context.Background(), "tok-123"); err != nil {
		t.Fatalf("renew failed: %v", err)
	}
	if renewToken != "tok-123" {
		t.Errorf("renew must pass the token as query parameter, got %q", renewToken)
	}
	if !m.Token().ExpiresAt.After(before) {
		t.Error("renew must extend the expiry")
	}
}

func TestRenewEscapesToken(t *testing.T) {
	const token = "ab+c&d=e/f="

	var renewToken string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPut {
			renewToken = r.URL.Query().Get("token")
			w.Write([]byte(`{"success":true}`))
			return
		}
		w.Write([]byte(`{"token":"` + token + `"}`))
	}))
	defer srv.Close()

	m := newTestManager(srv.URL, srv.URL)
	defer m.Close()

	if _, err := m.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if err := m.renew(context.Background(), token); err != nil {
		t.Fatalf("renew failed: %v", err)
	}
	if renewToken != token {
		t.Errorf("reserved characters must survive the query round trip, got %q", renewToken)
	}
}

func TestRenewRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPut {
			w.Write([]byte(`{"success":false,"message":"token expired"}`))
			return
		}
		w.Write([]byte(`{"token":"tok-123"}`))
	}))
	defer srv.Close()

	m := newTestManager(srv.URL, srv.URL)
	defer m.Close()

	if _, err := m.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	before := m.Token().ExpiresAt

	if err := m.renew(context.Background(), "tok-123"); !errors.Is(err, enginerr.ErrAuth) {
		t.Errorf("expected auth error, got %v", err)
	}
	if !m.Token().ExpiresAt.Equal(before) {
		t.Error("failed renew must not change the expiry")
	}
}

func TestCloseClearsToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"token":"tok-123"}`))
	}))
	defer srv.Close()

	m := newTestManager(srv.URL, srv.URL)
	if _, err := m.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	m.Close()
	if m.IsValid() {
		t.Error("token must be cleared on close")
	}
	m.Close() // idempotent
}

func TestNormalizeTokenOrder(t *testing.T) {
	if _, ok := normalizeToken([]byte(`not json`)); ok {
		t.Error("malformed payload must not match")
	}
	if tok, ok := normalizeToken([]byte(`{"code":"999999","data":{"token":"t"}}`)); ok {
		t.Errorf("wrong code must not match, got %q", tok)
	}
	if tok, ok := normalizeToken([]byte(`{"success":false,"data":{"token":"t"}}`)); ok {
		t.Errorf("unsuccessful envelope must not match, got %q", tok)
	}
}
