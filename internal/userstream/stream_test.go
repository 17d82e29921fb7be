package userstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	appconfig "otoflow/config"
	"otoflow/internal/channel"
	"otoflow/internal/session"
	"otoflow/models"
)

func testStream(ch *channel.Channels) *Stream {
	cfg := &appconfig.Config{
		Trading: appconfig.TradingConfig{UserID: "u1"},
		Stream:  appconfig.StreamConfig{URL: "wss://example.test/ws"},
		Session: appconfig.SessionConfig{
			AcquireURL: "https://example.test/session",
			RenewURL:   "https://example.test/session/renew",
		},
	}
	s := New(cfg, session.Credentials{}, ch)
	s.ctx = context.Background()
	return s
}

func TestHandleExecutionReportForwardsFills(t *testing.T) {
	ch := channel.NewChannels(4, 4)
	defer ch.Close()
	s := testStream(ch)

	s.handleExecutionReport([]byte(`{"e":"executionReport","s":"BTCUSDT","S":"BUY","X":"FILLED","i":42,"z":"1"}`))

	ev := <-ch.Orders
	if ev.Kind != models.OrderEventBuyFilled {
		t.Errorf("unexpected kind: %s", ev.Kind)
	}
	if ev.UserID != "u1" || ev.OrderRef != "42" {
		t.Errorf("identity fields wrong: %+v", ev)
	}
}

func TestHandleExecutionReportSkipsIgnoredAndMalformed(t *testing.T) {
	ch := channel.NewChannels(4, 4)
	defer ch.Close()
	s := testStream(ch)

	s.handleExecutionReport([]byte(`not json`))
	s.handleExecutionReport([]byte(`{"e":"executionReport","S":"BUY","X":"NEW","i":42}`))

	if st := ch.Stats(); st.OrdersSent != 0 {
		t.Errorf("nothing should be forwarded: %+v", st)
	}
}

// A clean remote close of the private stream must trigger a redial, not a
// silent stop of fill routing.
func TestStreamRedialsAfterRemoteClose(t *testing.T) {
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`"session-token-1"`))
	}))
	defer tokenSrv.Close()

	var mu sync.Mutex
	dials := 0
	hold := make(chan struct{})

	upgrader := websocket.Upgrader{}
	wsSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		defer conn.Close()

		var sub models.SubscribeRequest
		if err := conn.ReadJSON(&sub); err != nil {
			t.Errorf("read subscribe frame: %v", err)
			return
		}

		mu.Lock()
		dials++
		n := dials
		mu.Unlock()

		if n == 1 {
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
		<-hold
	}))
	defer wsSrv.Close()
	defer close(hold)

	cfg := &appconfig.Config{
		Trading: appconfig.TradingConfig{UserID: "u1"},
		Stream: appconfig.StreamConfig{
			URL:         "ws" + strings.TrimPrefix(wsSrv.URL, "http"),
			BaseDelayMs: 1,
			MaxDelayS:   1,
			MaxAttempts: 2,
		},
		Session: appconfig.SessionConfig{
			AcquireURL: tokenSrv.URL,
			RenewURL:   tokenSrv.URL,
		},
	}

	ch := channel.NewChannels(4, 4)
	s := New(cfg, session.Credentials{}, ch)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer s.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := dials
		mu.Unlock()
		if n >= 2 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("no redial after remote close: %d dials", n)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
