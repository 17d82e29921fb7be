package stream

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"otoflow/internal/enginerr"
	"otoflow/models"
)

var upgrader = websocket.Upgrader{}

// newWSServer upgrades each request, captures the subscribe frame and hands
// the socket to the session callback.
func newWSServer(t *testing.T, session func(conn *websocket.Conn, sub models.SubscribeRequest)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
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
		session(conn, sub)
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func closeNormally(conn *websocket.Conn) {
	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func TestConnectAndDispatch(t *testing.T) {
	frames := []string{
		`{"e":"trade","s":"BTCUSDT","p":"100.5"}`,
		`not json at all`,
		`{"e":"depth","s":"BTCUSDT"}`,
		`{"e":"trade","s":"BTCUSDT","p":"101.5"}`,
	}

	var gotSub models.SubscribeRequest
	var subMu sync.Mutex
	srv := newWSServer(t, func(conn *websocket.Conn, sub models.SubscribeRequest) {
		subMu.Lock()
		gotSub = sub
		subMu.Unlock()
		for _, f := range frames {
			conn.WriteMessage(websocket.TextMessage, []byte(f))
		}
		closeNormally(conn)
	})
	defer srv.Close()

	c := New(Config{URL: wsURL(srv)}, "btcusdt@trade")
	defer c.Close()

	received := make(chan string, 8)
	c.On("trade", func(payload []byte) {
		var frame struct {
			Price string `json:"p"`
		}
		json.Unmarshal(payload, &frame)
		received <- frame.Price
	})

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if c.State() != StateConnected {
		t.Errorf("unexpected state after connect: %s", c.State())
	}

	if err := c.Listen(context.Background()); err != nil {
		t.Fatalf("Listen returned error on clean close: %v", err)
	}

	subMu.Lock()
	if gotSub.Method != "SUBSCRIBE" || len(gotSub.Params) != 1 || gotSub.Params[0] != "btcusdt@trade" {
		t.Errorf("unexpected subscribe frame: %+v", gotSub)
	}
	subMu.Unlock()

	// Only the two trade frames reach the handler; the malformed frame and
	// the depth frame are skipped.
	close(received)
	var prices []string
	for p := range received {
		prices = append(prices, p)
	}
	if len(prices) != 2 || prices[0] != "100.5" || prices[1] != "101.5" {
		t.Errorf("unexpected dispatched prices: %v", prices)
	}
}

func TestConnectFailure(t *testing.T) {
	c := New(Config{URL: "ws://127.0.0.1:1", HandshakeTimeout: 200 * time.Millisecond}, "btcusdt@trade")
	defer c.Close()

	err := c.Connect(context.Background())
	if !errors.Is(err, enginerr.ErrConnection) {
		t.Fatalf("expected connection error, got %v", err)
	}
	if c.State() != StateDisconnected {
		t.Errorf("unexpected state after failed connect: %s", c.State())
	}
}

func TestListenRequiresConnection(t *testing.T) {
	c := New(Config{URL: "ws://127.0.0.1:1"}, "btcusdt@trade")
	defer c.Close()

	if err := c.Listen(context.Background()); !errors.Is(err, enginerr.ErrConnection) {
		t.Errorf("expected connection error, got %v", err)
	}
}

func TestHandlerLastRegistrationWins(t *testing.T) {
	srv := newWSServer(t, func(conn *websocket.Conn, sub models.SubscribeRequest) {
		conn.WriteMessage(websocket.TextMessage, []byte(`{"e":"trade"}`))
		closeNormally(conn)
	})
	defer srv.Close()

	c := New(Config{URL: wsURL(srv)}, "btcusdt@trade")
	defer c.Close()

	var firstCalled, secondCalled bool
	c.On("trade", func([]byte) { firstCalled = true })
	c.On("trade", func([]byte) { secondCalled = true })

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if err := c.Listen(context.Background()); err != nil {
		t.Fatalf("Listen failed: %v", err)
	}

	if firstCalled || !secondCalled {
		t.Errorf("expected only the last handler: first=%v second=%v", firstCalled, secondCalled)
	}
}

func TestReconnectExhaustion(t *testing.T) {
	c := New(Config{
		URL:              "ws://127.0.0.1:1",
		BaseDelay:        time.Millisecond,
		MaxDelay:         4 * time.Millisecond,
		MaxAttempts:      2,
		HandshakeTimeout: 200 * time.Millisecond,
	}, "btcusdt@trade")

	ctx := context.Background()
	if c.Reconnect(ctx) {
		t.Fatal("first attempt should fail against a dead endpoint")
	}
	if c.State() == StateClosed {
		t.Fatal("budget not yet exhausted after first attempt")
	}
	if c.Attempts() != 1 {
		t.Fatalf("unexpected attempt count: %d", c.Attempts())
	}

	if c.Reconnect(ctx) {
		t.Fatal("second attempt should fail")
	}
	if c.State() != StateClosed {
		t.Fatalf("exhausted budget must close the connection, state %s", c.State())
	}

	// Further calls are rejected outright.
	if c.Reconnect(ctx) {
		t.Error("reconnect on a closed connection must fail")
	}
	if err := c.Connect(ctx); !errors.Is(err, enginerr.ErrStreamClosed) {
		t.Errorf("connect on a closed connection must fail, got %v", err)
	}

	var exhausted bool
	c.Close()
	for ev := range c.Events() {
		if ev.Type == EventReconnectExhausted {
			exhausted = true
		}
	}
	if !exhausted {
		t.Error("expected a reconnect_exhausted event")
	}
}

func TestReconnectSuccessResetsAttempts(t *testing.T) {
	srv := newWSServer(t, func(conn *websocket.Conn, sub models.SubscribeRequest) {
		closeNormally(conn)
	})
	defer srv.Close()

	c := New(Config{URL: wsURL(srv), BaseDelay: time.Millisecond, MaxAttempts: 3}, "btcusdt@trade")
	defer c.Close()

	if !c.Reconnect(context.Background()) {
		t.Fatal("reconnect against a live endpoint should succeed")
	}
	if c.State() != StateConnected {
		t.Errorf("unexpected state after reconnect: %s", c.State())
	}
	if c.Attempts() != 0 {
		t.Errorf("successful reconnect must reset attempts, got %d", c.Attempts())
	}
}

func TestDisconnectIdempotent(t *testing.T) {
	srv := newWSServer(t, func(conn *websocket.Conn, sub models.SubscribeRequest) {
		// Hold the socket open until the client closes it.
		conn.ReadMessage()
	})
	defer srv.Close()

	c := New(Config{URL: wsURL(srv)}, "btcusdt@trade")
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	c.Disconnect()
	if c.State() != StateDisconnected {
		t.Errorf("unexpected state after disconnect: %s", c.State())
	}
	c.Disconnect()
	c.Close()
	c.Close()
	if c.State() != StateClosed {
		t.Errorf("unexpected state after close: %s", c.State())
	}
}

func TestBackoffDelay(t *testing.T) {
	base := time.Second
	max := 60 * time.Second

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{6, 32 * time.Second},
		{7, max},
		{40, max},
		{0, base},
	}
	for _, tc := range cases {
		if got := backoffDelay(base, max, tc.attempt); got != tc.want {
			t.Errorf("attempt %d: got %s want %s", tc.attempt, got, tc.want)
		}
	}
}
