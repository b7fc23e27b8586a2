package trade_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/predictx/market-engine/internal/trade"
)

func startHub(t *testing.T) (*trade.WSHub, *httptest.Server) {
	t.Helper()
	hub := trade.NewWSHub()
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return hub, srv
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitForClients(t *testing.T, hub *trade.WSHub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.Clients() != n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d clients, have %d", n, hub.Clients())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWSHub_TradeBroadcast(t *testing.T) {
	hub, srv := startHub(t)
	_, ms, _ := newTestEnv(t)
	ex := trade.NewExecutor(ms, hub)
	ids := seedEvent(t, ms, "ev", 2)
	seedUser(t, ms, "alice", 1000)

	conn := dial(t, srv, "")
	waitForClients(t, hub, 1)

	if _, err := ex.Buy(context.Background(), "ev", ids[0], d(25), "alice"); err != nil {
		t.Fatalf("buy: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg trade.WSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.Type != "trade_executed" || msg.EventID != "ev" || msg.OutcomeID != ids[0] || msg.Side != "BUY" {
		t.Errorf("unexpected message %+v", msg)
	}
	if len(msg.Prices) != 2 {
		t.Fatalf("expected 2 prices, got %d", len(msg.Prices))
	}
	if !msg.Prices[0].Price.GreaterThan(d(0.5)) {
		t.Errorf("bought outcome should be above 0.5, got %s", msg.Prices[0].Price)
	}
}

func TestWSHub_EventSubscription(t *testing.T) {
	hub, srv := startHub(t)

	other := dial(t, srv, "?event=other")
	mine := dial(t, srv, "?event=ev")
	waitForClients(t, hub, 2)

	hub.Broadcast(trade.WSMessage{Type: "trade_executed", EventID: "ev"})

	mine.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := mine.ReadMessage(); err != nil {
		t.Fatalf("subscriber should receive its event: %v", err)
	}

	other.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, _, err := other.ReadMessage(); err == nil {
		t.Error("client subscribed to another event should not receive the message")
	}
}

func TestWSHub_Disconnect(t *testing.T) {
	hub, srv := startHub(t)

	conn := dial(t, srv, "")
	waitForClients(t, hub, 1)

	conn.Close()
	waitForClients(t, hub, 0)
}
