package trade

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/predictx/market-engine/internal/metrics"
)

// WSMessage is a JSON message sent to WebSocket clients.
type WSMessage struct {
	Type      string         `json:"type"`
	EventID   string         `json:"event_id"`
	OutcomeID string         `json:"outcome_id,omitempty"`
	Side      string         `json:"side,omitempty"`
	Shares    string         `json:"shares,omitempty"`
	Amount    string         `json:"amount,omitempty"`
	Prices    []OutcomePrice `json:"prices,omitempty"`
}

type wsFrame struct {
	eventID string
	data    []byte
}

// WSHub manages WebSocket connections and pushes post-trade prices to
// connected clients. A client connecting with ?event=<id> only receives
// that event's updates.
type WSHub struct {
	clients    map[*websocket.Conn]string // conn → subscribed event id, "" for all
	broadcast  chan wsFrame
	register   chan wsClient
	unregister chan *websocket.Conn
	done       chan struct{}
	mu         sync.RWMutex
}

type wsClient struct {
	conn    *websocket.Conn
	eventID string
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub() *WSHub {
	return &WSHub{
		clients:    make(map[*websocket.Conn]string),
		broadcast:  make(chan wsFrame, 256),
		register:   make(chan wsClient),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
	}
}

// Run is the hub's event loop. It returns when ctx is cancelled, after
// closing every client connection.
func (h *WSHub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
				delete(h.clients, conn)
			}
			h.mu.Unlock()
			metrics.WebSocketClients.Set(0)
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c.conn] = c.eventID
			total := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Inc()
			slog.Info("ws client connected", "event", c.eventID, "total", total)

		case conn := <-h.unregister:
			h.drop(conn)

		case f := <-h.broadcast:
			h.mu.RLock()
			var failed []*websocket.Conn
			for conn, eventID := range h.clients {
				if eventID != "" && eventID != f.eventID {
					continue
				}
				conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteMessage(websocket.TextMessage, f.data); err != nil {
					failed = append(failed, conn)
				}
			}
			h.mu.RUnlock()
			for _, conn := range failed {
				h.drop(conn)
			}
		}
	}
}

func (h *WSHub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		conn.Close()
		metrics.WebSocketClients.Dec()
	}
}

// Clients returns the number of connected clients.
func (h *WSHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast queues a message for every client subscribed to its event.
func (h *WSHub) Broadcast(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- wsFrame{eventID: msg.EventID, data: data}:
	default:
		// Drop if buffer full to avoid blocking trade execution.
	}
}

// TradeExecuted implements Notifier.
func (h *WSHub) TradeExecuted(_ context.Context, n Notice) {
	h.Broadcast(WSMessage{
		Type:      "trade_executed",
		EventID:   n.Trade.EventID,
		OutcomeID: n.Trade.OutcomeID,
		Side:      string(n.Trade.Side),
		Shares:    n.Trade.Size.String(),
		Amount:    n.Trade.Amount.String(),
		Prices:    n.Prices,
	})
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // Allow all origins during development.
	},
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws.
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	select {
	case h.register <- wsClient{conn: conn, eventID: r.URL.Query().Get("event")}:
	case <-h.done:
		conn.Close()
		return
	}

	// Read pump: keep connection alive and detect disconnects.
	go func() {
		defer func() {
			select {
			case h.unregister <- conn:
			case <-h.done:
			}
		}()
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()

	// Ping ticker to keep connection alive through proxies.
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			h.mu.RLock()
			_, ok := h.clients[conn]
			h.mu.RUnlock()
			if !ok {
				return
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		}
	}()
}
