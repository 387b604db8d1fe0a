package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ericvolp12/feedsync/pkg/realtime"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

const (
	clientBuffer = 64
	writeWait    = 5 * time.Second
	pingPeriod   = 30 * time.Second
)

// Hub broadcasts change envelopes to websocket clients, each receiving only
// the changes its scope admits.
type Hub struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader

	lk      sync.RWMutex
	clients map[*hubClient]struct{}
}

type hubClient struct {
	conn  *websocket.Conn
	scope realtime.Scope
	send  chan []byte
	once  sync.Once
}

func (c *hubClient) stop() {
	c.once.Do(func() { close(c.send) })
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger: logger.With("module", "hub"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[*hubClient]struct{}),
	}
}

func (h *Hub) Clients() int {
	h.lk.RLock()
	defer h.lk.RUnlock()
	return len(h.clients)
}

// HandleRealtime handles the GET /realtime endpoint
func (h *Hub) HandleRealtime(c echo.Context) error {
	// Parse the query parameters
	// table - Table to follow (optional, all tables when empty)
	// category - Category to follow (optional)
	// status - Status to follow (optional)
	scope := realtime.ScopeFromQuery(c.QueryParams())

	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.logger.Warn("failed to upgrade realtime client", "err", err)
		return nil
	}

	client := &hubClient{
		conn:  conn,
		scope: scope,
		send:  make(chan []byte, clientBuffer),
	}

	h.lk.Lock()
	h.clients[client] = struct{}{}
	h.lk.Unlock()
	realtimeClients.Inc()

	logger := h.logger.With("remote", conn.RemoteAddr().String(), "table", scope.Table)
	logger.Info("realtime client connected")

	go h.writeLoop(client)

	// Clients never send anything we act on; reading surfaces the close.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	h.remove(client)
	logger.Info("realtime client disconnected")
	return nil
}

func (h *Hub) remove(client *hubClient) {
	h.lk.Lock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		realtimeClients.Dec()
	}
	h.lk.Unlock()
	client.stop()
}

func (h *Hub) writeLoop(client *hubClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-client.send:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				client.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := client.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.logger.Warn("failed to write to realtime client", "err", err)
				return
			}
		case <-ticker.C:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Publish queues env for every client whose scope admits it. A client that
// cannot keep up is disconnected.
func (h *Hub) Publish(_ context.Context, env realtime.Envelope) error {
	ev, err := env.Event()
	if err != nil {
		return fmt.Errorf("refusing to broadcast undecodable envelope: %w", err)
	}

	msg, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	var slow []*hubClient

	h.lk.RLock()
	for client := range h.clients {
		if !client.scope.Admits(env, ev) {
			continue
		}
		select {
		case client.send <- msg:
			broadcastsTotal.WithLabelValues(env.Table, "sent").Inc()
		default:
			broadcastsTotal.WithLabelValues(env.Table, "dropped").Inc()
			slow = append(slow, client)
		}
	}
	h.lk.RUnlock()

	for _, client := range slow {
		h.logger.Warn("disconnecting slow realtime client", "remote", client.conn.RemoteAddr().String())
		h.remove(client)
	}

	return nil
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.lk.Lock()
	clients := h.clients
	h.clients = make(map[*hubClient]struct{})
	h.lk.Unlock()

	for client := range clients {
		realtimeClients.Dec()
		client.stop()
	}
}
