package events

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Aidin1998/cashspend/internal/spend/interfaces"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
	wsBuffer     = 64
)

// Hub streams events to websocket subscribers. A subscriber may narrow the
// stream to one account with the ?account= query parameter. Slow
// subscribers are dropped rather than blocking publication.
type Hub struct {
	upgrader websocket.Upgrader
	mu       sync.RWMutex
	clients  map[*wsClient]struct{}
	log      *zap.Logger
}

type wsClient struct {
	conn    *websocket.Conn
	account common.Address
	send    chan []byte
}

func NewHub(log *zap.Logger) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: make(map[*wsClient]struct{}),
		log:     log,
	}
}

func (h *Hub) Name() string { return "websocket" }

// Durable reports false: a subscriber that is slow or absent misses events.
func (h *Hub) Durable() bool { return false }

// Send implements Sink. It never fails: delivery to subscribers is best effort.
func (h *Hub) Send(_ context.Context, events []interfaces.Event) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, e := range events {
		data, err := encode(e)
		if err != nil {
			return err
		}
		for c := range h.clients {
			if c.account != interfaces.ZeroAddress && c.account != e.Account {
				continue
			}
			select {
			case c.send <- data:
			default:
				h.log.Warn("dropping event for slow websocket subscriber", zap.String("event_id", e.ID.String()))
			}
		}
	}
	return nil
}

// Subscribers returns the number of connected subscribers.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and streams events until the peer leaves.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var account common.Address
	if a := r.URL.Query().Get("account"); a != "" {
		if !common.IsHexAddress(a) {
			http.Error(w, "invalid account", http.StatusBadRequest)
			return
		}
		account = common.HexToAddress(a)
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	c := &wsClient{conn: conn, account: account, send: make(chan []byte, wsBuffer)}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	go h.readLoop(c)
	h.writeLoop(c)
}

func (h *Hub) remove(c *wsClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// readLoop discards client messages and detects disconnects.
func (h *Hub) readLoop(c *wsClient) {
	defer h.remove(c)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writeLoop(c *wsClient) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.remove(c)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.remove(c)
				return
			}
		}
	}
}
