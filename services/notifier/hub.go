package notifier

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/lfelipediniz/B3Notifier/models"
	"go.uber.org/zap"
)

const (
	MaxWebSocketClients   = 100
	WebSocketWriteTimeout = 10 * time.Second
	WebSocketPongTimeout  = 60 * time.Second
	WebSocketPingInterval = 30 * time.Second
	clientBufferSize      = 64
)

// Message is the envelope pushed to websocket clients
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data"`
	Time string `json:"time"`
}

type client struct {
	owner string
	conn  *websocket.Conn
	send  chan []byte
}

type delivery struct {
	owner string
	data  []byte
}

// Hub pushes breach notifications to the owner's open websocket connections
type Hub struct {
	clients    map[*client]bool
	broadcast  chan delivery
	register   chan *client
	unregister chan *client
	done       chan struct{}
	mu         sync.RWMutex
	upgrader   websocket.Upgrader
	log        *zap.Logger
}

func NewHub(log *zap.Logger) *Hub {
	return &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan delivery, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		log: log.Named("hub"),
	}
}

// Run serves registrations and broadcasts until ctx is done, then closes
// every connection
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
			}
			h.clients = make(map[*client]bool)
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			if len(h.clients) >= MaxWebSocketClients {
				h.mu.Unlock()
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "Server at capacity"))
				_ = c.conn.Close()
				h.log.Warn("websocket client rejected, hub at capacity")
				continue
			}
			h.clients[c] = true
			count := len(h.clients)
			h.mu.Unlock()
			h.log.Debug("websocket client connected", zap.String("owner", c.owner), zap.Int("clients", count))

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()

		case d := <-h.broadcast:
			h.mu.Lock()
			for c := range h.clients {
				if c.owner != d.owner {
					continue
				}
				select {
				case c.send <- d.data:
				default:
					// slow consumer
					delete(h.clients, c)
					close(c.send)
				}
			}
			h.mu.Unlock()
		}
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Notify queues the breach for the owner's connections. It never blocks on
// slow clients; a full queue is reported as a delivery failure.
func (h *Hub) Notify(_ context.Context, inst models.Instrument, side models.Side) error {
	data, err := json.Marshal(Message{
		Type: "breach",
		Data: NewBreach(inst, side),
		Time: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}

	select {
	case h.broadcast <- delivery{owner: inst.OwnerID, data: data}:
		return nil
	default:
		return ErrDelivery
	}
}

// ServeOwner upgrades the request and attaches the connection to owner
func (h *Hub) ServeOwner(w http.ResponseWriter, r *http.Request, owner string) {
	if h.ClientCount() >= MaxWebSocketClients {
		http.Error(w, "Server at capacity", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &client{
		owner: owner,
		conn:  conn,
		send:  make(chan []byte, clientBufferSize),
	}
	select {
	case h.register <- c:
	case <-h.done:
		_ = conn.Close()
		return
	}

	go c.writePump()
	go c.readPump(h)
}

func (c *client) writePump() {
	ticker := time.NewTicker(WebSocketPingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(WebSocketWriteTimeout))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(WebSocketWriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump only keeps the connection alive; clients send nothing useful
func (c *client) readPump(h *Hub) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(WebSocketPongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(WebSocketPongTimeout))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.log.Debug("websocket read error", zap.Error(err))
			}
			return
		}
	}
}
