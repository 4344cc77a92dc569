package httpapi

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/ericchongums/kopikap-dashboard/internal/alert"
	"github.com/ericchongums/kopikap-dashboard/internal/board"
	"github.com/ericchongums/kopikap-dashboard/internal/metrics"
)

// Websocket event names.
const (
	EventNewOrder = "newOrder"
	EventBoard    = "board"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	// sendBuffer is how many messages may queue for one client before it is
	// considered stalled and dropped.
	sendBuffer = 64
)

// Message is one websocket push.
type Message struct {
	Event   string `json:"event"`
	Payload any    `json:"payload"`
}

// Hub fans messages out to every connected websocket client. It is an alert.Notifier
// and a board frame sink. Each client has its own queue and writer goroutine, so a
// stalled client is dropped instead of holding up the others or the caller.
type Hub struct {
	upgrader websocket.Upgrader
	log      Logger
	metrics  *metrics.Registry

	mu      sync.Mutex
	clients map[*client]bool
	closed  bool
	// Greeting is sent to each client right after it connects.
	greeting func() []Message
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

var _ alert.Notifier = (*Hub)(nil)

func NewHub(log Logger, m *metrics.Registry) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			// tokens, not origins, gate the feed
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log:     log,
		metrics: m,
		clients: make(map[*client]bool),
	}
}

// SetGreeting installs the function producing the messages sent on connect.
func (h *Hub) SetGreeting(fn func() []Message) {
	h.mu.Lock()
	h.greeting = fn
	h.mu.Unlock()
}

// Handle upgrades the request and keeps the client registered until it disconnects.
func (h *Hub) Handle() gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			h.log.Printf("websocket: upgrade: %v", err)
			return
		}
		defer conn.Close()

		h.mu.Lock()
		greeting := h.greeting
		h.mu.Unlock()
		var hello [][]byte
		if greeting != nil {
			for _, m := range greeting() {
				b, err := json.Marshal(m)
				if err != nil {
					h.log.Printf("websocket: encode %s: %v", m.Event, err)
					continue
				}
				hello = append(hello, b)
			}
		}

		cl := &client{conn: conn, send: make(chan []byte, sendBuffer+len(hello))}
		for _, b := range hello {
			cl.send <- b
		}
		if !h.register(cl) {
			return
		}
		go h.writePump(cl)
		h.readPump(cl)
	}
}

func (h *Hub) register(cl *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[cl] = true
	h.gauge()
	return true
}

func (h *Hub) unregister(cl *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropLocked(cl)
}

// readPump discards client messages and notices disconnects and missed pongs.
func (h *Hub) readPump(cl *client) {
	defer h.unregister(cl)
	_ = cl.conn.SetReadDeadline(time.Now().Add(pongWait))
	cl.conn.SetPongHandler(func(string) error {
		return cl.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := cl.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump drains the client's queue. It exits when the queue is closed or a write
// fails; closing the connection then ends readPump.
func (h *Hub) writePump(cl *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		cl.conn.Close()
	}()
	for {
		select {
		case b, ok := <-cl.send:
			_ = cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = cl.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := cl.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				h.log.Printf("websocket: write: %v", err)
				return
			}
		case <-ticker.C:
			_ = cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := cl.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) dropLocked(cl *client) {
	if h.clients[cl] {
		delete(h.clients, cl)
		close(cl.send)
		h.gauge()
	}
}

func (h *Hub) gauge() {
	if h.metrics != nil {
		h.metrics.WebsocketClients.Set(float64(len(h.clients)))
	}
}

// Broadcast queues m for every client without blocking. A client whose queue is full
// is dropped.
func (h *Hub) Broadcast(m Message) {
	b, err := json.Marshal(m)
	if err != nil {
		h.log.Printf("websocket: encode %s: %v", m.Event, err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for cl := range h.clients {
		select {
		case cl.send <- b:
		default:
			h.log.Printf("websocket: client too slow, dropping")
			h.dropLocked(cl)
		}
	}
}

// Notify pushes a new-order alert.
func (h *Hub) Notify(a alert.Alert) {
	h.Broadcast(Message{Event: EventNewOrder, Payload: a})
}

// PublishFrame pushes a board frame.
func (h *Hub) PublishFrame(f board.Frame) {
	h.Broadcast(Message{Event: EventBoard, Payload: f})
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for cl := range h.clients {
		h.dropLocked(cl)
	}
}
