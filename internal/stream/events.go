package stream

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/satindergrewal/tunequiz/internal/metrics"
	"github.com/satindergrewal/tunequiz/internal/quiz"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

// Event is the JSON envelope sent to UI clients.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// StatusEvent is the UI view of a quiz.Status. It never carries the answer.
type StatusEvent struct {
	State    quiz.State `json:"state"`
	Kind     string     `json:"kind,omitempty"`
	Error    string     `json:"error,omitempty"`
	Duration float64    `json:"duration,omitempty"`
	CanRetry bool       `json:"can_retry,omitempty"`
}

// NewStatusEvent converts s for display.
func NewStatusEvent(s quiz.Status) StatusEvent {
	ev := StatusEvent{
		State:    s.State,
		Kind:     s.Kind,
		Error:    s.Message,
		CanRetry: s.Retry != nil,
	}
	if s.Quiz != nil {
		ev.Duration = s.Quiz.Audio.Duration().Seconds()
	}
	return ev
}

type eventClient struct {
	hub  *EventHub
	conn *websocket.Conn
	send chan []byte
}

// EventHub pushes quiz status changes to WebSocket clients. New clients
// receive the latest status on connect.
type EventHub struct {
	clients    map[*eventClient]bool
	broadcast  chan []byte
	register   chan *eventClient
	unregister chan *eventClient
	done       chan struct{}
	count      atomic.Int64
	last       atomic.Pointer[[]byte]
	logger     *slog.Logger
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// NewEventHub creates a hub. Call Run before serving clients.
func NewEventHub(logger *slog.Logger) *EventHub {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventHub{
		clients:    make(map[*eventClient]bool),
		broadcast:  make(chan []byte, 64),
		register:   make(chan *eventClient),
		unregister: make(chan *eventClient),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// Run owns the client set until Close.
func (h *EventHub) Run() {
	for {
		select {
		case <-h.done:
			for c := range h.clients {
				_ = c.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
					time.Now().Add(2*time.Second))
				h.drop(c)
			}
			return
		case c := <-h.register:
			h.clients[c] = true
			h.count.Add(1)
			metrics.StreamListeners.WithLabelValues("events").Inc()
			if last := h.last.Load(); last != nil {
				c.send <- *last
			}
			h.logger.Debug("event client connected", slog.Int("total", len(h.clients)))
		case c := <-h.unregister:
			if h.clients[c] {
				h.drop(c)
				h.logger.Debug("event client disconnected", slog.Int("total", len(h.clients)))
			}
		case msg := <-h.broadcast:
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					h.drop(c)
				}
			}
		}
	}
}

func (h *EventHub) drop(c *eventClient) {
	delete(h.clients, c)
	close(c.send)
	h.count.Add(-1)
	metrics.StreamListeners.WithLabelValues("events").Dec()
}

// Close disconnects every client and stops Run.
func (h *EventHub) Close() {
	close(h.done)
}

// ClientCount returns the number of connected clients.
func (h *EventHub) ClientCount() int {
	return int(h.count.Load())
}

// Publish implements quiz.Sink. It never blocks; an update is skipped when
// the hub is backed up.
func (h *EventHub) Publish(s quiz.Status) {
	payload, err := json.Marshal(Event{Type: "status", Data: NewStatusEvent(s)})
	if err != nil {
		h.logger.Error("event marshal failed", slog.String("error", err.Error()))
		return
	}
	h.last.Store(&payload)
	h.send(payload)
}

// Broadcast sends a typed message to every client.
func (h *EventHub) Broadcast(eventType string, data any) {
	payload, err := json.Marshal(Event{Type: eventType, Data: data})
	if err != nil {
		h.logger.Error("event marshal failed", slog.String("error", err.Error()))
		return
	}
	h.send(payload)
}

func (h *EventHub) send(payload []byte) {
	if h.count.Load() == 0 {
		return
	}
	select {
	case h.broadcast <- payload:
	default:
	}
}

// ServeHTTP upgrades the request to a WebSocket event feed.
func (h *EventHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("event upgrade failed", slog.String("error", err.Error()))
		return
	}
	c := &eventClient{hub: h, conn: conn, send: make(chan []byte, 16)}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}
	go c.writePump()
	go c.readPump()
}

func (c *eventClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump only services control frames; clients talk to the HTTP API.
func (c *eventClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
