// Package stream pushes execution records to WebSocket subscribers.
package stream

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/Swind/go-lane-runner/core"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// Event is the JSON message sent for every terminal task.
type Event struct {
	Type        string  `json:"type"`
	Seq         int64   `json:"seq"`
	RunID       string  `json:"runId"`
	TaskID      string  `json:"taskId,omitempty"`
	Name        string  `json:"name,omitempty"`
	Lane        string  `json:"lane,omitempty"`
	State       string  `json:"state"`
	SubmittedAt int64   `json:"submittedAt,omitempty"` // unix millis
	StartedAt   int64   `json:"startedAt,omitempty"`
	FinishedAt  int64   `json:"finishedAt"`
	DurationMs  float64 `json:"durationMs"`
	Panicked    bool    `json:"panicked,omitempty"`
}

// Options configures a Hub.
type Options struct {
	// Buffer is the per-client queue length. Defaults to 64.
	Buffer int
	Logger core.Logger
}

type client struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	lane   string
	taskID string
}

func (c *client) wants(rec core.TaskExecutionRecord) bool {
	if c.lane != "" && c.lane != rec.Lane {
		return false
	}
	if c.taskID != "" && c.taskID != rec.TaskID {
		return false
	}
	return true
}

// Hub is a core.ExecutionObserver and an http.Handler. Each connection may
// filter with ?lane= and ?id= query parameters. Slow clients lose messages
// rather than delaying the scheduler.
type Hub struct {
	upgrader websocket.Upgrader
	logger   core.Logger
	buffer   int

	mu      sync.RWMutex
	clients map[string]*client
	closed  bool

	seq     atomic.Int64
	dropped atomic.Int64
}

var _ core.ExecutionObserver = (*Hub)(nil)

// NewHub creates a hub with no subscribers.
func NewHub(opts Options) *Hub {
	if opts.Buffer <= 0 {
		opts.Buffer = 64
	}
	if opts.Logger == nil {
		opts.Logger = core.NewNoOpLogger()
	}
	return &Hub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger:  opts.Logger,
		buffer:  opts.Buffer,
		clients: make(map[string]*client),
	}
}

// ObserveExecution fans rec out to every matching subscriber.
func (h *Hub) ObserveExecution(rec core.TaskExecutionRecord) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if len(h.clients) == 0 {
		return
	}

	data, err := json.Marshal(newEvent(h.seq.Add(1), rec))
	if err != nil {
		h.logger.Error("Failed to marshal execution event", core.F("error", err.Error()))
		return
	}

	for _, c := range h.clients {
		if !c.wants(rec) {
			continue
		}
		select {
		case c.send <- data:
		default:
			h.dropped.Add(1)
		}
	}
}

func newEvent(seq int64, rec core.TaskExecutionRecord) Event {
	return Event{
		Type:        "execution",
		Seq:         seq,
		RunID:       rec.RunID,
		TaskID:      rec.TaskID,
		Name:        rec.Name,
		Lane:        rec.Lane,
		State:       rec.State.String(),
		SubmittedAt: millis(rec.SubmittedAt),
		StartedAt:   millis(rec.StartedAt),
		FinishedAt:  millis(rec.FinishedAt),
		DurationMs:  float64(rec.Duration) / float64(time.Millisecond),
		Panicked:    rec.Panicked,
	}
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// ServeHTTP upgrades the request and registers the subscriber.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		http.Error(w, "stream is shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Failed to upgrade stream connection", core.F("error", err.Error()))
		return
	}

	id, err := gonanoid.New()
	if err != nil {
		conn.Close()
		return
	}

	c := &client{
		id:     id,
		conn:   conn,
		send:   make(chan []byte, h.buffer),
		lane:   r.URL.Query().Get("lane"),
		taskID: r.URL.Query().Get("id"),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[id] = c
	h.mu.Unlock()

	h.logger.Info("Stream client connected",
		core.F("client", id), core.F("remote", r.RemoteAddr),
		core.F("lane", c.lane), core.F("id", c.taskID))

	go h.writePump(c)
	go h.readPump(c)
}

// readPump discards client input and notices disconnects.
func (h *Hub) readPump(c *client) {
	defer h.remove(c.id)

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

func (h *Hub) writePump(c *client) {
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
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.remove(c.id)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.remove(c.id)
				return
			}
		}
	}
}

// remove unregisters the client and closes its queue, which ends writePump.
func (h *Hub) remove(id string) {
	h.mu.Lock()
	c, ok := h.clients[id]
	if ok {
		delete(h.clients, id)
		close(c.send)
	}
	h.mu.Unlock()

	if ok {
		h.logger.Info("Stream client disconnected", core.F("client", id))
	}
}

// Clients returns the number of connected subscribers.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dropped returns how many messages slow subscribers lost.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// Close disconnects every subscriber with a going-away close frame and
// rejects new connections.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	for id, c := range h.clients {
		delete(h.clients, id)
		close(c.send)
	}
	h.mu.Unlock()
}
