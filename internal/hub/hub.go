package hub

import (
	"sync"

	"github.com/goccy/go-json"

	"fleet-master/internal/metrics"
)

type Writer interface {
	Write(message []byte) error
	Close() error
}

// Connection is one live feed subscriber of a user.
type Connection struct {
	UserID string
	Writer Writer
}

// Envelope is the frame pushed to clients.
type Envelope struct {
	Type  string `json:"type"`
	Event string `json:"event,omitempty"`
	Body  any    `json:"body,omitempty"`
}

// Hub fans detection and notification frames out to each user's feeds.
type Hub struct {
	mu    sync.Mutex
	feeds map[string][]*Connection
	total int
}

func New() *Hub {
	return &Hub{feeds: make(map[string][]*Connection)}
}

func (h *Hub) Register(conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, c := range h.feeds[conn.UserID] {
		if c == conn {
			return
		}
	}
	h.feeds[conn.UserID] = append(h.feeds[conn.UserID], conn)
	h.total++
	metrics.SetFeedConnections(h.total)
}

func (h *Hub) Unregister(conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(conn)
}

func (h *Hub) removeLocked(conn *Connection) {
	feeds := h.feeds[conn.UserID]
	for i, c := range feeds {
		if c != conn {
			continue
		}
		feeds = append(feeds[:i], feeds[i+1:]...)
		if len(feeds) == 0 {
			delete(h.feeds, conn.UserID)
		} else {
			h.feeds[conn.UserID] = feeds
		}
		h.total--
		metrics.SetFeedConnections(h.total)
		return
	}
}

func (h *Hub) Connections(userID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.feeds[userID])
}

func (h *Hub) Total() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.total
}

// Publish sends an update frame for event to userID's feeds and returns how
// many accepted it.
func (h *Hub) Publish(userID, event string, body any) (int, error) {
	frame, err := json.Marshal(Envelope{Type: "update", Event: event, Body: body})
	if err != nil {
		return 0, err
	}
	return h.Broadcast(userID, frame), nil
}

// Broadcast writes message to userID's feeds. A feed whose write fails is
// closed and dropped.
func (h *Hub) Broadcast(userID string, message []byte) int {
	h.mu.Lock()
	targets := append([]*Connection(nil), h.feeds[userID]...)
	h.mu.Unlock()

	delivered := 0
	for _, c := range targets {
		if err := c.Writer.Write(message); err != nil {
			_ = c.Writer.Close()
			h.Unregister(c)
			continue
		}
		delivered++
	}
	metrics.AddFeedFrames("delivered", delivered)
	metrics.AddFeedFrames("dropped", len(targets)-delivered)
	return delivered
}
