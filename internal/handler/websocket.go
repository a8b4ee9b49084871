package handler

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"fleet-master/internal/auth"
	"fleet-master/internal/hub"
	"fleet-master/internal/store"
)

const (
	feedReadLimit = 64 * 1024
	feedPongWait  = 60 * time.Second
	feedWriteWait = 10 * time.Second
	feedPingEvery = feedPongWait * 9 / 10
)

// WebSocketHandler streams a user's detection changes and notifications.
// Clients may send {"type":"ping"} and {"type":"snapshot"}.
type WebSocketHandler struct {
	Hub         *hub.Hub
	Store       *store.Store
	TokenConfig auth.TokenConfig
}

type clientMessage struct {
	Type string `json:"type"`
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// feedConn serializes writes; hub publishers and the read loop share it.
type feedConn struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func (f *feedConn) Write(message []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	_ = f.ws.SetWriteDeadline(time.Now().Add(feedWriteWait))
	return f.ws.WriteMessage(websocket.TextMessage, message)
}

func (f *feedConn) Close() error {
	return f.ws.Close()
}

func (f *feedConn) ping() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(feedWriteWait))
}

func (f *feedConn) send(env hub.Envelope) error {
	out, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return f.Write(out)
}

// keepalive pings until ctx ends or a ping fails, then closes the socket so
// the read loop unblocks.
func (f *feedConn) keepalive(ctx context.Context) {
	ticker := time.NewTicker(feedPingEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.ping(); err != nil {
				_ = f.ws.Close()
				return
			}
		}
	}
}

func (h *WebSocketHandler) Serve(c *gin.Context) {
	claims, err := auth.VerifyToken(c.Query("token"), h.TokenConfig)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	feed := &feedConn{ws: ws}
	conn := &hub.Connection{UserID: claims.UserID, Writer: feed}
	h.Hub.Register(conn)

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer func() {
		cancel()
		h.Hub.Unregister(conn)
		_ = ws.Close()
	}()
	go feed.keepalive(ctx)

	ws.SetReadLimit(feedReadLimit)
	_ = ws.SetReadDeadline(time.Now().Add(feedPongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(feedPongWait))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var msg clientMessage
		if json.Unmarshal(data, &msg) != nil {
			continue
		}
		switch msg.Type {
		case "ping":
			_ = feed.send(hub.Envelope{Type: "pong"})
		case "snapshot":
			_ = feed.send(hub.Envelope{Type: "snapshot", Body: h.snapshot(ctx, claims.UserID)})
		}
	}
}

// snapshot lists the user's recent detections so a client can resync after
// reconnecting.
func (h *WebSocketHandler) snapshot(ctx context.Context, userID string) []gin.H {
	sess := h.Store.Session(ctx)
	defer sess.Close() //nolint:errcheck

	detections, err := sess.DetectionsByUser(userID, activeDetectionsLimit)
	if err != nil {
		return nil
	}
	out := make([]gin.H, 0, len(detections))
	for _, d := range detections {
		out = append(out, detectionView(d, nil))
	}
	return out
}
