package ws

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const (
	TypeTaskUpdate  = "task_update"
	TypeUsageUpdate = "usage_update"

	writeTimeout = 5 * time.Second
)

type Message struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// UsageFunc builds the usage_update payload for one user.
type UsageFunc func(ctx context.Context, userID string) (any, error)

type conn struct {
	ws     *websocket.Conn
	userID string
	cancel context.CancelFunc
}

// Hub tracks live connections per user and fans out messages to them.
type Hub struct {
	mu    sync.RWMutex
	conns map[*conn]struct{}
}

func NewHub() *Hub {
	return &Hub{conns: make(map[*conn]struct{})}
}

// Serve upgrades the request and blocks until the client goes away.
// userID scopes the connection; an empty ID only receives global broadcasts.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, userID string) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("ws: accept failed: %v", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	cn := &conn{ws: c, userID: userID, cancel: cancel}

	h.mu.Lock()
	h.conns[cn] = struct{}{}
	h.mu.Unlock()
	log.Printf("ws: client connected (user=%s)", userID)

	defer func() {
		h.remove(cn)
		_ = c.Close(websocket.StatusNormalClosure, "")
	}()

	// Inbound messages are ignored; reading detects disconnects.
	for {
		if _, _, err := c.Read(ctx); err != nil {
			return
		}
	}
}

// SendToUser delivers msg to every connection of userID.
func (h *Hub) SendToUser(ctx context.Context, userID string, msg Message) {
	h.send(ctx, msg, func(c *conn) bool { return c.userID == userID })
}

func (h *Hub) send(ctx context.Context, msg Message, match func(*conn) bool) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("ws: marshal failed: %v", err)
		return
	}

	h.mu.RLock()
	var targets []*conn
	for c := range h.conns {
		if match(c) {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		wctx, cancel := context.WithTimeout(ctx, writeTimeout)
		err := c.ws.Write(wctx, websocket.MessageText, data)
		cancel()
		if err != nil {
			log.Printf("ws: write failed: %v", err)
			h.remove(c)
		}
	}
}

// Users returns the distinct user IDs with an open connection.
func (h *Hub) Users() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	seen := make(map[string]struct{})
	var out []string
	for c := range h.conns {
		if c.userID == "" {
			continue
		}
		if _, ok := seen[c.userID]; !ok {
			seen[c.userID] = struct{}{}
			out = append(out, c.userID)
		}
	}
	return out
}

func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// RunUsageUpdates pushes a usage_update to each connected user every
// interval until ctx is done.
func (h *Hub) RunUsageUpdates(ctx context.Context, interval time.Duration, usage UsageFunc) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, userID := range h.Users() {
				data, err := usage(ctx, userID)
				if err != nil {
					log.Printf("ws: usage update for %s failed: %v", userID, err)
					continue
				}
				h.SendToUser(ctx, userID, Message{Type: TypeUsageUpdate, Data: data})
			}
		}
	}
}

func (h *Hub) remove(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.conns[c]; ok {
		c.cancel()
		delete(h.conns, c)
		log.Printf("ws: client disconnected (user=%s)", c.userID)
	}
}
