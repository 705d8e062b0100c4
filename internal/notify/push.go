package notify

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"axion-alerts/internal/domain"

	"github.com/gorilla/websocket"
)

const (
	pushWriteTimeout = 10 * time.Second
	pushPongWait     = 60 * time.Second
	pushPingPeriod   = (pushPongWait * 9) / 10
	pushSendBuffer   = 16
	pushReadLimit    = 4096

	// DefaultMaxConnsPerUser bounds concurrent push sockets per user.
	DefaultMaxConnsPerUser = 10
)

// Inbox is the in-app store the hub reads from and marks as read.
type Inbox interface {
	Unread(userID string) []*domain.Notification
	MarkRead(userID, notificationID string) bool
	MarkAllRead(userID string) int
}

// PushMessage is the JSON envelope sent to websocket clients.
type PushMessage struct {
	Event         string                 `json:"event"`
	Notifications []*domain.Notification `json:"notifications,omitempty"`
	Changed       int                    `json:"changed,omitempty"`
}

type pushCommand struct {
	Action         string `json:"action"`
	NotificationID string `json:"notification_id"`
}

// Hub pushes in-app notifications to connected websocket clients, keyed by user ID.
// Clients connect with ?user_id=<id>, receive their unread backlog, then live
// notifications. They may send {"action":"mark_read","notification_id":...}
// or {"action":"mark_all_read"}.
type Hub struct {
	maxPerUser int
	logger     *slog.Logger
	upgrader   websocket.Upgrader

	mu      sync.RWMutex
	inbox   Inbox
	clients map[string]map[*pushClient]struct{}
}

type pushClient struct {
	userID string
	conn   *websocket.Conn
	send   chan []byte
}

// NewHub creates a push hub.
// Params: per-user connection cap (default when <=0) and logger.
// Returns: hub; attach the inbox with SetInbox before serving.
func NewHub(maxConnsPerUser int, logger *slog.Logger) *Hub {
	if maxConnsPerUser <= 0 {
		maxConnsPerUser = DefaultMaxConnsPerUser
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Hub{
		maxPerUser: maxConnsPerUser,
		logger:     logger.With("component", "push"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[string]map[*pushClient]struct{}),
	}
}

// SetInbox attaches the in-app store used for backlog and read commands.
func (h *Hub) SetInbox(inbox Inbox) {
	h.mu.Lock()
	h.inbox = inbox
	h.mu.Unlock()
}

// Publish sends one notification to every socket of the user. Slow clients are dropped.
// Sends run under the read lock; unregister closes channels under the write lock.
func (h *Hub) Publish(userID string, notification *domain.Notification) {
	data, err := json.Marshal(PushMessage{Event: "notification", Notifications: []*domain.Notification{notification}})
	if err != nil {
		return
	}
	h.mu.RLock()
	var slow []*pushClient
	for client := range h.clients[userID] {
		select {
		case client.send <- data:
		default:
			slow = append(slow, client)
		}
	}
	h.mu.RUnlock()

	for _, client := range slow {
		h.logger.Warn("push client buffer full, disconnecting", "user_id", userID)
		h.unregister(client)
	}
}

// Count returns connected sockets for userID ("" counts all users).
func (h *Hub) Count(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if userID != "" {
		return len(h.clients[userID])
	}
	total := 0
	for _, clients := range h.clients {
		total += len(clients)
	}
	return total
}

// ServeHTTP upgrades the request and serves one client until it disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if userID == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}
	// The slot is taken before the upgrade so concurrent handshakes cannot pass the cap.
	client := &pushClient{userID: userID, send: make(chan []byte, pushSendBuffer)}
	if !h.register(client) {
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return
	}
	defer h.unregister(client)
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	client.conn = conn

	if inbox := h.currentInbox(); inbox != nil {
		h.reply(client, PushMessage{Event: "backlog", Notifications: inbox.Unread(userID)})
	}

	go client.writePump()
	h.readPump(client)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for userID, clients := range h.clients {
		for client := range clients {
			close(client.send)
		}
		delete(h.clients, userID)
	}
}

func (h *Hub) currentInbox() Inbox {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.inbox
}

// register adds client unless its user is already at the connection cap.
func (h *Hub) register(client *pushClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.clients[client.userID]) >= h.maxPerUser {
		return false
	}
	if h.clients[client.userID] == nil {
		h.clients[client.userID] = make(map[*pushClient]struct{})
	}
	h.clients[client.userID][client] = struct{}{}
	return true
}

func (h *Hub) unregister(client *pushClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	clients := h.clients[client.userID]
	if _, ok := clients[client]; !ok {
		return
	}
	delete(clients, client)
	close(client.send)
	if len(clients) == 0 {
		delete(h.clients, client.userID)
	}
}

func (h *Hub) reply(client *pushClient, message PushMessage) {
	data, err := json.Marshal(message)
	if err != nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.clients[client.userID][client]; !ok {
		return
	}
	select {
	case client.send <- data:
	default:
	}
}

func (h *Hub) readPump(client *pushClient) {
	defer client.conn.Close()
	client.conn.SetReadLimit(pushReadLimit)
	_ = client.conn.SetReadDeadline(time.Now().Add(pushPongWait))
	client.conn.SetPongHandler(func(string) error {
		return client.conn.SetReadDeadline(time.Now().Add(pushPongWait))
	})
	for {
		_, payload, err := client.conn.ReadMessage()
		if err != nil {
			return
		}
		var command pushCommand
		if err := json.Unmarshal(payload, &command); err != nil {
			h.reply(client, PushMessage{Event: "error"})
			continue
		}
		inbox := h.currentInbox()
		if inbox == nil {
			continue
		}
		switch command.Action {
		case "mark_read":
			changed := 0
			if inbox.MarkRead(client.userID, command.NotificationID) {
				changed = 1
			}
			h.reply(client, PushMessage{Event: "marked_read", Changed: changed})
		case "mark_all_read":
			h.reply(client, PushMessage{Event: "marked_read", Changed: inbox.MarkAllRead(client.userID)})
		default:
			h.reply(client, PushMessage{Event: "error"})
		}
	}
}

func (c *pushClient) writePump() {
	ticker := time.NewTicker(pushPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(pushWriteTimeout))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(pushWriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
