package notify

import (
	"context"
	"log/slog"
	"sync"

	"axion-alerts/internal/clock"
	"axion-alerts/internal/domain"
)

// DefaultInAppMaxPerUser bounds each user's inbox.
const DefaultInAppMaxPerUser = 100

// Publisher receives in-app notifications as they are stored.
type Publisher interface {
	Publish(userID string, notification *domain.Notification)
}

// InApp keeps a bounded per-user inbox of delivered notifications.
type InApp struct {
	base
	maxPerUser int
	publisher  Publisher

	mu    sync.Mutex
	inbox map[string][]*domain.Notification
}

// NewInApp creates the in-app channel.
// Params: per-user capacity (default when <=0), optional live publisher, clock, logger.
// Returns: in-app channel.
func NewInApp(maxPerUser int, publisher Publisher, clk clock.Clock, logger *slog.Logger) *InApp {
	if maxPerUser <= 0 {
		maxPerUser = DefaultInAppMaxPerUser
	}
	return &InApp{
		base:       newBase(domain.ChannelInApp, clk, logger),
		maxPerUser: maxPerUser,
		publisher:  publisher,
		inbox:      make(map[string][]*domain.Notification),
	}
}

// ValidateRecipient accepts anything; in-app delivery is addressed by user ID.
func (c *InApp) ValidateRecipient(string) bool {
	return true
}

// Send stores the notification in the user's inbox, dropping the oldest past capacity.
func (c *InApp) Send(_ context.Context, notification *domain.Notification) bool {
	notification.MarkDelivered(c.clock.Now())
	stored := notification.Clone()

	c.mu.Lock()
	items := append(c.inbox[stored.UserID], stored)
	if overflow := len(items) - c.maxPerUser; overflow > 0 {
		items = append([]*domain.Notification(nil), items[overflow:]...)
	}
	c.inbox[stored.UserID] = items
	c.mu.Unlock()

	if c.publisher != nil {
		c.publisher.Publish(stored.UserID, stored.Clone())
	}
	return true
}

// All returns the user's inbox, oldest first.
func (c *InApp) All(userID string) []*domain.Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	return cloneAll(c.inbox[userID], nil)
}

// Unread returns unread notifications, oldest first.
func (c *InApp) Unread(userID string) []*domain.Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	return cloneAll(c.inbox[userID], func(n *domain.Notification) bool { return !n.IsRead })
}

// UnreadCount returns the number of unread notifications.
func (c *InApp) UnreadCount(userID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	count := 0
	for _, n := range c.inbox[userID] {
		if !n.IsRead {
			count++
		}
	}
	return count
}

// MarkRead flags one notification as read.
// Returns: false when the notification is not in the user's inbox.
func (c *InApp) MarkRead(userID, notificationID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, n := range c.inbox[userID] {
		if n.ID == notificationID {
			n.MarkRead()
			return true
		}
	}
	return false
}

// MarkAllRead flags every notification as read and returns how many changed.
func (c *InApp) MarkAllRead(userID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	changed := 0
	for _, n := range c.inbox[userID] {
		if !n.IsRead {
			n.MarkRead()
			changed++
		}
	}
	return changed
}

// Clear empties the user's inbox.
func (c *InApp) Clear(userID string) {
	c.mu.Lock()
	delete(c.inbox, userID)
	c.mu.Unlock()
}

func cloneAll(items []*domain.Notification, keep func(*domain.Notification) bool) []*domain.Notification {
	out := make([]*domain.Notification, 0, len(items))
	for _, n := range items {
		if keep != nil && !keep(n) {
			continue
		}
		out = append(out, n.Clone())
	}
	return out
}
