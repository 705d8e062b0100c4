package domain

import "time"

// Notification is one delivery attempt record for one channel.
// Params: event identity, destination, and delivery state.
// Returns: record mutated by channels through the Mark* methods.
type Notification struct {
	ID           string         `json:"notification_id"`
	EventID      string         `json:"event_id"`
	UserID       string         `json:"user_id"`
	Channel      ChannelType    `json:"channel"`
	Status       DeliveryStatus `json:"status"`
	Message      string         `json:"message"`
	Subject      string         `json:"subject"`
	Recipient    string         `json:"recipient,omitempty"`
	Attempts     int            `json:"attempts"`
	CreatedAt    time.Time      `json:"created_at"`
	SentAt       *time.Time     `json:"sent_at,omitempty"`
	DeliveredAt  *time.Time     `json:"delivered_at,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	IsRead       bool           `json:"is_read"`
	// Terminal marks failures that a retry cannot fix (invalid recipient,
	// unconfigured channel).
	Terminal bool `json:"terminal,omitempty"`
}

// MarkSent records a successful hand-off to the provider.
func (n *Notification) MarkSent(now time.Time) {
	sentAt := now
	n.Status = DeliverySent
	n.SentAt = &sentAt
	n.ErrorMessage = ""
	n.Terminal = false
}

// MarkDelivered records confirmed delivery to the user.
func (n *Notification) MarkDelivered(now time.Time) {
	deliveredAt := now
	if n.SentAt == nil {
		n.SentAt = &deliveredAt
	}
	n.Status = DeliveryDelivered
	n.DeliveredAt = &deliveredAt
	n.ErrorMessage = ""
	n.Terminal = false
}

// MarkFailed records a failed attempt with its reason.
// Params: failure reason and whether a retry could succeed.
func (n *Notification) MarkFailed(reason string, terminal bool) {
	n.Status = DeliveryFailed
	n.ErrorMessage = reason
	n.Terminal = terminal
}

// MarkRead flags an in-app notification as read.
func (n *Notification) MarkRead() {
	n.IsRead = true
}

// Failed reports whether the last attempt failed.
func (n *Notification) Failed() bool {
	return n.Status == DeliveryFailed
}

// Clone returns a copy safe to hand out of channel stores.
func (n *Notification) Clone() *Notification {
	if n == nil {
		return nil
	}
	out := *n
	out.SentAt = cloneTime(n.SentAt)
	out.DeliveredAt = cloneTime(n.DeliveredAt)
	return &out
}
