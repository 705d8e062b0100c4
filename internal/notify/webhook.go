package notify

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"axion-alerts/internal/clock"
	"axion-alerts/internal/config"
	"axion-alerts/internal/domain"
	"axion-alerts/internal/permanent"
)

// SignatureHeader carries the hex HMAC-SHA256 of the request body.
const SignatureHeader = "X-Axion-Signature"

const defaultDeliveryLogMax = 1000

var webhookURLPattern = regexp.MustCompile(`^https?://[^\s/$.?#][^\s]*$`)

// WebhookPayload is the JSON body posted to user webhooks.
type WebhookPayload struct {
	Event          string `json:"event"`
	NotificationID string `json:"notification_id"`
	EventID        string `json:"event_id"`
	UserID         string `json:"user_id"`
	Message        string `json:"message"`
	Subject        string `json:"subject"`
	Timestamp      string `json:"timestamp"`
}

// Delivery is one webhook attempt in the delivery log.
type Delivery struct {
	NotificationID string    `json:"notification_id"`
	URL            string    `json:"url"`
	StatusCode     int       `json:"status_code"`
	Error          string    `json:"error,omitempty"`
	At             time.Time `json:"at"`
}

// Webhook posts signed JSON payloads to user-provided URLs.
type Webhook struct {
	base
	secret string
	client *http.Client
	logMax int

	mu  sync.Mutex
	log []Delivery
}

// NewWebhook creates the webhook channel.
// Params: webhook settings, clock, logger.
// Returns: webhook channel.
func NewWebhook(cfg config.WebhookConfig, clk clock.Clock, logger *slog.Logger) *Webhook {
	logMax := cfg.DeliveryLogMax
	if logMax <= 0 {
		logMax = defaultDeliveryLogMax
	}
	return &Webhook{
		base:   newBase(domain.ChannelWebhook, clk, logger),
		secret: cfg.Secret,
		client: httpClient(cfg.TimeoutSec),
		logMax: logMax,
	}
}

// ValidateRecipient checks for an http(s) URL.
func (c *Webhook) ValidateRecipient(recipient string) bool {
	return webhookURLPattern.MatchString(strings.TrimSpace(recipient))
}

// Send posts the payload and records the attempt in the delivery log.
func (c *Webhook) Send(ctx context.Context, notification *domain.Notification) bool {
	url := strings.TrimSpace(notification.Recipient)
	if !c.ValidateRecipient(url) {
		return c.finish(notification, permanent.Errorf("invalid webhook URL %q", url))
	}

	body, err := json.Marshal(WebhookPayload{
		Event:          "alert.triggered",
		NotificationID: notification.ID,
		EventID:        notification.EventID,
		UserID:         notification.UserID,
		Message:        notification.Message,
		Subject:        notification.Subject,
		Timestamp:      c.clock.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return c.finish(notification, permanent.Errorf("encode webhook payload: %v", err))
	}

	headers := map[string]string{}
	if c.secret != "" {
		headers[SignatureHeader] = Sign(c.secret, body)
	}
	status, err := postJSON(ctx, c.client, url, body, headers)
	c.record(notification.ID, url, status, err)
	return c.finish(notification, err)
}

// Deliveries returns the delivery log, oldest first.
func (c *Webhook) Deliveries() []Delivery {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Delivery(nil), c.log...)
}

func (c *Webhook) record(notificationID, url string, status int, err error) {
	entry := Delivery{NotificationID: notificationID, URL: url, StatusCode: status, At: c.clock.Now()}
	if err != nil {
		entry.Error = err.Error()
	}
	c.mu.Lock()
	c.log = append(c.log, entry)
	if overflow := len(c.log) - c.logMax; overflow > 0 {
		c.log = append([]Delivery(nil), c.log[overflow:]...)
	}
	c.mu.Unlock()
}

// Sign returns the hex HMAC-SHA256 of body keyed by secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
