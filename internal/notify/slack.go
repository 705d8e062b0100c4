package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"regexp"
	"strings"

	"axion-alerts/internal/clock"
	"axion-alerts/internal/config"
	"axion-alerts/internal/domain"
	"axion-alerts/internal/permanent"

	"golang.org/x/time/rate"
)

const (
	slackFooterLayout   = "2006-01-02 15:04"
	defaultSlackSubject = "Axion Alert"
)

var slackWebhookPattern = regexp.MustCompile(`^https://hooks\.slack\.com/services/T[A-Z0-9]+/B[A-Z0-9]+/[A-Za-z0-9]+$`)

type slackText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type slackBlock struct {
	Type     string      `json:"type"`
	Text     *slackText  `json:"text,omitempty"`
	Elements []slackText `json:"elements,omitempty"`
}

type slackPayload struct {
	Text   string       `json:"text"`
	Blocks []slackBlock `json:"blocks"`
}

// Slack posts block messages to Slack incoming webhooks.
type Slack struct {
	base
	client  *http.Client
	limiter *rate.Limiter
}

// NewSlack creates the Slack channel.
// Params: Slack settings, clock, logger.
// Returns: Slack channel.
func NewSlack(cfg config.SlackConfig, clk clock.Clock, logger *slog.Logger) *Slack {
	return &Slack{
		base:    newBase(domain.ChannelSlack, clk, logger),
		client:  httpClient(cfg.TimeoutSec),
		limiter: newLimiter(cfg.RatePerSec, cfg.Burst),
	}
}

// ValidateRecipient checks for a hooks.slack.com incoming-webhook URL.
func (c *Slack) ValidateRecipient(recipient string) bool {
	return slackWebhookPattern.MatchString(strings.TrimSpace(recipient))
}

// Send posts the message. URLs outside the Slack pattern are still attempted.
func (c *Slack) Send(ctx context.Context, notification *domain.Notification) bool {
	return c.finish(notification, c.deliver(ctx, notification))
}

func (c *Slack) deliver(ctx context.Context, notification *domain.Notification) error {
	url := strings.TrimSpace(notification.Recipient)
	if url == "" {
		return permanent.Errorf("missing slack webhook URL")
	}
	if !webhookURLPattern.MatchString(url) {
		return permanent.Errorf("invalid slack webhook URL %q", url)
	}
	if !c.ValidateRecipient(url) {
		c.logger.Debug("slack webhook URL does not match hooks.slack.com pattern", "url", url)
	}

	body, err := json.Marshal(c.payload(notification))
	if err != nil {
		return permanent.Errorf("encode slack payload: %v", err)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	_, err = postJSON(ctx, c.client, url, body, nil)
	return err
}

func (c *Slack) payload(notification *domain.Notification) slackPayload {
	subject := notification.Subject
	if subject == "" {
		subject = defaultSlackSubject
	}
	footer := "_Axion Alert System | " + c.clock.Now().UTC().Format(slackFooterLayout) + "_"
	return slackPayload{
		Text: subject + ": " + notification.Message,
		Blocks: []slackBlock{
			{Type: "header", Text: &slackText{Type: "plain_text", Text: subject}},
			{Type: "section", Text: &slackText{Type: "mrkdwn", Text: notification.Message}},
			{Type: "context", Elements: []slackText{{Type: "mrkdwn", Text: footer}}},
		},
	}
}
