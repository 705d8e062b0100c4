package notify

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"axion-alerts/internal/clock"
	"axion-alerts/internal/config"
	"axion-alerts/internal/domain"
	"axion-alerts/internal/permanent"

	"golang.org/x/time/rate"
)

const (
	smsMaxLength     = 160
	smsTruncatedSize = 155
)

var (
	phonePattern  = regexp.MustCompile(`^\+?[1-9]\d{6,14}$`)
	phoneStripper = strings.NewReplacer(" ", "", "-", "", "(", "", ")", "")
)

// SMS delivers text messages through a Twilio-compatible REST API.
// Without an account it logs and reports success.
type SMS struct {
	base
	cfg     config.SMSConfig
	client  *http.Client
	limiter *rate.Limiter
}

// NewSMS creates the SMS channel.
// Params: provider settings, clock, logger.
// Returns: SMS channel with its own rate limiter.
func NewSMS(cfg config.SMSConfig, clk clock.Clock, logger *slog.Logger) *SMS {
	return &SMS{
		base:    newBase(domain.ChannelSMS, clk, logger),
		cfg:     cfg,
		client:  httpClient(cfg.TimeoutSec),
		limiter: newLimiter(cfg.RatePerSec, cfg.Burst),
	}
}

// ValidateRecipient checks for an E.164-like number after stripping separators.
func (c *SMS) ValidateRecipient(recipient string) bool {
	return phonePattern.MatchString(normalizePhone(recipient))
}

// Send delivers one message, truncating long bodies.
func (c *SMS) Send(ctx context.Context, notification *domain.Notification) bool {
	return c.finish(notification, c.deliver(ctx, notification))
}

func (c *SMS) deliver(ctx context.Context, notification *domain.Notification) error {
	to := normalizePhone(notification.Recipient)
	if !phonePattern.MatchString(to) {
		return permanent.Errorf("invalid phone number %q", notification.Recipient)
	}
	body := TruncateSMS(notification.Message)
	if c.cfg.DryRun() {
		c.logger.Info("sms dry run", "to", to, "length", len([]rune(body)), "notification_id", notification.ID)
		return nil
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("sms rate limit: %w", err)
	}

	form := url.Values{}
	form.Set("To", to)
	form.Set("From", c.cfg.FromNumber)
	form.Set("Body", body)
	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json",
		strings.TrimRight(c.cfg.APIBase, "/"), url.PathEscape(c.cfg.AccountSID))
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return permanent.Errorf("build sms request: %v", err)
	}
	request.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	request.SetBasicAuth(c.cfg.AccountSID, c.cfg.AuthToken)
	_, err = do(c.client, request)
	return err
}

// TruncateSMS shortens messages over 160 characters to 155 plus "...".
func TruncateSMS(message string) string {
	runes := []rune(message)
	if len(runes) <= smsMaxLength {
		return message
	}
	return string(runes[:smsTruncatedSize]) + "..."
}

func normalizePhone(raw string) string {
	return phoneStripper.Replace(strings.TrimSpace(raw))
}

func newLimiter(perSec float64, burst int) *rate.Limiter {
	if perSec <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSec), burst)
}
