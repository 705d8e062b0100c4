package notify

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"axion-alerts/internal/clock"
	"axion-alerts/internal/domain"
	"axion-alerts/internal/permanent"
)

// Channel delivers one notification through one backend.
// Send never returns an error: failures are recorded on the notification.
type Channel interface {
	Type() domain.ChannelType
	ValidateRecipient(recipient string) bool
	Send(ctx context.Context, notification *domain.Notification) bool
}

// Registry maps channel types to configured channels.
type Registry map[domain.ChannelType]Channel

// NewRegistry builds a registry from channels; later entries replace earlier ones of the same type.
func NewRegistry(channels ...Channel) Registry {
	registry := make(Registry, len(channels))
	for _, channel := range channels {
		if channel == nil {
			continue
		}
		registry[channel.Type()] = channel
	}
	return registry
}

// Types returns registered channel types in lexical order.
func (r Registry) Types() []domain.ChannelType {
	out := make([]domain.ChannelType, 0, len(r))
	for channelType := range r {
		out = append(out, channelType)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// base carries what every channel needs to record outcomes.
type base struct {
	channel domain.ChannelType
	clock   clock.Clock
	logger  *slog.Logger
}

func newBase(channel domain.ChannelType, clk clock.Clock, logger *slog.Logger) base {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return base{channel: channel, clock: clk, logger: logger.With("channel", string(channel))}
}

// Type returns the channel type.
func (b base) Type() domain.ChannelType {
	return b.channel
}

// finish records the delivery outcome on the notification.
// Params: notification and delivery error (nil on success).
// Returns: true when the notification was sent.
func (b base) finish(notification *domain.Notification, err error) bool {
	if err != nil {
		terminal := permanent.Is(err)
		notification.MarkFailed(err.Error(), terminal)
		b.logger.Warn(
			"notification delivery failed",
			"notification_id", notification.ID,
			"event_id", notification.EventID,
			"user_id", notification.UserID,
			"attempt", notification.Attempts,
			"permanent", terminal,
			"error", err.Error(),
		)
		return false
	}
	notification.MarkSent(b.clock.Now())
	b.logger.Debug("notification sent", "notification_id", notification.ID, "attempt", notification.Attempts)
	return true
}

// postJSON sends one JSON body and treats any 2xx status as success.
// Params: HTTP client, target URL, body, and extra headers.
// Returns: status code (0 when no response) and transport or HTTP status error.
func postJSON(ctx context.Context, client *http.Client, url string, body []byte, headers map[string]string) (int, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, permanent.Errorf("build request: %v", err)
	}
	request.Header.Set("Content-Type", "application/json")
	for key, value := range headers {
		request.Header.Set(key, value)
	}
	return do(client, request)
}

func do(client *http.Client, request *http.Request) (int, error) {
	response, err := client.Do(request)
	if err != nil {
		return 0, err
	}
	defer response.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(response.Body, 64<<10))
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return response.StatusCode, fmt.Errorf("HTTP %d", response.StatusCode)
	}
	return response.StatusCode, nil
}

func httpClient(timeoutSec int) *http.Client {
	if timeoutSec <= 0 {
		timeoutSec = 10
	}
	return &http.Client{Timeout: time.Duration(timeoutSec) * time.Second}
}
