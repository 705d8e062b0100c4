package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"axion-alerts/internal/config"
	"axion-alerts/internal/domain"

	"github.com/nats-io/nats.go"
)

const eventStreamMaxAge = 7 * 24 * time.Hour

// NATSPublisher publishes triggered alert events into a JetStream stream.
// The event ID is used as Nats-Msg-Id so republishing an event is deduplicated.
type NATSPublisher struct {
	nc      *nats.Conn
	js      nats.JetStreamContext
	subject string
}

// NewNATSPublisher connects to NATS and ensures the event stream exists.
// Params: events.nats config.
// Returns: publisher or setup error.
func NewNATSPublisher(cfg config.NATSEventsConfig) (*NATSPublisher, error) {
	nc, err := nats.Connect(strings.Join(cfg.URL, ","))
	if err != nil {
		return nil, fmt.Errorf("connect events nats: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init for events: %w", err)
	}
	if err := ensureStream(js, cfg.Stream, cfg.Subject); err != nil {
		nc.Close()
		return nil, err
	}
	return &NATSPublisher{nc: nc, js: js, subject: cfg.Subject}, nil
}

// Publish sends one event as JSON.
// Params: context and triggered event.
// Returns: marshal or publish error.
func (p *NATSPublisher) Publish(ctx context.Context, event domain.AlertEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal alert event: %w", err)
	}
	msg := nats.NewMsg(p.subject)
	msg.Data = body
	if id := strings.TrimSpace(event.ID); id != "" {
		msg.Header.Set(nats.MsgIdHdr, id)
	}
	msg.Header.Set("Axion-Priority", string(event.Priority))
	if _, err := p.js.PublishMsg(msg, nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish alert event %s: %w", event.ID, err)
	}
	return nil
}

// Close flushes and closes the NATS connection.
func (p *NATSPublisher) Close() error {
	if p == nil || p.nc == nil {
		return nil
	}
	err := p.nc.Drain()
	if errors.Is(err, nats.ErrConnectionClosed) {
		return nil
	}
	return err
}

// ensureStream creates the event stream when missing.
// Params: JetStream context, stream name, and subject.
// Returns: lookup/create error.
func ensureStream(js nats.JetStreamContext, stream, subject string) error {
	_, err := js.StreamInfo(stream)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("stream info %q: %w", stream, err)
	}
	_, err = js.AddStream(&nats.StreamConfig{
		Name:       stream,
		Subjects:   []string{subject},
		Retention:  nats.LimitsPolicy,
		Storage:    nats.FileStorage,
		MaxAge:     eventStreamMaxAge,
		Duplicates: 2 * time.Minute,
	})
	if err != nil {
		return fmt.Errorf("create stream %q: %w", stream, err)
	}
	return nil
}
