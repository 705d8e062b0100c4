package ingest

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"axion-alerts/internal/config"

	"github.com/nats-io/nats.go"
)

// NATSCounters reports what the NATS subscriber did with received messages.
type NATSCounters struct {
	Accepted int64 `json:"accepted"`
	Invalid  int64 `json:"invalid"`
	Deferred int64 `json:"deferred"`
}

// NATSSubscriber feeds metric snapshots from a JetStream queue consumer into a sink.
type NATSSubscriber struct {
	nc        *nats.Conn
	sub       *nats.Subscription
	sink      SnapshotSink
	logger    *slog.Logger
	nackDelay time.Duration

	accepted atomic.Int64
	invalid  atomic.Int64
	deferred atomic.Int64
}

// NewNATSSubscriber binds a durable queue consumer on the metrics stream.
// Invalid payloads are acked and dropped; when the sink refuses a snapshot the
// message is redelivered after nack_delay_ms.
// Params: ingest NATS config, sink, and optional logger.
// Returns: started subscriber or setup error.
func NewNATSSubscriber(cfg config.NATSIngestConfig, sink SnapshotSink, logger *slog.Logger) (*NATSSubscriber, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	nc, err := nats.Connect(strings.Join(cfg.URL, ","), nats.Name("axion-alerts-ingest"))
	if err != nil {
		return nil, fmt.Errorf("connect nats ingest: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init for ingest: %w", err)
	}

	subscriber := &NATSSubscriber{
		nc:        nc,
		sink:      sink,
		logger:    logger.With("component", "nats_ingest", "stream", cfg.Stream),
		nackDelay: time.Duration(cfg.NackDelayMS) * time.Millisecond,
	}
	sub, err := js.QueueSubscribe(cfg.Subject, cfg.DeliverGroup, subscriber.handle,
		nats.BindStream(cfg.Stream),
		nats.Durable(cfg.ConsumerName),
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.AckWait(time.Duration(cfg.AckWaitSec)*time.Second),
		nats.MaxDeliver(cfg.MaxDeliver),
		nats.MaxAckPending(cfg.MaxAckPending),
		nats.DeliverAll(),
	)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("queue subscribe %q/%q: %w", cfg.Subject, cfg.DeliverGroup, err)
	}
	subscriber.sub = sub
	return subscriber, nil
}

// handle decodes one message and settles it with the broker.
func (s *NATSSubscriber) handle(message *nats.Msg) {
	envelopes, err := decodeSnapshotPayload(message.Data)
	if err != nil {
		s.invalid.Add(1)
		s.logger.Warn("nats ingest decode failed", "subject", message.Subject, "error", err.Error())
		s.settle(message, message.Ack)
		return
	}
	if err := observeAll(s.sink, envelopes); err != nil {
		s.deferred.Add(1)
		s.logger.Warn("nats ingest deferred", "subject", message.Subject, "error", err.Error())
		s.settle(message, func(...nats.AckOpt) error {
			if s.nackDelay > 0 {
				return message.NakWithDelay(s.nackDelay)
			}
			return message.Nak()
		})
		return
	}
	s.accepted.Add(1)
	s.logger.Debug("nats snapshot accepted", "subject", message.Subject, "snapshots", len(envelopes))
	s.settle(message, message.Ack)
}

func (s *NATSSubscriber) settle(message *nats.Msg, reply func(...nats.AckOpt) error) {
	if err := reply(); err != nil {
		s.logger.Warn("nats ingest settle failed", "subject", message.Subject, "error", err.Error())
	}
}

// Counters returns message outcome totals since start.
func (s *NATSSubscriber) Counters() NATSCounters {
	return NATSCounters{
		Accepted: s.accepted.Load(),
		Invalid:  s.invalid.Load(),
		Deferred: s.deferred.Load(),
	}
}

// Close drains the subscription and closes the connection.
func (s *NATSSubscriber) Close() error {
	defer s.nc.Close()
	if s.sub == nil {
		return nil
	}
	return s.sub.Drain()
}
