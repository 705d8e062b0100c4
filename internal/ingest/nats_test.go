package ingest

import (
	"sync"
	"testing"
	"time"

	"axion-alerts/internal/config"
	"axion-alerts/internal/domain"
	"axion-alerts/internal/testutil"

	"github.com/nats-io/nats.go"
)

type syncSink struct {
	mu        sync.Mutex
	envelopes []domain.SnapshotEnvelope
}

func (s *syncSink) Observe(envelope domain.SnapshotEnvelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.envelopes = append(s.envelopes, envelope)
	return nil
}

func (s *syncSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.envelopes)
}

func TestNATSSubscriberForwardsSnapshots(t *testing.T) {
	if testing.Short() {
		t.Skip("skip integration test in short mode")
	}
	url := testutil.StartLocalNATSServer(t)

	nc, err := nats.Connect(url)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer nc.Close()
	js, err := nc.JetStream()
	if err != nil {
		t.Fatalf("jetstream: %v", err)
	}
	if _, err := js.AddStream(&nats.StreamConfig{Name: "AXION_TEST_METRICS", Subjects: []string{"axion.test.metrics"}}); err != nil {
		t.Fatalf("add stream: %v", err)
	}

	sink := &syncSink{}
	subscriber, err := NewNATSSubscriber(config.NATSIngestConfig{
		URL:           []string{url},
		Subject:       "axion.test.metrics",
		Stream:        "AXION_TEST_METRICS",
		ConsumerName:  "axion-test-ingest",
		DeliverGroup:  "axion-test-workers",
		AckWaitSec:    5,
		NackDelayMS:   100,
		MaxDeliver:    -1,
		MaxAckPending: 16,
	}, sink, nil)
	if err != nil {
		t.Fatalf("new subscriber: %v", err)
	}
	defer func() { _ = subscriber.Close() }()

	if _, err := js.Publish("axion.test.metrics", []byte(`not json`)); err != nil {
		t.Fatalf("publish invalid: %v", err)
	}
	if _, err := js.Publish("axion.test.metrics", []byte(`{"AAPL":{"price":205}}`)); err != nil {
		t.Fatalf("publish snapshot: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for sink.count() < 1 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if sink.count() != 1 {
		t.Fatalf("expected one forwarded snapshot, got %d", sink.count())
	}
	for subscriber.Counters().Invalid < 1 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if counters := subscriber.Counters(); counters.Accepted != 1 || counters.Invalid != 1 || counters.Deferred != 0 {
		t.Fatalf("unexpected counters: %+v", counters)
	}
}
