package engine

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"axion-alerts/internal/condition"
	"axion-alerts/internal/domain"
	"axion-alerts/internal/notify"
	"axion-alerts/internal/notifyqueue"
)

var baseTime = time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeChannel struct {
	channelType domain.ChannelType

	mu       sync.Mutex
	sent     []*domain.Notification
	failWith string
	terminal bool
}

func (f *fakeChannel) Type() domain.ChannelType { return f.channelType }

func (f *fakeChannel) ValidateRecipient(string) bool { return true }

func (f *fakeChannel) Send(_ context.Context, n *domain.Notification) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, n.Clone())
	if f.failWith != "" {
		n.MarkFailed(f.failWith, f.terminal)
		return false
	}
	n.MarkSent(baseTime)
	return true
}

func (f *fakeChannel) setFailure(reason string, terminal bool) {
	f.mu.Lock()
	f.failWith, f.terminal = reason, terminal
	f.mu.Unlock()
}

func (f *fakeChannel) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeChannel) last() *domain.Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return nil
	}
	return f.sent[len(f.sent)-1]
}

// blockingChannel holds Send until release is closed.
type blockingChannel struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blockingChannel) Type() domain.ChannelType { return domain.ChannelInApp }

func (b *blockingChannel) ValidateRecipient(string) bool { return true }

func (b *blockingChannel) Send(_ context.Context, n *domain.Notification) bool {
	select {
	case b.entered <- struct{}{}:
	default:
	}
	<-b.release
	n.MarkSent(baseTime)
	return true
}

type capturePublisher struct {
	mu     sync.Mutex
	events []domain.AlertEvent
}

func (p *capturePublisher) Publish(_ context.Context, event domain.AlertEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return errors.New("bus unavailable")
}

type fixture struct {
	engine  *Engine
	clock   *stepClock
	inApp   *fakeChannel
	email   *fakeChannel
	webhook *fakeChannel
}

func newFixture(t *testing.T, mutate func(*Options)) *fixture {
	t.Helper()
	f := &fixture{
		clock:   &stepClock{now: baseTime},
		inApp:   &fakeChannel{channelType: domain.ChannelInApp},
		email:   &fakeChannel{channelType: domain.ChannelEmail},
		webhook: &fakeChannel{channelType: domain.ChannelWebhook},
	}
	var seq atomic.Int64
	opts := Options{
		Channels: notify.NewRegistry(f.inApp, f.email, f.webhook),
		Clock:    f.clock,
		Workers:  4,
		NewID: func() string {
			return fmt.Sprintf("id-%d", seq.Add(1))
		},
	}
	if mutate != nil {
		mutate(&opts)
	}
	f.engine = New(opts)
	return f
}

func priceAlert(id string, op condition.Operator, threshold float64, channels ...domain.ChannelType) *domain.Alert {
	if len(channels) == 0 {
		channels = []domain.ChannelType{domain.ChannelInApp}
	}
	return &domain.Alert{
		ID:        id,
		UserID:    "u1",
		Name:      "AAPL " + id,
		Type:      domain.AlertTypePrice,
		Symbol:    "AAPL",
		Condition: condition.Single("price", op, threshold),
		Priority:  domain.PriorityMedium,
		Status:    domain.StatusActive,
		Channels:  channels,
		CreatedAt: baseTime,
		UpdatedAt: baseTime,
	}
}

func price(value float64) domain.Snapshot {
	return domain.Snapshot{"AAPL": {"price": value}}
}

func hour(h int) *int {
	return &h
}

func TestEvaluatePriceAboveEndToEnd(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.engine.RegisterAlert(priceAlert("a1", condition.GreaterThan, 200))

	if events := f.engine.Evaluate(context.Background(), price(195), hour(12)); len(events) != 0 {
		t.Fatalf("expected no events below threshold, got %d", len(events))
	}
	events := f.engine.Evaluate(context.Background(), price(205), hour(12))
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if !strings.Contains(events[0].Message, "205") {
		t.Fatalf("expected message to contain 205, got %q", events[0].Message)
	}

	notifications := f.engine.Notifications(events[0].ID)
	if len(notifications) != 1 || notifications[0].Channel != domain.ChannelInApp || notifications[0].Status != domain.DeliverySent {
		t.Fatalf("unexpected notifications: %+v", notifications)
	}
	if notifications[0].Subject != "Axion Alert: AAPL a1" || notifications[0].Attempts != 1 {
		t.Fatalf("unexpected notification fields: %+v", notifications[0])
	}
	if history := f.engine.History("u1", 0); len(history) != 1 || history[0].ID != events[0].ID {
		t.Fatalf("unexpected history: %+v", history)
	}
}

func TestEvaluateCooldownBlocksRepeat(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	alert := priceAlert("a1", condition.GreaterThan, 200)
	alert.CooldownSeconds = 3600
	f.engine.RegisterAlert(alert)

	if got := len(f.engine.Evaluate(context.Background(), price(205), hour(12))); got != 1 {
		t.Fatalf("expected first trigger, got %d", got)
	}
	if got := len(f.engine.Evaluate(context.Background(), price(210), hour(12))); got != 0 {
		t.Fatalf("expected cooldown to block repeat, got %d", got)
	}
	f.clock.Advance(time.Hour)
	if got := len(f.engine.Evaluate(context.Background(), price(210), hour(12))); got != 1 {
		t.Fatalf("expected trigger after cooldown, got %d", got)
	}
}

func TestEvaluateMaxTriggersDisables(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	alert := priceAlert("a1", condition.GreaterThan, 200)
	alert.MaxTriggers = 3
	f.engine.RegisterAlert(alert)

	total := 0
	for i := 0; i < 5; i++ {
		total += len(f.engine.Evaluate(context.Background(), price(205), hour(12)))
	}
	if total != 3 {
		t.Fatalf("expected 3 triggers, got %d", total)
	}
	got, err := f.engine.GetAlert("a1")
	if err != nil {
		t.Fatalf("get alert: %v", err)
	}
	if got.Status != domain.StatusDisabled || got.TriggerCount != 3 {
		t.Fatalf("expected disabled after 3 triggers, got %s/%d", got.Status, got.TriggerCount)
	}
}

func TestEvaluateCrossesAboveAcrossTicks(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.engine.RegisterAlert(priceAlert("a1", condition.CrossesAbove, 100))

	var fired []bool
	for _, value := range []float64{95, 98, 105, 110} {
		fired = append(fired, len(f.engine.Evaluate(context.Background(), price(value), hour(12))) == 1)
	}
	if !reflect.DeepEqual(fired, []bool{false, false, true, false}) {
		t.Fatalf("unexpected crossing results: %v", fired)
	}
}

func TestQuietHoursKeepOnlyInAppUnlessCritical(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	prefs := domain.DefaultPreferences("u1")
	prefs.EnabledChannels = []domain.ChannelType{domain.ChannelInApp, domain.ChannelEmail}
	prefs.ChannelSettings["email"] = "trader@example.com"
	f.engine.SetPreferences(prefs)

	normal := priceAlert("a1", condition.GreaterThan, 200, domain.ChannelInApp, domain.ChannelEmail)
	critical := priceAlert("a2", condition.GreaterThan, 200, domain.ChannelInApp, domain.ChannelEmail)
	critical.Priority = domain.PriorityCritical
	f.engine.RegisterAlert(normal)
	f.engine.RegisterAlert(critical)

	events := f.engine.Evaluate(context.Background(), price(205), hour(2))
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if got := channelsOf(f.engine.Notifications(events[0].ID)); !reflect.DeepEqual(got, []domain.ChannelType{domain.ChannelInApp}) {
		t.Fatalf("non-critical alert in quiet hours: got %v", got)
	}
	if got := channelsOf(f.engine.Notifications(events[1].ID)); !reflect.DeepEqual(got, []domain.ChannelType{domain.ChannelInApp, domain.ChannelEmail}) {
		t.Fatalf("critical alert in quiet hours: got %v", got)
	}
	if f.email.count() != 1 || f.email.last().Recipient != "trader@example.com" {
		t.Fatalf("expected one email to trader@example.com, got %d", f.email.count())
	}
}

func TestEffectiveChannels(t *testing.T) {
	t.Parallel()

	alertChannels := []domain.ChannelType{domain.ChannelEmail, domain.ChannelInApp, domain.ChannelSMS}
	got := EffectiveChannels(alertChannels, []domain.ChannelType{domain.ChannelInApp, domain.ChannelEmail})
	if !reflect.DeepEqual(got, []domain.ChannelType{domain.ChannelEmail, domain.ChannelInApp}) {
		t.Fatalf("unexpected intersection %v", got)
	}
	got = EffectiveChannels(alertChannels, []domain.ChannelType{domain.ChannelSlack})
	if !reflect.DeepEqual(got, alertChannels) {
		t.Fatalf("expected fallback to alert channels, got %v", got)
	}
}

func TestPriorityOverrideRoutesChannels(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	prefs := domain.DefaultPreferences("u1")
	prefs.QuietHoursEnabled = false
	prefs.EnabledChannels = []domain.ChannelType{domain.ChannelInApp}
	prefs.PriorityOverrides = map[domain.AlertPriority][]domain.ChannelType{
		domain.PriorityHigh: {domain.ChannelWebhook},
	}
	prefs.ChannelSettings["webhook_url"] = "https://hooks.example.com/axion"
	f.engine.SetPreferences(prefs)

	alert := priceAlert("a1", condition.GreaterThan, 200, domain.ChannelInApp, domain.ChannelWebhook)
	alert.Priority = domain.PriorityHigh
	f.engine.RegisterAlert(alert)

	events := f.engine.Evaluate(context.Background(), price(205), nil)
	if got := channelsOf(f.engine.Notifications(events[0].ID)); !reflect.DeepEqual(got, []domain.ChannelType{domain.ChannelWebhook}) {
		t.Fatalf("expected override routing to webhook, got %v", got)
	}
	if f.webhook.last().Recipient != "https://hooks.example.com/axion" {
		t.Fatalf("unexpected webhook recipient %q", f.webhook.last().Recipient)
	}
}

func TestUnconfiguredChannelRecordedAsFailed(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	prefs := domain.DefaultPreferences("u1")
	prefs.EnabledChannels = []domain.ChannelType{domain.ChannelSlack}
	f.engine.SetPreferences(prefs)
	f.engine.RegisterAlert(priceAlert("a1", condition.GreaterThan, 200, domain.ChannelSlack))

	events := f.engine.Evaluate(context.Background(), price(205), hour(12))
	notifications := f.engine.Notifications(events[0].ID)
	if len(notifications) != 1 || !notifications[0].Failed() || notifications[0].ErrorMessage != "channel slack not configured" {
		t.Fatalf("unexpected notifications: %+v", notifications)
	}
	if f.engine.PendingRetries() != 0 {
		t.Fatalf("unconfigured channel must not be retried")
	}
}

func TestFailingChannelDoesNotStopOtherAlerts(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.inApp.setFailure("boom", false)
	for i := 0; i < 20; i++ {
		f.engine.RegisterAlert(priceAlert(fmt.Sprintf("a%02d", i), condition.GreaterThan, 200))
	}

	events := f.engine.Evaluate(context.Background(), price(205), hour(12))
	if len(events) != 20 {
		t.Fatalf("expected every alert to trigger, got %d", len(events))
	}
	for i, event := range events {
		if want := fmt.Sprintf("a%02d", i); event.AlertID != want {
			t.Fatalf("event %d: expected registration order %s, got %s", i, want, event.AlertID)
		}
	}
}

func TestRetryDueResendsAfterBackoff(t *testing.T) {
	t.Parallel()

	f := newFixture(t, func(opts *Options) {
		opts.RetryPolicy = notifyqueue.PolicyFromSeconds(3, []int{30, 120, 600})
	})
	f.inApp.setFailure("HTTP 503", false)
	f.engine.RegisterAlert(priceAlert("a1", condition.GreaterThan, 200))

	events := f.engine.Evaluate(context.Background(), price(205), hour(12))
	if f.engine.PendingRetries() != 1 {
		t.Fatalf("expected 1 pending retry, got %d", f.engine.PendingRetries())
	}
	if n := f.engine.RetryDue(context.Background(), baseTime.Add(10*time.Second)); n != 0 {
		t.Fatalf("retry must wait for backoff, retried %d", n)
	}

	f.inApp.setFailure("", false)
	if n := f.engine.RetryDue(context.Background(), baseTime.Add(31*time.Second)); n != 1 {
		t.Fatalf("expected 1 retry, got %d", n)
	}
	notifications := f.engine.Notifications(events[0].ID)
	if notifications[0].Status != domain.DeliverySent || notifications[0].Attempts != 2 {
		t.Fatalf("expected retried notification sent on attempt 2, got %+v", notifications[0])
	}
	if f.engine.PendingRetries() != 0 {
		t.Fatalf("expected no pending retries")
	}
}

func TestRetryStopsAfterBudget(t *testing.T) {
	t.Parallel()

	f := newFixture(t, func(opts *Options) {
		opts.RetryPolicy = notifyqueue.PolicyFromSeconds(2, []int{1})
	})
	f.inApp.setFailure("HTTP 500", false)
	f.engine.RegisterAlert(priceAlert("a1", condition.GreaterThan, 200))
	events := f.engine.Evaluate(context.Background(), price(205), hour(12))

	at := baseTime
	for i := 0; i < 5; i++ {
		at = at.Add(time.Minute)
		f.engine.RetryDue(context.Background(), at)
	}
	if f.inApp.count() != 3 {
		t.Fatalf("expected 1 attempt plus 2 retries, got %d", f.inApp.count())
	}
	if got := f.engine.Notifications(events[0].ID)[0]; got.Attempts != 3 || !got.Failed() {
		t.Fatalf("unexpected final record %+v", got)
	}
}

func TestTerminalFailureIsNotRetried(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.inApp.setFailure("invalid recipient", true)
	f.engine.RegisterAlert(priceAlert("a1", condition.GreaterThan, 200))
	f.engine.Evaluate(context.Background(), price(205), hour(12))
	if f.engine.PendingRetries() != 0 {
		t.Fatalf("terminal failures must not be retried")
	}
}

func TestRemoveAlertClearsHistoryState(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.engine.RegisterAlert(priceAlert("a1", condition.CrossesAbove, 100))
	f.engine.Evaluate(context.Background(), price(95), hour(12))

	if err := f.engine.RemoveAlert("a1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := f.engine.RemoveAlert("a1"); !errors.Is(err, ErrAlertNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	f.engine.RegisterAlert(priceAlert("a1", condition.CrossesAbove, 100))
	if got := len(f.engine.Evaluate(context.Background(), price(105), hour(12))); got != 0 {
		t.Fatalf("stale history must not leak into a re-registered alert, got %d events", got)
	}
}

func TestWildcardSymbolValues(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	alert := priceAlert("var", condition.GreaterThan, 0.02)
	alert.Symbol = ""
	alert.Condition = condition.Single("portfolio_var", condition.GreaterThan, 0.02)
	f.engine.RegisterAlert(alert)

	events := f.engine.Evaluate(context.Background(), domain.Snapshot{"*": {"portfolio_var": 0.03}}, hour(12))
	if len(events) != 1 {
		t.Fatalf("expected wildcard alert to trigger, got %d", len(events))
	}
	if got := len(f.engine.Evaluate(context.Background(), price(500), hour(12))); got != 0 {
		t.Fatalf("missing symbol values must skip alert, got %d", got)
	}
}

func TestEvaluateSkipsAlertInFlight(t *testing.T) {
	t.Parallel()

	blocking := &blockingChannel{entered: make(chan struct{}, 1), release: make(chan struct{})}
	f := newFixture(t, func(opts *Options) { opts.Channels = notify.NewRegistry(blocking) })
	alert := priceAlert("a1", condition.GreaterThan, 200)
	alert.CooldownSeconds = 0
	f.engine.RegisterAlert(alert)

	first := make(chan []domain.AlertEvent, 1)
	go func() {
		first <- f.engine.Evaluate(context.Background(), price(205), hour(12))
	}()
	select {
	case <-blocking.entered:
	case <-time.After(5 * time.Second):
		t.Fatalf("first evaluation never reached dispatch")
	}

	if got := len(f.engine.Evaluate(context.Background(), price(205), hour(12))); got != 0 {
		t.Fatalf("overlapping evaluation must skip the busy alert, got %d events", got)
	}
	close(blocking.release)
	if got := len(<-first); got != 1 {
		t.Fatalf("expected first evaluation to trigger, got %d", got)
	}
	if got := len(f.engine.Evaluate(context.Background(), price(205), hour(12))); got != 1 {
		t.Fatalf("expected trigger once the previous evaluation finished, got %d", got)
	}
}

func TestConcurrentReadsDoNotSkipEvaluation(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	alert := priceAlert("a1", condition.GreaterThan, 200)
	alert.CooldownSeconds = 0
	f.engine.RegisterAlert(alert)

	stop := make(chan struct{})
	var readers sync.WaitGroup
	readers.Add(1)
	go func() {
		defer readers.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			_ = f.engine.Stats()
			if _, err := f.engine.GetAlert("a1"); err != nil {
				t.Errorf("get alert: %v", err)
				return
			}
			_ = f.engine.Alerts("u1")
		}
	}()

	const rounds = 500
	triggered := 0
	for i := 0; i < rounds; i++ {
		triggered += len(f.engine.Evaluate(context.Background(), price(205), hour(12)))
	}
	close(stop)
	readers.Wait()

	if triggered != rounds {
		t.Fatalf("concurrent reads must not skip evaluation: %d of %d triggered", triggered, rounds)
	}
}

func TestHistoryBoundedNewestFirst(t *testing.T) {
	t.Parallel()

	f := newFixture(t, func(opts *Options) { opts.HistoryMax = 2 })
	for _, id := range []string{"a1", "a2", "a3"} {
		alert := priceAlert(id, condition.GreaterThan, 200)
		alert.CooldownSeconds = 3600
		f.engine.RegisterAlert(alert)
		f.engine.Evaluate(context.Background(), price(205), hour(12))
	}

	history := f.engine.History("", 0)
	if len(history) != 2 || history[0].AlertID != "a3" || history[1].AlertID != "a2" {
		t.Fatalf("unexpected history: %+v", history)
	}
	if got := f.engine.History("u1", 1); len(got) != 1 || got[0].AlertID != "a3" {
		t.Fatalf("unexpected limited history: %+v", got)
	}
	if got := f.engine.History("nobody", 0); len(got) != 0 {
		t.Fatalf("expected empty history for unknown user")
	}
}

func TestPublisherReceivesEvents(t *testing.T) {
	t.Parallel()

	publisher := &capturePublisher{}
	f := newFixture(t, func(opts *Options) { opts.Publisher = publisher })
	f.engine.RegisterAlert(priceAlert("a1", condition.GreaterThan, 200))

	events := f.engine.Evaluate(context.Background(), price(205), hour(12))
	if len(events) != 1 {
		t.Fatalf("publish errors must not drop events, got %d", len(events))
	}
	publisher.mu.Lock()
	defer publisher.mu.Unlock()
	if len(publisher.events) != 1 || publisher.events[0].ID != events[0].ID {
		t.Fatalf("unexpected published events: %+v", publisher.events)
	}
}

func TestStats(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.engine.RegisterAlert(priceAlert("a1", condition.GreaterThan, 200))
	disabled := priceAlert("a2", condition.GreaterThan, 200)
	disabled.Status = domain.StatusDisabled
	disabled.Priority = domain.PriorityCritical
	f.engine.RegisterAlert(disabled)
	f.engine.Evaluate(context.Background(), price(205), hour(12))

	stats := f.engine.Stats()
	if stats.TotalAlerts != 2 || stats.ActiveAlerts != 1 || stats.Users != 1 {
		t.Fatalf("unexpected alert stats: %+v", stats)
	}
	if stats.AlertsByStatus[domain.StatusDisabled] != 1 || stats.AlertsByPriority[domain.PriorityCritical] != 1 {
		t.Fatalf("unexpected breakdowns: %+v", stats)
	}
	if count, ok := stats.AlertsByStatus[domain.StatusExpired]; !ok || count != 0 {
		t.Fatalf("expected zero expired entry, got %d (present=%v)", count, ok)
	}
	if stats.TriggeredEvents != 1 || stats.NotificationsByStatus[domain.DeliverySent] != 1 || stats.NotificationsByChannel[domain.ChannelInApp] != 1 {
		t.Fatalf("unexpected delivery stats: %+v", stats)
	}
}

func channelsOf(notifications []*domain.Notification) []domain.ChannelType {
	out := make([]domain.ChannelType, 0, len(notifications))
	for _, n := range notifications {
		out = append(out, n.Channel)
	}
	return out
}
