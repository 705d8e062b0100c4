package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"axion-alerts/internal/clock"
	"axion-alerts/internal/condition"
	"axion-alerts/internal/domain"
	"axion-alerts/internal/notify"
	"axion-alerts/internal/notifyqueue"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultWorkers bounds concurrent per-alert evaluation.
	DefaultWorkers = 8
	// DefaultHistoryMax bounds the triggered-event history.
	DefaultHistoryMax = 1000
	// DefaultDispatchTimeout bounds one channel send.
	DefaultDispatchTimeout = 30 * time.Second

	subjectPrefix = "Axion Alert: "
)

// ErrAlertNotFound reports an unknown alert ID.
var ErrAlertNotFound = errors.New("alert not found")

// Publisher receives every triggered event after dispatch.
type Publisher interface {
	Publish(ctx context.Context, event domain.AlertEvent) error
}

// Options configures an Engine. Zero values select defaults.
type Options struct {
	Channels        notify.Registry
	Evaluator       *condition.Evaluator
	Clock           clock.Clock
	Logger          *slog.Logger
	Workers         int
	HistoryMax      int
	DispatchTimeout time.Duration
	RetryPolicy     notifyqueue.Policy
	Publisher       Publisher
	NewID           func() string
}

// Engine owns registered alerts and user preferences, evaluates metric
// snapshots against them, and dispatches notifications for triggered alerts.
type Engine struct {
	channels        notify.Registry
	evaluator       *condition.Evaluator
	clock           clock.Clock
	logger          *slog.Logger
	workers         int
	historyMax      int
	dispatchTimeout time.Duration
	retries         *notifyqueue.Queue
	publisher       Publisher
	newID           func() string

	mu     sync.RWMutex
	alerts map[string]*entry
	order  []string
	prefs  map[string]domain.Preferences

	recordsMu     sync.Mutex
	history       []domain.AlertEvent
	notifications map[string][]*domain.Notification
	byID          map[string]*domain.Notification

	triggered atomic.Int64
}

// entry pairs an alert with its guard. The guard serializes field access;
// inFlight marks an evaluation (including its dispatch) so an overlapping
// evaluation skips the alert instead of queueing behind it.
type entry struct {
	id       string
	guard    sync.Mutex
	inFlight atomic.Bool
	alert    *domain.Alert
}

// New creates an engine.
// Params: options with channels, evaluator, clock, logger, and limits.
// Returns: engine with empty registry.
func New(opts Options) *Engine {
	if opts.Evaluator == nil {
		opts.Evaluator = condition.NewEvaluator(nil)
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.HistoryMax <= 0 {
		opts.HistoryMax = DefaultHistoryMax
	}
	if opts.DispatchTimeout <= 0 {
		opts.DispatchTimeout = DefaultDispatchTimeout
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if opts.Channels == nil {
		opts.Channels = notify.Registry{}
	}
	if opts.RetryPolicy.Backoff == nil {
		opts.RetryPolicy = notifyqueue.PolicyFromSeconds(notifyqueue.DefaultMaxRetries, nil)
	}
	return &Engine{
		channels:        opts.Channels,
		evaluator:       opts.Evaluator,
		clock:           opts.Clock,
		logger:          opts.Logger.With("component", "engine"),
		workers:         opts.Workers,
		historyMax:      opts.HistoryMax,
		dispatchTimeout: opts.DispatchTimeout,
		retries:         notifyqueue.New(opts.RetryPolicy),
		publisher:       opts.Publisher,
		newID:           opts.NewID,
		alerts:          make(map[string]*entry),
		prefs:           make(map[string]domain.Preferences),
		notifications:   make(map[string][]*domain.Notification),
		byID:            make(map[string]*domain.Notification),
	}
}

// Clock returns the engine time source.
func (e *Engine) Clock() clock.Clock {
	return e.clock
}

// RegisterAlert adds an alert, or replaces the alert with the same ID in place.
func (e *Engine) RegisterAlert(alert *domain.Alert) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if existing, ok := e.alerts[alert.ID]; ok {
		existing.guard.Lock()
		existing.alert = alert
		existing.guard.Unlock()
		return
	}
	e.alerts[alert.ID] = &entry{id: alert.ID, alert: alert}
	e.order = append(e.order, alert.ID)
}

// RemoveAlert unregisters an alert and clears its evaluation history.
// Returns: ErrAlertNotFound for unknown IDs.
func (e *Engine) RemoveAlert(alertID string) error {
	e.mu.Lock()
	if _, ok := e.alerts[alertID]; !ok {
		e.mu.Unlock()
		return fmt.Errorf("remove alert %q: %w", alertID, ErrAlertNotFound)
	}
	delete(e.alerts, alertID)
	for i, id := range e.order {
		if id == alertID {
			e.order = append(e.order[:i:i], e.order[i+1:]...)
			break
		}
	}
	e.mu.Unlock()

	e.evaluator.ClearState(alertID)
	return nil
}

// GetAlert returns a copy of one alert.
func (e *Engine) GetAlert(alertID string) (*domain.Alert, error) {
	item, ok := e.lookup(alertID)
	if !ok {
		return nil, fmt.Errorf("get alert %q: %w", alertID, ErrAlertNotFound)
	}
	item.guard.Lock()
	defer item.guard.Unlock()
	return item.alert.Clone(), nil
}

// UpdateAlert applies fn to the live alert under its guard.
// Params: alert ID and mutation; a mutation error leaves the result unreturned.
// Returns: copy of the updated alert, ErrAlertNotFound, or fn's error.
func (e *Engine) UpdateAlert(alertID string, fn func(alert *domain.Alert) error) (*domain.Alert, error) {
	item, ok := e.lookup(alertID)
	if !ok {
		return nil, fmt.Errorf("update alert %q: %w", alertID, ErrAlertNotFound)
	}
	item.guard.Lock()
	defer item.guard.Unlock()
	if err := fn(item.alert); err != nil {
		return nil, err
	}
	return item.alert.Clone(), nil
}

// Alerts returns copies of registered alerts in registration order; empty userID returns all.
func (e *Engine) Alerts(userID string) []*domain.Alert {
	out := make([]*domain.Alert, 0)
	for _, item := range e.snapshot() {
		item.guard.Lock()
		if userID == "" || item.alert.UserID == userID {
			out = append(out, item.alert.Clone())
		}
		item.guard.Unlock()
	}
	return out
}

// SetPreferences stores delivery preferences for prefs.UserID.
func (e *Engine) SetPreferences(prefs domain.Preferences) {
	e.mu.Lock()
	e.prefs[prefs.UserID] = prefs.Clone()
	e.mu.Unlock()
}

// Preferences returns the user's preferences or defaults.
func (e *Engine) Preferences(userID string) domain.Preferences {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if prefs, ok := e.prefs[userID]; ok {
		return prefs.Clone()
	}
	return domain.DefaultPreferences(userID)
}

// Evaluate runs one tick over a metric snapshot.
// Alerts are evaluated concurrently; triggered alerts are dispatched before return.
// Params: context, values keyed by symbol ("*" for symbol-less alerts), optional UTC hour override.
// Returns: triggered events in registration order.
func (e *Engine) Evaluate(ctx context.Context, values domain.Snapshot, hour *int) []domain.AlertEvent {
	now := e.clock.Now()
	currentHour := now.UTC().Hour()
	if hour != nil {
		currentHour = *hour
	}

	targets := e.snapshot()
	results := make([]*domain.AlertEvent, len(targets))
	group := new(errgroup.Group)
	group.SetLimit(e.workers)
	for i, item := range targets {
		i, item := i, item
		group.Go(func() error {
			results[i] = e.evaluateOne(ctx, item, values, now, currentHour)
			return nil
		})
	}
	_ = group.Wait()

	events := make([]domain.AlertEvent, 0)
	for _, event := range results {
		if event != nil {
			events = append(events, *event)
		}
	}
	return events
}

// evaluateOne evaluates one alert and dispatches on trigger.
// Returns: the triggered event or nil.
func (e *Engine) evaluateOne(ctx context.Context, item *entry, values domain.Snapshot, now time.Time, hour int) *domain.AlertEvent {
	if !item.inFlight.CompareAndSwap(false, true) {
		e.logger.Debug("alert evaluation already in flight, skipping", "alert_id", item.id)
		return nil
	}
	defer item.inFlight.Store(false)

	fired, event := e.check(item, values, now)
	if fired == nil {
		return nil
	}

	e.triggered.Add(1)
	e.logger.Info(
		"alert triggered",
		"alert_id", fired.ID,
		"user_id", fired.UserID,
		"symbol", fired.Symbol,
		"priority", string(fired.Priority),
		"event_id", event.ID,
	)
	e.dispatch(ctx, fired, event, hour)
	e.publish(ctx, event)
	return &event
}

// check tests the alert under its guard and records the trigger.
// Returns: a copy of the fired alert and its event, or nil when nothing fired.
func (e *Engine) check(item *entry, values domain.Snapshot, now time.Time) (*domain.Alert, domain.AlertEvent) {
	item.guard.Lock()
	defer item.guard.Unlock()

	alert := item.alert
	if !alert.IsActive(now) || alert.IsInCooldown(now) {
		return nil, domain.AlertEvent{}
	}
	alertValues := values[alert.ValuesSymbol()]
	if len(alertValues) == 0 {
		return nil, domain.AlertEvent{}
	}
	if !e.evaluator.Evaluate(alert.ID, alert.Condition, alertValues) {
		return nil, domain.AlertEvent{}
	}
	alert.Trigger(now)
	return alert.Clone(), domain.NewAlertEvent(e.newID(), alert, alertValues, now)
}

// dispatch routes one event to the alert's effective channels.
// Params: alert copy, event, and UTC hour for quiet hours.
func (e *Engine) dispatch(ctx context.Context, alert *domain.Alert, event domain.AlertEvent, hour int) {
	prefs := e.Preferences(alert.UserID)
	quiet := prefs.IsInQuietHours(hour) && alert.Priority != domain.PriorityCritical

	var notifications []*domain.Notification
	for _, channel := range EffectiveChannels(alert.Channels, prefs.ChannelsForPriority(alert.Priority)) {
		if quiet && channel != domain.ChannelInApp {
			e.logger.Debug("quiet hours suppress channel", "event_id", event.ID, "channel", string(channel), "hour", hour)
			continue
		}
		notifications = append(notifications, &domain.Notification{
			ID:        e.newID(),
			EventID:   event.ID,
			UserID:    alert.UserID,
			Channel:   channel,
			Status:    domain.DeliveryPending,
			Message:   event.Message,
			Subject:   subjectPrefix + alert.Name,
			Recipient: prefs.Recipient(channel),
			CreatedAt: event.TriggeredAt,
		})
	}

	group := new(errgroup.Group)
	for _, notification := range notifications {
		notification := notification
		group.Go(func() error {
			e.send(ctx, notification)
			return nil
		})
	}
	_ = group.Wait()

	e.record(event, notifications)
	now := e.clock.Now()
	for _, notification := range notifications {
		if notification.Failed() {
			e.scheduleRetry(notification, now)
		}
	}
}

// EffectiveChannels intersects alert channels with preferred channels,
// keeping alert order; an empty intersection falls back to the alert channels.
func EffectiveChannels(alertChannels, preferred []domain.ChannelType) []domain.ChannelType {
	allowed := make(map[domain.ChannelType]struct{}, len(preferred))
	for _, channel := range preferred {
		allowed[channel] = struct{}{}
	}
	out := make([]domain.ChannelType, 0, len(alertChannels))
	for _, channel := range alertChannels {
		if _, ok := allowed[channel]; ok {
			out = append(out, channel)
		}
	}
	if len(out) == 0 {
		return append([]domain.ChannelType(nil), alertChannels...)
	}
	return out
}

// send makes one delivery attempt; the outcome is recorded on the notification.
func (e *Engine) send(ctx context.Context, notification *domain.Notification) {
	notification.Attempts++
	channel, ok := e.channels[notification.Channel]
	if !ok {
		notification.MarkFailed(fmt.Sprintf("channel %s not configured", notification.Channel), true)
		e.logger.Warn("channel not configured", "channel", string(notification.Channel), "notification_id", notification.ID)
		return
	}
	sendCtx, cancel := context.WithTimeout(ctx, e.dispatchTimeout)
	defer cancel()
	channel.Send(sendCtx, notification)
}

func (e *Engine) publish(ctx context.Context, event domain.AlertEvent) {
	if e.publisher == nil {
		return
	}
	publishCtx, cancel := context.WithTimeout(ctx, e.dispatchTimeout)
	defer cancel()
	if err := e.publisher.Publish(publishCtx, event); err != nil {
		e.logger.Warn("publish alert event failed", "event_id", event.ID, "error", err.Error())
	}
}

// RetryDue re-sends failed notifications whose backoff has elapsed.
// Params: context and current time.
// Returns: number of notifications attempted.
func (e *Engine) RetryDue(ctx context.Context, now time.Time) int {
	due := e.retries.Due(now)
	if len(due) == 0 {
		return 0
	}

	group := new(errgroup.Group)
	group.SetLimit(e.workers)
	for _, item := range due {
		notification := item.Notification
		group.Go(func() error {
			e.send(ctx, notification)
			e.writeBack(notification)
			if notification.Failed() {
				e.scheduleRetry(notification, now)
			} else {
				e.logger.Info("notification retry succeeded", "notification_id", notification.ID, "attempt", notification.Attempts)
			}
			return nil
		})
	}
	_ = group.Wait()
	return len(due)
}

// PendingRetries returns the number of notifications waiting for a retry.
func (e *Engine) PendingRetries() int {
	return e.retries.Len()
}

func (e *Engine) scheduleRetry(notification *domain.Notification, now time.Time) {
	due, reason := e.retries.Schedule(notification, now)
	if reason != "" {
		e.logger.Debug("notification not retried", "notification_id", notification.ID, "reason", string(reason))
		return
	}
	e.logger.Debug("notification retry scheduled", "notification_id", notification.ID, "due", due)
}

// record stores the event in history and its notifications by event ID.
func (e *Engine) record(event domain.AlertEvent, notifications []*domain.Notification) {
	e.recordsMu.Lock()
	defer e.recordsMu.Unlock()

	e.history = append(e.history, event)
	if overflow := len(e.history) - e.historyMax; overflow > 0 {
		for _, evicted := range e.history[:overflow] {
			for _, n := range e.notifications[evicted.ID] {
				delete(e.byID, n.ID)
			}
			delete(e.notifications, evicted.ID)
		}
		e.history = append([]domain.AlertEvent(nil), e.history[overflow:]...)
	}

	stored := make([]*domain.Notification, 0, len(notifications))
	for _, n := range notifications {
		clone := n.Clone()
		stored = append(stored, clone)
		e.byID[clone.ID] = clone
	}
	e.notifications[event.ID] = stored
}

// writeBack replaces the stored record with the outcome of a retry.
func (e *Engine) writeBack(notification *domain.Notification) {
	e.recordsMu.Lock()
	defer e.recordsMu.Unlock()
	if stored, ok := e.byID[notification.ID]; ok {
		*stored = *notification.Clone()
	}
}

// History returns triggered events newest first.
// Params: user filter ("" for all) and limit (<=0 for all).
func (e *Engine) History(userID string, limit int) []domain.AlertEvent {
	e.recordsMu.Lock()
	defer e.recordsMu.Unlock()
	out := make([]domain.AlertEvent, 0)
	for i := len(e.history) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		if userID == "" || e.history[i].UserID == userID {
			out = append(out, e.history[i])
		}
	}
	return out
}

// Notifications returns copies of the notifications created for one event.
func (e *Engine) Notifications(eventID string) []*domain.Notification {
	e.recordsMu.Lock()
	defer e.recordsMu.Unlock()
	out := make([]*domain.Notification, 0, len(e.notifications[eventID]))
	for _, n := range e.notifications[eventID] {
		out = append(out, n.Clone())
	}
	return out
}

// PruneState drops evaluator history for alerts idle longer than idle.
func (e *Engine) PruneState(idle time.Duration) int {
	return e.evaluator.PruneIdle(idle)
}

func (e *Engine) lookup(alertID string) (*entry, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	item, ok := e.alerts[alertID]
	return item, ok
}

func (e *Engine) snapshot() []*entry {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*entry, 0, len(e.order))
	for _, id := range e.order {
		out = append(out, e.alerts[id])
	}
	return out
}
