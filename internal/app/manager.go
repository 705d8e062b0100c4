package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"axion-alerts/internal/clock"
	"axion-alerts/internal/condition"
	"axion-alerts/internal/config"
	"axion-alerts/internal/domain"
	"axion-alerts/internal/engine"
	"axion-alerts/internal/notify"
	"axion-alerts/internal/templatefmt"
	"axion-alerts/internal/templates"

	"github.com/google/uuid"
)

// MaxPendingSymbols bounds how many symbols Observe buffers between ticks.
const MaxPendingSymbols = 10000

var (
	// ErrUnknownTemplate reports a template name outside the registry.
	ErrUnknownTemplate = errors.New("unknown template")
	// ErrAlertNotFound reports an unknown alert ID.
	ErrAlertNotFound = engine.ErrAlertNotFound
	// ErrBacklogFull reports that the snapshot buffer cannot take new symbols until the next tick.
	ErrBacklogFull = errors.New("snapshot backlog full")
)

// seedNamespace derives stable IDs for alerts seeded from config.
var seedNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("axion-alerts/config-alert"))

// AlertOptions holds the routing and lifecycle fields shared by every create call.
// Zero values select defaults: price type, medium priority, in-app channel,
// priority cooldown, unlimited triggers, no expiry.
type AlertOptions struct {
	Name            string
	Type            domain.AlertType
	Symbol          string
	Priority        domain.AlertPriority
	Channels        []domain.ChannelType
	CooldownSeconds *int
	MaxTriggers     int
	MessageTemplate string
	ExpiresInHours  float64
}

// CreateRequest describes a single-condition alert.
type CreateRequest struct {
	UserID    string
	Metric    string
	Operator  condition.Operator
	Threshold float64
	AlertOptions
}

// CompoundRequest describes an alert over several conditions joined by AND or OR.
type CompoundRequest struct {
	UserID     string
	Conditions []condition.Spec
	Logic      string
	AlertOptions
}

// Patch is a partial alert update; nil fields are left unchanged.
type Patch struct {
	Name            *string
	Priority        *domain.AlertPriority
	Channels        []domain.ChannelType
	CooldownSeconds *int
	Status          *domain.AlertStatus
}

// Manager is the alert API over the engine: create, mutate, query, and
// evaluation entrypoints for ingest and the service scheduler.
type Manager struct {
	engine *engine.Engine
	inApp  *notify.InApp
	logger *slog.Logger
	clock  clock.Clock
	newID  func() string

	pendingMu   sync.Mutex
	pending     domain.Snapshot
	pendingHour *int
}

// NewManager creates manager over an engine.
// Params: engine, optional in-app channel for inbox queries, and logger.
// Returns: initialized manager.
func NewManager(eng *engine.Engine, inApp *notify.InApp, logger *slog.Logger) *Manager {
	return &Manager{
		engine:  eng,
		inApp:   inApp,
		logger:  logger.With("component", "manager"),
		clock:   eng.Clock(),
		newID:   uuid.NewString,
		pending: make(domain.Snapshot),
	}
}

// CreateAlert registers a single-condition alert.
// Params: request with metric, operator, threshold, and options.
// Returns: copy of the registered alert or validation error.
func (m *Manager) CreateAlert(req CreateRequest) (*domain.Alert, error) {
	op, err := condition.ParseOperator(string(req.Operator))
	if err != nil {
		return nil, fmt.Errorf("create alert: %w", err)
	}
	if strings.TrimSpace(req.Metric) == "" {
		return nil, errors.New("create alert: metric is required")
	}
	opts := req.AlertOptions
	if opts.Name == "" {
		opts.Name = fmt.Sprintf("%s %s %s", req.Metric, op, templatefmt.Number(req.Threshold))
	}
	return m.register(m.newID(), req.UserID, condition.Single(req.Metric, op, req.Threshold), opts)
}

// CreateFromTemplate registers an alert from the named template.
// Params: user, template name, optional symbol, optional threshold override, optional channels.
// Returns: copy of the registered alert or ErrUnknownTemplate.
func (m *Manager) CreateFromTemplate(userID, templateName, symbol string, thresholdOverride *float64, channels []domain.ChannelType) (*domain.Alert, error) {
	tmpl, ok := templates.Lookup(templateName)
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownTemplate, templateName)
	}
	return m.register(m.newID(), userID, tmpl.Condition(thresholdOverride), templateOptions(tmpl, symbol, channels))
}

// CreateCompoundAlert registers an alert over several conditions.
// Params: request with condition tuples, logic literal, and options.
// Returns: copy of the registered alert, or ErrUnknownLogic/ErrUnknownOperator.
func (m *Manager) CreateCompoundAlert(req CompoundRequest) (*domain.Alert, error) {
	compound, err := condition.Build(req.Conditions, req.Logic)
	if err != nil {
		return nil, fmt.Errorf("create compound alert: %w", err)
	}
	if len(compound.Conditions) == 0 {
		return nil, errors.New("create compound alert: at least one condition is required")
	}
	opts := req.AlertOptions
	if opts.Name == "" {
		opts.Name = fmt.Sprintf("compound %s (%d conditions)", compound.Logic, len(compound.Conditions))
	}
	return m.register(m.newID(), req.UserID, compound, opts)
}

// UpdateAlert applies a partial patch.
// Returns: copy of the updated alert, ErrAlertNotFound, or validation error.
func (m *Manager) UpdateAlert(alertID string, patch Patch) (*domain.Alert, error) {
	var priority domain.AlertPriority
	if patch.Priority != nil {
		parsed, err := domain.ParseAlertPriority(string(*patch.Priority))
		if err != nil {
			return nil, fmt.Errorf("update alert: %w", err)
		}
		priority = parsed
	}
	var status domain.AlertStatus
	if patch.Status != nil {
		parsed, err := domain.ParseAlertStatus(string(*patch.Status))
		if err != nil {
			return nil, fmt.Errorf("update alert: %w", err)
		}
		status = parsed
	}
	if patch.CooldownSeconds != nil && *patch.CooldownSeconds < 0 {
		return nil, errors.New("update alert: cooldown must be >= 0")
	}
	var channels []domain.ChannelType
	if patch.Channels != nil {
		parsed, err := parseChannels(patch.Channels)
		if err != nil {
			return nil, fmt.Errorf("update alert: %w", err)
		}
		channels = parsed
	}

	now := m.clock.Now()
	return m.engine.UpdateAlert(alertID, func(alert *domain.Alert) error {
		if patch.Name != nil {
			alert.Name = *patch.Name
		}
		if priority != "" {
			alert.Priority = priority
		}
		if channels != nil {
			alert.Channels = channels
		}
		if patch.CooldownSeconds != nil {
			alert.CooldownSeconds = *patch.CooldownSeconds
		}
		if status != "" {
			alert.Status = status
			if status != domain.StatusSnoozed {
				alert.SnoozeUntil = nil
			}
		}
		alert.UpdatedAt = now
		return nil
	})
}

// DeleteAlert removes an alert and its evaluation history.
func (m *Manager) DeleteAlert(alertID string) error {
	if err := m.engine.RemoveAlert(alertID); err != nil {
		return err
	}
	m.logger.Info("alert deleted", "alert_id", alertID)
	return nil
}

// SnoozeAlert blocks evaluation for hours from now.
// Params: alert ID and snooze length in hours (> 0).
// Returns: copy of the snoozed alert.
func (m *Manager) SnoozeAlert(alertID string, hours float64) (*domain.Alert, error) {
	if hours <= 0 {
		return nil, fmt.Errorf("snooze alert %q: hours must be > 0", alertID)
	}
	now := m.clock.Now()
	until := now.Add(time.Duration(hours * float64(time.Hour)))
	return m.engine.UpdateAlert(alertID, func(alert *domain.Alert) error {
		alert.Snooze(until, now)
		return nil
	})
}

// UnsnoozeAlert clears a snooze and reactivates the alert.
func (m *Manager) UnsnoozeAlert(alertID string) (*domain.Alert, error) {
	now := m.clock.Now()
	return m.engine.UpdateAlert(alertID, func(alert *domain.Alert) error {
		alert.Unsnooze(now)
		return nil
	})
}

// DisableAlert stops evaluation until EnableAlert.
func (m *Manager) DisableAlert(alertID string) (*domain.Alert, error) {
	now := m.clock.Now()
	return m.engine.UpdateAlert(alertID, func(alert *domain.Alert) error {
		alert.Disable(now)
		return nil
	})
}

// EnableAlert reactivates a disabled, exhausted, or expired alert.
func (m *Manager) EnableAlert(alertID string) (*domain.Alert, error) {
	now := m.clock.Now()
	return m.engine.UpdateAlert(alertID, func(alert *domain.Alert) error {
		alert.Enable(now)
		return nil
	})
}

// GetAlert returns a copy of one alert.
func (m *Manager) GetAlert(alertID string) (*domain.Alert, error) {
	return m.engine.GetAlert(alertID)
}

// UserAlerts returns the user's alerts in creation order.
func (m *Manager) UserAlerts(userID string) []*domain.Alert {
	return m.engine.Alerts(userID)
}

// AlertHistory returns the user's triggered events, newest first.
func (m *Manager) AlertHistory(userID string, limit int) []domain.AlertEvent {
	return m.engine.History(userID, limit)
}

// EventNotifications returns the delivery records of one event.
func (m *Manager) EventNotifications(eventID string) []*domain.Notification {
	return m.engine.Notifications(eventID)
}

// SetNotificationPreferences validates and stores delivery preferences.
func (m *Manager) SetNotificationPreferences(prefs domain.Preferences) error {
	if strings.TrimSpace(prefs.UserID) == "" {
		return errors.New("set preferences: user_id is required")
	}
	if !validHour(prefs.QuietStartHour) || !validHour(prefs.QuietEndHour) {
		return fmt.Errorf("set preferences %q: quiet hours must be within 0..23", prefs.UserID)
	}
	channels, err := parseChannels(prefs.EnabledChannels)
	if err != nil {
		return fmt.Errorf("set preferences %q: %w", prefs.UserID, err)
	}
	prefs.EnabledChannels = channels
	for priority, override := range prefs.PriorityOverrides {
		if _, err := domain.ParseAlertPriority(string(priority)); err != nil {
			return fmt.Errorf("set preferences %q: %w", prefs.UserID, err)
		}
		if _, err := parseChannels(override); err != nil {
			return fmt.Errorf("set preferences %q: %w", prefs.UserID, err)
		}
	}
	if prefs.ChannelSettings == nil {
		prefs.ChannelSettings = map[string]string{}
	}
	m.engine.SetPreferences(prefs)
	return nil
}

// NotificationPreferences returns stored preferences or defaults.
func (m *Manager) NotificationPreferences(userID string) domain.Preferences {
	return m.engine.Preferences(userID)
}

// Evaluate runs one evaluation pass immediately.
// Params: context and values keyed by symbol.
// Returns: triggered events in alert creation order.
func (m *Manager) Evaluate(ctx context.Context, values domain.Snapshot) []domain.AlertEvent {
	return m.engine.Evaluate(ctx, values, nil)
}

// Observe buffers one ingest snapshot for the next Tick; later values for the
// same symbol and metric overwrite earlier ones.
// Params: decoded snapshot envelope.
// Returns: ErrBacklogFull when new symbols would exceed MaxPendingSymbols; nothing is buffered then.
func (m *Manager) Observe(envelope domain.SnapshotEnvelope) error {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	added := 0
	for symbol := range envelope.Values {
		if _, ok := m.pending[symbol]; !ok {
			added++
		}
	}
	if len(m.pending)+added > MaxPendingSymbols {
		return ErrBacklogFull
	}
	for symbol, metrics := range envelope.Values {
		target, ok := m.pending[symbol]
		if !ok {
			target = make(map[string]float64, len(metrics))
			m.pending[symbol] = target
		}
		for metric, value := range metrics {
			target[metric] = value
		}
	}
	if envelope.Hour != nil {
		hour := *envelope.Hour
		m.pendingHour = &hour
	}
	return nil
}

// Tick evaluates the values buffered since the previous tick.
// Params: context for dispatch.
// Returns: triggered events; nil when nothing was buffered.
func (m *Manager) Tick(ctx context.Context) []domain.AlertEvent {
	m.pendingMu.Lock()
	values, hour := m.pending, m.pendingHour
	m.pending, m.pendingHour = make(domain.Snapshot), nil
	m.pendingMu.Unlock()

	if len(values) == 0 {
		return nil
	}
	events := m.engine.Evaluate(ctx, values, hour)
	m.logger.Debug("evaluation tick finished", "symbols", len(values), "triggered", len(events))
	return events
}

// PendingSymbols returns how many symbols are buffered for the next tick.
func (m *Manager) PendingSymbols() int {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	return len(m.pending)
}

// RetryDue re-sends failed notifications whose backoff elapsed.
func (m *Manager) RetryDue(ctx context.Context) int {
	return m.engine.RetryDue(ctx, m.clock.Now())
}

// PruneState drops evaluation history of alerts idle longer than idle.
func (m *Manager) PruneState(idle time.Duration) int {
	return m.engine.PruneState(idle)
}

// Stats returns engine counters.
func (m *Manager) Stats() engine.Stats {
	return m.engine.Stats()
}

// Templates returns every registered template in name order.
func (m *Manager) Templates() []templates.Template {
	names := templates.Names()
	out := make([]templates.Template, 0, len(names))
	for _, name := range names {
		tmpl, _ := templates.Lookup(name)
		out = append(out, tmpl)
	}
	return out
}

// Inbox returns the in-app store used by the push hub, or nil without one.
func (m *Manager) Inbox() notify.Inbox {
	if m.inApp == nil {
		return nil
	}
	return m.inApp
}

// InAppNotifications returns the user's in-app notifications, newest last.
func (m *Manager) InAppNotifications(userID string, unreadOnly bool) []*domain.Notification {
	if m.inApp == nil {
		return nil
	}
	if unreadOnly {
		return m.inApp.Unread(userID)
	}
	return m.inApp.All(userID)
}

// InAppUnreadCount returns how many in-app notifications the user has not read.
func (m *Manager) InAppUnreadCount(userID string) int {
	if m.inApp == nil {
		return 0
	}
	return m.inApp.UnreadCount(userID)
}

// MarkNotificationRead flags one in-app notification as read.
func (m *Manager) MarkNotificationRead(userID, notificationID string) bool {
	if m.inApp == nil {
		return false
	}
	return m.inApp.MarkRead(userID, notificationID)
}

// MarkAllNotificationsRead flags every in-app notification of the user as read.
func (m *Manager) MarkAllNotificationsRead(userID string) int {
	if m.inApp == nil {
		return 0
	}
	return m.inApp.MarkAllRead(userID)
}

// ClearNotifications drops the user's in-app notifications.
func (m *Manager) ClearNotifications(userID string) {
	if m.inApp != nil {
		m.inApp.Clear(userID)
	}
}

// LoadConfig seeds preferences and alerts declared in config.
// Seeded alert IDs derive from the alert name, so restarts keep them stable.
// Params: validated config snapshot.
// Returns: first seeding error.
func (m *Manager) LoadConfig(cfg config.Config) error {
	for _, item := range cfg.Preferences {
		prefs, err := item.ToDomain()
		if err != nil {
			return fmt.Errorf("preferences.%s: %w", item.UserID, err)
		}
		if err := m.SetNotificationPreferences(prefs); err != nil {
			return err
		}
	}
	for _, item := range cfg.Alerts {
		if _, err := m.seedAlert(item); err != nil {
			return fmt.Errorf("alert.%s: %w", item.Name, err)
		}
	}
	m.logger.Info("config seeded", "alerts", len(cfg.Alerts), "preferences", len(cfg.Preferences))
	return nil
}

func (m *Manager) seedAlert(item config.AlertConfig) (*domain.Alert, error) {
	channels, err := domain.ParseChannelTypes(item.Channels)
	if err != nil {
		return nil, err
	}
	opts := AlertOptions{
		Name:            item.Name,
		Symbol:          item.Symbol,
		Channels:        channels,
		CooldownSeconds: item.CooldownSec,
		MaxTriggers:     item.MaxTriggers,
		MessageTemplate: item.MessageTemplate,
		ExpiresInHours:  item.ExpiresInHours,
	}

	var compound *condition.Compound
	switch {
	case item.Template != "":
		tmpl, ok := templates.Lookup(item.Template)
		if !ok {
			return nil, fmt.Errorf("%w %q", ErrUnknownTemplate, item.Template)
		}
		compound = tmpl.Condition(item.Threshold)
		base := templateOptions(tmpl, item.Symbol, channels)
		opts.Type, opts.Priority = base.Type, base.Priority
	case item.Metric != "":
		op, err := condition.ParseOperator(item.Operator)
		if err != nil {
			return nil, err
		}
		if item.Threshold == nil {
			return nil, errors.New("threshold is required with metric")
		}
		compound = condition.Single(item.Metric, op, *item.Threshold)
	default:
		compound, err = condition.Build(item.Conditions, item.Logic)
		if err != nil {
			return nil, err
		}
	}
	if item.Type != "" {
		if opts.Type, err = domain.ParseAlertType(item.Type); err != nil {
			return nil, err
		}
	}
	if item.Priority != "" {
		if opts.Priority, err = domain.ParseAlertPriority(item.Priority); err != nil {
			return nil, err
		}
	}
	id := uuid.NewSHA1(seedNamespace, []byte(item.Name)).String()
	return m.register(id, item.UserID, compound, opts)
}

// register validates options, applies defaults, and hands the alert to the engine.
func (m *Manager) register(id, userID string, compound *condition.Compound, opts AlertOptions) (*domain.Alert, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, errors.New("create alert: user_id is required")
	}
	alertType := domain.AlertTypePrice
	if opts.Type != "" {
		parsed, err := domain.ParseAlertType(string(opts.Type))
		if err != nil {
			return nil, fmt.Errorf("create alert: %w", err)
		}
		alertType = parsed
	}
	priority := domain.PriorityMedium
	if opts.Priority != "" {
		parsed, err := domain.ParseAlertPriority(string(opts.Priority))
		if err != nil {
			return nil, fmt.Errorf("create alert: %w", err)
		}
		priority = parsed
	}
	channels := []domain.ChannelType{domain.ChannelInApp}
	if len(opts.Channels) > 0 {
		parsed, err := parseChannels(opts.Channels)
		if err != nil {
			return nil, fmt.Errorf("create alert: %w", err)
		}
		channels = parsed
	}
	cooldown := domain.DefaultCooldownSeconds(priority)
	if opts.CooldownSeconds != nil {
		if *opts.CooldownSeconds < 0 {
			return nil, errors.New("create alert: cooldown must be >= 0")
		}
		cooldown = *opts.CooldownSeconds
	}
	if opts.MaxTriggers < 0 || opts.ExpiresInHours < 0 {
		return nil, errors.New("create alert: max_triggers and expires_in_hours must be >= 0")
	}
	if opts.MessageTemplate != "" {
		if _, err := templatefmt.Parse("message", opts.MessageTemplate); err != nil {
			return nil, fmt.Errorf("create alert: message template: %w", err)
		}
	}

	now := m.clock.Now()
	alert := &domain.Alert{
		ID:              id,
		UserID:          userID,
		Name:            opts.Name,
		Type:            alertType,
		Symbol:          strings.TrimSpace(opts.Symbol),
		Condition:       compound,
		Priority:        priority,
		Status:          domain.StatusActive,
		Channels:        channels,
		CooldownSeconds: cooldown,
		MessageTemplate: opts.MessageTemplate,
		MaxTriggers:     opts.MaxTriggers,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if opts.ExpiresInHours > 0 {
		expiresAt := now.Add(time.Duration(opts.ExpiresInHours * float64(time.Hour)))
		alert.ExpiresAt = &expiresAt
	}

	created := alert.Clone()
	m.engine.RegisterAlert(alert)
	m.logger.Info(
		"alert created",
		"alert_id", created.ID,
		"user_id", created.UserID,
		"name", created.Name,
		"priority", string(created.Priority),
	)
	return created, nil
}

func templateOptions(tmpl templates.Template, symbol string, channels []domain.ChannelType) AlertOptions {
	name := tmpl.Description
	if symbol = strings.TrimSpace(symbol); symbol != "" {
		name = symbol + ": " + name
	}
	return AlertOptions{
		Name:     name,
		Type:     tmpl.Type,
		Symbol:   symbol,
		Priority: tmpl.Priority,
		Channels: channels,
	}
}

func parseChannels(channels []domain.ChannelType) ([]domain.ChannelType, error) {
	raw := make([]string, 0, len(channels))
	for _, channel := range channels {
		raw = append(raw, string(channel))
	}
	return domain.ParseChannelTypes(raw)
}

func validHour(hour int) bool {
	return hour >= 0 && hour <= 23
}
