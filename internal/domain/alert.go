package domain

import (
	"fmt"
	"strings"
	"time"

	"axion-alerts/internal/condition"
	"axion-alerts/internal/templatefmt"
)

// WildcardSymbol keys metric values for alerts without a symbol.
const WildcardSymbol = "*"

// Alert is one user-defined alert and its lifecycle state.
// Params: identity, condition, routing, and lifecycle counters.
// Returns: entity owned by the engine registry.
type Alert struct {
	ID              string              `json:"alert_id"`
	UserID          string              `json:"user_id"`
	Name            string              `json:"name"`
	Type            AlertType           `json:"alert_type"`
	Symbol          string              `json:"symbol,omitempty"`
	Condition       *condition.Compound `json:"conditions"`
	Priority        AlertPriority       `json:"priority"`
	Status          AlertStatus         `json:"status"`
	Channels        []ChannelType       `json:"channels"`
	CooldownSeconds int                 `json:"cooldown_seconds"`
	MessageTemplate string              `json:"message_template,omitempty"`
	LastTriggeredAt *time.Time          `json:"last_triggered_at,omitempty"`
	SnoozeUntil     *time.Time          `json:"snooze_until,omitempty"`
	ExpiresAt       *time.Time          `json:"expires_at,omitempty"`
	TriggerCount    int                 `json:"trigger_count"`
	MaxTriggers     int                 `json:"max_triggers"`
	CreatedAt       time.Time           `json:"created_at"`
	UpdatedAt       time.Time           `json:"updated_at"`
}

// IsActive reports whether the alert may be evaluated at now.
// Expiry flips ACTIVE to EXPIRED and an exhausted trigger budget flips it to DISABLED;
// an unexpired snooze only blocks.
// Params: current time.
// Returns: true when evaluation is allowed.
func (a *Alert) IsActive(now time.Time) bool {
	if a.Status != StatusActive {
		return false
	}
	if a.ExpiresAt != nil && !now.Before(*a.ExpiresAt) {
		a.Status = StatusExpired
		a.UpdatedAt = now
		return false
	}
	if a.SnoozeUntil != nil && now.Before(*a.SnoozeUntil) {
		return false
	}
	if a.MaxTriggers > 0 && a.TriggerCount >= a.MaxTriggers {
		a.Status = StatusDisabled
		a.UpdatedAt = now
		return false
	}
	return true
}

// IsInCooldown reports whether the last trigger is younger than the cooldown.
// Params: current time.
// Returns: true when triggering must be suppressed.
func (a *Alert) IsInCooldown(now time.Time) bool {
	if a.LastTriggeredAt == nil {
		return false
	}
	return now.Sub(*a.LastTriggeredAt) < time.Duration(a.CooldownSeconds)*time.Second
}

// Trigger records one firing.
// Params: trigger time.
func (a *Alert) Trigger(now time.Time) {
	triggeredAt := now
	a.LastTriggeredAt = &triggeredAt
	a.TriggerCount++
	a.UpdatedAt = now
}

// Snooze suppresses evaluation until the given time.
func (a *Alert) Snooze(until, now time.Time) {
	snoozeUntil := until
	a.SnoozeUntil = &snoozeUntil
	a.Status = StatusSnoozed
	a.UpdatedAt = now
}

// Unsnooze clears the snooze and reactivates the alert.
func (a *Alert) Unsnooze(now time.Time) {
	a.SnoozeUntil = nil
	a.Status = StatusActive
	a.UpdatedAt = now
}

// Disable stops evaluation until Enable is called.
func (a *Alert) Disable(now time.Time) {
	a.Status = StatusDisabled
	a.UpdatedAt = now
}

// Enable reactivates a disabled or expired alert. An exhausted trigger budget
// is reset and a past expiry is cleared so the alert does not flip back at once.
// Params: current time.
func (a *Alert) Enable(now time.Time) {
	if a.MaxTriggers > 0 && a.TriggerCount >= a.MaxTriggers {
		a.TriggerCount = 0
	}
	if a.ExpiresAt != nil && !now.Before(*a.ExpiresAt) {
		a.ExpiresAt = nil
	}
	a.SnoozeUntil = nil
	a.Status = StatusActive
	a.UpdatedAt = now
}

// ValuesSymbol returns the key used to look up this alert's metric values.
func (a *Alert) ValuesSymbol() string {
	if strings.TrimSpace(a.Symbol) == "" {
		return WildcardSymbol
	}
	return a.Symbol
}

// FormatMessage renders the alert message for a triggering snapshot.
// The template sees {name}, {symbol} and every metric in values; any unknown
// placeholder falls back to the default message.
// Params: metric values that triggered the alert.
// Returns: human-readable message.
func (a *Alert) FormatMessage(values map[string]float64) string {
	if strings.TrimSpace(a.MessageTemplate) != "" {
		vars := make(templatefmt.Vars, len(values)+2)
		for metric, value := range values {
			vars[metric] = templatefmt.Number(value)
		}
		vars["name"] = a.Name
		vars["symbol"] = a.Symbol
		if rendered, err := templatefmt.Render(a.MessageTemplate, vars); err == nil {
			return rendered
		}
	}
	return a.defaultMessage(values)
}

func (a *Alert) defaultMessage(values map[string]float64) string {
	parts := []string{"Alert: " + a.Name}
	if a.Symbol != "" {
		parts = append(parts, "Symbol: "+a.Symbol)
	}
	if a.Condition != nil {
		for _, cond := range a.Condition.Conditions {
			value, ok := values[cond.Metric]
			if !ok {
				continue
			}
			parts = append(parts, fmt.Sprintf("%s = %.4f (%s %s)", cond.Metric, value, cond.Operator, templatefmt.Number(cond.Threshold)))
		}
	}
	return strings.Join(parts, " | ")
}

// Clone returns a deep copy safe to hand out of the engine.
func (a *Alert) Clone() *Alert {
	if a == nil {
		return nil
	}
	out := *a
	out.Condition = a.Condition.Clone()
	out.Channels = append([]ChannelType(nil), a.Channels...)
	out.LastTriggeredAt = cloneTime(a.LastTriggeredAt)
	out.SnoozeUntil = cloneTime(a.SnoozeUntil)
	out.ExpiresAt = cloneTime(a.ExpiresAt)
	return &out
}

func cloneTime(value *time.Time) *time.Time {
	if value == nil {
		return nil
	}
	copied := *value
	return &copied
}
