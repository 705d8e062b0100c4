package domain

import (
	"fmt"
	"strings"
)

// AlertType classifies what an alert watches.
type AlertType string

const (
	AlertTypePrice     AlertType = "price"
	AlertTypeFactor    AlertType = "factor"
	AlertTypePortfolio AlertType = "portfolio"
	AlertTypeTechnical AlertType = "technical"
	AlertTypeRisk      AlertType = "risk"
	AlertTypeVolume    AlertType = "volume"
	AlertTypeSentiment AlertType = "sentiment"
)

// AlertPriority orders alerts by urgency; it selects default cooldowns and quiet-hours bypass.
type AlertPriority string

const (
	PriorityLow      AlertPriority = "low"
	PriorityMedium   AlertPriority = "medium"
	PriorityHigh     AlertPriority = "high"
	PriorityCritical AlertPriority = "critical"
)

// AlertStatus is the alert lifecycle state.
type AlertStatus string

const (
	StatusActive    AlertStatus = "active"
	StatusTriggered AlertStatus = "triggered"
	StatusSnoozed   AlertStatus = "snoozed"
	StatusDisabled  AlertStatus = "disabled"
	StatusExpired   AlertStatus = "expired"
)

// ChannelType names a delivery backend.
type ChannelType string

const (
	ChannelInApp   ChannelType = "in_app"
	ChannelEmail   ChannelType = "email"
	ChannelSMS     ChannelType = "sms"
	ChannelWebhook ChannelType = "webhook"
	ChannelSlack   ChannelType = "slack"
)

// DeliveryStatus is the per-notification delivery outcome.
type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliverySent      DeliveryStatus = "sent"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
	DeliveryBounced   DeliveryStatus = "bounced"
)

var (
	alertTypes      = []AlertType{AlertTypePrice, AlertTypeFactor, AlertTypePortfolio, AlertTypeTechnical, AlertTypeRisk, AlertTypeVolume, AlertTypeSentiment}
	alertPriorities = []AlertPriority{PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical}
	alertStatuses   = []AlertStatus{StatusActive, StatusTriggered, StatusSnoozed, StatusDisabled, StatusExpired}
	channelTypes    = []ChannelType{ChannelInApp, ChannelEmail, ChannelSMS, ChannelWebhook, ChannelSlack}

	defaultCooldownSeconds = map[AlertPriority]int{
		PriorityLow:      3600,
		PriorityMedium:   1800,
		PriorityHigh:     300,
		PriorityCritical: 60,
	}
)

// DefaultCooldownSeconds returns the cooldown used when an alert does not set one.
// Params: alert priority.
// Returns: cooldown in seconds (medium default for unknown priority).
func DefaultCooldownSeconds(priority AlertPriority) int {
	if seconds, ok := defaultCooldownSeconds[priority]; ok {
		return seconds
	}
	return defaultCooldownSeconds[PriorityMedium]
}

// ParseAlertType validates an alert type literal.
func ParseAlertType(raw string) (AlertType, error) {
	return parseEnum(raw, "alert type", alertTypes)
}

// ParseAlertPriority validates a priority literal.
func ParseAlertPriority(raw string) (AlertPriority, error) {
	return parseEnum(raw, "alert priority", alertPriorities)
}

// ParseAlertStatus validates a status literal.
func ParseAlertStatus(raw string) (AlertStatus, error) {
	return parseEnum(raw, "alert status", alertStatuses)
}

// ParseChannelType validates a channel literal.
func ParseChannelType(raw string) (ChannelType, error) {
	return parseEnum(raw, "channel", channelTypes)
}

// ParseChannelTypes validates a channel list, dropping duplicates and keeping order.
// Params: raw channel literals.
// Returns: channel list or the first parse error.
func ParseChannelTypes(raw []string) ([]ChannelType, error) {
	out := make([]ChannelType, 0, len(raw))
	seen := make(map[ChannelType]struct{}, len(raw))
	for _, value := range raw {
		channel, err := ParseChannelType(value)
		if err != nil {
			return nil, err
		}
		if _, ok := seen[channel]; ok {
			continue
		}
		seen[channel] = struct{}{}
		out = append(out, channel)
	}
	return out, nil
}

// AlertPriorities lists every priority from lowest to highest.
func AlertPriorities() []AlertPriority {
	return append([]AlertPriority(nil), alertPriorities...)
}

// AlertStatuses lists every status in declaration order.
func AlertStatuses() []AlertStatus {
	return append([]AlertStatus(nil), alertStatuses...)
}

func parseEnum[T ~string](raw, label string, allowed []T) (T, error) {
	value := T(strings.ToLower(strings.TrimSpace(raw)))
	for _, candidate := range allowed {
		if candidate == value {
			return value, nil
		}
	}
	var zero T
	return zero, fmt.Errorf("unsupported %s %q", label, raw)
}
