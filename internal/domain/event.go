package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// AlertEvent is the immutable record of one alert firing.
// Params: alert identity, trigger time, value snapshot, and rendered message.
// Returns: payload for dispatch, history, and the event bus.
type AlertEvent struct {
	ID          string             `json:"event_id"`
	AlertID     string             `json:"alert_id"`
	UserID      string             `json:"user_id"`
	AlertName   string             `json:"alert_name"`
	Symbol      string             `json:"symbol,omitempty"`
	TriggeredAt time.Time          `json:"triggered_at"`
	Values      map[string]float64 `json:"values"`
	Message     string             `json:"message"`
	Priority    AlertPriority      `json:"priority"`
}

// NewAlertEvent builds an event for a fired alert; values are copied.
// Params: event id, fired alert, triggering values, trigger time.
// Returns: event with the alert's formatted message.
func NewAlertEvent(id string, alert *Alert, values map[string]float64, now time.Time) AlertEvent {
	snapshot := make(map[string]float64, len(values))
	for metric, value := range values {
		snapshot[metric] = value
	}
	return AlertEvent{
		ID:          id,
		AlertID:     alert.ID,
		UserID:      alert.UserID,
		AlertName:   alert.Name,
		Symbol:      alert.Symbol,
		TriggeredAt: now,
		Values:      snapshot,
		Message:     alert.FormatMessage(values),
		Priority:    alert.Priority,
	}
}

// Snapshot holds one tick of metric values keyed by symbol ("*" for symbol-less alerts).
type Snapshot map[string]map[string]float64

// SnapshotEnvelope is the ingest wire form: either a bare Snapshot object or
// {"values": {...}, "hour": 2} when the producer pins the quiet-hours clock.
type SnapshotEnvelope struct {
	Values Snapshot `json:"values"`
	Hour   *int     `json:"hour,omitempty"`
}

// DecodeSnapshot decodes and validates one ingest payload.
// Params: JSON document bytes.
// Returns: validated envelope or decode/validation error.
func DecodeSnapshot(raw []byte) (SnapshotEnvelope, error) {
	payload := bytes.TrimSpace(raw)
	if len(payload) == 0 {
		return SnapshotEnvelope{}, errors.New("empty payload")
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return SnapshotEnvelope{}, fmt.Errorf("decode snapshot: %w", err)
	}

	var envelope SnapshotEnvelope
	if isEnvelopeValues(fields["values"]) {
		if err := json.Unmarshal(payload, &envelope); err != nil {
			return SnapshotEnvelope{}, fmt.Errorf("decode snapshot: %w", err)
		}
	} else if err := json.Unmarshal(payload, &envelope.Values); err != nil {
		return SnapshotEnvelope{}, fmt.Errorf("decode snapshot: %w", err)
	}
	if err := envelope.Validate(); err != nil {
		return SnapshotEnvelope{}, err
	}
	return envelope, nil
}

// isEnvelopeValues reports whether raw is an object of per-symbol objects.
// A bare snapshot with a symbol named "values" holds numbers there instead.
func isEnvelopeValues(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return false
	}
	var symbols map[string]map[string]json.RawMessage
	return json.Unmarshal(raw, &symbols) == nil
}

// Validate checks symbol/metric names, finite values, and hour range.
// Params: decoded envelope.
// Returns: validation error when the contract is violated.
func (e SnapshotEnvelope) Validate() error {
	if len(e.Values) == 0 {
		return errors.New("values must contain at least one symbol")
	}
	for symbol, metrics := range e.Values {
		if strings.TrimSpace(symbol) == "" {
			return errors.New("symbol must not be empty")
		}
		for metric, value := range metrics {
			if strings.TrimSpace(metric) == "" {
				return fmt.Errorf("symbol %q: metric name must not be empty", symbol)
			}
			if math.IsNaN(value) || math.IsInf(value, 0) {
				return fmt.Errorf("symbol %q metric %q: value must be finite", symbol, metric)
			}
		}
	}
	if e.Hour != nil && (*e.Hour < 0 || *e.Hour > 23) {
		return fmt.Errorf("hour must be within 0..23, got %d", *e.Hour)
	}
	return nil
}
