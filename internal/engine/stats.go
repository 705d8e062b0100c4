package engine

import "axion-alerts/internal/domain"

// Stats summarizes the registry and delivery records.
type Stats struct {
	TotalAlerts            int                           `json:"total_alerts"`
	ActiveAlerts           int                           `json:"active_alerts"`
	AlertsByStatus         map[domain.AlertStatus]int    `json:"alerts_by_status"`
	AlertsByPriority       map[domain.AlertPriority]int  `json:"alerts_by_priority"`
	Users                  int                           `json:"users"`
	TriggeredEvents        int64                         `json:"triggered_events"`
	HistorySize            int                           `json:"history_size"`
	NotificationsByStatus  map[domain.DeliveryStatus]int `json:"notifications_by_status"`
	NotificationsByChannel map[domain.ChannelType]int    `json:"notifications_by_channel"`
	PendingRetries         int                           `json:"pending_retries"`
	Channels               []domain.ChannelType          `json:"channels"`
}

// Stats returns counters over alerts, history, and retained notifications.
// Every status and priority is present in the breakdowns, zero or not.
func (e *Engine) Stats() Stats {
	stats := Stats{
		AlertsByStatus:         make(map[domain.AlertStatus]int),
		AlertsByPriority:       make(map[domain.AlertPriority]int),
		NotificationsByStatus:  make(map[domain.DeliveryStatus]int),
		NotificationsByChannel: make(map[domain.ChannelType]int),
		TriggeredEvents:        e.triggered.Load(),
		PendingRetries:         e.retries.Len(),
		Channels:               e.channels.Types(),
	}
	for _, status := range domain.AlertStatuses() {
		stats.AlertsByStatus[status] = 0
	}
	for _, priority := range domain.AlertPriorities() {
		stats.AlertsByPriority[priority] = 0
	}

	users := make(map[string]struct{})
	for _, item := range e.snapshot() {
		item.guard.Lock()
		stats.TotalAlerts++
		stats.AlertsByStatus[item.alert.Status]++
		stats.AlertsByPriority[item.alert.Priority]++
		if item.alert.Status == domain.StatusActive {
			stats.ActiveAlerts++
		}
		users[item.alert.UserID] = struct{}{}
		item.guard.Unlock()
	}
	stats.Users = len(users)

	e.recordsMu.Lock()
	stats.HistorySize = len(e.history)
	for _, n := range e.byID {
		stats.NotificationsByStatus[n.Status]++
		stats.NotificationsByChannel[n.Channel]++
	}
	e.recordsMu.Unlock()
	return stats
}
