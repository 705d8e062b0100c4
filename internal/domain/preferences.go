package domain

// Default quiet hours window (UTC hours, wraps midnight).
const (
	DefaultQuietStartHour = 22
	DefaultQuietEndHour   = 7
)

// Recipient setting keys in Preferences.ChannelSettings.
const (
	SettingEmail        = "email"
	SettingPhone        = "phone"
	SettingWebhookURL   = "webhook_url"
	SettingSlackWebhook = "slack_webhook"
)

var recipientSettingKeys = map[ChannelType]string{
	ChannelEmail:   SettingEmail,
	ChannelSMS:     SettingPhone,
	ChannelWebhook: SettingWebhookURL,
	ChannelSlack:   SettingSlackWebhook,
}

// Preferences is one user's delivery configuration.
// Params: enabled channels, recipient settings, quiet hours, priority overrides.
// Returns: routing input for dispatch.
type Preferences struct {
	UserID            string                          `json:"user_id"`
	EnabledChannels   []ChannelType                   `json:"enabled_channels"`
	ChannelSettings   map[string]string               `json:"channel_settings"`
	QuietHoursEnabled bool                            `json:"quiet_hours_enabled"`
	QuietStartHour    int                             `json:"quiet_start_hour"`
	QuietEndHour      int                             `json:"quiet_end_hour"`
	PriorityOverrides map[AlertPriority][]ChannelType `json:"priority_overrides,omitempty"`
}

// DefaultPreferences returns in-app only delivery with 22:00-07:00 quiet hours.
func DefaultPreferences(userID string) Preferences {
	return Preferences{
		UserID:            userID,
		EnabledChannels:   []ChannelType{ChannelInApp},
		ChannelSettings:   map[string]string{},
		QuietHoursEnabled: true,
		QuietStartHour:    DefaultQuietStartHour,
		QuietEndHour:      DefaultQuietEndHour,
	}
}

// IsInQuietHours reports whether hour falls in [start, end), wrapping midnight
// when start > end. Equal bounds mean no quiet window.
// Params: UTC hour of day.
// Returns: true when non-critical external delivery is suppressed.
func (p Preferences) IsInQuietHours(hour int) bool {
	if !p.QuietHoursEnabled {
		return false
	}
	start, end := p.QuietStartHour, p.QuietEndHour
	if start == end {
		return false
	}
	if start < end {
		return hour >= start && hour < end
	}
	return hour >= start || hour < end
}

// ChannelsForPriority returns the override list for priority or the enabled channels.
func (p Preferences) ChannelsForPriority(priority AlertPriority) []ChannelType {
	if override, ok := p.PriorityOverrides[priority]; ok {
		return override
	}
	return p.EnabledChannels
}

// Recipient resolves the destination for channel from ChannelSettings.
// Params: channel type.
// Returns: recipient string ("" for in-app or when unset).
func (p Preferences) Recipient(channel ChannelType) string {
	key, ok := recipientSettingKeys[channel]
	if !ok {
		return ""
	}
	return p.ChannelSettings[key]
}

// Clone returns a deep copy.
func (p Preferences) Clone() Preferences {
	out := p
	out.EnabledChannels = append([]ChannelType(nil), p.EnabledChannels...)
	out.ChannelSettings = make(map[string]string, len(p.ChannelSettings))
	for key, value := range p.ChannelSettings {
		out.ChannelSettings[key] = value
	}
	if p.PriorityOverrides != nil {
		out.PriorityOverrides = make(map[AlertPriority][]ChannelType, len(p.PriorityOverrides))
		for priority, channels := range p.PriorityOverrides {
			out.PriorityOverrides[priority] = append([]ChannelType(nil), channels...)
		}
	}
	return out
}
