package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"

	"axion-alerts/internal/condition"
	"axion-alerts/internal/domain"
	"axion-alerts/internal/templatefmt"
	"axion-alerts/internal/templates"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

const (
	defaultServiceName          = "axion-alerts"
	defaultEvaluationSeconds    = 60
	defaultHTTPListen           = ":8080"
	defaultHealthPath           = "/healthz"
	defaultReadyPath            = "/readyz"
	defaultIngestPath           = "/values"
	defaultStatsPath            = "/stats"
	defaultNATSURL              = "nats://127.0.0.1:4222"
	defaultNATSSubject          = "axion.metrics"
	defaultNATSIngestStream     = "AXION_METRICS"
	defaultNATSIngestConsumer   = "axion-alerts-ingest"
	defaultNATSIngestGroup      = "axion-alerts-workers"
	defaultNATSAckWaitSec       = 30
	defaultNATSNackDelayMS      = 1000
	defaultNATSMaxDeliver       = -1
	defaultNATSMaxAckPending    = 1024
	defaultEventsSubject        = "axion.alerts.triggered"
	defaultEventsStream         = "AXION_ALERT_EVENTS"
	defaultEngineWorkers        = 8
	defaultHistoryMax           = 1000
	defaultDispatchTimeoutSec   = 30
	defaultInAppMaxPerUser      = 100
	defaultPushPath             = "/ws/notifications"
	defaultPushMaxConnsPerUser  = 10
	defaultSMTPPort             = 587
	defaultSMSAPIBase           = "https://api.twilio.com"
	defaultChannelTimeoutSec    = 10
	defaultWebhookDeliveryLog   = 1000
	defaultLogMaxSizeMB         = 100
	defaultLogMaxBackups        = 5
	defaultLogMaxAgeDays        = 28
	defaultSMSRatePerSec        = 1.0
	defaultSlackRatePerSec      = 1.0
	defaultMaxDeliveryRetries   = 3
	defaultRetryScanSec         = 10
	defaultMessageTemplateLabel = "message_template"
)

// DefaultRetryBackoffSec is the spacing between delivery retries.
var DefaultRetryBackoffSec = []int{30, 120, 600}

// Environment variables that override secrets from TOML.
const (
	EnvSMTPUser      = "AXION_SMTP_USER"
	EnvSMTPPassword  = "AXION_SMTP_PASSWORD"
	EnvSMSAccountSID = "AXION_SMS_ACCOUNT_SID"
	EnvSMSAuthToken  = "AXION_SMS_AUTH_TOKEN"
	EnvWebhookSecret = "AXION_WEBHOOK_SECRET"
	EnvNATSURL       = "AXION_NATS_URL"
)

// Config holds service runtime settings and seeded alerts.
// Params: TOML sections from file or merged directory snapshot.
// Returns: validated runtime configuration.
type Config struct {
	Service     ServiceConfig
	Log         LogConfig
	Ingest      IngestConfig
	Engine      EngineConfig
	Channels    ChannelsConfig
	Events      EventsConfig
	Alerts      []AlertConfig
	Preferences []PreferencesConfig
}

// rawConfig mirrors TOML model before runtime normalization.
type rawConfig struct {
	Service     ServiceConfig                `toml:"service"`
	Log         LogConfig                    `toml:"log"`
	Ingest      IngestConfig                 `toml:"ingest"`
	Engine      EngineConfig                 `toml:"engine"`
	Channels    ChannelsConfig               `toml:"channels"`
	Events      EventsConfig                 `toml:"events"`
	Alert       map[string]AlertConfig       `toml:"alert"`
	Preferences map[string]PreferencesConfig `toml:"preferences"`
}

// ServiceConfig contains process-level settings.
type ServiceConfig struct {
	Name                  string `toml:"name"`
	EvaluationIntervalSec int    `toml:"evaluation_interval_sec"`
	RetryScanSec          int    `toml:"retry_scan_sec"`
	StateIdleSec          int    `toml:"state_idle_sec"`
	EnvFile               string `toml:"env_file"`
}

// IngestConfig defines inbound metric snapshot interfaces.
type IngestConfig struct {
	HTTP HTTPIngestConfig `toml:"http"`
	NATS NATSIngestConfig `toml:"nats"`
}

// HTTPIngestConfig configures the HTTP server (health, ingest, push).
type HTTPIngestConfig struct {
	Enabled      bool   `toml:"enabled"`
	Listen       string `toml:"listen"`
	HealthPath   string `toml:"health_path"`
	ReadyPath    string `toml:"ready_path"`
	IngestPath   string `toml:"ingest_path"`
	StatsPath    string `toml:"stats_path"`
	MaxBodyBytes int64  `toml:"max_body_bytes"`
}

// NATSIngestConfig configures JetStream queue-consumer ingestion.
type NATSIngestConfig struct {
	Enabled       bool     `toml:"enabled"`
	URL           []string `toml:"url"`
	Subject       string   `toml:"subject"`
	Stream        string   `toml:"stream"`
	ConsumerName  string   `toml:"consumer_name"`
	DeliverGroup  string   `toml:"deliver_group"`
	AckWaitSec    int      `toml:"ack_wait_sec"`
	NackDelayMS   int      `toml:"nack_delay_ms"`
	MaxDeliver    int      `toml:"max_deliver"`
	MaxAckPending int      `toml:"max_ack_pending"`
}

// EngineConfig tunes evaluation concurrency, history, and delivery retries.
type EngineConfig struct {
	Workers            int   `toml:"workers"`
	HistoryMax         int   `toml:"history_max"`
	DispatchTimeoutSec int   `toml:"dispatch_timeout_sec"`
	MaxDeliveryRetries *int  `toml:"max_delivery_retries"`
	RetryBackoffSec    []int `toml:"retry_backoff_sec"`
}

// ChannelsConfig groups delivery channel settings.
type ChannelsConfig struct {
	InApp   InAppConfig   `toml:"in_app"`
	Email   EmailConfig   `toml:"email"`
	SMS     SMSConfig     `toml:"sms"`
	Webhook WebhookConfig `toml:"webhook"`
	Slack   SlackConfig   `toml:"slack"`
}

// InAppConfig configures the in-app inbox and its websocket push endpoint.
type InAppConfig struct {
	MaxPerUser      int    `toml:"max_per_user"`
	PushEnabled     bool   `toml:"push_enabled"`
	PushPath        string `toml:"push_path"`
	MaxConnsPerUser int    `toml:"max_conns_per_user"`
}

// EmailConfig configures SMTP delivery. Without credentials email runs dry.
type EmailConfig struct {
	SMTPHost   string `toml:"smtp_host"`
	SMTPPort   int    `toml:"smtp_port"`
	Username   string `toml:"username"`
	Password   string `toml:"password"`
	From       string `toml:"from"`
	TimeoutSec int    `toml:"timeout_sec"`
}

// DryRun reports whether email must be logged instead of sent.
func (c EmailConfig) DryRun() bool {
	return strings.TrimSpace(c.Username) == "" || strings.TrimSpace(c.Password) == ""
}

// SMSConfig configures the Twilio-compatible SMS provider. Without an account SMS runs dry.
type SMSConfig struct {
	APIBase    string  `toml:"api_base"`
	AccountSID string  `toml:"account_sid"`
	AuthToken  string  `toml:"auth_token"`
	FromNumber string  `toml:"from_number"`
	TimeoutSec int     `toml:"timeout_sec"`
	RatePerSec float64 `toml:"rate_per_sec"`
	Burst      int     `toml:"burst"`
}

// DryRun reports whether SMS must be logged instead of sent.
func (c SMSConfig) DryRun() bool {
	return strings.TrimSpace(c.AccountSID) == "" || strings.TrimSpace(c.AuthToken) == ""
}

// WebhookConfig configures signed webhook delivery.
type WebhookConfig struct {
	Secret         string `toml:"secret"`
	TimeoutSec     int    `toml:"timeout_sec"`
	DeliveryLogMax int    `toml:"delivery_log_max"`
}

// SlackConfig configures Slack incoming-webhook delivery.
type SlackConfig struct {
	TimeoutSec int     `toml:"timeout_sec"`
	RatePerSec float64 `toml:"rate_per_sec"`
	Burst      int     `toml:"burst"`
}

// EventsConfig configures outbound triggered-event publishing.
type EventsConfig struct {
	NATS NATSEventsConfig `toml:"nats"`
}

// NATSEventsConfig configures the JetStream event publisher.
type NATSEventsConfig struct {
	Enabled bool     `toml:"enabled"`
	URL     []string `toml:"url"`
	Subject string   `toml:"subject"`
	Stream  string   `toml:"stream"`
}

// LogConfig contains console/file logging sinks.
type LogConfig struct {
	Console LogSinkConfig `toml:"console"`
	File    LogSinkConfig `toml:"file"`
}

// LogSinkConfig defines one logging sink; rotation fields apply to the file sink.
type LogSinkConfig struct {
	Enabled    bool   `toml:"enabled"`
	Level      string `toml:"level"`
	Format     string `toml:"format"`
	Path       string `toml:"path"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
	Compress   bool   `toml:"compress"`
}

// AlertConfig seeds one alert from an `[alert.<name>]` table.
// Exactly one of template, metric/operator/threshold, or conditions is used.
type AlertConfig struct {
	Name            string           `toml:"-"`
	UserID          string           `toml:"user_id"`
	Template        string           `toml:"template"`
	Type            string           `toml:"type"`
	Symbol          string           `toml:"symbol"`
	Metric          string           `toml:"metric"`
	Operator        string           `toml:"operator"`
	Threshold       *float64         `toml:"threshold"`
	Conditions      []condition.Spec `toml:"conditions"`
	Logic           string           `toml:"logic"`
	Priority        string           `toml:"priority"`
	Channels        []string         `toml:"channels"`
	CooldownSec     *int             `toml:"cooldown_sec"`
	MaxTriggers     int              `toml:"max_triggers"`
	MessageTemplate string           `toml:"message_template"`
	ExpiresInHours  float64          `toml:"expires_in_hours"`
}

// PreferencesConfig seeds one user's delivery preferences from `[preferences.<user_id>]`.
type PreferencesConfig struct {
	UserID            string              `toml:"-"`
	Channels          []string            `toml:"channels"`
	Settings          map[string]string   `toml:"settings"`
	QuietHoursEnabled *bool               `toml:"quiet_hours_enabled"`
	QuietStartHour    *int                `toml:"quiet_start_hour"`
	QuietEndHour      *int                `toml:"quiet_end_hour"`
	PriorityOverrides map[string][]string `toml:"priority_overrides"`
}

// ToDomain converts seeded preferences into the domain model over defaults.
// Params: none.
// Returns: preferences or parse error for unknown channels/priorities.
func (p PreferencesConfig) ToDomain() (domain.Preferences, error) {
	prefs := domain.DefaultPreferences(p.UserID)
	if len(p.Channels) > 0 {
		channels, err := domain.ParseChannelTypes(p.Channels)
		if err != nil {
			return domain.Preferences{}, err
		}
		prefs.EnabledChannels = channels
	}
	for key, value := range p.Settings {
		prefs.ChannelSettings[key] = value
	}
	if p.QuietHoursEnabled != nil {
		prefs.QuietHoursEnabled = *p.QuietHoursEnabled
	}
	if p.QuietStartHour != nil {
		prefs.QuietStartHour = *p.QuietStartHour
	}
	if p.QuietEndHour != nil {
		prefs.QuietEndHour = *p.QuietEndHour
	}
	if len(p.PriorityOverrides) > 0 {
		prefs.PriorityOverrides = make(map[domain.AlertPriority][]domain.ChannelType, len(p.PriorityOverrides))
		for rawPriority, rawChannels := range p.PriorityOverrides {
			priority, err := domain.ParseAlertPriority(rawPriority)
			if err != nil {
				return domain.Preferences{}, err
			}
			channels, err := domain.ParseChannelTypes(rawChannels)
			if err != nil {
				return domain.Preferences{}, err
			}
			prefs.PriorityOverrides[priority] = channels
		}
	}
	return prefs, nil
}

// ConfigSource describes file or directory config source.
// Params: exactly one of file path or directory path.
// Returns: normalized source descriptor.
type ConfigSource struct {
	File string
	Dir  string
}

// FromCLI builds normalized source configuration from input paths.
// Params: optional file and directory arguments.
// Returns: source descriptor or validation error.
func FromCLI(filePath, dirPath string) (ConfigSource, error) {
	filePath = strings.TrimSpace(filePath)
	dirPath = strings.TrimSpace(dirPath)

	if filePath == "" && dirPath == "" {
		return ConfigSource{}, errors.New("either --config-file or --config-dir must be provided")
	}
	if filePath != "" && dirPath != "" {
		return ConfigSource{}, errors.New("config source must be either file or dir")
	}

	if filePath != "" {
		return ConfigSource{File: filePath}, nil
	}
	return ConfigSource{Dir: dirPath}, nil
}

// LoadSnapshot loads and validates configuration from one source.
// The optional service.env_file is loaded into the process environment first,
// then secrets from the environment override TOML values.
// Params: source selects file or directory mode.
// Returns: validated config or load/validation error.
func LoadSnapshot(src ConfigSource) (Config, error) {
	var cfg Config
	var err error
	if src.File != "" {
		cfg, err = loadFile(src.File)
	} else {
		cfg, err = loadDir(src.Dir)
	}
	if err != nil {
		return Config{}, err
	}
	if err := loadEnvFile(cfg.Service.EnvFile); err != nil {
		return Config{}, err
	}
	applyEnv(&cfg, os.Getenv)
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Default returns a validated configuration with every default applied and no seeded alerts.
func Default() Config {
	var cfg Config
	applyDefaults(&cfg)
	return cfg
}

// normalizeRawConfig converts raw TOML model to runtime config.
// Params: decoded raw config from file fragment.
// Returns: config with table keys copied into names, sorted by key.
func normalizeRawConfig(raw rawConfig) Config {
	cfg := Config{
		Service:  raw.Service,
		Log:      raw.Log,
		Ingest:   raw.Ingest,
		Engine:   raw.Engine,
		Channels: raw.Channels,
		Events:   raw.Events,
	}
	for _, name := range sortedKeys(raw.Alert) {
		alert := raw.Alert[name]
		alert.Name = name
		cfg.Alerts = append(cfg.Alerts, alert)
	}
	for _, userID := range sortedKeys(raw.Preferences) {
		prefs := raw.Preferences[userID]
		prefs.UserID = userID
		cfg.Preferences = append(cfg.Preferences, prefs)
	}
	return cfg
}

func sortedKeys[V any](values map[string]V) []string {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// loadFile reads one TOML configuration file.
// Params: file path to config snapshot.
// Returns: decoded config or read/decode error.
func loadFile(path string) (Config, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file %q: %w", path, err)
	}
	var raw rawConfig
	if err := toml.Unmarshal(body, &raw); err != nil {
		return Config{}, fmt.Errorf("decode config file %q: %w", path, err)
	}
	return normalizeRawConfig(raw), nil
}

// loadDir reads and merges TOML files from one directory in lexical order.
// Params: directory containing config fragments.
// Returns: merged config snapshot or load/decode error.
func loadDir(dir string) (Config, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return Config{}, fmt.Errorf("read config dir %q: %w", dir, err)
	}

	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if strings.ToLower(filepath.Ext(entry.Name())) != ".toml" {
			continue
		}
		files = append(files, filepath.Join(dir, entry.Name()))
	}
	if len(files) == 0 {
		return Config{}, fmt.Errorf("no .toml files found in %q", dir)
	}
	sort.Strings(files)

	var merged Config
	for _, file := range files {
		fragment, err := loadFile(file)
		if err != nil {
			return Config{}, err
		}
		mergeConfig(&merged, fragment)
	}
	return merged, nil
}

// mergeConfig overlays source onto destination: non-empty sections replace,
// alerts and preferences accumulate.
// Params: destination config and next fragment.
func mergeConfig(dst *Config, src Config) {
	overlay(&dst.Service, src.Service)
	overlay(&dst.Log, src.Log)
	overlay(&dst.Ingest, src.Ingest)
	overlay(&dst.Engine, src.Engine)
	overlay(&dst.Channels.InApp, src.Channels.InApp)
	overlay(&dst.Channels.Email, src.Channels.Email)
	overlay(&dst.Channels.SMS, src.Channels.SMS)
	overlay(&dst.Channels.Webhook, src.Channels.Webhook)
	overlay(&dst.Channels.Slack, src.Channels.Slack)
	overlay(&dst.Events, src.Events)
	dst.Alerts = append(dst.Alerts, src.Alerts...)
	dst.Preferences = append(dst.Preferences, src.Preferences...)
}

func overlay[T any](dst *T, src T) {
	if !reflect.ValueOf(src).IsZero() {
		*dst = src
	}
}

// loadEnvFile loads KEY=VALUE pairs without overriding variables already set.
// Params: optional path from service.env_file.
// Returns: load error for a configured but unreadable file.
func loadEnvFile(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file %q: %w", path, err)
	}
	return nil
}

// applyEnv overrides secrets and NATS URLs from the environment.
// Params: config and environment lookup.
func applyEnv(cfg *Config, getenv func(string) string) {
	setIfPresent := func(dst *string, key string) {
		if value := strings.TrimSpace(getenv(key)); value != "" {
			*dst = value
		}
	}
	setIfPresent(&cfg.Channels.Email.Username, EnvSMTPUser)
	setIfPresent(&cfg.Channels.Email.Password, EnvSMTPPassword)
	setIfPresent(&cfg.Channels.SMS.AccountSID, EnvSMSAccountSID)
	setIfPresent(&cfg.Channels.SMS.AuthToken, EnvSMSAuthToken)
	setIfPresent(&cfg.Channels.Webhook.Secret, EnvWebhookSecret)
	if value := strings.TrimSpace(getenv(EnvNATSURL)); value != "" {
		urls := normalizeNATSURLs(strings.Split(value, ","))
		cfg.Ingest.NATS.URL = urls
		cfg.Events.NATS.URL = urls
	}
}

// applyDefaults fills unset values.
// Params: config pointer.
func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.Service.Name) == "" {
		cfg.Service.Name = defaultServiceName
	}
	if cfg.Service.EvaluationIntervalSec <= 0 {
		cfg.Service.EvaluationIntervalSec = defaultEvaluationSeconds
	}
	if cfg.Service.RetryScanSec <= 0 {
		cfg.Service.RetryScanSec = defaultRetryScanSec
	}

	if cfg.Log.Console.Level == "" {
		cfg.Log.Console.Level = "info"
	}
	if cfg.Log.Console.Format == "" {
		cfg.Log.Console.Format = "line"
	}
	if cfg.Log.File.Level == "" {
		cfg.Log.File.Level = "info"
	}
	if cfg.Log.File.Format == "" {
		cfg.Log.File.Format = "json"
	}
	if cfg.Log.File.MaxSizeMB <= 0 {
		cfg.Log.File.MaxSizeMB = defaultLogMaxSizeMB
	}
	if cfg.Log.File.MaxBackups <= 0 {
		cfg.Log.File.MaxBackups = defaultLogMaxBackups
	}
	if cfg.Log.File.MaxAgeDays <= 0 {
		cfg.Log.File.MaxAgeDays = defaultLogMaxAgeDays
	}
	if !cfg.Log.Console.Enabled && !cfg.Log.File.Enabled {
		cfg.Log.Console.Enabled = true
	}

	http := &cfg.Ingest.HTTP
	if strings.TrimSpace(http.Listen) == "" {
		http.Listen = defaultHTTPListen
	}
	if strings.TrimSpace(http.HealthPath) == "" {
		http.HealthPath = defaultHealthPath
	}
	if strings.TrimSpace(http.ReadyPath) == "" {
		http.ReadyPath = defaultReadyPath
	}
	if strings.TrimSpace(http.IngestPath) == "" {
		http.IngestPath = defaultIngestPath
	}
	if strings.TrimSpace(http.StatsPath) == "" {
		http.StatsPath = defaultStatsPath
	}
	if http.MaxBodyBytes <= 0 {
		http.MaxBodyBytes = 2 << 20
	}

	nats := &cfg.Ingest.NATS
	nats.URL = normalizeNATSURLs(nats.URL)
	if len(nats.URL) == 0 {
		nats.URL = []string{defaultNATSURL}
	}
	if strings.TrimSpace(nats.Subject) == "" {
		nats.Subject = defaultNATSSubject
	}
	if strings.TrimSpace(nats.Stream) == "" {
		nats.Stream = defaultNATSIngestStream
	}
	if strings.TrimSpace(nats.ConsumerName) == "" {
		nats.ConsumerName = defaultNATSIngestConsumer
	}
	if strings.TrimSpace(nats.DeliverGroup) == "" {
		nats.DeliverGroup = defaultNATSIngestGroup
	}
	if nats.AckWaitSec <= 0 {
		nats.AckWaitSec = defaultNATSAckWaitSec
	}
	if nats.NackDelayMS <= 0 {
		nats.NackDelayMS = defaultNATSNackDelayMS
	}
	if nats.MaxDeliver == 0 {
		nats.MaxDeliver = defaultNATSMaxDeliver
	}
	if nats.MaxAckPending <= 0 {
		nats.MaxAckPending = defaultNATSMaxAckPending
	}
	if !http.Enabled && !nats.Enabled {
		http.Enabled = true
	}

	events := &cfg.Events.NATS
	events.URL = normalizeNATSURLs(events.URL)
	if len(events.URL) == 0 {
		events.URL = append([]string(nil), nats.URL...)
	}
	if strings.TrimSpace(events.Subject) == "" {
		events.Subject = defaultEventsSubject
	}
	if strings.TrimSpace(events.Stream) == "" {
		events.Stream = defaultEventsStream
	}

	engine := &cfg.Engine
	if engine.Workers <= 0 {
		engine.Workers = defaultEngineWorkers
	}
	if engine.HistoryMax <= 0 {
		engine.HistoryMax = defaultHistoryMax
	}
	if engine.DispatchTimeoutSec <= 0 {
		engine.DispatchTimeoutSec = defaultDispatchTimeoutSec
	}
	if engine.MaxDeliveryRetries == nil {
		retries := defaultMaxDeliveryRetries
		engine.MaxDeliveryRetries = &retries
	}
	if len(engine.RetryBackoffSec) == 0 {
		engine.RetryBackoffSec = append([]int(nil), DefaultRetryBackoffSec...)
	}

	channels := &cfg.Channels
	if channels.InApp.MaxPerUser <= 0 {
		channels.InApp.MaxPerUser = defaultInAppMaxPerUser
	}
	if strings.TrimSpace(channels.InApp.PushPath) == "" {
		channels.InApp.PushPath = defaultPushPath
	}
	if channels.InApp.MaxConnsPerUser <= 0 {
		channels.InApp.MaxConnsPerUser = defaultPushMaxConnsPerUser
	}
	if channels.Email.SMTPPort <= 0 {
		channels.Email.SMTPPort = defaultSMTPPort
	}
	if channels.Email.TimeoutSec <= 0 {
		channels.Email.TimeoutSec = defaultChannelTimeoutSec
	}
	if strings.TrimSpace(channels.SMS.APIBase) == "" {
		channels.SMS.APIBase = defaultSMSAPIBase
	}
	if channels.SMS.TimeoutSec <= 0 {
		channels.SMS.TimeoutSec = defaultChannelTimeoutSec
	}
	if channels.SMS.RatePerSec <= 0 {
		channels.SMS.RatePerSec = defaultSMSRatePerSec
	}
	if channels.SMS.Burst <= 0 {
		channels.SMS.Burst = 1
	}
	if channels.Webhook.TimeoutSec <= 0 {
		channels.Webhook.TimeoutSec = defaultChannelTimeoutSec
	}
	if channels.Webhook.DeliveryLogMax <= 0 {
		channels.Webhook.DeliveryLogMax = defaultWebhookDeliveryLog
	}
	if channels.Slack.TimeoutSec <= 0 {
		channels.Slack.TimeoutSec = defaultChannelTimeoutSec
	}
	if channels.Slack.RatePerSec <= 0 {
		channels.Slack.RatePerSec = defaultSlackRatePerSec
	}
	if channels.Slack.Burst <= 0 {
		channels.Slack.Burst = 1
	}

	for i := range cfg.Alerts {
		alert := &cfg.Alerts[i]
		if strings.TrimSpace(alert.Logic) == "" {
			alert.Logic = string(condition.And)
		}
	}
}

// validateConfig validates a defaulted config.
// Params: config snapshot.
// Returns: first validation error.
func validateConfig(cfg Config) error {
	if cfg.Service.StateIdleSec < 0 {
		return errors.New("service.state_idle_sec must be >=0")
	}
	if err := validateLogSink("log.console", cfg.Log.Console, false); err != nil {
		return err
	}
	if err := validateLogSink("log.file", cfg.Log.File, true); err != nil {
		return err
	}
	for _, path := range []struct{ key, value string }{
		{"ingest.http.health_path", cfg.Ingest.HTTP.HealthPath},
		{"ingest.http.ready_path", cfg.Ingest.HTTP.ReadyPath},
		{"ingest.http.ingest_path", cfg.Ingest.HTTP.IngestPath},
		{"ingest.http.stats_path", cfg.Ingest.HTTP.StatsPath},
		{"channels.in_app.push_path", cfg.Channels.InApp.PushPath},
	} {
		if !strings.HasPrefix(path.value, "/") {
			return fmt.Errorf("%s must start with /", path.key)
		}
	}
	if cfg.Ingest.NATS.MaxDeliver < -1 {
		return errors.New("ingest.nats.max_deliver must be -1 or >0")
	}
	if cfg.Engine.MaxDeliveryRetries != nil && *cfg.Engine.MaxDeliveryRetries < 0 {
		return errors.New("engine.max_delivery_retries must be >=0")
	}
	for i, seconds := range cfg.Engine.RetryBackoffSec {
		if seconds <= 0 {
			return fmt.Errorf("engine.retry_backoff_sec[%d] must be >0", i)
		}
	}
	if !cfg.Channels.Email.DryRun() && strings.TrimSpace(cfg.Channels.Email.SMTPHost) == "" {
		return errors.New("channels.email.smtp_host is required when SMTP credentials are set")
	}
	if !cfg.Channels.SMS.DryRun() && strings.TrimSpace(cfg.Channels.SMS.FromNumber) == "" {
		return errors.New("channels.sms.from_number is required when an SMS account is set")
	}

	seenAlerts := make(map[string]struct{}, len(cfg.Alerts))
	for _, alert := range cfg.Alerts {
		if _, dup := seenAlerts[alert.Name]; dup {
			return fmt.Errorf("duplicate alert name %q", alert.Name)
		}
		seenAlerts[alert.Name] = struct{}{}
		if err := validateAlert(alert); err != nil {
			return fmt.Errorf("alert.%s: %w", alert.Name, err)
		}
	}
	seenUsers := make(map[string]struct{}, len(cfg.Preferences))
	for _, prefs := range cfg.Preferences {
		if _, dup := seenUsers[prefs.UserID]; dup {
			return fmt.Errorf("preferences.%s is defined more than once", prefs.UserID)
		}
		seenUsers[prefs.UserID] = struct{}{}
		if _, err := prefs.ToDomain(); err != nil {
			return fmt.Errorf("preferences.%s: %w", prefs.UserID, err)
		}
		for _, hour := range []*int{prefs.QuietStartHour, prefs.QuietEndHour} {
			if hour != nil && (*hour < 0 || *hour > 23) {
				return fmt.Errorf("preferences.%s: quiet hours must be within 0..23", prefs.UserID)
			}
		}
	}
	return nil
}

// validateAlert validates one seeded alert body.
// Params: alert config.
// Returns: validation error.
func validateAlert(alert AlertConfig) error {
	if strings.TrimSpace(alert.UserID) == "" {
		return errors.New("user_id is required")
	}
	modes := 0
	if strings.TrimSpace(alert.Template) != "" {
		modes++
		if _, ok := templates.Lookup(alert.Template); !ok {
			return fmt.Errorf("unknown template %q", alert.Template)
		}
	}
	if strings.TrimSpace(alert.Metric) != "" {
		modes++
		if _, err := condition.ParseOperator(alert.Operator); err != nil {
			return err
		}
		if alert.Threshold == nil {
			return errors.New("threshold is required with metric")
		}
	}
	if len(alert.Conditions) > 0 {
		modes++
		if _, err := condition.Build(alert.Conditions, alert.Logic); err != nil {
			return err
		}
	}
	if modes != 1 {
		return errors.New("exactly one of template, metric, or conditions must be set")
	}
	if alert.Type != "" {
		if _, err := domain.ParseAlertType(alert.Type); err != nil {
			return err
		}
	}
	if alert.Priority != "" {
		if _, err := domain.ParseAlertPriority(alert.Priority); err != nil {
			return err
		}
	}
	if _, err := domain.ParseChannelTypes(alert.Channels); err != nil {
		return err
	}
	if alert.CooldownSec != nil && *alert.CooldownSec < 0 {
		return errors.New("cooldown_sec must be >=0")
	}
	if alert.MaxTriggers < 0 {
		return errors.New("max_triggers must be >=0")
	}
	if alert.ExpiresInHours < 0 {
		return errors.New("expires_in_hours must be >=0")
	}
	if strings.TrimSpace(alert.MessageTemplate) != "" {
		if _, err := templatefmt.Parse(defaultMessageTemplateLabel, alert.MessageTemplate); err != nil {
			return err
		}
	}
	return nil
}

// validateLogSink validates one log sink configuration.
// Params: sink name, sink values, and whether path is required.
// Returns: sink validation error.
func validateLogSink(name string, sink LogSinkConfig, requirePath bool) error {
	if !sink.Enabled {
		return nil
	}

	switch strings.ToLower(strings.TrimSpace(sink.Level)) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%s.level has unsupported value %q", name, sink.Level)
	}

	switch strings.ToLower(strings.TrimSpace(sink.Format)) {
	case "line", "json":
	default:
		return fmt.Errorf("%s.format has unsupported value %q", name, sink.Format)
	}

	if requirePath && strings.TrimSpace(sink.Path) == "" {
		return fmt.Errorf("%s.path is required", name)
	}

	return nil
}

func normalizeNATSURLs(urls []string) []string {
	out := make([]string, 0, len(urls))
	for _, url := range urls {
		trimmed := strings.TrimSpace(url)
		if trimmed == "" {
			continue
		}
		out = append(out, trimmed)
	}
	return out
}
