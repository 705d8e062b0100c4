package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"axion-alerts/internal/clock"
	"axion-alerts/internal/condition"
	"axion-alerts/internal/config"
	"axion-alerts/internal/engine"
	"axion-alerts/internal/eventbus"
	"axion-alerts/internal/ingest"
	"axion-alerts/internal/logging"
	"axion-alerts/internal/notify"
	"axion-alerts/internal/notifyqueue"
	"axion-alerts/internal/state"
)

// Service composes runtime dependencies and process lifecycle.
// Params: config snapshot and shared runtime components.
// Returns: runnable alert service.
type Service struct {
	cfg       config.Config
	logger    *slog.Logger
	closeLog  func()
	manager   *Manager
	hub       *notify.Hub
	events    *eventbus.NATSPublisher
	httpSrv   *http.Server
	natsSub   *ingest.NATSSubscriber
	readyFlag atomic.Bool
	ticking   atomic.Bool
	retrying  atomic.Bool
	clock     clock.Clock
}

// StatsReport is the JSON body served on the stats endpoint.
type StatsReport struct {
	Engine         engine.Stats         `json:"engine"`
	PendingSymbols int                  `json:"pending_symbols"`
	PushClients    int                  `json:"push_clients"`
	NATSIngest     *ingest.NATSCounters `json:"nats_ingest,omitempty"`
}

// NewService builds service instance from config source.
// Params: config source and clock implementation.
// Returns: initialized service or setup error.
func NewService(source config.ConfigSource, clk clock.Clock) (*Service, error) {
	cfg, err := config.LoadSnapshot(source)
	if err != nil {
		return nil, err
	}

	logger, closeLog, err := logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}
	logger = logger.With("service", cfg.Service.Name)

	service := &Service{
		cfg:      cfg,
		logger:   logger,
		closeLog: closeLog,
		clock:    clk,
	}
	if err := service.buildManager(); err != nil {
		service.cleanupInitResources()
		return nil, err
	}
	if err := service.buildHTTPServer(); err != nil {
		service.cleanupInitResources()
		return nil, err
	}
	if err := service.buildNATSSubscriber(); err != nil {
		service.cleanupInitResources()
		return nil, err
	}
	return service, nil
}

// Manager returns the alert manager.
func (s *Service) Manager() *Manager {
	return s.manager
}

// Run starts service lifecycle and blocks until shutdown signal.
// Params: root context for service runtime.
// Returns: terminal run error.
func (s *Service) Run(ctx context.Context) error {
	shutdownCtx, shutdownCancel := context.WithCancel(ctx)
	defer shutdownCancel()

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("http server starting", "listen", s.cfg.Ingest.HTTP.Listen)
		err := s.httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	evalTicker := time.NewTicker(time.Duration(s.cfg.Service.EvaluationIntervalSec) * time.Second)
	defer evalTicker.Stop()
	retryTicker := time.NewTicker(time.Duration(s.cfg.Service.RetryScanSec) * time.Second)
	defer retryTicker.Stop()
	go func() {
		for {
			select {
			case <-shutdownCtx.Done():
				return
			case <-evalTicker.C:
				go s.tick(shutdownCtx)
			case <-retryTicker.C:
				go s.retry(shutdownCtx)
			}
		}
	}()

	s.readyFlag.Store(true)
	s.logger.Info(
		"service started",
		"evaluation_interval_sec", s.cfg.Service.EvaluationIntervalSec,
		"alerts", len(s.manager.UserAlerts("")),
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case <-ctx.Done():
		return s.shutdown()
	case err := <-errChan:
		_ = s.shutdown()
		return fmt.Errorf("http server failed: %w", err)
	case <-sigChan:
		return s.shutdown()
	}
}

// tick runs one evaluation pass unless the previous one is still running.
// Params: service context.
func (s *Service) tick(ctx context.Context) {
	if !s.ticking.CompareAndSwap(false, true) {
		s.logger.Warn("evaluation tick skipped, previous tick still running")
		return
	}
	defer s.ticking.Store(false)

	events := s.manager.Tick(ctx)
	if len(events) > 0 {
		s.logger.Info("evaluation tick triggered alerts", "count", len(events))
	}
	if idle := s.cfg.Service.StateIdleSec; idle > 0 {
		if pruned := s.manager.PruneState(time.Duration(idle) * time.Second); pruned > 0 {
			s.logger.Debug("idle evaluation state pruned", "count", pruned)
		}
	}
}

// retry re-sends due notifications unless the previous scan is still running.
// Returns: false when the scan was skipped.
func (s *Service) retry(ctx context.Context) bool {
	if !s.retrying.CompareAndSwap(false, true) {
		s.logger.Warn("retry scan skipped, previous scan still running")
		return false
	}
	defer s.retrying.Store(false)

	if retried := s.manager.RetryDue(ctx); retried > 0 {
		s.logger.Info("notification retries attempted", "count", retried)
	}
	return true
}

// shutdown closes runtime resources in dependency order.
// Params: none.
// Returns: first close error.
func (s *Service) shutdown() error {
	s.readyFlag.Store(false)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var firstErr error
	markErr := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if s.hub != nil {
		s.hub.Close()
	}
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("http shutdown failed", "error", err.Error())
		markErr(fmt.Errorf("http shutdown: %w", err))
	}
	if s.natsSub != nil {
		if err := s.natsSub.Close(); err != nil {
			s.logger.Error("nats subscriber close failed", "error", err.Error())
			markErr(fmt.Errorf("nats subscriber close: %w", err))
		}
	}
	if s.events != nil {
		if err := s.events.Close(); err != nil {
			s.logger.Error("event publisher close failed", "error", err.Error())
			markErr(fmt.Errorf("event publisher close: %w", err))
		}
	}
	s.logger.Info("service stopped", "pending_retries", s.manager.Stats().PendingRetries)
	if s.closeLog != nil {
		s.closeLog()
	}
	return firstErr
}

// cleanupInitResources closes partially initialized resources on startup failures.
// Params: none.
// Returns: all acquired resources closed best-effort.
func (s *Service) cleanupInitResources() {
	if s.natsSub != nil {
		_ = s.natsSub.Close()
		s.natsSub = nil
	}
	if s.httpSrv != nil {
		_ = s.httpSrv.Close()
		s.httpSrv = nil
	}
	if s.hub != nil {
		s.hub.Close()
		s.hub = nil
	}
	if s.events != nil {
		_ = s.events.Close()
		s.events = nil
	}
	if s.closeLog != nil {
		s.closeLog()
		s.closeLog = nil
	}
}

// buildManager wires channels, event bus, engine, and manager, then seeds config alerts.
// Params: none.
// Returns: setup or seeding error.
func (s *Service) buildManager() error {
	channels := s.cfg.Channels

	var publisher notify.Publisher
	if channels.InApp.PushEnabled {
		s.hub = notify.NewHub(channels.InApp.MaxConnsPerUser, s.logger)
		publisher = s.hub
	}
	inApp := notify.NewInApp(channels.InApp.MaxPerUser, publisher, s.clock, s.logger)
	registry := notify.NewRegistry(
		inApp,
		notify.NewEmail(channels.Email, nil, s.clock, s.logger),
		notify.NewSMS(channels.SMS, s.clock, s.logger),
		notify.NewWebhook(channels.Webhook, s.clock, s.logger),
		notify.NewSlack(channels.Slack, s.clock, s.logger),
	)

	opts := engine.Options{
		Channels:        registry,
		Evaluator:       condition.NewEvaluator(state.NewMemoryStore(s.clock.Now)),
		Clock:           s.clock,
		Logger:          s.logger,
		Workers:         s.cfg.Engine.Workers,
		HistoryMax:      s.cfg.Engine.HistoryMax,
		DispatchTimeout: time.Duration(s.cfg.Engine.DispatchTimeoutSec) * time.Second,
		RetryPolicy:     notifyqueue.PolicyFromSeconds(*s.cfg.Engine.MaxDeliveryRetries, s.cfg.Engine.RetryBackoffSec),
	}
	if s.cfg.Events.NATS.Enabled {
		events, err := eventbus.NewNATSPublisher(s.cfg.Events.NATS)
		if err != nil {
			return err
		}
		s.events = events
		opts.Publisher = events
	}

	s.manager = NewManager(engine.New(opts), inApp, s.logger)
	if s.hub != nil {
		s.hub.SetInbox(s.manager.Inbox())
	}
	if err := s.manager.LoadConfig(s.cfg); err != nil {
		return err
	}
	s.logger.Info(
		"delivery channels ready",
		"channels", len(registry),
		"email_dry_run", channels.Email.DryRun(),
		"sms_dry_run", channels.SMS.DryRun(),
		"events_nats", s.cfg.Events.NATS.Enabled,
	)
	return nil
}

// buildHTTPServer wires router with health, ingest, and push endpoints.
// Params: none.
// Returns: setup error.
func (s *Service) buildHTTPServer() error {
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.Ingest.HTTP.HealthPath, func(writer http.ResponseWriter, _ *http.Request) {
		writer.WriteHeader(http.StatusOK)
		_, _ = writer.Write([]byte("ok"))
	})
	mux.HandleFunc(s.cfg.Ingest.HTTP.ReadyPath, func(writer http.ResponseWriter, _ *http.Request) {
		if !s.readyFlag.Load() {
			writer.WriteHeader(http.StatusServiceUnavailable)
			_, _ = writer.Write([]byte("not-ready"))
			return
		}
		writer.WriteHeader(http.StatusOK)
		_, _ = writer.Write([]byte("ready"))
	})

	mux.HandleFunc(s.cfg.Ingest.HTTP.StatsPath, s.serveStats)
	if s.cfg.Ingest.HTTP.Enabled {
		mux.Handle(s.cfg.Ingest.HTTP.IngestPath, ingest.NewHTTPHandler(s.manager, s.cfg.Ingest.HTTP.MaxBodyBytes))
	}
	if s.hub != nil {
		mux.Handle(s.cfg.Channels.InApp.PushPath, s.hub)
	}

	s.httpSrv = &http.Server{
		Addr:              s.cfg.Ingest.HTTP.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return nil
}

// StatsReport collects engine, ingest, and push counters.
func (s *Service) StatsReport() StatsReport {
	out := StatsReport{
		Engine:         s.manager.Stats(),
		PendingSymbols: s.manager.PendingSymbols(),
	}
	if s.hub != nil {
		out.PushClients = s.hub.Count("")
	}
	if s.natsSub != nil {
		counters := s.natsSub.Counters()
		out.NATSIngest = &counters
	}
	return out
}

func (s *Service) serveStats(writer http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodGet {
		writer.Header().Set("Allow", http.MethodGet)
		writer.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writer.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(writer).Encode(s.StatsReport()); err != nil {
		s.logger.Warn("stats encode failed", "error", err.Error())
	}
}

// buildNATSSubscriber starts NATS ingest when enabled.
// Params: none.
// Returns: initialization error.
func (s *Service) buildNATSSubscriber() error {
	if !s.cfg.Ingest.NATS.Enabled {
		return nil
	}
	subscriber, err := ingest.NewNATSSubscriber(s.cfg.Ingest.NATS, s.manager, s.logger)
	if err != nil {
		return err
	}
	s.natsSub = subscriber
	return nil
}
