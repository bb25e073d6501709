package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"time"

	"github.com/easzlab/ezwatch/pkg/config"
	"github.com/easzlab/ezwatch/pkg/kvstore"
	"github.com/easzlab/ezwatch/pkg/ledger"
	"github.com/easzlab/ezwatch/pkg/metrics"
	"github.com/easzlab/ezwatch/pkg/publisher"
	"github.com/easzlab/ezwatch/pkg/reconcile"
	"github.com/easzlab/ezwatch/pkg/snapshot"
	"github.com/easzlab/ezwatch/pkg/source"
	"github.com/easzlab/ezwatch/pkg/trigger"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Reporter receives the result of every completed pass.
type Reporter func(result *reconcile.Result)

// Server coordinates all modules and manages the overall service lifecycle.
type Server struct {
	configMgr *config.Manager
	applied   *config.Config
	source    source.Source
	ledger    *ledger.Ledger
	snapshots *snapshot.Store
	publisher *publisher.Publisher
	engine    *reconcile.Engine
	trigger   *trigger.Trigger
	metrics   *metrics.Registry
	level     *zap.AtomicLevel
	reporter  Reporter
	logger    *zap.Logger
}

// Option customizes a Server.
type Option func(*Server)

// WithLevel lets config reloads change the level of the process logger.
func WithLevel(level zap.AtomicLevel) Option {
	return func(s *Server) { s.level = &level }
}

// WithReporter replaces the default reporter, which logs every change record.
func WithReporter(reporter Reporter) Option {
	return func(s *Server) { s.reporter = reporter }
}

// NewServer initializes all modules and returns a ready-to-run Server.
func NewServer(configPath string, logger *zap.Logger, opts ...Option) (*Server, error) {
	configMgr, err := config.NewManager(configPath, logger.Named("config"))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize config manager: %w", err)
	}

	src, err := source.New(configMgr.GetConfig().Source, logger.Named("source"))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize rule source: %w", err)
	}

	return newServer(configMgr, src, logger, opts...)
}

// newServerWithSource initializes a Server with a pre-created rule source.
// This allows tests to inject the in-memory fake.
func newServerWithSource(configPath string, src source.Source, logger *zap.Logger, opts ...Option) (*Server, error) {
	configMgr, err := config.NewManager(configPath, logger.Named("config"))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize config manager: %w", err)
	}
	return newServer(configMgr, src, logger, opts...)
}

func newServer(configMgr *config.Manager, src source.Source, logger *zap.Logger, opts ...Option) (*Server, error) {
	cfg := configMgr.GetConfig()

	store, err := kvstore.NewStore(cfg.Global.StateDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open state directory: %w", err)
	}

	s := &Server{
		configMgr: configMgr,
		applied:   cfg,
		source:    src,
		ledger:    ledger.New(store, logger.Named("ledger")),
		snapshots: snapshot.NewStore(store, logger.Named("snapshot")),
		publisher: publisher.New(logger.Named("publisher")),
		metrics:   metrics.New(),
		logger:    logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.reporter == nil {
		s.reporter = s.logChanges
	}
	s.setLevel(cfg.Global.LogLevel)

	engineOpts := []reconcile.Option{
		reconcile.WithOwnedSuffix(cfg.Source.OwnedTagSuffix),
		reconcile.WithMetrics(s.metrics),
	}
	if cfg.Publisher.IsEnabled() {
		engineOpts = append(engineOpts, reconcile.WithEnricher(s.publisher))
	}
	s.engine = reconcile.NewEngine(src, logger.Named("reconcile"), engineOpts...)
	s.trigger = trigger.New(logger.Named("trigger"), s.metrics, buildNotifiers(cfg, logger.Named("trigger"))...)

	return s, nil
}

// buildNotifiers selects the change feeds for cfg.
func buildNotifiers(cfg *config.Config, logger *zap.Logger) []trigger.Notifier {
	var notifiers []trigger.Notifier

	if cfg.Trigger.IsNativeEnabled() {
		switch cfg.Source.Type {
		case config.SourceNFTables:
			notifiers = append(notifiers, trigger.NewNFTablesNotifier(logger))
		case config.SourceFile:
			notifiers = append(notifiers, trigger.NewFileNotifier([]string{cfg.Source.FilePath}, logger))
		}
	}
	if len(cfg.Trigger.WatchPaths) > 0 {
		notifiers = append(notifiers, trigger.NewFileNotifier(cfg.Trigger.WatchPaths, logger))
	}
	if interval := cfg.Trigger.GetPollInterval(); interval > 0 {
		notifiers = append(notifiers, trigger.NewPoller(interval))
	}
	return notifiers
}

// Engine returns the reconciliation engine.
func (s *Server) Engine() *reconcile.Engine {
	return s.engine
}

// Ledger returns the acknowledgment ledger.
func (s *Server) Ledger() *ledger.Ledger {
	return s.ledger
}

// Snapshots returns the snapshot store.
func (s *Server) Snapshots() *snapshot.Store {
	return s.snapshots
}

// Run starts the server in daemon mode: performs an initial pass, starts the
// change trigger and config watching, then runs a pass per signal until ctx
// is cancelled.
func (s *Server) Run(ctx context.Context) error {
	cfg := s.configMgr.GetConfig()

	s.warmStart()

	stopMetrics := s.serveMetrics(cfg.Metrics.Listen)
	defer stopMetrics()

	// Perform initial pass
	s.runPass(ctx)

	// Start config file watching
	s.configMgr.WatchConfig()
	s.logger.Info("config watcher started")

	s.trigger.Start()

	// Main event loop
	s.logger.Info("server started, entering main loop", zap.Strings("notifiers", s.trigger.Active()))
	for {
		select {
		case <-s.trigger.C():
			s.runPass(ctx)

		case <-s.configMgr.OnChange():
			s.logger.Info("config change detected, applying")
			s.applyConfig(s.configMgr.GetConfig())
			s.trigger.Request()

		case <-ctx.Done():
			s.logger.Info("shutdown signal received, stopping server")
			s.shutdown()
			return nil
		}
	}
}

// RunOnce performs a single pass, checkpoints the snapshot and shuts down.
// This is used for manual one-shot checks (e.g., via CLI or cron).
func (s *Server) RunOnce(ctx context.Context) (*reconcile.Result, error) {
	s.warmStart()
	defer s.shutdown()

	result, err := s.runPass(ctx)
	if err != nil {
		return result, fmt.Errorf("reconciliation pass failed: %w", err)
	}
	return result, nil
}

// warmStart seeds the engine with the identifiers checkpointed by an earlier process.
func (s *Server) warmStart() {
	known := s.snapshots.Load()
	s.engine.SeedKnown(known)
	s.metrics.SetAcknowledged(s.ledger.Len())
	s.logger.Info("warm start from snapshot", zap.Int("known_rules", known.Len()))
}

// runPass runs one pass and checkpoints the snapshot after a successful one.
func (s *Server) runPass(ctx context.Context) (*reconcile.Result, error) {
	result, err := s.engine.ReconcilePass(ctx, s.ledger, func(percent int) {
		if ce := s.logger.Check(zapcore.DebugLevel, "pass progress"); ce != nil {
			ce.Write(zap.Int("percent", percent))
		}
	})
	if errors.Is(err, reconcile.ErrPassInProgress) {
		s.logger.Debug("pass already running, signal dropped")
		return nil, err
	}
	if err != nil {
		s.logger.Error("reconciliation pass failed, retrying on next signal", zap.Error(err))
		return result, err
	}
	if result.Canceled {
		return result, nil
	}

	if err := s.snapshots.Save(s.engine.Identifiers()); err != nil {
		s.logger.Error("failed to checkpoint snapshot", zap.Error(err))
	}
	s.metrics.SetAcknowledged(s.ledger.Len())
	s.reporter(result)
	return result, nil
}

// logChanges is the default reporter.
func (s *Server) logChanges(result *reconcile.Result) {
	for _, change := range result.Changes {
		fields := []zap.Field{
			zap.String("pass_id", result.PassID),
			zap.String("kind", string(change.Kind)),
			zap.String("id", change.ID()),
			zap.Stringer("rule", change),
		}
		if change.Publisher != "" {
			fields = append(fields, zap.String("publisher", change.Publisher))
		}
		if change.PreviouslySeen {
			fields = append(fields, zap.Bool("previously_seen", true))
		}
		s.logger.Warn("foreign rule change detected", fields...)
	}
}

// applyConfig applies the hot-reloadable settings of cfg. Source and trigger
// changes only take effect after a restart.
func (s *Server) applyConfig(cfg *config.Config) {
	s.setLevel(cfg.Global.LogLevel)

	s.engine.SetOwnedSuffix(cfg.Source.OwnedTagSuffix)
	if cfg.Publisher.IsEnabled() {
		if !s.applied.Publisher.IsEnabled() {
			s.publisher.Forget()
		}
		s.engine.SetEnricher(s.publisher)
	} else {
		s.engine.SetEnricher(nil)
	}

	oldSource, newSource := s.applied.Source, cfg.Source
	oldSource.OwnedTagSuffix, newSource.OwnedTagSuffix = "", ""
	if !reflect.DeepEqual(oldSource, newSource) {
		s.logger.Warn("rule source settings changed, restart required to apply")
	}
	if !reflect.DeepEqual(s.applied.Trigger, cfg.Trigger) {
		s.logger.Warn("trigger settings changed, restart required to apply")
	}
	if s.applied.Global.StateDir != cfg.Global.StateDir || s.applied.Metrics != cfg.Metrics {
		s.logger.Warn("state_dir or metrics settings changed, restart required to apply")
	}
	s.applied = cfg
}

func (s *Server) setLevel(name string) {
	if s.level == nil {
		return
	}
	if level, err := zapcore.ParseLevel(name); err == nil {
		s.level.SetLevel(level)
	}
}

// serveMetrics starts the Prometheus endpoint when listen is set and returns
// the function that stops it.
func (s *Server) serveMetrics(listen string) func() {
	if listen == "" {
		return func() {}
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", s.metrics.Handler())
	srv := &http.Server{Addr: listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		s.logger.Info("metrics endpoint listening", zap.String("listen", listen))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics endpoint failed", zap.Error(err))
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			s.logger.Warn("failed to stop metrics endpoint", zap.Error(err))
		}
	}
}

// shutdown gracefully stops all modules.
func (s *Server) shutdown() {
	s.trigger.Stop()
	s.logger.Info("server stopped")
}
