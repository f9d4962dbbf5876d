package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/timzifer/procwatch/config"
	"github.com/timzifer/procwatch/runtime/events"
	"github.com/timzifer/procwatch/runtime/state"
	"github.com/timzifer/procwatch/telemetry"
)

// Service correlates process start and stop notifications into a shared
// process table and reports snapshots of it.
type Service struct {
	cfg    *config.Config
	logger zerolog.Logger

	table     *state.Table
	source    events.Source
	console   *console
	telemetry telemetry.Collector
	gatherer  prometheus.Gatherer
	clock     func() time.Time

	workers  []*worker
	counts   workerCounts
	reporter *reporter
	running  atomic.Bool

	mu       sync.Mutex
	liveView *liveViewServer
}

// Option customises service construction.
type Option func(*options)

type options struct {
	factories map[string]events.SourceFactory
	source    events.Source
	console   io.Writer
	telemetry telemetry.Collector
	gatherer  prometheus.Gatherer
	clock     func() time.Time
}

func newOptions() options {
	return options{
		factories: make(map[string]events.SourceFactory),
		telemetry: telemetry.Noop(),
		gatherer:  prometheus.DefaultGatherer,
		clock:     time.Now,
	}
}

func applyOptions(opts []Option) options {
	o := newOptions()
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// WithSourceFactory registers or overrides the event source factory for a
// driver identifier.
func WithSourceFactory(driver string, factory events.SourceFactory) Option {
	return func(o *options) {
		if driver == "" {
			return
		}
		if factory == nil {
			delete(o.factories, driver)
			return
		}
		o.factories[driver] = factory
	}
}

// WithSource uses src directly, bypassing driver factories.
func WithSource(src events.Source) Option {
	return func(o *options) {
		o.source = src
	}
}

// WithConsole directs event lines and report blocks to w.
func WithConsole(w io.Writer) Option {
	return func(o *options) {
		o.console = w
	}
}

// WithTelemetry installs a telemetry collector.
func WithTelemetry(collector telemetry.Collector) Option {
	return func(o *options) {
		if collector != nil {
			o.telemetry = collector
		}
	}
}

// WithGatherer selects the metrics exposed by the live view.
func WithGatherer(gatherer prometheus.Gatherer) Option {
	return func(o *options) {
		if gatherer != nil {
			o.gatherer = gatherer
		}
	}
}

// WithClock replaces the clock used for timestamp fallbacks and report
// filters.
func WithClock(clock func() time.Time) Option {
	return func(o *options) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// New builds a service from configuration and dependencies. Configuration
// problems are reported as *config.ConfigurationError.
func New(cfg *config.Config, logger zerolog.Logger, opts ...Option) (*Service, error) {
	if cfg == nil {
		return nil, &config.ConfigurationError{Err: errors.New("config must not be nil")}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := applyOptions(opts)

	source := o.source
	if source == nil {
		driver := cfg.DriverName()
		factory, ok := o.factories[driver]
		if !ok {
			return nil, &config.ConfigurationError{Field: "source.driver", Err: fmt.Errorf("no factory registered for driver %q", driver)}
		}
		var err error
		source, err = factory(cfg.Source, logger.With().Str("component", "source").Str("driver", driver).Logger())
		if err != nil {
			return nil, &config.ConfigurationError{Field: "source", Err: fmt.Errorf("create %s source: %w", driver, err)}
		}
	}

	filter, err := compileFilter(cfg.Report.Filter)
	if err != nil {
		return nil, &config.ConfigurationError{Field: "report.filter", Err: err}
	}

	s := &Service{
		cfg:       cfg,
		logger:    logger,
		table:     state.NewTable(),
		source:    source,
		console:   newConsole(o.console, logger.With().Str("component", "console").Logger()),
		telemetry: o.telemetry,
		gatherer:  o.gatherer,
		clock:     o.clock,
	}
	s.reporter = &reporter{
		interval:  cfg.ReportInterval(),
		filter:    filter,
		table:     s.table,
		console:   s.console,
		logger:    logger.With().Str("component", "reporter").Logger(),
		telemetry: s.telemetry,
		clock:     s.clock,
	}

	backoffMin, backoffMax := cfg.RetryBackoff()
	retry := retryPolicy{attempts: cfg.Policies.RetryMax, min: backoffMin, max: backoffMax}
	for _, name := range cfg.Processes() {
		for _, kind := range events.Kinds() {
			s.workers = append(s.workers, &worker{
				process:      name,
				kind:         kind,
				pollInterval: cfg.PollInterval(),
				retry:        retry,
				source:       source,
				table:        s.table,
				console:      s.console,
				logger:       logger.With().Str("component", "ingest").Str("process", name).Str("kind", kind.String()).Logger(),
				telemetry:    s.telemetry,
				clock:        s.clock,
			})
		}
	}
	s.counts.total = len(s.workers)
	return s, nil
}

// Validate checks that a service could be built from cfg.
func Validate(cfg *config.Config, logger zerolog.Logger, opts ...Option) error {
	srv, err := New(cfg, logger, opts...)
	if err != nil {
		return err
	}
	return srv.Close()
}

// Run starts every ingestion worker and the reporter, and blocks until all
// workers have finished or ctx is cancelled. The reporter is stopped once
// ingestion concludes. The first worker failure is returned; cancellation of
// ctx is a clean shutdown.
func (s *Service) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("service already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.logger.Info().Strs("watch_list", s.cfg.Processes()).Int("workers", len(s.workers)).Dur("report_interval", s.reporter.interval).Msg("process monitor started")

	var reporterDone sync.WaitGroup
	reporterDone.Add(1)
	go func() {
		defer reporterDone.Done()
		s.reporter.run(runCtx)
	}()

	err := runAll(runCtx, s.workers, func(ctx context.Context, w *worker) error {
		s.counts.start()
		return w.run(ctx)
	}, func(w *worker, err error, first bool) {
		s.counts.done(err)
		if err != nil {
			s.logger.Error().Err(err).Str("process", w.process).Str("kind", w.kind.String()).Bool("first", first).Msg("ingestion worker failed")
			return
		}
		s.logger.Debug().Str("process", w.process).Str("kind", w.kind.String()).Msg("ingestion worker finished")
	})

	cancel()
	reporterDone.Wait()

	if s.cfg.ReportOnExit() {
		s.reporter.report()
	}
	if err != nil {
		return err
	}
	if ctx.Err() != nil {
		s.logger.Info().Msg("process monitor stopped")
	} else {
		s.logger.Info().Msg("all event streams completed")
	}
	return nil
}

// Snapshot returns the current process table ordered by pid.
func (s *Service) Snapshot() []state.Entry {
	return s.table.Entries()
}

// Table exposes the process table.
func (s *Service) Table() *state.Table {
	return s.table
}

// Workers reports ingestion worker outcomes.
func (s *Service) Workers() WorkerStatus {
	return s.counts.snapshot()
}

// EnableLiveView starts the HTTP status surface on listen.
func (s *Service) EnableLiveView(listen string) error {
	if s == nil {
		return errors.New("service is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.liveView != nil {
		return errors.New("live view already enabled")
	}
	if listen == "" {
		listen = s.cfg.LiveViewListen()
	}
	server, err := newLiveViewServer(listen, s, s.logger.With().Str("component", "live_view").Logger())
	if err != nil {
		return err
	}
	s.liveView = server
	return nil
}

// LiveViewAddress returns the bound live view address, if enabled.
func (s *Service) LiveViewAddress() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.liveView == nil {
		return ""
	}
	return s.liveView.addr()
}

// Close releases all background resources held by the service.
func (s *Service) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	server := s.liveView
	s.liveView = nil
	s.mu.Unlock()
	if server != nil {
		return server.close()
	}
	return nil
}
