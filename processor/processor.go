// Package processor embeds the process monitor with configuration loading,
// logging setup and hot reload.
package processor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/timzifer/procwatch/config"
	"github.com/timzifer/procwatch/drivers/procfs"
	"github.com/timzifer/procwatch/drivers/script"
	"github.com/timzifer/procwatch/drivers/wmi"
	"github.com/timzifer/procwatch/internal/logging"
	"github.com/timzifer/procwatch/internal/reload"
	"github.com/timzifer/procwatch/runtime/events"
	"github.com/timzifer/procwatch/service"
	"github.com/timzifer/procwatch/telemetry"
)

// ReloadFunc represents a function that reloads the monitor configuration.
type ReloadFunc func(ctx context.Context) error

// Option configures the processor during construction.
type Option func(*settings) error

// SourceDefinition registers an event source factory under a driver identifier.
type SourceDefinition struct {
	Driver  string
	Factory events.SourceFactory
}

// DefaultSources returns the built-in event source drivers.
func DefaultSources() []SourceDefinition {
	return []SourceDefinition{
		{Driver: config.DriverWMI, Factory: wmi.NewSourceFactory()},
		{Driver: config.DriverProcfs, Factory: procfs.NewSourceFactory()},
		{Driver: config.DriverScript, Factory: script.NewSourceFactory()},
	}
}

type settings struct {
	config            *config.Config
	configPath        string
	registerReload    func(ReloadFunc)
	logger            zerolog.Logger
	customLogger      bool
	telemetry         telemetry.Collector
	telemetryProvided bool
	sources           []SourceDefinition
	console           io.Writer
	serviceOptions    []service.Option
	liveViewListen    string
	enableLiveView    bool
}

// Processor orchestrates the monitor lifecycle, including configuration
// reloads and cleanup.
type Processor struct {
	mu sync.Mutex

	config     *config.Config
	configPath string

	collector      telemetry.Collector
	serviceOptions []service.Option

	customLogger bool
	baseLogger   zerolog.Logger

	liveViewEnabled bool
	liveViewListen  string

	watcher  *reload.Watcher
	reloadCh chan reloadRequest
	stopped  chan struct{}

	current *runtimeState
	running bool
}

type runtimeState struct {
	cfg     *config.Config
	logger  zerolog.Logger
	cleanup func()
	srv     *service.Service
}

type reloadRequest struct {
	done  chan error
	files []string
}

// New constructs a processor with the supplied options. Configuration
// problems are returned as *config.ConfigurationError.
func New(ctx context.Context, opts ...Option) (*Processor, error) {
	if ctx != nil && ctx.Err() != nil {
		return nil, ctx.Err()
	}

	cfg := settings{
		logger:    zerolog.Nop(),
		telemetry: telemetry.Noop(),
		sources:   DefaultSources(),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}

	if cfg.config == nil {
		if cfg.configPath == "" {
			return nil, errors.New("configuration path required")
		}
		loaded, err := config.Load(cfg.configPath)
		if err != nil {
			return nil, err
		}
		cfg.config = loaded
	}
	if cfg.configPath == "" {
		cfg.configPath = cfg.config.Path
	}

	if !cfg.telemetryProvided {
		collector, err := newTelemetryCollector(cfg.config.Telemetry)
		if err != nil {
			fmt.Fprintf(os.Stderr, "telemetry disabled: %v\n", err)
			collector = telemetry.Noop()
		}
		cfg.telemetry = collector
	}

	serviceOpts := buildServiceOptions(cfg.sources)
	serviceOpts = append(serviceOpts, service.WithConsole(cfg.console), service.WithTelemetry(cfg.telemetry))
	serviceOpts = append(serviceOpts, cfg.serviceOptions...)

	proc := &Processor{
		config:          cfg.config,
		configPath:      cfg.configPath,
		collector:       cfg.telemetry,
		serviceOptions:  serviceOpts,
		customLogger:    cfg.customLogger,
		baseLogger:      cfg.logger,
		liveViewEnabled: cfg.enableLiveView || cfg.config.LiveView.Enabled,
		liveViewListen:  cfg.liveViewListen,
	}

	runtime, err := proc.buildRuntime(cfg.config)
	if err != nil {
		return nil, err
	}
	proc.current = runtime

	if proc.configPath != "" {
		proc.reloadCh = make(chan reloadRequest)
	}

	if err := proc.initWatcher(cfg.config); err != nil {
		runtime.close()
		return nil, err
	}

	if cfg.registerReload != nil {
		cfg.registerReload(proc.Reload)
	}

	return proc, nil
}

// Run executes the monitor until every event stream has concluded, a worker
// fails or ctx is cancelled. Cancellation is a clean stop.
func (p *Processor) Run(ctx context.Context) error {
	p.mu.Lock()
	if p.current == nil {
		p.mu.Unlock()
		return errors.New("processor not initialized")
	}
	if p.running {
		p.mu.Unlock()
		return errors.New("processor already running")
	}
	p.running = true
	p.stopped = make(chan struct{})
	stopped := p.stopped
	current := p.current
	watcher := p.watcher
	reloadCh := p.reloadCh
	p.mu.Unlock()

	var ticker *time.Ticker
	if watcher != nil {
		ticker = time.NewTicker(time.Second)
	}

	defer func() {
		if ticker != nil {
			ticker.Stop()
		}
		p.mu.Lock()
		p.running = false
		if p.current == current {
			p.current = nil
		}
		close(stopped)
		p.mu.Unlock()
	}()

	for {
		runCtx, cancelRun := context.WithCancel(ctx)
		errCh := make(chan error, 1)
		go func(s *service.Service) {
			errCh <- s.Run(runCtx)
		}(current.srv)

		var pending *reloadRequest
		var nextConfig *config.Config

	loop:
		for {
			select {
			case err := <-errCh:
				cancelRun()
				current.close()
				return err
			case req := <-reloadCh:
				cfg, err := p.loadValidConfig(current.logger)
				if err != nil {
					req.done <- err
					continue
				}
				pending = &req
				nextConfig = cfg
				break loop
			case <-tickChannel(ticker):
				changes, err := watcher.Check()
				if err != nil {
					current.logger.Error().Err(err).Msg("failed to check configuration changes")
					continue
				}
				if len(changes) == 0 {
					continue
				}
				cfg, err := p.loadValidConfig(current.logger)
				if err != nil {
					// Re-baseline so a broken file is reported once per change.
					if err := watcher.Update(p.configPath, current.cfg); err != nil {
						current.logger.Error().Err(err).Msg("failed to update configuration watcher")
					}
					continue
				}
				pending = &reloadRequest{files: changes}
				nextConfig = cfg
				break loop
			}
		}

		cancelRun()
		if err := <-errCh; err != nil {
			current.logger.Error().Err(err).Msg("service stopped during reload")
		}
		current.close()

		runtime, err := p.buildRuntime(nextConfig)
		if err != nil {
			if pending.done != nil {
				pending.done <- err
			}
			return err
		}

		p.mu.Lock()
		p.current = runtime
		current = runtime
		p.config = nextConfig
		if err := p.initWatcher(nextConfig); err != nil {
			current.logger.Error().Err(err).Msg("failed to update configuration watcher")
		}
		watcher = p.watcher
		if ticker != nil {
			ticker.Stop()
			ticker = nil
		}
		if watcher != nil {
			ticker = time.NewTicker(time.Second)
		}
		p.mu.Unlock()

		current.logger.Info().Strs("watch_list", nextConfig.Processes()).Msg("configuration reloaded")
		if pending.done != nil {
			pending.done <- nil
		}
		for _, file := range pending.files {
			p.collector.IncHotReload(file)
		}
	}
}

// Reload rebuilds the monitor from the configuration on disk. The process
// table of the running monitor is discarded.
func (p *Processor) Reload(ctx context.Context) error {
	p.mu.Lock()
	running := p.running
	reloadCh := p.reloadCh
	stopped := p.stopped
	p.mu.Unlock()

	if !running {
		cfg, err := p.loadValidConfig(zerolog.Nop())
		if err != nil {
			return err
		}
		return p.swapRuntime(cfg)
	}

	if reloadCh == nil {
		return errors.New("reload not supported without configuration path")
	}

	req := reloadRequest{done: make(chan error, 1)}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-stopped:
		return errors.New("processor stopped")
	case reloadCh <- req:
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-req.done:
		return err
	}
}

// Service returns the currently active monitor.
func (p *Processor) Service() *service.Service {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil {
		return nil
	}
	return p.current.srv
}

// Close releases resources managed by the processor.
func (p *Processor) Close() {
	p.mu.Lock()
	current := p.current
	p.current = nil
	p.mu.Unlock()

	if current != nil {
		current.close()
	}
}

func (p *Processor) swapRuntime(cfg *config.Config) error {
	p.mu.Lock()
	old := p.current
	p.mu.Unlock()

	// The replacement binds the same live view address, so the old listener
	// goes first.
	if old != nil && old.srv != nil {
		if err := old.srv.Close(); err != nil {
			old.logger.Error().Err(err).Msg("close service")
		}
	}

	runtime, err := p.buildRuntime(cfg)
	if err != nil {
		p.restoreLiveView(old)
		return err
	}

	p.mu.Lock()
	if err := p.initWatcher(cfg); err != nil {
		p.mu.Unlock()
		runtime.close()
		p.restoreLiveView(old)
		return err
	}
	p.current = runtime
	p.config = cfg
	p.mu.Unlock()

	if old != nil {
		old.close()
	}
	return nil
}

// restoreLiveView reopens the live view of a runtime kept after a failed swap.
func (p *Processor) restoreLiveView(r *runtimeState) {
	if r == nil || r.srv == nil || !p.liveViewEnabled {
		return
	}
	if err := r.srv.EnableLiveView(p.liveViewAddress(r.cfg)); err != nil {
		r.logger.Error().Err(err).Msg("failed to restore live view")
	}
}

func (p *Processor) liveViewAddress(cfg *config.Config) string {
	if p.liveViewListen != "" {
		return p.liveViewListen
	}
	return cfg.LiveViewListen()
}

func (p *Processor) buildRuntime(cfg *config.Config) (*runtimeState, error) {
	if cfg == nil {
		return nil, errors.New("config must not be nil")
	}
	runtime := &runtimeState{cfg: cfg, cleanup: func() {}}
	if p.customLogger {
		runtime.logger = p.baseLogger
	} else {
		logger, cleanup, err := logging.Setup(cfg.Logging)
		if err != nil {
			return nil, &config.ConfigurationError{Field: "logging", Err: err}
		}
		runtime.logger = logger
		runtime.cleanup = cleanup
	}
	log.Logger = runtime.logger

	srv, err := service.New(cfg, runtime.logger, p.serviceOptions...)
	if err != nil {
		runtime.cleanup()
		return nil, err
	}
	if p.liveViewEnabled {
		if err := srv.EnableLiveView(p.liveViewAddress(cfg)); err != nil {
			srv.Close()
			runtime.cleanup()
			return nil, fmt.Errorf("start live view: %w", err)
		}
	}
	runtime.srv = srv
	return runtime, nil
}

func (r *runtimeState) close() {
	if r.srv != nil {
		if err := r.srv.Close(); err != nil {
			r.logger.Error().Err(err).Msg("close service")
		}
	}
	r.cleanup()
}

func (p *Processor) loadValidConfig(logger zerolog.Logger) (*config.Config, error) {
	if p.configPath == "" {
		return nil, errors.New("configuration path not configured")
	}
	cfg, err := config.Load(p.configPath)
	if err != nil {
		logger.Error().Err(err).Msg("failed to reload configuration")
		return nil, err
	}
	if err := service.Validate(cfg, logger, p.validationOptions()...); err != nil {
		logger.Error().Err(err).Msg("reloaded configuration invalid")
		return nil, err
	}
	return cfg, nil
}

// validationOptions builds services without console output or telemetry.
func (p *Processor) validationOptions() []service.Option {
	opts := append([]service.Option(nil), p.serviceOptions...)
	return append(opts, service.WithConsole(io.Discard), service.WithTelemetry(telemetry.Noop()))
}

func (p *Processor) initWatcher(cfg *config.Config) error {
	if p.configPath == "" || !cfg.HotReload {
		p.watcher = nil
		return nil
	}
	if p.watcher == nil {
		watcher, err := reload.NewWatcher(p.configPath, cfg)
		if err != nil {
			return err
		}
		p.watcher = watcher
		return nil
	}
	return p.watcher.Update(p.configPath, cfg)
}

func buildServiceOptions(defs []SourceDefinition) []service.Option {
	if len(defs) == 0 {
		return nil
	}
	opts := make([]service.Option, 0, len(defs))
	for _, def := range defs {
		if def.Driver == "" || def.Factory == nil {
			continue
		}
		opts = append(opts, service.WithSourceFactory(def.Driver, def.Factory))
	}
	return opts
}

func newTelemetryCollector(cfg config.TelemetryConfig) (telemetry.Collector, error) {
	if !cfg.Enabled {
		return telemetry.Noop(), nil
	}
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	switch provider {
	case "", "prometheus":
		collector, err := telemetry.NewPrometheusCollector(nil)
		if err != nil {
			return nil, err
		}
		return collector, nil
	default:
		return telemetry.Noop(), fmt.Errorf("unsupported telemetry provider %q", cfg.Provider)
	}
}

func tickChannel(t *time.Ticker) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}
