package processor

import (
	"errors"
	"io"
	"strings"

	"github.com/rs/zerolog"

	"github.com/timzifer/procwatch/config"
	"github.com/timzifer/procwatch/service"
	"github.com/timzifer/procwatch/telemetry"
)

// WithLogger provides a custom logger instance for the processor.
func WithLogger(logger zerolog.Logger) Option {
	return func(cfg *settings) error {
		if cfg == nil {
			return nil
		}
		cfg.logger = logger
		cfg.customLogger = true
		return nil
	}
}

// WithSource installs an additional event source driver or replaces a
// built-in one.
func WithSource(def SourceDefinition) Option {
	return func(cfg *settings) error {
		if cfg == nil {
			return nil
		}
		if strings.TrimSpace(def.Driver) == "" {
			return errors.New("source driver must not be empty")
		}
		if def.Factory == nil {
			return errors.New("source factory must not be nil")
		}
		cfg.sources = append(cfg.sources, def)
		return nil
	}
}

// WithConfigPath configures the processor to load configuration data from the provided path.
func WithConfigPath(path string, register func(ReloadFunc)) Option {
	return func(cfg *settings) error {
		if cfg == nil {
			return nil
		}
		cfg.configPath = strings.TrimSpace(path)
		cfg.registerReload = register
		return nil
	}
}

// WithConfig supplies an already loaded configuration instance.
func WithConfig(cfgData *config.Config) Option {
	return func(cfg *settings) error {
		if cfg == nil {
			return nil
		}
		cfg.config = cfgData
		return nil
	}
}

// WithConsole directs event lines and reports to w.
func WithConsole(w io.Writer) Option {
	return func(cfg *settings) error {
		if cfg == nil {
			return nil
		}
		cfg.console = w
		return nil
	}
}

// WithLiveView enables the embedded live view server. An empty listen
// address uses the configured one.
func WithLiveView(listen string) Option {
	return func(cfg *settings) error {
		if cfg == nil {
			return nil
		}
		cfg.enableLiveView = true
		cfg.liveViewListen = strings.TrimSpace(listen)
		return nil
	}
}

// WithTelemetry injects a collector instance overriding the default configuration-based behaviour.
func WithTelemetry(collector telemetry.Collector) Option {
	return func(cfg *settings) error {
		if cfg == nil {
			return nil
		}
		if collector == nil {
			collector = telemetry.Noop()
		}
		cfg.telemetry = collector
		cfg.telemetryProvided = true
		return nil
	}
}

// WithServiceOptions passes additional options to every service built.
func WithServiceOptions(opts ...service.Option) Option {
	return func(cfg *settings) error {
		if cfg == nil {
			return nil
		}
		cfg.serviceOptions = append(cfg.serviceOptions, opts...)
		return nil
	}
}
