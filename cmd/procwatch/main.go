package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/timzifer/procwatch/config"
	"github.com/timzifer/procwatch/processor"
	"github.com/timzifer/procwatch/service"
)

const (
	exitOK          = 0
	exitFailure     = 1
	exitConfigError = 2
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	cancel()
	os.Exit(code)
}

type options struct {
	configPath     string
	configCheck    bool
	liveView       bool
	liveViewListen string
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	var opts options
	fs := flag.NewFlagSet("procwatch", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&opts.configPath, "config", "config.yaml", "Path to configuration file (.yaml or .cue)")
	fs.BoolVar(&opts.configCheck, "config-check", false, "Validate configuration and exit")
	fs.BoolVar(&opts.liveView, "live-view", false, "Enable live view web interface")
	fs.StringVar(&opts.liveViewListen, "live-view-listen", "", "Live view listen address (default from configuration or :18080)")
	err := fs.Parse(args)
	return opts, err
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	opts, err := parseFlags(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		return exitConfigError
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stderr, "failed to load configuration: %v\n", err)
		return exitConfigError
	}

	if opts.configCheck {
		return executeConfigCheck(cfg, stdout, stderr)
	}

	procOpts := []processor.Option{
		processor.WithConfig(cfg),
		processor.WithConfigPath(opts.configPath, nil),
		processor.WithConsole(stdout),
	}
	if opts.liveView || (cfg.LiveView.Enabled && opts.liveViewListen != "") {
		procOpts = append(procOpts, processor.WithLiveView(opts.liveViewListen))
	}
	proc, err := processor.New(ctx, procOpts...)
	if err != nil {
		return exitCode(err, stderr)
	}
	defer proc.Close()

	return exitCode(proc.Run(ctx), stderr)
}

func exitCode(err error, stderr io.Writer) int {
	if err == nil || errors.Is(err, context.Canceled) {
		return exitOK
	}
	fmt.Fprintf(stderr, "procwatch: %v\n", err)
	var cfgErr *config.ConfigurationError
	if errors.As(err, &cfgErr) {
		return exitConfigError
	}
	return exitFailure
}

func executeConfigCheck(cfg *config.Config, stdout, stderr io.Writer) int {
	if err := service.Validate(cfg, zerolog.Nop(), validationOptions()...); err != nil {
		fmt.Fprintf(stderr, "configuration invalid: %v\n", err)
		return exitConfigError
	}
	fmt.Fprintf(stdout, "Configuration %s\n", cfg.Path)
	fmt.Fprintf(stdout, "  Driver: %s\n", cfg.DriverName())
	fmt.Fprintf(stdout, "  Poll interval: %s\n", cfg.PollInterval())
	fmt.Fprintf(stdout, "  Report interval: %s\n", cfg.ReportInterval())
	if filter := strings.TrimSpace(cfg.Report.Filter); filter != "" {
		fmt.Fprintf(stdout, "  Report filter: %s\n", filter)
	}
	if cfg.Policies.RetryMax > 0 {
		base, ceiling := cfg.RetryBackoff()
		fmt.Fprintf(stdout, "  Retry: %d attempts, backoff %s..%s\n", cfg.Policies.RetryMax, base, ceiling)
	}
	fmt.Fprintf(stdout, "  Hot reload: %t\n", cfg.HotReload)
	fmt.Fprintln(stdout, "  Watch list:")
	for _, name := range cfg.Processes() {
		fmt.Fprintf(stdout, "    - %s\n", name)
	}
	fmt.Fprintln(stdout, "Configuration check completed successfully.")
	return exitOK
}

func validationOptions() []service.Option {
	sources := processor.DefaultSources()
	opts := make([]service.Option, 0, len(sources))
	for _, def := range sources {
		opts = append(opts, service.WithSourceFactory(def.Driver, def.Factory))
	}
	return opts
}
