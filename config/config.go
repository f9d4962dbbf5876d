package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML and CUE decoding from strings.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses duration strings like "5s" or "1m".
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return fmt.Errorf("duration value node is nil")
	}
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("decode duration: %w", err)
	}
	return d.parse(raw)
}

// UnmarshalJSON parses duration strings. CUE decoding goes through JSON.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode duration: %w", err)
	}
	return d.parse(raw)
}

func (d *Duration) parse(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		d.Duration = 0
		return nil
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = dur
	return nil
}

// MarshalYAML renders the duration as a string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Event source drivers.
const (
	DriverWMI    = "wmi"
	DriverProcfs = "procfs"
	DriverScript = "script"
)

const (
	defaultPollInterval   = 500 * time.Millisecond
	defaultReportInterval = 5 * time.Second
	defaultRetryBackoff   = time.Second
	defaultRetryMax       = 30 * time.Second
	defaultLiveViewListen = ":18080"
)

// SourceConfig selects and tunes the event source.
type SourceConfig struct {
	Driver          string   `yaml:"driver,omitempty" json:"driver,omitempty"`
	PollInterval    Duration `yaml:"poll_interval,omitempty" json:"poll_interval,omitempty"`
	Namespace       string   `yaml:"namespace,omitempty" json:"namespace,omitempty"`
	ProcRoot        string   `yaml:"proc_root,omitempty" json:"proc_root,omitempty"`
	IncludeExisting bool     `yaml:"include_existing,omitempty" json:"include_existing,omitempty"`
	Script          string   `yaml:"script,omitempty" json:"script,omitempty"`
}

// ReportConfig configures the periodic snapshot report.
type ReportConfig struct {
	Interval Duration `yaml:"interval,omitempty" json:"interval,omitempty"`
	Filter   string   `yaml:"filter,omitempty" json:"filter,omitempty"`
	OnExit   *bool    `yaml:"on_exit,omitempty" json:"on_exit,omitempty"`
}

// GlobalPolicies configure optional behaviours shared by all workers.
type GlobalPolicies struct {
	RetryMax        int      `yaml:"retry_max,omitempty" json:"retry_max,omitempty"`
	RetryBackoff    Duration `yaml:"retry_backoff,omitempty" json:"retry_backoff,omitempty"`
	RetryBackoffMax Duration `yaml:"retry_backoff_max,omitempty" json:"retry_backoff_max,omitempty"`
}

// LokiConfig configures optional Loki integration for logging.
type LokiConfig struct {
	Enabled bool              `yaml:"enabled" json:"enabled,omitempty"`
	URL     string            `yaml:"url" json:"url,omitempty"`
	Labels  map[string]string `yaml:"labels" json:"labels,omitempty"`
}

// LoggingConfig encapsulates runtime logging options.
type LoggingConfig struct {
	Level  string     `yaml:"level" json:"level,omitempty"`
	Format string     `yaml:"format,omitempty" json:"format,omitempty"`
	Loki   LokiConfig `yaml:"loki" json:"loki,omitempty"`
}

// TelemetryConfig toggles metric collection.
type TelemetryConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled,omitempty"`
	Provider string `yaml:"provider,omitempty" json:"provider,omitempty"`
}

// LiveViewConfig configures the HTTP status surface.
type LiveViewConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled,omitempty"`
	Listen  string `yaml:"listen,omitempty" json:"listen,omitempty"`
}

// Config is the root configuration structure for the service.
type Config struct {
	WatchList []string        `yaml:"watch_list" json:"watch_list"`
	Source    SourceConfig    `yaml:"source" json:"source,omitempty"`
	Report    ReportConfig    `yaml:"report" json:"report,omitempty"`
	Policies  GlobalPolicies  `yaml:"policies" json:"policies,omitempty"`
	Logging   LoggingConfig   `yaml:"logging" json:"logging,omitempty"`
	Telemetry TelemetryConfig `yaml:"telemetry" json:"telemetry,omitempty"`
	LiveView  LiveViewConfig  `yaml:"live_view" json:"live_view,omitempty"`
	HotReload bool            `yaml:"hot_reload" json:"hot_reload,omitempty"`

	// Path is the file the configuration was loaded from.
	Path string `yaml:"-" json:"-"`
}

// Load reads, decodes and validates the configuration file at path. Files
// with a .cue extension are evaluated as CUE; everything else is YAML.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigurationError{Err: fmt.Errorf("read config: %w", err)}
	}
	var cfg *Config
	if strings.EqualFold(filepath.Ext(path), ".cue") {
		cfg, err = decodeCUE(path, raw)
	} else {
		cfg, err = decodeYAML(raw)
	}
	if err != nil {
		return nil, &ConfigurationError{Err: err}
	}
	cfg.Path = path
	if cfg.Source.Script != "" && !filepath.IsAbs(cfg.Source.Script) {
		cfg.Source.Script = filepath.Join(filepath.Dir(path), cfg.Source.Script)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeYAML(raw []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for fatal errors.
func (c *Config) Validate() error {
	if c == nil {
		return &ConfigurationError{Err: fmt.Errorf("config must not be nil")}
	}
	if len(c.WatchList) == 0 {
		return &ConfigurationError{Field: "watch_list", Err: ErrEmptyWatchList}
	}
	seen := make(map[string]int, len(c.WatchList))
	for i, name := range c.WatchList {
		trimmed := strings.TrimSpace(name)
		if trimmed == "" {
			return &ConfigurationError{Field: fmt.Sprintf("watch_list[%d]", i), Err: fmt.Errorf("process name must not be empty")}
		}
		key := strings.ToLower(trimmed)
		if prev, ok := seen[key]; ok {
			return &ConfigurationError{Field: fmt.Sprintf("watch_list[%d]", i), Err: fmt.Errorf("%q duplicates watch_list[%d]", name, prev)}
		}
		seen[key] = i
	}
	switch c.DriverName() {
	case DriverWMI, DriverProcfs:
	case DriverScript:
		if strings.TrimSpace(c.Source.Script) == "" {
			return &ConfigurationError{Field: "source.script", Err: fmt.Errorf("script driver requires a script path")}
		}
	default:
		return &ConfigurationError{Field: "source.driver", Err: fmt.Errorf("unknown driver %q", c.Source.Driver)}
	}
	durations := []struct {
		field string
		value Duration
	}{
		{"source.poll_interval", c.Source.PollInterval},
		{"report.interval", c.Report.Interval},
		{"policies.retry_backoff", c.Policies.RetryBackoff},
		{"policies.retry_backoff_max", c.Policies.RetryBackoffMax},
	}
	for _, d := range durations {
		if d.value.Duration < 0 {
			return &ConfigurationError{Field: d.field, Err: fmt.Errorf("duration must not be negative")}
		}
	}
	if c.Policies.RetryMax < 0 {
		return &ConfigurationError{Field: "policies.retry_max", Err: fmt.Errorf("must not be negative")}
	}
	if format := strings.ToLower(c.Logging.Format); format != "" && format != "json" && format != "text" {
		return &ConfigurationError{Field: "logging.format", Err: fmt.Errorf("unsupported format %q", c.Logging.Format)}
	}
	return nil
}

// Processes returns the trimmed watch list.
func (c *Config) Processes() []string {
	if c == nil {
		return nil
	}
	names := make([]string, 0, len(c.WatchList))
	for _, name := range c.WatchList {
		names = append(names, strings.TrimSpace(name))
	}
	return names
}

// DriverName returns the configured driver, defaulting to the native
// facility of the running platform.
func (c *Config) DriverName() string {
	if c == nil || strings.TrimSpace(c.Source.Driver) == "" {
		if runtime.GOOS == "windows" {
			return DriverWMI
		}
		return DriverProcfs
	}
	return strings.ToLower(strings.TrimSpace(c.Source.Driver))
}

// PollInterval returns the notification latency hint for subscriptions.
func (c *Config) PollInterval() time.Duration {
	if c == nil || c.Source.PollInterval.Duration <= 0 {
		return defaultPollInterval
	}
	return c.Source.PollInterval.Duration
}

// ReportInterval returns the delay between snapshot reports.
func (c *Config) ReportInterval() time.Duration {
	if c == nil || c.Report.Interval.Duration <= 0 {
		return defaultReportInterval
	}
	return c.Report.Interval.Duration
}

// ReportOnExit reports whether a final report is rendered once ingestion ends.
func (c *Config) ReportOnExit() bool {
	if c == nil || c.Report.OnExit == nil {
		return true
	}
	return *c.Report.OnExit
}

// RetryBackoff returns the base and maximum resubscription backoff.
func (c *Config) RetryBackoff() (time.Duration, time.Duration) {
	base := defaultRetryBackoff
	ceiling := defaultRetryMax
	if c != nil && c.Policies.RetryBackoff.Duration > 0 {
		base = c.Policies.RetryBackoff.Duration
	}
	if c != nil && c.Policies.RetryBackoffMax.Duration > 0 {
		ceiling = c.Policies.RetryBackoffMax.Duration
	}
	if ceiling < base {
		ceiling = base
	}
	return base, ceiling
}

// LiveViewListen returns the live view listen address.
func (c *Config) LiveViewListen() string {
	if c == nil || strings.TrimSpace(c.LiveView.Listen) == "" {
		return defaultLiveViewListen
	}
	return c.LiveView.Listen
}
