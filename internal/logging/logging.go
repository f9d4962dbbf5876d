package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/grafana/loki-client-go/loki"
	"github.com/prometheus/common/model"
	"github.com/rs/zerolog"

	"github.com/timzifer/procwatch/config"
)

// Setup creates a zerolog logger according to the provided configuration.
// The returned cleanup flushes and stops remote log shipping.
func Setup(cfg config.LoggingConfig) (zerolog.Logger, func(), error) {
	return setup(cfg, os.Stdout, newLokiClient)
}

func setup(cfg config.LoggingConfig, out io.Writer, dial func(config.LokiConfig) (lokiClient, error)) (zerolog.Logger, func(), error) {
	level := zerolog.InfoLevel
	if cfg.Level != "" {
		parsed, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
		if err != nil {
			return zerolog.Logger{}, nil, fmt.Errorf("parse log level: %w", err)
		}
		level = parsed
	}

	stdout := out
	if strings.EqualFold(cfg.Format, "text") {
		stdout = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	writers := []io.Writer{stdout}
	cleanup := func() {}

	if cfg.Loki.Enabled {
		client, err := dial(cfg.Loki)
		if err != nil {
			return zerolog.Logger{}, nil, err
		}
		writers = append(writers, newLokiWriter(client, cfg.Loki.Labels))
		cleanup = client.Stop
	}

	multi := zerolog.MultiLevelWriter(writers...)
	logger := zerolog.New(multi).With().Timestamp().Logger().Level(level)
	return logger, cleanup, nil
}

type lokiClient interface {
	Handle(labels model.LabelSet, ts time.Time, line string) error
	Stop()
}

func newLokiClient(cfg config.LokiConfig) (lokiClient, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("loki url is required")
	}
	lokiCfg, err := loki.NewDefaultConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("prepare loki config: %w", err)
	}
	client, err := loki.New(lokiCfg)
	if err != nil {
		return nil, fmt.Errorf("create loki client: %w", err)
	}
	return client, nil
}

// lokiWriter ships each log line as one Loki entry, labelled with the
// configured labels plus the zerolog level.
type lokiWriter struct {
	client lokiClient
	labels model.LabelSet
}

func newLokiWriter(client lokiClient, labels map[string]string) *lokiWriter {
	set := model.LabelSet{}
	for k, v := range labels {
		set[model.LabelName(k)] = model.LabelValue(v)
	}
	if len(set) == 0 {
		set["app"] = "procwatch"
	}
	return &lokiWriter{client: client, labels: set}
}

func (l *lokiWriter) Write(p []byte) (int, error) {
	return l.send(l.labels, p)
}

func (l *lokiWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	if level == zerolog.NoLevel {
		return l.send(l.labels, p)
	}
	labels := l.labels.Clone()
	labels["level"] = model.LabelValue(level.String())
	return l.send(labels, p)
}

func (l *lokiWriter) send(labels model.LabelSet, p []byte) (int, error) {
	entry := strings.TrimSpace(string(p))
	if entry == "" {
		return len(p), nil
	}
	err := l.client.Handle(labels, time.Now(), entry)
	return len(p), err
}
