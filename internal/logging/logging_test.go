package logging

import (
	"bytes"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/common/model"
	"github.com/stretchr/testify/require"

	"github.com/timzifer/procwatch/config"
)

type fakeLoki struct {
	mu      sync.Mutex
	entries []string
	labels  []model.LabelSet
	stopped bool
}

func (f *fakeLoki) Handle(labels model.LabelSet, _ time.Time, line string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, line)
	f.labels = append(f.labels, labels)
	return nil
}

func (f *fakeLoki) Stop() {
	f.mu.Lock()
	f.stopped = true
	f.mu.Unlock()
}

func TestSetupFiltersByLevel(t *testing.T) {
	var out bytes.Buffer
	logger, cleanup, err := setup(config.LoggingConfig{Level: "WARN"}, &out, nil)
	require.NoError(t, err)
	defer cleanup()

	logger.Info().Msg("hidden")
	logger.Warn().Str("process", "App.exe").Msg("visible")

	require.NotContains(t, out.String(), "hidden")
	require.Contains(t, out.String(), `"process":"App.exe"`)
	require.Contains(t, out.String(), `"level":"warn"`)
}

func TestSetupRejectsUnknownLevel(t *testing.T) {
	_, _, err := setup(config.LoggingConfig{Level: "loud"}, &bytes.Buffer{}, nil)
	require.Error(t, err)
}

func TestSetupTextFormat(t *testing.T) {
	var out bytes.Buffer
	logger, _, err := setup(config.LoggingConfig{Format: "text"}, &out, nil)
	require.NoError(t, err)

	logger.Info().Msg("Process started: App.exe (PID: 100)")
	require.Contains(t, out.String(), "Process started: App.exe (PID: 100)")
	require.False(t, strings.HasPrefix(out.String(), "{"))
}

func TestSetupShipsToLokiWithLevelLabel(t *testing.T) {
	fake := &fakeLoki{}
	dial := func(cfg config.LokiConfig) (lokiClient, error) {
		require.Equal(t, "http://loki:3100/loki/api/v1/push", cfg.URL)
		return fake, nil
	}
	cfg := config.LoggingConfig{Loki: config.LokiConfig{
		Enabled: true,
		URL:     "http://loki:3100/loki/api/v1/push",
		Labels:  map[string]string{"app": "procwatch-test"},
	}}
	logger, cleanup, err := setup(cfg, &bytes.Buffer{}, dial)
	require.NoError(t, err)

	logger.Error().Msg("stream failed")
	cleanup()

	require.True(t, fake.stopped)
	require.Len(t, fake.entries, 1)
	require.Contains(t, fake.entries[0], "stream failed")
	require.Equal(t, model.LabelValue("procwatch-test"), fake.labels[0]["app"])
	require.Equal(t, model.LabelValue("error"), fake.labels[0]["level"])
}

func TestSetupPropagatesLokiDialError(t *testing.T) {
	dial := func(config.LokiConfig) (lokiClient, error) { return nil, errors.New("unreachable") }
	_, _, err := setup(config.LoggingConfig{Loki: config.LokiConfig{Enabled: true}}, &bytes.Buffer{}, dial)
	require.EqualError(t, err, "unreachable")
}

func TestNewLokiClientRequiresURL(t *testing.T) {
	_, err := newLokiClient(config.LokiConfig{Enabled: true})
	require.Error(t, err)
}

func TestLokiWriterDefaultsAppLabelAndSkipsBlankLines(t *testing.T) {
	fake := &fakeLoki{}
	writer := newLokiWriter(fake, nil)

	n, err := writer.Write([]byte("  \n"))
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.Empty(t, fake.entries)

	_, err = writer.Write([]byte("line\n"))
	require.NoError(t, err)
	require.Equal(t, []string{"line"}, fake.entries)
	require.Equal(t, model.LabelValue("procwatch"), fake.labels[0]["app"])
	_, hasLevel := fake.labels[0]["level"]
	require.False(t, hasLevel)
}
