package service

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/rs/zerolog"

	"github.com/timzifer/procwatch/runtime/state"
	"github.com/timzifer/procwatch/telemetry"
)

const notObserved = "N/A"

// reporter periodically renders a snapshot of the process table.
type reporter struct {
	interval  time.Duration
	filter    *vm.Program
	table     *state.Table
	console   *console
	logger    zerolog.Logger
	telemetry telemetry.Collector
	clock     func() time.Time
}

// recordEnv is the environment report filters are evaluated against.
type recordEnv struct {
	PID       uint32
	Name      string
	Started   bool
	Stopped   bool
	Running   bool
	StartTime time.Time
	StopTime  time.Time
	// Uptime is the number of seconds between start and stop, or now while
	// the process is running.
	Uptime float64
}

func compileFilter(src string) (*vm.Program, error) {
	if strings.TrimSpace(src) == "" {
		return nil, nil
	}
	return expr.Compile(src, expr.Env(recordEnv{}), expr.AsBool())
}

func newRecordEnv(entry state.Entry, now time.Time) recordEnv {
	start, started := entry.StartTime()
	stop, stopped := entry.StopTime()
	env := recordEnv{
		PID:       entry.PID,
		Name:      entry.Name,
		Started:   started,
		Stopped:   stopped,
		Running:   entry.Running(),
		StartTime: start,
		StopTime:  stop,
	}
	if started {
		end := now
		if stopped {
			end = stop
		}
		env.Uptime = end.Sub(start).Seconds()
	}
	return env
}

func (r *reporter) run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.report()
		}
	}
}

func (r *reporter) report() {
	entries := r.table.Entries()
	running := 0
	for _, entry := range entries {
		if entry.Running() {
			running++
		}
	}
	r.console.Block(renderReport(entries, r.include))
	r.telemetry.SetTrackedProcesses(len(entries), running)
}

func (r *reporter) include(entry state.Entry) bool {
	if r.filter == nil {
		return true
	}
	out, err := expr.Run(r.filter, newRecordEnv(entry, r.clock()))
	if err != nil {
		r.logger.Warn().Err(err).Uint32("pid", entry.PID).Msg("report filter failed")
		return true
	}
	keep, _ := out.(bool)
	return keep
}

func renderReport(entries []state.Entry, include func(state.Entry) bool) []byte {
	var buf bytes.Buffer
	buf.WriteString("Current process info:\n")
	for _, entry := range entries {
		if include != nil && !include(entry) {
			continue
		}
		fmt.Fprintf(&buf, "PID: %d, Name: %s, Start Time: %s, Stop Time: %s\n",
			entry.PID, entry.Name, formatTime(entry.StartTime()), formatTime(entry.StopTime()))
	}
	return buf.Bytes()
}

func formatTime(ts time.Time, ok bool) string {
	if !ok {
		return notObserved
	}
	return ts.UTC().Format(time.RFC3339Nano)
}
