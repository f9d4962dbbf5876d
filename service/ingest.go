package service

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/jpillora/backoff"
	"github.com/rs/zerolog"

	"github.com/timzifer/procwatch/runtime/events"
	"github.com/timzifer/procwatch/runtime/state"
	"github.com/timzifer/procwatch/telemetry"
)

const (
	failureSubscribe = "subscribe"
	failureStream    = "stream"
)

type retryPolicy struct {
	attempts int
	min      time.Duration
	max      time.Duration
}

// worker consumes one (process, kind) event stream into the process table.
type worker struct {
	process      string
	kind         events.Kind
	pollInterval time.Duration
	retry        retryPolicy

	source    events.Source
	table     *state.Table
	console   *console
	logger    zerolog.Logger
	telemetry telemetry.Collector
	clock     func() time.Time
}

// run consumes the stream until it ends, fails or ctx is cancelled. With a
// retry policy, failures are followed by a jittered backoff and a fresh
// subscription until the attempts are exhausted.
func (w *worker) run(ctx context.Context) error {
	b := &backoff.Backoff{Min: w.retry.min, Max: w.retry.max, Factor: 2, Jitter: true}
	for attempt := 0; ; attempt++ {
		err := w.consume(ctx)
		if err == nil {
			return nil
		}
		w.telemetry.IncWorkerFailure(w.process, w.kind.String(), failureReason(err))
		if attempt >= w.retry.attempts {
			return err
		}
		wait := b.Duration()
		w.logger.Warn().Err(err).Int("attempt", attempt+1).Int("max_attempts", w.retry.attempts).Dur("backoff", wait).Msg("resubscribing after failure")
		if !sleepContext(ctx, wait) {
			return nil
		}
	}
}

// consume runs a single subscription. Cancellation is not a failure.
func (w *worker) consume(ctx context.Context) error {
	sub, err := w.source.Subscribe(ctx, events.Filter{
		ProcessName:  w.process,
		Kind:         w.kind,
		PollInterval: w.pollInterval,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		w.logger.Error().Err(err).Msg("subscription failed")
		return &events.SubscriptionError{Process: w.process, Kind: w.kind, Err: err}
	}
	defer func() {
		if err := sub.Close(); err != nil {
			w.logger.Debug().Err(err).Msg("close subscription")
		}
	}()

	delivered := 0
	for {
		ev, err := sub.Next(ctx)
		if err != nil {
			switch {
			case ctx.Err() != nil:
				return nil
			case errors.Is(err, io.EOF):
				w.logger.Debug().Int("delivered", delivered).Msg("event stream completed")
				return nil
			}
			w.logger.Error().Err(err).Int("delivered", delivered).Msg("event stream failed")
			return &events.StreamError{Process: w.process, Kind: w.kind, Delivered: delivered, Err: err}
		}
		w.apply(ev)
		delivered++
	}
}

func (w *worker) apply(ev events.Event) {
	name := ev.ProcessName
	if name == "" {
		name = w.process
	}
	ts, ok := ev.Time()
	if !ok {
		ts = w.clock().UTC()
		w.logger.Debug().Uint32("pid", ev.ProcessID).Msg("event carries no timestamp, using capture time")
	}

	switch w.kind {
	case events.KindStart:
		w.console.Linef("Process started: %s (PID: %d)", name, ev.ProcessID)
		w.table.ApplyStart(ev.ProcessID, name, ts)
	case events.KindStop:
		w.console.Linef("Process stopped: %s (PID: %d)", name, ev.ProcessID)
		if !w.table.ApplyStop(ev.ProcessID, ts) {
			w.logger.Debug().Uint32("pid", ev.ProcessID).Msg("stop for untracked pid ignored")
			w.telemetry.IncIgnoredStop(w.process)
			return
		}
	}
	w.telemetry.IncEvent(w.process, w.kind.String())
}

func failureReason(err error) string {
	var subErr *events.SubscriptionError
	if errors.As(err, &subErr) {
		return failureSubscribe
	}
	return failureStream
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
