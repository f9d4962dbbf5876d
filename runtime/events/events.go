package events

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/timzifer/procwatch/config"
)

// Kind identifies the lifecycle transition reported by an event.
type Kind int

const (
	// KindStart reports that a process instance was created.
	KindStart Kind = iota
	// KindStop reports that a process instance exited.
	KindStop
)

func (k Kind) String() string {
	switch k {
	case KindStart:
		return "start"
	case KindStop:
		return "stop"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind converts "start" or "stop" into a Kind.
func ParseKind(raw string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "start":
		return KindStart, nil
	case "stop":
		return KindStop, nil
	default:
		return 0, fmt.Errorf("unknown event kind %q", raw)
	}
}

// Kinds lists every kind a worker is started for.
func Kinds() []Kind {
	return []Kind{KindStart, KindStop}
}

// Event is a single start or stop notification.
//
// Timestamp is a FILETIME tick count. Zero means the source could not supply
// a timestamp.
type Event struct {
	ProcessID   uint32
	ProcessName string
	Timestamp   uint64
}

// Time converts the event timestamp into a UTC instant.
func (e Event) Time() (time.Time, bool) {
	if e.Timestamp == 0 {
		return time.Time{}, false
	}
	return FileTimeToTime(e.Timestamp), true
}

// Filter selects the notifications delivered by a subscription.
type Filter struct {
	ProcessName string
	Kind        Kind
	// PollInterval bounds notification latency for sources that poll. It is
	// not a functional timeout.
	PollInterval time.Duration
}

// MatchesName reports whether name satisfies the filter. Process names are
// compared case-insensitively, as Windows does.
func (f Filter) MatchesName(name string) bool {
	return strings.EqualFold(f.ProcessName, name)
}

// Subscription is an ordered sequence of events for one filter.
//
// Next blocks until the next event is available, the sequence ends (io.EOF)
// or ctx is done (ctx.Err()). Any other error is a stream failure.
type Subscription interface {
	Next(ctx context.Context) (Event, error)
	Close() error
}

// Source establishes filtered subscriptions against an operating system
// facility.
type Source interface {
	Subscribe(ctx context.Context, filter Filter) (Subscription, error)
}

// SourceFactory constructs a Source from the configured source section.
type SourceFactory func(cfg config.SourceConfig, logger zerolog.Logger) (Source, error)

// Result carries either an event or a stream failure.
type Result struct {
	Event Event
	Err   error
}

type channelSubscription struct {
	results   <-chan Result
	closeOnce sync.Once
	closer    func() error
	closeErr  error
}

// NewChannelSubscription adapts a result channel into a Subscription. Closing
// results ends the sequence with io.EOF. closer, if not nil, runs once on
// Close.
func NewChannelSubscription(results <-chan Result, closer func() error) Subscription {
	return &channelSubscription{results: results, closer: closer}
}

func (s *channelSubscription) Next(ctx context.Context) (Event, error) {
	select {
	case <-ctx.Done():
		return Event{}, ctx.Err()
	case res, ok := <-s.results:
		if !ok {
			return Event{}, io.EOF
		}
		if res.Err != nil {
			return Event{}, res.Err
		}
		return res.Event, nil
	}
}

func (s *channelSubscription) Close() error {
	s.closeOnce.Do(func() {
		if s.closer != nil {
			s.closeErr = s.closer()
		}
	})
	return s.closeErr
}
