// Package script replays a fixed list of process events. It backs tests and
// offline replays of captured event sequences.
package script

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
	"gopkg.in/yaml.v3"

	"github.com/timzifer/procwatch/config"
	"github.com/timzifer/procwatch/runtime/events"
)

// Step is one scripted notification.
type Step struct {
	Kind events.Kind
	PID  uint32
	Name string
	// Ticks is the FILETIME timestamp delivered with the event. Zero means
	// the event carries no timestamp.
	Ticks uint64
	// Delay is waited before the step is delivered.
	Delay time.Duration
	// Err, when set, is delivered as a stream failure instead of an event.
	Err error
}

// Start returns a start step stamped with ts.
func Start(pid uint32, name string, ts time.Time) Step {
	return Step{Kind: events.KindStart, PID: pid, Name: name, Ticks: events.TimeToFileTime(ts)}
}

// Stop returns a stop step stamped with ts.
func Stop(pid uint32, name string, ts time.Time) Step {
	return Step{Kind: events.KindStop, PID: pid, Name: name, Ticks: events.TimeToFileTime(ts)}
}

// Fail returns a step that fails the (name, kind) stream with err.
func Fail(kind events.Kind, name string, err error) Step {
	return Step{Kind: kind, Name: name, Err: err}
}

// Source delivers scripted steps to the subscription matching their name
// and kind.
type Source struct {
	mu         sync.Mutex
	steps      []Step
	hold       bool
	subFailure map[string]error
	subscribed map[string]int
}

// New returns a source replaying steps. Streams end with io.EOF after their
// last step.
func New(steps ...Step) *Source {
	return &Source{
		steps:      append([]Step(nil), steps...),
		subFailure: make(map[string]error),
		subscribed: make(map[string]int),
	}
}

// Hold keeps streams open after their last step until the caller's context
// is cancelled, as an operating system source would.
func (s *Source) Hold() *Source {
	s.mu.Lock()
	s.hold = true
	s.mu.Unlock()
	return s
}

// FailSubscription makes Subscribe fail for the given name and kind.
func (s *Source) FailSubscription(name string, kind events.Kind, err error) *Source {
	s.mu.Lock()
	s.subFailure[key(name, kind)] = err
	s.mu.Unlock()
	return s
}

// Subscriptions returns how many times Subscribe was called for name and kind.
func (s *Source) Subscriptions(name string, kind events.Kind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subscribed[key(name, kind)]
}

// Subscribe implements events.Source.
func (s *Source) Subscribe(ctx context.Context, filter events.Filter) (events.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(filter.ProcessName, filter.Kind)
	s.subscribed[k]++
	if err := s.subFailure[k]; err != nil {
		return nil, err
	}
	var matched []Step
	for _, step := range s.steps {
		if step.Kind == filter.Kind && filter.MatchesName(step.Name) {
			matched = append(matched, step)
		}
	}
	return &subscription{steps: matched, hold: s.hold, closed: make(chan struct{})}, nil
}

func key(name string, kind events.Kind) string {
	return strings.ToLower(name) + "/" + kind.String()
}

type subscription struct {
	steps     []Step
	next      int
	hold      bool
	closed    chan struct{}
	closeOnce sync.Once
}

func (s *subscription) Next(ctx context.Context) (events.Event, error) {
	select {
	case <-s.closed:
		return events.Event{}, events.ErrStreamClosed
	default:
	}
	if s.next >= len(s.steps) {
		if !s.hold {
			return events.Event{}, io.EOF
		}
		select {
		case <-ctx.Done():
			return events.Event{}, ctx.Err()
		case <-s.closed:
			return events.Event{}, events.ErrStreamClosed
		}
	}
	step := s.steps[s.next]
	if step.Delay > 0 {
		timer := time.NewTimer(step.Delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return events.Event{}, ctx.Err()
		case <-s.closed:
			timer.Stop()
			return events.Event{}, events.ErrStreamClosed
		case <-timer.C:
		}
	}
	s.next++
	if step.Err != nil {
		return events.Event{}, step.Err
	}
	return events.Event{ProcessID: step.PID, ProcessName: step.Name, Timestamp: step.Ticks}, nil
}

func (s *subscription) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

type fileStep struct {
	Kind  string          `yaml:"kind"`
	PID   uint32          `yaml:"pid"`
	Name  string          `yaml:"name"`
	Time  string          `yaml:"time,omitempty"`
	Ticks uint64          `yaml:"ticks,omitempty"`
	Delay config.Duration `yaml:"delay,omitempty"`
	Error string          `yaml:"error,omitempty"`
}

type fileScript struct {
	Hold  bool       `yaml:"hold"`
	Steps []fileStep `yaml:"steps"`
}

// Load reads a YAML script file.
func Load(path string) (*Source, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read script: %w", err)
	}
	return Parse(raw)
}

// Parse decodes a YAML script.
func Parse(raw []byte) (*Source, error) {
	var doc fileScript
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal script: %w", err)
	}
	steps := make([]Step, 0, len(doc.Steps))
	for i, fs := range doc.Steps {
		kind, err := events.ParseKind(fs.Kind)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
		if strings.TrimSpace(fs.Name) == "" {
			return nil, fmt.Errorf("step %d: name is required", i)
		}
		step := Step{Kind: kind, PID: fs.PID, Name: fs.Name, Ticks: fs.Ticks, Delay: fs.Delay.Duration}
		if fs.Time != "" {
			ts, err := time.Parse(time.RFC3339Nano, fs.Time)
			if err != nil {
				return nil, fmt.Errorf("step %d: parse time: %w", i, err)
			}
			step.Ticks = events.TimeToFileTime(ts)
		}
		if fs.Error != "" {
			step.Err = errors.New(fs.Error)
		}
		steps = append(steps, step)
	}
	src := New(steps...)
	if doc.Hold {
		src.Hold()
	}
	return src, nil
}

// NewSourceFactory returns a factory that loads the configured script file.
func NewSourceFactory() events.SourceFactory {
	return func(cfg config.SourceConfig, logger zerolog.Logger) (events.Source, error) {
		if cfg.Script == "" {
			return nil, errors.New("script driver requires a script path")
		}
		src, err := Load(cfg.Script)
		if err != nil {
			return nil, err
		}
		logger.Debug().Str("script", cfg.Script).Int("steps", len(src.steps)).Msg("event script loaded")
		return src, nil
	}
}
