// Package procfs derives process start and stop events by polling a Linux
// /proc tree.
//
// /proc keeps no record of exited processes, so stop events carry the time
// the exit was detected rather than the exit time itself.
package procfs

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	promfs "github.com/prometheus/procfs"
	"github.com/rs/zerolog"

	"github.com/timzifer/procwatch/config"
	"github.com/timzifer/procwatch/runtime/events"
)

const (
	defaultPollInterval = 500 * time.Millisecond
	// userHZ is the clock tick rate /proc reports process start times in.
	userHZ = 100
)

type processInfo struct {
	PID   uint32
	Comm  string
	Exe   string
	Start time.Time
}

func (p processInfo) matches(filter events.Filter) bool {
	return filter.MatchesName(p.Comm) || (p.Exe != "" && filter.MatchesName(p.Exe))
}

func (p processInfo) name() string {
	if p.Exe != "" {
		return p.Exe
	}
	return p.Comm
}

type lister func() ([]processInfo, error)

// Source polls /proc for processes matching a subscription filter.
type Source struct {
	list            lister
	includeExisting bool
	clock           func() time.Time
	logger          zerolog.Logger
}

// New opens the proc filesystem configured in cfg.
func New(cfg config.SourceConfig, logger zerolog.Logger) (*Source, error) {
	root := cfg.ProcRoot
	if root == "" {
		root = promfs.DefaultMountPoint
	}
	fs, err := promfs.NewFS(root)
	if err != nil {
		return nil, fmt.Errorf("open proc filesystem %s: %w", root, err)
	}
	return &Source{
		list:            listProcesses(fs),
		includeExisting: cfg.IncludeExisting,
		clock:           time.Now,
		logger:          logger,
	}, nil
}

// NewSourceFactory returns the factory registered for the procfs driver.
func NewSourceFactory() events.SourceFactory {
	return func(cfg config.SourceConfig, logger zerolog.Logger) (events.Source, error) {
		return New(cfg, logger)
	}
}

func listProcesses(fs promfs.FS) lister {
	return func() ([]processInfo, error) {
		stat, err := fs.Stat()
		if err != nil {
			return nil, fmt.Errorf("read kernel stat: %w", err)
		}
		procs, err := fs.AllProcs()
		if err != nil {
			return nil, fmt.Errorf("list processes: %w", err)
		}
		out := make([]processInfo, 0, len(procs))
		for _, p := range procs {
			// Processes may exit between listing and reading.
			comm, err := p.Comm()
			if err != nil {
				continue
			}
			ps, err := p.Stat()
			if err != nil {
				continue
			}
			info := processInfo{
				PID:   uint32(p.PID),
				Comm:  comm,
				Start: bootRelative(stat.BootTime, ps.Starttime),
			}
			if exe, err := p.Executable(); err == nil && exe != "" {
				info.Exe = filepath.Base(exe)
			}
			out = append(out, info)
		}
		return out, nil
	}
}

func bootRelative(bootTime, startTicks uint64) time.Time {
	seconds := int64(bootTime) + int64(startTicks/userHZ)
	nanos := int64(startTicks%userHZ) * int64(time.Second/userHZ)
	return time.Unix(seconds, nanos).UTC()
}

// Subscribe implements events.Source.
func (s *Source) Subscribe(ctx context.Context, filter events.Filter) (events.Subscription, error) {
	if strings.TrimSpace(filter.ProcessName) == "" {
		return nil, fmt.Errorf("process name filter must not be empty")
	}
	p := &poller{
		filter:          filter,
		includeExisting: s.includeExisting,
		list:            s.list,
		clock:           s.clock,
		logger:          s.logger.With().Str("process", filter.ProcessName).Str("kind", filter.Kind.String()).Logger(),
	}
	// The baseline is taken synchronously so listing failures surface as
	// subscription errors.
	initial, err := p.baseline()
	if err != nil {
		return nil, err
	}

	interval := filter.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	pollCtx, cancel := context.WithCancel(ctx)
	results := make(chan events.Result, 16)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.loop(pollCtx, interval, initial, results)
	}()
	return events.NewChannelSubscription(results, func() error {
		cancel()
		wg.Wait()
		return nil
	}), nil
}

// poller turns consecutive /proc listings into events for one filter.
type poller struct {
	filter          events.Filter
	includeExisting bool
	list            lister
	clock           func() time.Time
	logger          zerolog.Logger

	known map[uint32]processInfo
}

func (p *poller) baseline() ([]events.Event, error) {
	procs, err := p.list()
	if err != nil {
		return nil, err
	}
	p.known = make(map[uint32]processInfo)
	var initial []events.Event
	for _, proc := range procs {
		if !proc.matches(p.filter) {
			continue
		}
		p.known[proc.PID] = proc
		if p.includeExisting && p.filter.Kind == events.KindStart {
			initial = append(initial, startEvent(proc))
		}
	}
	p.logger.Debug().Int("existing", len(p.known)).Msg("proc baseline taken")
	return initial, nil
}

func (p *poller) loop(ctx context.Context, interval time.Duration, initial []events.Event, results chan<- events.Result) {
	for _, ev := range initial {
		if !send(ctx, results, events.Result{Event: ev}) {
			return
		}
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		found, err := p.poll()
		if err != nil {
			send(ctx, results, events.Result{Err: err})
			return
		}
		for _, ev := range found {
			if !send(ctx, results, events.Result{Event: ev}) {
				return
			}
		}
	}
}

// poll compares a fresh listing against the known instances. A pid whose
// start time changed was reused and counts as an exit plus a new start.
func (p *poller) poll() ([]events.Event, error) {
	procs, err := p.list()
	if err != nil {
		return nil, err
	}
	now := p.clock().UTC()
	current := make(map[uint32]processInfo)
	var found []events.Event
	for _, proc := range procs {
		if !proc.matches(p.filter) {
			continue
		}
		current[proc.PID] = proc
		prev, ok := p.known[proc.PID]
		if ok && prev.Start.Equal(proc.Start) {
			continue
		}
		switch p.filter.Kind {
		case events.KindStart:
			found = append(found, startEvent(proc))
		case events.KindStop:
			if ok {
				found = append(found, stopEvent(prev, now))
			}
		}
	}
	if p.filter.Kind == events.KindStop {
		for pid, prev := range p.known {
			if _, ok := current[pid]; !ok {
				found = append(found, stopEvent(prev, now))
			}
		}
	}
	p.known = current
	return found, nil
}

func startEvent(proc processInfo) events.Event {
	return events.Event{ProcessID: proc.PID, ProcessName: proc.name(), Timestamp: events.TimeToFileTime(proc.Start)}
}

func stopEvent(proc processInfo, now time.Time) events.Event {
	return events.Event{ProcessID: proc.PID, ProcessName: proc.name(), Timestamp: events.TimeToFileTime(now)}
}

func send(ctx context.Context, results chan<- events.Result, res events.Result) bool {
	select {
	case <-ctx.Done():
		return false
	case results <- res:
		return true
	}
}
