//go:build windows

package wmi

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	ole "github.com/go-ole/go-ole"
	"github.com/go-ole/go-ole/oleutil"
	"github.com/rs/zerolog"

	"github.com/timzifer/procwatch/config"
	"github.com/timzifer/procwatch/runtime/events"
)

// sFalse is returned by CoInitializeEx if COM is already initialised on the
// thread.
const sFalse = 0x00000001

const defaultPollInterval = 500 * time.Millisecond

var errNilCreateObject = errors.New("wmi: create object returned nil")

// Source subscribes to WMI process trace events.
type Source struct {
	namespace string
	logger    zerolog.Logger
}

// New returns a source querying the namespace configured in cfg.
func New(cfg config.SourceConfig, logger zerolog.Logger) (*Source, error) {
	namespace := cfg.Namespace
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return &Source{namespace: namespace, logger: logger}, nil
}

// NewSourceFactory returns the factory registered for the wmi driver.
func NewSourceFactory() events.SourceFactory {
	return func(cfg config.SourceConfig, logger zerolog.Logger) (events.Source, error) {
		return New(cfg, logger)
	}
}

// Subscribe implements events.Source. Each subscription owns a COM apartment
// on a dedicated OS thread for its whole lifetime.
func (s *Source) Subscribe(ctx context.Context, filter events.Filter) (events.Subscription, error) {
	query, err := buildQuery(filter.ProcessName, filter.Kind)
	if err != nil {
		return nil, err
	}
	timeout := filter.PollInterval
	if timeout <= 0 {
		timeout = defaultPollInterval
	}

	subCtx, cancel := context.WithCancel(ctx)
	results := make(chan events.Result, 100)
	ready := make(chan error, 1)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.watch(subCtx, query, timeout, ready, results)
	}()

	select {
	case err := <-ready:
		if err != nil {
			cancel()
			wg.Wait()
			return nil, err
		}
	case <-ctx.Done():
		cancel()
		wg.Wait()
		return nil, ctx.Err()
	}
	s.logger.Debug().Str("query", query).Msg("wmi subscription established")
	return events.NewChannelSubscription(results, func() error {
		cancel()
		wg.Wait()
		return nil
	}), nil
}

func (s *Source) watch(ctx context.Context, query string, timeout time.Duration, ready chan<- error, results chan<- events.Result) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if err := ole.CoInitializeEx(0, ole.COINIT_MULTITHREADED); err != nil {
		var oleErr *ole.OleError
		if !errors.As(err, &oleErr) || (oleErr.Code() != ole.S_OK && oleErr.Code() != sFalse) {
			ready <- fmt.Errorf("initialise COM: %w", err)
			return
		}
	}
	defer ole.CoUninitialize()

	eventSource, release, err := s.connect(query)
	if err != nil {
		ready <- err
		return
	}
	defer release()
	ready <- nil

	millis := int32(timeout / time.Millisecond)
	for {
		if ctx.Err() != nil {
			return
		}
		raw, err := oleutil.CallMethod(eventSource, "NextEvent", millis)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			sendResult(ctx, results, events.Result{Err: fmt.Errorf("next event: %w", err)})
			return
		}
		ev, err := readEvent(raw)
		if err != nil {
			sendResult(ctx, results, events.Result{Err: err})
			return
		}
		if !sendResult(ctx, results, events.Result{Event: ev}) {
			return
		}
	}
}

// connect opens an event source for query. The returned release func frees
// every COM object acquired.
func (s *Source) connect(query string) (*ole.IDispatch, func(), error) {
	unknown, err := oleutil.CreateObject("WbemScripting.SWbemLocator")
	if err != nil {
		return nil, nil, fmt.Errorf("create locator: %w", err)
	}
	if unknown == nil {
		return nil, nil, errNilCreateObject
	}
	defer unknown.Release()

	locator, err := unknown.QueryInterface(ole.IID_IDispatch)
	if err != nil {
		return nil, nil, fmt.Errorf("query locator interface: %w", err)
	}
	serviceRaw, err := oleutil.CallMethod(locator, "ConnectServer", nil, s.namespace)
	if err != nil {
		locator.Release()
		return nil, nil, fmt.Errorf("connect to %s: %w", s.namespace, err)
	}
	service := serviceRaw.ToIDispatch()
	sourceRaw, err := oleutil.CallMethod(service, "ExecNotificationQuery", query)
	if err != nil {
		service.Release()
		locator.Release()
		return nil, nil, fmt.Errorf("exec notification query: %w", err)
	}
	eventSource := sourceRaw.ToIDispatch()
	return eventSource, func() {
		eventSource.Release()
		service.Release()
		locator.Release()
	}, nil
}

func readEvent(raw *ole.VARIANT) (events.Event, error) {
	item := raw.ToIDispatch()
	defer item.Release()
	props := make(map[string]interface{}, 3)
	for _, name := range []string{"ProcessID", "ProcessName", "TIME_CREATED"} {
		value, err := item.GetProperty(name)
		if err != nil {
			return events.Event{}, fmt.Errorf("read %s: %w", name, err)
		}
		props[name] = value.Value()
		_ = value.Clear()
	}
	return decodeEvent(props)
}

func isTimeout(err error) bool {
	var oleErr *ole.OleError
	if errors.As(err, &oleErr) {
		switch info := oleErr.SubError().(type) {
		case ole.EXCEPINFO:
			if info.SCODE() == wbemErrTimedOut {
				return true
			}
		case *ole.EXCEPINFO:
			if info.SCODE() == wbemErrTimedOut {
				return true
			}
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "timed out")
}

func sendResult(ctx context.Context, results chan<- events.Result, res events.Result) bool {
	select {
	case <-ctx.Done():
		return false
	case results <- res:
		return true
	}
}
