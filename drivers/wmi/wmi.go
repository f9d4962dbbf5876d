// Package wmi subscribes to process trace events through Windows Management
// Instrumentation.
package wmi

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/timzifer/procwatch/runtime/events"
)

// DefaultNamespace is the WMI namespace hosting the process trace classes.
const DefaultNamespace = `ROOT\CIMV2`

// ErrUnsupportedPlatform is returned by the factory outside Windows.
var ErrUnsupportedPlatform = errors.New("wmi driver is only available on windows")

// wbemErrTimedOut is the SCODE NextEvent fails with when no event arrived
// within the timeout.
const wbemErrTimedOut = 0x80043001

func traceClass(kind events.Kind) (string, error) {
	switch kind {
	case events.KindStart:
		return "Win32_ProcessStartTrace", nil
	case events.KindStop:
		return "Win32_ProcessStopTrace", nil
	default:
		return "", fmt.Errorf("unsupported event kind %v", kind)
	}
}

// buildQuery returns the WQL notification query for name and kind.
func buildQuery(name string, kind events.Kind) (string, error) {
	class, err := traceClass(kind)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(name) == "" {
		return "", errors.New("process name filter must not be empty")
	}
	escaped := strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(name)
	return fmt.Sprintf("SELECT * FROM %s WHERE ProcessName = '%s'", class, escaped), nil
}

func toUint32(v interface{}) (uint32, error) {
	n, err := toUint64(v)
	if err != nil {
		return 0, err
	}
	if n > 0xFFFFFFFF {
		return 0, fmt.Errorf("value %d overflows uint32", n)
	}
	return uint32(n), nil
}

// toUint64 converts a property value. Scripting WMI returns 64-bit integers
// as strings.
func toUint64(v interface{}) (uint64, error) {
	switch n := v.(type) {
	case nil:
		return 0, nil
	case uint64:
		return n, nil
	case uint32:
		return uint64(n), nil
	case uint16:
		return uint64(n), nil
	case uint8:
		return uint64(n), nil
	case int64:
		if n < 0 {
			return 0, fmt.Errorf("negative value %d", n)
		}
		return uint64(n), nil
	case int32:
		if n < 0 {
			return 0, fmt.Errorf("negative value %d", n)
		}
		return uint64(n), nil
	case int:
		if n < 0 {
			return 0, fmt.Errorf("negative value %d", n)
		}
		return uint64(n), nil
	case string:
		parsed, err := strconv.ParseUint(strings.TrimSpace(n), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parse %q: %w", n, err)
		}
		return parsed, nil
	default:
		return 0, fmt.Errorf("unsupported property type %T", v)
	}
}

func toString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	if v == nil {
		return ""
	}
	return fmt.Sprint(v)
}

// decodeEvent builds an event from the ProcessID, ProcessName and
// TIME_CREATED properties of a trace instance.
func decodeEvent(props map[string]interface{}) (events.Event, error) {
	pid, err := toUint32(props["ProcessID"])
	if err != nil {
		return events.Event{}, fmt.Errorf("ProcessID: %w", err)
	}
	ticks, err := toUint64(props["TIME_CREATED"])
	if err != nil {
		return events.Event{}, fmt.Errorf("TIME_CREATED: %w", err)
	}
	return events.Event{
		ProcessID:   pid,
		ProcessName: toString(props["ProcessName"]),
		Timestamp:   ticks,
	}, nil
}
