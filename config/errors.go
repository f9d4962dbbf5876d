package config

import (
	"errors"
	"fmt"
)

// ErrEmptyWatchList is reported when no process names are configured.
var ErrEmptyWatchList = errors.New("watch list must contain at least one process name")

// ConfigurationError reports missing or malformed configuration. It is fatal
// and aborts startup before any worker runs.
type ConfigurationError struct {
	Field string
	Err   error
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("configuration: %v", e.Err)
	}
	return fmt.Sprintf("configuration: %s: %v", e.Field, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }
