//go:build !windows

package wmi

import (
	"github.com/rs/zerolog"

	"github.com/timzifer/procwatch/config"
	"github.com/timzifer/procwatch/runtime/events"
)

// NewSourceFactory returns the factory registered for the wmi driver.
func NewSourceFactory() events.SourceFactory {
	return func(config.SourceConfig, zerolog.Logger) (events.Source, error) {
		return nil, ErrUnsupportedPlatform
	}
}
