package events

import (
	"errors"
	"fmt"
)

// ErrStreamClosed is returned by subscriptions read after Close.
var ErrStreamClosed = errors.New("event stream closed")

// SubscriptionError reports that a filtered notification channel could not
// be established.
type SubscriptionError struct {
	Process string
	Kind    Kind
	Err     error
}

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("subscribe to %s events for %s: %v", e.Kind, e.Process, e.Err)
}

func (e *SubscriptionError) Unwrap() error { return e.Err }

// StreamError reports a failure delivered by an established subscription
// after Delivered events were consumed.
type StreamError struct {
	Process   string
	Kind      Kind
	Delivered int
	Err       error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("%s event stream for %s failed after %d events: %v", e.Kind, e.Process, e.Delivered, e.Err)
}

func (e *StreamError) Unwrap() error { return e.Err }
