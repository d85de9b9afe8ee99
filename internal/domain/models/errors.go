package models

import (
	"errors"
	"fmt"
	"time"
)

// TransientProviderError covers timeouts, 5xx answers and network failures.
type TransientProviderError struct {
	Op     string
	Status int
	Err    error
}

func (e *TransientProviderError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("transient provider error: %s: status %d: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("transient provider error: %s: %v", e.Op, e.Err)
}

func (e *TransientProviderError) Unwrap() error { return e.Err }

// ThrottledError is returned for 429/403 class answers.
type ThrottledError struct {
	Op         string
	Status     int
	RetryAfter time.Duration
	Err        error
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("throttled by provider: %s: status %d", e.Op, e.Status)
}

func (e *ThrottledError) Unwrap() error { return e.Err }

// StaleDataIrrecoverableError means the provider returned nothing for a window
// that the freshness check flagged stale.
type StaleDataIrrecoverableError struct {
	InstrumentKey string
	Timeframe     string
	From          time.Time
	To            time.Time
	LastBarTime   time.Time
}

func (e *StaleDataIrrecoverableError) Error() string {
	return fmt.Sprintf("stale data irrecoverable: %s %s: no candles for %s..%s (last bar %s)",
		e.InstrumentKey, e.Timeframe,
		e.From.Format(time.DateOnly), e.To.Format(time.DateOnly),
		e.LastBarTime.Format(time.RFC3339))
}

// InsufficientDataError describes a timeframe below the sufficiency threshold.
// It is carried inside a failed result rather than returned as an error.
type InsufficientDataError struct {
	Timeframe string
	Have      int
	Need      int
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("insufficient data for %s: have %d bars, need %d", e.Timeframe, e.Have, e.Need)
}

// UnsupportedTimeframeError is a configuration or programming error.
type UnsupportedTimeframeError struct {
	Timeframe string
}

func (e *UnsupportedTimeframeError) Error() string {
	return fmt.Sprintf("unsupported timeframe %q", e.Timeframe)
}

// IsThrottled reports whether err carries a ThrottledError.
func IsThrottled(err error) bool {
	var t *ThrottledError
	return errors.As(err, &t)
}

// IsTransient reports whether err carries a TransientProviderError.
func IsTransient(err error) bool {
	var t *TransientProviderError
	return errors.As(err, &t)
}
