// Package retry runs operations against flaky backends with bounded,
// jittered exponential backoff.
//
// An error is retried only when it looks transient: a timeout, a 429
// rate-limit response, or any 5xx. Everything else fails immediately.
// The final error is always surfaced to the caller; this package never
// swallows a terminal failure.
package retry

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Options bounds a retried operation.
type Options struct {
	// MaxAttempts is the total number of calls, including the first.
	// Default: 5.
	MaxAttempts int

	// BaseDelay is the delay before the first retry. Default: 500ms.
	BaseDelay time.Duration

	// MaxDelay caps the exponential growth. Default: 8s.
	MaxDelay time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = 500 * time.Millisecond
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = 8 * time.Second
	}
	return o
}

// StatusCoder is implemented by errors that carry an HTTP status code.
// The chroma store's StatusError implements it.
type StatusCoder interface {
	HTTPStatus() int
}

// Retriable reports whether err is worth another attempt:
// a timeout, a 429, or a 5xx response.
func Retriable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var sc StatusCoder
	if errors.As(err, &sc) {
		status := sc.HTTPStatus()
		if status == 429 {
			return true
		}
		return status >= 500 && status < 600
	}
	return false
}

// Do runs op until it succeeds, the error is non-retriable, or attempts
// are exhausted. Each delay is drawn uniformly from
// [0, min(MaxDelay, BaseDelay*2^(attempt-1))] so synchronized callers do
// not stampede and no single wait exceeds the capped exponential.
func Do[T any](ctx context.Context, op func() (T, error), opts Options) (T, error) {
	opts = opts.withDefaults()

	// With a randomization factor of 1 the library spreads each wait over
	// [0, 2*interval]. Halving the intervals keeps the upper edge of that
	// window at the capped exponential itself.
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = opts.BaseDelay / 2
	b.MaxInterval = opts.MaxDelay / 2
	b.Multiplier = 2
	b.RandomizationFactor = 1
	b.MaxElapsedTime = 0
	b.Reset()

	wrapped := func() (T, error) {
		v, err := op()
		if err != nil && !Retriable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}

	return backoff.RetryWithData(
		wrapped,
		backoff.WithContext(backoff.WithMaxRetries(b, uint64(opts.MaxAttempts-1)), ctx),
	)
}
