package retry_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fibzlabs/fibz-memory/retry"
)

type statusErr int

func (e statusErr) Error() string   { return fmt.Sprintf("status %d", int(e)) }
func (e statusErr) HTTPStatus() int { return int(e) }

var fastOpts = retry.Options{
	MaxAttempts: 5,
	BaseDelay:   time.Millisecond,
	MaxDelay:    5 * time.Millisecond,
}

func TestDoRetriesServerErrors(t *testing.T) {
	calls := 0
	result, err := retry.Do(context.Background(), func() (string, error) {
		calls++
		if calls <= 3 {
			return "", statusErr(500)
		}
		return "ok", nil
	}, fastOpts)

	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, 4, calls)
}

func TestDoGivesUpAfterMaxAttempts(t *testing.T) {
	calls := 0
	_, err := retry.Do(context.Background(), func() (string, error) {
		calls++
		return "", statusErr(503)
	}, fastOpts)

	require.Error(t, err)
	assert.Equal(t, 5, calls)
	var se statusErr
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 503, se.HTTPStatus())
}

func TestDoStopsOnClientError(t *testing.T) {
	calls := 0
	_, err := retry.Do(context.Background(), func() (int, error) {
		calls++
		return 0, statusErr(400)
	}, fastOpts)

	require.Error(t, err)
	assert.Equal(t, 1, calls, "client errors must not be retried")
}

func TestDoStopsOnCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	_, err := retry.Do(ctx, func() (int, error) {
		calls++
		return 0, statusErr(500)
	}, fastOpts)

	require.Error(t, err)
	assert.LessOrEqual(t, calls, 1)
}

func TestDoDelayNeverExceedsCappedExponential(t *testing.T) {
	// With two attempts there is exactly one wait, drawn from
	// [0, BaseDelay]. Repeat a few times so a window accidentally twice
	// as wide would be caught.
	opts := retry.Options{
		MaxAttempts: 2,
		BaseDelay:   60 * time.Millisecond,
		MaxDelay:    time.Second,
	}
	for i := 0; i < 12; i++ {
		start := time.Now()
		_, err := retry.Do(context.Background(), func() (int, error) {
			return 0, statusErr(503)
		}, opts)
		elapsed := time.Since(start)

		require.Error(t, err)
		assert.Less(t, elapsed, opts.BaseDelay+35*time.Millisecond)
	}
}

func TestRetriable(t *testing.T) {
	assert.True(t, retry.Retriable(statusErr(429)))
	assert.True(t, retry.Retriable(statusErr(500)))
	assert.True(t, retry.Retriable(statusErr(599)))
	assert.True(t, retry.Retriable(context.DeadlineExceeded))
	assert.True(t, retry.Retriable(fmt.Errorf("call: %w", statusErr(502))))

	assert.False(t, retry.Retriable(nil))
	assert.False(t, retry.Retriable(statusErr(400)))
	assert.False(t, retry.Retriable(statusErr(404)))
	assert.False(t, retry.Retriable(statusErr(410)))
	assert.False(t, retry.Retriable(errors.New("boom")))
}
