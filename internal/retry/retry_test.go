package retry

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDo(t *testing.T) {
	transient := errors.New("transient")
	fatal := errors.New("fatal")

	tests := []struct {
		name      string
		attempts  int
		failFirst int
		failWith  error
		wantErr   error
		wantCalls int
	}{
		{"first attempt succeeds", 3, 0, nil, nil, 1},
		{"succeeds on retry", 3, 2, transient, nil, 3},
		{"attempts exhausted", 3, 10, transient, transient, 3},
		{"permanent stops retries", 5, 10, Permanent(fatal), fatal, 1},
		{"zero attempts rounds up", 0, 0, nil, nil, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls int
			err := Do(context.Background(), tt.attempts, time.Millisecond, func() error {
				calls++
				if calls <= tt.failFirst {
					return tt.failWith
				}
				return nil
			})
			if tt.wantErr == nil {
				require.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
				var pe *PermanentError
				assert.False(t, errors.As(err, &pe), "permanent wrapper must be stripped")
			}
			assert.Equal(t, tt.wantCalls, calls)
		})
	}
}

func TestDoIf_NonRetryableReturnsAtOnce(t *testing.T) {
	retryable := errors.New("store unavailable")
	other := errors.New("bad input")

	var calls int
	err := DoIf(context.Background(), 5, time.Millisecond,
		func(err error) bool { return errors.Is(err, retryable) },
		func() error {
			calls++
			if calls == 1 {
				return retryable
			}
			return other
		})
	assert.ErrorIs(t, err, other)
	assert.Equal(t, 2, calls)
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	var calls atomic.Int32
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	err := Do(ctx, 10, 100*time.Millisecond, func() error {
		calls.Add(1)
		return errors.New("fail")
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.LessOrEqual(t, calls.Load(), int32(3))
}

func TestDo_CancelledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var calls int
	err := Do(ctx, 3, time.Millisecond, func() error {
		calls++
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, calls)
}

func TestDo_BackoffIncreases(t *testing.T) {
	var timestamps []time.Time
	err := Do(context.Background(), 4, 20*time.Millisecond, func() error {
		timestamps = append(timestamps, time.Now())
		if len(timestamps) < 4 {
			return errors.New("fail")
		}
		return nil
	})
	require.NoError(t, err)
	require.Len(t, timestamps, 4)

	// 20ms, 40ms, 80ms with jitter.
	for i := 1; i < len(timestamps); i++ {
		assert.GreaterOrEqual(t, timestamps[i].Sub(timestamps[i-1]), 5*time.Millisecond)
	}
}

func TestPermanent(t *testing.T) {
	inner := errors.New("inner")
	assert.ErrorIs(t, Permanent(inner), inner)
	assert.NoError(t, Permanent(nil))
}
