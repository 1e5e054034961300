package timer

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunWithTickerStopsOnError(t *testing.T) {
	var calls atomic.Int32
	errStop := errors.New("stop")

	err := RunWithTicker(context.Background(), &Interval{Duration: 5 * time.Millisecond, Jitter: time.Millisecond}, func(ctx context.Context) error {
		if calls.Add(1) == 3 {
			return errStop
		}
		return nil
	})

	assert.ErrorIs(t, err, errStop)
	assert.Equal(t, int32(3), calls.Load())
}

func TestRunWithTickerStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err := RunWithTicker(ctx, &Interval{Duration: 5 * time.Millisecond}, func(ctx context.Context) error {
		return nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestIntervalValidate(t *testing.T) {
	require.NoError(t, (&Interval{Duration: time.Second}).Validate())
	require.NoError(t, (&Interval{Duration: time.Second, Jitter: 500 * time.Millisecond}).Validate())

	assert.Error(t, (&Interval{}).Validate())
	assert.Error(t, (&Interval{Duration: time.Second, Jitter: time.Second}).Validate())
	assert.Error(t, (&Interval{Duration: time.Second, Jitter: -time.Millisecond}).Validate())

	err := RunWithTicker(context.Background(), &Interval{Duration: time.Second, Jitter: 2 * time.Second}, func(ctx context.Context) error {
		t.Fatal("must not run")
		return nil
	})
	assert.Error(t, err)
}

func TestTickerJitterBounds(t *testing.T) {
	j := tickerJitter{MaxJitter: 10 * time.Millisecond}
	for i := 0; i < 1000; i++ {
		d := j.Jitter(100 * time.Millisecond)
		assert.GreaterOrEqual(t, d, 90*time.Millisecond)
		assert.Less(t, d, 110*time.Millisecond)
	}
	assert.Equal(t, time.Second, tickerJitter{}.Jitter(time.Second))
}
