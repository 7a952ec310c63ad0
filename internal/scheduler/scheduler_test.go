package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextTickAligned(t *testing.T) {
	s := New(Options{Interval: 2 * time.Hour, AlignToStart: true}, zerolog.Nop())
	now := time.Date(2026, 3, 1, 13, 15, 0, 0, time.UTC)

	assert.Equal(t, time.Date(2026, 3, 1, 14, 0, 0, 0, time.UTC), s.nextTick(now))
	assert.Equal(t, time.Date(2026, 3, 1, 16, 0, 0, 0, time.UTC), s.nextTick(time.Date(2026, 3, 1, 14, 0, 0, 0, time.UTC)))
	assert.Equal(t, time.Date(2026, 3, 1, 14, 0, 0, 0, time.UTC), s.bucketStart(time.Date(2026, 3, 1, 15, 59, 0, 0, time.UTC)))
}

func TestNextTickUnaligned(t *testing.T) {
	s := New(Options{Interval: 2 * time.Hour}, zerolog.Nop())
	now := time.Date(2026, 3, 1, 13, 15, 0, 0, time.UTC)

	assert.Equal(t, now.Add(2*time.Hour), s.nextTick(now))
	assert.Equal(t, now, s.bucketStart(now))
}

func TestNextDaily(t *testing.T) {
	loc := time.FixedZone("EST", -5*3600)
	offset := 9 * time.Hour

	before := time.Date(2026, 3, 1, 8, 59, 0, 0, loc)
	assert.Equal(t, time.Date(2026, 3, 1, 9, 0, 0, 0, loc), NextDaily(before, offset))

	at := time.Date(2026, 3, 1, 9, 0, 0, 0, loc)
	assert.Equal(t, time.Date(2026, 3, 2, 9, 0, 0, 0, loc), NextDaily(at, offset))

	endOfMonth := time.Date(2026, 3, 31, 23, 0, 0, 0, loc)
	assert.Equal(t, time.Date(2026, 4, 1, 9, 0, 0, 0, loc), NextDaily(endOfMonth, offset))
}

func TestRunOnStartFiresImmediately(t *testing.T) {
	s := New(Options{Interval: time.Hour, RunOnStart: true}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())

	var calls atomic.Int32
	err := s.Run(ctx, func(context.Context, time.Time) error {
		calls.Add(1)
		cancel()
		return nil
	})

	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(1), calls.Load())
}

func TestRunKeepsGoingAfterTickError(t *testing.T) {
	s := New(Options{Interval: 5 * time.Millisecond}, zerolog.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var calls atomic.Int32
	err := s.Run(ctx, func(context.Context, time.Time) error {
		if calls.Add(1) >= 3 {
			cancel()
		}
		return errors.New("boom")
	})

	require.ErrorIs(t, err, context.Canceled)
	assert.GreaterOrEqual(t, calls.Load(), int32(3))
}

func TestRunHonoursStartupDelayCancellation(t *testing.T) {
	s := New(Options{Interval: time.Hour, StartupDelay: time.Hour, RunOnStart: true}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.Run(ctx, func(context.Context, time.Time) error {
		t.Fatal("tick must not run")
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewPanicsOnZeroInterval(t *testing.T) {
	assert.Panics(t, func() { New(Options{}, zerolog.Nop()) })
}
