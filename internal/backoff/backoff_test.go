package backoff

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRawGrowsExponentiallyAndCaps(t *testing.T) {
	b := New(time.Second, 60*time.Second, 2)

	assert.Equal(t, time.Second, b.Raw(0))
	assert.Equal(t, 2*time.Second, b.Raw(1))
	assert.Equal(t, 8*time.Second, b.Raw(3))
	assert.Equal(t, 32*time.Second, b.Raw(5))
	assert.Equal(t, 60*time.Second, b.Raw(6))
	assert.Equal(t, 60*time.Second, b.Raw(500))
}

func TestDelayJitterBounds(t *testing.T) {
	b := New(time.Second, 60*time.Second, 2).WithSeed(42)

	for attempt := 0; attempt < 8; attempt++ {
		raw := b.Raw(attempt)
		for i := 0; i < 50; i++ {
			d := b.Delay(attempt)
			assert.GreaterOrEqual(t, d, raw)
			assert.LessOrEqual(t, d, raw+raw/4)
			assert.LessOrEqual(t, d, 60*time.Second)
		}
	}
}

func TestZeroValueUsesDefaults(t *testing.T) {
	var b Backoff
	assert.Equal(t, DefaultBase, b.Raw(0))
	assert.Equal(t, DefaultMax, b.Raw(20))
	assert.Equal(t, DefaultBase, b.Delay(0), "zero jitter adds nothing")
}

func TestSleepHonoursContext(t *testing.T) {
	b := New(time.Hour, time.Hour, 2)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := b.Sleep(ctx, 0)
	require.ErrorIs(t, err, context.Canceled)
}
