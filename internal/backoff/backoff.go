// Package backoff computes jittered exponential delays for retrying
// outbound calls.
package backoff

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"
)

// Defaults used when a field is left zero.
const (
	DefaultBase   = time.Second
	DefaultMax    = 60 * time.Second
	DefaultFactor = 2.0
	// DefaultJitter is the maximum fraction of the delay added at random.
	DefaultJitter = 0.25
)

// Backoff describes an exponential delay schedule.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Factor float64
	Jitter float64

	mu   sync.Mutex
	rand *rand.Rand
}

// New returns a Backoff with the given parameters; zero values fall back to defaults.
func New(base, max time.Duration, factor float64) *Backoff {
	return &Backoff{Base: base, Max: max, Factor: factor, Jitter: DefaultJitter}
}

// WithSeed makes the jitter deterministic.
func (b *Backoff) WithSeed(seed int64) *Backoff {
	b.mu.Lock()
	b.rand = rand.New(rand.NewSource(seed))
	b.mu.Unlock()
	return b
}

// Raw returns min(base * factor^attempt, max) without jitter.
func (b *Backoff) Raw(attempt int) time.Duration {
	base, max, factor := b.params()
	if attempt < 0 {
		attempt = 0
	}
	d := float64(base) * math.Pow(factor, float64(attempt))
	if math.IsInf(d, 0) || d > float64(max) {
		return max
	}
	return time.Duration(d)
}

// Delay returns the delay for the given zero-based attempt including jitter.
// The result never exceeds Max.
func (b *Backoff) Delay(attempt int) time.Duration {
	raw := b.Raw(attempt)
	_, max, _ := b.params()

	jitter := b.Jitter
	if jitter < 0 {
		jitter = 0
	}
	if jitter == 0 || raw <= 0 {
		return raw
	}

	extra := time.Duration(float64(raw) * jitter * b.float())
	d := raw + extra
	if d > max {
		return max
	}
	return d
}

// Sleep waits for Delay(attempt) or until ctx is done.
func (b *Backoff) Sleep(ctx context.Context, attempt int) error {
	timer := time.NewTimer(b.Delay(attempt))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (b *Backoff) params() (time.Duration, time.Duration, float64) {
	base, max, factor := b.Base, b.Max, b.Factor
	if base <= 0 {
		base = DefaultBase
	}
	if max <= 0 {
		max = DefaultMax
	}
	if max < base {
		max = base
	}
	if factor < 1 {
		factor = DefaultFactor
	}
	return base, max, factor
}

func (b *Backoff) float() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.rand == nil {
		return rand.Float64()
	}
	return b.rand.Float64()
}
