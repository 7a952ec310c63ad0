// Package ratelimit bounds outbound API calls inside a sliding window whose
// request timestamps live in a durable store.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrMustDefer is returned by WaitIfNeeded when freeing capacity would take
// longer than the caller is willing to wait.
var ErrMustDefer = errors.New("ratelimit: wait exceeds limit, request must be deferred")

// Store persists request timestamps per service.
type Store interface {
	RecordRequest(ctx context.Context, service string, at time.Time) error
	CountSince(ctx context.Context, service string, since time.Time) (int, error)
	// OldestSince returns the earliest timestamp >= since; ok is false when none exist.
	OldestSince(ctx context.Context, service string, since time.Time) (oldest time.Time, ok bool, err error)
	PruneBefore(ctx context.Context, service string, before time.Time) (int64, error)
}

// Options configure a Limiter.
type Options struct {
	Service     string
	MaxRequests int
	Window      time.Duration
}

// Stats summarises the current window.
type Stats struct {
	Service     string        `json:"service"`
	MaxRequests int           `json:"max_requests"`
	Window      time.Duration `json:"window"`
	Used        int           `json:"used"`
	Remaining   int           `json:"remaining"`
	ResetAt     time.Time     `json:"reset_at"`
}

// Limiter is a sliding-window limiter. When the store is unavailable it
// fails open; HTTP 429 responses stay authoritative for callers.
type Limiter struct {
	store  Store
	opts   Options
	logger zerolog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	mu        sync.Mutex
	lastPrune time.Time
}

// New constructs a Limiter. It panics on a non-positive window or maximum.
func New(store Store, opts Options, logger zerolog.Logger) *Limiter {
	if opts.MaxRequests <= 0 || opts.Window <= 0 {
		panic("ratelimit: max requests and window must be positive")
	}
	if opts.Service == "" {
		opts.Service = "default"
	}
	return &Limiter{
		store:  store,
		opts:   opts,
		logger: logger.With().Str("component", "ratelimit").Str("service", opts.Service).Logger(),
		now:    func() time.Time { return time.Now().UTC() },
		sleep:  sleepContext,
	}
}

// WithClock swaps the time source and sleeper, used by tests.
func (l *Limiter) WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) *Limiter {
	if now != nil {
		l.now = now
	}
	if sleep != nil {
		l.sleep = sleep
	}
	return l
}

// CanProceed reports whether fewer than MaxRequests were recorded in [now-W, now].
func (l *Limiter) CanProceed(ctx context.Context) bool {
	count, err := l.count(ctx)
	if err != nil {
		l.logger.Warn().Err(err).Msg("rate limit store unavailable, allowing request")
		return true
	}
	return count < l.opts.MaxRequests
}

// Record appends a request at the current time.
func (l *Limiter) Record(ctx context.Context) error {
	if l.store == nil {
		return errors.New("rate limit store not configured")
	}
	now := l.now()
	if err := l.store.RecordRequest(ctx, l.opts.Service, now); err != nil {
		l.logger.Warn().Err(err).Msg("failed to record request")
		return fmt.Errorf("record request: %w", err)
	}
	l.maybePrune(ctx, now)
	return nil
}

// Remaining returns how many requests may still be made in the window.
func (l *Limiter) Remaining(ctx context.Context) int {
	count, err := l.count(ctx)
	if err != nil {
		return l.opts.MaxRequests
	}
	if rem := l.opts.MaxRequests - count; rem > 0 {
		return rem
	}
	return 0
}

// ResetTime returns when the oldest in-window request leaves the window.
func (l *Limiter) ResetTime(ctx context.Context) time.Time {
	now := l.now()
	if l.store == nil {
		return now
	}
	oldest, ok, err := l.store.OldestSince(ctx, l.opts.Service, now.Add(-l.opts.Window))
	if err != nil || !ok {
		return now
	}
	return oldest.Add(l.opts.Window)
}

// WaitIfNeeded blocks until capacity frees up. If the required wait exceeds
// maxWait it returns ErrMustDefer without waiting.
func (l *Limiter) WaitIfNeeded(ctx context.Context, maxWait time.Duration) error {
	var waited time.Duration
	for {
		if l.CanProceed(ctx) {
			return nil
		}

		wait := l.ResetTime(ctx).Sub(l.now()) + time.Millisecond
		if wait <= time.Millisecond {
			wait = 100 * time.Millisecond
		}
		if waited+wait > maxWait {
			l.logger.Warn().
				Dur("required_wait", wait).
				Dur("max_wait", maxWait).
				Msg("rate limit reached, deferring request")
			return ErrMustDefer
		}

		l.logger.Info().Dur("wait", wait).Msg("rate limit reached, waiting")
		if err := l.sleep(ctx, wait); err != nil {
			return err
		}
		waited += wait
	}
}

// Prune removes records older than twice the window.
func (l *Limiter) Prune(ctx context.Context) (int64, error) {
	cutoff := l.now().Add(-2 * l.opts.Window)
	n, err := l.store.PruneBefore(ctx, l.opts.Service, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune rate records: %w", err)
	}
	if n > 0 {
		l.logger.Debug().Int64("removed", n).Msg("pruned rate records")
	}
	return n, nil
}

// Stats reports window usage.
func (l *Limiter) Stats(ctx context.Context) Stats {
	used, err := l.count(ctx)
	if err != nil {
		used = 0
	}
	remaining := l.opts.MaxRequests - used
	if remaining < 0 {
		remaining = 0
	}
	return Stats{
		Service:     l.opts.Service,
		MaxRequests: l.opts.MaxRequests,
		Window:      l.opts.Window,
		Used:        used,
		Remaining:   remaining,
		ResetAt:     l.ResetTime(ctx),
	}
}

func (l *Limiter) count(ctx context.Context) (int, error) {
	if l.store == nil {
		return 0, errors.New("rate limit store not configured")
	}
	return l.store.CountSince(ctx, l.opts.Service, l.now().Add(-l.opts.Window))
}

// maybePrune prunes at most once per window.
func (l *Limiter) maybePrune(ctx context.Context, now time.Time) {
	l.mu.Lock()
	due := l.lastPrune.IsZero() || now.Sub(l.lastPrune) >= l.opts.Window
	if due {
		l.lastPrune = now
	}
	l.mu.Unlock()

	if due {
		if _, err := l.Prune(ctx); err != nil {
			l.logger.Warn().Err(err).Msg("periodic prune failed")
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
