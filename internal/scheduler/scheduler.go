package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// TickFunc is invoked on every interval. bucket is the scheduled time.
type TickFunc func(ctx context.Context, bucket time.Time) error

// Options tune scheduler behaviour.
type Options struct {
	Interval     time.Duration
	AlignToStart bool
	StartupDelay time.Duration
	// RunOnStart fires one tick as soon as the startup delay elapses.
	RunOnStart bool
	// Location anchors daily jobs. Defaults to time.Local.
	Location *time.Location
}

// Scheduler drives periodic check cycles and once-a-day jobs.
type Scheduler struct {
	opts   Options
	now    func() time.Time
	logger zerolog.Logger
}

// New constructs a Scheduler instance.
func New(opts Options, logger zerolog.Logger) *Scheduler {
	if opts.Interval <= 0 {
		panic("scheduler interval must be positive")
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	return &Scheduler{opts: opts, now: time.Now, logger: logger.With().Str("component", "scheduler").Logger()}
}

// Interval reports the cycle interval.
func (s *Scheduler) Interval() time.Duration { return s.opts.Interval }

// Run blocks, invoking tick at each interval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context, tick TickFunc) error {
	if err := wait(ctx, s.opts.StartupDelay); err != nil {
		return err
	}

	if s.opts.RunOnStart {
		s.fire(ctx, "cycle", s.now().UTC(), tick)
	}

	next := s.nextTick(s.now().UTC())
	for {
		delay := next.Sub(s.now())
		if delay < 0 {
			next = s.nextTick(s.now().UTC())
			delay = next.Sub(s.now())
		}

		s.logger.Debug().Time("next_run", next).Msg("waiting for next cycle")
		if err := wait(ctx, delay); err != nil {
			return err
		}

		s.fire(ctx, "cycle", s.bucketStart(next), tick)
		next = next.Add(s.opts.Interval)
	}
}

// Daily blocks, invoking tick once a day at offset past local midnight.
func (s *Scheduler) Daily(ctx context.Context, name string, offset time.Duration, tick TickFunc) error {
	for {
		next := NextDaily(s.now().In(s.opts.Location), offset)
		s.logger.Debug().Str("job", name).Time("next_run", next).Msg("waiting for daily job")
		if err := wait(ctx, next.Sub(s.now())); err != nil {
			return err
		}
		s.fire(ctx, name, next, tick)
	}
}

func (s *Scheduler) fire(ctx context.Context, name string, at time.Time, tick TickFunc) {
	s.logger.Info().Str("job", name).Time("scheduled_for", at).Msg("executing scheduled job")
	if err := tick(ctx, at); err != nil {
		s.logger.Error().Err(err).Str("job", name).Time("scheduled_for", at).Msg("scheduled job failed")
	}
}

func (s *Scheduler) nextTick(now time.Time) time.Time {
	if !s.opts.AlignToStart {
		return now.Add(s.opts.Interval)
	}
	bucket := now.Truncate(s.opts.Interval)
	if !bucket.After(now) {
		bucket = bucket.Add(s.opts.Interval)
	}
	return bucket
}

func (s *Scheduler) bucketStart(t time.Time) time.Time {
	if !s.opts.AlignToStart {
		return t
	}
	return t.Truncate(s.opts.Interval)
}

// NextDaily returns the first instant strictly after now that sits offset
// past midnight in now's location.
func NextDaily(now time.Time, offset time.Duration) time.Time {
	y, m, d := now.Date()
	midnight := time.Date(y, m, d, 0, 0, 0, 0, now.Location())
	next := midnight.Add(offset)
	if !next.After(now) {
		next = time.Date(y, m, d+1, 0, 0, 0, 0, now.Location()).Add(offset)
	}
	return next
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
