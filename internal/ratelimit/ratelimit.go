// Package ratelimit paces outbound calls with a token bucket.
package ratelimit

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Limiter hands out tokens at a fixed per-minute rate. A nil *Limiter or one
// built with a non-positive rate never blocks.
type Limiter struct {
	lim   *rate.Limiter
	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

// Option customizes a Limiter.
type Option func(*Limiter)

// WithClock replaces the wall clock and the sleep function. Tests pass a fake
// pair so waits are observable without real delays.
func WithClock(now func() time.Time, sleep func(context.Context, time.Duration) error) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
		if sleep != nil {
			l.sleep = sleep
		}
	}
}

// PerMinute creates a limiter admitting rpm calls per minute with a burst of
// one, so calls are spread evenly across the minute.
func PerMinute(rpm int, opts ...Option) *Limiter {
	l := &Limiter{now: time.Now, sleep: Sleep}
	for _, opt := range opts {
		opt(l)
	}
	if rpm > 0 {
		l.lim = rate.NewLimiter(rate.Every(time.Minute/time.Duration(rpm)), 1)
	}
	return l
}

// Wait blocks until a token is available or ctx is done.
func (l *Limiter) Wait(ctx context.Context) error {
	if l == nil || l.lim == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	now := l.now()
	r := l.lim.ReserveN(now, 1)
	if !r.OK() {
		return context.DeadlineExceeded
	}
	delay := r.DelayFrom(now)
	if delay <= 0 {
		return nil
	}
	if err := l.sleep(ctx, delay); err != nil {
		r.CancelAt(l.now())
		return err
	}
	return nil
}

// Sleep waits for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
