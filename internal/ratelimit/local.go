package ratelimit

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Local is an in-process token bucket: Limit permits of burst, refilled at
// Limit per Period.
type Local struct {
	lim     *rate.Limiter
	timeout time.Duration
	now     func() time.Time
}

// LocalOption configures Local.
type LocalOption func(*Local)

// WithClock overrides the time source (tests).
func WithClock(fn func() time.Time) LocalOption {
	return func(l *Local) {
		if fn != nil {
			l.now = fn
		}
	}
}

func NewLocal(cfg Config, opts ...LocalOption) (*Local, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	every := rate.Every(cfg.Period / time.Duration(cfg.Limit))
	l := &Local{
		lim:     rate.NewLimiter(every, cfg.Limit),
		timeout: cfg.Timeout,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Acquire takes a permit, waiting for one only when it becomes available
// within the timeout. A denied attempt consumes nothing.
func (l *Local) Acquire(ctx context.Context) bool {
	now := l.now()
	r := l.lim.ReserveN(now, 1)
	if !r.OK() {
		return false
	}
	delay := r.DelayFrom(now)
	if delay == 0 {
		return true
	}
	if delay > l.timeout {
		r.CancelAt(now)
		return false
	}

	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		r.CancelAt(l.now())
		return false
	}
}
