package ratelimit

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// Limiter is the token bucket shared by every outbound request of a run.
//
// Tokens accrue continuously at the configured rate up to capacity. Refill is
// computed lazily from the elapsed time on each Consume call, so there is no
// background goroutine. Callers contend on the bucket's mutex; admission order is
// not fair.
type Limiter struct {
	bucket *rate.Limiter
	burst  int
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
	onWait func(time.Duration)
}

type Option func(*Limiter)

// WithClock injects the time source and sleep function. Tests use this to drive
// the bucket without real waiting.
func WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
		if sleep != nil {
			l.sleep = sleep
		}
	}
}

// WithWaitObserver registers fn to be called with every non-zero wait.
func WithWaitObserver(fn func(time.Duration)) Option {
	return func(l *Limiter) {
		l.onWait = fn
	}
}

// New returns a bucket holding at most capacity tokens, refilled at
// tokensPerSecond. The bucket starts full.
func New(capacity int, tokensPerSecond float64, opts ...Option) (*Limiter, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("ratelimit: capacity must be >= 1, got %d", capacity)
	}
	if tokensPerSecond <= 0 {
		return nil, fmt.Errorf("ratelimit: tokens per second must be > 0, got %v", tokensPerSecond)
	}
	l := &Limiter{
		bucket: rate.NewLimiter(rate.Limit(tokensPerSecond), capacity),
		burst:  capacity,
		now:    time.Now,
		sleep:  Sleep,
	}
	for _, apply := range opts {
		if apply != nil {
			apply(l)
		}
	}
	return l, nil
}

// Capacity returns the bucket size.
func (l *Limiter) Capacity() int {
	return l.burst
}

// Rate returns the refill rate in tokens per second.
func (l *Limiter) Rate() float64 {
	return float64(l.bucket.Limit())
}

// Consume blocks until n tokens are available and debits them. Requests larger
// than the capacity are admitted in capacity-sized portions. The only error is
// cancellation of ctx, in which case the pending reservation is returned to the
// bucket.
func (l *Limiter) Consume(ctx context.Context, n int) error {
	if ctx == nil {
		return fmt.Errorf("Consume: nil context")
	}
	if n <= 0 {
		return fmt.Errorf("Consume: n must be > 0 (got %d)", n)
	}
	if l == nil || l.bucket == nil {
		return fmt.Errorf("Consume: nil Limiter (use New)")
	}

	for n > 0 {
		k := min(n, l.burst)
		now := l.now()
		r := l.bucket.ReserveN(now, k)
		if !r.OK() {
			return fmt.Errorf("Consume: reservation of %d tokens refused", k)
		}
		if delay := r.DelayFrom(now); delay > 0 {
			if l.onWait != nil {
				l.onWait(delay)
			}
			if err := l.sleep(ctx, delay); err != nil {
				r.CancelAt(l.now())
				return err
			}
		}
		n -= k
	}
	return nil
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	select {
	case <-ctx.Done():
		if !timer.Stop() {
			<-timer.C
		}
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
