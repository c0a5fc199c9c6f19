package httpclient

import (
	"math/rand/v2"
	"time"
)

// Backoff is the retry policy applied by Client.
type Backoff struct {
	// MaxAttempts bounds ordinary attempts (first try included).
	MaxAttempts int

	// BaseDelay is the first retry delay; retry n waits BaseDelay * 2^n plus jitter.
	BaseDelay time.Duration

	// MaxJitter is the upper bound of the random delay added to each retry.
	MaxJitter time.Duration

	// RateLimitMultiplier scales BaseDelay for the fixed sleep after HTTP 429.
	RateLimitMultiplier int

	// MaxRateLimitWaits bounds how many 429 responses are absorbed without
	// consuming an attempt. Further 429s count as ordinary failures.
	MaxRateLimitWaits int

	// MaxDelay caps the exponential delay (jitter excluded). Zero means no cap.
	MaxDelay time.Duration
}

func DefaultBackoff() Backoff {
	return Backoff{
		MaxAttempts:         5,
		BaseDelay:           time.Second,
		MaxJitter:           500 * time.Millisecond,
		RateLimitMultiplier: 12,
		MaxRateLimitWaits:   10,
		MaxDelay:            2 * time.Minute,
	}
}

// Delay returns the wait before retry number retry (0-based).
func (b Backoff) Delay(retry int, jitter func(limit time.Duration) time.Duration) time.Duration {
	if retry < 0 {
		retry = 0
	}
	d := b.BaseDelay
	for i := 0; i < retry; i++ {
		d *= 2
		if b.MaxDelay > 0 && d >= b.MaxDelay {
			d = b.MaxDelay
			break
		}
	}
	if jitter != nil && b.MaxJitter > 0 {
		d += jitter(b.MaxJitter)
	}
	return d
}

// RateLimitDelay returns the sleep after a 429. A server-provided Retry-After
// wins when it is longer.
func (b Backoff) RateLimitDelay(retryAfter time.Duration) time.Duration {
	d := b.BaseDelay * time.Duration(max(b.RateLimitMultiplier, 1))
	if retryAfter > d {
		return retryAfter
	}
	return d
}

// RandomJitter returns a uniformly distributed duration in [0, max).
func RandomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(limit)))
}
