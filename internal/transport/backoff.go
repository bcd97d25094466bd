package transport

import (
	"math"
	"time"
)

const (
	DefaultBaseDelay   = time.Second
	DefaultMaxDelay    = 30 * time.Second
	DefaultJitterRatio = 0.5
)

// Backoff is capped exponential growth scaled by a random factor drawn from
// [1-JitterRatio, 1]. A negative JitterRatio disables jitter; zero selects
// the default. MaxAttempts <= 0 means unbounded.
type Backoff struct {
	Base        time.Duration
	Max         time.Duration
	JitterRatio float64
	MaxAttempts int
}

func (b Backoff) withDefaults() Backoff {
	if b.Base <= 0 {
		b.Base = DefaultBaseDelay
	}
	if b.Max <= 0 {
		b.Max = DefaultMaxDelay
	}
	if b.Max < b.Base {
		b.Max = b.Base
	}
	switch {
	case b.JitterRatio < 0:
		b.JitterRatio = 0
	case b.JitterRatio == 0:
		b.JitterRatio = DefaultJitterRatio
	case b.JitterRatio > 1:
		b.JitterRatio = 1
	}
	return b
}

// Capped returns min(Max, Base*2^(attempt-1)) before jitter.
func (b Backoff) Capped(attempt int) time.Duration {
	b = b.withDefaults()
	if attempt < 1 {
		attempt = 1
	}
	exp := float64(b.Base) * math.Pow(2, float64(attempt-1))
	if exp >= float64(b.Max) || math.IsInf(exp, 1) {
		return b.Max
	}
	return time.Duration(exp)
}

// Delay computes the wait before the given attempt. r must be in [0, 1).
func (b Backoff) Delay(attempt int, r float64) time.Duration {
	b = b.withDefaults()
	capped := b.Capped(attempt)
	if r < 0 {
		r = 0
	}
	if r > 1 {
		r = 1
	}
	factor := 1 - b.JitterRatio + b.JitterRatio*r
	return time.Duration(float64(capped) * factor)
}

// Exhausted reports whether attempt exceeds the configured cap.
func (b Backoff) Exhausted(attempt int) bool {
	return b.MaxAttempts > 0 && attempt > b.MaxAttempts
}

// jitter scales d by a factor in [1-ratio, 1+ratio].
func jitter(d time.Duration, ratio, r float64) time.Duration {
	if ratio <= 0 {
		return d
	}
	factor := 1 - ratio + 2*ratio*r
	return time.Duration(float64(d) * factor)
}
