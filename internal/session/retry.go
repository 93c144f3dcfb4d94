package session

import (
	"math/rand"
	"time"

	"github.com/crowdwatch/crowdwatch/internal/config"
)

// RetryPolicy chooses the delay before reconnect attempt n (starting at 1).
type RetryPolicy interface {
	Delay(attempt int) time.Duration
}

// Fixed waits the same duration before every attempt.
type Fixed time.Duration

func (f Fixed) Delay(int) time.Duration { return time.Duration(f) }

// Exponential implements truncated exponential backoff with ±25 % jitter.
type Exponential struct {
	Base time.Duration
	Max  time.Duration

	// Jitter returns a value in [0, 1). Nil uses math/rand/v2.
	Jitter func() float64
}

const backoffMultiplier = 2.0

func (e Exponential) Delay(attempt int) time.Duration {
	d := e.Base
	for i := 1; i < attempt && d < e.Max; i++ {
		d = time.Duration(float64(d) * backoffMultiplier)
	}
	if d > e.Max {
		d = e.Max
	}

	r := rand.Float64 //nolint:gosec // not crypto
	if e.Jitter != nil {
		r = e.Jitter
	}
	d += time.Duration(float64(d) * 0.25 * (r()*2 - 1))
	if d < 0 {
		d = 0
	}
	return d
}

// PolicyFor builds the RetryPolicy described by cfg.
func PolicyFor(cfg config.RetryConfig) RetryPolicy {
	if cfg.Policy == config.RetryExponential {
		return Exponential{Base: cfg.Delay, Max: cfg.MaxDelay}
	}
	return Fixed(cfg.Delay)
}
