package controller

import (
	"time"

	"planline/internal/config"
)

// RetryPolicy bounds how often a failed task attempt is repeated. Only
// retryable failures count; permanent failures stop at the first attempt.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: 500 * time.Millisecond,
		Multiplier:   2,
		MaxDelay:     30 * time.Second,
	}
}

func RetryPolicyFromConfig(rc config.RetryConfig) RetryPolicy {
	p := DefaultRetryPolicy()
	if rc.MaxAttempts > 0 {
		p.MaxAttempts = rc.MaxAttempts
	}
	if rc.InitialDelayMS > 0 {
		p.InitialDelay = time.Duration(rc.InitialDelayMS) * time.Millisecond
	}
	if rc.Multiplier >= 1 {
		p.Multiplier = rc.Multiplier
	}
	if rc.MaxDelayMS > 0 {
		p.MaxDelay = time.Duration(rc.MaxDelayMS) * time.Millisecond
	}
	return p
}

// Backoff returns the delay before the given attempt (1-based); the first
// retry waits InitialDelay, each later one grows by Multiplier up to MaxDelay.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	d := p.InitialDelay
	for i := 1; i < attempt; i++ {
		d = time.Duration(float64(d) * p.Multiplier)
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}
