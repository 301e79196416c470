// Package backoff decides when a failed step may be retried.
package backoff

import (
	"hash/fnv"
	"math"
	"strconv"
	"time"

	"github.com/petrijr/dagflow/pkg/api"
)

const (
	DefaultBase   = time.Second
	DefaultMax    = 5 * time.Minute
	DefaultJitter = 0.1
)

// Policy is exponential backoff with a cap and proportional jitter.
//
// Jitter is derived from the step ID and attempt count rather than a random
// source, so that every reader computes the same eligibility time for the
// same failure. Different steps still spread out.
type Policy struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64
}

// DefaultPolicy returns 1s doubling up to 5m with ±10% jitter.
func DefaultPolicy() Policy {
	return Policy{Base: DefaultBase, Max: DefaultMax, Jitter: DefaultJitter}
}

func (p Policy) normalized() Policy {
	if p.Base <= 0 {
		p.Base = DefaultBase
	}
	if p.Max <= 0 {
		p.Max = DefaultMax
	}
	if p.Max < p.Base {
		p.Max = p.Base
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	} else if p.Jitter > 1 {
		p.Jitter = 1
	}
	return p
}

// Delay returns base * 2^(attempts-1), capped at Max, with jitter applied.
// The result never exceeds Max.
func (p Policy) Delay(stepID string, attempts int) time.Duration {
	p = p.normalized()
	if attempts < 1 {
		attempts = 1
	}

	delay := float64(p.Base) * math.Pow(2, float64(attempts-1))
	if delay > float64(p.Max) {
		delay = float64(p.Max)
	}

	if p.Jitter > 0 {
		delay += delay * p.Jitter * (2*unitHash(stepID, attempts) - 1)
	}
	if delay > float64(p.Max) {
		delay = float64(p.Max)
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// unitHash maps (stepID, attempts) to [0, 1).
func unitHash(stepID string, attempts int) float64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(stepID))
	_, _ = h.Write([]byte{':'})
	_, _ = h.Write([]byte(strconv.Itoa(attempts)))
	return float64(h.Sum64()>>11) / float64(1<<53)
}

// NextEligibleAt returns the earliest time the step may be retried. A delay
// requested by the handler wins over the exponential schedule.
func (p Policy) NextEligibleAt(st api.Step) time.Time {
	if st.BackoffRequest > 0 {
		return st.LastAttempt.Add(st.BackoffRequest)
	}
	return st.LastAttempt.Add(p.Delay(st.ID, st.Attempts))
}

// RetryLimit returns the step's retry limit, defaulting unset limits.
func RetryLimit(st api.Step) int {
	if st.RetryLimit <= 0 {
		return api.DefaultRetryLimit
	}
	return st.RetryLimit
}

// Exhausted reports whether the step can never be retried again.
func (p Policy) Exhausted(st api.Step) bool {
	return !st.Retryable || st.Attempts >= RetryLimit(st)
}

// RetryEligible reports whether a failed step may be retried at now.
func (p Policy) RetryEligible(st api.Step, now time.Time) bool {
	if p.Exhausted(st) {
		return false
	}
	return !now.Before(p.NextEligibleAt(st))
}
