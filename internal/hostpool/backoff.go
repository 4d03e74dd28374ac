package hostpool

import (
	"time"

	"github.com/thushan/hostpool/internal/util"
)

// BackoffController computes the delay before a slot may reattempt a
// connect after a failed attempt. Sequence for k consecutive failures is
// base, 2*base, 4*base, ... capped at max — delegated to the teacher's
// exponential-backoff helper rather than reimplemented.
type BackoffController struct {
	base time.Duration
	max  time.Duration
}

// NewBackoffController builds a controller for the given base and cap.
func NewBackoffController(base, max time.Duration) *BackoffController {
	return &BackoffController{base: base, max: max}
}

// Delay returns the backoff duration for the attempt'th consecutive
// failure (1-indexed). No jitter is applied: spec.md's accuracy property is
// phrased in terms of exact doubling, not a jittered approximation of it.
func (b *BackoffController) Delay(attempt int) time.Duration {
	return util.CalculateExponentialBackoff(attempt, b.base, b.max, 0)
}
