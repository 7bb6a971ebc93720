// Package retry provides the delivery retry schedule and the durable
// scheduler that re-drives deliveries whose due time has passed.
package retry

import (
	"math/rand"
	"time"
)

// Schedule is a fixed backoff schedule indexed by attempt count, with
// uniform jitter applied around each step.
//
// The default front-loads a near-immediate second attempt to absorb
// transient blips cheaply, then backs off sharply to avoid hammering a
// genuinely broken endpoint. Jitter spreads synchronized retry storms when
// many subscriptions fail at once.
type Schedule struct {
	Steps       []time.Duration
	Jitter      float64
	MaxAttempts int
}

// DefaultSchedule returns the production schedule: 5 attempts at
// [0s, 2s, 10s, 60s, 300s] with ±10% jitter.
func DefaultSchedule() Schedule {
	return Schedule{
		Steps:       []time.Duration{0, 2 * time.Second, 10 * time.Second, time.Minute, 5 * time.Minute},
		Jitter:      0.1,
		MaxAttempts: 5,
	}
}

// BaseDelay returns the delay for the given attempt count before jitter.
// Attempts beyond the schedule reuse the last step.
func (s Schedule) BaseDelay(attempt int) time.Duration {
	if len(s.Steps) == 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= len(s.Steps) {
		attempt = len(s.Steps) - 1
	}
	return s.Steps[attempt]
}

// Delay returns the jittered delay for the given attempt count, clamped to
// be non-negative.
func (s Schedule) Delay(attempt int) time.Duration {
	delay := float64(s.BaseDelay(attempt))

	if s.Jitter > 0 {
		jitterRange := delay * s.Jitter
		delay += (rand.Float64()*2 - 1) * jitterRange
	}

	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// NextAttemptTime returns when the given attempt count should run next.
func (s Schedule) NextAttemptTime(now time.Time, attempt int) time.Time {
	return now.Add(s.Delay(attempt))
}
