// Package retry provides the exponential backoff used for push delivery.
// A message that exhausts its attempts is expired rather than retried forever.
package retry

import (
	"fmt"
	"math"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// Strategy defines the retry behavior for failed push deliveries.
//
// The retry schedule follows: delay = min(BaseDelay * ExponentialBase^attempt, MaxDelay)
//
// Example with defaults (5s base, 2.0 exponential, 5m max):
//
//	Attempt 1: 10s
//	Attempt 2: 20s
//	Attempt 3: 40s (warn)
//	...
//	Attempt 10: 5m
//	→ Expire
type Strategy struct {
	MaxAttempts     int           // Delivery attempts before the message is expired
	BaseDelay       time.Duration // Initial retry delay
	MaxDelay        time.Duration // Maximum retry delay cap
	ExponentialBase float64       // Backoff multiplier (e.g., 2.0 for doubling)
	WarnThreshold   int           // Failures are logged as warnings from this attempt on
}

// DefaultStrategy returns the default push retry strategy: 10 attempts,
// 5s→5m exponential backoff, warnings from the third failed attempt.
func DefaultStrategy() Strategy {
	return Strategy{
		MaxAttempts:     10,
		BaseDelay:       5 * time.Second,
		MaxDelay:        5 * time.Minute,
		ExponentialBase: 2.0,
		WarnThreshold:   3,
	}
}

// Validate checks that the strategy can produce a schedule.
func (s Strategy) Validate() error {
	return validation.ValidateStruct(&s,
		validation.Field(&s.MaxAttempts, validation.Required, validation.Min(1)),
		validation.Field(&s.BaseDelay, validation.Required, validation.Min(time.Millisecond)),
		validation.Field(&s.MaxDelay, validation.Required, validation.Min(s.BaseDelay)),
		validation.Field(&s.ExponentialBase, validation.Required, validation.Min(1.0)),
		validation.Field(&s.WarnThreshold, validation.Min(0)),
	)
}

// CalculateRetryDelay calculates the retry delay for a given attempt using exponential backoff.
// Formula: delay = min(BaseDelay * ExponentialBase^attemptNumber, MaxDelay)
func (s Strategy) CalculateRetryDelay(attemptNumber int) time.Duration {
	if attemptNumber <= 0 {
		return s.BaseDelay
	}

	delay := float64(s.BaseDelay) * math.Pow(s.ExponentialBase, float64(attemptNumber))
	if delay > float64(s.MaxDelay) {
		return s.MaxDelay
	}

	return time.Duration(delay)
}

// NextAttempt returns when a message that failed attemptCount times may be tried again.
func (s Strategy) NextAttempt(now time.Time, attemptCount int) time.Time {
	return now.Add(s.CalculateRetryDelay(attemptCount))
}

// ShouldWarn reports whether a failure at attemptCount deserves a warning
// rather than a debug line.
func (s Strategy) ShouldWarn(attemptCount int) bool {
	return attemptCount >= s.WarnThreshold
}

// IsRetryable checks if another attempt is allowed.
// Returns true if the attempt count is below the maximum attempts limit.
func (s Strategy) IsRetryable(attemptCount int) bool {
	return attemptCount < s.MaxAttempts
}

// GetRetrySchedule returns a human-readable description of the retry schedule.
//
// Example output:
//
//	Retry Schedule:
//	  Attempt 1: after 10s
//	  ...
//	  Attempt 10: after 5m0s
//	  → Expire
func (s Strategy) GetRetrySchedule() string {
	schedule := "Retry Schedule:\n"
	for i := 1; i <= s.MaxAttempts; i++ {
		schedule += fmt.Sprintf("  Attempt %d: after %v\n", i, s.CalculateRetryDelay(i))
	}
	schedule += "  → Expire\n"
	return schedule
}
