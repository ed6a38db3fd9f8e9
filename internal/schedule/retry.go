// Package schedule provides retry policies and lane identifiers for migration runs.
package schedule

import (
	"math"
	"time"

	"github.com/LawrenceBeran/Metrics2Garmin/pkg/types"
)

const maxBackoffSeconds = 300

// DefaultRetryPolicy returns the default retry configuration for transient
// fetch and upload failures within a run.
func DefaultRetryPolicy() types.RetryPolicy {
	return types.RetryPolicy{
		MaxAttempts:       3,
		BackoffSeconds:    2,
		BackoffMultiplier: 2.0,
	}
}

// CalculateBackoff returns the wait duration for a given attempt number.
// Uses exponential backoff: base * multiplier^(attempt-1).
func CalculateBackoff(policy types.RetryPolicy, attempt int) time.Duration {
	if attempt <= 1 {
		return time.Duration(policy.BackoffSeconds) * time.Second
	}
	multiplier := policy.BackoffMultiplier
	if multiplier <= 0 {
		multiplier = 2.0
	}
	backoff := float64(policy.BackoffSeconds) * math.Pow(multiplier, float64(attempt-1))
	if backoff > maxBackoffSeconds {
		backoff = maxBackoffSeconds
	}
	return time.Duration(backoff) * time.Second
}

// IsRetryable returns whether a failure category should be retried within the
// current run. Auth, permanent, validation and rate-limit failures never are.
func IsRetryable(category types.FailureCategory) bool {
	return category == types.FailureTransient || category == types.FailureTimeout
}
