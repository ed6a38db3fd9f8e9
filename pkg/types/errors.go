package types

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// AuthError means a service's credentials are invalid or expired and could
// not be silently refreshed. Fatal for the affected source's lanes only.
type AuthError struct {
	Service ServiceName
	Err     error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s authentication failed: %v", e.Service, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// TransientFetchError is a retryable fetch failure (network, 5xx).
type TransientFetchError struct {
	Service ServiceName
	Err     error
}

func (e *TransientFetchError) Error() string {
	return fmt.Sprintf("%s fetch failed (transient): %v", e.Service, e.Err)
}

func (e *TransientFetchError) Unwrap() error { return e.Err }

// PermanentFetchError is a non-retryable fetch failure (4xx, unsupported metric).
type PermanentFetchError struct {
	Service ServiceName
	Err     error
}

func (e *PermanentFetchError) Error() string {
	return fmt.Sprintf("%s fetch failed (permanent): %v", e.Service, e.Err)
}

func (e *PermanentFetchError) Unwrap() error { return e.Err }

// TransientUploadError is a retryable upload failure (network, 5xx).
type TransientUploadError struct {
	Service ServiceName
	Err     error
}

func (e *TransientUploadError) Error() string {
	return fmt.Sprintf("%s upload failed (transient): %v", e.Service, e.Err)
}

func (e *TransientUploadError) Unwrap() error { return e.Err }

// PermanentUploadError is a non-retryable upload failure (4xx).
type PermanentUploadError struct {
	Service ServiceName
	Err     error
}

func (e *PermanentUploadError) Error() string {
	return fmt.Sprintf("%s upload failed (permanent): %v", e.Service, e.Err)
}

func (e *PermanentUploadError) Unwrap() error { return e.Err }

// RateLimitedError means the service's limiter is in a hard-limit cool-down.
// Calls fail fast instead of queuing so run duration stays bounded.
type RateLimitedError struct {
	Service    ServiceName
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("%s rate limited, retry after %s", e.Service, e.RetryAfter.Round(time.Second))
}

// ValidationError means a fetched value fell outside the plausible range for
// its metric. The record is dropped, counted as failed.
type ValidationError struct {
	MetricType MetricType
	Value      float64
	Min        float64
	Max        float64
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s value %g outside plausible range [%g, %g]", e.MetricType, e.Value, e.Min, e.Max)
}

// RunAlreadyInProgressError rejects a run trigger while another run holds the lock.
type RunAlreadyInProgressError struct {
	HolderRunID string
}

func (e *RunAlreadyInProgressError) Error() string {
	if e.HolderRunID == "" {
		return "migration run already in progress"
	}
	return fmt.Sprintf("migration run already in progress (run %s)", e.HolderRunID)
}

// Classify maps an error to its failure category for retry decisions and reporting.
func Classify(err error) FailureCategory {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.DeadlineExceeded):
		return FailureTimeout
	}

	var (
		authErr       *AuthError
		rateErr       *RateLimitedError
		validationErr *ValidationError
		tFetch        *TransientFetchError
		tUpload       *TransientUploadError
		pFetch        *PermanentFetchError
		pUpload       *PermanentUploadError
	)
	switch {
	case errors.As(err, &authErr):
		return FailureAuth
	case errors.As(err, &rateErr):
		return FailureRateLimit
	case errors.As(err, &validationErr):
		return FailureValidation
	case errors.As(err, &tFetch), errors.As(err, &tUpload):
		return FailureTransient
	case errors.As(err, &pFetch), errors.As(err, &pUpload):
		return FailurePermanent
	default:
		return FailureTransient
	}
}
