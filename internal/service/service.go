// Package service defines the contracts the migration engine speaks to the
// external providers through: sources produce measurements, the sink
// receives them. Concrete clients live in the subpackages.
package service

import (
	"context"
	"time"

	"github.com/LawrenceBeran/Metrics2Garmin/pkg/types"
)

// Source fetches measurements from an upstream health provider.
type Source interface {
	// Service names the provider for logging and rate limiting.
	Service() types.ServiceName
	// Authenticate establishes or refreshes credentials. Failures that
	// cannot be silently recovered surface *types.AuthError.
	Authenticate(ctx context.Context) error
	// FetchSince returns measurements with RecordedAt strictly after since,
	// ordered ascending. Provider pagination is handled internally.
	FetchSince(ctx context.Context, metric types.MetricType, since time.Time) ([]types.Measurement, error)
	// Ping verifies the provider answers with the current credentials.
	Ping(ctx context.Context) error
}

// Sink receives measurements at the destination provider.
type Sink interface {
	Service() types.ServiceName
	Authenticate(ctx context.Context) error
	// Upload pushes one measurement. A provider-side duplicate is the
	// UploadDuplicate outcome, not an error.
	Upload(ctx context.Context, m types.Measurement) (types.UploadOutcome, error)
	// ListBloodPressureSince returns the timestamps of blood-pressure
	// entries already present at the sink, for duplicate pre-trimming.
	ListBloodPressureSince(ctx context.Context, since time.Time) ([]time.Time, error)
	Ping(ctx context.Context) error
}
