package testutil

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/LawrenceBeran/Metrics2Garmin/internal/service"
	"github.com/LawrenceBeran/Metrics2Garmin/pkg/types"
)

var (
	_ service.Source = (*MockSource)(nil)
	_ service.Sink   = (*MockSink)(nil)
)

// MockSource is a scriptable Source. Unset function fields succeed with no
// records.
type MockSource struct {
	Name    types.ServiceName
	AuthFn  func(ctx context.Context) error
	FetchFn func(ctx context.Context, metric types.MetricType, since time.Time) ([]types.Measurement, error)
	PingFn  func(ctx context.Context) error

	mu        sync.Mutex
	authCalls int
}

func (m *MockSource) Service() types.ServiceName {
	if m.Name == "" {
		return types.ServiceFitbit
	}
	return m.Name
}

func (m *MockSource) Authenticate(ctx context.Context) error {
	m.mu.Lock()
	m.authCalls++
	m.mu.Unlock()
	if m.AuthFn != nil {
		return m.AuthFn(ctx)
	}
	return nil
}

// AuthCalls returns how many times Authenticate ran.
func (m *MockSource) AuthCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.authCalls
}

func (m *MockSource) FetchSince(ctx context.Context, metric types.MetricType, since time.Time) ([]types.Measurement, error) {
	if m.FetchFn != nil {
		return m.FetchFn(ctx, metric, since)
	}
	return nil, nil
}

func (m *MockSource) Ping(ctx context.Context) error {
	if m.PingFn != nil {
		return m.PingFn(ctx)
	}
	return nil
}

// FixedSource builds a MockSource serving records, filtered by metric and the
// since cutoff the way real sources behave.
func FixedSource(name types.ServiceName, records ...types.Measurement) *MockSource {
	src := &MockSource{Name: name}
	src.FetchFn = func(_ context.Context, metric types.MetricType, since time.Time) ([]types.Measurement, error) {
		var out []types.Measurement
		for _, m := range records {
			if m.MetricType == metric && m.RecordedAt.After(since) {
				out = append(out, m)
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i].RecordedAt.Before(out[j].RecordedAt) })
		return out, nil
	}
	return src
}

// MockSink is a scriptable Sink recording every accepted upload.
type MockSink struct {
	Name     types.ServiceName
	AuthFn   func(ctx context.Context) error
	UploadFn func(ctx context.Context, m types.Measurement) (types.UploadOutcome, error)
	ListFn   func(ctx context.Context, since time.Time) ([]time.Time, error)
	PingFn   func(ctx context.Context) error

	mu        sync.Mutex
	authCalls int
	uploads   []types.Measurement
}

func (m *MockSink) Service() types.ServiceName {
	if m.Name == "" {
		return types.ServiceGarmin
	}
	return m.Name
}

func (m *MockSink) Authenticate(ctx context.Context) error {
	m.mu.Lock()
	m.authCalls++
	m.mu.Unlock()
	if m.AuthFn != nil {
		return m.AuthFn(ctx)
	}
	return nil
}

// AuthCalls returns how many times Authenticate ran.
func (m *MockSink) AuthCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.authCalls
}

func (m *MockSink) Upload(ctx context.Context, meas types.Measurement) (types.UploadOutcome, error) {
	if m.UploadFn != nil {
		outcome, err := m.UploadFn(ctx, meas)
		if err == nil && outcome == types.UploadAccepted {
			m.record(meas)
		}
		return outcome, err
	}
	m.record(meas)
	return types.UploadAccepted, nil
}

func (m *MockSink) record(meas types.Measurement) {
	m.mu.Lock()
	m.uploads = append(m.uploads, meas)
	m.mu.Unlock()
}

// Uploads returns the accepted measurements in upload order.
func (m *MockSink) Uploads() []types.Measurement {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]types.Measurement(nil), m.uploads...)
}

func (m *MockSink) ListBloodPressureSince(ctx context.Context, since time.Time) ([]time.Time, error) {
	if m.ListFn != nil {
		return m.ListFn(ctx, since)
	}
	return nil, nil
}

func (m *MockSink) Ping(ctx context.Context) error {
	if m.PingFn != nil {
		return m.PingFn(ctx)
	}
	return nil
}
