// Package health probes the external services and the store for the
// healthcheck command and the deep readiness endpoint.
package health

import (
	"context"
	"time"

	"github.com/LawrenceBeran/Metrics2Garmin/internal/service"
	"github.com/LawrenceBeran/Metrics2Garmin/internal/store"
	"github.com/LawrenceBeran/Metrics2Garmin/pkg/types"
)

// Status is the aggregate verdict over a probe set.
type Status string

// Status values order from best to worst.
const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

const defaultProbeTimeout = 10 * time.Second

// Check is a single named connectivity probe. A failing critical check
// makes the aggregate unhealthy on its own.
type Check struct {
	Name     string
	Critical bool
	Probe    func(ctx context.Context) error
}

// Result is one probe outcome.
type Result struct {
	Name      string `json:"name"`
	Healthy   bool   `json:"healthy"`
	Error     string `json:"error,omitempty"`
	ElapsedMS int64  `json:"elapsedMs"`
}

// Report aggregates probe outcomes.
type Report struct {
	Status Status   `json:"status"`
	Checks []Result `json:"checks"`
}

// Runner executes checks with a per-probe timeout.
type Runner struct {
	checks  []Check
	timeout time.Duration
}

// NewRunner creates a runner over checks. timeout <= 0 uses the default.
func NewRunner(timeout time.Duration, checks ...Check) *Runner {
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	return &Runner{checks: checks, timeout: timeout}
}

// Run executes every probe sequentially and aggregates the verdict:
// healthy when everything passes, unhealthy when a critical probe or the
// whole set fails, degraded in between.
func (r *Runner) Run(ctx context.Context) Report {
	var report Report
	failures := 0
	criticalFailed := false
	for _, c := range r.checks {
		pctx, cancel := context.WithTimeout(ctx, r.timeout)
		start := time.Now()
		err := c.Probe(pctx)
		cancel()

		res := Result{Name: c.Name, Healthy: err == nil, ElapsedMS: time.Since(start).Milliseconds()}
		if err != nil {
			res.Error = err.Error()
			failures++
			if c.Critical {
				criticalFailed = true
			}
		}
		report.Checks = append(report.Checks, res)
	}
	switch {
	case failures == 0:
		report.Status = StatusHealthy
	case criticalFailed || failures == len(r.checks):
		report.Status = StatusUnhealthy
	default:
		report.Status = StatusDegraded
	}
	return report
}

// Checks assembles the standard probe set: the store plus every configured
// provider. The store is critical; a dead provider only degrades.
func Checks(st store.Store, sources map[types.Source]service.Source, sink service.Sink) []Check {
	checks := []Check{{Name: "store", Critical: true, Probe: st.Ping}}
	for _, source := range []types.Source{types.SourceFitbit, types.SourceOmron} {
		src, ok := sources[source]
		if !ok {
			continue
		}
		checks = append(checks, Check{Name: string(src.Service()), Probe: src.Ping})
	}
	if sink != nil {
		checks = append(checks, Check{Name: string(sink.Service()), Probe: sink.Ping})
	}
	return checks
}
