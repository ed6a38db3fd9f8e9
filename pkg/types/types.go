package types

import (
	"fmt"
	"time"
)

// Measurement is one normalized health reading fetched from a source provider.
// Immutable once fetched.
type Measurement struct {
	Source         Source     `json:"source"`
	MetricType     MetricType `json:"metricType"`
	Value          float64    `json:"value"`
	Unit           Unit       `json:"unit"`
	RecordedAt     time.Time  `json:"recordedAt"`
	SourceRecordID string     `json:"sourceRecordId,omitempty"`
	Note           string     `json:"note,omitempty"`
}

// DedupKey derives the identifier used to recognize a measurement already
// processed. Providers that supply a native record id use it directly; others
// fall back to the metric type plus the timestamp truncated to the minute.
func (m Measurement) DedupKey() string {
	if m.SourceRecordID != "" {
		return "id:" + m.SourceRecordID
	}
	return fmt.Sprintf("ts:%s#%s", m.MetricType, m.RecordedAt.UTC().Truncate(time.Minute).Format(time.RFC3339))
}

// Watermark is the durable marker of the last successfully migrated timestamp
// for one (source, metric) pair. An absent row reads as the zero Watermark
// with LastMigratedAt at the Unix epoch.
type Watermark struct {
	Source         Source     `json:"source"`
	MetricType     MetricType `json:"metricType"`
	LastMigratedAt time.Time  `json:"lastMigratedAt"`
	LastRecordID   string     `json:"lastRecordId,omitempty"`
	UpdatedAt      time.Time  `json:"updatedAt,omitempty"`
}

// ZeroWatermark returns the epoch-zero watermark for a lane that has never advanced.
func ZeroWatermark(source Source, metric MetricType) Watermark {
	return Watermark{
		Source:         source,
		MetricType:     metric,
		LastMigratedAt: time.Unix(0, 0).UTC(),
	}
}

// LaneResult holds the terminal counts for one (source, metric) lane of a run.
type LaneResult struct {
	Source           Source     `json:"source"`
	MetricType       MetricType `json:"metricType"`
	State            LaneState  `json:"state"`
	Fetched          int        `json:"fetched"`
	Uploaded         int        `json:"uploaded"`
	SkippedDuplicate int        `json:"skippedDuplicate"`
	Failed           int        `json:"failed"`
	ErrorSamples     []string   `json:"errorSamples,omitempty"`
}

// MaxErrorSamples bounds how many error strings a lane retains per run.
const MaxErrorSamples = 5

// AddError records a bounded error sample and increments the failed count.
func (r *LaneResult) AddError(err error) {
	r.Failed++
	if len(r.ErrorSamples) < MaxErrorSamples {
		r.ErrorSamples = append(r.ErrorSamples, err.Error())
	}
}

// RunResult is the summary of one complete migration run across all lanes.
// Created fresh per run and superseded, never merged, by the next run.
type RunResult struct {
	RunID      string                    `json:"runId"`
	Trigger    RunTrigger                `json:"trigger"`
	Status     RunStatus                 `json:"status"`
	StartedAt  time.Time                 `json:"startedAt"`
	FinishedAt time.Time                 `json:"finishedAt"`
	PerMetric  map[MetricType]LaneResult `json:"perMetric"`
}

// Totals sums the per-lane counters across the whole run.
func (r RunResult) Totals() (fetched, uploaded, skipped, failed int) {
	for _, lane := range r.PerMetric {
		fetched += lane.Fetched
		uploaded += lane.Uploaded
		skipped += lane.SkippedDuplicate
		failed += lane.Failed
	}
	return fetched, uploaded, skipped, failed
}

// ComputeStatus derives the run status from lane outcomes: FAILED when every
// lane failed, PARTIAL when any lane failed or dropped records, SUCCEEDED otherwise.
func (r RunResult) ComputeStatus() RunStatus {
	if len(r.PerMetric) == 0 {
		return RunSucceeded
	}
	failedLanes := 0
	anyFailures := false
	for _, lane := range r.PerMetric {
		if lane.State == LaneFailed {
			failedLanes++
		}
		if lane.Failed > 0 {
			anyFailures = true
		}
	}
	switch {
	case failedLanes == len(r.PerMetric):
		return RunFailed
	case failedLanes > 0 || anyFailures:
		return RunPartial
	default:
		return RunSucceeded
	}
}

// WatermarkSnapshot pairs the latest run summary with current watermark rows
// for the status surface.
type WatermarkSnapshot struct {
	Watermarks []Watermark `json:"watermarks"`
	TakenAt    time.Time   `json:"takenAt"`
}

// RetryPolicy configures automatic retry behavior for transient failures.
type RetryPolicy struct {
	MaxAttempts       int     `yaml:"maxAttempts" json:"maxAttempts"`
	BackoffSeconds    int     `yaml:"backoffSeconds" json:"backoffSeconds"`
	BackoffMultiplier float64 `yaml:"backoffMultiplier,omitempty" json:"backoffMultiplier,omitempty"`
}
