// Package metrics exposes migration counters and gauges via Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/LawrenceBeran/Metrics2Garmin/pkg/types"
)

const namespace = "m2g"

var (
	runsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "runs_total",
		Help:      "Number of finished migration runs by trigger and status.",
	}, []string{"trigger", "status"})

	recordsFetched = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "records_fetched_total",
		Help:      "Number of records fetched from the sources.",
	}, []string{"source", "metric"})

	recordsUploaded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "records_uploaded_total",
		Help:      "Number of records accepted by the sink.",
	}, []string{"source", "metric"})

	recordsSkipped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "records_skipped_total",
		Help:      "Number of records skipped as already-migrated duplicates.",
	}, []string{"source", "metric"})

	recordsFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "records_failed_total",
		Help:      "Number of records that failed validation or upload.",
	}, []string{"source", "metric"})

	runDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "run_duration_seconds",
		Help:      "Wall time of finished migration runs.",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
	})

	lastRunGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "last_run_timestamp_seconds",
		Help:      "Unix timestamp of the most recent finished run.",
	})

	watermarkGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "watermark_timestamp_seconds",
		Help:      "Unix timestamp of the last migrated record per lane.",
	}, []string{"source", "metric"})

	rateLimitWaits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rate_limit_waits_total",
		Help:      "Number of limiter acquisitions that had to wait for a token.",
	}, []string{"service"})

	breakerGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "breaker_state",
		Help:      "Circuit breaker state per service: 0 closed, 1 half-open, 2 open.",
	}, []string{"service"})
)

func init() {
	prometheus.MustRegister(
		runsTotal,
		recordsFetched,
		recordsUploaded,
		recordsSkipped,
		recordsFailed,
		runDuration,
		lastRunGauge,
		watermarkGauge,
		rateLimitWaits,
		breakerGauge,
	)
}

// ObserveRun records a finished run's counters and duration.
func ObserveRun(result types.RunResult) {
	runsTotal.WithLabelValues(string(result.Trigger), string(result.Status)).Inc()
	if !result.FinishedAt.IsZero() {
		lastRunGauge.Set(float64(result.FinishedAt.Unix()))
		runDuration.Observe(result.FinishedAt.Sub(result.StartedAt).Seconds())
	}
	for _, lane := range result.PerMetric {
		source, metric := string(lane.Source), string(lane.MetricType)
		recordsFetched.WithLabelValues(source, metric).Add(float64(lane.Fetched))
		recordsUploaded.WithLabelValues(source, metric).Add(float64(lane.Uploaded))
		recordsSkipped.WithLabelValues(source, metric).Add(float64(lane.SkippedDuplicate))
		recordsFailed.WithLabelValues(source, metric).Add(float64(lane.Failed))
	}
}

// ObserveWatermark publishes a lane's watermark position. Epoch-zero
// watermarks stay unpublished so dashboards do not graph 1970.
func ObserveWatermark(wm types.Watermark) {
	if t := wm.LastMigratedAt; !t.IsZero() && t.After(time.Unix(0, 0)) {
		watermarkGauge.WithLabelValues(string(wm.Source), string(wm.MetricType)).Set(float64(t.Unix()))
	}
}

// ObserveRateLimitWait counts a limiter acquisition that blocked.
func ObserveRateLimitWait(service types.ServiceName) {
	rateLimitWaits.WithLabelValues(string(service)).Inc()
}

// SetBreakerState publishes a service's breaker state value.
func SetBreakerState(service types.ServiceName, state float64) {
	breakerGauge.WithLabelValues(string(service)).Set(state)
}
