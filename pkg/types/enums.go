// Package types defines the public domain types for the Metrics2Garmin migration core.
package types

// Source identifies the provider a measurement was fetched from.
type Source string

// Source values enumerate the supported measurement providers.
const (
	SourceFitbit Source = "FITBIT"
	SourceOmron  Source = "OMRON"
)

// MetricType identifies the kind of measurement being migrated.
type MetricType string

// MetricType values enumerate the supported measurement kinds.
const (
	MetricWeight    MetricType = "WEIGHT"
	MetricBMI       MetricType = "BMI"
	MetricBodyFat   MetricType = "BODY_FAT"
	MetricSystolic  MetricType = "SYSTOLIC"
	MetricDiastolic MetricType = "DIASTOLIC"
	MetricPulse     MetricType = "PULSE"
)

// SourceMetrics maps each source to the metric types it produces.
var SourceMetrics = map[Source][]MetricType{
	SourceFitbit: {MetricWeight, MetricBMI, MetricBodyFat},
	SourceOmron:  {MetricSystolic, MetricDiastolic, MetricPulse},
}

// MetricSource returns the source that produces the given metric type.
func MetricSource(metric MetricType) (Source, bool) {
	for src, metrics := range SourceMetrics {
		for _, m := range metrics {
			if m == metric {
				return src, true
			}
		}
	}
	return "", false
}

// Unit identifies the unit a measurement value is expressed in.
type Unit string

// Unit values enumerate the supported measurement units.
const (
	UnitKilogram Unit = "kg"
	UnitPound    Unit = "lb"
	UnitPercent  Unit = "%"
	UnitMMHg     Unit = "mmHg"
	UnitBPM      Unit = "bpm"
	UnitIndex    Unit = "index"
)

// ServiceName identifies an external service for rate limiting and health checks.
type ServiceName string

// ServiceName values enumerate the external services this system talks to.
const (
	ServiceFitbit ServiceName = "fitbit"
	ServiceOmron  ServiceName = "omron"
	ServiceGarmin ServiceName = "garmin"
)

// ServiceName returns the external service identity behind a source.
func (s Source) ServiceName() ServiceName {
	switch s {
	case SourceFitbit:
		return ServiceFitbit
	case SourceOmron:
		return ServiceOmron
	}
	return ""
}

// LaneState represents the lifecycle state of one (source, metric) migration lane.
type LaneState string

// LaneState values represent the lifecycle states of a migration lane.
const (
	LaneIdle           LaneState = "IDLE"
	LaneAuthenticating LaneState = "AUTHENTICATING"
	LaneFetching       LaneState = "FETCHING"
	LaneTransforming   LaneState = "TRANSFORMING"
	LaneUploading      LaneState = "UPLOADING"
	LaneAdvancing      LaneState = "ADVANCING"
	LaneDone           LaneState = "DONE"
	LaneFailed         LaneState = "FAILED"
)

// RunTrigger records what initiated a migration run.
type RunTrigger string

// RunTrigger values enumerate the supported run initiators.
const (
	TriggerScheduled RunTrigger = "scheduled"
	TriggerManual    RunTrigger = "manual"
	TriggerCLI       RunTrigger = "cli"
)

// RunStatus summarizes the overall outcome of a migration run.
type RunStatus string

// RunStatus values summarize run outcomes.
const (
	RunSucceeded RunStatus = "SUCCEEDED"
	RunPartial   RunStatus = "PARTIAL"
	RunFailed    RunStatus = "FAILED"
)

// UploadOutcome is the sink's verdict on an uploaded measurement.
type UploadOutcome string

// UploadOutcome values enumerate sink upload verdicts.
const (
	UploadAccepted  UploadOutcome = "ACCEPTED"
	UploadDuplicate UploadOutcome = "DUPLICATE"
)

// FailureCategory classifies why a fetch or upload failed.
type FailureCategory string

const (
	FailureTransient  FailureCategory = "TRANSIENT"
	FailureTimeout    FailureCategory = "TIMEOUT"
	FailurePermanent  FailureCategory = "PERMANENT"
	FailureAuth       FailureCategory = "AUTH"
	FailureRateLimit  FailureCategory = "RATE_LIMIT"
	FailureValidation FailureCategory = "VALIDATION"
)

// NotifyType defines the notification sink type.
type NotifyType string

// NotifyType values enumerate the supported notification sink backends.
const (
	NotifyConsole NotifyType = "console"
	NotifyFile    NotifyType = "file"
	NotifyWebhook NotifyType = "webhook"
	NotifySNS     NotifyType = "sns"
)
