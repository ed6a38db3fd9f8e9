package schedule

import "github.com/LawrenceBeran/Metrics2Garmin/pkg/types"

// LaneKey returns the canonical identifier for a (source, metric) lane,
// used in logs, metrics labels and in-run dedup scoping.
func LaneKey(source types.Source, metric types.MetricType) string {
	return string(source) + ":" + string(metric)
}
