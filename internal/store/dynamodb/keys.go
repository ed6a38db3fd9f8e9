package dynamodb

import (
	"fmt"
	"time"

	"github.com/LawrenceBeran/Metrics2Garmin/pkg/types"
)

// PK/SK prefix constants for the single-table layout.
const (
	prefixWatermark = "WATERMARK#"
	prefixRun       = "RUN#"

	pkRunLock = "RUNLOCK"
	pkRunLog  = "RUNLOG"

	skState = "STATE"
	skLock  = "LOCK"
)

func watermarkPK(source types.Source, metric types.MetricType) string {
	return prefixWatermark + string(source) + "#" + string(metric)
}

// runSK sorts lexicographically by start time so a descending query returns
// newest first.
func runSK(startedAt time.Time, runID string) string {
	return fmt.Sprintf("%s%013d#%s", prefixRun, startedAt.UnixMilli(), runID)
}
