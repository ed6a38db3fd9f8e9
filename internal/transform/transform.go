// Package transform normalizes fetched measurements into the shape Garmin
// Connect expects and rejects implausible values before they are uploaded.
package transform

import (
	"fmt"

	"github.com/LawrenceBeran/Metrics2Garmin/internal/units"
	"github.com/LawrenceBeran/Metrics2Garmin/pkg/types"
)

// DefaultBounds returns the plausible value range per metric type. Values
// outside these ranges are provider glitches, not data worth migrating.
func DefaultBounds() map[types.MetricType]types.Bounds {
	return map[types.MetricType]types.Bounds{
		types.MetricWeight:    {Min: 20, Max: 400},
		types.MetricBMI:       {Min: 10, Max: 100},
		types.MetricBodyFat:   {Min: 2, Max: 75},
		types.MetricSystolic:  {Min: 60, Max: 260},
		types.MetricDiastolic: {Min: 30, Max: 200},
		types.MetricPulse:     {Min: 25, Max: 250},
	}
}

// Normalizer converts and validates measurements against configured bounds.
type Normalizer struct {
	bounds map[types.MetricType]types.Bounds
}

// New creates a Normalizer. Bounds override defaults per metric type; metrics
// absent from the override map keep their defaults.
func New(overrides map[types.MetricType]types.Bounds) *Normalizer {
	bounds := DefaultBounds()
	for metric, b := range overrides {
		bounds[metric] = b
	}
	return &Normalizer{bounds: bounds}
}

// Normalize converts the measurement's value to the sink's target unit and
// validates it against the plausible range for its metric. Returns a
// ValidationError when the converted value is out of range.
func (n *Normalizer) Normalize(m types.Measurement) (types.Measurement, error) {
	target := units.TargetUnit(m.MetricType)
	if target == "" {
		return types.Measurement{}, fmt.Errorf("no target unit for metric %s", m.MetricType)
	}

	value, err := units.Convert(m.Value, m.Unit, target)
	if err != nil {
		return types.Measurement{}, fmt.Errorf("normalizing %s: %w", m.MetricType, err)
	}

	b, ok := n.bounds[m.MetricType]
	if ok && (value < b.Min || value > b.Max) {
		return types.Measurement{}, &types.ValidationError{
			MetricType: m.MetricType,
			Value:      value,
			Min:        b.Min,
			Max:        b.Max,
		}
	}

	m.Value = value
	m.Unit = target
	return m, nil
}
