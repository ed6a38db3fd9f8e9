// Package units converts measurement values between provider units and the
// units Garmin Connect expects, using exact decimal arithmetic.
package units

import (
	"fmt"

	"github.com/cockroachdb/apd/v3"

	"github.com/LawrenceBeran/Metrics2Garmin/pkg/types"
)

// Exactly one pound, as defined by the international avoirdupois pound.
const kilogramsPerPound = "0.45359237"

// Convert returns the measurement value expressed in the target unit, rounded
// to two decimal places. Same-unit conversion only rounds.
func Convert(value float64, from, to types.Unit) (float64, error) {
	if from == to {
		return round2(value)
	}
	if from == types.UnitPound && to == types.UnitKilogram {
		return poundsToKilograms(value)
	}
	return 0, fmt.Errorf("unsupported unit conversion %s -> %s", from, to)
}

// TargetUnit returns the unit Garmin Connect expects for a metric type.
func TargetUnit(metric types.MetricType) types.Unit {
	switch metric {
	case types.MetricWeight:
		return types.UnitKilogram
	case types.MetricBMI:
		return types.UnitIndex
	case types.MetricBodyFat:
		return types.UnitPercent
	case types.MetricSystolic, types.MetricDiastolic:
		return types.UnitMMHg
	case types.MetricPulse:
		return types.UnitBPM
	default:
		return ""
	}
}

func poundsToKilograms(lb float64) (float64, error) {
	ctx := apd.BaseContext.WithPrecision(34)

	var pounds apd.Decimal
	if _, err := pounds.SetFloat64(lb); err != nil {
		return 0, fmt.Errorf("invalid pound value %v: %w", lb, err)
	}

	var factor apd.Decimal
	if _, _, err := factor.SetString(kilogramsPerPound); err != nil {
		return 0, fmt.Errorf("parsing conversion factor: %w", err)
	}

	var kg apd.Decimal
	if _, err := ctx.Mul(&kg, &pounds, &factor); err != nil {
		return 0, fmt.Errorf("converting %v lb: %w", lb, err)
	}
	return quantize2(ctx, &kg)
}

func round2(v float64) (float64, error) {
	ctx := apd.BaseContext.WithPrecision(34)

	var d apd.Decimal
	if _, err := d.SetFloat64(v); err != nil {
		return 0, fmt.Errorf("invalid value %v: %w", v, err)
	}
	return quantize2(ctx, &d)
}

func quantize2(ctx *apd.Context, d *apd.Decimal) (float64, error) {
	var rounded apd.Decimal
	if _, err := ctx.Quantize(&rounded, d, -2); err != nil {
		return 0, fmt.Errorf("rounding: %w", err)
	}
	out, err := rounded.Float64()
	if err != nil {
		return 0, fmt.Errorf("rounded value not representable: %w", err)
	}
	return out, nil
}
