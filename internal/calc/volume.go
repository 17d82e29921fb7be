package calc

import (
	"fmt"

	"github.com/shopspring/decimal"

	"otoflow/internal/enginerr"
)

// RequiredCycles returns how many per-cycle trades are still needed to reach
// the target volume. The upstream API reports volume inflated by a multiplier,
// so actual progress is currentAPIVolume / multiplier.
func RequiredCycles(target, currentAPIVolume, perCycleAmount, multiplier decimal.Decimal) (int64, error) {
	if !target.IsPositive() {
		return 0, fmt.Errorf("%w: target volume %s must be positive", enginerr.ErrInvalidParameter, target)
	}
	if !perCycleAmount.IsPositive() {
		return 0, fmt.Errorf("%w: per-cycle amount %s must be positive", enginerr.ErrInvalidParameter, perCycleAmount)
	}
	if !multiplier.IsPositive() {
		return 0, fmt.Errorf("%w: volume multiplier %s must be positive", enginerr.ErrInvalidParameter, multiplier)
	}
	if currentAPIVolume.IsNegative() {
		return 0, fmt.Errorf("%w: current volume %s is negative", enginerr.ErrInvalidParameter, currentAPIVolume)
	}

	actual := currentAPIVolume.Div(multiplier)
	if actual.GreaterThanOrEqual(target) {
		return 0, nil
	}
	return target.Sub(actual).Div(perCycleAmount).Ceil().IntPart(), nil
}

// ProgressPercentage returns completion toward the target volume, clamped to
// [0, 100] regardless of overshoot.
func ProgressPercentage(target, currentAPIVolume, multiplier decimal.Decimal) (decimal.Decimal, error) {
	if !target.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: target volume %s must be positive", enginerr.ErrInvalidParameter, target)
	}
	if !multiplier.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: volume multiplier %s must be positive", enginerr.ErrInvalidParameter, multiplier)
	}
	if currentAPIVolume.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: current volume %s is negative", enginerr.ErrInvalidParameter, currentAPIVolume)
	}

	pct := currentAPIVolume.Div(multiplier).Div(target).Mul(hundred)
	if pct.IsNegative() {
		return decimal.Zero, nil
	}
	if pct.GreaterThan(hundred) {
		return hundred, nil
	}
	return pct, nil
}
