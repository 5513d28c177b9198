// Package leverage holds the arithmetic tying bonus credit to margin
// leverage. Bonus credit inflates buying power in proportion to its share
// of the deposit, so leverage shrinks by the same factor to keep effective
// risk constant.
package leverage

import "math"

// Adjusted returns the reduced leverage for an account carrying a bonus of
// the given percentage: floor(original / (1 + pct/100)).
func Adjusted(original int, bonusPct float64) int {
	multiplier := bonusPct/100.0 + 1.0
	return int(math.Floor(float64(original) / multiplier))
}

// EffectivePct is the bonus percentage implied by an outstanding credit
// amount against the current balance. Used when a partial withdrawal
// shrinks the outstanding bonus and leverage must be recomputed.
func EffectivePct(outstanding, balance float64) float64 {
	if balance <= 0 {
		return 0
	}
	return outstanding / balance * 100.0
}
