package engine

import "github.com/shopspring/decimal"

// Epsilon is the tolerance for money comparisons: one cent.
const Epsilon = 0.01

// Round2 rounds a currency amount to two decimal places without
// accumulating float drift.
func Round2(v float64) float64 {
	f, _ := decimal.NewFromFloat(v).Round(2).Float64()
	return f
}
