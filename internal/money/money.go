// Package money holds the system-wide precision contract: every monetary
// and quantity output is rounded to 6 decimal places, and values below the
// epsilon thresholds are treated as zero to absorb accumulated drift across
// many small trades.
package money

import "github.com/shopspring/decimal"

// Scale is the number of decimal places for all monetary/quantity outputs.
const Scale = 6

var (
	// QtyEpsilon is the tolerance below which a quantity is treated as zero.
	QtyEpsilon = decimal.New(1, -9) // 1e-9

	// CashEpsilon is the tolerance applied to cash sufficiency checks.
	CashEpsilon = decimal.New(1, -6) // 1e-6
)

// Round6 rounds to 6 decimal places, half away from zero. Idempotent:
// Round6(Round6(x)) == Round6(x).
func Round6(v decimal.Decimal) decimal.Decimal {
	return v.Round(Scale)
}

// NegligibleQty reports whether |v| is within the quantity epsilon.
func NegligibleQty(v decimal.Decimal) bool {
	return v.Abs().LessThanOrEqual(QtyEpsilon)
}

// NegligibleCash reports whether |v| is within the cash epsilon.
func NegligibleCash(v decimal.Decimal) bool {
	return v.Abs().LessThanOrEqual(CashEpsilon)
}

// Positive reports whether v exceeds the quantity epsilon. Used to decide
// whether a lot or position is still conceptually open.
func Positive(v decimal.Decimal) bool {
	return v.GreaterThan(QtyEpsilon)
}
