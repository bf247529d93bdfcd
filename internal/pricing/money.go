package pricing

import (
	"github.com/shopspring/decimal"
)

// FormatCents renders cents as a dollar string, e.g. 59500 -> "$595.00".
func FormatCents(cents int64) string {
	d := decimal.New(cents, -2)
	if d.IsNegative() {
		return "-$" + d.Neg().StringFixed(2)
	}
	return "$" + d.StringFixed(2)
}

// PercentOf returns round(amount * percent / 100), half away from zero.
func PercentOf(amount, percent int64) int64 {
	return decimal.NewFromInt(amount).
		Mul(decimal.NewFromInt(percent)).
		Div(decimal.NewFromInt(100)).
		Round(0).
		IntPart()
}
