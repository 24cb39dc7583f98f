package lending

import (
	"github.com/shopspring/decimal"
)

// DefaultLTVTick is the granularity limitLtv is rounded to.
var DefaultLTVTick = decimal.RequireFromString("0.01")

var hundred = decimal.NewFromInt(100)

// IsBuyable reports whether a reserve still has room under its debt cap.
// Equality counts as full.
func IsBuyable(totalBorrowed, debtCap decimal.Decimal) bool {
	return totalBorrowed.LessThan(debtCap)
}

// BuyCap is the remaining debt cap in human units: max(0, cap-borrowed)/10^decimals.
func BuyCap(debtCap, totalBorrowed decimal.Decimal, decimals int32) decimal.Decimal {
	room := debtCap.Sub(totalBorrowed)
	if room.IsNegative() {
		room = decimal.Zero
	}
	return room.Div(decimal.New(1, decimals))
}

// FormatAmount renders a human amount with two decimals, rounding half up.
func FormatAmount(v decimal.Decimal) string {
	return v.StringFixed(2)
}

// FormatRatio renders a ratio as a percentage with two decimals: 0.5412 -> "54.12%".
func FormatRatio(v decimal.Decimal) string {
	return v.Mul(hundred).StringFixed(2) + "%"
}

// RoundToTick rounds v to the nearest multiple of tick (half away from zero).
func RoundToTick(v, tick decimal.Decimal) decimal.Decimal {
	if tick.Sign() <= 0 {
		return v
	}
	return v.Div(tick).Round(0).Mul(tick)
}

// LimitLTV derives the LTV at which a loan counts as underwater:
// liquidationLtv * borrowLimit / borrowLiquidationLimit, rounded to tick.
// Without a liquidation limit (no debt) the liquidation LTV itself is used.
func LimitLTV(liquidationLTV, borrowLimit, borrowLiquidationLimit, tick decimal.Decimal) decimal.Decimal {
	if borrowLiquidationLimit.IsZero() {
		return RoundToTick(liquidationLTV, tick)
	}
	return RoundToTick(liquidationLTV.Mul(borrowLimit).Div(borrowLiquidationLimit), tick)
}

// IsUnderwater is a strict comparison: ltv == limit is not underwater.
func IsUnderwater(ltv, limit decimal.Decimal) bool {
	return ltv.GreaterThan(limit)
}

// IsCriticallyUnderwater reports an LTV past the midpoint between the limit
// and the liquidation LTV.
func IsCriticallyUnderwater(ltv, limit, liquidation decimal.Decimal) bool {
	median := limit.Add(liquidation.Sub(limit).Div(decimal.NewFromInt(2)))
	return ltv.GreaterThan(median)
}
