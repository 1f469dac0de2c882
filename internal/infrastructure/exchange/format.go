package exchange

import (
	"math/big"

	"github.com/shopspring/decimal"
)

const (
	// Perp prices allow at most 6−szDecimals decimal places and 5
	// significant figures; integer prices are exempt from the figure cap.
	maxPerpPriceDecimals = 6
	maxSignificantFigs   = 5
)

// FormatPrice renders a price in the venue's wire format. Rounding is two
// passes: truncate to the instrument's max decimals, cap significant
// figures, then re-truncate, because the figure cap can reintroduce decimal
// places beyond the allowance. Formatting an already-valid price returns it
// unchanged.
func FormatPrice(px float64, szDecimals int) string {
	maxDecimals := int32(maxPerpPriceDecimals - szDecimals)
	if maxDecimals < 0 {
		maxDecimals = 0
	}

	d := decimal.NewFromFloat(px).Truncate(maxDecimals)
	if !d.IsInteger() {
		d = truncateSigFigs(d, maxSignificantFigs).Truncate(maxDecimals)
	}
	return d.String()
}

// FormatSize renders a base-unit size truncated to the instrument's size
// precision.
func FormatSize(sz float64, szDecimals int) string {
	return decimal.NewFromFloat(sz).Truncate(int32(szDecimals)).String()
}

// truncateSigFigs drops coefficient digits beyond figs without rounding.
func truncateSigFigs(d decimal.Decimal, figs int32) decimal.Decimal {
	if d.IsZero() {
		return d
	}
	digits := int32(d.NumDigits())
	if digits <= figs {
		return d
	}
	drop := digits - figs
	pow := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(drop)), nil)
	coef := new(big.Int).Quo(d.Coefficient(), pow)
	return decimal.NewFromBigInt(coef, d.Exponent()+drop)
}
