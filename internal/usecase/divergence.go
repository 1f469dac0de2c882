package usecase

import (
	"github.com/vitos/crypto_dealer/internal/domain"
)

// Bars required on each side of a candle before it counts as a swing point.
const swingPivot = 2

// DivergenceDetector flags direction mismatches between price swings and
// oscillator swings, a classic reversal hint. It compares the last two swing
// lows (bullish case) and the last two swing highs (bearish case) inside a
// lookback window.
type DivergenceDetector struct {
	lookback int
}

func NewDivergenceDetector(lookback int) *DivergenceDetector {
	return &DivergenceDetector{lookback: lookback}
}

// Detect scans the trailing window for divergences between price and each
// oscillator series. The series must be index-aligned with the candles.
// Reported indices are positions in the candles slice.
func (d *DivergenceDetector) Detect(candles []domain.Candle, rsi, macdHist []float64) []domain.DivergenceSignal {
	if len(candles) < 2*swingPivot+1 {
		return nil
	}

	start := len(candles) - d.lookback
	if start < 0 {
		start = 0
	}

	lows := make([]float64, 0, len(candles)-start)
	highs := make([]float64, 0, len(candles)-start)
	for _, c := range candles[start:] {
		lows = append(lows, c.Low)
		highs = append(highs, c.High)
	}

	var signals []domain.DivergenceSignal
	for _, osc := range []struct {
		name   string
		series []float64
	}{
		{"rsi", rsi},
		{"macd_hist", macdHist},
	} {
		if len(osc.series) != len(candles) {
			continue
		}
		window := osc.series[start:]
		signals = append(signals, detectAgainst(osc.name, lows, highs, window, start)...)
	}
	return signals
}

func detectAgainst(indicator string, lows, highs, osc []float64, offset int) []domain.DivergenceSignal {
	var signals []domain.DivergenceSignal

	// Bullish: price prints a lower low while the oscillator prints a
	// higher low.
	if a, b, ok := lastTwo(swingLows(lows)); ok {
		if lows[b] < lows[a] && osc[b] > osc[a] {
			signals = append(signals, domain.DivergenceSignal{
				Kind:      domain.DivergenceBullish,
				Indicator: indicator,
				FromIndex: offset + a,
				ToIndex:   offset + b,
			})
		}
	}

	// Bearish: price prints a higher high while the oscillator prints a
	// lower high.
	if a, b, ok := lastTwo(swingHighs(highs)); ok {
		if highs[b] > highs[a] && osc[b] < osc[a] {
			signals = append(signals, domain.DivergenceSignal{
				Kind:      domain.DivergenceBearish,
				Indicator: indicator,
				FromIndex: offset + a,
				ToIndex:   offset + b,
			})
		}
	}
	return signals
}

func swingLows(values []float64) []int {
	var idx []int
	for i := swingPivot; i < len(values)-swingPivot; i++ {
		isLow := true
		for j := i - swingPivot; j <= i+swingPivot; j++ {
			if j != i && values[j] < values[i] {
				isLow = false
				break
			}
		}
		if isLow {
			idx = append(idx, i)
		}
	}
	return idx
}

func swingHighs(values []float64) []int {
	var idx []int
	for i := swingPivot; i < len(values)-swingPivot; i++ {
		isHigh := true
		for j := i - swingPivot; j <= i+swingPivot; j++ {
			if j != i && values[j] > values[i] {
				isHigh = false
				break
			}
		}
		if isHigh {
			idx = append(idx, i)
		}
	}
	return idx
}

func lastTwo(idx []int) (int, int, bool) {
	if len(idx) < 2 {
		return 0, 0, false
	}
	return idx[len(idx)-2], idx[len(idx)-1], true
}
