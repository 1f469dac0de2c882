package usecase

import (
	"context"
	"testing"

	"github.com/vitos/crypto_dealer/internal/domain"
	"go.uber.org/zap"
)

func TestIndicatorsOnFlatSeries(t *testing.T) {
	venue := &mockVenue{
		candles: map[string][]domain.Candle{"1h": genCandles(60, func(i int) float64 { return 100 })},
		mid:     100,
	}
	service := NewMarketService(venue, testMarketConfig(), zap.NewNop())

	mc, err := service.GetMarketContext(context.Background(), "BTC")
	if err != nil {
		t.Fatalf("GetMarketContext failed: %v", err)
	}

	ind := mc.Indicators
	if !floatEqualsIn(ind.EmaFast, 100) || !floatEqualsIn(ind.EmaSlow, 100) {
		t.Errorf("EMAs on a flat series must equal the price: %+v", ind)
	}
	if !floatEqualsIn(ind.Macd, 0) || !floatEqualsIn(ind.MacdHist, 0) {
		t.Errorf("MACD on a flat series must be zero: %+v", ind)
	}
	// Every true range is high-low = 2, so any averaging gives exactly 2.
	if !floatEqualsIn(ind.Atr, 2) {
		t.Errorf("ATR = %f, want 2", ind.Atr)
	}
	// Zero deviation collapses the bands onto the middle.
	if !floatEqualsIn(ind.BbUpper, 100) || !floatEqualsIn(ind.BbMiddle, 100) || !floatEqualsIn(ind.BbLower, 100) {
		t.Errorf("Bollinger bands on a flat series must collapse: %+v", ind)
	}
}

func TestIndicatorsOnRisingSeries(t *testing.T) {
	venue := &mockVenue{
		candles: map[string][]domain.Candle{"1h": genCandles(60, func(i int) float64 { return 100 + float64(i) })},
		mid:     160,
	}
	service := NewMarketService(venue, testMarketConfig(), zap.NewNop())

	mc, err := service.GetMarketContext(context.Background(), "BTC")
	if err != nil {
		t.Fatalf("GetMarketContext failed: %v", err)
	}

	ind := mc.Indicators
	if ind.EmaFast <= ind.EmaSlow {
		t.Errorf("fast EMA must lead on a rising series: fast %f, slow %f", ind.EmaFast, ind.EmaSlow)
	}
	// No down candles at all: RSI saturates.
	if !floatEqualsIn(ind.Rsi, 100) {
		t.Errorf("RSI = %f, want 100", ind.Rsi)
	}
	if ind.Macd <= 0 {
		t.Errorf("MACD must be positive on a rising series, got %f", ind.Macd)
	}
	if ind.BbUpper <= ind.BbMiddle || ind.BbMiddle <= ind.BbLower {
		t.Errorf("Bollinger bands must spread on a moving series: %+v", ind)
	}
}
