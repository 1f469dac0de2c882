package usecase

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/cinar/indicator"
	"github.com/samber/lo"
	"github.com/vitos/crypto_dealer/internal/domain"
	"go.uber.org/zap"
)

// Candles attached to the analyzer context. Indicator math still runs over
// the full fetched history; only the payload is trimmed.
const contextCandles = 30

type MarketServiceConfig struct {
	CandleInterval     string
	CandleLimit        int
	MacroInterval      string
	MacroLimit         int
	EmaFast            int
	EmaSlow            int
	RsiPeriod          int
	AtrPeriod          int
	DivergenceLookback int
}

// MarketService assembles the per-instrument analyzer context: price,
// candles, indicator block, divergence signals and trading costs. One
// instance serves all instruments; it holds no per-cycle state.
type MarketService struct {
	venue    domain.Venue
	detector *DivergenceDetector
	cfg      MarketServiceConfig
	logger   *zap.Logger
	timeNow  func() time.Time // For testing
}

func NewMarketService(venue domain.Venue, cfg MarketServiceConfig, logger *zap.Logger) *MarketService {
	return &MarketService{
		venue:    venue,
		detector: NewDivergenceDetector(cfg.DivergenceLookback),
		cfg:      cfg,
		logger:   logger,
		timeNow:  time.Now,
	}
}

func (s *MarketService) GetMarketContext(ctx context.Context, instrument string) (*domain.MarketContext, error) {
	candles, err := s.venue.Candles(ctx, instrument, s.cfg.CandleInterval, s.cfg.CandleLimit)
	if err != nil {
		return nil, fmt.Errorf("%w: candles for %s: %v", domain.ErrInstrumentFetch, instrument, err)
	}
	if len(candles) < s.cfg.EmaSlow {
		return nil, fmt.Errorf("%w: %s has %d candles, need %d", domain.ErrInstrumentFetch, instrument, len(candles), s.cfg.EmaSlow)
	}

	price, err := s.venue.MidPrice(ctx, instrument)
	if err != nil {
		return nil, fmt.Errorf("%w: mid for %s: %v", domain.ErrInstrumentFetch, instrument, err)
	}

	// Funding enriches the cost picture but is not worth losing the whole
	// instrument over.
	funding, err := s.venue.FundingRate(ctx, instrument)
	if err != nil {
		s.logger.Warn("Funding rate unavailable",
			zap.String("instrument", instrument),
			zap.Error(err))
		funding = 0
	}

	closes := lo.Map(candles, func(c domain.Candle, _ int) float64 { return c.Close })
	highs := lo.Map(candles, func(c domain.Candle, _ int) float64 { return c.High })
	lows := lo.Map(candles, func(c domain.Candle, _ int) float64 { return c.Low })

	emaFast := indicator.Ema(s.cfg.EmaFast, closes)
	emaSlow := indicator.Ema(s.cfg.EmaSlow, closes)
	macd, signal := indicator.Macd(closes)
	_, rsi := indicator.RsiPeriod(s.cfg.RsiPeriod, closes)
	_, atr := indicator.Atr(s.cfg.AtrPeriod, highs, lows, closes)
	bbMiddle, bbUpper, bbLower := indicator.BollingerBands(closes)

	hist := make([]float64, len(macd))
	for i := range macd {
		hist[i] = macd[i] - signal[i]
	}

	mc := &domain.MarketContext{
		Symbol:       instrument,
		CurrentPrice: price,
		Candles:      lo.Subset(candles, -contextCandles, uint(contextCandles)),
		Indicators: domain.IndicatorBlock{
			EmaFast:    lo.LastOrEmpty(emaFast),
			EmaSlow:    lo.LastOrEmpty(emaSlow),
			Rsi:        lo.LastOrEmpty(rsi),
			Macd:       lo.LastOrEmpty(macd),
			MacdSignal: lo.LastOrEmpty(signal),
			MacdHist:   lo.LastOrEmpty(hist),
			Atr:        lo.LastOrEmpty(atr),
			BbUpper:    lo.LastOrEmpty(bbUpper),
			BbMiddle:   lo.LastOrEmpty(bbMiddle),
			BbLower:    lo.LastOrEmpty(bbLower),
		},
		Divergences: s.detector.Detect(candles, rsi, hist),
		FundingRate: funding,
		// Cost magnitude: whether funding is paid or received depends on the
		// position side, which the context does not know.
		HoldingCost24: math.Abs(funding) * 24,
		Timestamp:     s.timeNow().UnixMilli(),
	}
	return mc, nil
}

// GetMacroSnapshot condenses a higher timeframe into a trend summary. It is
// optional enrichment; callers decide whether a failure matters.
func (s *MarketService) GetMacroSnapshot(ctx context.Context, instrument string) (*domain.MacroSnapshot, error) {
	candles, err := s.venue.Candles(ctx, instrument, s.cfg.MacroInterval, s.cfg.MacroLimit)
	if err != nil {
		return nil, fmt.Errorf("%w: macro candles for %s: %v", domain.ErrInstrumentFetch, instrument, err)
	}
	if len(candles) < s.cfg.EmaSlow {
		return nil, fmt.Errorf("%w: %s has %d macro candles, need %d", domain.ErrInstrumentFetch, instrument, len(candles), s.cfg.EmaSlow)
	}

	closes := lo.Map(candles, func(c domain.Candle, _ int) float64 { return c.Close })
	emaFast := lo.LastOrEmpty(indicator.Ema(s.cfg.EmaFast, closes))
	emaSlow := lo.LastOrEmpty(indicator.Ema(s.cfg.EmaSlow, closes))
	_, rsi := indicator.RsiPeriod(s.cfg.RsiPeriod, closes)

	trend := "flat"
	switch {
	case emaFast > emaSlow*1.001:
		trend = "up"
	case emaFast < emaSlow*0.999:
		trend = "down"
	}

	return &domain.MacroSnapshot{
		Interval: s.cfg.MacroInterval,
		EmaFast:  emaFast,
		EmaSlow:  emaSlow,
		Rsi:      lo.LastOrEmpty(rsi),
		Trend:    trend,
	}, nil
}
