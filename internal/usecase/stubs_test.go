package usecase_test

import (
	"context"
	"fmt"
	"math"

	"github.com/vitos/crypto_dealer/internal/domain"
)

const epsilon = 0.000001

func floatEquals(a, b float64) bool {
	return math.Abs(a-b) < epsilon
}

func testSettings() domain.UserSettings {
	return domain.UserSettings{
		MaxPositions:      5,
		MaxLeverage:       10,
		DefaultLeverage:   3,
		StopLossEnabled:   true,
		StopLossPct:       0.05,
		TakeProfitEnabled: true,
		TakeProfitPct:     0.10,
	}
}

func testFees() domain.FeeSchedule {
	return domain.FeeSchedule{TakerRate: 0.00045, MakerRate: 0.00015, FundingHoldingHours: 8}
}

// stubVenue implements domain.Venue with per-method hooks. Nil hooks return
// benign defaults so each test wires only what it exercises.
type stubVenue struct {
	metaFn      func(ctx context.Context, coin string) (*domain.InstrumentMeta, error)
	midFn       func(ctx context.Context, coin string) (float64, error)
	candlesFn   func(ctx context.Context, coin, interval string, limit int) ([]domain.Candle, error)
	fundingFn   func(ctx context.Context, coin string) (float64, error)
	accountFn   func(ctx context.Context) (*domain.AccountState, error)
	placeFn     func(ctx context.Context, req *domain.OrderRequest) (*domain.OrderResult, error)
	updateLevFn func(ctx context.Context, coin string, leverage int, cross bool) error
	cancelFn    func(ctx context.Context, coin string, orderID int64) error
}

func (v *stubVenue) InstrumentMeta(ctx context.Context, coin string) (*domain.InstrumentMeta, error) {
	if v.metaFn != nil {
		return v.metaFn(ctx, coin)
	}
	return &domain.InstrumentMeta{Name: coin, SzDecimals: 3, MaxLeverage: 50}, nil
}

func (v *stubVenue) MidPrice(ctx context.Context, coin string) (float64, error) {
	if v.midFn != nil {
		return v.midFn(ctx, coin)
	}
	return 100, nil
}

func (v *stubVenue) Candles(ctx context.Context, coin, interval string, limit int) ([]domain.Candle, error) {
	if v.candlesFn != nil {
		return v.candlesFn(ctx, coin, interval, limit)
	}
	return nil, nil
}

func (v *stubVenue) FundingRate(ctx context.Context, coin string) (float64, error) {
	if v.fundingFn != nil {
		return v.fundingFn(ctx, coin)
	}
	return 0, nil
}

func (v *stubVenue) AccountState(ctx context.Context) (*domain.AccountState, error) {
	if v.accountFn != nil {
		return v.accountFn(ctx)
	}
	return &domain.AccountState{}, nil
}

func (v *stubVenue) PlaceOrder(ctx context.Context, req *domain.OrderRequest) (*domain.OrderResult, error) {
	if v.placeFn != nil {
		return v.placeFn(ctx, req)
	}
	return &domain.OrderResult{OrderID: 1, Status: "resting"}, nil
}

func (v *stubVenue) UpdateLeverage(ctx context.Context, coin string, leverage int, cross bool) error {
	if v.updateLevFn != nil {
		return v.updateLevFn(ctx, coin, leverage, cross)
	}
	return nil
}

func (v *stubVenue) CancelOrder(ctx context.Context, coin string, orderID int64) error {
	if v.cancelFn != nil {
		return v.cancelFn(ctx, coin, orderID)
	}
	return nil
}

// stubFetcher serves canned market contexts and records fetch order.
type stubFetcher struct {
	contexts   map[string]*domain.MarketContext
	failing    map[string]bool
	macroFn    func(instrument string) (*domain.MacroSnapshot, error)
	fetched    []string
	macroCalls []string
}

func (f *stubFetcher) GetMarketContext(ctx context.Context, instrument string) (*domain.MarketContext, error) {
	f.fetched = append(f.fetched, instrument)
	if f.failing[instrument] {
		return nil, fmt.Errorf("%w: %s unavailable", domain.ErrInstrumentFetch, instrument)
	}
	if mc, ok := f.contexts[instrument]; ok {
		return mc, nil
	}
	return &domain.MarketContext{Symbol: instrument, CurrentPrice: 100}, nil
}

func (f *stubFetcher) GetMacroSnapshot(ctx context.Context, instrument string) (*domain.MacroSnapshot, error) {
	f.macroCalls = append(f.macroCalls, instrument)
	if f.macroFn != nil {
		return f.macroFn(instrument)
	}
	return &domain.MacroSnapshot{Interval: "4h", Trend: "flat"}, nil
}

// stubAnalyzer records the symbols of every batch it sees.
type stubAnalyzer struct {
	fn      func(req *domain.BatchRequest) (*domain.BatchAnalysis, error)
	batches [][]string
}

func (a *stubAnalyzer) AnalyzeBatch(ctx context.Context, req *domain.BatchRequest) (*domain.BatchAnalysis, error) {
	symbols := make([]string, 0, len(req.Contexts))
	for _, mc := range req.Contexts {
		symbols = append(symbols, mc.Symbol)
	}
	a.batches = append(a.batches, symbols)
	if a.fn != nil {
		return a.fn(req)
	}
	return &domain.BatchAnalysis{}, nil
}

// stubExecutor records every decision it is asked to execute.
type stubExecutor struct {
	fn       func(d domain.Decision) (bool, error)
	executed []domain.Decision
}

func (e *stubExecutor) Execute(ctx context.Context, d domain.Decision, mc *domain.MarketContext, pc *domain.PortfolioContext) (bool, error) {
	e.executed = append(e.executed, d)
	if e.fn != nil {
		return e.fn(d)
	}
	return true, nil
}

type stubReporter struct {
	phases []domain.CyclePhase
}

func (r *stubReporter) UpdateStatus(phase domain.CyclePhase, message, detail string) {
	r.phases = append(r.phases, phase)
}
