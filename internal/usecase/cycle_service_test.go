package usecase_test

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/vitos/crypto_dealer/internal/domain"
	"github.com/vitos/crypto_dealer/internal/usecase"
	"go.uber.org/zap"
)

type cycleFixture struct {
	fetcher  *stubFetcher
	analyzer *stubAnalyzer
	executor *stubExecutor
	reporter *stubReporter
	service  *usecase.CycleService
}

func newCycleFixture(cfg domain.CycleConfig, state *domain.AccountState, settings domain.UserSettings) *cycleFixture {
	if state == nil {
		state = &domain.AccountState{AccountValue: 1000, Withdrawable: 1000}
	}
	venue := &stubVenue{
		accountFn: func(ctx context.Context) (*domain.AccountState, error) { return state, nil },
	}
	engine := usecase.NewDecisionEngine()
	portfolio := usecase.NewPortfolioService(venue, engine, settings, testFees(), zap.NewNop())

	f := &cycleFixture{
		fetcher:  &stubFetcher{},
		analyzer: &stubAnalyzer{},
		executor: &stubExecutor{},
		reporter: &stubReporter{},
	}
	f.service = usecase.NewCycleService(f.fetcher, f.analyzer, f.executor, portfolio, engine,
		f.reporter, cfg, "test directive", zap.NewNop())
	return f
}

func defaultCycleConfig() domain.CycleConfig {
	return domain.CycleConfig{
		MaxTradesPerCycle:   10,
		ChunkSize:           3,
		ConfidenceThreshold: 0.6,
	}
}

// buyAll proposes a high-confidence buy for every context in the batch.
func buyAll(conf float64) func(req *domain.BatchRequest) (*domain.BatchAnalysis, error) {
	return func(req *domain.BatchRequest) (*domain.BatchAnalysis, error) {
		var ds []domain.Decision
		for _, mc := range req.Contexts {
			ds = append(ds, domain.Decision{Instrument: mc.Symbol, Action: domain.ActionBuy, Confidence: conf})
		}
		return &domain.BatchAnalysis{Decisions: ds}, nil
	}
}

func executedInstruments(e *stubExecutor) []string {
	out := make([]string, 0, len(e.executed))
	for _, d := range e.executed {
		out = append(out, d.Instrument)
	}
	return out
}

func TestRunCycleChunksInOrder(t *testing.T) {
	f := newCycleFixture(defaultCycleConfig(), nil, testSettings())
	calls := 0
	f.analyzer.fn = func(req *domain.BatchRequest) (*domain.BatchAnalysis, error) {
		calls++
		return &domain.BatchAnalysis{Summary: fmt.Sprintf("batch %d", calls)}, nil
	}

	instruments := []string{"A", "B", "C", "D", "E", "F", "G"}
	result := f.service.RunCycle(context.Background(), instruments)

	if result.Phase != domain.PhaseDone || !result.Success {
		t.Fatalf("expected a successful cycle, got %+v", result)
	}
	wantBatches := [][]string{{"A", "B", "C"}, {"D", "E", "F"}, {"G"}}
	if !reflect.DeepEqual(f.analyzer.batches, wantBatches) {
		t.Errorf("batches = %v, want %v", f.analyzer.batches, wantBatches)
	}
	if !reflect.DeepEqual(f.fetcher.fetched, instruments) {
		t.Errorf("fetch order = %v, want %v", f.fetcher.fetched, instruments)
	}
	if result.Summary != "batch 3" {
		t.Errorf("summary = %q, want the last chunk's", result.Summary)
	}

	wantPhases := []domain.CyclePhase{
		domain.PhaseIdle,
		domain.PhaseFetching, domain.PhaseAnalyzing,
		domain.PhaseFetching, domain.PhaseAnalyzing,
		domain.PhaseFetching, domain.PhaseAnalyzing,
		domain.PhasePrioritizing, domain.PhaseExecuting, domain.PhaseDone,
	}
	if !reflect.DeepEqual(f.reporter.phases, wantPhases) {
		t.Errorf("phase sequence = %v, want %v", f.reporter.phases, wantPhases)
	}
}

func TestRunCycleEmptyWatchlist(t *testing.T) {
	f := newCycleFixture(defaultCycleConfig(), nil, testSettings())

	result := f.service.RunCycle(context.Background(), nil)

	if result.Phase != domain.PhaseDone || !result.Success {
		t.Fatalf("empty watchlist must still complete, got %+v", result)
	}
	if result.DecisionsCollected != 0 || result.TradesExecuted != 0 {
		t.Errorf("expected zero work, got %+v", result)
	}
	if len(f.analyzer.batches) != 0 {
		t.Errorf("analyzer should never run, saw %v", f.analyzer.batches)
	}
}

func TestRunCycleSkipsFailedInstrument(t *testing.T) {
	f := newCycleFixture(defaultCycleConfig(), nil, testSettings())
	f.fetcher.failing = map[string]bool{"B": true}
	f.analyzer.fn = buyAll(0.9)

	result := f.service.RunCycle(context.Background(), []string{"A", "B", "C"})

	if result.Phase != domain.PhaseDone || !result.Success {
		t.Fatalf("one bad instrument must not fail the cycle, got %+v", result)
	}
	wantBatches := [][]string{{"A", "C"}}
	if !reflect.DeepEqual(f.analyzer.batches, wantBatches) {
		t.Errorf("batches = %v, want %v", f.analyzer.batches, wantBatches)
	}
	if result.DecisionsCollected != 2 {
		t.Errorf("decisions collected = %d, want 2", result.DecisionsCollected)
	}
	if got := executedInstruments(f.executor); !reflect.DeepEqual(got, []string{"A", "C"}) {
		t.Errorf("executed = %v, want [A C]", got)
	}
}

func TestRunCycleFiltersByConfidence(t *testing.T) {
	f := newCycleFixture(defaultCycleConfig(), nil, testSettings())
	f.analyzer.fn = func(req *domain.BatchRequest) (*domain.BatchAnalysis, error) {
		return &domain.BatchAnalysis{Decisions: []domain.Decision{
			{Instrument: "A", Action: domain.ActionHold, Confidence: 0.99},
			{Instrument: "B", Action: domain.ActionBuy, Confidence: 0.59},
			{Instrument: "C", Action: domain.ActionSell, Confidence: 0.6},
		}}, nil
	}

	result := f.service.RunCycle(context.Background(), []string{"A", "B", "C"})

	if result.DecisionsCollected != 1 {
		t.Fatalf("decisions collected = %d, want only the boundary SELL", result.DecisionsCollected)
	}
	if got := executedInstruments(f.executor); !reflect.DeepEqual(got, []string{"C"}) {
		t.Errorf("executed = %v, want [C]", got)
	}
}

func TestRunCycleAbortsBetweenChunks(t *testing.T) {
	f := newCycleFixture(defaultCycleConfig(), nil, testSettings())
	ctx, cancel := context.WithCancel(context.Background())
	f.analyzer.fn = func(req *domain.BatchRequest) (*domain.BatchAnalysis, error) {
		cancel()
		return &domain.BatchAnalysis{Decisions: []domain.Decision{
			{Instrument: "A", Action: domain.ActionBuy, Confidence: 0.9},
		}}, nil
	}

	result := f.service.RunCycle(ctx, []string{"A", "B", "C", "D", "E", "F"})

	if result.Phase != domain.PhaseAborted || result.Success {
		t.Fatalf("expected an aborted cycle, got %+v", result)
	}
	if !errors.Is(result.Err, domain.ErrCycleAborted) {
		t.Errorf("expected ErrCycleAborted, got %v", result.Err)
	}
	if !reflect.DeepEqual(f.fetcher.fetched, []string{"A", "B", "C"}) {
		t.Errorf("second chunk must never be fetched, saw %v", f.fetcher.fetched)
	}
	if len(f.executor.executed) != 0 || result.TradesExecuted != 0 {
		t.Errorf("no side effects after cancellation, executed %v", f.executor.executed)
	}
	if result.DecisionsCollected != 1 {
		t.Errorf("partial progress must be reported, collected = %d", result.DecisionsCollected)
	}
}

func TestRunCycleAbortsBeforeExecution(t *testing.T) {
	f := newCycleFixture(defaultCycleConfig(), nil, testSettings())
	ctx, cancel := context.WithCancel(context.Background())
	f.analyzer.fn = func(req *domain.BatchRequest) (*domain.BatchAnalysis, error) {
		cancel()
		return buyAll(0.9)(req)
	}

	result := f.service.RunCycle(ctx, []string{"A", "B", "C"})

	if result.Phase != domain.PhaseAborted {
		t.Fatalf("expected abort at the execution checkpoint, got %+v", result)
	}
	if len(f.executor.executed) != 0 {
		t.Errorf("executor must never run after cancellation, saw %v", f.executor.executed)
	}
	last := f.reporter.phases[len(f.reporter.phases)-1]
	if last != domain.PhaseAborted {
		t.Errorf("final reported phase = %s, want aborted", last)
	}
}

func TestRunCycleTradeCapWithCloseBypass(t *testing.T) {
	cfg := defaultCycleConfig()
	cfg.MaxTradesPerCycle = 1
	cfg.ConfidenceThreshold = 0.1
	f := newCycleFixture(cfg, nil, testSettings())
	f.analyzer.fn = func(req *domain.BatchRequest) (*domain.BatchAnalysis, error) {
		return &domain.BatchAnalysis{Decisions: []domain.Decision{
			{Instrument: "A", Action: domain.ActionBuy, Confidence: 0.9},
			{Instrument: "B", Action: domain.ActionBuy, Confidence: 0.8},
			// Priority 0.2+0.5 ranks below both buys, so the cap is already
			// spent when this close comes up.
			{Instrument: "C", Action: domain.ActionClose, Confidence: 0.2},
		}}, nil
	}

	result := f.service.RunCycle(context.Background(), []string{"A", "B", "C"})

	if got := executedInstruments(f.executor); !reflect.DeepEqual(got, []string{"A", "C"}) {
		t.Errorf("executed = %v, want the capped [A C]", got)
	}
	if result.TradesExecuted != 2 {
		t.Errorf("trades executed = %d, want 2", result.TradesExecuted)
	}
}

func TestRunCycleCloseOutranksHigherConfidenceBuy(t *testing.T) {
	f := newCycleFixture(defaultCycleConfig(), nil, testSettings())
	f.analyzer.fn = func(req *domain.BatchRequest) (*domain.BatchAnalysis, error) {
		return &domain.BatchAnalysis{Decisions: []domain.Decision{
			{Instrument: "A", Action: domain.ActionBuy, Confidence: 0.9},
			{Instrument: "C", Action: domain.ActionClose, Confidence: 0.6},
		}}, nil
	}

	f.service.RunCycle(context.Background(), []string{"A", "C"})

	if got := executedInstruments(f.executor); !reflect.DeepEqual(got, []string{"C", "A"}) {
		t.Errorf("executed order = %v, want close first", got)
	}
}

func TestRunCyclePositionLimitBlocksNewOpens(t *testing.T) {
	settings := testSettings()
	settings.MaxPositions = 1
	state := &domain.AccountState{
		AccountValue: 1000,
		Withdrawable: 1000,
		Positions:    []domain.Position{{Symbol: "ETH", Side: domain.SideLong, Size: 1, EntryPrice: 100}},
	}
	f := newCycleFixture(defaultCycleConfig(), state, settings)
	f.analyzer.fn = func(req *domain.BatchRequest) (*domain.BatchAnalysis, error) {
		return &domain.BatchAnalysis{Decisions: []domain.Decision{
			{Instrument: "BTC", Action: domain.ActionBuy, Confidence: 0.9},
			{Instrument: "ETH", Action: domain.ActionBuy, Confidence: 0.8},
		}}, nil
	}

	result := f.service.RunCycle(context.Background(), []string{"BTC", "ETH"})

	// BTC would be a second position; ETH only modifies an existing one.
	if got := executedInstruments(f.executor); !reflect.DeepEqual(got, []string{"ETH"}) {
		t.Errorf("executed = %v, want [ETH]", got)
	}
	if result.TradesExecuted != 1 {
		t.Errorf("trades executed = %d, want 1", result.TradesExecuted)
	}
}

func TestRunCycleCountsOwnOpensAgainstLimit(t *testing.T) {
	settings := testSettings()
	settings.MaxPositions = 2
	state := &domain.AccountState{
		AccountValue: 1000,
		Withdrawable: 1000,
		Positions:    []domain.Position{{Symbol: "X", Side: domain.SideLong, Size: 1, EntryPrice: 100}},
	}
	f := newCycleFixture(defaultCycleConfig(), state, settings)
	f.analyzer.fn = buyAll(0.9)

	f.service.RunCycle(context.Background(), []string{"A", "B"})

	// The A open fills the second slot, so B has nowhere to go even though
	// the snapshot alone would have allowed it.
	if got := executedInstruments(f.executor); !reflect.DeepEqual(got, []string{"A"}) {
		t.Errorf("executed = %v, want [A]", got)
	}
}

func TestRunCycleSnapshotFailureFailsCycle(t *testing.T) {
	venue := &stubVenue{
		accountFn: func(ctx context.Context) (*domain.AccountState, error) {
			return nil, errors.New("clearinghouse timeout")
		},
	}
	engine := usecase.NewDecisionEngine()
	portfolio := usecase.NewPortfolioService(venue, engine, testSettings(), testFees(), zap.NewNop())
	fetcher := &stubFetcher{}
	analyzer := &stubAnalyzer{}
	reporter := &stubReporter{}
	service := usecase.NewCycleService(fetcher, analyzer, &stubExecutor{}, portfolio, engine,
		reporter, defaultCycleConfig(), "", zap.NewNop())

	result := service.RunCycle(context.Background(), []string{"A", "B"})

	if result.Phase != domain.PhaseFailed || result.Success {
		t.Fatalf("expected a failed cycle, got %+v", result)
	}
	if result.Err == nil {
		t.Error("failed cycle must carry its error")
	}
	if len(fetcher.fetched) != 0 || len(analyzer.batches) != 0 {
		t.Error("nothing may run without a portfolio snapshot")
	}
	if reporter.phases[len(reporter.phases)-1] != domain.PhaseFailed {
		t.Errorf("final reported phase = %s, want failed", reporter.phases[len(reporter.phases)-1])
	}
}

func TestRunCycleAnalyzerFailureContained(t *testing.T) {
	f := newCycleFixture(defaultCycleConfig(), nil, testSettings())
	calls := 0
	f.analyzer.fn = func(req *domain.BatchRequest) (*domain.BatchAnalysis, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("model overloaded")
		}
		return &domain.BatchAnalysis{
			Decisions: []domain.Decision{{Instrument: "E", Action: domain.ActionBuy, Confidence: 0.9}},
			Summary:   "second batch",
		}, nil
	}

	result := f.service.RunCycle(context.Background(), []string{"A", "B", "C", "D", "E", "F"})

	if result.Phase != domain.PhaseDone || !result.Success {
		t.Fatalf("analyzer failure must be contained, got %+v", result)
	}
	if result.DecisionsCollected != 1 {
		t.Errorf("decisions collected = %d, want 1 from the surviving batch", result.DecisionsCollected)
	}
	if got := executedInstruments(f.executor); !reflect.DeepEqual(got, []string{"E"}) {
		t.Errorf("executed = %v, want [E]", got)
	}
	if result.Summary != "second batch" {
		t.Errorf("summary = %q", result.Summary)
	}
}

func TestRunCycleExecutorNoopNotCounted(t *testing.T) {
	f := newCycleFixture(defaultCycleConfig(), nil, testSettings())
	f.analyzer.fn = buyAll(0.9)
	f.executor.fn = func(d domain.Decision) (bool, error) { return false, nil }

	result := f.service.RunCycle(context.Background(), []string{"A"})

	if result.Phase != domain.PhaseDone || !result.Success {
		t.Fatalf("a no-op execution must not fail the cycle, got %+v", result)
	}
	if len(f.executor.executed) != 1 {
		t.Errorf("executor calls = %d, want 1", len(f.executor.executed))
	}
	if result.TradesExecuted != 0 {
		t.Errorf("trades executed = %d, want 0 for a no-op", result.TradesExecuted)
	}
}

func TestRunCycleExecutorErrorContained(t *testing.T) {
	f := newCycleFixture(defaultCycleConfig(), nil, testSettings())
	f.analyzer.fn = func(req *domain.BatchRequest) (*domain.BatchAnalysis, error) {
		return &domain.BatchAnalysis{Decisions: []domain.Decision{
			{Instrument: "A", Action: domain.ActionBuy, Confidence: 0.9},
			{Instrument: "B", Action: domain.ActionBuy, Confidence: 0.8},
		}}, nil
	}
	f.executor.fn = func(d domain.Decision) (bool, error) {
		if d.Instrument == "A" {
			return false, fmt.Errorf("%w: bad tick size", domain.ErrVenueRejected)
		}
		return true, nil
	}

	result := f.service.RunCycle(context.Background(), []string{"A", "B"})

	if result.Phase != domain.PhaseDone || !result.Success {
		t.Fatalf("a rejected order must not fail the cycle, got %+v", result)
	}
	if result.TradesExecuted != 1 {
		t.Errorf("trades executed = %d, want 1", result.TradesExecuted)
	}
}

func TestRunCycleMacroEnrichment(t *testing.T) {
	cfg := defaultCycleConfig()
	cfg.MacroEnabled = true
	f := newCycleFixture(cfg, nil, testSettings())
	f.fetcher.macroFn = func(instrument string) (*domain.MacroSnapshot, error) {
		return &domain.MacroSnapshot{Interval: "4h", Trend: "up"}, nil
	}
	var seen []*domain.MarketContext
	f.analyzer.fn = func(req *domain.BatchRequest) (*domain.BatchAnalysis, error) {
		seen = req.Contexts
		return &domain.BatchAnalysis{}, nil
	}

	f.service.RunCycle(context.Background(), []string{"A", "B"})

	if !reflect.DeepEqual(f.fetcher.macroCalls, []string{"A", "B"}) {
		t.Errorf("macro calls = %v", f.fetcher.macroCalls)
	}
	for _, mc := range seen {
		if mc.Macro == nil || mc.Macro.Trend != "up" {
			t.Errorf("context %s missing macro enrichment: %+v", mc.Symbol, mc.Macro)
		}
	}
}

func TestRunCycleMacroFailureTolerated(t *testing.T) {
	cfg := defaultCycleConfig()
	cfg.MacroEnabled = true
	f := newCycleFixture(cfg, nil, testSettings())
	f.fetcher.macroFn = func(instrument string) (*domain.MacroSnapshot, error) {
		return nil, errors.New("timeout")
	}
	var seen []*domain.MarketContext
	f.analyzer.fn = func(req *domain.BatchRequest) (*domain.BatchAnalysis, error) {
		seen = req.Contexts
		return &domain.BatchAnalysis{}, nil
	}

	result := f.service.RunCycle(context.Background(), []string{"A"})

	if result.Phase != domain.PhaseDone {
		t.Fatalf("macro failure must not lose the instrument, got %+v", result)
	}
	if len(seen) != 1 || seen[0].Macro != nil {
		t.Errorf("expected the bare context to survive, got %+v", seen)
	}
}

func TestRunCycleInjectsPositionSummary(t *testing.T) {
	state := &domain.AccountState{
		AccountValue: 1000,
		Withdrawable: 1000,
		Positions:    []domain.Position{{Symbol: "ETH", Side: domain.SideLong, Size: 2, EntryPrice: 100}},
	}
	f := newCycleFixture(defaultCycleConfig(), state, testSettings())
	base := &domain.MarketContext{Symbol: "ETH", CurrentPrice: 110, FundingRate: 0.0000125}
	f.fetcher.contexts = map[string]*domain.MarketContext{"ETH": base}
	var seen []*domain.MarketContext
	f.analyzer.fn = func(req *domain.BatchRequest) (*domain.BatchAnalysis, error) {
		seen = req.Contexts
		return &domain.BatchAnalysis{}, nil
	}

	f.service.RunCycle(context.Background(), []string{"BTC", "ETH"})

	if len(seen) != 2 {
		t.Fatalf("expected both contexts analyzed, got %d", len(seen))
	}
	if seen[0].Position != nil {
		t.Errorf("BTC has no position, yet summary = %+v", seen[0].Position)
	}
	eth := seen[1]
	if eth.Position == nil {
		t.Fatal("ETH context missing its position summary")
	}
	if eth.Position.Side != domain.SideLong || eth.Position.Size != 2 {
		t.Errorf("position summary wrong: %+v", eth.Position)
	}
	if !floatEquals(eth.Position.Breakeven, 100.1) {
		t.Errorf("breakeven = %f, want 100.1", eth.Position.Breakeven)
	}
	// Enrichment must copy, never mutate the fetched context.
	if base.Position != nil {
		t.Error("original context was mutated by position injection")
	}
}

func TestRunCycleDropsDecisionOutsideBatch(t *testing.T) {
	f := newCycleFixture(defaultCycleConfig(), nil, testSettings())
	f.analyzer.fn = func(req *domain.BatchRequest) (*domain.BatchAnalysis, error) {
		return &domain.BatchAnalysis{Decisions: []domain.Decision{
			{Instrument: "XYZ", Action: domain.ActionBuy, Confidence: 0.95},
		}}, nil
	}

	result := f.service.RunCycle(context.Background(), []string{"A"})

	if result.DecisionsCollected != 0 {
		t.Errorf("invented instrument must be dropped, collected = %d", result.DecisionsCollected)
	}
	if len(f.executor.executed) != 0 {
		t.Errorf("nothing should execute, saw %v", f.executor.executed)
	}
}

func TestRunCycleTimingBreakdown(t *testing.T) {
	cfg := defaultCycleConfig()
	cfg.FetchDelay = 2 * time.Millisecond
	f := newCycleFixture(cfg, nil, testSettings())
	f.analyzer.fn = func(req *domain.BatchRequest) (*domain.BatchAnalysis, error) {
		time.Sleep(2 * time.Millisecond)
		return buyAll(0.9)(req)
	}
	f.executor.fn = func(d domain.Decision) (bool, error) {
		time.Sleep(2 * time.Millisecond)
		return true, nil
	}

	result := f.service.RunCycle(context.Background(), []string{"A", "B", "C"})

	// Two inter-fetch delays land in the fetch phase.
	if result.Timing.FetchMs < 4 {
		t.Errorf("fetch ms = %d, want at least 4", result.Timing.FetchMs)
	}
	if result.Timing.AnalysisMs < 2 {
		t.Errorf("analysis ms = %d, want at least 2", result.Timing.AnalysisMs)
	}
	if result.Timing.ExecutionMs < 6 {
		t.Errorf("execution ms = %d, want at least 6", result.Timing.ExecutionMs)
	}
}
