package usecase

import (
	"context"
	"fmt"
	"time"

	"github.com/samber/lo"
	"github.com/vitos/crypto_dealer/internal/domain"
	"go.uber.org/zap"
)

// CycleService runs one complete trading cycle: chunked context fetching,
// batch analysis, global prioritization and bounded execution. Phases run
// strictly sequentially; the venue scheduler's FIFO queue stays meaningful
// because nothing here fans out.
//
// Cancellation is cooperative. The context is polled at the start of each
// chunk, before each instrument fetch and before each execution; once it
// fires, no further side effects are attempted.
type CycleService struct {
	fetcher   domain.Fetcher
	analyzer  domain.Analyzer
	executor  domain.Executor
	portfolio *PortfolioService
	engine    *DecisionEngine
	reporter  domain.StatusReporter
	cfg       domain.CycleConfig
	directive string
	logger    *zap.Logger
	timeNow   func() time.Time // For testing
}

func NewCycleService(
	fetcher domain.Fetcher,
	analyzer domain.Analyzer,
	executor domain.Executor,
	portfolio *PortfolioService,
	engine *DecisionEngine,
	reporter domain.StatusReporter,
	cfg domain.CycleConfig,
	directive string,
	logger *zap.Logger,
) *CycleService {
	return &CycleService{
		fetcher:   fetcher,
		analyzer:  analyzer,
		executor:  executor,
		portfolio: portfolio,
		engine:    engine,
		reporter:  reporter,
		cfg:       cfg,
		directive: directive,
		logger:    logger,
		timeNow:   time.Now,
	}
}

// RunCycle always returns a CycleResult, whatever happened inside: partial
// failures are contained per instrument and per decision, and only the
// inability to take the portfolio snapshot fails the cycle outright.
func (s *CycleService) RunCycle(ctx context.Context, instruments []string) *domain.CycleResult {
	started := s.timeNow()
	result := &domain.CycleResult{Phase: domain.PhaseIdle}
	s.reporter.UpdateStatus(domain.PhaseIdle, "cycle starting", fmt.Sprintf("%d instruments", len(instruments)))

	// One snapshot per cycle. Executions later in the cycle deliberately see
	// this same state rather than re-fetched balances.
	pc, err := s.portfolio.Snapshot(ctx)
	if err != nil {
		return s.failed(result, fmt.Errorf("portfolio snapshot: %w", err))
	}

	var decisions []domain.Decision
	contexts := make(map[string]*domain.MarketContext)

	chunks := lo.Chunk(instruments, s.cfg.ChunkSize)
	for ci, chunk := range chunks {
		if ctx.Err() != nil {
			return s.aborted(result)
		}
		label := fmt.Sprintf("chunk %d/%d", ci+1, len(chunks))

		result.Phase = domain.PhaseFetching
		s.reporter.UpdateStatus(domain.PhaseFetching, "fetching market contexts", label)

		fetchStart := s.timeNow()
		batch := make([]*domain.MarketContext, 0, len(chunk))
		for fi, instrument := range chunk {
			if ctx.Err() != nil {
				result.Timing.FetchMs += s.timeNow().Sub(fetchStart).Milliseconds()
				return s.aborted(result)
			}
			if fi > 0 && s.cfg.FetchDelay > 0 {
				if waitFor(ctx, s.cfg.FetchDelay) != nil {
					result.Timing.FetchMs += s.timeNow().Sub(fetchStart).Milliseconds()
					return s.aborted(result)
				}
			}

			mc, err := s.fetchContext(ctx, instrument, pc)
			if err != nil {
				// One bad instrument never takes the cycle down.
				s.logger.Warn("Skipping instrument this cycle",
					zap.String("instrument", instrument),
					zap.Error(err))
				continue
			}
			batch = append(batch, mc)
			contexts[instrument] = mc
		}
		result.Timing.FetchMs += s.timeNow().Sub(fetchStart).Milliseconds()

		if len(batch) > 0 {
			result.Phase = domain.PhaseAnalyzing
			s.reporter.UpdateStatus(domain.PhaseAnalyzing, "analyzing batch", label)

			analysisStart := s.timeNow()
			analysis, err := s.analyzer.AnalyzeBatch(ctx, &domain.BatchRequest{
				Contexts:  batch,
				Portfolio: pc,
				Directive: s.directive,
			})
			result.Timing.AnalysisMs += s.timeNow().Sub(analysisStart).Milliseconds()

			if err != nil {
				// A failed batch contributes no decisions; the cycle moves on.
				s.logger.Error("Batch analysis failed",
					zap.String("chunk", label),
					zap.Error(err))
			} else {
				kept := s.engine.FilterByConfidence(analysis.Decisions, s.cfg.ConfidenceThreshold)
				decisions = append(decisions, s.pairWithContexts(kept, batch)...)
				result.DecisionsCollected = len(decisions)
				result.Summary = analysis.Summary
				s.logger.Info("Batch analyzed",
					zap.String("chunk", label),
					zap.Int("proposed", len(analysis.Decisions)),
					zap.Int("kept", len(kept)))
			}
		}

		if ci < len(chunks)-1 && s.cfg.ChunkDelay > 0 {
			if waitFor(ctx, s.cfg.ChunkDelay) != nil {
				return s.aborted(result)
			}
		}
	}
	result.DecisionsCollected = len(decisions)

	result.Phase = domain.PhasePrioritizing
	s.reporter.UpdateStatus(domain.PhasePrioritizing, "prioritizing decisions", fmt.Sprintf("%d collected", len(decisions)))
	ordered := s.engine.Prioritize(decisions)

	result.Phase = domain.PhaseExecuting
	s.reporter.UpdateStatus(domain.PhaseExecuting, "executing decisions", "")

	execStart := s.timeNow()
	opened := make(map[string]bool)
	for _, d := range ordered {
		if ctx.Err() != nil {
			result.Timing.ExecutionMs += s.timeNow().Sub(execStart).Milliseconds()
			return s.aborted(result)
		}

		// Closes bypass the per-cycle trade cap: shedding risk is always
		// allowed.
		if result.TradesExecuted >= s.cfg.MaxTradesPerCycle && d.Action != domain.ActionClose {
			s.logger.Info("Trade cap reached, skipping",
				zap.String("instrument", d.Instrument),
				zap.String("action", string(d.Action)))
			continue
		}

		mc := contexts[d.Instrument]
		if mc == nil {
			s.logger.Warn("Decision without market context dropped",
				zap.String("instrument", d.Instrument))
			continue
		}

		if d.Action == domain.ActionBuy || d.Action == domain.ActionSell {
			if !s.engine.CanOpenPosition(d.Instrument, s.effectivePositions(pc, opened), pc.Settings.MaxPositions) {
				s.logger.Info("Position limit reached, skipping open",
					zap.String("instrument", d.Instrument))
				continue
			}
		}

		submitted, err := s.executor.Execute(ctx, d, mc, pc)
		if err != nil {
			// Contained: one rejected order must not hide the rest of the
			// cycle's outcome.
			s.logger.Error("Execution failed",
				zap.String("instrument", d.Instrument),
				zap.String("action", string(d.Action)),
				zap.Error(err))
			continue
		}
		if submitted {
			result.TradesExecuted++
			if d.Action == domain.ActionBuy || d.Action == domain.ActionSell {
				opened[d.Instrument] = true
			}
		}
	}
	result.Timing.ExecutionMs += s.timeNow().Sub(execStart).Milliseconds()

	result.Phase = domain.PhaseDone
	result.Success = true
	s.reporter.UpdateStatus(domain.PhaseDone, "cycle complete",
		fmt.Sprintf("%d decisions, %d trades in %s", result.DecisionsCollected, result.TradesExecuted, s.timeNow().Sub(started).Round(time.Millisecond)))
	s.logger.Info("Cycle complete",
		zap.Int("decisions", result.DecisionsCollected),
		zap.Int("trades", result.TradesExecuted),
		zap.Int64("fetch_ms", result.Timing.FetchMs),
		zap.Int64("analysis_ms", result.Timing.AnalysisMs),
		zap.Int64("execution_ms", result.Timing.ExecutionMs))
	return result
}

// fetchContext builds one instrument's analyzer input. Enrichment never
// mutates the fetched context; both macro and position data go onto copies.
func (s *CycleService) fetchContext(ctx context.Context, instrument string, pc *domain.PortfolioContext) (*domain.MarketContext, error) {
	mc, err := s.fetcher.GetMarketContext(ctx, instrument)
	if err != nil {
		return nil, err
	}

	if s.cfg.MacroEnabled {
		macro, err := s.fetcher.GetMacroSnapshot(ctx, instrument)
		if err != nil {
			s.logger.Warn("Macro snapshot unavailable",
				zap.String("instrument", instrument),
				zap.Error(err))
		} else {
			enriched := *mc
			enriched.Macro = macro
			mc = &enriched
		}
	}

	if summary := s.portfolio.PositionSummaryFor(pc, instrument, mc.FundingRate); summary != nil {
		mc = mc.WithPosition(summary)
	}
	return mc, nil
}

// pairWithContexts keeps only decisions for instruments that were actually
// in the analyzed batch, dropping anything the analyzer invented.
func (s *CycleService) pairWithContexts(kept []domain.Decision, batch []*domain.MarketContext) []domain.Decision {
	inBatch := make(map[string]bool, len(batch))
	for _, mc := range batch {
		inBatch[mc.Symbol] = true
	}
	out := make([]domain.Decision, 0, len(kept))
	for _, d := range kept {
		if !inBatch[d.Instrument] {
			s.logger.Warn("Analyzer returned decision outside batch",
				zap.String("instrument", d.Instrument))
			continue
		}
		out = append(out, d)
	}
	return out
}

// effectivePositions is the start-of-cycle snapshot plus instruments this
// cycle has itself opened. The snapshot is never refreshed mid-cycle; the
// augmentation only stops the cycle from overshooting the position limit
// with its own trades.
func (s *CycleService) effectivePositions(pc *domain.PortfolioContext, opened map[string]bool) []domain.Position {
	if len(opened) == 0 {
		return pc.Positions
	}
	out := make([]domain.Position, 0, len(pc.Positions)+len(opened))
	out = append(out, pc.Positions...)
	for sym := range opened {
		if pc.FindPosition(sym) == nil {
			out = append(out, domain.Position{Symbol: sym})
		}
	}
	return out
}

func (s *CycleService) aborted(result *domain.CycleResult) *domain.CycleResult {
	result.Phase = domain.PhaseAborted
	result.Success = false
	result.Err = domain.ErrCycleAborted
	s.reporter.UpdateStatus(domain.PhaseAborted, "cycle aborted", "")
	s.logger.Info("Cycle aborted",
		zap.Int("decisions", result.DecisionsCollected),
		zap.Int("trades", result.TradesExecuted))
	return result
}

func (s *CycleService) failed(result *domain.CycleResult, err error) *domain.CycleResult {
	result.Phase = domain.PhaseFailed
	result.Success = false
	result.Err = err
	s.reporter.UpdateStatus(domain.PhaseFailed, "cycle failed", err.Error())
	s.logger.Error("Cycle failed", zap.Error(err))
	return result
}

func waitFor(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
