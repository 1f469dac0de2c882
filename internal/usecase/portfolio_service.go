package usecase

import (
	"context"

	"github.com/vitos/crypto_dealer/internal/domain"
	"go.uber.org/zap"
)

// PortfolioService captures the account snapshot a cycle runs against. The
// snapshot is taken once at cycle start and deliberately not refreshed
// mid-cycle, so every execution decision inside one cycle sees the same
// state.
type PortfolioService struct {
	venue    domain.Venue
	engine   *DecisionEngine
	settings domain.UserSettings
	fees     domain.FeeSchedule
	logger   *zap.Logger
}

func NewPortfolioService(venue domain.Venue, engine *DecisionEngine, settings domain.UserSettings, fees domain.FeeSchedule, logger *zap.Logger) *PortfolioService {
	return &PortfolioService{
		venue:    venue,
		engine:   engine,
		settings: settings,
		fees:     fees,
		logger:   logger,
	}
}

func (s *PortfolioService) Snapshot(ctx context.Context) (*domain.PortfolioContext, error) {
	state, err := s.venue.AccountState(ctx)
	if err != nil {
		return nil, err
	}

	pc := &domain.PortfolioContext{
		AccountValue: state.AccountValue,
		Withdrawable: state.Withdrawable,
		Positions:    state.Positions,
		Settings:     s.settings,
		Fees:         s.fees,
	}
	s.logger.Debug("Portfolio snapshot",
		zap.Float64("account_value", pc.AccountValue),
		zap.Float64("withdrawable", pc.Withdrawable),
		zap.Int("open_positions", pc.OpenPositionCount()))
	return pc, nil
}

// PositionSummaryFor builds the analyzer-facing view of an open position,
// including the breakeven estimate at the current funding rate. Returns nil
// when the instrument has no open position.
func (s *PortfolioService) PositionSummaryFor(pc *domain.PortfolioContext, instrument string, fundingRate float64) *domain.PositionSummary {
	pos := pc.FindPosition(instrument)
	if pos == nil {
		return nil
	}
	return &domain.PositionSummary{
		Side:          pos.Side,
		Size:          pos.Size,
		EntryPrice:    pos.EntryPrice,
		UnrealizedPnL: pos.UnrealizedPnL,
		Leverage:      pos.Leverage,
		LiquidationPx: pos.LiquidationPx,
		Breakeven:     s.engine.ComputeBreakeven(pos, pc.Fees, fundingRate),
	}
}
