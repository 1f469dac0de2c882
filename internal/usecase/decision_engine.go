package usecase

import (
	"fmt"
	"sort"

	"github.com/vitos/crypto_dealer/internal/domain"
)

// MinOrderNotionalUSD is the venue's minimum order value. Intents that cap
// below it are dropped, never raised to the minimum.
const MinOrderNotionalUSD = 10.0

// Fraction of balance*leverage an order may actually use, leaving headroom
// for fees and the price moving between sizing and fill.
const affordableSizeFactor = 0.95

// DecisionEngine validates and orders analyzer decisions. It is pure: no
// I/O, no clock, no randomness, so identical inputs give identical outputs.
type DecisionEngine struct{}

func NewDecisionEngine() *DecisionEngine {
	return &DecisionEngine{}
}

// FilterByConfidence drops HOLD decisions unconditionally and everything
// below the threshold. The boundary is inclusive: confidence == threshold
// passes.
func (e *DecisionEngine) FilterByConfidence(decisions []domain.Decision, threshold float64) []domain.Decision {
	out := make([]domain.Decision, 0, len(decisions))
	for _, d := range decisions {
		if d.Action == domain.ActionHold {
			continue
		}
		if d.Confidence < threshold {
			continue
		}
		out = append(out, d)
	}
	return out
}

// Prioritize returns the decisions ordered by descending priority. The sort
// is stable, so equal priorities keep their collection order.
func (e *DecisionEngine) Prioritize(decisions []domain.Decision) []domain.Decision {
	out := make([]domain.Decision, len(decisions))
	copy(out, decisions)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Priority() > out[j].Priority()
	})
	return out
}

// CanOpenPosition always permits acting on an instrument that already has a
// position; a brand-new position needs a free slot under maxPositions.
func (e *DecisionEngine) CanOpenPosition(instrument string, positions []domain.Position, maxPositions int) bool {
	for i := range positions {
		if positions[i].Symbol == instrument {
			return true
		}
	}
	return len(positions) < maxPositions
}

// CapSize bounds a suggested order value in quote currency: first to the
// configured per-position maximum (when set), then to what the balance
// affords at the given leverage. A result below the venue minimum is
// rejected as a no-op.
func (e *DecisionEngine) CapSize(suggested, balance float64, leverage int, maxSize float64) (float64, error) {
	size := suggested
	if maxSize > 0 && size > maxSize {
		size = maxSize
	}
	affordable := balance * float64(leverage) * affordableSizeFactor
	if size > affordable {
		size = affordable
	}
	if size < MinOrderNotionalUSD {
		return 0, fmt.Errorf("%w: %.2f USD < %.0f USD", domain.ErrTooSmallOrder, size, MinOrderNotionalUSD)
	}
	return size, nil
}

// CapLeverage returns min(suggested, max) and whether the cap applied. The
// flag feeds logging only, never control flow.
func (e *DecisionEngine) CapLeverage(suggested, max int) (int, bool) {
	if suggested > max {
		return max, true
	}
	return suggested, false
}

// ComputeBreakeven is the price at which fees plus estimated funding over
// the expected holding time exactly offset the position's entry. Longs
// break even above entry, shorts below.
func (e *DecisionEngine) ComputeBreakeven(position *domain.Position, fees domain.FeeSchedule, fundingRate float64) float64 {
	direction := 1.0
	if position.Side == domain.SideShort {
		direction = -1.0
	}
	// Entry and exit both cross the spread, so both legs pay taker.
	costRate := fees.TakerRate + fees.TakerRate + fundingRate*fees.FundingHoldingHours
	return position.EntryPrice * (1 + direction*costRate)
}
