package domain

type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// Position represents an open position on the venue.
type Position struct {
	Symbol        string
	Side          Side
	Size          float64 // base units, always positive
	EntryPrice    float64
	UnrealizedPnL float64
	Leverage      int
	LiquidationPx float64
	MarginUsed    float64
}

// UserSettings are the per-user risk knobs. They persist across cycles and
// are never mutated by the engine.
type UserSettings struct {
	MaxPositions       int
	MaxLeverage        int
	DefaultLeverage    int
	MaxPositionSizeUSD float64 // 0 = unlimited
	StopLossEnabled    bool
	StopLossPct        float64
	TakeProfitEnabled  bool
	TakeProfitPct      float64
}

// FeeSchedule carries the venue fee rates plus the holding-time assumption
// used when estimating funding paid over a position's life.
type FeeSchedule struct {
	TakerRate           float64
	MakerRate           float64
	FundingHoldingHours float64
}

// PortfolioContext is the read-only account snapshot captured once at cycle
// start. Execution decisions within the cycle are made against this snapshot,
// not against re-fetched live state.
type PortfolioContext struct {
	AccountValue float64
	Withdrawable float64
	Positions    []Position
	Settings     UserSettings
	Fees         FeeSchedule
}

// FindPosition returns the open position for symbol, or nil.
func (pc *PortfolioContext) FindPosition(symbol string) *Position {
	for i := range pc.Positions {
		if pc.Positions[i].Symbol == symbol {
			return &pc.Positions[i]
		}
	}
	return nil
}

func (pc *PortfolioContext) OpenPositionCount() int {
	return len(pc.Positions)
}
