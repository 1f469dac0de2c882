package domain

import "context"

// Venue is the exchange surface the services depend on. The infrastructure
// adapter implements it on top of the budgeted, signed request scheduler.
type Venue interface {
	// InstrumentMeta resolves the venue metadata for one instrument from the
	// (cached) universe listing.
	InstrumentMeta(ctx context.Context, coin string) (*InstrumentMeta, error)
	MidPrice(ctx context.Context, coin string) (float64, error)
	Candles(ctx context.Context, coin, interval string, limit int) ([]Candle, error)
	FundingRate(ctx context.Context, coin string) (float64, error)
	AccountState(ctx context.Context) (*AccountState, error)

	// State-changing operations; signed.
	PlaceOrder(ctx context.Context, req *OrderRequest) (*OrderResult, error)
	UpdateLeverage(ctx context.Context, coin string, leverage int, cross bool) error
	CancelOrder(ctx context.Context, coin string, orderID int64) error
}

// AccountState is the venue-side snapshot of balances and open positions.
type AccountState struct {
	AccountValue    float64
	Withdrawable    float64
	TotalMarginUsed float64
	Positions       []Position
}

type TriggerSpec struct {
	Price    float64
	IsMarket bool
	TpSl     string // "tp" or "sl"
}

// OrderRequest is a venue order in engine units: prices and sizes are
// float64 here; the adapter owns wire rounding and string formatting.
type OrderRequest struct {
	Coin          string
	IsBuy         bool
	Price         float64
	Size          float64 // base units
	ReduceOnly    bool
	Tif           string // "Ioc", "Gtc" or "Alo"; ignored for triggers
	Trigger       *TriggerSpec
	ClientOrderID string
}

type OrderResult struct {
	OrderID    int64
	Status     string // "resting" or "filled"
	FilledSize float64
	AveragePx  float64
}

// Fetcher assembles the per-instrument analyzer input.
type Fetcher interface {
	GetMarketContext(ctx context.Context, instrument string) (*MarketContext, error)
	GetMacroSnapshot(ctx context.Context, instrument string) (*MacroSnapshot, error)
}

// BatchRequest is one analyzer invocation: every successfully fetched
// context of a chunk plus the cycle's portfolio snapshot.
type BatchRequest struct {
	Contexts  []*MarketContext
	Portfolio *PortfolioContext
	Directive string
}

type BatchAnalysis struct {
	Decisions []Decision
	Summary   string
}

// Analyzer converts market contexts into trade decisions. Implementations
// must honor ctx cancellation; the orchestrator treats a failed batch as an
// empty one.
type Analyzer interface {
	AnalyzeBatch(ctx context.Context, req *BatchRequest) (*BatchAnalysis, error)
}

// Executor submits one validated decision. The returned bool reports whether
// an order actually went out; (false, nil) is a contained no-op such as a
// below-minimum order.
type Executor interface {
	Execute(ctx context.Context, d Decision, mc *MarketContext, pc *PortfolioContext) (bool, error)
}

// StatusReporter receives phase transitions for observability. It must never
// influence control flow.
type StatusReporter interface {
	UpdateStatus(phase CyclePhase, message, detail string)
}
