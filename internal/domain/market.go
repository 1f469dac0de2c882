package domain

type Candle struct {
	Time   int64   `json:"time"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
}

// IndicatorBlock holds the latest values of the computed indicator set.
type IndicatorBlock struct {
	EmaFast    float64 `json:"ema_fast"`
	EmaSlow    float64 `json:"ema_slow"`
	Rsi        float64 `json:"rsi"`
	Macd       float64 `json:"macd"`
	MacdSignal float64 `json:"macd_signal"`
	MacdHist   float64 `json:"macd_hist"`
	Atr        float64 `json:"atr"`
	BbUpper    float64 `json:"bb_upper"`
	BbMiddle   float64 `json:"bb_middle"`
	BbLower    float64 `json:"bb_lower"`
}

type DivergenceKind string

const (
	DivergenceBullish DivergenceKind = "bullish"
	DivergenceBearish DivergenceKind = "bearish"
)

// DivergenceSignal flags a direction mismatch between the price swings and
// an oscillator's swings over the lookback window.
type DivergenceSignal struct {
	Kind      DivergenceKind `json:"kind"`
	Indicator string         `json:"indicator"` // "rsi" or "macd_hist"
	FromIndex int            `json:"from_index"`
	ToIndex   int            `json:"to_index"`
}

// MacroSnapshot is a condensed higher-timeframe view attached to a
// MarketContext when macro enrichment is enabled.
type MacroSnapshot struct {
	Interval string  `json:"interval"`
	EmaFast  float64 `json:"ema_fast"`
	EmaSlow  float64 `json:"ema_slow"`
	Rsi      float64 `json:"rsi"`
	Trend    string  `json:"trend"` // "up", "down" or "flat"
}

// PositionSummary is the open-position view injected into a MarketContext so
// the analyzer sees what it is already holding.
type PositionSummary struct {
	Side          Side    `json:"side"`
	Size          float64 `json:"size"`
	EntryPrice    float64 `json:"entry_price"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
	Leverage      int     `json:"leverage"`
	LiquidationPx float64 `json:"liquidation_px,omitempty"`
	Breakeven     float64 `json:"breakeven,omitempty"`
}

// MarketContext is the per-instrument snapshot handed to the analyzer.
// Built fresh each cycle and immutable once constructed; enrichment happens
// on copies (see WithPosition), never in place.
type MarketContext struct {
	Symbol        string             `json:"symbol"`
	CurrentPrice  float64            `json:"current_price"`
	Candles       []Candle           `json:"candles"`
	Indicators    IndicatorBlock     `json:"indicators"`
	Divergences   []DivergenceSignal `json:"divergences,omitempty"`
	FundingRate   float64            `json:"funding_rate"`
	HoldingCost24 float64            `json:"holding_cost_24h"`
	Timestamp     int64              `json:"timestamp"`
	Position      *PositionSummary   `json:"position,omitempty"`
	Macro         *MacroSnapshot     `json:"macro,omitempty"`
}

// WithPosition returns a shallow copy of the context carrying the given
// position summary. The receiver is left untouched.
func (mc *MarketContext) WithPosition(p *PositionSummary) *MarketContext {
	enriched := *mc
	enriched.Position = p
	return &enriched
}

// InstrumentMeta is the venue-side metadata needed to place orders on an
// instrument: its universe index and the size precision that drives price
// and size rounding.
type InstrumentMeta struct {
	Name        string
	AssetIndex  int
	SzDecimals  int
	MaxLeverage int
}
