package domain

type Action string

const (
	ActionBuy   Action = "BUY"
	ActionSell  Action = "SELL"
	ActionHold  Action = "HOLD"
	ActionClose Action = "CLOSE"
)

// Decision is a proposed trade produced by the analyzer for one instrument.
// It is transient: produced during a cycle, validated and either executed or
// dropped before the cycle ends.
type Decision struct {
	Instrument string  `json:"instrument"`
	Action     Action  `json:"action"`
	Confidence float64 `json:"confidence"` // 0..1
	Rationale  string  `json:"rationale"`

	// Optional analyzer suggestions. Zero means "not suggested".
	Leverage   int     `json:"leverage,omitempty"`
	SizeUSD    float64 `json:"size_usd,omitempty"`
	Price      float64 `json:"price,omitempty"`
	StopLoss   float64 `json:"stop_loss,omitempty"`
	TakeProfit float64 `json:"take_profit,omitempty"`
}

// Priority is the execution ordering key: confidence plus a flat bonus for
// closing actions, so reducing risk always outranks adding risk.
func (d Decision) Priority() float64 {
	if d.Action == ActionClose {
		return d.Confidence + 0.5
	}
	return d.Confidence
}

type OrderKind string

const (
	OrderKindMarket  OrderKind = "market" // limit IOC at a protected price
	OrderKindLimit   OrderKind = "limit"
	OrderKindTrigger OrderKind = "trigger"
)

// ExecutionIntent is the validated, risk-capped projection of a Decision,
// ready for wire submission. SizeUSD never exceeds the configured max
// position size nor balance*leverage*0.95, and Leverage never exceeds the
// user's maximum.
type ExecutionIntent struct {
	Instrument     string
	Action         Action
	Kind           OrderKind
	Price          float64
	SizeUSD        float64
	Leverage       int
	LeverageCapped bool
	ClientOrderID  string
	ReduceOnly     bool
	StopLoss       float64
	TakeProfit     float64
}
