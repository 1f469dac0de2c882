package analyzer

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/samber/lo"

	"github.com/vitos/crypto_dealer/internal/domain"
)

const systemTemplate = `You are the decision engine of an automated perpetual futures dealer on Hyperliquid.
Each cycle you receive a batch of instrument snapshots plus the current account state,
and you answer with at most one trade decision per instrument.

Rules:
- action is one of BUY, SELL, CLOSE or HOLD. BUY opens or adds to a long, SELL opens
  or adds to a short, CLOSE exits the open position on that instrument.
- confidence is a number between 0 and 1. The engine drops anything it considers too
  weak to act on, so do not inflate it.
- Never suggest leverage above {max_leverage}x.
- leverage, size_usd, price, stop_loss and take_profit are optional suggestions.
  Omit any of them to let the engine pick its own defaults.
- Use the exact instrument symbols you were given. Decisions for symbols outside the
  batch are discarded.
- Mind funding: a position held against the funding rate bleeds the 24h holding cost
  shown per instrument.

Operator directive: {directive}

Respond with a single JSON object and no prose around it, shaped exactly like:
{"decisions": [{"instrument": "BTC", "action": "BUY", "confidence": 0.74, "rationale": "momentum building above the fast EMA", "leverage": 3, "size_usd": 150, "stop_loss": 108200, "take_profit": 121400}], "summary": "one or two sentences on the whole batch"}`

const defaultDirective = "none; trade on your own read of the data."

const userTemplate = `Batch of {instrument_count} instruments follows. All series are ordered OLDEST -> NEWEST.

{market_block}
## ACCOUNT

{account_block}

Open positions:
{positions_block}

Reply with the decision JSON now.`

const marketTemplate = `### {symbol}

Current price: {price}
Indicators over {candle_count} candles: ema_fast={ema_fast} ema_slow={ema_slow} rsi={rsi} macd={macd} macd_signal={macd_signal} macd_hist={macd_hist} atr={atr} bb=[{bb_lower}, {bb_middle}, {bb_upper}]
Funding rate: {funding_rate} (24h holding cost: {holding_cost})
Divergences: {divergences}
Higher timeframe: {macro}
Open position: {position}

Closes: [{closes}]

---
`

// promptPosition is the wire view of an open position for the account block.
type promptPosition struct {
	Instrument    string  `json:"instrument"`
	Side          string  `json:"side"`
	Size          float64 `json:"size"`
	EntryPrice    float64 `json:"entry_price"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
	Leverage      int     `json:"leverage"`
	LiquidationPx float64 `json:"liquidation_px,omitempty"`
}

type promptAccount struct {
	AccountValue  float64 `json:"account_value"`
	Withdrawable  float64 `json:"withdrawable"`
	MaxPositions  int     `json:"max_positions"`
	MaxLeverage   int     `json:"max_leverage"`
	OpenPositions int     `json:"open_positions"`
}

func buildSystemPrompt(req *domain.BatchRequest) string {
	directive := strings.TrimSpace(req.Directive)
	if directive == "" {
		directive = defaultDirective
	}
	return strings.NewReplacer(
		"{max_leverage}", strconv.Itoa(req.Portfolio.Settings.MaxLeverage),
		"{directive}", directive,
	).Replace(systemTemplate)
}

func buildUserPrompt(req *domain.BatchRequest) (string, error) {
	accountBlock, positionsBlock, err := buildPortfolioBlocks(req.Portfolio)
	if err != nil {
		return "", err
	}
	marketBlock, err := buildMarketBlock(req.Contexts)
	if err != nil {
		return "", err
	}
	return strings.NewReplacer(
		"{instrument_count}", strconv.Itoa(len(req.Contexts)),
		"{market_block}", marketBlock,
		"{account_block}", accountBlock,
		"{positions_block}", positionsBlock,
	).Replace(userTemplate), nil
}

func buildMarketBlock(contexts []*domain.MarketContext) (string, error) {
	var b strings.Builder
	for _, mc := range contexts {
		divergences := "none"
		if len(mc.Divergences) > 0 {
			s, err := sonic.MarshalString(mc.Divergences)
			if err != nil {
				return "", fmt.Errorf("rendering divergences for %s: %w", mc.Symbol, err)
			}
			divergences = s
		}

		macro := "not available"
		if m := mc.Macro; m != nil {
			macro = fmt.Sprintf("%s ema_fast=%s ema_slow=%s rsi=%s trend=%s",
				m.Interval, fnum(m.EmaFast), fnum(m.EmaSlow), fnum(m.Rsi), m.Trend)
		}

		position := "none"
		if mc.Position != nil {
			s, err := sonic.MarshalString(mc.Position)
			if err != nil {
				return "", fmt.Errorf("rendering position for %s: %w", mc.Symbol, err)
			}
			position = s
		}

		closes := lo.Map(mc.Candles, func(c domain.Candle, _ int) string {
			return fnum(c.Close)
		})

		ind := mc.Indicators
		r := strings.NewReplacer(
			"{symbol}", mc.Symbol,
			"{price}", fnum(mc.CurrentPrice),
			"{candle_count}", strconv.Itoa(len(mc.Candles)),
			"{ema_fast}", fnum(ind.EmaFast),
			"{ema_slow}", fnum(ind.EmaSlow),
			"{rsi}", fnum(ind.Rsi),
			"{macd}", fnum(ind.Macd),
			"{macd_signal}", fnum(ind.MacdSignal),
			"{macd_hist}", fnum(ind.MacdHist),
			"{atr}", fnum(ind.Atr),
			"{bb_lower}", fnum(ind.BbLower),
			"{bb_middle}", fnum(ind.BbMiddle),
			"{bb_upper}", fnum(ind.BbUpper),
			"{funding_rate}", fnum(mc.FundingRate),
			"{holding_cost}", fnum(mc.HoldingCost24),
			"{divergences}", divergences,
			"{macro}", macro,
			"{position}", position,
			"{closes}", strings.Join(closes, ", "),
		)
		b.WriteString(r.Replace(marketTemplate))
	}
	return b.String(), nil
}

func buildPortfolioBlocks(pc *domain.PortfolioContext) (string, string, error) {
	account, err := sonic.MarshalString(promptAccount{
		AccountValue:  pc.AccountValue,
		Withdrawable:  pc.Withdrawable,
		MaxPositions:  pc.Settings.MaxPositions,
		MaxLeverage:   pc.Settings.MaxLeverage,
		OpenPositions: pc.OpenPositionCount(),
	})
	if err != nil {
		return "", "", fmt.Errorf("rendering account block: %w", err)
	}

	positions := "[]"
	if len(pc.Positions) > 0 {
		wire := lo.Map(pc.Positions, func(p domain.Position, _ int) promptPosition {
			return promptPosition{
				Instrument:    p.Symbol,
				Side:          string(p.Side),
				Size:          p.Size,
				EntryPrice:    p.EntryPrice,
				UnrealizedPnL: p.UnrealizedPnL,
				Leverage:      p.Leverage,
				LiquidationPx: p.LiquidationPx,
			}
		})
		s, err := sonic.MarshalString(wire)
		if err != nil {
			return "", "", fmt.Errorf("rendering positions block: %w", err)
		}
		positions = s
	}
	return account, positions, nil
}

// fnum renders a float without trailing zeros so funding rates keep their
// precision and round prices stay short.
func fnum(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
