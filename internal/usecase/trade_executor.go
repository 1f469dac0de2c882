package usecase

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/vitos/crypto_dealer/internal/domain"
	"go.uber.org/zap"
)

// Offset applied to IOC entry prices so they cross the book and fill like
// market orders while still carrying a protective bound.
const aggressiveLimitOffset = 0.005

// TradeExecutor turns one validated decision into venue orders: leverage
// update, entry, and optional protective triggers.
type TradeExecutor struct {
	venue  domain.Venue
	engine *DecisionEngine
	logger *zap.Logger
}

func NewTradeExecutor(venue domain.Venue, engine *DecisionEngine, logger *zap.Logger) *TradeExecutor {
	return &TradeExecutor{
		venue:  venue,
		engine: engine,
		logger: logger,
	}
}

// Execute submits one decision. (false, nil) is a contained no-op: nothing
// to close, or the sized order fell below the venue minimum.
func (e *TradeExecutor) Execute(ctx context.Context, d domain.Decision, mc *domain.MarketContext, pc *domain.PortfolioContext) (bool, error) {
	switch d.Action {
	case domain.ActionBuy, domain.ActionSell:
		return e.open(ctx, d, mc, pc)
	case domain.ActionClose:
		return e.close(ctx, d, mc, pc)
	default:
		return false, nil
	}
}

func (e *TradeExecutor) open(ctx context.Context, d domain.Decision, mc *domain.MarketContext, pc *domain.PortfolioContext) (bool, error) {
	intent, err := e.buildOpenIntent(d, mc, pc)
	if err != nil {
		if errors.Is(err, domain.ErrTooSmallOrder) {
			e.logger.Info("Skipping too-small order",
				zap.String("instrument", d.Instrument),
				zap.Error(err))
			return false, nil
		}
		return false, err
	}
	if intent.LeverageCapped {
		e.logger.Info("Leverage capped to user maximum",
			zap.String("instrument", intent.Instrument),
			zap.Int("leverage", intent.Leverage))
	}

	// Cross margin at the intent leverage before the order goes out. The
	// venue keeps its previous setting when this fails, so log and carry on.
	if err := e.venue.UpdateLeverage(ctx, intent.Instrument, intent.Leverage, true); err != nil {
		e.logger.Warn("Leverage update failed",
			zap.String("instrument", intent.Instrument),
			zap.Error(err))
	}

	isBuy := intent.Action == domain.ActionBuy
	res, err := e.venue.PlaceOrder(ctx, &domain.OrderRequest{
		Coin:          intent.Instrument,
		IsBuy:         isBuy,
		Price:         protectPrice(intent.Price, isBuy),
		Size:          intent.SizeUSD / intent.Price,
		Tif:           "Ioc",
		ClientOrderID: intent.ClientOrderID,
	})
	if err != nil {
		if errors.Is(err, domain.ErrTooSmallOrder) {
			e.logger.Info("Order rounded below venue minimum",
				zap.String("instrument", intent.Instrument))
			return false, nil
		}
		return false, err
	}
	e.logger.Info("Order submitted",
		zap.String("instrument", intent.Instrument),
		zap.String("action", string(intent.Action)),
		zap.Float64("size_usd", intent.SizeUSD),
		zap.Int("leverage", intent.Leverage),
		zap.Int64("oid", res.OrderID),
		zap.String("status", res.Status),
		zap.String("cloid", intent.ClientOrderID))

	e.placeProtections(ctx, intent, res)
	return true, nil
}

// buildOpenIntent projects a decision into a risk-capped ExecutionIntent.
func (e *TradeExecutor) buildOpenIntent(d domain.Decision, mc *domain.MarketContext, pc *domain.PortfolioContext) (*domain.ExecutionIntent, error) {
	leverage := d.Leverage
	if leverage <= 0 {
		leverage = pc.Settings.DefaultLeverage
	}
	leverage, capped := e.engine.CapLeverage(leverage, pc.Settings.MaxLeverage)

	suggested := d.SizeUSD
	if suggested <= 0 {
		// No analyzer sizing: start from the full affordable amount and let
		// CapSize apply the haircut and limits.
		suggested = pc.Withdrawable * float64(leverage)
	}
	sizeUSD, err := e.engine.CapSize(suggested, pc.Withdrawable, leverage, pc.Settings.MaxPositionSizeUSD)
	if err != nil {
		return nil, err
	}

	price := d.Price
	if price <= 0 {
		price = mc.CurrentPrice
	}
	if price <= 0 {
		return nil, fmt.Errorf("no usable price for %s", d.Instrument)
	}

	return &domain.ExecutionIntent{
		Instrument:     d.Instrument,
		Action:         d.Action,
		Kind:           domain.OrderKindMarket,
		Price:          price,
		SizeUSD:        sizeUSD,
		Leverage:       leverage,
		LeverageCapped: capped,
		ClientOrderID:  newCloid(),
		StopLoss:       stopLossFor(d, pc.Settings, price),
		TakeProfit:     takeProfitFor(d, pc.Settings, price),
	}, nil
}

// placeProtections submits reduce-only trigger orders for the intent's stop
// loss and take profit. The entry is already live, so failures are logged
// loudly but never undo the trade.
func (e *TradeExecutor) placeProtections(ctx context.Context, intent *domain.ExecutionIntent, entry *domain.OrderResult) {
	size := intent.SizeUSD / intent.Price
	if entry.Status == "filled" && entry.FilledSize > 0 {
		size = entry.FilledSize
	}
	isBuy := intent.Action == domain.ActionBuy

	for _, trig := range []struct {
		px   float64
		tpsl string
	}{
		{intent.StopLoss, "sl"},
		{intent.TakeProfit, "tp"},
	} {
		if trig.px <= 0 {
			continue
		}
		_, err := e.venue.PlaceOrder(ctx, &domain.OrderRequest{
			Coin:       intent.Instrument,
			IsBuy:      !isBuy,
			Price:      trig.px,
			Size:       size,
			ReduceOnly: true,
			Trigger:    &domain.TriggerSpec{Price: trig.px, IsMarket: true, TpSl: trig.tpsl},
		})
		if err != nil {
			e.logger.Error("Protective trigger failed",
				zap.String("instrument", intent.Instrument),
				zap.String("kind", trig.tpsl),
				zap.Float64("trigger_px", trig.px),
				zap.Error(err))
		}
	}
}

func (e *TradeExecutor) close(ctx context.Context, d domain.Decision, mc *domain.MarketContext, pc *domain.PortfolioContext) (bool, error) {
	pos := pc.FindPosition(d.Instrument)
	if pos == nil {
		e.logger.Info("Nothing to close", zap.String("instrument", d.Instrument))
		return false, nil
	}

	price := mc.CurrentPrice
	if price <= 0 {
		price = pos.EntryPrice
	}

	// Full close unless the analyzer asked for a smaller slice.
	size := pos.Size
	if d.SizeUSD > 0 {
		if partial := d.SizeUSD / price; partial < size {
			size = partial
		}
	}

	isBuy := pos.Side == domain.SideShort
	res, err := e.venue.PlaceOrder(ctx, &domain.OrderRequest{
		Coin:          d.Instrument,
		IsBuy:         isBuy,
		Price:         protectPrice(price, isBuy),
		Size:          size,
		ReduceOnly:    true,
		Tif:           "Ioc",
		ClientOrderID: newCloid(),
	})
	if err != nil {
		if errors.Is(err, domain.ErrTooSmallOrder) {
			e.logger.Info("Close skipped, dust position",
				zap.String("instrument", d.Instrument))
			return false, nil
		}
		return false, err
	}
	e.logger.Info("Position close submitted",
		zap.String("instrument", d.Instrument),
		zap.String("side", string(pos.Side)),
		zap.Float64("size", size),
		zap.Int64("oid", res.OrderID),
		zap.String("status", res.Status))
	return true, nil
}

// protectPrice offsets an IOC limit so it crosses the book: buys pay up to
// the offset, sells accept down to it.
func protectPrice(px float64, isBuy bool) float64 {
	if isBuy {
		return px * (1 + aggressiveLimitOffset)
	}
	return px * (1 - aggressiveLimitOffset)
}

func stopLossFor(d domain.Decision, s domain.UserSettings, price float64) float64 {
	if d.StopLoss > 0 {
		return d.StopLoss
	}
	if !s.StopLossEnabled || s.StopLossPct <= 0 {
		return 0
	}
	if d.Action == domain.ActionBuy {
		return price * (1 - s.StopLossPct)
	}
	return price * (1 + s.StopLossPct)
}

func takeProfitFor(d domain.Decision, s domain.UserSettings, price float64) float64 {
	if d.TakeProfit > 0 {
		return d.TakeProfit
	}
	if !s.TakeProfitEnabled || s.TakeProfitPct <= 0 {
		return 0
	}
	if d.Action == domain.ActionBuy {
		return price * (1 + s.TakeProfitPct)
	}
	return price * (1 - s.TakeProfitPct)
}

// newCloid returns a fresh 128-bit client order id in the venue's 0x-hex
// format.
func newCloid() string {
	u := uuid.New()
	return "0x" + hex.EncodeToString(u[:])
}
