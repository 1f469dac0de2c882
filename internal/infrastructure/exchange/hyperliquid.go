package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/vitos/crypto_dealer/internal/domain"
	"go.uber.org/zap"
)

const (
	MainnetBaseURL = "https://api.hyperliquid.xyz"
	TestnetBaseURL = "https://api.hyperliquid-testnet.xyz"
	MainnetWSURL   = "wss://api.hyperliquid.xyz/ws"
	TestnetWSURL   = "wss://api.hyperliquid-testnet.xyz/ws"
)

// WeightTable assigns a budget weight to each endpoint class.
type WeightTable struct {
	InfoLight           int
	InfoHeavy           int
	Exchange            int
	CandlesSurchargePer int // candles per extra weight unit
}

// TTLTable sets how long each info response stays answerable from cache.
type TTLTable struct {
	Meta    time.Duration
	Mids    time.Duration
	Candles time.Duration
	State   time.Duration
	Funding time.Duration
}

type Config struct {
	BaseURL        string
	WSURL          string
	WalletAddress  string
	VaultAddress   string
	PrivateKeyHex  string
	Testnet        bool
	StreamEnabled  bool
	Window         time.Duration
	MaxWeight      int
	MinSpacing     time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	Weights        WeightTable
	TTL            TTLTable
}

// HyperliquidAdapter implements domain.Venue against the Hyperliquid REST
// and WebSocket endpoints. Every REST call goes through the scheduler, so
// concurrent callers share one weight budget and one FIFO line.
type HyperliquidAdapter struct {
	cfg    Config
	sched  *scheduler
	signer *signer
	nonces nonceSource
	stream *midStream
	log    *zap.Logger
}

func NewHyperliquidAdapter(cfg Config, log *zap.Logger) (*HyperliquidAdapter, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = MainnetBaseURL
		if cfg.Testnet {
			cfg.BaseURL = TestnetBaseURL
		}
	}
	if cfg.WSURL == "" {
		cfg.WSURL = MainnetWSURL
		if cfg.Testnet {
			cfg.WSURL = TestnetWSURL
		}
	}

	sgn, err := newSigner(cfg.PrivateKeyHex, cfg.VaultAddress, cfg.Testnet)
	if err != nil {
		return nil, err
	}

	h := &HyperliquidAdapter{
		cfg:    cfg,
		sched:  newScheduler(cfg, log),
		signer: sgn,
		log:    log,
	}
	if cfg.StreamEnabled {
		h.stream = newMidStream(cfg.WSURL, log)
	}
	return h, nil
}

// Start brings up the mid-price stream when it is enabled. REST works with
// or without it.
func (h *HyperliquidAdapter) Start(ctx context.Context) error {
	if h.stream == nil {
		return nil
	}
	return h.stream.Start(ctx)
}

func (h *HyperliquidAdapter) Close() {
	if h.stream != nil {
		h.stream.Close()
	}
	h.sched.Close()
}

// BudgetUsed reports the weight consumed inside the trailing window.
func (h *HyperliquidAdapter) BudgetUsed() int {
	return h.sched.ledger.Used()
}

func (h *HyperliquidAdapter) postInfo(ctx context.Context, kind endpointKind, items int, req any, cacheKey string, ttl time.Duration) ([]byte, error) {
	body, err := sonic.Marshal(req)
	if err != nil {
		return nil, err
	}
	return h.sched.Do(ctx, kind, items, infoPath, body, cacheKey, ttl)
}

func (h *HyperliquidAdapter) universe(ctx context.Context) (map[string]*domain.InstrumentMeta, error) {
	body, err := h.postInfo(ctx, kindInfoLight, 0, infoRequest{Type: "meta"}, "info:meta", h.cfg.TTL.Meta)
	if err != nil {
		return nil, err
	}
	var meta metaResponse
	if err := sonic.Unmarshal(body, &meta); err != nil {
		return nil, fmt.Errorf("decode universe: %w", err)
	}
	out := make(map[string]*domain.InstrumentMeta, len(meta.Universe))
	for i, u := range meta.Universe {
		out[u.Name] = &domain.InstrumentMeta{
			Name:        u.Name,
			AssetIndex:  i,
			SzDecimals:  u.SzDecimals,
			MaxLeverage: u.MaxLeverage,
		}
	}
	return out, nil
}

func (h *HyperliquidAdapter) InstrumentMeta(ctx context.Context, coin string) (*domain.InstrumentMeta, error) {
	uni, err := h.universe(ctx)
	if err != nil {
		return nil, err
	}
	meta, ok := uni[coin]
	if !ok {
		return nil, fmt.Errorf("%w: %s not listed", domain.ErrInstrumentFetch, coin)
	}
	return meta, nil
}

// MidPrice prefers a fresh streamed quote and falls back to the REST
// all-mids snapshot, which is itself cached for the mids TTL.
func (h *HyperliquidAdapter) MidPrice(ctx context.Context, coin string) (float64, error) {
	if h.stream != nil {
		if px, ok := h.stream.Mid(coin, h.cfg.TTL.Mids); ok {
			return px, nil
		}
	}

	body, err := h.postInfo(ctx, kindInfoLight, 0, infoRequest{Type: "allMids"}, "info:allMids", h.cfg.TTL.Mids)
	if err != nil {
		return 0, err
	}
	var mids map[string]string
	if err := sonic.Unmarshal(body, &mids); err != nil {
		return 0, fmt.Errorf("decode mids: %w", err)
	}
	raw, ok := mids[coin]
	if !ok {
		return 0, fmt.Errorf("%w: no mid for %s", domain.ErrInstrumentFetch, coin)
	}
	px, err := strconv.ParseFloat(raw, 64)
	if err != nil || px <= 0 {
		return 0, fmt.Errorf("%w: bad mid %q for %s", domain.ErrInstrumentFetch, raw, coin)
	}
	return px, nil
}

func (h *HyperliquidAdapter) Candles(ctx context.Context, coin, interval string, limit int) ([]domain.Candle, error) {
	step, err := intervalDuration(interval)
	if err != nil {
		return nil, err
	}
	end := time.Now()
	start := end.Add(-time.Duration(limit) * step)

	req := candleRequest{
		Type: "candleSnapshot",
		Req: candleParams{
			Coin:      coin,
			Interval:  interval,
			StartTime: start.UnixMilli(),
			EndTime:   end.UnixMilli(),
		},
	}
	key := fmt.Sprintf("info:candles:%s:%s:%d", coin, interval, limit)
	body, err := h.postInfo(ctx, kindCandles, limit, req, key, h.cfg.TTL.Candles)
	if err != nil {
		return nil, err
	}

	var wire []wireCandle
	if err := sonic.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("decode candles: %w", err)
	}
	out := make([]domain.Candle, 0, len(wire))
	for _, c := range wire {
		candle, err := c.toDomain()
		if err != nil {
			return nil, fmt.Errorf("decode candle for %s: %w", coin, err)
		}
		out = append(out, candle)
	}
	return out, nil
}

func (c wireCandle) toDomain() (domain.Candle, error) {
	var out domain.Candle
	var err error
	out.Time = c.OpenTime
	if out.Open, err = strconv.ParseFloat(c.Open, 64); err != nil {
		return out, err
	}
	if out.High, err = strconv.ParseFloat(c.High, 64); err != nil {
		return out, err
	}
	if out.Low, err = strconv.ParseFloat(c.Low, 64); err != nil {
		return out, err
	}
	if out.Close, err = strconv.ParseFloat(c.Close, 64); err != nil {
		return out, err
	}
	if out.Volume, err = strconv.ParseFloat(c.Volume, 64); err != nil {
		return out, err
	}
	return out, nil
}

// FundingRate joins the universe listing with the per-asset contexts, which
// the venue returns as a two-element array in universe order.
func (h *HyperliquidAdapter) FundingRate(ctx context.Context, coin string) (float64, error) {
	body, err := h.postInfo(ctx, kindInfoHeavy, 0, infoRequest{Type: "metaAndAssetCtxs"}, "info:assetCtxs", h.cfg.TTL.Funding)
	if err != nil {
		return 0, err
	}

	var parts []json.RawMessage
	if err := sonic.Unmarshal(body, &parts); err != nil {
		return 0, fmt.Errorf("decode asset contexts: %w", err)
	}
	if len(parts) != 2 {
		return 0, fmt.Errorf("decode asset contexts: expected 2 parts, got %d", len(parts))
	}

	var meta metaResponse
	if err := sonic.Unmarshal(parts[0], &meta); err != nil {
		return 0, fmt.Errorf("decode asset contexts: %w", err)
	}
	var ctxs []assetCtx
	if err := sonic.Unmarshal(parts[1], &ctxs); err != nil {
		return 0, fmt.Errorf("decode asset contexts: %w", err)
	}

	for i, u := range meta.Universe {
		if u.Name != coin || i >= len(ctxs) {
			continue
		}
		rate, err := strconv.ParseFloat(ctxs[i].Funding, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: bad funding %q for %s", domain.ErrInstrumentFetch, ctxs[i].Funding, coin)
		}
		return rate, nil
	}
	return 0, fmt.Errorf("%w: no funding for %s", domain.ErrInstrumentFetch, coin)
}

// queryUser is the address whose account gets read: the vault when trading
// one, otherwise the wallet itself.
func (h *HyperliquidAdapter) queryUser() string {
	if v := h.signer.vaultAddressHex(); v != "" {
		return v
	}
	return strings.ToLower(h.cfg.WalletAddress)
}

func (h *HyperliquidAdapter) AccountState(ctx context.Context) (*domain.AccountState, error) {
	user := h.queryUser()
	body, err := h.postInfo(ctx, kindInfoHeavy, 0,
		infoRequest{Type: "clearinghouseState", User: user},
		"info:state:"+user, h.cfg.TTL.State)
	if err != nil {
		return nil, err
	}

	var resp clearinghouseResponse
	if err := sonic.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode account state: %w", err)
	}

	state := &domain.AccountState{
		AccountValue:    parseFloatOrZero(resp.MarginSummary.AccountValue),
		Withdrawable:    parseFloatOrZero(resp.Withdrawable),
		TotalMarginUsed: parseFloatOrZero(resp.MarginSummary.TotalMarginUsed),
	}
	for _, ap := range resp.AssetPositions {
		szi := parseFloatOrZero(ap.Position.Szi)
		if szi == 0 {
			continue
		}
		side := domain.SideLong
		size := szi
		if szi < 0 {
			side = domain.SideShort
			size = -szi
		}
		state.Positions = append(state.Positions, domain.Position{
			Symbol:        ap.Position.Coin,
			Side:          side,
			Size:          size,
			EntryPrice:    parseFloatOrZero(ap.Position.EntryPx),
			UnrealizedPnL: parseFloatOrZero(ap.Position.UnrealizedPnl),
			Leverage:      ap.Position.Leverage.Value,
			LiquidationPx: parseFloatOrZero(ap.Position.LiquidationPx),
			MarginUsed:    parseFloatOrZero(ap.Position.MarginUsed),
		})
	}
	return state, nil
}

// PlaceOrder rounds the price and size to the instrument's wire format,
// signs the action and submits it. An error entry inside an HTTP 200
// envelope is returned as a venue rejection, never retried here.
func (h *HyperliquidAdapter) PlaceOrder(ctx context.Context, req *domain.OrderRequest) (*domain.OrderResult, error) {
	meta, err := h.InstrumentMeta(ctx, req.Coin)
	if err != nil {
		return nil, err
	}

	size := FormatSize(req.Size, meta.SzDecimals)
	if parseFloatOrZero(size) == 0 {
		return nil, fmt.Errorf("%w: %s size %v rounds to zero", domain.ErrTooSmallOrder, req.Coin, req.Size)
	}

	order := wireOrder{
		Asset:      meta.AssetIndex,
		IsBuy:      req.IsBuy,
		Price:      FormatPrice(req.Price, meta.SzDecimals),
		Size:       size,
		ReduceOnly: req.ReduceOnly,
		Cloid:      req.ClientOrderID,
	}
	if req.Trigger != nil {
		order.Type.Trigger = &wireTrigger{
			IsMarket:  req.Trigger.IsMarket,
			TriggerPx: FormatPrice(req.Trigger.Price, meta.SzDecimals),
			TpSl:      req.Trigger.TpSl,
		}
	} else {
		tif := req.Tif
		if tif == "" {
			tif = "Gtc"
		}
		order.Type.Limit = &wireLimit{Tif: tif}
	}

	action := orderAction{
		Type:     "order",
		Orders:   []wireOrder{order},
		Grouping: "na",
	}
	resp, err := h.submitSigned(ctx, action, len(action.Orders))
	if err != nil {
		return nil, err
	}

	var parsed exchangeResponseBody
	if err := sonic.Unmarshal(resp, &parsed); err != nil {
		return nil, fmt.Errorf("decode order response: %w", err)
	}
	if len(parsed.Data.Statuses) == 0 {
		return nil, fmt.Errorf("%w: empty status list", domain.ErrVenueRejected)
	}

	st := parsed.Data.Statuses[0]
	switch {
	case st.Error != "":
		return nil, fmt.Errorf("%w: %s", domain.ErrVenueRejected, st.Error)
	case st.Filled != nil:
		return &domain.OrderResult{
			OrderID:    st.Filled.Oid,
			Status:     "filled",
			FilledSize: parseFloatOrZero(st.Filled.TotalSz),
			AveragePx:  parseFloatOrZero(st.Filled.AvgPx),
		}, nil
	case st.Resting != nil:
		return &domain.OrderResult{OrderID: st.Resting.Oid, Status: "resting"}, nil
	default:
		return nil, fmt.Errorf("%w: unrecognized order status", domain.ErrVenueRejected)
	}
}

func (h *HyperliquidAdapter) UpdateLeverage(ctx context.Context, coin string, leverage int, cross bool) error {
	meta, err := h.InstrumentMeta(ctx, coin)
	if err != nil {
		return err
	}
	action := leverageAction{
		Type:     "updateLeverage",
		Asset:    meta.AssetIndex,
		IsCross:  cross,
		Leverage: leverage,
	}
	_, err = h.submitSigned(ctx, action, 0)
	return err
}

func (h *HyperliquidAdapter) CancelOrder(ctx context.Context, coin string, orderID int64) error {
	meta, err := h.InstrumentMeta(ctx, coin)
	if err != nil {
		return err
	}
	action := cancelAction{
		Type:    "cancel",
		Cancels: []wireCancel{{Asset: meta.AssetIndex, Oid: orderID}},
	}
	_, err = h.submitSigned(ctx, action, len(action.Cancels))
	return err
}

// submitSigned signs the action under a fresh nonce and posts it. The
// envelope's "err" branch carries a bare string message.
func (h *HyperliquidAdapter) submitSigned(ctx context.Context, action any, items int) ([]byte, error) {
	nonce := h.nonces.Next()
	sig, err := h.signer.signAction(action, nonce)
	if err != nil {
		return nil, err
	}

	payload, err := sonic.Marshal(exchangeRequest{
		Action:       action,
		Nonce:        nonce,
		Signature:    sig,
		VaultAddress: h.signer.vaultAddressHex(),
	})
	if err != nil {
		return nil, err
	}

	respBody, err := h.sched.Do(ctx, kindExchange, items, exchangePath, payload, "", 0)
	if err != nil {
		return nil, err
	}

	var env exchangeEnvelope
	if err := sonic.Unmarshal(respBody, &env); err != nil {
		return nil, fmt.Errorf("decode exchange envelope: %w", err)
	}
	if env.Status != "ok" {
		var msg string
		if sonic.Unmarshal(env.Response, &msg) != nil {
			msg = string(env.Response)
		}
		return nil, fmt.Errorf("%w: %s", domain.ErrVenueRejected, msg)
	}
	return env.Response, nil
}

func intervalDuration(interval string) (time.Duration, error) {
	if len(interval) < 2 {
		return 0, fmt.Errorf("bad interval %q", interval)
	}
	n, err := strconv.Atoi(interval[:len(interval)-1])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("bad interval %q", interval)
	}
	switch interval[len(interval)-1] {
	case 'm':
		return time.Duration(n) * time.Minute, nil
	case 'h':
		return time.Duration(n) * time.Hour, nil
	case 'd':
		return time.Duration(n) * 24 * time.Hour, nil
	case 'w':
		return time.Duration(n) * 7 * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("bad interval %q", interval)
	}
}

func parseFloatOrZero(s string) float64 {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}
