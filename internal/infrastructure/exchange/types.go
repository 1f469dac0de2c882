package exchange

import "encoding/json"

const (
	infoPath     = "/info"
	exchangePath = "/exchange"
)

// --- info requests ---

type infoRequest struct {
	Type string `json:"type"`
	User string `json:"user,omitempty"`
}

type candleRequest struct {
	Type string       `json:"type"`
	Req  candleParams `json:"req"`
}

type candleParams struct {
	Coin      string `json:"coin"`
	Interval  string `json:"interval"`
	StartTime int64  `json:"startTime"`
	EndTime   int64  `json:"endTime"`
}

// --- info responses ---

type metaResponse struct {
	Universe []universeEntry `json:"universe"`
}

type universeEntry struct {
	Name         string `json:"name"`
	SzDecimals   int    `json:"szDecimals"`
	MaxLeverage  int    `json:"maxLeverage"`
	OnlyIsolated bool   `json:"onlyIsolated"`
}

type wireCandle struct {
	OpenTime  int64  `json:"t"`
	CloseTime int64  `json:"T"`
	Coin      string `json:"s"`
	Interval  string `json:"i"`
	Open      string `json:"o"`
	Close     string `json:"c"`
	High      string `json:"h"`
	Low       string `json:"l"`
	Volume    string `json:"v"`
	Trades    int    `json:"n"`
}

type clearinghouseResponse struct {
	MarginSummary struct {
		AccountValue    string `json:"accountValue"`
		TotalMarginUsed string `json:"totalMarginUsed"`
		TotalNtlPos     string `json:"totalNtlPos"`
	} `json:"marginSummary"`
	Withdrawable   string              `json:"withdrawable"`
	AssetPositions []wireAssetPosition `json:"assetPositions"`
}

type wireAssetPosition struct {
	Type     string       `json:"type"`
	Position wirePosition `json:"position"`
}

type wirePosition struct {
	Coin     string `json:"coin"`
	Szi      string `json:"szi"` // signed size, negative = short
	EntryPx  string `json:"entryPx"`
	Leverage struct {
		Type  string `json:"type"`
		Value int    `json:"value"`
	} `json:"leverage"`
	LiquidationPx  string `json:"liquidationPx"`
	UnrealizedPnl  string `json:"unrealizedPnl"`
	MarginUsed     string `json:"marginUsed"`
	ReturnOnEquity string `json:"returnOnEquity"`
}

// metaAndAssetCtxs returns a two-element array: the meta object followed by
// one context per universe entry, in universe order.
type assetCtx struct {
	Funding      string `json:"funding"`
	OpenInterest string `json:"openInterest"`
	MarkPx       string `json:"markPx"`
	MidPx        string `json:"midPx"`
	OraclePx     string `json:"oraclePx"`
}

// --- signed actions ---
//
// Action structs carry msgpack tags because the signature covers the msgpack
// encoding; field order must match the venue's canonical order exactly, so
// do not reorder fields.

type orderAction struct {
	Type     string      `json:"type" msgpack:"type"`
	Orders   []wireOrder `json:"orders" msgpack:"orders"`
	Grouping string      `json:"grouping" msgpack:"grouping"`
}

type wireOrder struct {
	Asset      int           `json:"a" msgpack:"a"`
	IsBuy      bool          `json:"b" msgpack:"b"`
	Price      string        `json:"p" msgpack:"p"`
	Size       string        `json:"s" msgpack:"s"`
	ReduceOnly bool          `json:"r" msgpack:"r"`
	Type       wireOrderType `json:"t" msgpack:"t"`
	Cloid      string        `json:"c,omitempty" msgpack:"c,omitempty"`
}

type wireOrderType struct {
	Limit   *wireLimit   `json:"limit,omitempty" msgpack:"limit,omitempty"`
	Trigger *wireTrigger `json:"trigger,omitempty" msgpack:"trigger,omitempty"`
}

type wireLimit struct {
	Tif string `json:"tif" msgpack:"tif"`
}

type wireTrigger struct {
	IsMarket  bool   `json:"isMarket" msgpack:"isMarket"`
	TriggerPx string `json:"triggerPx" msgpack:"triggerPx"`
	TpSl      string `json:"tpsl" msgpack:"tpsl"`
}

type leverageAction struct {
	Type     string `json:"type" msgpack:"type"`
	Asset    int    `json:"asset" msgpack:"asset"`
	IsCross  bool   `json:"isCross" msgpack:"isCross"`
	Leverage int    `json:"leverage" msgpack:"leverage"`
}

type cancelAction struct {
	Type    string       `json:"type" msgpack:"type"`
	Cancels []wireCancel `json:"cancels" msgpack:"cancels"`
}

type wireCancel struct {
	Asset int   `json:"a" msgpack:"a"`
	Oid   int64 `json:"o" msgpack:"o"`
}

type exchangeRequest struct {
	Action       any       `json:"action"`
	Nonce        uint64    `json:"nonce"`
	Signature    signature `json:"signature"`
	VaultAddress string    `json:"vaultAddress,omitempty"`
}

// --- exchange responses ---
//
// The envelope is heterogeneous: on "ok" the response field is an object, on
// "err" it is a bare string. Decode in two steps via RawMessage.

type exchangeEnvelope struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

type exchangeResponseBody struct {
	Type string `json:"type"`
	Data struct {
		Statuses []orderStatus `json:"statuses"`
	} `json:"data"`
}

// orderStatus is the per-suborder outcome. Exactly one field is set; an
// Error entry inside an otherwise successful envelope is still a rejection.
type orderStatus struct {
	Resting *struct {
		Oid int64 `json:"oid"`
	} `json:"resting,omitempty"`
	Filled *struct {
		Oid     int64  `json:"oid"`
		TotalSz string `json:"totalSz"`
		AvgPx   string `json:"avgPx"`
	} `json:"filled,omitempty"`
	Error string `json:"error,omitempty"`
}
