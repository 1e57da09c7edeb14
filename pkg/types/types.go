// Package types defines shared data structures used across all packages.
//
// This is the common vocabulary for the `fun` engine — instrument filters,
// order drafts and final states, book snapshots, position keys, execution
// records, and the Bybit v5 wire payloads that back them. It has no
// dependencies on internal packages, so it can be imported by any layer.
package types

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side is the direction of an order.
type Side string

const (
	Sell Side = "Sell"
	Buy  Side = "Buy"
)

// TimeInForce is always ImmediateOrCancel for this engine; kept as a type
// so the wire encoder has one place to change if that ever stops being true.
type TimeInForce string

const (
	ImmediateOrCancel TimeInForce = "IOC"
)

// OrderStatus is the terminal (or non-terminal) lifecycle state Bybit
// reports for an order over the private stream.
type OrderStatus string

const (
	StatusNew             OrderStatus = "New"
	StatusFilled          OrderStatus = "Filled"
	StatusPartiallyFilled OrderStatus = "PartiallyFilled"
	StatusCancelled       OrderStatus = "Cancelled"
	StatusRejected        OrderStatus = "Rejected"
)

// IsTerminal reports whether an order in this status will never change again.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case StatusFilled, StatusPartiallyFilled, StatusCancelled, StatusRejected:
		return true
	default:
		return false
	}
}

// PositionIdx selects one-way (0) vs hedge-mode short (2) position slots.
// Bybit also defines 1 for hedge-mode long, unused by this engine (it only
// ever shorts).
type PositionIdx int

const (
	PositionIdxOneWay    PositionIdx = 0
	PositionIdxHedgeSide PositionIdx = 2
)

// Opposite returns the other position index the trade channel retries with
// on a position-index-does-not-match-account-mode rejection.
func (p PositionIdx) Opposite() PositionIdx {
	if p == PositionIdxOneWay {
		return PositionIdxHedgeSide
	}
	return PositionIdxOneWay
}

// ————————————————————————————————————————————————————————————————————————
// Instrument
// ————————————————————————————————————————————————————————————————————————

// Instrument is the resolved, immutable-once-set filter set for one symbol.
type Instrument struct {
	Symbol      string
	TickSize    decimal.Decimal // minimum price increment, strictly positive
	QtyStep     decimal.Decimal // minimum quantity increment, strictly positive
	MinQty      decimal.Decimal // minimum order quantity, strictly positive
	HedgeMode   bool            // not set by preflight, so always false in this engine
}

// ————————————————————————————————————————————————————————————————————————
// Clock
// ————————————————————————————————————————————————————————————————————————

// ServerTimeOffset is the signed millisecond offset such that
// server_ms = local_ms + OffsetMs. Computed once; immutable thereafter.
type ServerTimeOffset struct {
	OffsetMs int64
}

// ToServerMs converts a local wall-clock instant to the estimated server time.
func (o ServerTimeOffset) ToServerMs(local time.Time) int64 {
	return local.UnixMilli() + o.OffsetMs
}

// ToLocalMs converts a server-time deadline back to local wall-clock millis.
func (o ServerTimeOffset) ToLocalMs(serverMs int64) int64 {
	return serverMs - o.OffsetMs
}

// ————————————————————————————————————————————————————————————————————————
// Market data
// ————————————————————————————————————————————————————————————————————————

// BookSnapshot is the latest known top-of-book plus last trade price for one
// symbol, stamped with the local wall-clock time it was received.
type BookSnapshot struct {
	BestBid         decimal.Decimal
	BestAsk         decimal.Decimal
	LastTradeClose  decimal.Decimal
	WallClockRecvMs int64
}

// FreshnessMs returns how many milliseconds old this snapshot is, measured
// against the supplied "now".
func (b BookSnapshot) FreshnessMs(nowMs int64) int64 {
	return nowMs - b.WallClockRecvMs
}

// Stale reports whether this snapshot's freshness exceeds maxAgeMs.
func (b BookSnapshot) Stale(nowMs int64, maxAgeMs int64) bool {
	return b.FreshnessMs(nowMs) > maxAgeMs
}

// ————————————————————————————————————————————————————————————————————————
// Orders
// ————————————————————————————————————————————————————————————————————————

// OrderDraft is a not-yet-priced order. Price is bound only at submission
// time, after the admission check has run.
type OrderDraft struct {
	Side        Side
	Qty         decimal.Decimal
	TIF         TimeInForce
	PositionIdx PositionIdx
	ReduceOnly  bool
	Price       decimal.Decimal
}

// OrderFinal is the terminal state of one order, as delivered by the private
// account stream to any registered waiter.
type OrderFinal struct {
	OrderID      string
	Status       OrderStatus
	FilledQty    decimal.Decimal
	AveragePrice decimal.Decimal
}

// ————————————————————————————————————————————————————————————————————————
// Positions & executions
// ————————————————————————————————————————————————————————————————————————

// PositionKey identifies one row of the position cache.
type PositionKey struct {
	Symbol      string
	PositionIdx PositionIdx
	Side        Side
}

// ExecutionRecord is one fill as reported by the private stream or REST
// fallback, used by the PnL reconstructor.
type ExecutionRecord struct {
	OrderID   string
	Side      Side
	Qty       decimal.Decimal
	Price     decimal.Decimal
	ExecTimeMs int64
	FeeUSDT   decimal.Decimal
}

// ————————————————————————————————————————————————————————————————————————
// Trade plan
// ————————————————————————————————————————————————————————————————————————

// TradePlan is the derived schedule and admission parameters for one payout.
type TradePlan struct {
	Symbol        string
	PayoutServerMs int64
	OpenServerMs   int64
	CloseServerMs  int64
	FixServerMs    int64
	RefPxFix       decimal.Decimal
	EntryBpsPlan   decimal.Decimal
	PositionIdx    PositionIdx
	Qty            decimal.Decimal
}

// ————————————————————————————————————————————————————————————————————————
// Bybit v5 WebSocket wire shapes
// ————————————————————————————————————————————————————————————————————————
// These map close to 1:1 to the JSON frames Bybit's v5 WebSocket API sends.
// Public topics: "orderbook.1.<symbol>", "publicTrade.<symbol>", "tickers.<symbol>".
// Private topics: "order", "execution", "position".

// WSEnvelope is the outer shape every Bybit v5 push frame shares; Topic is
// peeked first to route to the right typed payload.
type WSEnvelope struct {
	Topic string          `json:"topic"`
	Type  string          `json:"type"` // "snapshot" or "delta"
	TS    int64           `json:"ts"`
	Data  json.RawMessage `json:"data"`
}

// WSOrderbookLevel is one [price, size] pair as Bybit encodes it.
type WSOrderbookLevel [2]string

// WSOrderbookData is the payload of an "orderbook.1.<symbol>" push.
type WSOrderbookData struct {
	Symbol string             `json:"s"`
	Bids   []WSOrderbookLevel `json:"b"`
	Asks   []WSOrderbookLevel `json:"a"`
	Seq    int64              `json:"seq"`
}

// WSPublicTrade is one element of a "publicTrade.<symbol>" push.
type WSPublicTrade struct {
	Symbol string `json:"s"`
	Price  string `json:"p"`
	Size   string `json:"v"`
	Side   string `json:"S"`
	TimeMs int64  `json:"T"`
}

// WSTicker is the payload of a "tickers.<symbol>" push (partial — only the
// fields this engine reads).
type WSTicker struct {
	Symbol    string `json:"symbol"`
	LastPrice string `json:"lastPrice"`
}

// WSOrderUpdate is one element of a private "order" topic push.
type WSOrderUpdate struct {
	OrderID      string `json:"orderId"`
	Symbol       string `json:"symbol"`
	Side         string `json:"side"`
	OrderStatus  string `json:"orderStatus"`
	CumExecQty   string `json:"cumExecQty"`
	AvgPrice     string `json:"avgPrice"`
	PositionIdx  int    `json:"positionIdx"`
	UpdatedSeq   int64  `json:"seq"`
}

// WSExecutionUpdate is one element of a private "execution" topic push.
type WSExecutionUpdate struct {
	OrderID    string `json:"orderId"`
	Symbol     string `json:"symbol"`
	Side       string `json:"side"`
	ExecQty    string `json:"execQty"`
	ExecPrice  string `json:"execPrice"`
	ExecTimeMs string `json:"execTime"`
	ExecFee    string `json:"execFee"`
}

// WSPositionUpdate is one element of a private "position" topic push.
type WSPositionUpdate struct {
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	Size        string `json:"size"`
	PositionIdx int    `json:"positionIdx"`
	Seq         int64  `json:"seq"`
}

// WSAuthArgs is the argument list for the private-stream {"op":"auth"} frame.
type WSAuthArgs struct {
	Op   string   `json:"op"`
	Args []string `json:"args"`
}

// WSSubscribe is the {"op":"subscribe"} frame sent on both public and
// private connections.
type WSSubscribe struct {
	Op   string   `json:"op"`
	Args []string `json:"args"`
}

// WSTradeRequest is one request frame sent over the order-entry WebSocket
// (Bybit's /v5/trade endpoint). ReqID correlates it to its WSTradeResponse.
type WSTradeRequest struct {
	ReqID  string            `json:"reqId"`
	Header map[string]string `json:"header"`
	Op     string            `json:"op"`
	Args   []map[string]any  `json:"args"`
}

// WSTradeResponse is the reply frame for a WSTradeRequest, routed back to
// the caller by ReqID.
type WSTradeResponse struct {
	ReqID   string `json:"reqId"`
	RetCode int    `json:"retCode"`
	RetMsg  string `json:"retMsg"`
	Op      string `json:"op"`
	Data    struct {
		OrderID     string `json:"orderId"`
		OrderLinkID string `json:"orderLinkId"`
	} `json:"data"`
}

// ————————————————————————————————————————————————————————————————————————
// Bybit v5 REST wire shapes
// ————————————————————————————————————————————————————————————————————————

// RESTEnvelope is the outer shape of every Bybit v5 REST response.
type RESTEnvelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
	TimeMs  int64           `json:"time"`
}

// InstrumentInfo is one element of GET /v5/market/instruments-info's result list.
type InstrumentInfo struct {
	Symbol      string `json:"symbol"`
	PriceFilter struct {
		TickSize string `json:"tickSize"`
	} `json:"priceFilter"`
	LotSizeFilter struct {
		QtyStep string `json:"qtyStep"`
		MinQty  string `json:"minOrderQty"`
	} `json:"lotSizeFilter"`
}

// WalletBalanceCoin is one coin's row within GET /v5/account/wallet-balance.
type WalletBalanceCoin struct {
	Coin            string `json:"coin"`
	AvailableToWithdraw string `json:"availableToWithdraw"`
	WalletBalance   string `json:"walletBalance"`
}

// PositionInfo is one element of GET /v5/position/list's result list, used
// as the reconciliation fallback #3 in the Orchestrator.
type PositionInfo struct {
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	Size        string `json:"size"`
	PositionIdx int    `json:"positionIdx"`
}

// RESTExecution is one element of GET /v5/execution/list's result list,
// used as the PnL-reporting REST fallback.
type RESTExecution struct {
	OrderID   string `json:"orderId"`
	Symbol    string `json:"symbol"`
	Side      string `json:"side"`
	ExecQty   string `json:"execQty"`
	ExecPrice string `json:"execPrice"`
	ExecTime  string `json:"execTime"`
	ExecFee   string `json:"execFee"`
}
