// Package pnl computes realised profit-and-loss over a set of execution
// records using exact decimal arithmetic. No network or clock dependency:
// every function here is a pure fold over []types.ExecutionRecord, mirroring
// the teacher's strategy/inventory style of keeping settlement math free of I/O.
package pnl

import (
	"github.com/shopspring/decimal"

	"fun/pkg/types"
)

// Summary is the realised result of a closed round-trip: one short entry
// followed by a cover, possibly split across several partial fills.
type Summary struct {
	BuyQty      decimal.Decimal
	SellQty     decimal.Decimal
	AvgBuyPx    decimal.Decimal
	AvgSellPx   decimal.Decimal
	TotalFees   decimal.Decimal
	RealisedPnL decimal.Decimal
}

// Summarize partitions execs into buys and sells, computes volume-weighted
// average prices for each side, and returns realised PnL as
// sum(sell_qty*sell_px) - sum(buy_qty*buy_px) - sum(fees).
//
// This assumes execs represents a single closed position (entry side sells,
// exit side buys, or vice versa) — the orchestrator is responsible for only
// ever passing executions belonging to one payout's round-trip.
func Summarize(execs []types.ExecutionRecord) Summary {
	var buyQty, buyNotional decimal.Decimal
	var sellQty, sellNotional decimal.Decimal
	var fees decimal.Decimal

	for _, e := range execs {
		notional := e.Qty.Mul(e.Price)
		fees = fees.Add(e.FeeUSDT)
		switch e.Side {
		case types.Buy:
			buyQty = buyQty.Add(e.Qty)
			buyNotional = buyNotional.Add(notional)
		case types.Sell:
			sellQty = sellQty.Add(e.Qty)
			sellNotional = sellNotional.Add(notional)
		}
	}

	avgBuy := decimal.Zero
	if buyQty.IsPositive() {
		avgBuy = buyNotional.Div(buyQty)
	}
	avgSell := decimal.Zero
	if sellQty.IsPositive() {
		avgSell = sellNotional.Div(sellQty)
	}

	realised := sellNotional.Sub(buyNotional).Sub(fees)

	return Summary{
		BuyQty:      buyQty,
		SellQty:     sellQty,
		AvgBuyPx:    avgBuy,
		AvgSellPx:   avgSell,
		TotalFees:   fees,
		RealisedPnL: realised,
	}
}

// Add combines two summaries computed over disjoint time windows of the same
// position into the summary that would have resulted from running Summarize
// over their concatenated executions. Quantities, notionals (derived back
// from qty*avgPx), and fees all add; PnL is additive by construction since it
// is itself a linear function of those sums.
func Add(a, b Summary) Summary {
	buyNotional := a.AvgBuyPx.Mul(a.BuyQty).Add(b.AvgBuyPx.Mul(b.BuyQty))
	sellNotional := a.AvgSellPx.Mul(a.SellQty).Add(b.AvgSellPx.Mul(b.SellQty))
	buyQty := a.BuyQty.Add(b.BuyQty)
	sellQty := a.SellQty.Add(b.SellQty)

	avgBuy := decimal.Zero
	if buyQty.IsPositive() {
		avgBuy = buyNotional.Div(buyQty)
	}
	avgSell := decimal.Zero
	if sellQty.IsPositive() {
		avgSell = sellNotional.Div(sellQty)
	}

	return Summary{
		BuyQty:      buyQty,
		SellQty:     sellQty,
		AvgBuyPx:    avgBuy,
		AvgSellPx:   avgSell,
		TotalFees:   a.TotalFees.Add(b.TotalFees),
		RealisedPnL: a.RealisedPnL.Add(b.RealisedPnL),
	}
}
