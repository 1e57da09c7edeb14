// Package preflight resolves everything the Execution Orchestrator needs
// before the critical window opens: instrument filters, account balance
// headroom, best-effort margin/leverage configuration, and the pre-window
// short position size used as a reconciliation baseline.
//
// Runs once, FastPrepLead before the payout — grounded on the teacher's
// engine.New/Start sequencing of one-time setup calls ahead of the main
// loop, narrowed here to a single synchronous resolve step instead of a
// long-lived goroutine.
package preflight

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"fun/internal/exchange"
	"fun/pkg/types"
)

// PositionSource is the narrow slice of internal/account.Stream this package
// depends on: a read of the last known resting size for a position key.
type PositionSource interface {
	PositionSize(key types.PositionKey) (size decimal.Decimal, seq int64, ok bool)
}

// Result is everything the Orchestrator needs to build a TradePlan.
type Result struct {
	Instrument  types.Instrument
	ShortBefore decimal.Decimal // resting short size observed before the window opens
}

// Resolve runs the preflight sequence for one symbol: instrument filters,
// balance headroom, best-effort isolated-margin/leverage, and the
// short_before baseline. refPrice is the book price used to size the
// notional for the balance check (read once from the public stream, caller's
// responsibility to wait for Ready()). qty is checked against the
// instrument's minimum order quantity; no minimum-notional filter is checked.
func Resolve(ctx context.Context, rest exchange.RESTClient, acct PositionSource, symbol string, qty, refPrice decimal.Decimal, balanceBufferUSDT, balanceFeeSafetyBps decimal.Decimal) (*Result, error) {
	info, err := rest.InstrumentInfo(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("preflight: instrument info: %w", err)
	}

	instrument, err := toInstrument(symbol, info)
	if err != nil {
		return nil, fmt.Errorf("preflight: %w", err)
	}

	if err := checkBalance(ctx, rest, qty, refPrice, instrument, balanceBufferUSDT, balanceFeeSafetyBps); err != nil {
		return nil, err
	}

	// Isolated margin and leverage are best-effort: an error from either
	// call does not abort preflight. The errors are discarded here and are
	// not logged.
	_ = rest.SetIsolatedMargin(ctx, symbol)
	_ = rest.SetLeverage(ctx, symbol, 1)

	shortBefore := decimal.Zero
	key := types.PositionKey{Symbol: symbol, PositionIdx: types.PositionIdxOneWay, Side: types.Sell}
	if size, _, ok := acct.PositionSize(key); ok {
		shortBefore = size
	}

	return &Result{Instrument: instrument, ShortBefore: shortBefore}, nil
}

func toInstrument(symbol string, info *types.InstrumentInfo) (types.Instrument, error) {
	tick, err := decimal.NewFromString(info.PriceFilter.TickSize)
	if err != nil || !tick.IsPositive() {
		return types.Instrument{}, fmt.Errorf("invalid tick size %q for %s", info.PriceFilter.TickSize, symbol)
	}
	step, err := decimal.NewFromString(info.LotSizeFilter.QtyStep)
	if err != nil || !step.IsPositive() {
		return types.Instrument{}, fmt.Errorf("invalid qty step %q for %s", info.LotSizeFilter.QtyStep, symbol)
	}
	minQty, err := decimal.NewFromString(info.LotSizeFilter.MinQty)
	if err != nil || !minQty.IsPositive() {
		return types.Instrument{}, fmt.Errorf("invalid min qty %q for %s", info.LotSizeFilter.MinQty, symbol)
	}

	return types.Instrument{
		Symbol:   symbol,
		TickSize: tick,
		QtyStep:  step,
		MinQty:   minQty,
	}, nil
}

func checkBalance(ctx context.Context, rest exchange.RESTClient, qty, refPrice decimal.Decimal, instrument types.Instrument, bufferUSDT, feeSafetyBps decimal.Decimal) error {
	bal, err := rest.WalletBalance(ctx, "USDT")
	if err != nil {
		return fmt.Errorf("preflight: wallet balance: %w", err)
	}
	available, err := decimal.NewFromString(bal.AvailableToWithdraw)
	if err != nil {
		return fmt.Errorf("preflight: parse wallet balance: %w", err)
	}

	if qty.LessThan(instrument.MinQty) {
		return fmt.Errorf("preflight: qty %s below instrument minimum %s", qty, instrument.MinQty)
	}

	notional := qty.Mul(refPrice)
	feeMargin := notional.Mul(feeSafetyBps).Div(decimal.NewFromInt(10_000))
	required := notional.Add(feeMargin).Add(bufferUSDT)

	if available.LessThan(required) {
		return fmt.Errorf("preflight: insufficient balance: available=%s required=%s (notional=%s fee_margin=%s buffer=%s)",
			available, required, notional, feeMargin, bufferUSDT)
	}

	return nil
}
