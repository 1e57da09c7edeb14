// Package orchestrator drives a single funding-payout harvest from the
// fix point through close and reporting. It is the central state machine
// of the engine — grounded on the teacher's engine.Engine in shape (a
// struct wired from narrow component interfaces, one method per lifecycle
// phase) but re-derived entirely: the teacher runs a long-lived multi-market
// loop, this runs exactly one linear pass over a single payout and returns.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"fun/internal/clock"
	"fun/internal/config"
	"fun/internal/exchange"
	"fun/internal/pnl"
	"fun/internal/quant"
	"fun/pkg/types"
)

const (
	openAckTimeout   = 500 * time.Millisecond
	openFillTimeout  = 1500 * time.Millisecond
	closeAckTimeout  = 500 * time.Millisecond
	closeFillTimeout = 1500 * time.Millisecond

	reconcilePollInterval = 25 * time.Millisecond
	reconcilePollBudget   = 2 * time.Second

	reportingPreWindowMs  = 5000
	reportingPostWindowMs = 10000
)

// MarketSource is the narrow read surface of internal/market.Stream this
// package depends on.
type MarketSource interface {
	Snapshot() types.BookSnapshot
	Ready() bool
}

// AccountSource is the narrow read/wait surface of internal/account.Stream
// this package depends on.
type AccountSource interface {
	WaitFinal(ctx context.Context, orderID string) (*types.OrderFinal, error)
	PositionSize(key types.PositionKey) (size decimal.Decimal, seq int64, ok bool)
	ExecutionsInWindow(startMs, endMs int64) []types.ExecutionRecord
}

// TradeSource is the narrow submission surface of internal/trade.Channel
// this package depends on.
type TradeSource interface {
	CreateOrder(ctx context.Context, symbol string, draft types.OrderDraft) (*types.WSTradeResponse, error)
}

// Deps bundles every collaborator the orchestrator needs for one payout.
type Deps struct {
	Market     MarketSource
	Account    AccountSource
	Trade      TradeSource
	Rest       exchange.RESTClient
	Offset     types.ServerTimeOffset
	Instrument types.Instrument
	FundingPct float64
	Timing     config.TimingConfig
	Admission  config.AdmissionConfig
	Pricing    config.PricingConfig
	Safety     config.SafetyConfig
	Logger     *slog.Logger
}

// Report is the single summary produced at the end of a payout, per §8.
type Report struct {
	Symbol     string
	FinalPhase Phase
	OpenedQty  decimal.Decimal
	ClosedQty  decimal.Decimal
	PnL        pnl.Summary
	Warning    string
}

// Orchestrator runs one payout to completion.
type Orchestrator struct {
	deps Deps
}

// New constructs an Orchestrator over the given collaborators.
func New(deps Deps) *Orchestrator {
	return &Orchestrator{deps: deps}
}

// runState carries working values between phase handlers. It is not shared
// across goroutines: the orchestrator's suspension points (sleep, wait_final,
// create_order) are sequential per §5.
type runState struct {
	plan          types.TradePlan
	shortBefore   decimal.Decimal
	orderID       string
	final         *types.OrderFinal
	openedQty     decimal.Decimal
	closedQty     decimal.Decimal
	warning       string
	pnlSummary    pnl.Summary
	terminalPhase Phase
}

// Run drives the payout state machine from Preflight to End and returns the
// final report. plan must already carry FixServerMs/OpenServerMs/CloseServerMs
// and the symbol/qty/position index; RefPxFix and EntryBpsPlan are computed
// during the fix step. shortBefore is the resting short size observed by
// preflight before the window opened.
func (o *Orchestrator) Run(ctx context.Context, plan types.TradePlan, shortBefore decimal.Decimal) (*Report, error) {
	st := &runState{plan: plan, shortBefore: shortBefore}
	phase := PhasePreflight

	for {
		if terminal(phase) {
			st.terminalPhase = phase
		}

		var next Phase
		var err error
		switch phase {
		case PhasePreflight:
			next, err = o.fix(ctx, st)
		case PhaseFixed:
			next, err = o.open(ctx, st)
		case PhaseOpening:
			next, err = o.awaitAck(ctx, st)
		case PhaseAcked:
			next, err = o.awaitFill(ctx, st)
		case PhaseOpenError, PhaseUnfilled, PhaseSkipDown:
			next, err = o.reconcile(ctx, st)
		case PhaseFilled:
			next = PhaseClosing
		case PhaseSkipStale, PhaseNoFill:
			next = PhaseReporting
		case PhaseClosing:
			next, err = o.closePosition(ctx, st)
		case PhaseClosed, PhaseResidualOpen:
			next = PhaseReporting
		case PhaseReporting:
			next = o.report(st)
		case PhaseEnd:
			return o.buildReport(st), nil
		default:
			return nil, fmt.Errorf("orchestrator: unhandled phase %s", phase)
		}
		if err != nil {
			o.deps.Logger.Error("orchestrator phase error", "phase", phase, "error", err)
		}
		phase = next
		if phase == PhaseEnd {
			return o.buildReport(st), nil
		}
	}
}

func (o *Orchestrator) buildReport(st *runState) *Report {
	return &Report{
		Symbol:     st.plan.Symbol,
		FinalPhase: st.terminalPhase,
		OpenedQty:  st.openedQty,
		ClosedQty:  st.closedQty,
		PnL:        st.pnlSummary,
		Warning:    st.warning,
	}
}

// fix implements the fix step: sleep to fix_server_ms, read the public
// snapshot, abort SkipStale if it's too old, else compute ref_px_fix and the
// admission plan.
func (o *Orchestrator) fix(ctx context.Context, st *runState) (Phase, error) {
	if err := clock.SleepUntilServerMs(ctx, o.deps.Offset, st.plan.FixServerMs); err != nil {
		return PhaseSkipStale, err
	}

	snap := o.deps.Market.Snapshot()
	nowMs := o.deps.Offset.ToServerMs(time.Now())
	if !o.deps.Market.Ready() || snap.Stale(nowMs, o.deps.Safety.OpenMaxStalenessMs) {
		st.warning = "fix snapshot stale or not ready"
		return PhaseSkipStale, nil
	}

	refPx := snap.LastTradeClose
	if snap.BestBid.LessThan(refPx) {
		refPx = snap.BestBid
	}
	st.plan.RefPxFix = refPx

	fundingBps := decimal.NewFromFloat(o.deps.FundingPct * 100).Abs() // pct -> bps
	plan := decimal.NewFromFloat(o.deps.Admission.EntryBaseBps).
		Add(decimal.NewFromFloat(o.deps.Admission.EntryFundingMult).Mul(fundingBps))
	min := decimal.NewFromFloat(o.deps.Admission.EntryMinBps)
	max := decimal.NewFromFloat(o.deps.Admission.EntryMaxBps)
	st.plan.EntryBpsPlan = clampDecimal(plan, min, max)

	return PhaseFixed, nil
}

func clampDecimal(x, lo, hi decimal.Decimal) decimal.Decimal {
	if x.LessThan(lo) {
		return lo
	}
	if x.GreaterThan(hi) {
		return hi
	}
	return x
}

// open implements the open step: sleep to open_server_ms, re-read the
// snapshot, evaluate admission, and either submit an order or skip.
func (o *Orchestrator) open(ctx context.Context, st *runState) (Phase, error) {
	if err := clock.SleepUntilServerMs(ctx, o.deps.Offset, st.plan.OpenServerMs); err != nil {
		return PhaseSkipDown, err
	}

	snap := o.deps.Market.Snapshot()
	downBps := st.plan.RefPxFix.Sub(snap.BestBid).Div(st.plan.RefPxFix).Mul(decimal.NewFromInt(10_000))
	if downBps.GreaterThan(st.plan.EntryBpsPlan) {
		st.warning = fmt.Sprintf("SKIP OPEN: down_bps=%s > entry_bps_plan=%s", downBps, st.plan.EntryBpsPlan)
		return PhaseSkipDown, nil
	}

	entryTicks := entryTickOffset(o.deps.Pricing)
	tick := o.deps.Instrument.TickSize
	limitPx := quant.FloorToStep(snap.BestBid.Sub(tick.Mul(decimal.NewFromInt(int64(entryTicks)))), tick)

	draft := types.OrderDraft{
		Side:        types.Sell,
		Qty:         st.plan.Qty,
		TIF:         types.ImmediateOrCancel,
		PositionIdx: st.plan.PositionIdx,
		ReduceOnly:  false,
		Price:       limitPx,
	}

	ackCtx, cancel := context.WithTimeout(ctx, openAckTimeout)
	defer cancel()
	resp, err := o.deps.Trade.CreateOrder(ackCtx, st.plan.Symbol, draft)
	if err != nil || resp == nil || resp.Data.OrderID == "" {
		st.warning = "open acknowledgement error or no order_id"
		return PhaseOpenError, err
	}

	st.orderID = resp.Data.OrderID
	return PhaseOpening, nil
}

func entryTickOffset(p config.PricingConfig) int {
	max := p.OpenLimitTicks
	if p.OpenSafetyTicks > max {
		max = p.OpenSafetyTicks
	}
	if p.OpenSafetyMinTicks > max {
		max = p.OpenSafetyMinTicks
	}
	if max < 1 {
		max = 1
	}
	return max
}

// awaitAck exists only to keep the phase switch total; by the time Opening
// is reached, open() has already resolved Acked vs OpenError, so this is a
// pass-through to Acked.
func (o *Orchestrator) awaitAck(ctx context.Context, st *runState) (Phase, error) {
	return PhaseAcked, nil
}

// awaitFill calls wait_final with a hard timeout; a positive filled_qty is
// authoritative, a timeout or zero fill is not conclusive and defers to
// reconciliation.
func (o *Orchestrator) awaitFill(ctx context.Context, st *runState) (Phase, error) {
	waitCtx, cancel := context.WithTimeout(ctx, openFillTimeout)
	defer cancel()
	final, err := o.deps.Account.WaitFinal(waitCtx, st.orderID)
	if err != nil {
		st.warning = "ambiguous fill: wait_final timed out"
		return PhaseUnfilled, nil
	}
	st.final = final
	if final.FilledQty.IsPositive() {
		st.openedQty = final.FilledQty
		return PhaseFilled, nil
	}
	return PhaseUnfilled, nil
}

// reconcile computes opened_qty with the documented priority order:
// OrderFinal.filled_qty, then a position-cache delta, then a REST fallback.
func (o *Orchestrator) reconcile(ctx context.Context, st *runState) (Phase, error) {
	if st.final != nil && st.final.FilledQty.IsPositive() {
		st.openedQty = st.final.FilledQty
		return PhaseClosing, nil
	}

	key := types.PositionKey{Symbol: st.plan.Symbol, PositionIdx: st.plan.PositionIdx, Side: types.Sell}
	if size, _, ok := o.pollPositionDelta(ctx, key, st.shortBefore); ok {
		delta := size.Sub(st.shortBefore)
		if delta.IsPositive() {
			st.openedQty = delta
			return PhaseClosing, nil
		}
	}

	if o.deps.Rest != nil {
		info, err := o.deps.Rest.PositionSize(ctx, st.plan.Symbol, int(st.plan.PositionIdx), types.Sell)
		if err == nil && info != nil {
			size, parseErr := decimal.NewFromString(info.Size)
			if parseErr == nil {
				delta := size.Sub(st.shortBefore)
				if delta.IsPositive() {
					st.openedQty = delta
					return PhaseClosing, nil
				}
			}
		}
	}

	return PhaseNoFill, nil
}

// pollPositionDelta polls the position cache briefly, since a just-opened
// position may not have propagated to the private stream the instant
// reconciliation begins. It returns as soon as the cached size exceeds
// baseline; at the poll budget it returns the last cached value, if any.
func (o *Orchestrator) pollPositionDelta(ctx context.Context, key types.PositionKey, baseline decimal.Decimal) (decimal.Decimal, int64, bool) {
	deadline := time.Now().Add(reconcilePollBudget)
	for {
		size, seq, ok := o.deps.Account.PositionSize(key)
		if ok && size.GreaterThan(baseline) {
			return size, seq, true
		}
		if time.Now().After(deadline) {
			return size, seq, ok
		}
		select {
		case <-ctx.Done():
			return size, seq, ok
		case <-time.After(reconcilePollInterval):
		}
	}
}

// closePosition repeatedly submits an aggressively-priced reduce-only buy
// until the account's Buy-side position size for this symbol reaches zero,
// or the attempt budget is exhausted.
func (o *Orchestrator) closePosition(ctx context.Context, st *runState) (Phase, error) {
	if err := clock.SleepUntilServerMs(ctx, o.deps.Offset, st.plan.CloseServerMs); err != nil {
		return PhaseResidualOpen, err
	}

	closeKey := types.PositionKey{Symbol: st.plan.Symbol, PositionIdx: st.plan.PositionIdx, Side: types.Buy}
	remaining := st.openedQty

	for attempt := 1; attempt <= o.deps.Timing.FastCloseMaxAttempts; attempt++ {
		snap := o.deps.Market.Snapshot()
		entryTicks := entryTickOffset(o.deps.Pricing)
		tick := o.deps.Instrument.TickSize
		limitPx := quant.CeilToStep(snap.BestAsk.Add(tick.Mul(decimal.NewFromInt(int64(entryTicks)))), tick)

		draft := types.OrderDraft{
			Side:        types.Buy,
			Qty:         remaining,
			TIF:         types.ImmediateOrCancel,
			PositionIdx: st.plan.PositionIdx,
			ReduceOnly:  true,
			Price:       limitPx,
		}

		ackCtx, cancel := context.WithTimeout(ctx, closeAckTimeout)
		resp, err := o.deps.Trade.CreateOrder(ackCtx, st.plan.Symbol, draft)
		cancel()
		if err == nil && resp != nil && resp.Data.OrderID != "" {
			waitCtx, waitCancel := context.WithTimeout(ctx, closeFillTimeout)
			final, waitErr := o.deps.Account.WaitFinal(waitCtx, resp.Data.OrderID)
			waitCancel()
			if waitErr == nil && final.FilledQty.IsPositive() {
				st.closedQty = st.closedQty.Add(final.FilledQty)
			}
		}

		if size, _, ok := o.deps.Account.PositionSize(closeKey); ok && size.IsZero() {
			return PhaseClosed, nil
		}

		remaining = st.openedQty.Sub(st.closedQty)
		if !remaining.IsPositive() {
			remaining = st.openedQty
		}
	}

	st.warning = fmt.Sprintf("residual position open after %d close attempts", o.deps.Timing.FastCloseMaxAttempts)
	return PhaseResidualOpen, nil
}

// report fetches executions over the payout window and feeds them to the
// PnL reconstructor, falling back to REST if the private stream has nothing
// cached for the window.
func (o *Orchestrator) report(st *runState) Phase {
	startMs := st.plan.OpenServerMs - reportingPreWindowMs
	endMs := st.plan.CloseServerMs + reportingPostWindowMs

	execs := o.deps.Account.ExecutionsInWindow(startMs, endMs)
	if len(execs) == 0 && o.deps.Rest != nil {
		restExecs, err := o.deps.Rest.ExecutionsInWindow(context.Background(), st.plan.Symbol, startMs, endMs)
		if err == nil {
			execs = convertRESTExecutions(restExecs)
		}
	}

	st.pnlSummary = pnl.Summarize(execs)
	return PhaseEnd
}

func convertRESTExecutions(restExecs []types.RESTExecution) []types.ExecutionRecord {
	out := make([]types.ExecutionRecord, 0, len(restExecs))
	for _, e := range restExecs {
		qty, _ := decimal.NewFromString(e.ExecQty)
		price, _ := decimal.NewFromString(e.ExecPrice)
		fee, _ := decimal.NewFromString(e.ExecFee)
		var execTimeMs int64
		fmt.Sscanf(e.ExecTime, "%d", &execTimeMs)
		out = append(out, types.ExecutionRecord{
			OrderID:    e.OrderID,
			Side:       types.Side(e.Side),
			Qty:        qty,
			Price:      price,
			ExecTimeMs: execTimeMs,
			FeeUSDT:    fee,
		})
	}
	return out
}
