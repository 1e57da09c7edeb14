// Command fun harvests one negative perpetual-futures funding payment on
// Bybit: it resolves the instrument, fixes a reference price just before
// the scheduled payout, opens a short, holds it for a sub-two-second
// window, closes it, and prints a single summary line.
//
// Usage:
//
//	fun "<SYMBOL> <EXCHANGE> <QTY> <FUNDING_PCT>"
//
// Example:
//
//	fun "LPT Bybit 10 -0.1%"
//
// Credentials are read from BYBIT_API_KEY / BYBIT_API_SECRET; most other
// tunables are FUN_* environment variables loaded by internal/config, while
// FUN_LOG_JSON and the FUN_*_URL endpoint overrides are read here in main.
// This entry point wires components A-J from the design doc: it owns the
// process lifecycle (dial the three WebSocket subsystems, run preflight,
// hand a TradePlan to the Orchestrator, drain logs, exit) and nothing else
// — the funding-opportunity scanner, chat notifications, and argument
// parsing beyond the one positional string are external collaborators per
// scope.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"fun/internal/account"
	"fun/internal/clock"
	"fun/internal/config"
	"fun/internal/exchange"
	"fun/internal/logging"
	"fun/internal/market"
	"fun/internal/orchestrator"
	"fun/internal/preflight"
	"fun/internal/quant"
	"fun/internal/trade"
	"fun/pkg/types"
)

const (
	defaultRestBaseURL  = "https://api.bybit.com"
	defaultPublicWSURL  = "wss://stream.bybit.com/v5/public/linear"
	defaultPrivateWSURL = "wss://stream.bybit.com/v5/private"
	defaultTradeWSURL   = "wss://stream.bybit.com/v5/trade"
	streamReadyTimeout  = 10 * time.Second
)

// endpointOr returns the FUN_* env var override for a Bybit endpoint, or
// def if unset — lets a testnet or a local mock stand in without touching
// code, the same escape hatch the teacher's own config layer provides for
// every other tunable.
func endpointOr(envVar, def string) string {
	if v := os.Getenv(envVar); v != "" {
		return v
	}
	return def
}

func main() {
	os.Exit(run())
}

// run returns the process exit code: 0 on clean completion of a payout
// (including SkipStale, SkipDown/SKIP OPEN, NoFill, and ResidualOpen, all
// of which are non-fatal per spec §7), non-zero only on a configurational
// error discovered before any network activity.
func run() int {
	if len(os.Args) != 2 {
		fmt.Fprintln(os.Stderr, `usage: fun "<SYMBOL> <EXCHANGE> <QTY> <FUNDING_PCT>"`)
		return 1
	}

	runArgs, err := config.ParseRunArgs(os.Args[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "fun: %v\n", err)
		return 1
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "fun: load config: %v\n", err)
		return 1
	}

	creds := exchange.Credentials{
		APIKey: os.Getenv("BYBIT_API_KEY"),
		Secret: os.Getenv("BYBIT_API_SECRET"),
	}
	if creds.APIKey == "" || creds.Secret == "" {
		fmt.Fprintln(os.Stderr, "fun: BYBIT_API_KEY and BYBIT_API_SECRET must be set")
		return 1
	}

	logger, logQueue := logging.New(slog.LevelInfo, os.Getenv("FUN_LOG_JSON") == "1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Warn("received shutdown signal", "signal", sig.String())
		cancel()
	}()

	report := runPayout(ctx, logger, cfg, runArgs, creds)

	drainCtx, drainCancel := context.WithTimeout(context.Background(), time.Second)
	defer drainCancel()
	logQueue.Drain(drainCtx)

	if report != nil {
		printSummary(report)
	}
	return 0
}

// runPayout runs one payout and returns its report, or nil when the payout
// was abandoned before completion (the cause has already been logged).
func runPayout(ctx context.Context, logger *slog.Logger, cfg *config.Config, runArgs *config.RunArgs, creds exchange.Credentials) *orchestrator.Report {
	auth := exchange.NewAuth(creds, 5000)
	rest := exchange.NewClient(endpointOr("FUN_REST_BASE_URL", defaultRestBaseURL), auth, logger)

	estimator := clock.New(rest)
	offset, err := estimator.Estimate(ctx)
	if err != nil {
		logger.Error("server time estimation failed", "error", err)
		return nil
	}
	logger.Info("server time offset estimated", "offset_ms", offset.OffsetMs)

	marketStream := market.New(endpointOr("FUN_PUBLIC_WS_URL", defaultPublicWSURL), runArgs.Symbol, logger)
	acctStream := account.New(endpointOr("FUN_PRIVATE_WS_URL", defaultPrivateWSURL), runArgs.Symbol, auth, logger)
	tradeChannel := trade.New(endpointOr("FUN_TRADE_WS_URL", defaultTradeWSURL), auth, logger)

	streamCtx, stopStreams := context.WithCancel(ctx)
	defer stopStreams()
	go marketStream.Run(streamCtx)
	go acctStream.Run(streamCtx)
	go tradeChannel.Run(streamCtx)

	if !waitReady(ctx, marketStream, streamReadyTimeout) {
		logger.Error("public market stream never became ready")
		return nil
	}

	payoutServerMs, err := rest.FundingTime(ctx, runArgs.Symbol)
	if err != nil {
		logger.Error("fetch next funding time failed", "error", err)
		return nil
	}

	if err := clock.SleepUntilServerMs(ctx, offset, payoutServerMs-cfg.Timing.FastPrepLead().Milliseconds()); err != nil {
		logger.Error("wait for preflight lead failed", "error", err)
		return nil
	}

	qty := decimal.NewFromFloat(runArgs.Qty)
	snap := marketStream.Snapshot()
	result, err := preflight.Resolve(ctx, rest, acctStream, runArgs.Symbol, qty, snap.BestBid,
		decimal.NewFromFloat(cfg.Safety.BalanceBufferUSDT), decimal.NewFromFloat(cfg.Safety.BalanceFeeSafetyBps))
	if err != nil {
		logger.Error("preflight failed", "error", err)
		return nil
	}

	plan := buildPlan(runArgs, cfg, result.Instrument, payoutServerMs)

	var tradeSource orchestrator.TradeSource = tradeChannel
	if !cfg.Channels.UseTradeWS {
		tradeSource = restTradeSource{rest}
	}

	deps := orchestrator.Deps{
		Market:     marketStream,
		Account:    acctStream,
		Trade:      tradeSource,
		Rest:       rest,
		Offset:     offset,
		Instrument: result.Instrument,
		FundingPct: runArgs.FundingPct,
		Timing:     cfg.Timing,
		Admission:  cfg.Admission,
		Pricing:    cfg.Pricing,
		Safety:     cfg.Safety,
		Logger:     logger,
	}

	orch := orchestrator.New(deps)
	report, err := orch.Run(ctx, plan, result.ShortBefore)
	if err != nil {
		logger.Error("orchestrator run failed", "error", err)
		return nil
	}

	return report
}

// restTradeSource adapts exchange.RESTClient's CreateOrder to
// orchestrator.TradeSource, used when FUN_USE_TRADE_WS=0 forces the
// slower REST-only submission path named in spec §6.
type restTradeSource struct {
	rest exchange.RESTClient
}

func (r restTradeSource) CreateOrder(ctx context.Context, symbol string, draft types.OrderDraft) (*types.WSTradeResponse, error) {
	return r.rest.CreateOrder(ctx, symbol, draft)
}

func waitReady(ctx context.Context, m *market.Stream, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if m.Ready() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(25 * time.Millisecond):
		}
	}
}

// buildPlan computes the fix/open/close deadlines in server time per spec
// §4.F's timeline, and quantises qty to the resolved instrument's step.
func buildPlan(runArgs *config.RunArgs, cfg *config.Config, instrument types.Instrument, payoutServerMs int64) types.TradePlan {
	qty := quant.FloorToStep(decimal.NewFromFloat(runArgs.Qty), instrument.QtyStep)

	return types.TradePlan{
		Symbol:         runArgs.Symbol,
		PayoutServerMs: payoutServerMs,
		FixServerMs:    payoutServerMs - cfg.Timing.WSFixLeadMs,
		OpenServerMs:   payoutServerMs - cfg.Timing.OpenEarlyMs,
		CloseServerMs:  payoutServerMs + int64(cfg.Timing.FastCloseDelaySec*1000),
		PositionIdx:    types.PositionIdxOneWay,
		Qty:            qty,
	}
}

// printSummary prints the single summary line spec §8 requires, with every
// field a human or a log-scraping alert channel would need to reconcile a
// payout after the fact.
func printSummary(report *orchestrator.Report) {
	fmt.Printf(
		"fun summary: symbol=%s phase=%s opened_qty=%s closed_qty=%s buys=%s@%s sells=%s@%s fees=%s pnl_usdt=%s warning=%q\n",
		report.Symbol,
		report.FinalPhase,
		report.OpenedQty.String(),
		report.ClosedQty.String(),
		report.PnL.BuyQty.String(), report.PnL.AvgBuyPx.String(),
		report.PnL.SellQty.String(), report.PnL.AvgSellPx.String(),
		report.PnL.TotalFees.String(),
		report.PnL.RealisedPnL.String(),
		report.Warning,
	)
}
