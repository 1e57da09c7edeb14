// Package config defines all configuration for the `fun` funding-payout
// execution engine. Config is sourced entirely from FUN_* environment
// variables (there is no YAML file — the engine has no persisted-config
// surface); the positional CLI argument is parsed separately into RunArgs.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds every tunable named in spec §6, with defaults registered so
// a bare environment still produces a runnable engine.
type Config struct {
	Timing   TimingConfig
	Admission AdmissionConfig
	Pricing  PricingConfig
	Safety   SafetyConfig
	Channels ChannelsConfig
}

type TimingConfig struct {
	FastPrepLeadSec      float64
	FastCloseDelaySec    float64
	FastCloseMaxAttempts int
	OpenEarlyMs          int64
	WSFixLeadMs          int64
	LateTolMs            int64
}

type AdmissionConfig struct {
	EntryBaseBps   float64
	EntryFundingMult float64
	EntryMinBps    float64
	EntryMaxBps    float64
}

type PricingConfig struct {
	OpenLimitTicks    int
	OpenSafetyTicks   int
	OpenSafetyMinTicks int
}

type SafetyConfig struct {
	OpenMaxStalenessMs   int64
	BalanceBufferUSDT    float64
	BalanceFeeSafetyBps  float64
}

type ChannelsConfig struct {
	UseTradeWS bool
}

// RunArgs is the parsed form of the single CLI positional argument:
// `fun "<SYMBOL> <EXCHANGE> <QTY> <FUNDING_PCT>"`.
type RunArgs struct {
	Symbol     string
	Exchange   string
	Qty        float64
	FundingPct float64 // e.g. -0.5 means -0.5%
}

// Load reads configuration from FUN_* environment variables, applying the
// defaults from spec §6 for anything unset.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("FUN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("fast_prep_lead_sec", 2.0)
	v.SetDefault("fast_close_delay_sec", 1.2)
	v.SetDefault("fast_close_max_attempts", 15)
	v.SetDefault("open_early_ms", 30)
	v.SetDefault("ws_fix_lead_ms", 30)
	v.SetDefault("late_tol_ms", 400)

	v.SetDefault("entry_base_bps", 40.0)
	v.SetDefault("entry_funding_mult", 0.9)
	v.SetDefault("entry_min_bps", 30.0)
	v.SetDefault("entry_max_bps", 2500.0)

	v.SetDefault("open_limit_ticks", 1)
	v.SetDefault("open_safety_ticks", 1)
	v.SetDefault("open_safety_min_ticks", 3)

	v.SetDefault("open_max_staleness_ms", 200)
	v.SetDefault("balance_buffer_usdt", 0.0)
	v.SetDefault("balance_fee_safety_bps", 20.0)

	v.SetDefault("use_trade_ws", true)

	cfg := &Config{
		Timing: TimingConfig{
			FastPrepLeadSec:      v.GetFloat64("fast_prep_lead_sec"),
			FastCloseDelaySec:    v.GetFloat64("fast_close_delay_sec"),
			FastCloseMaxAttempts: v.GetInt("fast_close_max_attempts"),
			OpenEarlyMs:          v.GetInt64("open_early_ms"),
			WSFixLeadMs:          v.GetInt64("ws_fix_lead_ms"),
			LateTolMs:            v.GetInt64("late_tol_ms"),
		},
		Admission: AdmissionConfig{
			EntryBaseBps:     v.GetFloat64("entry_base_bps"),
			EntryFundingMult: v.GetFloat64("entry_funding_mult"),
			EntryMinBps:      v.GetFloat64("entry_min_bps"),
			EntryMaxBps:      v.GetFloat64("entry_max_bps"),
		},
		Pricing: PricingConfig{
			OpenLimitTicks:     v.GetInt("open_limit_ticks"),
			OpenSafetyTicks:    v.GetInt("open_safety_ticks"),
			OpenSafetyMinTicks: v.GetInt("open_safety_min_ticks"),
		},
		Safety: SafetyConfig{
			OpenMaxStalenessMs:  v.GetInt64("open_max_staleness_ms"),
			BalanceBufferUSDT:   v.GetFloat64("balance_buffer_usdt"),
			BalanceFeeSafetyBps: v.GetFloat64("balance_fee_safety_bps"),
		},
		Channels: ChannelsConfig{
			UseTradeWS: v.GetBool("use_trade_ws"),
		},
	}

	return cfg, nil
}

// ParseRunArgs parses the one positional CLI argument into RunArgs and
// refuses non-negative funding percentages per spec §6.
func ParseRunArgs(arg string) (*RunArgs, error) {
	fields := strings.Fields(arg)
	if len(fields) != 4 {
		return nil, fmt.Errorf("expected \"<SYMBOL> <EXCHANGE> <QTY> <FUNDING_PCT>\", got %q", arg)
	}

	qty, err := strconv.ParseFloat(fields[2], 64)
	if err != nil {
		return nil, fmt.Errorf("invalid quantity %q: %w", fields[2], err)
	}

	pctStr := strings.TrimSuffix(fields[3], "%")
	pct, err := strconv.ParseFloat(pctStr, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid funding percentage %q: %w", fields[3], err)
	}

	args := &RunArgs{
		Symbol:     fields[0],
		Exchange:   fields[1],
		Qty:        qty,
		FundingPct: pct,
	}

	if err := args.Validate(); err != nil {
		return nil, err
	}
	return args, nil
}

// Validate enforces the configurational checks spec §7 requires to fail
// fast before any network activity.
func (a *RunArgs) Validate() error {
	if a.Symbol == "" {
		return fmt.Errorf("symbol is required")
	}
	if !strings.EqualFold(a.Exchange, "Bybit") {
		return fmt.Errorf("unsupported exchange %q: only Bybit is implemented", a.Exchange)
	}
	if a.Qty <= 0 {
		return fmt.Errorf("quantity must be > 0, got %v", a.Qty)
	}
	if a.FundingPct >= 0 {
		return fmt.Errorf("funding_pct must be negative (short-only harvesting), got %v", a.FundingPct)
	}
	return nil
}

// FastCloseDelay returns the close delay as a time.Duration.
func (t TimingConfig) FastCloseDelay() time.Duration {
	return time.Duration(t.FastCloseDelaySec * float64(time.Second))
}

// FastPrepLead returns the preflight lead time as a time.Duration.
func (t TimingConfig) FastPrepLead() time.Duration {
	return time.Duration(t.FastPrepLeadSec * float64(time.Second))
}
