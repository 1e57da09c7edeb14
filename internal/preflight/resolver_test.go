package preflight

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"fun/pkg/types"
)

type fakePositionSource struct {
	size decimal.Decimal
	seq  int64
	ok   bool
}

func (f fakePositionSource) PositionSize(key types.PositionKey) (decimal.Decimal, int64, bool) {
	return f.size, f.seq, f.ok
}

type fakeRESTClient struct {
	instrument        *types.InstrumentInfo
	instrumentErr     error
	balance           *types.WalletBalanceCoin
	balanceErr        error
	setIsolatedErr    error
	setLeverageErr    error
	setIsolatedCalled bool
	setLeverageCalled bool
}

func (f *fakeRESTClient) ServerTimeMs(ctx context.Context) (int64, error) { return 0, nil }

func (f *fakeRESTClient) InstrumentInfo(ctx context.Context, symbol string) (*types.InstrumentInfo, error) {
	return f.instrument, f.instrumentErr
}

func (f *fakeRESTClient) WalletBalance(ctx context.Context, coin string) (*types.WalletBalanceCoin, error) {
	return f.balance, f.balanceErr
}

func (f *fakeRESTClient) SetIsolatedMargin(ctx context.Context, symbol string) error {
	f.setIsolatedCalled = true
	return f.setIsolatedErr
}

func (f *fakeRESTClient) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	f.setLeverageCalled = true
	return f.setLeverageErr
}

func (f *fakeRESTClient) PositionSize(ctx context.Context, symbol string, positionIdx int, side types.Side) (*types.PositionInfo, error) {
	return nil, nil
}

func (f *fakeRESTClient) ExecutionsInWindow(ctx context.Context, symbol string, startMs, endMs int64) ([]types.RESTExecution, error) {
	return nil, nil
}

func (f *fakeRESTClient) FundingTime(ctx context.Context, symbol string) (int64, error) {
	return 0, nil
}

func (f *fakeRESTClient) CreateOrder(ctx context.Context, symbol string, draft types.OrderDraft) (*types.WSTradeResponse, error) {
	return nil, nil
}

func validInstrument() *types.InstrumentInfo {
	info := &types.InstrumentInfo{}
	info.PriceFilter.TickSize = "0.0001"
	info.LotSizeFilter.QtyStep = "0.01"
	info.LotSizeFilter.MinQty = "1"
	return info
}

func TestResolveHappyPath(t *testing.T) {
	t.Parallel()
	rest := &fakeRESTClient{
		instrument: validInstrument(),
		balance:    &types.WalletBalanceCoin{AvailableToWithdraw: "1000"},
	}
	acct := fakePositionSource{size: decimal.NewFromInt(3), seq: 1, ok: true}

	res, err := Resolve(context.Background(), rest, acct, "LPTUSDT",
		decimal.NewFromInt(10), decimal.NewFromFloat(5.0),
		decimal.NewFromInt(5), decimal.NewFromInt(10))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	if res.Instrument.TickSize.String() != "0.0001" {
		t.Errorf("TickSize = %s, want 0.0001", res.Instrument.TickSize)
	}
	if res.ShortBefore.String() != "3" {
		t.Errorf("ShortBefore = %s, want 3", res.ShortBefore)
	}
	if !rest.setIsolatedCalled || !rest.setLeverageCalled {
		t.Error("expected both SetIsolatedMargin and SetLeverage to be called")
	}
}

func TestResolveInstrumentInfoErrorPropagates(t *testing.T) {
	t.Parallel()
	rest := &fakeRESTClient{instrumentErr: errors.New("boom")}
	_, err := Resolve(context.Background(), rest, fakePositionSource{}, "LPTUSDT",
		decimal.NewFromInt(10), decimal.NewFromFloat(5.0), decimal.Zero, decimal.Zero)
	if err == nil {
		t.Fatal("expected error from instrument info failure")
	}
}

func TestResolveRejectsQtyBelowMinimum(t *testing.T) {
	t.Parallel()
	rest := &fakeRESTClient{
		instrument: validInstrument(),
		balance:    &types.WalletBalanceCoin{AvailableToWithdraw: "1000"},
	}
	_, err := Resolve(context.Background(), rest, fakePositionSource{}, "LPTUSDT",
		decimal.NewFromFloat(0.5), decimal.NewFromFloat(5.0), decimal.Zero, decimal.Zero)
	if err == nil {
		t.Fatal("expected error: qty below instrument minimum")
	}
}

func TestResolveRejectsInsufficientBalance(t *testing.T) {
	t.Parallel()
	rest := &fakeRESTClient{
		instrument: validInstrument(),
		balance:    &types.WalletBalanceCoin{AvailableToWithdraw: "10"},
	}
	_, err := Resolve(context.Background(), rest, fakePositionSource{}, "LPTUSDT",
		decimal.NewFromInt(10), decimal.NewFromFloat(5.0),
		decimal.NewFromInt(5), decimal.NewFromInt(10))
	if err == nil {
		t.Fatal("expected error: insufficient balance for notional + buffer + fee margin")
	}
}

func TestResolveIsolatedMarginFailureIsNonFatal(t *testing.T) {
	t.Parallel()
	rest := &fakeRESTClient{
		instrument:     validInstrument(),
		balance:        &types.WalletBalanceCoin{AvailableToWithdraw: "1000"},
		setIsolatedErr: errors.New("already isolated"),
		setLeverageErr: errors.New("already set"),
	}
	res, err := Resolve(context.Background(), rest, fakePositionSource{}, "LPTUSDT",
		decimal.NewFromInt(10), decimal.NewFromFloat(5.0), decimal.Zero, decimal.Zero)
	if err != nil {
		t.Fatalf("Resolve should not fail when margin/leverage calls error: %v", err)
	}
	if res == nil {
		t.Fatal("expected a result even when best-effort calls fail")
	}
}

func TestResolveShortBeforeDefaultsToZeroWithoutPositionUpdate(t *testing.T) {
	t.Parallel()
	rest := &fakeRESTClient{
		instrument: validInstrument(),
		balance:    &types.WalletBalanceCoin{AvailableToWithdraw: "1000"},
	}
	res, err := Resolve(context.Background(), rest, fakePositionSource{}, "LPTUSDT",
		decimal.NewFromInt(10), decimal.NewFromFloat(5.0), decimal.Zero, decimal.Zero)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !res.ShortBefore.IsZero() {
		t.Errorf("ShortBefore = %s, want 0 when no position update has ever arrived", res.ShortBefore)
	}
}

func TestResolveRejectsInvalidInstrumentFilters(t *testing.T) {
	t.Parallel()
	bad := &types.InstrumentInfo{}
	bad.PriceFilter.TickSize = "not-a-number"
	bad.LotSizeFilter.QtyStep = "0.01"
	bad.LotSizeFilter.MinQty = "1"

	rest := &fakeRESTClient{instrument: bad}
	_, err := Resolve(context.Background(), rest, fakePositionSource{}, "LPTUSDT",
		decimal.NewFromInt(10), decimal.NewFromFloat(5.0), decimal.Zero, decimal.Zero)
	if err == nil {
		t.Fatal("expected error from malformed tick size")
	}
}

