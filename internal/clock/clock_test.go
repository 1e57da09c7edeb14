package clock

import (
	"context"
	"testing"
	"time"

	"fun/pkg/types"
)

// fakeRESTClient implements exchange.RESTClient with canned server times;
// only ServerTimeMs is exercised by this package.
type fakeRESTClient struct {
	serverTimes []int64
	call        int
}

func (f *fakeRESTClient) ServerTimeMs(ctx context.Context) (int64, error) {
	t := f.serverTimes[f.call]
	if f.call < len(f.serverTimes)-1 {
		f.call++
	}
	return t, nil
}

func (f *fakeRESTClient) InstrumentInfo(ctx context.Context, symbol string) (*types.InstrumentInfo, error) {
	return nil, nil
}
func (f *fakeRESTClient) WalletBalance(ctx context.Context, coin string) (*types.WalletBalanceCoin, error) {
	return nil, nil
}
func (f *fakeRESTClient) SetIsolatedMargin(ctx context.Context, symbol string) error { return nil }
func (f *fakeRESTClient) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	return nil
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

func TestMedianOddCount(t *testing.T) {
	t.Parallel()
	if got := median([]int64{5, 1, 3}); got != 3 {
		t.Errorf("median = %d, want 3", got)
	}
}

func TestMedianEvenCount(t *testing.T) {
	t.Parallel()
	if got := median([]int64{1, 2, 3, 4}); got != 2 {
		t.Errorf("median = %d, want 2 (average of 2,3 truncated)", got)
	}
}

func TestEstimateUsesMedianOffset(t *testing.T) {
	t.Parallel()
	nowMs := time.Now().UnixMilli()
	fake := &fakeRESTClient{serverTimes: []int64{
		nowMs + 100,
		nowMs + 105,
		nowMs + 500, // outlier, should not move the median much
		nowMs + 102,
		nowMs + 98,
	}}

	est := New(fake)
	offset, err := est.Estimate(context.Background())
	if err != nil {
		t.Fatalf("Estimate: %v", err)
	}

	// Median offset should land close to the cluster around +100, not be
	// dragged toward the +500 outlier.
	if offset.OffsetMs < 80 || offset.OffsetMs > 120 {
		t.Errorf("OffsetMs = %d, want roughly in [80,120]", offset.OffsetMs)
	}
}

func TestEstimateRejectsZeroProbes(t *testing.T) {
	t.Parallel()
	est := New(&fakeRESTClient{serverTimes: []int64{0}})
	if _, err := est.estimateN(context.Background(), 0); err == nil {
		t.Fatal("expected error for zero probe count")
	}
}

func TestEstimatePropagatesRESTError(t *testing.T) {
	t.Parallel()
	est := New(&erroringRESTClient{})
	if _, err := est.Estimate(context.Background()); err == nil {
		t.Fatal("expected error to propagate from REST client")
	}
}

type erroringRESTClient struct{ fakeRESTClient }

func (e *erroringRESTClient) ServerTimeMs(ctx context.Context) (int64, error) {
	return 0, context.DeadlineExceeded
}

func TestSleepUntilServerMsReturnsImmediatelyForPastTarget(t *testing.T) {
	t.Parallel()
	offset := types.ServerTimeOffset{OffsetMs: 0}
	start := time.Now()
	err := SleepUntilServerMs(context.Background(), offset, time.Now().UnixMilli()-1000)
	if err != nil {
		t.Fatalf("SleepUntilServerMs: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Errorf("took %v, expected immediate return for past target", elapsed)
	}
}

func TestSleepUntilServerMsWaitsForFutureTarget(t *testing.T) {
	t.Parallel()
	offset := types.ServerTimeOffset{OffsetMs: 0}
	target := time.Now().Add(60 * time.Millisecond).UnixMilli()
	start := time.Now()
	err := SleepUntilServerMs(context.Background(), offset, target)
	if err != nil {
		t.Fatalf("SleepUntilServerMs: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Errorf("took %v, expected to wait roughly 60ms", elapsed)
	}
}

func TestSleepUntilServerMsRespectsContext(t *testing.T) {
	t.Parallel()
	offset := types.ServerTimeOffset{OffsetMs: 0}
	target := time.Now().Add(time.Second).UnixMilli()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := SleepUntilServerMs(ctx, offset, target)
	if err == nil {
		t.Fatal("expected context deadline error")
	}
}
