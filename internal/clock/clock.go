// Package clock estimates the offset between local wall-clock time and
// Bybit's server time, so every downstream deadline (fix/open/close) can be
// computed in server time and then translated back to a local sleep target.
//
// The estimator takes N sequential round-trip probes against the REST
// server-time endpoint and uses the median implied offset, which is more
// robust to one slow probe than a mean would be.
package clock

import (
	"context"
	"fmt"
	"sort"
	"time"

	"fun/internal/exchange"
	"fun/pkg/types"
)

// DefaultProbeCount is how many round trips Estimate takes before settling
// on a median offset.
const DefaultProbeCount = 5

// Estimator computes a ServerTimeOffset once at startup and exposes it to
// the rest of the engine. It does not re-sample during a run — spec's
// latency budget has no room for a mid-trade re-probe, and drift over the
// lifetime of one payout cycle is assumed negligible.
type Estimator struct {
	rest exchange.RESTClient
}

// New creates an Estimator backed by the given REST client.
func New(rest exchange.RESTClient) *Estimator {
	return &Estimator{rest: rest}
}

// Estimate runs DefaultProbeCount round trips against the server-time
// endpoint and returns the median implied offset.
func (e *Estimator) Estimate(ctx context.Context) (types.ServerTimeOffset, error) {
	return e.estimateN(ctx, DefaultProbeCount)
}

func (e *Estimator) estimateN(ctx context.Context, n int) (types.ServerTimeOffset, error) {
	if n < 1 {
		return types.ServerTimeOffset{}, fmt.Errorf("clock: probe count must be >= 1, got %d", n)
	}

	offsets := make([]int64, 0, n)
	for i := 0; i < n; i++ {
		sendLocal := time.Now()
		serverMs, err := e.rest.ServerTimeMs(ctx)
		recvLocal := time.Now()
		if err != nil {
			return types.ServerTimeOffset{}, fmt.Errorf("clock: probe %d: %w", i, err)
		}

		// Assume the server stamped its response at the midpoint of the
		// round trip, so half the trip latency is attributed to each leg.
		rtt := recvLocal.Sub(sendLocal)
		midpointLocalMs := sendLocal.Add(rtt / 2).UnixMilli()
		offsets = append(offsets, serverMs-midpointLocalMs)
	}

	return types.ServerTimeOffset{OffsetMs: median(offsets)}, nil
}

func median(xs []int64) int64 {
	sorted := make([]int64, len(xs))
	copy(sorted, xs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}

// SleepUntilServerMs blocks until the local wall clock reaches the local
// instant corresponding to targetServerMs, or ctx is cancelled. Returns
// immediately (no error) if the target is already in the past.
func SleepUntilServerMs(ctx context.Context, offset types.ServerTimeOffset, targetServerMs int64) error {
	targetLocalMs := offset.ToLocalMs(targetServerMs)
	delay := time.Until(time.UnixMilli(targetLocalMs))
	if delay <= 0 {
		return nil
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
