package types

import (
	"testing"
	"time"
)

func msToTime(ms int64) time.Time {
	return time.UnixMilli(ms)
}

func TestServerTimeOffsetRoundTrip(t *testing.T) {
	t.Parallel()
	off := ServerTimeOffset{OffsetMs: 37}
	serverMs := int64(1_700_000_000_000)
	local := off.ToLocalMs(serverMs)
	if off.ToServerMs(msToTime(local)) != serverMs {
		t.Errorf("round trip broke: got %d, want %d", off.ToServerMs(msToTime(local)), serverMs)
	}
}

func TestBookSnapshotStale(t *testing.T) {
	t.Parallel()
	snap := BookSnapshot{WallClockRecvMs: 1000}
	if snap.Stale(1100, 200) {
		t.Error("snapshot should not be stale at 100ms old with 200ms threshold")
	}
	if !snap.Stale(1300, 200) {
		t.Error("snapshot should be stale at 300ms old with 200ms threshold")
	}
}

func TestPositionIdxOpposite(t *testing.T) {
	t.Parallel()
	if PositionIdxOneWay.Opposite() != PositionIdxHedgeSide {
		t.Error("one-way should flip to hedge side")
	}
	if PositionIdxHedgeSide.Opposite() != PositionIdxOneWay {
		t.Error("hedge side should flip to one-way")
	}
}

func TestOrderStatusIsTerminal(t *testing.T) {
	t.Parallel()
	terminal := []OrderStatus{StatusFilled, StatusPartiallyFilled, StatusCancelled, StatusRejected}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	if StatusNew.IsTerminal() {
		t.Error("New should not be terminal")
	}
}
