package market

import (
	"log/slog"
	"os"
	"testing"
)

func newTestStream() *Stream {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return New("wss://example.invalid", "LPTUSDT", logger)
}

func TestSnapshotZeroValueBeforeFirstMessage(t *testing.T) {
	t.Parallel()
	s := newTestStream()
	snap := s.Snapshot()
	if snap.WallClockRecvMs != 0 {
		t.Errorf("WallClockRecvMs = %d, want 0 before any message", snap.WallClockRecvMs)
	}
}

func TestDispatchOrderbookUpdatesBestBidAsk(t *testing.T) {
	t.Parallel()
	s := newTestStream()

	raw := []byte(`{"topic":"orderbook.1.LPTUSDT","type":"snapshot","ts":1,"data":{"s":"LPTUSDT","b":[["9.50","100"]],"a":[["9.55","80"]],"seq":1}}`)
	s.dispatch(raw)

	snap := s.Snapshot()
	if snap.BestBid.String() != "9.5" {
		t.Errorf("BestBid = %s, want 9.5", snap.BestBid.String())
	}
	if snap.BestAsk.String() != "9.55" {
		t.Errorf("BestAsk = %s, want 9.55", snap.BestAsk.String())
	}
	if snap.WallClockRecvMs == 0 {
		t.Error("WallClockRecvMs should be stamped on receipt")
	}
}

func TestDispatchOrderbookPreservesUnchangedSide(t *testing.T) {
	t.Parallel()
	s := newTestStream()

	s.dispatch([]byte(`{"topic":"orderbook.1.LPTUSDT","type":"snapshot","ts":1,"data":{"s":"LPTUSDT","b":[["9.50","100"]],"a":[["9.55","80"]],"seq":1}}`))
	// A bid-only delta should not zero out the ask side.
	s.dispatch([]byte(`{"topic":"orderbook.1.LPTUSDT","type":"delta","ts":2,"data":{"s":"LPTUSDT","b":[["9.51","90"]],"a":[],"seq":2}}`))

	snap := s.Snapshot()
	if snap.BestBid.String() != "9.51" {
		t.Errorf("BestBid = %s, want 9.51", snap.BestBid.String())
	}
	if snap.BestAsk.String() != "9.55" {
		t.Errorf("BestAsk = %s, want unchanged 9.55", snap.BestAsk.String())
	}
}

func TestDispatchPublicTradeUpdatesLastClose(t *testing.T) {
	t.Parallel()
	s := newTestStream()

	raw := []byte(`{"topic":"publicTrade.LPTUSDT","type":"snapshot","ts":1,"data":[{"s":"LPTUSDT","p":"9.52","v":"2","S":"Buy","T":1700000000000}]}`)
	s.dispatch(raw)

	snap := s.Snapshot()
	if snap.LastTradeClose.String() != "9.52" {
		t.Errorf("LastTradeClose = %s, want 9.52", snap.LastTradeClose.String())
	}
}

func TestDispatchTickerUpdatesLastClose(t *testing.T) {
	t.Parallel()
	s := newTestStream()

	raw := []byte(`{"topic":"tickers.LPTUSDT","type":"snapshot","ts":1,"data":{"symbol":"LPTUSDT","lastPrice":"9.60"}}`)
	s.dispatch(raw)

	snap := s.Snapshot()
	if snap.LastTradeClose.String() != "9.6" {
		t.Errorf("LastTradeClose = %s, want 9.6", snap.LastTradeClose.String())
	}
}

func TestDispatchIgnoresUnknownTopic(t *testing.T) {
	t.Parallel()
	s := newTestStream()

	s.dispatch([]byte(`{"topic":"orderbook.1.OTHERSYM","type":"snapshot","ts":1,"data":{"s":"OTHERSYM","b":[["1","1"]],"a":[["2","1"]],"seq":1}}`))

	snap := s.Snapshot()
	if snap.WallClockRecvMs != 0 {
		t.Error("expected snapshot untouched for a topic not matching our symbol")
	}
}

func TestDispatchIgnoresMalformedFrame(t *testing.T) {
	t.Parallel()
	s := newTestStream()
	s.dispatch([]byte(`not json`))

	snap := s.Snapshot()
	if snap.WallClockRecvMs != 0 {
		t.Error("expected snapshot untouched for malformed frame")
	}
}

func TestBookSnapshotStalenessFromStream(t *testing.T) {
	t.Parallel()
	s := newTestStream()
	s.dispatch([]byte(`{"topic":"tickers.LPTUSDT","type":"snapshot","ts":1,"data":{"symbol":"LPTUSDT","lastPrice":"1"}}`))

	snap := s.Snapshot()
	now := snap.WallClockRecvMs + 500
	if !snap.Stale(now, 200) {
		t.Error("expected snapshot to be stale after 500ms with a 200ms budget")
	}
	if snap.Stale(now, 1000) {
		t.Error("expected snapshot to be fresh within a 1000ms budget")
	}
}

func TestHealthyFalseBeforeConnect(t *testing.T) {
	t.Parallel()
	s := newTestStream()
	if s.Healthy() {
		t.Error("expected Healthy() = false before Run is ever called")
	}
}

func TestReadyRequiresBothBidAndAsk(t *testing.T) {
	t.Parallel()
	s := newTestStream()
	if s.Ready() {
		t.Error("expected Ready() = false before any orderbook message")
	}

	s.dispatch([]byte(`{"topic":"orderbook.1.LPTUSDT","type":"snapshot","ts":1,"data":{"s":"LPTUSDT","b":[["9.50","100"]],"a":[],"seq":1}}`))
	if s.Ready() {
		t.Error("expected Ready() = false with only a bid observed")
	}

	s.dispatch([]byte(`{"topic":"orderbook.1.LPTUSDT","type":"delta","ts":2,"data":{"s":"LPTUSDT","b":[],"a":[["9.55","80"]],"seq":2}}`))
	if !s.Ready() {
		t.Error("expected Ready() = true once both bid and ask observed")
	}
}

func TestHealthReflectsConnectedAndReady(t *testing.T) {
	t.Parallel()
	s := newTestStream()
	h := s.Health()
	if h.Connected || h.Ready {
		t.Errorf("expected fresh stream unconnected and not ready, got %+v", h)
	}
}
