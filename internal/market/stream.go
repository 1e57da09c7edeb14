// Package market implements the public market-data stream: a single
// WebSocket connection subscribed to orderbook, public-trade, and ticker
// topics for one symbol, exposing the latest state as an atomically-read
// snapshot.
//
// The connection lifecycle (dial, subscribe, ping, dispatch, reconnect with
// backoff) is grounded on the teacher's exchange.WSFeed; this stream drops
// the teacher's multi-channel typed-event design in favor of a single
// latest-snapshot cache, because the orchestrator only ever needs "what is
// the book right now", never a backlog of deltas.
package market

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"fun/pkg/types"
)

const (
	pingInterval     = 20 * time.Second
	readTimeout      = 40 * time.Second
	maxReconnectWait = 10 * time.Second
	writeTimeout     = 5 * time.Second
)

// Stream maintains the public orderbook.1 / publicTrade / tickers feed for
// one symbol and exposes the latest snapshot lock-free via atomic.Pointer.
type Stream struct {
	url    string
	symbol string
	logger *slog.Logger

	snapshot atomic.Pointer[types.BookSnapshot]
	healthy  atomic.Bool
	seenBid  atomic.Bool
	seenAsk  atomic.Bool
}

// Health summarizes the stream's state for logging.
type Health struct {
	Connected  bool
	Ready      bool
	StalenessMs int64
}

// New creates a public market-data stream for one symbol. Call Run to start
// it; Run blocks until ctx is cancelled.
func New(wsURL, symbol string, logger *slog.Logger) *Stream {
	return &Stream{
		url:    wsURL,
		symbol: symbol,
		logger: logger.With("component", "market_stream", "symbol", symbol),
	}
}

// Snapshot returns the most recently received book state. The zero value
// (all-zero decimals, WallClockRecvMs=0) is returned before the first
// message arrives — callers should treat that as maximally stale.
func (s *Stream) Snapshot() types.BookSnapshot {
	if p := s.snapshot.Load(); p != nil {
		return *p
	}
	return types.BookSnapshot{}
}

// Healthy reports whether the connection is currently established. A
// reconnecting stream is unhealthy even if its last snapshot is still
// within the staleness window.
func (s *Stream) Healthy() bool {
	return s.healthy.Load()
}

// Ready reports whether at least one bid and one ask have been observed
// since the stream started.
func (s *Stream) Ready() bool {
	return s.seenBid.Load() && s.seenAsk.Load()
}

// Health reports a coarse connected/ready/staleness summary for logging.
func (s *Stream) Health() Health {
	return Health{
		Connected:   s.Healthy(),
		Ready:       s.Ready(),
		StalenessMs: s.Snapshot().FreshnessMs(time.Now().UnixMilli()),
	}
}

// Run connects and maintains the WebSocket connection with exponential
// backoff, until ctx is cancelled.
func (s *Stream) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		err := s.connectAndRead(ctx)
		s.healthy.Store(false)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		s.logger.Warn("market stream disconnected, reconnecting", "error", err, "backoff", backoff)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

func (s *Stream) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	sub := types.WSSubscribe{
		Op: "subscribe",
		Args: []string{
			"orderbook.1." + s.symbol,
			"publicTrade." + s.symbol,
			"tickers." + s.symbol,
		},
	}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	s.healthy.Store(true)
	s.logger.Info("market stream connected")

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go s.pingLoop(pingCtx, conn)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		s.dispatch(msg)
	}
}

func (s *Stream) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(map[string]string{"op": "ping"}); err != nil {
				s.logger.Warn("market stream ping failed", "error", err)
				return
			}
		}
	}
}

func (s *Stream) dispatch(raw []byte) {
	var env types.WSEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return // control frames (pong, subscribe ack) don't match WSEnvelope
	}

	switch {
	case env.Topic == "orderbook.1."+s.symbol:
		s.handleOrderbook(env.Data)
	case env.Topic == "publicTrade."+s.symbol:
		s.handleTrade(env.Data)
	case env.Topic == "tickers."+s.symbol:
		s.handleTicker(env.Data)
	}
}

func (s *Stream) handleOrderbook(data json.RawMessage) {
	var ob types.WSOrderbookData
	if err := json.Unmarshal(data, &ob); err != nil {
		s.logger.Error("unmarshal orderbook", "error", err)
		return
	}
	if len(ob.Bids) == 0 && len(ob.Asks) == 0 {
		return
	}

	prev := s.Snapshot()
	next := prev
	next.WallClockRecvMs = time.Now().UnixMilli()

	if len(ob.Bids) > 0 {
		if bid, err := decimal.NewFromString(ob.Bids[0][0]); err == nil {
			next.BestBid = bid
			s.seenBid.Store(true)
		}
	}
	if len(ob.Asks) > 0 {
		if ask, err := decimal.NewFromString(ob.Asks[0][0]); err == nil {
			next.BestAsk = ask
			s.seenAsk.Store(true)
		}
	}
	s.snapshot.Store(&next)
}

func (s *Stream) handleTrade(data json.RawMessage) {
	var trades []types.WSPublicTrade
	if err := json.Unmarshal(data, &trades); err != nil {
		s.logger.Error("unmarshal public trade", "error", err)
		return
	}
	if len(trades) == 0 {
		return
	}
	last := trades[len(trades)-1]
	px, err := decimal.NewFromString(last.Price)
	if err != nil {
		return
	}

	prev := s.Snapshot()
	next := prev
	next.LastTradeClose = px
	next.WallClockRecvMs = time.Now().UnixMilli()
	s.snapshot.Store(&next)
}

func (s *Stream) handleTicker(data json.RawMessage) {
	var tk types.WSTicker
	if err := json.Unmarshal(data, &tk); err != nil {
		s.logger.Error("unmarshal ticker", "error", err)
		return
	}
	if tk.LastPrice == "" {
		return
	}
	px, err := decimal.NewFromString(tk.LastPrice)
	if err != nil {
		return
	}

	prev := s.Snapshot()
	next := prev
	next.LastTradeClose = px
	next.WallClockRecvMs = time.Now().UnixMilli()
	s.snapshot.Store(&next)
}
