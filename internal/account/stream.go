// Package account implements the private account stream: a single
// authenticated WebSocket connection subscribed to Bybit's "order",
// "execution", and "position" topics, maintaining an in-memory cache of
// each and letting callers block for one order to reach a terminal state.
//
// Connection lifecycle (dial, auth, subscribe, ping, reconnect with
// backoff) follows the same shape as internal/market.Stream, itself
// grounded on the teacher's exchange.WSFeed user channel. What's new here
// is WaitFinal: a check-then-register pattern under a single mutex so an
// order's terminal update arriving between the submission call returning
// and the waiter registering can never be missed.
package account

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"fun/internal/exchange"
	"fun/pkg/types"
)

const (
	pingInterval     = 20 * time.Second
	readTimeout      = 40 * time.Second
	maxReconnectWait = 10 * time.Second
	writeTimeout     = 5 * time.Second
)

// Stream maintains the private order/execution/position caches for one
// symbol.
type Stream struct {
	url    string
	symbol string
	auth   *exchange.Auth
	logger *slog.Logger

	mu        sync.Mutex
	orders    map[string]types.OrderFinal         // orderID -> terminal state, once reached
	waiters   map[string]chan struct{}            // orderID -> closed when it goes terminal
	positions map[types.PositionKey]positionEntry // latest known size per key
	execs     *execRing

	healthy     bool
	lastMsgMs atomic.Int64
}

type positionEntry struct {
	size decimal.Decimal
	seq  int64
}

// New creates a private account stream for one symbol.
func New(wsURL, symbol string, auth *exchange.Auth, logger *slog.Logger) *Stream {
	return &Stream{
		url:       wsURL,
		symbol:    symbol,
		auth:      auth,
		logger:    logger.With("component", "account_stream", "symbol", symbol),
		orders:    make(map[string]types.OrderFinal),
		waiters:   make(map[string]chan struct{}),
		positions: make(map[types.PositionKey]positionEntry),
		execs:     newExecRing(executionRingSize),
	}
}

// StalenessMs returns the wall-clock milliseconds since the last message of
// any kind (order, execution, or position) was received. Returns a very
// large value before the first message ever arrives.
func (s *Stream) StalenessMs(nowMs int64) int64 {
	last := s.lastMsgMs.Load()
	if last == 0 {
		return nowMs
	}
	return nowMs - last
}

// Run connects and maintains the WebSocket connection with exponential
// backoff, until ctx is cancelled.
func (s *Stream) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		err := s.connectAndRead(ctx)
		s.setHealthy(false)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		s.logger.Warn("account stream disconnected, reconnecting", "error", err, "backoff", backoff)

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

// Healthy reports whether the connection is currently established. Run
// reconnects and resubscribes after a disconnect; WaitFinal does not
// consult this flag.
func (s *Stream) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.healthy
}

func (s *Stream) setHealthy(v bool) {
	s.mu.Lock()
	s.healthy = v
	s.mu.Unlock()
}

// WaitFinal blocks until orderID reaches a terminal OrderStatus, or ctx is
// cancelled. Safe to call before, during, or after the terminal update
// arrives: the cache check and waiter registration happen under the same
// lock, so no update can land in the gap between them.
func (s *Stream) WaitFinal(ctx context.Context, orderID string) (*types.OrderFinal, error) {
	s.mu.Lock()
	if final, ok := s.orders[orderID]; ok {
		s.mu.Unlock()
		return &final, nil
	}

	ch, ok := s.waiters[orderID]
	if !ok {
		ch = make(chan struct{})
		s.waiters[orderID] = ch
	}
	s.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-ch:
		s.mu.Lock()
		final, ok := s.orders[orderID]
		s.mu.Unlock()
		if !ok {
			return nil, fmt.Errorf("account: waiter woke for %s but no terminal state cached", orderID)
		}
		return &final, nil
	}
}

// PositionSize returns the last known resting size for a position key and
// the sequence number it was observed at. ok is false if no update for this
// key has arrived yet.
func (s *Stream) PositionSize(key types.PositionKey) (size decimal.Decimal, seq int64, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, found := s.positions[key]
	if !found {
		return decimal.Zero, 0, false
	}
	return entry.size, entry.seq, true
}

// ExecutionsInWindow returns all cached executions with ExecTimeMs in
// [startMs, endMs], oldest first.
func (s *Stream) ExecutionsInWindow(startMs, endMs int64) []types.ExecutionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.execs.inWindow(startMs, endMs)
}

func (s *Stream) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	authArgs := types.WSAuthArgs{Op: "auth", Args: s.auth.WSAuthArgs()}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(authArgs); err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	sub := types.WSSubscribe{Op: "subscribe", Args: []string{"order", "execution", "position"}}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	s.setHealthy(true)
	s.logger.Info("account stream connected")

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
				s.logger.Warn("account stream ping failed", "error", err)
				return
			}
		}
	}
}

func (s *Stream) dispatch(raw []byte) {
	var env types.WSEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return
	}
	s.lastMsgMs.Store(time.Now().UnixMilli())

	switch env.Topic {
	case "order":
		s.handleOrder(env.Data)
	case "execution":
		s.handleExecution(env.Data)
	case "position":
		s.handlePosition(env.Data)
	}
}

func (s *Stream) handleOrder(data json.RawMessage) {
	var updates []types.WSOrderUpdate
	if err := json.Unmarshal(data, &updates); err != nil {
		s.logger.Error("unmarshal order update", "error", err)
		return
	}

	for _, u := range updates {
		if u.Symbol != s.symbol {
			continue
		}
		status := types.OrderStatus(u.OrderStatus)
		if !status.IsTerminal() {
			continue
		}

		filledQty, _ := decimal.NewFromString(u.CumExecQty)
		avgPrice, _ := decimal.NewFromString(u.AvgPrice)
		final := types.OrderFinal{
			OrderID:      u.OrderID,
			Status:       status,
			FilledQty:    filledQty,
			AveragePrice: avgPrice,
		}

		s.mu.Lock()
		s.orders[u.OrderID] = final
		if ch, ok := s.waiters[u.OrderID]; ok {
			close(ch)
			delete(s.waiters, u.OrderID)
		}
		s.mu.Unlock()
	}
}

func (s *Stream) handleExecution(data json.RawMessage) {
	var updates []types.WSExecutionUpdate
	if err := json.Unmarshal(data, &updates); err != nil {
		s.logger.Error("unmarshal execution update", "error", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range updates {
		if u.Symbol != s.symbol {
			continue
		}
		qty, _ := decimal.NewFromString(u.ExecQty)
		price, _ := decimal.NewFromString(u.ExecPrice)
		fee, _ := decimal.NewFromString(u.ExecFee)
		var execTimeMs int64
		fmt.Sscanf(u.ExecTimeMs, "%d", &execTimeMs)

		rec := types.ExecutionRecord{
			OrderID:    u.OrderID,
			Side:       types.Side(u.Side),
			Qty:        qty,
			Price:      price,
			ExecTimeMs: execTimeMs,
			FeeUSDT:    fee,
		}

		s.execs.push(rec)
	}
}

func (s *Stream) handlePosition(data json.RawMessage) {
	var updates []types.WSPositionUpdate
	if err := json.Unmarshal(data, &updates); err != nil {
		s.logger.Error("unmarshal position update", "error", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range updates {
		if u.Symbol != s.symbol {
			continue
		}
		key := types.PositionKey{
			Symbol:      u.Symbol,
			PositionIdx: types.PositionIdx(u.PositionIdx),
			Side:        types.Side(u.Side),
		}
		existing, ok := s.positions[key]
		if ok && u.Seq <= existing.seq {
			continue // stale update, cache is sequence-monotonic
		}
		size, _ := decimal.NewFromString(u.Size)
		s.positions[key] = positionEntry{size: size, seq: u.Seq}
	}
}
