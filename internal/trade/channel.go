// Package trade implements the order-entry WebSocket (Bybit's /v5/trade
// endpoint): a single authenticated connection where every request carries
// a client-generated reqId, and the matching response is routed back to
// the caller that sent it rather than broadcast to a shared queue.
//
// Request/response correlation via a pendingRequests map keyed by reqId is
// grounded directly on the retrieved Bybit TradingWS reference
// (sendRequest/readMessages); this package narrows that reference's
// create/amend/cancel/batch surface down to the single CreateOrder
// operation this engine ever needs, plus the exactly-once
// position-index-mismatch retry spec requires.
package trade

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"fun/internal/exchange"
	"fun/pkg/types"
)

const (
	requestTimeout   = 5 * time.Second
	pingInterval     = 20 * time.Second
	readTimeout      = 40 * time.Second
	writeTimeout     = 5 * time.Second
	maxReconnectWait = 10 * time.Second

	// retCode Bybit returns when the supplied positionIdx doesn't match the
	// account's current position mode (one-way vs hedge). 10001 also covers
	// other invalid-parameter rejections, so the retry keys on the message
	// too rather than the code alone.
	retCodePositionIdxMismatch    = 10001
	retCodePositionIdxMismatchMsg = "position idx not match position mode"
)

// Channel is the order-entry WebSocket connection; the symbol is supplied
// per CreateOrder call.
type Channel struct {
	url    string
	auth   *exchange.Auth
	logger *slog.Logger

	connMu sync.Mutex
	conn   *websocket.Conn

	pendingMu sync.Mutex
	pending   map[string]chan types.WSTradeResponse
}

// New creates a trade-submission channel. Call Run to start it; Run blocks
// until ctx is cancelled.
func New(wsURL string, auth *exchange.Auth, logger *slog.Logger) *Channel {
	return &Channel{
		url:     wsURL,
		auth:    auth,
		logger:  logger.With("component", "trade_channel"),
		pending: make(map[string]chan types.WSTradeResponse),
	}
}

// Run connects and maintains the WebSocket connection with exponential
// backoff, until ctx is cancelled. When a connection drops, every request
// still awaiting its reply receives a response with RetCode -1 carrying the
// disconnect error in RetMsg; the request itself is not resent.
func (c *Channel) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		err := c.connectAndRead(ctx)
		c.failAllPending(fmt.Errorf("trade channel: connection lost: %w", err))
		if ctx.Err() != nil {
			return ctx.Err()
		}

		c.logger.Warn("trade channel disconnected, reconnecting", "error", err, "backoff", backoff)

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

// CreateOrder submits draft as a single IOC order at the given price and
// position index, waiting for the trade channel's ack. On a
// position-idx-does-not-match-account-mode rejection it retries exactly
// once with the opposite PositionIdx — the one static reconciliation spec
// calls for instead of a separate account-mode probe.
func (c *Channel) CreateOrder(ctx context.Context, symbol string, draft types.OrderDraft) (*types.WSTradeResponse, error) {
	resp, err := c.submit(ctx, symbol, draft)
	if err != nil {
		return nil, err
	}
	if resp.RetCode == retCodePositionIdxMismatch && strings.Contains(resp.RetMsg, retCodePositionIdxMismatchMsg) {
		retryDraft := draft
		retryDraft.PositionIdx = draft.PositionIdx.Opposite()
		c.logger.Warn("position idx mismatch, retrying with opposite idx",
			"orig_idx", draft.PositionIdx, "retry_idx", retryDraft.PositionIdx)
		return c.submit(ctx, symbol, retryDraft)
	}
	return resp, nil
}

func (c *Channel) submit(ctx context.Context, symbol string, draft types.OrderDraft) (*types.WSTradeResponse, error) {
	reqID := generateReqID()
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)

	req := types.WSTradeRequest{
		ReqID: reqID,
		Header: map[string]string{
			"X-BAPI-TIMESTAMP": ts,
		},
		Op: "order.create",
		Args: []map[string]any{
			{
				"category":    "linear",
				"symbol":      symbol,
				"side":        string(draft.Side),
				"orderType":   "Limit",
				"qty":         draft.Qty.String(),
				"price":       draft.Price.String(),
				"timeInForce": string(draft.TIF),
				"positionIdx": int(draft.PositionIdx),
				"reduceOnly":  draft.ReduceOnly,
			},
		},
	}

	respCh := make(chan types.WSTradeResponse, 1)
	c.pendingMu.Lock()
	c.pending[reqID] = respCh
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, reqID)
		c.pendingMu.Unlock()
	}()

	if err := c.writeJSON(req); err != nil {
		return nil, fmt.Errorf("trade channel: send: %w", err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case resp := <-respCh:
		return &resp, nil
	case <-time.After(requestTimeout):
		return nil, fmt.Errorf("trade channel: request %s timed out after %s", reqID, requestTimeout)
	}
}

func (c *Channel) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	defer func() {
		c.connMu.Lock()
		c.conn = nil
		c.connMu.Unlock()
	}()

	authArgs := types.WSAuthArgs{Op: "auth", Args: c.auth.WSAuthArgs()}
	if err := c.writeJSON(authArgs); err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	c.logger.Info("trade channel connected")

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go c.pingLoop(pingCtx)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		c.dispatch(msg)
	}
}

func (c *Channel) dispatch(raw []byte) {
	var resp types.WSTradeResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return // auth ack / pong frames don't carry a reqId
	}
	if resp.ReqID == "" {
		return
	}

	c.pendingMu.Lock()
	ch, ok := c.pending[resp.ReqID]
	c.pendingMu.Unlock()
	if !ok {
		c.logger.Debug("trade channel response for unknown reqId", "reqId", resp.ReqID)
		return
	}

	select {
	case ch <- resp:
	default:
	}
}

func (c *Channel) failAllPending(err error) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for reqID, ch := range c.pending {
		select {
		case ch <- types.WSTradeResponse{ReqID: reqID, RetCode: -1, RetMsg: err.Error()}:
		default:
		}
	}
}

func (c *Channel) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.writeJSON(map[string]string{"op": "ping"}); err != nil {
				c.logger.Warn("trade channel ping failed", "error", err)
				return
			}
		}
	}
}

func (c *Channel) writeJSON(v any) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("not connected")
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(v)
}

func generateReqID() string {
	return uuid.NewString()
}
