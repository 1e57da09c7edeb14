package trade

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"fun/internal/exchange"
	"fun/pkg/types"
)

var upgrader = websocket.Upgrader{}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// newFakeTradeServer starts a WS server that authenticates immediately and
// answers each order.create request using respond.
func newFakeTradeServer(t *testing.T, respond func(req types.WSTradeRequest) types.WSTradeResponse) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}

			var probe struct {
				Op string `json:"op"`
			}
			if err := json.Unmarshal(msg, &probe); err != nil {
				continue
			}

			switch probe.Op {
			case "auth":
				conn.WriteJSON(map[string]any{"op": "auth", "success": true})
			case "order.create":
				var req types.WSTradeRequest
				json.Unmarshal(msg, &req)
				conn.WriteJSON(respond(req))
			}
		}
	}))
	return srv
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func newTestDraft() types.OrderDraft {
	return types.OrderDraft{
		Side:        types.Sell,
		Qty:         decimal.RequireFromString("1"),
		TIF:         types.ImmediateOrCancel,
		PositionIdx: types.PositionIdxOneWay,
		Price:       decimal.RequireFromString("10"),
	}
}

func TestCreateOrderSuccess(t *testing.T) {
	t.Parallel()
	srv := newFakeTradeServer(t, func(req types.WSTradeRequest) types.WSTradeResponse {
		resp := types.WSTradeResponse{ReqID: req.ReqID, RetCode: 0, RetMsg: "OK", Op: "order.create"}
		resp.Data.OrderID = "order-123"
		return resp
	})
	defer srv.Close()

	auth := exchange.NewAuth(exchange.Credentials{APIKey: "k", Secret: "s"}, 5000)
	ch := New(wsURL(srv.URL), auth, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ch.Run(ctx)
	waitForConn(t, ch)

	resp, err := ch.CreateOrder(context.Background(), "LPTUSDT", newTestDraft())
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if resp.Data.OrderID != "order-123" {
		t.Errorf("OrderID = %q, want order-123", resp.Data.OrderID)
	}
}

func TestCreateOrderRetriesOncePositionIdxMismatch(t *testing.T) {
	t.Parallel()
	var seenIdx []int
	srv := newFakeTradeServer(t, func(req types.WSTradeRequest) types.WSTradeResponse {
		idx, _ := req.Args[0]["positionIdx"].(float64)
		seenIdx = append(seenIdx, int(idx))

		if len(seenIdx) == 1 {
			return types.WSTradeResponse{ReqID: req.ReqID, RetCode: retCodePositionIdxMismatch, RetMsg: "position idx not match position mode", Op: "order.create"}
		}
		resp := types.WSTradeResponse{ReqID: req.ReqID, RetCode: 0, RetMsg: "OK", Op: "order.create"}
		resp.Data.OrderID = "order-456"
		return resp
	})
	defer srv.Close()

	auth := exchange.NewAuth(exchange.Credentials{APIKey: "k", Secret: "s"}, 5000)
	ch := New(wsURL(srv.URL), auth, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ch.Run(ctx)
	waitForConn(t, ch)

	draft := newTestDraft()
	draft.PositionIdx = types.PositionIdxOneWay
	resp, err := ch.CreateOrder(context.Background(), "LPTUSDT", draft)
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if resp.RetCode != 0 {
		t.Fatalf("expected retry to succeed, got retCode %d", resp.RetCode)
	}
	if len(seenIdx) != 2 {
		t.Fatalf("expected exactly 2 attempts, got %d", len(seenIdx))
	}
	if seenIdx[0] != int(types.PositionIdxOneWay) || seenIdx[1] != int(types.PositionIdxHedgeSide) {
		t.Errorf("idx sequence = %v, want [%d,%d]", seenIdx, types.PositionIdxOneWay, types.PositionIdxHedgeSide)
	}
}

func TestCreateOrderTimesOutWhenNoResponse(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
			// never respond
		}
	}))
	defer srv.Close()

	auth := exchange.NewAuth(exchange.Credentials{APIKey: "k", Secret: "s"}, 5000)
	ch := New(wsURL(srv.URL), auth, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ch.Run(ctx)
	waitForConn(t, ch)

	callCtx, callCancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer callCancel()
	_, err := ch.CreateOrder(callCtx, "LPTUSDT", newTestDraft())
	if err == nil {
		t.Fatal("expected timeout error")
	}
}

func TestDispatchIgnoresResponseWithoutReqID(t *testing.T) {
	t.Parallel()
	auth := exchange.NewAuth(exchange.Credentials{APIKey: "k", Secret: "s"}, 5000)
	ch := New("wss://example.invalid", auth, testLogger())

	ch.dispatch([]byte(`{"op":"auth","success":true}`))
	// no panic, no pending entries touched
	if len(ch.pending) != 0 {
		t.Errorf("expected no pending entries, got %d", len(ch.pending))
	}
}

func waitForConn(t *testing.T, ch *Channel) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		ch.connMu.Lock()
		connected := ch.conn != nil
		ch.connMu.Unlock()
		if connected {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for trade channel to connect")
}
