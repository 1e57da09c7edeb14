// client.go is the Bybit v5 REST client: server time, instrument filters,
// wallet balance, best-effort isolated-margin/leverage configuration, and
// the position/execution fallback reads the Orchestrator and PnL
// reconstructor use when the private WebSocket stream can't answer.
//
// Every request except the server-time probe is rate-limited via a
// per-category TokenBucket, and resty retries on 5xx responses and transport
// errors — grounded directly on the teacher's exchange.Client.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"

	"fun/pkg/types"
)

// RESTClient is the narrow surface the rest of the engine depends on. It
// replaces the "duck-typed exchange object" called out in spec §9 with an
// explicit Go interface so internal/preflight and internal/orchestrator
// never depend on the concrete resty-backed type.
type RESTClient interface {
	ServerTimeMs(ctx context.Context) (int64, error)
	InstrumentInfo(ctx context.Context, symbol string) (*types.InstrumentInfo, error)
	WalletBalance(ctx context.Context, coin string) (*types.WalletBalanceCoin, error)
	SetIsolatedMargin(ctx context.Context, symbol string) error
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	PositionSize(ctx context.Context, symbol string, positionIdx int, side types.Side) (*types.PositionInfo, error)
	ExecutionsInWindow(ctx context.Context, symbol string, startMs, endMs int64) ([]types.RESTExecution, error)
	FundingTime(ctx context.Context, symbol string) (int64, error)
	CreateOrder(ctx context.Context, symbol string, draft types.OrderDraft) (*types.WSTradeResponse, error)
}

// Client is the resty-backed implementation of RESTClient.
type Client struct {
	http   *resty.Client
	auth   *Auth
	rl     *RateLimiter
	logger *slog.Logger
}

// NewClient creates a REST client with rate limiting and retry.
func NewClient(baseURL string, auth *Auth, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(5 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	return &Client{
		http:   httpClient,
		auth:   auth,
		rl:     NewRateLimiter(),
		logger: logger.With("component", "rest_client"),
	}
}

var _ RESTClient = (*Client)(nil)

// encodeQuery renders params as the sorted query string Bybit expects both
// on the wire and inside the GET request signature — the same string must
// go to both SetQueryString and auth.RESTHeaders.
func encodeQuery(params map[string]string) string {
	v := url.Values{}
	for k, val := range params {
		v.Set(k, val)
	}
	return v.Encode()
}

// ServerTimeMs fetches Bybit's current server time, used by the clock
// estimator to compute the local/server offset.
func (c *Client) ServerTimeMs(ctx context.Context) (int64, error) {
	var env types.RESTEnvelope
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&env).
		Get("/v5/market/time")
	if err != nil {
		return 0, fmt.Errorf("server time: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return 0, fmt.Errorf("server time: status %d: %s", resp.StatusCode(), resp.String())
	}
	return env.TimeMs, nil
}

// InstrumentInfo fetches tick size, quantity step, and minimum quantity for
// a symbol.
func (c *Client) InstrumentInfo(ctx context.Context, symbol string) (*types.InstrumentInfo, error) {
	if err := c.rl.Market.Wait(ctx); err != nil {
		return nil, err
	}

	var env types.RESTEnvelope
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{"category": "linear", "symbol": symbol}).
		SetResult(&env).
		Get("/v5/market/instruments-info")
	if err != nil {
		return nil, fmt.Errorf("instrument info: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("instrument info: status %d: %s", resp.StatusCode(), resp.String())
	}

	var result struct {
		List []types.InstrumentInfo `json:"list"`
	}
	if err := json.Unmarshal(env.Result, &result); err != nil {
		return nil, fmt.Errorf("unmarshal instrument info: %w", err)
	}
	if len(result.List) == 0 {
		return nil, fmt.Errorf("instrument info: unknown symbol %q", symbol)
	}
	return &result.List[0], nil
}

// WalletBalance fetches available balance for a single coin (USDT).
func (c *Client) WalletBalance(ctx context.Context, coin string) (*types.WalletBalanceCoin, error) {
	if err := c.rl.Market.Wait(ctx); err != nil {
		return nil, err
	}

	query := encodeQuery(map[string]string{"accountType": "UNIFIED", "coin": coin})
	headers := c.auth.RESTHeaders(query)
	var env types.RESTEnvelope
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetQueryString(query).
		SetResult(&env).
		Get("/v5/account/wallet-balance")
	if err != nil {
		return nil, fmt.Errorf("wallet balance: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("wallet balance: status %d: %s", resp.StatusCode(), resp.String())
	}

	var result struct {
		List []struct {
			Coin []types.WalletBalanceCoin `json:"coin"`
		} `json:"list"`
	}
	if err := json.Unmarshal(env.Result, &result); err != nil {
		return nil, fmt.Errorf("unmarshal wallet balance: %w", err)
	}
	for _, acct := range result.List {
		for _, c := range acct.Coin {
			if c.Coin == coin {
				return &c, nil
			}
		}
	}
	return nil, fmt.Errorf("wallet balance: coin %q not found", coin)
}

// SetIsolatedMargin best-effort switches a symbol to isolated margin mode.
// Failure is non-fatal per spec §4.E; callers log and continue.
func (c *Client) SetIsolatedMargin(ctx context.Context, symbol string) error {
	if err := c.rl.Order.Wait(ctx); err != nil {
		return err
	}
	body := fmt.Sprintf(`{"category":"linear","symbol":"%s","tradeMode":1,"buyLeverage":"1","sellLeverage":"1"}`, symbol)
	headers := c.auth.RESTHeaders(body)

	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(json.RawMessage(body)).
		Post("/v5/position/switch-isolated")
	if err != nil {
		return fmt.Errorf("set isolated margin: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("set isolated margin: status %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}

// SetLeverage best-effort sets leverage for a symbol. Failure is non-fatal.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	if err := c.rl.Order.Wait(ctx); err != nil {
		return err
	}
	body := fmt.Sprintf(`{"category":"linear","symbol":"%s","buyLeverage":"%d","sellLeverage":"%d"}`, symbol, leverage, leverage)
	headers := c.auth.RESTHeaders(body)

	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(json.RawMessage(body)).
		Post("/v5/position/set-leverage")
	if err != nil {
		return fmt.Errorf("set leverage: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("set leverage: status %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}

// PositionSize fetches the current resting position size for one
// (symbol, position_index, side) key — used as reconciliation fallback #3
// in the Orchestrator when the private stream cache has no answer.
func (c *Client) PositionSize(ctx context.Context, symbol string, positionIdx int, side types.Side) (*types.PositionInfo, error) {
	if err := c.rl.Position.Wait(ctx); err != nil {
		return nil, err
	}

	query := encodeQuery(map[string]string{"category": "linear", "symbol": symbol})
	headers := c.auth.RESTHeaders(query)
	var env types.RESTEnvelope
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetQueryString(query).
		SetResult(&env).
		Get("/v5/position/list")
	if err != nil {
		return nil, fmt.Errorf("position list: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("position list: status %d: %s", resp.StatusCode(), resp.String())
	}

	var result struct {
		List []types.PositionInfo `json:"list"`
	}
	if err := json.Unmarshal(env.Result, &result); err != nil {
		return nil, fmt.Errorf("unmarshal position list: %w", err)
	}
	for _, p := range result.List {
		if p.PositionIdx == positionIdx && types.Side(p.Side) == side {
			return &p, nil
		}
	}
	return nil, fmt.Errorf("position list: no row for idx=%d side=%s", positionIdx, side)
}

// FundingTime fetches the scheduled next-funding instant for a symbol from
// the public tickers endpoint (Bybit's "nextFundingTime" field). This
// engine has no internal funding schedule of its own — per spec §1 the
// funding-opportunity scanner is an external collaborator, but the payout
// instant the Orchestrator schedules against has to come from somewhere,
// and the tickers endpoint is the same REST surface preflight already uses.
func (c *Client) FundingTime(ctx context.Context, symbol string) (int64, error) {
	if err := c.rl.Market.Wait(ctx); err != nil {
		return 0, err
	}

	var env types.RESTEnvelope
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{"category": "linear", "symbol": symbol}).
		SetResult(&env).
		Get("/v5/market/tickers")
	if err != nil {
		return 0, fmt.Errorf("funding time: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return 0, fmt.Errorf("funding time: status %d: %s", resp.StatusCode(), resp.String())
	}

	var result struct {
		List []struct {
			Symbol          string `json:"symbol"`
			NextFundingTime string `json:"nextFundingTime"`
		} `json:"list"`
	}
	if err := json.Unmarshal(env.Result, &result); err != nil {
		return 0, fmt.Errorf("unmarshal tickers: %w", err)
	}
	for _, row := range result.List {
		if row.Symbol != symbol {
			continue
		}
		var ms int64
		if _, err := fmt.Sscanf(row.NextFundingTime, "%d", &ms); err != nil {
			return 0, fmt.Errorf("funding time: parse nextFundingTime %q: %w", row.NextFundingTime, err)
		}
		return ms, nil
	}
	return 0, fmt.Errorf("funding time: no ticker row for %q", symbol)
}

// CreateOrder submits an order over REST instead of the trade WebSocket —
// the "FUN_USE_TRADE_WS=0, slower path" fallback named in spec §6. It
// shares the CreateOrder signature the trade channel exposes so the
// Orchestrator's TradeSource dependency is satisfied by either.
func (c *Client) CreateOrder(ctx context.Context, symbol string, draft types.OrderDraft) (*types.WSTradeResponse, error) {
	if err := c.rl.Order.Wait(ctx); err != nil {
		return nil, err
	}

	body, err := json.Marshal(map[string]any{
		"category":    "linear",
		"symbol":      symbol,
		"side":        string(draft.Side),
		"orderType":   "Limit",
		"qty":         draft.Qty.String(),
		"price":       draft.Price.String(),
		"timeInForce": string(draft.TIF),
		"positionIdx": int(draft.PositionIdx),
		"reduceOnly":  draft.ReduceOnly,
	})
	if err != nil {
		return nil, fmt.Errorf("create order: marshal body: %w", err)
	}
	headers := c.auth.RESTHeaders(string(body))

	var env types.RESTEnvelope
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(body).
		SetResult(&env).
		Post("/v5/order/create")
	if err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("create order: status %d: %s", resp.StatusCode(), resp.String())
	}

	var result struct {
		OrderID     string `json:"orderId"`
		OrderLinkID string `json:"orderLinkId"`
	}
	if err := json.Unmarshal(env.Result, &result); err != nil {
		return nil, fmt.Errorf("create order: unmarshal result: %w", err)
	}

	out := &types.WSTradeResponse{RetCode: env.RetCode, RetMsg: env.RetMsg}
	out.Data.OrderID = result.OrderID
	out.Data.OrderLinkID = result.OrderLinkID
	if env.RetCode != 0 {
		return out, fmt.Errorf("create order: retCode=%d retMsg=%s", env.RetCode, env.RetMsg)
	}
	return out, nil
}

// ExecutionsInWindow fetches the execution list for a symbol within
// [startMs, endMs] — the REST fallback PnL reporting uses when the private
// stream's execution cache returned empty.
func (c *Client) ExecutionsInWindow(ctx context.Context, symbol string, startMs, endMs int64) ([]types.RESTExecution, error) {
	if err := c.rl.Market.Wait(ctx); err != nil {
		return nil, err
	}

	query := encodeQuery(map[string]string{
		"category":  "linear",
		"symbol":    symbol,
		"startTime": fmt.Sprintf("%d", startMs),
		"endTime":   fmt.Sprintf("%d", endMs),
	})
	headers := c.auth.RESTHeaders(query)
	var env types.RESTEnvelope
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetQueryString(query).
		SetResult(&env).
		Get("/v5/execution/list")
	if err != nil {
		return nil, fmt.Errorf("execution list: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("execution list: status %d: %s", resp.StatusCode(), resp.String())
	}

	var result struct {
		List []types.RESTExecution `json:"list"`
	}
	if err := json.Unmarshal(env.Result, &result); err != nil {
		return nil, fmt.Errorf("unmarshal execution list: %w", err)
	}
	return result.List, nil
}
