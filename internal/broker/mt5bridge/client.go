// Package mt5bridge implements the broker.Terminal contract over the
// HTTP bridge that fronts a running MT5 terminal.
//
// The bridge exposes one route per terminal call:
//   - POST /initialize     — attach to the terminal and log in
//   - POST /shutdown       — detach from the terminal
//   - GET  /terminal_info  — connection and algo-trading flags
//   - GET  /symbols        — the full symbol universe
//   - GET  /symbol_info    — one symbol's specification, 404 when unknown
//   - POST /symbol_select  — add a symbol to the market watch
//   - GET  /tick           — last quote for a symbol
//   - GET  /rates          — OHLCV bars for a symbol and timeframe
//   - GET  /positions      — open positions, optionally filtered
//   - GET  /history_deals  — closed-deal ledger for a time window
//   - POST /order_send     — submit a trade request
//   - GET  /account_info   — account balance and equity snapshot
//
// Requests are retried on transport errors and 5xx responses.
package mt5bridge

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"mt5-fleet/internal/broker"
	"mt5-fleet/pkg/types"
)

// Client talks to the MT5 HTTP bridge. It implements broker.Terminal.
type Client struct {
	http *resty.Client
}

// New creates a bridge client for the given base URL.
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	return &Client{http: httpClient}
}

// terminalInfo is the bridge's /terminal_info payload.
type terminalInfo struct {
	Connected    bool `json:"connected"`
	TradeAllowed bool `json:"trade_allowed"`
}

// bridgeError is the bridge's error envelope for non-2xx responses.
type bridgeError struct {
	Error string `json:"error"`
}

// Initialize attaches to the terminal and logs into the trade account.
func (c *Client) Initialize(ctx context.Context, params broker.InitParams) error {
	var errBody bridgeError
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(params).
		SetError(&errBody).
		Post("/initialize")
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("initialize: status %d: %s", resp.StatusCode(), errBody.Error)
	}
	return nil
}

// Shutdown detaches from the terminal.
func (c *Client) Shutdown(ctx context.Context) error {
	resp, err := c.http.R().SetContext(ctx).Post("/shutdown")
	if err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("shutdown: status %d", resp.StatusCode())
	}
	return nil
}

// TerminalConnected reports whether the bridge still has a live terminal
// session. Any transport failure counts as disconnected.
func (c *Client) TerminalConnected(ctx context.Context) bool {
	info, err := c.terminalInfo(ctx)
	return err == nil && info.Connected
}

// TradeAllowed reports whether algorithmic trading is enabled.
func (c *Client) TradeAllowed(ctx context.Context) bool {
	info, err := c.terminalInfo(ctx)
	return err == nil && info.TradeAllowed
}

func (c *Client) terminalInfo(ctx context.Context) (*terminalInfo, error) {
	var info terminalInfo
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&info).
		Get("/terminal_info")
	if err != nil {
		return nil, fmt.Errorf("terminal info: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("terminal info: status %d", resp.StatusCode())
	}
	return &info, nil
}

// Symbols returns the full broker symbol universe.
func (c *Client) Symbols(ctx context.Context) ([]types.SymbolInfo, error) {
	var symbols []types.SymbolInfo
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&symbols).
		Get("/symbols")
	if err != nil {
		return nil, fmt.Errorf("list symbols: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("list symbols: status %d", resp.StatusCode())
	}
	return symbols, nil
}

// SymbolInfo fetches one symbol's specification. An unknown name comes
// back as (nil, nil); only transport or server failures return an error.
func (c *Client) SymbolInfo(ctx context.Context, name string) (*types.SymbolInfo, error) {
	var info types.SymbolInfo
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("name", name).
		SetResult(&info).
		Get("/symbol_info")
	if err != nil {
		return nil, fmt.Errorf("symbol info %s: %w", name, err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return nil, nil
	}
	if resp.IsError() {
		return nil, fmt.Errorf("symbol info %s: status %d", name, resp.StatusCode())
	}
	return &info, nil
}

// SelectSymbol makes the symbol visible in the market watch.
func (c *Client) SelectSymbol(ctx context.Context, name string) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]string{"name": name}).
		Post("/symbol_select")
	if err != nil {
		return fmt.Errorf("select symbol %s: %w", name, err)
	}
	if resp.IsError() {
		return fmt.Errorf("select symbol %s: status %d", name, resp.StatusCode())
	}
	return nil
}

// Tick returns the last quote for a symbol.
func (c *Client) Tick(ctx context.Context, name string) (*types.Tick, error) {
	var tick types.Tick
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("symbol", name).
		SetResult(&tick).
		Get("/tick")
	if err != nil {
		return nil, fmt.Errorf("tick %s: %w", name, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("tick %s: status %d", name, resp.StatusCode())
	}
	return &tick, nil
}

// Rates returns count bars for the symbol at the requested timeframe.
func (c *Client) Rates(ctx context.Context, symbol string, tf types.Timeframe, count int) ([]types.Bar, error) {
	var bars []types.Bar
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"symbol":    symbol,
			"timeframe": strconv.Itoa(int(tf)),
			"count":     strconv.Itoa(count),
		}).
		SetResult(&bars).
		Get("/rates")
	if err != nil {
		return nil, fmt.Errorf("rates %s: %w", symbol, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("rates %s: status %d", symbol, resp.StatusCode())
	}
	return bars, nil
}

// Positions lists open positions, optionally narrowed by symbol or magic.
func (c *Client) Positions(ctx context.Context, filter broker.PositionFilter) ([]types.Position, error) {
	req := c.http.R().SetContext(ctx)
	if filter.Symbol != "" {
		req.SetQueryParam("symbol", filter.Symbol)
	}
	if filter.Magic != 0 {
		req.SetQueryParam("magic", strconv.FormatInt(filter.Magic, 10))
	}

	var positions []types.Position
	resp, err := req.SetResult(&positions).Get("/positions")
	if err != nil {
		return nil, fmt.Errorf("positions: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("positions: status %d", resp.StatusCode())
	}
	return positions, nil
}

// HistoryDeals returns the closed-deal ledger for [from, to], passed to
// the bridge as UTC-second timestamps.
func (c *Client) HistoryDeals(ctx context.Context, from, to time.Time) ([]types.Deal, error) {
	var deals []types.Deal
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"from": strconv.FormatInt(from.Unix(), 10),
			"to":   strconv.FormatInt(to.Unix(), 10),
		}).
		SetResult(&deals).
		Get("/history_deals")
	if err != nil {
		return nil, fmt.Errorf("history deals: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("history deals: status %d", resp.StatusCode())
	}
	return deals, nil
}

// OrderSend submits a trade request. Broker rejections come back as a
// normal OrderResult with a non-done retcode; only transport and server
// failures return an error.
func (c *Client) OrderSend(ctx context.Context, req broker.TradeRequest) (*types.OrderResult, error) {
	var result types.OrderResult
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&result).
		Post("/order_send")
	if err != nil {
		return nil, fmt.Errorf("order send: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("order send: status %d: %s", resp.StatusCode(), resp.String())
	}
	return &result, nil
}

// AccountInfo returns the logged-in account snapshot.
func (c *Client) AccountInfo(ctx context.Context) (*types.AccountInfo, error) {
	var info types.AccountInfo
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&info).
		Get("/account_info")
	if err != nil {
		return nil, fmt.Errorf("account info: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("account info: status %d", resp.StatusCode())
	}
	return &info, nil
}
