// Package broker defines the trading-terminal contract and the adapter
// that the rest of the fleet talks to.
//
// Terminal is the raw wire surface (implemented by the mt5bridge client,
// faked in tests). Adapter layers the behavior the workers rely on:
// bounded connect retries, serialized reconnects, symbol resolution with
// broker suffix search, the market-open gate, and order submission with
// retcode checking.
package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mt5-fleet/pkg/types"
)

// Sentinel errors surfaced by the adapter.
var (
	ErrNotConnected   = errors.New("terminal not connected")
	ErrSymbolNotFound = errors.New("symbol not found")
	ErrSymbolSelect   = errors.New("symbol select refused")
)

// RejectError reports a non-done retcode on an order submission. The
// original retcode and broker comment are retained for the caller.
type RejectError struct {
	Retcode int
	Comment string
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("order rejected: retcode %d (%s)", e.Retcode, e.Comment)
}

// InitParams are the terminal connect credentials.
type InitParams struct {
	Path      string `json:"path"`
	Login     int64  `json:"login"`
	Password  string `json:"password"`
	Server    string `json:"server"`
	TimeoutMS int    `json:"timeout_ms"`
}

// PositionFilter narrows a positions query. Zero values mean no filter.
type PositionFilter struct {
	Symbol string
	Magic  int64
}

// TradeAction selects the kind of trade request sent to the terminal.
type TradeAction string

const (
	TradeActionDeal    TradeAction = "deal"    // immediate market execution
	TradeActionPending TradeAction = "pending" // place a pending order
	TradeActionSLTP    TradeAction = "sltp"    // modify an open position's stops
	TradeActionRemove  TradeAction = "remove"  // cancel a pending order
)

// PendingKind is the pending-order flavor.
type PendingKind string

const (
	BuyLimit  PendingKind = "buy_limit"
	SellLimit PendingKind = "sell_limit"
	BuyStop   PendingKind = "buy_stop"
	SellStop  PendingKind = "sell_stop"
)

// TradeRequest is the single order-send payload understood by the
// terminal, mirroring the native trade request structure.
type TradeRequest struct {
	Action     TradeAction         `json:"action"`
	Symbol     string              `json:"symbol,omitempty"`
	Volume     float64             `json:"volume,omitempty"`
	Type       types.OrderAction   `json:"type,omitempty"`
	Kind       PendingKind         `json:"kind,omitempty"`
	Price      float64             `json:"price,omitempty"`
	SL         float64             `json:"sl,omitempty"`
	TP         float64             `json:"tp,omitempty"`
	Deviation  int                 `json:"deviation,omitempty"`
	Magic      int64               `json:"magic,omitempty"`
	Comment    string              `json:"comment,omitempty"`
	Position   int64               `json:"position,omitempty"`
	Order      int64               `json:"order,omitempty"`
	Expiration int64               `json:"expiration,omitempty"`
	Filling    types.FillingPolicy `json:"filling,omitempty"`
}

// Terminal is the raw contract to the trading terminal. All calls block;
// implementations must honor context cancellation.
//
// SymbolInfo returns (nil, nil) when the terminal does not know the name;
// an error means the query itself failed.
type Terminal interface {
	Initialize(ctx context.Context, params InitParams) error
	Shutdown(ctx context.Context) error
	TerminalConnected(ctx context.Context) bool
	TradeAllowed(ctx context.Context) bool

	Symbols(ctx context.Context) ([]types.SymbolInfo, error)
	SymbolInfo(ctx context.Context, name string) (*types.SymbolInfo, error)
	SelectSymbol(ctx context.Context, name string) error
	Tick(ctx context.Context, name string) (*types.Tick, error)
	Rates(ctx context.Context, symbol string, tf types.Timeframe, count int) ([]types.Bar, error)

	Positions(ctx context.Context, filter PositionFilter) ([]types.Position, error)
	HistoryDeals(ctx context.Context, from, to time.Time) ([]types.Deal, error)
	OrderSend(ctx context.Context, req TradeRequest) (*types.OrderResult, error)
	AccountInfo(ctx context.Context) (*types.AccountInfo, error)
}

// MarketOrder is a market-execution request from a worker.
type MarketOrder struct {
	Symbol  string
	Action  types.OrderAction
	Volume  float64
	SL      float64
	TP      float64
	Magic   int64
	Comment string
}

// PendingOrder is a pending-order request.
type PendingOrder struct {
	Symbol     string
	Kind       PendingKind
	Volume     float64
	Price      float64
	SL         float64
	TP         float64
	Magic      int64
	Comment    string
	Expiration int64 // UTC seconds, 0 = good-til-cancelled
}
