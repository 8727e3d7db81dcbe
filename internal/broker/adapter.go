package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"mt5-fleet/pkg/types"
)

// Options tunes adapter behavior.
type Options struct {
	Init              InitParams
	SymbolPrefix      string
	SymbolSuffix      string
	ConnectRetries    int
	ConnectRetryDelay time.Duration
	Filling           types.FillingPolicy
}

const (
	defaultConnectRetries = 3
	defaultRetryDelay     = 2 * time.Second
	ratesAttempts         = 3
	ratesBackoff          = time.Second
)

// Adapter implements the fleet-facing broker contract on top of a Terminal.
type Adapter struct {
	term   Terminal
	opts   Options
	logger *slog.Logger

	// connMu serializes Connect/Reconnect so at most one caller flips
	// connection state at a time.
	connMu sync.Mutex

	// resolved caches requested → broker symbol name for the current
	// connection epoch. Dropped on reconnect.
	resolveMu sync.RWMutex
	resolved  map[string]string

	// now is swapped in tests that need a fixed clock for tick-age checks.
	now func() time.Time
}

// New creates an adapter. Zero option fields fall back to defaults.
func New(term Terminal, opts Options, logger *slog.Logger) *Adapter {
	if opts.ConnectRetries <= 0 {
		opts.ConnectRetries = defaultConnectRetries
	}
	if opts.ConnectRetryDelay <= 0 {
		opts.ConnectRetryDelay = defaultRetryDelay
	}
	if opts.Filling == "" {
		opts.Filling = types.FillingFOK
	}
	return &Adapter{
		term:     term,
		opts:     opts,
		logger:   logger.With("component", "broker-adapter"),
		resolved: make(map[string]string),
		now:      time.Now,
	}
}

// Connect initializes the terminal session with bounded retries.
func (a *Adapter) Connect(ctx context.Context) error {
	a.connMu.Lock()
	defer a.connMu.Unlock()
	return a.connectLocked(ctx)
}

func (a *Adapter) connectLocked(ctx context.Context) error {
	var lastErr error
	for attempt := 1; attempt <= a.opts.ConnectRetries; attempt++ {
		if err := a.term.Initialize(ctx, a.opts.Init); err == nil {
			a.logger.Info("terminal connected",
				"login", a.opts.Init.Login,
				"server", a.opts.Init.Server,
				"attempt", attempt,
			)
			return nil
		} else {
			lastErr = err
			a.logger.Warn("connect attempt failed", "attempt", attempt, "error", err)
		}

		if attempt < a.opts.ConnectRetries {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(a.opts.ConnectRetryDelay):
			}
		}
	}
	return fmt.Errorf("connect after %d attempts: %w", a.opts.ConnectRetries, lastErr)
}

// Connected is a cheap probe. It never reconnects implicitly.
func (a *Adapter) Connected(ctx context.Context) bool {
	return a.term.TerminalConnected(ctx)
}

// Reconnect shuts down the current session and retries Connect. Callers
// racing here are serialized; the symbol cache is dropped because broker
// symbol universes can change between sessions.
func (a *Adapter) Reconnect(ctx context.Context) error {
	a.connMu.Lock()
	defer a.connMu.Unlock()

	if err := a.term.Shutdown(ctx); err != nil {
		a.logger.Warn("shutdown before reconnect failed", "error", err)
	}

	a.resolveMu.Lock()
	a.resolved = make(map[string]string)
	a.resolveMu.Unlock()

	return a.connectLocked(ctx)
}

// SelectSymbol makes the symbol visible in the terminal's watchlist.
func (a *Adapter) SelectSymbol(ctx context.Context, name string) error {
	if err := a.term.SelectSymbol(ctx, name); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrSymbolSelect, name, err)
	}
	return nil
}

// Rates fetches count bars for the requested symbol, retrying transient
// failures. Bars come back time-ordered with UTC-second timestamps.
func (a *Adapter) Rates(ctx context.Context, symbol string, tf types.Timeframe, count int) ([]types.Bar, error) {
	resolved, err := a.ResolveSymbol(ctx, symbol)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 1; attempt <= ratesAttempts; attempt++ {
		bars, err := a.term.Rates(ctx, resolved.Name, tf, count)
		if err == nil {
			return bars, nil
		}
		lastErr = err

		if attempt < ratesAttempts {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(ratesBackoff):
			}
		}
	}
	return nil, fmt.Errorf("rates %s %s: %w", resolved.Name, tf.Name(), lastErr)
}

// Positions returns a fresh snapshot of open positions.
func (a *Adapter) Positions(ctx context.Context, filter PositionFilter) ([]types.Position, error) {
	if filter.Symbol != "" {
		resolved, err := a.ResolveSymbol(ctx, filter.Symbol)
		if err != nil {
			return nil, err
		}
		filter.Symbol = resolved.Name
	}
	return a.term.Positions(ctx, filter)
}

// HistoryDeals returns the broker's historical ledger for [from, to].
func (a *Adapter) HistoryDeals(ctx context.Context, from, to time.Time) ([]types.Deal, error) {
	return a.term.HistoryDeals(ctx, from, to)
}

// AccountInfo returns the logged-in account snapshot.
func (a *Adapter) AccountInfo(ctx context.Context) (*types.AccountInfo, error) {
	return a.term.AccountInfo(ctx)
}

// SubmitMarket executes a market order. A non-done retcode comes back as
// the result paired with a *RejectError.
func (a *Adapter) SubmitMarket(ctx context.Context, order MarketOrder) (*types.OrderResult, error) {
	resolved, err := a.ResolveSymbol(ctx, order.Symbol)
	if err != nil {
		return nil, err
	}
	if err := a.SelectSymbol(ctx, resolved.Name); err != nil {
		return nil, err
	}

	result, err := a.term.OrderSend(ctx, TradeRequest{
		Action:  TradeActionDeal,
		Symbol:  resolved.Name,
		Volume:  order.Volume,
		Type:    order.Action,
		SL:      order.SL,
		TP:      order.TP,
		Magic:   order.Magic,
		Comment: order.Comment,
		Filling: a.opts.Filling,
	})
	if err != nil {
		return nil, fmt.Errorf("submit market %s %s: %w", order.Action, resolved.Name, err)
	}
	if !result.Done() {
		return result, &RejectError{Retcode: result.Retcode, Comment: result.Comment}
	}
	return result, nil
}

// SubmitPending places a pending order.
func (a *Adapter) SubmitPending(ctx context.Context, order PendingOrder) (*types.OrderResult, error) {
	resolved, err := a.ResolveSymbol(ctx, order.Symbol)
	if err != nil {
		return nil, err
	}
	if err := a.SelectSymbol(ctx, resolved.Name); err != nil {
		return nil, err
	}

	result, err := a.term.OrderSend(ctx, TradeRequest{
		Action:     TradeActionPending,
		Symbol:     resolved.Name,
		Volume:     order.Volume,
		Kind:       order.Kind,
		Price:      order.Price,
		SL:         order.SL,
		TP:         order.TP,
		Magic:      order.Magic,
		Comment:    order.Comment,
		Expiration: order.Expiration,
		Filling:    a.opts.Filling,
	})
	if err != nil {
		return nil, fmt.Errorf("submit pending %s %s: %w", order.Kind, resolved.Name, err)
	}
	if !result.Done() {
		return result, &RejectError{Retcode: result.Retcode, Comment: result.Comment}
	}
	return result, nil
}

// ModifySLTP adjusts the stops of an open position. A nil sl or tp keeps
// the position's current value.
func (a *Adapter) ModifySLTP(ctx context.Context, ticket int64, sl, tp *float64) error {
	positions, err := a.term.Positions(ctx, PositionFilter{})
	if err != nil {
		return fmt.Errorf("modify sl/tp %d: %w", ticket, err)
	}

	var pos *types.Position
	for i := range positions {
		if positions[i].Ticket == ticket {
			pos = &positions[i]
			break
		}
	}
	if pos == nil {
		return fmt.Errorf("modify sl/tp: position %d not found", ticket)
	}

	newSL, newTP := pos.SL, pos.TP
	if sl != nil {
		newSL = *sl
	}
	if tp != nil {
		newTP = *tp
	}

	result, err := a.term.OrderSend(ctx, TradeRequest{
		Action:   TradeActionSLTP,
		Symbol:   pos.Symbol,
		Position: ticket,
		SL:       newSL,
		TP:       newTP,
	})
	if err != nil {
		return fmt.Errorf("modify sl/tp %d: %w", ticket, err)
	}
	if !result.Done() {
		return &RejectError{Retcode: result.Retcode, Comment: result.Comment}
	}
	return nil
}

// CloseByTicket flattens a position with an opposite-direction deal.
// Failures are logged and reported as a nil result rather than an error;
// close flows tolerate partial failure and keep going.
func (a *Adapter) CloseByTicket(ctx context.Context, ticket int64, symbol string, volume float64, posType types.OrderAction) *types.OrderResult {
	result, err := a.term.OrderSend(ctx, TradeRequest{
		Action:   TradeActionDeal,
		Symbol:   symbol,
		Volume:   volume,
		Type:     posType.Opposite(),
		Position: ticket,
		Filling:  a.opts.Filling,
	})
	if err != nil {
		a.logger.Error("close position failed", "ticket", ticket, "error", err)
		return nil
	}
	if !result.Done() {
		a.logger.Error("close position rejected",
			"ticket", ticket, "retcode", result.Retcode, "comment", result.Comment)
		return nil
	}
	return result
}

// RemovePending cancels a pending order by ticket.
func (a *Adapter) RemovePending(ctx context.Context, ticket int64) error {
	result, err := a.term.OrderSend(ctx, TradeRequest{
		Action: TradeActionRemove,
		Order:  ticket,
	})
	if err != nil {
		return fmt.Errorf("remove pending %d: %w", ticket, err)
	}
	if !result.Done() {
		return &RejectError{Retcode: result.Retcode, Comment: result.Comment}
	}
	return nil
}
