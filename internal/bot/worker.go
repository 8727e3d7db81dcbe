// Package bot runs one strategy instance as a cooperative worker
// goroutine. The worker owns its loop clock and nothing else: broker,
// store, and bus are shared, and every blocking wait is sliced into
// one-second checks so pause and stop land within a second.
package bot

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"mt5-fleet/internal/broker"
	"mt5-fleet/internal/bus"
	"mt5-fleet/internal/store"
	"mt5-fleet/internal/strategy"
	"mt5-fleet/internal/tradelog"
	"mt5-fleet/pkg/types"
)

// Broker is the adapter surface a worker drives.
type Broker interface {
	Connected(ctx context.Context) bool
	Reconnect(ctx context.Context) error
	ResolveSymbol(ctx context.Context, symbol string) (*types.SymbolInfo, error)
	MarketOpen(ctx context.Context, symbol string) bool
	Rates(ctx context.Context, symbol string, tf types.Timeframe, count int) ([]types.Bar, error)
	Positions(ctx context.Context, filter broker.PositionFilter) ([]types.Position, error)
	SubmitMarket(ctx context.Context, order broker.MarketOrder) (*types.OrderResult, error)
	CloseByTicket(ctx context.Context, ticket int64, symbol string, volume float64, posType types.OrderAction) *types.OrderResult
	AccountInfo(ctx context.Context) (*types.AccountInfo, error)
}

// Config binds a strategy to one (symbol, timeframe, interval, window).
type Config struct {
	Symbol    string
	Timeframe types.Timeframe
	Interval  time.Duration
	Window    int // bars fetched per iteration
}

const (
	maxConsecutiveErrors = 5
	reconnectSleep       = 10 * time.Second
	ratesFailSleep       = 5 * time.Second

	// waiting_market logs on first entry and every Nth iteration after.
	waitingLogEvery = 5
)

// Skip reasons recorded on signal rows that did not execute.
const (
	skipMarketClosed   = "market_closed"
	skipMaxPositions   = "max_positions"
	skipPositionsCheck = "positions_unavailable"
)

// Worker executes one strategy on its own loop.
type Worker struct {
	id     string
	cfg    Config
	strat  strategy.Strategy
	broker Broker
	trades *tradelog.Logger
	events *bus.Bus
	logger *slog.Logger

	// symbol is the broker-resolved name ("EURUSD.ecn"), refreshed each
	// iteration. Event payloads and persisted rows carry this name;
	// broker calls keep the requested name, which the adapter resolves.
	symbol string

	status atomic.Value // types.BotStatus
	paused atomic.Bool
	done   chan struct{}

	consecErrors int
	waitingIters int

	// Failure backoffs, swapped in tests.
	reconnectWait time.Duration
	ratesWait     time.Duration
}

// New builds a worker. The bot id is derived from the strategy, symbol,
// and timeframe ("MACross_EURUSD_M5").
func New(cfg Config, strat strategy.Strategy, brk Broker, trades *tradelog.Logger, events *bus.Bus, logger *slog.Logger) *Worker {
	if cfg.Window <= 0 {
		cfg.Window = 200
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}

	id := fmt.Sprintf("%s_%s_%s", strat.Name(), cfg.Symbol, cfg.Timeframe.Name())
	w := &Worker{
		id:     id,
		cfg:    cfg,
		symbol: cfg.Symbol,
		strat:  strat,
		broker: brk,
		trades: trades,
		events: events,
		logger: logger.With("component", "bot", "bot_id", id),
		done:   make(chan struct{}),

		reconnectWait: reconnectSleep,
		ratesWait:     ratesFailSleep,
	}
	w.status.Store(types.StatusStarting)
	return w
}

func (w *Worker) ID() string { return w.id }

// Status returns the worker's current lifecycle state.
func (w *Worker) Status() types.BotStatus {
	return w.status.Load().(types.BotStatus)
}

func (w *Worker) setStatus(s types.BotStatus) {
	w.status.Store(s)
}

// IsAlive reports whether the worker goroutine is still running.
func (w *Worker) IsAlive() bool {
	select {
	case <-w.done:
		return false
	default:
		return true
	}
}

// Done is closed when the worker loop exits.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Pause requests a pause; the worker parks at its next check (≤1 s).
func (w *Worker) Pause() { w.paused.Store(true) }

// Resume clears a pause.
func (w *Worker) Resume() { w.paused.Store(false) }

// Paused reports whether a pause is requested (not necessarily parked yet).
func (w *Worker) Paused() bool { return w.paused.Load() }

// Snapshot renders the worker's entry for the fleet state file.
func (w *Worker) Snapshot() types.BotSnapshot {
	return types.BotSnapshot{
		BotID:           w.id,
		Status:          w.Status(),
		Symbol:          w.cfg.Symbol,
		Timeframe:       int(w.cfg.Timeframe),
		IntervalSeconds: int(w.cfg.Interval / time.Second),
		MagicNumber:     w.strat.MagicNumber(),
		IsAlive:         w.IsAlive(),
	}
}

// Run executes the worker loop until ctx is cancelled or the error
// budget is spent. It must be called exactly once.
func (w *Worker) Run(ctx context.Context) {
	defer close(w.done)
	defer w.setStatus(types.StatusStopped)

	w.logger.Info("bot starting",
		"symbol", w.cfg.Symbol,
		"timeframe", w.cfg.Timeframe.Name(),
		"interval", w.cfg.Interval,
		"magic", w.strat.MagicNumber(),
	)
	w.setStatus(types.StatusRunning)

	for {
		if !w.pauseGate(ctx) {
			return
		}
		if ctx.Err() != nil {
			return
		}
		if !w.iterate(ctx) {
			return
		}
	}
}

// pauseGate parks the worker while paused, polling every second.
// Returns false when stop arrives while parked.
func (w *Worker) pauseGate(ctx context.Context) bool {
	if !w.paused.Load() {
		return true
	}

	w.setStatus(types.StatusPaused)
	w.logger.Info("bot paused")
	for w.paused.Load() {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(time.Second):
		}
	}
	w.setStatus(types.StatusRunning)
	w.logger.Info("bot resumed")
	return true
}

// iterate runs one full decision cycle. Returns false to stop the loop.
func (w *Worker) iterate(ctx context.Context) bool {
	// Health check before touching market data.
	if !w.broker.Connected(ctx) {
		w.logger.Warn("terminal connection lost, reconnecting")
		w.events.Emit(bus.ConnectionLost, map[string]any{"bot_id": w.id}, w.id)

		if err := w.broker.Reconnect(ctx); err != nil {
			if !w.countError("reconnect", err) {
				return false
			}
			return w.sleep(ctx, w.reconnectWait)
		}
		w.events.Emit(bus.ConnectionRestored, map[string]any{"bot_id": w.id}, w.id)
	}

	// Market-open gate: park in waiting_market without running the strategy.
	if !w.broker.MarketOpen(ctx, w.cfg.Symbol) {
		if w.Status() != types.StatusWaitingMarket {
			w.setStatus(types.StatusWaitingMarket)
			w.waitingIters = 0
			w.logger.Info("market closed, waiting", "symbol", w.cfg.Symbol)
			w.events.Emit(bus.MarketClosed, map[string]any{"symbol": w.cfg.Symbol}, w.id)
		} else if w.waitingIters%waitingLogEvery == 0 {
			w.logger.Info("still waiting for market", "symbol", w.cfg.Symbol, "iterations", w.waitingIters)
		}
		w.waitingIters++
		return w.sleep(ctx, w.cfg.Interval)
	}
	if w.Status() == types.StatusWaitingMarket {
		w.setStatus(types.StatusRunning)
		w.logger.Info("market open, resuming", "symbol", w.cfg.Symbol)
		w.events.Emit(bus.MarketOpened, map[string]any{"symbol": w.cfg.Symbol}, w.id)
	}

	resolved, err := w.broker.ResolveSymbol(ctx, w.cfg.Symbol)
	if err != nil {
		if !w.countError("resolve symbol", err) {
			return false
		}
		return w.sleep(ctx, w.ratesWait)
	}
	w.symbol = resolved.Name

	bars, err := w.broker.Rates(ctx, w.cfg.Symbol, w.cfg.Timeframe, w.cfg.Window)
	if err != nil {
		if !w.countError("fetch bars", err) {
			return false
		}
		return w.sleep(ctx, w.ratesWait)
	}
	if len(bars) == 0 {
		w.logger.Warn("no bars returned", "symbol", w.cfg.Symbol)
		return w.sleep(ctx, w.cfg.Interval)
	}

	signal, err := w.strat.GenerateSignal(bars, len(bars)-1)
	if err != nil {
		if !w.countError("generate signal", err) {
			return false
		}
		return w.sleep(ctx, w.cfg.Interval)
	}

	w.consecErrors = 0
	w.executeSignal(ctx, signal, bars[len(bars)-1].Close)

	return w.sleep(ctx, w.cfg.Interval)
}

// executeSignal persists the decision and, for tradeable signals, walks
// the position policy and submits the order.
func (w *Worker) executeSignal(ctx context.Context, signal types.SignalType, price float64) {
	w.events.Emit(bus.SignalGenerated, map[string]any{
		"bot_id": w.id,
		"symbol": w.symbol,
		"signal": string(signal),
		"price":  price,
	}, w.id)

	record := tradelog.SignalRecord{
		BotID:         w.id,
		StrategyName:  w.strat.Name(),
		Symbol:        w.symbol,
		Timeframe:     w.cfg.Timeframe.Name(),
		SignalType:    signal,
		PriceAtSignal: price,
	}

	if !signal.Tradeable() {
		w.logSignal(record)
		return
	}

	// The gate passed at the top of the iteration, but fetching bars and
	// computing the signal takes time. Re-check before committing money.
	if !w.broker.MarketOpen(ctx, w.cfg.Symbol) {
		w.logger.Warn("market closed before submit, skipping", "signal", signal)
		record.SkipReason = skipMarketClosed
		w.logSignal(record)
		return
	}

	proceed, err := w.applyPositionPolicy(ctx)
	if err != nil {
		w.logger.Error("query positions", "error", err)
		w.events.Emit(bus.BotError, map[string]any{"bot_id": w.id, "error": err.Error()}, w.id)
		record.SkipReason = skipPositionsCheck
		w.logSignal(record)
		return
	}
	if !proceed {
		record.SkipReason = skipMaxPositions
		w.logSignal(record)
		return
	}

	equity := 0.0
	if account, err := w.broker.AccountInfo(ctx); err == nil {
		equity = account.Equity
	} else {
		w.logger.Warn("account info unavailable, sizing with zero equity", "error", err)
	}

	action := types.Buy
	if signal == types.SignalSell {
		action = types.Sell
	}
	volume := w.strat.PositionSize(w.cfg.Symbol, equity, price)
	sl, tp := w.strat.StopLevels(w.cfg.Symbol, action, price)

	result, err := w.broker.SubmitMarket(ctx, broker.MarketOrder{
		Symbol:  w.cfg.Symbol,
		Action:  action,
		Volume:  volume,
		SL:      sl,
		TP:      tp,
		Magic:   w.strat.MagicNumber(),
		Comment: w.strat.Name(),
	})
	if err != nil {
		w.logger.Error("order submit failed", "signal", signal, "volume", volume, "error", err)
		w.events.Emit(bus.BotError, map[string]any{"bot_id": w.id, "error": err.Error()}, w.id)
		w.logSignal(record)
		return
	}

	ticket := result.Order
	record.WasExecuted = true
	record.ExecutionTicket = &ticket
	w.logSignal(record)

	if _, err := w.trades.LogOpened(tradelog.OpenedTrade{
		Ticket:       ticket,
		MagicNumber:  w.strat.MagicNumber(),
		BotID:        w.id,
		StrategyName: w.strat.Name(),
		Symbol:       w.symbol,
		Action:       action,
		Volume:       result.Volume,
		EntryPrice:   result.Price,
		SLPrice:      sl,
		TPPrice:      tp,
	}); err != nil {
		w.logger.Error("persist opened trade", "ticket", ticket, "error", err)
	}

	w.events.Emit(bus.TradeOpened, map[string]any{
		"bot_id": w.id,
		"ticket": ticket,
		"symbol": w.symbol,
		"action": string(action),
		"volume": result.Volume,
		"price":  result.Price,
	}, w.id)
}

// applyPositionPolicy enforces close-before-open or the max-positions
// cap. Returns false when the entry must be skipped, and a non-nil
// error when the open-positions query itself failed.
func (w *Worker) applyPositionPolicy(ctx context.Context) (bool, error) {
	params := w.strat.Params()

	positions, err := w.broker.Positions(ctx, broker.PositionFilter{
		Symbol: w.cfg.Symbol,
		Magic:  w.strat.MagicNumber(),
	})
	if err != nil {
		return false, err
	}

	if params.CloseBeforeOpen {
		for _, pos := range positions {
			result := w.broker.CloseByTicket(ctx, pos.Ticket, pos.Symbol, pos.Volume, pos.Type)
			if result == nil {
				continue
			}
			if _, err := w.trades.LogClosed(tradelog.ClosedTrade{
				Ticket:    pos.Ticket,
				ExitPrice: result.Price,
				Profit:    pos.Profit,
				Reason:    store.CloseReasonSignal,
			}); err != nil {
				w.logger.Error("persist closed trade", "ticket", pos.Ticket, "error", err)
			}
			w.events.Emit(bus.TradeClosed, map[string]any{
				"bot_id": w.id,
				"ticket": pos.Ticket,
				"reason": store.CloseReasonSignal,
			}, w.id)
		}
		return true, nil
	}

	if len(positions) >= params.MaxOpenPositions {
		w.logger.Info("max open positions reached, skipping entry",
			"open", len(positions), "max", params.MaxOpenPositions)
		return false, nil
	}
	return true, nil
}

func (w *Worker) logSignal(record tradelog.SignalRecord) {
	if _, err := w.trades.LogSignal(record); err != nil {
		w.logger.Error("persist signal", "error", err)
	}
}

// countError bumps the consecutive-error counter. Returns false when
// the budget is spent and the worker must stop.
func (w *Worker) countError(op string, err error) bool {
	w.consecErrors++
	w.logger.Error(op+" failed", "error", err, "consecutive", w.consecErrors)
	w.events.Emit(bus.BotError, map[string]any{
		"bot_id":      w.id,
		"error":       err.Error(),
		"consecutive": w.consecErrors,
	}, w.id)

	if w.consecErrors >= maxConsecutiveErrors {
		w.logger.Error("error budget exhausted, stopping bot")
		return false
	}
	return true
}

// sleep waits in one-second slices, waking early on stop or pause.
// Returns false when the loop must exit.
func (w *Worker) sleep(ctx context.Context, d time.Duration) bool {
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if w.paused.Load() {
			return true // let the pause gate park us
		}
		remaining := time.Until(deadline)
		if remaining > time.Second {
			remaining = time.Second
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(remaining):
		}
	}
	return true
}
