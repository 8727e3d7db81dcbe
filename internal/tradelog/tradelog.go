// Package tradelog is the recording façade the workers write through.
// It owns pip-profit math and keeps the store rows consistent with what
// actually happened at the broker.
package tradelog

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"mt5-fleet/internal/store"
	"mt5-fleet/pkg/types"
)

// Pip sizes by instrument class. JPY crosses quote to two decimals, metals
// to one, everything else to four.
var (
	pipJPY     = decimal.NewFromFloat(0.01)
	pipMetal   = decimal.NewFromFloat(0.1)
	pipDefault = decimal.NewFromFloat(0.0001)
)

// Logger records trade lifecycles and strategy signals into the store.
type Logger struct {
	store  *store.Store
	logger *slog.Logger
}

// New creates a trade logger backed by the given store.
func New(st *store.Store, logger *slog.Logger) *Logger {
	return &Logger{
		store:  st,
		logger: logger.With("component", "tradelog"),
	}
}

// Store exposes the underlying database for read paths.
func (l *Logger) Store() *store.Store { return l.store }

// OpenedTrade describes a fill that just happened.
type OpenedTrade struct {
	Ticket       int64
	MagicNumber  int64
	BotID        string
	StrategyName string
	Symbol       string
	Action       types.OrderAction
	Volume       float64
	EntryPrice   float64
	SLPrice      float64
	TPPrice      float64
	SignalData   string
}

// LogOpened records a freshly opened position and returns the row id.
func (l *Logger) LogOpened(t OpenedTrade) (int64, error) {
	id, err := l.store.InsertTrade(&store.Trade{
		Ticket:       t.Ticket,
		MagicNumber:  t.MagicNumber,
		BotID:        t.BotID,
		StrategyName: t.StrategyName,
		Symbol:       t.Symbol,
		Action:       t.Action,
		Volume:       t.Volume,
		EntryPrice:   t.EntryPrice,
		SLPrice:      t.SLPrice,
		TPPrice:      t.TPPrice,
		OpenedAt:     time.Now().UTC(),
		Status:       store.StatusOpened,
		SignalData:   t.SignalData,
	})
	if err != nil {
		return 0, fmt.Errorf("log opened trade %d: %w", t.Ticket, err)
	}

	l.logger.Info("trade opened",
		"ticket", t.Ticket,
		"bot_id", t.BotID,
		"symbol", t.Symbol,
		"action", t.Action,
		"volume", t.Volume,
		"entry", t.EntryPrice,
	)
	return id, nil
}

// ClosedTrade describes a position exit.
type ClosedTrade struct {
	Ticket     int64
	ExitPrice  float64
	Profit     float64
	Commission float64
	Swap       float64
	Reason     string
	ClosedAt   time.Time
}

// LogClosed closes the matching open row. It returns false when no open
// row exists for the ticket; closing a position the store never saw open
// is worth a warning, not an error.
func (l *Logger) LogClosed(t ClosedTrade) (bool, error) {
	open, err := l.store.TradeByTicket(t.Ticket)
	if err != nil {
		return false, fmt.Errorf("log closed trade %d: %w", t.Ticket, err)
	}
	if open == nil || open.Status != store.StatusOpened {
		l.logger.Warn("close for unknown trade", "ticket", t.Ticket)
		return false, nil
	}

	closedAt := t.ClosedAt
	if closedAt.IsZero() {
		closedAt = time.Now().UTC()
	}
	pips := ProfitPips(open.Symbol, open.Action, open.EntryPrice, t.ExitPrice)

	updated, err := l.store.CloseTradeByTicket(
		t.Ticket, t.ExitPrice, t.Profit, pips, t.Commission, t.Swap, closedAt, t.Reason,
	)
	if err != nil {
		return false, fmt.Errorf("log closed trade %d: %w", t.Ticket, err)
	}
	if updated {
		l.logger.Info("trade closed",
			"ticket", t.Ticket,
			"bot_id", open.BotID,
			"profit", t.Profit,
			"profit_pips", pips,
			"reason", t.Reason,
		)
	}
	return updated, nil
}

// SignalRecord describes one strategy decision.
type SignalRecord struct {
	BotID              string
	StrategyName       string
	Symbol             string
	Timeframe          string
	SignalType         types.SignalType
	PriceAtSignal      float64
	WasExecuted        bool
	ExecutionTicket    *int64
	SkipReason         string
	IndicatorsSnapshot string
}

// LogSignal records a strategy decision, executed or not.
func (l *Logger) LogSignal(s SignalRecord) (int64, error) {
	id, err := l.store.InsertSignal(&store.Signal{
		BotID:              s.BotID,
		StrategyName:       s.StrategyName,
		Symbol:             s.Symbol,
		Timeframe:          s.Timeframe,
		SignalType:         s.SignalType,
		GeneratedAt:        time.Now().UTC(),
		PriceAtSignal:      s.PriceAtSignal,
		WasExecuted:        s.WasExecuted,
		ExecutionTicket:    s.ExecutionTicket,
		SkipReason:         s.SkipReason,
		IndicatorsSnapshot: s.IndicatorsSnapshot,
	})
	if err != nil {
		return 0, fmt.Errorf("log signal %s %s: %w", s.BotID, s.SignalType, err)
	}
	return id, nil
}

// PipSize returns the pip unit for a symbol: 0.01 for JPY crosses, 0.1
// for gold, 0.0001 otherwise.
func PipSize(symbol string) decimal.Decimal {
	upper := strings.ToUpper(symbol)
	switch {
	case strings.Contains(upper, "JPY"):
		return pipJPY
	case strings.Contains(upper, "XAU"), strings.Contains(upper, "GOLD"):
		return pipMetal
	default:
		return pipDefault
	}
}

// ProfitPips computes the signed pip distance between entry and exit in
// the trade's direction, rounded to one decimal. Decimal arithmetic keeps
// five-digit quotes from accumulating float dust.
func ProfitPips(symbol string, action types.OrderAction, entry, exit float64) float64 {
	entryD := decimal.NewFromFloat(entry)
	exitD := decimal.NewFromFloat(exit)

	move := exitD.Sub(entryD)
	if action == types.Sell {
		move = entryD.Sub(exitD)
	}

	pips, _ := move.Div(PipSize(symbol)).Round(1).Float64()
	return pips
}
