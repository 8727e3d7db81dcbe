// Package strategy defines the contract a trading strategy implements
// and the concrete strategies the fleet ships with.
//
// A strategy is fully autonomous: it decides the signal, the lot size,
// and the stop levels. The worker only orchestrates execution, so two
// strategies never share state and a misbehaving one cannot reach past
// its own magic number.
package strategy

import (
	"strings"

	"mt5-fleet/pkg/types"
)

// Params is the static configuration a strategy exposes to the fleet.
type Params struct {
	// Symbols the strategy is designed to trade.
	Symbols []string

	// CloseBeforeOpen closes every position under the strategy's magic
	// before a new entry. When false, MaxOpenPositions caps concurrency.
	CloseBeforeOpen  bool
	MaxOpenPositions int
}

// Strategy is the decision surface a bot worker drives.
//
// GenerateSignal evaluates the bar at idx with everything before it as
// history; live workers pass idx = len(bars)-1, backtests walk it
// forward. PositionSize and StopLevels are consulted only for tradeable
// signals.
type Strategy interface {
	Name() string
	MagicNumber() int64
	GenerateSignal(bars []types.Bar, idx int) (types.SignalType, error)
	Params() Params
	PositionSize(symbol string, equity, entryPrice float64) float64
	StopLevels(symbol string, action types.OrderAction, entry float64) (sl, tp float64)
}

// PipSize returns the price distance of one pip for a symbol. JPY
// crosses quote to two decimals, gold to one, majors to four.
func PipSize(symbol string) float64 {
	upper := strings.ToUpper(symbol)
	switch {
	case strings.Contains(upper, "JPY"):
		return 0.01
	case strings.Contains(upper, "XAU"), strings.Contains(upper, "GOLD"):
		return 0.1
	default:
		return 0.0001
	}
}
