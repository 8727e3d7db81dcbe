package broker

import (
	"context"

	"mt5-fleet/pkg/types"
)

const (
	// A tick older than this with an abnormally wide spread means the
	// instrument is likely in a weekend or holiday gap.
	staleTickSpreadCheck = 120 // seconds

	// With no session activity at all, a tick this old means closed.
	staleTickHardLimit = 300 // seconds

	// Spread wider than this multiple of the symbol's nominal spread is
	// treated as a closed-market quote.
	spreadBlowoutFactor = 10
)

// MarketOpen reports whether the instrument is currently tradeable.
// Every failure path returns false; this gate never errors.
func (a *Adapter) MarketOpen(ctx context.Context, symbol string) bool {
	if !a.term.TerminalConnected(ctx) {
		a.logger.Warn("market-open check: terminal not connected")
		return false
	}
	if !a.term.TradeAllowed(ctx) {
		a.logger.Warn("market-open check: algorithmic trading not allowed")
		return false
	}

	info, err := a.ResolveSymbol(ctx, symbol)
	if err != nil {
		a.logger.Error("market-open check: symbol not found", "symbol", symbol, "error", err)
		return false
	}

	if !info.Visible {
		if err := a.SelectSymbol(ctx, info.Name); err != nil {
			a.logger.Error("market-open check: select failed", "symbol", info.Name, "error", err)
			return false
		}
	}

	if info.TradeMode == types.TradeModeDisabled {
		a.logger.Warn("market-open check: trading disabled", "symbol", info.Name)
		return false
	}

	tick, err := a.term.Tick(ctx, info.Name)
	if err != nil || tick == nil || tick.Time == 0 {
		a.logger.Warn("market-open check: no tick data", "symbol", info.Name)
		return false
	}
	if tick.Bid == 0 || tick.Ask == 0 {
		return false
	}

	tickAge := a.now().Unix() - tick.Time

	// No session activity at all plus a stale tick means the session is
	// over, not merely quiet.
	if info.SessionDeals == 0 && info.SessionBuys == 0 && info.SessionSells == 0 {
		if tickAge > staleTickHardLimit {
			return false
		}
	}

	// A stale tick with a blown-out spread is a weekend/holiday quote.
	if info.TradeMode == types.TradeModeFull && tickAge > staleTickSpreadCheck && info.Point > 0 {
		spreadPoints := (tick.Ask - tick.Bid) / info.Point
		if spreadPoints > float64(info.Spread)*spreadBlowoutFactor {
			return false
		}
	}

	return true
}
