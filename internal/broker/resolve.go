package broker

import (
	"context"
	"fmt"
	"strings"

	"mt5-fleet/pkg/types"
)

// ResolveSymbol finds the broker's actual market-watch name for a
// requested symbol. Strategies use clean names like "EURUSD"; brokers
// decorate them ("EURUSD.ecn", "#EURUSD", "EURUSDm"). The search order:
//
//  1. the configured prefix/suffix envelope,
//  2. a fixed list of common broker variants,
//  3. a case-insensitive exact scan across all symbols,
//  4. a substring scan preferring short names (≤10 characters).
//
// Hits are cached until the next reconnect.
func (a *Adapter) ResolveSymbol(ctx context.Context, requested string) (*types.SymbolInfo, error) {
	a.resolveMu.RLock()
	cached, ok := a.resolved[requested]
	a.resolveMu.RUnlock()
	if ok {
		info, err := a.term.SymbolInfo(ctx, cached)
		if err == nil && info != nil {
			return info, nil
		}
		// Cached name went stale; fall through to a fresh search.
	}

	for _, candidate := range a.symbolCandidates(requested) {
		info, err := a.term.SymbolInfo(ctx, candidate)
		if err != nil {
			continue
		}
		if info != nil {
			a.cacheResolved(requested, info.Name)
			return info, nil
		}
	}

	info, err := a.searchSymbolUniverse(ctx, requested)
	if err != nil {
		return nil, err
	}
	if info == nil {
		return nil, fmt.Errorf("%w: %s", ErrSymbolNotFound, requested)
	}
	a.cacheResolved(requested, info.Name)
	return info, nil
}

func (a *Adapter) cacheResolved(requested, name string) {
	a.resolveMu.Lock()
	a.resolved[requested] = name
	a.resolveMu.Unlock()

	if requested != name {
		a.logger.Info("symbol resolved", "requested", requested, "actual", name)
	}
}

// symbolCandidates builds the ordered name variants to probe, broker
// envelope first, duplicates removed.
func (a *Adapter) symbolCandidates(symbol string) []string {
	var candidates []string

	if a.opts.SymbolPrefix != "" || a.opts.SymbolSuffix != "" {
		candidates = append(candidates,
			a.opts.SymbolPrefix+symbol+a.opts.SymbolSuffix,
			symbol+a.opts.SymbolSuffix,
			a.opts.SymbolPrefix+symbol,
		)
	}

	candidates = append(candidates,
		symbol,                 // original (EURUSD)
		symbol+"m",             // micro lots (EURUSDm)
		symbol+".c",            // CFD (EURUSD.c)
		symbol+".",             // trailing dot (EURUSD.)
		symbol+"#",             // hash suffix (EURUSD#)
		"#"+symbol,             // hash prefix (#EURUSD)
		symbol+"_",             // underscore (EURUSD_)
		symbol+"pro",           // pro account (EURUSDpro)
		symbol+"pro-cent",      // cent account with suffix
		symbol+"cent",          // cent account (EURUSDcent)
		symbol+"fix",           // fixed spread (EURUSDfix)
		symbol+"ex",            // some ECN/EX accounts
		strings.ToLower(symbol),
		strings.ToUpper(symbol),
		symbol+"c",   // alternative CFD (EURUSDc)
		symbol+"ecn", // ECN (EURUSDecn)
		"."+symbol,   // dot prefix (.EURUSD)
	)

	seen := make(map[string]bool, len(candidates))
	unique := candidates[:0]
	for _, c := range candidates {
		if c != "" && !seen[c] {
			unique = append(unique, c)
			seen[c] = true
		}
	}
	return unique
}

// searchSymbolUniverse scans every broker symbol: exact match first, then
// substring matches, preferring typical forex-length names.
func (a *Adapter) searchSymbolUniverse(ctx context.Context, symbol string) (*types.SymbolInfo, error) {
	all, err := a.term.Symbols(ctx)
	if err != nil {
		return nil, fmt.Errorf("list symbols: %w", err)
	}

	upper := strings.ToUpper(symbol)
	for i := range all {
		if strings.ToUpper(all[i].Name) == upper {
			return &all[i], nil
		}
	}
	for i := range all {
		if strings.Contains(strings.ToUpper(all[i].Name), upper) && len(all[i].Name) <= 10 {
			return &all[i], nil
		}
	}
	return nil, nil
}
