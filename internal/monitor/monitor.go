// Package monitor reconciles the trade store against the broker's deal
// history. Stops and manual closes happen terminal-side without the
// fleet noticing; the sync service walks the closed-deal ledger and
// folds those exits back into the database.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"mt5-fleet/internal/store"
	"mt5-fleet/internal/tradelog"
	"mt5-fleet/pkg/types"
)

// DealHistory is the slice of the broker surface the service needs.
type DealHistory interface {
	HistoryDeals(ctx context.Context, from, to time.Time) ([]types.Deal, error)
}

const (
	defaultInterval   = 10 * time.Minute
	defaultWindowDays = 7
)

// Service periodically reconciles store rows with broker history.
type Service struct {
	broker   DealHistory
	store    *store.Store
	logger   *slog.Logger
	interval time.Duration
	window   time.Duration

	mu       sync.Mutex
	magics   map[int64]string // magic → strategy name
	lastSync time.Time

	now func() time.Time
}

// New creates a sync service. Zero interval or windowDays fall back to
// 10 minutes and 7 days.
func New(broker DealHistory, st *store.Store, logger *slog.Logger, interval time.Duration, windowDays int) *Service {
	if interval <= 0 {
		interval = defaultInterval
	}
	if windowDays <= 0 {
		windowDays = defaultWindowDays
	}
	return &Service{
		broker:   broker,
		store:    st,
		logger:   logger.With("component", "trade-sync"),
		interval: interval,
		window:   time.Duration(windowDays) * 24 * time.Hour,
		magics:   knownMagics(),
		now:      time.Now,
	}
}

// knownMagics seeds the registry with the default magic numbers of the
// shipped strategy classes, so trades from a previous run resolve to a
// name even before the controller re-registers them.
func knownMagics() map[int64]string {
	return map[int64]string{
		100001: "MACross",
	}
}

// RegisterMagic maps a magic number to its strategy name so synthesized
// rows carry a real name instead of the Unknown_M fallback.
func (s *Service) RegisterMagic(magic int64, strategyName string) {
	s.mu.Lock()
	s.magics[magic] = strategyName
	s.mu.Unlock()
}

func (s *Service) strategyName(magic int64) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if name, ok := s.magics[magic]; ok {
		return name
	}
	return fmt.Sprintf("Unknown_M%d", magic)
}

// Run syncs once immediately, then on every interval tick until the
// context is cancelled.
func (s *Service) Run(ctx context.Context) {
	s.logger.Info("trade sync started", "interval", s.interval, "window", s.window)

	if _, _, err := s.SyncNow(ctx); err != nil {
		s.logger.Error("initial sync failed", "error", err)
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("trade sync stopped")
			return
		case <-ticker.C:
			if _, _, err := s.SyncNow(ctx); err != nil {
				s.logger.Error("sync failed", "error", err)
			}
		}
	}
}

// LastSyncTime returns when the last successful cycle finished; zero
// before the first one.
func (s *Service) LastSyncTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSync
}

// SyncNow runs one reconciliation cycle and reports rows created and
// updated.
func (s *Service) SyncNow(ctx context.Context) (created, updated int, err error) {
	to := s.now()
	from := to.Add(-s.window)

	deals, err := s.broker.HistoryDeals(ctx, from, to)
	if err != nil {
		return 0, 0, fmt.Errorf("fetch deal history: %w", err)
	}

	for _, group := range groupByPosition(deals) {
		switch s.processPosition(group) {
		case resultCreated:
			created++
		case resultUpdated:
			updated++
		}
	}

	s.mu.Lock()
	s.lastSync = s.now()
	s.mu.Unlock()

	s.logger.Info("sync complete", "created", created, "updated", updated, "deals", len(deals))
	return created, updated, nil
}

type syncResult int

const (
	resultSkip syncResult = iota
	resultCreated
	resultUpdated
)

// groupByPosition buckets deals by position id, dropping balance and
// correction records (position id 0), each bucket time-ordered.
func groupByPosition(deals []types.Deal) map[int64][]types.Deal {
	groups := make(map[int64][]types.Deal)
	for _, d := range deals {
		if d.PositionID == 0 {
			continue
		}
		groups[d.PositionID] = append(groups[d.PositionID], d)
	}
	for _, g := range groups {
		sort.Slice(g, func(i, j int) bool { return g[i].Time < g[j].Time })
	}
	return groups
}

// processPosition reconciles one position's deal group: the earliest
// deal is the entry, the latest (when present) the exit.
func (s *Service) processPosition(group []types.Deal) syncResult {
	if len(group) == 0 {
		return resultSkip
	}

	entry := group[0]
	var exit *types.Deal
	if len(group) > 1 {
		exit = &group[len(group)-1]
	}

	ticket := entry.Order
	if ticket == 0 {
		ticket = entry.PositionID
	}

	existing, err := s.store.TradeByTicket(ticket)
	if err != nil {
		s.logger.Error("lookup trade", "ticket", ticket, "error", err)
		return resultSkip
	}

	if existing != nil {
		if existing.Status == store.StatusOpened && exit != nil {
			return s.closeFromExit(existing, exit)
		}
		return resultSkip
	}
	return s.createFromDeals(ticket, entry, exit)
}

// closeFromExit fills a still-open row with the broker-side exit.
func (s *Service) closeFromExit(trade *store.Trade, exit *types.Deal) syncResult {
	pips := tradelog.ProfitPips(trade.Symbol, trade.Action, trade.EntryPrice, exit.Price)
	closedAt := time.Unix(exit.Time, 0).UTC()

	updated, err := s.store.CloseTradeByTicket(
		trade.Ticket, exit.Price, exit.Profit, pips,
		trade.Commission+exit.Commission, trade.Swap+exit.Swap,
		closedAt, closeReason(exit.Comment),
	)
	if err != nil {
		s.logger.Error("close synced trade", "ticket", trade.Ticket, "error", err)
		return resultSkip
	}
	if !updated {
		return resultSkip
	}

	s.logger.Info("trade closed by sync",
		"ticket", trade.Ticket,
		"profit", exit.Profit,
		"reason", closeReason(exit.Comment),
	)
	return resultUpdated
}

// createFromDeals synthesizes a row for a position the store never saw.
func (s *Service) createFromDeals(ticket int64, entry types.Deal, exit *types.Deal) syncResult {
	trade := &store.Trade{
		Ticket:       ticket,
		MagicNumber:  entry.Magic,
		BotID:        fmt.Sprintf("Synced_%s_M%d", entry.Symbol, entry.Magic),
		StrategyName: s.strategyName(entry.Magic),
		Symbol:       entry.Symbol,
		Action:       entry.Type,
		Volume:       entry.Volume,
		EntryPrice:   entry.Price,
		Commission:   entry.Commission,
		Swap:         entry.Swap,
		OpenedAt:     time.Unix(entry.Time, 0).UTC(),
		Status:       store.StatusOpened,
	}

	if exit != nil {
		exitPrice := exit.Price
		closedAt := time.Unix(exit.Time, 0).UTC()
		trade.ExitPrice = &exitPrice
		trade.ClosedAt = &closedAt
		trade.Profit = exit.Profit
		trade.ProfitPips = tradelog.ProfitPips(entry.Symbol, entry.Type, entry.Price, exit.Price)
		trade.Commission += exit.Commission
		trade.Swap += exit.Swap
		trade.Status = store.StatusClosed
		trade.CloseReason = closeReason(exit.Comment)
	}

	if _, err := s.store.InsertTrade(trade); err != nil {
		s.logger.Error("insert synced trade", "ticket", ticket, "error", err)
		return resultSkip
	}

	s.logger.Info("trade recovered from history",
		"ticket", ticket,
		"symbol", entry.Symbol,
		"magic", entry.Magic,
		"status", trade.Status,
	)
	return resultCreated
}

// closeReason classifies a broker exit comment. MT5 stamps "[tp ...]"
// and "[sl ...]" on stop-triggered closes.
func closeReason(comment string) string {
	lower := strings.ToLower(comment)
	switch {
	case strings.Contains(lower, "[tp"):
		return store.CloseReasonTP
	case strings.Contains(lower, "[sl"):
		return store.CloseReasonSL
	default:
		return store.CloseReasonSynced
	}
}
