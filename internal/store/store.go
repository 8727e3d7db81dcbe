// Package store implements the embedded trade database.
//
// One SQLite file per broker account (data/trades_account_<login>.db) with
// two tables: trades (one lifecycle row per opened position) and signals
// (one write-once row per strategy decision). Each operation is a short
// statement on a shared *sql.DB handle; the ticket + status='opened' guard
// on the close path keeps interleaved writers idempotent.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"mt5-fleet/pkg/types"
)

// TradeStatus is the lifecycle state of a trade row.
type TradeStatus string

const (
	StatusOpened    TradeStatus = "opened"
	StatusClosed    TradeStatus = "closed"
	StatusCancelled TradeStatus = "cancelled"
	StatusError     TradeStatus = "error"
)

// Close reasons recorded on the trade row.
const (
	CloseReasonSL        = "sl"
	CloseReasonTP        = "tp"
	CloseReasonManual    = "manual"
	CloseReasonSignal    = "signal"
	CloseReasonSynced    = "synced"
	CloseReasonEndOfData = "end_of_data"
)

// Trade is one position lifecycle record. ExitPrice and ClosedAt are nil
// until the close path fills them in.
type Trade struct {
	ID            int64
	Ticket        int64
	MagicNumber   int64
	BotID         string
	StrategyName  string
	Symbol        string
	Action        types.OrderAction
	Volume        float64
	EntryPrice    float64
	ExitPrice     *float64
	SLPrice       float64
	TPPrice       float64
	Profit        float64
	ProfitPips    float64
	Commission    float64
	Swap          float64
	OpenedAt      time.Time
	ClosedAt      *time.Time
	Status        TradeStatus
	CloseReason   string
	SignalData    string
	MarketContext string
}

// Signal is one strategy decision record, written once and never mutated.
type Signal struct {
	ID                 int64
	BotID              string
	StrategyName       string
	Symbol             string
	Timeframe          string
	SignalType         types.SignalType
	GeneratedAt        time.Time
	PriceAtSignal      float64
	WasExecuted        bool
	ExecutionTicket    *int64
	SkipReason         string
	IndicatorsSnapshot string
}

// BotStats aggregates a bot's closed-trade performance.
type BotStats struct {
	BotID        string  `json:"bot_id"`
	TotalTrades  int     `json:"total_trades"`
	ClosedTrades int     `json:"closed_trades"`
	OpenTrades   int     `json:"open_trades"`
	Wins         int     `json:"wins"`
	Losses       int     `json:"losses"`
	WinRate      float64 `json:"win_rate"`
	TotalProfit  float64 `json:"total_profit"`
	AvgProfit    float64 `json:"avg_profit"`
}

// Store is the per-account trade database handle.
type Store struct {
	db     *sql.DB
	path   string
	logger *slog.Logger
}

const schema = `
CREATE TABLE IF NOT EXISTS trades (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	ticket INTEGER,
	magic_number INTEGER,
	bot_id TEXT,
	strategy_name TEXT,
	symbol TEXT,
	action TEXT,
	volume REAL,
	entry_price REAL,
	exit_price REAL,
	sl_price REAL,
	tp_price REAL,
	profit REAL,
	profit_pips REAL,
	commission REAL,
	swap REAL,
	opened_at TEXT,
	closed_at TEXT,
	status TEXT,
	close_reason TEXT,
	signal_data TEXT,
	market_context TEXT,
	created_at TEXT DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS signals (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	bot_id TEXT,
	strategy_name TEXT,
	symbol TEXT,
	timeframe TEXT,
	signal_type TEXT,
	generated_at TEXT,
	price_at_signal REAL,
	was_executed INTEGER,
	execution_ticket INTEGER,
	skip_reason TEXT,
	indicators_snapshot TEXT,
	created_at TEXT DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_trades_bot_id ON trades(bot_id);
CREATE INDEX IF NOT EXISTS idx_trades_magic ON trades(magic_number);
CREATE INDEX IF NOT EXISTS idx_trades_symbol ON trades(symbol);
CREATE INDEX IF NOT EXISTS idx_trades_opened ON trades(opened_at);
CREATE INDEX IF NOT EXISTS idx_signals_bot_id ON signals(bot_id);
`

// Open creates or opens the database for one broker account.
func Open(dataDir string, login int64, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	path := filepath.Join(dataDir, fmt.Sprintf("trades_account_%d.db", login))
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	return &Store{
		db:     db,
		path:   path,
		logger: logger.With("component", "trade-store"),
	}, nil
}

// Path returns the database file location.
func (s *Store) Path() string { return s.path }

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// ————————————————————————————————————————————————————————————————————————
// Trades
// ————————————————————————————————————————————————————————————————————————

// InsertTrade adds a new trade row and returns its store-assigned id.
func (s *Store) InsertTrade(t *Trade) (int64, error) {
	res, err := s.db.Exec(`
		INSERT INTO trades (ticket, magic_number, bot_id, strategy_name, symbol,
			action, volume, entry_price, exit_price, sl_price, tp_price,
			profit, profit_pips, commission, swap,
			opened_at, closed_at, status, close_reason, signal_data, market_context)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.Ticket, t.MagicNumber, t.BotID, t.StrategyName, t.Symbol,
		string(t.Action), t.Volume, t.EntryPrice, nullFloat(t.ExitPrice), t.SLPrice, t.TPPrice,
		t.Profit, t.ProfitPips, t.Commission, t.Swap,
		types.ISOTimestamp(t.OpenedAt), nullTime(t.ClosedAt), string(t.Status),
		nullString(t.CloseReason), nullString(t.SignalData), nullString(t.MarketContext),
	)
	if err != nil {
		return 0, fmt.Errorf("insert trade: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert trade id: %w", err)
	}
	t.ID = id
	return id, nil
}

// UpdateTrade rewrites the close-path fields of an existing row by internal
// id. The magic number is immutable post-insert and is not touched.
func (s *Store) UpdateTrade(t *Trade) (bool, error) {
	res, err := s.db.Exec(`
		UPDATE trades SET exit_price = ?, profit = ?, profit_pips = ?,
			commission = ?, swap = ?, closed_at = ?, status = ?, close_reason = ?
		WHERE id = ?`,
		nullFloat(t.ExitPrice), t.Profit, t.ProfitPips,
		t.Commission, t.Swap, nullTime(t.ClosedAt), string(t.Status),
		nullString(t.CloseReason), t.ID,
	)
	if err != nil {
		return false, fmt.Errorf("update trade %d: %w", t.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update trade %d: %w", t.ID, err)
	}
	return n > 0, nil
}

// CloseTradeByTicket closes the still-open row for a ticket. The
// status='opened' guard makes the update idempotent under interleaved
// writers; a second close is a no-op returning false.
func (s *Store) CloseTradeByTicket(ticket int64, exitPrice, profit, profitPips, commission, swap float64, closedAt time.Time, reason string) (bool, error) {
	res, err := s.db.Exec(`
		UPDATE trades SET exit_price = ?, profit = ?, profit_pips = ?,
			commission = ?, swap = ?, closed_at = ?, status = ?, close_reason = ?
		WHERE ticket = ? AND status = ?`,
		exitPrice, profit, profitPips, commission, swap,
		types.ISOTimestamp(closedAt), string(StatusClosed), reason,
		ticket, string(StatusOpened),
	)
	if err != nil {
		return false, fmt.Errorf("close trade %d: %w", ticket, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("close trade %d: %w", ticket, err)
	}
	return n > 0, nil
}

const tradeColumns = `id, ticket, magic_number, bot_id, strategy_name, symbol,
	action, volume, entry_price, exit_price, sl_price, tp_price,
	profit, profit_pips, commission, swap,
	opened_at, closed_at, status, close_reason, signal_data, market_context`

// TradeByTicket returns the most recent row for a broker ticket, or nil.
func (s *Store) TradeByTicket(ticket int64) (*Trade, error) {
	row := s.db.QueryRow(
		`SELECT `+tradeColumns+` FROM trades WHERE ticket = ? ORDER BY id DESC LIMIT 1`, ticket)
	t, err := scanTrade(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("trade by ticket %d: %w", ticket, err)
	}
	return t, nil
}

// OpenTrades lists rows with status=opened, optionally for one bot.
func (s *Store) OpenTrades(botID string) ([]*Trade, error) {
	query := `SELECT ` + tradeColumns + ` FROM trades WHERE status = ?`
	args := []any{string(StatusOpened)}
	if botID != "" {
		query += ` AND bot_id = ?`
		args = append(args, botID)
	}
	query += ` ORDER BY opened_at DESC`
	return s.queryTrades(query, args...)
}

// TradesByBot lists a bot's trades, newest first.
func (s *Store) TradesByBot(botID string, limit int) ([]*Trade, error) {
	return s.queryTrades(
		`SELECT `+tradeColumns+` FROM trades WHERE bot_id = ? ORDER BY opened_at DESC LIMIT ?`,
		botID, limit)
}

// TradesBetween lists trades opened inside [from, to].
func (s *Store) TradesBetween(from, to time.Time) ([]*Trade, error) {
	return s.queryTrades(
		`SELECT `+tradeColumns+` FROM trades WHERE opened_at >= ? AND opened_at <= ? ORDER BY opened_at`,
		types.ISOTimestamp(from), types.ISOTimestamp(to))
}

// AllTrades lists every trade, newest first.
func (s *Store) AllTrades(limit int) ([]*Trade, error) {
	return s.queryTrades(
		`SELECT `+tradeColumns+` FROM trades ORDER BY opened_at DESC LIMIT ?`, limit)
}

func (s *Store) queryTrades(query string, args ...any) ([]*Trade, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	defer rows.Close()

	var trades []*Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

type scannable interface {
	Scan(dest ...any) error
}

func scanTrade(row scannable) (*Trade, error) {
	var (
		t         Trade
		action    string
		status    string
		exitPrice sql.NullFloat64
		openedAt  string
		closedAt  sql.NullString
		reason    sql.NullString
		sigData   sql.NullString
		marketCtx sql.NullString
	)
	err := row.Scan(&t.ID, &t.Ticket, &t.MagicNumber, &t.BotID, &t.StrategyName, &t.Symbol,
		&action, &t.Volume, &t.EntryPrice, &exitPrice, &t.SLPrice, &t.TPPrice,
		&t.Profit, &t.ProfitPips, &t.Commission, &t.Swap,
		&openedAt, &closedAt, &status, &reason, &sigData, &marketCtx)
	if err != nil {
		return nil, err
	}

	t.Action = types.OrderAction(action)
	t.Status = TradeStatus(status)
	if exitPrice.Valid {
		t.ExitPrice = &exitPrice.Float64
	}
	if t.OpenedAt, err = types.ParseISOTimestamp(openedAt); err != nil {
		return nil, err
	}
	if closedAt.Valid && closedAt.String != "" {
		ct, err := types.ParseISOTimestamp(closedAt.String)
		if err != nil {
			return nil, err
		}
		t.ClosedAt = &ct
	}
	t.CloseReason = reason.String
	t.SignalData = sigData.String
	t.MarketContext = marketCtx.String
	return &t, nil
}

// ————————————————————————————————————————————————————————————————————————
// Signals
// ————————————————————————————————————————————————————————————————————————

// InsertSignal records one strategy decision and returns its id.
func (s *Store) InsertSignal(sig *Signal) (int64, error) {
	var executed int
	if sig.WasExecuted {
		executed = 1
	}
	res, err := s.db.Exec(`
		INSERT INTO signals (bot_id, strategy_name, symbol, timeframe, signal_type,
			generated_at, price_at_signal, was_executed, execution_ticket,
			skip_reason, indicators_snapshot)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sig.BotID, sig.StrategyName, sig.Symbol, sig.Timeframe, string(sig.SignalType),
		types.ISOTimestamp(sig.GeneratedAt), sig.PriceAtSignal, executed,
		nullInt(sig.ExecutionTicket), nullString(sig.SkipReason), nullString(sig.IndicatorsSnapshot),
	)
	if err != nil {
		return 0, fmt.Errorf("insert signal: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert signal id: %w", err)
	}
	sig.ID = id
	return id, nil
}

// SignalsByBot lists a bot's signals, newest first.
func (s *Store) SignalsByBot(botID string, limit int) ([]*Signal, error) {
	rows, err := s.db.Query(`
		SELECT id, bot_id, strategy_name, symbol, timeframe, signal_type,
			generated_at, price_at_signal, was_executed, execution_ticket,
			skip_reason, indicators_snapshot
		FROM signals WHERE bot_id = ? ORDER BY generated_at DESC LIMIT ?`,
		botID, limit)
	if err != nil {
		return nil, fmt.Errorf("query signals: %w", err)
	}
	defer rows.Close()

	var signals []*Signal
	for rows.Next() {
		var (
			sig         Signal
			sigType     string
			generatedAt string
			executed    int
			ticket      sql.NullInt64
			skip        sql.NullString
			indicators  sql.NullString
		)
		err := rows.Scan(&sig.ID, &sig.BotID, &sig.StrategyName, &sig.Symbol, &sig.Timeframe,
			&sigType, &generatedAt, &sig.PriceAtSignal, &executed, &ticket, &skip, &indicators)
		if err != nil {
			return nil, fmt.Errorf("scan signal: %w", err)
		}
		sig.SignalType = types.SignalType(sigType)
		if sig.GeneratedAt, err = types.ParseISOTimestamp(generatedAt); err != nil {
			return nil, err
		}
		sig.WasExecuted = executed != 0
		if ticket.Valid {
			sig.ExecutionTicket = &ticket.Int64
		}
		sig.SkipReason = skip.String
		sig.IndicatorsSnapshot = indicators.String
		signals = append(signals, &sig)
	}
	return signals, rows.Err()
}

// ————————————————————————————————————————————————————————————————————————
// Analytics
// ————————————————————————————————————————————————————————————————————————

// Stats aggregates one bot's performance from its closed trades.
func (s *Store) Stats(botID string) (*BotStats, error) {
	stats := &BotStats{BotID: botID}

	row := s.db.QueryRow(`
		SELECT COUNT(*),
			COUNT(CASE WHEN status = 'closed' AND profit > 0 THEN 1 END),
			COUNT(CASE WHEN status = 'closed' AND profit < 0 THEN 1 END),
			COALESCE(SUM(CASE WHEN status = 'closed' THEN profit END), 0),
			COALESCE(AVG(CASE WHEN status = 'closed' THEN profit END), 0)
		FROM trades WHERE bot_id = ?`, botID)
	if err := row.Scan(&stats.TotalTrades, &stats.Wins, &stats.Losses,
		&stats.TotalProfit, &stats.AvgProfit); err != nil {
		return nil, fmt.Errorf("bot stats %s: %w", botID, err)
	}

	stats.ClosedTrades = stats.Wins + stats.Losses
	stats.OpenTrades = stats.TotalTrades - stats.ClosedTrades
	if stats.ClosedTrades > 0 {
		stats.WinRate = round2(float64(stats.Wins) / float64(stats.ClosedTrades) * 100)
	}
	stats.TotalProfit = round2(stats.TotalProfit)
	stats.AvgProfit = round2(stats.AvgProfit)
	return stats, nil
}

// AllStats aggregates every bot seen in the trades table.
func (s *Store) AllStats() ([]*BotStats, error) {
	rows, err := s.db.Query(`SELECT DISTINCT bot_id FROM trades`)
	if err != nil {
		return nil, fmt.Errorf("list bot ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	all := make([]*BotStats, 0, len(ids))
	for _, id := range ids {
		st, err := s.Stats(id)
		if err != nil {
			return nil, err
		}
		all = append(all, st)
	}
	return all, nil
}

func round2(f float64) float64 {
	if f < 0 {
		return float64(int64(f*100-0.5)) / 100
	}
	return float64(int64(f*100+0.5)) / 100
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

func nullInt(n *int64) any {
	if n == nil {
		return nil
	}
	return *n
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return types.ISOTimestamp(*t)
}
