// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the fleet — timeframes, bars,
// positions, history deals, order results, and the IPC snapshot/command
// schemas. It has no dependencies on internal packages, so it can be
// imported by any layer.
package types

import (
	"fmt"
	"strings"
	"time"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// OrderAction is the direction of an order or position.
type OrderAction string

const (
	Buy  OrderAction = "buy"
	Sell OrderAction = "sell"
)

// Opposite returns the closing direction for a position of this type.
func (a OrderAction) Opposite() OrderAction {
	if a == Buy {
		return Sell
	}
	return Buy
}

// SignalType is a strategy decision for one bar window.
type SignalType string

const (
	SignalBuy  SignalType = "buy"
	SignalSell SignalType = "sell"
	SignalHold SignalType = "hold"
)

// Tradeable reports whether the signal calls for an order.
func (s SignalType) Tradeable() bool {
	return s == SignalBuy || s == SignalSell
}

// Timeframe is an MT5 chart period code. The values are the terminal's
// native constants, so they pass through the bridge unmodified.
type Timeframe int

const (
	M1  Timeframe = 1
	M5  Timeframe = 5
	M15 Timeframe = 15
	M30 Timeframe = 30
	H1  Timeframe = 16385
	H4  Timeframe = 16388
	D1  Timeframe = 16408
	W1  Timeframe = 32769
	MN1 Timeframe = 49153
)

var timeframeNames = map[Timeframe]string{
	M1: "M1", M5: "M5", M15: "M15", M30: "M30",
	H1: "H1", H4: "H4", D1: "D1", W1: "W1", MN1: "MN1",
}

// Name returns the chart label for the timeframe (e.g. "M5", "H1").
// Unknown codes render as "TF<code>".
func (tf Timeframe) Name() string {
	if name, ok := timeframeNames[tf]; ok {
		return name
	}
	return fmt.Sprintf("TF%d", int(tf))
}

// ParseTimeframe resolves a chart label back to its terminal code.
func ParseTimeframe(name string) (Timeframe, error) {
	for tf, n := range timeframeNames {
		if strings.EqualFold(n, name) {
			return tf, nil
		}
	}
	return 0, fmt.Errorf("unknown timeframe %q", name)
}

// FillingPolicy controls whether the broker may partially fill an order.
type FillingPolicy string

const (
	FillingFOK    FillingPolicy = "fok"    // fill-or-kill
	FillingIOC    FillingPolicy = "ioc"    // immediate-or-cancel
	FillingReturn FillingPolicy = "return" // allow partial fill, keep remainder
)

// ————————————————————————————————————————————————————————————————————————
// Market data
// ————————————————————————————————————————————————————————————————————————

// Bar is a single OHLCV candle. Time is UTC seconds at bar open.
type Bar struct {
	Time       int64   `json:"time"`
	Open       float64 `json:"open"`
	High       float64 `json:"high"`
	Low        float64 `json:"low"`
	Close      float64 `json:"close"`
	TickVolume int64   `json:"tick_volume"`
	Spread     int     `json:"spread"`
	RealVolume int64   `json:"real_volume"`
}

// Tick is the last known quote for a symbol. Time is UTC seconds.
type Tick struct {
	Time   int64   `json:"time"`
	Bid    float64 `json:"bid"`
	Ask    float64 `json:"ask"`
	Last   float64 `json:"last"`
	Volume int64   `json:"volume"`
}

// Symbol trade modes as reported by the terminal. Anything other than
// disabled is treated as tradeable by the market-open gate.
const (
	TradeModeDisabled = 0
	TradeModeFull     = 4
)

// SymbolInfo describes one instrument in the broker's symbol universe.
type SymbolInfo struct {
	Name         string  `json:"name"`
	Digits       int     `json:"digits"`
	Point        float64 `json:"point"`
	Spread       int     `json:"spread"`
	TradeMode    int     `json:"trade_mode"`
	VolumeMin    float64 `json:"volume_min"`
	VolumeMax    float64 `json:"volume_max"`
	VolumeStep   float64 `json:"volume_step"`
	SessionDeals int64   `json:"session_deals"`
	SessionBuys  int64   `json:"session_buy_orders"`
	SessionSells int64   `json:"session_sell_orders"`
	Visible      bool    `json:"visible"`
}

// ————————————————————————————————————————————————————————————————————————
// Trading
// ————————————————————————————————————————————————————————————————————————

// Position is a fresh snapshot of one open position at the broker.
type Position struct {
	Ticket       int64       `json:"ticket"`
	Symbol       string      `json:"symbol"`
	Type         OrderAction `json:"type"`
	Volume       float64     `json:"volume"`
	PriceOpen    float64     `json:"price_open"`
	PriceCurrent float64     `json:"price_current"`
	SL           float64     `json:"sl"`
	TP           float64     `json:"tp"`
	Profit       float64     `json:"profit"`
	Swap         float64     `json:"swap"`
	Magic        int64       `json:"magic"`
	Comment      string      `json:"comment"`
	Time         int64       `json:"time"`
}

// Deal is one broker history record — one side of a position lifecycle.
// Comment carries the broker-supplied free text used to classify the close
// reason ("[tp ...]", "[sl ...]").
type Deal struct {
	Ticket     int64       `json:"ticket"`
	Order      int64       `json:"order"`
	PositionID int64       `json:"position_id"`
	Time       int64       `json:"time"`
	Type       OrderAction `json:"type"`
	Volume     float64     `json:"volume"`
	Price      float64     `json:"price"`
	Profit     float64     `json:"profit"`
	Commission float64     `json:"commission"`
	Swap       float64     `json:"swap"`
	Magic      int64       `json:"magic"`
	Comment    string      `json:"comment"`
	Symbol     string      `json:"symbol"`
}

// RetcodeDone is the terminal's TRADE_RETCODE_DONE sentinel. Any other
// retcode on an order result means the request was not executed.
const RetcodeDone = 10009

// OrderResult is the broker's response to an order submission.
type OrderResult struct {
	Retcode int     `json:"retcode"`
	Deal    int64   `json:"deal"`
	Order   int64   `json:"order"`
	Volume  float64 `json:"volume"`
	Price   float64 `json:"price"`
	Comment string  `json:"comment"`
}

// Done reports whether the broker fully executed the request.
func (r *OrderResult) Done() bool {
	return r != nil && r.Retcode == RetcodeDone
}

// AccountInfo is a snapshot of the logged-in trading account.
type AccountInfo struct {
	Login      int64   `json:"login"`
	Balance    float64 `json:"balance"`
	Equity     float64 `json:"equity"`
	Profit     float64 `json:"profit"`
	FreeMargin float64 `json:"free_margin"`
	Leverage   int64   `json:"leverage"`
	TradeMode  int     `json:"trade_mode"`
	Currency   string  `json:"currency"`
	Server     string  `json:"server"`
}

// ————————————————————————————————————————————————————————————————————————
// Fleet IPC
// ————————————————————————————————————————————————————————————————————————
// These structs map 1:1 to the JSON files shared with external UIs:
// bots_state.json (snapshot, written by the controller) and
// bots_commands.json (queue, consumed by the controller as an atomic take).

// BotStatus is the lifecycle state of one worker.
type BotStatus string

const (
	StatusStarting      BotStatus = "starting"
	StatusRunning       BotStatus = "running"
	StatusWaitingMarket BotStatus = "waiting_market"
	StatusPaused        BotStatus = "paused"
	StatusStopped       BotStatus = "stopped"
)

// BotSnapshot is one bot's entry in the fleet state file.
type BotSnapshot struct {
	BotID           string    `json:"bot_id"`
	Status          BotStatus `json:"status"`
	Symbol          string    `json:"symbol"`
	Timeframe       int       `json:"timeframe"`
	IntervalSeconds int       `json:"interval_seconds"`
	MagicNumber     int64     `json:"magic_number"`
	IsAlive         bool      `json:"is_alive"`
}

// FleetSnapshot is the full state file payload.
type FleetSnapshot struct {
	GlobalPaused bool          `json:"global_paused"`
	Bots         []BotSnapshot `json:"bots"`
}

// CommandAction enumerates the commands accepted over the queue file.
type CommandAction string

const (
	CmdPause     CommandAction = "pause"
	CmdResume    CommandAction = "resume"
	CmdStop      CommandAction = "stop"
	CmdRestart   CommandAction = "restart"
	CmdPauseAll  CommandAction = "pause_all"
	CmdResumeAll CommandAction = "resume_all"
)

// Command is one queued control message. BotID is empty for *_all actions.
type Command struct {
	Action CommandAction `json:"action"`
	BotID  string        `json:"bot_id,omitempty"`
}

// ISOTimestamp renders a time the way the trade store persists it:
// ISO-8601 with exactly six fractional digits, no zone suffix. The
// fixed width keeps rows lexically sortable.
func ISOTimestamp(t time.Time) string {
	return t.Format("2006-01-02T15:04:05.000000")
}

// ParseISOTimestamp reverses ISOTimestamp. It also accepts values without
// a fractional part, which older store rows may carry.
func ParseISOTimestamp(s string) (time.Time, error) {
	for _, layout := range []string{"2006-01-02T15:04:05.999999", "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("parse timestamp %q", s)
}
