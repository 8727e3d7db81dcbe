package strategy

import (
	"fmt"

	"mt5-fleet/pkg/types"
)

// MACrossConfig tunes the moving-average crossover strategy. Zero values
// fall back to the defaults in NewMACross.
type MACrossConfig struct {
	Magic      int64
	Symbols    []string
	FastPeriod int
	SlowPeriod int

	// RiskPercent of equity risked per trade when sizing. FixedLot
	// overrides percent sizing when set.
	RiskPercent float64
	FixedLot    float64

	SLPips float64
	TPPips float64

	CloseBeforeOpen  bool
	MaxOpenPositions int
}

// MACross trades simple moving-average crossovers: fast crossing above
// slow is a buy, crossing below is a sell, anything else holds.
type MACross struct {
	cfg MACrossConfig
}

// NewMACross builds the crossover strategy, filling config defaults.
func NewMACross(cfg MACrossConfig) *MACross {
	if cfg.Magic == 0 {
		cfg.Magic = 100001
	}
	if len(cfg.Symbols) == 0 {
		cfg.Symbols = []string{"EURUSD"}
	}
	if cfg.FastPeriod <= 0 {
		cfg.FastPeriod = 10
	}
	if cfg.SlowPeriod <= 0 {
		cfg.SlowPeriod = 30
	}
	if cfg.RiskPercent <= 0 {
		cfg.RiskPercent = 1.0
	}
	if cfg.SLPips <= 0 {
		cfg.SLPips = 30
	}
	if cfg.TPPips <= 0 {
		cfg.TPPips = 60
	}
	if cfg.MaxOpenPositions <= 0 {
		cfg.MaxOpenPositions = 1
	}
	return &MACross{cfg: cfg}
}

func (m *MACross) Name() string       { return "MACross" }
func (m *MACross) MagicNumber() int64 { return m.cfg.Magic }

func (m *MACross) Params() Params {
	return Params{
		Symbols:          m.cfg.Symbols,
		CloseBeforeOpen:  m.cfg.CloseBeforeOpen,
		MaxOpenPositions: m.cfg.MaxOpenPositions,
	}
}

// GenerateSignal compares the fast and slow SMA at idx against the bar
// before it. Only a fresh crossover trades; a fast MA that is merely
// above the slow one holds.
func (m *MACross) GenerateSignal(bars []types.Bar, idx int) (types.SignalType, error) {
	if idx < 0 || idx >= len(bars) {
		return types.SignalHold, fmt.Errorf("bar index %d out of range (%d bars)", idx, len(bars))
	}
	// One extra bar so the previous-bar MAs are defined.
	if idx < m.cfg.SlowPeriod {
		return types.SignalHold, nil
	}

	fastNow := sma(bars, idx, m.cfg.FastPeriod)
	slowNow := sma(bars, idx, m.cfg.SlowPeriod)
	fastPrev := sma(bars, idx-1, m.cfg.FastPeriod)
	slowPrev := sma(bars, idx-1, m.cfg.SlowPeriod)

	switch {
	case fastPrev <= slowPrev && fastNow > slowNow:
		return types.SignalBuy, nil
	case fastPrev >= slowPrev && fastNow < slowNow:
		return types.SignalSell, nil
	default:
		return types.SignalHold, nil
	}
}

// PositionSize risks RiskPercent of equity against the stop distance,
// clamped to a sane retail lot range. A configured FixedLot wins.
func (m *MACross) PositionSize(symbol string, equity, entryPrice float64) float64 {
	if m.cfg.FixedLot > 0 {
		return m.cfg.FixedLot
	}
	if equity <= 0 {
		return 0.01
	}

	// Standard-lot pip value approximation: 10 units of account
	// currency per pip per lot for USD-quoted pairs.
	riskAmount := equity * m.cfg.RiskPercent / 100
	lots := riskAmount / (m.cfg.SLPips * 10)

	lots = float64(int(lots*100)) / 100 // truncate to 0.01 steps
	if lots < 0.01 {
		lots = 0.01
	}
	if lots > 10 {
		lots = 10
	}
	return lots
}

// StopLevels places SL and TP a fixed pip distance from entry.
func (m *MACross) StopLevels(symbol string, action types.OrderAction, entry float64) (float64, float64) {
	pip := PipSize(symbol)
	if action == types.Buy {
		return entry - m.cfg.SLPips*pip, entry + m.cfg.TPPips*pip
	}
	return entry + m.cfg.SLPips*pip, entry - m.cfg.TPPips*pip
}

// sma is the simple moving average of the period closes ending at idx.
// Callers guarantee idx-period+1 >= 0.
func sma(bars []types.Bar, idx, period int) float64 {
	var sum float64
	for i := idx - period + 1; i <= idx; i++ {
		sum += bars[i].Close
	}
	return sum / float64(period)
}
