package strategy

import (
	"math"
	"testing"

	"mt5-fleet/pkg/types"
)

// barsFromCloses builds a bar series where only Close matters.
func barsFromCloses(closes []float64) []types.Bar {
	bars := make([]types.Bar, len(closes))
	for i, c := range closes {
		bars[i] = types.Bar{Time: int64(i * 60), Open: c, High: c, Low: c, Close: c}
	}
	return bars
}

// flatThen appends values to a flat warmup long enough for the slow MA.
func flatThen(level float64, warmup int, tail ...float64) []float64 {
	closes := make([]float64, 0, warmup+len(tail))
	for i := 0; i < warmup; i++ {
		closes = append(closes, level)
	}
	return append(closes, tail...)
}

func approx(got, want float64) bool {
	return math.Abs(got-want) < 1e-9
}

func TestMACrossBuyOnUpwardCrossover(t *testing.T) {
	t.Parallel()
	m := NewMACross(MACrossConfig{FastPeriod: 2, SlowPeriod: 4})

	// Flat history, then one strong up bar: the fast MA crosses above
	// the slow MA on the final bar.
	bars := barsFromCloses(flatThen(1.0, 10, 2.0))

	sig, err := m.GenerateSignal(bars, len(bars)-1)
	if err != nil {
		t.Fatalf("GenerateSignal: %v", err)
	}
	if sig != types.SignalBuy {
		t.Errorf("signal = %s, want buy", sig)
	}
}

func TestMACrossSellOnDownwardCrossover(t *testing.T) {
	t.Parallel()
	m := NewMACross(MACrossConfig{FastPeriod: 2, SlowPeriod: 4})

	bars := barsFromCloses(flatThen(1.0, 10, 0.5))

	sig, err := m.GenerateSignal(bars, len(bars)-1)
	if err != nil {
		t.Fatalf("GenerateSignal: %v", err)
	}
	if sig != types.SignalSell {
		t.Errorf("signal = %s, want sell", sig)
	}
}

func TestMACrossHoldsInEstablishedTrend(t *testing.T) {
	t.Parallel()
	m := NewMACross(MACrossConfig{FastPeriod: 2, SlowPeriod: 4})

	// Steady rally: fast stays above slow the whole window, no fresh cross.
	bars := barsFromCloses(flatThen(1.0, 10, 1.25, 1.5, 1.75, 2.0, 2.25, 2.5))

	sig, err := m.GenerateSignal(bars, len(bars)-1)
	if err != nil {
		t.Fatalf("GenerateSignal: %v", err)
	}
	if sig != types.SignalHold {
		t.Errorf("signal = %s, want hold in established trend", sig)
	}
}

func TestMACrossHoldsDuringWarmup(t *testing.T) {
	t.Parallel()
	m := NewMACross(MACrossConfig{FastPeriod: 10, SlowPeriod: 30})

	bars := barsFromCloses(flatThen(1.0, 20))
	sig, err := m.GenerateSignal(bars, len(bars)-1)
	if err != nil {
		t.Fatalf("GenerateSignal: %v", err)
	}
	if sig != types.SignalHold {
		t.Errorf("signal = %s, want hold with insufficient history", sig)
	}
}

func TestMACrossIndexOutOfRange(t *testing.T) {
	t.Parallel()
	m := NewMACross(MACrossConfig{})

	if _, err := m.GenerateSignal(barsFromCloses([]float64{1.0}), 5); err == nil {
		t.Error("expected error for out-of-range index")
	}
}

func TestPositionSizeRiskPercent(t *testing.T) {
	t.Parallel()
	m := NewMACross(MACrossConfig{RiskPercent: 1.0, SLPips: 30})

	// 1% of 10_000 = 100 risked; 30 pips * $10/pip-lot = 0.33 lots.
	if lots := m.PositionSize("EURUSD", 10000, 1.1); lots != 0.33 {
		t.Errorf("lots = %v, want 0.33", lots)
	}
}

func TestPositionSizeFixedLotWins(t *testing.T) {
	t.Parallel()
	m := NewMACross(MACrossConfig{FixedLot: 0.05})

	if lots := m.PositionSize("EURUSD", 100000, 1.1); lots != 0.05 {
		t.Errorf("lots = %v, want fixed 0.05", lots)
	}
}

func TestPositionSizeFloorAndCap(t *testing.T) {
	t.Parallel()
	m := NewMACross(MACrossConfig{RiskPercent: 1.0, SLPips: 30})

	if lots := m.PositionSize("EURUSD", 10, 1.1); lots != 0.01 {
		t.Errorf("tiny equity lots = %v, want floor 0.01", lots)
	}
	if lots := m.PositionSize("EURUSD", 100_000_000, 1.1); lots != 10 {
		t.Errorf("huge equity lots = %v, want cap 10", lots)
	}
}

func TestStopLevelsDirections(t *testing.T) {
	t.Parallel()
	m := NewMACross(MACrossConfig{SLPips: 30, TPPips: 60})

	sl, tp := m.StopLevels("EURUSD", types.Buy, 1.1000)
	if !approx(sl, 1.0970) || !approx(tp, 1.1060) {
		t.Errorf("buy stops = (%v, %v), want (1.0970, 1.1060)", sl, tp)
	}

	sl, tp = m.StopLevels("EURUSD", types.Sell, 1.1000)
	if !approx(sl, 1.1030) || !approx(tp, 1.0940) {
		t.Errorf("sell stops = (%v, %v), want (1.1030, 1.0940)", sl, tp)
	}
}

func TestStopLevelsPipClasses(t *testing.T) {
	t.Parallel()
	m := NewMACross(MACrossConfig{SLPips: 10, TPPips: 20})

	sl, _ := m.StopLevels("USDJPY", types.Buy, 150.00)
	if !approx(sl, 149.90) {
		t.Errorf("jpy sl = %v, want 149.90", sl)
	}

	sl, _ = m.StopLevels("XAUUSD", types.Buy, 2400.0)
	if !approx(sl, 2399.0) {
		t.Errorf("gold sl = %v, want 2399.0", sl)
	}
}
