package broker

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"mt5-fleet/pkg/types"
)

// fakeTerminal is a scriptable Terminal for adapter tests.
type fakeTerminal struct {
	mu sync.Mutex

	connected    bool
	tradeAllowed bool
	initErr      error
	initCalls    int
	shutdowns    int

	symbols map[string]types.SymbolInfo
	ticks   map[string]types.Tick
	bars    []types.Bar
	ratesErrs int // fail this many Rates calls before succeeding
	ratesCalls int

	positions []types.Position
	deals     []types.Deal

	orderSend func(req TradeRequest) (*types.OrderResult, error)
	requests  []TradeRequest
}

func newFakeTerminal() *fakeTerminal {
	return &fakeTerminal{
		connected:    true,
		tradeAllowed: true,
		symbols:      make(map[string]types.SymbolInfo),
		ticks:        make(map[string]types.Tick),
	}
}

func (f *fakeTerminal) Initialize(_ context.Context, _ InitParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initCalls++
	if f.initErr != nil {
		return f.initErr
	}
	f.connected = true
	return nil
}

func (f *fakeTerminal) Shutdown(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shutdowns++
	f.connected = false
	return nil
}

func (f *fakeTerminal) TerminalConnected(context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTerminal) TradeAllowed(context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tradeAllowed
}

func (f *fakeTerminal) Symbols(context.Context) ([]types.SymbolInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]types.SymbolInfo, 0, len(f.symbols))
	for _, s := range f.symbols {
		out = append(out, s)
	}
	return out, nil
}

func (f *fakeTerminal) SymbolInfo(_ context.Context, name string) (*types.SymbolInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if info, ok := f.symbols[name]; ok {
		return &info, nil
	}
	return nil, nil
}

func (f *fakeTerminal) SelectSymbol(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.symbols[name]; !ok {
		return errors.New("unknown symbol")
	}
	return nil
}

func (f *fakeTerminal) Tick(_ context.Context, name string) (*types.Tick, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if tick, ok := f.ticks[name]; ok {
		return &tick, nil
	}
	return nil, errors.New("no tick")
}

func (f *fakeTerminal) Rates(_ context.Context, _ string, _ types.Timeframe, _ int) ([]types.Bar, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ratesCalls++
	if f.ratesErrs > 0 {
		f.ratesErrs--
		return nil, errors.New("rates unavailable")
	}
	return f.bars, nil
}

func (f *fakeTerminal) Positions(_ context.Context, filter PositionFilter) ([]types.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []types.Position
	for _, p := range f.positions {
		if filter.Symbol != "" && p.Symbol != filter.Symbol {
			continue
		}
		if filter.Magic != 0 && p.Magic != filter.Magic {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func (f *fakeTerminal) HistoryDeals(_ context.Context, _, _ time.Time) ([]types.Deal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deals, nil
}

func (f *fakeTerminal) OrderSend(_ context.Context, req TradeRequest) (*types.OrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.orderSend != nil {
		return f.orderSend(req)
	}
	return &types.OrderResult{Retcode: types.RetcodeDone, Order: 100, Deal: 200, Price: 1.1}, nil
}

func (f *fakeTerminal) AccountInfo(context.Context) (*types.AccountInfo, error) {
	return &types.AccountInfo{Login: 12345, Balance: 10000, Equity: 10000}, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestAdapter(term *fakeTerminal, opts Options) *Adapter {
	if opts.ConnectRetryDelay == 0 {
		opts.ConnectRetryDelay = time.Millisecond
	}
	return New(term, opts, testLogger())
}

func addSymbol(f *fakeTerminal, name string) {
	f.symbols[name] = types.SymbolInfo{
		Name: name, Digits: 5, Point: 0.00001, Spread: 10,
		TradeMode: types.TradeModeFull, Visible: true,
		VolumeMin: 0.01, VolumeMax: 100, VolumeStep: 0.01,
		SessionDeals: 1,
	}
}

// ————————————————————————————————————————————————————————————————————————
// Connect / Reconnect
// ————————————————————————————————————————————————————————————————————————

func TestConnectRetriesThenFails(t *testing.T) {
	t.Parallel()
	term := newFakeTerminal()
	term.initErr = errors.New("terminal offline")
	a := newTestAdapter(term, Options{ConnectRetries: 3})

	if err := a.Connect(context.Background()); err == nil {
		t.Fatal("expected error when every attempt fails")
	}
	if term.initCalls != 3 {
		t.Errorf("init calls = %d, want 3", term.initCalls)
	}
}

func TestReconnectDropsSymbolCache(t *testing.T) {
	t.Parallel()
	term := newFakeTerminal()
	addSymbol(term, "EURUSD.ecn")
	a := newTestAdapter(term, Options{SymbolSuffix: ".ecn"})

	if _, err := a.ResolveSymbol(context.Background(), "EURUSD"); err != nil {
		t.Fatalf("ResolveSymbol: %v", err)
	}
	if len(a.resolved) != 1 {
		t.Fatalf("cache size = %d, want 1", len(a.resolved))
	}

	if err := a.Reconnect(context.Background()); err != nil {
		t.Fatalf("Reconnect: %v", err)
	}
	if term.shutdowns != 1 {
		t.Errorf("shutdowns = %d, want 1", term.shutdowns)
	}
	if len(a.resolved) != 0 {
		t.Errorf("cache should be empty after reconnect, has %d entries", len(a.resolved))
	}
}

// ————————————————————————————————————————————————————————————————————————
// Symbol resolution
// ————————————————————————————————————————————————————————————————————————

func TestResolveSymbolEnvelopeFirst(t *testing.T) {
	t.Parallel()
	term := newFakeTerminal()
	// Both the envelope name and a common-variant name exist; the
	// envelope must win because it is probed first.
	addSymbol(term, "EURUSD.ecn")
	addSymbol(term, "EURUSDm")
	a := newTestAdapter(term, Options{SymbolSuffix: ".ecn"})

	info, err := a.ResolveSymbol(context.Background(), "EURUSD")
	if err != nil {
		t.Fatalf("ResolveSymbol: %v", err)
	}
	if info.Name != "EURUSD.ecn" {
		t.Errorf("resolved = %s, want EURUSD.ecn", info.Name)
	}
}

func TestResolveSymbolCommonVariant(t *testing.T) {
	t.Parallel()
	term := newFakeTerminal()
	addSymbol(term, "GBPUSDm")
	a := newTestAdapter(term, Options{})

	info, err := a.ResolveSymbol(context.Background(), "GBPUSD")
	if err != nil {
		t.Fatalf("ResolveSymbol: %v", err)
	}
	if info.Name != "GBPUSDm" {
		t.Errorf("resolved = %s, want GBPUSDm", info.Name)
	}
}

func TestResolveSymbolSubstringPrefersShortNames(t *testing.T) {
	t.Parallel()
	term := newFakeTerminal()
	// Neither is hit by the variant list, so the universe scan runs.
	// Long decorated names lose to names of forex length.
	addSymbol(term, "XAUUSD-special-account")
	addSymbol(term, "XAUUSD.r")
	a := newTestAdapter(term, Options{})

	info, err := a.ResolveSymbol(context.Background(), "XAUUSD")
	if err != nil {
		t.Fatalf("ResolveSymbol: %v", err)
	}
	if info.Name != "XAUUSD.r" {
		t.Errorf("resolved = %s, want XAUUSD.r (len <= 10)", info.Name)
	}
}

func TestResolveSymbolNotFound(t *testing.T) {
	t.Parallel()
	term := newFakeTerminal()
	addSymbol(term, "EURUSD")
	a := newTestAdapter(term, Options{})

	_, err := a.ResolveSymbol(context.Background(), "DOGEUSD")
	if !errors.Is(err, ErrSymbolNotFound) {
		t.Errorf("err = %v, want ErrSymbolNotFound", err)
	}
}

// ————————————————————————————————————————————————————————————————————————
// Market-open gate
// ————————————————————————————————————————————————————————————————————————

func marketOpenFixture(t *testing.T) (*fakeTerminal, *Adapter) {
	t.Helper()
	term := newFakeTerminal()
	addSymbol(term, "EURUSD")
	now := time.Now()
	term.ticks["EURUSD"] = types.Tick{Time: now.Unix(), Bid: 1.1000, Ask: 1.1001}
	a := newTestAdapter(term, Options{})
	a.now = func() time.Time { return now }
	return term, a
}

func TestMarketOpenHappyPath(t *testing.T) {
	t.Parallel()
	_, a := marketOpenFixture(t)
	if !a.MarketOpen(context.Background(), "EURUSD") {
		t.Error("expected market open")
	}
}

func TestMarketOpenTerminalDown(t *testing.T) {
	t.Parallel()
	term, a := marketOpenFixture(t)
	term.connected = false
	if a.MarketOpen(context.Background(), "EURUSD") {
		t.Error("expected closed when terminal disconnected")
	}
}

func TestMarketOpenTradeNotAllowed(t *testing.T) {
	t.Parallel()
	term, a := marketOpenFixture(t)
	term.tradeAllowed = false
	if a.MarketOpen(context.Background(), "EURUSD") {
		t.Error("expected closed when algo trading disallowed")
	}
}

func TestMarketOpenZeroQuotes(t *testing.T) {
	t.Parallel()
	term, a := marketOpenFixture(t)
	term.ticks["EURUSD"] = types.Tick{Time: time.Now().Unix(), Bid: 0, Ask: 1.1}
	if a.MarketOpen(context.Background(), "EURUSD") {
		t.Error("expected closed with zero bid")
	}
}

func TestMarketOpenStaleTickNoSession(t *testing.T) {
	t.Parallel()
	term, a := marketOpenFixture(t)

	info := term.symbols["EURUSD"]
	info.SessionDeals, info.SessionBuys, info.SessionSells = 0, 0, 0
	term.symbols["EURUSD"] = info

	now := time.Now()
	a.now = func() time.Time { return now }
	term.ticks["EURUSD"] = types.Tick{Time: now.Add(-6 * time.Minute).Unix(), Bid: 1.1, Ask: 1.1001}

	if a.MarketOpen(context.Background(), "EURUSD") {
		t.Error("expected closed: no session activity and tick older than 5 minutes")
	}
}

func TestMarketOpenStaleTickWideSpread(t *testing.T) {
	t.Parallel()
	term, a := marketOpenFixture(t)

	now := time.Now()
	a.now = func() time.Time { return now }
	// 3-minute-old tick, spread 500 points vs nominal 10: weekend quote.
	term.ticks["EURUSD"] = types.Tick{
		Time: now.Add(-3 * time.Minute).Unix(),
		Bid:  1.10000, Ask: 1.10500,
	}

	if a.MarketOpen(context.Background(), "EURUSD") {
		t.Error("expected closed: stale tick with blown-out spread")
	}
}

func TestMarketOpenStaleTickNormalSpread(t *testing.T) {
	t.Parallel()
	term, a := marketOpenFixture(t)

	now := time.Now()
	a.now = func() time.Time { return now }
	// 3-minute-old tick but spread is normal; session still has deals.
	term.ticks["EURUSD"] = types.Tick{
		Time: now.Add(-3 * time.Minute).Unix(),
		Bid:  1.10000, Ask: 1.10001,
	}

	if !a.MarketOpen(context.Background(), "EURUSD") {
		t.Error("expected open: quiet but healthy instrument")
	}
}

// ————————————————————————————————————————————————————————————————————————
// Rates / Orders
// ————————————————————————————————————————————————————————————————————————

func TestRatesRetriesTransientErrors(t *testing.T) {
	t.Parallel()
	term := newFakeTerminal()
	addSymbol(term, "EURUSD")
	term.ratesErrs = 2
	term.bars = []types.Bar{{Time: 1000, Close: 1.1}}
	a := newTestAdapter(term, Options{})

	bars, err := a.Rates(context.Background(), "EURUSD", types.M5, 100)
	if err != nil {
		t.Fatalf("Rates: %v", err)
	}
	if len(bars) != 1 {
		t.Errorf("bars = %d, want 1", len(bars))
	}
	if term.ratesCalls != 3 {
		t.Errorf("rates calls = %d, want 3 (two failures then success)", term.ratesCalls)
	}
}

func TestRatesExhaustsRetries(t *testing.T) {
	t.Parallel()
	term := newFakeTerminal()
	addSymbol(term, "EURUSD")
	term.ratesErrs = 5
	a := newTestAdapter(term, Options{})

	if _, err := a.Rates(context.Background(), "EURUSD", types.M5, 100); err == nil {
		t.Error("expected error after retry budget exhausted")
	}
	if term.ratesCalls != 3 {
		t.Errorf("rates calls = %d, want exactly 3", term.ratesCalls)
	}
}

func TestSubmitMarketUsesResolvedSymbolAndFilling(t *testing.T) {
	t.Parallel()
	term := newFakeTerminal()
	addSymbol(term, "EURUSD.ecn")
	a := newTestAdapter(term, Options{SymbolSuffix: ".ecn", Filling: types.FillingFOK})

	result, err := a.SubmitMarket(context.Background(), MarketOrder{
		Symbol: "EURUSD", Action: types.Buy, Volume: 0.05,
		SL: 1.099, TP: 1.103, Magic: 100001, Comment: "MACross",
	})
	if err != nil {
		t.Fatalf("SubmitMarket: %v", err)
	}
	if !result.Done() {
		t.Errorf("retcode = %d, want done", result.Retcode)
	}

	req := term.requests[0]
	if req.Symbol != "EURUSD.ecn" {
		t.Errorf("request symbol = %s, want EURUSD.ecn", req.Symbol)
	}
	if req.Filling != types.FillingFOK {
		t.Errorf("filling = %s, want fok", req.Filling)
	}
	if req.Action != TradeActionDeal || req.Type != types.Buy {
		t.Errorf("request = %+v", req)
	}
}

func TestSubmitMarketRejectKeepsRetcode(t *testing.T) {
	t.Parallel()
	term := newFakeTerminal()
	addSymbol(term, "EURUSD")
	term.orderSend = func(TradeRequest) (*types.OrderResult, error) {
		return &types.OrderResult{Retcode: 10019, Comment: "no money"}, nil
	}
	a := newTestAdapter(term, Options{})

	result, err := a.SubmitMarket(context.Background(), MarketOrder{
		Symbol: "EURUSD", Action: types.Buy, Volume: 0.05,
	})
	if err == nil {
		t.Fatal("expected reject error")
	}
	var reject *RejectError
	if !errors.As(err, &reject) {
		t.Fatalf("err = %T, want *RejectError", err)
	}
	if reject.Retcode != 10019 {
		t.Errorf("retcode = %d, want 10019", reject.Retcode)
	}
	if result == nil || result.Retcode != 10019 {
		t.Errorf("result should carry the raw retcode: %+v", result)
	}
}

func TestCloseByTicketOppositeDirection(t *testing.T) {
	t.Parallel()
	term := newFakeTerminal()
	addSymbol(term, "EURUSD")
	a := newTestAdapter(term, Options{})

	result := a.CloseByTicket(context.Background(), 42, "EURUSD", 0.05, types.Buy)
	if result == nil {
		t.Fatal("expected result for successful close")
	}

	req := term.requests[0]
	if req.Type != types.Sell {
		t.Errorf("close direction = %s, want sell (opposite of buy)", req.Type)
	}
	if req.Position != 42 {
		t.Errorf("position = %d, want 42", req.Position)
	}
}

func TestCloseByTicketFailureReturnsNil(t *testing.T) {
	t.Parallel()
	term := newFakeTerminal()
	addSymbol(term, "EURUSD")
	term.orderSend = func(TradeRequest) (*types.OrderResult, error) {
		return nil, errors.New("connection reset")
	}
	a := newTestAdapter(term, Options{})

	if result := a.CloseByTicket(context.Background(), 42, "EURUSD", 0.05, types.Buy); result != nil {
		t.Errorf("expected nil on failure, got %+v", result)
	}
}

func TestModifySLTPKeepsUnsetSide(t *testing.T) {
	t.Parallel()
	term := newFakeTerminal()
	addSymbol(term, "EURUSD")
	term.positions = []types.Position{{
		Ticket: 42, Symbol: "EURUSD", Type: types.Buy,
		Volume: 0.05, SL: 1.0990, TP: 1.1030,
	}}
	a := newTestAdapter(term, Options{})

	newSL := 1.0995
	if err := a.ModifySLTP(context.Background(), 42, &newSL, nil); err != nil {
		t.Fatalf("ModifySLTP: %v", err)
	}

	req := term.requests[0]
	if req.SL != 1.0995 {
		t.Errorf("SL = %v, want 1.0995", req.SL)
	}
	if req.TP != 1.1030 {
		t.Errorf("TP = %v, want 1.1030 (unchanged)", req.TP)
	}
}
