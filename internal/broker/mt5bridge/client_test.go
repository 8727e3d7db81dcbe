package mt5bridge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"mt5-fleet/internal/broker"
	"mt5-fleet/pkg/types"
)

func newBridgeServer(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := New(srv.URL, 5*time.Second)
	c.http.SetRetryCount(0)
	return c
}

func TestInitializeSendsCredentials(t *testing.T) {
	t.Parallel()
	var got broker.InitParams
	c := newBridgeServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/initialize" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	})

	params := broker.InitParams{Login: 12345, Password: "secret", Server: "Demo-Server", TimeoutMS: 60000}
	if err := c.Initialize(context.Background(), params); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if got.Login != 12345 || got.Server != "Demo-Server" {
		t.Errorf("bridge received %+v", got)
	}
}

func TestInitializeSurfacesBridgeError(t *testing.T) {
	t.Parallel()
	c := newBridgeServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]string{"error": "invalid account"})
	})

	err := c.Initialize(context.Background(), broker.InitParams{Login: 1})
	if err == nil {
		t.Fatal("expected error from 401")
	}
}

func TestSymbolInfoUnknownIsNilNil(t *testing.T) {
	t.Parallel()
	c := newBridgeServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	info, err := c.SymbolInfo(context.Background(), "NOPE")
	if err != nil {
		t.Fatalf("SymbolInfo: %v", err)
	}
	if info != nil {
		t.Errorf("expected nil info for unknown symbol, got %+v", info)
	}
}

func TestSymbolInfoDecodesFields(t *testing.T) {
	t.Parallel()
	c := newBridgeServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("name") != "EURUSD.ecn" {
			t.Errorf("name = %q", r.URL.Query().Get("name"))
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(types.SymbolInfo{
			Name: "EURUSD.ecn", Digits: 5, Point: 0.00001,
			TradeMode: types.TradeModeFull, Visible: true,
		})
	})

	info, err := c.SymbolInfo(context.Background(), "EURUSD.ecn")
	if err != nil {
		t.Fatalf("SymbolInfo: %v", err)
	}
	if info.Name != "EURUSD.ecn" || info.Digits != 5 {
		t.Errorf("info = %+v", info)
	}
}

func TestRatesQueryEncoding(t *testing.T) {
	t.Parallel()
	c := newBridgeServer(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("symbol") != "EURUSD" || q.Get("timeframe") != "16385" || q.Get("count") != "200" {
			t.Errorf("query = %v", q)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode([]types.Bar{
			{Time: 1700000000, Open: 1.1, High: 1.2, Low: 1.0, Close: 1.15},
		})
	})

	bars, err := c.Rates(context.Background(), "EURUSD", types.H1, 200)
	if err != nil {
		t.Fatalf("Rates: %v", err)
	}
	if len(bars) != 1 || bars[0].Close != 1.15 {
		t.Errorf("bars = %+v", bars)
	}
}

func TestOrderSendRejectIsNotAnError(t *testing.T) {
	t.Parallel()
	c := newBridgeServer(t, func(w http.ResponseWriter, r *http.Request) {
		var req broker.TradeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Action != broker.TradeActionDeal || req.Symbol != "EURUSD" {
			t.Errorf("request = %+v", req)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(types.OrderResult{Retcode: 10019, Comment: "no money"})
	})

	result, err := c.OrderSend(context.Background(), broker.TradeRequest{
		Action: broker.TradeActionDeal, Symbol: "EURUSD",
		Volume: 0.05, Type: types.Buy,
	})
	if err != nil {
		t.Fatalf("OrderSend: %v", err)
	}
	if result.Done() {
		t.Error("reject should not report done")
	}
	if result.Retcode != 10019 {
		t.Errorf("retcode = %d, want 10019", result.Retcode)
	}
}

func TestHistoryDealsWindowAsUnixSeconds(t *testing.T) {
	t.Parallel()
	from := time.Date(2026, 8, 17, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC)

	c := newBridgeServer(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("from") != "1786924800" || q.Get("to") != "1787529600" {
			t.Errorf("window = from=%s to=%s", q.Get("from"), q.Get("to"))
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode([]types.Deal{
			{Ticket: 900, PositionID: 42, Symbol: "XAUUSD", Profit: 25.0},
		})
	})

	deals, err := c.HistoryDeals(context.Background(), from, to)
	if err != nil {
		t.Fatalf("HistoryDeals: %v", err)
	}
	if len(deals) != 1 || deals[0].PositionID != 42 {
		t.Errorf("deals = %+v", deals)
	}
}

func TestTerminalConnectedFalseOnTransportFailure(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	c := New(srv.URL, time.Second)
	c.http.SetRetryCount(0)
	srv.Close()

	if c.TerminalConnected(context.Background()) {
		t.Error("expected false when the bridge is unreachable")
	}
}
