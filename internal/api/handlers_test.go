package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"mt5-fleet/internal/store"
	"mt5-fleet/pkg/types"
)

type fakeProvider struct {
	snap     types.FleetSnapshot
	stats    []*store.BotStats
	statsErr error
	lastSync time.Time
}

func (f *fakeProvider) Snapshot() types.FleetSnapshot { return f.snap }
func (f *fakeProvider) AllTradingStats() ([]*store.BotStats, error) {
	return f.stats, f.statsErr
}
func (f *fakeProvider) LastSyncTime() time.Time { return f.lastSync }

func newTestHandlers(provider Provider) *Handlers {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewHandlers(provider, NewHub(logger), logger)
}

func TestHandleHealth(t *testing.T) {
	t.Parallel()
	h := newTestHandlers(&fakeProvider{})

	rec := httptest.NewRecorder()
	h.HandleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status field = %q, want ok", body["status"])
	}
}

func TestHandleSnapshot(t *testing.T) {
	t.Parallel()
	lastSync := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	h := newTestHandlers(&fakeProvider{
		snap: types.FleetSnapshot{
			GlobalPaused: true,
			Bots: []types.BotSnapshot{{
				BotID: "MACross_EURUSD_M5", Status: types.StatusPaused,
				Symbol: "EURUSD", Timeframe: 5, MagicNumber: 100001, IsAlive: true,
			}},
		},
		stats: []*store.BotStats{{
			BotID: "MACross_EURUSD_M5", TotalTrades: 3, ClosedTrades: 2,
			Wins: 1, Losses: 1, WinRate: 50, TotalProfit: 4.5,
		}},
		lastSync: lastSync,
	})

	rec := httptest.NewRecorder()
	h.HandleSnapshot(rec, httptest.NewRequest(http.MethodGet, "/api/snapshot", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var snap DashboardSnapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !snap.GlobalPaused {
		t.Error("global_paused lost in snapshot")
	}
	if len(snap.Bots) != 1 || snap.Bots[0].BotID != "MACross_EURUSD_M5" {
		t.Errorf("bots = %+v", snap.Bots)
	}
	if len(snap.Stats) != 1 || snap.Stats[0].WinRate != 50 {
		t.Errorf("stats = %+v", snap.Stats)
	}
	if !snap.LastSync.Equal(lastSync) {
		t.Errorf("last_sync = %v, want %v", snap.LastSync, lastSync)
	}
}

func TestHandleSnapshotToleratesStatsError(t *testing.T) {
	t.Parallel()
	h := newTestHandlers(&fakeProvider{statsErr: errors.New("db locked")})

	rec := httptest.NewRecorder()
	h.HandleSnapshot(rec, httptest.NewRequest(http.MethodGet, "/api/snapshot", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 even when stats fail", rec.Code)
	}
	var snap DashboardSnapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(snap.Stats) != 0 {
		t.Errorf("stats = %+v, want empty", snap.Stats)
	}
}
