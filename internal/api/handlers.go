package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"mt5-fleet/internal/store"
	"mt5-fleet/pkg/types"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Local dashboard only; the listener binds loopback by default.
		return true
	},
}

// Provider is the fleet surface the dashboard reads. Implemented by the
// fleet controller.
type Provider interface {
	Snapshot() types.FleetSnapshot
	AllTradingStats() ([]*store.BotStats, error)
	LastSyncTime() time.Time
}

// Handlers serves the dashboard HTTP routes.
type Handlers struct {
	provider Provider
	hub      *Hub
	logger   *slog.Logger
}

func NewHandlers(provider Provider, hub *Hub, logger *slog.Logger) *Handlers {
	return &Handlers{
		provider: provider,
		hub:      hub,
		logger:   logger.With("component", "api-handlers"),
	}
}

// HandleHealth is a liveness probe.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// HandleSnapshot returns the current fleet view.
func (h *Handlers) HandleSnapshot(w http.ResponseWriter, r *http.Request) {
	snapshot := h.buildSnapshot()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(snapshot); err != nil {
		h.logger.Error("encode snapshot", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

// HandleWebSocket upgrades the connection and seeds it with a snapshot.
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade", "error", err)
		return
	}

	c := newClient(h.hub, conn)

	data, err := json.Marshal(DashboardEvent{
		Type:      "snapshot",
		Timestamp: time.Now().UTC(),
		Data:      h.buildSnapshot(),
	})
	if err != nil {
		h.logger.Error("marshal initial snapshot", "error", err)
		return
	}

	select {
	case c.send <- data:
	default:
		h.logger.Warn("initial snapshot dropped, client send buffer full")
	}
}

func (h *Handlers) buildSnapshot() DashboardSnapshot {
	fleet := h.provider.Snapshot()

	stats, err := h.provider.AllTradingStats()
	if err != nil {
		h.logger.Error("load trading stats", "error", err)
	}

	return DashboardSnapshot{
		Timestamp:    time.Now().UTC(),
		GlobalPaused: fleet.GlobalPaused,
		Bots:         fleet.Bots,
		Stats:        stats,
		LastSync:     h.provider.LastSyncTime(),
	}
}
