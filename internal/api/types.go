package api

import (
	"time"

	"mt5-fleet/internal/store"
	"mt5-fleet/pkg/types"
)

// DashboardSnapshot is the full fleet view served at /api/snapshot and
// pushed to fresh WebSocket clients.
type DashboardSnapshot struct {
	Timestamp    time.Time           `json:"timestamp"`
	GlobalPaused bool                `json:"global_paused"`
	Bots         []types.BotSnapshot `json:"bots"`
	Stats        []*store.BotStats   `json:"stats"`
	LastSync     time.Time           `json:"last_sync"`
}

// DashboardEvent is the wire envelope for everything pushed over the
// WebSocket: fleet events relayed from the bus plus periodic snapshots.
type DashboardEvent struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source,omitempty"`
	Data      any       `json:"data"`
}
