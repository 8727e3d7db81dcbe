// Package api serves the read-only fleet dashboard: a JSON snapshot
// endpoint plus a WebSocket stream that relays bus events live.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"mt5-fleet/internal/bus"
)

// relayed is the set of bus events forwarded to dashboard clients.
var relayed = []bus.EventType{
	bus.SignalGenerated,
	bus.TradeOpened,
	bus.TradeClosed,
	bus.TradeModified,
	bus.BotStarted,
	bus.BotStopped,
	bus.BotPaused,
	bus.BotResumed,
	bus.BotError,
	bus.MarketOpened,
	bus.MarketClosed,
	bus.ConnectionLost,
	bus.ConnectionRestored,
}

// Server runs the dashboard HTTP/WebSocket listener.
type Server struct {
	events   *bus.Bus
	hub      *Hub
	handlers *Handlers
	server   *http.Server
	logger   *slog.Logger
}

// NewServer wires the dashboard routes on the given port.
func NewServer(port int, provider Provider, events *bus.Bus, logger *slog.Logger) *Server {
	hub := NewHub(logger)
	handlers := NewHandlers(provider, hub, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", handlers.HandleHealth)
	mux.HandleFunc("/api/snapshot", handlers.HandleSnapshot)
	mux.HandleFunc("/ws", handlers.HandleWebSocket)

	return &Server{
		events:   events,
		hub:      hub,
		handlers: handlers,
		server: &http.Server{
			Addr:         fmt.Sprintf(":%d", port),
			Handler:      mux,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger.With("component", "api-server"),
	}
}

// Start runs the hub, bridges bus events to it, and serves until Stop.
func (s *Server) Start() error {
	go s.hub.Run()

	for _, et := range relayed {
		s.events.Subscribe(et, func(evt bus.Event) {
			s.hub.Broadcast(DashboardEvent{
				Type:      string(evt.Type),
				Timestamp: evt.Timestamp,
				Source:    evt.Source,
				Data:      evt.Data,
			})
		})
	}

	s.logger.Info("dashboard listening", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("dashboard server: %w", err)
	}
	return nil
}

// Stop drains in-flight requests and shuts the listener down.
func (s *Server) Stop() error {
	s.logger.Info("stopping dashboard")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}
