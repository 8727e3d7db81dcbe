// MT5 Bot Fleet — a multi-strategy trading orchestrator for a MetaTrader 5
// terminal reached over an HTTP bridge.
//
// Architecture:
//
//	main.go              — entry point: loads config, connects the broker, launches the fleet
//	shell.go             — optional interactive shell (status/stats/pause/resume/stop/sync)
//	fleet/controller.go  — orchestrator: bot registry, command-file loop, global pause, state snapshots
//	bot/worker.go        — per-bot trading loop: health check → market gate → rates → signal → order
//	strategy/macross.go  — moving-average crossover strategy (the shipped strategy class)
//	broker/adapter.go    — symbol resolution, market-open heuristic, order submission with retries
//	broker/mt5bridge/    — resty client for the terminal bridge HTTP API
//	monitor/monitor.go   — trade sync service: reconciles the terminal deal history into the store
//	tradelog/tradelog.go — trade and signal logging with pip math
//	store/store.go       — per-account SQLite trade database
//	api/server.go        — read-only dashboard: JSON snapshot + WebSocket event stream
//
// One process runs many bots. Each bot pairs a strategy instance with a
// symbol and timeframe and runs in its own goroutine; the controller
// coordinates them and mirrors fleet state to bots_state.json so other
// processes can observe and command the fleet through files.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"

	"mt5-fleet/internal/api"
	"mt5-fleet/internal/bot"
	"mt5-fleet/internal/broker"
	"mt5-fleet/internal/broker/mt5bridge"
	"mt5-fleet/internal/bus"
	"mt5-fleet/internal/config"
	"mt5-fleet/internal/fleet"
	"mt5-fleet/internal/globalstate"
	"mt5-fleet/internal/monitor"
	"mt5-fleet/internal/store"
	"mt5-fleet/internal/strategy"
	"mt5-fleet/internal/tradelog"
	"mt5-fleet/pkg/types"
)

func main() {
	app := &cli.App{
		Name:  "fleet",
		Usage: "multi-strategy MT5 trading bot fleet",
		Commands: []*cli.Command{
			{
				Name:  "run",
				Usage: "connect the terminal and run the configured bots",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "config",
						Aliases: []string{"c"},
						Value:   "configs/config.yaml",
						Usage:   "path to the YAML config file",
						EnvVars: []string{"MT5_CONFIG"},
					},
					&cli.BoolFlag{
						Name:  "shell",
						Usage: "run an interactive shell instead of waiting on signals",
					},
				},
				Action: run,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	// Credentials usually live in .env during development.
	_ = godotenv.Load()

	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	st, err := store.Open(cfg.Store.DataDir, cfg.Broker.Login, logger)
	if err != nil {
		return fmt.Errorf("open trade store: %w", err)
	}
	defer st.Close()

	state := globalstate.New()
	events := bus.New(state, logger)

	term := mt5bridge.New(cfg.Broker.BridgeURL, time.Duration(cfg.Broker.TimeoutMS)*time.Millisecond)
	brk := broker.New(term, broker.Options{
		Init: broker.InitParams{
			Path:      cfg.Broker.Path,
			Login:     cfg.Broker.Login,
			Password:  cfg.Broker.Password,
			Server:    cfg.Broker.Server,
			TimeoutMS: cfg.Broker.TimeoutMS,
		},
		SymbolPrefix:      cfg.Broker.SymbolPrefix,
		SymbolSuffix:      cfg.Broker.SymbolSuffix,
		ConnectRetries:    cfg.Broker.ConnectRetries,
		ConnectRetryDelay: cfg.Broker.ConnectRetryDelay,
		Filling:           cfg.Broker.Filling,
	}, logger)

	if err := brk.Connect(context.Background()); err != nil {
		return fmt.Errorf("connect terminal: %w", err)
	}

	trades := tradelog.New(st, logger)
	syncSvc := monitor.New(brk, st, logger, cfg.Sync.Interval, cfg.Sync.WindowDays)

	ctrl := fleet.New(brk, trades, events, state, syncSvc, fleet.Config{
		StateFile:    cfg.Fleet.StateFile,
		CommandFile:  cfg.Fleet.CommandFile,
		PollInterval: cfg.Fleet.CommandPollInterval,
	}, logger)

	for i, bc := range cfg.Bots {
		strat, botCfg, err := buildBot(bc)
		if err != nil {
			return fmt.Errorf("bots[%d]: %w", i, err)
		}
		id, err := ctrl.AddBot(strat, botCfg)
		if err != nil {
			return fmt.Errorf("bots[%d]: %w", i, err)
		}
		logger.Info("bot launched", "bot_id", id)
	}

	var apiServer *api.Server
	if cfg.Dashboard.Enabled {
		apiServer = api.NewServer(cfg.Dashboard.Port, ctrl, events, logger)
		go func() {
			if err := apiServer.Start(); err != nil {
				logger.Error("dashboard server failed", "error", err)
			}
		}()
		logger.Info("dashboard started", "url", fmt.Sprintf("http://localhost:%d", cfg.Dashboard.Port))
	}

	runCtx, cancel := context.WithCancel(context.Background())
	go ctrl.Run(runCtx)

	logger.Info("fleet started",
		"bots", len(cfg.Bots),
		"account", cfg.Broker.Login,
		"server", cfg.Broker.Server,
	)

	if c.Bool("shell") {
		runShell(ctrl, os.Stdin, os.Stdout)
	} else {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig.String())
	}

	cancel()
	if apiServer != nil {
		if err := apiServer.Stop(); err != nil {
			logger.Error("failed to stop dashboard", "error", err)
		}
	}
	ctrl.StopAll()
	return nil
}

// buildBot turns a config entry into a strategy instance plus worker config.
func buildBot(bc config.BotConfig) (strategy.Strategy, bot.Config, error) {
	tf, err := types.ParseTimeframe(bc.Timeframe)
	if err != nil {
		return nil, bot.Config{}, err
	}

	var strat strategy.Strategy
	switch bc.Strategy {
	case "macross":
		strat = strategy.NewMACross(strategy.MACrossConfig{
			Magic:            bc.Magic,
			Symbols:          []string{bc.Symbol},
			FastPeriod:       bc.FastPeriod,
			SlowPeriod:       bc.SlowPeriod,
			RiskPercent:      bc.RiskPercent,
			FixedLot:         bc.FixedLot,
			SLPips:           bc.SLPips,
			TPPips:           bc.TPPips,
			CloseBeforeOpen:  bc.CloseBeforeOpen,
			MaxOpenPositions: bc.MaxOpenPositions,
		})
	default:
		return nil, bot.Config{}, fmt.Errorf("unknown strategy %q", bc.Strategy)
	}

	interval := time.Duration(bc.IntervalSeconds) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	return strat, bot.Config{
		Symbol:    bc.Symbol,
		Timeframe: tf,
		Interval:  interval,
		Window:    bc.Window,
	}, nil
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
