// Package fleet is the orchestrator: it owns the worker registry, the
// trade sync service, the on-disk IPC files, and the global-pause flag.
//
// Each registered bot runs as its own goroutine (bot.Worker); the
// controller only flips their pause/stop state and republishes fleet
// snapshots after every transition. No snapshot write happens while the
// registry mutex is held.
package fleet

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"mt5-fleet/internal/bot"
	"mt5-fleet/internal/bus"
	"mt5-fleet/internal/globalstate"
	"mt5-fleet/internal/monitor"
	"mt5-fleet/internal/store"
	"mt5-fleet/internal/strategy"
	"mt5-fleet/internal/tradelog"
	"mt5-fleet/pkg/types"
)

const stopJoinTimeout = 5 * time.Second

// Config tunes the controller's IPC surface.
type Config struct {
	StateFile    string
	CommandFile  string
	PollInterval time.Duration
}

// slot is one registered bot: the live worker plus everything needed to
// rebuild it on restart.
type slot struct {
	worker *bot.Worker
	cancel context.CancelFunc
	strat  strategy.Strategy
	cfg    bot.Config
}

// Controller manages the bot fleet.
type Controller struct {
	broker bot.Broker
	trades *tradelog.Logger
	events *bus.Bus
	state  *globalstate.State
	sync   *monitor.Service
	logger *slog.Logger
	cfg    Config

	mu    sync.RWMutex
	slots map[string]*slot

	syncOnce   sync.Once
	syncCancel context.CancelFunc

	// runCtx parents every worker goroutine.
	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires a controller. The sync service is created but not started;
// the first AddBot launches it.
func New(brk bot.Broker, trades *tradelog.Logger, events *bus.Bus, state *globalstate.State, syncSvc *monitor.Service, cfg Config, logger *slog.Logger) *Controller {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.StateFile == "" {
		cfg.StateFile = "bots_state.json"
	}
	if cfg.CommandFile == "" {
		cfg.CommandFile = "bots_commands.json"
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		broker: brk,
		trades: trades,
		events: events,
		state:  state,
		sync:   syncSvc,
		logger: logger.With("component", "fleet"),
		cfg:    cfg,
		slots:  make(map[string]*slot),
		runCtx: ctx,
		cancel: cancel,
	}
}

// AddBot registers and launches a worker for the strategy. The bot id
// must be new, and a magic number may be shared only by bots of the
// same strategy class.
func (c *Controller) AddBot(strat strategy.Strategy, cfg bot.Config) (string, error) {
	worker := bot.New(cfg, strat, c.broker, c.trades, c.events, c.logger)
	id := worker.ID()

	c.mu.Lock()
	if _, exists := c.slots[id]; exists {
		c.mu.Unlock()
		return "", fmt.Errorf("bot %s already registered", id)
	}
	for otherID, other := range c.slots {
		if other.strat.MagicNumber() == strat.MagicNumber() && other.strat.Name() != strat.Name() {
			c.mu.Unlock()
			return "", fmt.Errorf("magic %d already owned by %s", strat.MagicNumber(), otherID)
		}
	}

	ctx, cancel := context.WithCancel(c.runCtx)
	c.slots[id] = &slot{worker: worker, cancel: cancel, strat: strat, cfg: cfg}
	c.mu.Unlock()

	if !c.broker.MarketOpen(context.Background(), cfg.Symbol) {
		c.logger.Warn("adding bot while market closed", "bot_id", id, "symbol", cfg.Symbol)
	}

	c.sync.RegisterMagic(strat.MagicNumber(), strat.Name())
	c.startSyncService()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		worker.Run(ctx)
	}()

	c.logger.Info("bot added", "bot_id", id, "magic", strat.MagicNumber())
	c.events.Emit(bus.BotStarted, map[string]any{"bot_id": id}, "fleet")
	c.afterTransition()
	return id, nil
}

// startSyncService launches the trade sync loop once, with the first bot.
func (c *Controller) startSyncService() {
	c.syncOnce.Do(func() {
		ctx, cancel := context.WithCancel(c.runCtx)
		c.syncCancel = cancel
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.sync.Run(ctx)
		}()
	})
}

// PauseBot parks a worker. Pausing a paused or stopped bot is a no-op.
func (c *Controller) PauseBot(id string) error {
	s, err := c.slot(id)
	if err != nil {
		return err
	}
	if s.worker.Paused() || s.worker.Status() == types.StatusStopped {
		return nil
	}

	s.worker.Pause()
	c.logger.Info("bot pause requested", "bot_id", id)
	c.events.Emit(bus.BotPaused, map[string]any{"bot_id": id}, "fleet")
	c.afterTransition()
	return nil
}

// ResumeBot releases a paused worker; idempotent.
func (c *Controller) ResumeBot(id string) error {
	s, err := c.slot(id)
	if err != nil {
		return err
	}
	if !s.worker.Paused() {
		return nil
	}

	s.worker.Resume()
	c.logger.Info("bot resume requested", "bot_id", id)
	c.events.Emit(bus.BotResumed, map[string]any{"bot_id": id}, "fleet")
	c.afterTransition()
	return nil
}

// StopBot signals stop, clears any pause so the loop can exit, and joins
// the worker with a bounded wait. The slot stays registered as stopped.
func (c *Controller) StopBot(id string) error {
	s, err := c.slot(id)
	if err != nil {
		return err
	}

	s.cancel()
	s.worker.Resume()

	select {
	case <-s.worker.Done():
	case <-time.After(stopJoinTimeout):
		c.logger.Error("bot did not stop in time", "bot_id", id)
	}

	c.logger.Info("bot stopped", "bot_id", id)
	c.events.Emit(bus.BotStopped, map[string]any{"bot_id": id}, "fleet")
	c.afterTransition()
	return nil
}

// RestartBot stops a worker and launches a fresh one with the same
// strategy and config.
func (c *Controller) RestartBot(id string) error {
	if err := c.StopBot(id); err != nil {
		return err
	}

	c.mu.Lock()
	old, ok := c.slots[id]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("bot %s not found", id)
	}
	worker := bot.New(old.cfg, old.strat, c.broker, c.trades, c.events, c.logger)
	ctx, cancel := context.WithCancel(c.runCtx)
	c.slots[id] = &slot{worker: worker, cancel: cancel, strat: old.strat, cfg: old.cfg}
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		worker.Run(ctx)
	}()

	c.logger.Info("bot restarted", "bot_id", id)
	c.events.Emit(bus.BotStarted, map[string]any{"bot_id": id, "restart": true}, "fleet")
	c.afterTransition()
	return nil
}

// PauseAll parks every non-stopped worker.
func (c *Controller) PauseAll() {
	for _, id := range c.ListBots() {
		if err := c.PauseBot(id); err != nil {
			c.logger.Error("pause all", "bot_id", id, "error", err)
		}
	}
}

// ResumeAll releases every paused worker.
func (c *Controller) ResumeAll() {
	for _, id := range c.ListBots() {
		if err := c.ResumeBot(id); err != nil {
			c.logger.Error("resume all", "bot_id", id, "error", err)
		}
	}
}

// StopAll shuts the fleet down: sync service first, then every worker.
func (c *Controller) StopAll() {
	if c.syncCancel != nil {
		c.syncCancel()
	}
	for _, id := range c.ListBots() {
		if err := c.StopBot(id); err != nil {
			c.logger.Error("stop all", "bot_id", id, "error", err)
		}
	}
	c.cancel()
	c.wg.Wait()
	c.logger.Info("fleet stopped")
}

// BotStatus returns one worker's lifecycle state.
func (c *Controller) BotStatus(id string) (types.BotStatus, error) {
	s, err := c.slot(id)
	if err != nil {
		return "", err
	}
	return s.worker.Status(), nil
}

// AllBotStatus returns every worker's state keyed by bot id.
func (c *Controller) AllBotStatus() map[string]types.BotStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]types.BotStatus, len(c.slots))
	for id, s := range c.slots {
		out[id] = s.worker.Status()
	}
	return out
}

// ListBots returns the registered bot ids.
func (c *Controller) ListBots() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.slots))
	for id := range c.slots {
		out = append(out, id)
	}
	return out
}

// BotTradingStats aggregates a bot's closed-trade performance.
func (c *Controller) BotTradingStats(id string) (*store.BotStats, error) {
	if _, err := c.slot(id); err != nil {
		return nil, err
	}
	return c.trades.Store().Stats(id)
}

// AllTradingStats aggregates closed-trade performance for every bot id
// present in the store, synced rows included.
func (c *Controller) AllTradingStats() ([]*store.BotStats, error) {
	return c.trades.Store().AllStats()
}

// SyncTradesNow triggers a reconciliation cycle outside the schedule.
func (c *Controller) SyncTradesNow(ctx context.Context) (created, updated int, err error) {
	return c.sync.SyncNow(ctx)
}

// LastSyncTime reports the last successful sync cycle.
func (c *Controller) LastSyncTime() time.Time {
	return c.sync.LastSyncTime()
}

// Snapshot renders the fleet state file payload.
func (c *Controller) Snapshot() types.FleetSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snap := types.FleetSnapshot{
		GlobalPaused: c.state.GloballyPaused(),
		Bots:         make([]types.BotSnapshot, 0, len(c.slots)),
	}
	for _, s := range c.slots {
		snap.Bots = append(snap.Bots, s.worker.Snapshot())
	}
	return snap
}

func (c *Controller) slot(id string) (*slot, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.slots[id]
	if !ok {
		return nil, fmt.Errorf("bot %s not found", id)
	}
	return s, nil
}

// afterTransition recomputes the global-pause flag and publishes a fresh
// snapshot. Called after every registry mutation, never under the mutex.
func (c *Controller) afterTransition() {
	c.refreshGlobalPause()
	if err := writeState(c.cfg.StateFile, c.Snapshot()); err != nil {
		c.logger.Error("write state snapshot", "error", err)
	}
}

// refreshGlobalPause sets the flag when every non-stopped worker is
// paused and at least one such worker exists.
func (c *Controller) refreshGlobalPause() {
	c.mu.RLock()
	active, paused := 0, 0
	for _, s := range c.slots {
		status := s.worker.Status()
		if status == types.StatusStopped {
			continue
		}
		active++
		if s.worker.Paused() {
			paused++
		}
	}
	c.mu.RUnlock()

	allPaused := active > 0 && active == paused
	if allPaused != c.state.GloballyPaused() {
		c.state.SetGlobalPause(allPaused)
		c.logger.Info("global pause flag changed", "paused", allPaused)
	}
}

// Run drives the command-queue loop until ctx is cancelled. The state
// snapshot is rewritten on every tick so pollers see worker-driven
// transitions (waiting_market, stopped on error budget) too.
func (c *Controller) Run(ctx context.Context) {
	c.logger.Info("command loop started",
		"command_file", c.cfg.CommandFile,
		"poll_interval", c.cfg.PollInterval,
	)

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("command loop stopped")
			return
		case <-ticker.C:
			for _, cmd := range takeCommands(c.cfg.CommandFile, c.logger) {
				c.dispatch(cmd)
			}
			c.afterTransition()
		}
	}
}

func (c *Controller) dispatch(cmd types.Command) {
	c.logger.Info("command received", "action", cmd.Action, "bot_id", cmd.BotID)

	var err error
	switch cmd.Action {
	case types.CmdPause:
		err = c.PauseBot(cmd.BotID)
	case types.CmdResume:
		err = c.ResumeBot(cmd.BotID)
	case types.CmdStop:
		err = c.StopBot(cmd.BotID)
	case types.CmdRestart:
		err = c.RestartBot(cmd.BotID)
	case types.CmdPauseAll:
		c.PauseAll()
	case types.CmdResumeAll:
		c.ResumeAll()
	default:
		c.logger.Warn("unknown command", "action", cmd.Action)
	}
	if err != nil {
		c.logger.Error("command failed", "action", cmd.Action, "bot_id", cmd.BotID, "error", err)
	}
}
