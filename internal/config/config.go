// Package config defines all configuration for the bot fleet controller.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// broker credentials overridable via MT5_* environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"mt5-fleet/pkg/types"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Broker    BrokerConfig    `mapstructure:"broker"`
	Store     StoreConfig     `mapstructure:"store"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Fleet     FleetConfig     `mapstructure:"fleet"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
	Bots      []BotConfig     `mapstructure:"bots"`
}

// BrokerConfig holds the terminal bridge endpoint and login credentials.
//
//   - BridgeURL: HTTP endpoint of the terminal bridge process.
//   - Path: terminal installation path, forwarded to the bridge at connect.
//   - Login/Password/Server: account credentials (all required).
//   - TimeoutMS: connect timeout in milliseconds.
//   - SymbolPrefix/SymbolSuffix: broker-specific envelope tried first
//     during symbol resolution (e.g. suffix ".ecn", prefix "#").
//   - ConnectRetries/ConnectRetryDelay: bounded connect/reconnect attempts.
//   - Filling: order filling policy, one of fok, ioc, return.
type BrokerConfig struct {
	BridgeURL         string              `mapstructure:"bridge_url"`
	Path              string              `mapstructure:"path"`
	Login             int64               `mapstructure:"login"`
	Password          string              `mapstructure:"password"`
	Server            string              `mapstructure:"server"`
	TimeoutMS         int                 `mapstructure:"timeout_ms"`
	SymbolPrefix      string              `mapstructure:"symbol_prefix"`
	SymbolSuffix      string              `mapstructure:"symbol_suffix"`
	ConnectRetries    int                 `mapstructure:"connect_retries"`
	ConnectRetryDelay time.Duration       `mapstructure:"connect_retry_delay"`
	Filling           types.FillingPolicy `mapstructure:"filling"`
}

// StoreConfig sets where the per-account trade databases live.
type StoreConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

// SyncConfig tunes the trade sync service.
type SyncConfig struct {
	Interval   time.Duration `mapstructure:"interval"`
	WindowDays int           `mapstructure:"window_days"`
}

// FleetConfig controls the controller's command loop and IPC files.
type FleetConfig struct {
	CommandPollInterval time.Duration `mapstructure:"command_poll_interval"`
	StateFile           string        `mapstructure:"state_file"`
	CommandFile         string        `mapstructure:"command_file"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DashboardConfig controls the read-only web dashboard server.
type DashboardConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// BotConfig declares one bot to launch at startup. Strategy names the
// strategy class ("macross" is the one shipped); the remaining fields
// feed its constructor.
type BotConfig struct {
	Strategy        string `mapstructure:"strategy"`
	Symbol          string `mapstructure:"symbol"`
	Timeframe       string `mapstructure:"timeframe"`
	IntervalSeconds int    `mapstructure:"interval_seconds"`
	Window          int    `mapstructure:"window"`
	Magic           int64  `mapstructure:"magic"`

	FastPeriod int `mapstructure:"fast_period"`
	SlowPeriod int `mapstructure:"slow_period"`

	RiskPercent float64 `mapstructure:"risk_percent"`
	FixedLot    float64 `mapstructure:"fixed_lot"`
	SLPips      float64 `mapstructure:"sl_pips"`
	TPPips      float64 `mapstructure:"tp_pips"`

	CloseBeforeOpen  bool `mapstructure:"close_before_open"`
	MaxOpenPositions int  `mapstructure:"max_open_positions"`
}

// Load reads config from a YAML file with env var overrides.
// Credentials use env vars: MT5_PATH, MT5_LOGIN, MT5_PASSWORD, MT5_SERVER,
// MT5_TIMEOUT, MT5_SYMBOL_PREFIX, MT5_SYMBOL_SUFFIX.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("MT5")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("broker.timeout_ms", 60000)
	v.SetDefault("broker.connect_retries", 3)
	v.SetDefault("broker.connect_retry_delay", 2*time.Second)
	v.SetDefault("broker.filling", string(types.FillingFOK))
	v.SetDefault("store.data_dir", "data")
	v.SetDefault("sync.interval", 10*time.Minute)
	v.SetDefault("sync.window_days", 7)
	v.SetDefault("fleet.command_poll_interval", 2*time.Second)
	v.SetDefault("fleet.state_file", "bots_state.json")
	v.SetDefault("fleet.command_file", "bots_commands.json")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override credentials from env
	if p := os.Getenv("MT5_PATH"); p != "" {
		cfg.Broker.Path = p
	}
	if login := os.Getenv("MT5_LOGIN"); login != "" {
		n, err := strconv.ParseInt(login, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("MT5_LOGIN must be numeric: %w", err)
		}
		cfg.Broker.Login = n
	}
	if pass := os.Getenv("MT5_PASSWORD"); pass != "" {
		cfg.Broker.Password = pass
	}
	if srv := os.Getenv("MT5_SERVER"); srv != "" {
		cfg.Broker.Server = srv
	}
	if t := os.Getenv("MT5_TIMEOUT"); t != "" {
		n, err := strconv.Atoi(t)
		if err != nil {
			return nil, fmt.Errorf("MT5_TIMEOUT must be numeric: %w", err)
		}
		cfg.Broker.TimeoutMS = n
	}
	if pre := os.Getenv("MT5_SYMBOL_PREFIX"); pre != "" {
		cfg.Broker.SymbolPrefix = pre
	}
	if suf := os.Getenv("MT5_SYMBOL_SUFFIX"); suf != "" {
		cfg.Broker.SymbolSuffix = suf
	}

	return &cfg, nil
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Broker.BridgeURL == "" {
		return fmt.Errorf("broker.bridge_url is required")
	}
	if c.Broker.Login == 0 {
		return fmt.Errorf("broker.login is required (set MT5_LOGIN)")
	}
	if c.Broker.Password == "" {
		return fmt.Errorf("broker.password is required (set MT5_PASSWORD)")
	}
	if c.Broker.Server == "" {
		return fmt.Errorf("broker.server is required (set MT5_SERVER)")
	}
	if c.Broker.TimeoutMS <= 0 {
		return fmt.Errorf("broker.timeout_ms must be > 0")
	}
	switch c.Broker.Filling {
	case types.FillingFOK, types.FillingIOC, types.FillingReturn:
	default:
		return fmt.Errorf("broker.filling must be one of: fok, ioc, return")
	}
	if c.Sync.Interval <= 0 {
		return fmt.Errorf("sync.interval must be > 0")
	}
	if c.Sync.WindowDays <= 0 {
		return fmt.Errorf("sync.window_days must be > 0")
	}
	if c.Fleet.CommandPollInterval <= 0 {
		return fmt.Errorf("fleet.command_poll_interval must be > 0")
	}
	if c.Dashboard.Enabled && c.Dashboard.Port == 0 {
		return fmt.Errorf("dashboard.port is required when dashboard.enabled is true")
	}
	for i, b := range c.Bots {
		if b.Strategy == "" {
			return fmt.Errorf("bots[%d].strategy is required", i)
		}
		if b.Symbol == "" {
			return fmt.Errorf("bots[%d].symbol is required", i)
		}
		if _, err := types.ParseTimeframe(b.Timeframe); err != nil {
			return fmt.Errorf("bots[%d].timeframe: %w", i, err)
		}
		if b.Magic <= 0 {
			return fmt.Errorf("bots[%d].magic must be > 0", i)
		}
	}
	return nil
}
