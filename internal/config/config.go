package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the operator-facing bot configuration. The strategy keys live at
// the top level so existing bot_config.json files keep working; the nested
// sections cover infrastructure the flat legacy format never had.
type Config struct {
	SymbolsToMonitor      []string `json:"symbols_to_monitor" yaml:"symbols_to_monitor"`
	Leverage              int      `json:"leverage" yaml:"leverage"`
	BaseCapitalAllocation float64  `json:"base_capital_allocation" yaml:"base_capital_allocation"`
	HoldDurationHours     float64  `json:"hold_duration_hours" yaml:"hold_duration_hours"`
	WaitBetweenCyclesMin  float64  `json:"wait_between_cycles_minutes" yaml:"wait_between_cycles_minutes"`
	CheckIntervalSeconds  int      `json:"check_interval_seconds" yaml:"check_interval_seconds"`
	MinNetAPRThreshold    float64  `json:"min_net_apr_threshold" yaml:"min_net_apr_threshold"`

	// Legacy name for base_capital_allocation; migrated on load.
	NotionalPerPosition float64 `json:"notional_per_position,omitempty" yaml:"notional_per_position,omitempty"`

	Log       LoggingConfig   `json:"log" yaml:"log"`
	Risk      RiskConfig      `json:"risk" yaml:"risk"`
	Venues    VenuesConfig    `json:"venues" yaml:"venues"`
	State     StateConfig     `json:"state" yaml:"state"`
	Telegram  TelegramConfig  `json:"telegram" yaml:"telegram"`
	Metrics   MetricsConfig   `json:"metrics" yaml:"metrics"`
	Timescale TimescaleConfig `json:"timescale" yaml:"timescale"`
}

type LoggingConfig struct {
	Level string `json:"level" yaml:"level"`
}

// RiskConfig holds the tolerance and buffer knobs. They are configurable
// rather than hard constants, but nothing beyond "some small tolerance or
// buffer is required" should be read into the exact defaults.
type RiskConfig struct {
	DeltaTolerance     float64  `json:"delta_tolerance" yaml:"delta_tolerance"`
	CapitalBuffer      float64  `json:"capital_buffer" yaml:"capital_buffer"`
	MarginBuffer       float64  `json:"margin_buffer" yaml:"margin_buffer"`
	MinNotionalUSD     float64  `json:"min_notional_usd" yaml:"min_notional_usd"`
	MinAvailableUSD    float64  `json:"min_available_usd" yaml:"min_available_usd"`
	MaxLeverage        int      `json:"max_leverage" yaml:"max_leverage"`
	CloseRetryAttempts int      `json:"close_retry_attempts" yaml:"close_retry_attempts"`
	ErrorBackoff       Duration `json:"error_backoff" yaml:"error_backoff"`
}

type VenuesConfig struct {
	Hyperliquid HyperliquidConfig `json:"hyperliquid" yaml:"hyperliquid"`
	Pacifica    PacificaConfig    `json:"pacifica" yaml:"pacifica"`
}

type HyperliquidConfig struct {
	BaseURL     string   `json:"base_url" yaml:"base_url"`
	WSURL       string   `json:"ws_url" yaml:"ws_url"`
	Timeout     Duration `json:"timeout" yaml:"timeout"`
	MinInterval Duration `json:"min_interval" yaml:"min_interval"`
}

type PacificaConfig struct {
	BaseURL     string   `json:"base_url" yaml:"base_url"`
	Timeout     Duration `json:"timeout" yaml:"timeout"`
	MinInterval Duration `json:"min_interval" yaml:"min_interval"`
}

type StateConfig struct {
	JournalPath string `json:"journal_path" yaml:"journal_path"`
}

type TelegramConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Token   string `json:"token" yaml:"token"`
	ChatID  string `json:"chat_id" yaml:"chat_id"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Listen  string `json:"listen" yaml:"listen"`
}

type TimescaleConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	DSN     string `json:"dsn" yaml:"dsn"`
	Schema  string `json:"schema" yaml:"schema"`
}

// Load reads a config file, JSON by default or YAML when the extension says
// so, applies legacy-key migration and defaults, then validates. A missing
// file is not an error: the defaults are a runnable configuration.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
	} else {
		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml":
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		default:
			if err := json.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		}
	}
	migrate(&cfg)
	applyDefaults(&cfg)
	return &cfg, validate(&cfg)
}

func migrate(cfg *Config) {
	if cfg.BaseCapitalAllocation == 0 && cfg.NotionalPerPosition > 0 {
		cfg.BaseCapitalAllocation = cfg.NotionalPerPosition
	}
	cfg.NotionalPerPosition = 0
}

func applyDefaults(cfg *Config) {
	if len(cfg.SymbolsToMonitor) == 0 {
		cfg.SymbolsToMonitor = []string{"BTC", "ETH", "SOL"}
	}
	if cfg.Leverage == 0 {
		cfg.Leverage = 3
	}
	if cfg.BaseCapitalAllocation == 0 {
		cfg.BaseCapitalAllocation = 100
	}
	if cfg.HoldDurationHours <= 0 {
		cfg.HoldDurationHours = 8
	}
	if cfg.WaitBetweenCyclesMin <= 0 {
		cfg.WaitBetweenCyclesMin = 5
	}
	if cfg.CheckIntervalSeconds <= 0 {
		cfg.CheckIntervalSeconds = 60
	}
	if cfg.MinNetAPRThreshold == 0 {
		cfg.MinNetAPRThreshold = 5
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Risk.DeltaTolerance == 0 {
		cfg.Risk.DeltaTolerance = 0.05
	}
	if cfg.Risk.CapitalBuffer == 0 {
		cfg.Risk.CapitalBuffer = 0.98
	}
	if cfg.Risk.MarginBuffer == 0 {
		cfg.Risk.MarginBuffer = 0.95
	}
	if cfg.Risk.MinNotionalUSD == 0 {
		cfg.Risk.MinNotionalUSD = 10
	}
	if cfg.Risk.MinAvailableUSD == 0 {
		cfg.Risk.MinAvailableUSD = 20
	}
	if cfg.Risk.MaxLeverage == 0 {
		cfg.Risk.MaxLeverage = 20
	}
	if cfg.Risk.CloseRetryAttempts == 0 {
		cfg.Risk.CloseRetryAttempts = 3
	}
	if cfg.Risk.ErrorBackoff == 0 {
		cfg.Risk.ErrorBackoff = Duration(5 * time.Minute)
	}
	if cfg.Venues.Hyperliquid.BaseURL == "" {
		cfg.Venues.Hyperliquid.BaseURL = "https://api.hyperliquid.xyz"
	}
	if cfg.Venues.Hyperliquid.WSURL == "" {
		cfg.Venues.Hyperliquid.WSURL = "wss://api.hyperliquid.xyz/ws"
	}
	if cfg.Venues.Hyperliquid.Timeout == 0 {
		cfg.Venues.Hyperliquid.Timeout = Duration(10 * time.Second)
	}
	if cfg.Venues.Hyperliquid.MinInterval == 0 {
		cfg.Venues.Hyperliquid.MinInterval = Duration(200 * time.Millisecond)
	}
	if cfg.Venues.Pacifica.BaseURL == "" {
		cfg.Venues.Pacifica.BaseURL = "https://api.pacifica.fi/api/v1"
	}
	if cfg.Venues.Pacifica.Timeout == 0 {
		cfg.Venues.Pacifica.Timeout = Duration(10 * time.Second)
	}
	if cfg.Venues.Pacifica.MinInterval == 0 {
		cfg.Venues.Pacifica.MinInterval = Duration(200 * time.Millisecond)
	}
	if cfg.State.JournalPath == "" {
		cfg.State.JournalPath = "data/funding-hedge-bot.db"
	}
	if cfg.Metrics.Listen == "" {
		cfg.Metrics.Listen = ":9185"
	}
	if cfg.Timescale.Schema == "" {
		cfg.Timescale.Schema = "public"
	}
}

func validate(cfg *Config) error {
	if cfg.Leverage < 1 {
		return errors.New("leverage must be >= 1")
	}
	if cfg.BaseCapitalAllocation <= 0 {
		return errors.New("base_capital_allocation must be > 0")
	}
	if cfg.MinNetAPRThreshold < 0 {
		return errors.New("min_net_apr_threshold must be >= 0")
	}
	if cfg.Risk.DeltaTolerance <= 0 || cfg.Risk.DeltaTolerance >= 1 {
		return errors.New("risk.delta_tolerance must be in (0, 1)")
	}
	if cfg.Risk.CapitalBuffer <= 0 || cfg.Risk.CapitalBuffer > 1 {
		return errors.New("risk.capital_buffer must be in (0, 1]")
	}
	if cfg.Risk.MarginBuffer <= 0 || cfg.Risk.MarginBuffer > 1 {
		return errors.New("risk.margin_buffer must be in (0, 1]")
	}
	if cfg.Timescale.Enabled && strings.TrimSpace(cfg.Timescale.DSN) == "" {
		return errors.New("timescale.dsn is required when timescale is enabled")
	}
	return nil
}

func (c *Config) HoldDuration() time.Duration {
	return time.Duration(c.HoldDurationHours * float64(time.Hour))
}

func (c *Config) WaitBetweenCycles() time.Duration {
	return time.Duration(c.WaitBetweenCyclesMin * float64(time.Minute))
}

func (c *Config) CheckInterval() time.Duration {
	return time.Duration(c.CheckIntervalSeconds) * time.Second
}
