// Package config defines all configuration for the paper-trading bot.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// operational toggles overridable via POLYLAB_* environment variables.
// Precedence: environment > file > built-in defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file
// structure. PaperTrading must be true; the execution gate refuses every
// trade otherwise and Validate rejects the config at startup.
type Config struct {
	PaperTrading        bool `mapstructure:"paper_trading"`
	KillSwitch          bool `mapstructure:"kill_switch"`
	ScanIntervalSeconds int  `mapstructure:"scan_interval_seconds"`

	Markets    MarketsConfig              `mapstructure:"markets"`
	Strategies StrategiesConfig           `mapstructure:"strategies"`
	Sources    SourcesConfig              `mapstructure:"sources"`
	RateLimits map[string]RateLimitConfig `mapstructure:"rate_limits"`
	Gate       GateConfig                 `mapstructure:"execution_gate"`
	Health     HealthConfig               `mapstructure:"health"`
	Snapshot   SnapshotConfig             `mapstructure:"snapshot"`
	Logs       LogsConfig                 `mapstructure:"logs"`
	Control    ControlConfig              `mapstructure:"control"`
	Observer   ObserverConfig             `mapstructure:"observer"`
	Dashboard  DashboardConfig            `mapstructure:"dashboard"`
	Logging    LoggingConfig              `mapstructure:"logging"`
	Cycle      CycleConfig                `mapstructure:"cycle"`
}

// MarketsConfig controls how the bot discovers and filters tradeable markets.
// The scanner polls the lister and ranks candidates by opportunity score.
type MarketsConfig struct {
	MinLiquidityUSD float64       `mapstructure:"min_liquidity_usd"`
	MinVolume24hUSD float64       `mapstructure:"min_volume_24h_usd"`
	Categories      []string      `mapstructure:"categories"`
	Keywords        []string      `mapstructure:"keywords"`
	ExcludeKeywords []string      `mapstructure:"exclude_keywords"`
	MaxEndDateDays  int           `mapstructure:"max_end_date_days"`
	MaxTracked      int           `mapstructure:"max_tracked"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
}

// StrategyThresholds are per-strategy trading limits and exit policy.
// Zero-valued fields fall back to StrategiesConfig.Defaults.
type StrategyThresholds struct {
	MinEdgeBps       int64   `mapstructure:"min_edge_bps"`
	MaxOpensPerCycle int     `mapstructure:"max_opens_per_cycle"`
	MaxTradeSizeUSD  float64 `mapstructure:"max_trade_size_usd"`
	ProfitTargetPct  float64 `mapstructure:"profit_target_pct"`
	StopLossPct      float64 `mapstructure:"stop_loss_pct"`
	MaxHoldMinutes   int     `mapstructure:"max_hold_minutes"`
}

// MomentumConfig tunes the EMA-cross momentum detector.
type MomentumConfig struct {
	ShortWindow      int     `mapstructure:"short_window"`
	LongWindow       int     `mapstructure:"long_window"`
	VolumePercentile float64 `mapstructure:"volume_percentile"`
	HistorySize      int     `mapstructure:"history_size"`
}

// MeanReversionConfig tunes the z-score mean-reversion detector.
type MeanReversionConfig struct {
	Window       int     `mapstructure:"window"`
	ZThreshold   float64 `mapstructure:"z_threshold"`
	MaxSpreadBps float64 `mapstructure:"max_spread_bps"`
}

// RealityArbConfig tunes the crypto-linked reality arbitrage detector.
type RealityArbConfig struct {
	MinProfitPct  float64 `mapstructure:"min_profit_pct"`
	MinConfidence float64 `mapstructure:"min_confidence"`
}

// StatArbConfig tunes the pairwise statistical arbitrage detector.
type StatArbConfig struct {
	Window     int     `mapstructure:"window"`
	ZThreshold float64 `mapstructure:"z_threshold"`
	RhoMin     float64 `mapstructure:"rho_min"`
}

// StrategiesConfig holds the strategy roster, virtual capital, allocations,
// and per-strategy tuning. Allocation fractions must sum to at most 1.
type StrategiesConfig struct {
	Enabled           []string                      `mapstructure:"enabled"`
	Allocation        map[string]float64            `mapstructure:"allocation"`
	InitialCapitalUSD float64                       `mapstructure:"initial_capital_usd"`
	AutoReallocation  bool                          `mapstructure:"auto_reallocation"`
	Defaults          StrategyThresholds            `mapstructure:"defaults"`
	Overrides         map[string]StrategyThresholds `mapstructure:"overrides"`
	Momentum          MomentumConfig                `mapstructure:"momentum"`
	MeanReversion     MeanReversionConfig           `mapstructure:"mean_reversion"`
	RealityArb        RealityArbConfig              `mapstructure:"reality_arb"`
	StatArb           StatArbConfig                 `mapstructure:"stat_arb"`
}

// Thresholds resolves the effective thresholds for one strategy: the
// per-strategy override where set, the shared defaults otherwise.
func (s StrategiesConfig) Thresholds(name string) StrategyThresholds {
	t := s.Defaults
	o, ok := s.Overrides[name]
	if !ok {
		return t
	}
	if o.MinEdgeBps != 0 {
		t.MinEdgeBps = o.MinEdgeBps
	}
	if o.MaxOpensPerCycle != 0 {
		t.MaxOpensPerCycle = o.MaxOpensPerCycle
	}
	if o.MaxTradeSizeUSD != 0 {
		t.MaxTradeSizeUSD = o.MaxTradeSizeUSD
	}
	if o.ProfitTargetPct != 0 {
		t.ProfitTargetPct = o.ProfitTargetPct
	}
	if o.StopLossPct != 0 {
		t.StopLossPct = o.StopLossPct
	}
	if o.MaxHoldMinutes != 0 {
		t.MaxHoldMinutes = o.MaxHoldMinutes
	}
	return t
}

// IsEnabled reports whether a strategy name is on the enabled roster.
func (s StrategiesConfig) IsEnabled(name string) bool {
	for _, n := range s.Enabled {
		if n == name {
			return true
		}
	}
	return false
}

// EndpointConfig names one REST source and its base URL.
type EndpointConfig struct {
	Name    string `mapstructure:"name"`
	BaseURL string `mapstructure:"base_url"`
}

// CryptoSources configures the crypto spot price providers: a high-limit
// primary, a lower-rate fallback, and an optional streaming feed.
type CryptoSources struct {
	Primary   EndpointConfig `mapstructure:"primary"`
	Fallback  EndpointConfig `mapstructure:"fallback"`
	UseStream bool           `mapstructure:"use_stream"`
	StreamURL string         `mapstructure:"stream_url"`
	Symbols   []string       `mapstructure:"symbols"`
}

// PredictionSources configures the prediction-market endpoints: the market
// listing query API and the per-market order book API.
type PredictionSources struct {
	Name        string `mapstructure:"name"`
	ListBaseURL string `mapstructure:"list_base_url"`
	BookBaseURL string `mapstructure:"book_base_url"`
}

// SourcesConfig groups the external data providers and the quote-quality
// knobs shared by the aggregator and the retry policy shared by clients.
type SourcesConfig struct {
	Crypto           CryptoSources     `mapstructure:"crypto"`
	Prediction       PredictionSources `mapstructure:"prediction"`
	StalenessMs      int               `mapstructure:"staleness_ms"`
	OutlierThreshold float64           `mapstructure:"outlier_threshold"`
	MaxRetries       int               `mapstructure:"max_retries"`
	RetryBase        time.Duration     `mapstructure:"retry_base"`
}

// RateLimitConfig is the token bucket for one named source.
type RateLimitConfig struct {
	PerMinute float64 `mapstructure:"per_minute"`
	Burst     float64 `mapstructure:"burst"`
}

// GateConfig sets the data-freshness and sanity thresholds the validator
// applies before any trade may execute.
type GateConfig struct {
	FreshnessMs         int           `mapstructure:"freshness_ms"`
	PriceDiscrepancyPct float64       `mapstructure:"price_discrepancy_pct"`
	MinLiquidityUSD     float64       `mapstructure:"min_liquidity_usd"`
	MinTimeToClose      time.Duration `mapstructure:"min_time_to_close"`
	SlippageBps         int           `mapstructure:"slippage_bps"`
}

// AutoDisableConfig sets the health monitor thresholds. A strategy tripping
// any of them is disabled until explicit re-enable.
type AutoDisableConfig struct {
	DailyLossPct        float64 `mapstructure:"daily_loss_pct"`
	ConsecutiveLosses   int     `mapstructure:"consecutive_losses"`
	MaxDrawdownPct      float64 `mapstructure:"max_drawdown_pct"`
	MinWinRate          float64 `mapstructure:"min_win_rate"`
	MinTradesForWinRate int     `mapstructure:"min_trades_for_winrate"`
}

// HealthConfig groups health monitor settings.
type HealthConfig struct {
	AutoDisable AutoDisableConfig `mapstructure:"auto_disable"`
}

// SnapshotConfig sets where the engine state snapshot and the
// subordinate aggregate portfolio record are written.
type SnapshotConfig struct {
	Path          string `mapstructure:"path"`
	PortfolioPath string `mapstructure:"portfolio_path"`
}

// LogsConfig sets the append-only stream directory and activity retention.
type LogsConfig struct {
	Dir          string `mapstructure:"dir"`
	ActivityKeep int    `mapstructure:"activity_keep"`
}

// ControlConfig sets where the operator pause/kill record lives.
type ControlConfig struct {
	Path string `mapstructure:"path"`
}

// ObserverConfig bounds the per-subscriber fan-out buffer. When a subscriber
// falls behind, the oldest buffered event is dropped and counted.
type ObserverConfig struct {
	BacklogPerSubscriber int `mapstructure:"backlog_per_subscriber"`
}

// DashboardConfig controls the HTTP/WebSocket server for observers.
type DashboardConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// CycleConfig bounds the scan cycle: a per-step timeout and a soft deadline
// for the whole cycle. A cycle exceeding the soft deadline is aborted
// cleanly and retried at the next tick.
type CycleConfig struct {
	StepTimeout  time.Duration `mapstructure:"step_timeout"`
	SoftDeadline time.Duration `mapstructure:"soft_deadline"`
}

// Load reads config from a YAML file with built-in defaults and env var
// overrides. Operational toggles use env vars: POLYLAB_PAPER_TRADING,
// POLYLAB_KILL_SWITCH, POLYLAB_CONTROL_PATH, POLYLAB_SNAPSHOT_PATH.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("POLYLAB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override operational toggles from env
	if val := os.Getenv("POLYLAB_PAPER_TRADING"); val != "" {
		cfg.PaperTrading = val == "true" || val == "1"
	}
	if val := os.Getenv("POLYLAB_KILL_SWITCH"); val != "" {
		cfg.KillSwitch = val == "true" || val == "1"
	}
	if p := os.Getenv("POLYLAB_SNAPSHOT_PATH"); p != "" {
		cfg.Snapshot.Path = p
	}
	if p := os.Getenv("POLYLAB_CONTROL_PATH"); p != "" {
		cfg.Control.Path = p
	}
	if p := os.Getenv("POLYLAB_LOGS_DIR"); p != "" {
		cfg.Logs.Dir = p
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("paper_trading", true)
	v.SetDefault("kill_switch", false)
	v.SetDefault("scan_interval_seconds", 60)

	v.SetDefault("markets.min_liquidity_usd", 1000.0)
	v.SetDefault("markets.min_volume_24h_usd", 500.0)
	v.SetDefault("markets.max_end_date_days", 90)
	v.SetDefault("markets.max_tracked", 50)
	v.SetDefault("markets.poll_interval", "60s")

	v.SetDefault("strategies.initial_capital_usd", 10000.0)
	v.SetDefault("strategies.defaults.min_edge_bps", 200)
	v.SetDefault("strategies.defaults.max_opens_per_cycle", 3)
	v.SetDefault("strategies.defaults.max_trade_size_usd", 100.0)
	v.SetDefault("strategies.defaults.profit_target_pct", 10.0)
	v.SetDefault("strategies.defaults.stop_loss_pct", 5.0)
	v.SetDefault("strategies.defaults.max_hold_minutes", 1440)
	v.SetDefault("strategies.momentum.short_window", 5)
	v.SetDefault("strategies.momentum.long_window", 20)
	v.SetDefault("strategies.momentum.volume_percentile", 0.5)
	v.SetDefault("strategies.momentum.history_size", 50)
	v.SetDefault("strategies.mean_reversion.window", 30)
	v.SetDefault("strategies.mean_reversion.z_threshold", 2.0)
	v.SetDefault("strategies.mean_reversion.max_spread_bps", 300.0)
	v.SetDefault("strategies.reality_arb.min_profit_pct", 5.0)
	v.SetDefault("strategies.reality_arb.min_confidence", 0.7)
	v.SetDefault("strategies.stat_arb.window", 40)
	v.SetDefault("strategies.stat_arb.z_threshold", 2.0)
	v.SetDefault("strategies.stat_arb.rho_min", 0.6)

	v.SetDefault("sources.staleness_ms", 30000)
	v.SetDefault("sources.outlier_threshold", 0.05)
	v.SetDefault("sources.max_retries", 3)
	v.SetDefault("sources.retry_base", "500ms")

	v.SetDefault("execution_gate.freshness_ms", 5000)
	v.SetDefault("execution_gate.price_discrepancy_pct", 2.0)
	v.SetDefault("execution_gate.min_liquidity_usd", 1000.0)
	v.SetDefault("execution_gate.min_time_to_close", "30m")
	v.SetDefault("execution_gate.slippage_bps", 0)

	v.SetDefault("health.auto_disable.daily_loss_pct", 10.0)
	v.SetDefault("health.auto_disable.consecutive_losses", 5)
	v.SetDefault("health.auto_disable.max_drawdown_pct", 20.0)
	v.SetDefault("health.auto_disable.min_win_rate", 0.40)
	v.SetDefault("health.auto_disable.min_trades_for_winrate", 20)

	v.SetDefault("snapshot.path", "state/bot_state.snapshot")
	v.SetDefault("snapshot.portfolio_path", "data/portfolio_state.record")
	v.SetDefault("logs.dir", "logs")
	v.SetDefault("logs.activity_keep", 1000)
	v.SetDefault("control.path", "state/control.record")

	v.SetDefault("observer.backlog_per_subscriber", 64)

	v.SetDefault("dashboard.enabled", true)
	v.SetDefault("dashboard.port", 8080)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	v.SetDefault("cycle.step_timeout", "10s")
	v.SetDefault("cycle.soft_deadline", "45s")
}

// knownStrategies are the detector names the engine can construct.
var knownStrategies = map[string]bool{
	"arbitrage":      true,
	"momentum":       true,
	"mean_reversion": true,
	"reality_arb":    true,
	"stat_arb":       true,
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if !c.PaperTrading {
		return fmt.Errorf("paper_trading must be true (live trading is not supported)")
	}
	if c.ScanIntervalSeconds <= 0 {
		return fmt.Errorf("scan_interval_seconds must be > 0")
	}
	if len(c.Strategies.Enabled) == 0 {
		return fmt.Errorf("strategies.enabled must list at least one strategy")
	}
	for _, name := range c.Strategies.Enabled {
		if !knownStrategies[name] {
			return fmt.Errorf("strategies.enabled contains unknown strategy %q", name)
		}
	}
	var allocSum float64
	for name, frac := range c.Strategies.Allocation {
		if frac < 0 || frac > 1 {
			return fmt.Errorf("strategies.allocation[%s] must be in [0, 1]", name)
		}
		allocSum += frac
	}
	if allocSum > 1.0+1e-9 {
		return fmt.Errorf("strategies.allocation sums to %.4f, must be <= 1", allocSum)
	}
	if c.Strategies.InitialCapitalUSD <= 0 {
		return fmt.Errorf("strategies.initial_capital_usd must be > 0")
	}
	if c.Strategies.Defaults.MaxTradeSizeUSD <= 0 {
		return fmt.Errorf("strategies.defaults.max_trade_size_usd must be > 0")
	}
	if c.Sources.Crypto.Primary.BaseURL == "" {
		return fmt.Errorf("sources.crypto.primary.base_url is required")
	}
	if c.Sources.Crypto.UseStream && c.Sources.Crypto.StreamURL == "" {
		return fmt.Errorf("sources.crypto.stream_url is required when use_stream is true")
	}
	if c.Sources.Prediction.ListBaseURL == "" {
		return fmt.Errorf("sources.prediction.list_base_url is required")
	}
	if c.Sources.OutlierThreshold <= 0 || c.Sources.OutlierThreshold >= 1 {
		return fmt.Errorf("sources.outlier_threshold must be in (0, 1)")
	}
	if c.Sources.StalenessMs <= 0 {
		return fmt.Errorf("sources.staleness_ms must be > 0")
	}
	for name, rl := range c.RateLimits {
		if rl.PerMinute <= 0 {
			return fmt.Errorf("rate_limits.%s.per_minute must be > 0", name)
		}
		if rl.Burst < 1 {
			return fmt.Errorf("rate_limits.%s.burst must be >= 1", name)
		}
	}
	if c.Gate.FreshnessMs <= 0 {
		return fmt.Errorf("execution_gate.freshness_ms must be > 0")
	}
	if c.Gate.PriceDiscrepancyPct < 0 {
		return fmt.Errorf("execution_gate.price_discrepancy_pct must be >= 0")
	}
	if c.Health.AutoDisable.ConsecutiveLosses <= 0 {
		return fmt.Errorf("health.auto_disable.consecutive_losses must be > 0")
	}
	if c.Health.AutoDisable.MinWinRate < 0 || c.Health.AutoDisable.MinWinRate > 1 {
		return fmt.Errorf("health.auto_disable.min_win_rate must be in [0, 1]")
	}
	if c.Snapshot.Path == "" {
		return fmt.Errorf("snapshot.path is required")
	}
	if c.Logs.Dir == "" {
		return fmt.Errorf("logs.dir is required")
	}
	if c.Control.Path == "" {
		return fmt.Errorf("control.path is required")
	}
	if c.Logs.ActivityKeep <= 0 {
		return fmt.Errorf("logs.activity_keep must be > 0")
	}
	if c.Observer.BacklogPerSubscriber <= 0 {
		return fmt.Errorf("observer.backlog_per_subscriber must be > 0")
	}
	if c.Dashboard.Enabled && c.Dashboard.Port <= 0 {
		return fmt.Errorf("dashboard.port must be > 0 when dashboard.enabled")
	}
	if c.Cycle.StepTimeout <= 0 {
		return fmt.Errorf("cycle.step_timeout must be > 0")
	}
	if c.Cycle.SoftDeadline <= 0 {
		return fmt.Errorf("cycle.soft_deadline must be > 0")
	}
	return nil
}

// ScanInterval returns the cycle tick as a duration.
func (c *Config) ScanInterval() time.Duration {
	return time.Duration(c.ScanIntervalSeconds) * time.Second
}

// Freshness returns the gate freshness ceiling as a duration.
func (g GateConfig) Freshness() time.Duration {
	return time.Duration(g.FreshnessMs) * time.Millisecond
}

// Staleness returns the quote staleness ceiling as a duration.
func (s SourcesConfig) Staleness() time.Duration {
	return time.Duration(s.StalenessMs) * time.Millisecond
}

// FileModTime reports the config file's last modification time so the
// driver can reload at a cycle boundary when the file changes.
func FileModTime(path string) (time.Time, error) {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}, fmt.Errorf("stat config: %w", err)
	}
	return info.ModTime(), nil
}
