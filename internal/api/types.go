package api

import (
	"time"

	"polymarket-lab/internal/config"
	"polymarket-lab/internal/source"
	"polymarket-lab/pkg/types"
)

// DashboardSnapshot is the complete observer-facing state: the answer to
// GET /api/snapshot and the hello payload for new websocket subscribers.
type DashboardSnapshot struct {
	Timestamp time.Time `json:"timestamp"`

	// Operator state
	Control types.ControlState `json:"control"`

	// Books
	Aggregate  types.PortfolioSnapshot   `json:"aggregate"`
	Strategies map[string]StrategyStatus `json:"strategies"`
	OpenTrades []types.Trade             `json:"open_trades"`

	// Scan state
	Markets MarketsInfo `json:"markets"`

	// Dependency health
	Sources []source.HealthReport `json:"sources"`

	// Effective configuration
	Config ConfigSummary `json:"config"`
}

// StrategyStatus is one strategy's roster state, virtual book, and
// detector diagnostics.
type StrategyStatus struct {
	State       types.StrategyState     `json:"state"`
	Book        types.PortfolioSnapshot `json:"book"`
	Diagnostics map[string]float64      `json:"diagnostics,omitempty"`
}

// MarketsInfo summarizes the market scan feeding the cycle.
type MarketsInfo struct {
	Tracked  int       `json:"tracked"`
	LastScan time.Time `json:"last_scan"`
}

// HealthResponse is the GET /healthz body: per-dependency status plus a
// rolled-up verdict. Status is "ok" only while every dependency is
// healthy; one degraded or down dependency makes it "degraded".
type HealthResponse struct {
	Status       string                `json:"status"`
	Dependencies []source.HealthReport `json:"dependencies"`
	Timestamp    time.Time             `json:"timestamp"`
}

// ConfigSummary is the sanitized slice of configuration shown to
// observers. No paths, no credentials.
type ConfigSummary struct {
	PaperTrading        bool     `json:"paper_trading"`
	KillSwitch          bool     `json:"kill_switch"`
	ScanIntervalSeconds int      `json:"scan_interval_seconds"`
	EnabledStrategies   []string `json:"enabled_strategies"`
	InitialCapitalUSD   float64  `json:"initial_capital_usd"`
	AutoReallocation    bool     `json:"auto_reallocation"`

	// Shared trading limits
	MinEdgeBps       int64   `json:"min_edge_bps"`
	MaxOpensPerCycle int     `json:"max_opens_per_cycle"`
	MaxTradeSizeUSD  float64 `json:"max_trade_size_usd"`
	ProfitTargetPct  float64 `json:"profit_target_pct"`
	StopLossPct      float64 `json:"stop_loss_pct"`
	MaxHoldMinutes   int     `json:"max_hold_minutes"`

	// Gate floors
	FreshnessMs         int     `json:"freshness_ms"`
	PriceDiscrepancyPct float64 `json:"price_discrepancy_pct"`
	MinLiquidityUSD     float64 `json:"min_liquidity_usd"`
	MinTimeToClose      string  `json:"min_time_to_close"`
	SlippageBps         int     `json:"slippage_bps"`

	// Market filters
	MarketMinLiquidityUSD float64 `json:"market_min_liquidity_usd"`
	MarketMinVolume24hUSD float64 `json:"market_min_volume_24h_usd"`
	MaxTracked            int     `json:"max_tracked"`
}

// NewConfigSummary extracts the observer-safe view of the config.
func NewConfigSummary(cfg *config.Config) ConfigSummary {
	d := cfg.Strategies.Defaults
	return ConfigSummary{
		PaperTrading:        cfg.PaperTrading,
		KillSwitch:          cfg.KillSwitch,
		ScanIntervalSeconds: cfg.ScanIntervalSeconds,
		EnabledStrategies:   append([]string(nil), cfg.Strategies.Enabled...),
		InitialCapitalUSD:   cfg.Strategies.InitialCapitalUSD,
		AutoReallocation:    cfg.Strategies.AutoReallocation,

		MinEdgeBps:       d.MinEdgeBps,
		MaxOpensPerCycle: d.MaxOpensPerCycle,
		MaxTradeSizeUSD:  d.MaxTradeSizeUSD,
		ProfitTargetPct:  d.ProfitTargetPct,
		StopLossPct:      d.StopLossPct,
		MaxHoldMinutes:   d.MaxHoldMinutes,

		FreshnessMs:         cfg.Gate.FreshnessMs,
		PriceDiscrepancyPct: cfg.Gate.PriceDiscrepancyPct,
		MinLiquidityUSD:     cfg.Gate.MinLiquidityUSD,
		MinTimeToClose:      cfg.Gate.MinTimeToClose.String(),
		SlippageBps:         cfg.Gate.SlippageBps,

		MarketMinLiquidityUSD: cfg.Markets.MinLiquidityUSD,
		MarketMinVolume24hUSD: cfg.Markets.MinVolume24hUSD,
		MaxTracked:            cfg.Markets.MaxTracked,
	}
}
