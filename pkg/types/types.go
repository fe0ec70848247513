// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the bot: market records, price
// quotes, consensus prices, opportunities, simulated trades, positions, and
// the activity event stream. It has no dependencies on internal packages, so
// it can be imported by any layer.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents which outcome an opportunity targets. PAIR means both
// outcomes at once (the arbitrage case where YES + NO together cost < $1).
type Side string

const (
	SideYes  Side = "YES"
	SideNo   Side = "NO"
	SidePair Side = "PAIR"
)

// TradeStatus enumerates the simulated trade lifecycle.
// Proposed → Gated → Filled → Open → Closing → Closed, with Rejected
// reachable from any state before Filled.
type TradeStatus string

const (
	TradeProposed TradeStatus = "proposed"
	TradeGated    TradeStatus = "gated"
	TradeFilled   TradeStatus = "filled"
	TradeOpen     TradeStatus = "open"
	TradeClosing  TradeStatus = "closing"
	TradeClosed   TradeStatus = "closed"
	TradeRejected TradeStatus = "rejected"
)

// HealthStatus classifies a dependency for the health endpoint.
type HealthStatus string

const (
	StatusHealthy  HealthStatus = "healthy"
	StatusDegraded HealthStatus = "degraded"
	StatusDown     HealthStatus = "down"
)

// ————————————————————————————————————————————————————————————————————————
// Market data
// ————————————————————————————————————————————————————————————————————————

// Market is the internal representation of a binary prediction market.
// Populated from the market lister during scanning and passed to the
// strategy layer. Prices maps every outcome tag to a probability in [0,1];
// the sum is NOT forced to 1, the arbitrage edge lives in sums below 1.
type Market struct {
	ID           string                     `json:"id"`
	Question     string                     `json:"question"`
	Outcomes     []string                   `json:"outcomes"`
	Prices       map[string]decimal.Decimal `json:"prices"`
	LiquidityUSD decimal.Decimal            `json:"liquidity_usd"`
	Volume24hUSD decimal.Decimal            `json:"volume_24h_usd"`
	EndTime      time.Time                  `json:"end_time"`
	Category     string                     `json:"category,omitempty"`
	Source       string                     `json:"source"`
	FetchedAt    time.Time                  `json:"fetched_at"`
}

// OutcomePrice returns the price for one outcome tag and whether it exists.
func (m Market) OutcomePrice(outcome string) (decimal.Decimal, bool) {
	p, ok := m.Prices[outcome]
	return p, ok
}

// PriceSum returns the sum of all outcome prices. For a two-outcome market
// a sum below 1 is the classic arbitrage condition.
func (m Market) PriceSum() decimal.Decimal {
	sum := decimal.Zero
	for _, p := range m.Prices {
		sum = sum.Add(p)
	}
	return sum
}

// PriceQuote is a single price observation for one symbol from one source.
type PriceQuote struct {
	Symbol    string          `json:"symbol"`
	Source    string          `json:"source"`
	Price     decimal.Decimal `json:"price"`
	Volume24h decimal.Decimal `json:"volume_24h"`
	Timestamp time.Time       `json:"timestamp"`
}

// Age returns how old the quote is relative to now.
func (q PriceQuote) Age(now time.Time) time.Duration {
	return now.Sub(q.Timestamp)
}

// ConsensusPrice is the aggregator's output for one symbol: the median of
// surviving quotes after outlier rejection, tagged with the sources that
// survived and a confidence score in [0,1].
type ConsensusPrice struct {
	Symbol     string          `json:"symbol"`
	Median     decimal.Decimal `json:"median"`
	Sources    []string        `json:"sources"`
	Confidence float64         `json:"confidence"`
	SpreadPct  float64         `json:"spread_pct"`
	Stale      bool            `json:"stale"`
	ComputedAt time.Time       `json:"computed_at"`
}

// ————————————————————————————————————————————————————————————————————————
// Opportunities and trades
// ————————————————————————————————————————————————————————————————————————

// Rationale carries strategy-specific detail behind a stable kind tag so
// observers can render it without knowing each strategy's internals.
// Symbol is set when the opportunity is pinned to a crypto consensus
// price; the gate then re-checks that symbol's freshness.
type Rationale struct {
	Kind    string             `json:"kind"`
	Summary string             `json:"summary,omitempty"`
	Symbol  string             `json:"symbol,omitempty"`
	Numbers map[string]float64 `json:"numbers,omitempty"`
}

// Opportunity is a candidate trade produced by a detector. Identity is
// (Strategy, MarketID, CreatedAt).
type Opportunity struct {
	Strategy  string          `json:"strategy"`
	MarketID  string          `json:"market_id"`
	Side      Side            `json:"side"`
	EdgeBps   int64           `json:"edge_bps"`
	SizeUSD   decimal.Decimal `json:"size_usd"`
	Rationale Rationale       `json:"rationale"`
	CreatedAt time.Time       `json:"created_at"`
	ExpiresAt time.Time       `json:"expires_at"`

	// SingleSourceOK relaxes the cross-source discrepancy check for
	// opportunities that by construction depend on one source only.
	SingleSourceOK bool `json:"single_source_ok,omitempty"`
}

// Expired reports whether the opportunity is past its expiry at now.
func (o Opportunity) Expired(now time.Time) bool {
	return !now.Before(o.ExpiresAt)
}

// Trade is a simulated fill. TradeID is assigned monotonically by the paper
// engine. FillPrices maps outcome tag to entry price; for single-sided
// trades it has one entry, for PAIR both outcomes.
type Trade struct {
	TradeID     int64                      `json:"trade_id"`
	Strategy    string                     `json:"strategy"`
	MarketID    string                     `json:"market_id"`
	Side        Side                       `json:"side"`
	Status      TradeStatus                `json:"status"`
	Opportunity Opportunity                `json:"opportunity"`
	FilledAt    time.Time                  `json:"filled_at"`
	ClosedAt    *time.Time                 `json:"closed_at,omitempty"`
	FillPrices  map[string]decimal.Decimal `json:"fill_prices"`
	Units       decimal.Decimal            `json:"units"`
	NotionalUSD decimal.Decimal            `json:"notional_usd"`
	ExitPrice   decimal.Decimal            `json:"exit_price"`
	RealizedPnL decimal.Decimal            `json:"realized_pnl_usd"`
	CloseReason string                     `json:"close_reason,omitempty"`
	TraceID     string                     `json:"trace_id"`
}

// EntryPrice returns the blended per-unit entry cost: the sum of fill
// prices across outcomes (for PAIR this is the combined cost of one unit
// of each leg).
func (t Trade) EntryPrice() decimal.Decimal {
	sum := decimal.Zero
	for _, p := range t.FillPrices {
		sum = sum.Add(p)
	}
	return sum
}

// Position is an open holding for (Strategy, MarketID, Side).
// Units are always ≥ 0; the opposite view is modeled by holding the other
// outcome, never by negative units.
type Position struct {
	Strategy      string          `json:"strategy"`
	MarketID      string          `json:"market_id"`
	Side          Side            `json:"side"`
	Units         decimal.Decimal `json:"units"`
	AvgEntryPrice decimal.Decimal `json:"avg_entry_price"`
	OpenedAt      time.Time       `json:"opened_at"`
	LastUpdated   time.Time       `json:"last_updated"`
}

// Key returns the map key identifying this position.
func (p Position) Key() string {
	return p.MarketID + "|" + string(p.Side) + "|" + p.Strategy
}

// PositionKey builds the same key without a Position value in hand.
func PositionKey(strategy, marketID string, side Side) string {
	return marketID + "|" + string(side) + "|" + strategy
}

// ————————————————————————————————————————————————————————————————————————
// Portfolio snapshots
// ————————————————————————————————————————————————————————————————————————

// PortfolioMetrics are rolling statistics over a strategy's closed trades.
// ConsecutiveLosses is derived from the ordered closed-trade stream, never
// from a separately maintained counter. SharpeTradesPerYear is the
// annualization denominator actually used, exported so the in-band Sharpe
// number is auditable.
type PortfolioMetrics struct {
	TotalTrades         int     `json:"total_trades"`
	OpenTrades          int     `json:"open_trades"`
	WinRate             float64 `json:"win_rate"`
	Sharpe              float64 `json:"sharpe"`
	SharpeTradesPerYear float64 `json:"sharpe_trades_per_year"`
	MaxDrawdownPct      float64 `json:"max_drawdown_pct"`
	ConsecutiveLosses   int     `json:"consecutive_losses"`
	DailyPnLPct         float64 `json:"daily_pnl_pct"`
	TotalReturnPct      float64 `json:"total_return_pct"`
}

// PortfolioSnapshot is a point-in-time view of one strategy's virtual book
// (or the aggregate across strategies when Strategy is "aggregate").
// Invariant: EquityUSD = CashUSD + Σ position.Units × mark price.
type PortfolioSnapshot struct {
	Strategy       string           `json:"strategy"`
	CashUSD        decimal.Decimal  `json:"cash_usd"`
	EquityUSD      decimal.Decimal  `json:"equity_usd"`
	PeakEquityUSD  decimal.Decimal  `json:"peak_equity_usd"`
	InitialCapital decimal.Decimal  `json:"initial_capital"`
	DailyPnLUSD    decimal.Decimal  `json:"daily_pnl_usd"`
	RealizedPnLUSD decimal.Decimal  `json:"realized_pnl_usd"`
	Positions      []Position       `json:"positions"`
	Metrics        PortfolioMetrics `json:"metrics"`
	Timestamp      time.Time        `json:"timestamp"`
}

// Stage is a strategy's maturity level. The paper lab only ever runs
// strategies at StagePaper; the other values exist so snapshots from a
// promotion workflow round-trip unchanged.
type Stage string

const (
	StageBacktest Stage = "backtest"
	StagePaper    Stage = "paper"
	StageMicro    Stage = "micro_live"
	StageMini     Stage = "mini_live"
	StageFull     Stage = "full_live"
)

// StrategyState is one strategy's roster entry: whether it may trade,
// its stage, and its share of allocated capital. Disables are persistent
// until an explicit re-enable, so this record travels in the snapshot.
type StrategyState struct {
	Name           string    `json:"name"`
	Enabled        bool      `json:"enabled"`
	Paused         bool      `json:"paused"`
	Stage          Stage     `json:"stage"`
	Allocation     float64   `json:"allocation"`
	DisabledReason string    `json:"disabled_reason,omitempty"`
	DisabledAt     time.Time `json:"disabled_at"`
}

// ————————————————————————————————————————————————————————————————————————
// Control and activity
// ————————————————————————————————————————————————————————————————————————

// ControlState is the operator-writable pause/kill record. The driver reads
// it at every cycle boundary; a malformed record is treated as paused.
type ControlState struct {
	Paused     bool      `json:"paused"`
	KillActive bool      `json:"kill_active"`
	KillReason string    `json:"kill_reason,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// ActivityType tags an ActivityEvent variant.
type ActivityType string

const (
	ActCycleStarted     ActivityType = "cycle_started"
	ActCycleEnded       ActivityType = "cycle_ended"
	ActMarketsFetched   ActivityType = "markets_fetched"
	ActOpportunityFound ActivityType = "opportunity_found"
	ActTradeExecuted    ActivityType = "trade_executed"
	ActTradeClosed      ActivityType = "trade_closed"
	ActError            ActivityType = "error"
	ActHeartbeat        ActivityType = "heartbeat"
)

// ActivityEvent is one record in the append-only activity stream. Only the
// fields relevant to the Type are populated; Type is the discriminator.
type ActivityEvent struct {
	Type      ActivityType `json:"type"`
	Timestamp time.Time    `json:"timestamp"`
	TraceID   string       `json:"trace_id"`

	Count    int    `json:"count,omitempty"`     // MarketsFetched
	Strategy string `json:"strategy,omitempty"`  // opportunity / trade variants
	MarketID string `json:"market_id,omitempty"` // opportunity / trade variants
	TradeID  int64  `json:"trade_id,omitempty"`  // trade variants
	ErrKind  string `json:"err_kind,omitempty"`  // Error
	Message  string `json:"message,omitempty"`   // Error and free-form detail
}

// ————————————————————————————————————————————————————————————————————————
// External collaborators (interfaces only; the core never implements these)
// ————————————————————————————————————————————————————————————————————————

// CredentialStore hands out secrets for named services. The core is a
// reader only and never persists credentials itself.
type CredentialStore interface {
	Get(service string) (string, error)
}

// NotificationTransport delivers operator notifications. The core produces
// messages; delivery (SMTP, chat webhooks) lives outside this module.
type NotificationTransport interface {
	Send(channel, subject, body, severity string) error
}
