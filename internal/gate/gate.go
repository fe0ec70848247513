// Package gate is the execution gate every trade must clear.
//
// MayExecute runs a fixed sequence of checks and stops at the first
// failure: paper trading must be on, neither kill switch may be armed,
// the bot must not be paused, the data validator must pass, and the
// opportunity's strategy must be enabled and unpaused. The decision
// carries the reason of the first failing check; denials are counted
// per reason. No code path creates a trade without a passing decision.
package gate

import (
	"log/slog"
	"sync"
	"time"

	"polymarket-lab/internal/config"
	"polymarket-lab/internal/metrics"
	"polymarket-lab/pkg/types"
)

// Denial reasons, in check order.
const (
	ReasonPaperTradingOff  = "paper_trading_disabled"
	ReasonKillSwitch       = "kill_switch"
	ReasonKillActive       = "kill_active"
	ReasonPaused           = "paused"
	ReasonStaleMarket      = "stale_market_data"
	ReasonStaleConsensus   = "stale_consensus"
	ReasonDiscrepancy      = "price_discrepancy"
	ReasonLowLiquidity     = "insufficient_liquidity"
	ReasonTooCloseToExpiry = "too_close_to_expiry"
	ReasonStrategyDisabled = "strategy_disabled"
	ReasonStrategyPaused   = "strategy_paused"
)

// Decision is the gate's verdict on one request. Reason is set only on
// denial and names the first failing check.
type Decision struct {
	Allowed bool
	Reason  string
}

// Request carries everything the gate inspects for one opportunity.
// Market comes from the cache's freshness-checked read; nil means the
// cache refused to serve a stale entry. Consensus lists the consensus
// prices the opportunity depends on (empty for market-only strategies).
type Request struct {
	Opportunity types.Opportunity
	Market      *types.Market
	Consensus   []types.ConsensusPrice

	// Exit marks a position-reducing request. The validator still
	// demands a market record but waives the market-age check, the
	// liquidity floor, and the time-to-close floor: those exist to
	// stop new exposure, not to trap open positions on markets that
	// have gone quiet or ended.
	Exit bool
}

// StrategyStatus reports whether a strategy may trade right now. The
// strategy manager implements it.
type StrategyStatus interface {
	Enabled(name string) bool
	Paused(name string) bool
}

// ControlSource serves the control state read at the cycle boundary.
type ControlSource interface {
	Last() types.ControlState
}

// Gate applies the execution checks and counts denials.
type Gate struct {
	mu           sync.RWMutex
	paperTrading bool
	killSwitch   bool
	validator    *Validator
	denials      map[string]int

	strategies StrategyStatus
	control    ControlSource
	metrics    *metrics.Registry
	logger     *slog.Logger
}

// New builds a gate from the loaded config.
func New(cfg *config.Config, strategies StrategyStatus, control ControlSource, m *metrics.Registry, logger *slog.Logger) *Gate {
	return &Gate{
		paperTrading: cfg.PaperTrading,
		killSwitch:   cfg.KillSwitch,
		validator:    NewValidator(cfg.Gate),
		denials:      make(map[string]int),
		strategies:   strategies,
		control:      control,
		metrics:      m,
		logger:       logger.With("component", "gate"),
	}
}

// Reconfigure applies a reloaded config at the cycle boundary.
func (g *Gate) Reconfigure(cfg *config.Config) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.paperTrading = cfg.PaperTrading
	g.killSwitch = cfg.KillSwitch
	g.validator = NewValidator(cfg.Gate)
}

// MayExecute runs the checks in order and returns at the first failure.
func (g *Gate) MayExecute(req Request) Decision {
	g.mu.RLock()
	paperTrading, killSwitch, validator := g.paperTrading, g.killSwitch, g.validator
	g.mu.RUnlock()

	if !paperTrading {
		return g.deny(req, ReasonPaperTradingOff)
	}
	if killSwitch {
		return g.deny(req, ReasonKillSwitch)
	}

	control := g.control.Last()
	if control.KillActive {
		return g.deny(req, ReasonKillActive)
	}
	if control.Paused {
		return g.deny(req, ReasonPaused)
	}

	if ok, reason := validator.Validate(req, time.Now().UTC()); !ok {
		return g.deny(req, reason)
	}

	name := req.Opportunity.Strategy
	if !g.strategies.Enabled(name) {
		return g.deny(req, ReasonStrategyDisabled)
	}
	if g.strategies.Paused(name) {
		return g.deny(req, ReasonStrategyPaused)
	}

	return Decision{Allowed: true}
}

func (g *Gate) deny(req Request, reason string) Decision {
	g.mu.Lock()
	g.denials[reason]++
	g.mu.Unlock()
	g.metrics.GateDenials.WithLabelValues(reason).Inc()

	g.logger.Debug("gate denied",
		"reason", reason,
		"strategy", req.Opportunity.Strategy,
		"market", req.Opportunity.MarketID)
	return Decision{Reason: reason}
}

// Denials returns a copy of the per-reason denial counts.
func (g *Gate) Denials() map[string]int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[string]int, len(g.denials))
	for reason, n := range g.denials {
		out[reason] = n
	}
	return out
}
