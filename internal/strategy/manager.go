package strategy

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"polymarket-lab/internal/config"
	"polymarket-lab/internal/gate"
	"polymarket-lab/internal/metrics"
	"polymarket-lab/internal/paper"
	"polymarket-lab/internal/portfolio"
	"polymarket-lab/pkg/types"
)

// allocationSlack absorbs float accumulation when validating that
// allocations sum to at most 1.
const allocationSlack = 1e-9

// entry binds one registered strategy to its virtual book and roster
// state. Everything outside the registry refers to strategies by name;
// the entry is never handed out.
type entry struct {
	strategy Strategy
	tracker  *portfolio.Tracker
	state    types.StrategyState
}

// Manager owns the strategy registry: the detectors, one virtual
// portfolio per strategy, and the enable/pause/allocation state the gate
// consults. All cycle-path calls (RunAll, ExecuteBest, MarkToMarket,
// ProcessExits) are made from the single driver goroutine; the read
// surface (Enabled, Snapshot, Statuses) is safe from any goroutine.
type Manager struct {
	cfg     config.StrategiesConfig
	gateCfg config.GateConfig
	engine  *paper.Engine
	history *History
	metrics *metrics.Registry
	logger  *slog.Logger

	mu      sync.RWMutex
	order   []string
	entries map[string]*entry
	aggPeak decimal.Decimal
}

// NewManager creates an empty registry. Detectors are added with
// Register or RegisterDefaults; the paper engine is attached with
// BindEngine once the gate, which consults this manager, exists.
func NewManager(cfg *config.Config, m *metrics.Registry, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:     cfg.Strategies,
		gateCfg: cfg.Gate,
		history: NewHistory(cfg.Strategies.Momentum.HistorySize),
		metrics: m,
		logger:  logger.With("component", "strategy_manager"),
		entries: make(map[string]*entry),
	}
}

// BindEngine completes the wiring loop: the gate consults the manager
// for strategy status, the engine consults the gate, and the manager
// drives the engine. Must be called before the first cycle.
func (m *Manager) BindEngine(eng *paper.Engine) {
	m.engine = eng
}

// Register adds a strategy with its own virtual book seeded at
// initialCapital. The roster state starts from configuration: enabled
// when on the enabled list, paper stage, configured allocation.
func (m *Manager) Register(s Strategy, initialCapital decimal.Decimal) error {
	name := s.Name()

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, dup := m.entries[name]; dup {
		return fmt.Errorf("register strategy %q: already registered", name)
	}
	m.entries[name] = &entry{
		strategy: s,
		tracker:  portfolio.NewTracker(name, initialCapital),
		state: types.StrategyState{
			Name:       name,
			Enabled:    m.cfg.IsEnabled(name),
			Stage:      types.StagePaper,
			Allocation: m.cfg.Allocation[name],
		},
	}
	m.order = append(m.order, name)

	m.logger.Info("strategy registered",
		"strategy", name,
		"enabled", m.entries[name].state.Enabled,
		"initial_capital", initialCapital.String(),
	)
	return nil
}

// RegisterDefaults builds the five stock detectors from configuration
// and registers each with the configured starting capital.
func (m *Manager) RegisterDefaults() error {
	capital := decimal.NewFromFloat(m.cfg.InitialCapitalUSD)
	all := []Strategy{
		NewArbitrage(m.cfg.Thresholds(NameArbitrage)),
		NewMomentum(m.cfg.Momentum, m.cfg.Thresholds(NameMomentum)),
		NewMeanReversion(m.cfg.MeanReversion, m.cfg.Thresholds(NameMeanReversion)),
		NewRealityArb(m.cfg.RealityArb, m.cfg.Thresholds(NameRealityArb)),
		NewStatArb(m.cfg.StatArb, m.cfg.Thresholds(NameStatArb)),
	}
	for _, s := range all {
		if err := m.Register(s, capital); err != nil {
			return err
		}
	}
	return nil
}

// Names returns strategy names in registration order.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, len(m.order))
	copy(out, m.order)
	return out
}

func (m *Manager) entry(name string) *entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.entries[name]
}

// Enabled implements the gate's strategy probe.
func (m *Manager) Enabled(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[name]
	return ok && e.state.Enabled
}

// Paused implements the gate's strategy probe.
func (m *Manager) Paused(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[name]
	return ok && e.state.Paused
}

// runnable reports whether the strategy's detector should be invoked.
func (m *Manager) runnable(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[name]
	return ok && e.state.Enabled && !e.state.Paused
}

// RunAll feeds the shared price history, then invokes every enabled,
// unpaused detector. Disabled strategies are skipped entirely, so a
// health-disabled strategy emits no opportunities at all.
func (m *Manager) RunAll(in Inputs) map[string][]types.Opportunity {
	in.History = m.history
	in.MinLiquidityUSD = decimal.NewFromFloat(m.gateCfg.MinLiquidityUSD)
	if in.HasPosition == nil {
		in.HasPosition = m.hasPosition
	}
	m.history.Observe(in.Markets, in.Now)

	out := make(map[string][]types.Opportunity)
	for _, name := range m.Names() {
		if !m.runnable(name) {
			continue
		}
		e := m.entry(name)
		opps := e.strategy.Detect(in)
		if len(opps) == 0 {
			continue
		}
		out[name] = opps
		m.metrics.OpportunitiesDetected.WithLabelValues(name).Add(float64(len(opps)))
		m.logger.Debug("opportunities detected",
			"strategy", name,
			"count", len(opps),
			"best_edge_bps", opps[0].EdgeBps,
		)
	}
	return out
}

// hasPosition is the duplicate probe handed to detectors.
func (m *Manager) hasPosition(strategy, marketID string, side types.Side) bool {
	e := m.entry(strategy)
	return e != nil && e.tracker.Has(marketID, side)
}

// ExecuteBest submits each strategy's top opportunities to the paper
// engine, capped at max_opens_per_cycle, every one through the gate.
// Returns trades executed per strategy. Individual rejections never
// abort the pass.
func (m *Manager) ExecuteBest(in Inputs, opps map[string][]types.Opportunity) map[string]int {
	executed := make(map[string]int)
	byID := indexMarkets(in.Markets)

	for _, name := range m.Names() {
		list := append([]types.Opportunity(nil), opps[name]...)
		if len(list) == 0 {
			continue
		}
		sortByEdge(list)
		if k := m.cfg.Thresholds(name).MaxOpensPerCycle; k > 0 && len(list) > k {
			list = list[:k]
		}

		e := m.entry(name)
		if e == nil {
			continue
		}
		for _, opp := range list {
			if opp.Expired(in.Now) {
				continue
			}
			req := gate.Request{
				Opportunity: opp,
				Market:      byID[opp.MarketID],
				Consensus:   consensusFor(in, opp),
			}
			t, err := m.engine.Place(req, e.tracker, opp.SizeUSD)
			if err != nil {
				var denied *paper.GateDeniedError
				switch {
				case errors.As(err, &denied):
					m.logger.Debug("opportunity denied",
						"strategy", name,
						"market", opp.MarketID,
						"reason", denied.Reason,
					)
				default:
					m.logger.Debug("trade rejected",
						"strategy", name,
						"market", opp.MarketID,
						"error", err,
					)
				}
				continue
			}
			executed[name]++
			e.strategy.OnFill(*t)
		}
	}
	return executed
}

// consensusFor binds the consensus record an opportunity depends on, so
// the gate re-checks exactly that symbol. Opportunities without a symbol
// carry no consensus and skip those checks.
func consensusFor(in Inputs, opp types.Opportunity) []types.ConsensusPrice {
	sym := opp.Rationale.Symbol
	if sym == "" {
		return nil
	}
	c, ok := in.Consensus[sym]
	if !ok {
		return nil
	}
	return []types.ConsensusPrice{c}
}

// MarkToMarket reprices every virtual book from the current scan and
// refreshes the per-strategy gauges.
func (m *Manager) MarkToMarket(markets []types.Market) {
	prices := make(map[string]map[string]decimal.Decimal, len(markets))
	for _, mkt := range markets {
		prices[mkt.ID] = mkt.Prices
	}

	for _, name := range m.Names() {
		e := m.entry(name)
		e.tracker.MarkToMarket(prices)
		m.metrics.EquityUSD.WithLabelValues(name).Set(e.tracker.Equity().InexactFloat64())
		m.metrics.OpenPositions.WithLabelValues(name).Set(float64(len(e.tracker.Positions())))
	}
}

// ProcessExits evaluates the exit policy for every open trade and closes
// the ones that fire, through the same gate as entries. Returns closes
// per strategy.
func (m *Manager) ProcessExits(in Inputs) map[string]int {
	closed := make(map[string]int)
	byID := indexMarkets(in.Markets)

	for _, t := range m.engine.OpenTrades() {
		e := m.entry(t.Strategy)
		if e == nil {
			continue
		}
		mkt := byID[t.MarketID]
		if mkt == nil && in.Lookup != nil {
			// Ended markets drop out of the active set but keep a cached
			// record; exits still run against that last known price.
			if cached, ok := in.Lookup(t.MarketID); ok {
				mkt = &cached
			}
		}
		if mkt == nil {
			// No record anywhere; hold until the scan sees it again.
			continue
		}
		mark, ok := markFor(*mkt, t.Side)
		if !ok {
			continue
		}

		reason, due := paper.EvaluateExit(t, m.cfg.Thresholds(t.Strategy), mark, mkt.EndTime, in.Now)
		if !due {
			continue
		}
		req := gate.Request{
			Opportunity: types.Opportunity{
				Strategy: t.Strategy,
				MarketID: t.MarketID,
				Side:     t.Side,
			},
			Market: mkt,
			Exit:   true,
		}
		ct, err := m.engine.Close(req, e.tracker, t.TradeID, mark, reason)
		if err != nil {
			m.logger.Debug("exit not executed",
				"strategy", t.Strategy,
				"trade_id", t.TradeID,
				"error", err,
			)
			continue
		}
		closed[t.Strategy]++
		e.strategy.OnClose(*ct)
	}
	return closed
}

// markFor prices one side of a market for mark-to-market and exits. PAIR
// positions are worth the sum of both legs.
func markFor(m types.Market, side types.Side) (decimal.Decimal, bool) {
	if side == types.SidePair {
		yes, okYes := m.OutcomePrice(string(types.SideYes))
		no, okNo := m.OutcomePrice(string(types.SideNo))
		if !okYes || !okNo {
			return decimal.Zero, false
		}
		return yes.Add(no), true
	}
	return m.OutcomePrice(string(side))
}

func indexMarkets(markets []types.Market) map[string]*types.Market {
	byID := make(map[string]*types.Market, len(markets))
	for i := range markets {
		byID[markets[i].ID] = &markets[i]
	}
	return byID
}

// Rebalance applies a new allocation map. Fractions must be in [0, 1]
// and sum to at most 1; unknown strategies are rejected. Strategies
// absent from the map keep their current allocation.
func (m *Manager) Rebalance(alloc map[string]float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var sum float64
	for name, f := range alloc {
		if _, ok := m.entries[name]; !ok {
			return fmt.Errorf("rebalance: unknown strategy %q", name)
		}
		if f < 0 || f > 1 {
			return fmt.Errorf("rebalance: allocation for %q out of range: %v", name, f)
		}
		sum += f
	}
	if sum > 1+allocationSlack {
		return fmt.Errorf("rebalance: allocations sum to %.4f, want <= 1", sum)
	}

	for name, f := range alloc {
		m.entries[name].state.Allocation = f
	}
	m.logger.Info("allocations rebalanced", "allocation", alloc)
	return nil
}

// Enable re-admits a strategy to trading and clears any disable reason.
func (m *Manager) Enable(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[name]
	if !ok {
		return fmt.Errorf("enable: unknown strategy %q", name)
	}
	e.state.Enabled = true
	e.state.DisabledReason = ""
	e.state.DisabledAt = time.Time{}
	m.logger.Info("strategy enabled", "strategy", name)
	return nil
}

// Disable removes a strategy from trading until an explicit Enable. The
// reason is kept for the dashboard and the snapshot.
func (m *Manager) Disable(name, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[name]
	if !ok {
		return fmt.Errorf("disable: unknown strategy %q", name)
	}
	e.state.Enabled = false
	e.state.DisabledReason = reason
	e.state.DisabledAt = time.Now().UTC()
	m.logger.Warn("strategy disabled", "strategy", name, "reason", reason)
	return nil
}

// Pause suspends a strategy without recording a disable.
func (m *Manager) Pause(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[name]
	if !ok {
		return fmt.Errorf("pause: unknown strategy %q", name)
	}
	e.state.Paused = true
	m.logger.Info("strategy paused", "strategy", name)
	return nil
}

// Resume lifts a pause.
func (m *Manager) Resume(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[name]
	if !ok {
		return fmt.Errorf("resume: unknown strategy %q", name)
	}
	e.state.Paused = false
	m.logger.Info("strategy resumed", "strategy", name)
	return nil
}

// Tracker exposes a strategy's virtual book, nil when unknown.
func (m *Manager) Tracker(name string) *portfolio.Tracker {
	e := m.entry(name)
	if e == nil {
		return nil
	}
	return e.tracker
}

// Performance returns live metrics per strategy. The health monitor
// sweeps these once per cycle; the weekly selector scores them.
func (m *Manager) Performance() map[string]types.PortfolioMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]types.PortfolioMetrics, len(m.entries))
	for name, e := range m.entries {
		out[name] = e.tracker.Metrics()
	}
	return out
}

// Statuses returns the roster state per strategy.
func (m *Manager) Statuses() map[string]types.StrategyState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]types.StrategyState, len(m.entries))
	for name, e := range m.entries {
		out[name] = e.state
	}
	return out
}

// RestoreStates reapplies roster state from a snapshot so disables and
// allocations survive restarts. Unknown names are ignored.
func (m *Manager) RestoreStates(states map[string]types.StrategyState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, st := range states {
		e, ok := m.entries[name]
		if !ok {
			continue
		}
		st.Name = name
		if st.Stage == "" {
			st.Stage = types.StagePaper
		}
		e.state = st
	}
}

// RestoreAggregate reseeds the aggregate high-water mark from a saved
// snapshot so aggregate drawdown survives restarts.
func (m *Manager) RestoreAggregate(snap types.PortfolioSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if snap.PeakEquityUSD.GreaterThan(m.aggPeak) {
		m.aggPeak = snap.PeakEquityUSD
	}
}

// Diagnostics surfaces each strategy's internal gauges.
func (m *Manager) Diagnostics() map[string]map[string]float64 {
	out := make(map[string]map[string]float64)
	for _, name := range m.Names() {
		out[name] = m.entry(name).strategy.Diagnostics()
	}
	return out
}

// Snapshot returns the aggregate book and the per-strategy books. The
// aggregate sums cash, equity, and realized numbers across strategies;
// its peak tracks the joint equity high-water mark, which is below the
// sum of per-book peaks whenever the books peak at different times.
func (m *Manager) Snapshot() (types.PortfolioSnapshot, map[string]types.PortfolioSnapshot) {
	per := make(map[string]types.PortfolioSnapshot)

	agg := types.PortfolioSnapshot{
		Strategy:  "aggregate",
		Timestamp: time.Now().UTC(),
	}
	var totalTrades, openTrades int
	for _, name := range m.Names() {
		snap := m.entry(name).tracker.Snapshot()
		per[name] = snap

		agg.CashUSD = agg.CashUSD.Add(snap.CashUSD)
		agg.EquityUSD = agg.EquityUSD.Add(snap.EquityUSD)
		agg.InitialCapital = agg.InitialCapital.Add(snap.InitialCapital)
		agg.DailyPnLUSD = agg.DailyPnLUSD.Add(snap.DailyPnLUSD)
		agg.RealizedPnLUSD = agg.RealizedPnLUSD.Add(snap.RealizedPnLUSD)
		agg.Positions = append(agg.Positions, snap.Positions...)
		totalTrades += snap.Metrics.TotalTrades
		openTrades += snap.Metrics.OpenTrades
	}

	m.mu.Lock()
	if agg.EquityUSD.GreaterThan(m.aggPeak) {
		m.aggPeak = agg.EquityUSD
	}
	agg.PeakEquityUSD = m.aggPeak
	m.mu.Unlock()

	agg.Metrics.TotalTrades = totalTrades
	agg.Metrics.OpenTrades = openTrades
	if agg.InitialCapital.IsPositive() {
		agg.Metrics.TotalReturnPct = agg.EquityUSD.Sub(agg.InitialCapital).
			Div(agg.InitialCapital).Mul(decimal.NewFromInt(100)).InexactFloat64()
	}
	return agg, per
}
