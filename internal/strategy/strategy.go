// Package strategy hosts the competing paper-trading strategies and the
// manager that drives them.
//
// Each strategy is a detector over the current cycle's inputs (tracked
// markets, crypto consensus prices, rolling price history) plus its own
// internal state. Detectors never touch the ledger directly: they emit
// Opportunity values, the manager ranks them, and every candidate passes
// through the execution gate before the paper engine fills it against the
// strategy's virtual book.
//
// Per-cycle flow, driven by the scan loop:
//  1. Manager.RunAll feeds the price history and invokes each enabled,
//     unpaused strategy's Detect.
//  2. Manager.ExecuteBest takes the top opportunities per strategy (capped
//     by max_opens_per_cycle) and submits them to the engine.
//  3. Manager.MarkToMarket reprices every virtual book.
//  4. Manager.ProcessExits closes positions whose exit policy fires,
//     through the same gate.
//
// The weekly Selector scores the books and proposes a 70/20/10 capital
// split across the ranked strategies.
package strategy

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"polymarket-lab/pkg/types"
)

// Strategy names. These are the roster keys used in configuration,
// allocation maps, journals, and metric labels.
const (
	NameArbitrage     = "arbitrage"
	NameMomentum      = "momentum"
	NameMeanReversion = "mean_reversion"
	NameRealityArb    = "reality_arb"
	NameStatArb       = "stat_arb"
)

// Strategy is the capability set the manager drives each cycle: detection
// over fresh inputs, fill and close callbacks so internal state stays
// aligned with the virtual book, and diagnostic gauges for the dashboard.
// Implementations are not safe for concurrent use; the manager serializes
// all calls on the cycle goroutine.
type Strategy interface {
	Name() string
	Detect(in Inputs) []types.Opportunity
	OnFill(t types.Trade)
	OnClose(t types.Trade)
	Diagnostics() map[string]float64
}

// Inputs is one cycle's view of the world, handed to every detector.
type Inputs struct {
	Markets   []types.Market
	Consensus map[string]types.ConsensusPrice
	History   *History
	Now       time.Time

	// TTL bounds every emitted opportunity's ExpiresAt. Opportunities
	// are only actionable within the cycle that produced them, so the
	// driver sets this to the scan interval.
	TTL time.Duration

	// MinLiquidityUSD is the detector-side liquidity floor. The gate
	// enforces its own floor again at execution time.
	MinLiquidityUSD decimal.Decimal

	// HasPosition reports whether strategy already holds (marketID,
	// side). Detectors use it to suppress duplicate emissions.
	HasPosition func(strategy, marketID string, side types.Side) bool

	// Lookup resolves a market that is absent from Markets, typically
	// because it ended and dropped out of the active set. Exits use it
	// so open positions can still be priced and closed on the last
	// cached record. The driver wires the market cache's age-ignoring
	// read here.
	Lookup func(id string) (types.Market, bool)
}

// holds is the nil-safe wrapper detectors call.
func (in Inputs) holds(strategy, marketID string, side types.Side) bool {
	if in.HasPosition == nil {
		return false
	}
	return in.HasPosition(strategy, marketID, side)
}

// expiry returns the ExpiresAt for opportunities created this cycle.
func (in Inputs) expiry() time.Time {
	ttl := in.TTL
	if ttl <= 0 {
		ttl = time.Minute
	}
	return in.Now.Add(ttl)
}

// liquid reports whether the market clears the detector liquidity floor.
func (in Inputs) liquid(m types.Market) bool {
	if in.MinLiquidityUSD.IsZero() {
		return true
	}
	return m.LiquidityUSD.GreaterThanOrEqual(in.MinLiquidityUSD)
}

// sortByEdge orders opportunities by EdgeBps descending, market id as the
// tiebreak so output is deterministic.
func sortByEdge(opps []types.Opportunity) {
	sort.SliceStable(opps, func(i, j int) bool {
		if opps[i].EdgeBps != opps[j].EdgeBps {
			return opps[i].EdgeBps > opps[j].EdgeBps
		}
		return opps[i].MarketID < opps[j].MarketID
	})
}

// binaryPrices extracts the YES and NO prices when both exist and are
// strictly inside (0, 1). Markets missing either leg are skipped by every
// detector.
func binaryPrices(m types.Market) (yes, no decimal.Decimal, ok bool) {
	yes, okYes := m.OutcomePrice(string(types.SideYes))
	no, okNo := m.OutcomePrice(string(types.SideNo))
	if !okYes || !okNo {
		return decimal.Zero, decimal.Zero, false
	}
	if !inUnitInterval(yes) || !inUnitInterval(no) {
		return decimal.Zero, decimal.Zero, false
	}
	return yes, no, true
}

func inUnitInterval(p decimal.Decimal) bool {
	return p.IsPositive() && p.LessThan(decimal.NewFromInt(1))
}
