package gate

import (
	"time"

	"polymarket-lab/internal/config"
)

// Validator applies the data-quality checks of the gate: market and
// consensus freshness, cross-source agreement, liquidity, and distance
// to market close.
type Validator struct {
	freshness      time.Duration
	discrepancyPct float64
	minLiquidity   float64
	minTimeToClose time.Duration
}

// NewValidator builds a validator from the gate thresholds.
func NewValidator(cfg config.GateConfig) *Validator {
	return &Validator{
		freshness:      time.Duration(cfg.FreshnessMs) * time.Millisecond,
		discrepancyPct: cfg.PriceDiscrepancyPct,
		minLiquidity:   cfg.MinLiquidityUSD,
		minTimeToClose: cfg.MinTimeToClose,
	}
}

// Validate checks one request at the given instant. It returns false and
// the denial reason on the first failing check.
func (v *Validator) Validate(req Request, now time.Time) (bool, string) {
	m := req.Market
	if m == nil {
		return false, ReasonStaleMarket
	}
	// An ended market stops refreshing, so its record ages past the
	// freshness window while positions on it are still open. Exits must
	// clear anyway or those positions could never unwind.
	if !req.Exit && now.Sub(m.FetchedAt) > v.freshness {
		return false, ReasonStaleMarket
	}

	for _, c := range req.Consensus {
		if c.Stale || now.Sub(c.ComputedAt) > v.freshness {
			return false, ReasonStaleConsensus
		}
		if !req.Opportunity.SingleSourceOK && c.SpreadPct > v.discrepancyPct {
			return false, ReasonDiscrepancy
		}
	}

	if req.Exit {
		return true, ""
	}

	if m.LiquidityUSD.InexactFloat64() < v.minLiquidity {
		return false, ReasonLowLiquidity
	}
	if m.EndTime.Sub(now) < v.minTimeToClose {
		return false, ReasonTooCloseToExpiry
	}

	return true, ""
}
