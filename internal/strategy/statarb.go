package strategy

import (
	"math"
	"sort"

	"github.com/shopspring/decimal"

	"polymarket-lab/internal/config"
	"polymarket-lab/pkg/types"
)

// StatArb trades divergences between historically correlated markets in
// the same category. For each candidate pair it tracks the price spread
// over a rolling window; when the spread's z-score breaks the threshold
// while correlation stays above rho_min, the rich market is sold (NO) and
// the cheap one bought (YES), betting the spread closes.
//
// Both legs are emitted as separate opportunities so the engine books and
// exits them independently.
type StatArb struct {
	cfg     config.StatArbConfig
	th      config.StrategyThresholds
	sizeUSD decimal.Decimal

	pairsEvaluated  int
	pairsCorrelated int
	maxAbsZ         float64
}

// NewStatArb builds the detector from its tuning and thresholds.
func NewStatArb(cfg config.StatArbConfig, th config.StrategyThresholds) *StatArb {
	return &StatArb{
		cfg:     cfg,
		th:      th,
		sizeUSD: decimal.NewFromFloat(th.MaxTradeSizeUSD),
	}
}

func (sa *StatArb) Name() string { return NameStatArb }

// Detect enumerates same-category pairs with a full window of history.
func (sa *StatArb) Detect(in Inputs) []types.Opportunity {
	sa.pairsEvaluated = 0
	sa.pairsCorrelated = 0
	sa.maxAbsZ = 0

	byCategory := make(map[string][]types.Market)
	for _, m := range in.Markets {
		if !in.liquid(m) {
			continue
		}
		if in.History.Len(m.ID) < sa.cfg.Window {
			continue
		}
		byCategory[m.Category] = append(byCategory[m.Category], m)
	}

	var opps []types.Opportunity
	for _, group := range byCategory {
		sort.Slice(group, func(i, j int) bool { return group[i].ID < group[j].ID })
		for i := 0; i < len(group); i++ {
			for j := i + 1; j < len(group); j++ {
				opps = append(opps, sa.evaluatePair(in, group[i], group[j])...)
			}
		}
	}

	sortByEdge(opps)
	return opps
}

// evaluatePair scores one (a, b) pair and returns zero or two legs.
func (sa *StatArb) evaluatePair(in Inputs, a, b types.Market) []types.Opportunity {
	sa.pairsEvaluated++

	pa := tail(in.History.Prices(a.ID), sa.cfg.Window)
	pb := tail(in.History.Prices(b.ID), sa.cfg.Window)

	rho := correlation(pa, pb)
	if rho < sa.cfg.RhoMin {
		return nil
	}
	sa.pairsCorrelated++

	spread := make([]float64, len(pa))
	for i := range pa {
		spread[i] = pa[i] - pb[i]
	}
	mu, sd := mean(spread), stddev(spread)
	if sd == 0 {
		return nil
	}
	last := spread[len(spread)-1]
	z := (last - mu) / sd
	if math.Abs(z) > math.Abs(sa.maxAbsZ) {
		sa.maxAbsZ = z
	}
	if math.Abs(z) < sa.cfg.ZThreshold {
		return nil
	}

	// Modeled edge: the spread's excursion from its mean, in probability
	// points, captured if the pair converges.
	edgeBps := int64(math.Abs(last-mu) * 10000)
	if edgeBps < sa.th.MinEdgeBps {
		return nil
	}

	// Positive z: a is rich relative to b. Sell the rich leg, buy the
	// cheap one.
	richLeg, cheapLeg := a, b
	if z < 0 {
		richLeg, cheapLeg = b, a
	}

	numbers := map[string]float64{
		"rho":         rho,
		"z":           z,
		"spread":      last,
		"spread_mean": mu,
	}

	var legs []types.Opportunity
	if !in.holds(sa.Name(), richLeg.ID, types.SideNo) {
		legs = append(legs, sa.leg(in, richLeg, cheapLeg, types.SideNo, edgeBps, numbers))
	}
	if !in.holds(sa.Name(), cheapLeg.ID, types.SideYes) {
		legs = append(legs, sa.leg(in, cheapLeg, richLeg, types.SideYes, edgeBps, numbers))
	}
	return legs
}

func (sa *StatArb) leg(in Inputs, m, peer types.Market, side types.Side, edgeBps int64, numbers map[string]float64) types.Opportunity {
	return types.Opportunity{
		Strategy: sa.Name(),
		MarketID: m.ID,
		Side:     side,
		EdgeBps:  edgeBps,
		SizeUSD:  sa.sizeUSD,
		Rationale: types.Rationale{
			Kind:    NameStatArb,
			Summary: "spread divergence vs " + peer.ID,
			Numbers: numbers,
		},
		CreatedAt:      in.Now,
		ExpiresAt:      in.expiry(),
		SingleSourceOK: true,
	}
}

// tail returns the last n elements of xs.
func tail(xs []float64, n int) []float64 {
	if len(xs) <= n {
		return xs
	}
	return xs[len(xs)-n:]
}

func (sa *StatArb) OnFill(types.Trade)  {}
func (sa *StatArb) OnClose(types.Trade) {}

func (sa *StatArb) Diagnostics() map[string]float64 {
	return map[string]float64{
		"pairs_evaluated":  float64(sa.pairsEvaluated),
		"pairs_correlated": float64(sa.pairsCorrelated),
		"max_abs_z":        sa.maxAbsZ,
	}
}
