package strategy

import (
	"github.com/shopspring/decimal"

	"polymarket-lab/internal/config"
	"polymarket-lab/pkg/types"
)

// Arbitrage finds markets whose YES and NO prices sum below 1: buying
// both sides locks in the gap regardless of resolution. The edge is the
// gap itself, edge_bps = (1 - (p_yes + p_no)) * 10000, and the minimum
// edge doubles as the margin floor under transaction noise.
//
// The detector is stateless and depends only on the market's own book,
// so its opportunities tolerate single-source pricing at the gate.
type Arbitrage struct {
	minEdgeBps int64
	sizeUSD    decimal.Decimal

	scanned  int
	lastBest int64
}

// NewArbitrage builds the detector from the strategy's thresholds.
func NewArbitrage(th config.StrategyThresholds) *Arbitrage {
	return &Arbitrage{
		minEdgeBps: th.MinEdgeBps,
		sizeUSD:    decimal.NewFromFloat(th.MaxTradeSizeUSD),
	}
}

func (a *Arbitrage) Name() string { return NameArbitrage }

// Detect scans every market for a two-sided underpricing.
func (a *Arbitrage) Detect(in Inputs) []types.Opportunity {
	var opps []types.Opportunity
	a.scanned = len(in.Markets)
	a.lastBest = 0

	for _, m := range in.Markets {
		yes, no, ok := binaryPrices(m)
		if !ok || !in.liquid(m) {
			continue
		}
		if in.holds(a.Name(), m.ID, types.SidePair) {
			continue
		}

		sum := yes.Add(no)
		edgeBps := decimal.NewFromInt(1).Sub(sum).Mul(decimal.NewFromInt(10000)).IntPart()
		if edgeBps < a.minEdgeBps {
			continue
		}
		if edgeBps > a.lastBest {
			a.lastBest = edgeBps
		}

		opps = append(opps, types.Opportunity{
			Strategy: a.Name(),
			MarketID: m.ID,
			Side:     types.SidePair,
			EdgeBps:  edgeBps,
			SizeUSD:  a.sizeUSD,
			Rationale: types.Rationale{
				Kind:    NameArbitrage,
				Summary: "YES+NO priced below 1",
				Numbers: map[string]float64{
					"price_sum": sum.InexactFloat64(),
					"yes":       yes.InexactFloat64(),
					"no":        no.InexactFloat64(),
				},
			},
			CreatedAt:      in.Now,
			ExpiresAt:      in.expiry(),
			SingleSourceOK: true,
		})
	}

	sortByEdge(opps)
	return opps
}

func (a *Arbitrage) OnFill(types.Trade)  {}
func (a *Arbitrage) OnClose(types.Trade) {}

func (a *Arbitrage) Diagnostics() map[string]float64 {
	return map[string]float64{
		"markets_scanned":    float64(a.scanned),
		"last_best_edge_bps": float64(a.lastBest),
	}
}
