package strategy

import (
	"math"

	"github.com/shopspring/decimal"

	"polymarket-lab/internal/config"
	"polymarket-lab/pkg/types"
)

// Momentum trades EMA crossovers on a market's YES price series. A short
// EMA crossing above the long EMA with volume in the upper trailing
// percentile signals a sustained repricing toward YES; a cross below
// signals the opposite and buys NO.
//
// The detector remembers each market's previous EMA gap so a crossover
// fires exactly once, on the cycle where the sign flips.
type Momentum struct {
	cfg     config.MomentumConfig
	th      config.StrategyThresholds
	sizeUSD decimal.Decimal

	// prevGap holds last cycle's shortEMA - longEMA per market. A market
	// is only tradable after one full observation so the sign change is
	// real and not an artifact of a cold start.
	prevGap map[string]float64

	crossesUp   int
	crossesDown int
}

// NewMomentum builds the detector from its tuning and thresholds.
func NewMomentum(cfg config.MomentumConfig, th config.StrategyThresholds) *Momentum {
	return &Momentum{
		cfg:     cfg,
		th:      th,
		sizeUSD: decimal.NewFromFloat(th.MaxTradeSizeUSD),
		prevGap: make(map[string]float64),
	}
}

func (mo *Momentum) Name() string { return NameMomentum }

// Detect looks for sign flips in the EMA gap of every market with a full
// long window of history.
func (mo *Momentum) Detect(in Inputs) []types.Opportunity {
	var opps []types.Opportunity

	seen := make(map[string]bool, len(in.Markets))
	for _, m := range in.Markets {
		seen[m.ID] = true
		if !in.liquid(m) {
			continue
		}
		prices := in.History.Prices(m.ID)
		if len(prices) < mo.cfg.LongWindow {
			continue
		}

		shortE := ema(prices, mo.cfg.ShortWindow)
		longE := ema(prices, mo.cfg.LongWindow)
		gap := shortE - longE

		prev, seen := mo.prevGap[m.ID]
		mo.prevGap[m.ID] = gap
		if !seen {
			continue
		}

		var side types.Side
		switch {
		case prev <= 0 && gap > 0:
			side = types.SideYes
			mo.crossesUp++
		case prev >= 0 && gap < 0:
			side = types.SideNo
			mo.crossesDown++
		default:
			continue
		}

		volumes := in.History.Volumes(m.ID)
		volPctile := percentileRank(volumes, volumes[len(volumes)-1])
		if volPctile <= mo.cfg.VolumePercentile {
			continue
		}

		last := prices[len(prices)-1]
		if last <= 0 {
			continue
		}
		// Modeled edge: the EMA divergence as a fraction of price, i.e.
		// the move the crossover has already confirmed.
		edgeBps := int64(math.Abs(gap) / last * 10000)
		if edgeBps < mo.th.MinEdgeBps {
			continue
		}
		if in.holds(mo.Name(), m.ID, side) {
			continue
		}

		opps = append(opps, types.Opportunity{
			Strategy: mo.Name(),
			MarketID: m.ID,
			Side:     side,
			EdgeBps:  edgeBps,
			SizeUSD:  mo.sizeUSD,
			Rationale: types.Rationale{
				Kind:    NameMomentum,
				Summary: "EMA crossover with volume confirmation",
				Numbers: map[string]float64{
					"short_ema":   shortE,
					"long_ema":    longE,
					"volume_pctl": volPctile,
				},
			},
			CreatedAt:      in.Now,
			ExpiresAt:      in.expiry(),
			SingleSourceOK: true,
		})
	}

	// Forget markets that left the tracked universe.
	for id := range mo.prevGap {
		if !seen[id] {
			delete(mo.prevGap, id)
		}
	}

	sortByEdge(opps)
	return opps
}

func (mo *Momentum) OnFill(types.Trade)  {}
func (mo *Momentum) OnClose(types.Trade) {}

func (mo *Momentum) Diagnostics() map[string]float64 {
	return map[string]float64{
		"markets_tracked": float64(len(mo.prevGap)),
		"crosses_up":      float64(mo.crossesUp),
		"crosses_down":    float64(mo.crossesDown),
	}
}
