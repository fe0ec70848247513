package strategy

import (
	"math"

	"github.com/shopspring/decimal"

	"polymarket-lab/internal/config"
	"polymarket-lab/pkg/types"
)

// MeanReversion fades short-lived dislocations: when a market's YES price
// sits more than z_threshold sample deviations from its rolling mean, it
// bets on the pullback. Stretched above the mean buys NO, stretched below
// buys YES.
//
// Binary markets have no visible order book here, so the vig, the amount
// by which YES+NO exceeds 1, stands in for the spread. A market with a
// fat vig eats the reversion before it pays out and is skipped.
type MeanReversion struct {
	cfg     config.MeanReversionConfig
	th      config.StrategyThresholds
	sizeUSD decimal.Decimal

	lastZ map[string]float64
}

// NewMeanReversion builds the detector from its tuning and thresholds.
func NewMeanReversion(cfg config.MeanReversionConfig, th config.StrategyThresholds) *MeanReversion {
	return &MeanReversion{
		cfg:     cfg,
		th:      th,
		sizeUSD: decimal.NewFromFloat(th.MaxTradeSizeUSD),
		lastZ:   make(map[string]float64),
	}
}

func (mr *MeanReversion) Name() string { return NameMeanReversion }

// Detect computes a z-score per market over the rolling window and emits
// against the stretch when it clears the threshold.
func (mr *MeanReversion) Detect(in Inputs) []types.Opportunity {
	var opps []types.Opportunity

	mr.lastZ = make(map[string]float64, len(in.Markets))
	for _, m := range in.Markets {
		if !in.liquid(m) {
			continue
		}
		yes, no, ok := binaryPrices(m)
		if !ok {
			continue
		}

		prices := in.History.Prices(m.ID)
		if len(prices) < mr.cfg.Window {
			continue
		}
		win := prices[len(prices)-mr.cfg.Window:]
		mu, sd := mean(win), stddev(win)
		if sd == 0 {
			continue
		}

		last := win[len(win)-1]
		z := (last - mu) / sd
		mr.lastZ[m.ID] = z
		if math.Abs(z) < mr.cfg.ZThreshold {
			continue
		}

		vigBps := no.Add(yes).Sub(decimal.NewFromInt(1)).Mul(decimal.NewFromInt(10000)).InexactFloat64()
		if vigBps < 0 {
			vigBps = 0
		}
		if vigBps > mr.cfg.MaxSpreadBps {
			continue
		}

		side := types.SideYes
		if z > 0 {
			side = types.SideNo
		}
		if in.holds(mr.Name(), m.ID, side) {
			continue
		}

		// Modeled edge: the full pullback to the rolling mean.
		edgeBps := int64(math.Abs(last-mu) / last * 10000)
		if edgeBps < mr.th.MinEdgeBps {
			continue
		}

		opps = append(opps, types.Opportunity{
			Strategy: mr.Name(),
			MarketID: m.ID,
			Side:     side,
			EdgeBps:  edgeBps,
			SizeUSD:  mr.sizeUSD,
			Rationale: types.Rationale{
				Kind:    NameMeanReversion,
				Summary: "price stretched from rolling mean",
				Numbers: map[string]float64{
					"z":          z,
					"mean":       mu,
					"stddev":     sd,
					"spread_bps": vigBps,
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

func (mr *MeanReversion) OnFill(types.Trade)  {}
func (mr *MeanReversion) OnClose(types.Trade) {}

func (mr *MeanReversion) Diagnostics() map[string]float64 {
	var extreme float64
	for _, z := range mr.lastZ {
		if math.Abs(z) > math.Abs(extreme) {
			extreme = z
		}
	}
	return map[string]float64{
		"markets_scored": float64(len(mr.lastZ)),
		"max_abs_z":      extreme,
	}
}
