package strategy

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"polymarket-lab/internal/config"
	"polymarket-lab/pkg/types"
)

// RealityArb trades crypto-linked markets against the spot tape. It
// parses threshold questions such as "Will BTC be above $100,000 by
// March 31?" into {symbol, threshold, direction}, then compares the
// market-implied probability with the consensus spot price. When spot is
// already past the threshold by at least min_profit_pct and the market
// still prices the correct outcome below even money, the market is
// contradicting observable reality and the detector buys the cheap side.
//
// Opportunities are pinned to the consensus symbol via the rationale so
// the gate can re-check that symbol's freshness and source agreement at
// execution time.
type RealityArb struct {
	cfg     config.RealityArbConfig
	sizeUSD decimal.Decimal
	minEdge int64

	parsed        int
	contradicting int
}

// questionRe matches "Will <asset> [be|close|...] above/below $<number>[k|m]".
var questionRe = regexp.MustCompile(
	`(?i)\bwill\s+([a-z0-9]+)\s+(?:be|close|trade|stay|remain|end|settle|finish|hit)?\s*(above|below|over|under)\s+\$?([0-9][0-9,]*(?:\.[0-9]+)?)\s*([km])?\b`)

// assetSymbols normalizes question wording to consensus symbols. Words
// outside the table are accepted only when they already look like a
// ticker (2-6 capital letters in the original question).
var assetSymbols = map[string]string{
	"btc": "BTC", "bitcoin": "BTC", "xbt": "BTC",
	"eth": "ETH", "ethereum": "ETH", "ether": "ETH",
	"sol": "SOL", "solana": "SOL",
	"doge": "DOGE", "dogecoin": "DOGE",
	"xrp": "XRP", "ripple": "XRP",
	"ada": "ADA", "cardano": "ADA",
	"link": "LINK", "chainlink": "LINK",
	"avax": "AVAX", "avalanche": "AVAX",
}

// NewRealityArb builds the detector from its tuning and thresholds.
func NewRealityArb(cfg config.RealityArbConfig, th config.StrategyThresholds) *RealityArb {
	return &RealityArb{
		cfg:     cfg,
		sizeUSD: decimal.NewFromFloat(th.MaxTradeSizeUSD),
		minEdge: th.MinEdgeBps,
	}
}

func (ra *RealityArb) Name() string { return NameRealityArb }

// parseQuestion extracts the threshold claim from a market question.
func parseQuestion(q string) (symbol string, threshold float64, wantsAbove, ok bool) {
	m := questionRe.FindStringSubmatch(q)
	if m == nil {
		return "", 0, false, false
	}

	asset := m[1]
	symbol, known := assetSymbols[strings.ToLower(asset)]
	if !known {
		if len(asset) < 2 || len(asset) > 6 || asset != strings.ToUpper(asset) {
			return "", 0, false, false
		}
		symbol = asset
	}

	v, err := strconv.ParseFloat(strings.ReplaceAll(m[3], ",", ""), 64)
	if err != nil || v <= 0 {
		return "", 0, false, false
	}
	switch strings.ToLower(m[4]) {
	case "k":
		v *= 1e3
	case "m":
		v *= 1e6
	}

	dir := strings.ToLower(m[2])
	return symbol, v, dir == "above" || dir == "over", true
}

// Detect compares each parseable market against consensus spot.
func (ra *RealityArb) Detect(in Inputs) []types.Opportunity {
	var opps []types.Opportunity
	ra.parsed = 0
	ra.contradicting = 0

	for _, m := range in.Markets {
		if !in.liquid(m) {
			continue
		}
		yes, no, ok := binaryPrices(m)
		if !ok {
			continue
		}
		sym, threshold, wantsAbove, ok := parseQuestion(m.Question)
		if !ok {
			continue
		}
		ra.parsed++

		c, ok := in.Consensus[sym]
		if !ok || c.Stale || c.Confidence < ra.cfg.MinConfidence {
			continue
		}
		spot := c.Median.InexactFloat64()
		if spot <= 0 {
			continue
		}
		distPct := (spot - threshold) / threshold * 100

		// Reality must clear the threshold by the profit margin in one
		// direction; anything closer to the line is not a call.
		var spotSaysYes bool
		switch {
		case wantsAbove && distPct >= ra.cfg.MinProfitPct:
			spotSaysYes = true
		case wantsAbove && distPct <= -ra.cfg.MinProfitPct:
			spotSaysYes = false
		case !wantsAbove && distPct <= -ra.cfg.MinProfitPct:
			spotSaysYes = true
		case !wantsAbove && distPct >= ra.cfg.MinProfitPct:
			spotSaysYes = false
		default:
			continue
		}

		side, price := types.SideNo, no
		if spotSaysYes {
			side, price = types.SideYes, yes
		}
		implied := price.InexactFloat64()
		if implied >= 0.5 {
			// Market already leans the same way as spot.
			continue
		}
		ra.contradicting++

		// Modeled edge: payout margin per unit if reality holds.
		edgeBps := int64((1 - implied) * 10000)
		if edgeBps < ra.minEdge {
			continue
		}
		if in.holds(ra.Name(), m.ID, side) {
			continue
		}

		opps = append(opps, types.Opportunity{
			Strategy: ra.Name(),
			MarketID: m.ID,
			Side:     side,
			EdgeBps:  edgeBps,
			SizeUSD:  ra.sizeUSD,
			Rationale: types.Rationale{
				Kind:    NameRealityArb,
				Summary: "market-implied probability contradicts spot",
				Symbol:  sym,
				Numbers: map[string]float64{
					"spot":         spot,
					"threshold":    threshold,
					"distance_pct": distPct,
					"implied":      implied,
					"confidence":   c.Confidence,
				},
			},
			CreatedAt: in.Now,
			ExpiresAt: in.expiry(),
		})
	}

	sortByEdge(opps)
	return opps
}

func (ra *RealityArb) OnFill(types.Trade)  {}
func (ra *RealityArb) OnClose(types.Trade) {}

func (ra *RealityArb) Diagnostics() map[string]float64 {
	return map[string]float64{
		"questions_parsed": float64(ra.parsed),
		"contradictions":   float64(ra.contradicting),
	}
}
