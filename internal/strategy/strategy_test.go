package strategy

import (
	"io"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"polymarket-lab/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// binaryMarket builds a liquid YES/NO market priced at the given legs.
func binaryMarket(id, yes, no string) types.Market {
	now := time.Now().UTC()
	return types.Market{
		ID:       id,
		Question: "Will it settle YES?",
		Outcomes: []string{"YES", "NO"},
		Prices: map[string]decimal.Decimal{
			"YES": dec(yes),
			"NO":  dec(no),
		},
		LiquidityUSD: decimal.NewFromInt(10000),
		Volume24hUSD: decimal.NewFromInt(5000),
		EndTime:      now.Add(24 * time.Hour),
		Category:     "crypto",
		Source:       "polymarket",
		FetchedAt:    now,
	}
}

// testInputs wraps markets in a one-cycle input set with fresh history.
func testInputs(markets ...types.Market) Inputs {
	return Inputs{
		Markets:   markets,
		Consensus: map[string]types.ConsensusPrice{},
		History:   NewHistory(50),
		Now:       time.Now().UTC(),
		TTL:       time.Minute,
	}
}

// observeSeries replays per-market price series into the history, one
// joint observation per cycle, the way the manager feeds it. Series must
// be equal length; volumes default to the market's Volume24hUSD.
func observeSeries(h *History, markets []types.Market, series map[string][]float64) {
	n := 0
	for _, s := range series {
		if len(s) > n {
			n = len(s)
		}
	}
	base := time.Now().UTC().Add(-time.Duration(n) * time.Minute)

	for i := 0; i < n; i++ {
		cycle := make([]types.Market, 0, len(markets))
		for _, m := range markets {
			s := series[m.ID]
			if i >= len(s) {
				continue
			}
			clone := m
			clone.Prices = map[string]decimal.Decimal{
				"YES": decimal.NewFromFloat(s[i]),
				"NO":  decimal.NewFromFloat(1.02 - s[i]),
			}
			cycle = append(cycle, clone)
		}
		h.Observe(cycle, base.Add(time.Duration(i)*time.Minute))
	}
}

// flatSeries returns n copies of v.
func flatSeries(v float64, n int) []float64 {
	s := make([]float64, n)
	for i := range s {
		s[i] = v
	}
	return s
}
