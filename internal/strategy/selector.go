package strategy

import (
	"log/slog"
	"sort"
	"time"

	"polymarket-lab/pkg/types"
)

// Composite score weights and qualifier floors for the weekly review.
// Return and drawdown enter the score as fractions, sharpe and win rate
// as-is, so a sharpe of 1.5 carries roughly the weight of a 100% year.
const (
	scoreWeightReturn   = 0.4
	scoreWeightSharpe   = 0.3
	scoreWeightWinRate  = 0.2
	scoreWeightDrawdown = 0.1

	qualMinSharpe   = 1.5
	qualMinWinRate  = 0.55
	qualMaxDrawdown = 0.15
	qualMinTrades   = 20
)

// rankWeights is the capital split proposed across the ranked top three.
var rankWeights = []float64{0.70, 0.20, 0.10}

// Proposal is the selector's weekly output: every strategy scored, the
// ranking, which strategies met the qualifier bar, and the proposed
// allocation. The proposal is advisory; the driver applies it only when
// auto_reallocation is on.
type Proposal struct {
	GeneratedAt time.Time          `json:"generated_at"`
	Scores      map[string]float64 `json:"scores"`
	Ranked      []string           `json:"ranked"`
	Qualified   []string           `json:"qualified"`
	Allocation  map[string]float64 `json:"allocation"`
}

// Selector runs the weekly strategy review. It is stateless between
// calls; the last-run timestamp lives in the snapshot so the weekly
// cadence survives restarts.
type Selector struct {
	logger *slog.Logger
}

// NewSelector creates the weekly selector.
func NewSelector(logger *slog.Logger) *Selector {
	return &Selector{logger: logger.With("component", "selector")}
}

// Due reports whether a review should run now: never run before, or
// lastRun falls in an earlier ISO week.
func (s *Selector) Due(lastRun, now time.Time) bool {
	if lastRun.IsZero() {
		return true
	}
	ly, lw := lastRun.UTC().ISOWeek()
	ny, nw := now.UTC().ISOWeek()
	return ly != ny || lw != nw
}

// Evaluate scores the given strategies and builds the allocation
// proposal. Returns nil when no strategy clears the qualifier bar; a
// week without a defensible winner proposes nothing.
func (s *Selector) Evaluate(stats map[string]types.PortfolioMetrics, now time.Time) *Proposal {
	if len(stats) == 0 {
		return nil
	}

	scores := make(map[string]float64, len(stats))
	var qualified []string
	for name, m := range stats {
		scores[name] = compositeScore(m)
		if qualifies(m) {
			qualified = append(qualified, name)
		}
	}
	if len(qualified) == 0 {
		s.logger.Info("weekly review: no strategy qualifies, no proposal")
		return nil
	}
	sort.Strings(qualified)

	ranked := make([]string, 0, len(scores))
	for name := range scores {
		ranked = append(ranked, name)
	}
	sort.Slice(ranked, func(i, j int) bool {
		if scores[ranked[i]] != scores[ranked[j]] {
			return scores[ranked[i]] > scores[ranked[j]]
		}
		return ranked[i] < ranked[j]
	})

	alloc := make(map[string]float64)
	for i, name := range ranked {
		if i >= len(rankWeights) {
			break
		}
		alloc[name] = rankWeights[i]
	}

	p := &Proposal{
		GeneratedAt: now.UTC(),
		Scores:      scores,
		Ranked:      ranked,
		Qualified:   qualified,
		Allocation:  alloc,
	}
	s.logger.Info("weekly review complete",
		"ranked", ranked,
		"qualified", qualified,
		"allocation", alloc,
	)
	return p
}

// compositeScore is 0.4·return + 0.3·sharpe + 0.2·win_rate − 0.1·drawdown
// with return and drawdown as fractions.
func compositeScore(m types.PortfolioMetrics) float64 {
	return scoreWeightReturn*(m.TotalReturnPct/100) +
		scoreWeightSharpe*m.Sharpe +
		scoreWeightWinRate*m.WinRate -
		scoreWeightDrawdown*(m.MaxDrawdownPct/100)
}

// qualifies applies the qualifier bar: positive return, sharpe and win
// rate above their floors, drawdown under the cap, and a sample of at
// least qualMinTrades trades.
func qualifies(m types.PortfolioMetrics) bool {
	return m.TotalReturnPct > 0 &&
		m.Sharpe > qualMinSharpe &&
		m.WinRate > qualMinWinRate &&
		m.MaxDrawdownPct/100 < qualMaxDrawdown &&
		m.TotalTrades >= qualMinTrades
}
