// aggregator.go reduces per-source quotes to one consensus price.
//
// Algorithm per symbol:
//
//  1. Take the streamed quote if fresh, then poll every REST pricer.
//  2. Drop quotes older than the staleness threshold.
//  3. With two or more quotes, reject any quote deviating from the median
//     by more than the outlier threshold, then recompute the median over
//     the survivors.
//  4. confidence = 0.5 + 0.5 * (survivors / total configured sources),
//     reduced by 0.1 per order of magnitude the survivor spread exceeds
//     0.5% of the median.
package price

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"polymarket-lab/internal/config"
	"polymarket-lab/internal/source"
	"polymarket-lab/pkg/types"
)

// spreadBasePct is the survivor spread, as a percent of the median, above
// which confidence starts to decay.
const spreadBasePct = 0.5

// Aggregator computes consensus prices from the configured sources.
// Pricer order is priority order; the stream cache, when set, contributes
// one additional source.
type Aggregator struct {
	pricers   []source.Pricer
	stream    *Cache
	staleness time.Duration
	outlier   float64

	lastMu sync.RWMutex
	last   map[string]types.ConsensusPrice

	logger *slog.Logger
}

// New builds the aggregator. stream may be nil when no streaming feed is
// configured.
func New(cfg config.SourcesConfig, pricers []source.Pricer, stream *Cache, logger *slog.Logger) *Aggregator {
	outlier := cfg.OutlierThreshold
	if outlier <= 0 {
		outlier = 0.05
	}
	return &Aggregator{
		pricers:   pricers,
		stream:    stream,
		staleness: cfg.Staleness(),
		outlier:   outlier,
		last:      make(map[string]types.ConsensusPrice),
		logger:    logger.With("component", "aggregator"),
	}
}

// totalConfigured is the denominator of the confidence formula.
func (a *Aggregator) totalConfigured() int {
	n := len(a.pricers)
	if a.stream != nil {
		n++
	}
	return n
}

// BestPrice collects quotes for the symbol and reduces them to a
// consensus. ok is false when no quote survives collection and filtering;
// callers may then fall back to LastConsensus.
func (a *Aggregator) BestPrice(ctx context.Context, symbol string) (types.ConsensusPrice, bool) {
	now := time.Now().UTC()
	var quotes []types.PriceQuote

	if a.stream != nil {
		if q, ok := a.stream.Fresh(symbol, a.staleness); ok {
			quotes = append(quotes, q)
		}
	}

	for _, p := range a.pricers {
		q, err := p.Price(ctx, symbol)
		if err != nil {
			a.logger.Warn("source quote failed",
				"source", p.Name(), "symbol", symbol, "error", err)
			continue
		}
		if q.Age(now) > a.staleness {
			a.logger.Debug("dropping stale quote",
				"source", p.Name(), "symbol", symbol, "age", q.Age(now))
			continue
		}
		quotes = append(quotes, q)
	}

	consensus, ok := a.consensus(symbol, quotes, now)
	if !ok {
		return types.ConsensusPrice{}, false
	}

	a.lastMu.Lock()
	a.last[symbol] = consensus
	a.lastMu.Unlock()
	return consensus, true
}

// LastConsensus returns the most recent consensus for the symbol, with
// Stale set when it is older than the staleness threshold. This is the
// degraded-mode read used when BestPrice comes up empty.
func (a *Aggregator) LastConsensus(symbol string) (types.ConsensusPrice, bool) {
	a.lastMu.RLock()
	c, ok := a.last[symbol]
	a.lastMu.RUnlock()
	if !ok {
		return types.ConsensusPrice{}, false
	}
	if time.Since(c.ComputedAt) > a.staleness {
		c.Stale = true
	}
	return c, true
}

// consensus reduces collected quotes to the final price. Pure except for
// logging; exercised directly by tests.
func (a *Aggregator) consensus(symbol string, quotes []types.PriceQuote, now time.Time) (types.ConsensusPrice, bool) {
	if len(quotes) == 0 {
		return types.ConsensusPrice{}, false
	}

	survivors := quotes
	if len(quotes) >= 2 {
		m := median(prices(quotes))
		kept := make([]types.PriceQuote, 0, len(quotes))
		for _, q := range quotes {
			dev := q.Price.Sub(m).Abs().Div(m)
			if dev.InexactFloat64() > a.outlier {
				a.logger.Warn("rejecting outlier quote",
					"source", q.Source, "symbol", symbol,
					"price", q.Price, "median", m)
				continue
			}
			kept = append(kept, q)
		}
		if len(kept) == 0 {
			// Mutually inconsistent quotes: no side is trustworthy.
			return types.ConsensusPrice{}, false
		}
		survivors = kept
	}

	finalPrices := prices(survivors)
	final := median(finalPrices)
	spread := spreadPct(finalPrices, final)

	confidence := 0.5 + 0.5*float64(len(survivors))/float64(a.totalConfigured())
	confidence -= spreadPenalty(spread)
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}

	sources := make([]string, 0, len(survivors))
	newest := time.Time{}
	for _, q := range survivors {
		sources = append(sources, q.Source)
		if q.Timestamp.After(newest) {
			newest = q.Timestamp
		}
	}

	return types.ConsensusPrice{
		Symbol:     symbol,
		Median:     final,
		Sources:    sources,
		Confidence: confidence,
		SpreadPct:  spread,
		Stale:      now.Sub(newest) > a.staleness,
		ComputedAt: now,
	}, true
}

// spreadPct is the survivor high-low range as a percentage of the median.
func spreadPct(ps []decimal.Decimal, m decimal.Decimal) float64 {
	if len(ps) < 2 || m.IsZero() {
		return 0
	}
	lo, hi := ps[0], ps[0]
	for _, p := range ps[1:] {
		if p.LessThan(lo) {
			lo = p
		}
		if p.GreaterThan(hi) {
			hi = p
		}
	}
	return hi.Sub(lo).Div(m).InexactFloat64() * 100
}

// spreadPenalty is 0.1 per order of magnitude the survivor spread exceeds
// spreadBasePct of the median.
func spreadPenalty(pct float64) float64 {
	if pct <= spreadBasePct {
		return 0
	}
	return 0.1 * math.Log10(pct/spreadBasePct)
}

func prices(quotes []types.PriceQuote) []decimal.Decimal {
	ps := make([]decimal.Decimal, len(quotes))
	for i, q := range quotes {
		ps[i] = q.Price
	}
	return ps
}

// median returns the middle value, or the mean of the middle pair for an
// even count. The input slice is sorted in place.
func median(ps []decimal.Decimal) decimal.Decimal {
	sort.Slice(ps, func(i, j int) bool { return ps[i].LessThan(ps[j]) })
	n := len(ps)
	if n%2 == 1 {
		return ps[n/2]
	}
	return ps[n/2-1].Add(ps[n/2]).Div(decimal.NewFromInt(2))
}
