package market

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"polymarket-lab/internal/config"
	"polymarket-lab/internal/source"
	"polymarket-lab/pkg/types"
)

// Scanner periodically queries the market lister and decides which markets
// the bot tracks. Candidates are filtered on liquidity, volume, category,
// keywords, and time to close, then ranked by a composite score:
//
//	score = (0.01 + |1 − priceSum|) × √(volume24h) × min(liquidity/10000, 1)
//
// Mispriced, high-volume, reasonably liquid markets score highest. The
// survivors are reconciled into the cache and published as a ScanResult.

const defaultPollInterval = 5 * time.Minute

// ScanResult contains the tracked markets after one refresh, ranked by
// opportunity quality.
type ScanResult struct {
	Markets   []types.Market
	Evicted   []string
	ScannedAt time.Time
}

// Scanner drives market discovery and cache refresh.
type Scanner struct {
	lister   source.MarketLister
	cache    *Cache
	cfg      config.MarketsConfig
	logger   *slog.Logger
	resultCh chan ScanResult
}

// NewScanner creates a market scanner feeding the given cache.
func NewScanner(cfg config.MarketsConfig, lister source.MarketLister, cache *Cache, logger *slog.Logger) *Scanner {
	return &Scanner{
		lister:   lister,
		cache:    cache,
		cfg:      cfg,
		logger:   logger.With("component", "scanner"),
		resultCh: make(chan ScanResult, 1),
	}
}

// Results returns the channel the engine reads refresh results from.
func (s *Scanner) Results() <-chan ScanResult {
	return s.resultCh
}

// Run starts the polling loop. Blocks until ctx is cancelled.
func (s *Scanner) Run(ctx context.Context) {
	// Do an immediate scan on startup
	if err := s.Scan(ctx); err != nil {
		s.logger.Error("initial scan failed", "error", err)
	}

	interval := s.cfg.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Scan(ctx); err != nil {
				s.logger.Error("scan failed", "error", err)
			}
		}
	}
}

// Scan performs one discovery pass: fetch, filter, rank, reconcile the
// cache, and publish the result. Exported so the engine can force a pass
// on a cold start.
func (s *Scanner) Scan(ctx context.Context) error {
	fetched, err := s.lister.ListMarkets(ctx, source.ListQuery{
		ActiveOnly:      true,
		MinVolume24hUSD: s.cfg.MinVolume24hUSD,
	})
	if err != nil {
		return fmt.Errorf("list markets: %w", err)
	}

	filtered := s.filterMarkets(fetched)
	ranked := s.rankMarkets(filtered)

	if s.cfg.MaxTracked > 0 && len(ranked) > s.cfg.MaxTracked {
		ranked = ranked[:s.cfg.MaxTracked]
	}

	evicted := s.cache.Reconcile(ranked)
	evicted = append(evicted, s.cache.Sweep(time.Now())...)

	result := ScanResult{
		Markets:   ranked,
		Evicted:   evicted,
		ScannedAt: time.Now(),
	}

	s.logger.Info("scan complete",
		"total", len(fetched),
		"filtered", len(filtered),
		"tracked", len(ranked),
		"evicted", len(evicted),
	)

	// Publish without ever blocking: drop the stale result, then retry
	// once. If a concurrent scan refills the slot between the drain and
	// the retry, the channel already holds a newer result and this one
	// is discarded.
	select {
	case s.resultCh <- result:
	default:
		select {
		case <-s.resultCh:
		default:
		}
		select {
		case s.resultCh <- result:
		default:
		}
	}
	return nil
}

// filterMarkets applies the hard filters: insufficient liquidity or
// volume, category not allowed, keyword include/exclude misses, two-sided
// outcome shape, and end date already passed or too far out.
func (s *Scanner) filterMarkets(markets []types.Market) []types.Market {
	categories := make(map[string]bool)
	for _, c := range s.cfg.Categories {
		c = strings.ToLower(strings.TrimSpace(c))
		if c != "" {
			categories[c] = true
		}
	}

	keywords := make([]string, 0, len(s.cfg.Keywords))
	for _, kw := range s.cfg.Keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" {
			keywords = append(keywords, kw)
		}
	}

	excludeKeywords := make([]string, 0, len(s.cfg.ExcludeKeywords))
	for _, kw := range s.cfg.ExcludeKeywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" {
			excludeKeywords = append(excludeKeywords, kw)
		}
	}

	now := time.Now()
	var maxEnd time.Time
	if s.cfg.MaxEndDateDays > 0 {
		maxEnd = now.AddDate(0, 0, s.cfg.MaxEndDateDays)
	}

	var result []types.Market
	for _, m := range markets {
		if len(m.Outcomes) < 2 {
			continue
		}

		questionLower := strings.ToLower(m.Question)

		if len(categories) > 0 && !categories[strings.ToLower(m.Category)] {
			continue
		}

		if len(keywords) > 0 {
			matched := false
			for _, kw := range keywords {
				if strings.Contains(questionLower, kw) {
					matched = true
					break
				}
			}
			if !matched {
				continue
			}
		}

		excludedByKeyword := false
		for _, kw := range excludeKeywords {
			if strings.Contains(questionLower, kw) {
				excludedByKeyword = true
				break
			}
		}
		if excludedByKeyword {
			continue
		}

		if m.LiquidityUSD.InexactFloat64() < s.cfg.MinLiquidityUSD {
			continue
		}
		if m.Volume24hUSD.InexactFloat64() < s.cfg.MinVolume24hUSD {
			continue
		}

		if !m.EndTime.IsZero() {
			if m.EndTime.Before(now) {
				continue
			}
			if !maxEnd.IsZero() && m.EndTime.After(maxEnd) {
				continue
			}
		}

		result = append(result, m)
	}

	return result
}

// rankMarkets scores and sorts markets by opportunity quality. The price
// inefficiency term gets a small floor so volume and liquidity still rank
// perfectly priced markets.
func (s *Scanner) rankMarkets(markets []types.Market) []types.Market {
	type scored struct {
		market types.Market
		score  float64
	}

	scoredMarkets := make([]scored, 0, len(markets))
	for _, m := range markets {
		scoredMarkets = append(scoredMarkets, scored{market: m, score: rankScore(m)})
	}

	sort.SliceStable(scoredMarkets, func(i, j int) bool {
		return scoredMarkets[i].score > scoredMarkets[j].score
	})

	result := make([]types.Market, len(scoredMarkets))
	for i, sm := range scoredMarkets {
		result[i] = sm.market
	}
	return result
}

func rankScore(m types.Market) float64 {
	inefficiency := math.Abs(1 - m.PriceSum().InexactFloat64())
	liquidityFactor := math.Min(m.LiquidityUSD.InexactFloat64()/10000.0, 1.0)
	return (0.01 + inefficiency) * math.Sqrt(m.Volume24hUSD.InexactFloat64()) * liquidityFactor
}
