package market

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"polymarket-lab/internal/config"
	"polymarket-lab/internal/source"
	"polymarket-lab/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testMarketsConfig() config.MarketsConfig {
	return config.MarketsConfig{
		MinLiquidityUSD: 1000,
		MinVolume24hUSD: 500,
		ExcludeKeywords: []string{"parlay"},
		MaxEndDateDays:  90,
		MaxTracked:      3,
	}
}

func baseMarket(id string) types.Market {
	return types.Market{
		ID:       id,
		Question: "Will BTC close above $50k today?",
		Outcomes: []string{"YES", "NO"},
		Prices: map[string]decimal.Decimal{
			"YES": decimal.RequireFromString("0.48"),
			"NO":  decimal.RequireFromString("0.49"),
		},
		LiquidityUSD: decimal.NewFromInt(5000),
		Volume24hUSD: decimal.NewFromInt(1000),
		EndTime:      time.Now().Add(30 * 24 * time.Hour),
		Category:     "crypto",
		Source:       "prediction_markets",
		FetchedAt:    time.Now(),
	}
}

func newTestScanner() *Scanner {
	return &Scanner{
		cfg:    testMarketsConfig(),
		cache:  NewCache(),
		logger: testLogger(),
	}
}

func TestFilterMarketsPassesValid(t *testing.T) {
	t.Parallel()
	s := newTestScanner()

	result := s.filterMarkets([]types.Market{baseMarket("m1")})

	if len(result) != 1 {
		t.Fatalf("expected 1 market, got %d", len(result))
	}
}

func TestFilterMarketsRejectsLowLiquidity(t *testing.T) {
	t.Parallel()
	s := newTestScanner()

	m := baseMarket("m1")
	m.LiquidityUSD = decimal.NewFromInt(100) // below 1000 threshold
	result := s.filterMarkets([]types.Market{m})

	if len(result) != 0 {
		t.Errorf("expected 0 markets for low liquidity, got %d", len(result))
	}
}

func TestFilterMarketsRejectsLowVolume(t *testing.T) {
	t.Parallel()
	s := newTestScanner()

	m := baseMarket("m1")
	m.Volume24hUSD = decimal.NewFromInt(100) // below 500 threshold
	result := s.filterMarkets([]types.Market{m})

	if len(result) != 0 {
		t.Errorf("expected 0 markets for low volume, got %d", len(result))
	}
}

func TestFilterMarketsRejectsOneSidedMarket(t *testing.T) {
	t.Parallel()
	s := newTestScanner()

	m := baseMarket("m1")
	m.Outcomes = []string{"YES"}
	result := s.filterMarkets([]types.Market{m})

	if len(result) != 0 {
		t.Errorf("expected 0 markets without two outcomes, got %d", len(result))
	}
}

func TestFilterMarketsRejectsExcludedKeyword(t *testing.T) {
	t.Parallel()
	s := newTestScanner()

	m := baseMarket("m1")
	m.Question = "Crypto parlay: BTC and ETH both up?"
	result := s.filterMarkets([]types.Market{m})

	if len(result) != 0 {
		t.Errorf("expected 0 markets for excluded keyword, got %d", len(result))
	}
}

func TestFilterMarketsKeywordInclude(t *testing.T) {
	t.Parallel()
	s := newTestScanner()
	s.cfg.Keywords = []string{"btc", "eth"}

	match := baseMarket("m1")
	miss := baseMarket("m2")
	miss.Question = "Will it rain in London tomorrow?"

	result := s.filterMarkets([]types.Market{match, miss})

	if len(result) != 1 || result[0].ID != "m1" {
		t.Errorf("expected only the keyword match, got %v", result)
	}
}

func TestFilterMarketsCategoryAllowList(t *testing.T) {
	t.Parallel()
	s := newTestScanner()
	s.cfg.Categories = []string{"crypto"}

	crypto := baseMarket("m1")
	politics := baseMarket("m2")
	politics.Category = "politics"

	result := s.filterMarkets([]types.Market{crypto, politics})

	if len(result) != 1 || result[0].ID != "m1" {
		t.Errorf("expected only the crypto market, got %v", result)
	}
}

func TestFilterMarketsRejectsExpiredEndDate(t *testing.T) {
	t.Parallel()
	s := newTestScanner()

	m := baseMarket("m1")
	m.EndTime = time.Now().Add(-24 * time.Hour) // past
	result := s.filterMarkets([]types.Market{m})

	if len(result) != 0 {
		t.Errorf("expected 0 markets for expired end date, got %d", len(result))
	}
}

func TestFilterMarketsRejectsTooFarEndDate(t *testing.T) {
	t.Parallel()
	s := newTestScanner()

	m := baseMarket("m1")
	m.EndTime = time.Now().Add(365 * 24 * time.Hour) // >90 days
	result := s.filterMarkets([]types.Market{m})

	if len(result) != 0 {
		t.Errorf("expected 0 markets for end date too far, got %d", len(result))
	}
}

func TestRankMarketsScoring(t *testing.T) {
	t.Parallel()
	s := newTestScanner()

	mispriced := baseMarket("mispriced")
	mispriced.Prices = map[string]decimal.Decimal{
		"YES": decimal.RequireFromString("0.40"),
		"NO":  decimal.RequireFromString("0.45"),
	}
	mispriced.Volume24hUSD = decimal.NewFromInt(10000)
	mispriced.LiquidityUSD = decimal.NewFromInt(50000)

	quiet := baseMarket("quiet")
	quiet.Prices = map[string]decimal.Decimal{
		"YES": decimal.RequireFromString("0.50"),
		"NO":  decimal.RequireFromString("0.50"),
	}
	quiet.Volume24hUSD = decimal.NewFromInt(600)
	quiet.LiquidityUSD = decimal.NewFromInt(2000)

	ranked := s.rankMarkets([]types.Market{quiet, mispriced})

	if len(ranked) != 2 {
		t.Fatalf("expected 2 ranked markets, got %d", len(ranked))
	}
	if ranked[0].ID != "mispriced" {
		t.Errorf("top market should be mispriced, got %s", ranked[0].ID)
	}
}

func TestRankScoreLiquidityCap(t *testing.T) {
	t.Parallel()

	// Same prices/volume, different liquidity above 10k: factor caps at 1.
	m1 := baseMarket("m1")
	m1.LiquidityUSD = decimal.NewFromInt(20000)
	m2 := baseMarket("m2")
	m2.LiquidityUSD = decimal.NewFromInt(50000)

	if diff := math.Abs(rankScore(m1) - rankScore(m2)); diff > 1e-10 {
		t.Errorf("scores should be equal above the liquidity cap, diff %v", diff)
	}
}

// stubLister returns a fixed market list, or an error.
type stubLister struct {
	markets []types.Market
	err     error
}

func (s *stubLister) Name() string { return "stub" }

func (s *stubLister) ListMarkets(ctx context.Context, q source.ListQuery) ([]types.Market, error) {
	return s.markets, s.err
}

func (s *stubLister) Healthy() bool { return s.err == nil }

func (s *stubLister) Status() types.HealthStatus { return types.StatusHealthy }

func TestScanFeedsCacheAndPublishes(t *testing.T) {
	t.Parallel()

	lister := &stubLister{markets: []types.Market{baseMarket("m1"), baseMarket("m2")}}
	cache := NewCache()
	s := NewScanner(testMarketsConfig(), lister, cache, testLogger())

	if err := s.Scan(context.Background()); err != nil {
		t.Fatalf("Scan: %v", err)
	}

	if cache.Len() != 2 {
		t.Errorf("cache has %d markets, want 2", cache.Len())
	}
	select {
	case result := <-s.Results():
		if len(result.Markets) != 2 {
			t.Errorf("result has %d markets, want 2", len(result.Markets))
		}
	default:
		t.Fatal("expected a scan result on the channel")
	}
}

func TestScanCapsTrackedMarkets(t *testing.T) {
	t.Parallel()

	markets := make([]types.Market, 5)
	for i := range markets {
		markets[i] = baseMarket(string(rune('a' + i)))
	}
	cache := NewCache()
	s := NewScanner(testMarketsConfig(), &stubLister{markets: markets}, cache, testLogger())

	if err := s.Scan(context.Background()); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if cache.Len() != 3 {
		t.Errorf("cache has %d markets, want the MaxTracked cap of 3", cache.Len())
	}
}

func TestScanReplacesStaleResult(t *testing.T) {
	t.Parallel()

	lister := &stubLister{markets: []types.Market{baseMarket("m1")}}
	s := NewScanner(testMarketsConfig(), lister, NewCache(), testLogger())

	if err := s.Scan(context.Background()); err != nil {
		t.Fatalf("first Scan: %v", err)
	}
	lister.markets = []types.Market{baseMarket("m1"), baseMarket("m2")}
	if err := s.Scan(context.Background()); err != nil {
		t.Fatalf("second Scan: %v", err)
	}

	// Nothing read the channel between scans: the newer result must win.
	result := <-s.Results()
	if len(result.Markets) != 2 {
		t.Errorf("result has %d markets, want the newer scan's 2", len(result.Markets))
	}
}

func TestScanPublishNeverBlocks(t *testing.T) {
	t.Parallel()

	lister := &stubLister{markets: []types.Market{baseMarket("m1")}}
	s := NewScanner(testMarketsConfig(), lister, NewCache(), testLogger())

	// A competing writer keeps the result slot full, so Scan can find
	// the channel occupied again right after draining it. Scan must
	// drop its result in that race, never park on the send.
	stop := make(chan struct{})
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-stop:
				return
			default:
			}
			select {
			case s.resultCh <- ScanResult{}:
			default:
			}
		}
	}()

	scanDone := make(chan error, 1)
	go func() {
		var err error
		for i := 0; i < 50 && err == nil; i++ {
			err = s.Scan(context.Background())
		}
		scanDone <- err
	}()

	select {
	case err := <-scanDone:
		if err != nil {
			t.Fatalf("Scan: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Scan blocked publishing its result")
	}
	close(stop)
	<-writerDone
}

func TestScanListerErrorPropagates(t *testing.T) {
	t.Parallel()

	s := NewScanner(testMarketsConfig(), &stubLister{err: errors.New("down")}, NewCache(), testLogger())

	if err := s.Scan(context.Background()); err == nil {
		t.Fatal("expected error when the lister fails")
	}
}
