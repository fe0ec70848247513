package gate

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"polymarket-lab/internal/config"
	"polymarket-lab/internal/metrics"
	"polymarket-lab/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stubStrategies reports enabled/paused from fixed sets.
type stubStrategies struct {
	disabled map[string]bool
	paused   map[string]bool
}

func (s *stubStrategies) Enabled(name string) bool { return !s.disabled[name] }
func (s *stubStrategies) Paused(name string) bool  { return s.paused[name] }

// stubControl serves a fixed control state.
type stubControl struct {
	state types.ControlState
}

func (s *stubControl) Last() types.ControlState { return s.state }

func gateConfig() *config.Config {
	return &config.Config{
		PaperTrading: true,
		Gate: config.GateConfig{
			FreshnessMs:         5000,
			PriceDiscrepancyPct: 2.0,
			MinLiquidityUSD:     1000,
			MinTimeToClose:      30 * time.Minute,
		},
	}
}

func newTestGate(cfg *config.Config, control types.ControlState) *Gate {
	return New(cfg, &stubStrategies{
		disabled: map[string]bool{},
		paused:   map[string]bool{},
	}, &stubControl{state: control}, metrics.New(), testLogger())
}

func freshMarket() *types.Market {
	now := time.Now().UTC()
	return &types.Market{
		ID:       "mkt-1",
		Question: "Will BTC close above $60k?",
		Outcomes: []string{"YES", "NO"},
		Prices: map[string]decimal.Decimal{
			"YES": decimal.RequireFromString("0.48"),
			"NO":  decimal.RequireFromString("0.49"),
		},
		LiquidityUSD: decimal.NewFromInt(10000),
		EndTime:      now.Add(time.Hour),
		FetchedAt:    now,
	}
}

func request() Request {
	return Request{
		Opportunity: types.Opportunity{
			Strategy: "arbitrage",
			MarketID: "mkt-1",
			Side:     types.SidePair,
			EdgeBps:  300,
		},
		Market: freshMarket(),
	}
}

func TestGateAllowsCleanRequest(t *testing.T) {
	t.Parallel()
	g := newTestGate(gateConfig(), types.ControlState{})

	d := g.MayExecute(request())
	if !d.Allowed {
		t.Fatalf("expected allow, denied with %q", d.Reason)
	}
	if len(g.Denials()) != 0 {
		t.Errorf("clean request should not count a denial: %v", g.Denials())
	}
}

func TestGateDeniesWhenPaperTradingOff(t *testing.T) {
	t.Parallel()
	cfg := gateConfig()
	cfg.PaperTrading = false
	g := newTestGate(cfg, types.ControlState{})

	d := g.MayExecute(request())
	if d.Allowed || d.Reason != ReasonPaperTradingOff {
		t.Errorf("Decision = %+v, want denial with %q", d, ReasonPaperTradingOff)
	}
}

func TestGateDeniesOnConfigKillSwitch(t *testing.T) {
	t.Parallel()
	cfg := gateConfig()
	cfg.KillSwitch = true
	g := newTestGate(cfg, types.ControlState{})

	d := g.MayExecute(request())
	if d.Allowed || d.Reason != ReasonKillSwitch {
		t.Errorf("Decision = %+v, want denial with %q", d, ReasonKillSwitch)
	}
}

func TestGateDeniesOnPersistentKill(t *testing.T) {
	t.Parallel()
	g := newTestGate(gateConfig(), types.ControlState{KillActive: true})

	d := g.MayExecute(request())
	if d.Allowed || d.Reason != ReasonKillActive {
		t.Errorf("Decision = %+v, want denial with %q", d, ReasonKillActive)
	}
}

func TestGateDeniesWhenPaused(t *testing.T) {
	t.Parallel()
	g := newTestGate(gateConfig(), types.ControlState{Paused: true})

	d := g.MayExecute(request())
	if d.Allowed || d.Reason != ReasonPaused {
		t.Errorf("Decision = %+v, want denial with %q", d, ReasonPaused)
	}
}

func TestGateDeniesStaleMarket(t *testing.T) {
	t.Parallel()
	g := newTestGate(gateConfig(), types.ControlState{})

	// Market data 10s old against a 5s freshness budget.
	req := request()
	req.Market.FetchedAt = time.Now().UTC().Add(-10 * time.Second)

	d := g.MayExecute(req)
	if d.Allowed || d.Reason != ReasonStaleMarket {
		t.Fatalf("Decision = %+v, want denial with %q", d, ReasonStaleMarket)
	}
	if got := g.Denials()[ReasonStaleMarket]; got != 1 {
		t.Errorf("denial count = %d, want 1", got)
	}
}

func TestGateDeniesMissingMarket(t *testing.T) {
	t.Parallel()
	g := newTestGate(gateConfig(), types.ControlState{})

	req := request()
	req.Market = nil

	d := g.MayExecute(req)
	if d.Allowed || d.Reason != ReasonStaleMarket {
		t.Errorf("Decision = %+v, want denial with %q", d, ReasonStaleMarket)
	}
}

func TestGateDeniesStaleConsensus(t *testing.T) {
	t.Parallel()
	g := newTestGate(gateConfig(), types.ControlState{})

	req := request()
	req.Consensus = []types.ConsensusPrice{{
		Symbol:     "BTC",
		Median:     decimal.NewFromInt(50000),
		ComputedAt: time.Now().UTC().Add(-10 * time.Second),
	}}

	d := g.MayExecute(req)
	if d.Allowed || d.Reason != ReasonStaleConsensus {
		t.Errorf("Decision = %+v, want denial with %q", d, ReasonStaleConsensus)
	}
}

func TestGateDeniesPriceDiscrepancy(t *testing.T) {
	t.Parallel()
	g := newTestGate(gateConfig(), types.ControlState{})

	req := request()
	req.Consensus = []types.ConsensusPrice{{
		Symbol:     "BTC",
		Median:     decimal.NewFromInt(50000),
		SpreadPct:  3.5, // above the 2% threshold
		ComputedAt: time.Now().UTC(),
	}}

	d := g.MayExecute(req)
	if d.Allowed || d.Reason != ReasonDiscrepancy {
		t.Errorf("Decision = %+v, want denial with %q", d, ReasonDiscrepancy)
	}
}

func TestGateSingleSourceOpportunityToleratesSpread(t *testing.T) {
	t.Parallel()
	g := newTestGate(gateConfig(), types.ControlState{})

	req := request()
	req.Opportunity.SingleSourceOK = true
	req.Consensus = []types.ConsensusPrice{{
		Symbol:     "BTC",
		Median:     decimal.NewFromInt(50000),
		SpreadPct:  3.5,
		ComputedAt: time.Now().UTC(),
	}}

	if d := g.MayExecute(req); !d.Allowed {
		t.Errorf("single-source opportunity should tolerate spread, denied with %q", d.Reason)
	}
}

func TestGateDeniesLowLiquidity(t *testing.T) {
	t.Parallel()
	g := newTestGate(gateConfig(), types.ControlState{})

	req := request()
	req.Market.LiquidityUSD = decimal.NewFromInt(500)

	d := g.MayExecute(req)
	if d.Allowed || d.Reason != ReasonLowLiquidity {
		t.Errorf("Decision = %+v, want denial with %q", d, ReasonLowLiquidity)
	}
}

func TestGateDeniesTooCloseToExpiry(t *testing.T) {
	t.Parallel()
	g := newTestGate(gateConfig(), types.ControlState{})

	req := request()
	req.Market.EndTime = time.Now().UTC().Add(10 * time.Minute)

	d := g.MayExecute(req)
	if d.Allowed || d.Reason != ReasonTooCloseToExpiry {
		t.Errorf("Decision = %+v, want denial with %q", d, ReasonTooCloseToExpiry)
	}
}

func TestGateExitWaivesPositionOpeningChecks(t *testing.T) {
	t.Parallel()
	g := newTestGate(gateConfig(), types.ControlState{})

	req := request()
	req.Exit = true
	req.Market.EndTime = time.Now().UTC().Add(-time.Minute)
	req.Market.LiquidityUSD = decimal.NewFromInt(10)

	if d := g.MayExecute(req); !d.Allowed {
		t.Errorf("MayExecute(exit past end time) denied with %q, want allow", d.Reason)
	}

	// An ended market never refreshes again, so its age must not block
	// the unwind.
	req.Market.FetchedAt = time.Now().UTC().Add(-10 * time.Second)
	if d := g.MayExecute(req); !d.Allowed {
		t.Errorf("MayExecute(exit on aged market) denied with %q, want allow", d.Reason)
	}

	// A missing market record still blocks: there is no price to close at.
	req.Market = nil
	if d := g.MayExecute(req); d.Allowed || d.Reason != ReasonStaleMarket {
		t.Errorf("Decision = %+v, want denial with %q", d, ReasonStaleMarket)
	}
}

func TestGateDeniesDisabledStrategy(t *testing.T) {
	t.Parallel()
	g := New(gateConfig(), &stubStrategies{
		disabled: map[string]bool{"arbitrage": true},
		paused:   map[string]bool{},
	}, &stubControl{}, metrics.New(), testLogger())

	d := g.MayExecute(request())
	if d.Allowed || d.Reason != ReasonStrategyDisabled {
		t.Errorf("Decision = %+v, want denial with %q", d, ReasonStrategyDisabled)
	}
}

func TestGateDeniesPausedStrategy(t *testing.T) {
	t.Parallel()
	g := New(gateConfig(), &stubStrategies{
		disabled: map[string]bool{},
		paused:   map[string]bool{"arbitrage": true},
	}, &stubControl{}, metrics.New(), testLogger())

	d := g.MayExecute(request())
	if d.Allowed || d.Reason != ReasonStrategyPaused {
		t.Errorf("Decision = %+v, want denial with %q", d, ReasonStrategyPaused)
	}
}

func TestGateChecksRunInOrder(t *testing.T) {
	t.Parallel()
	// Paused AND stale market: the pause check comes first.
	g := newTestGate(gateConfig(), types.ControlState{Paused: true})

	req := request()
	req.Market = nil

	d := g.MayExecute(req)
	if d.Reason != ReasonPaused {
		t.Errorf("Reason = %q, want %q (earlier check wins)", d.Reason, ReasonPaused)
	}
}

func TestGateCountsDenialsPerReason(t *testing.T) {
	t.Parallel()
	g := newTestGate(gateConfig(), types.ControlState{})

	stale := request()
	stale.Market = nil
	g.MayExecute(stale)
	g.MayExecute(stale)

	illiquid := request()
	illiquid.Market.LiquidityUSD = decimal.Zero
	g.MayExecute(illiquid)

	denials := g.Denials()
	if denials[ReasonStaleMarket] != 2 {
		t.Errorf("stale denials = %d, want 2", denials[ReasonStaleMarket])
	}
	if denials[ReasonLowLiquidity] != 1 {
		t.Errorf("liquidity denials = %d, want 1", denials[ReasonLowLiquidity])
	}
}

func TestGateReconfigure(t *testing.T) {
	t.Parallel()
	g := newTestGate(gateConfig(), types.ControlState{})

	cfg := gateConfig()
	cfg.KillSwitch = true
	g.Reconfigure(cfg)

	d := g.MayExecute(request())
	if d.Allowed || d.Reason != ReasonKillSwitch {
		t.Errorf("Decision = %+v, want denial after reconfigure", d)
	}
}
