package strategy

import (
	"testing"

	"polymarket-lab/internal/config"
	"polymarket-lab/pkg/types"
)

func statarbConfig() config.StatArbConfig {
	return config.StatArbConfig{
		Window:     40,
		ZThreshold: 2.0,
		RhoMin:     0.6,
	}
}

func statarbThresholds() config.StrategyThresholds {
	return config.StrategyThresholds{
		MinEdgeBps:      200,
		MaxTradeSizeUSD: 10,
	}
}

// pairSeries builds two co-moving price series: a shared upward drift, a
// small alternating wobble in the spread, and an optional terminal
// divergence on the first leg.
func pairSeries(jump float64) (a, b []float64) {
	a = make([]float64, 40)
	b = make([]float64, 40)
	for i := 0; i < 40; i++ {
		b[i] = 0.48 + 0.001*float64(i)
		a[i] = 0.50 + 0.001*float64(i)
		if i%2 == 1 {
			a[i] += 0.001
		}
	}
	a[39] += jump
	return a, b
}

func statarbFixture(t *testing.T, catA, catB string, seriesA, seriesB []float64) (*StatArb, Inputs) {
	t.Helper()
	d := NewStatArb(statarbConfig(), statarbThresholds())

	ma := binaryMarket("mkt-a", "0.55", "0.47")
	ma.Category = catA
	mb := binaryMarket("mkt-b", "0.52", "0.50")
	mb.Category = catB

	h := NewHistory(50)
	observeSeries(h, []types.Market{ma, mb}, map[string][]float64{
		"mkt-a": seriesA,
		"mkt-b": seriesB,
	})

	in := testInputs(ma, mb)
	in.History = h
	return d, in
}

func TestStatArbEmitsBothLegsOnDivergence(t *testing.T) {
	t.Parallel()
	a, b := pairSeries(0.06)
	d, in := statarbFixture(t, "crypto", "crypto", a, b)

	opps := d.Detect(in)
	if len(opps) != 2 {
		t.Fatalf("got %d opportunities, want 2 legs", len(opps))
	}

	sides := map[string]types.Side{}
	for _, o := range opps {
		sides[o.MarketID] = o.Side
		if o.Strategy != NameStatArb {
			t.Errorf("Strategy = %s, want stat_arb", o.Strategy)
		}
		if o.EdgeBps < 200 {
			t.Errorf("EdgeBps = %d, want >= 200", o.EdgeBps)
		}
		if rho := o.Rationale.Numbers["rho"]; rho < 0.6 {
			t.Errorf("rationale rho = %v, want >= 0.6", rho)
		}
	}
	if sides["mkt-a"] != types.SideNo {
		t.Errorf("rich leg side = %s, want NO on mkt-a", sides["mkt-a"])
	}
	if sides["mkt-b"] != types.SideYes {
		t.Errorf("cheap leg side = %s, want YES on mkt-b", sides["mkt-b"])
	}
}

func TestStatArbSkipsUncorrelatedPair(t *testing.T) {
	t.Parallel()
	a := make([]float64, 40)
	b := make([]float64, 40)
	for i := 0; i < 40; i++ {
		a[i] = 0.40 + 0.002*float64(i)
		if i%2 == 0 {
			b[i] = 0.45
		} else {
			b[i] = 0.55
		}
	}
	d, in := statarbFixture(t, "crypto", "crypto", a, b)

	if opps := d.Detect(in); len(opps) != 0 {
		t.Errorf("got %d opportunities from an uncorrelated pair, want 0", len(opps))
	}
	if d.Diagnostics()["pairs_correlated"] != 0 {
		t.Error("uncorrelated pair should not count as correlated")
	}
}

func TestStatArbSkipsCalmSpread(t *testing.T) {
	t.Parallel()
	a, b := pairSeries(0)
	d, in := statarbFixture(t, "crypto", "crypto", a, b)

	if opps := d.Detect(in); len(opps) != 0 {
		t.Errorf("got %d opportunities without divergence, want 0", len(opps))
	}
	if d.Diagnostics()["pairs_correlated"] != 1 {
		t.Error("calm correlated pair should still count as correlated")
	}
}

func TestStatArbPairsWithinCategoryOnly(t *testing.T) {
	t.Parallel()
	a, b := pairSeries(0.06)
	d, in := statarbFixture(t, "crypto", "politics", a, b)

	if opps := d.Detect(in); len(opps) != 0 {
		t.Errorf("got %d opportunities across categories, want 0", len(opps))
	}
	if d.Diagnostics()["pairs_evaluated"] != 0 {
		t.Error("cross-category pair should not be evaluated")
	}
}

func TestStatArbNeedsFullWindow(t *testing.T) {
	t.Parallel()
	a, b := pairSeries(0.06)
	d, in := statarbFixture(t, "crypto", "crypto", a[:10], b[:10])

	if opps := d.Detect(in); len(opps) != 0 {
		t.Errorf("got %d opportunities with short history, want 0", len(opps))
	}
}

func TestStatArbSkipsHeldLegs(t *testing.T) {
	t.Parallel()
	a, b := pairSeries(0.06)
	d, in := statarbFixture(t, "crypto", "crypto", a, b)
	in.HasPosition = func(strategy, marketID string, side types.Side) bool {
		return marketID == "mkt-a" && side == types.SideNo
	}

	opps := d.Detect(in)
	if len(opps) != 1 {
		t.Fatalf("got %d opportunities, want only the unheld leg", len(opps))
	}
	if opps[0].MarketID != "mkt-b" || opps[0].Side != types.SideYes {
		t.Errorf("remaining leg = %s/%s, want mkt-b/YES", opps[0].MarketID, opps[0].Side)
	}
}
