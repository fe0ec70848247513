package strategy

import (
	"testing"

	"polymarket-lab/internal/config"
	"polymarket-lab/pkg/types"
)

func arbThresholds() config.StrategyThresholds {
	return config.StrategyThresholds{
		MinEdgeBps:      200,
		MaxTradeSizeUSD: 10,
	}
}

func TestArbitrageDetectsUnderpricedPair(t *testing.T) {
	t.Parallel()
	d := NewArbitrage(arbThresholds())
	in := testInputs(binaryMarket("mkt-1", "0.48", "0.49"))

	opps := d.Detect(in)
	if len(opps) != 1 {
		t.Fatalf("got %d opportunities, want 1", len(opps))
	}
	o := opps[0]
	if o.Strategy != NameArbitrage || o.Side != types.SidePair {
		t.Errorf("opportunity = %s/%s, want arbitrage/PAIR", o.Strategy, o.Side)
	}
	if o.EdgeBps != 300 {
		t.Errorf("EdgeBps = %d, want 300", o.EdgeBps)
	}
	if !o.SizeUSD.Equal(dec("10")) {
		t.Errorf("SizeUSD = %s, want 10", o.SizeUSD)
	}
	if !o.SingleSourceOK {
		t.Error("arbitrage opportunities should tolerate single-source pricing")
	}
	if !o.ExpiresAt.After(in.Now) {
		t.Error("ExpiresAt should be after creation")
	}
}

func TestArbitrageRespectsMinEdge(t *testing.T) {
	t.Parallel()
	d := NewArbitrage(arbThresholds())
	// Sum 0.99 is only 100 bps of edge, below the 200 floor.
	in := testInputs(binaryMarket("mkt-1", "0.49", "0.50"))

	if opps := d.Detect(in); len(opps) != 0 {
		t.Errorf("got %d opportunities, want 0 below min edge", len(opps))
	}
}

func TestArbitrageSkipsMissingPrice(t *testing.T) {
	t.Parallel()
	d := NewArbitrage(arbThresholds())
	m := binaryMarket("mkt-1", "0.48", "0.49")
	delete(m.Prices, "NO")

	if opps := d.Detect(testInputs(m)); len(opps) != 0 {
		t.Errorf("got %d opportunities, want 0 with a missing leg", len(opps))
	}
}

func TestArbitrageSkipsDegeneratePrices(t *testing.T) {
	t.Parallel()
	d := NewArbitrage(arbThresholds())
	m := binaryMarket("mkt-1", "0.00", "0.49")

	if opps := d.Detect(testInputs(m)); len(opps) != 0 {
		t.Errorf("got %d opportunities, want 0 with a price at the boundary", len(opps))
	}
}

func TestArbitrageSkipsIlliquidMarket(t *testing.T) {
	t.Parallel()
	d := NewArbitrage(arbThresholds())
	m := binaryMarket("mkt-1", "0.48", "0.49")
	m.LiquidityUSD = dec("100")

	in := testInputs(m)
	in.MinLiquidityUSD = dec("1000")

	if opps := d.Detect(in); len(opps) != 0 {
		t.Errorf("got %d opportunities, want 0 below the liquidity floor", len(opps))
	}
}

func TestArbitrageSkipsHeldPosition(t *testing.T) {
	t.Parallel()
	d := NewArbitrage(arbThresholds())
	in := testInputs(binaryMarket("mkt-1", "0.48", "0.49"))
	in.HasPosition = func(strategy, marketID string, side types.Side) bool {
		return strategy == NameArbitrage && marketID == "mkt-1" && side == types.SidePair
	}

	if opps := d.Detect(in); len(opps) != 0 {
		t.Errorf("got %d opportunities, want 0 for an already-held market", len(opps))
	}
}

func TestArbitrageOrdersByEdgeDescending(t *testing.T) {
	t.Parallel()
	d := NewArbitrage(arbThresholds())
	in := testInputs(
		binaryMarket("mkt-small", "0.48", "0.49"), // 300 bps
		binaryMarket("mkt-big", "0.45", "0.50"),   // 500 bps
	)

	opps := d.Detect(in)
	if len(opps) != 2 {
		t.Fatalf("got %d opportunities, want 2", len(opps))
	}
	if opps[0].MarketID != "mkt-big" || opps[0].EdgeBps != 500 {
		t.Errorf("first = %s/%d, want mkt-big/500", opps[0].MarketID, opps[0].EdgeBps)
	}
	if opps[1].MarketID != "mkt-small" || opps[1].EdgeBps != 300 {
		t.Errorf("second = %s/%d, want mkt-small/300", opps[1].MarketID, opps[1].EdgeBps)
	}
}
