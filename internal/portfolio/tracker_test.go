package portfolio

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"polymarket-lab/pkg/types"
)

const (
	strat = "arbitrage"
	mktID = "market-1"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newTestTracker() *Tracker {
	return NewTracker(strat, decimal.NewFromInt(10000))
}

// fillTrade builds a YES fill of size notional at the given price.
func fillTrade(id int64, price, notional string) types.Trade {
	p := dec(price)
	n := dec(notional)
	return types.Trade{
		TradeID:     id,
		Strategy:    strat,
		MarketID:    mktID,
		Side:        types.SideYes,
		Status:      types.TradeFilled,
		FilledAt:    time.Now().UTC(),
		FillPrices:  map[string]decimal.Decimal{"YES": p},
		Units:       n.Div(p),
		NotionalUSD: n,
	}
}

// closeTrade builds the close record for a previously applied fill.
func closeTrade(fill types.Trade, exitPrice string, closedAt time.Time) types.Trade {
	fill.Status = types.TradeClosed
	fill.ExitPrice = dec(exitPrice)
	fill.ClosedAt = &closedAt
	fill.RealizedPnL = fill.ExitPrice.Sub(fill.EntryPrice()).Mul(fill.Units)
	return fill
}

func TestApplyFillDebitsCashAndOpensPosition(t *testing.T) {
	t.Parallel()
	tr := newTestTracker()

	if err := tr.ApplyFill(fillTrade(1, "0.50", "100")); err != nil {
		t.Fatalf("ApplyFill: %v", err)
	}

	if want := dec("9900"); !tr.Cash().Equal(want) {
		t.Errorf("Cash = %s, want %s", tr.Cash(), want)
	}
	positions := tr.Positions()
	if len(positions) != 1 {
		t.Fatalf("expected 1 position, got %d", len(positions))
	}
	if want := dec("200"); !positions[0].Units.Equal(want) {
		t.Errorf("Units = %s, want %s", positions[0].Units, want)
	}
	if want := dec("0.5"); !positions[0].AvgEntryPrice.Equal(want) {
		t.Errorf("AvgEntryPrice = %s, want %s", positions[0].AvgEntryPrice, want)
	}
	// Position marked at entry: equity unchanged.
	if want := dec("10000"); !tr.Equity().Equal(want) {
		t.Errorf("Equity = %s, want %s", tr.Equity(), want)
	}
}

func TestApplyFillAveragesEntryPrice(t *testing.T) {
	t.Parallel()
	tr := newTestTracker()

	tr.ApplyFill(fillTrade(1, "0.50", "100")) // 200 units at 0.50
	tr.ApplyFill(fillTrade(2, "0.60", "120")) // 200 units at 0.60

	positions := tr.Positions()
	if len(positions) != 1 {
		t.Fatalf("expected 1 merged position, got %d", len(positions))
	}
	if want := dec("400"); !positions[0].Units.Equal(want) {
		t.Errorf("Units = %s, want %s", positions[0].Units, want)
	}
	// avg = (0.50*200 + 0.60*200) / 400 = 0.55
	if want := dec("0.55"); !positions[0].AvgEntryPrice.Equal(want) {
		t.Errorf("AvgEntryPrice = %s, want %s", positions[0].AvgEntryPrice, want)
	}
}

func TestApplyFillRejectsInsufficientCash(t *testing.T) {
	t.Parallel()
	tr := newTestTracker()

	err := tr.ApplyFill(fillTrade(1, "0.50", "10001"))
	if !errors.Is(err, ErrInsufficientCash) {
		t.Fatalf("err = %v, want ErrInsufficientCash", err)
	}

	// Rejection leaves the ledger untouched.
	if want := dec("10000"); !tr.Cash().Equal(want) {
		t.Errorf("Cash = %s, want %s after rejected fill", tr.Cash(), want)
	}
	if len(tr.Positions()) != 0 {
		t.Error("rejected fill should not open a position")
	}
}

func TestApplyFillRejectsDuplicateTradeID(t *testing.T) {
	t.Parallel()
	tr := newTestTracker()

	fill := fillTrade(1, "0.50", "100")
	if err := tr.ApplyFill(fill); err != nil {
		t.Fatalf("ApplyFill: %v", err)
	}
	if err := tr.ApplyFill(fill); !errors.Is(err, ErrDuplicateTrade) {
		t.Fatalf("err = %v, want ErrDuplicateTrade", err)
	}
	if want := dec("9900"); !tr.Cash().Equal(want) {
		t.Errorf("Cash = %s, want %s after duplicate rejected", tr.Cash(), want)
	}
}

func TestApplyCloseRealizesPnL(t *testing.T) {
	t.Parallel()
	tr := newTestTracker()

	fill := fillTrade(1, "0.50", "100") // 200 units at 0.50
	tr.ApplyFill(fill)

	if err := tr.ApplyClose(closeTrade(fill, "0.60", time.Now().UTC())); err != nil {
		t.Fatalf("ApplyClose: %v", err)
	}

	// proceeds = 200 * 0.60 = 120; realized = (0.60-0.50)*200 = 20
	if want := dec("10020"); !tr.Cash().Equal(want) {
		t.Errorf("Cash = %s, want %s", tr.Cash(), want)
	}
	if len(tr.Positions()) != 0 {
		t.Error("full close should remove the position")
	}
	snap := tr.Snapshot()
	if want := dec("20"); !snap.RealizedPnLUSD.Equal(want) {
		t.Errorf("RealizedPnLUSD = %s, want %s", snap.RealizedPnLUSD, want)
	}
	if want := dec("10020"); !snap.EquityUSD.Equal(want) {
		t.Errorf("EquityUSD = %s, want %s", snap.EquityUSD, want)
	}
}

func TestApplyCloseWithoutPosition(t *testing.T) {
	t.Parallel()
	tr := newTestTracker()

	err := tr.ApplyClose(closeTrade(fillTrade(9, "0.50", "100"), "0.60", time.Now().UTC()))
	if !errors.Is(err, ErrNoPosition) {
		t.Fatalf("err = %v, want ErrNoPosition", err)
	}
}

func TestEquityInvariantAfterMark(t *testing.T) {
	t.Parallel()
	tr := newTestTracker()

	tr.ApplyFill(fillTrade(1, "0.50", "100")) // 200 units

	equity := tr.MarkToMarket(map[string]map[string]decimal.Decimal{
		mktID: {"YES": dec("0.60")},
	})

	// equity = 9900 cash + 200 * 0.60 = 10020
	if want := dec("10020"); !equity.Equal(want) {
		t.Errorf("equity = %s, want %s", equity, want)
	}
	snap := tr.Snapshot()
	marked := snap.CashUSD
	for _, pos := range snap.Positions {
		marked = marked.Add(pos.Units.Mul(dec("0.60")))
	}
	if !snap.EquityUSD.Equal(marked) {
		t.Errorf("equity invariant broken: %s != cash + Σ units×price %s", snap.EquityUSD, marked)
	}
}

func TestMarkToMarketPairPosition(t *testing.T) {
	t.Parallel()
	tr := newTestTracker()

	pair := types.Trade{
		TradeID:  1,
		Strategy: strat,
		MarketID: mktID,
		Side:     types.SidePair,
		Status:   types.TradeFilled,
		FilledAt: time.Now().UTC(),
		FillPrices: map[string]decimal.Decimal{
			"YES": dec("0.48"),
			"NO":  dec("0.49"),
		},
		Units:       dec("10"),
		NotionalUSD: dec("9.7"),
	}
	if err := tr.ApplyFill(pair); err != nil {
		t.Fatalf("ApplyFill: %v", err)
	}

	equity := tr.MarkToMarket(map[string]map[string]decimal.Decimal{
		mktID: {"YES": dec("0.50"), "NO": dec("0.50")},
	})

	// cash = 10000 - 9.7 = 9990.3; pair mark = 1.00 → 9990.3 + 10 = 10000.3
	if want := dec("10000.3"); !equity.Equal(want) {
		t.Errorf("equity = %s, want %s", equity, want)
	}
}

func TestDrawdownTracksWorstPeakDistance(t *testing.T) {
	t.Parallel()
	tr := newTestTracker()

	tr.ApplyFill(fillTrade(1, "0.50", "1000")) // 2000 units

	// Mark up to a new peak, then down.
	tr.MarkToMarket(map[string]map[string]decimal.Decimal{mktID: {"YES": dec("0.60")}})
	tr.MarkToMarket(map[string]map[string]decimal.Decimal{mktID: {"YES": dec("0.40")}})

	snap := tr.Snapshot()
	// peak = 9000 + 2000*0.60 = 10200; trough = 9000 + 2000*0.40 = 9800
	if want := dec("10200"); !snap.PeakEquityUSD.Equal(want) {
		t.Errorf("PeakEquityUSD = %s, want %s", snap.PeakEquityUSD, want)
	}
	wantDD := (10200.0 - 9800.0) / 10200.0 * 100
	if math.Abs(snap.Metrics.MaxDrawdownPct-wantDD) > 1e-9 {
		t.Errorf("MaxDrawdownPct = %v, want %v", snap.Metrics.MaxDrawdownPct, wantDD)
	}
}

func TestMetricsWinRateAndConsecutiveLosses(t *testing.T) {
	t.Parallel()
	tr := newTestTracker()

	base := time.Now().UTC().Add(-time.Hour)
	outcomes := []struct {
		exit string // entry is 0.50: above wins, below loses
	}{
		{"0.60"}, {"0.55"}, {"0.40"}, {"0.45"}, {"0.30"},
	}
	for i, o := range outcomes {
		fill := fillTrade(int64(i*2+1), "0.50", "100")
		if err := tr.ApplyFill(fill); err != nil {
			t.Fatalf("fill %d: %v", i, err)
		}
		if err := tr.ApplyClose(closeTrade(fill, o.exit, base.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatalf("close %d: %v", i, err)
		}
	}

	m := tr.Metrics()
	if m.TotalTrades != 5 {
		t.Errorf("TotalTrades = %d, want 5", m.TotalTrades)
	}
	if m.OpenTrades != 0 {
		t.Errorf("OpenTrades = %d, want 0", m.OpenTrades)
	}
	if want := 2.0 / 5.0; math.Abs(m.WinRate-want) > 1e-9 {
		t.Errorf("WinRate = %v, want %v", m.WinRate, want)
	}
	// Last three closes lost.
	if m.ConsecutiveLosses != 3 {
		t.Errorf("ConsecutiveLosses = %d, want 3", m.ConsecutiveLosses)
	}
}

func TestWinResetsLossStreak(t *testing.T) {
	t.Parallel()
	tr := newTestTracker()

	base := time.Now().UTC().Add(-time.Hour)
	exits := []string{"0.40", "0.40", "0.60", "0.40"}
	for i, exit := range exits {
		fill := fillTrade(int64(i+1), "0.50", "100")
		tr.ApplyFill(fill)
		tr.ApplyClose(closeTrade(fill, exit, base.Add(time.Duration(i)*time.Minute)))
	}

	if m := tr.Metrics(); m.ConsecutiveLosses != 1 {
		t.Errorf("ConsecutiveLosses = %d, want 1 (streak broken by the win)", m.ConsecutiveLosses)
	}
}

func TestSharpeUsesObservedCadence(t *testing.T) {
	t.Parallel()
	tr := newTestTracker()

	// Four closes one hour apart, mixed outcomes so variance is nonzero.
	base := time.Now().UTC().Add(-24 * time.Hour)
	exits := []string{"0.60", "0.45", "0.58", "0.52"}
	for i, exit := range exits {
		fill := fillTrade(int64(i+1), "0.50", "100")
		tr.ApplyFill(fill)
		tr.ApplyClose(closeTrade(fill, exit, base.Add(time.Duration(i)*time.Hour)))
	}

	m := tr.Metrics()
	// 3 intervals over 3 hours → one trade per hour → 8760 per year.
	if math.Abs(m.SharpeTradesPerYear-8760) > 1e-6 {
		t.Errorf("SharpeTradesPerYear = %v, want 8760", m.SharpeTradesPerYear)
	}
	if m.Sharpe == 0 {
		t.Error("Sharpe should be nonzero for varied returns")
	}
}

func TestSharpeNeedsTwoClosedTrades(t *testing.T) {
	t.Parallel()
	tr := newTestTracker()

	fill := fillTrade(1, "0.50", "100")
	tr.ApplyFill(fill)
	tr.ApplyClose(closeTrade(fill, "0.60", time.Now().UTC()))

	if m := tr.Metrics(); m.Sharpe != 0 {
		t.Errorf("Sharpe = %v, want 0 with a single closed trade", m.Sharpe)
	}
}

func TestReplayRebuildsLedger(t *testing.T) {
	t.Parallel()

	fill1 := fillTrade(1, "0.50", "100")
	fill2 := fillTrade(2, "0.40", "80")
	fill2.MarketID = "market-2"
	closed1 := closeTrade(fill1, "0.60", time.Now().UTC())

	journal := []types.Trade{fill1, fill2, closed1}

	tr := newTestTracker()
	applied := tr.Replay(journal)
	if applied != 3 {
		t.Errorf("applied = %d, want 3", applied)
	}

	// fill1 closed at 0.60 → +20; fill2 still open at entry.
	if want := dec("10020").Sub(dec("80")); !tr.Cash().Equal(want) {
		t.Errorf("Cash = %s, want %s", tr.Cash(), want)
	}
	if len(tr.Positions()) != 1 {
		t.Errorf("expected 1 open position after replay, got %d", len(tr.Positions()))
	}

	// Replaying the same journal again is a no-op.
	if applied := tr.Replay(journal); applied != 0 {
		t.Errorf("second replay applied %d records, want 0", applied)
	}
}

func TestRestoreAndSeedClosedTrades(t *testing.T) {
	t.Parallel()

	orig := newTestTracker()
	fill := fillTrade(1, "0.50", "100")
	orig.ApplyFill(fill)
	closed := closeTrade(fill, "0.40", time.Now().UTC())
	orig.ApplyClose(closed)
	fill2 := fillTrade(2, "0.50", "200")
	orig.ApplyFill(fill2)

	snap := orig.Snapshot()

	restored := NewTracker(strat, decimal.NewFromInt(10000))
	restored.Restore(snap)
	restored.SeedClosedTrades([]types.Trade{closed})

	if !restored.Cash().Equal(orig.Cash()) {
		t.Errorf("Cash = %s, want %s", restored.Cash(), orig.Cash())
	}
	if !restored.Equity().Equal(orig.Equity()) {
		t.Errorf("Equity = %s, want %s", restored.Equity(), orig.Equity())
	}
	if len(restored.Positions()) != 1 {
		t.Errorf("expected 1 restored position, got %d", len(restored.Positions()))
	}
	if m := restored.Metrics(); m.ConsecutiveLosses != 1 {
		t.Errorf("ConsecutiveLosses = %d, want 1 from seeded history", m.ConsecutiveLosses)
	}
}

func TestHasPosition(t *testing.T) {
	t.Parallel()
	tr := newTestTracker()

	tr.ApplyFill(fillTrade(1, "0.50", "100"))

	if !tr.Has(mktID, types.SideYes) {
		t.Error("Has should report the open YES position")
	}
	if tr.Has(mktID, types.SideNo) {
		t.Error("Has should not report a NO position")
	}
}
