package strategy

import (
	"math"
	"testing"
	"time"

	"polymarket-lab/pkg/types"
)

func weeklyStats() map[string]types.PortfolioMetrics {
	return map[string]types.PortfolioMetrics{
		"arbitrage": {
			TotalReturnPct: 8, Sharpe: 1.9, WinRate: 0.62, MaxDrawdownPct: 8, TotalTrades: 40,
		},
		"momentum": {
			TotalReturnPct: 3, Sharpe: 1.2, WinRate: 0.52, MaxDrawdownPct: 10, TotalTrades: 40,
		},
		"mean_reversion": {
			TotalReturnPct: -2, Sharpe: 0.5, WinRate: 0.48, MaxDrawdownPct: 18, TotalTrades: 40,
		},
	}
}

func TestSelectorWeeklyProposal(t *testing.T) {
	t.Parallel()
	sel := NewSelector(testLogger())
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	p := sel.Evaluate(weeklyStats(), now)
	if p == nil {
		t.Fatal("Evaluate returned nil with a qualifying strategy")
	}

	if len(p.Qualified) != 1 || p.Qualified[0] != "arbitrage" {
		t.Errorf("Qualified = %v, want [arbitrage]", p.Qualified)
	}
	wantRanked := []string{"arbitrage", "momentum", "mean_reversion"}
	if len(p.Ranked) != 3 {
		t.Fatalf("Ranked = %v, want 3 entries", p.Ranked)
	}
	for i, name := range wantRanked {
		if p.Ranked[i] != name {
			t.Errorf("Ranked[%d] = %q, want %q", i, p.Ranked[i], name)
		}
	}

	wantAlloc := map[string]float64{
		"arbitrage":      0.70,
		"momentum":       0.20,
		"mean_reversion": 0.10,
	}
	for name, want := range wantAlloc {
		if got := p.Allocation[name]; got != want {
			t.Errorf("Allocation[%s] = %v, want %v", name, got, want)
		}
	}
	if len(p.Allocation) != 3 {
		t.Errorf("Allocation has %d entries, want 3", len(p.Allocation))
	}
	if !p.GeneratedAt.Equal(now) {
		t.Errorf("GeneratedAt = %v, want %v", p.GeneratedAt, now)
	}
}

func TestSelectorCompositeScores(t *testing.T) {
	t.Parallel()
	sel := NewSelector(testLogger())
	p := sel.Evaluate(weeklyStats(), time.Now())
	if p == nil {
		t.Fatal("Evaluate returned nil")
	}

	// 0.4·return_frac + 0.3·sharpe + 0.2·win_rate − 0.1·drawdown_frac.
	want := map[string]float64{
		"arbitrage":      0.718,
		"momentum":       0.466,
		"mean_reversion": 0.220,
	}
	for name, w := range want {
		if got := p.Scores[name]; math.Abs(got-w) > 1e-9 {
			t.Errorf("Scores[%s] = %v, want %v", name, got, w)
		}
	}
}

func TestSelectorNoQualifiersNoProposal(t *testing.T) {
	t.Parallel()
	sel := NewSelector(testLogger())

	stats := weeklyStats()
	delete(stats, "arbitrage")
	if p := sel.Evaluate(stats, time.Now()); p != nil {
		t.Errorf("Evaluate = %+v, want nil when nothing qualifies", p)
	}
	if p := sel.Evaluate(nil, time.Now()); p != nil {
		t.Errorf("Evaluate on empty stats = %+v, want nil", p)
	}
}

func TestSelectorQualifierBar(t *testing.T) {
	t.Parallel()
	base := types.PortfolioMetrics{
		TotalReturnPct: 8, Sharpe: 1.9, WinRate: 0.62, MaxDrawdownPct: 8, TotalTrades: 40,
	}
	cases := []struct {
		name   string
		mutate func(*types.PortfolioMetrics)
		want   bool
	}{
		{"all clear", func(m *types.PortfolioMetrics) {}, true},
		{"negative return", func(m *types.PortfolioMetrics) { m.TotalReturnPct = -1 }, false},
		{"low sharpe", func(m *types.PortfolioMetrics) { m.Sharpe = 1.5 }, false},
		{"low win rate", func(m *types.PortfolioMetrics) { m.WinRate = 0.55 }, false},
		{"deep drawdown", func(m *types.PortfolioMetrics) { m.MaxDrawdownPct = 15 }, false},
		{"thin sample", func(m *types.PortfolioMetrics) { m.TotalTrades = 19 }, false},
	}
	for _, tc := range cases {
		m := base
		tc.mutate(&m)
		if got := qualifies(m); got != tc.want {
			t.Errorf("%s: qualifies = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestSelectorTruncatesWeightsToRoster(t *testing.T) {
	t.Parallel()
	sel := NewSelector(testLogger())

	stats := weeklyStats()
	delete(stats, "mean_reversion")
	p := sel.Evaluate(stats, time.Now())
	if p == nil {
		t.Fatal("Evaluate returned nil")
	}
	if len(p.Allocation) != 2 {
		t.Fatalf("Allocation = %v, want 2 entries", p.Allocation)
	}
	if p.Allocation["arbitrage"] != 0.70 || p.Allocation["momentum"] != 0.20 {
		t.Errorf("Allocation = %v, want arbitrage 0.70 momentum 0.20", p.Allocation)
	}
}

func TestSelectorDueOncePerISOWeek(t *testing.T) {
	t.Parallel()
	sel := NewSelector(testLogger())

	now := time.Date(2026, 8, 21, 9, 0, 0, 0, time.UTC) // Friday
	if !sel.Due(time.Time{}, now) {
		t.Error("never-run selector not due")
	}
	wednesday := time.Date(2026, 8, 19, 23, 0, 0, 0, time.UTC)
	if sel.Due(wednesday, now) {
		t.Error("due twice within one ISO week")
	}
	monday := time.Date(2026, 8, 24, 0, 30, 0, 0, time.UTC)
	if !sel.Due(wednesday, monday) {
		t.Error("not due after the week rolled over")
	}
}
