package health

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"polymarket-lab/internal/config"
	"polymarket-lab/internal/metrics"
	"polymarket-lab/pkg/types"
)

type fakeBook struct {
	perf     map[string]types.PortfolioMetrics
	disabled map[string]string
	calls    int
}

func (b *fakeBook) Performance() map[string]types.PortfolioMetrics { return b.perf }

func (b *fakeBook) Enabled(name string) bool {
	_, off := b.disabled[name]
	return !off
}

func (b *fakeBook) Disable(name, reason string) error {
	b.calls++
	b.disabled[name] = reason
	return nil
}

func autoDisableConfig() config.AutoDisableConfig {
	return config.AutoDisableConfig{
		DailyLossPct:        10,
		ConsecutiveLosses:   5,
		MaxDrawdownPct:      20,
		MinWinRate:          0.40,
		MinTradesForWinRate: 20,
	}
}

func newTestMonitor(cfg config.AutoDisableConfig, book *fakeBook) *Monitor {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewMonitor(cfg, book, metrics.New(), logger)
}

func healthyMetrics() types.PortfolioMetrics {
	return types.PortfolioMetrics{
		TotalTrades:       30,
		WinRate:           0.60,
		MaxDrawdownPct:    4,
		ConsecutiveLosses: 1,
		DailyPnLPct:       0.5,
	}
}

func TestMonitorDisablesOnLosingStreak(t *testing.T) {
	t.Parallel()
	book := &fakeBook{
		perf: map[string]types.PortfolioMetrics{
			"momentum": {TotalTrades: 12, ConsecutiveLosses: 5, WinRate: 0.41},
		},
		disabled: map[string]string{},
	}
	mon := newTestMonitor(autoDisableConfig(), book)

	var events []types.ActivityEvent
	mon.SetNotifier(func(e types.ActivityEvent) { events = append(events, e) })

	now := time.Now().UTC()
	breaches := mon.Sweep(now)
	if len(breaches) != 1 {
		t.Fatalf("breaches = %d, want 1", len(breaches))
	}
	if breaches[0].Strategy != "momentum" {
		t.Errorf("breach strategy = %q, want momentum", breaches[0].Strategy)
	}
	if breaches[0].Reason != "consecutive_losses>=5" {
		t.Errorf("breach reason = %q, want consecutive_losses>=5", breaches[0].Reason)
	}
	if got := book.disabled["momentum"]; got != "consecutive_losses>=5" {
		t.Errorf("recorded disable reason = %q", got)
	}

	if len(events) != 1 {
		t.Fatalf("activity events = %d, want 1", len(events))
	}
	ev := events[0]
	if ev.Type != types.ActError || ev.ErrKind != "strategy_disabled" {
		t.Errorf("event = %+v, want error/strategy_disabled", ev)
	}
	if ev.Strategy != "momentum" || ev.Message != "consecutive_losses>=5" {
		t.Errorf("event detail = %+v", ev)
	}
	if !ev.Timestamp.Equal(now) {
		t.Errorf("event timestamp = %v, want %v", ev.Timestamp, now)
	}
}

func TestMonitorThresholdSweep(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name       string
		metrics    types.PortfolioMetrics
		wantReason string
	}{
		{
			name:       "healthy book stays on",
			metrics:    healthyMetrics(),
			wantReason: "",
		},
		{
			name: "daily loss",
			metrics: types.PortfolioMetrics{
				TotalTrades: 8, DailyPnLPct: -12.5, WinRate: 0.5,
			},
			wantReason: "daily_pnl_pct<-10",
		},
		{
			name: "drawdown",
			metrics: types.PortfolioMetrics{
				TotalTrades: 25, MaxDrawdownPct: 23, WinRate: 0.5,
			},
			wantReason: "max_drawdown_pct>20",
		},
		{
			name: "win rate with full sample",
			metrics: types.PortfolioMetrics{
				TotalTrades: 24, WinRate: 0.30, MaxDrawdownPct: 5,
			},
			wantReason: "win_rate<0.4",
		},
		{
			name: "win rate spared on thin sample",
			metrics: types.PortfolioMetrics{
				TotalTrades: 10, WinRate: 0.20, MaxDrawdownPct: 5,
			},
			wantReason: "",
		},
		{
			name: "loss exactly at floor stays on",
			metrics: types.PortfolioMetrics{
				TotalTrades: 8, DailyPnLPct: -10, WinRate: 0.5,
			},
			wantReason: "",
		},
	}

	for _, tc := range cases {
		book := &fakeBook{
			perf:     map[string]types.PortfolioMetrics{"arbitrage": tc.metrics},
			disabled: map[string]string{},
		}
		mon := newTestMonitor(autoDisableConfig(), book)

		breaches := mon.Sweep(time.Now())
		if tc.wantReason == "" {
			if len(breaches) != 0 {
				t.Errorf("%s: breaches = %v, want none", tc.name, breaches)
			}
			continue
		}
		if len(breaches) != 1 || breaches[0].Reason != tc.wantReason {
			t.Errorf("%s: breaches = %v, want reason %q", tc.name, breaches, tc.wantReason)
		}
	}
}

func TestMonitorFirstLimitWins(t *testing.T) {
	t.Parallel()
	book := &fakeBook{
		perf: map[string]types.PortfolioMetrics{
			"stat_arb": {
				TotalTrades: 30, DailyPnLPct: -15, ConsecutiveLosses: 9,
				MaxDrawdownPct: 30, WinRate: 0.1,
			},
		},
		disabled: map[string]string{},
	}
	mon := newTestMonitor(autoDisableConfig(), book)

	breaches := mon.Sweep(time.Now())
	if len(breaches) != 1 {
		t.Fatalf("breaches = %d, want 1", len(breaches))
	}
	if breaches[0].Reason != "daily_pnl_pct<-10" {
		t.Errorf("reason = %q, want the daily loss limit first", breaches[0].Reason)
	}
}

func TestMonitorLeavesDisabledStrategiesAlone(t *testing.T) {
	t.Parallel()
	book := &fakeBook{
		perf: map[string]types.PortfolioMetrics{
			"momentum": {TotalTrades: 40, ConsecutiveLosses: 12},
		},
		disabled: map[string]string{"momentum": "consecutive_losses>=5"},
	}
	mon := newTestMonitor(autoDisableConfig(), book)

	if breaches := mon.Sweep(time.Now()); len(breaches) != 0 {
		t.Fatalf("breaches = %v, want none for an already-disabled strategy", breaches)
	}
	if book.calls != 0 {
		t.Errorf("Disable called %d times, want 0", book.calls)
	}
}

func TestMonitorZeroThresholdDisablesCheck(t *testing.T) {
	t.Parallel()
	cfg := autoDisableConfig()
	cfg.ConsecutiveLosses = 0
	book := &fakeBook{
		perf: map[string]types.PortfolioMetrics{
			"momentum": {TotalTrades: 30, ConsecutiveLosses: 50, WinRate: 0.5, DailyPnLPct: 1},
		},
		disabled: map[string]string{},
	}
	mon := newTestMonitor(cfg, book)

	if breaches := mon.Sweep(time.Now()); len(breaches) != 0 {
		t.Fatalf("breaches = %v, want none with the streak check off", breaches)
	}
}

func TestMonitorSweepsRosterInNameOrder(t *testing.T) {
	t.Parallel()
	book := &fakeBook{
		perf: map[string]types.PortfolioMetrics{
			"momentum":  {TotalTrades: 10, ConsecutiveLosses: 6},
			"arbitrage": {TotalTrades: 10, ConsecutiveLosses: 7},
			"stat_arb":  {TotalTrades: 10, ConsecutiveLosses: 8},
		},
		disabled: map[string]string{},
	}
	mon := newTestMonitor(autoDisableConfig(), book)

	breaches := mon.Sweep(time.Now())
	if len(breaches) != 3 {
		t.Fatalf("breaches = %d, want 3", len(breaches))
	}
	want := []string{"arbitrage", "momentum", "stat_arb"}
	for i, name := range want {
		if breaches[i].Strategy != name {
			t.Errorf("breaches[%d] = %q, want %q", i, breaches[i].Strategy, name)
		}
	}
}
