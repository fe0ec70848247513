// Package health watches every strategy's live performance and pulls the
// plug on the ones that breach the auto-disable limits:
//
//   - Daily loss:    DailyPnLPct below the daily loss floor
//   - Losing streak: ConsecutiveLosses at or past the cap
//   - Drawdown:      MaxDrawdownPct past the cap
//   - Win rate:      below the floor, once the trade sample is large enough
//
// A tripped strategy is disabled persistently: the disable lands in the
// state snapshot and survives restarts until an operator re-enables it
// through the control API. The monitor never re-enables anything itself.
package health

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"polymarket-lab/internal/config"
	"polymarket-lab/internal/metrics"
	"polymarket-lab/pkg/types"
)

// Book is the slice of the strategy manager the monitor needs: per-name
// performance, enabled state, and the disable lever.
type Book interface {
	Performance() map[string]types.PortfolioMetrics
	Enabled(name string) bool
	Disable(name, reason string) error
}

// Breach records one auto-disable decision from a sweep. The cycle driver
// turns breaches into alert events for the observer fan-out.
type Breach struct {
	Strategy string                 `json:"strategy"`
	Reason   string                 `json:"reason"`
	Metrics  types.PortfolioMetrics `json:"metrics"`
}

// Monitor sweeps the strategy roster once per cycle.
type Monitor struct {
	cfg     config.AutoDisableConfig
	book    Book
	metrics *metrics.Registry
	logger  *slog.Logger
	notify  func(types.ActivityEvent)
}

// NewMonitor creates the health monitor over the given strategy book.
func NewMonitor(cfg config.AutoDisableConfig, book Book, m *metrics.Registry, logger *slog.Logger) *Monitor {
	return &Monitor{
		cfg:     cfg,
		book:    book,
		metrics: m,
		logger:  logger.With("component", "health"),
	}
}

// SetNotifier installs the activity event callback, called synchronously
// for every disable. It must not block.
func (mo *Monitor) SetNotifier(fn func(types.ActivityEvent)) {
	mo.notify = fn
}

// Sweep checks every enabled strategy against the limits and disables the
// ones that trip. Already-disabled strategies are left alone; the disable
// holds until an explicit re-enable. Returns the breaches in name order.
func (mo *Monitor) Sweep(now time.Time) []Breach {
	perf := mo.book.Performance()

	names := make([]string, 0, len(perf))
	for name := range perf {
		names = append(names, name)
	}
	sort.Strings(names)

	var breaches []Breach
	for _, name := range names {
		if !mo.book.Enabled(name) {
			mo.metrics.StrategyEnabled.WithLabelValues(name).Set(0)
			continue
		}

		m := perf[name]
		reason, tripped := mo.evaluate(m)
		if !tripped {
			mo.metrics.StrategyEnabled.WithLabelValues(name).Set(1)
			continue
		}

		if err := mo.book.Disable(name, reason); err != nil {
			mo.logger.Error("auto-disable failed", "strategy", name, "error", err)
			continue
		}
		mo.metrics.StrategyEnabled.WithLabelValues(name).Set(0)
		mo.metrics.RecordError("health", "strategy_disabled")
		mo.logger.Warn("strategy auto-disabled",
			"strategy", name,
			"reason", reason,
			"daily_pnl_pct", m.DailyPnLPct,
			"consecutive_losses", m.ConsecutiveLosses,
			"max_drawdown_pct", m.MaxDrawdownPct,
			"win_rate", m.WinRate,
			"total_trades", m.TotalTrades,
		)
		if mo.notify != nil {
			mo.notify(types.ActivityEvent{
				Type:      types.ActError,
				Timestamp: now,
				Strategy:  name,
				ErrKind:   "strategy_disabled",
				Message:   reason,
			})
		}
		breaches = append(breaches, Breach{Strategy: name, Reason: reason, Metrics: m})
	}
	return breaches
}

// evaluate runs the threshold sweep in limit order and reports the first
// breach. A zero-valued threshold disables that check.
func (mo *Monitor) evaluate(m types.PortfolioMetrics) (string, bool) {
	if mo.cfg.DailyLossPct > 0 && m.DailyPnLPct < -mo.cfg.DailyLossPct {
		return fmt.Sprintf("daily_pnl_pct<-%g", mo.cfg.DailyLossPct), true
	}
	if mo.cfg.ConsecutiveLosses > 0 && m.ConsecutiveLosses >= mo.cfg.ConsecutiveLosses {
		return fmt.Sprintf("consecutive_losses>=%d", mo.cfg.ConsecutiveLosses), true
	}
	if mo.cfg.MaxDrawdownPct > 0 && m.MaxDrawdownPct > mo.cfg.MaxDrawdownPct {
		return fmt.Sprintf("max_drawdown_pct>%g", mo.cfg.MaxDrawdownPct), true
	}
	if mo.cfg.MinWinRate > 0 && m.TotalTrades > 0 &&
		m.TotalTrades >= mo.cfg.MinTradesForWinRate && m.WinRate < mo.cfg.MinWinRate {
		return fmt.Sprintf("win_rate<%g", mo.cfg.MinWinRate), true
	}
	return "", false
}
