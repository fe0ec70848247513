// Package portfolio keeps the virtual ledger for each strategy.
//
// A Tracker holds the strategy's cash, open positions, and closed-trade
// history in exact decimal arithmetic. All mutations go through ApplyFill
// and ApplyClose; a mutation that would break an invariant (cash below
// zero, unknown position) is rejected without partial effects. Equity is
// cash plus the marked value of every open position; marks default to the
// entry price until the first MarkToMarket.
package portfolio

import (
	"errors"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"polymarket-lab/pkg/types"
)

var (
	// ErrDuplicateTrade is returned when a fill or close with an
	// already-applied trade ID arrives. Replays rely on this to stay
	// idempotent.
	ErrDuplicateTrade = errors.New("trade id already applied")

	// ErrInsufficientCash rejects a fill whose notional exceeds cash.
	ErrInsufficientCash = errors.New("insufficient cash")

	// ErrNoPosition rejects a close with no matching open position.
	ErrNoPosition = errors.New("no open position")
)

// closedRecord is one settled trade in arrival order. The ordered stream
// drives win rate, Sharpe, and the consecutive-loss count.
type closedRecord struct {
	TradeID  int64
	Realized decimal.Decimal
	Notional decimal.Decimal
	ClosedAt time.Time
}

// Tracker is the single-writer ledger for one strategy.
type Tracker struct {
	mu       sync.RWMutex
	strategy string
	initial  decimal.Decimal
	cash     decimal.Decimal

	positions map[string]*types.Position
	marks     map[string]decimal.Decimal // position key → last mark price

	equity         decimal.Decimal
	peak           decimal.Decimal
	maxDrawdownPct float64
	realized       decimal.Decimal

	closed        []closedRecord
	appliedFills  map[int64]bool
	appliedCloses map[int64]bool

	dayAnchor time.Time // UTC midnight the daily PnL is measured from
	dayStart  decimal.Decimal
}

// NewTracker creates a ledger funded with the initial capital.
func NewTracker(strategy string, initialCapital decimal.Decimal) *Tracker {
	now := time.Now().UTC()
	return &Tracker{
		strategy:      strategy,
		initial:       initialCapital,
		cash:          initialCapital,
		positions:     make(map[string]*types.Position),
		marks:         make(map[string]decimal.Decimal),
		equity:        initialCapital,
		peak:          initialCapital,
		realized:      decimal.Zero,
		appliedFills:  make(map[int64]bool),
		appliedCloses: make(map[int64]bool),
		dayAnchor:     midnight(now),
		dayStart:      initialCapital,
	}
}

func midnight(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// Strategy returns the owning strategy name.
func (tr *Tracker) Strategy() string { return tr.strategy }

// ApplyFill debits cash and opens or grows the trade's position.
func (tr *Tracker) ApplyFill(t types.Trade) error {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.rollDayLocked(time.Now().UTC())

	if tr.appliedFills[t.TradeID] {
		return ErrDuplicateTrade
	}
	if t.NotionalUSD.GreaterThan(tr.cash) {
		return ErrInsufficientCash
	}

	tr.cash = tr.cash.Sub(t.NotionalUSD)

	key := types.PositionKey(t.Strategy, t.MarketID, t.Side)
	entry := t.EntryPrice()
	if pos, ok := tr.positions[key]; ok {
		totalCost := pos.AvgEntryPrice.Mul(pos.Units).Add(entry.Mul(t.Units))
		pos.Units = pos.Units.Add(t.Units)
		if pos.Units.IsPositive() {
			pos.AvgEntryPrice = totalCost.Div(pos.Units)
		}
		pos.LastUpdated = time.Now().UTC()
	} else {
		tr.positions[key] = &types.Position{
			Strategy:      t.Strategy,
			MarketID:      t.MarketID,
			Side:          t.Side,
			Units:         t.Units,
			AvgEntryPrice: entry,
			OpenedAt:      t.FilledAt,
			LastUpdated:   time.Now().UTC(),
		}
	}
	if _, ok := tr.marks[key]; !ok {
		tr.marks[key] = entry
	}

	tr.appliedFills[t.TradeID] = true
	tr.refreshEquityLocked()
	return nil
}

// ApplyClose credits the exit proceeds, realizes PnL against the average
// entry price, and shrinks or removes the position.
func (tr *Tracker) ApplyClose(t types.Trade) error {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.rollDayLocked(time.Now().UTC())

	if tr.appliedCloses[t.TradeID] {
		return ErrDuplicateTrade
	}
	key := types.PositionKey(t.Strategy, t.MarketID, t.Side)
	pos, ok := tr.positions[key]
	if !ok {
		return ErrNoPosition
	}

	closeUnits := t.Units
	if closeUnits.GreaterThan(pos.Units) {
		closeUnits = pos.Units
	}

	proceeds := closeUnits.Mul(t.ExitPrice)
	realizedDelta := t.ExitPrice.Sub(pos.AvgEntryPrice).Mul(closeUnits)

	tr.cash = tr.cash.Add(proceeds)
	tr.realized = tr.realized.Add(realizedDelta)

	closedAt := time.Now().UTC()
	if t.ClosedAt != nil {
		closedAt = t.ClosedAt.UTC()
	}
	tr.closed = append(tr.closed, closedRecord{
		TradeID:  t.TradeID,
		Realized: realizedDelta,
		Notional: pos.AvgEntryPrice.Mul(closeUnits),
		ClosedAt: closedAt,
	})

	pos.Units = pos.Units.Sub(closeUnits)
	if !pos.Units.IsPositive() {
		delete(tr.positions, key)
		delete(tr.marks, key)
	} else {
		pos.LastUpdated = time.Now().UTC()
	}

	tr.appliedCloses[t.TradeID] = true
	tr.refreshEquityLocked()
	return nil
}

// MarkToMarket revalues every open position from the outcome price map
// (market_id → outcome → price) and returns the new equity. Positions
// whose market is absent keep their previous mark.
func (tr *Tracker) MarkToMarket(prices map[string]map[string]decimal.Decimal) decimal.Decimal {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.rollDayLocked(time.Now().UTC())

	for key, pos := range tr.positions {
		outcomes, ok := prices[pos.MarketID]
		if !ok {
			continue
		}
		if mark, ok := markPrice(pos.Side, outcomes); ok {
			tr.marks[key] = mark
			pos.LastUpdated = time.Now().UTC()
		}
	}
	tr.refreshEquityLocked()
	return tr.equity
}

// markPrice values one unit of the position from current outcome prices.
// A PAIR unit holds one YES and one NO share.
func markPrice(side types.Side, outcomes map[string]decimal.Decimal) (decimal.Decimal, bool) {
	switch side {
	case types.SidePair:
		yes, okYes := outcomes["YES"]
		no, okNo := outcomes["NO"]
		if !okYes || !okNo {
			return decimal.Zero, false
		}
		return yes.Add(no), true
	default:
		p, ok := outcomes[string(side)]
		return p, ok
	}
}

// refreshEquityLocked recomputes equity from cash and marks, then updates
// the peak and the worst drawdown.
func (tr *Tracker) refreshEquityLocked() {
	equity := tr.cash
	for key, pos := range tr.positions {
		mark, ok := tr.marks[key]
		if !ok {
			mark = pos.AvgEntryPrice
		}
		equity = equity.Add(pos.Units.Mul(mark))
	}
	tr.equity = equity

	if equity.GreaterThan(tr.peak) {
		tr.peak = equity
	}
	if tr.peak.IsPositive() {
		dd := tr.peak.Sub(equity).Div(tr.peak).InexactFloat64() * 100
		if dd > tr.maxDrawdownPct {
			tr.maxDrawdownPct = dd
		}
	}
}

// rollDayLocked re-anchors the daily PnL baseline when a UTC day boundary
// has passed since the last mutation.
func (tr *Tracker) rollDayLocked(now time.Time) {
	if anchor := midnight(now); anchor.After(tr.dayAnchor) {
		tr.dayAnchor = anchor
		tr.dayStart = tr.equity
	}
}

// Cash returns the current cash balance.
func (tr *Tracker) Cash() decimal.Decimal {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	return tr.cash
}

// Equity returns the last computed equity.
func (tr *Tracker) Equity() decimal.Decimal {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	return tr.equity
}

// Has reports whether an open position exists for the market and side.
func (tr *Tracker) Has(marketID string, side types.Side) bool {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	_, ok := tr.positions[types.PositionKey(tr.strategy, marketID, side)]
	return ok
}

// Positions returns copies of the open positions, ordered by key.
func (tr *Tracker) Positions() []types.Position {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	return tr.positionsLocked()
}

func (tr *Tracker) positionsLocked() []types.Position {
	out := make([]types.Position, 0, len(tr.positions))
	for _, pos := range tr.positions {
		out = append(out, *pos)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// Snapshot captures the full ledger state and derived metrics.
func (tr *Tracker) Snapshot() types.PortfolioSnapshot {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.rollDayLocked(time.Now().UTC())

	return types.PortfolioSnapshot{
		Strategy:       tr.strategy,
		CashUSD:        tr.cash,
		EquityUSD:      tr.equity,
		PeakEquityUSD:  tr.peak,
		InitialCapital: tr.initial,
		DailyPnLUSD:    tr.equity.Sub(tr.dayStart),
		RealizedPnLUSD: tr.realized,
		Positions:      tr.positionsLocked(),
		Metrics:        tr.metricsLocked(),
		Timestamp:      time.Now().UTC(),
	}
}

// Metrics returns the derived performance numbers alone.
func (tr *Tracker) Metrics() types.PortfolioMetrics {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.rollDayLocked(time.Now().UTC())
	return tr.metricsLocked()
}

func (tr *Tracker) metricsLocked() types.PortfolioMetrics {
	m := types.PortfolioMetrics{
		TotalTrades:    len(tr.appliedFills),
		OpenTrades:     len(tr.appliedFills) - len(tr.appliedCloses),
		MaxDrawdownPct: tr.maxDrawdownPct,
	}

	if n := len(tr.closed); n > 0 {
		wins := 0
		for _, c := range tr.closed {
			if c.Realized.IsPositive() {
				wins++
			}
		}
		m.WinRate = float64(wins) / float64(n)

		for i := n - 1; i >= 0; i-- {
			if !tr.closed[i].Realized.IsNegative() {
				break
			}
			m.ConsecutiveLosses++
		}

		m.Sharpe, m.SharpeTradesPerYear = tr.sharpeLocked()
	}

	if tr.dayStart.IsPositive() {
		m.DailyPnLPct = tr.equity.Sub(tr.dayStart).Div(tr.dayStart).InexactFloat64() * 100
	}
	if tr.initial.IsPositive() {
		m.TotalReturnPct = tr.equity.Sub(tr.initial).Div(tr.initial).InexactFloat64() * 100
	}
	return m
}

// sharpeLocked computes the per-trade Sharpe ratio annualized by the
// observed closed-trade cadence. Per-trade return is realized PnL over
// the capital the trade put at risk. Needs at least two closed trades
// spanning a positive time window.
func (tr *Tracker) sharpeLocked() (sharpe, tradesPerYear float64) {
	n := len(tr.closed)
	if n < 2 {
		return 0, 0
	}

	span := tr.closed[n-1].ClosedAt.Sub(tr.closed[0].ClosedAt)
	if span <= 0 {
		return 0, 0
	}
	tradesPerYear = float64(n-1) / span.Hours() * 24 * 365

	returns := make([]float64, 0, n)
	for _, c := range tr.closed {
		if !c.Notional.IsPositive() {
			continue
		}
		returns = append(returns, c.Realized.Div(c.Notional).InexactFloat64())
	}
	if len(returns) < 2 {
		return 0, tradesPerYear
	}

	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	variance := 0.0
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	variance /= float64(len(returns) - 1)
	if variance == 0 {
		return 0, tradesPerYear
	}

	return mean / math.Sqrt(variance) * math.Sqrt(tradesPerYear), tradesPerYear
}

// Replay rebuilds the ledger from an ordered trade stream, typically the
// trade journal. Fill records apply before their close records; duplicate
// IDs are skipped so a partially restored ledger replays safely. Returns
// the number of records applied.
func (tr *Tracker) Replay(trades []types.Trade) int {
	applied := 0
	for _, t := range trades {
		switch t.Status {
		case types.TradeFilled, types.TradeOpen:
			if err := tr.ApplyFill(t); err == nil {
				applied++
			}
		case types.TradeClosed:
			if err := tr.ApplyFill(t); err == nil {
				applied++
			}
			if err := tr.ApplyClose(t); err == nil {
				applied++
			}
		}
	}
	return applied
}

// Restore loads ledger state from a persisted snapshot. The closed-trade
// stream is not part of the snapshot; callers seed it from the trade
// journal with SeedClosedTrades.
func (tr *Tracker) Restore(snap types.PortfolioSnapshot) {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	tr.cash = snap.CashUSD
	if snap.InitialCapital.IsPositive() {
		tr.initial = snap.InitialCapital
	}
	tr.peak = snap.PeakEquityUSD
	tr.realized = snap.RealizedPnLUSD
	tr.maxDrawdownPct = snap.Metrics.MaxDrawdownPct

	tr.positions = make(map[string]*types.Position, len(snap.Positions))
	tr.marks = make(map[string]decimal.Decimal, len(snap.Positions))
	for i := range snap.Positions {
		pos := snap.Positions[i]
		tr.positions[pos.Key()] = &pos
		tr.marks[pos.Key()] = pos.AvgEntryPrice
	}

	tr.refreshEquityLocked()
	tr.dayAnchor = midnight(snap.Timestamp)
	tr.dayStart = tr.equity.Sub(snap.DailyPnLUSD)
}

// SeedClosedTrades loads historical closed trades into the metrics stream
// without touching cash. Used after Restore so loss streaks and win rate
// survive a restart.
func (tr *Tracker) SeedClosedTrades(trades []types.Trade) {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	for _, t := range trades {
		if t.Status != types.TradeClosed || tr.appliedCloses[t.TradeID] {
			continue
		}
		closedAt := time.Now().UTC()
		if t.ClosedAt != nil {
			closedAt = t.ClosedAt.UTC()
		}
		tr.closed = append(tr.closed, closedRecord{
			TradeID:  t.TradeID,
			Realized: t.RealizedPnL,
			Notional: t.NotionalUSD,
			ClosedAt: closedAt,
		})
		tr.appliedFills[t.TradeID] = true
		tr.appliedCloses[t.TradeID] = true
	}
	sort.SliceStable(tr.closed, func(i, j int) bool {
		return tr.closed[i].ClosedAt.Before(tr.closed[j].ClosedAt)
	})
}
