// Package paper simulates order execution against per-strategy virtual
// portfolios.
//
// The engine is the only writer of Trade records. Every placement runs
// the execution gate first; a denied request produces no record at all.
// A passing request fills at the market's current outcome prices,
// worsened by the configured slippage, and commits to the strategy's
// ledger in one step: the fill is journaled and announced only after the
// ledger accepts it. Trade ids are monotonic across restarts.
package paper

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"polymarket-lab/internal/config"
	"polymarket-lab/internal/gate"
	"polymarket-lab/internal/metrics"
	"polymarket-lab/internal/portfolio"
	"polymarket-lab/pkg/types"
)

// Exit reasons recorded on closed trades.
const (
	ExitProfitTarget = "profit_target"
	ExitStopLoss     = "stop_loss"
	ExitExpiry       = "expiry"
	ExitMaxHold      = "max_hold"
	ExitManual       = "manual"
)

// unitPrecision is the decimal places kept on share counts. Notional is
// recomputed from the truncated units so the ledger stays exact.
const unitPrecision = 6

var (
	// ErrInsufficientCash mirrors the ledger's rejection.
	ErrInsufficientCash = portfolio.ErrInsufficientCash

	// ErrPositionLimit rejects an open beyond the strategy's per-cycle cap.
	ErrPositionLimit = errors.New("position limit reached")

	// ErrDuplicatePosition rejects a second open on the same market and side.
	ErrDuplicatePosition = errors.New("position already open")

	// ErrUnknownTrade rejects a close for a trade id the engine is not
	// holding open.
	ErrUnknownTrade = errors.New("unknown trade id")
)

// GateDeniedError carries the gate's reason for refusing a request.
type GateDeniedError struct {
	Reason string
}

func (e *GateDeniedError) Error() string {
	return "gate denied: " + e.Reason
}

// Ledger is the portfolio surface the engine commits to. Each strategy's
// tracker implements it.
type Ledger interface {
	ApplyFill(t types.Trade) error
	ApplyClose(t types.Trade) error
	Has(marketID string, side types.Side) bool
}

// TradeJournal receives every committed trade record.
type TradeJournal interface {
	Trade(t types.Trade) error
}

// Engine simulates fills and owns the set of open trades.
type Engine struct {
	gate    *gate.Gate
	journal TradeJournal
	metrics *metrics.Registry
	logger  *slog.Logger

	mu          sync.Mutex
	strategies  config.StrategiesConfig
	slippageBps int64
	nextID      int64
	cycleOpens  map[string]int
	open        map[int64]types.Trade
	notify      func(types.ActivityEvent)
}

// NewEngine builds the engine. The journal may not be nil; the notifier
// is optional and installed with SetNotifier.
func NewEngine(cfg *config.Config, g *gate.Gate, jrnl TradeJournal, m *metrics.Registry, logger *slog.Logger) *Engine {
	return &Engine{
		gate:        g,
		journal:     jrnl,
		metrics:     m,
		logger:      logger.With("component", "paper"),
		strategies:  cfg.Strategies,
		slippageBps: int64(cfg.Gate.SlippageBps),
		nextID:      1,
		cycleOpens:  make(map[string]int),
		open:        make(map[int64]types.Trade),
	}
}

// SetNotifier installs the activity event callback. The engine calls it
// synchronously after each commit; it must not block.
func (e *Engine) SetNotifier(fn func(types.ActivityEvent)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.notify = fn
}

// BeginCycle resets the per-cycle open counters. The driver calls it at
// every cycle boundary.
func (e *Engine) BeginCycle() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cycleOpens = make(map[string]int)
}

// Place runs the gate and, when allowed, fills the opportunity at the
// market's current prices and commits it to the ledger. The size is
// clamped to the strategy's max trade size. A denied or rejected request
// creates no trade record.
func (e *Engine) Place(req gate.Request, ledger Ledger, sizeUSD decimal.Decimal) (*types.Trade, error) {
	opp := req.Opportunity

	if d := e.gate.MayExecute(req); !d.Allowed {
		return nil, &GateDeniedError{Reason: d.Reason}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	th := e.strategies.Thresholds(opp.Strategy)
	if th.MaxOpensPerCycle > 0 && e.cycleOpens[opp.Strategy] >= th.MaxOpensPerCycle {
		return nil, ErrPositionLimit
	}
	if ledger.Has(opp.MarketID, opp.Side) {
		return nil, ErrDuplicatePosition
	}

	if limit := decimal.NewFromFloat(th.MaxTradeSizeUSD); limit.IsPositive() && sizeUSD.GreaterThan(limit) {
		sizeUSD = limit
	}
	if !sizeUSD.IsPositive() {
		return nil, fmt.Errorf("non-positive trade size %s", sizeUSD)
	}

	fills, err := e.fillPrices(req.Market, opp.Side)
	if err != nil {
		return nil, err
	}
	unitCost := decimal.Zero
	for _, p := range fills {
		unitCost = unitCost.Add(p)
	}
	if !unitCost.IsPositive() {
		return nil, fmt.Errorf("market %s has no positive unit cost for side %s", opp.MarketID, opp.Side)
	}

	units := sizeUSD.Div(unitCost).Truncate(unitPrecision)
	if !units.IsPositive() {
		return nil, fmt.Errorf("trade size %s too small for unit cost %s", sizeUSD, unitCost)
	}

	now := time.Now().UTC()
	trade := types.Trade{
		TradeID:     e.nextID,
		Strategy:    opp.Strategy,
		MarketID:    opp.MarketID,
		Side:        opp.Side,
		Status:      types.TradeFilled,
		Opportunity: opp,
		FilledAt:    now,
		FillPrices:  fills,
		Units:       units,
		NotionalUSD: units.Mul(unitCost),
		TraceID:     uuid.NewString(),
	}

	if err := ledger.ApplyFill(trade); err != nil {
		return nil, err
	}

	e.nextID++
	e.cycleOpens[opp.Strategy]++

	if err := e.journal.Trade(trade); err != nil {
		e.logger.Error("trade journal append failed", "trade_id", trade.TradeID, "error", err)
		e.metrics.RecordError("paper", "journal")
	}
	e.metrics.TradesFilled.WithLabelValues(trade.Strategy).Inc()
	if e.notify != nil {
		e.notify(types.ActivityEvent{
			Type:     types.ActTradeExecuted,
			TraceID:  trade.TraceID,
			Strategy: trade.Strategy,
			MarketID: trade.MarketID,
			TradeID:  trade.TradeID,
		})
	}

	trade.Status = types.TradeOpen
	e.open[trade.TradeID] = trade

	e.logger.Info("paper fill",
		"trade_id", trade.TradeID,
		"strategy", trade.Strategy,
		"market", trade.MarketID,
		"side", trade.Side,
		"units", trade.Units,
		"notional", trade.NotionalUSD)

	copied := trade
	return &copied, nil
}

// fillPrices resolves the entry price per outcome, worsened by slippage.
func (e *Engine) fillPrices(m *types.Market, side types.Side) (map[string]decimal.Decimal, error) {
	if m == nil {
		return nil, fmt.Errorf("no market data for fill")
	}

	outcomes := []string{string(side)}
	if side == types.SidePair {
		outcomes = []string{"YES", "NO"}
	}

	fills := make(map[string]decimal.Decimal, len(outcomes))
	for _, outcome := range outcomes {
		p, ok := m.OutcomePrice(outcome)
		if !ok {
			return nil, fmt.Errorf("market %s missing price for outcome %s", m.ID, outcome)
		}
		fills[outcome] = applySlippage(p, e.slippageBps, true)
	}
	return fills, nil
}

// applySlippage worsens a price by bps: entries pay more, exits receive
// less.
func applySlippage(p decimal.Decimal, bps int64, entry bool) decimal.Decimal {
	if bps <= 0 {
		return p
	}
	adj := decimal.NewFromInt(bps).Div(decimal.NewFromInt(10000))
	if entry {
		return p.Mul(decimal.NewFromInt(1).Add(adj))
	}
	return p.Mul(decimal.NewFromInt(1).Sub(adj))
}

// Close exits an open trade at the given price. The request passes the
// same gate as entries; a denial leaves the trade open. The exit price
// is worsened by slippage before the ledger settles it.
func (e *Engine) Close(req gate.Request, ledger Ledger, tradeID int64, exitPrice decimal.Decimal, reason string) (*types.Trade, error) {
	if d := e.gate.MayExecute(req); !d.Allowed {
		return nil, &GateDeniedError{Reason: d.Reason}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	trade, ok := e.open[tradeID]
	if !ok {
		return nil, ErrUnknownTrade
	}

	now := time.Now().UTC()
	exit := applySlippage(exitPrice, e.slippageBps, false)

	closed := trade
	closed.Status = types.TradeClosed
	closed.ExitPrice = exit
	closed.ClosedAt = &now
	closed.CloseReason = reason
	closed.RealizedPnL = exit.Sub(trade.EntryPrice()).Mul(trade.Units)

	if err := ledger.ApplyClose(closed); err != nil {
		return nil, err
	}

	delete(e.open, tradeID)

	if err := e.journal.Trade(closed); err != nil {
		e.logger.Error("trade journal append failed", "trade_id", closed.TradeID, "error", err)
		e.metrics.RecordError("paper", "journal")
	}
	e.metrics.TradesClosed.WithLabelValues(closed.Strategy, reason).Inc()
	if e.notify != nil {
		e.notify(types.ActivityEvent{
			Type:     types.ActTradeClosed,
			TraceID:  closed.TraceID,
			Strategy: closed.Strategy,
			MarketID: closed.MarketID,
			TradeID:  closed.TradeID,
			Message:  reason,
		})
	}

	e.logger.Info("paper close",
		"trade_id", closed.TradeID,
		"strategy", closed.Strategy,
		"market", closed.MarketID,
		"reason", reason,
		"realized", closed.RealizedPnL)

	return &closed, nil
}

// OpenTrades returns copies of the open trades ordered by trade id.
func (e *Engine) OpenTrades() []types.Trade {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]types.Trade, 0, len(e.open))
	for _, t := range e.open {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TradeID < out[j].TradeID })
	return out
}

// Restore rebuilds the open-trade set and the id counter from the trade
// journal. Fill records open, close records retire; the next id lands
// past everything seen.
func (e *Engine) Restore(trades []types.Trade) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, t := range trades {
		if t.TradeID >= e.nextID {
			e.nextID = t.TradeID + 1
		}
		switch t.Status {
		case types.TradeFilled, types.TradeOpen:
			t.Status = types.TradeOpen
			e.open[t.TradeID] = t
		case types.TradeClosed:
			delete(e.open, t.TradeID)
		}
	}
}

// EvaluateExit applies the strategy's exit policy to one open trade at
// the current per-unit mark. It returns the exit reason and true when
// the trade should close.
func EvaluateExit(t types.Trade, th config.StrategyThresholds, mark decimal.Decimal, endTime, now time.Time) (string, bool) {
	entry := t.EntryPrice()
	if entry.IsPositive() && mark.IsPositive() {
		pnlPct := mark.Sub(entry).Div(entry).InexactFloat64() * 100
		if th.ProfitTargetPct > 0 && pnlPct >= th.ProfitTargetPct {
			return ExitProfitTarget, true
		}
		if th.StopLossPct > 0 && pnlPct <= -th.StopLossPct {
			return ExitStopLoss, true
		}
	}

	if !endTime.IsZero() && !now.Before(endTime) {
		return ExitExpiry, true
	}
	if th.MaxHoldMinutes > 0 && now.Sub(t.FilledAt) >= time.Duration(th.MaxHoldMinutes)*time.Minute {
		return ExitMaxHold, true
	}

	return "", false
}
