package api

import (
	"time"

	"polymarket-lab/internal/strategy"
	"polymarket-lab/pkg/types"
)

// Event channels. Every broadcast event is tagged with exactly one of
// these; subscribers filter client-side. TypeSnapshot is not a stream,
// it is the hello payload pushed once when a subscriber connects.
const (
	TypeSnapshot   = "snapshot"
	TypePortfolio  = "portfolio"
	TypeTrades     = "trades"
	TypeStrategies = "strategies"
	TypeAlerts     = "alerts"
	TypeActivity   = "activity"
)

// DashboardEvent is the wrapper for everything sent to observers.
type DashboardEvent struct {
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// PortfolioEvent carries the aggregate book plus each strategy's book.
// Broadcast once per cycle, after mark-to-market and exits settle.
type PortfolioEvent struct {
	Aggregate  types.PortfolioSnapshot            `json:"aggregate"`
	Strategies map[string]types.PortfolioSnapshot `json:"strategies"`
}

// TradeEvent mirrors one paper fill or close. The fill event for a trade
// is always broadcast before the portfolio event that reflects it.
type TradeEvent struct {
	Action string      `json:"action"` // "filled" or "closed"
	Trade  types.Trade `json:"trade"`
}

// StrategyEvent carries roster changes and weekly selector output.
// Proposal is nil for plain enable/disable/pause transitions.
type StrategyEvent struct {
	Statuses map[string]types.StrategyState `json:"statuses"`
	Proposal *strategy.Proposal             `json:"proposal,omitempty"`
}

// AlertEvent is an operator-facing warning: auto-disable, kill switch,
// a source going down.
type AlertEvent struct {
	Kind     string `json:"kind"`
	Strategy string `json:"strategy,omitempty"`
	Message  string `json:"message"`
}

// NewPortfolioEvent wraps the per-cycle book broadcast.
func NewPortfolioEvent(agg types.PortfolioSnapshot, per map[string]types.PortfolioSnapshot) DashboardEvent {
	return DashboardEvent{
		Type:      TypePortfolio,
		Timestamp: time.Now().UTC(),
		Data:      PortfolioEvent{Aggregate: agg, Strategies: per},
	}
}

// NewTradeEvent wraps a fill or close for the trades stream.
func NewTradeEvent(action string, t types.Trade) DashboardEvent {
	return DashboardEvent{
		Type:      TypeTrades,
		Timestamp: time.Now().UTC(),
		Data:      TradeEvent{Action: action, Trade: t},
	}
}

// NewStrategyEvent wraps a roster update, optionally with the weekly
// proposal that caused it.
func NewStrategyEvent(statuses map[string]types.StrategyState, proposal *strategy.Proposal) DashboardEvent {
	return DashboardEvent{
		Type:      TypeStrategies,
		Timestamp: time.Now().UTC(),
		Data:      StrategyEvent{Statuses: statuses, Proposal: proposal},
	}
}

// NewAlertEvent wraps an operator alert.
func NewAlertEvent(kind, strategyName, message string) DashboardEvent {
	return DashboardEvent{
		Type:      TypeAlerts,
		Timestamp: time.Now().UTC(),
		Data:      AlertEvent{Kind: kind, Strategy: strategyName, Message: message},
	}
}

// NewActivityEvent forwards one activity journal record to observers.
func NewActivityEvent(ev types.ActivityEvent) DashboardEvent {
	return DashboardEvent{
		Type:      TypeActivity,
		Timestamp: ev.Timestamp,
		Data:      ev,
	}
}
