package api

import (
	"time"

	"polymarket-lab/internal/config"
	"polymarket-lab/internal/source"
	"polymarket-lab/pkg/types"
)

// StateProvider is the slice of the running engine the API reads from.
// The cycle driver implements it.
type StateProvider interface {
	ControlState() types.ControlState
	PortfolioSnapshots() (types.PortfolioSnapshot, map[string]types.PortfolioSnapshot)
	StrategyStatuses() map[string]types.StrategyState
	StrategyDiagnostics() map[string]map[string]float64
	OpenTrades() []types.Trade
	SourceHealth() []source.HealthReport
	MarketsInfo() MarketsInfo
}

// BuildSnapshot aggregates engine state into the observer snapshot.
func BuildSnapshot(p StateProvider, cfg *config.Config) DashboardSnapshot {
	agg, books := p.PortfolioSnapshots()
	statuses := p.StrategyStatuses()
	diags := p.StrategyDiagnostics()

	strategies := make(map[string]StrategyStatus, len(statuses))
	for name, st := range statuses {
		strategies[name] = StrategyStatus{
			State:       st,
			Book:        books[name],
			Diagnostics: diags[name],
		}
	}

	return DashboardSnapshot{
		Timestamp:  time.Now().UTC(),
		Control:    p.ControlState(),
		Aggregate:  agg,
		Strategies: strategies,
		OpenTrades: p.OpenTrades(),
		Markets:    p.MarketsInfo(),
		Sources:    p.SourceHealth(),
		Config:     NewConfigSummary(cfg),
	}
}

// BuildHealth rolls the per-dependency reports into the healthz body.
func BuildHealth(reports []source.HealthReport) HealthResponse {
	status := "ok"
	for _, r := range reports {
		if r.Status != types.StatusHealthy {
			status = "degraded"
			break
		}
	}
	return HealthResponse{
		Status:       status,
		Dependencies: reports,
		Timestamp:    time.Now().UTC(),
	}
}
