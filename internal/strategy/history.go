package strategy

import (
	"sync"
	"time"

	"polymarket-lab/pkg/types"
)

// History capacity bounds. Momentum needs at least the long EMA window,
// statistical arbitrage the correlation window; anything past 100 points
// at a 60s cadence is stale enough to be noise.
const (
	minHistorySize = 20
	maxHistorySize = 100
)

// observation is one per-cycle sample of a market: the YES price and the
// trailing 24h volume at that instant.
type observation struct {
	price  float64
	volume float64
	at     time.Time
}

// History keeps a bounded per-market series of price observations, one
// sample per scan cycle. The manager appends on every RunAll; detectors
// read. Markets that stop appearing in scans are pruned so the map does
// not grow with the lifetime churn of the market universe.
type History struct {
	mu     sync.RWMutex
	size   int
	series map[string][]observation
}

// NewHistory creates a history with the given per-market capacity,
// clamped into [20, 100].
func NewHistory(size int) *History {
	if size < minHistorySize {
		size = minHistorySize
	}
	if size > maxHistorySize {
		size = maxHistorySize
	}
	return &History{
		size:   size,
		series: make(map[string][]observation),
	}
}

// Observe appends one sample per market and evicts the oldest entries
// beyond capacity. Markets without a YES price are skipped; markets
// absent from this scan are dropped entirely.
func (h *History) Observe(markets []types.Market, now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()

	seen := make(map[string]bool, len(markets))
	for _, m := range markets {
		p, ok := m.OutcomePrice(string(types.SideYes))
		if !ok {
			continue
		}
		seen[m.ID] = true

		s := append(h.series[m.ID], observation{
			price:  p.InexactFloat64(),
			volume: m.Volume24hUSD.InexactFloat64(),
			at:     now,
		})
		if len(s) > h.size {
			s = s[len(s)-h.size:]
		}
		h.series[m.ID] = s
	}

	for id := range h.series {
		if !seen[id] {
			delete(h.series, id)
		}
	}
}

// Len returns the number of samples held for a market.
func (h *History) Len(marketID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.series[marketID])
}

// Prices returns a copy of the market's price series, oldest first.
func (h *History) Prices(marketID string) []float64 {
	h.mu.RLock()
	defer h.mu.RUnlock()

	s := h.series[marketID]
	out := make([]float64, len(s))
	for i, o := range s {
		out[i] = o.price
	}
	return out
}

// Volumes returns a copy of the market's volume series, oldest first.
func (h *History) Volumes(marketID string) []float64 {
	h.mu.RLock()
	defer h.mu.RUnlock()

	s := h.series[marketID]
	out := make([]float64, len(s))
	for i, o := range s {
		out[i] = o.volume
	}
	return out
}

// Tracked returns how many markets currently have a series.
func (h *History) Tracked() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.series)
}
