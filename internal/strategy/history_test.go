package strategy

import (
	"math"
	"testing"
	"time"

	"polymarket-lab/pkg/types"
)

func TestHistoryCapsSeriesLength(t *testing.T) {
	t.Parallel()
	h := NewHistory(20)
	m := binaryMarket("mkt-1", "0.50", "0.52")

	series := make([]float64, 30)
	for i := range series {
		series[i] = 0.30 + float64(i)*0.01
	}
	observeSeries(h, []types.Market{m}, map[string][]float64{"mkt-1": series})

	if got := h.Len("mkt-1"); got != 20 {
		t.Fatalf("Len = %d, want 20", got)
	}
	prices := h.Prices("mkt-1")
	if math.Abs(prices[0]-0.40) > 1e-9 {
		t.Errorf("oldest retained price = %v, want 0.40", prices[0])
	}
	if math.Abs(prices[len(prices)-1]-0.59) > 1e-9 {
		t.Errorf("newest price = %v, want 0.59", prices[len(prices)-1])
	}
}

func TestHistoryClampsCapacity(t *testing.T) {
	t.Parallel()
	m := binaryMarket("mkt-1", "0.50", "0.52")

	small := NewHistory(3)
	observeSeries(small, []types.Market{m}, map[string][]float64{"mkt-1": flatSeries(0.5, 40)})
	if got := small.Len("mkt-1"); got != minHistorySize {
		t.Errorf("undersized capacity clamps to %d, got %d", minHistorySize, got)
	}

	big := NewHistory(500)
	observeSeries(big, []types.Market{m}, map[string][]float64{"mkt-1": flatSeries(0.5, 120)})
	if got := big.Len("mkt-1"); got != maxHistorySize {
		t.Errorf("oversized capacity clamps to %d, got %d", maxHistorySize, got)
	}
}

func TestHistoryPrunesDroppedMarkets(t *testing.T) {
	t.Parallel()
	h := NewHistory(50)
	m1 := binaryMarket("mkt-1", "0.50", "0.52")
	m2 := binaryMarket("mkt-2", "0.40", "0.62")

	now := time.Now().UTC()
	h.Observe([]types.Market{m1, m2}, now)
	if got := h.Tracked(); got != 2 {
		t.Fatalf("Tracked = %d, want 2", got)
	}

	h.Observe([]types.Market{m1}, now.Add(time.Minute))
	if got := h.Tracked(); got != 1 {
		t.Errorf("Tracked after drop = %d, want 1", got)
	}
	if got := h.Len("mkt-2"); got != 0 {
		t.Errorf("Len(dropped) = %d, want 0", got)
	}
}

func TestHistorySkipsMarketsWithoutYesLeg(t *testing.T) {
	t.Parallel()
	h := NewHistory(50)
	m := binaryMarket("mkt-1", "0.50", "0.52")
	delete(m.Prices, "YES")

	h.Observe([]types.Market{m}, time.Now().UTC())
	if got := h.Len("mkt-1"); got != 0 {
		t.Errorf("Len = %d, want 0 for market without YES price", got)
	}
}

func TestHistoryRecordsVolumes(t *testing.T) {
	t.Parallel()
	h := NewHistory(50)
	m := binaryMarket("mkt-1", "0.50", "0.52")

	now := time.Now().UTC()
	for i, v := range []string{"1000", "2000", "4000"} {
		m.Volume24hUSD = dec(v)
		h.Observe([]types.Market{m}, now.Add(time.Duration(i)*time.Minute))
	}

	vols := h.Volumes("mkt-1")
	want := []float64{1000, 2000, 4000}
	if len(vols) != len(want) {
		t.Fatalf("len(Volumes) = %d, want %d", len(vols), len(want))
	}
	for i := range want {
		if math.Abs(vols[i]-want[i]) > 1e-9 {
			t.Errorf("Volumes[%d] = %v, want %v", i, vols[i], want[i])
		}
	}
}
