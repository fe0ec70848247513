package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"polymarket-lab/pkg/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "state", "bot_state.snapshot"),
		filepath.Join(dir, "data", "portfolio_state.record"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleState() BotState {
	return BotState{
		Status: "running",
		Portfolios: map[string]types.PortfolioSnapshot{
			"arbitrage": {
				Strategy:  "arbitrage",
				CashUSD:   decimal.RequireFromString("9950.25"),
				EquityUSD: decimal.RequireFromString("10010.75"),
			},
		},
		Positions: []types.Position{
			{
				Strategy:      "arbitrage",
				MarketID:      "mkt-1",
				Side:          types.SidePair,
				Units:         decimal.NewFromInt(10),
				AvgEntryPrice: decimal.RequireFromString("0.97"),
			},
		},
		LastCycleAt: time.Now().UTC().Truncate(time.Millisecond),
		LastCycleMs: 842,
		Cache:       CacheSummary{TrackedMarkets: 17, LastScanAt: time.Now().UTC()},
	}
}

func TestSaveAndLoadSnapshot(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	if err := s.SaveSnapshot(sampleState()); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}

	loaded, err := s.LoadSnapshot()
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if loaded == nil {
		t.Fatal("LoadSnapshot returned nil")
	}

	if loaded.SchemaVersion != SchemaVersion {
		t.Errorf("SchemaVersion = %d, want %d", loaded.SchemaVersion, SchemaVersion)
	}
	if loaded.Status != "running" {
		t.Errorf("Status = %q, want running", loaded.Status)
	}
	pf, ok := loaded.Portfolios["arbitrage"]
	if !ok {
		t.Fatal("arbitrage portfolio missing after round trip")
	}
	if want := decimal.RequireFromString("9950.25"); !pf.CashUSD.Equal(want) {
		t.Errorf("CashUSD = %s, want %s", pf.CashUSD, want)
	}
	if len(loaded.Positions) != 1 {
		t.Fatalf("expected 1 position, got %d", len(loaded.Positions))
	}
	if loaded.Positions[0].Side != types.SidePair {
		t.Errorf("Side = %q, want PAIR", loaded.Positions[0].Side)
	}
	if loaded.UpdatedAt.IsZero() {
		t.Error("UpdatedAt should be stamped on save")
	}
}

func TestLoadSnapshotMissing(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	loaded, err := s.LoadSnapshot()
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if loaded != nil {
		t.Errorf("expected nil for missing snapshot, got %+v", loaded)
	}
}

func TestSaveSnapshotOverwrites(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	first := sampleState()
	first.Status = "running"
	second := sampleState()
	second.Status = "paused"

	_ = s.SaveSnapshot(first)
	_ = s.SaveSnapshot(second)

	loaded, err := s.LoadSnapshot()
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if loaded.Status != "paused" {
		t.Errorf("Status = %q, want paused (latest save)", loaded.Status)
	}
}

func TestUnknownFieldsSurviveRoundTrip(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	statePath := filepath.Join(dir, "bot_state.snapshot")

	// A snapshot written by a newer schema with a field this binary does
	// not know about.
	raw := `{"schema_version":2,"status":"running","future_field":{"shards":3}}`
	if err := os.WriteFile(statePath, []byte(raw), 0o600); err != nil {
		t.Fatalf("seed snapshot: %v", err)
	}

	s, err := Open(statePath, "")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	loaded, err := s.LoadSnapshot()
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if err := s.SaveSnapshot(*loaded); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}

	data, err := os.ReadFile(statePath)
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if !strings.Contains(string(data), `"future_field"`) {
		t.Error("unknown field dropped by load-save cycle")
	}

	var out map[string]json.RawMessage
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal written snapshot: %v", err)
	}
	if string(out["future_field"]) != `{"shards":3}` {
		t.Errorf("future_field = %s, want original payload", out["future_field"])
	}
	// The version stamp reflects the writing binary, not the source file.
	if string(out["schema_version"]) != "1" {
		t.Errorf("schema_version = %s, want 1", out["schema_version"])
	}
}

func TestSaveSnapshotIsAtomic(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	if err := s.SaveSnapshot(sampleState()); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}

	// No temp file left behind after a successful save.
	if _, err := os.Stat(s.statePath + ".tmp"); !os.IsNotExist(err) {
		t.Errorf("temp file still present after save: %v", err)
	}
}

func TestSaveAndLoadPortfolio(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	snap := types.PortfolioSnapshot{
		Strategy:  "aggregate",
		CashUSD:   decimal.NewFromInt(40000),
		EquityUSD: decimal.RequireFromString("40120.50"),
	}
	if err := s.SavePortfolio(snap); err != nil {
		t.Fatalf("SavePortfolio: %v", err)
	}

	loaded, err := s.LoadPortfolio()
	if err != nil {
		t.Fatalf("LoadPortfolio: %v", err)
	}
	if loaded == nil {
		t.Fatal("LoadPortfolio returned nil")
	}
	if !loaded.EquityUSD.Equal(snap.EquityUSD) {
		t.Errorf("EquityUSD = %s, want %s", loaded.EquityUSD, snap.EquityUSD)
	}
}
