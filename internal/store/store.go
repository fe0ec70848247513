// Package store provides crash-safe persistence for the engine state
// snapshot using JSON files.
//
// The full bot state is one self-describing record at a fixed path,
// rewritten every cycle. Writes use atomic file replacement (write to
// .tmp, then rename) to prevent corruption from partial writes or
// crashes mid-save. The schema is versioned, and fields this binary does
// not know about survive a load-save cycle untouched, so snapshots can
// round-trip between schema versions.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"time"

	"polymarket-lab/pkg/types"
)

// SchemaVersion is the snapshot layout written by this binary.
const SchemaVersion = 1

// CacheSummary describes the market cache at snapshot time.
type CacheSummary struct {
	TrackedMarkets int       `json:"tracked_markets"`
	LastScanAt     time.Time `json:"last_scan_at"`
}

// BotState is the single durable record of the engine. Portfolios holds
// the per-strategy ledgers; Aggregate is their sum viewed as one book.
type BotState struct {
	SchemaVersion   int                                `json:"schema_version"`
	Status          string                             `json:"status"`
	Portfolios      map[string]types.PortfolioSnapshot `json:"portfolios"`
	Aggregate       types.PortfolioSnapshot            `json:"aggregate"`
	Strategies      map[string]types.StrategyState     `json:"strategies"`
	Positions       []types.Position                   `json:"positions"`
	LastCycleAt     time.Time                          `json:"last_cycle_at"`
	LastCycleMs     int64                              `json:"last_cycle_ms"`
	Cache           CacheSummary                       `json:"cache"`
	SelectorLastRun time.Time                          `json:"selector_last_run"`
	UpdatedAt       time.Time                          `json:"updated_at"`

	// extra carries fields written by other schema versions.
	extra map[string]json.RawMessage
}

// knownStateFields is the set of json keys the struct itself owns; any
// other key read from disk lands in extra.
var knownStateFields = func() map[string]bool {
	fields := make(map[string]bool)
	t := reflect.TypeOf(BotState{})
	for i := 0; i < t.NumField(); i++ {
		tag := t.Field(i).Tag.Get("json")
		if tag == "" || tag == "-" {
			continue
		}
		if idx := strings.Index(tag, ","); idx >= 0 {
			tag = tag[:idx]
		}
		fields[tag] = true
	}
	return fields
}()

// UnmarshalJSON decodes the known fields and stashes everything else.
func (b *BotState) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	type alias BotState
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*b = BotState(a)

	for key, val := range raw {
		if knownStateFields[key] {
			continue
		}
		if b.extra == nil {
			b.extra = make(map[string]json.RawMessage)
		}
		b.extra[key] = val
	}
	return nil
}

// MarshalJSON writes the known fields and merges the preserved extras
// back in. Known fields always win on key collision.
func (b BotState) MarshalJSON() ([]byte, error) {
	type alias BotState
	base, err := json.Marshal(alias(b))
	if err != nil {
		return nil, err
	}
	if len(b.extra) == 0 {
		return base, nil
	}

	var merged map[string]json.RawMessage
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for key, val := range b.extra {
		if _, ok := merged[key]; !ok {
			merged[key] = val
		}
	}
	return json.Marshal(merged)
}

// Store persists the bot state record and the subordinate aggregate
// portfolio record. All operations are mutex-protected to prevent
// concurrent file corruption.
type Store struct {
	statePath     string
	portfolioPath string
	mu            sync.Mutex
}

// Open creates a store writing the state record at statePath and the
// aggregate portfolio record at portfolioPath. Parent directories are
// created as needed. portfolioPath may be empty to skip that record.
func Open(statePath, portfolioPath string) (*Store, error) {
	for _, p := range []string{statePath, portfolioPath} {
		if p == "" {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}
	return &Store{statePath: statePath, portfolioPath: portfolioPath}, nil
}

// Close is a no-op for file-based storage.
func (s *Store) Close() error {
	return nil
}

// SaveSnapshot atomically persists the bot state. It stamps the schema
// version and the write time, writes a .tmp file, then renames over the
// target so the record is never left in a partial state.
func (s *Store) SaveSnapshot(state BotState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state.SchemaVersion = SchemaVersion
	state.UpdatedAt = time.Now().UTC()

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	return writeAtomic(s.statePath, data)
}

// LoadSnapshot restores the bot state from disk.
// Returns nil, nil if no snapshot exists (fresh start).
func (s *Store) LoadSnapshot() (*BotState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.statePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read snapshot: %w", err)
	}

	var state BotState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &state, nil
}

// SavePortfolio persists the aggregate portfolio record. Subordinate to
// the snapshot: the snapshot is authoritative on restore.
func (s *Store) SavePortfolio(snap types.PortfolioSnapshot) error {
	if s.portfolioPath == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal portfolio: %w", err)
	}
	return writeAtomic(s.portfolioPath, data)
}

// LoadPortfolio restores the aggregate portfolio record.
// Returns nil, nil if the record does not exist.
func (s *Store) LoadPortfolio() (*types.PortfolioSnapshot, error) {
	if s.portfolioPath == "" {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.portfolioPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read portfolio: %w", err)
	}

	var snap types.PortfolioSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal portfolio: %w", err)
	}
	return &snap, nil
}

func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	return os.Rename(tmp, path)
}
