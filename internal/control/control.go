// Package control reads and writes the operator pause/kill record.
//
// The record is a small JSON file the operator (or the dashboard API)
// rewrites to pause or kill the bot without touching the process. The
// engine reads it once per cycle, so a change lands no later than the
// next cycle boundary. A record that cannot be read for any reason other
// than absence fails closed: the bot behaves as paused until the file is
// fixed. An in-process override channel covers the same states for
// signal handlers and the API.
package control

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"polymarket-lab/pkg/types"
)

// Watcher owns the control record at one path.
type Watcher struct {
	path   string
	logger *slog.Logger

	mu       sync.RWMutex
	override *types.ControlState // in-process override, wins over the file
	last     types.ControlState  // last state served, for the dashboard
}

// NewWatcher creates a watcher for the record at path. A missing file is
// a valid state (not paused, not killed); it is created on first write.
func NewWatcher(path string, logger *slog.Logger) *Watcher {
	return &Watcher{
		path:   path,
		logger: logger.With("component", "control"),
	}
}

// Read returns the effective control state. The in-process override, when
// armed, wins over the file. A malformed file is reported as paused.
func (w *Watcher) Read() types.ControlState {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.override != nil {
		w.last = *w.override
		return w.last
	}

	state, err := w.readFile()
	if err != nil {
		w.logger.Error("control record unreadable, failing closed", "path", w.path, "error", err)
		w.last = types.ControlState{Paused: true, UpdatedAt: time.Now().UTC()}
		return w.last
	}
	w.last = state
	return w.last
}

func (w *Watcher) readFile() (types.ControlState, error) {
	data, err := os.ReadFile(w.path)
	if err != nil {
		if os.IsNotExist(err) {
			return types.ControlState{}, nil
		}
		return types.ControlState{}, fmt.Errorf("read control record: %w", err)
	}

	var state types.ControlState
	if err := json.Unmarshal(data, &state); err != nil {
		return types.ControlState{}, fmt.Errorf("unmarshal control record: %w", err)
	}
	return state, nil
}

// Write persists a new control state through a temp file and a rename so
// the engine never reads a torn record.
func (w *Watcher) Write(state types.ControlState) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	state.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal control record: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(w.path), 0o755); err != nil {
		return fmt.Errorf("create control dir: %w", err)
	}
	tmp := w.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write control record: %w", err)
	}
	if err := os.Rename(tmp, w.path); err != nil {
		return fmt.Errorf("rename control record: %w", err)
	}
	w.last = state
	return nil
}

// SetOverride arms an in-process control state that wins over the file
// until ClearOverride. Used by signal handlers and the dashboard API for
// changes that must not wait on a file write.
func (w *Watcher) SetOverride(state types.ControlState) {
	w.mu.Lock()
	defer w.mu.Unlock()
	state.UpdatedAt = time.Now().UTC()
	w.override = &state
}

// ClearOverride returns authority to the file record.
func (w *Watcher) ClearOverride() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.override = nil
}

// Last returns the most recently served state without re-reading the
// file. The dashboard snapshot uses it.
func (w *Watcher) Last() types.ControlState {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.last
}
