package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"polymarket-lab/internal/config"
	"polymarket-lab/pkg/types"
)

// ControlWriter is the operator control surface: read the last state,
// write a new one. The control watcher implements it.
type ControlWriter interface {
	Last() types.ControlState
	Write(state types.ControlState) error
}

// StrategyAdmin is the roster lever behind the strategy endpoints. The
// strategy manager implements it.
type StrategyAdmin interface {
	Enable(name string) error
	Disable(name, reason string) error
	Pause(name string) error
	Resume(name string) error
}

// Handlers holds the HTTP handler dependencies.
type Handlers struct {
	provider StateProvider
	cfg      *config.Config
	control  ControlWriter
	admin    StrategyAdmin
	hub      *Hub
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewHandlers wires the handler set.
func NewHandlers(provider StateProvider, cfg *config.Config, control ControlWriter, admin StrategyAdmin, hub *Hub, logger *slog.Logger) *Handlers {
	h := &Handlers{
		provider: provider,
		cfg:      cfg,
		control:  control,
		admin:    admin,
		hub:      hub,
		logger:   logger.With("component", "api-handlers"),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return isOriginAllowed(r.Header.Get("Origin"), cfg.Dashboard, r.Host)
		},
	}
	return h
}

// isOriginAllowed applies the websocket origin policy. With an explicit
// allowlist only exact matches pass. Without one, same-host and local
// origins pass; anything else is rejected.
func isOriginAllowed(origin string, cfg config.DashboardConfig, reqHost string) bool {
	if origin == "" {
		return true
	}
	if len(cfg.AllowedOrigins) > 0 {
		for _, allowed := range cfg.AllowedOrigins {
			if strings.EqualFold(origin, allowed) {
				return true
			}
		}
		return false
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	switch u.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return strings.EqualFold(u.Host, reqHost)
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handlers) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, map[string]string{"error": msg})
}

// HandleHealthz reports per-dependency health.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, BuildHealth(h.provider.SourceHealth()))
}

// HandleSnapshot returns the full observer snapshot.
func (h *Handlers) HandleSnapshot(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, BuildSnapshot(h.provider, h.cfg))
}

// controlRequest is the POST /api/control body.
type controlRequest struct {
	Action string `json:"action"` // pause | resume | kill
	Reason string `json:"reason,omitempty"`
}

// HandleControl applies an operator control action and returns the new
// state. Kill is one-way from this surface; clearing it means editing
// the control record by hand after the operator has looked at why.
func (h *Handlers) HandleControl(w http.ResponseWriter, r *http.Request) {
	var req controlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "malformed body: "+err.Error())
		return
	}

	state := h.control.Last()
	switch req.Action {
	case "pause":
		state.Paused = true
	case "resume":
		state.Paused = false
	case "kill":
		state.KillActive = true
		state.KillReason = req.Reason
		if state.KillReason == "" {
			state.KillReason = "operator kill via api"
		}
	default:
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown action %q", req.Action))
		return
	}
	state.UpdatedAt = time.Now().UTC()

	if err := h.control.Write(state); err != nil {
		h.logger.Error("control write failed", "action", req.Action, "error", err)
		h.writeError(w, http.StatusInternalServerError, "control write failed")
		return
	}
	h.logger.Info("control action applied", "action", req.Action, "reason", req.Reason)
	h.writeJSON(w, http.StatusOK, state)
}

// HandleStrategyAction serves POST /api/strategies/{name}/{action} for
// enable, disable, pause, and resume.
func (h *Handlers) HandleStrategyAction(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	action := r.PathValue("action")

	var err error
	switch action {
	case "enable":
		err = h.admin.Enable(name)
	case "disable":
		err = h.admin.Disable(name, "operator disable via api")
	case "pause":
		err = h.admin.Pause(name)
	case "resume":
		err = h.admin.Resume(name)
	default:
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown action %q", action))
		return
	}
	if err != nil {
		h.writeError(w, http.StatusNotFound, err.Error())
		return
	}

	h.logger.Info("strategy action applied", "strategy", name, "action", action)
	h.hub.BroadcastEvent(NewStrategyEvent(h.provider.StrategyStatuses(), nil))
	h.writeJSON(w, http.StatusOK, map[string]string{"strategy": name, "action": action, "status": "ok"})
}

// HandleWebSocket upgrades the connection and pushes the hello snapshot.
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := NewClient(h.hub, conn)

	hello := DashboardEvent{
		Type:      TypeSnapshot,
		Timestamp: time.Now().UTC(),
		Data:      BuildSnapshot(h.provider, h.cfg),
	}
	data, err := json.Marshal(hello)
	if err != nil {
		h.logger.Error("failed to marshal hello snapshot", "error", err)
		return
	}
	client.enqueue(data)
}
