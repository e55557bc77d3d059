package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/calebwestray/protectbot/internal/domain"
	"github.com/calebwestray/protectbot/internal/protection"
)

// EngineStatus exposes the protection monitor's view of its book. The
// protection monitor satisfies it.
type EngineStatus interface {
	Summaries() []protection.PositionSummary
}

// HealthHandler reports liveness of the protection engine alongside the
// HTTP server itself.
type HealthHandler struct {
	engine  EngineStatus
	started time.Time
	logger  *slog.Logger
}

// NewHealthHandler creates a HealthHandler backed by the given engine view.
// A nil view reports the server alone.
func NewHealthHandler(engine EngineStatus, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{engine: engine, started: time.Now(), logger: logger}
}

// HealthCheck reports server liveness plus the engine's book: how many
// positions are under protection and how many have degraded. Any degraded
// position flips the reported status so operator monitoring catches it
// without walking the position list.
// GET /api/health
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	protected, degraded := 0, 0
	if h.engine != nil {
		for _, s := range h.engine.Summaries() {
			protected++
			if s.State == domain.StateDegraded {
				degraded++
			}
		}
	}

	status := "ok"
	if degraded > 0 {
		status = "degraded"
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":              status,
		"protected_positions": protected,
		"degraded_positions":  degraded,
		"uptime_seconds":      int64(time.Since(h.started).Seconds()),
		"timestamp":           time.Now().UTC().Format(time.RFC3339),
	})
}
