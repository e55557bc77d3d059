package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/calebwestray/protectbot/internal/domain"
	"github.com/calebwestray/protectbot/internal/protection"
)

// PositionService defines the read methods the position handler requires.
// The protection monitor satisfies it.
type PositionService interface {
	Summaries() []protection.PositionSummary
	Summary(symbol string) (protection.PositionSummary, error)
}

// PositionHandler serves protected-position HTTP endpoints.
type PositionHandler struct {
	positions PositionService
	logger    *slog.Logger
}

// NewPositionHandler creates a PositionHandler with the given service and logger.
func NewPositionHandler(positions PositionService, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{
		positions: positions,
		logger:    logger,
	}
}

// listPositionsResponse wraps the list positions response.
type listPositionsResponse struct {
	Positions []protection.PositionSummary `json:"positions"`
}

// ListPositions returns every position the engine is protecting.
// GET /api/positions
func (h *PositionHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	summaries := h.positions.Summaries()
	if summaries == nil {
		summaries = []protection.PositionSummary{}
	}
	writeJSON(w, http.StatusOK, listPositionsResponse{Positions: summaries})
}

// GetPosition returns the protection view of one position.
// GET /api/positions/{symbol}
func (h *PositionHandler) GetPosition(w http.ResponseWriter, r *http.Request) {
	symbol := pathParam(r, "symbol")
	if symbol == "" {
		writeError(w, http.StatusBadRequest, "symbol path parameter required")
		return
	}

	summary, err := h.positions.Summary(symbol)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "position not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: get position failed",
			slog.String("symbol", symbol),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to get position")
		return
	}

	writeJSON(w, http.StatusOK, summary)
}
