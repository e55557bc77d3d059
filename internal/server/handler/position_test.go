package handler

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calebwestray/protectbot/internal/domain"
	"github.com/calebwestray/protectbot/internal/protection"
)

type stubPositions struct {
	summaries []protection.PositionSummary
}

func (s *stubPositions) Summaries() []protection.PositionSummary {
	return s.summaries
}

func (s *stubPositions) Summary(symbol string) (protection.PositionSummary, error) {
	for _, ps := range s.summaries {
		if ps.Symbol == symbol {
			return ps, nil
		}
	}
	return protection.PositionSummary{}, domain.ErrNotFound
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestListPositions(t *testing.T) {
	h := NewPositionHandler(&stubPositions{summaries: []protection.PositionSummary{
		{Symbol: "AAPL", Side: domain.SideLong, State: domain.StateBreakevenProtected, QuantityOpen: 100},
	}}, testLogger())

	req := httptest.NewRequest(http.MethodGet, "/api/positions", nil)
	rec := httptest.NewRecorder()
	h.ListPositions(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Positions []protection.PositionSummary `json:"positions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Positions, 1)
	assert.Equal(t, "AAPL", resp.Positions[0].Symbol)
}

func TestListPositionsEmpty(t *testing.T) {
	h := NewPositionHandler(&stubPositions{}, testLogger())

	req := httptest.NewRequest(http.MethodGet, "/api/positions", nil)
	rec := httptest.NewRecorder()
	h.ListPositions(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"positions":[]}`, rec.Body.String())
}

func TestGetPositionNotFound(t *testing.T) {
	h := NewPositionHandler(&stubPositions{}, testLogger())

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/positions/{symbol}", h.GetPosition)

	req := httptest.NewRequest(http.MethodGet, "/api/positions/MSFT", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetPosition(t *testing.T) {
	h := NewPositionHandler(&stubPositions{summaries: []protection.PositionSummary{
		{Symbol: "TSLA", Side: domain.SideShort, RMultiple: 2.5},
	}}, testLogger())

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/positions/{symbol}", h.GetPosition)

	req := httptest.NewRequest(http.MethodGet, "/api/positions/TSLA", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var summary protection.PositionSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))
	assert.Equal(t, 2.5, summary.RMultiple)
}
