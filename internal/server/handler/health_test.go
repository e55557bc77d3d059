package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calebwestray/protectbot/internal/domain"
	"github.com/calebwestray/protectbot/internal/protection"
)

func TestHealthCheckReportsBook(t *testing.T) {
	h := NewHealthHandler(&stubPositions{summaries: []protection.PositionSummary{
		{Symbol: "AAPL", State: domain.StateBreakevenProtected},
		{Symbol: "MSFT", State: domain.StateInitialRisk},
	}}, testLogger())

	rec := httptest.NewRecorder()
	h.HealthCheck(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp["status"])
	assert.EqualValues(t, 2, resp["protected_positions"])
	assert.EqualValues(t, 0, resp["degraded_positions"])
}

func TestHealthCheckFlagsDegradedPositions(t *testing.T) {
	h := NewHealthHandler(&stubPositions{summaries: []protection.PositionSummary{
		{Symbol: "AAPL", State: domain.StateDegraded},
		{Symbol: "MSFT", State: domain.StatePartialProfit},
	}}, testLogger())

	rec := httptest.NewRecorder()
	h.HealthCheck(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "degraded", resp["status"])
	assert.EqualValues(t, 1, resp["degraded_positions"])
}

func TestHealthCheckWithoutEngine(t *testing.T) {
	h := NewHealthHandler(nil, testLogger())

	rec := httptest.NewRecorder()
	h.HealthCheck(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp["status"])
	assert.EqualValues(t, 0, resp["protected_positions"])
}
