package protection

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calebwestray/protectbot/internal/domain"
)

func longPosition(t *testing.T, entry, stop float64, qty int64) domain.Position {
	t.Helper()
	p, err := domain.NewPosition("AAPL", domain.SideLong, qty, entry, stop, time.Now())
	require.NoError(t, err)
	return p
}

func shortPosition(t *testing.T, entry, stop float64, qty int64) domain.Position {
	t.Helper()
	p, err := domain.NewPosition("AAPL", domain.SideShort, qty, entry, stop, time.Now())
	require.NoError(t, err)
	return p
}

func TestRMultipleLong(t *testing.T) {
	p := longPosition(t, 100, 98, 100) // 2.0 risk per unit

	assert.InDelta(t, 0.0, RMultipleAt(p, 100), 1e-9)
	assert.InDelta(t, -1.0, RMultipleAt(p, 98), 1e-9)
	assert.InDelta(t, 1.0, RMultipleAt(p, 102), 1e-9)
	assert.InDelta(t, 2.5, RMultipleAt(p, 105), 1e-9)
	assert.InDelta(t, -1.5, RMultipleAt(p, 97), 1e-9)
}

func TestRMultipleShort(t *testing.T) {
	p := shortPosition(t, 100, 102, 100)

	assert.InDelta(t, 0.0, RMultipleAt(p, 100), 1e-9)
	assert.InDelta(t, -1.0, RMultipleAt(p, 102), 1e-9)
	assert.InDelta(t, 2.0, RMultipleAt(p, 96), 1e-9)
}

func TestRMultipleDenominatorFrozenAtEntry(t *testing.T) {
	p := longPosition(t, 100, 98, 100)

	// Ratcheting the stop must not change the R scale.
	p.ActiveStopPrice = 100
	assert.InDelta(t, 2.0, RMultipleAt(p, 104), 1e-9)
}

func TestStopRMultiple(t *testing.T) {
	p := longPosition(t, 100, 98, 100)
	assert.InDelta(t, -1.0, StopRMultiple(p), 1e-9)

	p.ActiveStopPrice = 100
	assert.InDelta(t, 0.0, StopRMultiple(p), 1e-9)

	p.ActiveStopPrice = 102
	assert.InDelta(t, 1.0, StopRMultiple(p), 1e-9)
}
