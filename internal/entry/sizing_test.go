package entry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calebwestray/protectbot/internal/domain"
)

func TestSizeOrderFromRiskBudget(t *testing.T) {
	qty, err := SizeOrder(1000, 2.0, 100, SizingConfig{LotSize: 1})
	require.NoError(t, err)
	assert.Equal(t, int64(500), qty)
}

func TestSizeOrderFloors(t *testing.T) {
	// 1000 / 3 = 333.33: flooring keeps realized risk inside the budget.
	qty, err := SizeOrder(1000, 3.0, 100, SizingConfig{LotSize: 1})
	require.NoError(t, err)
	assert.Equal(t, int64(333), qty)
}

func TestSizeOrderNotionalCapSizesDown(t *testing.T) {
	// Risk budget alone would buy 500, but 10k notional at 100 caps at 100.
	qty, err := SizeOrder(1000, 2.0, 100, SizingConfig{MaxPositionValue: 10_000, LotSize: 1})
	require.NoError(t, err)
	assert.Equal(t, int64(100), qty)
}

func TestSizeOrderStopDistanceMandatory(t *testing.T) {
	_, err := SizeOrder(1000, 0, 100, SizingConfig{LotSize: 1})
	assert.ErrorIs(t, err, domain.ErrInvalidRisk)

	_, err = SizeOrder(1000, -1, 100, SizingConfig{LotSize: 1})
	assert.ErrorIs(t, err, domain.ErrInvalidRisk)
}

func TestSizeOrderLotSnapping(t *testing.T) {
	qty, err := SizeOrder(1030, 2.0, 100, SizingConfig{LotSize: 100})
	require.NoError(t, err)
	assert.Equal(t, int64(500), qty)
}

func TestSizeOrderZeroBudget(t *testing.T) {
	qty, err := SizeOrder(0, 2.0, 100, SizingConfig{LotSize: 1})
	require.NoError(t, err)
	assert.Equal(t, int64(0), qty)
}
