package protection

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calebwestray/protectbot/internal/domain"
)

func newProfitEngine(t *testing.T) *ProfitEngine {
	t.Helper()
	e, err := NewProfitEngine(DefaultExitSchedule(), 1)
	require.NoError(t, err)
	return e
}

func TestProfitProposeBelowFirstThreshold(t *testing.T) {
	e := newProfitEngine(t)
	p := longPosition(t, 100, 98, 100)
	p.RMultiple = 1.99

	_, ok := e.Propose(p)
	assert.False(t, ok)
}

func TestProfitFractionsOfOriginalQuantity(t *testing.T) {
	e := newProfitEngine(t)
	p := longPosition(t, 100, 98, 100)

	p.RMultiple = 2.0
	prop, ok := e.Propose(p)
	require.True(t, ok)
	assert.Equal(t, int64(50), prop.Quantity)
	assert.Equal(t, domain.StatePartialProfit, prop.NextState)
	assert.False(t, prop.Final)

	// Apply the step, then reach 3R: the next fraction is still computed
	// from the ORIGINAL 100, not the remaining 50.
	p.QuantityOpen = 50
	p.ExitsTaken = 1
	p.RMultiple = 3.0
	prop, ok = e.Propose(p)
	require.True(t, ok)
	assert.Equal(t, int64(25), prop.Quantity)
	assert.Equal(t, domain.StateAdvancedProfit, prop.NextState)

	// Final step exits everything left open.
	p.QuantityOpen = 25
	p.ExitsTaken = 2
	p.RMultiple = 4.0
	prop, ok = e.Propose(p)
	require.True(t, ok)
	assert.Equal(t, int64(25), prop.Quantity)
	assert.True(t, prop.Final)
	assert.Equal(t, domain.StateFinalProfit, prop.NextState)
}

func TestProfitFinalStepExitsRemainderNotFraction(t *testing.T) {
	e := newProfitEngine(t)
	p := longPosition(t, 100, 98, 100)

	// Earlier rounding left 27 open instead of 25.
	p.QuantityOpen = 27
	p.ExitsTaken = 2
	p.RMultiple = 4.0

	prop, ok := e.Propose(p)
	require.True(t, ok)
	assert.Equal(t, int64(27), prop.Quantity)
}

func TestProfitRoundingHalfAwayFromZero(t *testing.T) {
	e := newProfitEngine(t)
	p := longPosition(t, 100, 98, 5) // 50% of 5 = 2.5

	p.RMultiple = 2.0
	prop, ok := e.Propose(p)
	require.True(t, ok)
	assert.Equal(t, int64(3), prop.Quantity)
}

func TestProfitZeroQuantityStepStillAdvances(t *testing.T) {
	e := newProfitEngine(t)
	// Single-unit position: the 2R step took the only unit (0.5 rounds up),
	// so the 3R step has nothing to sell but must still advance the state.
	p := longPosition(t, 100, 98, 1)
	p.QuantityOpen = 0
	p.ExitsTaken = 1
	p.RMultiple = 3.0

	prop, ok := e.Propose(p)
	require.True(t, ok)
	assert.Equal(t, int64(0), prop.Quantity)
	assert.Equal(t, domain.StateAdvancedProfit, prop.NextState)
}

func TestProfitClipsToOpenQuantity(t *testing.T) {
	e := newProfitEngine(t)
	p := longPosition(t, 100, 98, 100)

	// Only 30 remain open but the 2R step wants 50.
	p.QuantityOpen = 30
	p.RMultiple = 2.0

	prop, ok := e.Propose(p)
	require.True(t, ok)
	assert.Equal(t, int64(30), prop.Quantity)
}

func TestProfitOneStepPerCall(t *testing.T) {
	e := newProfitEngine(t)
	p := longPosition(t, 100, 98, 100)
	p.RMultiple = 4.5 // gapped through all three thresholds

	prop, ok := e.Propose(p)
	require.True(t, ok)
	assert.Equal(t, 2.0, prop.RLevel) // steps consumed strictly in order

	p.QuantityOpen -= prop.Quantity
	p.ExitsTaken = 1
	prop, ok = e.Propose(p)
	require.True(t, ok)
	assert.Equal(t, 3.0, prop.RLevel)

	p.QuantityOpen -= prop.Quantity
	p.ExitsTaken = 2
	prop, ok = e.Propose(p)
	require.True(t, ok)
	assert.Equal(t, 4.0, prop.RLevel)
	assert.True(t, prop.Final)

	p.QuantityOpen = 0
	p.ExitsTaken = 3
	_, ok = e.Propose(p)
	assert.False(t, ok)
}

func TestProfitLotSizeSnapping(t *testing.T) {
	e, err := NewProfitEngine(DefaultExitSchedule(), 10)
	require.NoError(t, err)

	p := longPosition(t, 100, 98, 105)
	p.RMultiple = 2.0

	prop, ok := e.Propose(p)
	require.True(t, ok)
	// 50% of 105 is 52.5, rounds to 53, snaps down to 50.
	assert.Equal(t, int64(50), prop.Quantity)
}

func TestScheduleValidation(t *testing.T) {
	_, err := NewProfitEngine(ExitSchedule{}, 1)
	assert.Error(t, err)

	_, err = NewProfitEngine(ExitSchedule{
		{TriggerR: 2, Fraction: 0.6, State: domain.StatePartialProfit},
		{TriggerR: 3, Fraction: 0.6, State: domain.StateAdvancedProfit},
	}, 1)
	assert.Error(t, err)

	_, err = NewProfitEngine(ExitSchedule{
		{TriggerR: 2, Fraction: 0.5, State: domain.StatePartialProfit},
		{TriggerR: 2, Fraction: 0.5, State: domain.StateAdvancedProfit},
	}, 1)
	assert.Error(t, err)
}
