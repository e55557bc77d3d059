package protection

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calebwestray/protectbot/internal/domain"
)

func newStopManager(t *testing.T) *StopManager {
	t.Helper()
	m, err := NewStopManager(DefaultStopLadder())
	require.NoError(t, err)
	return m
}

func TestStopProposeBelowFirstRung(t *testing.T) {
	m := newStopManager(t)
	p := longPosition(t, 100, 98, 100)
	p.RMultiple = 0.99

	_, ok := m.Propose(p)
	assert.False(t, ok)
}

func TestStopProposeBreakevenAtExactlyOneR(t *testing.T) {
	m := newStopManager(t)
	p := longPosition(t, 100, 98, 100)
	p.RMultiple = 1.0 // threshold ties count as reached

	prop, ok := m.Propose(p)
	require.True(t, ok)
	assert.InDelta(t, 100.0, prop.Price, 1e-9)
	assert.Equal(t, 1.0, prop.TriggerR)
	assert.Equal(t, 0.0, prop.LockR)
}

func TestStopProposeHighestRungOnGap(t *testing.T) {
	m := newStopManager(t)
	p := longPosition(t, 100, 98, 100)
	p.RMultiple = 4.2 // gapped through every rung

	prop, ok := m.Propose(p)
	require.True(t, ok)
	assert.Equal(t, 4.0, prop.TriggerR)
	assert.InDelta(t, 104.0, prop.Price, 1e-9) // entry + 2R
}

func TestStopOneShotPerRung(t *testing.T) {
	m := newStopManager(t)
	p := longPosition(t, 100, 98, 100)
	p.RMultiple = 1.0

	prop, ok := m.Propose(p)
	require.True(t, ok)

	// Coordinator applies the rung.
	p.ActiveStopPrice = prop.Price
	p.StopRungApplied = prop.TriggerR

	// Pull back below 1R and cross it again: the rung must not re-fire.
	p.RMultiple = 0.4
	_, ok = m.Propose(p)
	assert.False(t, ok)

	p.RMultiple = 1.3
	_, ok = m.Propose(p)
	assert.False(t, ok)

	// The next rung still fires.
	p.RMultiple = 2.0
	prop, ok = m.Propose(p)
	require.True(t, ok)
	assert.Equal(t, 2.0, prop.TriggerR)
	assert.InDelta(t, 102.0, prop.Price, 1e-9)
}

func TestStopNeverLoosens(t *testing.T) {
	m := newStopManager(t)
	p := longPosition(t, 100, 98, 100)

	// Stop already tighter than the due rung would set it.
	p.RMultiple = 1.0
	p.ActiveStopPrice = 101.0

	_, ok := m.Propose(p)
	assert.False(t, ok)
}

func TestStopEqualPriceDoesNotImprove(t *testing.T) {
	assert.False(t, Improves(domain.SideLong, 100, 100))
	assert.True(t, Improves(domain.SideLong, 100.01, 100))
	assert.False(t, Improves(domain.SideLong, 99.99, 100))

	assert.True(t, Improves(domain.SideShort, 99.99, 100))
	assert.False(t, Improves(domain.SideShort, 100.01, 100))
}

func TestStopProposeShort(t *testing.T) {
	m := newStopManager(t)
	p := shortPosition(t, 100, 102, 100)
	p.RMultiple = 2.0

	prop, ok := m.Propose(p)
	require.True(t, ok)
	// Lock +1R on a short: stop below entry.
	assert.InDelta(t, 98.0, prop.Price, 1e-9)
}

func TestLadderValidation(t *testing.T) {
	_, err := NewStopManager(StopLadder{})
	assert.Error(t, err)

	_, err = NewStopManager(StopLadder{{TriggerR: 1, LockR: 0}, {TriggerR: 1, LockR: 0.5}})
	assert.Error(t, err)

	// Locking at or above the trigger would stop the position out the
	// moment the rung fires.
	_, err = NewStopManager(StopLadder{{TriggerR: 1, LockR: 1}})
	assert.Error(t, err)
}
