package protection

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calebwestray/protectbot/internal/domain"
	"github.com/calebwestray/protectbot/internal/ledger"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testCoordConfig() CoordinatorConfig {
	cfg := DefaultCoordinatorConfig()
	cfg.CallTimeout = 100 * time.Millisecond
	cfg.ConfirmTimeout = 200 * time.Millisecond
	cfg.PollInterval = time.Millisecond
	cfg.Retry = RetryPolicy{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, BackoffFactor: 2}
	return cfg
}

// newProtected tracks a long 100 @ 100 stop 98 position with its initial
// stop armed at the venue.
func newProtected(t *testing.T) (*Coordinator, *ledger.Ledger, *fakeVenue, *fakeAudit) {
	t.Helper()
	venue := newFakeVenue()
	venue.setPrice("AAPL", 100)
	led := ledger.New(nil, testLogger())
	audit := &fakeAudit{}
	coord := NewCoordinator(venue, led, audit, nil, nil, nil, testCoordConfig(), testLogger())

	p, err := domain.NewPosition("AAPL", domain.SideLong, 100, 100, 98, time.Now())
	require.NoError(t, err)
	require.NoError(t, led.Track(context.Background(), p))
	require.NoError(t, coord.ArmInitial(context.Background(), "AAPL"))

	armed, err := led.Get("AAPL")
	require.NoError(t, err)
	require.NotEmpty(t, armed.StopOrderID)
	return coord, led, venue, audit
}

func TestApplyStopMove(t *testing.T) {
	coord, led, venue, audit := newProtected(t)
	ctx := context.Background()

	err := coord.Apply(ctx, "AAPL", Mutation{
		Stop: &StopProposal{Price: 100, TriggerR: 1.0, LockR: 0.0},
	})
	require.NoError(t, err)

	p, err := led.Get("AAPL")
	require.NoError(t, err)
	assert.Equal(t, 100.0, p.ActiveStopPrice)
	assert.Equal(t, 1.0, p.StopRungApplied)
	assert.Equal(t, domain.StateBreakevenProtected, p.State)
	assert.Equal(t, int64(100), p.QuantityOpen)

	// Exactly one live stop remains, at the new price.
	assert.Equal(t, []float64{100}, venue.liveStops("AAPL"))
	assert.Contains(t, audit.events(), EventStopAdvanced)
}

func TestApplyCancelsBeforeSubmitting(t *testing.T) {
	coord, _, venue, _ := newProtected(t)

	require.NoError(t, coord.Apply(context.Background(), "AAPL", Mutation{
		Stop: &StopProposal{Price: 100, TriggerR: 1.0, LockR: 0.0},
		Exit: &ExitProposal{RLevel: 2.0, Quantity: 50, NextState: domain.StatePartialProfit},
	}))

	// Protocol order: cancel the old stop, market exit, then the new stop.
	var filtered []string
	for _, op := range venue.ops {
		if strings.HasPrefix(op, "cancel:") || strings.HasPrefix(op, "market:") || strings.HasPrefix(op, "stop:") {
			filtered = append(filtered, op)
		}
	}
	require.Len(t, filtered, 4) // initial arm, cancel, exit, re-arm
	assert.True(t, strings.HasPrefix(filtered[0], "stop:"))
	assert.True(t, strings.HasPrefix(filtered[1], "cancel:"))
	assert.True(t, strings.HasPrefix(filtered[2], "market:"))
	assert.True(t, strings.HasPrefix(filtered[3], "stop:"))
}

func TestApplyPartialExit(t *testing.T) {
	coord, led, venue, _ := newProtected(t)
	venue.setPrice("AAPL", 104)

	require.NoError(t, coord.Apply(context.Background(), "AAPL", Mutation{
		Stop: &StopProposal{Price: 102, TriggerR: 2.0, LockR: 1.0},
		Exit: &ExitProposal{RLevel: 2.0, Quantity: 50, NextState: domain.StatePartialProfit},
	}))

	p, err := led.Get("AAPL")
	require.NoError(t, err)
	assert.Equal(t, int64(50), p.QuantityOpen)
	assert.Equal(t, 1, p.ExitsTaken)
	require.Len(t, p.ExitLog, 1)
	assert.Equal(t, 2.0, p.ExitLog[0].RLevel)
	assert.Equal(t, int64(50), p.ExitLog[0].Quantity)
	assert.Equal(t, 104.0, p.ExitLog[0].Price)
	assert.True(t, p.Conserved())
	assert.Equal(t, domain.StatePartialProfit, p.State)
	assert.Equal(t, []float64{102}, venue.liveStops("AAPL"))
}

func TestZeroQuantityExitNoVenueTraffic(t *testing.T) {
	coord, led, venue, _ := newProtected(t)
	opsBefore := len(venue.ops)

	require.NoError(t, coord.Apply(context.Background(), "AAPL", Mutation{
		Exit: &ExitProposal{RLevel: 3.0, Quantity: 0, NextState: domain.StateAdvancedProfit},
	}))

	assert.Len(t, venue.ops, opsBefore)

	p, err := led.Get("AAPL")
	require.NoError(t, err)
	assert.Equal(t, domain.StateAdvancedProfit, p.State)
	assert.Equal(t, 1, p.ExitsTaken)
	assert.Empty(t, p.ExitLog)
}

func TestFinalExitClosesPosition(t *testing.T) {
	coord, led, venue, audit := newProtected(t)
	ctx := context.Background()
	venue.setPrice("AAPL", 108)

	for _, mut := range []Mutation{
		{Exit: &ExitProposal{RLevel: 2.0, Quantity: 50, NextState: domain.StatePartialProfit}},
		{Exit: &ExitProposal{RLevel: 3.0, Quantity: 25, NextState: domain.StateAdvancedProfit}},
		{Exit: &ExitProposal{RLevel: 4.0, Quantity: 25, NextState: domain.StateFinalProfit, Final: true}},
	} {
		require.NoError(t, coord.Apply(ctx, "AAPL", mut))
	}

	_, err := led.Get("AAPL")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Empty(t, venue.liveStops("AAPL"))
	assert.Contains(t, audit.events(), EventPositionClosed)
}

func TestRetryThenSuccess(t *testing.T) {
	coord, led, venue, _ := newProtected(t)
	venue.failStops = 1 // first re-arm attempt times out

	require.NoError(t, coord.Apply(context.Background(), "AAPL", Mutation{
		Stop: &StopProposal{Price: 100, TriggerR: 1.0, LockR: 0.0},
	}))

	p, err := led.Get("AAPL")
	require.NoError(t, err)
	assert.Equal(t, domain.StateBreakevenProtected, p.State)
	assert.Equal(t, []float64{100}, venue.liveStops("AAPL"))
}

func TestFailsafeAfterExhaustedRetries(t *testing.T) {
	coord, led, venue, audit := newProtected(t)
	venue.failStops = 3 // every re-arm attempt fails; the fail-safe submit succeeds

	err := coord.Apply(context.Background(), "AAPL", Mutation{
		Stop: &StopProposal{Price: 100, TriggerR: 1.0, LockR: 0.0},
	})
	require.Error(t, err)

	p, lerr := led.Get("AAPL")
	require.NoError(t, lerr)
	assert.Equal(t, domain.StateDegraded, p.State)

	// Wide stop 5% below the last mark, sized to the full open quantity.
	stops := venue.liveStops("AAPL")
	require.Len(t, stops, 1)
	assert.InDelta(t, 95.0, stops[0], 1e-9)
	assert.Contains(t, audit.events(), EventPositionDegraded)
}

func TestCancelDiscoversFill(t *testing.T) {
	coord, led, venue, audit := newProtected(t)
	venue.cancelFills = true // the resting stop filled while we decided
	venue.openQt["AAPL"] = 0

	err := coord.Apply(context.Background(), "AAPL", Mutation{
		Stop: &StopProposal{Price: 100, TriggerR: 1.0, LockR: 0.0},
	})
	assert.ErrorIs(t, err, domain.ErrOrderConflict)

	p, lerr := led.Get("AAPL")
	require.NoError(t, lerr)
	assert.Equal(t, domain.StateDegraded, p.State)
	assert.Equal(t, int64(0), p.QuantityOpen) // venue truth adopted
	assert.Contains(t, audit.events(), EventReconciled)
	assert.Contains(t, audit.events(), EventPositionDegraded)
}

func TestApplyRefusedWhenDegraded(t *testing.T) {
	coord, led, _, _ := newProtected(t)
	ctx := context.Background()

	require.NoError(t, coord.Degrade(ctx, "AAPL", domain.ErrVenueTimeout))

	err := coord.Apply(ctx, "AAPL", Mutation{
		Stop: &StopProposal{Price: 100, TriggerR: 1.0, LockR: 0.0},
	})
	assert.ErrorIs(t, err, domain.ErrPositionDegraded)

	p, lerr := led.Get("AAPL")
	require.NoError(t, lerr)
	assert.Equal(t, domain.StateDegraded, p.State)
}

func TestEmptyMutationIsNoop(t *testing.T) {
	coord, _, venue, _ := newProtected(t)
	before := len(venue.ops)
	require.NoError(t, coord.Apply(context.Background(), "AAPL", Mutation{}))
	assert.Len(t, venue.ops, before)
}
