package protection

import (
	"fmt"
	"math"
	"sort"

	"github.com/calebwestray/protectbot/internal/domain"
)

// ExitStep scales out a fraction of the ORIGINAL quantity when the
// R-multiple reaches TriggerR, then advances the position to State.
type ExitStep struct {
	TriggerR float64
	Fraction float64
	State    domain.ProtectionState
}

// ExitSchedule is the step set in ascending trigger order. The last step is
// terminal: it exits whatever remains open regardless of its fraction.
type ExitSchedule []ExitStep

// DefaultExitSchedule scales out half at 2R, a quarter at 3R, and the rest
// at 4R.
func DefaultExitSchedule() ExitSchedule {
	return ExitSchedule{
		{TriggerR: 2.0, Fraction: 0.50, State: domain.StatePartialProfit},
		{TriggerR: 3.0, Fraction: 0.25, State: domain.StateAdvancedProfit},
		{TriggerR: 4.0, Fraction: 0.25, State: domain.StateFinalProfit},
	}
}

// Validate checks that triggers ascend strictly and fractions are sane.
func (s ExitSchedule) Validate() error {
	if len(s) == 0 {
		return fmt.Errorf("protection: exit schedule is empty")
	}
	var total float64
	for i, step := range s {
		if i > 0 && step.TriggerR <= s[i-1].TriggerR {
			return fmt.Errorf("protection: exit schedule triggers must ascend: step %d", i)
		}
		if step.Fraction <= 0 || step.Fraction > 1 {
			return fmt.Errorf("protection: exit schedule step %d fraction %.4f out of range", i, step.Fraction)
		}
		total += step.Fraction
	}
	if total > 1+1e-9 {
		return fmt.Errorf("protection: exit schedule fractions sum to %.4f", total)
	}
	return nil
}

// ExitProposal is a single scale-out the coordinator should execute. A
// zero-quantity proposal still advances the state; it just produces no
// venue order and no exit log entry.
type ExitProposal struct {
	RLevel    float64
	Quantity  int64
	NextState domain.ProtectionState
	Final     bool
}

// ProfitEngine proposes staged exits from the schedule. Progress lives on
// the position (ExitsTaken), so a restart resumes at the right step and no
// step ever runs twice.
type ProfitEngine struct {
	schedule ExitSchedule
	lotSize  int64
}

// NewProfitEngine copies and sorts the schedule. lotSize is the venue's
// minimum quantity increment; quantities are snapped to it.
func NewProfitEngine(schedule ExitSchedule, lotSize int64) (*ProfitEngine, error) {
	s := make(ExitSchedule, len(schedule))
	copy(s, schedule)
	sort.Slice(s, func(i, j int) bool { return s[i].TriggerR < s[j].TriggerR })
	if err := s.Validate(); err != nil {
		return nil, err
	}
	if lotSize <= 0 {
		lotSize = 1
	}
	return &ProfitEngine{schedule: s, lotSize: lotSize}, nil
}

// Propose returns the next exit due at the position's current R-multiple,
// or ok=false when none is due. Steps are consumed strictly in order, one
// per call; a gap move that crosses several thresholds is worked off over
// successive calls so each exit logs its own R level. Quantities are
// fractions of the ORIGINAL quantity, rounded to lot size, clipped to what
// remains open; the final step always exits the full remainder.
func (e *ProfitEngine) Propose(p domain.Position) (ExitProposal, bool) {
	if p.ExitsTaken >= len(e.schedule) {
		return ExitProposal{}, false
	}
	step := e.schedule[p.ExitsTaken]
	if p.RMultiple < step.TriggerR {
		return ExitProposal{}, false
	}

	final := p.ExitsTaken == len(e.schedule)-1

	var qty int64
	if final {
		qty = p.QuantityOpen
	} else {
		qty = roundToLot(float64(p.OriginalQuantity)*step.Fraction, e.lotSize)
		if qty > p.QuantityOpen {
			qty = p.QuantityOpen
		}
	}

	return ExitProposal{
		RLevel:    step.TriggerR,
		Quantity:  qty,
		NextState: step.State,
		Final:     final,
	}, true
}

// Steps returns the number of schedule entries.
func (e *ProfitEngine) Steps() int {
	return len(e.schedule)
}

// roundToLot rounds half away from zero, then snaps down to a lot multiple.
func roundToLot(qty float64, lot int64) int64 {
	rounded := int64(math.Round(qty))
	if rounded < 0 {
		rounded = 0
	}
	return rounded - rounded%lot
}
