package domain

import (
	"fmt"
	"time"
)

// Side is the direction of a position.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// Sign returns +1 for long and -1 for short. It is the multiplier that turns
// a raw price move into a favorable-positive move.
func (s Side) Sign() float64 {
	if s == SideShort {
		return -1
	}
	return 1
}

// Valid reports whether s is a known side.
func (s Side) Valid() bool {
	return s == SideLong || s == SideShort
}

// ProtectionState tracks how far a position has progressed through the
// protection ladder. States only move forward; DEGRADED is absorbing.
type ProtectionState string

const (
	StateInitialRisk        ProtectionState = "initial_risk"
	StateBreakevenProtected ProtectionState = "breakeven_protected"
	StatePartialProfit      ProtectionState = "partial_profit_taken"
	StateAdvancedProfit     ProtectionState = "advanced_profit_taken"
	StateFinalProfit        ProtectionState = "final_profit_taken"
	StateClosed             ProtectionState = "closed"
	StateDegraded           ProtectionState = "degraded"
)

// stateRank orders the forward-only states. DEGRADED is outside the ladder.
var stateRank = map[ProtectionState]int{
	StateInitialRisk:        0,
	StateBreakevenProtected: 1,
	StatePartialProfit:      2,
	StateAdvancedProfit:     3,
	StateFinalProfit:        4,
	StateClosed:             5,
}

// Terminal reports whether no further transitions are allowed from s.
func (s ProtectionState) Terminal() bool {
	return s == StateClosed || s == StateDegraded
}

// CanTransition reports whether a move from s to next is legal. Forward
// skips are allowed (a gap move may jump several stages in one tick), but
// the ladder never moves backward and terminal states never transition.
func (s ProtectionState) CanTransition(next ProtectionState) bool {
	if s.Terminal() {
		return false
	}
	if next == StateDegraded {
		return true
	}
	from, ok := stateRank[s]
	if !ok {
		return false
	}
	to, ok := stateRank[next]
	if !ok {
		return false
	}
	return to > from
}

// ExitRecord is one realized partial exit, keyed by the R threshold that
// triggered it.
type ExitRecord struct {
	RLevel     float64
	Quantity   int64
	Price      float64
	RecordedAt time.Time
}

// Position is the authoritative record of one open position under
// protection. Quantities are integral units; prices are venue quote prices.
type Position struct {
	Symbol string
	Side   Side

	OriginalQuantity int64
	QuantityOpen     int64

	EntryPrice         float64
	InitialStopPrice   float64
	InitialRiskPerUnit float64

	// InitialTargetPrice is the fill-anchored profit objective recorded at
	// creation. The staged exit schedule drives profit taking; the target
	// is the reference level risk/reward was accepted against. Zero means
	// no target was recorded.
	InitialTargetPrice float64

	CurrentPrice float64
	RMultiple    float64

	State           ProtectionState
	ActiveStopPrice float64
	// StopRungApplied is the highest stop ladder trigger already acted on.
	// Zero means no rung has fired yet.
	StopRungApplied float64
	// ExitsTaken counts schedule entries consumed, including zero-quantity
	// entries that only advanced the state.
	ExitsTaken int

	StopOrderID   string
	TargetOrderID string

	ExitLog []ExitRecord

	OpenedAt time.Time
	UpdatedAt time.Time
}

// NewPosition validates the entry parameters and returns a position in
// INITIAL_RISK with its protective stop at the initial level. The stop must
// be on the losing side of the entry: a zero or negative initial risk per
// unit is rejected.
func NewPosition(symbol string, side Side, quantity int64, entryPrice, stopPrice float64, now time.Time) (Position, error) {
	if symbol == "" {
		return Position{}, fmt.Errorf("domain: new position: symbol is required")
	}
	if !side.Valid() {
		return Position{}, fmt.Errorf("domain: new position %s: unknown side %q", symbol, side)
	}
	if quantity <= 0 {
		return Position{}, fmt.Errorf("domain: new position %s: quantity %d: %w", symbol, quantity, ErrInvalidRisk)
	}
	risk := side.Sign() * (entryPrice - stopPrice)
	if risk <= 0 {
		return Position{}, fmt.Errorf("domain: new position %s: stop %.6f does not risk against entry %.6f: %w",
			symbol, stopPrice, entryPrice, ErrInvalidRisk)
	}
	return Position{
		Symbol:             symbol,
		Side:               side,
		OriginalQuantity:   quantity,
		QuantityOpen:       quantity,
		EntryPrice:         entryPrice,
		InitialStopPrice:   stopPrice,
		InitialRiskPerUnit: risk,
		CurrentPrice:       entryPrice,
		State:              StateInitialRisk,
		ActiveStopPrice:    stopPrice,
		OpenedAt:           now,
		UpdatedAt:          now,
	}, nil
}

// SetInitialTarget records the profit objective. The target must sit on
// the winning side of the entry; zero clears nothing and records nothing.
func (p *Position) SetInitialTarget(target float64) error {
	if target == 0 {
		return nil
	}
	if p.Side.Sign()*(target-p.EntryPrice) <= 0 {
		return fmt.Errorf("domain: position %s: target %.6f does not profit against entry %.6f: %w",
			p.Symbol, target, p.EntryPrice, ErrInvalidRisk)
	}
	p.InitialTargetPrice = target
	return nil
}

// AdvanceState moves the position to next, enforcing the forward-only
// ladder. A same-state "advance" is a no-op so callers can advance
// unconditionally after a mutation.
func (p *Position) AdvanceState(next ProtectionState) error {
	if next == p.State {
		return nil
	}
	if !p.State.CanTransition(next) {
		return fmt.Errorf("domain: position %s: %s -> %s: %w", p.Symbol, p.State, next, ErrInvalidTransition)
	}
	p.State = next
	return nil
}

// UnrealizedPL returns the open profit or loss at the current price.
func (p Position) UnrealizedPL() float64 {
	return p.Side.Sign() * (p.CurrentPrice - p.EntryPrice) * float64(p.QuantityOpen)
}

// ExitedQuantity sums all realized exits.
func (p Position) ExitedQuantity() int64 {
	var total int64
	for _, rec := range p.ExitLog {
		total += rec.Quantity
	}
	return total
}

// Conserved reports whether the exit log plus the open quantity accounts
// for every originally filled unit.
func (p Position) Conserved() bool {
	return p.ExitedQuantity()+p.QuantityOpen == p.OriginalQuantity
}

// Clone returns a deep copy so callers can hold snapshots without aliasing
// the exit log.
func (p Position) Clone() Position {
	cp := p
	if len(p.ExitLog) > 0 {
		cp.ExitLog = make([]ExitRecord, len(p.ExitLog))
		copy(cp.ExitLog, p.ExitLog)
	}
	return cp
}
