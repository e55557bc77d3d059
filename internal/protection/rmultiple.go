// Package protection implements the stop ratchet, staged profit taking, the
// order lifecycle coordinator that applies them at the venue, and the tick
// loop that drives everything.
package protection

import "github.com/calebwestray/protectbot/internal/domain"

// RMultipleAt returns the position's profit at price, normalized by the
// initial risk per unit. 0 at entry, -1 at the initial stop, +2 when the
// favorable move is twice the initial risk. The denominator is frozen at
// entry so the scale never shifts as stops ratchet.
func RMultipleAt(p domain.Position, price float64) float64 {
	if p.InitialRiskPerUnit <= 0 {
		return 0
	}
	return p.Side.Sign() * (price - p.EntryPrice) / p.InitialRiskPerUnit
}

// RMultiple returns the R-multiple at the position's current price.
func RMultiple(p domain.Position) float64 {
	return RMultipleAt(p, p.CurrentPrice)
}

// StopRMultiple returns the R locked in by the active stop. -1 when the
// stop is still at the initial level, 0 at breakeven, positive once profit
// is locked.
func StopRMultiple(p domain.Position) float64 {
	return RMultipleAt(p, p.ActiveStopPrice)
}
