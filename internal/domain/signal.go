package domain

import "time"

// EntrySignal is an externally produced request to open a position. The
// engine does not generate signals; it executes and then protects them.
// StopDistance and TargetDistance are absolute price distances from the
// desired entry and must both be positive.
type EntrySignal struct {
	ID                string    `json:"id"`
	Symbol            string    `json:"symbol"`
	Side              Side      `json:"side"`
	DesiredEntryPrice float64   `json:"desired_entry_price"`
	StopDistance      float64   `json:"stop_distance"`
	TargetDistance    float64   `json:"target_distance"`
	CreatedAt         time.Time `json:"created_at"`
	ExpiresAt         time.Time `json:"expires_at"`
}

// Expired reports whether the signal should no longer be acted on.
func (s EntrySignal) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}

// IntendedStop is the absolute stop level implied by the desired entry.
func (s EntrySignal) IntendedStop() float64 {
	return s.DesiredEntryPrice - s.Side.Sign()*s.StopDistance
}

// IntendedTarget is the absolute target level implied by the desired entry.
func (s EntrySignal) IntendedTarget() float64 {
	return s.DesiredEntryPrice + s.Side.Sign()*s.TargetDistance
}
