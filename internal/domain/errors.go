package domain

import "errors"

var (
	ErrNotFound           = errors.New("not found")
	ErrAlreadyExists      = errors.New("already exists")
	ErrRateLimited        = errors.New("rate limited")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrInvalidRisk        = errors.New("invalid risk parameters")
	ErrEntryTimeout       = errors.New("entry order not filled in time")
	ErrExcessiveSlippage  = errors.New("fill slippage above limit")
	ErrRiskRewardBelowMin = errors.New("risk/reward below minimum")
	ErrOrderConflict      = errors.New("conflicting order state")
	ErrVenueTimeout       = errors.New("venue call timed out")
	ErrQuantityMismatch   = errors.New("venue quantity disagrees with ledger")
	ErrInvalidTransition  = errors.New("invalid protection state transition")
	ErrPositionDegraded   = errors.New("position is degraded")
	ErrLockHeld           = errors.New("lock already held")
)
