package entry

import (
	"fmt"

	"github.com/calebwestray/protectbot/internal/domain"
)

// SizingConfig bounds how large an entry may be.
type SizingConfig struct {
	// RiskPct is the fraction of equity risked per position, e.g. 0.01.
	RiskPct float64

	// MaxPositionValue caps the notional of any single position. Zero
	// disables the cap.
	MaxPositionValue float64

	// LotSize is the venue's minimum quantity increment.
	LotSize int64
}

// SizeOrder converts a risk budget into a quantity. The stop distance is
// mandatory: without it there is no defined risk per unit and no position
// may be sized. Quantity is floored so the realized risk never exceeds the
// budget, then capped by notional; an entry that exceeds the notional cap
// is sized down, not rejected. A quantity of zero means the signal cannot
// be taken.
func SizeOrder(riskBudget, stopDistance, price float64, cfg SizingConfig) (int64, error) {
	if stopDistance <= 0 {
		return 0, fmt.Errorf("entry: size order: stop distance %.6f: %w", stopDistance, domain.ErrInvalidRisk)
	}
	if price <= 0 {
		return 0, fmt.Errorf("entry: size order: price %.6f: %w", price, domain.ErrInvalidRisk)
	}
	if riskBudget <= 0 {
		return 0, nil
	}

	qty := int64(riskBudget / stopDistance)

	if cfg.MaxPositionValue > 0 {
		maxQty := int64(cfg.MaxPositionValue / price)
		if qty > maxQty {
			qty = maxQty
		}
	}

	lot := cfg.LotSize
	if lot <= 0 {
		lot = 1
	}
	return qty - qty%lot, nil
}
