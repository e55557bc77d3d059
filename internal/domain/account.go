package domain

import "context"

// AccountProvider exposes the account figures position sizing needs.
type AccountProvider interface {
	// Equity is the total account value in quote currency.
	Equity(ctx context.Context) (float64, error)

	// BuyingPower is the notional available for new positions.
	BuyingPower(ctx context.Context) (float64, error)
}
