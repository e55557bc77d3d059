package domain

import "context"

// ExecutionVenue abstracts the broker endpoints the engine depends on.
// Implementations map venue-specific errors onto the domain sentinels:
// ErrNotFound for unknown orders, ErrOrderConflict for state conflicts,
// ErrVenueTimeout for timeouts, ErrRateLimited for throttling.
type ExecutionVenue interface {
	SubmitLimitOrder(ctx context.Context, req OrderRequest) (VenueOrder, error)
	SubmitMarketOrder(ctx context.Context, req OrderRequest) (VenueOrder, error)
	SubmitStopOrder(ctx context.Context, req OrderRequest) (VenueOrder, error)
	CancelOrder(ctx context.Context, orderID string) error
	GetOrderStatus(ctx context.Context, orderID string) (VenueOrder, error)
	GetLatestPrice(ctx context.Context, symbol string) (float64, error)

	// OpenQuantity returns the venue's signed view of the open quantity for
	// symbol (positive long, negative short). Used to reconcile after a
	// quantity mismatch.
	OpenQuantity(ctx context.Context, symbol string) (int64, error)
}
