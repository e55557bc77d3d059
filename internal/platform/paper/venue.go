// Package paper implements an in-memory execution venue for paper trading.
// Orders fill deterministically against the last marked price so the full
// protection pipeline can run without touching a real broker.
package paper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/calebwestray/protectbot/internal/domain"
)

// Venue is an in-memory broker simulator.
//
// Fill model: limit and market orders fill in full immediately at the last
// marked price (market) or the limit price (limit). Stop orders rest open
// until a marked price crosses the stop, then fill at the stop price.
type Venue struct {
	mu sync.Mutex

	prices    map[string]float64
	orders    map[string]domain.VenueOrder
	positions map[string]int64 // signed open quantity per symbol

	equity      float64
	buyingPower float64

	now func() time.Time
}

var (
	_ domain.ExecutionVenue  = (*Venue)(nil)
	_ domain.AccountProvider = (*Venue)(nil)
)

// NewVenue creates a paper venue with the given starting equity.
func NewVenue(equity float64) *Venue {
	return &Venue{
		prices:      make(map[string]float64),
		orders:      make(map[string]domain.VenueOrder),
		positions:   make(map[string]int64),
		equity:      equity,
		buyingPower: equity,
		now:         time.Now,
	}
}

// MarkPrice records the latest price for a symbol and triggers any resting
// stop orders it crosses.
func (v *Venue) MarkPrice(symbol string, price float64) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.prices[symbol] = price

	for id, o := range v.orders {
		if o.Symbol != symbol || o.Type != domain.OrderTypeStop || o.Status.Terminal() {
			continue
		}
		triggered := (o.Side == domain.OrderSideSell && price <= o.StopPrice) ||
			(o.Side == domain.OrderSideBuy && price >= o.StopPrice)
		if triggered {
			v.fillLocked(&o, o.StopPrice)
			v.orders[id] = o
		}
	}
}

// SubmitLimitOrder fills a limit order immediately at its limit price.
func (v *Venue) SubmitLimitOrder(ctx context.Context, req domain.OrderRequest) (domain.VenueOrder, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	req.Type = domain.OrderTypeLimit
	o := v.newOrderLocked(req)
	v.fillLocked(&o, req.LimitPrice)
	v.orders[o.ID] = o
	return o, nil
}

// SubmitMarketOrder fills a market order immediately at the last marked
// price. It fails if no price has been marked for the symbol.
func (v *Venue) SubmitMarketOrder(ctx context.Context, req domain.OrderRequest) (domain.VenueOrder, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	price, ok := v.prices[req.Symbol]
	if !ok {
		return domain.VenueOrder{}, fmt.Errorf("paper: no price for %s: %w", req.Symbol, domain.ErrNotFound)
	}

	req.Type = domain.OrderTypeMarket
	o := v.newOrderLocked(req)
	v.fillLocked(&o, price)
	v.orders[o.ID] = o
	return o, nil
}

// SubmitStopOrder places a resting stop order.
func (v *Venue) SubmitStopOrder(ctx context.Context, req domain.OrderRequest) (domain.VenueOrder, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	req.Type = domain.OrderTypeStop
	o := v.newOrderLocked(req)
	v.orders[o.ID] = o
	return o, nil
}

// CancelOrder cancels a resting order. Cancelling a filled order returns
// ErrOrderConflict so the caller discovers the fill.
func (v *Venue) CancelOrder(ctx context.Context, orderID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	o, ok := v.orders[orderID]
	if !ok {
		return fmt.Errorf("paper: order %s: %w", orderID, domain.ErrNotFound)
	}
	if o.Status == domain.OrderStatusFilled {
		return fmt.Errorf("paper: order %s already filled: %w", orderID, domain.ErrOrderConflict)
	}
	if !o.Status.Terminal() {
		o.Status = domain.OrderStatusCancelled
		o.UpdatedAt = v.now()
		v.orders[orderID] = o
	}
	return nil
}

// GetOrderStatus returns the current state of an order.
func (v *Venue) GetOrderStatus(ctx context.Context, orderID string) (domain.VenueOrder, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	o, ok := v.orders[orderID]
	if !ok {
		return domain.VenueOrder{}, fmt.Errorf("paper: order %s: %w", orderID, domain.ErrNotFound)
	}
	return o, nil
}

// GetLatestPrice returns the last marked price for a symbol.
func (v *Venue) GetLatestPrice(ctx context.Context, symbol string) (float64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	price, ok := v.prices[symbol]
	if !ok {
		return 0, fmt.Errorf("paper: no price for %s: %w", symbol, domain.ErrNotFound)
	}
	return price, nil
}

// OpenQuantity returns the net signed quantity for a symbol.
func (v *Venue) OpenQuantity(ctx context.Context, symbol string) (int64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.positions[symbol], nil
}

// Equity returns the simulated account value.
func (v *Venue) Equity(ctx context.Context) (float64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.equity, nil
}

// BuyingPower returns the simulated buying power.
func (v *Venue) BuyingPower(ctx context.Context) (float64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.buyingPower, nil
}

// newOrderLocked builds a pending order record. Caller must hold v.mu.
func (v *Venue) newOrderLocked(req domain.OrderRequest) domain.VenueOrder {
	now := v.now()
	return domain.VenueOrder{
		ID:          uuid.NewString(),
		ClientID:    req.ClientID,
		Symbol:      req.Symbol,
		Side:        req.Side,
		Type:        req.Type,
		Quantity:    req.Quantity,
		LimitPrice:  req.LimitPrice,
		StopPrice:   req.StopPrice,
		Status:      domain.OrderStatusOpen,
		SubmittedAt: now,
		UpdatedAt:   now,
	}
}

// fillLocked fills an order in full at price and updates the net position.
// Caller must hold v.mu.
func (v *Venue) fillLocked(o *domain.VenueOrder, price float64) {
	o.FilledQuantity = o.Quantity
	o.AvgFillPrice = price
	o.Status = domain.OrderStatusFilled
	o.UpdatedAt = v.now()

	delta := o.Quantity
	if o.Side == domain.OrderSideSell {
		delta = -delta
	}
	v.positions[o.Symbol] += delta
	if v.positions[o.Symbol] == 0 {
		delete(v.positions, o.Symbol)
	}
}
