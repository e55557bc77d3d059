package protection

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/calebwestray/protectbot/internal/domain"
)

// fakeVenue is an in-memory venue for coordinator and monitor tests. Market
// orders fill immediately at the symbol's price; stop orders rest open.
// Failure injection is per-operation via the fail* counters.
type fakeVenue struct {
	mu     sync.Mutex
	seq    int
	orders map[string]domain.VenueOrder
	prices map[string]float64
	openQt map[string]int64

	// ops records every venue-touching call in order.
	ops []string

	failStops   int // fail this many stop submissions
	failMarkets int // fail this many market submissions
	failCancels int // fail this many cancels
	failPrices  int // fail this many price lookups

	// cancelFills makes the next cancel land on an already-filled order.
	cancelFills bool
}

func newFakeVenue() *fakeVenue {
	return &fakeVenue{
		orders: make(map[string]domain.VenueOrder),
		prices: make(map[string]float64),
		openQt: make(map[string]int64),
	}
}

func (v *fakeVenue) setPrice(symbol string, price float64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.prices[symbol] = price
}

func (v *fakeVenue) record(op string) {
	v.ops = append(v.ops, op)
}

func (v *fakeVenue) nextID() string {
	v.seq++
	return fmt.Sprintf("ord-%d", v.seq)
}

func (v *fakeVenue) SubmitLimitOrder(ctx context.Context, req domain.OrderRequest) (domain.VenueOrder, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.record("limit:" + req.Symbol)
	o := domain.VenueOrder{
		ID: v.nextID(), ClientID: req.ClientID, Symbol: req.Symbol,
		Side: req.Side, Type: req.Type, Quantity: req.Quantity,
		FilledQuantity: req.Quantity, LimitPrice: req.LimitPrice,
		AvgFillPrice: req.LimitPrice, Status: domain.OrderStatusFilled,
		SubmittedAt: time.Now(), UpdatedAt: time.Now(),
	}
	v.orders[o.ID] = o
	return o, nil
}

func (v *fakeVenue) SubmitMarketOrder(ctx context.Context, req domain.OrderRequest) (domain.VenueOrder, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.record("market:" + req.Symbol)
	if v.failMarkets > 0 {
		v.failMarkets--
		return domain.VenueOrder{}, domain.ErrVenueTimeout
	}
	o := domain.VenueOrder{
		ID: v.nextID(), ClientID: req.ClientID, Symbol: req.Symbol,
		Side: req.Side, Type: req.Type, Quantity: req.Quantity,
		FilledQuantity: req.Quantity, AvgFillPrice: v.prices[req.Symbol],
		Status: domain.OrderStatusFilled, SubmittedAt: time.Now(), UpdatedAt: time.Now(),
	}
	v.orders[o.ID] = o
	return o, nil
}

func (v *fakeVenue) SubmitStopOrder(ctx context.Context, req domain.OrderRequest) (domain.VenueOrder, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.record(fmt.Sprintf("stop:%s@%.4g", req.Symbol, req.StopPrice))
	if v.failStops > 0 {
		v.failStops--
		return domain.VenueOrder{}, domain.ErrVenueTimeout
	}
	o := domain.VenueOrder{
		ID: v.nextID(), ClientID: req.ClientID, Symbol: req.Symbol,
		Side: req.Side, Type: req.Type, Quantity: req.Quantity,
		StopPrice: req.StopPrice, Status: domain.OrderStatusOpen,
		SubmittedAt: time.Now(), UpdatedAt: time.Now(),
	}
	v.orders[o.ID] = o
	return o, nil
}

func (v *fakeVenue) CancelOrder(ctx context.Context, orderID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.record("cancel:" + orderID)
	if v.failCancels > 0 {
		v.failCancels--
		return domain.ErrVenueTimeout
	}
	o, ok := v.orders[orderID]
	if !ok {
		return domain.ErrNotFound
	}
	if v.cancelFills {
		v.cancelFills = false
		o.Status = domain.OrderStatusFilled
		o.FilledQuantity = o.Quantity
		o.AvgFillPrice = o.StopPrice
	} else if !o.Status.Terminal() {
		o.Status = domain.OrderStatusCancelled
	}
	v.orders[orderID] = o
	return nil
}

func (v *fakeVenue) GetOrderStatus(ctx context.Context, orderID string) (domain.VenueOrder, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	o, ok := v.orders[orderID]
	if !ok {
		return domain.VenueOrder{}, domain.ErrNotFound
	}
	return o, nil
}

func (v *fakeVenue) GetLatestPrice(ctx context.Context, symbol string) (float64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.failPrices > 0 {
		v.failPrices--
		return 0, domain.ErrVenueTimeout
	}
	p, ok := v.prices[symbol]
	if !ok {
		return 0, domain.ErrNotFound
	}
	return p, nil
}

func (v *fakeVenue) OpenQuantity(ctx context.Context, symbol string) (int64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.openQt[symbol], nil
}

// liveStops returns the stop prices of all open stop orders.
func (v *fakeVenue) liveStops(symbol string) []float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	var out []float64
	for _, o := range v.orders {
		if o.Symbol == symbol && o.Type == domain.OrderTypeStop && o.Status == domain.OrderStatusOpen {
			out = append(out, o.StopPrice)
		}
	}
	return out
}

var _ domain.ExecutionVenue = (*fakeVenue)(nil)

type fakeAudit struct {
	mu      sync.Mutex
	entries []domain.AuditEntry
}

func (a *fakeAudit) Log(ctx context.Context, event string, detail map[string]any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, domain.AuditEntry{Event: event, Detail: detail, CreatedAt: time.Now()})
	return nil
}

func (a *fakeAudit) ListRecent(ctx context.Context, limit int) ([]domain.AuditEntry, error) {
	return a.entries, nil
}

func (a *fakeAudit) ListBefore(ctx context.Context, before time.Time) ([]domain.AuditEntry, error) {
	return nil, nil
}

func (a *fakeAudit) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	return 0, nil
}

func (a *fakeAudit) events() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.entries))
	for i, e := range a.entries {
		out[i] = e.Event
	}
	return out
}

var _ domain.AuditStore = (*fakeAudit)(nil)
