package protection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/calebwestray/protectbot/internal/domain"
	"github.com/calebwestray/protectbot/internal/ledger"
)

// Event names published on the events channel and recorded in the audit log.
const (
	EventsChannel = "protection.events"

	EventStopAdvanced     = "stop_advanced"
	EventPartialExit      = "partial_exit"
	EventPositionClosed   = "position_closed"
	EventPositionDegraded = "position_degraded"
	EventReconciled       = "position_reconciled"
)

// Alerter pushes urgent notifications to a human. Implementations live in
// the notify package.
type Alerter interface {
	Alert(ctx context.Context, subject, message string) error
}

// CoordinatorConfig bounds the coordinator's interaction with the venue.
type CoordinatorConfig struct {
	// CallTimeout bounds each individual venue call.
	CallTimeout time.Duration

	// ConfirmTimeout bounds how long to poll for an order to reach a
	// terminal status after a cancel or a market exit.
	ConfirmTimeout time.Duration

	// PollInterval is the order status polling cadence.
	PollInterval time.Duration

	// Retry bounds per-step retries before the fail-safe path runs.
	Retry RetryPolicy

	// FailsafeStopPct offsets the fail-safe stop from the last known price
	// in the adverse direction, e.g. 0.05 for five percent.
	FailsafeStopPct float64

	// VenueRateKey / VenueRateLimit / VenueRateWindow throttle venue calls
	// through the shared rate limiter.
	VenueRateKey    string
	VenueRateLimit  int
	VenueRateWindow time.Duration
}

// DefaultCoordinatorConfig matches a REST venue with second-scale latency.
func DefaultCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		CallTimeout:     5 * time.Second,
		ConfirmTimeout:  15 * time.Second,
		PollInterval:    500 * time.Millisecond,
		Retry:           DefaultRetryPolicy(),
		FailsafeStopPct: 0.05,
		VenueRateKey:    "venue:orders",
		VenueRateLimit:  30,
		VenueRateWindow: time.Second,
	}
}

// Mutation is one batch of protection changes for a single position: an
// optional stop move and an optional partial exit, applied under the
// cancel-exit-restop-commit protocol.
type Mutation struct {
	Stop *StopProposal
	Exit *ExitProposal
}

func (m Mutation) empty() bool {
	return m.Stop == nil && m.Exit == nil
}

// Coordinator serializes every venue mutation for a position. The invariant
// it defends: at no point does the position hold conflicting live orders,
// and the ledger is only committed once the venue reflects the change.
type Coordinator struct {
	venue   domain.ExecutionVenue
	ledger  *ledger.Ledger
	audit   domain.AuditStore
	bus     domain.SignalBus
	limiter domain.RateLimiter
	alerter Alerter

	cfg    CoordinatorConfig
	logger *slog.Logger
	now    func() time.Time
}

// NewCoordinator wires the coordinator. audit, bus, limiter, and alerter
// may be nil in paper mode and tests.
func NewCoordinator(
	venue domain.ExecutionVenue,
	led *ledger.Ledger,
	audit domain.AuditStore,
	bus domain.SignalBus,
	limiter domain.RateLimiter,
	alerter Alerter,
	cfg CoordinatorConfig,
	logger *slog.Logger,
) *Coordinator {
	return &Coordinator{
		venue:   venue,
		ledger:  led,
		audit:   audit,
		bus:     bus,
		limiter: limiter,
		alerter: alerter,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "coordinator")),
		now:     time.Now,
	}
}

// Apply executes one mutation for symbol. On success the ledger holds the
// post-mutation position. On failure the position is parked behind a wide
// fail-safe stop and marked DEGRADED, and the error is returned.
func (c *Coordinator) Apply(ctx context.Context, symbol string, mut Mutation) error {
	if mut.empty() {
		return nil
	}

	p, err := c.ledger.Get(symbol)
	if err != nil {
		return err
	}
	if p.State.Terminal() {
		return fmt.Errorf("protection: apply %s in state %s: %w", symbol, p.State, domain.ErrPositionDegraded)
	}

	// A zero-quantity exit with no stop change only advances the state
	// machine. No venue traffic, no exit log entry.
	if mut.Stop == nil && mut.Exit != nil && mut.Exit.Quantity == 0 {
		return c.advanceOnly(ctx, p, *mut.Exit)
	}

	if err := c.execute(ctx, &p, mut); err != nil {
		c.failsafe(ctx, &p, err)
		return err
	}

	return c.commit(ctx, p, mut)
}

// ArmInitial places the first protective stop for a freshly tracked
// position. Idempotent: a position that already carries a live stop is left
// alone.
func (c *Coordinator) ArmInitial(ctx context.Context, symbol string) error {
	p, err := c.ledger.Get(symbol)
	if err != nil {
		return err
	}
	if p.StopOrderID != "" || p.State.Terminal() {
		return nil
	}
	if err := c.rearmStop(ctx, &p); err != nil {
		c.failsafe(ctx, &p, err)
		return err
	}
	p.UpdatedAt = c.now()
	return c.ledger.Commit(ctx, p)
}

// execute runs the venue-facing protocol against a working copy: cancel the
// live protective orders, take the exit, then re-arm the stop at the
// post-exit quantity. The copy is only committed by the caller on success.
func (c *Coordinator) execute(ctx context.Context, p *domain.Position, mut Mutation) error {
	if err := c.cancelProtective(ctx, p); err != nil {
		return err
	}

	if mut.Exit != nil {
		if err := c.takeExit(ctx, p, *mut.Exit); err != nil {
			return err
		}
	}

	if mut.Stop != nil {
		p.ActiveStopPrice = mut.Stop.Price
		p.StopRungApplied = mut.Stop.TriggerR
		if p.State == domain.StateInitialRisk && mut.Stop.LockR >= 0 {
			if err := p.AdvanceState(domain.StateBreakevenProtected); err != nil {
				return err
			}
		}
	}

	if err := c.rearmStop(ctx, p); err != nil {
		return err
	}

	p.UpdatedAt = c.now()
	if p.QuantityOpen == 0 && p.State == domain.StateFinalProfit {
		if err := p.AdvanceState(domain.StateClosed); err != nil {
			return err
		}
	}
	return nil
}

// cancelProtective cancels the live stop (and target, if any) and waits for
// the venue to confirm a terminal status. A stop that turns out to have
// FILLED while we were deciding means the venue already closed quantity we
// still count as open: reconcile to the venue's truth and abort.
func (c *Coordinator) cancelProtective(ctx context.Context, p *domain.Position) error {
	for _, ref := range []struct {
		id   *string
		name string
	}{
		{&p.StopOrderID, "stop"},
		{&p.TargetOrderID, "target"},
	} {
		id := *ref.id
		if id == "" {
			continue
		}
		err := c.call(ctx, "cancel_"+ref.name, func(ctx context.Context) error {
			err := c.venue.CancelOrder(ctx, id)
			if errors.Is(err, domain.ErrNotFound) {
				return nil // already gone at the venue
			}
			return err
		})
		if err != nil {
			return err
		}

		final, err := c.awaitTerminal(ctx, id)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				*ref.id = ""
				continue
			}
			return err
		}
		if final.Status == domain.OrderStatusFilled {
			c.reconcile(ctx, p, fmt.Sprintf("%s order %s filled during cancel", ref.name, id))
			return fmt.Errorf("protection: cancel %s %s: filled before cancel: %w", ref.name, id, domain.ErrOrderConflict)
		}
		*ref.id = ""
	}
	return nil
}

// takeExit submits the market scale-out and folds the confirmed fill into
// the working copy.
func (c *Coordinator) takeExit(ctx context.Context, p *domain.Position, exit ExitProposal) error {
	if exit.Quantity == 0 {
		p.ExitsTaken++
		return p.AdvanceState(exit.NextState)
	}
	if exit.Quantity > p.QuantityOpen {
		return fmt.Errorf("protection: exit %d of %d open on %s: %w",
			exit.Quantity, p.QuantityOpen, p.Symbol, domain.ErrQuantityMismatch)
	}

	req := domain.OrderRequest{
		ClientID: fmt.Sprintf("exit-%s-%d-%d", p.Symbol, p.ExitsTaken, c.now().UnixNano()),
		Symbol:   p.Symbol,
		Side:     p.Side.ExitSide(),
		Type:     domain.OrderTypeMarket,
		Quantity: exit.Quantity,
	}

	var submitted domain.VenueOrder
	err := c.call(ctx, "submit_exit", func(ctx context.Context) error {
		var err error
		submitted, err = c.venue.SubmitMarketOrder(ctx, req)
		return err
	})
	if err != nil {
		return err
	}

	final, err := c.awaitTerminal(ctx, submitted.ID)
	if err != nil {
		return err
	}
	if final.Status != domain.OrderStatusFilled || final.FilledQuantity == 0 {
		return fmt.Errorf("protection: exit order %s ended %s: %w", final.ID, final.Status, domain.ErrOrderConflict)
	}

	p.QuantityOpen -= final.FilledQuantity
	p.ExitLog = append(p.ExitLog, domain.ExitRecord{
		RLevel:     exit.RLevel,
		Quantity:   final.FilledQuantity,
		Price:      final.AvgFillPrice,
		RecordedAt: c.now(),
	})
	p.ExitsTaken++
	return p.AdvanceState(exit.NextState)
}

// rearmStop places a fresh protective stop sized to whatever remains open.
func (c *Coordinator) rearmStop(ctx context.Context, p *domain.Position) error {
	if p.QuantityOpen == 0 {
		p.StopOrderID = ""
		return nil
	}

	req := domain.OrderRequest{
		ClientID:  fmt.Sprintf("stop-%s-%d", p.Symbol, c.now().UnixNano()),
		Symbol:    p.Symbol,
		Side:      p.Side.ExitSide(),
		Type:      domain.OrderTypeStop,
		Quantity:  p.QuantityOpen,
		StopPrice: p.ActiveStopPrice,
	}

	var placed domain.VenueOrder
	err := c.call(ctx, "submit_stop", func(ctx context.Context) error {
		var err error
		placed, err = c.venue.SubmitStopOrder(ctx, req)
		return err
	})
	if err != nil {
		return err
	}
	p.StopOrderID = placed.ID
	return nil
}

// advanceOnly applies a zero-quantity exit step: state moves forward and
// the step is consumed, with nothing to do at the venue.
func (c *Coordinator) advanceOnly(ctx context.Context, p domain.Position, exit ExitProposal) error {
	p.ExitsTaken++
	if err := p.AdvanceState(exit.NextState); err != nil {
		return err
	}
	p.UpdatedAt = c.now()
	if p.QuantityOpen == 0 && p.State == domain.StateFinalProfit {
		if err := p.AdvanceState(domain.StateClosed); err != nil {
			return err
		}
	}
	return c.commit(ctx, p, Mutation{Exit: &exit})
}

// commit writes the position back to the ledger and records what happened.
func (c *Coordinator) commit(ctx context.Context, p domain.Position, mut Mutation) error {
	if err := c.ledger.Commit(ctx, p); err != nil {
		return err
	}

	if mut.Stop != nil {
		c.record(ctx, EventStopAdvanced, map[string]any{
			"symbol":     p.Symbol,
			"stop_price": mut.Stop.Price,
			"trigger_r":  mut.Stop.TriggerR,
			"locked_r":   mut.Stop.LockR,
			"state":      string(p.State),
		})
	}
	if mut.Exit != nil {
		c.record(ctx, EventPartialExit, map[string]any{
			"symbol":        p.Symbol,
			"r_level":       mut.Exit.RLevel,
			"quantity":      mut.Exit.Quantity,
			"quantity_open": p.QuantityOpen,
			"state":         string(p.State),
			"final":         mut.Exit.Final,
		})
	}

	if p.State == domain.StateClosed {
		c.record(ctx, EventPositionClosed, map[string]any{
			"symbol":   p.Symbol,
			"exits":    len(p.ExitLog),
			"original": p.OriginalQuantity,
		})
		if err := c.ledger.Remove(ctx, p.Symbol); err != nil {
			return err
		}
	}
	return nil
}

// Degrade forces the fail-safe path for symbol. The monitor uses it when a
// position has failed too many consecutive ticks to keep trusting it.
func (c *Coordinator) Degrade(ctx context.Context, symbol string, cause error) error {
	p, err := c.ledger.Get(symbol)
	if err != nil {
		return err
	}
	if p.State.Terminal() {
		return nil
	}
	c.failsafe(ctx, &p, cause)
	return nil
}

// failsafe parks the position: best-effort wide stop at the last known
// quantity, then DEGRADED so the loop stops touching it until a human
// intervenes. A stop is only submitted when the position lost its
// protective order mid-protocol; a still-resting stop is left in place.
func (c *Coordinator) failsafe(ctx context.Context, p *domain.Position, cause error) {
	c.logger.Error("mutation failed, entering fail-safe",
		slog.String("symbol", p.Symbol),
		slog.String("error", cause.Error()))

	if p.QuantityOpen > 0 && p.StopOrderID == "" {
		width := c.cfg.FailsafeStopPct
		if width <= 0 {
			width = 0.05
		}
		price := p.CurrentPrice * (1 - p.Side.Sign()*width)
		req := domain.OrderRequest{
			ClientID:  fmt.Sprintf("failsafe-%s-%d", p.Symbol, c.now().UnixNano()),
			Symbol:    p.Symbol,
			Side:      p.Side.ExitSide(),
			Type:      domain.OrderTypeStop,
			Quantity:  p.QuantityOpen,
			StopPrice: price,
		}
		err := c.call(ctx, "submit_failsafe_stop", func(ctx context.Context) error {
			placed, err := c.venue.SubmitStopOrder(ctx, req)
			if err == nil {
				p.StopOrderID = placed.ID
				p.ActiveStopPrice = price
			}
			return err
		})
		if err != nil {
			c.logger.Error("fail-safe stop could not be placed, position is unprotected",
				slog.String("symbol", p.Symbol),
				slog.String("error", err.Error()))
		}
	}

	p.State = domain.StateDegraded
	p.UpdatedAt = c.now()
	if err := c.ledger.Commit(ctx, *p); err != nil {
		c.logger.Error("degraded commit failed", slog.String("symbol", p.Symbol), slog.String("error", err.Error()))
	}

	c.record(ctx, EventPositionDegraded, map[string]any{
		"symbol":        p.Symbol,
		"quantity_open": p.QuantityOpen,
		"stop_price":    p.ActiveStopPrice,
		"cause":         cause.Error(),
	})
	if c.alerter != nil {
		msg := fmt.Sprintf("position %s degraded: %v (open %d, stop %.4f)",
			p.Symbol, cause, p.QuantityOpen, p.ActiveStopPrice)
		if err := c.alerter.Alert(ctx, "position degraded", msg); err != nil {
			c.logger.Warn("degraded alert failed", slog.String("error", err.Error()))
		}
	}
}

// reconcile adopts the venue's open quantity when it disagrees with the
// ledger. The position is left DEGRADED: its exit log can no longer account
// for every unit, so automated protection must not continue.
func (c *Coordinator) reconcile(ctx context.Context, p *domain.Position, reason string) {
	var venueQty int64
	err := c.call(ctx, "open_quantity", func(ctx context.Context) error {
		var err error
		venueQty, err = c.venue.OpenQuantity(ctx, p.Symbol)
		return err
	})
	if err != nil {
		c.logger.Error("reconcile query failed", slog.String("symbol", p.Symbol), slog.String("error", err.Error()))
		return
	}

	adopted := venueQty
	if adopted < 0 {
		adopted = -adopted
	}
	c.record(ctx, EventReconciled, map[string]any{
		"symbol":     p.Symbol,
		"ledger_qty": p.QuantityOpen,
		"venue_qty":  adopted,
		"reason":     reason,
	})
	p.QuantityOpen = adopted
}

// awaitTerminal polls order status until the venue reports a terminal
// state, bounded by ConfirmTimeout.
func (c *Coordinator) awaitTerminal(ctx context.Context, orderID string) (domain.VenueOrder, error) {
	deadline := c.now().Add(c.cfg.ConfirmTimeout)
	for {
		var order domain.VenueOrder
		err := c.call(ctx, "order_status", func(ctx context.Context) error {
			var err error
			order, err = c.venue.GetOrderStatus(ctx, orderID)
			return err
		})
		if err != nil {
			return domain.VenueOrder{}, err
		}
		if order.Status.Terminal() {
			return order, nil
		}
		if c.now().After(deadline) {
			return domain.VenueOrder{}, fmt.Errorf("protection: confirm order %s: %w", orderID, domain.ErrVenueTimeout)
		}
		select {
		case <-ctx.Done():
			return domain.VenueOrder{}, ctx.Err()
		case <-time.After(c.cfg.PollInterval):
		}
	}
}

// call wraps one venue operation with rate limiting, a per-call timeout,
// and the retry policy. Deadline expiry surfaces as ErrVenueTimeout.
func (c *Coordinator) call(ctx context.Context, op string, fn func(context.Context) error) error {
	return c.cfg.Retry.Do(ctx, c.logger, op, func(ctx context.Context) error {
		if c.limiter != nil && c.cfg.VenueRateLimit > 0 {
			ok, err := c.limiter.Allow(ctx, c.cfg.VenueRateKey, c.cfg.VenueRateLimit, c.cfg.VenueRateWindow)
			if err == nil && !ok {
				return domain.ErrRateLimited
			}
		}
		cctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
		defer cancel()
		err := fn(cctx)
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%s: %w", op, domain.ErrVenueTimeout)
		}
		return err
	})
}

// record writes the event to the audit store and publishes it on the bus.
// Both are best effort; protection decisions never block on observers.
func (c *Coordinator) record(ctx context.Context, event string, detail map[string]any) {
	if c.audit != nil {
		if err := c.audit.Log(ctx, event, detail); err != nil {
			c.logger.Warn("audit log failed", slog.String("event", event), slog.String("error", err.Error()))
		}
	}
	if c.bus != nil {
		payload, err := json.Marshal(map[string]any{"event": event, "detail": detail, "ts": c.now().UTC()})
		if err == nil {
			if err := c.bus.Publish(ctx, EventsChannel, payload); err != nil {
				c.logger.Warn("event publish failed", slog.String("event", event), slog.String("error", err.Error()))
			}
		}
	}
}
