// Package entry turns externally produced entry signals into protected
// positions: buffered limit entry, fill confirmation, slippage and
// risk/reward gates, then handoff to the protection engine.
package entry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/calebwestray/protectbot/internal/domain"
)

// Event names published on the events channel and recorded in the audit log.
const (
	EventsChannel = "protection.events"

	EventEntryFilled   = "entry_filled"
	EventEntryRejected = "entry_rejected"
	EventEntryTimedOut = "entry_timed_out"
	EventEntryUnwound  = "entry_unwound"
)

// Protector is the protection engine surface the executor hands fills to.
// Implemented by protection.Monitor.
type Protector interface {
	Track(ctx context.Context, symbol string, side domain.Side, quantity int64, entryPrice, stopPrice, targetPrice float64) (domain.Position, error)
	ArmInitial(ctx context.Context, symbol string) error
	Protected(symbol string) bool
}

// Config tunes entry execution.
type Config struct {
	// BufferPct offsets the limit price from the desired entry toward the
	// market, e.g. 0.001 pays up ten basis points to get filled.
	BufferPct float64

	// FillTimeout bounds how long an entry order may rest unfilled.
	FillTimeout time.Duration

	// PollInterval is the fill polling cadence.
	PollInterval time.Duration

	// MaxSlippagePct rejects fills whose adverse slippage against the
	// desired entry exceeds this fraction.
	MaxSlippagePct float64

	// MinRiskReward rejects fills whose remaining reward, measured against
	// the originally intended stop and target levels, no longer clears
	// this ratio.
	MinRiskReward float64

	Sizing SizingConfig

	DedupTTL        time.Duration
	CleanupInterval time.Duration
}

// DefaultConfig matches a liquid venue polled over REST.
func DefaultConfig() Config {
	return Config{
		BufferPct:       0.001,
		FillTimeout:     30 * time.Second,
		PollInterval:    500 * time.Millisecond,
		MaxSlippagePct:  0.003,
		MinRiskReward:   1.5,
		Sizing:          SizingConfig{RiskPct: 0.01, LotSize: 1},
		DedupTTL:        2 * time.Minute,
		CleanupInterval: 30 * time.Second,
	}
}

// Executor reads entry signals from a channel, applies deduplication,
// expiry, and sizing, executes a buffered limit entry, and registers the
// confirmed fill with the protection engine.
type Executor struct {
	signalCh  <-chan domain.EntrySignal
	venue     domain.ExecutionVenue
	account   domain.AccountProvider
	protector Protector
	dedup     *Dedup
	audit     domain.AuditStore
	bus       domain.SignalBus

	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// NewExecutor creates an Executor that reads signals from signalCh. audit
// and bus may be nil.
func NewExecutor(
	signalCh <-chan domain.EntrySignal,
	venue domain.ExecutionVenue,
	account domain.AccountProvider,
	protector Protector,
	audit domain.AuditStore,
	bus domain.SignalBus,
	cfg Config,
	logger *slog.Logger,
) *Executor {
	return &Executor{
		signalCh:  signalCh,
		venue:     venue,
		account:   account,
		protector: protector,
		dedup:     NewDedup(cfg.DedupTTL),
		audit:     audit,
		bus:       bus,
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "entry_executor")),
		now:       time.Now,
	}
}

// Run processes signals until the context is cancelled or the channel
// closes.
func (e *Executor) Run(ctx context.Context) error {
	e.logger.Info("entry executor started")
	defer e.logger.Info("entry executor stopped")

	cleanupTicker := time.NewTicker(e.cfg.CleanupInterval)
	defer cleanupTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case sig, ok := <-e.signalCh:
			if !ok {
				return nil
			}
			if err := e.Process(ctx, sig); err != nil {
				e.logger.Warn("signal not executed",
					slog.String("signal_id", sig.ID),
					slog.String("symbol", sig.Symbol),
					slog.String("error", err.Error()))
			}

		case <-cleanupTicker.C:
			e.dedup.Cleanup()
		}
	}
}

// Process handles a single entry signal through the full validation and
// execution pipeline.
func (e *Executor) Process(ctx context.Context, sig domain.EntrySignal) error {
	log := e.logger.With(
		slog.String("signal_id", sig.ID),
		slog.String("symbol", sig.Symbol),
		slog.String("side", string(sig.Side)),
	)

	// 1. Deduplication.
	if e.dedup.IsDuplicate(sig.ID) {
		log.Debug("signal deduplicated, skipping")
		return nil
	}

	// 2. Expiry check.
	if sig.Expired(e.now()) {
		log.Warn("signal expired, skipping", slog.Time("expires_at", sig.ExpiresAt))
		return nil
	}

	// 3. One position per symbol.
	if e.protector.Protected(sig.Symbol) {
		return e.reject(ctx, sig, "position already open", nil)
	}

	// 4. Sizing from the account's risk budget. An unaffordable signal is
	// sized down by the notional cap, not rejected; only a zero quantity
	// ends it here.
	equity, err := e.account.Equity(ctx)
	if err != nil {
		return fmt.Errorf("entry: equity: %w", err)
	}
	qty, err := SizeOrder(equity*e.cfg.Sizing.RiskPct, sig.StopDistance, sig.DesiredEntryPrice, e.cfg.Sizing)
	if err != nil {
		return e.reject(ctx, sig, "unsizeable", err)
	}
	if qty == 0 {
		return e.reject(ctx, sig, "risk budget sizes to zero", nil)
	}

	// 5. Buffered limit entry: offset toward the market so a moving price
	// still fills, bounded by the slippage gate below.
	limitPrice := sig.DesiredEntryPrice * (1 + sig.Side.Sign()*e.cfg.BufferPct)
	order, err := e.venue.SubmitLimitOrder(ctx, domain.OrderRequest{
		ClientID:   "entry-" + sig.ID,
		Symbol:     sig.Symbol,
		Side:       sig.Side.EntrySide(),
		Type:       domain.OrderTypeLimit,
		Quantity:   qty,
		LimitPrice: limitPrice,
	})
	if err != nil {
		return fmt.Errorf("entry: submit %s: %w", sig.Symbol, err)
	}

	// 6. Fill confirmation.
	filled, err := e.awaitFill(ctx, order.ID)
	if err != nil {
		return e.abandon(ctx, sig, order.ID, err)
	}

	fill := filled.AvgFillPrice
	log = log.With(slog.Float64("fill", fill), slog.Int64("quantity", filled.FilledQuantity))

	// 7. Slippage gate. Positive is adverse for either side. Magnitude is
	// what matters: a fill far through the desired price in either
	// direction means the quote was stale or the fill data is suspect.
	slippage := sig.Side.Sign() * (fill - sig.DesiredEntryPrice) / sig.DesiredEntryPrice
	if math.Abs(slippage) > e.cfg.MaxSlippagePct {
		e.unwind(ctx, sig, filled)
		return fmt.Errorf("entry: %s slippage %.5f: %w", sig.Symbol, slippage, domain.ErrExcessiveSlippage)
	}

	// 8. Risk/reward gate against the ORIGINALLY intended levels. A worse
	// fill eats reward and adds risk at the same time; if the trade no
	// longer clears the bar it is closed immediately.
	risk := sig.Side.Sign() * (fill - sig.IntendedStop())
	reward := sig.Side.Sign() * (sig.IntendedTarget() - fill)
	if risk <= 0 {
		e.unwind(ctx, sig, filled)
		return fmt.Errorf("entry: %s filled through its stop level: %w", sig.Symbol, domain.ErrInvalidRisk)
	}
	if rr := reward / risk; rr < e.cfg.MinRiskReward {
		e.unwind(ctx, sig, filled)
		return fmt.Errorf("entry: %s risk/reward %.3f: %w", sig.Symbol, rr, domain.ErrRiskRewardBelowMin)
	}

	// 9. Protection handoff. Stop and target distances re-anchor at the
	// actual fill so the protection ladder risks exactly what was planned.
	stopPrice := fill - sig.Side.Sign()*sig.StopDistance
	targetPrice := fill + sig.Side.Sign()*sig.TargetDistance
	if _, err := e.protector.Track(ctx, sig.Symbol, sig.Side, filled.FilledQuantity, fill, stopPrice, targetPrice); err != nil {
		e.unwind(ctx, sig, filled)
		return fmt.Errorf("entry: track %s: %w", sig.Symbol, err)
	}
	if err := e.protector.ArmInitial(ctx, sig.Symbol); err != nil {
		// Track succeeded; the coordinator has already parked the position
		// behind its fail-safe path.
		return fmt.Errorf("entry: arm %s: %w", sig.Symbol, err)
	}

	log.Info("entry filled and protected",
		slog.Float64("stop", stopPrice),
		slog.Float64("target", targetPrice))
	e.record(ctx, EventEntryFilled, map[string]any{
		"signal_id": sig.ID,
		"symbol":    sig.Symbol,
		"side":      string(sig.Side),
		"quantity":  filled.FilledQuantity,
		"desired":   sig.DesiredEntryPrice,
		"fill":      fill,
		"stop":      stopPrice,
		"target":    targetPrice,
		"slippage":  slippage,
	})
	return nil
}

// awaitFill polls until the order fully fills, bounded by FillTimeout.
func (e *Executor) awaitFill(ctx context.Context, orderID string) (domain.VenueOrder, error) {
	deadline := e.now().Add(e.cfg.FillTimeout)
	for {
		order, err := e.venue.GetOrderStatus(ctx, orderID)
		if err != nil {
			return domain.VenueOrder{}, err
		}
		if order.FullyFilled() {
			return order, nil
		}
		if order.Status.Terminal() {
			return order, fmt.Errorf("entry: order %s ended %s: %w", orderID, order.Status, domain.ErrOrderConflict)
		}
		if e.now().After(deadline) {
			return order, fmt.Errorf("entry: order %s: %w", orderID, domain.ErrEntryTimeout)
		}
		select {
		case <-ctx.Done():
			return domain.VenueOrder{}, ctx.Err()
		case <-time.After(e.cfg.PollInterval):
		}
	}
}

// abandon cancels an unfilled or partially filled entry, unwinding any
// partial fill so no unprotected exposure survives.
func (e *Executor) abandon(ctx context.Context, sig domain.EntrySignal, orderID string, cause error) error {
	if err := e.venue.CancelOrder(ctx, orderID); err != nil && !errors.Is(err, domain.ErrNotFound) {
		e.logger.Error("abandon cancel failed", slog.String("order_id", orderID), slog.String("error", err.Error()))
	}

	order, err := e.venue.GetOrderStatus(ctx, orderID)
	if err == nil && order.FilledQuantity > 0 {
		e.unwind(ctx, sig, order)
	}

	// A venue rejection or cancel is not a timeout; label the trail by
	// what actually happened.
	event := EventEntryRejected
	if errors.Is(cause, domain.ErrEntryTimeout) {
		event = EventEntryTimedOut
	}
	e.record(ctx, event, map[string]any{
		"signal_id": sig.ID,
		"symbol":    sig.Symbol,
		"cause":     cause.Error(),
	})
	return cause
}

// unwind closes out a fill that failed a post-fill gate with an offsetting
// market order.
func (e *Executor) unwind(ctx context.Context, sig domain.EntrySignal, filled domain.VenueOrder) {
	if filled.FilledQuantity == 0 {
		return
	}
	_, err := e.venue.SubmitMarketOrder(ctx, domain.OrderRequest{
		ClientID: "unwind-" + sig.ID,
		Symbol:   sig.Symbol,
		Side:     sig.Side.ExitSide(),
		Type:     domain.OrderTypeMarket,
		Quantity: filled.FilledQuantity,
	})
	if err != nil {
		e.logger.Error("unwind failed, manual intervention required",
			slog.String("symbol", sig.Symbol),
			slog.Int64("quantity", filled.FilledQuantity),
			slog.String("error", err.Error()))
	}
	e.record(ctx, EventEntryUnwound, map[string]any{
		"signal_id": sig.ID,
		"symbol":    sig.Symbol,
		"quantity":  filled.FilledQuantity,
	})
}

func (e *Executor) reject(ctx context.Context, sig domain.EntrySignal, reason string, cause error) error {
	e.record(ctx, EventEntryRejected, map[string]any{
		"signal_id": sig.ID,
		"symbol":    sig.Symbol,
		"reason":    reason,
	})
	if cause != nil {
		return fmt.Errorf("entry: reject %s: %s: %w", sig.Symbol, reason, cause)
	}
	e.logger.Info("signal rejected", slog.String("signal_id", sig.ID), slog.String("reason", reason))
	return nil
}

// record mirrors the coordinator's best-effort observer pattern.
func (e *Executor) record(ctx context.Context, event string, detail map[string]any) {
	if e.audit != nil {
		if err := e.audit.Log(ctx, event, detail); err != nil {
			e.logger.Warn("audit log failed", slog.String("event", event), slog.String("error", err.Error()))
		}
	}
	if e.bus != nil {
		payload, err := json.Marshal(map[string]any{"event": event, "detail": detail, "ts": e.now().UTC()})
		if err == nil {
			if err := e.bus.Publish(ctx, EventsChannel, payload); err != nil {
				e.logger.Warn("event publish failed", slog.String("event", event), slog.String("error", err.Error()))
			}
		}
	}
}
