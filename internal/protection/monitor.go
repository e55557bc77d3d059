package protection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/calebwestray/protectbot/internal/domain"
	"github.com/calebwestray/protectbot/internal/ledger"
)

// MonitorConfig tunes the protection tick loop.
type MonitorConfig struct {
	// TickInterval is the evaluation cadence.
	TickInterval time.Duration

	// PriceTimeout bounds the price lookup per symbol so one slow symbol
	// cannot starve the rest of the tick.
	PriceTimeout time.Duration

	// PriceStaleAfter rejects cached prices older than this; the venue is
	// queried directly instead.
	PriceStaleAfter time.Duration

	// MaxConsecutiveFailures trips a position into DEGRADED once this many
	// ticks in a row fail for it.
	MaxConsecutiveFailures int

	// MaxActionsPerTick bounds the per-position mutation loop. A gap move
	// can make several thresholds due at once; each is applied in its own
	// mutation within the same tick, up to this many.
	MaxActionsPerTick int
}

// DefaultMonitorConfig evaluates once per second.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		TickInterval:           time.Second,
		PriceTimeout:           2 * time.Second,
		PriceStaleAfter:        10 * time.Second,
		MaxConsecutiveFailures: 5,
		MaxActionsPerTick:      8,
	}
}

// PositionSummary is the read-only view handed to HTTP handlers and logs.
type PositionSummary struct {
	Symbol          string                 `json:"symbol"`
	Side            domain.Side            `json:"side"`
	State           domain.ProtectionState `json:"state"`
	QuantityOpen    int64                  `json:"quantity_open"`
	OriginalQty     int64                  `json:"original_quantity"`
	EntryPrice      float64                `json:"entry_price"`
	CurrentPrice    float64                `json:"current_price"`
	ActiveStopPrice float64                `json:"active_stop_price"`
	TargetPrice     float64                `json:"target_price,omitempty"`
	RMultiple       float64                `json:"r_multiple"`
	StopRMultiple   float64                `json:"stop_r_multiple"`
	UnrealizedPL    float64                `json:"unrealized_pl"`
	ExitsTaken      int                    `json:"exits_taken"`
	ExitLog         []domain.ExitRecord    `json:"exit_log,omitempty"`
	OpenedAt        time.Time              `json:"opened_at"`
	UpdatedAt       time.Time              `json:"updated_at"`
}

// Monitor drives protection: each tick it refreshes marks, recomputes
// R-multiples, and hands every due stop move and scale-out to the
// coordinator. It is the single writer for position state.
type Monitor struct {
	ledger  *ledger.Ledger
	coord   *Coordinator
	stops   *StopManager
	profits *ProfitEngine
	prices  domain.PriceCache
	venue   domain.ExecutionVenue

	cfg    MonitorConfig
	logger *slog.Logger
	now    func() time.Time

	// failures is only touched from the tick goroutine.
	failures map[string]int
}

// NewMonitor wires the tick loop. prices may be nil; the venue is then the
// only price source.
func NewMonitor(
	led *ledger.Ledger,
	coord *Coordinator,
	stops *StopManager,
	profits *ProfitEngine,
	prices domain.PriceCache,
	venue domain.ExecutionVenue,
	cfg MonitorConfig,
	logger *slog.Logger,
) *Monitor {
	return &Monitor{
		ledger:   led,
		coord:    coord,
		stops:    stops,
		profits:  profits,
		prices:   prices,
		venue:    venue,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "protection_monitor")),
		now:      time.Now,
		failures: make(map[string]int),
	}
}

// Track validates and registers a new position for protection. Exposed to
// the entry executor and to operational tooling.
func (m *Monitor) Track(ctx context.Context, symbol string, side domain.Side, quantity int64, entryPrice, stopPrice, targetPrice float64) (domain.Position, error) {
	p, err := domain.NewPosition(symbol, side, quantity, entryPrice, stopPrice, m.now())
	if err != nil {
		return domain.Position{}, err
	}
	if err := p.SetInitialTarget(targetPrice); err != nil {
		return domain.Position{}, err
	}
	if err := m.ledger.Track(ctx, p); err != nil {
		return domain.Position{}, err
	}
	return p, nil
}

// ArmInitial places the first protective stop for symbol through the
// coordinator. The entry executor calls this immediately after Track.
func (m *Monitor) ArmInitial(ctx context.Context, symbol string) error {
	return m.coord.ArmInitial(ctx, symbol)
}

// Protected reports whether symbol is already under protection.
func (m *Monitor) Protected(symbol string) bool {
	_, err := m.ledger.Get(symbol)
	return err == nil
}

// Summaries returns the current view of every tracked position.
func (m *Monitor) Summaries() []PositionSummary {
	all := m.ledger.All()
	out := make([]PositionSummary, 0, len(all))
	for _, p := range all {
		out = append(out, summarize(p))
	}
	return out
}

// Summary returns the view of one position.
func (m *Monitor) Summary(symbol string) (PositionSummary, error) {
	p, err := m.ledger.Get(symbol)
	if err != nil {
		return PositionSummary{}, err
	}
	return summarize(p), nil
}

func summarize(p domain.Position) PositionSummary {
	return PositionSummary{
		Symbol:          p.Symbol,
		Side:            p.Side,
		State:           p.State,
		QuantityOpen:    p.QuantityOpen,
		OriginalQty:     p.OriginalQuantity,
		EntryPrice:      p.EntryPrice,
		CurrentPrice:    p.CurrentPrice,
		ActiveStopPrice: p.ActiveStopPrice,
		TargetPrice:     p.InitialTargetPrice,
		RMultiple:       p.RMultiple,
		StopRMultiple:   StopRMultiple(p),
		UnrealizedPL:    p.UnrealizedPL(),
		ExitsTaken:      p.ExitsTaken,
		ExitLog:         p.ExitLog,
		OpenedAt:        p.OpenedAt,
		UpdatedAt:       p.UpdatedAt,
	}
}

// Run ticks until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	m.logger.Info("protection monitor started", slog.Duration("tick", m.cfg.TickInterval))
	ticker := time.NewTicker(m.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("protection monitor stopped")
			return ctx.Err()
		case <-ticker.C:
			m.Tick(ctx)
		}
	}
}

// Tick evaluates every tracked position once. Failures are isolated per
// symbol: one position's bad tick never blocks the others.
func (m *Monitor) Tick(ctx context.Context) {
	for _, p := range m.ledger.All() {
		if p.State.Terminal() {
			continue
		}
		if err := m.evaluate(ctx, p); err != nil {
			m.fail(ctx, p.Symbol, err)
			continue
		}
		delete(m.failures, p.Symbol)
	}
}

func (m *Monitor) evaluate(ctx context.Context, p domain.Position) error {
	price, err := m.latestPrice(ctx, p.Symbol)
	if err != nil {
		return fmt.Errorf("protection: price %s: %w", p.Symbol, err)
	}

	r := RMultipleAt(p, price)
	if err := m.ledger.MarkPrice(p.Symbol, price, r, m.now()); err != nil {
		return err
	}

	// A single large move can make several thresholds due at once. Apply
	// them one mutation at a time, re-reading the committed position after
	// each, so every exit is logged at its own R level and the stop ends at
	// the highest rung reached.
	for i := 0; i < m.cfg.MaxActionsPerTick; i++ {
		cur, err := m.ledger.Get(p.Symbol)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return nil // closed and removed by the coordinator
			}
			return err
		}
		if cur.State.Terminal() {
			return nil
		}

		var mut Mutation
		if prop, ok := m.stops.Propose(cur); ok {
			mut.Stop = &prop
		}
		if prop, ok := m.profits.Propose(cur); ok {
			mut.Exit = &prop
		}
		if mut.empty() {
			return nil
		}

		if err := m.coord.Apply(ctx, p.Symbol, mut); err != nil {
			return err
		}
	}
	return nil
}

// latestPrice prefers a fresh cached mark and falls back to the venue.
func (m *Monitor) latestPrice(ctx context.Context, symbol string) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.PriceTimeout)
	defer cancel()

	if m.prices != nil {
		price, ts, err := m.prices.GetPrice(ctx, symbol)
		if err == nil && m.now().Sub(ts) <= m.cfg.PriceStaleAfter {
			return price, nil
		}
	}

	price, err := m.venue.GetLatestPrice(ctx, symbol)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return 0, domain.ErrVenueTimeout
		}
		return 0, err
	}
	return price, nil
}

// fail counts consecutive bad ticks for symbol and trips the fail-safe once
// the limit is hit.
func (m *Monitor) fail(ctx context.Context, symbol string, cause error) {
	m.failures[symbol]++
	count := m.failures[symbol]
	m.logger.Warn("tick failed",
		slog.String("symbol", symbol),
		slog.Int("consecutive", count),
		slog.String("error", cause.Error()))

	if count < m.cfg.MaxConsecutiveFailures {
		return
	}
	delete(m.failures, symbol)
	if err := m.coord.Degrade(ctx, symbol, fmt.Errorf("%d consecutive tick failures: %w", count, cause)); err != nil {
		m.logger.Error("degrade failed", slog.String("symbol", symbol), slog.String("error", err.Error()))
	}
}
