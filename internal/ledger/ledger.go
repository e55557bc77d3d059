// Package ledger holds the in-memory source of truth for open positions.
// All mutation flows through the protection loop, which is the single
// writer; the ledger's lock exists so read-only surfaces (HTTP handlers,
// summaries) can observe it safely.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/calebwestray/protectbot/internal/domain"
)

// Ledger maps symbol to the authoritative open position. When a store is
// attached every mutation is written through, so the last committed state
// survives a restart.
type Ledger struct {
	mu        sync.RWMutex
	positions map[string]domain.Position

	store  domain.PositionStore // optional write-through
	logger *slog.Logger
}

// New creates an empty ledger. store may be nil for purely in-memory use
// (paper mode, tests).
func New(store domain.PositionStore, logger *slog.Logger) *Ledger {
	return &Ledger{
		positions: make(map[string]domain.Position),
		store:     store,
		logger:    logger.With(slog.String("component", "ledger")),
	}
}

// Track registers a new position. It refuses to overwrite an existing entry
// for the same symbol; one position per symbol is the engine's unit of
// account.
func (l *Ledger) Track(ctx context.Context, p domain.Position) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.positions[p.Symbol]; ok {
		return fmt.Errorf("ledger: track %s: %w", p.Symbol, domain.ErrAlreadyExists)
	}
	if err := l.persist(ctx, p); err != nil {
		return err
	}
	l.positions[p.Symbol] = p.Clone()
	l.logger.Info("position tracked",
		slog.String("symbol", p.Symbol),
		slog.String("side", string(p.Side)),
		slog.Int64("quantity", p.QuantityOpen),
		slog.Float64("entry", p.EntryPrice),
		slog.Float64("stop", p.ActiveStopPrice))
	return nil
}

// Commit replaces the stored position for p.Symbol with p. The position
// must already be tracked.
func (l *Ledger) Commit(ctx context.Context, p domain.Position) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.positions[p.Symbol]; !ok {
		return fmt.Errorf("ledger: commit %s: %w", p.Symbol, domain.ErrNotFound)
	}
	if err := l.persist(ctx, p); err != nil {
		return err
	}
	l.positions[p.Symbol] = p.Clone()
	return nil
}

// MarkPrice updates the in-memory mark and R-multiple without touching the
// store. Marks are ephemeral; they are persisted as a side effect of the
// next mutation commit.
func (l *Ledger) MarkPrice(symbol string, price, rMultiple float64, ts time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.positions[symbol]
	if !ok {
		return fmt.Errorf("ledger: mark %s: %w", symbol, domain.ErrNotFound)
	}
	p.CurrentPrice = price
	p.RMultiple = rMultiple
	p.UpdatedAt = ts
	l.positions[symbol] = p
	return nil
}

// Get returns a copy of the position for symbol.
func (l *Ledger) Get(symbol string) (domain.Position, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	p, ok := l.positions[symbol]
	if !ok {
		return domain.Position{}, fmt.Errorf("ledger: get %s: %w", symbol, domain.ErrNotFound)
	}
	return p.Clone(), nil
}

// Remove drops the position from the ledger and marks the row closed in the
// store. Only fully exited or reconciled positions should be removed.
func (l *Ledger) Remove(ctx context.Context, symbol string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.positions[symbol]
	if !ok {
		return fmt.Errorf("ledger: remove %s: %w", symbol, domain.ErrNotFound)
	}
	if l.store != nil {
		if err := l.store.MarkClosed(ctx, symbol, p.State, p.UpdatedAt); err != nil {
			return fmt.Errorf("ledger: remove %s: %w", symbol, err)
		}
	}
	delete(l.positions, symbol)
	l.logger.Info("position removed", slog.String("symbol", symbol), slog.String("state", string(p.State)))
	return nil
}

// All returns copies of every tracked position, ordered by symbol so each
// protection tick walks positions deterministically.
func (l *Ledger) All() []domain.Position {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]domain.Position, 0, len(l.positions))
	for _, p := range l.positions {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Len returns the number of tracked positions.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.positions)
}

func (l *Ledger) persist(ctx context.Context, p domain.Position) error {
	if l.store == nil {
		return nil
	}
	if err := l.store.Upsert(ctx, p); err != nil {
		return fmt.Errorf("ledger: persist %s: %w", p.Symbol, err)
	}
	return nil
}
