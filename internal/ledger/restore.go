package ledger

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/calebwestray/protectbot/internal/domain"
)

// Restore loads every open position from the store into the ledger. Called
// once at startup, before the protection loop begins ticking, so restored
// positions resume from their last committed protection state rather than
// from scratch.
func (l *Ledger) Restore(ctx context.Context) error {
	if l.store == nil {
		return nil
	}

	open, err := l.store.ListOpen(ctx)
	if err != nil {
		return fmt.Errorf("ledger: restore: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	for _, p := range open {
		if !p.Conserved() {
			// A torn row means the last commit did not complete. Flag it so
			// the loop reconciles against the venue instead of trusting it.
			l.logger.Error("restored position fails conservation, marking degraded",
				slog.String("symbol", p.Symbol),
				slog.Int64("open", p.QuantityOpen),
				slog.Int64("exited", p.ExitedQuantity()),
				slog.Int64("original", p.OriginalQuantity))
			p.State = domain.StateDegraded
		}
		l.positions[p.Symbol] = p.Clone()
	}

	l.logger.Info("ledger restored", slog.Int("positions", len(open)))
	return nil
}
