package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/calebwestray/protectbot/internal/domain"
)

// PositionStore implements domain.PositionStore using PostgreSQL.
type PositionStore struct {
	pool *pgxpool.Pool
}

var _ domain.PositionStore = (*PositionStore)(nil)

// NewPositionStore creates a new PositionStore backed by the given connection pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

const positionSelectCols = `symbol, side, original_quantity, quantity_open,
	entry_price, initial_stop_price, initial_risk_per_unit, initial_target_price,
	current_price, r_multiple, state, active_stop_price, stop_rung_applied,
	exits_taken, stop_order_id, target_order_id, opened_at, updated_at`

func scanPositionRows(rows pgx.Rows) ([]domain.Position, error) {
	var positions []domain.Position
	for rows.Next() {
		var (
			p           domain.Position
			side, state string
		)
		if err := rows.Scan(
			&p.Symbol, &side, &p.OriginalQuantity, &p.QuantityOpen,
			&p.EntryPrice, &p.InitialStopPrice, &p.InitialRiskPerUnit, &p.InitialTargetPrice,
			&p.CurrentPrice, &p.RMultiple, &state, &p.ActiveStopPrice, &p.StopRungApplied,
			&p.ExitsTaken, &p.StopOrderID, &p.TargetOrderID, &p.OpenedAt, &p.UpdatedAt,
		); err != nil {
			return nil, err
		}
		p.Side = domain.Side(side)
		p.State = domain.ProtectionState(state)
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// Upsert writes the full position row and replaces its exit log. Both writes
// happen in one transaction so a recovered position can never show an exit
// log out of step with its quantities.
func (s *PositionStore) Upsert(ctx context.Context, p domain.Position) error {
	const upsertQuery = `
		INSERT INTO positions (
			symbol, side, original_quantity, quantity_open,
			entry_price, initial_stop_price, initial_risk_per_unit, initial_target_price,
			current_price, r_multiple, state, active_stop_price, stop_rung_applied,
			exits_taken, stop_order_id, target_order_id, opened_at, updated_at
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7, $8,
			$9, $10, $11, $12, $13,
			$14, $15, $16, $17, $18
		)
		ON CONFLICT (symbol) DO UPDATE SET
			quantity_open     = EXCLUDED.quantity_open,
			current_price     = EXCLUDED.current_price,
			r_multiple        = EXCLUDED.r_multiple,
			state             = EXCLUDED.state,
			active_stop_price = EXCLUDED.active_stop_price,
			stop_rung_applied = EXCLUDED.stop_rung_applied,
			exits_taken       = EXCLUDED.exits_taken,
			stop_order_id     = EXCLUDED.stop_order_id,
			target_order_id   = EXCLUDED.target_order_id,
			updated_at        = EXCLUDED.updated_at`

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin upsert %s: %w", p.Symbol, err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, upsertQuery,
		p.Symbol, string(p.Side), p.OriginalQuantity, p.QuantityOpen,
		p.EntryPrice, p.InitialStopPrice, p.InitialRiskPerUnit, p.InitialTargetPrice,
		p.CurrentPrice, p.RMultiple, string(p.State), p.ActiveStopPrice, p.StopRungApplied,
		p.ExitsTaken, p.StopOrderID, p.TargetOrderID, p.OpenedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert position %s: %w", p.Symbol, err)
	}

	if _, err := tx.Exec(ctx,
		"DELETE FROM position_exits WHERE symbol = $1", p.Symbol,
	); err != nil {
		return fmt.Errorf("postgres: clear exits %s: %w", p.Symbol, err)
	}

	for _, exit := range p.ExitLog {
		if _, err := tx.Exec(ctx,
			`INSERT INTO position_exits (symbol, r_level, quantity, price, recorded_at)
			 VALUES ($1, $2, $3, $4, $5)`,
			p.Symbol, exit.RLevel, exit.Quantity, exit.Price, exit.RecordedAt,
		); err != nil {
			return fmt.Errorf("postgres: insert exit %s: %w", p.Symbol, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit upsert %s: %w", p.Symbol, err)
	}
	return nil
}

// Get retrieves a single position by symbol, including its exit log.
func (s *PositionStore) Get(ctx context.Context, symbol string) (domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions WHERE symbol = $1`, symbol)
	if err != nil {
		return domain.Position{}, fmt.Errorf("postgres: get position %s: %w", symbol, err)
	}
	defer rows.Close()

	positions, err := scanPositionRows(rows)
	if err != nil {
		return domain.Position{}, fmt.Errorf("postgres: scan position %s: %w", symbol, err)
	}
	if len(positions) == 0 {
		return domain.Position{}, domain.ErrNotFound
	}

	p := positions[0]
	if err := s.loadExits(ctx, &p); err != nil {
		return domain.Position{}, err
	}
	return p, nil
}

// ListOpen returns every position not yet closed, with exit logs, for
// recovery at startup.
func (s *PositionStore) ListOpen(ctx context.Context) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions
		 WHERE closed_at IS NULL
		 ORDER BY symbol`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list open positions: %w", err)
	}
	defer rows.Close()

	positions, err := scanPositionRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan open positions: %w", err)
	}

	for i := range positions {
		if err := s.loadExits(ctx, &positions[i]); err != nil {
			return nil, err
		}
	}
	return positions, nil
}

// MarkClosed finalizes a position row. The row is retained for history and
// later archival.
func (s *PositionStore) MarkClosed(ctx context.Context, symbol string, state domain.ProtectionState, closedAt time.Time) error {
	const query = `
		UPDATE positions SET
			state      = $2,
			closed_at  = $3,
			updated_at = $3
		WHERE symbol = $1 AND closed_at IS NULL`

	tag, err := s.pool.Exec(ctx, query, symbol, string(state), closedAt)
	if err != nil {
		return fmt.Errorf("postgres: mark closed %s: %w", symbol, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ListClosedBefore returns closed positions whose close time is strictly
// before the cutoff.
func (s *PositionStore) ListClosedBefore(ctx context.Context, before time.Time) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions
		 WHERE closed_at IS NOT NULL AND closed_at < $1
		 ORDER BY symbol`, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list closed positions: %w", err)
	}
	defer rows.Close()

	positions, err := scanPositionRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan closed positions: %w", err)
	}

	for i := range positions {
		if err := s.loadExits(ctx, &positions[i]); err != nil {
			return nil, err
		}
	}
	return positions, nil
}

// DeleteClosedBefore removes archived closed positions. Exit rows cascade.
func (s *PositionStore) DeleteClosedBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM positions WHERE closed_at IS NOT NULL AND closed_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete closed positions: %w", err)
	}
	return tag.RowsAffected(), nil
}

// loadExits fills in the exit log for a position.
func (s *PositionStore) loadExits(ctx context.Context, p *domain.Position) error {
	rows, err := s.pool.Query(ctx,
		`SELECT r_level, quantity, price, recorded_at
		 FROM position_exits WHERE symbol = $1 ORDER BY id`, p.Symbol)
	if err != nil {
		return fmt.Errorf("postgres: load exits %s: %w", p.Symbol, err)
	}
	defer rows.Close()

	for rows.Next() {
		var e domain.ExitRecord
		if err := rows.Scan(&e.RLevel, &e.Quantity, &e.Price, &e.RecordedAt); err != nil {
			return fmt.Errorf("postgres: scan exit %s: %w", p.Symbol, err)
		}
		p.ExitLog = append(p.ExitLog, e)
	}
	if err := rows.Err(); err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("postgres: read exits %s: %w", p.Symbol, err)
	}
	return nil
}
