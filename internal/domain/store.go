package domain

import (
	"context"
	"time"
)

// PositionStore persists positions so the ledger survives restarts.
// Upsert writes the full position including its exit log; ListOpen returns
// every position not yet closed, for recovery at startup.
type PositionStore interface {
	Upsert(ctx context.Context, p Position) error
	Get(ctx context.Context, symbol string) (Position, error)
	ListOpen(ctx context.Context) ([]Position, error)

	// MarkClosed finalizes a position row. The row is retained for history
	// and later archival rather than deleted.
	MarkClosed(ctx context.Context, symbol string, state ProtectionState, closedAt time.Time) error

	// ListClosedBefore returns closed positions whose close time is strictly
	// before the cutoff, for archival to cold storage.
	ListClosedBefore(ctx context.Context, before time.Time) ([]Position, error)

	// DeleteClosedBefore removes closed positions after they have been
	// archived. Returns the number of rows deleted.
	DeleteClosedBefore(ctx context.Context, before time.Time) (int64, error)
}

// AuditEntry is one recorded protection event.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore records an append-only trail of every protection decision.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	ListRecent(ctx context.Context, limit int) ([]AuditEntry, error)
	ListBefore(ctx context.Context, before time.Time) ([]AuditEntry, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}
