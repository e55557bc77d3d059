package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/calebwestray/protectbot/internal/domain"
)

// ArchiveImpl implements domain.Archiver by querying the stores for old
// records, serializing them to JSONL, and uploading the result to S3.
//
// Deletion of the archived records from the primary store is intentionally
// NOT performed here; that is a separate, explicit step to be executed after
// the archive has been verified.
type ArchiveImpl struct {
	writer    domain.BlobWriter
	positions domain.PositionStore
	audit     domain.AuditStore
}

var _ domain.Archiver = (*ArchiveImpl)(nil)

// NewArchiver creates a new ArchiveImpl.
func NewArchiver(writer domain.BlobWriter, positions domain.PositionStore, audit domain.AuditStore) *ArchiveImpl {
	return &ArchiveImpl{
		writer:    writer,
		positions: positions,
		audit:     audit,
	}
}

// archivedPosition is the JSONL record written for a closed position.
type archivedPosition struct {
	Symbol             string              `json:"symbol"`
	Side               string              `json:"side"`
	OriginalQuantity   int64               `json:"original_quantity"`
	QuantityOpen       int64               `json:"quantity_open"`
	EntryPrice         float64             `json:"entry_price"`
	InitialStopPrice   float64             `json:"initial_stop_price"`
	InitialRiskPerUnit float64             `json:"initial_risk_per_unit"`
	State              string              `json:"state"`
	ActiveStopPrice    float64             `json:"active_stop_price"`
	ExitsTaken         int                 `json:"exits_taken"`
	ExitLog            []archivedExit      `json:"exit_log,omitempty"`
	OpenedAt           time.Time           `json:"opened_at"`
	UpdatedAt          time.Time           `json:"updated_at"`
}

type archivedExit struct {
	RLevel     float64   `json:"r_level"`
	Quantity   int64     `json:"quantity"`
	Price      float64   `json:"price"`
	RecordedAt time.Time `json:"recorded_at"`
}

// ArchiveClosedPositions queries closed positions before the cutoff,
// serializes them to JSONL, and uploads the file to S3 at
// archive/positions/YYYY-MM.jsonl. The archival event is recorded in the
// audit log and the count of archived records is returned.
func (a *ArchiveImpl) ArchiveClosedPositions(ctx context.Context, before time.Time) (int64, error) {
	positions, err := a.positions.ListClosedBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive positions query: %w", err)
	}
	if len(positions) == 0 {
		return 0, nil
	}

	records := make([]archivedPosition, 0, len(positions))
	for _, p := range positions {
		rec := archivedPosition{
			Symbol:             p.Symbol,
			Side:               string(p.Side),
			OriginalQuantity:   p.OriginalQuantity,
			QuantityOpen:       p.QuantityOpen,
			EntryPrice:         p.EntryPrice,
			InitialStopPrice:   p.InitialStopPrice,
			InitialRiskPerUnit: p.InitialRiskPerUnit,
			State:              string(p.State),
			ActiveStopPrice:    p.ActiveStopPrice,
			ExitsTaken:         p.ExitsTaken,
			OpenedAt:           p.OpenedAt,
			UpdatedAt:          p.UpdatedAt,
		}
		for _, e := range p.ExitLog {
			rec.ExitLog = append(rec.ExitLog, archivedExit{
				RLevel:     e.RLevel,
				Quantity:   e.Quantity,
				Price:      e.Price,
				RecordedAt: e.RecordedAt,
			})
		}
		records = append(records, rec)
	}

	buf, err := marshalJSONL(records)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive positions marshal: %w", err)
	}

	path := archivePath("positions", before)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive positions upload: %w", err)
	}

	count := int64(len(records))

	if err := a.audit.Log(ctx, "archive.positions", map[string]any{
		"path":   path,
		"count":  count,
		"before": before.Format(time.RFC3339),
	}); err != nil {
		return count, fmt.Errorf("s3blob: archive positions audit log: %w", err)
	}

	return count, nil
}

// ArchiveAudit queries audit entries before the cutoff, serializes them to
// JSONL, and uploads the file to S3 at archive/audit/YYYY-MM.jsonl. The
// archival itself is audit-logged and the count of archived records is
// returned.
func (a *ArchiveImpl) ArchiveAudit(ctx context.Context, before time.Time) (int64, error) {
	entries, err := a.audit.ListBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive audit query: %w", err)
	}
	if len(entries) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(entries)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive audit marshal: %w", err)
	}

	path := archivePath("audit", before)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive audit upload: %w", err)
	}

	count := int64(len(entries))

	if err := a.audit.Log(ctx, "archive.audit", map[string]any{
		"path":   path,
		"count":  count,
		"before": before.Format(time.RFC3339),
	}); err != nil {
		return count, fmt.Errorf("s3blob: archive audit log: %w", err)
	}

	return count, nil
}

// archivePath builds the S3 key for an archive file, partitioned by the
// year-month of the cutoff time.
//
//	archive/positions/2025-01.jsonl
//	archive/audit/2025-01.jsonl
func archivePath(kind string, before time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, before.Format("2006-01"))
}

// marshalJSONL serialises a slice of values as newline-delimited JSON.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
