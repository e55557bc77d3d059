package s3blob

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calebwestray/protectbot/internal/domain"
)

type memWriter struct {
	objects map[string]string
}

func (w *memWriter) Put(ctx context.Context, path string, data io.Reader, contentType string) error {
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	if w.objects == nil {
		w.objects = make(map[string]string)
	}
	w.objects[path] = string(b)
	return nil
}

func (w *memWriter) PutMultipart(ctx context.Context, path string, data io.Reader, partSize int64) error {
	return w.Put(ctx, path, data, "")
}

type stubPositionStore struct {
	domain.PositionStore
	closed []domain.Position
}

func (s *stubPositionStore) ListClosedBefore(ctx context.Context, before time.Time) ([]domain.Position, error) {
	return s.closed, nil
}

type memAudit struct {
	entries []domain.AuditEntry
}

func (a *memAudit) Log(ctx context.Context, event string, detail map[string]any) error {
	a.entries = append(a.entries, domain.AuditEntry{Event: event, Detail: detail})
	return nil
}

func (a *memAudit) ListRecent(ctx context.Context, limit int) ([]domain.AuditEntry, error) {
	return a.entries, nil
}

func (a *memAudit) ListBefore(ctx context.Context, before time.Time) ([]domain.AuditEntry, error) {
	return a.entries, nil
}

func (a *memAudit) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	n := int64(len(a.entries))
	a.entries = nil
	return n, nil
}

func TestArchiveClosedPositionsWritesJSONL(t *testing.T) {
	writer := &memWriter{}
	store := &stubPositionStore{closed: []domain.Position{
		{Symbol: "AAPL", Side: domain.SideLong, OriginalQuantity: 100, State: domain.StateClosed},
		{Symbol: "TSLA", Side: domain.SideShort, OriginalQuantity: 50, State: domain.StateClosed},
	}}
	audit := &memAudit{}

	arch := NewArchiver(writer, store, audit)

	cutoff := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	count, err := arch.ArchiveClosedPositions(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	body, ok := writer.objects["archive/positions/2025-06.jsonl"]
	require.True(t, ok, "expected archive object, got %v", writer.objects)

	lines := strings.Split(strings.TrimSpace(body), "\n")
	assert.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"symbol":"AAPL"`)

	require.Len(t, audit.entries, 1)
	assert.Equal(t, "archive.positions", audit.entries[0].Event)
}

func TestArchiveClosedPositionsEmptyIsNoop(t *testing.T) {
	writer := &memWriter{}
	arch := NewArchiver(writer, &stubPositionStore{}, &memAudit{})

	count, err := arch.ArchiveClosedPositions(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.Empty(t, writer.objects)
}

func TestArchiveAudit(t *testing.T) {
	writer := &memWriter{}
	audit := &memAudit{entries: []domain.AuditEntry{
		{ID: 1, Event: "stop_advanced"},
		{ID: 2, Event: "partial_exit"},
	}}

	arch := NewArchiver(writer, &stubPositionStore{}, audit)

	cutoff := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	count, err := arch.ArchiveAudit(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	_, ok := writer.objects["archive/audit/2025-06.jsonl"]
	assert.True(t, ok)
}
