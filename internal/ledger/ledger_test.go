package ledger

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calebwestray/protectbot/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func mustPosition(t *testing.T, symbol string) domain.Position {
	t.Helper()
	p, err := domain.NewPosition(symbol, domain.SideLong, 100, 50.0, 48.0, time.Now())
	require.NoError(t, err)
	return p
}

func TestTrackAndGet(t *testing.T) {
	l := New(nil, testLogger())
	ctx := context.Background()

	p := mustPosition(t, "AAPL")
	require.NoError(t, l.Track(ctx, p))

	got, err := l.Get("AAPL")
	require.NoError(t, err)
	assert.Equal(t, p.Symbol, got.Symbol)
	assert.Equal(t, p.QuantityOpen, got.QuantityOpen)

	_, err = l.Get("MSFT")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestTrackRefusesDuplicate(t *testing.T) {
	l := New(nil, testLogger())
	ctx := context.Background()

	require.NoError(t, l.Track(ctx, mustPosition(t, "AAPL")))
	err := l.Track(ctx, mustPosition(t, "AAPL"))
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)
	assert.Equal(t, 1, l.Len())
}

func TestCommitRequiresTracked(t *testing.T) {
	l := New(nil, testLogger())
	ctx := context.Background()

	err := l.Commit(ctx, mustPosition(t, "AAPL"))
	assert.ErrorIs(t, err, domain.ErrNotFound)

	p := mustPosition(t, "AAPL")
	require.NoError(t, l.Track(ctx, p))

	p.QuantityOpen = 50
	p.ExitLog = append(p.ExitLog, domain.ExitRecord{RLevel: 2.0, Quantity: 50, Price: 54.0})
	require.NoError(t, l.Commit(ctx, p))

	got, err := l.Get("AAPL")
	require.NoError(t, err)
	assert.Equal(t, int64(50), got.QuantityOpen)
	assert.Len(t, got.ExitLog, 1)
}

func TestGetReturnsCopy(t *testing.T) {
	l := New(nil, testLogger())
	ctx := context.Background()

	p := mustPosition(t, "AAPL")
	p.ExitLog = append(p.ExitLog, domain.ExitRecord{RLevel: 2.0, Quantity: 50, Price: 54.0})
	p.QuantityOpen = 50
	require.NoError(t, l.Track(ctx, p))

	got, err := l.Get("AAPL")
	require.NoError(t, err)
	got.ExitLog[0].Quantity = 1
	got.QuantityOpen = 0

	again, err := l.Get("AAPL")
	require.NoError(t, err)
	assert.Equal(t, int64(50), again.ExitLog[0].Quantity)
	assert.Equal(t, int64(50), again.QuantityOpen)
}

func TestRemove(t *testing.T) {
	l := New(nil, testLogger())
	ctx := context.Background()

	require.NoError(t, l.Track(ctx, mustPosition(t, "AAPL")))
	require.NoError(t, l.Remove(ctx, "AAPL"))
	assert.Equal(t, 0, l.Len())

	assert.ErrorIs(t, l.Remove(ctx, "AAPL"), domain.ErrNotFound)
}

func TestAllSortedBySymbol(t *testing.T) {
	l := New(nil, testLogger())
	ctx := context.Background()

	for _, sym := range []string{"MSFT", "AAPL", "NVDA"} {
		require.NoError(t, l.Track(ctx, mustPosition(t, sym)))
	}

	all := l.All()
	require.Len(t, all, 3)
	assert.Equal(t, "AAPL", all[0].Symbol)
	assert.Equal(t, "MSFT", all[1].Symbol)
	assert.Equal(t, "NVDA", all[2].Symbol)
}

type fakeStore struct {
	open   []domain.Position
	upserts int
	closed  []string
}

func (f *fakeStore) Upsert(ctx context.Context, p domain.Position) error { f.upserts++; return nil }
func (f *fakeStore) Get(ctx context.Context, symbol string) (domain.Position, error) {
	return domain.Position{}, domain.ErrNotFound
}
func (f *fakeStore) ListOpen(ctx context.Context) ([]domain.Position, error) { return f.open, nil }
func (f *fakeStore) MarkClosed(ctx context.Context, symbol string, state domain.ProtectionState, closedAt time.Time) error {
	f.closed = append(f.closed, symbol)
	return nil
}
func (f *fakeStore) ListClosedBefore(ctx context.Context, before time.Time) ([]domain.Position, error) {
	return nil, nil
}
func (f *fakeStore) DeleteClosedBefore(ctx context.Context, before time.Time) (int64, error) {
	return 0, nil
}

func TestRestore(t *testing.T) {
	good := mustPosition(t, "AAPL")

	torn := mustPosition(t, "MSFT")
	torn.QuantityOpen = 30 // no exit log entries account for the other 70

	store := &fakeStore{open: []domain.Position{good, torn}}
	l := New(store, testLogger())
	require.NoError(t, l.Restore(context.Background()))

	restored, err := l.Get("AAPL")
	require.NoError(t, err)
	assert.Equal(t, domain.StateInitialRisk, restored.State)

	flagged, err := l.Get("MSFT")
	require.NoError(t, err)
	assert.Equal(t, domain.StateDegraded, flagged.State)
}

func TestWriteThrough(t *testing.T) {
	store := &fakeStore{}
	l := New(store, testLogger())
	ctx := context.Background()

	p := mustPosition(t, "AAPL")
	require.NoError(t, l.Track(ctx, p))
	require.NoError(t, l.Commit(ctx, p))
	assert.Equal(t, 2, store.upserts)

	require.NoError(t, l.Remove(ctx, "AAPL"))
	assert.Equal(t, []string{"AAPL"}, store.closed)
}
