package service

import (
	"context"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/stock-ledger/internal/adapter/storage"
	"github.com/rl1809/stock-ledger/internal/core/domain"
)

type recordingSink struct {
	mu     sync.Mutex
	events []domain.InventoryChangedEvent
}

func (r *recordingSink) Enqueue(event domain.InventoryChangedEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingSink) snapshot() []domain.InventoryChangedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.InventoryChangedEvent(nil), r.events...)
}

func (r *recordingSink) at(locationID string) []domain.InventoryChangedEvent {
	var out []domain.InventoryChangedEvent
	for _, e := range r.snapshot() {
		if e.LocationID == locationID {
			out = append(out, e)
		}
	}
	return out
}

type mockMarker struct {
	mu        sync.Mutex
	completed map[string]bool
}

func newMockMarker() *mockMarker {
	return &mockMarker{completed: make(map[string]bool)}
}

func (m *mockMarker) IsCompleted(ctx context.Context, movementID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.completed[movementID], nil
}

func (m *mockMarker) MarkCompleted(ctx context.Context, movementID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completed[movementID] = true
	return nil
}

type mockCatalog struct {
	items map[string]domain.Item
}

func (m *mockCatalog) GetItem(ctx context.Context, itemID string) (*domain.Item, error) {
	item, ok := m.items[itemID]
	if !ok {
		return nil, nil
	}
	return &item, nil
}

type testEnv struct {
	svc  *LedgerService
	repo *storage.MemoryAdapter
	sink *recordingSink
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	repo := storage.NewMemoryAdapter()
	sink := &recordingSink{}
	svc := NewLedgerService(Dependencies{Repository: repo, Changes: sink}, cfg)
	return &testEnv{svc: svc, repo: repo, sink: sink}
}

func qty(n int64) decimal.Decimal {
	return decimal.NewFromInt(n)
}

func (e *testEnv) seed(t *testing.T, itemID, locationID string, onHand, reserved int64) domain.InventoryRecord {
	t.Helper()
	ctx := context.Background()
	key := domain.RecordKey{ItemID: itemID, LocationID: locationID}

	rec, err := e.repo.GetOrCreate(ctx, key, "W1", "EA")
	require.NoError(t, err)
	expected := rec.Version
	rec.OnHand = qty(onHand)
	rec.Reserved = qty(reserved)
	require.NoError(t, e.repo.CompareAndSwap(ctx, *rec, expected))

	stored, err := e.repo.Get(ctx, key)
	require.NoError(t, err)
	return *stored
}

func (e *testEnv) record(t *testing.T, itemID, locationID string) *domain.InventoryRecord {
	t.Helper()
	rec, err := e.repo.Get(context.Background(), domain.RecordKey{ItemID: itemID, LocationID: locationID})
	require.NoError(t, err)
	return rec
}

func (e *testEnv) requireOnHand(t *testing.T, itemID, locationID string, want int64) {
	t.Helper()
	rec := e.record(t, itemID, locationID)
	require.NotNil(t, rec, "record %s@%s missing", itemID, locationID)
	require.Truef(t, rec.OnHand.Equal(qty(want)), "onHand %s@%s: expected %d, got %s", itemID, locationID, want, rec.OnHand)
}

func movement(id, movementType, source, destination string, lines ...domain.MovementLine) domain.MovementEvent {
	return domain.MovementEvent{
		MovementID:            id,
		MovementType:          movementType,
		WarehouseID:           "W1",
		SourceLocationID:      source,
		DestinationLocationID: destination,
		Lines:                 lines,
	}
}

func line(lineID, itemID string, requested int64) domain.MovementLine {
	return domain.MovementLine{
		LineID:            lineID,
		ItemID:            itemID,
		RequestedQuantity: qty(requested),
		UnitOfMeasure:     "EA",
	}
}
