package storage

import (
	"context"
	"sync"
	"time"

	"github.com/rl1809/stock-ledger/internal/core/domain"
)

// MemoryAdapter is an in-process InventoryRepository with the same
// compare-and-swap and ledger semantics as the MySQL adapter.
type MemoryAdapter struct {
	mu      sync.Mutex
	records map[domain.RecordKey]domain.InventoryRecord
	applied map[domain.LineKey]time.Time
}

func NewMemoryAdapter() *MemoryAdapter {
	return &MemoryAdapter{
		records: make(map[domain.RecordKey]domain.InventoryRecord),
		applied: make(map[domain.LineKey]time.Time),
	}
}

func (m *MemoryAdapter) Get(ctx context.Context, key domain.RecordKey) (*domain.InventoryRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[key]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (m *MemoryAdapter) GetOrCreate(ctx context.Context, key domain.RecordKey, warehouseID, unitOfMeasure string) (*domain.InventoryRecord, error) {
	rec, err := m.Get(ctx, key)
	if err != nil || rec != nil {
		return rec, err
	}
	return newRecord(key, warehouseID, unitOfMeasure), nil
}

func (m *MemoryAdapter) CompareAndSwap(ctx context.Context, rec domain.InventoryRecord, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w := domain.RecordWrite{Record: rec, ExpectedVersion: expectedVersion}
	if !m.versionMatches(w) {
		return domain.ErrVersionConflict
	}
	m.store(w, time.Now().UTC())
	return nil
}

func (m *MemoryAdapter) IsLineApplied(ctx context.Context, key domain.LineKey) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.applied[key]
	return ok, nil
}

func (m *MemoryAdapter) Commit(ctx context.Context, commit domain.LineCommit) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.applied[commit.Key]; ok {
		return domain.ErrLineAlreadyApplied
	}
	for _, w := range commit.Writes {
		if !m.versionMatches(w) {
			return domain.ErrVersionConflict
		}
	}

	now := time.Now().UTC()
	for _, w := range commit.Writes {
		m.store(w, now)
	}
	appliedAt := commit.AppliedAt
	if appliedAt.IsZero() {
		appliedAt = now
	}
	m.applied[commit.Key] = appliedAt
	return nil
}

// Len returns the number of stored records.
func (m *MemoryAdapter) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

func (m *MemoryAdapter) versionMatches(w domain.RecordWrite) bool {
	current, ok := m.records[w.Record.Key()]
	if w.ExpectedVersion == 0 {
		return !ok
	}
	return ok && current.ID == w.Record.ID && current.Version == w.ExpectedVersion
}

func (m *MemoryAdapter) store(w domain.RecordWrite, now time.Time) {
	rec := w.Record
	rec.Version = w.ExpectedVersion + 1
	rec.UpdatedAt = now
	if w.ExpectedVersion == 0 {
		rec.CreatedAt = now
	}
	m.records[rec.Key()] = rec
}
