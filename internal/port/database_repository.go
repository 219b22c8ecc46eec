package port

import (
	"context"

	"github.com/rl1809/stock-ledger/internal/core/domain"
)

type InventoryRepository interface {
	// Get retrieves a record by key, nil if absent
	Get(ctx context.Context, key domain.RecordKey) (*domain.InventoryRecord, error)

	// GetOrCreate returns the stored record or a new zero-quantity record at version 0
	GetOrCreate(ctx context.Context, key domain.RecordKey, warehouseID, unitOfMeasure string) (*domain.InventoryRecord, error)

	// CompareAndSwap writes a single record if its stored version still equals expectedVersion
	CompareAndSwap(ctx context.Context, record domain.InventoryRecord, expectedVersion int64) error

	// IsLineApplied reports whether a movement line is already in the ledger
	IsLineApplied(ctx context.Context, key domain.LineKey) (bool, error)

	// Commit records the line in the ledger and applies its writes atomically
	Commit(ctx context.Context, commit domain.LineCommit) error
}
