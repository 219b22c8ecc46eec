package port

import (
	"context"

	"github.com/rl1809/stock-ledger/internal/core/domain"
)

type CompletionMarker interface {
	// IsCompleted reports whether every line of the movement was already applied
	IsCompleted(ctx context.Context, movementID string) (bool, error)

	// MarkCompleted flags the movement as fully applied
	MarkCompleted(ctx context.Context, movementID string) error
}

type ItemCatalog interface {
	// GetItem returns cached item metadata, nil if unknown
	GetItem(ctx context.Context, itemID string) (*domain.Item, error)
}
