package port

import (
	"context"

	"github.com/rl1809/stock-ledger/internal/core/domain"
)

type EventPublisher interface {
	Publish(ctx context.Context, event domain.InventoryChangedEvent) error
	Close() error
}
