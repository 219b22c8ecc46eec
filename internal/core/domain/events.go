package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// InventoryChangedEvent is emitted once per committed record write.
type InventoryChangedEvent struct {
	EventID           string          `json:"eventId"`
	InventoryRecordID string          `json:"inventoryRecordId"`
	ItemID            string          `json:"itemId"`
	SKU               string          `json:"sku,omitempty"`
	WarehouseID       string          `json:"warehouseId"`
	LocationID        string          `json:"locationId"`
	LotID             string          `json:"lotId,omitempty"`
	SerialID          string          `json:"serialId,omitempty"`
	OnHand            decimal.Decimal `json:"onHand"`
	Reserved          decimal.Decimal `json:"reserved"`
	Available         decimal.Decimal `json:"available"`
	Reason            string          `json:"reason"`
	Delta             decimal.Decimal `json:"delta"`
	MovementID        string          `json:"movementId"`
	LineID            string          `json:"lineId"`
	OccurredAt        time.Time       `json:"occurredAt"`
}

// Item is the read-only metadata owned by the item catalog.
type Item struct {
	ID           string `json:"id"`
	SKU          string `json:"sku"`
	Name         string `json:"name"`
	IsLotManaged bool   `json:"isLotManaged"`
	IsSerialized bool   `json:"isSerialized"`
}
