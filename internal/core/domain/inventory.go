package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type InventoryStatus string

const (
	StatusAvailable   InventoryStatus = "AVAILABLE"
	StatusReserved    InventoryStatus = "RESERVED"
	StatusAllocated   InventoryStatus = "ALLOCATED"
	StatusDamaged     InventoryStatus = "DAMAGED"
	StatusQuarantined InventoryStatus = "QUARANTINED"
	StatusExpired     InventoryStatus = "EXPIRED"
)

// QuantityScale is the number of fractional digits a stored quantity keeps.
const QuantityScale int32 = 4

// RecordKey identifies one inventory record. Absent lot and serial are "".
type RecordKey struct {
	ItemID     string
	LocationID string
	LotID      string
	SerialID   string
}

type InventoryRecord struct {
	ID            string
	ItemID        string
	WarehouseID   string
	LocationID    string
	LotID         string
	SerialID      string
	OnHand        decimal.Decimal
	Reserved      decimal.Decimal
	Damaged       decimal.Decimal
	UnitOfMeasure string
	Status        InventoryStatus
	Version       int64 // optimistic locking, 0 = not yet persisted
	LastCountedAt *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (r InventoryRecord) Key() RecordKey {
	return RecordKey{
		ItemID:     r.ItemID,
		LocationID: r.LocationID,
		LotID:      r.LotID,
		SerialID:   r.SerialID,
	}
}

// Available is on-hand minus reserved. It is never persisted.
func (r InventoryRecord) Available() decimal.Decimal {
	return r.OnHand.Sub(r.Reserved)
}

// IsNew reports whether the record has never been written.
func (r InventoryRecord) IsNew() bool {
	return r.Version == 0
}
