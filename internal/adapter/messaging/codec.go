package messaging

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rl1809/stock-ledger/internal/core/domain"
)

// ErrMalformedMessage marks a payload that can never be processed.
var ErrMalformedMessage = errors.New("malformed movement message")

type movementMessage struct {
	MovementID            string        `json:"movementId"`
	MovementType          string        `json:"movementType"`
	WarehouseID           string        `json:"warehouseId"`
	SourceLocationID      string        `json:"sourceLocationId,omitempty"`
	DestinationLocationID string        `json:"destinationLocationId,omitempty"`
	CompletedAt           time.Time     `json:"completedAt"`
	Lines                 []lineMessage `json:"lines"`
}

type lineMessage struct {
	LineID            string           `json:"lineId,omitempty"`
	ItemID            string           `json:"itemId"`
	LotID             string           `json:"lotId,omitempty"`
	SerialID          string           `json:"serialId,omitempty"`
	RequestedQuantity decimal.Decimal  `json:"requestedQuantity"`
	ActualQuantity    *decimal.Decimal `json:"actualQuantity,omitempty"`
	UnitOfMeasure     string           `json:"unitOfMeasure"`
	LocationID        string           `json:"locationId,omitempty"`
}

// DecodeMovement parses a movement-completed payload. Quantities may be JSON
// numbers or strings.
func DecodeMovement(raw []byte) (domain.MovementEvent, error) {
	var msg movementMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return domain.MovementEvent{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if msg.MovementID == "" {
		return domain.MovementEvent{}, fmt.Errorf("%w: movementId is required", ErrMalformedMessage)
	}

	event := domain.MovementEvent{
		MovementID:            msg.MovementID,
		MovementType:          msg.MovementType,
		WarehouseID:           msg.WarehouseID,
		SourceLocationID:      msg.SourceLocationID,
		DestinationLocationID: msg.DestinationLocationID,
		CompletedAt:           msg.CompletedAt,
		Lines:                 make([]domain.MovementLine, 0, len(msg.Lines)),
	}
	for _, l := range msg.Lines {
		event.Lines = append(event.Lines, domain.MovementLine{
			LineID:            l.LineID,
			ItemID:            l.ItemID,
			LotID:             l.LotID,
			SerialID:          l.SerialID,
			RequestedQuantity: l.RequestedQuantity,
			ActualQuantity:    l.ActualQuantity,
			UnitOfMeasure:     l.UnitOfMeasure,
			LocationID:        l.LocationID,
		})
	}
	return event, nil
}

// EncodeMovement is the inverse of DecodeMovement; producers and tooling use it.
func EncodeMovement(event domain.MovementEvent) ([]byte, error) {
	msg := movementMessage{
		MovementID:            event.MovementID,
		MovementType:          event.MovementType,
		WarehouseID:           event.WarehouseID,
		SourceLocationID:      event.SourceLocationID,
		DestinationLocationID: event.DestinationLocationID,
		CompletedAt:           event.CompletedAt,
		Lines:                 make([]lineMessage, 0, len(event.Lines)),
	}
	for _, l := range event.Lines {
		msg.Lines = append(msg.Lines, lineMessage{
			LineID:            l.LineID,
			ItemID:            l.ItemID,
			LotID:             l.LotID,
			SerialID:          l.SerialID,
			RequestedQuantity: l.RequestedQuantity,
			ActualQuantity:    l.ActualQuantity,
			UnitOfMeasure:     l.UnitOfMeasure,
			LocationID:        l.LocationID,
		})
	}
	return json.Marshal(msg)
}

func encodeChange(event domain.InventoryChangedEvent) ([]byte, error) {
	return json.Marshal(event)
}
