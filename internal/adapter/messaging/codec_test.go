package messaging

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/stock-ledger/internal/core/domain"
)

func TestDecodeMovement(t *testing.T) {
	raw := []byte(`{
		"movementId": "M1",
		"movementType": "TRANSFER",
		"warehouseId": "W1",
		"sourceLocationId": "L1",
		"destinationLocationId": "L2",
		"completedAt": "2026-03-01T10:00:00Z",
		"lines": [
			{"lineId": "1", "itemId": "I1", "requestedQuantity": 10, "unitOfMeasure": "EA"},
			{"itemId": "I2", "lotId": "LOT-7", "requestedQuantity": "2.5", "actualQuantity": "2.25", "unitOfMeasure": "KG", "locationId": "L3"}
		]
	}`)

	event, err := DecodeMovement(raw)
	require.NoError(t, err)

	assert.Equal(t, "M1", event.MovementID)
	assert.Equal(t, "TRANSFER", event.MovementType)
	assert.Equal(t, time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC), event.CompletedAt.UTC())
	require.Len(t, event.Lines, 2)

	assert.True(t, event.Lines[0].Quantity().Equal(decimal.NewFromInt(10)))
	assert.Nil(t, event.Lines[0].ActualQuantity)

	second := event.Lines[1]
	assert.Equal(t, "LOT-7", second.LotID)
	assert.Equal(t, "L3", second.LocationID)
	assert.True(t, second.RequestedQuantity.Equal(decimal.RequireFromString("2.5")))
	assert.True(t, second.Quantity().Equal(decimal.RequireFromString("2.25")))
	assert.Equal(t, "M1/2", event.LineKey(1).String())
}

func TestDecodeMovement_Malformed(t *testing.T) {
	for name, raw := range map[string]string{
		"not json":        `{"movementId":`,
		"missing id":      `{"movementType": "RECEIPT", "lines": []}`,
		"bad quantity":    `{"movementId": "M1", "lines": [{"itemId": "I1", "requestedQuantity": "ten"}]}`,
		"wrong line type": `{"movementId": "M1", "lines": {}}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeMovement([]byte(raw))
			require.True(t, errors.Is(err, ErrMalformedMessage), "got %v", err)
		})
	}
}

func TestEncodeMovementRoundTrip(t *testing.T) {
	actual := decimal.NewFromInt(3)
	in := domain.MovementEvent{
		MovementID:            "M9",
		MovementType:          "PICKING",
		WarehouseID:           "W1",
		SourceLocationID:      "BIN",
		DestinationLocationID: "STAGE",
		CompletedAt:           time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Lines: []domain.MovementLine{
			{LineID: "1", ItemID: "I1", RequestedQuantity: decimal.NewFromInt(4), ActualQuantity: &actual, UnitOfMeasure: "EA"},
		},
	}

	raw, err := EncodeMovement(in)
	require.NoError(t, err)

	out, err := DecodeMovement(raw)
	require.NoError(t, err)
	assert.Equal(t, in.MovementID, out.MovementID)
	assert.Equal(t, in.SourceLocationID, out.SourceLocationID)
	assert.True(t, in.CompletedAt.Equal(out.CompletedAt))
	require.Len(t, out.Lines, 1)
	assert.True(t, out.Lines[0].Quantity().Equal(actual))
}

func TestEncodeChange(t *testing.T) {
	raw, err := encodeChange(domain.InventoryChangedEvent{
		EventID:           "E1",
		InventoryRecordID: "R1",
		LocationID:        "L2",
		OnHand:            decimal.NewFromInt(10),
		Delta:             decimal.NewFromInt(10),
		Reason:            "TRANSFER:+10",
	})
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(raw, &fields))
	assert.Equal(t, "R1", fields["inventoryRecordId"])
	assert.Equal(t, "TRANSFER:+10", fields["reason"])
	assert.Equal(t, "10", fields["delta"])
	assert.NotContains(t, fields, "sku")
}
