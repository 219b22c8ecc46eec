package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// MovementType is the canonical movement kind after alias folding.
type MovementType string

const (
	MovementReceipt    MovementType = "RECEIPT"
	MovementIssue      MovementType = "ISSUE"
	MovementTransfer   MovementType = "TRANSFER"
	MovementAdjustment MovementType = "ADJUSTMENT"
	MovementCycleCount MovementType = "CYCLE_COUNT"
	MovementPicking    MovementType = "PICKING"
	MovementPutaway    MovementType = "PUTAWAY"
	MovementReturn     MovementType = "RETURN"
	MovementQuarantine MovementType = "QUARANTINE"
)

var movementTags = map[string]MovementType{
	"RECEIPT":     MovementReceipt,
	"INBOUND":     MovementReceipt,
	"ISSUE":       MovementIssue,
	"OUTBOUND":    MovementIssue,
	"TRANSFER":    MovementTransfer,
	"RELOCATION":  MovementTransfer,
	"ADJUSTMENT":  MovementAdjustment,
	"CYCLE_COUNT": MovementCycleCount,
	"PICKING":     MovementPicking,
	"PUTAWAY":     MovementPutaway,
	"RETURN":      MovementReturn,
	"QUARANTINE":  MovementQuarantine,
}

// ParseMovementType normalizes a textual tag, folding legacy aliases
// (INBOUND, OUTBOUND, RELOCATION) onto their canonical type.
func ParseMovementType(tag string) (MovementType, error) {
	normalized := strings.ToUpper(strings.TrimSpace(tag))
	normalized = strings.ReplaceAll(normalized, "-", "_")
	if t, ok := movementTags[normalized]; ok {
		return t, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedMovementType, tag)
}

type MovementEvent struct {
	MovementID            string
	MovementType          string
	WarehouseID           string
	SourceLocationID      string
	DestinationLocationID string
	CompletedAt           time.Time
	Lines                 []MovementLine
}

type MovementLine struct {
	LineID            string
	ItemID            string
	LotID             string
	SerialID          string
	RequestedQuantity decimal.Decimal
	ActualQuantity    *decimal.Decimal
	UnitOfMeasure     string
	LocationID        string // per-line override
}

// Quantity is the quantity actually moved, falling back to the requested one.
func (l MovementLine) Quantity() decimal.Decimal {
	if l.ActualQuantity != nil {
		return *l.ActualQuantity
	}
	return l.RequestedQuantity
}

// LineKey returns the idempotency key of the i-th line. Lines without an id
// are keyed by their 1-based position.
func (e MovementEvent) LineKey(i int) LineKey {
	lineID := e.Lines[i].LineID
	if lineID == "" {
		lineID = strconv.Itoa(i + 1)
	}
	return LineKey{MovementID: e.MovementID, LineID: lineID}
}

// LineKey is the idempotency key of one movement line.
type LineKey struct {
	MovementID string
	LineID     string
}

func (k LineKey) String() string {
	return k.MovementID + "/" + k.LineID
}

// RecordWrite is one optimistic write: the new state of a record and the
// version it was computed from.
type RecordWrite struct {
	Record          InventoryRecord
	ExpectedVersion int64
}

// LineCommit groups the writes of one movement line with its ledger entry.
// The store applies all of it or none of it.
type LineCommit struct {
	Key          LineKey
	MovementType MovementType
	Writes       []RecordWrite
	AppliedAt    time.Time
}
