package service

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/rl1809/stock-ledger/internal/core/domain"
)

// legEffect describes what one movement does to one side of the move.
// Signs multiply the line quantity.
type legEffect struct {
	onHand  int
	reserve int // negative releases, clamped at zero
	damage  int
	status  domain.InventoryStatus
}

type transition struct {
	source      *legEffect
	destination *legEffect
	absolute    bool // destination onHand is set to the quantity
	mustExist   bool // destination is not created when absent
	stampCount  bool
}

var transitions = map[domain.MovementType]transition{
	domain.MovementReceipt: {
		destination: &legEffect{onHand: 1},
		stampCount:  true,
	},
	domain.MovementReturn: {
		destination: &legEffect{onHand: 1},
		stampCount:  true,
	},
	domain.MovementIssue: {
		source: &legEffect{onHand: -1, reserve: -1},
	},
	domain.MovementTransfer: {
		source:      &legEffect{onHand: -1, reserve: -1},
		destination: &legEffect{onHand: 1},
	},
	domain.MovementAdjustment: {
		destination: &legEffect{},
		absolute:    true,
		mustExist:   true,
		stampCount:  true,
	},
	domain.MovementCycleCount: {
		destination: &legEffect{},
		absolute:    true,
		mustExist:   true,
		stampCount:  true,
	},
	domain.MovementPicking: {
		source:      &legEffect{onHand: -1},
		destination: &legEffect{onHand: 1, reserve: 1},
	},
	domain.MovementPutaway: {
		source:      &legEffect{onHand: -1},
		destination: &legEffect{onHand: 1},
	},
	domain.MovementQuarantine: {
		source:      &legEffect{onHand: -1},
		destination: &legEffect{onHand: 1, damage: 1, status: domain.StatusDamaged},
	},
}

// plannedWrite pairs the state a record was read in with its computed state.
type plannedWrite struct {
	before domain.InventoryRecord
	after  domain.InventoryRecord
}

func (p plannedWrite) delta() decimal.Decimal {
	return p.after.OnHand.Sub(p.before.OnHand)
}

type lineLocations struct {
	source      string
	destination string
}

func resolveLocations(t transition, event domain.MovementEvent, line domain.MovementLine) (lineLocations, error) {
	var locs lineLocations

	switch {
	case t.source != nil && t.destination != nil:
		locs.source = event.SourceLocationID
		locs.destination = firstNonEmpty(line.LocationID, event.DestinationLocationID)
	case t.source != nil:
		locs.source = firstNonEmpty(line.LocationID, event.SourceLocationID)
	default:
		locs.destination = firstNonEmpty(line.LocationID, event.DestinationLocationID)
	}

	if t.source != nil && locs.source == "" {
		return locs, fmt.Errorf("%w: source location required", domain.ErrMissingLocation)
	}
	if t.destination != nil && locs.destination == "" {
		return locs, fmt.Errorf("%w: destination location required", domain.ErrMissingLocation)
	}
	return locs, nil
}

func validateQuantity(t transition, qty decimal.Decimal) error {
	if !qty.Equal(qty.Truncate(domain.QuantityScale)) {
		return fmt.Errorf("%w: quantity %s exceeds %d decimal places", domain.ErrInvalidQuantity, qty, domain.QuantityScale)
	}
	if t.absolute {
		if qty.IsNegative() {
			return fmt.Errorf("%w: absolute quantity %s is negative", domain.ErrInvalidQuantity, qty)
		}
		return nil
	}
	if !qty.IsPositive() {
		return fmt.Errorf("%w: quantity %s must be positive", domain.ErrInvalidQuantity, qty)
	}
	return nil
}

// plan reads the records touched by one line and computes their new state.
// When source and destination share a key both effects fold into one write.
func (s *LedgerService) plan(ctx context.Context, typ domain.MovementType, event domain.MovementEvent, line domain.MovementLine, qty decimal.Decimal) ([]*plannedWrite, error) {
	t := transitions[typ]
	locs, err := resolveLocations(t, event, line)
	if err != nil {
		return nil, err
	}

	var writes []*plannedWrite
	byKey := make(map[domain.RecordKey]*plannedWrite, 2)

	load := func(locationID string, create bool) (*plannedWrite, error) {
		key := domain.RecordKey{
			ItemID:     line.ItemID,
			LocationID: locationID,
			LotID:      line.LotID,
			SerialID:   line.SerialID,
		}
		if pw, ok := byKey[key]; ok {
			return pw, nil
		}

		var rec *domain.InventoryRecord
		if create {
			rec, err = s.repo.GetOrCreate(ctx, key, event.WarehouseID, line.UnitOfMeasure)
		} else {
			rec, err = s.repo.Get(ctx, key)
		}
		if err != nil {
			return nil, fmt.Errorf("load record %s@%s: %w", key.ItemID, key.LocationID, err)
		}
		if rec == nil {
			return nil, fmt.Errorf("%w: item %s at location %s", domain.ErrNotFound, key.ItemID, key.LocationID)
		}

		pw := &plannedWrite{before: *rec, after: *rec}
		if pw.after.UnitOfMeasure == "" {
			pw.after.UnitOfMeasure = line.UnitOfMeasure
		}
		byKey[key] = pw
		writes = append(writes, pw)
		return pw, nil
	}

	if t.source != nil {
		pw, err := load(locs.source, false)
		if err != nil {
			return nil, err
		}
		applyLeg(&pw.after, *t.source, qty)
	}

	if t.destination != nil {
		pw, err := load(locs.destination, !t.mustExist)
		if err != nil {
			return nil, err
		}
		if t.absolute {
			pw.after.OnHand = qty
		} else {
			applyLeg(&pw.after, *t.destination, qty)
		}
		if t.stampCount {
			countedAt := event.CompletedAt
			if countedAt.IsZero() {
				countedAt = s.now()
			}
			pw.after.LastCountedAt = &countedAt
		}
	}

	for _, pw := range writes {
		if err := s.settle(&pw.after); err != nil {
			return nil, err
		}
	}
	return writes, nil
}

func applyLeg(rec *domain.InventoryRecord, leg legEffect, qty decimal.Decimal) {
	if leg.onHand != 0 {
		rec.OnHand = rec.OnHand.Add(qty.Mul(decimal.NewFromInt(int64(leg.onHand))))
	}
	if leg.reserve > 0 {
		rec.Reserved = rec.Reserved.Add(qty)
	} else if leg.reserve < 0 {
		rec.Reserved = decimal.Max(decimal.Zero, rec.Reserved.Sub(qty))
	}
	if leg.damage != 0 {
		rec.Damaged = rec.Damaged.Add(qty.Mul(decimal.NewFromInt(int64(leg.damage))))
	}
	if leg.status != "" {
		rec.Status = leg.status
	}
}

// settle enforces the quantity bounds on a computed record: onHand must
// not go negative under the reject policy, and reserved and damaged stay
// within [0, onHand].
func (s *LedgerService) settle(rec *domain.InventoryRecord) error {
	if rec.OnHand.IsNegative() && s.cfg.NegativeStock != AllowNegativeStock {
		return fmt.Errorf("%w: item %s at location %s would reach %s",
			domain.ErrInsufficientStock, rec.ItemID, rec.LocationID, rec.OnHand)
	}

	ceiling := decimal.Max(decimal.Zero, rec.OnHand)
	rec.Reserved = decimal.Min(ceiling, decimal.Max(decimal.Zero, rec.Reserved))
	rec.Damaged = decimal.Min(ceiling, decimal.Max(decimal.Zero, rec.Damaged))
	return nil
}

func reason(typ domain.MovementType, delta decimal.Decimal) string {
	if delta.IsNegative() {
		return fmt.Sprintf("%s:%s", typ, delta.String())
	}
	return fmt.Sprintf("%s:+%s", typ, delta.String())
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
