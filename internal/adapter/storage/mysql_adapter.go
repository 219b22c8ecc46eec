package storage

import (
	"cmp"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/rl1809/stock-ledger/internal/core/domain"
)

const (
	mysqlDuplicateEntry = 1062
	mysqlDeadlock       = 1213
)

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type MySQLAdapter struct {
	db *sql.DB
}

func NewMySQLAdapter(db *sql.DB) *MySQLAdapter {
	return &MySQLAdapter{db: db}
}

func (m *MySQLAdapter) Get(ctx context.Context, key domain.RecordKey) (*domain.InventoryRecord, error) {
	var (
		rec         domain.InventoryRecord
		status      string
		lastCounted sql.NullTime
	)
	err := m.db.QueryRowContext(ctx, `
		SELECT id, item_id, warehouse_id, location_id, lot_id, serial_id,
		       on_hand, reserved, damaged, unit_of_measure, status, version,
		       last_counted_at, created_at, updated_at
		FROM inventory_records
		WHERE item_id = ? AND location_id = ? AND lot_id = ? AND serial_id = ?`,
		key.ItemID, key.LocationID, key.LotID, key.SerialID,
	).Scan(
		&rec.ID, &rec.ItemID, &rec.WarehouseID, &rec.LocationID, &rec.LotID, &rec.SerialID,
		&rec.OnHand, &rec.Reserved, &rec.Damaged, &rec.UnitOfMeasure, &status, &rec.Version,
		&lastCounted, &rec.CreatedAt, &rec.UpdatedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query inventory record: %w", err)
	}

	rec.Status = domain.InventoryStatus(status)
	if lastCounted.Valid {
		t := lastCounted.Time
		rec.LastCountedAt = &t
	}
	return &rec, nil
}

func (m *MySQLAdapter) GetOrCreate(ctx context.Context, key domain.RecordKey, warehouseID, unitOfMeasure string) (*domain.InventoryRecord, error) {
	rec, err := m.Get(ctx, key)
	if err != nil || rec != nil {
		return rec, err
	}
	return newRecord(key, warehouseID, unitOfMeasure), nil
}

func (m *MySQLAdapter) CompareAndSwap(ctx context.Context, rec domain.InventoryRecord, expectedVersion int64) error {
	return writeRecord(ctx, m.db, rec, expectedVersion)
}

func (m *MySQLAdapter) IsLineApplied(ctx context.Context, key domain.LineKey) (bool, error) {
	var found int
	err := m.db.QueryRowContext(ctx, `
		SELECT 1 FROM applied_movement_lines WHERE movement_id = ? AND line_id = ?`,
		key.MovementID, key.LineID,
	).Scan(&found)

	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query applied line: %w", err)
	}
	return true, nil
}

// Commit inserts the ledger row first so a concurrent redelivery of the same
// line fails fast, then compare-and-swaps every record in the same transaction.
func (m *MySQLAdapter) Commit(ctx context.Context, commit domain.LineCommit) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	appliedAt := commit.AppliedAt
	if appliedAt.IsZero() {
		appliedAt = time.Now().UTC()
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO applied_movement_lines (movement_id, line_id, movement_type, applied_at)
		VALUES (?, ?, ?, ?)`,
		commit.Key.MovementID, commit.Key.LineID, string(commit.MovementType), appliedAt,
	)
	if isDuplicateEntry(err) {
		return domain.ErrLineAlreadyApplied
	}
	if isDeadlock(err) {
		return domain.ErrVersionConflict
	}
	if err != nil {
		return fmt.Errorf("insert applied line: %w", err)
	}

	for _, w := range lockOrder(commit.Writes) {
		if err := writeRecord(ctx, tx, w.Record, w.ExpectedVersion); err != nil {
			if isDeadlock(err) {
				return domain.ErrVersionConflict
			}
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		if isDeadlock(err) {
			return domain.ErrVersionConflict
		}
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// lockOrder sorts writes by record key so opposing transfers lock rows in
// the same order.
func lockOrder(writes []domain.RecordWrite) []domain.RecordWrite {
	ordered := slices.Clone(writes)
	slices.SortStableFunc(ordered, func(a, b domain.RecordWrite) int {
		ka, kb := a.Record.Key(), b.Record.Key()
		return cmp.Or(
			cmp.Compare(ka.ItemID, kb.ItemID),
			cmp.Compare(ka.LocationID, kb.LocationID),
			cmp.Compare(ka.LotID, kb.LotID),
			cmp.Compare(ka.SerialID, kb.SerialID),
		)
	})
	return ordered
}

func writeRecord(ctx context.Context, db execer, rec domain.InventoryRecord, expectedVersion int64) error {
	var lastCounted sql.NullTime
	if rec.LastCountedAt != nil {
		lastCounted = sql.NullTime{Time: *rec.LastCountedAt, Valid: true}
	}

	if expectedVersion == 0 {
		_, err := db.ExecContext(ctx, `
			INSERT INTO inventory_records
				(id, item_id, warehouse_id, location_id, lot_id, serial_id,
				 on_hand, reserved, damaged, unit_of_measure, status, version,
				 last_counted_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, NOW(6), NOW(6))`,
			rec.ID, rec.ItemID, rec.WarehouseID, rec.LocationID, rec.LotID, rec.SerialID,
			rec.OnHand, rec.Reserved, rec.Damaged, rec.UnitOfMeasure, string(rec.Status),
			lastCounted,
		)
		if isDuplicateEntry(err) {
			return domain.ErrVersionConflict
		}
		if err != nil {
			return fmt.Errorf("insert inventory record: %w", err)
		}
		return nil
	}

	result, err := db.ExecContext(ctx, `
		UPDATE inventory_records
		SET on_hand = ?, reserved = ?, damaged = ?, unit_of_measure = ?, status = ?,
		    last_counted_at = ?, version = version + 1, updated_at = NOW(6)
		WHERE id = ? AND version = ?`,
		rec.OnHand, rec.Reserved, rec.Damaged, rec.UnitOfMeasure, string(rec.Status),
		lastCounted, rec.ID, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("update inventory record: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return domain.ErrVersionConflict
	}

	return nil
}

func isDuplicateEntry(err error) bool {
	return hasMySQLCode(err, mysqlDuplicateEntry)
}

func isDeadlock(err error) bool {
	return hasMySQLCode(err, mysqlDeadlock)
}

func hasMySQLCode(err error, code uint16) bool {
	var mysqlErr *mysql.MySQLError
	return errors.As(err, &mysqlErr) && mysqlErr.Number == code
}

func newRecord(key domain.RecordKey, warehouseID, unitOfMeasure string) *domain.InventoryRecord {
	now := time.Now().UTC()
	return &domain.InventoryRecord{
		ID:            uuid.NewString(),
		ItemID:        key.ItemID,
		WarehouseID:   warehouseID,
		LocationID:    key.LocationID,
		LotID:         key.LotID,
		SerialID:      key.SerialID,
		OnHand:        decimal.Zero,
		Reserved:      decimal.Zero,
		Damaged:       decimal.Zero,
		UnitOfMeasure: unitOfMeasure,
		Status:        domain.StatusAvailable,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}
