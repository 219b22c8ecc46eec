package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/rl1809/stock-ledger/internal/core/domain"
	"github.com/rl1809/stock-ledger/internal/port"
)

const tracerName = "stock-ledger/service"

var ErrConflictRetriesExhausted = errors.New("version conflict retries exhausted")

// NegativeStockPolicy decides whether onHand may drop below zero.
type NegativeStockPolicy string

const (
	RejectNegativeStock NegativeStockPolicy = "reject"
	AllowNegativeStock  NegativeStockPolicy = "allow"
)

type Config struct {
	ConflictRetries int
	LineTimeout     time.Duration
	NegativeStock   NegativeStockPolicy
}

func (c Config) withDefaults() Config {
	if c.ConflictRetries <= 0 {
		c.ConflictRetries = 5
	}
	if c.LineTimeout <= 0 {
		c.LineTimeout = 5 * time.Second
	}
	if c.NegativeStock == "" {
		c.NegativeStock = RejectNegativeStock
	}
	return c
}

// ChangeSink receives the change events of committed writes.
type ChangeSink interface {
	Enqueue(event domain.InventoryChangedEvent)
}

type Dependencies struct {
	Repository port.InventoryRepository
	Marker     port.CompletionMarker // optional
	Catalog    port.ItemCatalog      // optional
	Changes    ChangeSink
	Logger     *zap.Logger
	Tracer     trace.Tracer
}

// LedgerService applies movement events to inventory records.
type LedgerService struct {
	repo    port.InventoryRepository
	marker  port.CompletionMarker
	catalog port.ItemCatalog
	changes ChangeSink
	logger  *zap.Logger
	tracer  trace.Tracer
	cfg     Config
	now     func() time.Time
}

func NewLedgerService(deps Dependencies, cfg Config) *LedgerService {
	s := &LedgerService{
		repo:    deps.Repository,
		marker:  deps.Marker,
		catalog: deps.Catalog,
		changes: deps.Changes,
		logger:  deps.Logger,
		tracer:  deps.Tracer,
		cfg:     cfg.withDefaults(),
		now:     func() time.Time { return time.Now().UTC() },
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.tracer == nil {
		s.tracer = otel.Tracer(tracerName)
	}
	return s
}

// Process applies every line of the movement in order. The first failing
// line aborts the rest; lines already committed are skipped when the event
// is delivered again.
func (s *LedgerService) Process(ctx context.Context, event domain.MovementEvent) error {
	ctx, span := s.tracer.Start(ctx, "movement.process", trace.WithAttributes(
		attribute.String("movement.id", event.MovementID),
		attribute.String("movement.type", event.MovementType),
		attribute.Int("movement.lines", len(event.Lines)),
	))
	defer span.End()

	logger := s.logger.With(
		zap.String("movement_id", event.MovementID),
		zap.String("movement_type", event.MovementType),
	)

	err := s.process(ctx, logger, event)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error("movement failed", zap.Error(err))
		return err
	}

	span.SetStatus(codes.Ok, "movement applied")
	return nil
}

func (s *LedgerService) process(ctx context.Context, logger *zap.Logger, event domain.MovementEvent) error {
	if event.MovementID == "" {
		return fmt.Errorf("%w: movement id is required", domain.ErrInvalidMovement)
	}

	if s.marker != nil {
		done, err := s.marker.IsCompleted(ctx, event.MovementID)
		if err != nil {
			logger.Warn("completion marker unavailable", zap.Error(err))
		} else if done {
			logger.Info("movement already applied, skipping")
			return nil
		}
	}

	typ, err := domain.ParseMovementType(event.MovementType)
	if err != nil {
		return err
	}
	if err := checkLineKeys(event); err != nil {
		return err
	}

	for i, line := range event.Lines {
		key := event.LineKey(i)
		if err := s.processLine(ctx, logger, typ, event, key, line); err != nil {
			return fmt.Errorf("movement %s line %s: %w", event.MovementID, key.LineID, err)
		}
	}

	if s.marker != nil {
		if err := s.marker.MarkCompleted(ctx, event.MovementID); err != nil {
			logger.Warn("failed to mark movement completed", zap.Error(err))
		}
	}

	logger.Info("movement applied", zap.Int("lines", len(event.Lines)))
	return nil
}

// checkLineKeys rejects events whose lines share a ledger key, either by a
// repeated lineId or by an explicit id matching another line's ordinal.
func checkLineKeys(event domain.MovementEvent) error {
	seen := make(map[domain.LineKey]struct{}, len(event.Lines))
	for i := range event.Lines {
		key := event.LineKey(i)
		if _, dup := seen[key]; dup {
			return fmt.Errorf("%w: duplicate line key %s", domain.ErrInvalidMovement, key)
		}
		seen[key] = struct{}{}
	}
	return nil
}

func (s *LedgerService) processLine(ctx context.Context, logger *zap.Logger, typ domain.MovementType, event domain.MovementEvent, key domain.LineKey, line domain.MovementLine) error {
	ctx, span := s.tracer.Start(ctx, "movement.line", trace.WithAttributes(
		attribute.String("movement.line_id", key.LineID),
		attribute.String("inventory.item_id", line.ItemID),
	))
	defer span.End()

	logger = logger.With(zap.String("line_id", key.LineID), zap.String("item_id", line.ItemID))

	if line.ItemID == "" {
		return fmt.Errorf("%w: item id is required", domain.ErrInvalidMovement)
	}

	qty := line.Quantity()
	if err := validateQuantity(transitions[typ], qty); err != nil {
		return err
	}

	applied, err := s.repo.IsLineApplied(ctx, key)
	if err != nil {
		return fmt.Errorf("check applied line: %w", err)
	}
	if applied {
		logger.Info("line already applied, skipping")
		return nil
	}

	item := s.lookupItem(ctx, logger, line)

	lineCtx, cancel := context.WithTimeout(ctx, s.cfg.LineTimeout)
	defer cancel()

	for attempt := 1; ; attempt++ {
		writes, err := s.plan(lineCtx, typ, event, line, qty)
		if err != nil {
			return err
		}

		commit := domain.LineCommit{
			Key:          key,
			MovementType: typ,
			Writes:       make([]domain.RecordWrite, 0, len(writes)),
			AppliedAt:    s.now(),
		}
		for _, pw := range writes {
			commit.Writes = append(commit.Writes, domain.RecordWrite{
				Record:          pw.after,
				ExpectedVersion: pw.before.Version,
			})
		}

		err = s.repo.Commit(lineCtx, commit)
		switch {
		case err == nil:
			span.SetAttributes(attribute.Int("ledger.attempts", attempt))
			s.emit(typ, event, key, item, writes)
			return nil
		case errors.Is(err, domain.ErrLineAlreadyApplied):
			logger.Info("line applied concurrently, skipping")
			return nil
		case errors.Is(err, domain.ErrVersionConflict):
			if attempt >= s.cfg.ConflictRetries {
				return fmt.Errorf("%w after %d attempts: %w", ErrConflictRetriesExhausted, attempt, err)
			}
			logger.Debug("version conflict, retrying", zap.Int("attempt", attempt))
		default:
			return fmt.Errorf("commit line: %w", err)
		}
	}
}

func (s *LedgerService) lookupItem(ctx context.Context, logger *zap.Logger, line domain.MovementLine) *domain.Item {
	if s.catalog == nil {
		return nil
	}

	item, err := s.catalog.GetItem(ctx, line.ItemID)
	if err != nil {
		logger.Warn("item lookup failed", zap.Error(err))
		return nil
	}
	if item == nil {
		return nil
	}

	if item.IsLotManaged && line.LotID == "" {
		logger.Warn("lot-managed item moved without lot id", zap.String("sku", item.SKU))
	}
	if item.IsSerialized && line.SerialID == "" {
		logger.Warn("serialized item moved without serial id", zap.String("sku", item.SKU))
	}
	return item
}

func (s *LedgerService) emit(typ domain.MovementType, event domain.MovementEvent, key domain.LineKey, item *domain.Item, writes []*plannedWrite) {
	if s.changes == nil {
		return
	}

	occurredAt := s.now()
	for _, pw := range writes {
		rec := pw.after
		delta := pw.delta()
		change := domain.InventoryChangedEvent{
			EventID:           uuid.NewString(),
			InventoryRecordID: rec.ID,
			ItemID:            rec.ItemID,
			WarehouseID:       rec.WarehouseID,
			LocationID:        rec.LocationID,
			LotID:             rec.LotID,
			SerialID:          rec.SerialID,
			OnHand:            rec.OnHand,
			Reserved:          rec.Reserved,
			Available:         rec.Available(),
			Reason:            reason(typ, delta),
			Delta:             delta,
			MovementID:        event.MovementID,
			LineID:            key.LineID,
			OccurredAt:        occurredAt,
		}
		if item != nil {
			change.SKU = item.SKU
		}
		s.changes.Enqueue(change)
	}
}
