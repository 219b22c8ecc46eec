package service_test

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/rl1809/stock-ledger/internal/adapter/storage"
	"github.com/rl1809/stock-ledger/internal/core/domain"
	"github.com/rl1809/stock-ledger/internal/core/service"
)

type integrationEnv struct {
	redis   *redis.Client
	mysql   *sql.DB
	cache   *storage.RedisAdapter
	db      *storage.MySQLAdapter
	cleanup func()
}

func setupIntegrationEnv(t *testing.T) *integrationEnv {
	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}

	mysqlDSN := os.Getenv("MYSQL_DSN")
	if mysqlDSN == "" {
		mysqlDSN = "root:root@tcp(localhost:3306)/stockledger?parseTime=true"
	}

	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		rdb.Close()
		t.Skipf("Redis not available: %v", err)
	}

	db, err := sql.Open("mysql", mysqlDSN)
	if err != nil {
		rdb.Close()
		t.Skipf("MySQL not available: %v", err)
	}
	if err := db.Ping(); err != nil {
		rdb.Close()
		db.Close()
		t.Skipf("MySQL not available: %v", err)
	}
	if err := storage.ApplyMigrations(context.Background(), db); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}

	return &integrationEnv{
		redis: rdb,
		mysql: db,
		cache: storage.NewRedisAdapter(rdb, time.Minute),
		db:    storage.NewMySQLAdapter(db),
		cleanup: func() {
			rdb.Close()
			db.Close()
		},
	}
}

type countingPublisher struct {
	mu     sync.Mutex
	events []domain.InventoryChangedEvent
}

func (p *countingPublisher) Publish(ctx context.Context, event domain.InventoryChangedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *countingPublisher) Close() error { return nil }

func onHand(t *testing.T, repo *storage.MySQLAdapter, itemID, locationID string) decimal.Decimal {
	t.Helper()
	rec, err := repo.Get(context.Background(), domain.RecordKey{ItemID: itemID, LocationID: locationID})
	if err != nil {
		t.Fatalf("get %s@%s: %v", itemID, locationID, err)
	}
	if rec == nil {
		return decimal.Zero
	}
	return rec.OnHand
}

func TestIntegration_MovementFlow(t *testing.T) {
	env := setupIntegrationEnv(t)
	defer env.cleanup()

	ctx := context.Background()
	itemID := "it-" + uuid.NewString()[:8]

	publisher := &countingPublisher{}
	notifier := service.NewNotifier(publisher, 100, 2, 3, nil)
	svc := service.NewLedgerService(service.Dependencies{
		Repository: env.db,
		Marker:     env.cache,
		Catalog:    env.cache,
		Changes:    notifier,
	}, service.Config{ConflictRetries: 200, LineTimeout: 10 * time.Second})

	movement := func(id, typ, src, dst string, qty int64) domain.MovementEvent {
		return domain.MovementEvent{
			MovementID:            id + "-" + itemID,
			MovementType:          typ,
			WarehouseID:           "W1",
			SourceLocationID:      src,
			DestinationLocationID: dst,
			Lines: []domain.MovementLine{{
				LineID:            "1",
				ItemID:            itemID,
				RequestedQuantity: decimal.NewFromInt(qty),
				UnitOfMeasure:     "EA",
			}},
		}
	}

	// Receive 50 at L1, move 10 to L2
	if err := svc.Process(ctx, movement("rcv", "INBOUND", "", "L1", 50)); err != nil {
		t.Fatalf("receipt failed: %v", err)
	}
	transfer := movement("xfer", "TRANSFER", "L1", "L2", 10)
	if err := svc.Process(ctx, transfer); err != nil {
		t.Fatalf("transfer failed: %v", err)
	}

	// Redelivery after the completion marker expired still applies nothing
	env.redis.Del(ctx, "movement:completed:"+transfer.MovementID)
	if err := svc.Process(ctx, transfer); err != nil {
		t.Fatalf("redelivered transfer failed: %v", err)
	}

	if got := onHand(t, env.db, itemID, "L1"); !got.Equal(decimal.NewFromInt(40)) {
		t.Errorf("expected L1 onHand 40, got %s", got)
	}
	if got := onHand(t, env.db, itemID, "L2"); !got.Equal(decimal.NewFromInt(10)) {
		t.Errorf("expected L2 onHand 10, got %s", got)
	}

	// Concurrent pickers from L1 to a staging lane
	var wg sync.WaitGroup
	var failures atomic.Int32
	const pickers = 10
	for i := 0; i < pickers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if err := svc.Process(ctx, movement(fmt.Sprintf("pick-%d", n), "PICKING", "L1", "STAGE", 2)); err != nil {
				t.Errorf("picker %d: %v", n, err)
				failures.Add(1)
			}
		}(i)
	}
	wg.Wait()

	if failures.Load() != 0 {
		t.Fatalf("%d pickers failed", failures.Load())
	}
	if got := onHand(t, env.db, itemID, "STAGE"); !got.Equal(decimal.NewFromInt(pickers * 2)) {
		t.Errorf("expected STAGE onHand %d, got %s", pickers*2, got)
	}
	if got := onHand(t, env.db, itemID, "L1"); !got.Equal(decimal.NewFromInt(40 - pickers*2)) {
		t.Errorf("expected L1 onHand %d, got %s", 40-pickers*2, got)
	}

	// Cycle count resets L2
	if err := svc.Process(ctx, movement("count", "CYCLE_COUNT", "", "L2", 7)); err != nil {
		t.Fatalf("cycle count failed: %v", err)
	}
	if got := onHand(t, env.db, itemID, "L2"); !got.Equal(decimal.NewFromInt(7)) {
		t.Errorf("expected L2 onHand 7, got %s", got)
	}

	notifier.Close()

	// receipt 1 + transfer 2 + pickers 2 each + count 1
	publisher.mu.Lock()
	defer publisher.mu.Unlock()
	if want := 1 + 2 + pickers*2 + 1; len(publisher.events) != want {
		t.Errorf("expected %d change events, got %d", want, len(publisher.events))
	}
}
