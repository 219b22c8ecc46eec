package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/rl1809/stock-ledger/internal/adapter/storage"
	"github.com/rl1809/stock-ledger/internal/config"
	"github.com/rl1809/stock-ledger/internal/core/domain"
	"github.com/rl1809/stock-ledger/internal/core/service"
)

const (
	sourceLocation      = "STRESS-BIN"
	destinationLocation = "STRESS-STAGE"
	initialStock        = 1000
	pickers             = 50
	pickQuantity        = 3
	conflictRetries     = 500
)

func main() {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	db, err := sql.Open("mysql", cfg.MySQLDSN)
	if err != nil {
		log.Fatalf("failed to connect mysql: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(pickers)

	if err := db.PingContext(ctx); err != nil {
		log.Fatalf("failed to ping mysql: %v", err)
	}
	if err := storage.ApplyMigrations(ctx, db); err != nil {
		log.Fatalf("failed to apply migrations: %v", err)
	}

	repo := storage.NewMySQLAdapter(db)
	itemID := "stress-" + uuid.NewString()[:8]

	// Seed the pick face
	seed, err := repo.GetOrCreate(ctx, domain.RecordKey{ItemID: itemID, LocationID: sourceLocation}, "W1", "EA")
	if err != nil {
		log.Fatalf("failed to prepare seed record: %v", err)
	}
	seed.OnHand = decimal.NewFromInt(initialStock)
	if err := repo.CompareAndSwap(ctx, *seed, 0); err != nil {
		log.Fatalf("failed to seed stock: %v", err)
	}

	logger, _ := zap.NewDevelopment(zap.IncreaseLevel(zap.WarnLevel))
	ledger := service.NewLedgerService(service.Dependencies{
		Repository: repo,
		Logger:     logger,
	}, service.Config{
		ConflictRetries: conflictRetries,
		LineTimeout:     30 * time.Second,
	})

	// Counters
	var successCount atomic.Int32
	var failCount atomic.Int32

	var wg sync.WaitGroup
	start := time.Now()

	for i := 0; i < pickers; i++ {
		wg.Add(1)
		go func(picker int) {
			defer wg.Done()

			err := ledger.Process(ctx, domain.MovementEvent{
				MovementID:            fmt.Sprintf("%s-pick-%d", itemID, picker),
				MovementType:          string(domain.MovementPicking),
				WarehouseID:           "W1",
				SourceLocationID:      sourceLocation,
				DestinationLocationID: destinationLocation,
				CompletedAt:           time.Now().UTC(),
				Lines: []domain.MovementLine{{
					LineID:            "1",
					ItemID:            itemID,
					RequestedQuantity: decimal.NewFromInt(pickQuantity),
					UnitOfMeasure:     "EA",
				}},
			})
			if err == nil {
				successCount.Add(1)
			} else {
				log.Printf("picker %d: %v", picker, err)
				failCount.Add(1)
			}
		}(i)
	}

	wg.Wait()
	elapsed := time.Since(start)

	src, _ := repo.Get(ctx, domain.RecordKey{ItemID: itemID, LocationID: sourceLocation})
	dst, _ := repo.Get(ctx, domain.RecordKey{ItemID: itemID, LocationID: destinationLocation})

	fmt.Println("========== STRESS TEST RESULTS ==========")
	fmt.Printf("Item:             %s\n", itemID)
	fmt.Printf("Pickers:          %d x %d\n", pickers, pickQuantity)
	fmt.Printf("Successful:       %d\n", successCount.Load())
	fmt.Printf("Failed:           %d\n", failCount.Load())
	fmt.Printf("Duration:         %v\n", elapsed)
	fmt.Println("==========================================")

	want := decimal.NewFromInt(int64(successCount.Load()) * pickQuantity)
	if dst != nil && dst.OnHand.Equal(want) && dst.Reserved.Equal(want) {
		fmt.Printf("PASS: destination onHand = reserved = %s\n", want)
	} else {
		fmt.Printf("FAIL: expected destination onHand %s, got %v\n", want, dst)
	}

	if src != nil && src.OnHand.Add(want).Equal(decimal.NewFromInt(initialStock)) {
		fmt.Printf("PASS: source onHand = %s, nothing lost\n", src.OnHand)
	} else {
		fmt.Printf("FAIL: source and destination do not sum to %d\n", initialStock)
	}
}
