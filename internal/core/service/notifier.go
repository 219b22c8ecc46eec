package service

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/rl1809/stock-ledger/internal/core/domain"
	"github.com/rl1809/stock-ledger/internal/port"
)

const publishTimeout = 5 * time.Second

// Notifier publishes change events off the processing path. A failed
// publish is retried a few times and then dropped; quantities are already
// committed by then.
type Notifier struct {
	publisher port.EventPublisher
	queue     chan domain.InventoryChangedEvent
	attempts  uint64
	logger    *zap.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func NewNotifier(publisher port.EventPublisher, queueSize, workers, attempts int, logger *zap.Logger) *Notifier {
	if workers <= 0 {
		workers = 1
	}
	if attempts <= 0 {
		attempts = 3
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	n := &Notifier{
		publisher: publisher,
		queue:     make(chan domain.InventoryChangedEvent, queueSize),
		attempts:  uint64(attempts),
		logger:    logger,
	}

	for i := 0; i < workers; i++ {
		n.wg.Add(1)
		go func(id int) {
			defer n.wg.Done()
			n.workerLoop(id)
		}(i)
	}
	return n
}

// Enqueue blocks while the queue is full. Events offered after Close are dropped.
func (n *Notifier) Enqueue(event domain.InventoryChangedEvent) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	if n.closed {
		n.logger.Warn("notifier closed, dropping change event",
			zap.String("inventory_record_id", event.InventoryRecordID),
			zap.String("movement_id", event.MovementID),
		)
		return
	}
	n.queue <- event
}

// Close stops accepting events and waits until the queue is drained.
func (n *Notifier) Close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	close(n.queue)
	n.mu.Unlock()

	n.wg.Wait()
}

func (n *Notifier) workerLoop(id int) {
	for event := range n.queue {
		if err := n.publish(event); err != nil {
			n.logger.Error("dropping change event after retries",
				zap.Int("worker", id),
				zap.String("inventory_record_id", event.InventoryRecordID),
				zap.String("movement_id", event.MovementID),
				zap.String("reason", event.Reason),
				zap.Error(err),
			)
		}
	}
}

func (n *Notifier) publish(event domain.InventoryChangedEvent) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 50 * time.Millisecond
	policy.MaxInterval = time.Second

	return backoff.Retry(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		return n.publisher.Publish(ctx, event)
	}, backoff.WithMaxRetries(policy, n.attempts-1))
}
