package messaging

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/streadway/amqp"

	"github.com/rl1809/stock-ledger/internal/core/domain"
)

var fastDelivery = DeliveryConfig{
	Attempts:        3,
	InitialInterval: time.Millisecond,
	MaxInterval:     2 * time.Millisecond,
}

// scriptedProcessor fails each movement the given number of times before
// succeeding, or always with a fixed error.
type scriptedProcessor struct {
	mu       sync.Mutex
	failures map[string]int
	fixed    map[string]error
	calls    map[string]int
	applied  []string
}

func newScriptedProcessor() *scriptedProcessor {
	return &scriptedProcessor{
		failures: make(map[string]int),
		fixed:    make(map[string]error),
		calls:    make(map[string]int),
	}
}

func (p *scriptedProcessor) Process(ctx context.Context, event domain.MovementEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.calls[event.MovementID]++
	if err, ok := p.fixed[event.MovementID]; ok {
		return err
	}
	if p.failures[event.MovementID] > 0 {
		p.failures[event.MovementID]--
		return errors.New("store unavailable")
	}
	p.applied = append(p.applied, event.MovementID)
	return nil
}

func (p *scriptedProcessor) callsFor(id string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[id]
}

func (p *scriptedProcessor) appliedIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.applied...)
}

type fakeReader struct {
	queue chan kafka.Message

	mu        sync.Mutex
	committed []kafka.Message
}

func newFakeReader(msgs ...kafka.Message) *fakeReader {
	r := &fakeReader{queue: make(chan kafka.Message, len(msgs))}
	for _, m := range msgs {
		r.queue <- m
	}
	return r
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case m := <-r.queue:
		return m, nil
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (r *fakeReader) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.committed = append(r.committed, msgs...)
	return nil
}

func (r *fakeReader) Close() error { return nil }

func (r *fakeReader) commits() []kafka.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]kafka.Message(nil), r.committed...)
}

type fakeWriter struct {
	mu      sync.Mutex
	fail    bool
	written []kafka.Message
}

func (w *fakeWriter) WriteMessage(ctx context.Context, msg kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fail {
		return errors.New("broker unavailable")
	}
	w.written = append(w.written, msg)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func (w *fakeWriter) messages() []kafka.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]kafka.Message(nil), w.written...)
}

// fakeAcknowledger records the outcome of each delivery tag.
type fakeAcknowledger struct {
	mu     sync.Mutex
	acked  []uint64
	nacked []uint64
}

func (a *fakeAcknowledger) Ack(tag uint64, multiple bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acked = append(a.acked, tag)
	return nil
}

func (a *fakeAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nacked = append(a.nacked, tag)
	return nil
}

func (a *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

func (a *fakeAcknowledger) counts() (int, int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.acked), len(a.nacked)
}

type fakeSource struct {
	deliveries chan amqp.Delivery
	cancelled  bool
}

func (s *fakeSource) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	return s.deliveries, nil
}

func (s *fakeSource) Cancel(consumer string, noWait bool) error {
	s.cancelled = true
	return nil
}

type fakeChannel struct {
	mu        sync.Mutex
	published []amqp.Publishing
	keys      []string
}

func (c *fakeChannel) Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = append(c.published, msg)
	c.keys = append(c.keys, key)
	return nil
}

func (c *fakeChannel) Close() error { return nil }

func movementPayload(id string) []byte {
	return []byte(`{"movementId":"` + id + `","movementType":"RECEIPT","destinationLocationId":"L1","lines":[{"itemId":"I1","requestedQuantity":1}]}`)
}
