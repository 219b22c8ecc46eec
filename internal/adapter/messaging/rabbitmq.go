package messaging

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/streadway/amqp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"github.com/rl1809/stock-ledger/internal/core/domain"
)

const (
	MovementRoutingKey = "movement.completed"
	ChangedRoutingKey  = "inventory.changed"

	consumerTag = "stock-ledger"
)

// Topology names the exchange and queues the service uses on RabbitMQ.
type Topology struct {
	Exchange string
	Queue    string
	Prefetch int
}

func (t Topology) deadLetterExchange() string { return t.Exchange + ".dlx" }
func (t Topology) deadLetterQueue() string    { return t.Queue + ".dlq" }

// Declare creates the topic exchange, the movement queue bound to it, and a
// dead-letter exchange that receives rejected movements.
func (t Topology) Declare(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(t.Exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", t.Exchange, err)
	}
	if err := ch.ExchangeDeclare(t.deadLetterExchange(), "fanout", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dead-letter exchange: %w", err)
	}

	dlq, err := ch.QueueDeclare(t.deadLetterQueue(), true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("declare dead-letter queue: %w", err)
	}
	if err := ch.QueueBind(dlq.Name, "", t.deadLetterExchange(), false, nil); err != nil {
		return fmt.Errorf("bind dead-letter queue: %w", err)
	}

	q, err := ch.QueueDeclare(t.Queue, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange": t.deadLetterExchange(),
	})
	if err != nil {
		return fmt.Errorf("declare queue %s: %w", t.Queue, err)
	}
	if err := ch.QueueBind(q.Name, MovementRoutingKey, t.Exchange, false, nil); err != nil {
		return fmt.Errorf("bind routing key %s: %w", MovementRoutingKey, err)
	}

	if err := ch.Qos(t.Prefetch, 0, false); err != nil {
		return fmt.Errorf("set QoS: %w", err)
	}
	return nil
}

type DeliverySource interface {
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
}

// RabbitMQConsumer consumes movements with manual acknowledgement. Ordering
// across workers is not preserved on RabbitMQ.
type RabbitMQConsumer struct {
	source    DeliverySource
	queue     string
	deliverer *deliverer
	workers   int
	logger    *zap.Logger
}

func NewRabbitMQConsumer(source DeliverySource, queue string, processor MovementProcessor, workers int, delivery DeliveryConfig, logger *zap.Logger) *RabbitMQConsumer {
	if workers <= 0 {
		workers = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RabbitMQConsumer{
		source:    source,
		queue:     queue,
		deliverer: newDeliverer(processor, delivery, logger),
		workers:   workers,
		logger:    logger,
	}
}

func (c *RabbitMQConsumer) Run(ctx context.Context) error {
	msgs, err := c.source.Consume(c.queue, consumerTag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", c.queue, err)
	}
	c.logger.Info("rabbitmq consumer started", zap.String("queue", c.queue), zap.Int("workers", c.workers))

	c.consume(ctx, msgs)

	if err := c.source.Cancel(consumerTag, false); err != nil {
		c.logger.Warn("failed to cancel consumer", zap.Error(err))
	}
	c.logger.Info("rabbitmq consumer stopped")
	return nil
}

func (c *RabbitMQConsumer) consume(ctx context.Context, msgs <-chan amqp.Delivery) {
	var wg sync.WaitGroup
	for i := 0; i < c.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case d, ok := <-msgs:
					if !ok {
						return
					}
					c.handle(context.WithoutCancel(ctx), d)
				}
			}
		}()
	}
	wg.Wait()
}

func (c *RabbitMQConsumer) handle(ctx context.Context, d amqp.Delivery) {
	msgCtx := otel.GetTextMapPropagator().Extract(ctx, headerCarrier(d.Headers))
	logger := c.logger.With(zap.String("message_id", d.MessageId), zap.Uint64("delivery_tag", d.DeliveryTag))

	if err := c.deliverer.deliver(msgCtx, d.Body); err != nil {
		logger.Error("movement dead-lettered", zap.Bool("permanent", isPermanent(err)), zap.Error(err))
		if err := d.Nack(false, false); err != nil {
			logger.Error("failed to nack message", zap.Error(err))
		}
		return
	}

	if err := d.Ack(false); err != nil {
		logger.Error("failed to ack message", zap.Error(err))
	}
}

type AMQPPublisher interface {
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// RabbitMQPublisher publishes change events on the topic exchange. The
// underlying channel is not safe for concurrent publishing.
type RabbitMQPublisher struct {
	mu       sync.Mutex
	ch       AMQPPublisher
	exchange string
}

func NewRabbitMQPublisher(ch AMQPPublisher, exchange string) *RabbitMQPublisher {
	return &RabbitMQPublisher{ch: ch, exchange: exchange}
}

func (p *RabbitMQPublisher) Publish(ctx context.Context, event domain.InventoryChangedEvent) error {
	payload, err := encodeChange(event)
	if err != nil {
		return fmt.Errorf("encode change event: %w", err)
	}

	headers := amqp.Table{}
	otel.GetTextMapPropagator().Inject(ctx, headerCarrier(headers))

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    event.EventID,
		Timestamp:    time.Now().UTC(),
		Headers:      headers,
		Body:         payload,
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	return p.ch.Publish(p.exchange, ChangedRoutingKey, false, false, msg)
}

func (p *RabbitMQPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ch.Close()
}

// headerCarrier adapts AMQP headers to the OpenTelemetry propagator.
type headerCarrier amqp.Table

var _ propagation.TextMapCarrier = headerCarrier(nil)

func (h headerCarrier) Get(key string) string {
	if v, ok := h[key].(string); ok {
		return v
	}
	return ""
}

func (h headerCarrier) Set(key, value string) {
	h[key] = value
}

func (h headerCarrier) Keys() []string {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	return keys
}
