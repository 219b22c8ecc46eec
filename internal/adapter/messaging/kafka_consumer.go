package messaging

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	headerError           = "x-error"
	headerSourceTopic     = "x-source-topic"
	headerSourcePartition = "x-source-partition"
	headerSourceOffset    = "x-source-offset"

	deadLetterAttempts = 10
)

// MessageReader is the subset of *kafka.Reader the consumer needs. Offsets
// are committed explicitly after a message is fully handled.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// MessageWriter is satisfied by the traced otelkafka writer.
type MessageWriter interface {
	WriteMessage(ctx context.Context, msg kafka.Message) error
	Close() error
}

type KafkaConsumer struct {
	reader     MessageReader
	deadLetter MessageWriter
	deliverer  *deliverer
	workers    int
	logger     *zap.Logger
	tracer     trace.Tracer

	deadLetterBackoff time.Duration
}

// NewKafkaConsumer wires a reader to the processor. deadLetter may be nil, in
// which case failed messages are logged and skipped.
func NewKafkaConsumer(reader MessageReader, deadLetter MessageWriter, processor MovementProcessor, workers int, delivery DeliveryConfig, logger *zap.Logger) *KafkaConsumer {
	if workers <= 0 {
		workers = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KafkaConsumer{
		reader:     reader,
		deadLetter: deadLetter,
		deliverer:  newDeliverer(processor, delivery, logger),
		workers:    workers,
		logger:     logger,
		tracer:     otel.Tracer("stock-ledger/messaging"),

		deadLetterBackoff: 500 * time.Millisecond,
	}
}

// Run fetches until ctx is cancelled. Messages are routed to workers by
// partition so each partition is handled, and committed, in order. In-flight
// messages finish after cancellation.
func (c *KafkaConsumer) Run(ctx context.Context) error {
	c.logger.Info("kafka consumer started", zap.Int("workers", c.workers))

	g, gctx := errgroup.WithContext(ctx)
	lanes := make([]chan kafka.Message, c.workers)
	for i := range lanes {
		lane := make(chan kafka.Message)
		lanes[i] = lane
		id := i
		g.Go(func() error {
			return c.workerLoop(context.WithoutCancel(gctx), id, lane)
		})
	}

	g.Go(func() error {
		defer func() {
			for _, lane := range lanes {
				close(lane)
			}
		}()

		for {
			msg, err := c.reader.FetchMessage(gctx)
			if err != nil {
				if gctx.Err() != nil {
					return nil
				}
				c.logger.Error("failed to fetch message", zap.Error(err))
				select {
				case <-gctx.Done():
					return nil
				case <-time.After(time.Second):
				}
				continue
			}

			lane := lanes[msg.Partition%c.workers]
			select {
			case lane <- msg:
			case <-gctx.Done():
				return nil
			}
		}
	})

	err := g.Wait()
	c.logger.Info("kafka consumer stopped")
	return err
}

func (c *KafkaConsumer) workerLoop(ctx context.Context, id int, lane <-chan kafka.Message) error {
	for msg := range lane {
		if err := c.handle(ctx, msg); err != nil {
			c.logger.Error("consumer worker stopping", zap.Int("worker", id), zap.Error(err))
			return err
		}
	}
	return nil
}

// handle returns an error only when the message could be neither applied nor
// dead-lettered; its offset is then left uncommitted.
func (c *KafkaConsumer) handle(ctx context.Context, msg kafka.Message) error {
	msgCtx := extractTraceContext(ctx, msg.Headers)
	msgCtx, span := c.tracer.Start(msgCtx, "movement.consume",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.destination.name", msg.Topic),
			attribute.Int("messaging.kafka.partition", msg.Partition),
			attribute.Int64("messaging.kafka.offset", msg.Offset),
		),
	)
	defer span.End()

	logger := c.logger.With(
		zap.ByteString("key", msg.Key),
		zap.Int("partition", msg.Partition),
		zap.Int64("offset", msg.Offset),
	)

	if err := c.deliverer.deliver(msgCtx, msg.Value); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error("movement dead-lettered", zap.Bool("permanent", isPermanent(err)), zap.Error(err))

		if err := c.sendDeadLetter(msgCtx, msg, err); err != nil {
			return fmt.Errorf("dead-letter offset %d: %w", msg.Offset, err)
		}
	}

	if err := c.reader.CommitMessages(ctx, msg); err != nil {
		return fmt.Errorf("commit offset %d: %w", msg.Offset, err)
	}
	return nil
}

func (c *KafkaConsumer) sendDeadLetter(ctx context.Context, msg kafka.Message, cause error) error {
	if c.deadLetter == nil {
		return nil
	}

	dlq := kafka.Message{
		Key:   msg.Key,
		Value: msg.Value,
		Headers: append(withoutTraceHeaders(msg.Headers),
			kafka.Header{Key: headerError, Value: []byte(cause.Error())},
			kafka.Header{Key: headerSourceTopic, Value: []byte(msg.Topic)},
			kafka.Header{Key: headerSourcePartition, Value: []byte(strconv.Itoa(msg.Partition))},
			kafka.Header{Key: headerSourceOffset, Value: []byte(strconv.FormatInt(msg.Offset, 10))},
		),
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.deadLetterBackoff

	return backoff.Retry(func() error {
		return c.deadLetter.WriteMessage(ctx, dlq)
	}, backoff.WithContext(backoff.WithMaxRetries(policy, deadLetterAttempts), ctx))
}

// extractTraceContext continues the producer's trace from the message headers.
func extractTraceContext(ctx context.Context, headers []kafka.Header) context.Context {
	carrier := propagation.MapCarrier{}
	for _, header := range headers {
		carrier[header.Key] = string(header.Value)
	}
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}

// withoutTraceHeaders drops propagation headers the traced writer re-injects.
func withoutTraceHeaders(headers []kafka.Header) []kafka.Header {
	fields := otel.GetTextMapPropagator().Fields()
	out := make([]kafka.Header, 0, len(headers)+4)
	for _, h := range headers {
		if !containsField(fields, h.Key) {
			out = append(out, h)
		}
	}
	return out
}

func containsField(fields []string, key string) bool {
	for _, f := range fields {
		if f == key {
			return true
		}
	}
	return false
}

