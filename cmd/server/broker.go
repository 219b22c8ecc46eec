package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/streadway/amqp"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/rl1809/stock-ledger/internal/adapter/messaging"
	"github.com/rl1809/stock-ledger/internal/config"
	"github.com/rl1809/stock-ledger/internal/port"
)

type consumer interface {
	Run(ctx context.Context) error
}

// broker bundles the transport-specific halves of the service. The publisher
// is closed separately, after the notifier has drained.
type broker struct {
	publisher   port.EventPublisher
	newConsumer func(processor messaging.MovementProcessor) consumer
	close       func() error
}

func openBroker(cfg *config.Config, tp trace.TracerProvider, logger *zap.Logger) (*broker, error) {
	delivery := messaging.DeliveryConfig{Attempts: cfg.DeliveryAttempts}

	switch cfg.Broker {
	case config.BrokerRabbitMQ:
		return openRabbitMQ(cfg, delivery, logger)
	default:
		return openKafka(cfg, tp, delivery, logger)
	}
}

func openKafka(cfg *config.Config, tp trace.TracerProvider, delivery messaging.DeliveryConfig, logger *zap.Logger) (*broker, error) {
	changedWriter, err := messaging.NewKafkaWriter(cfg.KafkaBrokers, cfg.InventoryChangedTopic, config.ServiceName, tp)
	if err != nil {
		return nil, fmt.Errorf("create inventory-changed writer: %w", err)
	}
	deadLetterWriter, err := messaging.NewKafkaWriter(cfg.KafkaBrokers, cfg.DeadLetterTopic, config.ServiceName, tp)
	if err != nil {
		changedWriter.Close()
		return nil, fmt.Errorf("create dead-letter writer: %w", err)
	}
	reader := messaging.NewKafkaReader(cfg.KafkaBrokers, cfg.MovementTopic, cfg.ConsumerGroup)

	logger.Info("kafka broker configured",
		zap.Strings("brokers", cfg.KafkaBrokers),
		zap.String("topic", cfg.MovementTopic),
		zap.String("group", cfg.ConsumerGroup),
	)

	return &broker{
		publisher: messaging.NewKafkaPublisher(changedWriter),
		newConsumer: func(processor messaging.MovementProcessor) consumer {
			return messaging.NewKafkaConsumer(reader, deadLetterWriter, processor, cfg.Workers, delivery, logger)
		},
		close: func() error {
			return errors.Join(reader.Close(), deadLetterWriter.Close())
		},
	}, nil
}

func openRabbitMQ(cfg *config.Config, delivery messaging.DeliveryConfig, logger *zap.Logger) (*broker, error) {
	conn, err := amqp.Dial(cfg.RabbitMQURL)
	if err != nil {
		return nil, fmt.Errorf("connect rabbitmq: %w", err)
	}

	consumeCh, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open consume channel: %w", err)
	}
	topology := messaging.Topology{
		Exchange: cfg.RabbitMQExchange,
		Queue:    cfg.RabbitMQQueue,
		Prefetch: cfg.Workers,
	}
	if err := topology.Declare(consumeCh); err != nil {
		conn.Close()
		return nil, err
	}

	publishCh, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open publish channel: %w", err)
	}

	logger.Info("rabbitmq broker configured",
		zap.String("exchange", cfg.RabbitMQExchange),
		zap.String("queue", cfg.RabbitMQQueue),
	)

	return &broker{
		publisher: messaging.NewRabbitMQPublisher(publishCh, cfg.RabbitMQExchange),
		newConsumer: func(processor messaging.MovementProcessor) consumer {
			return messaging.NewRabbitMQConsumer(consumeCh, cfg.RabbitMQQueue, processor, cfg.Workers, delivery, logger)
		},
		close: func() error {
			return conn.Close()
		},
	}, nil
}
