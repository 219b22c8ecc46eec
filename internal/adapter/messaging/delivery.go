package messaging

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/rl1809/stock-ledger/internal/core/domain"
)

// MovementProcessor applies a decoded movement.
type MovementProcessor interface {
	Process(ctx context.Context, event domain.MovementEvent) error
}

// DeliveryConfig bounds the in-process redelivery of one message.
type DeliveryConfig struct {
	Attempts        int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func (c DeliveryConfig) withDefaults() DeliveryConfig {
	if c.Attempts <= 0 {
		c.Attempts = 5
	}
	if c.InitialInterval <= 0 {
		c.InitialInterval = 100 * time.Millisecond
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = 5 * time.Second
	}
	return c
}

// isPermanent reports errors that another attempt cannot fix.
func isPermanent(err error) bool {
	return errors.Is(err, ErrMalformedMessage) ||
		errors.Is(err, domain.ErrUnsupportedMovementType) ||
		errors.Is(err, domain.ErrInvalidQuantity) ||
		errors.Is(err, domain.ErrMissingLocation) ||
		errors.Is(err, domain.ErrInvalidMovement)
}

type deliverer struct {
	processor MovementProcessor
	cfg       DeliveryConfig
	logger    *zap.Logger
}

func newDeliverer(processor MovementProcessor, cfg DeliveryConfig, logger *zap.Logger) *deliverer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &deliverer{processor: processor, cfg: cfg.withDefaults(), logger: logger}
}

// deliver decodes the payload and processes it, retrying transient failures
// with exponential backoff. A non-nil result means the message must be
// dead-lettered. Lines committed by an earlier attempt are skipped by the
// ledger on the next one.
func (d *deliverer) deliver(ctx context.Context, raw []byte) error {
	event, err := DecodeMovement(raw)
	if err != nil {
		return err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = d.cfg.InitialInterval
	policy.MaxInterval = d.cfg.MaxInterval
	policy.MaxElapsedTime = 0

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := d.processor.Process(ctx, event)
		if err == nil {
			return nil
		}
		if isPermanent(err) {
			return backoff.Permanent(err)
		}
		d.logger.Warn("movement failed, retrying",
			zap.String("movement_id", event.MovementID),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(d.cfg.Attempts-1)), ctx))
}
