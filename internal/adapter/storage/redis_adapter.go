package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rl1809/stock-ledger/internal/core/domain"
)

const (
	completedKeyPrefix  = "movement:completed:"
	itemKeyPrefix       = "item:"
	defaultCompletedTTL = 24 * time.Hour
)

type RedisAdapter struct {
	client       *redis.Client
	completedTTL time.Duration
}

func NewRedisAdapter(client *redis.Client, completedTTL time.Duration) *RedisAdapter {
	if completedTTL <= 0 {
		completedTTL = defaultCompletedTTL
	}
	return &RedisAdapter{client: client, completedTTL: completedTTL}
}

func (r *RedisAdapter) IsCompleted(ctx context.Context, movementID string) (bool, error) {
	n, err := r.client.Exists(ctx, completedKeyPrefix+movementID).Result()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *RedisAdapter) MarkCompleted(ctx context.Context, movementID string) error {
	return r.client.SetNX(ctx, completedKeyPrefix+movementID, 1, r.completedTTL).Err()
}

// GetItem reads item metadata from item:<id>. The catalog service populates
// those keys; a miss returns nil.
func (r *RedisAdapter) GetItem(ctx context.Context, itemID string) (*domain.Item, error) {
	raw, err := r.client.Get(ctx, itemKeyPrefix+itemID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var item domain.Item
	if err := json.Unmarshal(raw, &item); err != nil {
		return nil, fmt.Errorf("decode cached item %s: %w", itemID, err)
	}
	return &item, nil
}

func (r *RedisAdapter) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
