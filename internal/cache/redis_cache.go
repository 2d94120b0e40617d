package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	"stockledger/backend/internal/domain"
)

const generationKey = "ledger:generation"

type RedisLedgerCache struct {
	client redis.UniversalClient
}

func NewRedisClient(addr string, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

func NewRedisLedgerCache(client redis.UniversalClient) *RedisLedgerCache {
	return &RedisLedgerCache{client: client}
}

func (c *RedisLedgerCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisLedgerCache) Generation(ctx context.Context) (int64, error) {
	gen, err := c.client.Get(ctx, generationKey).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return gen, err
}

func (c *RedisLedgerCache) Get(ctx context.Context, generation int64, vendorID string) (*domain.VendorLedger, bool, error) {
	val, err := c.client.Get(ctx, ledgerKey(generation, vendorID)).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var view domain.VendorLedger
	if err := json.Unmarshal([]byte(val), &view); err != nil {
		return nil, false, err
	}
	return &view, true, nil
}

func (c *RedisLedgerCache) Set(ctx context.Context, generation int64, value *domain.VendorLedger, ttl time.Duration) error {
	if value == nil {
		return nil
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, ledgerKey(generation, value.VendorID), payload, ttl).Err()
}

func (c *RedisLedgerCache) Invalidate(ctx context.Context) error {
	return c.client.Incr(ctx, generationKey).Err()
}

func ledgerKey(generation int64, vendorID string) string {
	return fmt.Sprintf("ledger:%d:%s", generation, vendorID)
}
