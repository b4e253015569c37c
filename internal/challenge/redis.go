package challenge

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "challenge:"

// RedisStore backs the challenge lifecycle for multi-instance deployments.
// Atomic consumption rides on GETDEL; expiry is enforced twice, once by the
// redis TTL and once by the manager's own timestamp check.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (r *RedisStore) Put(ctx context.Context, key string, ch *Challenge) error {
	data, err := json.Marshal(ch)
	if err != nil {
		return fmt.Errorf("failed to marshal challenge: %w", err)
	}

	ttl := time.Until(ch.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("challenge already expired")
	}

	if err := r.client.Set(ctx, redisKeyPrefix+key, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store challenge: %w", err)
	}
	return nil
}

func (r *RedisStore) Get(ctx context.Context, key string) (*Challenge, error) {
	data, err := r.client.Get(ctx, redisKeyPrefix+key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get challenge: %w", err)
	}

	var ch Challenge
	if err := json.Unmarshal([]byte(data), &ch); err != nil {
		return nil, fmt.Errorf("failed to unmarshal challenge: %w", err)
	}
	return &ch, nil
}

func (r *RedisStore) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, redisKeyPrefix+key).Err()
}

// Take is atomic across instances: GETDEL guarantees a single winner.
func (r *RedisStore) Take(ctx context.Context, key string) (*Challenge, error) {
	data, err := r.client.GetDel(ctx, redisKeyPrefix+key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to consume challenge: %w", err)
	}

	var ch Challenge
	if err := json.Unmarshal([]byte(data), &ch); err != nil {
		return nil, fmt.Errorf("failed to unmarshal challenge: %w", err)
	}
	return &ch, nil
}

func (r *RedisStore) DeleteOwner(ctx context.Context, ownerID string) error {
	pattern := fmt.Sprintf("%s%s:*", redisKeyPrefix, ownerID)

	iter := r.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		if err := r.client.Del(ctx, iter.Val()).Err(); err != nil {
			return fmt.Errorf("failed to delete challenge %s: %w", iter.Val(), err)
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to scan challenges: %w", err)
	}
	return nil
}

// CleanupExpired is a no-op for redis: entries carry a server-side TTL and
// expire on their own.
func (r *RedisStore) CleanupExpired(ctx context.Context) (int, error) {
	return 0, nil
}
