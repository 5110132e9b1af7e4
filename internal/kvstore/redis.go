package kvstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store over a Redis unix socket.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to the Redis instance behind the given unix socket
// and verifies it answers before the run starts depending on it.
func NewRedisStore(ctx context.Context, socket string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Network: "unix",
		Addr:    socket,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis at %s: %w", socket, err)
	}
	return &RedisStore{client: client}, nil
}

// HSet sets one field of a hash.
func (s *RedisStore) HSet(ctx context.Context, db, field, value string) error {
	if err := s.client.HSet(ctx, db, field, value).Err(); err != nil {
		return fmt.Errorf("hset %s/%s: %w", db, field, err)
	}
	return nil
}

// HMSet sets several fields of a hash at once.
func (s *RedisStore) HMSet(ctx context.Context, db string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	flat := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		flat = append(flat, k, v)
	}
	if err := s.client.HSet(ctx, db, flat...).Err(); err != nil {
		return fmt.Errorf("hmset %s: %w", db, err)
	}
	return nil
}

// HGet reads one field; a missing field is not an error.
func (s *RedisStore) HGet(ctx context.Context, db, field string) (string, error) {
	val, err := s.client.HGet(ctx, db, field).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("hget %s/%s: %w", db, field, err)
	}
	return val, nil
}

// HKeys lists the fields of a hash.
func (s *RedisStore) HKeys(ctx context.Context, db string) ([]string, error) {
	keys, err := s.client.HKeys(ctx, db).Result()
	if err != nil {
		return nil, fmt.Errorf("hkeys %s: %w", db, err)
	}
	return keys, nil
}

// HExists reports whether a field is present.
func (s *RedisStore) HExists(ctx context.Context, db, field string) (bool, error) {
	ok, err := s.client.HExists(ctx, db, field).Result()
	if err != nil {
		return false, fmt.Errorf("hexists %s/%s: %w", db, field, err)
	}
	return ok, nil
}

// HDel removes fields from a hash.
func (s *RedisStore) HDel(ctx context.Context, db string, fields ...string) error {
	if len(fields) == 0 {
		return nil
	}
	if err := s.client.HDel(ctx, db, fields...).Err(); err != nil {
		return fmt.Errorf("hdel %s: %w", db, err)
	}
	return nil
}

// Del drops whole databases, used on normal exit.
func (s *RedisStore) Del(ctx context.Context, dbs ...string) error {
	if len(dbs) == 0 {
		return nil
	}
	if err := s.client.Del(ctx, dbs...).Err(); err != nil {
		return fmt.Errorf("del: %w", err)
	}
	return nil
}

// Close quits the client connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
