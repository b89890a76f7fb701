package persistence

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps every entry as a field of one Redis hash so that batches
// can be written in a single MULTI/EXEC.
type RedisStore struct {
	client *redis.Client
	hash   string
	quota  int64
}

// NewRedisStore wraps an existing client. prefix namespaces the hash key.
func NewRedisStore(client *redis.Client, prefix string, quotaBytes int64) *RedisStore {
	return &RedisStore{
		client: client,
		hash:   prefix + "kv",
		quota:  quotaBytes,
	}
}

// ConnectRedis creates a client for addr and verifies the connection
func ConnectRedis(ctx context.Context, addr, password, prefix string, quotaBytes int64) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", addr, err)
	}
	return NewRedisStore(client, prefix, quotaBytes), nil
}

// Get returns the value stored under key
func (r *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := r.client.HGet(ctx, r.hash, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return value, nil
}

// PutAll checks the quota under WATCH and writes the batch in one transaction
func (r *RedisStore) PutAll(ctx context.Context, entries map[string][]byte) error {
	if len(entries) == 0 {
		return nil
	}

	return r.client.Watch(ctx, func(tx *redis.Tx) error {
		if r.quota > 0 {
			used, _, err := r.usage(ctx, tx)
			if err != nil {
				return err
			}
			projected := used
			for key, value := range entries {
				current, err := tx.HGet(ctx, r.hash, key).Bytes()
				switch {
				case errors.Is(err, redis.Nil):
				case err != nil:
					return fmt.Errorf("size %s: %w", key, err)
				default:
					projected -= entrySize(key, current)
				}
				projected += entrySize(key, value)
			}
			if projected > r.quota {
				return ErrCapacityExceeded
			}
		}

		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			values := make([]interface{}, 0, len(entries)*2)
			for key, value := range entries {
				values = append(values, key, value)
			}
			pipe.HSet(ctx, r.hash, values...)
			return nil
		})
		return err
	}, r.hash)
}

// Delete removes fields from the hash
func (r *RedisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := r.client.HDel(ctx, r.hash, keys...).Err(); err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	return nil
}

// Keys lists hash fields with the given prefix in ascending order
func (r *RedisStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	all, err := r.client.HKeys(ctx, r.hash).Result()
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}

	keys := make([]string, 0, len(all))
	for _, key := range all {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Usage sums field and value lengths of the hash
func (r *RedisStore) Usage(ctx context.Context) (Usage, error) {
	used, count, err := r.usage(ctx, r.client)
	if err != nil {
		return Usage{}, err
	}
	return Usage{UsedBytes: used, QuotaBytes: r.quota, Entries: count}, nil
}

func (r *RedisStore) usage(ctx context.Context, c redis.Cmdable) (int64, int, error) {
	all, err := c.HGetAll(ctx, r.hash).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("usage: %w", err)
	}
	var used int64
	for key, value := range all {
		used += int64(len(key) + len(value))
	}
	return used, len(all), nil
}

// Close closes the underlying client
func (r *RedisStore) Close() error {
	return r.client.Close()
}
