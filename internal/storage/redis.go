package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"
)

// Redis is a Redis-backed Backend for shared deployments. All keys are
// namespaced ("{namespace}:{key}") so several instances can share one
// Redis database.
type Redis struct {
	rdb       *redis.Client
	namespace string
}

// NewRedis creates a Redis backend and verifies connectivity.
func NewRedis(ctx context.Context, opts *redis.Options, namespace string) (*Redis, error) {
	if opts == nil {
		return nil, fmt.Errorf("redis options cannot be nil")
	}
	if namespace == "" {
		return nil, fmt.Errorf("namespace cannot be empty")
	}

	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Redis{
		rdb:       rdb,
		namespace: namespace,
	}, nil
}

// Put stores value under key, overwriting any previous value.
func (r *Redis) Put(ctx context.Context, key string, value []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if err := r.rdb.Set(ctx, r.redisKey(key), value, 0).Err(); err != nil {
		return fmt.Errorf("failed to write %s to redis: %w", key, err)
	}
	return nil
}

// Get returns the value stored under key, or ErrNotFound.
func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}

	data, err := r.rdb.Get(ctx, r.redisKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("failed to read %s from redis: %w", key, err)
	}
	return data, nil
}

// List returns all keys with the given prefix, sorted.
//
// Uses SCAN rather than KEYS so large stores don't block Redis. validateKey
// keeps the key character set free of glob metacharacters, so the prefix is
// safe to embed in a MATCH pattern.
func (r *Redis) List(ctx context.Context, prefix string) ([]string, error) {
	keys := []string{}

	iter := r.rdb.Scan(ctx, 0, r.redisKey(prefix)+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), r.namespace+":"))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan prefix %q: %w", prefix, err)
	}

	sort.Strings(keys)
	return keys, nil
}

// Delete removes key, returning ErrNotFound if absent.
func (r *Redis) Delete(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}

	n, err := r.rdb.Del(ctx, r.redisKey(key)).Result()
	if err != nil {
		return fmt.Errorf("failed to delete %s from redis: %w", key, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return nil
}

// Close closes the Redis connection.
func (r *Redis) Close() error {
	return r.rdb.Close()
}

func (r *Redis) redisKey(key string) string {
	return r.namespace + ":" + key
}
