package creds

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/redis/go-redis/v9"
)

const (
	redisCredsPrefix = "creds:"
	redisCredsIndex  = "creds:index"
)

// RedisStore is a Redis-based implementation of the Store interface
type RedisStore struct {
	client *redis.Client
	mu     sync.RWMutex
	closed bool
	ttl    time.Duration // Optional TTL for keys
}

// RedisStoreConfig configures the Redis store
type RedisStoreConfig struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration // Optional: TTL for credential keys (0 = no TTL)
	Options  *redis.Options
}

// NewRedisStore creates a new Redis-based credential store
func NewRedisStore(config RedisStoreConfig) (*RedisStore, error) {
	var client *redis.Client

	if config.Options != nil {
		client = redis.NewClient(config.Options)
	} else {
		client = redis.NewClient(&redis.Options{
			Addr:     config.Addr,
			Password: config.Password,
			DB:       config.DB,
		})
	}

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisStore{
		client: client,
		ttl:    config.TTL,
	}, nil
}

// makeRedisKey creates a Redis key for a tenant ID
func makeRedisKey(tenantID string) string {
	return redisCredsPrefix + tenantID
}

// Exists checks whether material is stored for the tenant
func (r *RedisStore) Exists(ctx context.Context, tenantID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return false, ErrStoreClosed
	}
	r.mu.RUnlock()

	n, err := r.client.Exists(ctx, makeRedisKey(tenantID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check credentials: %w", err)
	}
	return n > 0, nil
}

// Load retrieves the tenant's material, empty if absent
func (r *RedisStore) Load(ctx context.Context, tenantID string) (Material, error) {
	if err := ctx.Err(); err != nil {
		return Material{}, err
	}

	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return Material{}, ErrStoreClosed
	}
	r.mu.RUnlock()

	value, err := r.client.Get(ctx, makeRedisKey(tenantID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Material{}, nil
		}
		return Material{}, fmt.Errorf("failed to load credentials: %w", err)
	}

	var rec materialRecord
	if err := cbor.Unmarshal(value, &rec); err != nil {
		return Material{}, err
	}

	return recordToMaterial(rec), nil
}

// Persist stores or replaces the tenant's material
func (r *RedisStore) Persist(ctx context.Context, tenantID string, material Material) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return ErrStoreClosed
	}
	r.mu.RUnlock()

	if material.UpdatedAt.IsZero() {
		material.UpdatedAt = time.Now()
	}

	value, err := cbor.Marshal(materialToRecord(material))
	if err != nil {
		return fmt.Errorf("failed to marshal credentials: %w", err)
	}

	pipe := r.client.Pipeline()
	pipe.Set(ctx, makeRedisKey(tenantID), value, r.ttl)
	pipe.SAdd(ctx, redisCredsIndex, tenantID)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to persist credentials: %w", err)
	}

	return nil
}

// Erase removes the tenant's material
func (r *RedisStore) Erase(ctx context.Context, tenantID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return ErrStoreClosed
	}
	r.mu.RUnlock()

	pipe := r.client.Pipeline()
	pipe.Del(ctx, makeRedisKey(tenantID))
	pipe.SRem(ctx, redisCredsIndex, tenantID)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to erase credentials: %w", err)
	}

	return nil
}

// Close closes the store
func (r *RedisStore) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrStoreClosed
	}

	r.closed = true
	return r.client.Close()
}
