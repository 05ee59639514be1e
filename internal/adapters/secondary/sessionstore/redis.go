package sessionstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sufield/cosign/internal/core/domain"
	"github.com/sufield/cosign/internal/core/ports"
)

// DefaultKeyPrefix namespaces session keys.
const DefaultKeyPrefix = "cosign:session:"

// RedisOptions configure a Redis store.
type RedisOptions struct {
	Addr      string
	KeyPrefix string
	// TTL bounds how long an untouched session survives. Zero keeps it
	// until deleted.
	TTL time.Duration
}

// Redis stores identities as JSON strings, so several application
// instances can share sessions.
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

var _ ports.IdentityStore = (*Redis)(nil)

// NewRedis connects to opts.Addr.
func NewRedis(opts RedisOptions) *Redis {
	return NewRedisWithClient(redis.NewClient(&redis.Options{Addr: opts.Addr}), opts)
}

// NewRedisWithClient uses an existing client.
func NewRedisWithClient(client *redis.Client, opts RedisOptions) *Redis {
	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &Redis{client: client, prefix: prefix, ttl: opts.TTL}
}

// Ping checks connectivity.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Load implements ports.IdentityStore.
func (r *Redis) Load(ctx context.Context, key string) (*domain.Identity, error) {
	data, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	var id domain.Identity
	if err := json.Unmarshal(data, &id); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &id, nil
}

// Save implements ports.IdentityStore.
func (r *Redis) Save(ctx context.Context, key string, identity *domain.Identity) error {
	data, err := json.Marshal(identity)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	if err := r.client.Set(ctx, r.prefix+key, data, r.ttl).Err(); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// Delete implements ports.IdentityStore.
func (r *Redis) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.prefix+key).Err(); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// Close releases the client.
func (r *Redis) Close() error {
	return r.client.Close()
}
