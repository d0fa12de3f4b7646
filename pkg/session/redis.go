package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
)

// RedisConfig configures a RedisStore. Populate it directly or load it
// from the environment via NewRedisStoreFromEnv.
type RedisConfig struct {
	// Addr is the Redis host:port. ENV: DELTAVIEW_REDIS_ADDR
	Addr string `env:"DELTAVIEW_REDIS_ADDR,default=localhost:6379"`

	// Password authenticates the connection when set. ENV: DELTAVIEW_REDIS_PASSWORD
	Password string `env:"DELTAVIEW_REDIS_PASSWORD,default="`

	// DB selects the Redis database. ENV: DELTAVIEW_REDIS_DB
	DB int `env:"DELTAVIEW_REDIS_DB,default=0"`

	// KeyPrefix namespaces this server's entries. ENV: DELTAVIEW_REDIS_PREFIX
	KeyPrefix string `env:"DELTAVIEW_REDIS_PREFIX,default=deltaview:session:"`
}

// RedisStore parks session state in Redis, with expiry delegated to
// key TTLs. Suitable when a reconnect may land on another process.
type RedisStore struct {
	client *redis.Client
	prefix string
	closed bool
}

// NewRedisStore connects to Redis and verifies the connection with a
// ping.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("session: redis ping: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "deltaview:session:"
	}
	return &RedisStore{client: client, prefix: prefix}, nil
}

// NewRedisStoreFromEnv builds a RedisStore from DELTAVIEW_REDIS_*
// environment variables.
func NewRedisStoreFromEnv(ctx context.Context) (*RedisStore, error) {
	var cfg RedisConfig
	if err := envdecode.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("session: redis config: %w", err)
	}
	return NewRedisStore(ctx, cfg)
}

func (r *RedisStore) key(id string) string {
	return r.prefix + id
}

// Save parks state under id with a TTL reaching expiresAt. State that
// would expire immediately is deleted instead.
func (r *RedisStore) Save(ctx context.Context, id string, state []byte, expiresAt time.Time) error {
	if r.closed {
		return ErrClosed
	}

	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return r.Delete(ctx, id)
	}
	return r.client.Set(ctx, r.key(id), state, ttl).Err()
}

// Load retrieves parked state, or (nil, nil) when the key is gone.
func (r *RedisStore) Load(ctx context.Context, id string) ([]byte, error) {
	if r.closed {
		return nil, ErrClosed
	}

	state, err := r.client.Get(ctx, r.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return state, nil
}

// Delete removes an entry.
func (r *RedisStore) Delete(ctx context.Context, id string) error {
	if r.closed {
		return ErrClosed
	}
	return r.client.Del(ctx, r.key(id)).Err()
}

// Touch extends an entry's TTL without rewriting its state.
func (r *RedisStore) Touch(ctx context.Context, id string, expiresAt time.Time) error {
	if r.closed {
		return ErrClosed
	}

	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return r.Delete(ctx, id)
	}
	return r.client.Expire(ctx, r.key(id), ttl).Err()
}

// Close closes the underlying Redis client.
func (r *RedisStore) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	return r.client.Close()
}
