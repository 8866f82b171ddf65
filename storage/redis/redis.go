// Package redis provides a Redis-backed implementation of the shared storage
// contracts. A single client serves both the rate counter and the revocation
// set; all operations are single round trips so that caller-side timeouts
// bound the worst case.
package redis

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/perimeterlabs/secplane/storage"
)

const (
	// DefaultKeyPrefix namespaces all secplane keys in a shared Redis.
	DefaultKeyPrefix = "secplane:"

	counterKeyPrefix    = "rl:"
	revocationKeyPrefix = "rvk:"

	// connectVerifyTimeout bounds the initial PING issued by New.
	connectVerifyTimeout = 5 * time.Second
)

// Options configures the Redis store.
type Options struct {
	// Addr is the host:port of the Redis server (required).
	Addr string

	// Password is the optional AUTH password.
	Password string

	// DB selects the logical database.
	DB int

	// KeyPrefix namespaces all keys. Defaults to DefaultKeyPrefix.
	KeyPrefix string

	// Logger for structured logging. Defaults to slog.Default().
	Logger *slog.Logger
}

// Store implements storage.Counters and storage.Revocations on Redis.
type Store struct {
	client *redis.Client
	prefix string
	logger *slog.Logger
}

var (
	_ storage.Counters    = (*Store)(nil)
	_ storage.Revocations = (*Store)(nil)
)

// New creates a Redis store and verifies connectivity with a bounded PING.
func New(opts Options) (*Store, error) {
	if opts.Addr == "" {
		return nil, fmt.Errorf("redis: Addr is required")
	}
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = DefaultKeyPrefix
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), connectVerifyTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis: connection verification failed: %w", err)
	}

	opts.Logger.Info("Connected to shared Redis store", "addr", opts.Addr, "db", opts.DB)

	return &Store{
		client: client,
		prefix: opts.KeyPrefix,
		logger: opts.Logger,
	}, nil
}

// NewFromClient wraps an existing Redis client, for callers that manage
// connection pooling themselves.
func NewFromClient(client *redis.Client, keyPrefix string, logger *slog.Logger) *Store {
	if keyPrefix == "" {
		keyPrefix = DefaultKeyPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{client: client, prefix: keyPrefix, logger: logger}
}

// Increment atomically increments a rate counter key.
func (s *Store) Increment(ctx context.Context, key string) (int64, error) {
	n, err := s.client.Incr(ctx, s.prefix+counterKeyPrefix+key).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", storage.ErrUnavailable, err)
	}
	return n, nil
}

// Expire sets the TTL on a rate counter key.
func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := s.client.Expire(ctx, s.prefix+counterKeyPrefix+key, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", storage.ErrUnavailable, err)
	}
	return nil
}

// Add inserts a revoked token identifier with a TTL matching the token's
// remaining natural lifetime.
func (s *Store) Add(ctx context.Context, tokenID string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	if err := s.client.Set(ctx, s.prefix+revocationKeyPrefix+tokenID, "1", ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", storage.ErrUnavailable, err)
	}
	return nil
}

// Contains reports whether a token identifier is in the revocation set.
func (s *Store) Contains(ctx context.Context, tokenID string) (bool, error) {
	n, err := s.client.Exists(ctx, s.prefix+revocationKeyPrefix+tokenID).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", storage.ErrUnavailable, err)
	}
	return n > 0, nil
}

// Close releases the underlying Redis client.
func (s *Store) Close() error {
	return s.client.Close()
}
