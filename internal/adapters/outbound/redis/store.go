// Package redis provides a Redis implementation of the PersistentStore port.
//
// Entries never expire. Keys use the format prefix:namespace/key and are
// written with SETNX so the first value stored for a key is kept.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/archon-research/stl/stl-history/internal/pkg/apperr"
	"github.com/archon-research/stl/stl-history/internal/ports/outbound"
)

// Compile-time checks
var (
	_ outbound.PersistentStore = (*Store)(nil)
	_ outbound.KVStore         = (*namespace)(nil)
)

// Config holds Redis store configuration.
type Config struct {
	// Addr is the Redis server address (e.g., "localhost:6379")
	Addr string
	// Password for Redis authentication (empty for no auth)
	Password string
	// DB is the Redis database number (0-15)
	DB int
	// KeyPrefix is prepended to all keys
	KeyPrefix string
}

// ConfigDefaults returns sensible defaults for the Redis store.
func ConfigDefaults() Config {
	return Config{
		Addr:      "localhost:6379",
		Password:  "",
		DB:        0,
		KeyPrefix: "stl-history",
	}
}

// Store is a Redis implementation of outbound.PersistentStore.
type Store struct {
	client    *redis.Client
	keyPrefix string
	logger    *slog.Logger
}

// NewStore creates a new Redis store. The connection is established lazily.
func NewStore(cfg Config, logger *slog.Logger) (*Store, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = ConfigDefaults().KeyPrefix
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if logger == nil {
		logger = slog.Default()
	}

	return &Store{
		client:    client,
		keyPrefix: cfg.KeyPrefix,
		logger:    logger.With("component", "redis-store"),
	}, nil
}

// Namespace returns a view of the store scoped to name.
func (s *Store) Namespace(name string) outbound.KVStore {
	return &namespace{store: s, name: name}
}

// Ping checks the Redis connection.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return apperr.Store("ping", "", err)
	}
	return nil
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// key generates a key in the format prefix:namespace/key
func (s *Store) key(ns, key string) string {
	return fmt.Sprintf("%s:%s/%s", s.keyPrefix, ns, key)
}

type namespace struct {
	store *Store
	name  string
}

func (n *namespace) Get(ctx context.Context, key string) ([]byte, error) {
	k := n.store.key(n.name, key)
	data, err := n.store.client.Get(ctx, k).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, apperr.Store("get", k, err)
	}
	return data, nil
}

func (n *namespace) Put(ctx context.Context, key string, value []byte) error {
	k := n.store.key(n.name, key)
	created, err := n.store.client.SetNX(ctx, k, value, 0).Result()
	if err != nil {
		return apperr.Store("put", k, err)
	}
	if !created {
		n.store.logger.Debug("key already present, skipping write", "key", k)
	}
	return nil
}
