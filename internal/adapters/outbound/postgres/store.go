package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/archon-research/stl/stl-history/internal/pkg/apperr"
	"github.com/archon-research/stl/stl-history/internal/ports/outbound"
)

// Compile-time checks
var (
	_ outbound.PersistentStore = (*Store)(nil)
	_ outbound.KVStore         = (*namespace)(nil)
)

const (
	selectEntrySQL = `SELECT value FROM cache_entries WHERE namespace = $1 AND key = $2`
	insertEntrySQL = `INSERT INTO cache_entries (namespace, key, value) VALUES ($1, $2, $3)
		ON CONFLICT (namespace, key) DO NOTHING`
)

// Store keeps cache entries in the cache_entries table. The schema is
// created by db/migrations.
type Store struct {
	pool     *pgxpool.Pool
	ownsPool bool
	logger   *slog.Logger
}

// NewStore creates a Store over an open pool. The store does not own the pool
// and the caller closes it; see Open for a store that does.
func NewStore(pool *pgxpool.Pool, logger *slog.Logger) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("database pool cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		pool:   pool,
		logger: logger.With("component", "postgres-store"),
	}, nil
}

// Namespace returns a view of the store scoped to name.
func (s *Store) Namespace(name string) outbound.KVStore {
	return &namespace{store: s, name: name}
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return apperr.Store("ping", "", err)
	}
	return nil
}

// Close closes the pool when the store owns it.
func (s *Store) Close() error {
	if s.ownsPool {
		s.pool.Close()
	}
	return nil
}

type namespace struct {
	store *Store
	name  string
}

func (n *namespace) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := n.store.pool.QueryRow(ctx, selectEntrySQL, n.name, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, apperr.Store("get", n.name+"/"+key, err)
	}
	return value, nil
}

func (n *namespace) Put(ctx context.Context, key string, value []byte) error {
	tag, err := n.store.pool.Exec(ctx, insertEntrySQL, n.name, key, value)
	if err != nil {
		return apperr.Store("put", n.name+"/"+key, err)
	}
	if tag.RowsAffected() == 0 {
		n.store.logger.Debug("key already present, skipping write", "namespace", n.name, "key", key)
	}
	return nil
}
