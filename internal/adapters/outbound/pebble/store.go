// Package pebble provides the default embedded on-disk PersistentStore.
//
// Keys are stored as "<namespace>/<key>" in a single Pebble database. Writes
// are synced to disk before Put returns.
package pebble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/cockroachdb/pebble"

	"github.com/archon-research/stl/stl-history/internal/pkg/apperr"
	"github.com/archon-research/stl/stl-history/internal/ports/outbound"
)

// Compile-time checks
var (
	_ outbound.PersistentStore = (*Store)(nil)
	_ outbound.KVStore         = (*namespace)(nil)
)

var errClosed = errors.New("pebble store is closed")

// Config holds Pebble store configuration.
type Config struct {
	// Path is the directory holding the database files.
	Path string

	// Sync fsyncs every write. Disabling it trades durability for speed.
	Sync bool
}

// ConfigDefaults returns the default configuration.
func ConfigDefaults() Config {
	return Config{
		Path: "./db",
		Sync: true,
	}
}

// Store is a Pebble-backed PersistentStore.
type Store struct {
	db        *pebble.DB
	writeOpts *pebble.WriteOptions
	logger    *slog.Logger

	// mu serializes the check-then-set in put so an existing key is never
	// replaced. Pebble has no native put-if-absent. Readers hold it shared
	// for the whole read so Close cannot run underneath them.
	mu     sync.RWMutex
	closed bool
}

// Open opens (or creates) the database at cfg.Path.
func Open(cfg Config, logger *slog.Logger) (*Store, error) {
	defaults := ConfigDefaults()
	if cfg.Path == "" {
		cfg.Path = defaults.Path
	}
	if logger == nil {
		logger = slog.Default()
	}

	db, err := pebble.Open(cfg.Path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("opening pebble at %s: %w", cfg.Path, err)
	}

	writeOpts := pebble.NoSync
	if cfg.Sync {
		writeOpts = pebble.Sync
	}

	logger = logger.With("component", "pebble-store")
	logger.Info("pebble store opened", "path", cfg.Path, "sync", cfg.Sync)

	return &Store{
		db:        db,
		writeOpts: writeOpts,
		logger:    logger,
	}, nil
}

// Namespace returns a view of the store scoped to name.
func (s *Store) Namespace(name string) outbound.KVStore {
	return &namespace{store: s, prefix: name + "/"}
}

// Ping checks that the database is open and readable.
func (s *Store) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := s.get("\x00ping")
	if err != nil && !errors.Is(err, apperr.ErrNotFound) {
		return err
	}
	return nil
}

// Close flushes and closes the database. It is safe to call more than once.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func (s *Store) get(key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, apperr.Store("get", key, errClosed)
	}

	val, closer, err := s.db.Get([]byte(key))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, apperr.ErrNotFound
		}
		return nil, apperr.Store("get", key, err)
	}
	defer closer.Close()

	// val is only valid until closer is closed.
	out := make([]byte, len(val))
	copy(out, val)
	return out, nil
}

func (s *Store) put(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return apperr.Store("put", key, errClosed)
	}

	_, closer, err := s.db.Get([]byte(key))
	switch {
	case err == nil:
		closer.Close()
		s.logger.Debug("key already present, skipping write", "key", key)
		return nil
	case !errors.Is(err, pebble.ErrNotFound):
		return apperr.Store("put", key, err)
	}

	if err := s.db.Set([]byte(key), value, s.writeOpts); err != nil {
		return apperr.Store("put", key, err)
	}
	return nil
}

type namespace struct {
	store  *Store
	prefix string
}

func (n *namespace) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return n.store.get(n.prefix + key)
}

func (n *namespace) Put(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return n.store.put(n.prefix+key, value)
}
