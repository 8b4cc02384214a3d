// store.go provides an in-memory implementation of PersistentStore.
//
// It is used by tests and by the `memory` store backend for local development.
// All operations are thread-safe. Data is lost on process restart.
package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/archon-research/stl/stl-history/internal/pkg/apperr"
	"github.com/archon-research/stl/stl-history/internal/ports/outbound"
)

// Compile-time checks
var (
	_ outbound.PersistentStore = (*Store)(nil)
	_ outbound.KVStore         = (*namespace)(nil)
)

var errClosed = errors.New("store is closed")

// Store is an in-memory PersistentStore.
type Store struct {
	mu      sync.RWMutex
	entries map[string][]byte
	closed  bool

	// GetHook, when set, is consulted before every Get. A non-nil return is
	// handed back to the caller instead of reading the map. Test use only.
	GetHook func(key string) error
}

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{entries: make(map[string][]byte)}
}

// Namespace returns a view of the store whose keys are prefixed with name.
func (s *Store) Namespace(name string) outbound.KVStore {
	return &namespace{store: s, prefix: name + "/"}
}

// Ping always succeeds until the store is closed.
func (s *Store) Ping(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return apperr.Store("ping", "", errClosed)
	}
	return nil
}

// Close marks the store as closed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Keys returns every stored key, namespace prefix included (for testing).
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	return keys
}

// Len returns the number of stored entries (for testing).
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Set writes raw bytes under a fully qualified key, bypassing the
// never-overwrite rule. It stands in for an external actor editing the store.
func (s *Store) Set(key string, value []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = append([]byte(nil), value...)
}

func (s *Store) get(key string) ([]byte, error) {
	if s.GetHook != nil {
		if err := s.GetHook(key); err != nil {
			return nil, err
		}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, apperr.Store("get", key, errClosed)
	}
	v, ok := s.entries[key]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (s *Store) put(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return apperr.Store("put", key, errClosed)
	}
	if _, exists := s.entries[key]; exists {
		return nil
	}
	s.entries[key] = append([]byte(nil), value...)
	return nil
}

type namespace struct {
	store  *Store
	prefix string
}

func (n *namespace) Get(_ context.Context, key string) ([]byte, error) {
	return n.store.get(n.prefix + key)
}

func (n *namespace) Put(_ context.Context, key string, value []byte) error {
	return n.store.put(n.prefix+key, value)
}
