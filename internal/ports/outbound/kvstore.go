// Package outbound defines the outbound port interfaces.
package outbound

import "context"

// KVStore is a flat string-keyed map of serialized values.
//
// Get returns apperr.ErrNotFound when the key has never been written. Put never
// overwrites: writing a key that already exists is a no-op, so an entry, once
// stored, is immutable for the lifetime of the store.
type KVStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
}

// PersistentStore is a store backend partitioned into disjoint namespaces.
// Each ComputeCache owns one namespace.
type PersistentStore interface {
	// Namespace returns a view of the store whose keys never collide with
	// those of any other namespace.
	Namespace(name string) KVStore

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases the backend.
	Close() error
}
