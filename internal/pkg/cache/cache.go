// Package cache provides a generic read-through cache over a KVStore.
//
// A Cache is built from a key function and a compute function. Get derives the
// key, returns the stored value on a hit and calls the compute function on a
// miss. Concurrent Gets for one key share a single in-flight lookup, which is
// cancelled once every caller waiting on it has gone. Failed computes are
// never stored, so the next Get retries them.
package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/archon-research/stl/stl-history/internal/pkg/apperr"
	"github.com/archon-research/stl/stl-history/internal/ports/outbound"
)

// FormatVersion is the version written into every stored envelope. Entries
// carrying any other version are rejected as malformed.
const FormatVersion = 1

// KeyFunc derives a cache key from an input. It must be pure: inputs that
// denote the same fact must map to the same key.
type KeyFunc[In any] func(In) string

// ComputeFunc produces the value for an input on a cache miss.
type ComputeFunc[In, Out any] func(ctx context.Context, in In) (Out, error)

// Config holds per-cache settings.
type Config struct {
	// Namespace names the cache in logs and metrics.
	Namespace string

	// WriteThrough persists computed values. When false the cache is
	// read-through only: hits are served from the store but misses are
	// recomputed on every call.
	WriteThrough bool

	Logger  *slog.Logger
	Metrics outbound.HistoryMetrics
}

// Cache memoizes a compute function in a KVStore.
type Cache[In, Out any] struct {
	store   outbound.KVStore
	keyFn   KeyFunc[In]
	compute ComputeFunc[In, Out]

	namespace    string
	writeThrough bool
	group        singleflight.Group
	logger       *slog.Logger
	metrics      outbound.HistoryMetrics

	mu      sync.Mutex
	flights map[string]*flight
}

// flight is the shared lookup for one key and the callers waiting on it.
type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

// New creates a Cache.
func New[In, Out any](store outbound.KVStore, keyFn KeyFunc[In], compute ComputeFunc[In, Out], cfg Config) (*Cache[In, Out], error) {
	if store == nil {
		return nil, errors.New("store cannot be nil")
	}
	if keyFn == nil {
		return nil, errors.New("keyFn cannot be nil")
	}
	if compute == nil {
		return nil, errors.New("compute cannot be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = outbound.NopHistoryMetrics{}
	}

	return &Cache[In, Out]{
		store:        store,
		keyFn:        keyFn,
		compute:      compute,
		namespace:    cfg.Namespace,
		writeThrough: cfg.WriteThrough,
		logger:       cfg.Logger.With("component", "cache", "namespace", cfg.Namespace),
		metrics:      cfg.Metrics,
		flights:      make(map[string]*flight),
	}, nil
}

// WriteThrough reports whether computed values are persisted.
func (c *Cache[In, Out]) WriteThrough() bool {
	return c.writeThrough
}

// Get returns the cached value for in, computing it on a miss.
//
// The shared lookup runs detached from any single caller's cancellation so
// that one caller giving up does not fail the others waiting on the same key.
// Each caller still returns as soon as its own ctx is done, and the lookup is
// cancelled when the last of them leaves.
func (c *Cache[In, Out]) Get(ctx context.Context, in In) (Out, error) {
	var zero Out
	if err := ctx.Err(); err != nil {
		return zero, err
	}

	key := c.keyFn(in)
	ch := c.join(ctx, key, in)
	defer c.leave(key)

	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		out, _ := res.Val.(Out)
		return out, nil
	}
}

// join registers the caller on the flight for key, starting one if needed.
func (c *Cache[In, Out]) join(ctx context.Context, key string, in In) <-chan singleflight.Result {
	c.mu.Lock()
	defer c.mu.Unlock()

	f, ok := c.flights[key]
	if !ok {
		fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		f = &flight{ctx: fctx, cancel: cancel}
		c.flights[key] = f
	}
	f.waiters++

	return c.group.DoChan(key, func() (any, error) {
		return c.loadRecovered(f.ctx, key, in)
	})
}

// leave deregisters the caller. The last caller out cancels the flight and
// makes the next Get start a fresh one.
func (c *Cache[In, Out]) leave(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	f := c.flights[key]
	f.waiters--
	if f.waiters > 0 {
		return
	}
	f.cancel()
	c.group.Forget(key)
	delete(c.flights, key)
}

// loadRecovered turns a panic in the lookup into an error. singleflight
// re-raises panics from DoChan on a fresh goroutine, where nothing can
// recover them.
func (c *Cache[In, Out]) loadRecovered(ctx context.Context, key string, in In) (out Out, err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("cache lookup panicked", "key", key, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("%s lookup for %q panicked: %v", c.namespace, key, r)
		}
	}()
	return c.load(ctx, key, in)
}

func (c *Cache[In, Out]) load(ctx context.Context, key string, in In) (Out, error) {
	var zero Out

	raw, err := c.store.Get(ctx, key)
	switch {
	case err == nil:
		out, err := decode[Out](raw)
		if err != nil {
			c.metrics.RecordCacheLookup(ctx, c.namespace, outbound.CacheError)
			return zero, apperr.Malformed(fmt.Sprintf("%s entry %q", c.namespace, key), err)
		}
		c.metrics.RecordCacheLookup(ctx, c.namespace, outbound.CacheHit)
		c.logger.Debug("cache hit", "key", key)
		return out, nil

	case !errors.Is(err, apperr.ErrNotFound):
		c.metrics.RecordCacheLookup(ctx, c.namespace, outbound.CacheError)
		var se *apperr.StoreError
		if errors.As(err, &se) {
			return zero, err
		}
		return zero, apperr.Store("get", key, err)
	}

	c.metrics.RecordCacheLookup(ctx, c.namespace, outbound.CacheMiss)
	c.logger.Debug("cache miss", "key", key)

	out, err := c.compute(ctx, in)
	if err != nil {
		return zero, err
	}

	if c.writeThrough {
		blob, err := encode(out)
		if err != nil {
			return zero, apperr.Malformed(fmt.Sprintf("%s value for %q", c.namespace, key), err)
		}
		if err := c.store.Put(ctx, key, blob); err != nil {
			var se *apperr.StoreError
			if errors.As(err, &se) {
				return zero, err
			}
			return zero, apperr.Store("put", key, err)
		}
	}

	return out, nil
}

// envelope is the on-disk format of a cache entry.
type envelope struct {
	V    int             `json:"v"`
	Data json.RawMessage `json:"data"`
}

var jsonNull = []byte("null")

func encode[T any](v T) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if bytes.Equal(data, jsonNull) {
		return nil, errors.New("refusing to store a null payload")
	}
	return json.Marshal(envelope{V: FormatVersion, Data: data})
}

func decode[T any](raw []byte) (T, error) {
	var out T
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return out, err
	}
	if env.V != FormatVersion {
		return out, fmt.Errorf("unsupported format version %d", env.V)
	}
	if len(env.Data) == 0 {
		return out, errors.New("empty payload")
	}
	// null would decode to the zero value, e.g. a nil pointer.
	if bytes.Equal(bytes.TrimSpace(env.Data), jsonNull) {
		return out, errors.New("null payload")
	}
	if err := json.Unmarshal(env.Data, &out); err != nil {
		return out, err
	}
	return out, nil
}
