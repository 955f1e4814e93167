package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// Cached is a typed stale-tolerant read.
type Cached[V any] struct {
	Value V
	Fresh bool
	Age   time.Duration
}

// Namespace gives typed, prefixed access to a Store. Values are JSON encoded
// so every backing can persist them.
type Namespace[V any] struct {
	store  *Store
	prefix string
}

// NewNamespace binds a key prefix (for example "content:") to a value type.
func NewNamespace[V any](store *Store, prefix string) *Namespace[V] {
	return &Namespace[V]{store: store, prefix: prefix}
}

// Key returns the full store key for id.
func (n *Namespace[V]) Key(id string) string { return n.prefix + id }

// Prefix returns the namespace prefix.
func (n *Namespace[V]) Prefix() string { return n.prefix }

// Get returns a fresh value.
func (n *Namespace[V]) Get(ctx context.Context, id string) (V, bool) {
	cached, ok := n.GetStale(ctx, id)
	if !ok || !cached.Fresh {
		var zero V
		return zero, false
	}
	return cached.Value, true
}

// GetStale returns a fresh or stale value. Entries that no longer decode are
// dropped and reported as a miss. Numbers held in untyped fields decode as
// json.Number so integers survive the round trip.
func (n *Namespace[V]) GetStale(ctx context.Context, id string) (Cached[V], bool) {
	key := n.Key(id)
	lookup, ok := n.store.GetStale(ctx, key)
	if !ok {
		return Cached[V]{}, false
	}
	var value V
	decoder := json.NewDecoder(bytes.NewReader(lookup.Value))
	decoder.UseNumber()
	if err := decoder.Decode(&value); err != nil {
		n.store.logger.Warn("cache entry decode failed", slog.String("key", key), slog.Any("error", err))
		n.store.Invalidate(ctx, key)
		return Cached[V]{}, false
	}
	return Cached[V]{Value: value, Fresh: lookup.Fresh, Age: lookup.Age}, true
}

// Set encodes and stores value for ttl.
func (n *Namespace[V]) Set(ctx context.Context, id string, value V, ttl time.Duration) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache: encode %s: %w", n.Key(id), err)
	}
	n.store.Set(ctx, n.Key(id), payload, ttl)
	return nil
}

// Invalidate removes one id.
func (n *Namespace[V]) Invalidate(ctx context.Context, id string) {
	n.store.Invalidate(ctx, n.Key(id))
}

// InvalidateAll removes every id in the namespace.
func (n *Namespace[V]) InvalidateAll(ctx context.Context) {
	n.store.InvalidatePrefix(ctx, n.prefix)
}
