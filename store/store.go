// Package store defines the persistent key-value surface shared by the cache,
// metadata tracker, and request queue. Any backend with atomic per-key put and
// delete satisfies the contract: the in-memory map for tests, BadgerDB for
// embedded persistence, or Valkey for a shared remote store.
package store

import (
	"context"
	"strings"
)

// Store is the key-value contract every backend implements. Values are opaque
// byte slices; callers own serialization. Implementations must be safe for
// concurrent use and must apply each Put and Delete atomically per key.
type Store interface {
	// Get returns the value for key and whether it was present.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Put stores value under key, replacing any previous value.
	Put(ctx context.Context, key string, value []byte) error
	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
	// Keys lists every key currently stored.
	Keys(ctx context.Context) ([]string, error)
	// Clear removes every key.
	Clear(ctx context.Context) error
	// Close releases backend resources.
	Close(ctx context.Context) error
}

type namespaced struct {
	inner  Store
	prefix string
}

// Namespaced wraps a store so all keys live under the given namespace. The
// cache values, cache metadata, and request queue each get their own namespace
// over one physical store; Clear and Keys only see the wrapped namespace.
// Close is a no-op because the underlying store is shared; the owner of the
// physical store closes it.
func Namespaced(s Store, namespace string) Store {
	return &namespaced{inner: s, prefix: namespace + ":"}
}

func (n *namespaced) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return n.inner.Get(ctx, n.prefix+key)
}

func (n *namespaced) Put(ctx context.Context, key string, value []byte) error {
	return n.inner.Put(ctx, n.prefix+key, value)
}

func (n *namespaced) Delete(ctx context.Context, key string) error {
	return n.inner.Delete(ctx, n.prefix+key)
}

func (n *namespaced) Keys(ctx context.Context) ([]string, error) {
	all, err := n.inner.Keys(ctx)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(all))
	for _, k := range all {
		if strings.HasPrefix(k, n.prefix) {
			keys = append(keys, strings.TrimPrefix(k, n.prefix))
		}
	}
	return keys, nil
}

func (n *namespaced) Clear(ctx context.Context) error {
	all, err := n.inner.Keys(ctx)
	if err != nil {
		return err
	}
	for _, k := range all {
		if !strings.HasPrefix(k, n.prefix) {
			continue
		}
		if err := n.inner.Delete(ctx, k); err != nil {
			return err
		}
	}
	return nil
}

func (n *namespaced) Close(context.Context) error {
	return nil
}
