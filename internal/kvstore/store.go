// Package kvstore implements the durable key-value store that backs runtime
// configuration and analytics data. Values are opaque strings with an
// optional expiry; expired entries are invisible to readers and removed by
// the janitor.
package kvstore

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("kvstore: store closed")

// Store is a namespaced string key-value store with per-entry TTL.
type Store interface {
	// Get returns the value for key. ok is false when the key is absent or expired.
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	// Put writes value under key. ttl <= 0 means no expiry.
	Put(ctx context.Context, key, value string, ttl time.Duration) error
	// List returns live keys starting with prefix, sorted ascending.
	List(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, key string) error
	// PurgeExpired removes expired entries and returns how many were removed.
	PurgeExpired(ctx context.Context) (int64, error)
	Close() error
}

// Namespace scopes a Store under "<name>:" so several subsystems can share
// one database without key collisions. Close and PurgeExpired are delegated
// to the underlying store unchanged.
func Namespace(s Store, name string) Store {
	return &namespaced{inner: s, prefix: name + ":"}
}

type namespaced struct {
	inner  Store
	prefix string
}

func (n *namespaced) Get(ctx context.Context, key string) (string, bool, error) {
	return n.inner.Get(ctx, n.prefix+key)
}

func (n *namespaced) Put(ctx context.Context, key, value string, ttl time.Duration) error {
	return n.inner.Put(ctx, n.prefix+key, value, ttl)
}

func (n *namespaced) List(ctx context.Context, prefix string) ([]string, error) {
	keys, err := n.inner.List(ctx, n.prefix+prefix)
	if err != nil {
		return nil, err
	}
	for i, k := range keys {
		keys[i] = strings.TrimPrefix(k, n.prefix)
	}
	return keys, nil
}

func (n *namespaced) Delete(ctx context.Context, key string) error {
	return n.inner.Delete(ctx, n.prefix+key)
}

func (n *namespaced) PurgeExpired(ctx context.Context) (int64, error) {
	return n.inner.PurgeExpired(ctx)
}

func (n *namespaced) Close() error { return n.inner.Close() }

func expiryNs(now time.Time, ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return now.Add(ttl).UnixNano()
}
