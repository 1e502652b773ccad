package config

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// DefaultStaleness is how long a resolved snapshot is reused without
// re-reading the store.
const DefaultStaleness = 30 * time.Second

// ErrInvalidPatch is returned by UpdateConfig for unknown keys or badly typed values.
var ErrInvalidPatch = errors.New("invalid config patch")

// Store is the key-value collaborator the resolver reads from and writes to.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Put(ctx context.Context, key, value string, ttl time.Duration) error
}

// Source describes where the current snapshot came from.
type Source string

const (
	SourceStore    Source = "kv"
	SourceDefaults Source = "defaults"
)

type snapshot struct {
	cfg        *ProxyConfig
	resolvedAt time.Time
	source     Source
}

// Resolver loads, parses and memoizes a ProxyConfig snapshot from a Store.
// Readers never block on each other; concurrent refreshes are collapsed
// into a single store round trip.
type Resolver struct {
	store     Store
	staleness time.Duration
	now       func() time.Time

	current atomic.Pointer[snapshot]
	refresh singleflight.Group
	// generation is bumped by Invalidate; a reload that overlaps a bump
	// does not leave a fresh snapshot behind.
	generation atomic.Uint64

	// OnRefresh, if set, is called after every refresh attempt with
	// "ok" or "error".
	OnRefresh func(result string)
}

// NewResolver creates a resolver. staleness <= 0 uses DefaultStaleness.
func NewResolver(store Store, staleness time.Duration) *Resolver {
	if staleness <= 0 {
		staleness = DefaultStaleness
	}
	return &Resolver{
		store:     store,
		staleness: staleness,
		now:       time.Now,
	}
}

// GetConfig returns the current configuration. It never fails: when the
// store cannot be read the previous snapshot is returned, or the defaults
// if nothing has been resolved yet.
func (r *Resolver) GetConfig(ctx context.Context) *ProxyConfig {
	if snap := r.current.Load(); snap != nil && r.now().Sub(snap.resolvedAt) < r.staleness {
		return snap.cfg
	}

	v, _, _ := r.refresh.Do("config", func() (any, error) {
		// Another caller may have refreshed while we waited.
		if snap := r.current.Load(); snap != nil && r.now().Sub(snap.resolvedAt) < r.staleness {
			return snap.cfg, nil
		}
		return r.reload(ctx), nil
	})
	return v.(*ProxyConfig)
}

func (r *Resolver) reload(ctx context.Context) *ProxyConfig {
	startedAt := r.now()
	gen := r.generation.Load()
	cfg, err := r.load(ctx)
	if err != nil {
		log.Printf("[config] load from store failed, using previous snapshot: %v", err)
		r.notify("error")
		if snap := r.current.Load(); snap != nil {
			return snap.cfg
		}
		return NewDefaultProxyConfig()
	}
	snap := &snapshot{cfg: cfg, resolvedAt: startedAt, source: SourceStore}
	r.current.Store(snap)
	if r.generation.Load() != gen {
		// Invalidated while loading: keep the values only as a fallback.
		r.current.CompareAndSwap(snap, &snapshot{cfg: cfg, source: SourceStore})
	}
	r.notify("ok")
	return cfg
}

// load reads every key in parallel and merges present values over the
// defaults. A value that fails to parse keeps its default.
func (r *Resolver) load(ctx context.Context) (*ProxyConfig, error) {
	type slot struct {
		raw string
		ok  bool
	}
	slots := make([]slot, len(keyTable))

	g, gctx := errgroup.WithContext(ctx)
	for i := range keyTable {
		g.Go(func() error {
			raw, ok, err := r.store.Get(gctx, keyTable[i].name)
			if err != nil {
				return fmt.Errorf("get %s: %w", keyTable[i].name, err)
			}
			slots[i] = slot{raw: raw, ok: ok}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	cfg := NewDefaultProxyConfig()
	for i, s := range slots {
		if !s.ok {
			continue
		}
		if err := applyRaw(cfg, keyTable[i].name, s.raw); err != nil {
			log.Printf("[config] ignoring stored value: %v", err)
		}
	}
	return cfg, nil
}

// UpdateConfig validates and writes the keys present in patch, then
// invalidates the cached snapshot so the next GetConfig reloads.
// Unknown keys and values of the wrong type reject the whole patch.
func (r *Resolver) UpdateConfig(ctx context.Context, patch map[string]any) error {
	encoded := make(map[string]string, len(patch))
	for _, key := range sortedKeys(patch) {
		if !IsKnownKey(key) {
			return fmt.Errorf("%w: unknown key %q", ErrInvalidPatch, key)
		}
		raw, err := EncodeValue(patch[key])
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidPatch, key, err)
		}
		if _, err := ParseValue(key, raw); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidPatch, err)
		}
		if KindOf(key) == KindBool && !strings.EqualFold(raw, "true") && !strings.EqualFold(raw, "false") {
			return fmt.Errorf("%w: %s: invalid boolean %q", ErrInvalidPatch, key, raw)
		}
		encoded[key] = raw
	}

	defer r.Invalidate()
	for _, key := range sortedKeys(encoded) {
		if err := r.store.Put(ctx, key, encoded[key], 0); err != nil {
			return fmt.Errorf("put %s: %w", key, err)
		}
	}
	if token, ok := encoded["admin_token"]; ok && IsWeakToken(token) {
		log.Printf("[config] WARNING: admin_token is weak; use a long random value")
	}
	return nil
}

// Invalidate marks the cached snapshot stale. The snapshot itself is kept
// as the fallback for a failing reload.
func (r *Resolver) Invalidate() {
	r.generation.Add(1)
	for {
		snap := r.current.Load()
		if snap == nil {
			return
		}
		stale := &snapshot{cfg: snap.cfg, source: snap.source}
		if r.current.CompareAndSwap(snap, stale) {
			return
		}
	}
}

// Cached reports the snapshot currently held, without refreshing.
// fresh is true when it is still inside the staleness window.
func (r *Resolver) Cached() (cfg *ProxyConfig, source Source, fresh bool) {
	snap := r.current.Load()
	if snap == nil {
		return NewDefaultProxyConfig(), SourceDefaults, false
	}
	return snap.cfg, snap.source, r.now().Sub(snap.resolvedAt) < r.staleness
}

func (r *Resolver) notify(result string) {
	if r.OnRefresh != nil {
		r.OnRefresh(result)
	}
}
