package kvstore

import (
	"context"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
)

type memEntry struct {
	value     string
	expiresNs int64
}

func (e memEntry) live(nowNs int64) bool {
	return e.expiresNs == 0 || e.expiresNs > nowNs
}

// Memory is an in-process Store. It is used by tests and by the
// "memory" store driver; contents are lost on restart.
type Memory struct {
	entries *xsync.Map[string, memEntry]
	now     func() time.Time
	closed  atomic.Bool
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		entries: xsync.NewMap[string, memEntry](),
		now:     time.Now,
	}
}

func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	if m.closed.Load() {
		return "", false, ErrClosed
	}
	e, ok := m.entries.Load(key)
	if !ok || !e.live(m.now().UnixNano()) {
		return "", false, nil
	}
	return e.value, true, nil
}

func (m *Memory) Put(_ context.Context, key, value string, ttl time.Duration) error {
	if m.closed.Load() {
		return ErrClosed
	}
	m.entries.Store(key, memEntry{value: value, expiresNs: expiryNs(m.now(), ttl)})
	return nil
}

func (m *Memory) List(_ context.Context, prefix string) ([]string, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}
	nowNs := m.now().UnixNano()
	var keys []string
	m.entries.Range(func(k string, e memEntry) bool {
		if strings.HasPrefix(k, prefix) && e.live(nowNs) {
			keys = append(keys, k)
		}
		return true
	})
	sort.Strings(keys)
	return keys, nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	if m.closed.Load() {
		return ErrClosed
	}
	m.entries.Delete(key)
	return nil
}

func (m *Memory) PurgeExpired(_ context.Context) (int64, error) {
	if m.closed.Load() {
		return 0, ErrClosed
	}
	nowNs := m.now().UnixNano()
	var removed int64
	m.entries.Range(func(k string, _ memEntry) bool {
		m.entries.Compute(k, func(cur memEntry, loaded bool) (memEntry, xsync.ComputeOp) {
			// Re-check under the bucket lock; a concurrent Put may have refreshed it.
			if loaded && !cur.live(nowNs) {
				removed++
				return cur, xsync.DeleteOp
			}
			return cur, xsync.CancelOp
		})
		return true
	})
	return removed, nil
}

func (m *Memory) Close() error {
	m.closed.Store(true)
	return nil
}
