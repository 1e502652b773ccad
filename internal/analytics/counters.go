package analytics

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/zeebo/xxh3"

	"github.com/Resinat/Lumen/internal/kvstore"
)

// Scope is the time granularity of a counter.
type Scope string

const (
	ScopeHourly Scope = "hourly"
	ScopeDaily  Scope = "daily"
)

const (
	dateLayout = "2006-01-02"
	hourLayout = "2006-01-02-15"
)

// Counter metric names.
const (
	MetricTotal     = "total"
	MetricBandwidth = "bandwidth"
	MetricCacheHit  = "cache_hit"
	MetricCacheMiss = "cache_miss"
)

// CounterKey identifies one counter.
type CounterKey struct {
	Scope  Scope
	Bucket string // YYYY-MM-DD-HH for hourly, YYYY-MM-DD for daily
	Metric string
}

// String returns the stored key, stats/{scope}/{bucket}/{metric}.
func (k CounterKey) String() string {
	return "stats/" + string(k.Scope) + "/" + k.Bucket + "/" + k.Metric
}

// HourlyKey builds an hourly counter key for the hour containing t.
func HourlyKey(t time.Time, metric string) CounterKey {
	return CounterKey{Scope: ScopeHourly, Bucket: t.Format(hourLayout), Metric: metric}
}

// DailyKey builds a daily counter key for the day containing t.
func DailyKey(t time.Time, metric string) CounterKey {
	return CounterKey{Scope: ScopeDaily, Bucket: t.Format(dateLayout), Metric: metric}
}

// ParseCounterKey is the inverse of CounterKey.String.
func ParseCounterKey(s string) (CounterKey, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 4 || parts[0] != "stats" || parts[2] == "" || parts[3] == "" {
		return CounterKey{}, fmt.Errorf("analytics: malformed counter key %q", s)
	}
	scope := Scope(parts[1])
	if scope != ScopeHourly && scope != ScopeDaily {
		return CounterKey{}, fmt.Errorf("analytics: unknown counter scope %q", parts[1])
	}
	return CounterKey{Scope: scope, Bucket: parts[2], Metric: parts[3]}, nil
}

// CounterStore persists counters.
type CounterStore interface {
	// Increment adds delta and refreshes the TTL, returning the new value.
	Increment(ctx context.Context, key CounterKey, delta int64, ttl time.Duration) (int64, error)
	// Get returns the current value; missing counters report ok=false.
	Get(ctx context.Context, key CounterKey) (int64, bool, error)
	// List returns the counters whose stored key starts with prefix.
	List(ctx context.Context, prefix string) ([]CounterKey, error)
}

// counterLockStripes is the number of locks shared by all counter keys.
const counterLockStripes = 64

// KVCounterStore keeps counters as decimal strings in a KV store.
//
// Increments are read-then-write. Concurrent increments of the same key
// within this process are serialized, but two processes sharing a store
// can still lose updates.
type KVCounterStore struct {
	store kvstore.Store
	locks [counterLockStripes]sync.Mutex
}

// NewKVCounterStore wraps store.
func NewKVCounterStore(store kvstore.Store) *KVCounterStore {
	return &KVCounterStore{store: store}
}

// lockFor returns the stripe guarding k.
func (s *KVCounterStore) lockFor(k string) *sync.Mutex {
	return &s.locks[xxh3.HashString(k)%counterLockStripes]
}

func (s *KVCounterStore) Increment(ctx context.Context, key CounterKey, delta int64, ttl time.Duration) (int64, error) {
	k := key.String()
	mu := s.lockFor(k)
	mu.Lock()
	defer mu.Unlock()

	current, _, err := s.get(ctx, k)
	if err != nil {
		return 0, err
	}
	next := current + delta
	if err := s.store.Put(ctx, k, strconv.FormatInt(next, 10), ttl); err != nil {
		return 0, fmt.Errorf("analytics: put %s: %w", k, err)
	}
	return next, nil
}

func (s *KVCounterStore) Get(ctx context.Context, key CounterKey) (int64, bool, error) {
	return s.get(ctx, key.String())
}

func (s *KVCounterStore) get(ctx context.Context, k string) (int64, bool, error) {
	raw, ok, err := s.store.Get(ctx, k)
	if err != nil {
		return 0, false, fmt.Errorf("analytics: get %s: %w", k, err)
	}
	if !ok {
		return 0, false, nil
	}
	n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		// A corrupt value restarts the counter.
		return 0, false, nil
	}
	return n, true, nil
}

func (s *KVCounterStore) List(ctx context.Context, prefix string) ([]CounterKey, error) {
	keys, err := s.store.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("analytics: list %s: %w", prefix, err)
	}
	out := make([]CounterKey, 0, len(keys))
	for _, k := range keys {
		ck, err := ParseCounterKey(k)
		if err != nil {
			continue
		}
		out = append(out, ck)
	}
	return out, nil
}

// counterUpdates lists the increments one record contributes.
func counterUpdates(now time.Time, rec LogRecord) []counterUpdate {
	ups := []counterUpdate{
		{HourlyKey(now, MetricTotal), 1},
		{DailyKey(now, MetricTotal), 1},
		{HourlyKey(now, "status_"+strconv.Itoa(rec.Status)), 1},
		{HourlyKey(now, "cache_"+strings.ToLower(rec.CacheStatus)), 1},
	}
	if rec.Country != "" && rec.Country != UnknownCountry {
		ups = append(ups, counterUpdate{DailyKey(now, "country_"+rec.Country), 1})
	}
	if rec.ImageFormat != "" && rec.ImageFormat != NoFormat {
		ups = append(ups, counterUpdate{HourlyKey(now, "format_"+rec.ImageFormat), 1})
	}
	if rec.ContentLength > 0 {
		ups = append(ups,
			counterUpdate{HourlyKey(now, MetricBandwidth), rec.ContentLength},
			counterUpdate{DailyKey(now, MetricBandwidth), rec.ContentLength},
		)
	}
	return ups
}

type counterUpdate struct {
	key   CounterKey
	delta int64
}
