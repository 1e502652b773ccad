package config

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeStore struct {
	mu     sync.Mutex
	data   map[string]string
	gets   atomic.Int64
	failOn atomic.Bool
}

func newFakeStore(data map[string]string) *fakeStore {
	if data == nil {
		data = map[string]string{}
	}
	return &fakeStore{data: data}
}

func (s *fakeStore) Get(_ context.Context, key string) (string, bool, error) {
	s.gets.Add(1)
	if s.failOn.Load() {
		return "", false, errors.New("store unavailable")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	return v, ok, nil
}

func (s *fakeStore) Put(_ context.Context, key, value string, _ time.Duration) error {
	if s.failOn.Load() {
		return errors.New("store unavailable")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
	return nil
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestResolver(store Store) (*Resolver, *testClock) {
	clock := &testClock{t: time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)}
	r := NewResolver(store, 30*time.Second)
	r.now = clock.Now
	return r, clock
}

func TestResolver_MergesStoreOverDefaults(t *testing.T) {
	store := newFakeStore(map[string]string{
		"target_site":     "https://img.example.com",
		"allowed_domains": "img.example.com, cdn.example.com",
		"enable_webp":     "false",
		"cache_cdn_ttl":   "not-a-number",
	})
	r, _ := newTestResolver(store)

	cfg := r.GetConfig(context.Background())
	assertEqual(t, "TargetSite", cfg.TargetSite, "https://img.example.com")
	assertEqual(t, "EnableWebP", cfg.EnableWebP, false)
	assertEqual(t, "AllowedDomains.len", len(cfg.AllowedDomains), 2)
	assertEqual(t, "AllowedDomains[1]", cfg.AllowedDomains[1], "cdn.example.com")
	// Unparseable value keeps its default.
	assertEqual(t, "CacheCDNTTL", cfg.CacheCDNTTL, 604800)
	// Absent key keeps its default.
	assertEqual(t, "WebPQuality", cfg.WebPQuality, 85)
}

func TestResolver_ReusesSnapshotWithinStaleness(t *testing.T) {
	store := newFakeStore(nil)
	r, clock := newTestResolver(store)
	ctx := context.Background()

	first := r.GetConfig(ctx)
	readsAfterFirst := store.gets.Load()
	if readsAfterFirst != int64(len(Keys())) {
		t.Fatalf("first resolution reads: got %d, want %d", readsAfterFirst, len(Keys()))
	}

	clock.Advance(29 * time.Second)
	second := r.GetConfig(ctx)
	if second != first {
		t.Fatal("expected identical snapshot within the staleness window")
	}
	if store.gets.Load() != readsAfterFirst {
		t.Fatalf("store read within staleness window: reads=%d", store.gets.Load())
	}

	clock.Advance(2 * time.Second)
	third := r.GetConfig(ctx)
	if third == first {
		t.Fatal("expected a fresh snapshot after the staleness window")
	}
	if store.gets.Load() <= readsAfterFirst {
		t.Fatal("expected store reads after staleness window")
	}
}

func TestResolver_FallsBackToDefaultsOnFirstFailure(t *testing.T) {
	store := newFakeStore(map[string]string{"target_site": "https://img.example.com"})
	store.failOn.Store(true)
	r, _ := newTestResolver(store)

	var results []string
	r.OnRefresh = func(result string) { results = append(results, result) }

	cfg := r.GetConfig(context.Background())
	if cfg == nil {
		t.Fatal("GetConfig returned nil")
	}
	assertEqual(t, "TargetSite", cfg.TargetSite, NewDefaultProxyConfig().TargetSite)
	if len(results) != 1 || results[0] != "error" {
		t.Fatalf("refresh results: got %v", results)
	}
	if _, source, _ := r.Cached(); source != SourceDefaults {
		t.Fatalf("source: got %q, want %q", source, SourceDefaults)
	}
}

func TestResolver_FallsBackToPreviousSnapshot(t *testing.T) {
	store := newFakeStore(map[string]string{"target_site": "https://img.example.com"})
	r, clock := newTestResolver(store)
	ctx := context.Background()

	good := r.GetConfig(ctx)
	store.failOn.Store(true)
	clock.Advance(time.Minute)

	got := r.GetConfig(ctx)
	if got != good {
		t.Fatal("expected previous snapshot on refresh failure")
	}

	// Recovery: next call after the store heals reloads.
	store.failOn.Store(false)
	store.data["target_site"] = "https://new.example.com"
	got = r.GetConfig(ctx)
	assertEqual(t, "TargetSite", got.TargetSite, "https://new.example.com")
}

func TestResolver_UpdateConfigRoundTrip(t *testing.T) {
	store := newFakeStore(nil)
	r, _ := newTestResolver(store)
	ctx := context.Background()

	_ = r.GetConfig(ctx)
	err := r.UpdateConfig(ctx, map[string]any{
		"allowed_domains":       []any{"a.example", "b.example"},
		"enable_webp":           false,
		"cache_cdn_ttl":         float64(120),
		"analytics_sample_rate": 0.5,
	})
	if err != nil {
		t.Fatalf("UpdateConfig: %v", err)
	}
	assertEqual(t, "stored allowed_domains", store.data["allowed_domains"], "a.example,b.example")
	assertEqual(t, "stored enable_webp", store.data["enable_webp"], "false")

	// Invalidated: the next read reflects the patch without waiting 30s.
	cfg := r.GetConfig(ctx)
	assertEqual(t, "AllowedDomains[0]", cfg.AllowedDomains[0], "a.example")
	assertEqual(t, "EnableWebP", cfg.EnableWebP, false)
	assertEqual(t, "CacheCDNTTL", cfg.CacheCDNTTL, 120)
	assertEqual(t, "AnalyticsSampleRate", cfg.AnalyticsSampleRate, 0.5)
}

func TestResolver_UpdateConfigRejectsInvalidPatch(t *testing.T) {
	tests := []struct {
		name  string
		patch map[string]any
	}{
		{"unknown_key", map[string]any{"no_such_key": "x"}},
		{"bad_int", map[string]any{"cache_cdn_ttl": "soon"}},
		{"fractional_int", map[string]any{"webp_quality": 85.5}},
		{"bad_bool", map[string]any{"enable_webp": "yes"}},
		{"bad_type", map[string]any{"target_site": map[string]any{}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newFakeStore(nil)
			r, _ := newTestResolver(store)
			err := r.UpdateConfig(context.Background(), tt.patch)
			if !errors.Is(err, ErrInvalidPatch) {
				t.Fatalf("UpdateConfig: got %v, want ErrInvalidPatch", err)
			}
			if len(store.data) != 0 {
				t.Fatalf("invalid patch wrote to store: %v", store.data)
			}
		})
	}
}

func TestResolver_ConcurrentCallersNeverSeeNil(t *testing.T) {
	store := newFakeStore(nil)
	r, clock := newTestResolver(store)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%8 == 0 {
				clock.Advance(10 * time.Second)
			}
			if cfg := r.GetConfig(context.Background()); cfg == nil || cfg.AllowedDomains == nil {
				t.Error("GetConfig returned an incomplete config")
			}
		}(i)
	}
	wg.Wait()
}

// pausingStore reads a value and then waits on release before returning it,
// so writes can land while a reload is holding old values.
type pausingStore struct {
	*fakeStore
	key     string
	read    chan struct{}
	release chan struct{}
	once    sync.Once
	paused  atomic.Bool
}

func (s *pausingStore) Get(ctx context.Context, key string) (string, bool, error) {
	v, ok, err := s.fakeStore.Get(ctx, key)
	if key == s.key && s.paused.Load() {
		s.once.Do(func() { close(s.read) })
		<-s.release
	}
	return v, ok, err
}

func TestResolver_UpdateDuringReloadIsNotMasked(t *testing.T) {
	store := &pausingStore{
		fakeStore: newFakeStore(map[string]string{"webp_quality": "80"}),
		key:       "webp_quality",
		read:      make(chan struct{}),
		release:   make(chan struct{}),
	}
	store.paused.Store(true)
	r, _ := newTestResolver(store)

	reloaded := make(chan *ProxyConfig, 1)
	go func() { reloaded <- r.GetConfig(context.Background()) }()
	<-store.read

	// The in-flight reload already holds webp_quality=80.
	if err := r.UpdateConfig(context.Background(), map[string]any{"webp_quality": 60}); err != nil {
		t.Fatalf("UpdateConfig: %v", err)
	}
	store.paused.Store(false)
	close(store.release)

	if got := (<-reloaded).WebPQuality; got != 80 {
		t.Fatalf("overlapping reload: got %d, want 80", got)
	}
	if _, _, fresh := r.Cached(); fresh {
		t.Fatal("snapshot from an overlapping reload must not be fresh")
	}
	if got := r.GetConfig(context.Background()).WebPQuality; got != 60 {
		t.Fatalf("webp_quality after update: got %d, want 60", got)
	}
}
