package analytics

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Resinat/Lumen/internal/background"
	"github.com/Resinat/Lumen/internal/config"
	"github.com/Resinat/Lumen/internal/kvstore"
)

type staticConfig struct{ cfg *config.ProxyConfig }

func (s staticConfig) GetConfig(context.Context) *config.ProxyConfig { return s.cfg }

// inlineSubmitter runs submitted work synchronously.
type inlineSubmitter struct {
	mu    sync.Mutex
	names []string
}

func (s *inlineSubmitter) Submit(name string, fn func(ctx context.Context)) bool {
	s.mu.Lock()
	s.names = append(s.names, name)
	s.mu.Unlock()
	fn(context.Background())
	return true
}

func (s *inlineSubmitter) count(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, got := range s.names {
		if got == name {
			n++
		}
	}
	return n
}

// failingStore fails every Put while fail is set.
type failingStore struct {
	kvstore.Store
	mu   sync.Mutex
	fail bool
}

func (f *failingStore) Put(ctx context.Context, key, value string, ttl time.Duration) error {
	f.mu.Lock()
	fail := f.fail
	f.mu.Unlock()
	if fail {
		return errors.New("store unavailable")
	}
	return f.Store.Put(ctx, key, value, ttl)
}

type harness struct {
	agg   *Aggregator
	store kvstore.Store
	sub   *inlineSubmitter
	cfg   *config.ProxyConfig
	now   time.Time
}

func newHarness(t *testing.T, store kvstore.Store) *harness {
	t.Helper()
	if store == nil {
		store = kvstore.NewMemory()
	}
	cfg := config.NewDefaultProxyConfig()
	sub := &inlineSubmitter{}
	now := time.Date(2026, 3, 14, 15, 30, 0, 0, time.UTC)
	agg := NewAggregator(Options{
		Logs:       store,
		Counters:   NewKVCounterStore(store),
		Config:     staticConfig{cfg},
		Background: sub,
		BatchSize:  10,
		Location:   time.UTC,
	})
	agg.now = func() time.Time { return now }
	agg.sample = func() float64 { return 0.5 }
	return &harness{agg: agg, store: store, sub: sub, cfg: cfg, now: now}
}

func (h *harness) record(at time.Time, status int, cache, format string, length int64, country string) LogRecord {
	return LogRecord{
		ID: NewRecordID(at), TS: at.UnixMilli(), Status: status, CacheStatus: cache,
		ImageFormat: format, ContentLength: length, Country: country,
	}
}

func counter(t *testing.T, h *harness, key string) int64 {
	t.Helper()
	raw, ok, err := h.store.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("Get %s: %v", key, err)
	}
	if !ok {
		return 0
	}
	ck, err := ParseCounterKey(key)
	if err != nil {
		t.Fatalf("ParseCounterKey: %v", err)
	}
	v, _, err := NewKVCounterStore(h.store).Get(context.Background(), ck)
	if err != nil {
		t.Fatalf("counter %s=%q: %v", key, raw, err)
	}
	return v
}

func TestRecord_Gating(t *testing.T) {
	h := newHarness(t, nil)

	disabled := h.cfg.Clone()
	disabled.AnalyticsEnabled = false
	if h.agg.Record(disabled, h.record(h.now, 200, "MISS", "webp", 10, "XX")) {
		t.Fatal("disabled analytics should not record")
	}

	sampled := h.cfg.Clone()
	sampled.AnalyticsSampleRate = 0.5 // sample() returns 0.5, so this is excluded
	if h.agg.Record(sampled, h.record(h.now, 200, "MISS", "webp", 10, "XX")) {
		t.Fatal("record outside the sample rate should be skipped")
	}

	if !h.agg.Record(h.cfg, h.record(h.now, 200, "MISS", "webp", 10, "XX")) {
		t.Fatal("record should be accepted")
	}
	if h.agg.Pending() != 1 {
		t.Fatalf("Pending: got %d, want 1", h.agg.Pending())
	}
}

func TestRecord_Counters(t *testing.T) {
	h := newHarness(t, nil)

	h.agg.Record(h.cfg, h.record(h.now, 200, "MISS", "webp", 1000, "US"))
	h.agg.Record(h.cfg, h.record(h.now, 200, "HIT", "webp", 500, "XX"))
	h.agg.Record(h.cfg, h.record(h.now, 500, "MISS", "none", 0, "DE"))

	tests := []struct {
		key  string
		want int64
	}{
		{"stats/hourly/2026-03-14-15/total", 3},
		{"stats/daily/2026-03-14/total", 3},
		{"stats/hourly/2026-03-14-15/status_200", 2},
		{"stats/hourly/2026-03-14-15/status_500", 1},
		{"stats/hourly/2026-03-14-15/cache_hit", 1},
		{"stats/hourly/2026-03-14-15/cache_miss", 2},
		{"stats/hourly/2026-03-14-15/format_webp", 2},
		{"stats/hourly/2026-03-14-15/format_none", 0},
		{"stats/daily/2026-03-14/country_US", 1},
		{"stats/daily/2026-03-14/country_DE", 1},
		{"stats/daily/2026-03-14/country_XX", 0},
		{"stats/hourly/2026-03-14-15/bandwidth", 1500},
		{"stats/daily/2026-03-14/bandwidth", 1500},
	}
	for _, tt := range tests {
		if got := counter(t, h, tt.key); got != tt.want {
			t.Errorf("%s: got %d, want %d", tt.key, got, tt.want)
		}
	}
}

func TestFlush_BatchDocument(t *testing.T) {
	h := newHarness(t, nil)
	for i := 0; i < 3; i++ {
		h.agg.Record(h.cfg, h.record(h.now, 200, "MISS", "webp", 10, "XX"))
	}
	if err := h.agg.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if h.agg.Pending() != 0 {
		t.Fatalf("Pending after flush: %d", h.agg.Pending())
	}

	keys, err := h.store.List(context.Background(), "logs/")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(keys) != 1 || !strings.HasPrefix(keys[0], "logs/1773502200000_") {
		t.Fatalf("keys: got %v", keys)
	}
	raw, _, _ := h.store.Get(context.Background(), keys[0])
	var doc batchDocument
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if doc.Count != 3 || len(doc.Logs) != 3 || doc.Timestamp != h.now.UnixMilli() {
		t.Fatalf("doc: count=%d logs=%d ts=%d", doc.Count, len(doc.Logs), doc.Timestamp)
	}

	// Empty queue writes nothing.
	if err := h.agg.Flush(context.Background()); err != nil {
		t.Fatalf("empty Flush: %v", err)
	}
	keys, _ = h.store.List(context.Background(), "logs/")
	if len(keys) != 1 {
		t.Fatalf("empty flush wrote a batch: %v", keys)
	}
}

func TestRecord_BatchSizeTriggersFlush(t *testing.T) {
	h := newHarness(t, nil)
	for i := 0; i < 10; i++ {
		h.agg.Record(h.cfg, h.record(h.now, 200, "MISS", "webp", 10, "XX"))
	}
	if h.sub.count("analytics-flush") != 1 {
		t.Fatalf("flush submissions: got %d, want 1", h.sub.count("analytics-flush"))
	}
	if h.agg.Pending() != 0 {
		t.Fatalf("Pending: got %d, want 0", h.agg.Pending())
	}
	if h.sub.count("analytics-counters") != 10 {
		t.Fatalf("counter submissions: got %d, want 10", h.sub.count("analytics-counters"))
	}
}

func TestFlush_FailureRequeuesInFront(t *testing.T) {
	fs := &failingStore{Store: kvstore.NewMemory()}
	h := newHarness(t, fs)
	var results []string
	h.agg.OnFlush = func(r string) { results = append(results, r) }

	first := h.record(h.now, 200, "MISS", "webp", 10, "XX")
	first.ID = "first"
	h.agg.Record(h.cfg, first)

	fs.mu.Lock()
	fs.fail = true
	fs.mu.Unlock()
	if err := h.agg.Flush(context.Background()); err == nil {
		t.Fatal("expected flush error")
	}

	second := h.record(h.now, 200, "MISS", "webp", 10, "XX")
	second.ID = "second"
	h.agg.mu.Lock()
	h.agg.queue = append(h.agg.queue, second)
	h.agg.mu.Unlock()

	if h.agg.Pending() != 2 || h.agg.queue[0].ID != "first" {
		t.Fatalf("queue after failure: %+v", h.agg.queue)
	}

	fs.mu.Lock()
	fs.fail = false
	fs.mu.Unlock()
	if err := h.agg.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if len(results) != 2 || results[0] != "error" || results[1] != "ok" {
		t.Fatalf("flush results: %v", results)
	}
}

func TestFlush_SingleInFlight(t *testing.T) {
	h := newHarness(t, nil)
	h.agg.Record(h.cfg, h.record(h.now, 200, "MISS", "webp", 10, "XX"))
	h.agg.flushSlot <- struct{}{}
	if err := h.agg.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if h.agg.Pending() != 1 {
		t.Fatal("concurrent flush should have been skipped")
	}
	<-h.agg.flushSlot
}

// blockingStore holds every logs/ write until release is closed.
type blockingStore struct {
	kvstore.Store
	entered     chan struct{}
	enteredOnce sync.Once
	release     chan struct{}
}

func newBlockingStore() *blockingStore {
	return &blockingStore{
		Store:   kvstore.NewMemory(),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (b *blockingStore) Put(ctx context.Context, key, value string, ttl time.Duration) error {
	if strings.HasPrefix(key, "logs/") {
		b.enteredOnce.Do(func() { close(b.entered) })
		<-b.release
	}
	return b.Store.Put(ctx, key, value, ttl)
}

func TestStop_WaitsForInFlightFlushAndDrains(t *testing.T) {
	bs := newBlockingStore()
	h := newHarness(t, bs)
	h.agg.batchSize = 100

	h.agg.Record(h.cfg, h.record(h.now, 200, "MISS", "webp", 10, "XX"))
	flushDone := make(chan error, 1)
	go func() { flushDone <- h.agg.Flush(context.Background()) }()
	<-bs.entered

	// Queued while the first batch is being written.
	h.agg.Record(h.cfg, h.record(h.now, 200, "MISS", "webp", 10, "XX"))

	stopDone := make(chan error, 1)
	go func() { stopDone <- h.agg.Stop(context.Background()) }()

	select {
	case err := <-stopDone:
		t.Fatalf("Stop returned (%v) while a flush was still in flight", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(bs.release)
	if err := <-flushDone; err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if err := <-stopDone; err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if n := h.agg.Pending(); n != 0 {
		t.Fatalf("Pending after Stop: got %d, want 0", n)
	}
	keys, err := bs.List(context.Background(), "logs/")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("batch documents: got %d, want 2", len(keys))
	}
}

func TestStop_RespectsContextWhileFlushBlocked(t *testing.T) {
	bs := newBlockingStore()
	h := newHarness(t, bs)
	h.agg.batchSize = 100
	defer close(bs.release)

	h.agg.Record(h.cfg, h.record(h.now, 200, "MISS", "webp", 10, "XX"))
	go func() { _ = h.agg.Flush(context.Background()) }()
	<-bs.entered

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := h.agg.Stop(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Stop: got %v, want %v", err, context.DeadlineExceeded)
	}
}

func TestStop_ReturnsStoreError(t *testing.T) {
	fs := &failingStore{Store: kvstore.NewMemory(), fail: true}
	h := newHarness(t, fs)
	h.agg.batchSize = 100
	h.agg.Record(h.cfg, h.record(h.now, 200, "MISS", "webp", 10, "XX"))

	if err := h.agg.Stop(context.Background()); err == nil {
		t.Fatal("Stop: expected the store error")
	}
	if n := h.agg.Pending(); n != 1 {
		t.Fatalf("Pending after failed Stop: got %d, want 1", n)
	}
}

func TestKVCounterStore_ConcurrentIncrements(t *testing.T) {
	store := NewKVCounterStore(kvstore.NewMemory())
	key := HourlyKey(time.Date(2026, 3, 14, 15, 0, 0, 0, time.UTC), MetricTotal)
	const n = 200

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.Increment(context.Background(), key, 1, time.Hour); err != nil {
				t.Errorf("Increment: %v", err)
			}
		}()
	}
	wg.Wait()

	got, ok, err := store.Get(context.Background(), key)
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if got != n {
		t.Fatalf("counter: got %d, want %d", got, n)
	}
}

func TestKVCounterStore_LockStripesAreStable(t *testing.T) {
	store := NewKVCounterStore(kvstore.NewMemory())
	k := HourlyKey(time.Date(2026, 3, 14, 15, 0, 0, 0, time.UTC), MetricTotal).String()
	if store.lockFor(k) != store.lockFor(k) {
		t.Fatal("one key must always map to the same lock")
	}
	for hour := 0; hour < 1000; hour++ {
		at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(hour) * time.Hour)
		mu := store.lockFor(HourlyKey(at, MetricTotal).String())
		inTable := false
		for i := range store.locks {
			if mu == &store.locks[i] {
				inTable = true
				break
			}
		}
		if !inTable {
			t.Fatal("lock outside the stripe table")
		}
	}
}

func TestRecord_ConcurrentWithBackgroundPool(t *testing.T) {
	store := kvstore.NewMemory()
	pool := background.NewPool(8, 4096)
	pool.Start()
	cfg := config.NewDefaultProxyConfig()
	now := time.Date(2026, 3, 14, 15, 30, 0, 0, time.UTC)
	agg := NewAggregator(Options{
		Logs:       store,
		Counters:   NewKVCounterStore(store),
		Config:     staticConfig{cfg},
		Background: pool,
		BatchSize:  10,
		Location:   time.UTC,
	})
	agg.now = func() time.Time { return now }

	const n = 200
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			agg.Record(cfg, LogRecord{ID: NewRecordID(now), TS: now.UnixMilli(), Status: 200, CacheStatus: "MISS", ContentLength: 10})
		}()
	}
	wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := pool.Stop(ctx); err != nil {
		t.Fatalf("pool Stop: %v", err)
	}
	if err := agg.Stop(ctx); err != nil {
		t.Fatalf("aggregator Stop: %v", err)
	}

	rep, err := agg.Summary(ctx, RangeToday, now)
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if rep.TotalRequests < 0 || rep.TotalRequests > n {
		t.Fatalf("total_requests: got %d, want within [0, %d]", rep.TotalRequests, n)
	}
	if rep.TotalBandwidth < 0 || rep.TotalBandwidth > 10*n {
		t.Fatalf("total_bandwidth: got %d, want within [0, %d]", rep.TotalBandwidth, 10*n)
	}
	if agg.Pending() != 0 {
		t.Fatalf("Pending after Stop: got %d, want 0", agg.Pending())
	}
}

func TestQueueBound(t *testing.T) {
	h := newHarness(t, nil)
	h.agg.maxQueue = 3
	h.agg.batchSize = 100
	for i := 0; i < 5; i++ {
		rec := h.record(h.now, 200, "MISS", "webp", 10, "XX")
		rec.ID = string(rune('a' + i))
		h.agg.Record(h.cfg, rec)
	}
	if h.agg.Pending() != 3 || h.agg.queue[0].ID != "c" {
		t.Fatalf("queue: %+v", h.agg.queue)
	}
}

func TestStartStop_FlushesRemaining(t *testing.T) {
	h := newHarness(t, nil)
	h.agg.interval = time.Hour
	h.agg.Start()
	h.agg.Record(h.cfg, h.record(h.now, 200, "MISS", "webp", 10, "XX"))
	if err := h.agg.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	keys, _ := h.store.List(context.Background(), "logs/")
	if len(keys) != 1 {
		t.Fatalf("expected final flush, got %v", keys)
	}
}

func TestSummary(t *testing.T) {
	h := newHarness(t, nil)
	yesterday := h.now.AddDate(0, 0, -1)
	earlier := h.now.Add(-2 * time.Hour)

	h.agg.Record(h.cfg, h.record(h.now, 200, "HIT", "webp", 1000, "US"))
	h.agg.Record(h.cfg, h.record(h.now, 200, "MISS", "webp", 3000, "US"))
	h.agg.Record(h.cfg, h.record(earlier, 404, "MISS", "none", 0, "XX"))
	h.agg.Record(h.cfg, h.record(yesterday, 200, "HIT", "avif", 2000, "XX"))

	ctx := context.Background()
	today, err := h.agg.Summary(ctx, RangeToday, h.now)
	if err != nil {
		t.Fatalf("Summary today: %v", err)
	}
	if today.TotalRequests != 3 || today.TotalBandwidth != 4000 {
		t.Fatalf("today totals: %+v", today)
	}
	if today.CacheHitRate != 33.33 {
		t.Fatalf("hit rate: got %v, want 33.33", today.CacheHitRate)
	}
	if today.AvgRequestSize != 1333 {
		t.Fatalf("avg size: got %d", today.AvgRequestSize)
	}
	if len(today.HourlyBreakdown) != 16 || today.HourlyBreakdown[13].Count != 1 || today.HourlyBreakdown[15].Count != 2 {
		t.Fatalf("hourly: %+v", today.HourlyBreakdown)
	}
	if today.StatusCodes["200"] != 2 || today.StatusCodes["404"] != 1 {
		t.Fatalf("status codes: %v", today.StatusCodes)
	}
	if today.Formats["webp"] != 2 || len(today.Formats) != 1 {
		t.Fatalf("formats: %v", today.Formats)
	}
	if len(today.DailyBreakdown) != 1 || today.DailyBreakdown[0] != (DayCount{"2026-03-14", 3}) {
		t.Fatalf("daily: %+v", today.DailyBreakdown)
	}

	y, err := h.agg.Summary(ctx, RangeYesterday, h.now)
	if err != nil {
		t.Fatalf("Summary yesterday: %v", err)
	}
	if y.TotalRequests != 1 || y.TotalBandwidth != 2000 || y.CacheHitRate != 100 || len(y.HourlyBreakdown) != 0 {
		t.Fatalf("yesterday: %+v", y)
	}

	week, err := h.agg.Summary(ctx, RangeWeek, h.now)
	if err != nil {
		t.Fatalf("Summary week: %v", err)
	}
	if week.TotalRequests != 4 || week.TotalBandwidth != 6000 || len(week.DailyBreakdown) != 7 {
		t.Fatalf("week: %+v", week)
	}
	if week.DailyBreakdown[0].Date != "2026-03-08" || week.DailyBreakdown[6].Date != "2026-03-14" || week.DailyBreakdown[5].Count != 1 {
		t.Fatalf("week breakdown: %+v", week.DailyBreakdown)
	}
	if week.TotalBandwidthMB != 0.01 || week.TotalBandwidthGB != 0 {
		t.Fatalf("bandwidth units: mb=%v gb=%v", week.TotalBandwidthMB, week.TotalBandwidthGB)
	}

	if _, err := h.agg.Summary(ctx, "month", h.now); !errors.Is(err, ErrUnknownRange) {
		t.Fatalf("unknown range: got %v", err)
	}
}

func TestSummary_Empty(t *testing.T) {
	h := newHarness(t, nil)
	rep, err := h.agg.Summary(context.Background(), RangeToday, h.now)
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if rep.TotalRequests != 0 || rep.CacheHitRate != 0 || rep.AvgRequestSize != 0 {
		t.Fatalf("empty summary: %+v", rep)
	}
}

func TestRealtimeAndRecent(t *testing.T) {
	h := newHarness(t, nil)
	h.agg.Record(h.cfg, h.record(h.now, 200, "HIT", "webp", 100, "XX"))
	h.agg.Record(h.cfg, h.record(h.now, 200, "MISS", "webp", 300, "XX"))
	h.agg.Record(h.cfg, h.record(h.now.Add(-time.Hour), 200, "MISS", "webp", 50, "XX"))
	h.agg.Record(h.cfg, h.record(h.now.AddDate(0, 0, -1), 200, "MISS", "webp", 70, "XX"))

	ctx := context.Background()
	rt, err := h.agg.Realtime(ctx, h.now)
	if err != nil {
		t.Fatalf("Realtime: %v", err)
	}
	want := HourStats{Requests: 2, Bandwidth: 400, CacheHits: 1, CacheMisses: 1, CacheHitRate: 50}
	if rt.CurrentHour != want {
		t.Fatalf("current hour: got %+v, want %+v", rt.CurrentHour, want)
	}
	if rt.Today != (DayTotals{3, 450}) || rt.Yesterday != (DayTotals{1, 70}) {
		t.Fatalf("today=%+v yesterday=%+v", rt.Today, rt.Yesterday)
	}

	recent, err := h.agg.Recent(ctx, h.now, 3)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recent.Hours) != 3 {
		t.Fatalf("hours: %+v", recent.Hours)
	}
	if recent.Hours[2].Hour != 15 || recent.Hours[2].Requests != 2 || recent.Hours[1].Requests != 1 || recent.Hours[0].Requests != 0 {
		t.Fatalf("hours: %+v", recent.Hours)
	}
	if recent.Hours[2].Bucket != "2026-03-14-15" {
		t.Fatalf("bucket: %q", recent.Hours[2].Bucket)
	}

	clamped, _ := h.agg.Recent(ctx, h.now, 1000)
	if len(clamped.Hours) != MaxRecentHours {
		t.Fatalf("clamp: got %d hours", len(clamped.Hours))
	}
}

func TestParseCounterKey(t *testing.T) {
	k := HourlyKey(time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC), "status_404")
	if k.String() != "stats/hourly/2026-01-02-03/status_404" {
		t.Fatalf("String: %q", k.String())
	}
	got, err := ParseCounterKey(k.String())
	if err != nil || got != k {
		t.Fatalf("ParseCounterKey: got %+v, %v", got, err)
	}
	for _, bad := range []string{"logs/1_a", "stats/weekly/x/total", "stats/hourly//total", "stats/hourly/x"} {
		if _, err := ParseCounterKey(bad); err == nil {
			t.Errorf("ParseCounterKey(%q): expected error", bad)
		}
	}
}

func TestNewRecord(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 5, 0, 0, time.UTC)
	r := httptest.NewRequest("GET", "/?url=https%3A%2F%2Fimg.cdn.example.co.uk%2Fa.jpg&w=1", nil)
	r.Header.Set("User-Agent", strings.Repeat("u", 150))

	rec := NewRecord(now, r, Outcome{Status: 200, RequestType: RequestTypeProxy, Elapsed: 42 * time.Millisecond}, Geo{})
	if rec.Date != "2026-03-14" || rec.Hour != 9 || rec.TS != now.UnixMilli() {
		t.Fatalf("time fields: %+v", rec)
	}
	if !rec.HasImageParam || rec.TargetURL != "img.cdn.example.co.uk" || rec.TargetDomain != "example.co.uk" {
		t.Fatalf("target: %q %q", rec.TargetURL, rec.TargetDomain)
	}
	if len(rec.UserAgent) != 100 {
		t.Fatalf("user agent length: %d", len(rec.UserAgent))
	}
	if rec.Referer != DirectReferer || rec.Country != UnknownCountry || rec.ImageFormat != NoFormat || rec.CacheStatus != "MISS" {
		t.Fatalf("defaults: %+v", rec)
	}
	if rec.ProcessingTimeMs != 42 || !strings.HasPrefix(rec.Query, "?url=") {
		t.Fatalf("processing=%d query=%q", rec.ProcessingTimeMs, rec.Query)
	}
	if len(rec.ID) < 10 {
		t.Fatalf("id: %q", rec.ID)
	}
}

func TestNewRecord_RedactsAPIKey(t *testing.T) {
	tests := []struct {
		query string
		want  string
	}{
		{"url=https://pic.haokj.cn/a.jpg&key=secret-1&w=10", "?url=https://pic.haokj.cn/a.jpg&key=***&w=10"},
		{"key=secret-1", "?key=***"},
		{"k%65y=secret-1", "?key=***"},
		{"monkey=1&key", "?monkey=1&key=***"},
		{"url=a.jpg", "?url=a.jpg"},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/?"+tt.query, nil)
			rec := NewRecord(time.Now(), r, Outcome{Status: 200}, Geo{})
			if rec.Query != tt.want {
				t.Fatalf("query: got %q, want %q", rec.Query, tt.want)
			}
			if strings.Contains(rec.Query, "secret") {
				t.Fatalf("credential leaked: %q", rec.Query)
			}
		})
	}
}

func TestTruncateKeepsRunes(t *testing.T) {
	s := strings.Repeat("a", 99) + "é"
	if got := truncate(s, 100); got != strings.Repeat("a", 99) {
		t.Fatalf("truncate: got %q", got)
	}
}
