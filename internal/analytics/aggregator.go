package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/Resinat/Lumen/internal/config"
	"github.com/Resinat/Lumen/internal/kvstore"
)

// ConfigSource supplies the current proxy configuration.
type ConfigSource interface {
	GetConfig(ctx context.Context) *config.ProxyConfig
}

// Submitter runs work in the background after a response is written.
type Submitter interface {
	Submit(name string, fn func(ctx context.Context)) bool
}

// Options configures an Aggregator.
type Options struct {
	Logs          kvstore.Store // receives logs/<id> batch documents
	Counters      CounterStore
	Config        ConfigSource
	Background    Submitter
	BatchSize     int           // default 10
	FlushInterval time.Duration // default 30s
	MaxQueue      int           // default 10000; oldest records are dropped beyond it
	Location      *time.Location
}

// Aggregator batches log records and maintains counters.
type Aggregator struct {
	logs     kvstore.Store
	counters CounterStore
	cfg      ConfigSource
	bg       Submitter

	batchSize int
	interval  time.Duration
	maxQueue  int
	loc       *time.Location

	mu      sync.Mutex
	queue   []LogRecord
	dropped int64
	// flushSlot holds a token while a flush is writing; capacity 1.
	flushSlot chan struct{}

	now    func() time.Time
	sample func() float64

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// OnFlush, if set, observes every flush attempt ("ok" or "error").
	OnFlush func(result string)
	// OnCounterError, if set, is called once per failed counter increment.
	OnCounterError func()
}

// batchDocument is the stored form of one flushed batch.
type batchDocument struct {
	Logs      []LogRecord `json:"logs"`
	Count     int         `json:"count"`
	Timestamp int64       `json:"timestamp"`
}

// NewAggregator creates an aggregator. Call Start to run the periodic flush.
func NewAggregator(opts Options) *Aggregator {
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = 10
	}
	interval := opts.FlushInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	maxQueue := opts.MaxQueue
	if maxQueue <= 0 {
		maxQueue = 10000
	}
	if maxQueue < batchSize {
		maxQueue = batchSize
	}
	loc := opts.Location
	if loc == nil {
		loc = time.Local
	}
	return &Aggregator{
		logs:      opts.Logs,
		counters:  opts.Counters,
		cfg:       opts.Config,
		bg:        opts.Background,
		batchSize: batchSize,
		interval:  interval,
		maxQueue:  maxQueue,
		loc:       loc,
		now:       time.Now,
		sample:    rand.Float64,
		stopCh:    make(chan struct{}),
		flushSlot: make(chan struct{}, 1),
	}
}

// Record enqueues rec when analytics is enabled and the record falls inside
// the sample rate. Counter updates and a size-triggered flush are handed to
// the background submitter; Record itself never waits on the store.
// It reports whether the record was accepted.
func (a *Aggregator) Record(cfg *config.ProxyConfig, rec LogRecord) bool {
	if !cfg.AnalyticsEnabled {
		return false
	}
	if a.sample() >= cfg.AnalyticsSampleRate {
		return false
	}

	a.mu.Lock()
	a.queue = append(a.queue, rec)
	a.trimLocked()
	full := len(a.queue) >= a.batchSize
	a.mu.Unlock()

	if full {
		a.bg.Submit("analytics-flush", func(ctx context.Context) {
			_ = a.Flush(ctx)
		})
	}

	ttl := retentionTTL(cfg)
	at := time.UnixMilli(rec.TS).In(a.loc)
	a.bg.Submit("analytics-counters", func(ctx context.Context) {
		a.updateCounters(ctx, at, rec, ttl)
	})
	return true
}

// Pending returns the number of records waiting to be flushed.
func (a *Aggregator) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.queue)
}

// Flush writes every queued record as one batch document. Only one flush
// runs at a time; a call made while another is in flight returns nil
// immediately. On failure the batch is put back at the front of the queue.
func (a *Aggregator) Flush(ctx context.Context) error {
	select {
	case a.flushSlot <- struct{}{}:
	default:
		return nil
	}
	defer func() { <-a.flushSlot }()
	return a.flushLocked(ctx)
}

// flushLocked writes the queue as one batch. The caller holds flushSlot.
func (a *Aggregator) flushLocked(ctx context.Context) error {
	a.mu.Lock()
	batch := a.queue
	a.queue = nil
	a.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}

	cfg := a.cfg.GetConfig(ctx)
	ts := a.now().UnixMilli()
	payload, err := json.Marshal(batchDocument{Logs: batch, Count: len(batch), Timestamp: ts})
	if err != nil {
		// Unreachable for LogRecord; keep the records anyway.
		a.requeue(batch)
		a.notifyFlush("error")
		return fmt.Errorf("analytics: encode batch: %w", err)
	}
	key := fmt.Sprintf("logs/%d_%s", ts, randomSuffix())
	if err := a.logs.Put(ctx, key, string(payload), retentionTTL(cfg)); err != nil {
		a.requeue(batch)
		a.notifyFlush("error")
		log.Printf("[analytics] flush %d records failed: %v", len(batch), err)
		return fmt.Errorf("analytics: store batch: %w", err)
	}
	a.notifyFlush("ok")
	log.Printf("[analytics] flushed %d records to %s", len(batch), key)
	return nil
}

// Start launches the periodic flush loop.
func (a *Aggregator) Start() {
	a.wg.Add(1)
	go a.flushLoop()
}

// Stop ends the flush loop, waits for an in-flight flush and then flushes
// until the queue is empty. It returns the first store error, or ctx.Err()
// when ctx ends first.
func (a *Aggregator) Stop(ctx context.Context) error {
	a.stopOnce.Do(func() { close(a.stopCh) })
	a.wg.Wait()

	select {
	case a.flushSlot <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-a.flushSlot }()

	for a.Pending() > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := a.flushLocked(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (a *Aggregator) flushLoop() {
	defer a.wg.Done()

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), a.interval)
			_ = a.Flush(ctx)
			cancel()
		case <-a.stopCh:
			return
		}
	}
}

func (a *Aggregator) updateCounters(ctx context.Context, at time.Time, rec LogRecord, ttl time.Duration) {
	for _, up := range counterUpdates(at, rec) {
		if _, err := a.counters.Increment(ctx, up.key, up.delta, ttl); err != nil {
			log.Printf("[analytics] increment %s failed: %v", up.key, err)
			if a.OnCounterError != nil {
				a.OnCounterError()
			}
		}
	}
}

func (a *Aggregator) requeue(batch []LogRecord) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.queue = append(batch, a.queue...)
	a.trimLocked()
}

// trimLocked drops the oldest records beyond maxQueue.
func (a *Aggregator) trimLocked() {
	over := len(a.queue) - a.maxQueue
	if over <= 0 {
		return
	}
	a.queue = append([]LogRecord(nil), a.queue[over:]...)
	a.dropped += int64(over)
	log.Printf("[analytics] queue full, dropped %d oldest records (%d total)", over, a.dropped)
}

func (a *Aggregator) notifyFlush(result string) {
	if a.OnFlush != nil {
		a.OnFlush(result)
	}
}

func retentionTTL(cfg *config.ProxyConfig) time.Duration {
	secs := cfg.RetentionSeconds()
	if secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
