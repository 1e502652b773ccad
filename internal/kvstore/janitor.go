package kvstore

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"
)

// Janitor periodically removes expired entries from a Store.
type Janitor struct {
	store   Store
	cron    *cron.Cron
	timeout time.Duration
}

// NewJanitor schedules PurgeExpired on the given cron expression.
func NewJanitor(store Store, schedule string) (*Janitor, error) {
	j := &Janitor{
		store:   store,
		cron:    cron.New(),
		timeout: 30 * time.Second,
	}
	if _, err := j.cron.AddFunc(schedule, j.RunOnce); err != nil {
		return nil, fmt.Errorf("kvstore janitor: invalid cron expression %q: %w", schedule, err)
	}
	return j, nil
}

// Start starts the scheduler.
func (j *Janitor) Start() { j.cron.Start() }

// Stop stops the scheduler and waits for a running purge to finish.
func (j *Janitor) Stop() {
	<-j.cron.Stop().Done()
}

// RunOnce purges expired entries immediately.
func (j *Janitor) RunOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()
	n, err := j.store.PurgeExpired(ctx)
	if err != nil {
		log.Printf("[kvstore] purge expired failed: %v", err)
		return
	}
	if n > 0 {
		log.Printf("[kvstore] purged %d expired entries", n)
	}
}
