// Package refresh periodically rebuilds every feed so that readers hit a warm
// cache.
package refresh

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"calfeed/internal/feedcache"
	appLog "calfeed/internal/log"
)

// Refresher forces one feed to be rebuilt.
type Refresher interface {
	Refresh(ctx context.Context, key string) (*feedcache.Entry, error)
}

// Warmer runs a refresh pass over its keys on a cron schedule.
type Warmer struct {
	refresher Refresher
	keys      []string
	sched     *cron.Cron

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

// New parses schedule (standard five-field cron syntax, or descriptors such as
// "@every 15m") and returns a stopped Warmer. An empty schedule runs
// nothing; RunOnce still works.
func New(r Refresher, keys []string, schedule string, loc *time.Location) (*Warmer, error) {
	if loc == nil {
		loc = time.Local
	}
	w := &Warmer{
		refresher: r,
		keys:      keys,
		sched:     cron.New(cron.WithLocation(loc)),
		ctx:       context.Background(),
	}
	if schedule == "" {
		return w, nil
	}
	if _, err := w.sched.AddFunc(schedule, w.tick); err != nil {
		return nil, fmt.Errorf("refresh schedule %q: %w", schedule, err)
	}
	return w, nil
}

// RunOnce refreshes every key in order and returns how many failed. Failures
// are logged; the pass carries on with the next key.
func (w *Warmer) RunOnce(ctx context.Context) int {
	failed := 0
	for _, key := range w.keys {
		if ctx.Err() != nil {
			return failed + 1
		}
		start := time.Now()
		if _, err := w.refresher.Refresh(ctx, key); err != nil {
			failed++
			appLog.Error("feed refresh failed", err, "feed", key)
			continue
		}
		appLog.Debug("feed refreshed", "feed", key, "took", time.Since(start).String())
	}
	return failed
}

// Start runs the schedule until ctx is cancelled or Stop is called.
func (w *Warmer) Start(ctx context.Context) {
	w.mu.Lock()
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.mu.Unlock()

	w.sched.Start()
	if next := w.Next(); !next.IsZero() {
		appLog.Info("refresh scheduler started", "feeds", len(w.keys), "next", next.Format(time.RFC3339))
	}
}

// Stop halts the schedule and waits for a running pass to finish.
func (w *Warmer) Stop() {
	w.mu.Lock()
	if w.cancel != nil {
		w.cancel()
	}
	w.mu.Unlock()
	<-w.sched.Stop().Done()
}

// Next reports the next scheduled run.
func (w *Warmer) Next() time.Time {
	entries := w.sched.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}

func (w *Warmer) tick() {
	w.mu.Lock()
	ctx := w.ctx
	w.mu.Unlock()
	if failed := w.RunOnce(ctx); failed > 0 {
		appLog.Warn("refresh pass finished with failures", "failed", failed, "feeds", len(w.keys))
	}
}
