// Package feedcache keeps the last rendered payload of each feed and makes
// sure concurrent misses for one feed trigger a single rebuild.
package feedcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	appLog "calfeed/internal/log"
	"calfeed/internal/metrics"
)

// DefaultTTL is the freshness window used when Options.TTL is unset.
const DefaultTTL = 15 * time.Minute

// Loader builds the payload for one feed key.
type Loader interface {
	Load(ctx context.Context, key string) (string, error)
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc func(ctx context.Context, key string) (string, error)

func (f LoaderFunc) Load(ctx context.Context, key string) (string, error) { return f(ctx, key) }

// Entry is one published payload. Entries are immutable once stored.
type Entry struct {
	Payload   string
	CreatedAt time.Time
	// ETag is a strong validator derived from Payload.
	ETag string
}

// Options configures a Cache.
type Options struct {
	TTL time.Duration
	// ServeStale lets a failed rebuild fall back to the previous payload
	// while it is younger than TTL+StaleFor.
	ServeStale bool
	StaleFor   time.Duration
	// LoadTimeout bounds one rebuild. A rebuild is detached from the
	// request that started it, so callers giving up do not abort it.
	LoadTimeout time.Duration
	// Now is the clock used for freshness. Defaults to time.Now.
	Now func() time.Time
}

type Cache struct {
	loader Loader
	opts   Options
	store  *cache.Cache
	group  singleflight.Group
}

func New(loader Loader, opts Options) *Cache {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if !opts.ServeStale {
		opts.StaleFor = 0
	}
	retain := opts.TTL + opts.StaleFor
	return &Cache{
		loader: loader,
		opts:   opts,
		store:  cache.New(retain, 2*retain),
	}
}

// TTL returns the freshness window.
func (c *Cache) TTL() time.Duration { return c.opts.TTL }

// Expires reports when e stops being fresh.
func (c *Cache) Expires(e *Entry) time.Time { return e.CreatedAt.Add(c.opts.TTL) }

// Get returns the fresh entry for key, rebuilding it when absent or expired.
// Concurrent callers for the same key share one rebuild. If ctx ends first,
// Get returns ctx.Err() and the rebuild carries on for the other waiters.
func (c *Cache) Get(ctx context.Context, key string) (*Entry, error) {
	if e, ok := c.lookup(key); ok && c.fresh(e) {
		metrics.CacheLookup(key, "hit")
		return e, nil
	}
	metrics.CacheLookup(key, "miss")
	return c.wait(ctx, key, false)
}

// Refresh rebuilds key even if the current entry is still fresh. It joins a
// rebuild already in flight instead of starting a second one.
func (c *Cache) Refresh(ctx context.Context, key string) (*Entry, error) {
	return c.wait(ctx, key, true)
}

func (c *Cache) wait(ctx context.Context, key string, force bool) (*Entry, error) {
	ch := c.group.DoChan(key, func() (any, error) {
		return c.recompute(context.WithoutCancel(ctx), key, force)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Entry), nil
	}
}

func (c *Cache) recompute(ctx context.Context, key string, force bool) (*Entry, error) {
	// A flight that finished just before this one started may already have
	// stored a fresh entry.
	if !force {
		if e, ok := c.lookup(key); ok && c.fresh(e) {
			return e, nil
		}
	}

	if c.opts.LoadTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.LoadTimeout)
		defer cancel()
	}

	start := time.Now()
	payload, err := c.loader.Load(ctx, key)
	metrics.Recompute(key, time.Since(start), err)
	if err != nil {
		if prev, ok := c.stale(key); ok {
			appLog.Warn("feed rebuild failed, serving previous payload", "feed", key, "age", c.opts.Now().Sub(prev.CreatedAt).String(), "err", err)
			metrics.CacheLookup(key, "stale")
			return prev, nil
		}
		return nil, err
	}

	e := &Entry{
		Payload:   payload,
		CreatedAt: c.opts.Now(),
		ETag:      etag(payload),
	}
	c.store.Set(key, e, cache.DefaultExpiration)
	appLog.Debug("feed cached", "feed", key, "bytes", len(payload), "etag", e.ETag)
	return e, nil
}

func (c *Cache) lookup(key string) (*Entry, bool) {
	v, ok := c.store.Get(key)
	if !ok {
		return nil, false
	}
	return v.(*Entry), true
}

func (c *Cache) fresh(e *Entry) bool {
	return c.opts.Now().Before(c.Expires(e))
}

func (c *Cache) stale(key string) (*Entry, bool) {
	if !c.opts.ServeStale {
		return nil, false
	}
	e, ok := c.lookup(key)
	if !ok || !c.opts.Now().Before(e.CreatedAt.Add(c.opts.TTL+c.opts.StaleFor)) {
		return nil, false
	}
	return e, true
}

func etag(payload string) string {
	sum := sha256.Sum256([]byte(payload))
	return `"` + hex.EncodeToString(sum[:16]) + `"`
}
