package feedcache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock { return &clock{t: time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// countingLoader returns "payload-N" for the Nth load, or err when set.
type countingLoader struct {
	loads atomic.Int32
	mu    sync.Mutex
	err   error
}

func (l *countingLoader) Load(_ context.Context, key string) (string, error) {
	n := l.loads.Add(1)
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return "", l.err
	}
	return fmt.Sprintf("%s-%d", key, n), nil
}

func (l *countingLoader) fail(err error) {
	l.mu.Lock()
	l.err = err
	l.mu.Unlock()
}

func TestGetCachesWithinTTL(t *testing.T) {
	clk := newClock()
	loader := &countingLoader{}
	c := New(loader, Options{TTL: 15 * time.Minute, Now: clk.Now})

	first, err := c.Get(context.Background(), "su")
	require.NoError(t, err)
	assert.Equal(t, "su-1", first.Payload)

	clk.Advance(14 * time.Minute)
	again, err := c.Get(context.Background(), "su")
	require.NoError(t, err)
	assert.Same(t, first, again, "fresh hit returns the stored entry")
	assert.Equal(t, int32(1), loader.loads.Load())

	clk.Advance(time.Minute)
	expired, err := c.Get(context.Background(), "su")
	require.NoError(t, err)
	assert.Equal(t, "su-2", expired.Payload)
	assert.Equal(t, int32(2), loader.loads.Load(), "exactly one rebuild after expiry")
	assert.Equal(t, clk.Now(), expired.CreatedAt)
}

func TestGetCoalescesConcurrentMisses(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var loads atomic.Int32
	c := New(LoaderFunc(func(context.Context, string) (string, error) {
		if loads.Add(1) == 1 {
			close(started)
		}
		<-release
		return "BEGIN:VCALENDAR", nil
	}), Options{TTL: time.Minute})

	const callers = 20
	var wg sync.WaitGroup
	results := make([]*Entry, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.Get(context.Background(), "kent")
		}(i)
	}

	<-started
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), loads.Load())
	for i := range results {
		require.NoError(t, errs[i])
		assert.Equal(t, "BEGIN:VCALENDAR", results[i].Payload)
	}
}

func TestGetErrorsAreSharedAndNotStored(t *testing.T) {
	boom := errors.New("upstream down")
	release := make(chan struct{})
	var loads atomic.Int32
	c := New(LoaderFunc(func(context.Context, string) (string, error) {
		loads.Add(1)
		<-release
		return "", boom
	}), Options{TTL: time.Minute})

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.Get(context.Background(), "su")
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for _, err := range errs {
		assert.ErrorIs(t, err, boom)
	}
	first := loads.Load()

	_, err := c.Get(context.Background(), "su")
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, first+1, loads.Load(), "failures are never cached")
}

func TestGetCallerCancelDoesNotAbortRebuild(t *testing.T) {
	release := make(chan struct{})
	var loads atomic.Int32
	var loadErr atomic.Value
	c := New(LoaderFunc(func(ctx context.Context, _ string) (string, error) {
		loads.Add(1)
		<-release
		if err := ctx.Err(); err != nil {
			loadErr.Store(err)
			return "", err
		}
		return "done", nil
	}), Options{TTL: time.Minute})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.Get(ctx, "su")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	e, err := c.Get(context.Background(), "su")
	require.NoError(t, err)
	assert.Equal(t, "done", e.Payload)
	assert.Equal(t, int32(1), loads.Load())
	assert.Nil(t, loadErr.Load())
}

func TestServeStale(t *testing.T) {
	clk := newClock()
	loader := &countingLoader{}
	c := New(loader, Options{TTL: 15 * time.Minute, ServeStale: true, StaleFor: time.Hour, Now: clk.Now})

	good, err := c.Get(context.Background(), "su")
	require.NoError(t, err)

	loader.fail(errors.New("upstream down"))
	clk.Advance(30 * time.Minute)
	stale, err := c.Get(context.Background(), "su")
	require.NoError(t, err)
	assert.Same(t, good, stale)

	clk.Advance(time.Hour)
	_, err = c.Get(context.Background(), "su")
	assert.EqualError(t, err, "upstream down", "past the stale window the error surfaces")
}

func TestNoStaleByDefault(t *testing.T) {
	clk := newClock()
	loader := &countingLoader{}
	c := New(loader, Options{TTL: time.Minute, StaleFor: time.Hour, Now: clk.Now})

	_, err := c.Get(context.Background(), "su")
	require.NoError(t, err)

	loader.fail(errors.New("upstream down"))
	clk.Advance(2 * time.Minute)
	_, err = c.Get(context.Background(), "su")
	assert.Error(t, err)
}

func TestRefresh(t *testing.T) {
	loader := &countingLoader{}
	c := New(loader, Options{TTL: time.Hour})

	_, err := c.Get(context.Background(), "su")
	require.NoError(t, err)
	e, err := c.Refresh(context.Background(), "su")
	require.NoError(t, err)
	assert.Equal(t, "su-2", e.Payload)

	hit, err := c.Get(context.Background(), "su")
	require.NoError(t, err)
	assert.Same(t, e, hit)
}

func TestETag(t *testing.T) {
	assert.Equal(t, etag("a"), etag("a"))
	assert.NotEqual(t, etag("a"), etag("b"))
	assert.Regexp(t, `^"[0-9a-f]{32}"$`, etag("a"))
}

func TestRebuildDoesNotBlockOtherKeys(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var loads atomic.Int32
	c := New(LoaderFunc(func(_ context.Context, key string) (string, error) {
		loads.Add(1)
		if key == "slow" {
			close(started)
			<-release
		}
		return key, nil
	}), Options{TTL: time.Minute})

	fast, err := c.Get(context.Background(), "fast")
	require.NoError(t, err)
	require.Equal(t, int32(1), loads.Load())

	slowDone := make(chan error, 1)
	go func() {
		_, err := c.Get(context.Background(), "slow")
		slowDone <- err
	}()
	<-started

	got := make(chan *Entry, 1)
	go func() {
		e, err := c.Get(context.Background(), "fast")
		assert.NoError(t, err)
		got <- e
	}()
	select {
	case e := <-got:
		assert.Same(t, fast, e)
	case <-time.After(time.Second):
		t.Fatal("fresh key waited on another key's rebuild")
	}
	assert.Equal(t, int32(2), loads.Load(), "fresh hit does not load")

	other, err := c.Get(context.Background(), "other")
	require.NoError(t, err, "a miss on a third key proceeds while slow is rebuilding")
	assert.Equal(t, "other", other.Payload)

	close(release)
	require.NoError(t, <-slowDone)
	assert.Equal(t, int32(3), loads.Load())
}
