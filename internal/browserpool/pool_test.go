package browserpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lijomadassery/appsentry/internal/browser"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLauncher struct {
	mu       sync.Mutex
	seq      int
	launched []*fakeBrowser
	fail     error
}

func (l *fakeLauncher) Launch(ctx context.Context) (browser.Browser, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fail != nil {
		return nil, l.fail
	}
	l.seq++
	b := &fakeBrowser{id: fmt.Sprintf("b%d", l.seq), connected: true}
	l.launched = append(l.launched, b)
	return b, nil
}

func (l *fakeLauncher) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.launched)
}

type fakeBrowser struct {
	id        string
	mu        sync.Mutex
	connected bool
	probeFail bool
	closed    bool
	ctxSeq    int
}

func (b *fakeBrowser) ID() string { return b.id }

func (b *fakeBrowser) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

func (b *fakeBrowser) NewContext(ctx context.Context, opts browser.ContextOptions) (browser.Context, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || b.probeFail {
		return nil, errors.New("target crashed")
	}
	b.ctxSeq++
	return &fakeContext{id: fmt.Sprintf("%s-c%d", b.id, b.ctxSeq)}, nil
}

func (b *fakeBrowser) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.connected = false
	return nil
}

func (b *fakeBrowser) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

type fakeContext struct {
	id     string
	closed atomic.Bool
}

func (c *fakeContext) ID() string { return c.id }
func (c *fakeContext) Navigate(ctx context.Context, url string) (*browser.Page, error) {
	return &browser.Page{URL: url, StatusCode: 200}, nil
}
func (c *fakeContext) Submit(ctx context.Context, form browser.Form) (*browser.Page, error) {
	return &browser.Page{URL: form.Action, StatusCode: 200}, nil
}
func (c *fakeContext) Close() error {
	c.closed.Store(true)
	return nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestPool(t *testing.T, cfg Config, opts ...Option) (*Pool, *fakeLauncher) {
	t.Helper()
	l := &fakeLauncher{}
	p := New(l, cfg, opts...)
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })
	return p, l
}

func TestPool_BlockedAcquireResolvesOnRelease(t *testing.T) {
	p, l := newTestPool(t, Config{MaxBrowsers: 2, AcquireTimeout: 5 * time.Second})
	ctx := context.Background()

	h1, err := p.Acquire(ctx)
	require.NoError(t, err)
	h2, err := p.Acquire(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, h1.ID(), h2.ID())

	got := make(chan *Handle, 1)
	go func() {
		h, err := p.Acquire(ctx)
		if err == nil {
			got <- h
		}
	}()

	require.Eventually(t, func() bool { return p.Stats().Waiting == 1 }, time.Second, 5*time.Millisecond)
	select {
	case <-got:
		t.Fatal("third acquire should block at the ceiling")
	default:
	}

	require.NoError(t, p.Release(h1))

	select {
	case h3 := <-got:
		assert.Equal(t, h1.ID(), h3.ID())
	case <-time.After(time.Second):
		t.Fatal("blocked acquire did not resolve after release")
	}
	assert.Equal(t, 2, l.count(), "no browser beyond the ceiling should be launched")
}

func TestPool_AcquireTimeout(t *testing.T) {
	p, _ := newTestPool(t, Config{MaxBrowsers: 1, AcquireTimeout: 50 * time.Millisecond})
	ctx := context.Background()

	_, err := p.Acquire(ctx)
	require.NoError(t, err)

	start := time.Now()
	_, err = p.Acquire(ctx)
	require.ErrorIs(t, err, ErrPoolExhausted)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.Equal(t, 0, p.Stats().Waiting)
}

func TestPool_AcquireCallerCancel(t *testing.T) {
	p, _ := newTestPool(t, Config{MaxBrowsers: 1, AcquireTimeout: time.Minute})

	_, err := p.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = p.Acquire(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, ErrPoolExhausted)
}

func TestPool_CeilingUnderContention(t *testing.T) {
	p, l := newTestPool(t, Config{MaxBrowsers: 3, AcquireTimeout: 5 * time.Second})

	var live, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := p.Acquire(context.Background())
			if !assert.NoError(t, err) {
				return
			}
			n := live.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			live.Add(-1)
			assert.NoError(t, p.Release(h))
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, int(peak.Load()), 3)
	assert.LessOrEqual(t, l.count(), 3)
	assert.Equal(t, 0, p.Stats().Busy)
}

func TestPool_ReleaseClosesContexts(t *testing.T) {
	p, _ := newTestPool(t, Config{MaxBrowsers: 1})
	ctx := context.Background()

	h, err := p.Acquire(ctx)
	require.NoError(t, err)
	c1, err := p.NewContext(ctx, h, browser.ContextOptions{})
	require.NoError(t, err)
	c2, err := p.NewContext(ctx, h, browser.ContextOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, p.Stats().Contexts)

	require.NoError(t, p.CloseContext(h, c1))
	assert.Equal(t, 1, p.Stats().Contexts)

	require.NoError(t, p.Release(h))
	assert.True(t, c2.(*fakeContext).closed.Load())
	assert.Equal(t, 0, p.Stats().Contexts)
	assert.Equal(t, 1, p.Stats().Available)
}

func TestPool_DoubleReleaseAndStaleHandle(t *testing.T) {
	p, _ := newTestPool(t, Config{MaxBrowsers: 1})
	ctx := context.Background()

	h1, err := p.Acquire(ctx)
	require.NoError(t, err)
	require.NoError(t, p.Release(h1))
	require.ErrorIs(t, p.Release(h1), ErrUnknownHandle)

	h2, err := p.Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, h1.ID(), h2.ID())

	// The stale handle must not release the new lease
	require.ErrorIs(t, p.Release(h1), ErrUnknownHandle)
	_, err = p.NewContext(ctx, h1, browser.ContextOptions{})
	require.ErrorIs(t, err, ErrUnknownHandle)
	require.NoError(t, p.Release(h2))
}

func TestPool_UnhealthyReleaseIsReplaced(t *testing.T) {
	p, l := newTestPool(t, Config{MaxBrowsers: 1, AcquireTimeout: 5 * time.Second})
	ctx := context.Background()

	h, err := p.Acquire(ctx)
	require.NoError(t, err)
	crashed := h.Browser().(*fakeBrowser)

	got := make(chan *Handle, 1)
	go func() {
		h, err := p.Acquire(ctx)
		if err == nil {
			got <- h
		}
	}()
	require.Eventually(t, func() bool { return p.Stats().Waiting == 1 }, time.Second, 5*time.Millisecond)

	_ = crashed.Close()
	require.NoError(t, p.Release(h))

	select {
	case h2 := <-got:
		assert.NotEqual(t, crashed.ID(), h2.ID())
	case <-time.After(time.Second):
		t.Fatal("waiter was not served after unhealthy release")
	}
	assert.Equal(t, 2, l.count())
}

func TestPool_MarkUnhealthy(t *testing.T) {
	p, _ := newTestPool(t, Config{MaxBrowsers: 1})
	ctx := context.Background()

	h, err := p.Acquire(ctx)
	require.NoError(t, err)
	b := h.Browser().(*fakeBrowser)

	p.MarkUnhealthy(h)
	require.NoError(t, p.Release(h))

	assert.True(t, b.isClosed())
	assert.Equal(t, 0, p.Stats().Total)
}

func TestPool_IdleEviction(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	p, _ := newTestPool(t, Config{MaxBrowsers: 3, MaxIdle: time.Minute}, WithClock(clock.Now))
	ctx := context.Background()

	h1, err := p.Acquire(ctx)
	require.NoError(t, err)
	h2, err := p.Acquire(ctx)
	require.NoError(t, err)
	require.NoError(t, p.Release(h1))
	require.NoError(t, p.Release(h2))
	require.Equal(t, 2, p.Stats().Total)

	clock.Advance(2 * time.Minute)
	p.CheckHealth(ctx)

	// Pool retains at least one browser
	assert.Equal(t, 1, p.Stats().Total)
	closed := 0
	for _, b := range []*fakeBrowser{h1.Browser().(*fakeBrowser), h2.Browser().(*fakeBrowser)} {
		if b.isClosed() {
			closed++
		}
	}
	assert.Equal(t, 1, closed)
}

func TestPool_EvictionReplenishesMinimum(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	p, l := newTestPool(t, Config{MaxBrowsers: 3, MinBrowsers: 2, MaxAge: time.Hour}, WithClock(clock.Now))
	ctx := context.Background()
	require.NoError(t, p.Start(ctx))
	require.Equal(t, 2, p.Stats().Total)

	clock.Advance(2 * time.Hour)
	p.CheckHealth(ctx)

	assert.Equal(t, 2, p.Stats().Total)
	assert.Equal(t, 3, l.count(), "one expired browser evicted, one replacement launched")
}

func TestPool_BusyNeverEvicted(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	p, _ := newTestPool(t, Config{MaxBrowsers: 2, MaxIdle: time.Second, MaxAge: time.Second}, WithClock(clock.Now))
	ctx := context.Background()

	h, err := p.Acquire(ctx)
	require.NoError(t, err)
	b := h.Browser().(*fakeBrowser)
	b.mu.Lock()
	b.probeFail = true
	b.mu.Unlock()

	clock.Advance(time.Hour)
	p.CheckHealth(ctx)

	assert.False(t, b.isClosed())
	assert.Equal(t, 1, p.Stats().Busy)
	require.NoError(t, p.Release(h))
}

func TestPool_ProbeFailureReplaces(t *testing.T) {
	p, l := newTestPool(t, Config{MaxBrowsers: 2})
	ctx := context.Background()

	h, err := p.Acquire(ctx)
	require.NoError(t, err)
	b := h.Browser().(*fakeBrowser)
	require.NoError(t, p.Release(h))

	b.mu.Lock()
	b.probeFail = true
	b.mu.Unlock()

	p.CheckHealth(ctx)

	assert.True(t, b.isClosed())
	assert.Equal(t, 2, l.count())
	stats := p.Stats()
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, 1, stats.Healthy)
}

func TestPool_ShutdownIdempotent(t *testing.T) {
	p, _ := newTestPool(t, Config{MaxBrowsers: 1, AcquireTimeout: 5 * time.Second, HealthInterval: time.Hour})
	ctx := context.Background()
	require.NoError(t, p.Start(ctx))

	h, err := p.Acquire(ctx)
	require.NoError(t, err)
	b := h.Browser().(*fakeBrowser)

	waitErr := make(chan error, 1)
	go func() {
		_, err := p.Acquire(ctx)
		waitErr <- err
	}()
	require.Eventually(t, func() bool { return p.Stats().Waiting == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, p.Shutdown(ctx))
	require.NoError(t, p.Shutdown(ctx))

	assert.True(t, b.isClosed(), "busy browsers are closed on shutdown")
	assert.ErrorIs(t, <-waitErr, ErrPoolClosed)
	_, err = p.Acquire(ctx)
	assert.ErrorIs(t, err, ErrPoolClosed)
	assert.Equal(t, Stats{}, p.Stats())
}

func TestPool_LaunchFailure(t *testing.T) {
	p, l := newTestPool(t, Config{MaxBrowsers: 1})
	l.fail = errors.New("no display")

	_, err := p.Acquire(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no display")
	assert.Equal(t, 0, p.Stats().Total)
}

func TestPool_OnChange(t *testing.T) {
	var mu sync.Mutex
	var seen []Stats
	p, _ := newTestPool(t, Config{MaxBrowsers: 1}, WithOnChange(func(s Stats) {
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	}))

	h, err := p.Acquire(context.Background())
	require.NoError(t, err)
	require.NoError(t, p.Release(h))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 2)
	assert.Equal(t, 1, seen[0].Busy)
	assert.Equal(t, 1, seen[1].Available)
}
