// Package browserpool manages a bounded set of browser instances shared by
// test executors. Browsers are launched lazily up to a ceiling, handed out
// exclusively, and evicted or replaced by a periodic health pass.
package browserpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lijomadassery/appsentry/internal/browser"
	"golang.org/x/sync/errgroup"
)

// Config holds pool limits and eviction thresholds
type Config struct {
	MaxBrowsers    int
	MinBrowsers    int
	AcquireTimeout time.Duration
	MaxAge         time.Duration
	MaxIdle        time.Duration
	HealthInterval time.Duration
}

// Stats is a snapshot of pool occupancy
type Stats struct {
	Total     int `json:"total"`
	Available int `json:"available"`
	Busy      int `json:"busy"`
	Healthy   int `json:"healthy"`
	Contexts  int `json:"contexts"`
	Waiting   int `json:"waiting"`
}

type resource struct {
	id         string
	browser    browser.Browser
	healthy    bool
	createdAt  time.Time
	lastUsedAt time.Time
	usageCount int
	contexts   map[string]browser.Context
	lease      uint64
	releasing  bool
}

// Handle is an exclusive lease on one pooled browser
type Handle struct {
	res   *resource
	lease uint64
}

// ID returns the pooled browser's ID
func (h *Handle) ID() string { return h.res.id }

// Browser returns the underlying browser
func (h *Handle) Browser() browser.Browser { return h.res.browser }

// Option configures a Pool
type Option func(*Pool)

// WithLogger sets the pool logger
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pool) { p.logger = logger }
}

// WithClock overrides the time source used for age and idle accounting
func WithClock(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

// WithOnChange registers a callback invoked after every occupancy change
func WithOnChange(fn func(Stats)) Option {
	return func(p *Pool) { p.onChange = fn }
}

// Pool hands out browsers up to a fixed ceiling
type Pool struct {
	launcher browser.Launcher
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time

	mu        sync.Mutex
	available []*resource
	busy      map[string]*resource
	probing   map[string]*resource
	creating  int
	waiters   []chan *resource
	nextLease uint64
	closed    bool
	onChange  func(Stats)

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a pool. Call Start to warm it and run periodic health checks.
func New(launcher browser.Launcher, cfg Config, opts ...Option) *Pool {
	if cfg.MaxBrowsers <= 0 {
		cfg.MaxBrowsers = 1
	}
	if cfg.MinBrowsers > cfg.MaxBrowsers {
		cfg.MinBrowsers = cfg.MaxBrowsers
	}
	p := &Pool{
		launcher: launcher,
		cfg:      cfg,
		logger:   slog.Default(),
		now:      time.Now,
		busy:     make(map[string]*resource),
		probing:  make(map[string]*resource),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// SetOnChange sets the callback invoked after occupancy changes
func (p *Pool) SetOnChange(fn func(Stats)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onChange = fn
}

// Start warms the pool to MinBrowsers and starts the health loop
func (p *Pool) Start(ctx context.Context) error {
	if err := p.replenish(ctx, 0); err != nil {
		return fmt.Errorf("warming browser pool: %w", err)
	}
	if p.cfg.HealthInterval <= 0 {
		return nil
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	p.mu.Lock()
	p.cancel = cancel
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.cfg.HealthInterval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				p.CheckHealth(loopCtx)
			}
		}
	}()
	return nil
}

// Acquire returns an exclusive browser handle, launching a new browser when
// below the ceiling or waiting for a release otherwise. Waiting is bounded by
// AcquireTimeout and fails with ErrPoolExhausted.
func (p *Pool) Acquire(ctx context.Context) (*Handle, error) {
	parent := ctx
	if p.cfg.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.AcquireTimeout)
		defer cancel()
	}

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}

		if n := len(p.available); n > 0 {
			res := p.available[n-1]
			p.available = p.available[:n-1]
			h := p.leaseLocked(res)
			p.mu.Unlock()
			p.changed()
			return h, nil
		}

		if p.totalLocked() < p.cfg.MaxBrowsers {
			p.creating++
			p.mu.Unlock()
			return p.launchLeased(ctx)
		}

		ch := make(chan *resource, 1)
		p.waiters = append(p.waiters, ch)
		p.mu.Unlock()

		select {
		case res := <-ch:
			if res == nil {
				// capacity was freed; try again
				continue
			}
			return &Handle{res: res, lease: res.lease}, nil
		case <-ctx.Done():
			p.mu.Lock()
			removed := p.removeWaiterLocked(ch)
			p.mu.Unlock()
			if !removed {
				// A release raced with the timeout; pass it on.
				if res := <-ch; res != nil {
					_ = p.Release(&Handle{res: res, lease: res.lease})
				} else {
					p.wakeOne()
				}
			}
			if err := parent.Err(); err != nil {
				return nil, err
			}
			return nil, fmt.Errorf("%w: no browser released within %s", ErrPoolExhausted, p.cfg.AcquireTimeout)
		}
	}
}

func (p *Pool) launchLeased(ctx context.Context) (*Handle, error) {
	res, err := p.launch(ctx)

	p.mu.Lock()
	p.creating--
	if err != nil {
		p.wakeOneLocked()
		p.mu.Unlock()
		return nil, fmt.Errorf("launching browser: %w", err)
	}
	if p.closed {
		p.mu.Unlock()
		_ = res.browser.Close()
		return nil, ErrPoolClosed
	}
	h := p.leaseLocked(res)
	p.mu.Unlock()

	p.changed()
	return h, nil
}

// Release closes the handle's open contexts and returns the browser to the
// pool, handing it straight to the oldest waiter if there is one. Browsers
// that have disconnected or been marked unhealthy are destroyed instead.
func (p *Pool) Release(h *Handle) error {
	p.mu.Lock()
	res, ok := p.busy[h.res.id]
	if !ok || res.lease != h.lease || res.releasing {
		p.mu.Unlock()
		return ErrUnknownHandle
	}
	res.releasing = true
	contexts := res.contexts
	res.contexts = make(map[string]browser.Context)
	p.mu.Unlock()

	for id, c := range contexts {
		if err := c.Close(); err != nil {
			p.logger.Warn("closing browser context", "browser", res.id, "context", id, "error", err)
		}
	}
	connected := res.browser.Connected()

	p.mu.Lock()
	res.releasing = false
	res.lastUsedAt = p.now()
	if !connected {
		res.healthy = false
	}
	delete(p.busy, res.id)

	var destroy *resource
	switch {
	case p.closed || !res.healthy:
		destroy = res
		p.wakeOneLocked()
	default:
		p.returnLocked(res)
	}
	p.mu.Unlock()

	if destroy != nil {
		p.logger.Info("destroying released browser", "browser", destroy.id, "healthy", destroy.healthy)
		p.destroy(destroy)
	}
	p.changed()
	return nil
}

// MarkUnhealthy flags the handle's browser so that Release destroys it
func (p *Pool) MarkUnhealthy(h *Handle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if res, ok := p.busy[h.res.id]; ok && res.lease == h.lease {
		res.healthy = false
	}
}

// NewContext opens a browsing context owned by the handle. It is closed by
// CloseContext or, at the latest, by Release.
func (p *Pool) NewContext(ctx context.Context, h *Handle, opts browser.ContextOptions) (browser.Context, error) {
	if !p.owns(h) {
		return nil, ErrUnknownHandle
	}

	bc, err := h.res.browser.NewContext(ctx, opts)
	if err != nil {
		if !h.res.browser.Connected() {
			p.MarkUnhealthy(h)
		}
		return nil, fmt.Errorf("opening context on browser %s: %w", h.res.id, err)
	}

	p.mu.Lock()
	h.res.contexts[bc.ID()] = bc
	p.mu.Unlock()
	p.changed()
	return bc, nil
}

// CloseContext closes a context previously opened with NewContext
func (p *Pool) CloseContext(h *Handle, bc browser.Context) error {
	p.mu.Lock()
	_, tracked := h.res.contexts[bc.ID()]
	delete(h.res.contexts, bc.ID())
	p.mu.Unlock()

	if !tracked {
		return nil
	}
	err := bc.Close()
	p.changed()
	return err
}

// Stats returns current pool occupancy
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.statsLocked()
}

// CheckHealth runs one eviction and liveness pass over idle browsers. Busy
// browsers are never touched.
func (p *Pool) CheckHealth(ctx context.Context) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	now := p.now()
	total := p.totalLocked()

	var evict, probe []*resource
	for _, res := range p.available {
		expired := !res.healthy ||
			(p.cfg.MaxAge > 0 && now.Sub(res.createdAt) > p.cfg.MaxAge) ||
			(p.cfg.MaxIdle > 0 && now.Sub(res.lastUsedAt) > p.cfg.MaxIdle)
		if expired && (total-len(evict) > 1 || !res.healthy) {
			evict = append(evict, res)
			continue
		}
		probe = append(probe, res)
	}
	for _, res := range probe {
		p.probing[res.id] = res
	}
	p.available = nil
	for range evict {
		p.wakeOneLocked()
	}
	p.mu.Unlock()

	if len(evict) > 0 {
		p.logger.Info("evicting idle browsers", "count", len(evict))
		p.destroyAll(evict)
	}

	var g errgroup.Group
	failed := make([]bool, len(probe))
	for i, res := range probe {
		g.Go(func() error {
			failed[i] = !p.probe(ctx, res)
			return nil
		})
	}
	_ = g.Wait()

	var dead []*resource
	p.mu.Lock()
	for i, res := range probe {
		delete(p.probing, res.id)
		if failed[i] || p.closed {
			res.healthy = false
			dead = append(dead, res)
			p.wakeOneLocked()
			continue
		}
		p.returnLocked(res)
	}
	p.mu.Unlock()

	if len(dead) > 0 {
		p.logger.Warn("replacing unhealthy browsers", "count", len(dead))
		p.destroyAll(dead)
	}
	if err := p.replenish(ctx, len(dead)); err != nil {
		p.logger.Error("replenishing browser pool", "error", err)
	}
	p.changed()
}

// Shutdown closes every browser, busy or not, and fails pending and future
// Acquire calls with ErrPoolClosed. It is safe to call more than once.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	cancel := p.cancel
	all := append([]*resource(nil), p.available...)
	for _, res := range p.busy {
		all = append(all, res)
	}
	for _, res := range p.probing {
		all = append(all, res)
	}
	p.available = nil
	p.busy = make(map[string]*resource)
	p.probing = make(map[string]*resource)
	waiters := p.waiters
	p.waiters = nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, ch := range waiters {
		ch <- nil
	}
	p.destroyAll(all)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("waiting for health loop: %w", ctx.Err())
	}

	p.logger.Info("browser pool shut down", "browsers", len(all))
	p.changed()
	return nil
}

// replenish launches browsers until the pool holds at least MinBrowsers, and
// at least extra additional ones, without exceeding the ceiling.
func (p *Pool) replenish(ctx context.Context, extra int) error {
	p.mu.Lock()
	want := max(p.cfg.MinBrowsers-p.totalLocked(), extra)
	want = min(want, p.cfg.MaxBrowsers-p.totalLocked())
	if p.closed || want <= 0 {
		p.mu.Unlock()
		return nil
	}
	p.creating += want
	p.mu.Unlock()

	var g errgroup.Group
	for range want {
		g.Go(func() error {
			res, err := p.launch(ctx)
			p.mu.Lock()
			defer p.mu.Unlock()
			p.creating--
			if err != nil {
				p.wakeOneLocked()
				return err
			}
			if p.closed {
				go res.browser.Close()
				return nil
			}
			p.returnLocked(res)
			return nil
		})
	}
	err := g.Wait()
	p.changed()
	return err
}

func (p *Pool) launch(ctx context.Context) (*resource, error) {
	b, err := p.launcher.Launch(ctx)
	if err != nil {
		return nil, err
	}
	now := p.now()
	p.logger.Debug("launched browser", "browser", b.ID())
	return &resource{
		id:         b.ID(),
		browser:    b,
		healthy:    true,
		createdAt:  now,
		lastUsedAt: now,
		contexts:   make(map[string]browser.Context),
	}, nil
}

func (p *Pool) probe(ctx context.Context, res *resource) bool {
	if !res.browser.Connected() {
		return false
	}
	bc, err := res.browser.NewContext(ctx, browser.ContextOptions{})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return true
		}
		p.logger.Warn("browser health probe failed", "browser", res.id, "error", err)
		return false
	}
	if err := bc.Close(); err != nil {
		p.logger.Warn("browser health probe close failed", "browser", res.id, "error", err)
		return false
	}
	return true
}

func (p *Pool) destroy(res *resource) {
	if err := res.browser.Close(); err != nil {
		p.logger.Warn("closing browser", "browser", res.id, "error", err)
	}
}

func (p *Pool) destroyAll(resources []*resource) {
	var g errgroup.Group
	for _, res := range resources {
		g.Go(func() error {
			p.destroy(res)
			return nil
		})
	}
	_ = g.Wait()
}

func (p *Pool) owns(h *Handle) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	res, ok := p.busy[h.res.id]
	return ok && res.lease == h.lease && !res.releasing
}

// leaseLocked moves res into the busy set under a fresh lease
func (p *Pool) leaseLocked(res *resource) *Handle {
	p.nextLease++
	res.lease = p.nextLease
	res.usageCount++
	res.lastUsedAt = p.now()
	p.busy[res.id] = res
	return &Handle{res: res, lease: res.lease}
}

// returnLocked gives res to the oldest waiter or puts it back in the available set
func (p *Pool) returnLocked(res *resource) {
	if len(p.waiters) > 0 {
		ch := p.waiters[0]
		p.waiters = p.waiters[1:]
		p.leaseLocked(res)
		ch <- res
		return
	}
	p.available = append(p.available, res)
}

// wakeOneLocked tells the oldest waiter that capacity was freed
func (p *Pool) wakeOneLocked() {
	if len(p.waiters) == 0 {
		return
	}
	ch := p.waiters[0]
	p.waiters = p.waiters[1:]
	ch <- nil
}

func (p *Pool) wakeOne() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.wakeOneLocked()
}

func (p *Pool) removeWaiterLocked(ch chan *resource) bool {
	for i, w := range p.waiters {
		if w == ch {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return true
		}
	}
	return false
}

func (p *Pool) totalLocked() int {
	return len(p.available) + len(p.busy) + len(p.probing) + p.creating
}

func (p *Pool) statsLocked() Stats {
	s := Stats{
		Total:     len(p.available) + len(p.busy) + len(p.probing),
		Available: len(p.available),
		Busy:      len(p.busy),
		Waiting:   len(p.waiters),
	}
	for _, res := range p.available {
		if res.healthy {
			s.Healthy++
		}
	}
	for _, res := range p.probing {
		if res.healthy {
			s.Healthy++
		}
	}
	for _, res := range p.busy {
		if res.healthy {
			s.Healthy++
		}
		s.Contexts += len(res.contexts)
	}
	return s
}

// changed invokes the OnChange callback outside the lock
func (p *Pool) changed() {
	p.mu.Lock()
	callback := p.onChange
	var stats Stats
	if callback != nil {
		stats = p.statsLocked()
	}
	p.mu.Unlock()

	if callback != nil {
		callback(stats)
	}
}
