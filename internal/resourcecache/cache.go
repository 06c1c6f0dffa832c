// Package resourcecache backs navigation and detail pages with a shared,
// revalidating index of resource objects per resource type.
//
// Callers never see a panic or a returned error: every lookup yields a Result
// whose Err or Loading field tells them what to render. Identical in-flight
// fetches are coalesced, and a settled index is replaced wholesale on refetch.
package resourcecache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"kportal/internal/kube"
	"kportal/internal/metrics"
)

const (
	defaultDedupeInterval = 2 * time.Second
	defaultFetchTimeout   = 30 * time.Second
)

// Fetcher lists every object of key.
type Fetcher func(ctx context.Context, key kube.ResourceKey) ([]unstructured.Unstructured, error)

// Result is what a lookup observes. Exactly one of Index and Err is set once a
// fetch has settled; before that Loading is true.
type Result struct {
	Index   Index
	Err     error
	Loading bool
}

type entry struct {
	key       kube.ResourceKey
	result    Result
	settled   bool
	updatedAt time.Time
	subs      map[int]chan Result
}

type Cache struct {
	fetch   Fetcher
	logger  *slog.Logger
	now     func() time.Time
	dedupe  time.Duration
	timeout time.Duration

	group singleflight.Group

	mu      sync.Mutex
	entries map[string]*entry
	gen     uint64
	nextSub int
}

type Option func(*Cache)

func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) { c.logger = l }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithDedupeInterval sets how long a settled result is served without
// triggering a background revalidation.
func WithDedupeInterval(d time.Duration) Option {
	return func(c *Cache) { c.dedupe = d }
}

func WithFetchTimeout(d time.Duration) Option {
	return func(c *Cache) { c.timeout = d }
}

func New(fetch Fetcher, opts ...Option) *Cache {
	c := &Cache{
		fetch:   fetch,
		logger:  slog.Default(),
		now:     time.Now,
		dedupe:  defaultDedupeInterval,
		timeout: defaultFetchTimeout,
		entries: map[string]*entry{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the settled result for key. A stale result is returned as is
// while a background revalidation runs. With nothing settled yet, Get waits
// for the shared fetch; if ctx ends first the result reports Loading.
func (c *Cache) Get(ctx context.Context, key kube.ResourceKey) Result {
	if res, ok := c.settled(key); ok {
		return res
	}

	select {
	case r := <-c.startFetch(key):
		return r.Val.(Result)
	case <-ctx.Done():
		return Result{Loading: true}
	}
}

// Peek never blocks. It reports Loading and starts a fetch when nothing has
// settled for key yet.
func (c *Cache) Peek(key kube.ResourceKey) Result {
	if res, ok := c.settled(key); ok {
		return res
	}
	c.startFetch(key)
	return Result{Loading: true}
}

// Revalidate forces a fetch, joining one already in flight, and waits for it.
func (c *Cache) Revalidate(ctx context.Context, key kube.ResourceKey) Result {
	select {
	case r := <-c.startFetch(key):
		return r.Val.(Result)
	case <-ctx.Done():
		return Result{Loading: true}
	}
}

// Purge drops every settled result, for example after a context switch.
// Fetches already in flight are discarded when they land.
func (c *Cache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.gen++
	for k, e := range c.entries {
		if len(e.subs) == 0 {
			delete(c.entries, k)
			continue
		}
		e.result = Result{}
		e.settled = false
	}
}

// Keys returns the resource types the cache currently tracks.
func (c *Cache) Keys() []kube.ResourceKey {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]kube.ResourceKey, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e.key)
	}
	return out
}

// Subscribe delivers every result settled for key from now on. Only the latest
// undelivered result is kept per subscriber.
func (c *Cache) Subscribe(key kube.ResourceKey) (<-chan Result, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.entryLocked(key)
	id := c.nextSub
	c.nextSub++
	ch := make(chan Result, 1)
	e.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if cur, ok := c.entries[key.String()]; ok {
				delete(cur.subs, id)
			}
		})
	}
	return ch, cancel
}

// Run revalidates tracked keys each interval until ctx ends. A key whose last
// fetch failed and that nobody is subscribed to is evicted instead, so
// mistyped or vanished resource types are not listed forever; the next lookup
// fetches it again.
func (c *Cache) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			for _, key := range c.pollKeys() {
				c.startFetch(key)
			}
		}
	}
}

// pollKeys evicts stale failed entries without subscribers and returns the
// keys left to revalidate.
func (c *Cache) pollKeys() []kube.ResourceKey {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	out := make([]kube.ResourceKey, 0, len(c.entries))
	for k, e := range c.entries {
		if e.settled && e.result.Err != nil && len(e.subs) == 0 && now.Sub(e.updatedAt) >= c.dedupe {
			delete(c.entries, k)
			c.logger.Debug("evicted failing resource", "resource", k)
			continue
		}
		out = append(out, e.key)
	}
	return out
}

func (c *Cache) settled(key kube.ResourceKey) (Result, bool) {
	c.mu.Lock()
	e, ok := c.entries[key.String()]
	if !ok || !e.settled {
		c.mu.Unlock()
		return Result{}, false
	}
	res := e.result
	stale := c.now().Sub(e.updatedAt) >= c.dedupe
	c.mu.Unlock()

	metrics.CacheHitsTotal.Inc()
	if stale {
		c.startFetch(key)
	}
	return res, true
}

func (c *Cache) entryLocked(key kube.ResourceKey) *entry {
	k := key.String()
	e, ok := c.entries[k]
	if !ok {
		e = &entry{key: key, subs: map[int]chan Result{}}
		c.entries[k] = e
	}
	return e
}

func (c *Cache) startFetch(key kube.ResourceKey) <-chan singleflight.Result {
	c.mu.Lock()
	gen := c.gen
	c.mu.Unlock()

	return c.group.DoChan(fmt.Sprintf("%d|%s", gen, key), func() (interface{}, error) {
		res := c.doFetch(key)
		c.store(key, gen, res)
		return res, nil
	})
}

func (c *Cache) doFetch(key kube.ResourceKey) (res Result) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			res = Result{Err: fmt.Errorf("fetch %s: panic: %v", key, r)}
		}
	}()

	start := c.now()
	items, err := c.fetch(ctx, key)
	if err != nil {
		metrics.CacheFetchesTotal.WithLabelValues(metrics.ResultError).Inc()
		c.logger.Warn("resource fetch failed", "resource", key.String(), "error", err)
		return Result{Err: err}
	}

	metrics.CacheFetchesTotal.WithLabelValues(metrics.ResultSuccess).Inc()
	c.logger.Debug("resource fetched",
		"resource", key.String(),
		"items", len(items),
		"duration", c.now().Sub(start),
	)
	return Result{Index: BuildIndex(items)}
}

func (c *Cache) store(key kube.ResourceKey, gen uint64, res Result) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	e := c.entryLocked(key)
	e.result = res
	e.settled = true
	e.updatedAt = c.now()
	subs := make([]chan Result, 0, len(e.subs))
	for _, ch := range e.subs {
		subs = append(subs, ch)
	}
	c.mu.Unlock()

	for _, ch := range subs {
		// Replace an undelivered result with the newer one.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- res:
		default:
		}
	}
}
