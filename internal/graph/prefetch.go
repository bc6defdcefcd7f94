package graph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/LisaHo0104/canvas-chatbot-Gemini-sub004/internal/lms"
	"github.com/LisaHo0104/canvas-chatbot-Gemini-sub004/internal/metrics"
	"github.com/LisaHo0104/canvas-chatbot-Gemini-sub004/internal/models"
)

const (
	DefaultTTL             = time.Hour
	DefaultPrefetchTimeout = 30 * time.Second
	storeTimeout           = 5 * time.Second
)

// Source fetches a user's entities. *lms.Fetcher satisfies it.
type Source interface {
	FetchEntities(ctx context.Context, creds models.Credentials, maxItems int, opts ...lms.FetchOption) (*lms.FetchResult, error)
}

// PrefetchResult describes one prefetch run.
type PrefetchResult struct {
	Graph       *models.EntityGraph `json:"-"`
	Entities    int                 `json:"entities"`
	Edges       int                 `json:"edges"`
	Coverage    float64             `json:"coverage"`
	Warnings    int                 `json:"warnings"`
	Subtrees    []lms.SubtreeResult `json:"subtrees,omitempty"`
	Report      BuildReport         `json:"report"`
	Fingerprint string              `json:"fingerprint"`
	// Shared is set when this caller joined a build another caller started.
	Shared bool `json:"shared"`
	// Unchanged is set when the new graph has the same content as the one it replaced.
	Unchanged bool `json:"unchanged"`
}

// LookupResult is what Lookup found in the cache.
type LookupResult struct {
	Graph *models.EntityGraph
	// Stale is set when Graph is past its TTL.
	Stale bool
	// Refreshing is set when Lookup started (or joined) a background refresh.
	Refreshing bool
}

// Prefetcher refreshes user graphs, at most one build per user at a time.
type Prefetcher struct {
	source   Source
	cache    *Cache
	store    Store
	group    singleflight.Group
	ttl      time.Duration
	timeout  time.Duration
	maxItems int
	now      func() time.Time
	logger   *slog.Logger
	metrics  *metrics.Collector

	mu      sync.Mutex
	flights map[string]*flight
	gen     uint64

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// flight is one user's in-flight build and the callers waiting on it. The
// build runs on ctx, which ends when the last waiter leaves or on Close.
type flight struct {
	key     string
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int

	mu        sync.Mutex
	listeners map[int]lms.ProgressFunc
	nextID    int
	done      int
	total     int
	reported  bool
}

// listen registers fn for progress updates and replays the latest one.
func (f *flight) listen(fn lms.ProgressFunc) int {
	f.mu.Lock()
	id := f.nextID
	f.nextID++
	f.listeners[id] = fn
	done, total, reported := f.done, f.total, f.reported
	f.mu.Unlock()
	if reported {
		fn(done, total)
	}
	return id
}

func (f *flight) unlisten(id int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.listeners, id)
}

func (f *flight) report(done, total int) {
	f.mu.Lock()
	f.done, f.total, f.reported = done, total, true
	fns := make([]lms.ProgressFunc, 0, len(f.listeners))
	for _, fn := range f.listeners {
		fns = append(fns, fn)
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn(done, total)
	}
}

// PrefetcherOption configures a Prefetcher.
type PrefetcherOption func(*Prefetcher)

// WithTTL sets the freshness window stamped on built graphs.
func WithTTL(ttl time.Duration) PrefetcherOption {
	return func(p *Prefetcher) {
		if ttl > 0 {
			p.ttl = ttl
		}
	}
}

// WithTimeout bounds each build.
func WithTimeout(d time.Duration) PrefetcherOption {
	return func(p *Prefetcher) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithMaxItems sets the entity ceiling used by background refreshes.
func WithMaxItems(n int) PrefetcherOption {
	return func(p *Prefetcher) {
		if n > 0 {
			p.maxItems = n
		}
	}
}

// WithStore persists built graphs and restores them on a cold cache.
func WithStore(s Store) PrefetcherOption {
	return func(p *Prefetcher) { p.store = s }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) PrefetcherOption {
	return func(p *Prefetcher) { p.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) PrefetcherOption {
	return func(p *Prefetcher) { p.logger = logger }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Collector) PrefetcherOption {
	return func(p *Prefetcher) { p.metrics = m }
}

// NewPrefetcher creates a prefetcher writing into cache.
func NewPrefetcher(source Source, cache *Cache, opts ...PrefetcherOption) *Prefetcher {
	p := &Prefetcher{
		source:   source,
		cache:    cache,
		ttl:      DefaultTTL,
		timeout:  DefaultPrefetchTimeout,
		maxItems: lms.DefaultMaxItems,
		now:      time.Now,
		logger:   slog.Default(),
		flights:  make(map[string]*flight),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.baseCtx, p.cancel = context.WithCancel(context.Background())
	return p
}

// Prefetch fetches the user's entities, builds a graph and installs it in the
// cache. On failure the previously cached graph is left untouched.
//
// Concurrent calls for the same user share one build. A caller that joins a
// running build gets that build's entity ceiling, not its own maxItems, and
// receives the build's progress from the point it joined. The shared build
// keeps running while any caller still waits on it; a caller whose ctx ends
// drops out alone.
func (p *Prefetcher) Prefetch(ctx context.Context, userID string, creds models.Credentials, maxItems int, opts ...lms.FetchOption) (*PrefetchResult, error) {
	if maxItems <= 0 {
		maxItems = p.maxItems
	}

	f := p.join(userID)
	defer p.leave(userID, f)
	if fn := lms.ProgressOf(opts...); fn != nil {
		defer f.unlisten(f.listen(fn))
	}

	fetchOpts := append(slices.Clone(opts), lms.WithProgress(f.report))
	led := false
	ch := p.group.DoChan(f.key, func() (any, error) {
		led = true
		return p.build(f.ctx, userID, creds, maxItems, fetchOpts)
	})

	select {
	case r := <-ch:
		if !led {
			p.metrics.Inc(metrics.CounterPrefetchCoalesced)
		}
		if r.Err != nil {
			return nil, r.Err
		}
		res := *r.Val.(*PrefetchResult)
		res.Shared = !led
		return &res, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", lms.ErrFetch, ctx.Err())
	}
}

// join returns the user's current flight, starting one when none is running.
func (p *Prefetcher) join(userID string) *flight {
	p.mu.Lock()
	defer p.mu.Unlock()
	f, ok := p.flights[userID]
	if !ok {
		// A fresh key per flight keeps new callers off a build that is
		// being cancelled.
		p.gen++
		f = &flight{
			key:       fmt.Sprintf("%s#%d", userID, p.gen),
			listeners: make(map[int]lms.ProgressFunc),
		}
		f.ctx, f.cancel = context.WithCancel(p.baseCtx)
		p.flights[userID] = f
	}
	f.waiters++
	return f
}

// leave drops one waiter and cancels the build once nobody waits on it.
func (p *Prefetcher) leave(userID string, f *flight) {
	p.mu.Lock()
	defer p.mu.Unlock()
	f.waiters--
	if f.waiters > 0 {
		return
	}
	f.cancel()
	if p.flights[userID] == f {
		delete(p.flights, userID)
	}
}

func (p *Prefetcher) build(ctx context.Context, userID string, creds models.Credentials, maxItems int, opts []lms.FetchOption) (*PrefetchResult, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	fetched, err := p.source.FetchEntities(ctx, creds, maxItems, opts...)
	if err == nil && ctx.Err() != nil {
		err = fmt.Errorf("%w: %w", lms.ErrFetch, ctx.Err())
	}
	p.metrics.RecordTiming(metrics.OpPrefetch, time.Since(start), err)
	if err != nil {
		p.metrics.Inc(metrics.CounterPrefetchFailed)
		_, cached := p.cache.Get(userID)
		p.logger.Warn("prefetch failed", "user_id", userID, "kept_cached_graph", cached, "error", err)
		return nil, err
	}

	g, report := Build(userID, fetched.Entities, p.ttl, p.now(), p.logger)
	p.metrics.Add(metrics.CounterGraphEdgesDropped, int64(report.DroppedEdges()))

	fp := Fingerprint(g)
	old, hadOld := p.cache.Get(userID)
	unchanged := hadOld && Fingerprint(old) == fp

	p.cache.Put(userID, g)
	p.persist(ctx, g)

	p.logger.Info("graph prefetched",
		"user_id", userID,
		"entities", g.Len(),
		"edges", g.EdgeCount(),
		"warnings", fetched.Warnings,
		"unchanged", unchanged,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return &PrefetchResult{
		Graph:       g,
		Entities:    g.Len(),
		Edges:       g.EdgeCount(),
		Coverage:    fetched.Coverage(),
		Warnings:    fetched.Warnings,
		Subtrees:    fetched.Subtrees,
		Report:      report,
		Fingerprint: fp,
		Unchanged:   unchanged,
	}, nil
}

func (p *Prefetcher) persist(ctx context.Context, g *models.EntityGraph) {
	if p.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
	defer cancel()

	start := time.Now()
	err := p.store.Save(ctx, g)
	p.metrics.RecordTiming(metrics.OpStoreQuery, time.Since(start), err)
	if err != nil {
		p.logger.Warn("failed to persist graph", "user_id", g.UserID, "error", err)
	}
}

// Lookup returns the cached graph for userID without waiting on the LMS. A
// missing or expired graph triggers a background refresh; an expired graph is
// still returned. On a cold cache the store, if any, is consulted first.
func (p *Prefetcher) Lookup(ctx context.Context, userID string, creds models.Credentials) LookupResult {
	g, ok := p.cache.Get(userID)
	if !ok {
		g, ok = p.restore(ctx, userID)
	}

	var res LookupResult
	if ok {
		res.Graph = g
		res.Stale = g.Expired(p.now())
		if res.Stale {
			p.metrics.Inc(metrics.CounterStaleGraphsServed)
		}
	}
	if !ok || res.Stale {
		res.Refreshing = p.refreshAsync(userID, creds)
	}
	return res
}

func (p *Prefetcher) restore(ctx context.Context, userID string) (*models.EntityGraph, bool) {
	if p.store == nil {
		return nil, false
	}
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	start := time.Now()
	g, err := p.store.Load(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		p.metrics.RecordTiming(metrics.OpStoreQuery, time.Since(start), nil)
		return nil, false
	}
	p.metrics.RecordTiming(metrics.OpStoreQuery, time.Since(start), err)
	if err != nil {
		p.logger.Warn("failed to restore graph", "user_id", userID, "error", err)
		return nil, false
	}

	p.cache.Put(userID, g)
	p.logger.Debug("restored graph from store", "user_id", userID, "entities", g.Len())
	return g, true
}

// refreshAsync starts a background prefetch. It reports false once Close was called.
func (p *Prefetcher) refreshAsync(userID string, creds models.Credentials) bool {
	if p.baseCtx.Err() != nil {
		return false
	}
	p.metrics.Inc(metrics.CounterBackgroundRefreshes)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if _, err := p.Prefetch(p.baseCtx, userID, creds, p.maxItems); err != nil {
			p.logger.Debug("background refresh failed", "user_id", userID, "error", err)
		}
	}()
	return true
}

// Invalidate drops the user's graph from the cache and the store.
func (p *Prefetcher) Invalidate(ctx context.Context, userID string) error {
	p.cache.Invalidate(userID)
	if p.store == nil {
		return nil
	}
	if err := p.store.Delete(ctx, userID); err != nil {
		return err
	}
	return nil
}

// Wait blocks until background refreshes have finished.
func (p *Prefetcher) Wait() {
	p.wg.Wait()
}

// Close cancels background refreshes and waits for them.
func (p *Prefetcher) Close() {
	p.cancel()
	p.wg.Wait()
}
