package travel

import (
	"context"
	"errors"
	"sync"
	"time"

	"gitea.kood.tech/petrkubec/match-me/feed/cache"
	"gitea.kood.tech/petrkubec/match-me/feed/logging"
	"gitea.kood.tech/petrkubec/match-me/feed/metrics"
	"gitea.kood.tech/petrkubec/match-me/feed/model"
)

const (
	DefaultTTL     = 2 * time.Minute
	DefaultTimeout = 5 * time.Second
)

// ResolverConfig tunes a Resolver. Zero values take the defaults.
type ResolverConfig struct {
	TTL     time.Duration
	Timeout time.Duration
}

// call is one upstream request shared by every caller waiting on the same
// key. res is written before done is closed.
type call struct {
	done        chan struct{}
	res         Result
	subscribers int
	cancel      context.CancelFunc
}

// Resolver resolves travel times. The cache and the in-flight map share a
// single mutex so a lookup miss and the in-flight registration happen
// atomically; the mutex is never held across the upstream request.
type Resolver struct {
	provider Provider
	timeout  time.Duration
	now      func() time.Time

	// mu guards the check-then-insert across cache and inflight
	mu       sync.Mutex
	cache    *cache.Cache[Result]
	inflight map[string]*call
}

// NewResolver creates a resolver. A nil provider is allowed: every valid
// request then yields an all-null result with OutcomeNotConfigured.
func NewResolver(provider Provider, cfg ResolverConfig) *Resolver {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	r := &Resolver{
		provider: provider,
		timeout:  cfg.Timeout,
		now:      time.Now,
		inflight: make(map[string]*call),
	}
	r.cache = cache.New[Result](cfg.TTL, cache.WithClock(func() time.Time { return r.now() }))
	return r
}

// Resolve returns travel estimates from origin to dest. It never fails:
// every problem degrades to an all-null result whose Outcome says why.
//
// Cancelling ctx ends only this caller's wait. The shared upstream request
// is aborted once its last waiting caller has gone.
func (r *Resolver) Resolve(ctx context.Context, origin, dest model.Coord) Result {
	if !origin.Finite() || !dest.Finite() {
		return emptyResult(OutcomeInvalidInput)
	}
	if r.provider == nil {
		return emptyResult(OutcomeNotConfigured)
	}

	o, d := BucketCoord(origin), BucketCoord(dest)
	key := Key(o, d)

	r.mu.Lock()
	if res, ok := r.cache.Get(key); ok {
		r.mu.Unlock()
		metrics.TravelCacheLookups.WithLabelValues("hit").Inc()
		return res
	}
	c, joined := r.inflight[key]
	if !joined {
		// detached from this caller: siblings may still be waiting when it leaves
		upCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
		c = &call{done: make(chan struct{}), cancel: cancel}
		r.inflight[key] = c
		go r.run(upCtx, key, c, o, d)
	}
	c.subscribers++
	r.mu.Unlock()

	if joined {
		metrics.TravelCacheLookups.WithLabelValues("joined").Inc()
	} else {
		metrics.TravelCacheLookups.WithLabelValues("miss").Inc()
	}

	select {
	case <-c.done:
		return c.res
	case <-ctx.Done():
		r.leave(key, c)
		return emptyResult(OutcomeCanceled)
	}
}

// leave drops one subscriber and aborts the upstream request when none
// remain.
func (r *Resolver) leave(key string, c *call) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c.subscribers--
	if c.subscribers > 0 {
		return
	}
	if r.inflight[key] == c {
		delete(r.inflight, key)
	}
	c.cancel()
}

func (r *Resolver) run(ctx context.Context, key string, c *call, origin, dest model.Coord) {
	defer c.cancel()

	raw, err := r.provider.Estimate(ctx, origin, dest, Modes)

	var res Result
	switch {
	case err == nil:
		res = buildResult(raw)
		metrics.TravelUpstreamCalls.WithLabelValues("ok").Inc()
	case errors.Is(err, context.Canceled):
		res = emptyResult(OutcomeCanceled)
		metrics.TravelUpstreamCalls.WithLabelValues("canceled").Inc()
	default:
		res = emptyResult(OutcomeUpstreamFailed)
		metrics.TravelUpstreamCalls.WithLabelValues("error").Inc()
		logging.Ctx(ctx).Warn().Err(err).Str("key", key).Msg("travel time lookup failed")
	}

	r.mu.Lock()
	c.res = res
	if r.inflight[key] == c {
		delete(r.inflight, key)
	}
	if res.Outcome == OutcomeResolved {
		r.cache.Set(key, res)
	}
	size := r.cache.Len()
	r.mu.Unlock()
	close(c.done)

	metrics.TravelCacheSize.Set(float64(size))
}

// Sweep removes expired cache entries and returns how many were removed.
func (r *Resolver) Sweep() int {
	removed := r.cache.Cleanup()
	r.recordCache(r.cache.Len())
	return removed
}

// StartJanitor sweeps the cache every interval until ctx is done.
func (r *Resolver) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	r.cache.StartCleanup(ctx, interval, func(removed, size int) {
		r.recordCache(size)
		if removed > 0 {
			logging.Debug().Int("removed", removed).Int("size", size).Msg("travel cache sweep")
		}
	})
}

func (r *Resolver) recordCache(size int) {
	metrics.TravelCacheSize.Set(float64(size))
	metrics.CacheHitRate.WithLabelValues("travel").Set(r.cache.HitRate())
	metrics.CacheEvictions.WithLabelValues("travel").Set(float64(r.cache.GetStats().Evictions))
}

func (r *Resolver) cacheLen() int {
	return r.cache.Len()
}
