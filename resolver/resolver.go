// Package resolver caches service-name → address resolutions for a bounded
// time, so the registry is not queried on every call.
package resolver

import (
	"context"
	"sync"
	"time"

	"github.com/FLCN-16/nest-microservices/internal/helpers"
	"github.com/FLCN-16/nest-microservices/registry"
	"github.com/FLCN-16/nest-microservices/telemetry"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hashicorp/go-metrics"
	"github.com/juju/clock"
	"golang.org/x/sync/singleflight"
)

// DefaultTTL is how long a resolved address is served from cache.
const DefaultTTL = 30 * time.Second

type cachedAddress struct {
	address    registry.ServiceAddress
	resolvedAt time.Time
}

// Watcher is implemented by registries that can push instance-set changes.
type Watcher interface {
	Watch(ctx context.Context, name string) <-chan []registry.ServiceAddress
}

// Config for New. Zero values pick the defaults.
type Config struct {
	TTL        time.Duration
	Balancer   registry.Balancer // nil → uniform random
	Clock      clock.Clock       // nil → wall clock
	MetricSink metrics.MetricSink
	Logger     log.Logger
}

// Resolver wraps a Registry with a per-name TTL cache. The hit path only
// takes the read lock; misses for the same name share one registry lookup.
type Resolver struct {
	reg      registry.Registry
	balancer registry.Balancer
	ttl      time.Duration
	clock    clock.Clock
	msink    metrics.MetricSink
	logger   log.Logger

	mu    sync.RWMutex
	cache map[string]cachedAddress
	// gens is bumped per name by Invalidate; epoch by ClearAll. A lookup
	// only stores its result if neither moved while it ran.
	gens     map[string]uint64
	epoch    uint64
	inflight map[string]int

	lookups singleflight.Group

	// Only used when reg implements Watcher.
	watchMu   sync.Mutex
	watched   map[string]bool
	watchCtx  context.Context
	stopWatch context.CancelFunc
}

// New panics on a nil registry.
func New(reg registry.Registry, cfg Config) *Resolver {
	r := &Resolver{
		reg:      helpers.NilPanic(reg, "resolver: registry is required"),
		balancer: cfg.Balancer,
		ttl:      cfg.TTL,
		clock:    cfg.Clock,
		msink:    telemetry.SinkOrDefault(cfg.MetricSink),
		logger:   cfg.Logger,
		cache:    make(map[string]cachedAddress),
		gens:     make(map[string]uint64),
		inflight: make(map[string]int),
		watched:  make(map[string]bool),
	}
	if r.ttl <= 0 {
		r.ttl = DefaultTTL
	}
	if r.clock == nil {
		r.clock = clock.WallClock
	}
	if r.logger == nil {
		r.logger = log.NewNopLogger()
	}
	r.logger = log.With(r.logger, "component", "resolver")
	r.watchCtx, r.stopWatch = context.WithCancel(context.Background())
	return r
}

// Resolve returns the address for name. A cached entry younger than the TTL
// is returned without a registry query unless forceRefresh is set.
// Registry errors are returned unchanged.
func (r *Resolver) Resolve(ctx context.Context, name string, forceRefresh bool) (registry.ServiceAddress, error) {
	labels := []metrics.Label{telemetry.LabelService.M(name)}
	if !forceRefresh {
		if addr, ok := r.lookup(name); ok {
			r.msink.IncrCounterWithLabels(telemetry.MetricResolverCacheHit, 1, labels)
			return addr, nil
		}
	}
	r.msink.IncrCounterWithLabels(telemetry.MetricResolverCacheMiss, 1, labels)

	v, err, _ := r.lookups.Do(name, func() (any, error) {
		r.mu.Lock()
		gen, epoch := r.gens[name], r.epoch
		r.inflight[name]++
		r.mu.Unlock()

		addr, err := registry.PickInstance(ctx, r.reg, r.balancer, name)

		r.mu.Lock()
		defer r.mu.Unlock()
		if r.inflight[name]--; r.inflight[name] == 0 {
			delete(r.inflight, name)
		}
		if err != nil {
			return nil, err
		}
		// Waiters still get the address; the cache does not, if it was
		// invalidated meanwhile.
		if r.gens[name] == gen && r.epoch == epoch {
			r.cache[name] = cachedAddress{address: addr, resolvedAt: r.clock.Now()}
		}
		level.Debug(r.logger).Log("msg", "resolved", "service", name, "addr", addr.Addr())
		return addr, nil
	})
	if err != nil {
		r.msink.IncrCounterWithLabels(telemetry.MetricResolverLookupError, 1, labels)
		level.Warn(r.logger).Log("msg", "resolve failed", "service", name, "err", err)
		return registry.ServiceAddress{}, err
	}
	r.maybeWatch(name)
	return v.(registry.ServiceAddress), nil
}

func (r *Resolver) lookup(name string) (registry.ServiceAddress, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.cache[name]
	if !ok || r.clock.Now().Sub(entry.resolvedAt) >= r.ttl {
		return registry.ServiceAddress{}, false
	}
	return entry.address, true
}

// Invalidate drops the entry for name; the next Resolve queries the registry.
func (r *Resolver) Invalidate(name string) {
	r.mu.Lock()
	delete(r.cache, name)
	r.gens[name]++
	r.mu.Unlock()
	// An in-flight lookup started before the invalidation must not be joined.
	r.lookups.Forget(name)
}

// ClearAll drops every entry and detaches every in-flight lookup.
func (r *Resolver) ClearAll() {
	r.mu.Lock()
	clear(r.cache)
	r.epoch++
	names := make([]string, 0, len(r.inflight))
	for name := range r.inflight {
		names = append(names, name)
	}
	r.mu.Unlock()
	for _, name := range names {
		r.lookups.Forget(name)
	}
}

// Close stops registry watches. The cache stays usable.
func (r *Resolver) Close() {
	r.stopWatch()
}

// maybeWatch starts one watch per name when the registry can push changes;
// every change invalidates the cached entry for that name.
func (r *Resolver) maybeWatch(name string) {
	w, ok := r.reg.(Watcher)
	if !ok {
		return
	}
	r.watchMu.Lock()
	defer r.watchMu.Unlock()
	if r.watched[name] || r.watchCtx.Err() != nil {
		return
	}
	r.watched[name] = true

	ch := w.Watch(r.watchCtx, name)
	go func() {
		for range ch {
			level.Debug(r.logger).Log("msg", "instance set changed", "service", name)
			r.Invalidate(name)
		}
		r.watchMu.Lock()
		delete(r.watched, name)
		r.watchMu.Unlock()
	}()
}
