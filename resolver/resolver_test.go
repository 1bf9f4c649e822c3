package resolver

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/FLCN-16/nest-microservices/registry"
	"github.com/hashicorp/go-metrics"
	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingRegistry struct {
	mu        sync.Mutex
	instances []registry.ServiceAddress
	err       error
	queries   atomic.Int32
	gate      chan struct{} // when set, queries block until it is closed
}

func (c *countingRegistry) RegisterSelf(context.Context, registry.Registration) {}
func (c *countingRegistry) DeregisterSelf(context.Context)                      {}
func (c *countingRegistry) QueryHealthyInstances(context.Context, string) ([]registry.ServiceAddress, error) {
	c.queries.Add(1)
	if c.gate != nil {
		<-c.gate
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.instances, c.err
}

func (c *countingRegistry) set(instances []registry.ServiceAddress, err error) {
	c.mu.Lock()
	c.instances, c.err = instances, err
	c.mu.Unlock()
}

var authAddr = registry.ServiceAddress{Host: "auth-1", Port: 5000}

func newTestResolver(reg registry.Registry) (*Resolver, *testclock.Clock) {
	clk := testclock.NewClock(time.Now())
	r := New(reg, Config{
		Clock:      clk,
		MetricSink: metrics.NewInmemSink(time.Second, time.Minute),
	})
	return r, clk
}

func TestNew_PanicsOnNilRegistry(t *testing.T) {
	assert.PanicsWithValue(t, "resolver: registry is required", func() {
		New(nil, Config{})
	})
}

func TestResolve_CacheTTL(t *testing.T) {
	reg := &countingRegistry{instances: []registry.ServiceAddress{authAddr}}
	r, clk := newTestResolver(reg)
	ctx := context.Background()

	got, err := r.Resolve(ctx, "auth", false)
	require.NoError(t, err)
	assert.Equal(t, authAddr, got)
	assert.EqualValues(t, 1, reg.queries.Load())

	clk.Advance(DefaultTTL - time.Millisecond)
	got, err = r.Resolve(ctx, "auth", false)
	require.NoError(t, err)
	assert.Equal(t, authAddr, got)
	assert.EqualValues(t, 1, reg.queries.Load(), "within TTL must hit the cache")

	clk.Advance(time.Millisecond)
	_, err = r.Resolve(ctx, "auth", false)
	require.NoError(t, err)
	assert.EqualValues(t, 2, reg.queries.Load(), "expired entry must be re-queried exactly once")

	_, err = r.Resolve(ctx, "auth", false)
	require.NoError(t, err)
	assert.EqualValues(t, 2, reg.queries.Load())
}

func TestResolve_ForceRefresh(t *testing.T) {
	reg := &countingRegistry{instances: []registry.ServiceAddress{authAddr}}
	r, _ := newTestResolver(reg)

	_, _ = r.Resolve(context.Background(), "auth", false)
	moved := registry.ServiceAddress{Host: "auth-2", Port: 5000}
	reg.set([]registry.ServiceAddress{moved}, nil)

	got, err := r.Resolve(context.Background(), "auth", true)
	require.NoError(t, err)
	assert.Equal(t, moved, got)
	assert.EqualValues(t, 2, reg.queries.Load())
}

func TestInvalidate(t *testing.T) {
	reg := &countingRegistry{instances: []registry.ServiceAddress{authAddr}}
	r, _ := newTestResolver(reg)
	ctx := context.Background()

	_, _ = r.Resolve(ctx, "auth", false)
	r.Invalidate("auth")
	_, err := r.Resolve(ctx, "auth", false)
	require.NoError(t, err)
	assert.EqualValues(t, 2, reg.queries.Load())

	r.ClearAll()
	_, _ = r.Resolve(ctx, "auth", false)
	assert.EqualValues(t, 3, reg.queries.Load())
}

func TestResolve_ErrorsPropagateAndAreNotCached(t *testing.T) {
	reg := &countingRegistry{}
	r, _ := newTestResolver(reg)
	ctx := context.Background()

	_, err := r.Resolve(ctx, "feed", false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, registry.ErrNoHealthyInstance))

	reg.set(nil, registry.ErrRegistryUnreachable)
	_, err = r.Resolve(ctx, "feed", false)
	assert.True(t, errors.Is(err, registry.ErrRegistryUnreachable))

	reg.set([]registry.ServiceAddress{{Host: "feed-1", Port: 5000}}, nil)
	got, err := r.Resolve(ctx, "feed", false)
	require.NoError(t, err)
	assert.Equal(t, "feed-1", got.Host)
}

func TestResolve_ConcurrentMissesShareOneLookup(t *testing.T) {
	reg := &countingRegistry{instances: []registry.ServiceAddress{authAddr}, gate: make(chan struct{})}
	r, _ := newTestResolver(reg)

	const n = 20
	var wg sync.WaitGroup
	results := make([]registry.ServiceAddress, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = r.Resolve(context.Background(), "auth", false)
		}(i)
	}

	// Let every goroutine reach the lookup before releasing the registry.
	require.Eventually(t, func() bool { return reg.queries.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(reg.gate)
	wg.Wait()

	assert.EqualValues(t, 1, reg.queries.Load())
	for _, got := range results {
		assert.Equal(t, authAddr, got)
	}
}

type watchingRegistry struct {
	countingRegistry
	updates chan []registry.ServiceAddress
}

func (w *watchingRegistry) Watch(ctx context.Context, name string) <-chan []registry.ServiceAddress {
	return w.updates
}

func TestWatchInvalidates(t *testing.T) {
	reg := &watchingRegistry{
		countingRegistry: countingRegistry{instances: []registry.ServiceAddress{authAddr}},
		updates:          make(chan []registry.ServiceAddress),
	}
	r, _ := newTestResolver(reg)
	defer r.Close()
	ctx := context.Background()

	_, err := r.Resolve(ctx, "auth", false)
	require.NoError(t, err)

	reg.updates <- nil
	require.Eventually(t, func() bool {
		_, ok := r.lookup("auth")
		return !ok
	}, time.Second, time.Millisecond)

	_, _ = r.Resolve(ctx, "auth", false)
	assert.EqualValues(t, 2, reg.queries.Load())
	close(reg.updates)
}

func TestInvalidate_DuringLookupIsNotCached(t *testing.T) {
	for _, tc := range []struct {
		name  string
		clear func(r *Resolver)
	}{
		{"invalidate", func(r *Resolver) { r.Invalidate("auth") }},
		{"clear_all", func(r *Resolver) { r.ClearAll() }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			reg := &countingRegistry{instances: []registry.ServiceAddress{authAddr}, gate: make(chan struct{})}
			r, _ := newTestResolver(reg)
			ctx := context.Background()

			done := make(chan registry.ServiceAddress, 1)
			go func() {
				addr, _ := r.Resolve(ctx, "auth", false)
				done <- addr
			}()
			require.Eventually(t, func() bool { return reg.queries.Load() == 1 }, time.Second, time.Millisecond)

			tc.clear(r)
			close(reg.gate)
			assert.Equal(t, authAddr, <-done, "the waiting caller still gets its answer")

			_, err := r.Resolve(ctx, "auth", false)
			require.NoError(t, err)
			assert.EqualValues(t, 2, reg.queries.Load(), "the next resolve goes to the registry")
		})
	}
}
