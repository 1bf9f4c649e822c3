package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/FLCN-16/nest-microservices/codec"
	"github.com/FLCN-16/nest-microservices/registry"
	"github.com/go-kit/log"
	"github.com/hashicorp/go-metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeResolver struct {
	mu          sync.Mutex
	addr        registry.ServiceAddress
	err         error
	resolves    int
	invalidated []string
}

func (f *fakeResolver) Resolve(ctx context.Context, name string, force bool) (registry.ServiceAddress, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolves++
	return f.addr, f.err
}

func (f *fakeResolver) Invalidate(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated = append(f.invalidated, name)
}

func (f *fakeResolver) counts() (int, []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resolves, append([]string(nil), f.invalidated...)
}

// pipeDialer hands out in-memory transports and keeps the far ends so tests
// can sever them.
type pipeDialer struct {
	mu     sync.Mutex
	dials  atomic.Int32
	gate   chan struct{}
	err    error
	remote []net.Conn
	local  []*ClientTransport
}

func (d *pipeDialer) dial(ctx context.Context, addr registry.ServiceAddress) (*ClientTransport, error) {
	d.dials.Add(1)
	if d.gate != nil {
		<-d.gate
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	local, remote := net.Pipe()
	d.remote = append(d.remote, remote)
	tr := NewClientTransport(local, codec.CodecTypeJSON, log.NewNopLogger())
	d.local = append(d.local, tr)
	return tr, nil
}

func (d *pipeDialer) severAll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range d.remote {
		_ = c.Close()
	}
}

func newTestPool(res *fakeResolver, d *pipeDialer) *Pool {
	return NewPool(res, d.dial, log.NewNopLogger(), metrics.NewInmemSink(time.Second, time.Minute))
}

var authAddr = registry.ServiceAddress{Host: "127.0.0.1", Port: 5000}

func TestNewPool_Panics(t *testing.T) {
	assert.PanicsWithValue(t, "transport: resolver is required", func() {
		NewPool(nil, (&pipeDialer{}).dial, nil, nil)
	})
	assert.PanicsWithValue(t, "transport: dialer is required", func() {
		NewPool(&fakeResolver{}, nil, nil, nil)
	})
}

func TestGetConnection_Reuses(t *testing.T) {
	res := &fakeResolver{addr: authAddr}
	d := &pipeDialer{}
	p := newTestPool(res, d)
	defer p.CloseAll()

	c1, err := p.GetConnection(context.Background(), "auth")
	require.NoError(t, err)
	c2, err := p.GetConnection(context.Background(), "auth")
	require.NoError(t, err)
	assert.Same(t, c1, c2)
	assert.EqualValues(t, 1, d.dials.Load())
}

func TestGetConnection_SingleInFlight(t *testing.T) {
	res := &fakeResolver{addr: authAddr}
	d := &pipeDialer{gate: make(chan struct{})}
	p := newTestPool(res, d)
	defer p.CloseAll()

	const n = 25
	conns := make([]*ClientTransport, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conns[i], _ = p.GetConnection(context.Background(), "auth")
		}(i)
	}

	require.Eventually(t, func() bool { return d.dials.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(d.gate)
	wg.Wait()

	assert.EqualValues(t, 1, d.dials.Load())
	resolves, _ := res.counts()
	assert.Equal(t, 1, resolves)
	for _, c := range conns {
		require.NotNil(t, c)
		assert.Same(t, conns[0], c)
	}
}

func TestGetConnection_SharedFailure(t *testing.T) {
	res := &fakeResolver{addr: authAddr}
	d := &pipeDialer{gate: make(chan struct{}), err: errors.New("connection refused")}
	p := newTestPool(res, d)

	const n = 10
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = p.GetConnection(context.Background(), "auth")
		}(i)
	}
	require.Eventually(t, func() bool { return d.dials.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(d.gate)
	wg.Wait()

	for _, err := range errs {
		assert.True(t, errors.Is(err, ErrConnectionFailed), "got %v", err)
	}
	assert.Equal(t, 0, p.Len(), "failed attempt must not stay in the pool")

	// The next caller starts a fresh attempt.
	d.mu.Lock()
	d.err = nil
	d.mu.Unlock()
	_, err := p.GetConnection(context.Background(), "auth")
	require.NoError(t, err)
	assert.EqualValues(t, 2, d.dials.Load())
	p.CloseAll()
}

func TestGetConnection_ResolverErrorUnchanged(t *testing.T) {
	res := &fakeResolver{err: registry.ErrNoHealthyInstance}
	d := &pipeDialer{}
	p := newTestPool(res, d)

	_, err := p.GetConnection(context.Background(), "feed")
	assert.True(t, errors.Is(err, registry.ErrNoHealthyInstance))
	assert.False(t, errors.Is(err, ErrConnectionFailed))
	assert.EqualValues(t, 0, d.dials.Load())
}

func TestGetConnection_WaiterHonoursContext(t *testing.T) {
	res := &fakeResolver{addr: authAddr}
	d := &pipeDialer{gate: make(chan struct{})}
	p := newTestPool(res, d)
	defer p.CloseAll()

	go func() { _, _ = p.GetConnection(context.Background(), "auth") }()
	require.Eventually(t, func() bool { return d.dials.Load() == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := p.GetConnection(ctx, "auth")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	close(d.gate)
}

func TestInvalidate(t *testing.T) {
	res := &fakeResolver{addr: authAddr}
	d := &pipeDialer{}
	p := newTestPool(res, d)
	defer p.CloseAll()

	c1, err := p.GetConnection(context.Background(), "auth")
	require.NoError(t, err)

	p.Invalidate("auth")
	require.Eventually(t, c1.Broken, time.Second, time.Millisecond, "invalidated transport is closed")
	_, invalidated := res.counts()
	assert.Equal(t, []string{"auth"}, invalidated)

	c2, err := p.GetConnection(context.Background(), "auth")
	require.NoError(t, err)
	assert.NotSame(t, c1, c2)
	resolves, _ := res.counts()
	assert.Equal(t, 2, resolves)
	assert.EqualValues(t, 2, d.dials.Load())
}

func TestGetConnection_ReplacesBrokenStream(t *testing.T) {
	res := &fakeResolver{addr: authAddr}
	d := &pipeDialer{}
	p := newTestPool(res, d)
	defer p.CloseAll()

	c1, err := p.GetConnection(context.Background(), "auth")
	require.NoError(t, err)
	d.severAll()
	require.Eventually(t, c1.Broken, time.Second, time.Millisecond)

	c2, err := p.GetConnection(context.Background(), "auth")
	require.NoError(t, err)
	assert.NotSame(t, c1, c2)
	_, invalidated := res.counts()
	assert.Equal(t, []string{"auth"}, invalidated)
}

func TestCloseAll(t *testing.T) {
	res := &fakeResolver{addr: authAddr}
	d := &pipeDialer{}
	p := newTestPool(res, d)

	a, err := p.GetConnection(context.Background(), "auth")
	require.NoError(t, err)
	f, err := p.GetConnection(context.Background(), "feed")
	require.NoError(t, err)
	require.NoError(t, a.Close()) // already closed; CloseAll must still clear everything

	p.CloseAll()
	assert.Equal(t, 0, p.Len())
	require.Eventually(t, f.Broken, time.Second, time.Millisecond)
}

func TestCloseAllDuringConnect(t *testing.T) {
	res := &fakeResolver{addr: authAddr}
	d := &pipeDialer{gate: make(chan struct{})}
	p := newTestPool(res, d)

	errCh := make(chan error, 1)
	go func() {
		_, err := p.GetConnection(context.Background(), "auth")
		errCh <- err
	}()
	require.Eventually(t, func() bool { return d.dials.Load() == 1 }, time.Second, time.Millisecond)

	p.CloseAll()
	close(d.gate)
	assert.True(t, errors.Is(<-errCh, ErrConnectionFailed))
	assert.Equal(t, 0, p.Len())
}

func TestCloseAllRacingConnectLeaksNothing(t *testing.T) {
	res := &fakeResolver{addr: authAddr}
	d := &pipeDialer{}
	p := newTestPool(res, d)

	for i := 0; i < 200; i++ {
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = p.GetConnection(context.Background(), "auth")
		}()
		go func() {
			defer wg.Done()
			p.CloseAll()
		}()
		wg.Wait()
	}
	p.CloseAll()
	assert.Equal(t, 0, p.Len())

	d.mu.Lock()
	dialed := append([]*ClientTransport(nil), d.local...)
	d.mu.Unlock()
	require.NotEmpty(t, dialed)
	for i, tr := range dialed {
		assert.Eventually(t, tr.Broken, time.Second, time.Millisecond, "transport %d was never closed", i)
	}
}

func TestTCPDialer(t *testing.T) {
	_, addr := newTestServer(t)
	host, port, err := net.SplitHostPort(addr)
	require.NoError(t, err)

	res := &fakeResolver{addr: registry.ServiceAddress{Host: host, Port: 1, Meta: map[string]string{registry.MetaTCPPort: port}}}
	p := NewPool(res, TCPDialer(codec.CodecTypeJSON, time.Second, nil), nil, metrics.NewInmemSink(time.Second, time.Minute))
	defer p.CloseAll()

	tr, err := p.GetConnection(context.Background(), "auth")
	require.NoError(t, err)
	resp, err := tr.Call(context.Background(), "ping", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `"pong"`, string(resp.Payload))
}
