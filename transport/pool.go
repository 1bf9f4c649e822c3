package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/FLCN-16/nest-microservices/codec"
	"github.com/FLCN-16/nest-microservices/internal/helpers"
	"github.com/FLCN-16/nest-microservices/registry"
	"github.com/FLCN-16/nest-microservices/telemetry"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hashicorp/go-metrics"
)

// AddressResolver is the part of resolver.Resolver the pool depends on.
type AddressResolver interface {
	Resolve(ctx context.Context, name string, forceRefresh bool) (registry.ServiceAddress, error)
	Invalidate(name string)
}

// Dialer opens a transport to addr.
type Dialer func(ctx context.Context, addr registry.ServiceAddress) (*ClientTransport, error)

// TCPDialer dials addr.Addr() over TCP and wraps the connection.
func TCPDialer(codecType codec.CodecType, timeout time.Duration, logger log.Logger) Dialer {
	return func(ctx context.Context, addr registry.ServiceAddress) (*ClientTransport, error) {
		d := net.Dialer{Timeout: timeout}
		conn, err := d.DialContext(ctx, "tcp", addr.Addr())
		if err != nil {
			return nil, err
		}
		return NewClientTransport(conn, codecType, logger), nil
	}
}

// poolEntry is both states of a name: while done is open a connect is in
// flight and callers wait on it; once closed, conn or err holds the outcome.
type poolEntry struct {
	done chan struct{}
	conn *ClientTransport
	err  error
}

func (e *poolEntry) finished() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}

// Pool keeps at most one live ClientTransport per service name. Concurrent
// first callers for a name share a single connect attempt.
type Pool struct {
	resolver AddressResolver
	dial     Dialer
	logger   log.Logger
	msink    metrics.MetricSink

	mu      sync.Mutex
	entries map[string]*poolEntry
}

// NewPool panics on a nil resolver or dialer. A nil sink uses the global one.
func NewPool(res AddressResolver, dial Dialer, logger log.Logger, sink metrics.MetricSink) *Pool {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Pool{
		resolver: helpers.NilPanic(res, "transport: resolver is required"),
		dial:     helpers.NilPanic(dial, "transport: dialer is required"),
		logger:   log.With(logger, "component", "connection_pool"),
		msink:    telemetry.SinkOrDefault(sink),
		entries:  make(map[string]*poolEntry),
	}
}

// GetConnection returns the pooled transport for name, joining an in-flight
// connect or starting one. A pooled transport whose stream has broken is
// dropped and replaced. Resolver errors are returned unchanged; dial errors
// wrap ErrConnectionFailed.
func (p *Pool) GetConnection(ctx context.Context, name string) (*ClientTransport, error) {
	p.mu.Lock()
	if e, ok := p.entries[name]; ok {
		if !e.finished() {
			p.mu.Unlock()
			select {
			case <-e.done:
				return e.conn, e.err
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		if e.conn != nil && !e.conn.Broken() {
			p.mu.Unlock()
			return e.conn, nil
		}
		// Broken stream: the address it was dialed on may be stale too.
		delete(p.entries, name)
		p.mu.Unlock()
		if e.conn != nil {
			level.Info(p.logger).Log("msg", "dropping broken connection", "service", name, "err", e.conn.Err())
			p.closeQuietly(name, e.conn)
		}
		p.resolver.Invalidate(name)
		p.mu.Lock()
		if e, ok := p.entries[name]; ok {
			// Another caller already started the replacement.
			p.mu.Unlock()
			select {
			case <-e.done:
				return e.conn, e.err
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}

	e := &poolEntry{done: make(chan struct{})}
	p.entries[name] = e
	p.mu.Unlock()

	p.connect(ctx, name, e)
	return e.conn, e.err
}

// connect fills e and always publishes it; a failed entry is removed so the
// next caller starts over.
func (p *Pool) connect(ctx context.Context, name string, e *poolEntry) {
	labels := []metrics.Label{telemetry.LabelService.M(name)}
	defer func() {
		if e.err != nil {
			p.mu.Lock()
			if p.entries[name] == e {
				delete(p.entries, name)
			}
			p.mu.Unlock()
			p.msink.IncrCounterWithLabels(telemetry.MetricPoolConnectErrorCount, 1, labels)
		}
		close(e.done)
	}()

	addr, err := p.resolver.Resolve(ctx, name, false)
	if err != nil {
		e.err = err
		return
	}
	conn, err := p.dial(ctx, addr)
	if err != nil {
		level.Warn(p.logger).Log("msg", "connect failed", "service", name, "addr", addr.Addr(), "err", err)
		e.err = fmt.Errorf("connect %s at %s: %v: %w", name, addr.Addr(), err, ErrConnectionFailed)
		return
	}

	// The orphan check and the publish of e.conn share one critical section
	// so CloseAll either sees the transport or we see its swap.
	p.mu.Lock()
	orphaned := p.entries[name] != e
	if !orphaned {
		e.conn = conn
	}
	p.mu.Unlock()
	if orphaned {
		// CloseAll ran while we were dialing.
		_ = conn.Close()
		e.err = fmt.Errorf("connect %s: pool closed during connect: %w", name, ErrConnectionFailed)
		return
	}

	p.msink.IncrCounterWithLabels(telemetry.MetricPoolConnectCount, 1, labels)
	level.Info(p.logger).Log("msg", "connected", "service", name, "addr", addr.Addr())
}

// Invalidate closes and removes the pooled transport for name and drops the
// cached address, so the next GetConnection re-resolves and redials.
// An in-flight connect is left to finish.
func (p *Pool) Invalidate(name string) {
	p.mu.Lock()
	e, ok := p.entries[name]
	if ok && e.finished() {
		delete(p.entries, name)
	} else {
		ok = false
	}
	p.mu.Unlock()

	if ok && e.conn != nil {
		p.closeQuietly(name, e.conn)
	}
	p.resolver.Invalidate(name)
	p.msink.IncrCounterWithLabels(telemetry.MetricPoolInvalidateCount, 1, []metrics.Label{telemetry.LabelService.M(name)})
	level.Debug(p.logger).Log("msg", "invalidated", "service", name)
}

// CloseAll closes every pooled transport and empties the pool. Individual
// close failures are logged and do not stop the others.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	entries := p.entries
	p.entries = make(map[string]*poolEntry)
	conns := make(map[string]*ClientTransport, len(entries))
	for name, e := range entries {
		// e.conn is only set under p.mu, so an entry still connecting here
		// will find itself orphaned and close its own transport.
		if e.conn != nil {
			conns[name] = e.conn
		}
	}
	p.mu.Unlock()

	for name, conn := range conns {
		p.closeQuietly(name, conn)
	}
	level.Info(p.logger).Log("msg", "closed all connections", "count", len(entries))
}

// Len is the number of names with an entry, connected or connecting.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

func (p *Pool) closeQuietly(name string, conn *ClientTransport) {
	if err := conn.Close(); err != nil {
		level.Warn(p.logger).Log("msg", "close failed", "service", name, "err", err)
	}
}
