package client

import (
	"context"
	"net"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/FLCN-16/nest-microservices/codec"
	"github.com/FLCN-16/nest-microservices/loadbalance"
	"github.com/FLCN-16/nest-microservices/middleware"
	"github.com/FLCN-16/nest-microservices/registry"
	"github.com/FLCN-16/nest-microservices/resolver"
	"github.com/FLCN-16/nest-microservices/server"
	"github.com/FLCN-16/nest-microservices/transport"
	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Client → etcd registry → balancer → pool → framed TCP → middleware →
// reflective handler, with two instances of one service.
// Needs a live etcd; set ETCD_ENDPOINTS to run.
func TestEtcdEndToEnd(t *testing.T) {
	endpoints := os.Getenv("ETCD_ENDPOINTS")
	if endpoints == "" {
		t.Skip("ETCD_ENDPOINTS not set")
	}
	logger := log.NewNopLogger()

	const name = "arith-e2e"
	for i := 0; i < 2; i++ {
		reg, err := registry.NewEtcdRegistry(strings.Split(endpoints, ","), logger)
		require.NoError(t, err)
		t.Cleanup(func() { _ = reg.Close() })

		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		srv := server.NewServer(server.WithName(name), server.WithLogger(logger),
			server.WithRegistry(reg, registry.Registration{
				Name:      name,
				Host:      "127.0.0.1",
				HTTPPort:  3000 + i,
				TCPPort:   ln.Addr().(*net.TCPAddr).Port,
				Transport: registry.TransportTCP,
			}))
		srv.Use(middleware.LoggingMiddleware(logger))
		require.NoError(t, srv.Register(&Arith{}))
		go srv.ServeListener(ln)
		// Shutdown deregisters, revoking the lease.
		t.Cleanup(func() { _ = srv.Shutdown(time.Second) })
	}

	reg, err := registry.NewEtcdRegistry(strings.Split(endpoints, ","), logger)
	require.NoError(t, err)
	defer reg.Close()
	require.Eventually(t, func() bool {
		got, err := reg.QueryHealthyInstances(context.Background(), name)
		return err == nil && len(got) == 2
	}, 5*time.Second, 50*time.Millisecond)

	res := resolver.New(reg, resolver.Config{TTL: time.Second, Balancer: &loadbalance.RoundRobinBalancer{}, Logger: logger})
	defer res.Close()
	pool := transport.NewPool(res, transport.TCPDialer(codec.CodecTypeJSON, time.Second, logger), logger, nil)
	cli := New(pool, WithLogger(logger))
	defer cli.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for i := 1; i <= 10; i++ {
		got, err := Invoke[Reply](ctx, cli, name, "Arith.Add", Args{A: i, B: i * 10})
		require.NoError(t, err, "request %d", i)
		assert.Equal(t, i+i*10, got.Result)
	}
	got, err := Invoke[Reply](ctx, cli, name, "Arith.Multiply", Args{A: 4, B: 6})
	require.NoError(t, err)
	assert.Equal(t, 24, got.Result)
}
