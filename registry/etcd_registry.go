package registry

// etcd is used as a lease-backed phonebook:
//
//	Key:   /services/{name}/{instanceID}
//	Value: JSON-encoded ServiceAddress
//
// Registration attaches the key to a TTL lease kept alive in the background.
// If the process dies the lease expires and the entry disappears, so every
// key present is treated as a healthy instance.

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/FLCN-16/nest-microservices/internal/helpers"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
)

const (
	etcdKeyPrefix = "/services/"

	// DefaultLeaseTTL is the lease TTL in seconds.
	DefaultLeaseTTL int64 = 10
)

// EtcdRegistry implements Registry using etcd v3 leases.
type EtcdRegistry struct {
	client *clientv3.Client // shared across goroutines
	ttl    int64
	logger log.Logger

	mu      sync.Mutex
	key     string
	leaseID clientv3.LeaseID
	stopKA  context.CancelFunc
}

// NewEtcdRegistry connects to the given etcd endpoints.
func NewEtcdRegistry(endpoints []string, logger log.Logger) (*EtcdRegistry, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, err
	}
	return &EtcdRegistry{
		client: c,
		ttl:    DefaultLeaseTTL,
		logger: log.With(helpers.NilPanic(logger, "registry: logger is required"), "component", "etcd_registry"),
	}, nil
}

func serviceKey(name, id string) string {
	return etcdKeyPrefix + name + "/" + id
}

func servicePrefix(name string) string {
	return etcdKeyPrefix + name + "/"
}

// RegisterSelf grants a lease, puts the instance under it and starts
// KeepAlive. A repeated call replaces the previous registration.
func (r *EtcdRegistry) RegisterSelf(ctx context.Context, reg Registration) {
	if err := r.register(ctx, reg); err != nil {
		level.Error(r.logger).Log("msg", "register failed", "service", reg.Name, "id", reg.ID(), "err", err)
		return
	}
	level.Info(r.logger).Log("msg", "registered", "service", reg.Name, "id", reg.ID())
}

func (r *EtcdRegistry) register(ctx context.Context, reg Registration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	lease, err := r.client.Grant(ctx, r.ttl)
	if err != nil {
		return err
	}
	val, err := json.Marshal(reg.Address())
	if err != nil {
		return err
	}
	key := serviceKey(reg.Name, reg.ID())
	if _, err := r.client.Put(ctx, key, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return err
	}

	// KeepAlive outlives ctx, so it gets its own cancel.
	kaCtx, cancel := context.WithCancel(context.Background())
	ch, err := r.client.KeepAlive(kaCtx, lease.ID)
	if err != nil {
		cancel()
		return err
	}
	go func() {
		for range ch {
		}
	}()

	if r.stopKA != nil {
		r.stopKA()
		if r.leaseID != lease.ID {
			_, _ = r.client.Revoke(ctx, r.leaseID)
		}
	}
	r.key, r.leaseID, r.stopKA = key, lease.ID, cancel
	return nil
}

// DeregisterSelf stops KeepAlive and revokes the lease, which deletes the key.
func (r *EtcdRegistry) DeregisterSelf(ctx context.Context) {
	r.mu.Lock()
	key, leaseID, stop := r.key, r.leaseID, r.stopKA
	r.key, r.leaseID, r.stopKA = "", 0, nil
	r.mu.Unlock()
	if stop == nil {
		return
	}

	stop()
	if _, err := r.client.Revoke(ctx, leaseID); err != nil {
		level.Error(r.logger).Log("msg", "deregister failed", "key", key, "err", err)
		return
	}
	level.Info(r.logger).Log("msg", "deregistered", "key", key)
}

func (r *EtcdRegistry) QueryHealthyInstances(ctx context.Context, name string) ([]ServiceAddress, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	resp, err := r.client.Get(ctx, servicePrefix(name), clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("query %s: %v: %w", name, err, ErrRegistryUnreachable)
	}
	return decodeInstances(resp.Kvs), nil
}

// decodeInstances skips malformed values.
func decodeInstances(kvs []*mvccpb.KeyValue) []ServiceAddress {
	out := make([]ServiceAddress, 0, len(kvs))
	for _, kv := range kvs {
		var addr ServiceAddress
		if err := json.Unmarshal(kv.Value, &addr); err != nil {
			continue
		}
		addr.Host = normalizeHost(addr.Host)
		out = append(out, addr)
	}
	return out
}

// Watch emits the instance list of name every time the prefix changes,
// including lease expirations, until ctx is done.
func (r *EtcdRegistry) Watch(ctx context.Context, name string) <-chan []ServiceAddress {
	ch := make(chan []ServiceAddress, 1)
	go func() {
		defer close(ch)
		for wresp := range r.client.Watch(ctx, servicePrefix(name), clientv3.WithPrefix()) {
			if wresp.Err() != nil {
				level.Warn(r.logger).Log("msg", "watch error", "service", name, "err", wresp.Err())
				continue
			}
			// Re-read the whole prefix rather than applying individual events.
			instances, err := r.QueryHealthyInstances(ctx, name)
			if err != nil {
				continue
			}
			select {
			case ch <- instances:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

// Close stops KeepAlive and closes the etcd client.
func (r *EtcdRegistry) Close() error {
	r.mu.Lock()
	if r.stopKA != nil {
		r.stopKA()
		r.stopKA = nil
	}
	r.mu.Unlock()
	return r.client.Close()
}
