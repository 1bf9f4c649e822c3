package loadbalance

import (
	"sync/atomic"

	"github.com/FLCN-16/nest-microservices/registry"
)

// RoundRobinBalancer walks the candidate list in order using an atomic
// counter. The registry does not guarantee list order, so the spread is even
// only while the healthy set is stable.
type RoundRobinBalancer struct {
	counter atomic.Uint64
}

func (b *RoundRobinBalancer) Pick(instances []registry.ServiceAddress) (registry.ServiceAddress, error) {
	if len(instances) == 0 {
		return registry.ServiceAddress{}, ErrNoInstances
	}
	index := (b.counter.Add(1) - 1) % uint64(len(instances))
	return instances[index], nil
}

func (b *RoundRobinBalancer) Name() string {
	return StrategyRoundRobin
}
