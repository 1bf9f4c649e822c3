package loadbalance

import (
	"math/rand/v2"

	"github.com/FLCN-16/nest-microservices/registry"
)

// RandomBalancer picks uniformly at random. Simple, no shared state, no
// fairness guarantee.
type RandomBalancer struct{}

func (b *RandomBalancer) Pick(instances []registry.ServiceAddress) (registry.ServiceAddress, error) {
	if len(instances) == 0 {
		return registry.ServiceAddress{}, ErrNoInstances
	}
	return instances[rand.IntN(len(instances))], nil
}

func (b *RandomBalancer) Name() string {
	return StrategyRandom
}
