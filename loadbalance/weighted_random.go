package loadbalance

import (
	"math/rand/v2"
	"strconv"

	"github.com/FLCN-16/nest-microservices/registry"
)

// WeightedRandomBalancer picks with probability proportional to the
// instance's Meta "weight". Missing or invalid weights count as 1.
type WeightedRandomBalancer struct{}

func weightOf(a registry.ServiceAddress) int {
	w, err := strconv.Atoi(a.Meta[registry.MetaWeight])
	if err != nil || w <= 0 {
		return 1
	}
	return w
}

func (b *WeightedRandomBalancer) Pick(instances []registry.ServiceAddress) (registry.ServiceAddress, error) {
	if len(instances) == 0 {
		return registry.ServiceAddress{}, ErrNoInstances
	}

	totalWeight := 0
	for _, v := range instances {
		totalWeight += weightOf(v)
	}

	r := rand.IntN(totalWeight)
	for _, v := range instances {
		r -= weightOf(v)
		if r < 0 {
			return v, nil
		}
	}
	return instances[len(instances)-1], nil
}

func (b *WeightedRandomBalancer) Name() string {
	return StrategyWeightedRandom
}
