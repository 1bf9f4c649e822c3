// Package loadbalance provides strategies for choosing one healthy instance
// among the candidates the registry returns.
//
//   - Random:          the default; uniform over healthy instances
//   - RoundRobin:      even spread across equal-capacity instances
//   - WeightedRandom:  heterogeneous instances, weight from Meta "weight"
//   - ConsistentHash:  sticky affinity of a caller key to one instance
package loadbalance

import (
	"fmt"

	"github.com/FLCN-16/nest-microservices/registry"
	"github.com/juju/errors"
)

const ErrNoInstances = errors.ConstError("no instances available")

// Balancer is called on every resolution and must be goroutine-safe.
type Balancer interface {
	registry.Balancer

	// Name returns the strategy name, as used in configuration.
	Name() string
}

// Strategy names accepted by New.
const (
	StrategyRandom         = "random"
	StrategyRoundRobin     = "round_robin"
	StrategyWeightedRandom = "weighted_random"
	StrategyConsistentHash = "consistent_hash"
)

// New returns the balancer registered under name. key is only used by the
// consistent hash strategy.
func New(name, key string) (Balancer, error) {
	switch name {
	case "", StrategyRandom:
		return &RandomBalancer{}, nil
	case StrategyRoundRobin:
		return &RoundRobinBalancer{}, nil
	case StrategyWeightedRandom:
		return &WeightedRandomBalancer{}, nil
	case StrategyConsistentHash:
		return NewConsistentHashBalancer(key), nil
	}
	return nil, fmt.Errorf("unknown balancer %q", name)
}
