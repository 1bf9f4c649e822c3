package loadbalance

import (
	"fmt"
	"hash/crc32"
	"sort"

	"github.com/FLCN-16/nest-microservices/registry"
)

const defaultReplicas = 100

// hashRing maps keys to instances. Each instance owns replicas virtual nodes
// so a handful of instances still spreads evenly around the ring.
//
//	Hash Ring:
//	                  0
//	                ╱   ╲
//	              ╱       ╲
//	         B ●               ● A
//	           │    key ◆──►   │   (clockwise to nearest node → A)
//	         C ●               ● A' (virtual node of A)
//	              ╲       ╱
//	                ╲   ╱
type hashRing struct {
	replicas int
	ring     []uint32
	nodes    map[uint32]registry.ServiceAddress
}

func newHashRing(replicas int) *hashRing {
	return &hashRing{
		replicas: replicas,
		nodes:    make(map[uint32]registry.ServiceAddress),
	}
}

// add places instance on the ring under "{addr}#{i}" virtual nodes.
func (h *hashRing) add(instance registry.ServiceAddress) {
	for i := 0; i < h.replicas; i++ {
		hash := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", instance.Addr(), i)))
		h.ring = append(h.ring, hash)
		h.nodes[hash] = instance
	}
}

func (h *hashRing) sort() {
	sort.Slice(h.ring, func(i, j int) bool { return h.ring[i] < h.ring[j] })
}

// lookup returns the first node clockwise from key's hash, wrapping around.
func (h *hashRing) lookup(key string) registry.ServiceAddress {
	hash := crc32.ChecksumIEEE([]byte(key))
	idx := sort.Search(len(h.ring), func(i int) bool {
		return h.ring[i] >= hash
	})
	if idx == len(h.ring) {
		idx = 0
	}
	return h.nodes[h.ring[idx]]
}

// ConsistentHashBalancer pins Key to the same instance for as long as that
// instance stays in the healthy set. Set Key to this process's instance ID
// to get caller affinity.
type ConsistentHashBalancer struct {
	Key      string
	replicas int
}

func NewConsistentHashBalancer(key string) *ConsistentHashBalancer {
	return &ConsistentHashBalancer{Key: key, replicas: defaultReplicas}
}

func (b *ConsistentHashBalancer) Pick(instances []registry.ServiceAddress) (registry.ServiceAddress, error) {
	return b.PickKey(instances, b.Key)
}

// PickKey selects the instance owning key. The ring is rebuilt from
// instances on every call, since the healthy set can change between picks.
func (b *ConsistentHashBalancer) PickKey(instances []registry.ServiceAddress, key string) (registry.ServiceAddress, error) {
	if len(instances) == 0 {
		return registry.ServiceAddress{}, ErrNoInstances
	}
	h := newHashRing(b.replicas)
	for _, inst := range instances {
		h.add(inst)
	}
	h.sort()
	return h.lookup(key), nil
}

func (b *ConsistentHashBalancer) Name() string {
	return StrategyConsistentHash
}
