package loadbalance

import (
	"fmt"
	"hash/crc32"
	"sort"
	"strings"
	"sync"

	"quic-exchange/registry"
)

// ConsistentHashBalancer maps an affinity key to an instance using a hash ring.
// The same key always maps to the same instance until the ring changes, and adding or
// removing one responder only moves the keys that landed on it.
//
// Virtual nodes: each real instance is mapped to N virtual nodes on the ring so a few
// instances still spread evenly.
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
type ConsistentHashBalancer struct {
	key      string // Affinity key used by Pick
	replicas int    // Virtual nodes per real instance

	mu      sync.Mutex
	ringFor string                               // Instance set the ring was built from
	ring    []uint32                             // Sorted hash values on the ring
	nodes   map[uint32]*registry.ServiceInstance // Hash value → instance mapping
}

// NewConsistentHashBalancer creates a balancer pinning key, with 100 virtual nodes per instance.
func NewConsistentHashBalancer(key string) *ConsistentHashBalancer {
	return &ConsistentHashBalancer{
		key:      key,
		replicas: 100,
		nodes:    make(map[uint32]*registry.ServiceInstance),
	}
}

// Add places an instance onto the hash ring with N virtual nodes.
func (b *ConsistentHashBalancer) Add(instance *registry.ServiceInstance) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.add(instance)
	b.sortRing()
}

func (b *ConsistentHashBalancer) add(instance *registry.ServiceInstance) {
	for i := 0; i < b.replicas; i++ {
		key := fmt.Sprintf("%s#%d", instance.Addr, i)
		hash := crc32.ChecksumIEEE([]byte(key))
		b.ring = append(b.ring, hash)
		b.nodes[hash] = instance
	}
}

func (b *ConsistentHashBalancer) sortRing() {
	sort.Slice(b.ring, func(i, j int) bool {
		return b.ring[i] < b.ring[j]
	})
}

// Pick rebuilds the ring if the instance set changed, then returns the instance owning
// the balancer's affinity key.
func (b *ConsistentHashBalancer) Pick(instances []registry.ServiceInstance) (*registry.ServiceInstance, error) {
	if len(instances) == 0 {
		return nil, ErrNoInstances
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if sig := signature(instances); sig != b.ringFor {
		b.ring = b.ring[:0]
		b.nodes = make(map[uint32]*registry.ServiceInstance)
		for i := range instances {
			inst := instances[i]
			b.add(&inst)
		}
		b.sortRing()
		b.ringFor = sig
	}
	return b.lookup(b.key), nil
}

// PickKey returns the instance owning key on the current ring.
func (b *ConsistentHashBalancer) PickKey(key string) (*registry.ServiceInstance, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.ring) == 0 {
		return nil, ErrNoInstances
	}
	return b.lookup(key), nil
}

// lookup binary-searches for the first node >= hash(key), wrapping around the ring.
func (b *ConsistentHashBalancer) lookup(key string) *registry.ServiceInstance {
	hash := crc32.ChecksumIEEE([]byte(key))
	idx := sort.Search(len(b.ring), func(i int) bool {
		return b.ring[i] >= hash
	})
	if idx == len(b.ring) {
		idx = 0
	}
	return b.nodes[b.ring[idx]]
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}

func signature(instances []registry.ServiceInstance) string {
	addrs := make([]string, len(instances))
	for i, inst := range instances {
		addrs[i] = inst.Addr
	}
	sort.Strings(addrs)
	return strings.Join(addrs, ",")
}
