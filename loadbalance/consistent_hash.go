package loadbalance

import (
	"fmt"
	"hash/crc32"
	"sort"
	"sync"

	"github.com/laino/final-rpc/registry"
)

// ConsistentHashBalancer maps keys to endpoints on a hash ring, so the
// same key lands on the same server until the ring changes. Subscriptions
// make connections stateful, which is exactly when key affinity pays off:
// hash a tenant or session key and its channels stay on one server.
//
// Each endpoint is placed on the ring as N virtual nodes; without them a
// handful of endpoints would cluster and load would skew.
type ConsistentHashBalancer struct {
	replicas int

	mu    sync.Mutex
	ring  []uint32                             // sorted hash values
	nodes map[uint32]*registry.ServiceInstance // hash → endpoint
}

// NewConsistentHashBalancer creates a ring with 100 virtual nodes per
// endpoint.
func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{
		replicas: 100,
		nodes:    make(map[uint32]*registry.ServiceInstance),
	}
}

// Add places an endpoint onto the ring. Virtual nodes hash "{addr}#{i}"
// so one endpoint spreads across the ring.
func (b *ConsistentHashBalancer) Add(instance *registry.ServiceInstance) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := 0; i < b.replicas; i++ {
		hash := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", instance.Addr, i)))
		b.ring = append(b.ring, hash)
		b.nodes[hash] = instance
	}
	// Keep the ring sorted for binary search in PickKey.
	sort.Slice(b.ring, func(i, j int) bool {
		return b.ring[i] < b.ring[j]
	})
}

// PickKey finds the endpoint responsible for key: the first ring node at
// or clockwise after the key's hash, wrapping around at the top.
//
// Consistent hashing is key-based, so this balancer does not implement
// the instance-list Balancer interface; callers Add discovered endpoints
// and then pick by key.
func (b *ConsistentHashBalancer) PickKey(key string) (*registry.ServiceInstance, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.ring) == 0 {
		return nil, fmt.Errorf("no instances available")
	}

	hash := crc32.ChecksumIEEE([]byte(key))
	idx := sort.Search(len(b.ring), func(i int) bool {
		return b.ring[i] >= hash
	})
	if idx == len(b.ring) {
		idx = 0
	}

	return b.nodes[b.ring[idx]], nil
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}
