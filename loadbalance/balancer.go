// Package loadbalance provides strategies for picking one server
// endpoint out of a discovered set before dialing.
//
// Because a final-rpc connection is stateful (channel subscriptions live
// on it), the balancer runs once per connection, not once per call:
//
//   - RoundRobin:      equal-capacity servers
//   - WeightedRandom:  heterogeneous servers
//   - ConsistentHash:  key-sticky affinity (same key, same server)
package loadbalance

import "github.com/laino/final-rpc/registry"

// Balancer picks one endpoint from the discovered list. Implementations
// must be goroutine-safe.
type Balancer interface {
	Pick(instances []registry.ServiceInstance) (*registry.ServiceInstance, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}
