package loadbalance

import (
	"fmt"
	"sync/atomic"

	"github.com/laino/final-rpc/registry"
)

// RoundRobinBalancer hands out endpoints in order. The atomic counter
// keeps Pick lock-free and goroutine-safe.
type RoundRobinBalancer struct {
	counter atomic.Int64
}

// Pick selects the next endpoint in round-robin order.
func (b *RoundRobinBalancer) Pick(instances []registry.ServiceInstance) (*registry.ServiceInstance, error) {
	if len(instances) == 0 {
		return nil, fmt.Errorf("no instances available")
	}
	index := b.counter.Add(1) % int64(len(instances))
	return &instances[index], nil
}

func (b *RoundRobinBalancer) Name() string {
	return "RoundRobin"
}
