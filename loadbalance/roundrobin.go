package loadbalance

import (
	"sync/atomic"

	"wsrpc/registry"
)

// RoundRobinBalancer distributes picks evenly across all instances in order.
type RoundRobinBalancer struct {
	counter atomic.Int64
}

func (b *RoundRobinBalancer) Pick(instances []registry.ServiceInstance) (*registry.ServiceInstance, error) {
	if len(instances) == 0 {
		return nil, ErrNoInstances
	}
	index := b.counter.Add(1) % int64(len(instances))
	return &instances[index], nil
}

func (b *RoundRobinBalancer) Name() string {
	return "round-robin"
}
