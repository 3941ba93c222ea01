// Package loadbalance picks which server instance a client dials.
//
// Three strategies are implemented:
//   - RoundRobin:      Stateless services, equal-capacity instances
//   - WeightedRandom:  Heterogeneous instances (different CPU/memory)
//   - ConsistentHash:  One client sticks to one instance while the set is stable
package loadbalance

import (
	"github.com/juju/errors"

	"wsrpc/registry"
)

// ErrNoInstances is returned by Pick when there is nothing to pick from.
const ErrNoInstances = errors.ConstError("no instances available")

// Balancer is the interface for load balancing strategies.
type Balancer interface {
	// Pick selects one instance from the available list. It must be safe
	// for concurrent use.
	Pick(instances []registry.ServiceInstance) (*registry.ServiceInstance, error)

	// Name returns the strategy name.
	Name() string
}

// New returns the balancer called name: "round-robin", "weighted-random" or
// "consistent-hash". key is only used by consistent hashing.
func New(name, key string) (Balancer, error) {
	switch name {
	case "", "round-robin":
		return &RoundRobinBalancer{}, nil
	case "weighted-random":
		return &WeightedRandomBalancer{}, nil
	case "consistent-hash":
		return NewConsistentHashBalancer(key), nil
	}
	return nil, errors.NotValidf("balancer %q", name)
}
