package loadbalance

import (
	"math/rand/v2"

	"wsrpc/registry"
)

// WeightedRandomBalancer picks instances at random in proportion to their
// weight. An instance without a positive weight counts as weight 1.
type WeightedRandomBalancer struct{}

func weight(inst registry.ServiceInstance) int {
	if inst.Weight <= 0 {
		return 1
	}
	return inst.Weight
}

func (b *WeightedRandomBalancer) Pick(instances []registry.ServiceInstance) (*registry.ServiceInstance, error) {
	if len(instances) == 0 {
		return nil, ErrNoInstances
	}

	total := 0
	for _, inst := range instances {
		total += weight(inst)
	}

	r := rand.IntN(total)
	for i := range instances {
		r -= weight(instances[i])
		if r < 0 {
			return &instances[i], nil
		}
	}
	return &instances[len(instances)-1], nil
}

func (b *WeightedRandomBalancer) Name() string {
	return "weighted-random"
}
