package loadbalance

import (
	"fmt"
	"hash/crc32"
	"sort"
	"sync"

	"wsrpc/registry"
)

// ConsistentHashBalancer maps keys to instances using a hash ring. The same
// key keeps mapping to the same instance while that instance is present,
// and only keys owned by an instance move when it leaves.
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
//
// Each instance is placed on the ring as replicas virtual nodes so a few
// instances still split the ring evenly.
type ConsistentHashBalancer struct {
	replicas int
	key      string // what Pick locates

	mu      sync.RWMutex
	ring    []uint32                             // sorted virtual node hashes
	nodes   map[uint32]*registry.ServiceInstance // virtual node → instance
	members map[string]registry.ServiceInstance  // by Addr
}

// NewConsistentHashBalancer returns an empty ring with 100 virtual nodes per
// instance. Pick always locates key, typically the client's own identity.
func NewConsistentHashBalancer(key string) *ConsistentHashBalancer {
	return &ConsistentHashBalancer{
		replicas: 100,
		key:      key,
		nodes:    make(map[uint32]*registry.ServiceInstance),
		members:  make(map[string]registry.ServiceInstance),
	}
}

// Add places instance on the ring.
func (b *ConsistentHashBalancer) Add(instance registry.ServiceInstance) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.members[instance.Addr] = instance
	b.rebuildLocked()
}

// Remove takes the instance at addr off the ring.
func (b *ConsistentHashBalancer) Remove(addr string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.members, addr)
	b.rebuildLocked()
}

func (b *ConsistentHashBalancer) rebuildLocked() {
	b.ring = b.ring[:0]
	clear(b.nodes)
	for addr := range b.members {
		inst := b.members[addr]
		for i := 0; i < b.replicas; i++ {
			hash := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", addr, i)))
			b.ring = append(b.ring, hash)
			b.nodes[hash] = &inst
		}
	}
	sort.Slice(b.ring, func(i, j int) bool {
		return b.ring[i] < b.ring[j]
	})
}

// Locate finds the instance responsible for key: the first virtual node
// clockwise from the key's hash.
func (b *ConsistentHashBalancer) Locate(key string) (*registry.ServiceInstance, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.ring) == 0 {
		return nil, ErrNoInstances
	}
	hash := crc32.ChecksumIEEE([]byte(key))
	idx := sort.Search(len(b.ring), func(i int) bool {
		return b.ring[i] >= hash
	})
	if idx == len(b.ring) {
		idx = 0
	}
	inst := *b.nodes[b.ring[idx]]
	return &inst, nil
}

// Pick brings the ring in line with instances and locates the balancer's key.
func (b *ConsistentHashBalancer) Pick(instances []registry.ServiceInstance) (*registry.ServiceInstance, error) {
	b.mu.Lock()
	if !b.sameMembersLocked(instances) {
		clear(b.members)
		for _, inst := range instances {
			b.members[inst.Addr] = inst
		}
		b.rebuildLocked()
	}
	b.mu.Unlock()
	return b.Locate(b.key)
}

func (b *ConsistentHashBalancer) sameMembersLocked(instances []registry.ServiceInstance) bool {
	if len(instances) != len(b.members) {
		return false
	}
	for _, inst := range instances {
		if b.members[inst.Addr] != inst {
			return false
		}
	}
	return true
}

func (b *ConsistentHashBalancer) Name() string {
	return "consistent-hash"
}
