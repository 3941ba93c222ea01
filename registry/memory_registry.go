package registry

import (
	"context"
	"sort"
	"sync"
)

// MemoryRegistry is an in-process Registry. TTLs are not enforced; entries
// live until deregistered. It serves tests and single-process setups.
type MemoryRegistry struct {
	mu       sync.Mutex
	services map[string]map[string]ServiceInstance
	watchers map[string]map[chan []ServiceInstance]struct{}
}

// NewMemoryRegistry returns an empty registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		services: make(map[string]map[string]ServiceInstance),
		watchers: make(map[string]map[chan []ServiceInstance]struct{}),
	}
}

func (r *MemoryRegistry) Register(_ context.Context, serviceName string, instance ServiceInstance, _ int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.services[serviceName] == nil {
		r.services[serviceName] = make(map[string]ServiceInstance)
	}
	r.services[serviceName][instance.Addr] = instance
	r.notifyLocked(serviceName)
	return nil
}

func (r *MemoryRegistry) Deregister(_ context.Context, serviceName string, addr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.services[serviceName], addr)
	r.notifyLocked(serviceName)
	return nil
}

func (r *MemoryRegistry) Discover(_ context.Context, serviceName string) ([]ServiceInstance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listLocked(serviceName), nil
}

// Watch delivers the latest list after each change. A watcher that falls
// behind only ever sees the most recent list.
func (r *MemoryRegistry) Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance {
	ch := make(chan []ServiceInstance, 1)

	r.mu.Lock()
	if r.watchers[serviceName] == nil {
		r.watchers[serviceName] = make(map[chan []ServiceInstance]struct{})
	}
	r.watchers[serviceName][ch] = struct{}{}
	r.mu.Unlock()

	go func() {
		<-ctx.Done()
		r.mu.Lock()
		delete(r.watchers[serviceName], ch)
		close(ch)
		r.mu.Unlock()
	}()
	return ch
}

func (r *MemoryRegistry) listLocked(serviceName string) []ServiceInstance {
	instances := make([]ServiceInstance, 0, len(r.services[serviceName]))
	for _, inst := range r.services[serviceName] {
		instances = append(instances, inst)
	}
	sort.Slice(instances, func(i, j int) bool {
		return instances[i].Addr < instances[j].Addr
	})
	return instances
}

func (r *MemoryRegistry) notifyLocked(serviceName string) {
	if len(r.watchers[serviceName]) == 0 {
		return
	}
	instances := r.listLocked(serviceName)
	for ch := range r.watchers[serviceName] {
		// Replace an unread list rather than block.
		select {
		case <-ch:
		default:
		}
		ch <- instances
	}
}
