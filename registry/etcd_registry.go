package registry

import (
	"context"
	"encoding/json"
	"net/url"
	"sync"
	"time"

	"github.com/juju/errors"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// KeyPrefix roots every key the registry writes:
//
//	Key:   /wsrpc/{ServiceName}/{escaped Addr}
//	Value: JSON-encoded ServiceInstance
//
// Each key is bound to a lease kept alive by the registering process; if it
// dies the lease expires and the entry goes with it.
const KeyPrefix = "/wsrpc/"

func servicePrefix(serviceName string) string {
	return KeyPrefix + serviceName + "/"
}

func instanceKey(serviceName, addr string) string {
	return servicePrefix(serviceName) + url.PathEscape(addr)
}

// EtcdRegistry implements Registry on etcd v3.
type EtcdRegistry struct {
	client *clientv3.Client

	mu     sync.Mutex
	leases map[string]lease // by instance key
}

type lease struct {
	id     clientv3.LeaseID
	cancel context.CancelFunc // stops keep-alive
}

// NewEtcdRegistry connects to the given etcd endpoints.
func NewEtcdRegistry(endpoints []string, dialTimeout time.Duration) (*EtcdRegistry, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, errors.Annotatef(err, "connecting to etcd at %v", endpoints)
	}
	return &EtcdRegistry{
		client: c,
		leases: make(map[string]lease),
	}, nil
}

// Register puts instance under a lease of ttl seconds and keeps the lease
// alive in the background. Registering the same address again replaces the
// earlier registration.
func (r *EtcdRegistry) Register(ctx context.Context, serviceName string, instance ServiceInstance, ttl int64) error {
	key := instanceKey(serviceName, instance.Addr)

	granted, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return errors.Annotatef(err, "granting %ds lease for %s", ttl, key)
	}
	val, err := json.Marshal(instance)
	if err != nil {
		return errors.Trace(err)
	}
	if _, err := r.client.Put(ctx, key, string(val), clientv3.WithLease(granted.ID)); err != nil {
		return errors.Annotatef(err, "registering %s", key)
	}

	// The keep-alive outlives ctx; it stops on Deregister or Close.
	kaCtx, cancel := context.WithCancel(context.Background())
	ch, err := r.client.KeepAlive(kaCtx, granted.ID)
	if err != nil {
		cancel()
		return errors.Annotatef(err, "keeping %s alive", key)
	}
	go func() {
		for range ch {
		}
		logger.Debugf("keep-alive for %s stopped", key)
	}()

	r.mu.Lock()
	old, replaced := r.leases[key]
	r.leases[key] = lease{id: granted.ID, cancel: cancel}
	r.mu.Unlock()
	if replaced {
		old.cancel()
	}
	logger.Infof("registered %s (ttl %ds)", key, ttl)
	return nil
}

// Deregister deletes the instance and revokes its lease.
func (r *EtcdRegistry) Deregister(ctx context.Context, serviceName string, addr string) error {
	key := instanceKey(serviceName, addr)

	r.mu.Lock()
	l, ok := r.leases[key]
	delete(r.leases, key)
	r.mu.Unlock()

	if _, err := r.client.Delete(ctx, key); err != nil {
		return errors.Annotatef(err, "deregistering %s", key)
	}
	if ok {
		l.cancel()
		if _, err := r.client.Revoke(ctx, l.id); err != nil {
			logger.Debugf("revoking lease for %s: %v", key, err)
		}
	}
	logger.Infof("deregistered %s", key)
	return nil
}

// Discover returns the instances registered for serviceName, ordered by key.
func (r *EtcdRegistry) Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error) {
	resp, err := r.client.Get(ctx, servicePrefix(serviceName), clientv3.WithPrefix())
	if err != nil {
		return nil, errors.Annotatef(err, "discovering %s", serviceName)
	}
	instances := make([]ServiceInstance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var instance ServiceInstance
		if err := json.Unmarshal(kv.Value, &instance); err != nil {
			logger.Warningf("skipping malformed entry %s: %v", kv.Key, err)
			continue
		}
		instances = append(instances, instance)
	}
	return instances, nil
}

// Watch re-reads the instance list on every change under the service prefix.
func (r *EtcdRegistry) Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance {
	ch := make(chan []ServiceInstance, 1)
	go func() {
		defer close(ch)
		for wr := range r.client.Watch(ctx, servicePrefix(serviceName), clientv3.WithPrefix()) {
			if err := wr.Err(); err != nil {
				logger.Warningf("watching %s: %v", serviceName, err)
				continue
			}
			instances, err := r.Discover(ctx, serviceName)
			if err != nil {
				logger.Warningf("%v", err)
				continue
			}
			select {
			case ch <- instances:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

// Close stops all keep-alives and closes the etcd client. Registrations
// expire with their leases.
func (r *EtcdRegistry) Close() error {
	r.mu.Lock()
	for key, l := range r.leases {
		l.cancel()
		delete(r.leases, key)
	}
	r.mu.Unlock()
	return errors.Trace(r.client.Close())
}
