// Package client reaches services advertised in a registry.
//
// A Client discovers the instances of a service once, then follows the
// registry's Watch for changes. A balancer picks among the current instances
// and the Client keeps one connected peer.Peer per instance URL. All peers share one
// dispatch table, so functions registered on the Client are callable by every
// server it is connected to.
package client

import (
	"context"
	"strings"
	"sync"

	"github.com/juju/errors"
	"github.com/juju/loggo"

	"wsrpc/dispatch"
	"wsrpc/loadbalance"
	"wsrpc/peer"
	"wsrpc/registry"
)

var logger = loggo.GetLogger("wsrpc.client")

type Client struct {
	registry registry.Registry
	balancer loadbalance.Balancer
	config   peer.Config

	ctx     context.Context
	cancel  context.CancelFunc
	watches sync.WaitGroup

	mu       sync.Mutex
	services map[string]*serviceView
	peers    map[string]*peer.Peer // by instance URL
	retired  []*peer.Peer          // busy when their instance went away
}

// serviceView is the client's copy of one service's instance list.
type serviceView struct {
	ready     chan struct{} // closed once instances is first set
	err       error
	instances []registry.ServiceInstance
}

// NewClient returns a client discovering through reg and picking with bal.
// cfg is the template for every peer it dials; a nil cfg.Table is replaced by
// one table shared by all of them.
func NewClient(reg registry.Registry, bal loadbalance.Balancer, cfg peer.Config) *Client {
	if cfg.Table == nil {
		cfg.Table = dispatch.NewTable()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		registry: reg,
		balancer: bal,
		config:   cfg,
		ctx:      ctx,
		cancel:   cancel,
		services: make(map[string]*serviceView),
		peers:    make(map[string]*peer.Peer),
	}
}

// RegisterFunc makes fn callable by every server this client connects to.
func (c *Client) RegisterFunc(name string, fn any) error {
	return c.config.Table.RegisterFunc(name, fn)
}

// Peer returns an open peer for one instance of serviceName, dialing it if
// there is no live connection yet.
func (c *Client) Peer(ctx context.Context, serviceName string) (*peer.Peer, error) {
	instances, err := c.Instances(ctx, serviceName)
	if err != nil {
		return nil, err
	}
	instance, err := c.balancer.Pick(instances)
	if err != nil {
		return nil, errors.Annotatef(err, "picking %s instance", serviceName)
	}
	return c.peerFor(ctx, instance.Addr)
}

// Instances returns the client's current view of serviceName. The first
// call discovers the service and starts following its changes.
func (c *Client) Instances(ctx context.Context, serviceName string) ([]registry.ServiceInstance, error) {
	c.mu.Lock()
	view, ok := c.services[serviceName]
	if !ok {
		view = &serviceView{ready: make(chan struct{})}
		c.services[serviceName] = view
		c.watches.Add(1)
		go c.follow(serviceName, view)
	}
	c.mu.Unlock()

	select {
	case <-view.ready:
	case <-ctx.Done():
		return nil, errors.Annotatef(ctx.Err(), "discovering %s", serviceName)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if view.err != nil {
		return nil, view.err
	}
	return view.instances, nil
}

// follow seeds view from Discover and then applies every Watch update
// until the client closes. A failed Discover is reported to the waiting
// callers and forgotten so the next call tries again.
func (c *Client) follow(serviceName string, view *serviceView) {
	defer c.watches.Done()

	// Watch first so no change between Discover and Watch is missed.
	ctx, cancel := context.WithCancel(c.ctx)
	defer cancel()
	updates := c.registry.Watch(ctx, serviceName)

	instances, err := c.registry.Discover(ctx, serviceName)
	c.mu.Lock()
	if err != nil {
		view.err = errors.Annotatef(err, "discovering %s", serviceName)
		if c.services[serviceName] == view {
			delete(c.services, serviceName)
		}
		close(view.ready)
		c.mu.Unlock()
		return
	}
	view.instances = instances
	close(view.ready)
	c.mu.Unlock()

	for instances := range updates {
		logger.Debugf("%s now has %d instances", serviceName, len(instances))
		c.mu.Lock()
		view.instances = instances
		c.pruneLocked()
		c.mu.Unlock()
	}

	// The watch ended on its own; rediscover on the next call.
	c.mu.Lock()
	if c.services[serviceName] == view {
		delete(c.services, serviceName)
	}
	c.mu.Unlock()
}

// pruneLocked drops peers whose URL no longer belongs to any watched
// service. Idle ones are closed now, busy ones when the client closes.
func (c *Client) pruneLocked() {
	live := make(map[string]bool)
	for _, view := range c.services {
		for _, inst := range view.instances {
			live[inst.Addr] = true
		}
	}
	for url, p := range c.peers {
		if live[url] {
			continue
		}
		delete(c.peers, url)
		if p.PendingCount() == 0 {
			logger.Debugf("closing connection to departed instance %s", url)
			p.Close()
			continue
		}
		c.retired = append(c.retired, p)
	}
}

func (c *Client) peerFor(ctx context.Context, url string) (*peer.Peer, error) {
	c.mu.Lock()
	p, ok := c.peers[url]
	if ok {
		switch p.State() {
		case peer.Errored, peer.Closed:
			logger.Debugf("dropping dead connection to %s", url)
			delete(c.peers, url)
			ok = false
		}
	}
	if !ok {
		p = peer.New(c.config)
		p.Connect(url)
		c.peers[url] = p
	}
	c.mu.Unlock()

	if err := p.WaitOpen(ctx); err != nil {
		c.mu.Lock()
		if c.peers[url] == p {
			delete(c.peers, url)
		}
		c.mu.Unlock()
		p.Close()
		return nil, errors.Annotatef(err, "connecting to %s", url)
	}
	return p, nil
}

// Call invokes function on an instance of service, named together as
// "Service.function", and decodes the result into reply. reply may be nil.
func (c *Client) Call(ctx context.Context, serviceFunction string, reply any, args ...any) error {
	serviceName, function, ok := strings.Cut(serviceFunction, ".")
	if !ok || serviceName == "" || function == "" {
		return errors.NotValidf("function name %q", serviceFunction)
	}
	p, err := c.Peer(ctx, serviceName)
	if err != nil {
		return err
	}
	return p.CallResult(ctx, reply, function, args...)
}

// Close stops following the registry and closes every peer the client
// dialed.
func (c *Client) Close() error {
	c.cancel()
	c.watches.Wait()

	c.mu.Lock()
	peers := c.peers
	retired := c.retired
	c.peers = make(map[string]*peer.Peer)
	c.retired = nil
	c.mu.Unlock()

	for _, p := range peers {
		p.Close()
	}
	for _, p := range retired {
		p.Close()
	}
	return nil
}
