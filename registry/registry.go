// Package registry lets servers advertise the websocket endpoints they
// serve and lets clients find them.
//
// An instance is keyed by service name and address, where the address is the
// websocket URL a peer dials (ws://10.0.0.5:8080/ws). Registrations carry a
// TTL so a server that dies without deregistering disappears on its own.
package registry

import (
	"context"

	"github.com/juju/loggo"
)

var logger = loggo.GetLogger("wsrpc.registry")

// ServiceInstance is one server endpoint for a service.
type ServiceInstance struct {
	Addr    string `json:"addr"`              // websocket URL
	Weight  int    `json:"weight,omitempty"`  // relative share for weighted balancing
	Version string `json:"version,omitempty"` // free-form, informational
}

// Registry stores service instances.
type Registry interface {
	// Register advertises instance under serviceName for ttl seconds,
	// renewed until Deregister.
	Register(ctx context.Context, serviceName string, instance ServiceInstance, ttl int64) error

	// Deregister withdraws the instance at addr.
	Deregister(ctx context.Context, serviceName string, addr string) error

	// Discover lists the instances currently registered for serviceName.
	Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error)

	// Watch sends the full instance list each time it changes, until ctx
	// is done.
	Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance
}
