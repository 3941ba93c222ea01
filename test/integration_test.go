package test

import (
	"context"
	"net"
	"os"
	"strings"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"

	"wsrpc/client"
	"wsrpc/loadbalance"
	"wsrpc/message"
	"wsrpc/middleware"
	"wsrpc/peer"
	"wsrpc/registry"
	"wsrpc/server"
)

const waitTime = 5 * time.Second

type Args struct {
	A, B int
}

func newArithServer(c *qt.C) *server.Server {
	srv := server.NewServer(server.Options{Metrics: true})
	srv.Use(middleware.LoggingMiddleware())
	srv.Use(middleware.TimeOutMiddleware(time.Second))
	c.Assert(srv.RegisterFunc("double", func(n int) int { return n * 2 }), qt.IsNil)
	c.Assert(srv.RegisterFunc("add", func(a Args) int { return a.A + a.B }), qt.IsNil)
	c.Assert(srv.RegisterFunc("multiply", func(a Args) int { return a.A * a.B }), qt.IsNil)
	return srv
}

// serve starts srv on a random port, advertised as "Arith" in reg.
func serve(c *qt.C, srv *server.Server, reg registry.Registry) string {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	c.Assert(err, qt.IsNil)
	url := "ws://" + ln.Addr().String() + "/ws"
	go srv.ServeListener(ln, "Arith", url, reg)
	c.Cleanup(func() { srv.Shutdown(3 * time.Second) })
	waitRegistered(c, reg, url)
	return url
}

func waitRegistered(c *qt.C, reg registry.Registry, url string) {
	if reg == nil {
		return
	}
	deadline := time.Now().Add(waitTime)
	for time.Now().Before(deadline) {
		instances, _ := reg.Discover(context.Background(), "Arith")
		for _, inst := range instances {
			if inst.Addr == url {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	c.Fatalf("%s never registered", url)
}

func testContext(c *qt.C) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), waitTime)
	c.Cleanup(cancel)
	return ctx
}

// TestFullIntegration runs the whole path:
// client → registry → balancer → peer → websocket → server middlewares → dispatch.
func TestFullIntegration(t *testing.T) {
	c := qt.New(t)
	reg := registry.NewMemoryRegistry()
	serve(c, newArithServer(c), reg)

	cli := client.NewClient(reg, &loadbalance.RoundRobinBalancer{}, peer.Config{CallTimeout: waitTime})
	defer cli.Close()

	var n int
	c.Assert(cli.Call(testContext(c), "Arith.double", &n, 21), qt.IsNil)
	c.Assert(n, qt.Equals, 42)

	c.Assert(cli.Call(testContext(c), "Arith.add", &n, Args{A: 3, B: 5}), qt.IsNil)
	c.Assert(n, qt.Equals, 8)

	c.Assert(cli.Call(testContext(c), "Arith.multiply", &n, Args{A: 4, B: 6}), qt.IsNil)
	c.Assert(n, qt.Equals, 24)

	err := cli.Call(testContext(c), "Arith.divide", &n, Args{A: 4, B: 2})
	var remote *message.RemoteError
	c.Assert(err, qt.ErrorAs, &remote)
	c.Assert(remote.Message(), qt.Equals, `no such function "divide"`)
}

// TestBidirectional has the server call back into the client while the
// client's own call is still pending.
func TestBidirectional(t *testing.T) {
	c := qt.New(t)
	srv := server.NewServer(server.Options{})
	c.Assert(srv.RegisterFunc("greet", func(ctx context.Context, name string) (string, error) {
		peers := srv.Peers()
		var suffix string
		if err := peers[0].CallResult(ctx, &suffix, "punctuation"); err != nil {
			return "", err
		}
		return "hello " + name + suffix, nil
	}), qt.IsNil)
	url := serve(c, srv, nil)

	p := peer.New(peer.Config{})
	c.Assert(p.RegisterFunc("punctuation", func() string { return "!" }), qt.IsNil)
	c.Assert(p.ConnectContext(testContext(c), url), qt.IsNil)
	defer p.Close()

	var got string
	c.Assert(p.CallResult(testContext(c), &got, "greet", "world"), qt.IsNil)
	c.Assert(got, qt.Equals, "hello world!")
}

func TestMultiServer(t *testing.T) {
	c := qt.New(t)
	reg := registry.NewMemoryRegistry()
	serve(c, newArithServer(c), reg)
	serve(c, newArithServer(c), reg)

	cli := client.NewClient(reg, &loadbalance.RoundRobinBalancer{}, peer.Config{})
	defer cli.Close()

	for i := 1; i <= 10; i++ {
		var n int
		c.Assert(cli.Call(testContext(c), "Arith.add", &n, Args{A: i, B: i * 10}), qt.IsNil)
		c.Assert(n, qt.Equals, i+i*10)
	}
}

// TestFailover checks that a client moves to the remaining instance once a
// server shuts down and deregisters.
func TestFailover(t *testing.T) {
	c := qt.New(t)
	reg := registry.NewMemoryRegistry()
	first := newArithServer(c)
	serve(c, first, reg)
	serve(c, newArithServer(c), reg)

	cli := client.NewClient(reg, &loadbalance.RoundRobinBalancer{}, peer.Config{})
	defer cli.Close()

	var n int
	for range 2 {
		c.Assert(cli.Call(testContext(c), "Arith.double", &n, 1), qt.IsNil)
	}
	c.Assert(first.Shutdown(time.Second), qt.IsNil)

	// The client learns of the departure through its registry watch.
	deadline := time.Now().Add(5 * time.Second)
	for {
		instances, err := cli.Instances(testContext(c), "Arith")
		c.Assert(err, qt.IsNil)
		if len(instances) == 1 {
			break
		}
		if time.Now().After(deadline) {
			c.Fatalf("client still sees %d instances", len(instances))
		}
		time.Sleep(5 * time.Millisecond)
	}

	for i := range 4 {
		c.Assert(cli.Call(testContext(c), "Arith.double", &n, i), qt.IsNil)
		c.Assert(n, qt.Equals, 2*i)
	}
}

// TestFullIntegrationWithEtcd is TestFullIntegration against a real etcd,
// run only when WSRPC_ETCD_ENDPOINTS is set.
func TestFullIntegrationWithEtcd(t *testing.T) {
	c := qt.New(t)
	endpoints := os.Getenv("WSRPC_ETCD_ENDPOINTS")
	if endpoints == "" {
		c.Skip("WSRPC_ETCD_ENDPOINTS not set")
	}
	reg, err := registry.NewEtcdRegistry(strings.Split(endpoints, ","), 5*time.Second)
	c.Assert(err, qt.IsNil)
	defer reg.Close()

	url := serve(c, newArithServer(c), reg)
	defer reg.Deregister(context.Background(), "Arith", url)

	cli := client.NewClient(reg, loadbalance.NewConsistentHashBalancer("integration"), peer.Config{})
	defer cli.Close()

	var n int
	c.Assert(cli.Call(testContext(c), "Arith.double", &n, 21), qt.IsNil)
	c.Assert(n, qt.Equals, 42)
}
