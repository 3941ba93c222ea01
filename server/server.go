// Package server accepts websocket peers over HTTP.
//
// Every accepted connection becomes a peer.Peer with its own pending calls,
// while all of them share the server's dispatch table, so a function
// registered once is callable from every client. The server keeps the set of
// live peers so the host can call into its clients too.
//
//	HTTP GET /ws → upgrade → peer.Attach(conn) ─┬─ table (shared)
//	HTTP GET /ws → upgrade → peer.Attach(conn) ─┘
//	GET /healthz, GET /metrics
//
// Graceful shutdown deregisters from discovery first, then stops accepting,
// waits for in-flight handlers and finally closes the remaining peers.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	jujuerrors "github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"wsrpc/dispatch"
	"wsrpc/middleware"
	"wsrpc/peer"
	"wsrpc/registry"
	"wsrpc/transport"
)

var logger = loggo.GetLogger("wsrpc.server")

// Options configure a Server. The zero value is usable.
type Options struct {
	// Path is where peers connect. Defaults to "/ws".
	Path string

	// CallTimeout and SweepOnClose apply to calls the server makes into
	// its peers; see peer.Config.
	CallTimeout  time.Duration
	SweepOnClose bool

	// Heartbeat is the websocket ping interval; zero disables pings.
	Heartbeat time.Duration

	// TTL is the discovery lease in seconds. Defaults to 10.
	TTL int64

	// Metrics enables request metrics and the /metrics endpoint.
	Metrics bool

	// Prometheus receives the server's collectors. Nil means a fresh
	// registry private to this server.
	Prometheus *prometheus.Registry
}

// Server hosts functions for websocket peers.
type Server struct {
	opts        Options
	table       *dispatch.Table
	middlewares []middleware.Middleware

	peersGauge prometheus.Gauge
	accepted   prometheus.Counter

	mu       sync.Mutex
	peers    map[*peer.Peer]struct{}
	http     *http.Server
	shutdown atomic.Bool

	registry     registry.Registry // nil if not using discovery
	serviceName  string
	advertiseURL string // what clients dial, unlike the listen address
}

// NewServer returns a server with an empty function table.
func NewServer(opts Options) *Server {
	if opts.Path == "" {
		opts.Path = "/ws"
	}
	if opts.TTL <= 0 {
		opts.TTL = 10
	}
	if opts.Prometheus == nil {
		opts.Prometheus = prometheus.NewRegistry()
	}
	factory := promauto.With(opts.Prometheus)
	s := &Server{
		opts:  opts,
		table: dispatch.NewTable(),
		peers: make(map[*peer.Peer]struct{}),
		peersGauge: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "wsrpc",
			Name:      "peers",
			Help:      "Number of connected websocket peers",
		}),
		accepted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "wsrpc",
			Name:      "connections_total",
			Help:      "Total number of accepted websocket connections",
		}),
	}
	if opts.Metrics {
		s.middlewares = append(s.middlewares, middleware.MetricsMiddleware(middleware.NewMetrics(opts.Prometheus)))
	}
	return s
}

// Use appends a middleware to the chain every peer's inbound requests go
// through. Only peers accepted afterwards are affected, so register
// middlewares before serving.
func (s *Server) Use(mw middleware.Middleware) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.middlewares = append(s.middlewares, mw)
}

// RegisterFunction makes h callable by every peer as name.
func (s *Server) RegisterFunction(name string, h dispatch.Handler) {
	s.table.Register(name, h)
}

// RegisterFunc registers an ordinary Go function; see dispatch.Func.
func (s *Server) RegisterFunc(name string, fn any) error {
	return s.table.RegisterFunc(name, fn)
}

// Table returns the shared dispatch table.
func (s *Server) Table() *dispatch.Table {
	return s.table
}

// Peers returns the currently connected peers.
func (s *Server) Peers() []*peer.Peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	peers := make([]*peer.Peer, 0, len(s.peers))
	for p := range s.peers {
		peers = append(peers, p)
	}
	return peers
}

// Handler routes the websocket path, /healthz and, with metrics enabled,
// /metrics.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Get(s.opts.Path, s.ServeHTTP)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if s.shutdown.Load() {
			http.Error(w, "shutting down", http.StatusServiceUnavailable)
			return
		}
		fmt.Fprintf(w, "ok %d peers\n", len(s.Peers()))
	})
	if s.opts.Metrics {
		r.Handle("/metrics", promhttp.HandlerFor(s.opts.Prometheus, promhttp.HandlerOpts{}))
	}
	return r
}

// ServeHTTP upgrades the request to a websocket and serves a peer on it.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.shutdown.Load() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	conn, err := transport.Upgrade(w, r, transport.WebsocketOptions{Heartbeat: s.opts.Heartbeat})
	if err != nil {
		logger.Warningf("rejecting %s: %v", r.RemoteAddr, err)
		return
	}

	s.mu.Lock()
	middlewares := append([]middleware.Middleware(nil), s.middlewares...)
	s.mu.Unlock()

	var p *peer.Peer
	p = peer.New(peer.Config{
		Table:        s.table,
		Middlewares:  middlewares,
		CallTimeout:  s.opts.CallTimeout,
		SweepOnClose: s.opts.SweepOnClose,
		OnStateChange: func(state peer.State) {
			if state == peer.Closed {
				s.remove(p, r.RemoteAddr)
			}
		},
	})
	s.add(p, r.RemoteAddr)
	p.Attach(conn)
}

func (s *Server) add(p *peer.Peer, remote string) {
	s.mu.Lock()
	s.peers[p] = struct{}{}
	s.mu.Unlock()
	s.accepted.Inc()
	s.peersGauge.Inc()
	logger.Infof("peer %s connected", remote)
}

func (s *Server) remove(p *peer.Peer, remote string) {
	s.mu.Lock()
	_, ok := s.peers[p]
	delete(s.peers, p)
	s.mu.Unlock()
	if ok {
		s.peersGauge.Dec()
		logger.Infof("peer %s disconnected", remote)
	}
}

// Serve listens on address and serves until Shutdown. If reg is not nil the
// server advertises advertiseURL under serviceName while it runs.
func (s *Server) Serve(network, address, serviceName, advertiseURL string, reg registry.Registry) error {
	ln, err := net.Listen(network, address)
	if err != nil {
		return jujuerrors.Annotatef(err, "listening on %s", address)
	}
	return s.ServeListener(ln, serviceName, advertiseURL, reg)
}

// ServeListener is Serve on an existing listener.
func (s *Server) ServeListener(ln net.Listener, serviceName, advertiseURL string, reg registry.Registry) error {
	srv := &http.Server{Handler: s.Handler()}

	s.mu.Lock()
	s.http = srv
	s.mu.Unlock()

	if reg != nil {
		instance := registry.ServiceInstance{Addr: advertiseURL}
		if err := reg.Register(context.Background(), serviceName, instance, s.opts.TTL); err != nil {
			ln.Close()
			return jujuerrors.Annotatef(err, "advertising %s", serviceName)
		}
		s.mu.Lock()
		s.registry, s.serviceName, s.advertiseURL = reg, serviceName, advertiseURL
		s.mu.Unlock()
	}

	logger.Infof("serving %s on %s%s", serviceName, ln.Addr(), s.opts.Path)
	err := srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) && s.shutdown.Load() {
		return nil
	}
	return jujuerrors.Trace(err)
}

// Shutdown stops the server gracefully:
//  1. Deregister from discovery so clients stop picking this server
//  2. Stop accepting connections
//  3. Wait for in-flight inbound handlers, up to timeout
//  4. Close every peer
func (s *Server) Shutdown(timeout time.Duration) error {
	s.shutdown.Store(true)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	s.mu.Lock()
	reg, serviceName, advertiseURL, srv := s.registry, s.serviceName, s.advertiseURL, s.http
	s.mu.Unlock()

	if reg != nil {
		if err := reg.Deregister(ctx, serviceName, advertiseURL); err != nil {
			logger.Warningf("%v", err)
		}
	}
	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			logger.Warningf("stopping http server: %v", err)
		}
	}

	peers := s.Peers()
	done := make(chan struct{})
	go func() {
		for _, p := range peers {
			p.Wait()
		}
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = jujuerrors.Errorf("timeout waiting for in-flight requests to finish")
	}
	for _, p := range peers {
		p.Close()
	}
	return err
}
