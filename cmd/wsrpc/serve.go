package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/juju/errors"
	"github.com/spf13/cobra"

	"wsrpc/config"
	"wsrpc/middleware"
	"wsrpc/registry"
	"wsrpc/server"
)

const shutdownTimeout = 10 * time.Second

func serveCmd() *cobra.Command {
	var s settings
	var listen, advertise string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Host the demo functions",
		Long: `Serve the demo functions over a WebSocket:

  double(n)        returns n*2
  test()           returns a greeting
  echo(args...)    returns its arguments
  sleep(ms)        waits ms milliseconds
  fail(message)    fails with message

With --etcd the server advertises itself under --service until it stops.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := s.load(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("listen") {
				cfg.Listen = listen
			}
			if cmd.Flags().Changed("advertise") {
				cfg.AdvertiseURL = advertise
			}
			return runServe(cmd.Context(), cfg)
		},
	}

	s.addFlags(cmd)
	cmd.Flags().StringVarP(&listen, "listen", "l", "", "Listen address (default :8080)")
	cmd.Flags().StringVar(&advertise, "advertise", "", "URL advertised to clients")

	return cmd
}

func runServe(ctx context.Context, cfg config.Config) error {
	srv := server.NewServer(server.Options{
		Path:         cfg.Path,
		CallTimeout:  cfg.CallTimeout.Std(),
		SweepOnClose: cfg.SweepOnClose,
		Heartbeat:    cfg.Heartbeat.Std(),
		TTL:          cfg.Etcd.TTL,
		Metrics:      cfg.Metrics,
	})
	stopTracing, err := useTracing(ctx, cfg, srv.Use)
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := stopTracing(ctx); err != nil {
			logger.Warningf("flushing traces: %v", err)
		}
	}()
	srv.Use(middleware.LoggingMiddleware())
	if cfg.RateLimit.Rate > 0 {
		srv.Use(middleware.RateLimitMiddleware(cfg.RateLimit.Rate, cfg.RateLimit.Burst))
	}
	if d := cfg.HandlerTimeout.Std(); d > 0 {
		srv.Use(middleware.TimeOutMiddleware(d))
	}
	if err := registerDemo(srv); err != nil {
		return err
	}

	var reg registry.Registry
	etcdReg, err := openRegistry(cfg)
	if err != nil {
		return err
	}
	if etcdReg != nil {
		defer etcdReg.Close()
		reg = etcdReg
	}
	url := cfg.AdvertiseURL
	if url == "" {
		if url, err = advertiseURL(cfg.Listen, cfg.Path); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	done := make(chan error, 1)
	go func() {
		done <- srv.Serve("tcp", cfg.Listen, cfg.Service, url, reg)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
	}
	logger.Infof("shutting down")
	if err := srv.Shutdown(shutdownTimeout); err != nil {
		return err
	}
	return <-done
}

// registerDemo registers the functions served by "wsrpc serve".
func registerDemo(srv *server.Server) error {
	funcs := map[string]any{
		"double": func(n int) int { return n * 2 },
		"test":   func() string { return "hello from wsrpc" },
		"echo":   func(args ...json.RawMessage) []json.RawMessage { return args },
		"sleep": func(ctx context.Context, ms int) error {
			select {
			case <-time.After(time.Duration(ms) * time.Millisecond):
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
		"fail": func(message string) error { return errors.New(message) },
	}
	for name, fn := range funcs {
		if err := srv.RegisterFunc(name, fn); err != nil {
			return errors.Annotatef(err, "registering %s", name)
		}
	}
	return nil
}
