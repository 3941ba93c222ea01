package main

import (
	"net"
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/spf13/cobra"

	"wsrpc/config"
	"wsrpc/registry"
)

// settings are the flags shared by serve and call. Flags given on the
// command line override the config file.
type settings struct {
	configPath string
	service    string
	etcd       []string
	logging    string
}

func (s *settings) addFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&s.configPath, "config", "c", "", "YAML config file")
	cmd.Flags().StringVar(&s.service, "service", "", "Service name used for discovery")
	cmd.Flags().StringSliceVar(&s.etcd, "etcd", nil, "etcd endpoints for discovery")
	cmd.Flags().StringVar(&s.logging, "log", "", `Logging config, e.g. "<root>=DEBUG"`)
}

// load reads the config file, if any, applies flag overrides and sets up
// logging.
func (s *settings) load(cmd *cobra.Command) (config.Config, error) {
	cfg := config.Default()
	if s.configPath != "" {
		var err error
		if cfg, err = config.Load(s.configPath); err != nil {
			return config.Config{}, errors.Annotate(err, "loading config")
		}
	}
	if cmd.Flags().Changed("service") {
		cfg.Service = s.service
	}
	if cmd.Flags().Changed("etcd") {
		cfg.Etcd.Endpoints = s.etcd
	}
	if cmd.Flags().Changed("log") {
		cfg.Logging = s.logging
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	if err := loggo.ConfigureLoggers(cfg.Logging); err != nil {
		return config.Config{}, errors.Annotatef(err, "logging config %q", cfg.Logging)
	}
	return cfg, nil
}

// openRegistry connects to etcd, or returns nil when no endpoints are set.
func openRegistry(cfg config.Config) (*registry.EtcdRegistry, error) {
	if len(cfg.Etcd.Endpoints) == 0 {
		return nil, nil
	}
	reg, err := registry.NewEtcdRegistry(cfg.Etcd.Endpoints, 5*time.Second)
	if err != nil {
		return nil, errors.Annotatef(err, "connecting to etcd %s", strings.Join(cfg.Etcd.Endpoints, ","))
	}
	return reg, nil
}

// advertiseURL is the URL clients should dial for a server listening on
// listen. A wildcard host is advertised as the loopback address.
func advertiseURL(listen, path string) (string, error) {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return "", errors.NotValidf("listen address %q", listen)
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "ws://" + net.JoinHostPort(host, port) + path, nil
}
