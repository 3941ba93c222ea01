// Package config loads the settings shared by the wsrpc server and client
// from a YAML file:
//
//	listen: ":8080"
//	path: /ws
//	service: demo
//	advertise-url: ws://10.0.0.5:8080/ws
//	etcd:
//	  endpoints: [127.0.0.1:2379]
//	  ttl: 10
//	call-timeout: 30s
//	handler-timeout: 10s
//	heartbeat: 30s
//	rate-limit:
//	  rate: 100
//	  burst: 200
//	sweep-on-close: true
//	balancer: round-robin
//	metrics: true
//	tracing:
//	  endpoint: 127.0.0.1:4317
//	  insecure: true
//	logging: "<root>=INFO;wsrpc.peer=DEBUG"
package config

import (
	"os"
	"time"

	"github.com/juju/errors"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration written as a string ("1m30s") in YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return errors.Annotatef(err, "line %d", node.Line)
	}
	if s == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return errors.Annotatef(err, "line %d", node.Line)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Etcd locates the discovery store.
type Etcd struct {
	Endpoints []string `yaml:"endpoints,omitempty"`
	TTL       int64    `yaml:"ttl,omitempty"` // seconds
}

// RateLimit bounds inbound requests per peer. A zero Rate disables it.
type RateLimit struct {
	Rate  float64 `yaml:"rate,omitempty"`
	Burst int     `yaml:"burst,omitempty"`
}

// Tracing exports request spans over OTLP/gRPC. An empty Endpoint
// leaves tracing off.
type Tracing struct {
	Endpoint string `yaml:"endpoint,omitempty"`
	Insecure bool   `yaml:"insecure,omitempty"`
}

// Config is the complete file.
type Config struct {
	Listen         string    `yaml:"listen,omitempty"`
	Path           string    `yaml:"path,omitempty"`
	Service        string    `yaml:"service,omitempty"`
	AdvertiseURL   string    `yaml:"advertise-url,omitempty"`
	Etcd           Etcd      `yaml:"etcd,omitempty"`
	CallTimeout    Duration  `yaml:"call-timeout,omitempty"`
	HandlerTimeout Duration  `yaml:"handler-timeout,omitempty"`
	Heartbeat      Duration  `yaml:"heartbeat,omitempty"`
	RateLimit      RateLimit `yaml:"rate-limit,omitempty"`
	SweepOnClose   bool      `yaml:"sweep-on-close,omitempty"`
	Balancer       string    `yaml:"balancer,omitempty"`
	Metrics        bool      `yaml:"metrics,omitempty"`
	Tracing        Tracing   `yaml:"tracing,omitempty"`
	Logging        string    `yaml:"logging,omitempty"`
}

// Default returns the settings used when no file is given.
func Default() Config {
	return Config{
		Listen:    ":8080",
		Path:      "/ws",
		Service:   "wsrpc",
		Etcd:      Etcd{TTL: 10},
		Heartbeat: Duration(30 * time.Second),
		Balancer:  "round-robin",
		Metrics:   true,
		Logging:   "<root>=INFO",
	}
}

// Load reads path over the defaults and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, errors.Annotatef(err, "parsing %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, errors.Annotatef(err, "%s", path)
	}
	return cfg, nil
}

// Validate checks that the settings are usable together.
func (c Config) Validate() error {
	if c.Path == "" || c.Path[0] != '/' {
		return errors.NotValidf("path %q", c.Path)
	}
	for name, d := range map[string]Duration{
		"call-timeout":    c.CallTimeout,
		"handler-timeout": c.HandlerTimeout,
		"heartbeat":       c.Heartbeat,
	} {
		if d < 0 {
			return errors.NotValidf("negative %s", name)
		}
	}
	if c.RateLimit.Rate < 0 {
		return errors.NotValidf("negative rate-limit rate")
	}
	if c.RateLimit.Rate > 0 && c.RateLimit.Burst < 1 {
		return errors.NotValidf("rate-limit burst %d", c.RateLimit.Burst)
	}
	if len(c.Etcd.Endpoints) > 0 && c.Etcd.TTL < 1 {
		return errors.NotValidf("etcd ttl %d", c.Etcd.TTL)
	}
	switch c.Balancer {
	case "", "round-robin", "weighted-random", "consistent-hash":
	default:
		return errors.NotValidf("balancer %q", c.Balancer)
	}
	return nil
}
