package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
	"gopkg.in/yaml.v3"
)

func writeFile(c *qt.C, content string) string {
	path := filepath.Join(c.TempDir(), "wsrpc.yaml")
	c.Assert(os.WriteFile(path, []byte(content), 0o600), qt.IsNil)
	return path
}

func TestDefaultIsValid(t *testing.T) {
	c := qt.New(t)
	c.Assert(Default().Validate(), qt.IsNil)
}

func TestLoad(t *testing.T) {
	c := qt.New(t)
	path := writeFile(c, `
listen: ":9000"
service: arith
advertise-url: ws://10.0.0.5:9000/ws
etcd:
  endpoints: [127.0.0.1:2379, 127.0.0.2:2379]
  ttl: 5
call-timeout: 1m30s
handler-timeout: 10s
rate-limit:
  rate: 100
  burst: 20
sweep-on-close: true
balancer: consistent-hash
tracing:
  endpoint: collector:4317
  insecure: true
logging: "<root>=DEBUG"
`)
	cfg, err := Load(path)
	c.Assert(err, qt.IsNil)

	want := Default()
	want.Listen = ":9000"
	want.Service = "arith"
	want.AdvertiseURL = "ws://10.0.0.5:9000/ws"
	want.Etcd = Etcd{Endpoints: []string{"127.0.0.1:2379", "127.0.0.2:2379"}, TTL: 5}
	want.CallTimeout = Duration(90 * time.Second)
	want.HandlerTimeout = Duration(10 * time.Second)
	want.RateLimit = RateLimit{Rate: 100, Burst: 20}
	want.SweepOnClose = true
	want.Balancer = "consistent-hash"
	want.Tracing = Tracing{Endpoint: "collector:4317", Insecure: true}
	want.Logging = "<root>=DEBUG"
	c.Assert(cfg, qt.DeepEquals, want)
}

func TestLoadErrors(t *testing.T) {
	c := qt.New(t)
	for _, test := range []struct {
		about   string
		content string
		err     string
	}{{
		about:   "bad duration",
		content: "call-timeout: soon\n",
		err:     `parsing .*: line 1: time: invalid duration "soon"`,
	}, {
		about:   "relative path",
		content: "path: ws\n",
		err:     `.*: path "ws" not valid`,
	}, {
		about:   "negative heartbeat",
		content: "heartbeat: -1s\n",
		err:     `.*: negative heartbeat not valid`,
	}, {
		about:   "rate without burst",
		content: "rate-limit: {rate: 5}\n",
		err:     `.*: rate-limit burst 0 not valid`,
	}, {
		about:   "unknown balancer",
		content: "balancer: random\n",
		err:     `.*: balancer "random" not valid`,
	}, {
		about:   "etcd without ttl",
		content: "etcd: {endpoints: [a:2379], ttl: 0}\n",
		err:     `.*: etcd ttl 0 not valid`,
	}} {
		c.Run(test.about, func(c *qt.C) {
			_, err := Load(writeFile(c, test.content))
			c.Assert(err, qt.ErrorMatches, test.err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	c := qt.New(t)
	_, err := Load(filepath.Join(c.TempDir(), "absent.yaml"))
	c.Assert(errors.Is(err, os.ErrNotExist), qt.IsTrue)
}

func TestDurationMarshal(t *testing.T) {
	c := qt.New(t)
	data, err := yaml.Marshal(struct {
		D Duration `yaml:"d"`
	}{Duration(1500 * time.Millisecond)})
	c.Assert(err, qt.IsNil)
	c.Assert(string(data), qt.Equals, "d: 1.5s\n")
}
