package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"

	"wsrpc/config"
	"wsrpc/middleware"
	"wsrpc/server"
)

func TestCallArgs(t *testing.T) {
	c := qt.New(t)
	args := callArgs([]string{"21", `"quoted"`, "plain", `{"a":1}`})
	c.Assert(args, qt.DeepEquals, []any{
		json.RawMessage("21"),
		json.RawMessage(`"quoted"`),
		"plain",
		json.RawMessage(`{"a":1}`),
	})
}

func TestAdvertiseURL(t *testing.T) {
	c := qt.New(t)
	for _, test := range []struct {
		listen string
		want   string
		err    string
	}{
		{listen: ":8080", want: "ws://127.0.0.1:8080/ws"},
		{listen: "0.0.0.0:9000", want: "ws://127.0.0.1:9000/ws"},
		{listen: "10.0.0.5:8080", want: "ws://10.0.0.5:8080/ws"},
		{listen: "[::]:8080", want: "ws://127.0.0.1:8080/ws"},
		{listen: "nonsense", err: `listen address "nonsense" not valid`},
	} {
		c.Run(test.listen, func(c *qt.C) {
			got, err := advertiseURL(test.listen, "/ws")
			if test.err != "" {
				c.Assert(err, qt.ErrorMatches, test.err)
				return
			}
			c.Assert(err, qt.IsNil)
			c.Assert(got, qt.Equals, test.want)
		})
	}
}

func TestRunCallDemo(t *testing.T) {
	c := qt.New(t)
	srv := server.NewServer(server.Options{})
	c.Assert(registerDemo(srv), qt.IsNil)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	c.Assert(err, qt.IsNil)
	go srv.ServeListener(ln, "demo", "", nil)
	c.Cleanup(func() { srv.Shutdown(time.Second) })
	url := "ws://" + ln.Addr().String() + "/ws"

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, err := runCall(ctx, config.Default(), url, "double", callArgs([]string{"21"}))
	c.Assert(err, qt.IsNil)
	c.Assert(string(result), qt.Equals, "42")

	result, err = runCall(ctx, config.Default(), url, "echo", callArgs([]string{"1", "two"}))
	c.Assert(err, qt.IsNil)
	c.Assert(string(result), qt.Equals, `[1,"two"]`)

	_, err = runCall(ctx, config.Default(), url, "fail", callArgs([]string{"boom"}))
	c.Assert(err, qt.ErrorMatches, "remote fail: boom")

	_, err = runCall(ctx, config.Default(), "", "double", nil)
	c.Assert(err, qt.ErrorMatches, "need --url or --etcd")
}

func TestTracingOffByDefault(t *testing.T) {
	c := qt.New(t)
	var installed []middleware.Middleware
	stop, err := useTracing(context.Background(), config.Default(), func(mw middleware.Middleware) {
		installed = append(installed, mw)
	})
	c.Assert(err, qt.IsNil)
	c.Assert(installed, qt.HasLen, 0)
	c.Assert(stop(context.Background()), qt.IsNil)
}

func TestTracingInstallsProvider(t *testing.T) {
	c := qt.New(t)
	cfg := config.Default()
	cfg.Tracing = config.Tracing{Endpoint: "127.0.0.1:4317", Insecure: true}

	var installed []middleware.Middleware
	stop, err := useTracing(context.Background(), cfg, func(mw middleware.Middleware) {
		installed = append(installed, mw)
	})
	c.Assert(err, qt.IsNil)
	c.Assert(installed, qt.HasLen, 1)

	// No spans were recorded, so stopping has nothing to send.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	stop(ctx)
}

func TestVersion(t *testing.T) {
	c := qt.New(t)
	cmd := versionCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--short"})
	c.Assert(cmd.Execute(), qt.IsNil)
	c.Assert(out.String(), qt.Equals, "dev\n")
}
