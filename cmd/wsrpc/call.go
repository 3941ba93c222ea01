package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/juju/errors"
	"github.com/spf13/cobra"

	"wsrpc/client"
	"wsrpc/config"
	"wsrpc/loadbalance"
	"wsrpc/peer"
)

func callCmd() *cobra.Command {
	var s settings
	var url string
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "call [flags] <function> [args...]",
		Short: "Call a remote function and print its result",
		Long: `Call a function on a wsrpc server, found either by --url or through
etcd by --service. Each argument is sent as JSON when it parses as JSON and
as a string otherwise.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := s.load(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			result, err := runCall(ctx, cfg, url, args[0], callArgs(args[1:]))
			if err != nil {
				return err
			}
			if len(result) > 0 {
				fmt.Fprintln(cmd.OutOrStdout(), string(result))
			}
			return nil
		},
	}

	s.addFlags(cmd)
	cmd.Flags().StringVar(&url, "url", "", "Server URL, e.g. ws://127.0.0.1:8080/ws")
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 10*time.Second, "Give up after this long")

	return cmd
}

func runCall(ctx context.Context, cfg config.Config, url, function string, args []any) (json.RawMessage, error) {
	peerConfig := peer.Config{CallTimeout: cfg.CallTimeout.Std()}
	if url != "" {
		p := peer.New(peerConfig)
		defer p.Close()
		if err := p.ConnectContext(ctx, url); err != nil {
			return nil, errors.Annotatef(err, "connecting to %s", url)
		}
		return p.Call(ctx, function, args...)
	}

	reg, err := openRegistry(cfg)
	if err != nil {
		return nil, err
	}
	if reg == nil {
		return nil, errors.New("need --url or --etcd")
	}
	defer reg.Close()
	bal, err := loadbalance.New(cfg.Balancer, cfg.Service)
	if err != nil {
		return nil, err
	}
	cl := client.NewClient(reg, bal, peerConfig)
	defer cl.Close()

	var result json.RawMessage
	if err := cl.Call(ctx, cfg.Service+"."+function, &result, args...); err != nil {
		return nil, err
	}
	return result, nil
}

// callArgs turns command line arguments into call arguments.
func callArgs(args []string) []any {
	out := make([]any, len(args))
	for i, arg := range args {
		if json.Valid([]byte(arg)) {
			out[i] = json.RawMessage(arg)
		} else {
			out[i] = arg
		}
	}
	return out
}
