package main

import (
	"fmt"
	"os"

	"github.com/juju/loggo"
	"github.com/spf13/cobra"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
)

var logger = loggo.GetLogger("wsrpc.cmd")

func main() {
	rootCmd := &cobra.Command{
		Use:   "wsrpc",
		Short: "Bidirectional RPC over a WebSocket",
		Long: `wsrpc hosts and calls functions over a single WebSocket connection.

Either end of a connection may call functions the other end registered:

  wsrpc serve                       host the demo functions
  wsrpc call --url ws://host/ws double 21
  wsrpc call --service demo --etcd 127.0.0.1:2379 echo '"hi"'`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		serveCmd(),
		callCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", err)
		os.Exit(1)
	}
}
