package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := buildRoot().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRoot creates the root command and its subcommands.
func buildRoot() *cobra.Command {
	global := &GlobalFlags{}
	root := createRootCommand(global)
	root.AddCommand(
		createServeCommand(global),
		createNodesCommand(global),
		createHeartbeatCommand(global),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "teller",
		Short: "Node control plane: spawn nodes and track their liveness",
		Long: `teller spawns node executables, watches them exit and tracks their
heartbeats over a unix socket.

Examples:
  teller serve /etc/banco/teller.toml
  teller nodes list
  teller nodes start --name=worker --path=/usr/local/bin/worker
  teller nodes remove worker --api-url=http://127.0.0.1:8080/api
  teller heartbeat worker`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	root.PersistentFlags().StringVar(&flags.Socket, "socket", "", "teller socket (default from config)")
	root.PersistentFlags().StringVar(&flags.APIUrl, "api-url", "", "admin API URL (e.g. http://127.0.0.1:8080/api)")
	root.PersistentFlags().DurationVar(&flags.Timeout, "timeout", defaultTimeout, "request timeout")
	return root
}
