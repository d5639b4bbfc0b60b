package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/loykin/banco/pkg/client"
)

func createHeartbeatCommand(global *GlobalFlags) *cobra.Command {
	flags := &HeartbeatFlags{}
	cmd := &cobra.Command{
		Use:   "heartbeat NAME",
		Short: "Send heartbeats on behalf of a node",
		Long: `Send one heartbeat for NAME, or keep sending with --watch. Useful for
nodes written as shell scripts.

Examples:
  teller heartbeat worker
  teller heartbeat worker --watch --interval=2s &`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sock, err := global.socketPath()
			if err != nil {
				return err
			}
			if flags.Watch {
				ctx := cmd.Context()
				if ctx == nil {
					ctx = context.Background()
				}
				ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
				defer stop()
				h := &client.Heartbeater{Name: args[0], Socket: sock, Interval: flags.Interval}
				return h.Run(ctx)
			}
			ctx, cancel := withTimeout(cmd.Context(), global)
			defer cancel()
			c, err := client.Dial(ctx, sock)
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()
			if err := c.SendHeartbeat(ctx, args[0]); err != nil {
				return fmt.Errorf("heartbeat %s: %w", args[0], err)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&flags.Watch, "watch", false, "keep sending until interrupted")
	cmd.Flags().DurationVar(&flags.Interval, "interval", client.DefaultHeartbeatInterval, "interval between heartbeats with --watch")
	return cmd
}
