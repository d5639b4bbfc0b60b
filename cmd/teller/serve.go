package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/loykin/banco"
)

func createServeCommand(global *GlobalFlags) *cobra.Command {
	flags := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Run the teller daemon",
		Long: `Run the teller: bind the IPC socket, start the [[node]] entries and
track heartbeats until SIGINT or SIGTERM. Every live node is terminated on
exit.

Examples:
  teller serve                          # defaults and BANCO_* environment
  teller serve /etc/banco/teller.toml
  teller serve teller.toml --daemonize --pidfile=/run/banco/teller.pid`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := global.ConfigPath
			if len(args) > 0 {
				path = args[0]
			}
			return runServe(cmd.Context(), path, global.Socket, flags)
		},
	}
	cmd.Flags().BoolVar(&flags.Daemonize, "daemonize", false, "run as daemon in background")
	cmd.Flags().StringVar(&flags.PidFile, "pidfile", "", "write the daemon PID to this file")
	cmd.Flags().StringVar(&flags.LogFile, "logfile", "", "redirect daemon stdout/stderr to file")
	return cmd
}

func runServe(ctx context.Context, path, socket string, flags *ServeFlags) error {
	cfg, err := banco.LoadConfig(path)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	if socket != "" {
		cfg.Server.SocketPath = socket
	}
	if flags.Daemonize {
		return daemonize(flags.PidFile, flags.LogFile)
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := banco.NewDaemon(cfg)
	if err != nil {
		return err
	}
	if flags.PidFile != "" {
		if err := writePidFile(flags.PidFile, os.Getpid()); err != nil {
			return fmt.Errorf("write pidfile: %w", err)
		}
		defer func() { _ = removePidFile(flags.PidFile) }()
	}
	return d.Run(ctx)
}
