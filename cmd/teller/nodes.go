package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/loykin/banco"
	"github.com/loykin/banco/pkg/client"
)

func createNodesCommand(global *GlobalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "nodes",
		Short: "Inspect and control nodes",
	}
	cmd.AddCommand(
		createListCommand(global),
		createStartCommand(global),
		createDescribeCommand(global),
		createRemoveCommand(global),
	)
	return cmd
}

func createListCommand(global *GlobalFlags) *cobra.Command {
	flags := &ListFlags{}
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List nodes and their status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := withTimeout(cmd.Context(), global)
			defer cancel()
			c, err := dialTeller(ctx, global)
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()
			resp, err := c.ListNodes(ctx)
			if err != nil {
				return err
			}
			if flags.JSON {
				return printJSON(cmd.OutOrStdout(), resp)
			}
			return printNodes(cmd.OutOrStdout(), resp.Nodes)
		},
	}
	cmd.Flags().BoolVar(&flags.JSON, "json", false, "print JSON")
	return cmd
}

func createStartCommand(global *GlobalFlags) *cobra.Command {
	flags := &StartFlags{}
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Register and spawn a node",
		Long: `Register a node and spawn its executable. The name must not be in use,
including by a stopped node that was not removed.

Examples:
  teller nodes start --name=worker --path=/usr/local/bin/worker`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := withTimeout(cmd.Context(), global)
			defer cancel()
			c, err := dialTeller(ctx, global)
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()
			if err := c.StartNode(ctx, banco.Node{Name: flags.Name, ExecutablePath: flags.Path}); err != nil {
				return fmt.Errorf("start %s: %w", flags.Name, err)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "started %s\n", flags.Name)
			return err
		},
	}
	cmd.Flags().StringVar(&flags.Name, "name", "", "node name (required)")
	cmd.Flags().StringVar(&flags.Path, "path", "", "absolute path of the node executable (required)")
	if err := cmd.MarkFlagRequired("name"); err != nil {
		panic(err)
	}
	if err := cmd.MarkFlagRequired("path"); err != nil {
		panic(err)
	}
	return cmd
}

func createDescribeCommand(global *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "describe NAME",
		Short: "Show entry details of a node (admin API)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := adminClient(global)
			if err != nil {
				return err
			}
			ctx, cancel := withTimeout(cmd.Context(), global)
			defer cancel()
			info, err := a.Describe(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), info)
		},
	}
}

func createRemoveCommand(global *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "remove NAME",
		Short: "Forget a stopped node so its name can be reused (admin API)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := adminClient(global)
			if err != nil {
				return err
			}
			ctx, cancel := withTimeout(cmd.Context(), global)
			defer cancel()
			if err := a.RemoveNode(ctx, args[0]); err != nil {
				return fmt.Errorf("remove %s: %w", args[0], err)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", args[0])
			return err
		},
	}
}

func withTimeout(ctx context.Context, global *GlobalFlags) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if global.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, global.Timeout)
}

func dialTeller(ctx context.Context, global *GlobalFlags) (*client.Client, error) {
	sock, err := global.socketPath()
	if err != nil {
		return nil, err
	}
	return client.Dial(ctx, sock)
}

func adminClient(global *GlobalFlags) (*client.Admin, error) {
	u, err := global.apiURL()
	if err != nil {
		return nil, err
	}
	return client.NewAdmin(client.Config{BaseURL: u, Timeout: global.Timeout}), nil
}

func printNodes(w io.Writer, nodes map[string]banco.Node) error {
	names := make([]string, 0, len(nodes))
	for name := range nodes {
		names = append(names, name)
	}
	sort.Strings(names)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "NAME\tSTATUS\tEXECUTABLE")
	for _, name := range names {
		n := nodes[name]
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\n", name, n.Status.Label(), n.ExecutablePath)
	}
	return tw.Flush()
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
