package main

import (
	"context"
	"fmt"
	"net"

	"github.com/mrzor/aqmprobe/internal/config"
	"github.com/mrzor/aqmprobe/internal/output"

	"github.com/spf13/cobra"
)

func newDumpCmd(cfg *config.Config) *cobra.Command {
	var verbose bool

	cmd := &cobra.Command{
		Use:   "dump",
		Short: "Connect to a running probe and print its records",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return dump(cmd.Context(), cfg.Socket, cmd, verbose)
		},
	}
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Print the queued packets of each record")
	return cmd
}

// dump prints records until the probe ends the session or ctx is done.
func dump(ctx context.Context, socket string, cmd *cobra.Command, verbose bool) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", socket)
	if err != nil {
		return fmt.Errorf("connecting to probe: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	n, err := output.NewFormatter(cmd.OutOrStdout(), verbose).Copy(conn)
	cmd.PrintErrf("%d records\n", n)
	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
