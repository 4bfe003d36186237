// aqmprobe captures queue-discipline drop events with eBPF and serves them to a single
// reader over a Unix socket.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mrzor/aqmprobe/internal/config"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// Version information injected by GoReleaser at build time.
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root, err := newRootCmd()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() (*cobra.Command, error) {
	cfg, err := config.Parse()
	if err != nil {
		return nil, err
	}

	root := &cobra.Command{
		Use:   "aqmprobe",
		Short: "Queue-discipline drop probe",
		Long: `aqmprobe intercepts the enqueue function of a queue discipline and records every
packet the queue drops, together with the packets resident in the queue at that moment.

Records are served as a byte stream to one reader at a time on a Unix socket. Settings
are read from AQMPROBE_* environment variables; flags override them.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfg.Socket, "socket", cfg.Socket, "Unix socket serving the record stream")
	root.PersistentFlags().StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")

	root.AddCommand(newRunCmd(cfg), newDumpCmd(cfg))
	return root, nil
}

// newLogger builds the process logger at the configured level.
func newLogger(cfg *config.Config) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(cfg.Level())
	logger, err := zcfg.Build()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	return logger, nil
}
