package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/mrzor/aqmprobe/internal/bpfloader"
	"github.com/mrzor/aqmprobe/internal/config"
	"github.com/mrzor/aqmprobe/internal/eventprocessor"
	"github.com/mrzor/aqmprobe/internal/eventstream"
	"github.com/mrzor/aqmprobe/internal/probe"
	"github.com/mrzor/aqmprobe/internal/record"
	"github.com/mrzor/aqmprobe/internal/server"
	"github.com/mrzor/aqmprobe/internal/telemetry"

	"github.com/cilium/ebpf/ringbuf"
	"github.com/cilium/ebpf/rlimit"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	// streamTick bounds how long the stream takes to notice shutdown.
	streamTick = 100 * time.Millisecond
	// invocationMaxAge is how long an entry waits for its exit record.
	invocationMaxAge = 5 * time.Second
	// detachTimeout bounds how long detach waits for the reader to disconnect.
	detachTimeout = 5 * time.Second
	// readBufferSize is the minimum socket read buffer.
	readBufferSize = 64 << 10
)

func newRunCmd(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Attach the probe and serve records",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := cfg.Validate(); err != nil {
				return err
			}
			logger, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			return runProbe(cmd.Context(), cfg, logger)
		},
	}

	f := cmd.Flags()
	f.StringVar(&cfg.Target, "target", cfg.Target, fmt.Sprintf("Queue discipline to probe %v", config.Targets()))
	f.IntVar(&cfg.MaxActive, "max-active", cfg.MaxActive, "Concurrent intercepted calls tracked before discarding")
	f.IntVar(&cfg.RingSize, "ring-size", cfg.RingSize, fmt.Sprintf("Buffered records before discarding [%d-%d]", config.MinRingSize, config.MaxRingSize))
	f.IntVar(&cfg.QueueLimit, "queue-limit", cfg.QueueLimit, fmt.Sprintf("Maximum packets enqueued in the queue [%d-%d]", config.MinQueueLimit, config.MaxQueueLimit))
	f.IntVar(&cfg.FlushEvery, "flush-every", cfg.FlushEvery, "Records delivered before a read returns, 0 to disable")
	f.BoolVar(&cfg.SelfCorrect, "self-correct", cfg.SelfCorrect, "Adopt the observed queue limit when it differs")
	f.BoolVar(&cfg.Snapshot, "snapshot", cfg.Snapshot, "Capture the queue contents on drops")
	f.StringVar(&cfg.Filter, "filter", cfg.Filter, "Expression selecting observed packets (proto, sport, dport, len, qlen)")
	f.StringVar(&cfg.BPFObject, "bpf-object", cfg.BPFObject, "Compiled probe object")
	f.Int64Var(&cfg.MemoryLimit, "memory-limit", cfg.MemoryLimit, "Bytes the record ring may use")
	return cmd
}

// setupTelemetry initializes the meter provider and returns a cleanup function.
func setupTelemetry(ctx context.Context, p *probe.Probe, logger *zap.Logger) (func(), error) {
	otelCfg, err := config.ParseOTELConfig()
	if err != nil {
		return nil, err
	}

	provider, err := telemetry.NewProvider(ctx, otelCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing telemetry: %w", err)
	}
	if err := provider.Register(p); err != nil {
		_ = provider.Shutdown(ctx) //nolint:errcheck // Best-effort cleanup in error path
		return nil, err
	}

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Shutting down telemetry", zap.Error(err))
		}
	}, nil
}

// setupBPF loads the probe object, attaches it to the target symbol and opens the ring
// buffer. The returned cleanup may be called more than once.
func setupBPF(cfg *config.Config, logger *zap.Logger) (*ringbuf.Reader, func(), error) {
	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, nil, fmt.Errorf("removing memlock limit: %w", err)
	}

	loader, err := bpfloader.New(cfg.BPFObject)
	if err != nil {
		return nil, nil, err
	}

	closeLoader := func() {
		if err := loader.Close(); err != nil {
			logger.Warn("Closing loader", zap.Error(err))
		}
	}

	if err := loader.Configure(cfg.QueueLimit, cfg.Snapshot); err != nil {
		closeLoader()
		return nil, nil, err
	}
	if err := loader.Attach(cfg.Symbol(), cfg.MaxActive); err != nil {
		closeLoader()
		return nil, nil, err
	}

	rd, err := loader.OpenRingBuffer()
	if err != nil {
		closeLoader()
		return nil, nil, err
	}

	cleanup := sync.OnceFunc(func() {
		if err := rd.Close(); err != nil {
			logger.Warn("Closing ring buffer", zap.Error(err))
		}
		closeLoader()
	})

	return rd, cleanup, nil
}

// listen opens the Unix socket, replacing a stale socket file.
func listen(path string) (net.Listener, error) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("removing stale socket: %w", err)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		_ = ln.Close() //nolint:errcheck // Best-effort cleanup in error path
		return nil, fmt.Errorf("restricting socket: %w", err)
	}
	return ln, nil
}

// runProbe attaches, serves until ctx is done, then tears down in order: stop reading
// kernel records, detach the kernel probe, release in-flight invocations, wait for the
// reader to drain and disconnect, stop serving.
func runProbe(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	logger.Info("Starting aqmprobe", zap.String("version", version), zap.String("commit", commit), zap.String("built", date))

	p, err := probe.Attach(cfg, logger.Named("probe"))
	if err != nil {
		return err
	}

	cleanupTelemetry, err := setupTelemetry(ctx, p, logger.Named("telemetry"))
	if err != nil {
		return err
	}
	defer cleanupTelemetry()

	rd, cleanupBPF, err := setupBPF(cfg, logger.Named("bpf"))
	if err != nil {
		return err
	}
	defer cleanupBPF()

	ln, err := listen(cfg.Socket)
	if err != nil {
		return err
	}

	proc := eventprocessor.NewProcessor(p, logger.Named("eventprocessor"), invocationMaxAge)
	stream := eventstream.New(rd, proc, logger.Named("eventstream"), streamTick)
	srv := server.New(p, logger.Named("server"), max(readBufferSize, record.Size(cfg.QueueLimit)))

	streamCtx, stopStream := context.WithCancel(ctx)
	defer stopStream()
	streamDone := make(chan error, 1)
	go func() { streamDone <- stream.Run(streamCtx) }()

	g, serveCtx := errgroup.WithContext(context.Background())
	serveCtx, stopServe := context.WithCancel(serveCtx)
	defer stopServe()
	g.Go(func() error { return srv.Serve(serveCtx, ln) })

	logger.Info("Probe running", zap.String("socket", cfg.Socket), zap.String("symbol", cfg.Symbol()))

	select {
	case <-ctx.Done():
		logger.Info("Received signal, detaching")
	case <-serveCtx.Done():
		logger.Error("Server stopped, detaching")
	}

	stopStream()
	streamErr := <-streamDone
	cleanupBPF()

	if n := proc.Close(); n > 0 {
		logger.Info("Released in-flight invocations", zap.Int("count", n))
	}

	detachCtx, cancel := context.WithTimeout(context.Background(), detachTimeout)
	defer cancel()
	dropped, detachErr := p.Detach(detachCtx)

	stopServe()
	serveErr := g.Wait()

	logger.Info("Total dropped events", zap.Uint64("dropped", dropped))
	return errors.Join(streamErr, detachErr, serveErr)
}
