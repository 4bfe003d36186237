// Package probe is the process-scoped context of the event-capture pipeline.
//
// Attach builds the ring, counters, producer binding, consumer channel and session
// gate from a validated configuration. Producers call OnEnter and OnExit; the reader
// calls Open. Detach waits for the reader to go away and reports what was discarded.
package probe

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/mrzor/aqmprobe/internal/backpressure"
	"github.com/mrzor/aqmprobe/internal/binding"
	"github.com/mrzor/aqmprobe/internal/channel"
	"github.com/mrzor/aqmprobe/internal/config"
	"github.com/mrzor/aqmprobe/internal/filter"
	"github.com/mrzor/aqmprobe/internal/record"
	"github.com/mrzor/aqmprobe/internal/ring"
	"github.com/mrzor/aqmprobe/internal/session"
	"github.com/mrzor/aqmprobe/internal/telemetry"

	"go.uber.org/zap"
)

var (
	// ErrNoMemory is returned by Attach when the ring would exceed the memory limit.
	ErrNoMemory = errors.New("ring allocation exceeds memory limit")
	// ErrDetached is returned by Detach when called twice.
	ErrDetached = errors.New("probe already detached")
)

// Probe owns all state shared by producers and the reader.
type Probe struct {
	cfg    config.Config
	logger *zap.Logger

	ring    *ring.Ring
	drops   backpressure.Counter
	binder  *binding.Binder
	channel *channel.Channel
	gate    *session.Gate

	detached atomic.Bool
}

// Footprint estimates the bytes held by a ring of capacity slots with snapshots of up
// to maxSnapshot packets.
func Footprint(capacity, maxSnapshot int) int64 {
	return int64(capacity) * int64(record.Size(maxSnapshot))
}

// Attach validates cfg and builds the pipeline. On error nothing is left allocated.
func Attach(cfg *config.Config, logger *zap.Logger) (*Probe, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	capacity := ring.RoundUp(cfg.RingSize)
	maxSnapshot := 0
	if cfg.Snapshot {
		maxSnapshot = cfg.QueueLimit
	}
	if need := Footprint(capacity, maxSnapshot); need > cfg.MemoryLimit {
		return nil, fmt.Errorf("%w: %d slots need %d bytes, limit is %d", ErrNoMemory, capacity, need, cfg.MemoryLimit)
	}

	flt, err := filter.Compile(cfg.Filter)
	if err != nil {
		return nil, fmt.Errorf("compiling filter: %w", err)
	}

	r, err := ring.New(capacity, maxSnapshot)
	if err != nil {
		return nil, fmt.Errorf("allocating ring: %w", err)
	}

	p := &Probe{
		cfg:    *cfg,
		logger: logger,
		ring:   r,
	}
	p.drops.Reset()
	p.binder = binding.New(r, &p.drops, binding.Options{
		MaxActive:   cfg.MaxActive,
		QueueLimit:  cfg.QueueLimit,
		Snapshot:    cfg.Snapshot,
		SelfCorrect: cfg.SelfCorrect,
		Filter:      flt,
		Logger:      logger.Named("binding"),
	})
	p.channel = channel.New(r, cfg.FlushEvery, logger.Named("channel"))
	p.gate = session.NewGate(r, p.channel, logger.Named("session"))

	logger.Info("Probe attached",
		zap.String("target", cfg.Target),
		zap.String("symbol", cfg.Symbol()),
		zap.Int("ring_capacity", capacity),
		zap.Int("queue_limit", cfg.QueueLimit),
		zap.Int("flush_every", cfg.FlushEvery),
		zap.Int("max_active", cfg.MaxActive),
		zap.Stringer("filter", flt),
	)
	return p, nil
}

// OnEnter binds an intercepted call's entry. After Detach it binds nothing.
func (p *Probe) OnEnter(u binding.Unit, q binding.Queue) binding.Invocation {
	if p.detached.Load() {
		return binding.Invocation{}
	}
	return p.binder.OnEnter(u, q)
}

// OnExit completes an invocation returned by OnEnter.
func (p *Probe) OnExit(inv binding.Invocation, out binding.Outcome) {
	p.binder.OnExit(inv, out)
}

// Open starts a reader session. See session.Gate.Open.
func (p *Probe) Open() (*session.Session, error) {
	return p.gate.Open()
}

// SessionActive reports whether a reader session is open.
func (p *Probe) SessionActive() bool { return p.gate.Active() }

// Config returns the configuration the probe was attached with.
func (p *Probe) Config() config.Config { return p.cfg }

// Drops returns the number of discarded events so far.
func (p *Probe) Drops() uint64 { return p.drops.Total() }

// ExpectedQueueLimit returns the queue capacity currently expected on drops.
func (p *Probe) ExpectedQueueLimit() uint32 { return p.binder.ExpectedQueueLimit() }

// Stats implements telemetry.Source.
func (p *Probe) Stats() telemetry.Stats {
	drops := make(map[string]uint64)
	for reason, n := range p.drops.Snapshot() {
		drops[reason.String()] = n
	}
	return telemetry.Stats{
		Drops:       drops,
		Delivered:   p.channel.Delivered(),
		Outstanding: p.ring.Outstanding(),
		Active:      p.binder.Active(),
	}
}

// Detach stops binding new invocations, flushes until no session is open and returns
// the total number of discarded events. If ctx ends first the count is still returned
// along with ctx's error.
func (p *Probe) Detach(ctx context.Context) (uint64, error) {
	if !p.detached.CompareAndSwap(false, true) {
		return 0, ErrDetached
	}

	err := p.gate.Shutdown(ctx)
	if err != nil {
		err = fmt.Errorf("waiting for reader: %w", err)
	}

	total := p.drops.Total()
	p.logger.Info("Probe detached",
		zap.Uint64("dropped", total),
		zap.Uint64("ring_full", p.drops.Load(backpressure.RingFull)),
		zap.Uint64("missed", p.drops.Load(backpressure.Missed)),
		zap.Uint64("ambiguous", p.drops.Load(backpressure.Ambiguous)),
		zap.Uint64("delivered", p.channel.Delivered()),
	)
	return total, err
}
