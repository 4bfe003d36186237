package eventprocessor

import (
	"fmt"
	"time"

	"github.com/mrzor/aqmprobe/internal/binding"
	"github.com/mrzor/aqmprobe/internal/bpf"
	"github.com/mrzor/aqmprobe/internal/invocation"
	"github.com/mrzor/aqmprobe/internal/snapshot"

	"go.uber.org/zap"
)

// Sink receives paired entry and exit calls. probe.Probe implements it.
type Sink interface {
	OnEnter(u binding.Unit, q binding.Queue) binding.Invocation
	OnExit(inv binding.Invocation, out binding.Outcome)
}

// Processor coordinates record processing. It is driven by a single goroutine.
type Processor struct {
	sink        Sink
	reassembler *snapshot.Reassembler
	table       *invocation.Table
	logger      *zap.Logger
	maxAge      time.Duration
	now         func() time.Time
}

// NewProcessor creates a processor feeding sink. Invocations without an exit record
// after maxAge are completed as ambiguous.
func NewProcessor(sink Sink, logger *zap.Logger, maxAge time.Duration) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		sink:        sink,
		reassembler: snapshot.NewReassembler(),
		table:       invocation.NewTable(),
		logger:      logger,
		maxAge:      maxAge,
		now:         time.Now,
	}
}

// HandleSample routes a raw ring buffer sample by record type.
func (p *Processor) HandleSample(raw []byte) error {
	typ, err := bpf.PeekType(raw)
	if err != nil {
		return err
	}

	switch typ {
	case bpf.EVENT_ENTER:
		ev, err := bpf.Decode[bpf.EnterEvent](raw)
		if err != nil {
			return err
		}
		p.handleEnter(ev)
	case bpf.EVENT_QUEUED:
		ev, err := bpf.Decode[bpf.QueuedEvent](raw)
		if err != nil {
			return err
		}
		return p.handleQueued(ev)
	case bpf.EVENT_EXIT:
		ev, err := bpf.Decode[bpf.ExitEvent](raw)
		if err != nil {
			return err
		}
		p.handleExit(ev)
	default:
		return fmt.Errorf("unknown record type %d", typ)
	}
	return nil
}

func (p *Processor) handleEnter(ev *bpf.EnterEvent) {
	done, stale := p.reassembler.Begin(ev, p.now())
	if stale {
		p.logger.Debug("Discarding unfinished entry", zap.Uint64("cookie", ev.Cookie))
	}
	if done != nil {
		p.bind(done)
	}
}

func (p *Processor) handleQueued(ev *bpf.QueuedEvent) error {
	done, err := p.reassembler.Add(ev)
	if err != nil {
		return err
	}
	if done != nil {
		p.bind(done)
	}
	return nil
}

func (p *Processor) handleExit(ev *bpf.ExitEvent) {
	if pending, ok := p.reassembler.Take(ev.Cookie); ok {
		p.bind(pending)
	}

	inv, ok := p.table.Take(ev.Cookie)
	if !ok {
		// Entry fired before attach, or its record was lost.
		return
	}
	p.sink.OnExit(inv, binding.OutcomeFromReturn(ev.Ret))
}

// bind hands a complete entry to the sink and remembers the invocation.
func (p *Processor) bind(pending *snapshot.Pending) {
	for _, issue := range pending.Issues {
		p.logger.Debug("Snapshot issue", zap.Uint64("cookie", pending.Cookie), zap.String("issue", issue))
	}

	inv := p.sink.OnEnter(pending.Unit, &pending.Queue)
	if old, replaced := p.table.Put(pending.Cookie, inv, p.now()); replaced {
		p.logger.Debug("Releasing invocation with lost exit", zap.Uint64("cookie", pending.Cookie))
		p.sink.OnExit(old, binding.Ambiguous)
	}
}

// Expire completes invocations older than maxAge as ambiguous and discards unfinished
// entries of the same age. It returns the number of invocations completed.
func (p *Processor) Expire(now time.Time) int {
	cutoff := now.Add(-p.maxAge)

	if stale := p.reassembler.Expire(cutoff); len(stale) > 0 {
		p.logger.Debug("Discarded unfinished entries", zap.Int("count", len(stale)))
	}

	expired := p.table.Expire(cutoff)
	for _, inv := range expired {
		p.sink.OnExit(inv, binding.Ambiguous)
	}
	return len(expired)
}

// Close completes every outstanding invocation as ambiguous.
func (p *Processor) Close() int {
	remaining := p.table.Drain()
	for _, inv := range remaining {
		p.sink.OnExit(inv, binding.Ambiguous)
	}
	return len(remaining)
}

// InFlight returns the number of invocations waiting for their exit record.
func (p *Processor) InFlight() int { return p.table.Len() }
