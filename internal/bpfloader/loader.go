// Package bpfloader manages the lifecycle of the kernel-side probe and its attachments.
package bpfloader

import (
	"errors"
	"fmt"

	"github.com/mrzor/aqmprobe/internal/bpf"

	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/ringbuf"
)

// Loader manages the lifecycle of BPF programs and their attachments.
type Loader struct {
	objs      bpf.Objects
	symbol    string
	enterLink link.Link
	exitLink  link.Link
}

// New loads the compiled probe at path into the kernel.
func New(path string) (*Loader, error) {
	l := &Loader{}

	if err := bpf.LoadObjects(path, &l.objs, nil); err != nil {
		return nil, fmt.Errorf("loading BPF objects: %w", err)
	}

	return l, nil
}

// Configure writes the queue limit and snapshot switch to the settings map.
func (l *Loader) Configure(queueLimit int, snapshot bool) error {
	//nolint:gosec // queue limit is validated to [1-1000]
	settings := map[uint32]uint32{
		bpf.SettingQueueLimit: uint32(queueLimit),
		bpf.SettingSnapshot:   0,
	}
	if snapshot {
		settings[bpf.SettingSnapshot] = 1
	}

	for key, val := range settings {
		if err := l.objs.Settings.Put(&key, &val); err != nil {
			return fmt.Errorf("writing setting %d: %w", key, err)
		}
	}
	return nil
}

// closeErrorf closes all attached links and returns a formatted error.
func (l *Loader) closeErrorf(errstr string, e error) error {
	if l.exitLink != nil {
		_ = l.exitLink.Close() //nolint:errcheck // Best-effort cleanup in error path
		l.exitLink = nil
	}
	if l.enterLink != nil {
		_ = l.enterLink.Close() //nolint:errcheck // Best-effort cleanup in error path
		l.enterLink = nil
	}
	return fmt.Errorf("%s: %w", errstr, e)
}

// Attach attaches the entry kprobe and the exit kretprobe to symbol. At most
// maxActive calls are tracked by the kretprobe at once; further calls are missed.
func (l *Loader) Attach(symbol string, maxActive int) error {
	var err error
	l.symbol = symbol

	l.enterLink, err = link.Kprobe(symbol, l.objs.Enter, nil)
	if err != nil {
		return l.closeErrorf(fmt.Sprintf("attaching %s kprobe", symbol), err)
	}

	l.exitLink, err = link.Kretprobe(symbol, l.objs.Exit, &link.KprobeOptions{
		RetprobeMaxActive: maxActive,
	})
	if err != nil {
		return l.closeErrorf(fmt.Sprintf("attaching %s kretprobe", symbol), err)
	}

	return nil
}

// OpenRingBuffer opens and returns a ring buffer reader for receiving events.
func (l *Loader) OpenRingBuffer() (*ringbuf.Reader, error) {
	rd, err := ringbuf.NewReader(l.objs.Events)
	if err != nil {
		return nil, fmt.Errorf("opening ring buffer: %w", err)
	}
	return rd, nil
}

// Close releases all BPF resources including links and loaded objects.
func (l *Loader) Close() error {
	var errs []error

	if l.exitLink != nil {
		if err := l.exitLink.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing %s kretprobe link: %w", l.symbol, err))
		}
	}

	if l.enterLink != nil {
		if err := l.enterLink.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing %s kprobe link: %w", l.symbol, err))
		}
	}

	if err := l.objs.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing BPF objects: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors during cleanup: %w", errors.Join(errs...))
	}

	return nil
}
