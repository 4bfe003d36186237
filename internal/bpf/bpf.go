// Package bpf describes the records the kernel-side probe writes to its ring buffer and
// the objects loaded from the compiled probe.
package bpf

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/mrzor/aqmprobe/internal/record"

	"github.com/cilium/ebpf"
)

// Event type constants matching kernel/C conventions.
//
//nolint:revive,staticcheck // ALL_CAPS naming matches C/kernel conventions
const (
	EVENT_ENTER  = 1
	EVENT_QUEUED = 2
	EVENT_EXIT   = 3
)

// Indexes into the settings array map.
const (
	SettingQueueLimit = 0
	SettingSnapshot   = 1
)

// ErrShortSample is returned when a sample is smaller than its record type.
var ErrShortSample = errors.New("short sample")

// Header starts every record. Cookie is the pid_tgid of the task running the
// intercepted call; it pairs the entry, queued and exit records of one call.
type Header struct {
	Type   uint8
	_      [7]byte
	Cookie uint64
}

// Flow is the IPv4 endpoint pair of a packet. Ports are in host byte order.
type Flow struct {
	Saddr [4]byte
	Daddr [4]byte
	Sport uint16
	Dport uint16
}

// Packet converts f and a length to a record.Packet.
func (f Flow) Packet(length uint16) record.Packet {
	return record.Packet{
		Source:      record.Endpoint{Addr: f.Saddr, Port: f.Sport},
		Destination: record.Endpoint{Addr: f.Daddr, Port: f.Dport},
		Length:      length,
	}
}

// EnterEvent is written when the enqueue function is entered. Queued records for the
// same cookie follow it.
type EnterEvent struct {
	Header
	Protocol uint8
	_        uint8
	Length   uint16
	QueueLen uint32
	Flow     Flow
	Queued   uint16 // number of QueuedEvent records that follow
	_        uint16
}

// QueuedEvent describes one packet resident in the queue at entry time.
type QueuedEvent struct {
	Header
	Index  uint16
	Final  uint8
	_      uint8
	Length uint16
	_      uint16
	Flow   Flow
	_      [4]byte
}

// ExitEvent is written when the enqueue function returns.
type ExitEvent struct {
	Header
	Ret int64
}

// PeekType returns the record type of a raw sample.
func PeekType(raw []byte) (uint8, error) {
	if len(raw) < 1 {
		return 0, ErrShortSample
	}
	return raw[0], nil
}

// Decode reads a record of type T from a raw sample in host byte order.
func Decode[T EnterEvent | QueuedEvent | ExitEvent](raw []byte) (*T, error) {
	var ev T
	if len(raw) < binary.Size(&ev) {
		return nil, fmt.Errorf("%w: %d bytes, want %d", ErrShortSample, len(raw), binary.Size(&ev))
	}
	if err := binary.Read(bytes.NewReader(raw), binary.NativeEndian, &ev); err != nil {
		return nil, fmt.Errorf("decoding sample: %w", err)
	}
	return &ev, nil
}

// Objects are the programs and maps of the compiled probe.
type Objects struct {
	Enter    *ebpf.Program `ebpf:"aqm_enqueue_enter"`
	Exit     *ebpf.Program `ebpf:"aqm_enqueue_exit"`
	Events   *ebpf.Map     `ebpf:"events"`
	Settings *ebpf.Map     `ebpf:"settings"`
}

// LoadObjects loads the compiled probe at path into the kernel.
func LoadObjects(path string, objs *Objects, opts *ebpf.CollectionOptions) error {
	spec, err := ebpf.LoadCollectionSpec(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	return spec.LoadAndAssign(objs, opts)
}

// Close releases the programs and maps.
func (o *Objects) Close() error {
	var errs []error
	for _, c := range []interface{ Close() error }{o.Enter, o.Exit, o.Events, o.Settings} {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
