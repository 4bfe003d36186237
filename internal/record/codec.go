package record

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// HeaderSize is the encoded size of a record without queued packets.
	HeaderSize = 2*endpointSize + 2 + 4 + 1 + 2
	// PacketSize is the encoded size of one queued packet.
	PacketSize = 2*endpointSize + 2

	endpointSize = 4 + 2

	// MaxSnapshot is the largest snapshot the count field can describe.
	MaxSnapshot = 1<<16 - 1
)

var (
	// ErrShortBuffer is returned when the destination cannot hold a whole record.
	ErrShortBuffer = errors.New("record: short buffer")
	// ErrTruncated is returned when the input ends inside a record.
	ErrTruncated = errors.New("record: truncated input")
)

// Size returns the encoded size of a record carrying n queued packets.
func Size(n int) int {
	return HeaderSize + n*PacketSize
}

// WireSize returns the encoded size of r.
func (r *Record) WireSize() int {
	return Size(len(r.Snapshot))
}

// MarshalTo encodes r at the start of b and returns the number of bytes written.
// Nothing is written unless the whole record fits.
func (r *Record) MarshalTo(b []byte) (int, error) {
	if len(r.Snapshot) > MaxSnapshot {
		return 0, fmt.Errorf("snapshot of %d packets exceeds %d", len(r.Snapshot), MaxSnapshot)
	}
	n := r.WireSize()
	if len(b) < n {
		return 0, ErrShortBuffer
	}

	off := putPacket(b, r.Packet)
	binary.BigEndian.PutUint32(b[off:], r.QueueLength)
	off += 4
	if r.Dropped {
		b[off] = 1
	} else {
		b[off] = 0
	}
	off++
	//nolint:gosec // bounded by MaxSnapshot above
	binary.BigEndian.PutUint16(b[off:], uint16(len(r.Snapshot)))
	off += 2

	for _, p := range r.Snapshot {
		off += putPacket(b[off:], p)
	}
	return off, nil
}

// Unmarshal decodes one record from the start of b into r and returns the bytes consumed.
func (r *Record) Unmarshal(b []byte) (int, error) {
	if len(b) < HeaderSize {
		return 0, ErrTruncated
	}

	var off int
	r.Packet, off = getPacket(b)
	r.QueueLength = binary.BigEndian.Uint32(b[off:])
	off += 4
	r.Dropped = b[off] != 0
	off++
	count := int(binary.BigEndian.Uint16(b[off:]))
	off += 2

	if len(b) < Size(count) {
		return 0, ErrTruncated
	}

	r.Snapshot = r.Snapshot[:0]
	for i := 0; i < count; i++ {
		p, n := getPacket(b[off:])
		r.Snapshot = append(r.Snapshot, p)
		off += n
	}
	return off, nil
}

func putPacket(b []byte, p Packet) int {
	off := putEndpoint(b, p.Source)
	off += putEndpoint(b[off:], p.Destination)
	binary.BigEndian.PutUint16(b[off:], p.Length)
	return off + 2
}

func getPacket(b []byte) (Packet, int) {
	var p Packet
	p.Source = getEndpoint(b)
	p.Destination = getEndpoint(b[endpointSize:])
	p.Length = binary.BigEndian.Uint16(b[2*endpointSize:])
	return p, PacketSize
}

func putEndpoint(b []byte, e Endpoint) int {
	copy(b, e.Addr[:])
	binary.BigEndian.PutUint16(b[4:], e.Port)
	return endpointSize
}

func getEndpoint(b []byte) Endpoint {
	var e Endpoint
	copy(e.Addr[:], b[:4])
	e.Port = binary.BigEndian.Uint16(b[4:])
	return e
}

// EncodedSize returns the size of the whole record whose header starts b.
func EncodedSize(b []byte) (int, error) {
	if len(b) < HeaderSize {
		return 0, ErrTruncated
	}
	return Size(int(binary.BigEndian.Uint16(b[HeaderSize-2:]))), nil
}
