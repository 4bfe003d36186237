// Package record defines the event record captured on every observed enqueue attempt
// and the byte layout it is delivered in.
//
// Wire layout, network byte order, no padding:
//
//	header (21 bytes)
//	  source      addr[4] port u16
//	  destination addr[4] port u16
//	  length      u16
//	  queue_len   u32
//	  dropped     u8
//	  count       u16
//	count × queued packet (14 bytes)
//	  source      addr[4] port u16
//	  destination addr[4] port u16
//	  length      u16
package record

import (
	"fmt"
	"net/netip"
)

// Endpoint is an IPv4 address and port pair.
type Endpoint struct {
	Addr [4]byte
	Port uint16
}

// EndpointFrom converts an address/port pair. Non-IPv4 addresses map to 0.0.0.0.
func EndpointFrom(ap netip.AddrPort) Endpoint {
	e := Endpoint{Port: ap.Port()}
	if a := ap.Addr().Unmap(); a.Is4() {
		e.Addr = a.As4()
	}
	return e
}

// AddrPort returns the endpoint as a netip.AddrPort.
func (e Endpoint) AddrPort() netip.AddrPort {
	return netip.AddrPortFrom(netip.AddrFrom4(e.Addr), e.Port)
}

func (e Endpoint) String() string {
	return e.AddrPort().String()
}

// Packet describes one unit of work: the packet being enqueued or one already resident.
type Packet struct {
	Source      Endpoint
	Destination Endpoint
	Length      uint16
}

func (p Packet) String() string {
	return fmt.Sprintf("%s-%s len=%d", p.Source, p.Destination, p.Length)
}

// Record is one observed enqueue attempt.
type Record struct {
	Packet      Packet
	QueueLength uint32
	Dropped     bool
	// Snapshot lists the packets resident in the queue when the attempt was made.
	// Only delivered for dropped attempts.
	Snapshot []Packet
}

// Reset clears r, keeping the snapshot backing array.
func (r *Record) Reset() {
	r.Packet = Packet{}
	r.QueueLength = 0
	r.Dropped = false
	r.Snapshot = r.Snapshot[:0]
}

// CopyFrom copies src into r, reusing r's snapshot storage where possible.
func (r *Record) CopyFrom(src *Record) {
	r.Packet = src.Packet
	r.QueueLength = src.QueueLength
	r.Dropped = src.Dropped
	r.Snapshot = append(r.Snapshot[:0], src.Snapshot...)
}
