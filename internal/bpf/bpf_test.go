package bpf

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encode(t *testing.T, v any) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.NativeEndian, v))
	return buf.Bytes()
}

func TestRecordSizes(t *testing.T) {
	// Sizes must match the C structs, including trailing padding.
	assert.Equal(t, 16, binary.Size(Header{}))
	assert.Equal(t, 40, binary.Size(EnterEvent{}))
	assert.Equal(t, 40, binary.Size(QueuedEvent{}))
	assert.Equal(t, 24, binary.Size(ExitEvent{}))
}

func TestDecode_Enter(t *testing.T) {
	in := EnterEvent{
		Header:   Header{Type: EVENT_ENTER, Cookie: 0x1234_0000_5678},
		Protocol: 6,
		Length:   1500,
		QueueLen: 17,
		Flow: Flow{
			Saddr: [4]byte{10, 0, 0, 1},
			Daddr: [4]byte{10, 0, 0, 2},
			Sport: 40000,
			Dport: 443,
		},
		Queued: 3,
	}
	raw := encode(t, &in)

	typ, err := PeekType(raw)
	require.NoError(t, err)
	assert.Equal(t, uint8(EVENT_ENTER), typ)

	out, err := Decode[EnterEvent](raw)
	require.NoError(t, err)
	assert.Equal(t, in, *out)

	pkt := out.Flow.Packet(out.Length)
	assert.Equal(t, "10.0.0.1:40000", pkt.Source.String())
	assert.Equal(t, "10.0.0.2:443", pkt.Destination.String())
	assert.Equal(t, uint16(1500), pkt.Length)
}

func TestDecode_QueuedAndExit(t *testing.T) {
	q := QueuedEvent{
		Header: Header{Type: EVENT_QUEUED, Cookie: 7},
		Index:  2,
		Final:  1,
		Length: 60,
		Flow:   Flow{Sport: 1, Dport: 2},
	}
	gotQ, err := Decode[QueuedEvent](encode(t, &q))
	require.NoError(t, err)
	assert.Equal(t, q, *gotQ)

	e := ExitEvent{Header: Header{Type: EVENT_EXIT, Cookie: 7}, Ret: -1}
	gotE, err := Decode[ExitEvent](encode(t, &e))
	require.NoError(t, err)
	assert.Equal(t, int64(-1), gotE.Ret)
	assert.Equal(t, uint64(7), gotE.Cookie)
}

func TestDecode_ShortSample(t *testing.T) {
	_, err := Decode[EnterEvent](make([]byte, 39))
	assert.ErrorIs(t, err, ErrShortSample)

	_, err = PeekType(nil)
	assert.ErrorIs(t, err, ErrShortSample)
}
