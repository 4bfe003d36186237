package output

import (
	"bytes"
	"io"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/mrzor/aqmprobe/internal/record"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encode(t *testing.T, recs ...record.Record) []byte {
	t.Helper()
	var out []byte
	for _, rec := range recs {
		buf := make([]byte, rec.WireSize())
		_, err := rec.MarshalTo(buf)
		require.NoError(t, err)
		out = append(out, buf...)
	}
	return out
}

func sampleRecord(queued int) record.Record {
	rec := record.Record{
		Packet: record.Packet{
			Source:      record.EndpointFrom(netip.MustParseAddrPort("10.0.0.1:40000")),
			Destination: record.EndpointFrom(netip.MustParseAddrPort("10.0.0.2:5201")),
			Length:      1448,
		},
		QueueLength: 1000,
		Dropped:     true,
	}
	for i := 0; i < queued; i++ {
		rec.Snapshot = append(rec.Snapshot, record.Packet{Length: uint16(60 + i)})
	}
	return rec
}

func TestDecoder_Stream(t *testing.T) {
	data := encode(t, sampleRecord(0), sampleRecord(300), sampleRecord(2))
	dec := NewDecoder(bytes.NewReader(data))

	var rec record.Record
	for _, want := range []int{0, 300, 2} {
		require.NoError(t, dec.Decode(&rec))
		assert.Len(t, rec.Snapshot, want)
		assert.Equal(t, uint16(1448), rec.Packet.Length)
	}
	assert.Equal(t, io.EOF, dec.Decode(&rec))
}

func TestDecoder_Truncated(t *testing.T) {
	data := encode(t, sampleRecord(2))

	dec := NewDecoder(bytes.NewReader(data[:len(data)-1]))
	var rec record.Record
	assert.ErrorIs(t, dec.Decode(&rec), io.ErrUnexpectedEOF)

	dec = NewDecoder(bytes.NewReader(data[:record.HeaderSize-3]))
	assert.ErrorIs(t, dec.Decode(&rec), io.ErrUnexpectedEOF)
}

func TestFormatter_Copy(t *testing.T) {
	var out strings.Builder
	f := NewFormatter(&out, true)
	f.now = func() time.Time { return time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC) }

	n, err := f.Copy(bytes.NewReader(encode(t, sampleRecord(2))))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Equal(t,
		"2024-01-02T03:04:05Z 10.0.0.1:40000 > 10.0.0.2:5201 len=1448 qlen=1000 dropped queued=2\n"+
			"  [0] 0.0.0.0:0 > 0.0.0.0:0 len=60\n"+
			"  [1] 0.0.0.0:0 > 0.0.0.0:0 len=61\n",
		out.String())
}

func TestFormatter_Terse(t *testing.T) {
	var out strings.Builder
	f := NewFormatter(&out, false)

	rec := sampleRecord(3)
	rec.Dropped = false
	require.NoError(t, f.Format(&rec))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "enqueued queued=3")
}
