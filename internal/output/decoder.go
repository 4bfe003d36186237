package output

import (
	"bufio"
	"errors"
	"fmt"
	"io"

	"github.com/mrzor/aqmprobe/internal/record"
)

// Decoder reads records from a byte stream.
type Decoder struct {
	r   *bufio.Reader
	buf []byte
}

// NewDecoder creates a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{
		r:   bufio.NewReader(r),
		buf: make([]byte, record.Size(0)),
	}
}

// Decode reads the next record into rec. It returns io.EOF when the stream ends
// between records and io.ErrUnexpectedEOF when it ends inside one.
func (d *Decoder) Decode(rec *record.Record) error {
	header := d.buf[:record.HeaderSize]
	if _, err := io.ReadFull(d.r, header); err != nil {
		return err
	}

	size, err := record.EncodedSize(header)
	if err != nil {
		return err
	}
	if cap(d.buf) < size {
		grown := make([]byte, size)
		copy(grown, header)
		d.buf = grown
	}
	d.buf = d.buf[:size]

	if _, err := io.ReadFull(d.r, d.buf[record.HeaderSize:]); err != nil {
		if errors.Is(err, io.EOF) {
			return io.ErrUnexpectedEOF
		}
		return err
	}

	if _, err := rec.Unmarshal(d.buf); err != nil {
		return fmt.Errorf("decoding record: %w", err)
	}
	return nil
}
