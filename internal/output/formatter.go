package output

import (
	"fmt"
	"io"
	"time"

	"github.com/mrzor/aqmprobe/internal/record"
)

// Formatter writes records as text lines.
type Formatter struct {
	w       io.Writer
	verbose bool
	now     func() time.Time
}

// NewFormatter creates a Formatter. With verbose set, each queued packet is written on
// its own indented line after the record.
func NewFormatter(w io.Writer, verbose bool) *Formatter {
	return &Formatter{
		w:       w,
		verbose: verbose,
		now:     time.Now,
	}
}

// Format writes rec.
func (f *Formatter) Format(rec *record.Record) error {
	outcome := "enqueued"
	if rec.Dropped {
		outcome = "dropped"
	}

	_, err := fmt.Fprintf(f.w, "%s %s > %s len=%d qlen=%d %s queued=%d\n",
		f.now().Format(time.RFC3339Nano),
		rec.Packet.Source,
		rec.Packet.Destination,
		rec.Packet.Length,
		rec.QueueLength,
		outcome,
		len(rec.Snapshot),
	)
	if err != nil || !f.verbose {
		return err
	}

	for i, p := range rec.Snapshot {
		if _, err := fmt.Fprintf(f.w, "  [%d] %s > %s len=%d\n", i, p.Source, p.Destination, p.Length); err != nil {
			return err
		}
	}
	return nil
}

// Copy decodes records from r and formats each one until r ends. It returns the
// number of records written.
func (f *Formatter) Copy(r io.Reader) (int, error) {
	dec := NewDecoder(r)
	var rec record.Record
	var n int
	for {
		err := dec.Decode(&rec)
		if err == io.EOF {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		if err := f.Format(&rec); err != nil {
			return n, err
		}
		n++
	}
}
