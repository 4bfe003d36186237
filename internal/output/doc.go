// Package output turns the probe's byte stream back into records and formats them.
//
// Decoder reads whole records from any io.Reader, typically the Unix socket served by
// the probe. Formatter writes one text line per record, optionally followed by the
// queued packets captured with it.
package output
