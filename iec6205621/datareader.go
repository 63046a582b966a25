package iec6205621

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/cybroslabs/libiec62056-go/base"
)

// DataReader yields the data sets of a readout as they arrive. It is lazy,
// finite and non-restartable: the sequence ends with io.EOF once the end
// marker arrived, and any error is sticky.
type DataReader struct {
	c       *client
	pending []DataSet
	done    bool
	err     error
}

func newDataReader(c *client) *DataReader {
	return &DataReader{c: c}
}

// Next returns the next data set, or io.EOF after the last one.
func (r *DataReader) Next() (*DataSet, error) {
	if r.err != nil {
		return nil, r.err
	}
	for len(r.pending) == 0 {
		if r.done {
			r.err = io.EOF
			return nil, io.EOF
		}
		if err := r.fetch(); err != nil {
			r.err = err
			return nil, err
		}
	}
	ds := r.pending[0]
	r.pending = r.pending[1:]
	return &ds, nil
}

// fetch receives one data block. Blocks with an invalid check character are
// NAKed so the meter repeats them; partial blocks (EOT) are acknowledged so
// the meter continues with the next one.
func (r *DataReader) fetch() error {
	c := r.c
	var lastErr error
	for attempt := 0; attempt <= c.timing.maxRetries; attempt++ {
		f, err := c.timing.awaitFrame(c.transport)
		if err != nil {
			if errors.Is(err, base.ErrCommunicationTimeout) {
				lastErr = err
				continue
			}
			return c.fail(err)
		}
		switch f.kind {
		case frameData, framePartialData:
		default:
			return c.violationf("expected data message, got %s", f.kind)
		}

		if !c.bcc.valid(f.raw) {
			lastErr = decodeErrf(ChecksumMismatch, "data block %q", f.raw)
			c.logf("data block check failed, requesting repetition")
			if err = c.transport.Write([]byte{nak}); err != nil {
				return c.fail(err)
			}
			continue
		}

		sets, err := parseReadoutBlock(f.raw)
		if err != nil {
			return c.fail(err)
		}
		if c.settings.ErrorParser != nil {
			if err = c.settings.ErrorParser.CheckForErrors(sets); err != nil {
				return err
			}
		}
		r.pending = sets

		if f.kind == framePartialData {
			if err = c.transport.Write([]byte{ack}); err != nil {
				return c.fail(err)
			}
			return nil
		}
		r.done = true
		return nil
	}
	return c.fail(lastErr)
}

// parseReadoutBlock strips STX, the end marker line, ETX/EOT and the BCC
// from a validated block and parses the remaining data lines. Every data
// line must carry an address.
func parseReadoutBlock(raw []byte) ([]DataSet, error) {
	if len(raw) < 3 {
		return nil, decodeErrf(MalformedFraming, "data block too short: %q", raw)
	}
	body := raw[1 : len(raw)-2] // strip STX, ETX/EOT and BCC

	var sets []DataSet
	for _, line := range bytes.Split(body, lineEnd) {
		s := string(line)
		if s == "" {
			continue
		}
		if s[0] == endChar {
			break // end of transmission marker
		}
		ls, err := parseDataLine(s, true)
		if err != nil {
			return nil, fmt.Errorf("readout line %q: %w", s, err)
		}
		sets = append(sets, ls...)
	}
	return sets, nil
}
