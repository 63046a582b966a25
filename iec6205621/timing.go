package iec6205621

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/cybroslabs/libiec62056-go/base"
)

// timing carries the standard's timing tolerances as explicit parameters.
// Derivative meters frequently need looser windows, so none of these are
// hard coded anywhere else.
type timing struct {
	responseTimeout  time.Duration // max wait for the first byte of a reply
	interCharTimeout time.Duration // max gap between bytes of one message
	maxRetries       int           // resends of one request after no/invalid reply
}

type frameKind int

const (
	frameAck frameKind = iota
	frameNack
	frameIdentification
	frameCommand
	frameData        // STX ... ETX BCC, complete (or last) data block
	framePartialData // STX ... EOT BCC, partial block, must be acknowledged
)

func (k frameKind) String() string {
	switch k {
	case frameAck:
		return "ACK"
	case frameNack:
		return "NAK"
	case frameIdentification:
		return "identification"
	case frameCommand:
		return "command"
	case frameData:
		return "data"
	case framePartialData:
		return "partial data"
	}
	return "unknown"
}

// frame is one raw wire message including its delimiters and, where the
// message carries one, the trailing BCC. Frames are ephemeral; they live for
// a single state transition.
type frame struct {
	kind frameKind
	raw  []byte
}

// awaitFrame blocks until one complete frame arrives. The first byte is
// bounded by the response timeout; every following byte resets an idle timer
// of the inter-character timeout, so "no data yet" and "message complete"
// stay distinct even for message types without an explicit terminator.
// Decode failures are not handled here: the caller owns the retry decision.
func (p *timing) awaitFrame(t base.Stream) (*frame, error) {
	b, err := readByteBefore(t, time.Now().Add(p.responseTimeout))
	if err != nil {
		return nil, err
	}

	// leading noise before a start character is discarded, still bounded by
	// the response window
	deadline := time.Now().Add(p.responseTimeout)
	for {
		switch b {
		case ack:
			return &frame{kind: frameAck, raw: []byte{ack}}, nil
		case nak:
			return &frame{kind: frameNack, raw: []byte{nak}}, nil
		case startChar:
			raw, err := p.collectUntil(t, []byte{b}, lf, false)
			if err != nil {
				return nil, err
			}
			return &frame{kind: frameIdentification, raw: raw}, nil
		case soh, stx:
			kind := frameCommand
			raw, err := p.collectUntil(t, []byte{b}, etx, true)
			if err != nil && !errors.Is(err, errEndedWithEOT) {
				return nil, err
			}
			if b == stx {
				kind = frameData
				if errors.Is(err, errEndedWithEOT) {
					kind = framePartialData
				}
			}
			return &frame{kind: kind, raw: raw}, nil
		}
		if !time.Now().Before(deadline) {
			return nil, base.ErrCommunicationTimeout
		}
		if b, err = readByteBefore(t, deadline); err != nil {
			return nil, err
		}
	}
}

var errEndedWithEOT = errors.New("block ended with EOT")

// collectUntil appends bytes to raw until the terminator arrives, each byte
// bounded by the inter-character timeout. With bcc set, one more byte (the
// block check) is read after the terminator; EOT is accepted in place of the
// terminator and reported through errEndedWithEOT.
func (p *timing) collectUntil(t base.Stream, raw []byte, terminator byte, bcc bool) ([]byte, error) {
	eotSeen := false
	for {
		b, err := readByteBefore(t, time.Now().Add(p.interCharTimeout))
		if err != nil {
			return raw, err
		}
		raw = append(raw, b)
		if b == terminator || (bcc && b == eot) {
			eotSeen = b == eot
			break
		}
	}
	if !bcc {
		return raw, nil
	}
	b, err := readByteBefore(t, time.Now().Add(p.interCharTimeout))
	if err != nil {
		return raw, err
	}
	raw = append(raw, b)
	if eotSeen {
		return raw, errEndedWithEOT
	}
	return raw, nil
}

// readByteBefore reads a single byte, failing with the transport's timeout
// error once the deadline passes.
func readByteBefore(t base.Stream, deadline time.Time) (byte, error) {
	var one [1]byte
	t.SetDeadline(deadline)
	defer t.SetDeadline(time.Time{})
	for {
		n, err := t.Read(one[:])
		if n > 0 {
			return one[0], nil
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return 0, fmt.Errorf("connection closed by meter: %w", err)
			}
			return 0, err
		}
		if !time.Now().Before(deadline) {
			return 0, base.ErrCommunicationTimeout
		}
	}
}
