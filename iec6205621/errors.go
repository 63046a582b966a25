package iec6205621

import (
	"errors"
	"fmt"
)

// Terminal protocol errors. Timeouts inside the retry budget are retried;
// these are what surfaces once the budget is spent or when retry is not
// permitted.
var (
	ErrSignOnTimeout        = errors.New("sign-on timed out")
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrProtocolViolation    = errors.New("protocol violation")
	ErrNack                 = errors.New("meter answered NAK")
	ErrNoData               = errors.New("no data returned")
	ErrTooManyValues        = errors.New("more than one value returned")
)

type DecodeErrorKind int

const (
	MalformedFraming DecodeErrorKind = iota
	ChecksumMismatch
	UnexpectedMessageType
	MalformedDataLine
)

func (k DecodeErrorKind) String() string {
	switch k {
	case MalformedFraming:
		return "malformed framing"
	case ChecksumMismatch:
		return "checksum mismatch"
	case UnexpectedMessageType:
		return "unexpected message type"
	case MalformedDataLine:
		return "malformed data line"
	}
	return "decode error"
}

// DecodeError reports why a received byte sequence could not be turned into
// a message. Decode failures are retryable at the session level; the codec
// itself never retries.
type DecodeError struct {
	Kind   DecodeErrorKind
	Reason string
}

func (e *DecodeError) Error() string {
	if e.Reason == "" {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func decodeErrf(kind DecodeErrorKind, format string, v ...any) error {
	return &DecodeError{Kind: kind, Reason: fmt.Sprintf(format, v...)}
}

// SessionError wraps a terminal failure with the session state at which it
// occurred. A session that produced one is unusable; open a new one.
type SessionError struct {
	State string
	Err   error
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("session failed during %s: %v", e.State, e.Err)
}

func (e *SessionError) Unwrap() error {
	return e.Err
}
