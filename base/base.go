package base

import (
	"time"

	"go.uber.org/zap"
)

// Stream is a duplex byte channel to a meter. Implementations are not safe
// for concurrent use; IEC 62056-21 is half-duplex and session-serial, so one
// session owns the stream for its whole lifetime.
type Stream interface {
	Close() error
	Open() error
	Disconnect() error // hard end of connection without any sign-off
	IsOpen() bool
	SetLogger(logger *zap.SugaredLogger)
	SetDeadline(t time.Time)    // zero time means no deadline
	SetTimeout(t time.Duration) // per read/write operation timeout
	GetRxTxBytes() (int64, int64)
	Read(p []byte) (n int, err error)
	Write(src []byte) error // always writes everything
}
