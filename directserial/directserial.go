// Package directserial wraps a base.Stream (usually tcp) as a
// base.SerialStream for serial device servers with a fixed line
// configuration. Speed and line-control requests are accepted and ignored;
// meters behind such converters answer at the configured rate regardless of
// the negotiated switchover.
package directserial

import (
	"time"

	"github.com/cybroslabs/libiec62056-go/base"
	"go.uber.org/zap"
)

type directSerial struct {
	transport base.Stream
	isopen    bool
	logger    *zap.SugaredLogger
}

func New(t base.Stream) base.SerialStream {
	return &directSerial{transport: t}
}

func (r *directSerial) logf(format string, v ...any) {
	if r.logger != nil {
		r.logger.Infof(format, v...)
	}
}

func (r *directSerial) Open() error {
	if r.isopen {
		return nil
	}
	if err := r.transport.Open(); err != nil {
		return err
	}
	r.isopen = true
	return nil
}

func (r *directSerial) Close() error {
	return r.transport.Close()
}

func (r *directSerial) Disconnect() error {
	r.isopen = false
	return r.transport.Disconnect()
}

func (r *directSerial) IsOpen() bool {
	return r.isopen
}

func (r *directSerial) SetLogger(logger *zap.SugaredLogger) {
	r.logger = logger
	r.transport.SetLogger(logger)
}

func (r *directSerial) SetDeadline(t time.Time) {
	r.transport.SetDeadline(t)
}

func (r *directSerial) SetTimeout(t time.Duration) {
	r.transport.SetTimeout(t)
}

func (r *directSerial) GetRxTxBytes() (int64, int64) {
	return r.transport.GetRxTxBytes()
}

func (r *directSerial) Read(p []byte) (n int, err error) {
	if !r.isopen {
		return 0, base.ErrNotOpened
	}
	return r.transport.Read(p)
}

func (r *directSerial) Write(src []byte) error {
	if !r.isopen {
		return base.ErrNotOpened
	}
	return r.transport.Write(src)
}

func (r *directSerial) SetSpeed(baudRate int, dataBits base.SerialDataBits, parity base.SerialParity, stopBits base.SerialStopBits) error {
	if !r.isopen {
		return base.ErrNotOpened
	}
	r.logf("SetSpeed: %d,%v,%v,%v (ignoring)", baudRate, dataBits, parity, stopBits)
	return nil
}

func (r *directSerial) SetFlowControl(flowControl base.SerialFlowControl) error {
	if !r.isopen {
		return base.ErrNotOpened
	}
	r.logf("SetFlowControl: %v (ignoring)", flowControl)
	return nil
}

func (r *directSerial) SetDTR(dtr bool) error {
	if !r.isopen {
		return base.ErrNotOpened
	}
	r.logf("SetDTR: %v (ignoring)", dtr)
	return nil
}
