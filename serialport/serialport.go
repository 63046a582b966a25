// Package serialport provides a base.SerialStream on a local serial port
// (optical probe or USB converter). SetSpeed reopens the port, which is how
// the mid-session baud-rate switchover of mode C is carried out.
package serialport

import (
	"fmt"
	"io"
	"time"

	"github.com/cybroslabs/libiec62056-go/base"
	"github.com/tarm/serial"
	"go.uber.org/zap"
)

// pollInterval is the underlying port read timeout; actual read deadlines
// are enforced on top of it so they survive port reopens.
const pollInterval = 50 * time.Millisecond

type serialPort struct {
	portname string
	settings base.SerialStreamSettings
	logger   *zap.SugaredLogger

	port     *serial.Port
	isopen   bool
	timeout  time.Duration
	deadline time.Time

	totalrx int64
	totaltx int64
}

// New creates an unopened serial stream on the named port. Nil settings mean
// the 300 baud 7E1 start configuration of the standard.
func New(portname string, settings *base.SerialStreamSettings, timeout time.Duration) base.SerialStream {
	if settings == nil {
		settings = base.DefaultSerialStreamSettings()
	}
	return &serialPort{
		portname: portname,
		settings: *settings,
		timeout:  timeout,
	}
}

func (s *serialPort) logf(format string, v ...any) {
	if s.logger != nil {
		s.logger.Infof(format, v...)
	}
}

func (s *serialPort) Open() error {
	if s.isopen {
		return nil
	}
	if err := s.reopen(); err != nil {
		return err
	}
	s.isopen = true
	return nil
}

func (s *serialPort) reopen() error {
	if s.port != nil {
		_ = s.port.Close()
		s.port = nil
	}
	cfg := &serial.Config{
		Name:        s.portname,
		Baud:        s.settings.BaudRate,
		Size:        byte(s.settings.DataBits),
		Parity:      mapparity(s.settings.Parity),
		StopBits:    mapstopbits(s.settings.StopBits),
		ReadTimeout: pollInterval,
	}
	port, err := serial.OpenPort(cfg)
	if err != nil {
		return fmt.Errorf("open %s failed: %w", s.portname, err)
	}
	s.logf("opened %s at %d baud", s.portname, s.settings.BaudRate)
	s.port = port
	return nil
}

func mapparity(p base.SerialParity) serial.Parity {
	switch p {
	case base.SerialOddParity:
		return serial.ParityOdd
	case base.SerialEvenParity:
		return serial.ParityEven
	default:
		return serial.ParityNone
	}
}

func mapstopbits(sb base.SerialStopBits) serial.StopBits {
	switch sb {
	case base.SerialTwoStopBits:
		return serial.Stop2
	case base.SerialOneAndHalfStopBits:
		return serial.Stop1Half
	default:
		return serial.Stop1
	}
}

func (s *serialPort) Close() error {
	return nil // sign-off is a protocol concern, port stays usable
}

func (s *serialPort) Disconnect() error {
	s.isopen = false
	if s.port != nil {
		_ = s.port.Close()
		s.port = nil
		s.logf("closed %s, rx: %v, tx: %v", s.portname, s.totalrx, s.totaltx)
	}
	return nil
}

func (s *serialPort) IsOpen() bool {
	return s.isopen
}

func (s *serialPort) SetLogger(logger *zap.SugaredLogger) {
	s.logger = logger
}

func (s *serialPort) SetDeadline(t time.Time) {
	s.deadline = t
}

func (s *serialPort) SetTimeout(t time.Duration) {
	s.timeout = t
}

func (s *serialPort) GetRxTxBytes() (int64, int64) {
	return s.totalrx, s.totaltx
}

func (s *serialPort) Write(src []byte) error {
	if !s.isopen {
		return base.ErrNotOpened
	}
	if s.logger != nil {
		s.logger.Debug(base.LogHex(fmt.Sprintf("TX (%s)", s.portname), src))
	}
	for len(src) > 0 {
		n, err := s.port.Write(src)
		s.totaltx += int64(n)
		if err != nil {
			return fmt.Errorf("write failed: %w", err)
		}
		src = src[n:]
	}
	return nil
}

// Read polls the port until at least one byte arrives or the deadline
// passes. The short port-level timeout keeps reopen latency out of the
// deadline math.
func (s *serialPort) Read(p []byte) (n int, err error) {
	if !s.isopen {
		return 0, base.ErrNotOpened
	}
	if len(p) == 0 {
		return 0, base.ErrNothingToRead
	}

	limit := time.Now().Add(s.timeout)
	if !s.deadline.IsZero() && s.deadline.Before(limit) {
		limit = s.deadline
	}
	for {
		n, err = s.port.Read(p)
		s.totalrx += int64(n)
		if n > 0 {
			if s.logger != nil {
				s.logger.Debug(base.LogHex(fmt.Sprintf("RX (%s)", s.portname), p[:n]))
			}
			return n, nil
		}
		if err != nil && err != io.EOF {
			return 0, err
		}
		if !time.Now().Before(limit) {
			return 0, base.ErrCommunicationTimeout
		}
	}
}

func (s *serialPort) SetSpeed(baudRate int, dataBits base.SerialDataBits, parity base.SerialParity, stopBits base.SerialStopBits) error {
	if !s.isopen {
		return base.ErrNotOpened
	}
	s.settings.BaudRate = baudRate
	s.settings.DataBits = dataBits
	s.settings.Parity = parity
	s.settings.StopBits = stopBits
	s.logf("switching %s to %d baud", s.portname, baudRate)
	return s.reopen()
}

func (s *serialPort) SetFlowControl(flowControl base.SerialFlowControl) error {
	if !s.isopen {
		return base.ErrNotOpened
	}
	if flowControl != base.SerialNoFlowControl {
		return fmt.Errorf("unsupported flow control %d", flowControl)
	}
	return nil
}

func (s *serialPort) SetDTR(dtr bool) error {
	if !s.isopen {
		return base.ErrNotOpened
	}
	s.logf("SetDTR: %v (ignoring)", dtr)
	return nil // not exposed by the port driver
}
