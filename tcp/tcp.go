// Package tcp provides a base.Stream over a plain TCP connection, typically
// to a serial device server in raw mode. Baud-rate switchover is not
// possible on a raw socket; pair it with rfc2217 or directserial.
package tcp

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/cybroslabs/libiec62056-go/base"
	"go.uber.org/zap"
)

type tcpstream struct {
	hostname string
	port     int
	logger   *zap.SugaredLogger

	connected bool
	conn      net.Conn
	timeout   time.Duration
	deadline  time.Time

	buffer []byte
	offset int
	filled int

	totalrx int64
	totaltx int64
}

// New creates an unopened TCP stream to hostname:port. The timeout bounds
// dial and every single read/write until changed with SetTimeout.
func New(hostname string, port int, timeout time.Duration) base.Stream {
	return &tcpstream{
		hostname: hostname,
		port:     port,
		timeout:  timeout,
		buffer:   make([]byte, 2048),
	}
}

func (t *tcpstream) logf(format string, v ...any) {
	if t.logger != nil {
		t.logger.Infof(format, v...)
	}
}

func (t *tcpstream) Open() error {
	if t.connected {
		return nil
	}
	address := net.JoinHostPort(t.hostname, strconv.Itoa(t.port))
	conn, err := net.DialTimeout("tcp", address, t.timeout)
	if err != nil {
		return fmt.Errorf("connect to %s failed: %w", address, err)
	}
	t.logf("connected to %s", address)
	t.conn = conn
	t.connected = true
	t.offset = 0
	t.filled = 0
	return nil
}

func (t *tcpstream) Close() error {
	return nil // nothing to sign off at socket level
}

func (t *tcpstream) Disconnect() error {
	if !t.connected {
		return nil
	}
	t.connected = false
	if t.conn != nil {
		_ = t.conn.Close()
		t.conn = nil
	}
	t.logf("disconnected from %s, rx: %v, tx: %v", t.hostname, t.totalrx, t.totaltx)
	return nil
}

func (t *tcpstream) IsOpen() bool {
	return t.connected
}

func (t *tcpstream) SetLogger(logger *zap.SugaredLogger) {
	t.logger = logger
}

func (t *tcpstream) SetDeadline(d time.Time) {
	t.deadline = d
}

func (t *tcpstream) SetTimeout(to time.Duration) {
	t.timeout = to
}

func (t *tcpstream) GetRxTxBytes() (int64, int64) {
	return t.totalrx, t.totaltx
}

// effective deadline is the sooner of the per-operation timeout and the
// externally set absolute deadline
func (t *tcpstream) setcommdeadline() {
	cd := time.Now().Add(t.timeout)
	if !t.deadline.IsZero() && t.deadline.Before(cd) {
		cd = t.deadline
	}
	_ = t.conn.SetDeadline(cd)
}

func (t *tcpstream) Write(src []byte) error {
	if !t.connected {
		return base.ErrNotOpened
	}
	if t.logger != nil {
		t.logger.Debug(base.LogHex(fmt.Sprintf("TX (%s)", t.hostname), src))
	}
	for len(src) > 0 {
		t.setcommdeadline()
		n, err := t.conn.Write(src)
		t.totaltx += int64(n)
		if err != nil {
			return t.maperr(fmt.Errorf("write failed: %w", err))
		}
		src = src[n:]
	}
	return nil
}

func (t *tcpstream) Read(p []byte) (n int, err error) {
	if !t.connected {
		return 0, base.ErrNotOpened
	}
	if len(p) == 0 {
		return 0, base.ErrNothingToRead
	}

	if rem := t.filled - t.offset; rem > 0 { // something unread in the buffer
		n = min(len(p), rem)
		copy(p, t.buffer[t.offset:t.offset+n])
		t.offset += n
		return n, nil
	}

	t.setcommdeadline()
	rx, err := t.conn.Read(t.buffer)
	t.totalrx += int64(rx)
	if rx > 0 {
		if t.logger != nil {
			t.logger.Debug(base.LogHex(fmt.Sprintf("RX (%s)", t.hostname), t.buffer[:rx]))
		}
		t.filled = rx
		n = min(len(p), rx)
		copy(p, t.buffer[:n])
		t.offset = n
	}
	if err != nil {
		return n, t.maperr(err)
	}
	if rx == 0 {
		return 0, io.EOF
	}
	return n, nil
}

func (t *tcpstream) maperr(err error) error {
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return base.ErrCommunicationTimeout
	}
	return err
}
