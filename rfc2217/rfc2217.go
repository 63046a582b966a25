// Package rfc2217 implements the client side of RFC 2217 telnet COM port
// control on top of a base.Stream. It is the transport of choice for
// TCP-tunnelled serial links because the mode C baud-rate switchover can be
// forwarded to the remote port.
package rfc2217

import (
	"encoding/binary"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/cybroslabs/libiec62056-go/base"
	"go.uber.org/zap"
)

const (
	comPortOption = 44
	binaryOption  = 0
	sgaOption     = 3

	cmdIAC  = 255
	cmdSB   = 250
	cmdSE   = 240
	cmdWILL = 251
	cmdWONT = 252
	cmdDO   = 253
	cmdDONT = 254

	// client-to-server subnegotiation commands
	subSignature   = 0
	subSetBaudRate = 1
	subSetDataSize = 2
	subSetParity   = 3
	subSetStopSize = 4
	subSetControl  = 5
	subPurgeData   = 12

	signature  = "IEC62056-Serial-Client"
	writeChunk = 2048
)

type rfc2217Serial struct {
	transport   base.Stream
	isopen      bool
	writebuffer []byte

	// last values reported by the access server
	baudrate   int
	databits   int
	parity     int
	stopbits   int
	control    int
	linestate  byte
	modemstate byte

	logger *zap.SugaredLogger
}

func New(t base.Stream) base.SerialStream {
	return &rfc2217Serial{
		transport:   t,
		writebuffer: make([]byte, 0, 1024),
	}
}

func (r *rfc2217Serial) logf(format string, v ...any) {
	if r.logger != nil {
		r.logger.Infof(format, v...)
	}
}

func (r *rfc2217Serial) Open() error {
	if r.isopen {
		return nil
	}
	if err := r.transport.Open(); err != nil {
		return err
	}

	// announce binary transmission, suppress go ahead and com port control,
	// purge whatever the access server buffered and ask for the current
	// line settings
	r.logf("negotiating telnet options")
	r.writebuffer = r.writeOption(r.writebuffer[:0], binaryOption, cmdWILL)
	r.writebuffer = r.writeOption(r.writebuffer, sgaOption, cmdWILL)
	r.writebuffer = r.writeOption(r.writebuffer, comPortOption, cmdWILL)
	r.writebuffer = r.writeSubnegotiation(r.writebuffer, subPurgeData, []byte{0x03})
	r.writebuffer = r.writeSignature(r.writebuffer)

	var cmd [4]byte
	r.writebuffer = r.writeSubnegotiation(r.writebuffer, subSetBaudRate, cmd[:])
	r.writebuffer = r.writeSubnegotiation(r.writebuffer, subSetDataSize, cmd[:1])
	r.writebuffer = r.writeSubnegotiation(r.writebuffer, subSetParity, cmd[:1])
	r.writebuffer = r.writeSubnegotiation(r.writebuffer, subSetStopSize, cmd[:1])
	r.writebuffer = r.writeSubnegotiation(r.writebuffer, subSetControl, cmd[:1])

	r.isopen = true
	return r.transport.Write(r.writebuffer)
}

func (r *rfc2217Serial) Close() error {
	if !r.isopen {
		return nil
	}
	r.isopen = false
	return r.transport.Close()
}

func (r *rfc2217Serial) Disconnect() error {
	r.isopen = false
	return r.transport.Disconnect()
}

func (r *rfc2217Serial) IsOpen() bool {
	return r.isopen
}

func (r *rfc2217Serial) SetLogger(logger *zap.SugaredLogger) {
	r.logger = logger
	r.transport.SetLogger(logger)
}

func (r *rfc2217Serial) SetDeadline(t time.Time) {
	r.transport.SetDeadline(t)
}

func (r *rfc2217Serial) SetTimeout(t time.Duration) {
	r.transport.SetTimeout(t)
}

func (r *rfc2217Serial) GetRxTxBytes() (int64, int64) {
	return r.transport.GetRxTxBytes()
}

func (r *rfc2217Serial) writeOption(src []byte, option byte, intent byte) []byte {
	return append(src, cmdIAC, intent, option)
}

func (r *rfc2217Serial) writeSignature(src []byte) []byte {
	src = append(src, cmdIAC, cmdSB, comPortOption, subSignature)
	src = append(src, signature...)
	return append(src, cmdIAC, cmdSE)
}

func (r *rfc2217Serial) writeSubnegotiation(src []byte, cmd byte, value []byte) []byte {
	src = append(src, cmdIAC, cmdSB, comPortOption, cmd)
	for _, b := range value {
		if b == cmdIAC {
			src = append(src, cmdIAC)
		}
		src = append(src, b)
	}
	return append(src, cmdIAC, cmdSE)
}

func (r *rfc2217Serial) getCode() (byte, error) {
	var code [1]byte
	if _, err := io.ReadFull(r.transport, code[:]); err != nil {
		return 0, err
	}
	return code[0], nil
}

func mandatoryOption(code byte) bool {
	switch code {
	case binaryOption, sgaOption, comPortOption:
		return true
	}
	return false
}

func (r *rfc2217Serial) processCommand(cmd byte) error {
	switch cmd {
	case cmdWILL:
		code, err := r.getCode()
		if err != nil {
			return err
		}
		if !mandatoryOption(code) {
			r.logf("other party has intent to do %v", code)
			return fmt.Errorf("unsupported com state")
		}
	case cmdWONT:
		code, err := r.getCode()
		if err != nil {
			return err
		}
		if mandatoryOption(code) {
			r.logf("other party doesnt support mandatory option %v", code)
			return fmt.Errorf("unsupported mandatory option")
		}
		r.logf("other party has intent not to do %v", code)
	case cmdDO:
		code, err := r.getCode()
		if err != nil {
			return err
		}
		if !mandatoryOption(code) {
			r.logf("other party has intent to do %v", code)
			return r.transport.Write([]byte{cmdIAC, cmdWONT, code})
		}
	case cmdDONT:
		code, err := r.getCode()
		if err != nil {
			return err
		}
		if mandatoryOption(code) {
			r.logf("other party doesnt want mandatory option %v", code)
			return fmt.Errorf("unsupported mandatory option")
		}
		r.logf("other party has intent not to do %v", code)
		return r.transport.Write([]byte{cmdIAC, cmdWONT, code})
	case cmdSB:
		return r.handleSubnegotiation()
	default:
		r.logf("unknown/unsupported command: %02x", cmd)
	}
	return nil
}

func (r *rfc2217Serial) handleSubnegotiation() error {
	var buffer [1024]byte
	var s [1]byte
	offset := 0
	riac := false
	for {
		if offset >= len(buffer) {
			return fmt.Errorf("subnegotiation buffer overflow")
		}
		if _, err := io.ReadFull(r.transport, s[:]); err != nil {
			return err
		}
		if riac {
			switch s[0] {
			case cmdIAC: // escaped 0xff inside the subnegotiation
				buffer[offset] = cmdIAC
				offset++
				riac = false
			case cmdSE:
				return r.processSubnegotiation(buffer[:offset])
			default:
				return fmt.Errorf("invalid subnegotiation command")
			}
		} else {
			if s[0] == cmdIAC {
				riac = true
			} else {
				buffer[offset] = s[0]
				offset++
			}
		}
	}
}

// server-to-client subnegotiation commands are the client ones plus 100
func (r *rfc2217Serial) processSubnegotiation(sub []byte) error {
	if len(sub) < 2 {
		return fmt.Errorf("subnegotiation too short")
	}
	if sub[0] != comPortOption {
		return fmt.Errorf("unsupported subnegotiation option %02x", sub[0])
	}
	sub = sub[1:]
	switch sub[0] {
	case subSignature:
		if len(sub) == 1 { // the server asked for ours
			r.writebuffer = r.writeSignature(r.writebuffer[:0])
			return r.transport.Write(r.writebuffer)
		}
		r.logf("signature: %q", strings.Trim(string(sub[1:]), "\x00 \n\r\t"))
	case 101: // baud rate
		if len(sub) != 5 {
			return fmt.Errorf("invalid subnegotiation length")
		}
		r.baudrate = int(binary.BigEndian.Uint32(sub[1:]))
		r.logf("reported baudrate: %d", r.baudrate)
	case 102: // data size
		if len(sub) != 2 {
			return fmt.Errorf("invalid subnegotiation length")
		}
		if err := checkdatabits(base.SerialDataBits(sub[1])); err != nil {
			return err
		}
		r.databits = int(sub[1])
		r.logf("reported data bits: %d", r.databits)
	case 103: // parity
		if len(sub) != 2 {
			return fmt.Errorf("invalid subnegotiation length")
		}
		if err := checkparity(base.SerialParity(sub[1])); err != nil {
			return err
		}
		r.parity = int(sub[1])
		r.logf("reported parity: %d", r.parity)
	case 104: // stop size
		if len(sub) != 2 {
			return fmt.Errorf("invalid subnegotiation length")
		}
		if err := checkstopbits(base.SerialStopBits(sub[1])); err != nil {
			return err
		}
		r.stopbits = int(sub[1])
		r.logf("reported stop bits: %d", r.stopbits)
	case 105: // control
		if len(sub) != 2 {
			return fmt.Errorf("invalid subnegotiation length")
		}
		r.control = int(sub[1])
		r.logf("reported control: %d", r.control)
	case 106: // notify line state
		if len(sub) != 2 {
			return fmt.Errorf("invalid subnegotiation length")
		}
		r.linestate = sub[1]
		r.logf("reported line state: %02x", r.linestate)
	case 107: // notify modem state
		if len(sub) != 2 {
			return fmt.Errorf("invalid subnegotiation length")
		}
		r.modemstate = sub[1]
		r.logf("reported modem state: %02x", r.modemstate)
	case 108, 109: // flow control suspend/resume
		if len(sub) != 1 {
			return fmt.Errorf("invalid subnegotiation length")
		}
		r.logf("flow control notification: %d", sub[0])
	case 110, 111, 112: // line state mask, modem state mask, purge
		if len(sub) != 2 {
			return fmt.Errorf("invalid subnegotiation length")
		}
		r.logf("access server notification: %d with data %02x", sub[0], sub[1])
	default:
		return fmt.Errorf("unsupported subnegotiation command %02x", sub[0])
	}
	return nil
}

// Read pulls data byte by byte, unescaping IAC and dispatching telnet
// commands inline. The lower layer is buffered, so this is acceptable.
func (r *rfc2217Serial) Read(p []byte) (n int, err error) {
	if !r.isopen {
		return 0, base.ErrNotOpened
	}
	if len(p) == 0 {
		return 0, base.ErrNothingToRead
	}

	var nn int
	for len(p) > 0 {
		nn, err = r.transport.Read(p[:1])
		if err != nil {
			return
		}
		if nn == 0 {
			return n, io.EOF
		}
		if p[0] != cmdIAC {
			p = p[1:]
			n++
			continue
		}
		if _, err = io.ReadFull(r.transport, p[:1]); err != nil {
			return
		}
		if p[0] == cmdIAC { // escaped data byte
			p = p[1:]
			n++
			continue
		}
		if err = r.processCommand(p[0]); err != nil {
			return
		}
	}
	return
}

func (r *rfc2217Serial) Write(src []byte) error {
	if !r.isopen {
		return base.ErrNotOpened
	}
	if len(src) == 0 {
		return nil
	}
	// escape IAC bytes and chunk the result
	r.writebuffer = r.writebuffer[:0]
	for _, b := range src {
		if len(r.writebuffer) >= writeChunk {
			if err := r.transport.Write(r.writebuffer); err != nil {
				return err
			}
			r.writebuffer = r.writebuffer[:0]
		}
		if b == cmdIAC {
			r.writebuffer = append(r.writebuffer, cmdIAC)
		}
		r.writebuffer = append(r.writebuffer, b)
	}
	return r.transport.Write(r.writebuffer)
}

func checkdatabits(db base.SerialDataBits) error {
	switch db {
	case base.Serial5DataBits, base.Serial6DataBits, base.Serial7DataBits, base.Serial8DataBits:
		return nil
	}
	return fmt.Errorf("unsupported data bits %d", db)
}

func checkparity(p base.SerialParity) error {
	switch p {
	case base.SerialNoParity, base.SerialOddParity, base.SerialEvenParity:
		return nil
	}
	return fmt.Errorf("unsupported parity %d", p)
}

func checkstopbits(sb base.SerialStopBits) error {
	switch sb {
	case base.SerialOneStopBit, base.SerialTwoStopBits, base.SerialOneAndHalfStopBits:
		return nil
	}
	return fmt.Errorf("unsupported stop bits %d", sb)
}

func (r *rfc2217Serial) SetSpeed(baudRate int, dataBits base.SerialDataBits, parity base.SerialParity, stopBits base.SerialStopBits) error {
	if !r.isopen {
		return base.ErrNotOpened
	}
	switch baudRate {
	case 300, 600, 1200, 2400, 4800, 9600, 19200, 38400, 57600, 115200:
	default:
		return fmt.Errorf("unsupported baud rate %d", baudRate)
	}
	if err := checkdatabits(dataBits); err != nil {
		return err
	}
	if err := checkparity(parity); err != nil {
		return err
	}
	if err := checkstopbits(stopBits); err != nil {
		return err
	}

	var cmd [4]byte
	binary.BigEndian.PutUint32(cmd[:], uint32(baudRate))
	r.writebuffer = r.writeSubnegotiation(r.writebuffer[:0], subSetBaudRate, cmd[:])
	cmd[0] = byte(dataBits)
	r.writebuffer = r.writeSubnegotiation(r.writebuffer, subSetDataSize, cmd[:1])
	cmd[0] = byte(parity)
	r.writebuffer = r.writeSubnegotiation(r.writebuffer, subSetParity, cmd[:1])
	cmd[0] = byte(stopBits)
	r.writebuffer = r.writeSubnegotiation(r.writebuffer, subSetStopSize, cmd[:1])
	return r.transport.Write(r.writebuffer)
}

func (r *rfc2217Serial) SetFlowControl(flowControl base.SerialFlowControl) error {
	if !r.isopen {
		return base.ErrNotOpened
	}
	switch flowControl {
	case base.SerialNoFlowControl, base.SerialSWFlowControl, base.SerialHWFlowControl:
	default:
		return fmt.Errorf("unsupported flow control %d", flowControl)
	}
	r.writebuffer = r.writeSubnegotiation(r.writebuffer[:0], subSetControl, []byte{byte(flowControl)})
	return r.transport.Write(r.writebuffer)
}

func (r *rfc2217Serial) SetDTR(dtr bool) error {
	if !r.isopen {
		return base.ErrNotOpened
	}
	r.logf("SetDTR: %v (ignoring)", dtr)
	return nil
}
