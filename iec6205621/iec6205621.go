// Package iec6205621 implements the client side of the IEC 62056-21 ASCII
// protocol (modes A-D, normal protocol control) used to read and program
// utility meters over optical probes, current loops or TCP-tunnelled serial
// links.
//
// The package drives the whole session: sign-on, identification, option
// select with the mid-session baud-rate switchover, password or derivative
// authentication, readout and register access, and sign-off.
//
// Basic usage:
//
//	// Create transport (serialport, tcp, rfc2217 or directserial)
//	transport := serialport.New("/dev/ttyUSB0", nil, 5*time.Second)
//
//	// Create client
//	settings := iec6205621.NewSettings()
//	client := iec6205621.New(transport, settings)
//
//	// Sign on and read the standard readout
//	err := client.Open()
//	err = client.SelectMode(iec6205621.ModeReadout)
//	reader, err := client.ReadData()
//	for {
//		ds, err := reader.Next()
//		if err == io.EOF {
//			break
//		}
//		fmt.Println(ds.Address, ds.Value, ds.Unit)
//	}
//	_ = client.Close()
package iec6205621

import (
	"errors"
	"fmt"
	"time"

	"github.com/cybroslabs/libiec62056-go/base"
	"go.uber.org/zap"
)

// Settings contains the configuration of one session. Wire format constants
// are fixed by the standard; only credentials, timing tolerances and the
// derivative variant are configurable.
type Settings struct {
	// DeviceAddress goes into the request message; required on shared media,
	// empty on point-to-point probes.
	DeviceAddress string
	// Password is the programming mode credential, opaque bytes.
	Password []byte
	// BatteryPowered meters need the null-byte wake-up sequence before the
	// request message.
	BatteryPowered bool

	ResponseTimeout  time.Duration
	InterCharTimeout time.Duration
	MaxRetries       int

	// Authenticator selects the derivative authentication variant; nil means
	// the standard password exchange.
	Authenticator Authenticator
	// ErrorParser inspects answer data for manufacturer error codes; nil
	// disables the check.
	ErrorParser ErrorParser
	// BCCStartMarkers overrides the bytes that open the checksummed range,
	// for meters that compute the block check over a non-standard range.
	BCCStartMarkers []byte
}

// NewSettings returns settings with the timing tolerances of the standard.
func NewSettings() *Settings {
	return &Settings{
		ResponseTimeout:  5 * time.Second,
		InterCharTimeout: 1500 * time.Millisecond,
		MaxRetries:       2,
	}
}

// NewSettingsWithPassword returns standard settings with a programming mode
// credential.
func NewSettingsWithPassword(password string) *Settings {
	s := NewSettings()
	s.Password = []byte(password)
	return s
}

// ErrorParser checks answer data sets for manufacturer-specific error codes.
// Their format is vendor defined, so only the hook is fixed here.
type ErrorParser interface {
	CheckForErrors(sets []DataSet) error
}

// Client is one logical conversation with one meter. It is not safe for
// concurrent use: the protocol is half-duplex and session-serial, every
// operation is send-then-wait on the exclusively owned transport.
type Client interface {
	Open() error
	SelectMode(mode Mode) error
	ReadData() (*DataReader, error)
	ReadRegister(address string) (*DataSet, error)
	WriteRegister(address string, value string) error
	Identification() *IdentificationMessage
	Close() error
	Disconnect() error
	SetLogger(logger *zap.SugaredLogger)
}

type client struct {
	transport base.Stream
	settings  *Settings
	logger    *zap.SugaredLogger
	timing    timing
	bcc       bccScheme

	state         state
	mode          Mode
	ident         *IdentificationMessage
	shortReaction bool
}

// New creates a client over the given transport. The transport is owned by
// the client until Close or Disconnect.
func New(transport base.Stream, settings *Settings) Client {
	bcc := defaultBCCScheme()
	if len(settings.BCCStartMarkers) > 0 {
		bcc = bccScheme{startMarkers: settings.BCCStartMarkers}
	}
	return &client{
		transport: transport,
		settings:  settings,
		timing: timing{
			responseTimeout:  settings.ResponseTimeout,
			interCharTimeout: settings.InterCharTimeout,
			maxRetries:       settings.MaxRetries,
		},
		bcc:   bcc,
		state: stateIdle,
	}
}

func (c *client) logf(format string, v ...any) {
	if c.logger != nil {
		c.logger.Infof(format, v...)
	}
}

func (c *client) dlogf(format string, v ...any) {
	if c.logger != nil {
		c.logger.Debugf(format, v...)
	}
}

func (c *client) SetLogger(logger *zap.SugaredLogger) {
	c.logger = logger
	c.transport.SetLogger(logger)
}

// fail marks the session terminally failed, wraps the cause with the state
// at which it happened and drops the transport. No further transmission is
// attempted on a failed session.
func (c *client) fail(err error) error {
	serr := &SessionError{State: c.state.String(), Err: err}
	c.logf("session failed during %s: %v", c.state, err)
	c.state = stateFailed
	_ = c.transport.Disconnect()
	return serr
}

func (c *client) violationf(format string, v ...any) error {
	return c.fail(fmt.Errorf("%w: %s", ErrProtocolViolation, fmt.Sprintf(format, v...)))
}

// reactionTime is the wait the meter needs between receiving a message and
// being able to answer; meters whose manufacturer code ends in a lower case
// letter commit to the short one.
func (c *client) reactionTime() time.Duration {
	if c.shortReaction {
		return 20 * time.Millisecond
	}
	return 200 * time.Millisecond
}

func (c *client) rest() {
	d := c.reactionTime() * 5 / 4
	c.dlogf("resting for %v", d)
	time.Sleep(d)
}

// batteryStartup sends the wake-up sequence for battery powered meters:
// null bytes for a little over two seconds, then a longer rest before the
// request message may follow.
func (c *client) batteryStartup() error {
	c.logf("sending battery startup sequence")
	end := time.Now().Add(2200 * time.Millisecond)
	for time.Now().Before(end) {
		if err := c.transport.Write([]byte{0x00}); err != nil {
			return err
		}
		time.Sleep(200 * time.Millisecond)
	}
	time.Sleep(1500 * time.Millisecond)
	return nil
}

// Open connects the transport and performs sign-on through identification:
// the request message is sent up to MaxRetries+1 times, each answer awaited
// within the response timeout.
func (c *client) Open() error {
	if c.state != stateIdle {
		return c.violationf("open called in state %s", c.state)
	}
	if err := c.transport.Open(); err != nil {
		return c.fail(err)
	}
	if c.settings.BatteryPowered {
		if err := c.batteryStartup(); err != nil {
			return c.fail(err)
		}
	}

	c.state = stateSignOn
	req := RequestMessage{DeviceAddress: c.settings.DeviceAddress}
	raw := req.Encode()

	var lastErr error
	for attempt := 0; attempt <= c.timing.maxRetries; attempt++ {
		if attempt > 0 {
			c.logf("sign-on attempt %d: %v", attempt+1, lastErr)
		}
		if err := c.transport.Write(raw); err != nil {
			return c.fail(err)
		}
		c.rest()

		f, err := c.timing.awaitFrame(c.transport)
		if err != nil {
			if errors.Is(err, base.ErrCommunicationTimeout) {
				lastErr = err
				continue
			}
			return c.fail(err)
		}
		if f.kind != frameIdentification {
			return c.violationf("expected identification, got %s", f.kind)
		}
		ident, err := decodeIdentification(f.raw)
		if err != nil {
			lastErr = err
			continue
		}

		c.ident = ident
		c.shortReaction = len(ident.Manufacturer) == 3 &&
			ident.Manufacturer[2] >= 'a' && ident.Manufacturer[2] <= 'z'
		c.state = stateIdentification
		c.logf("identified %s meter %q, proposed switchover %d baud",
			ident.Manufacturer, ident.Identification, ident.SwitchoverBaudRate())
		return nil
	}
	return c.fail(fmt.Errorf("%w after %d attempts: %v", ErrSignOnTimeout, c.timing.maxRetries+1, lastErr))
}

// Identification returns the identification message received during Open,
// nil before sign-on completed.
func (c *client) Identification() *IdentificationMessage {
	return c.ident
}

// SelectMode acknowledges the identification with the option select message,
// performs the baud-rate switchover the meter proposed and, for programming
// mode, runs the authentication variant. The switchover is sequenced
// precisely: the acknowledgement goes out at the old rate, the transport is
// reconfigured to the new rate, and only then is the next message awaited.
func (c *client) SelectMode(mode Mode) error {
	if c.state != stateIdentification {
		return c.violationf("select mode called in state %s", c.state)
	}
	switch mode {
	case ModeReadout, ModeProgramming:
	default:
		return fmt.Errorf("mode %s is not supported", mode)
	}

	msg := AckOptionSelectMessage{
		ProtocolChar: normalProtocolControl,
		BaudChar:     c.ident.BaudChar,
		ModeChar:     byte(mode),
	}
	if err := c.transport.Write(msg.Encode()); err != nil {
		return c.fail(err)
	}
	c.rest()

	if rate := c.ident.SwitchoverBaudRate(); rate > 0 {
		if err := c.switchBaudRate(rate); err != nil {
			return c.fail(err)
		}
	}

	c.mode = mode
	c.state = stateModeSelected
	if mode == ModeProgramming {
		return c.authenticate()
	}
	return nil
}

func (c *client) switchBaudRate(rate int) error {
	ss, ok := c.transport.(base.SerialStream)
	if !ok {
		c.logf("transport cannot switch baud rate, staying at current rate")
		return nil
	}
	c.logf("switching to %d baud", rate)
	err := ss.SetSpeed(rate, base.Serial7DataBits, base.SerialEvenParity, base.SerialOneStopBit)
	if err != nil {
		return fmt.Errorf("baud rate switchover failed: %w", err)
	}
	c.rest() // settle before the next read
	return nil
}

func (c *client) authenticate() error {
	c.state = stateAuthenticating
	auth := c.settings.Authenticator
	if auth == nil {
		auth = NewPasswordAuthenticator()
	}
	if err := auth.Authenticate(&authExchange{c: c}, c.settings.Password); err != nil {
		return c.fail(fmt.Errorf("%w: %v", ErrAuthenticationFailed, err))
	}
	c.state = stateAuthenticated
	c.logf("programming mode granted")
	return nil
}

// authExchange adapts the client to the Exchange capability handed to
// authenticators.
type authExchange struct {
	c *client
}

func (a *authExchange) SendCommand(cmd *CommandMessage) error {
	if err := a.c.transport.Write(cmd.Encode(a.c.bcc)); err != nil {
		return err
	}
	a.c.rest()
	return nil
}

func (a *authExchange) RecvCommand() (*CommandMessage, error) {
	f, err := a.c.timing.awaitFrame(a.c.transport)
	if err != nil {
		return nil, err
	}
	if f.kind != frameCommand {
		return nil, fmt.Errorf("%w: expected command message, got %s", ErrProtocolViolation, f.kind)
	}
	return decodeCommand(f.raw, a.c.bcc)
}

func (a *authExchange) RecvAck() error {
	f, err := a.c.timing.awaitFrame(a.c.transport)
	if err != nil {
		return err
	}
	switch f.kind {
	case frameAck:
		return nil
	case frameNack:
		return ErrNack
	}
	return fmt.Errorf("%w: expected ACK, got %s", ErrProtocolViolation, f.kind)
}

func (a *authExchange) Retries() int {
	return a.c.timing.maxRetries
}

// ReadData starts the readout push of the meter and returns a lazy,
// non-restartable reader over the data sets. The sequence ends with io.EOF
// once the meter's end marker arrived and the block check validated.
func (c *client) ReadData() (*DataReader, error) {
	if c.state != stateModeSelected || c.mode != ModeReadout {
		return nil, c.violationf("read data called in state %s, mode %s", c.state, c.mode)
	}
	c.state = stateDataExchange
	return newDataReader(c), nil
}

// Close signs off with a best-effort break command and releases the
// transport. It never fails observably; a session being discarded does not
// care whether the break made it out.
func (c *client) Close() error {
	switch c.state {
	case stateClosed:
		return nil
	case stateFailed:
		c.state = stateClosed
		return nil
	}
	if c.transport.IsOpen() && c.state != stateIdle {
		c.state = stateSignOff
		brk := CommandMessage{Command: cmdBreak, CommandType: '0'}
		_ = c.transport.Write(brk.Encode(c.bcc)) // no reply is required
	}
	c.state = stateClosed
	_ = c.transport.Disconnect()
	return nil
}

// Disconnect drops the transport without signing off.
func (c *client) Disconnect() error {
	c.state = stateClosed
	return c.transport.Disconnect()
}
