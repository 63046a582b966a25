package iec6205621

import (
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/cybroslabs/libiec62056-go/base"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// mockStream is a scripted transport double. Every Write pops the next
// scripted reply (nil queues nothing) and makes it readable one byte at a
// time; a Read with nothing pending reports a timeout immediately. Writing
// while reply bytes are still unread violates the half-duplex contract and
// is counted.
type mockStream struct {
	open    bool
	pending []byte
	writes  [][]byte
	replies [][]byte
	events  []string

	halfDuplexViolations int
}

func newMockStream(replies ...[]byte) *mockStream {
	return &mockStream{replies: replies}
}

func (m *mockStream) Open() error       { m.open = true; return nil }
func (m *mockStream) Close() error      { return nil }
func (m *mockStream) Disconnect() error { m.open = false; return nil }
func (m *mockStream) IsOpen() bool      { return m.open }

func (m *mockStream) SetLogger(*zap.SugaredLogger) {}
func (m *mockStream) SetDeadline(time.Time)        {}
func (m *mockStream) SetTimeout(time.Duration)     {}
func (m *mockStream) GetRxTxBytes() (int64, int64) { return 0, 0 }

func (m *mockStream) Write(src []byte) error {
	if len(m.pending) > 0 {
		m.halfDuplexViolations++
	}
	cp := append([]byte(nil), src...)
	m.writes = append(m.writes, cp)
	m.events = append(m.events, "write:"+string(cp))
	if len(m.replies) > 0 {
		m.pending = append(m.pending, m.replies[0]...)
		m.replies = m.replies[1:]
	}
	return nil
}

func (m *mockStream) Read(p []byte) (int, error) {
	m.events = append(m.events, "read")
	if len(m.pending) == 0 {
		return 0, base.ErrCommunicationTimeout
	}
	p[0] = m.pending[0]
	m.pending = m.pending[1:]
	return 1, nil
}

// mockSerialStream additionally records baud-rate switchovers in the shared
// event log.
type mockSerialStream struct {
	*mockStream
	baud int
}

func newMockSerialStream(replies ...[]byte) *mockSerialStream {
	return &mockSerialStream{mockStream: newMockStream(replies...)}
}

func (m *mockSerialStream) SetSpeed(baudRate int, _ base.SerialDataBits, _ base.SerialParity, _ base.SerialStopBits) error {
	m.baud = baudRate
	m.events = append(m.events, fmt.Sprintf("setspeed:%d", baudRate))
	return nil
}

func (m *mockSerialStream) SetFlowControl(base.SerialFlowControl) error { return nil }
func (m *mockSerialStream) SetDTR(bool) error                          { return nil }

func testSettings() *Settings {
	s := NewSettings()
	s.MaxRetries = 2
	return s
}

func dataFrame(body string) []byte {
	raw := append([]byte{stx}, body...)
	return defaultBCCScheme().appendBCC(append(raw, etx))
}

func partialDataFrame(body string) []byte {
	raw := append([]byte{stx}, body...)
	return defaultBCCScheme().appendBCC(append(raw, eot))
}

func commandFrame(command, commandType byte, body string) []byte {
	m := CommandMessage{Command: command, CommandType: commandType}
	if body != "" {
		ds, _ := parseDataSet(body, false)
		m.Data = &ds
	}
	return m.Encode(defaultBCCScheme())
}

const identISk = "/ISk5\\2.0\r\n"

func TestOpen_SignOnAndIdentification(t *testing.T) {
	t.Parallel()

	mock := newMockStream([]byte(identISk))
	c := New(mock, testSettings())
	require.NoError(t, c.Open())

	require.Len(t, mock.writes, 1)
	assert.Equal(t, []byte("/?!\r\n"), mock.writes[0])

	ident := c.Identification()
	require.NotNil(t, ident)
	assert.Equal(t, "ISk", ident.Manufacturer)
	assert.Equal(t, byte('5'), ident.BaudChar)
	assert.Equal(t, "2.0", ident.Identification)
	assert.Equal(t, 9600, ident.SwitchoverBaudRate())
}

func TestOpen_DeviceAddressInRequest(t *testing.T) {
	t.Parallel()

	mock := newMockStream([]byte(identISk))
	settings := testSettings()
	settings.DeviceAddress = "00000000"
	c := New(mock, settings)
	require.NoError(t, c.Open())
	assert.Equal(t, []byte("/?00000000!\r\n"), mock.writes[0])
}

func TestOpen_RetryBound(t *testing.T) {
	t.Parallel()

	mock := newMockStream() // never replies
	c := New(mock, testSettings())

	err := c.Open()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSignOnTimeout)

	var serr *SessionError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "sign-on", serr.State)

	// exactly max retries + 1 send attempts
	require.Len(t, mock.writes, 3)
	for _, w := range mock.writes {
		assert.Equal(t, []byte("/?!\r\n"), w)
	}
	assert.False(t, mock.IsOpen(), "transport must be dropped on terminal failure")
}

func TestOpen_DecodeFailureCountsTowardBudget(t *testing.T) {
	t.Parallel()

	mock := newMockStream([]byte("/XY\r\n"), []byte(identISk))
	c := New(mock, testSettings())
	require.NoError(t, c.Open())
	assert.Len(t, mock.writes, 2)
}

func TestOpen_UnexpectedMessageIsFatal(t *testing.T) {
	t.Parallel()

	mock := newMockStream([]byte{ack})
	c := New(mock, testSettings())

	err := c.Open()
	assert.ErrorIs(t, err, ErrProtocolViolation)
	assert.Len(t, mock.writes, 1, "protocol violations are never retried")

	// a failed session is unusable
	err = c.SelectMode(ModeReadout)
	assert.ErrorIs(t, err, ErrProtocolViolation)
}

func TestSelectMode_BaudSwitchOrdering(t *testing.T) {
	t.Parallel()

	mock := newMockSerialStream(
		[]byte(identISk),
		dataFrame("1.8.0(000123.45*kWh)\r\n!\r\n"),
	)
	c := New(mock, testSettings())
	require.NoError(t, c.Open())
	require.NoError(t, c.SelectMode(ModeReadout))
	assert.Equal(t, 9600, mock.baud)

	ackIdx, speedIdx := -1, -1
	for i, ev := range mock.events {
		switch ev {
		case "write:\x06050\r\n":
			ackIdx = i
		case "setspeed:9600":
			speedIdx = i
		}
	}
	require.GreaterOrEqual(t, ackIdx, 0, "option select message was sent")
	require.Greater(t, speedIdx, ackIdx, "switchover happens after the option select")
	for _, ev := range mock.events[ackIdx+1 : speedIdx] {
		assert.NotEqual(t, "read", ev, "no read between option select and switchover")
	}
}

func TestReadData_EndToEnd(t *testing.T) {
	t.Parallel()

	mock := newMockSerialStream(
		[]byte(identISk),
		dataFrame("1.8.0(000123.45*kWh)\r\n!\r\n"),
	)
	c := New(mock, testSettings())
	require.NoError(t, c.Open())
	require.NoError(t, c.SelectMode(ModeReadout))

	r, err := c.ReadData()
	require.NoError(t, err)

	ds, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, &DataSet{Address: "1.8.0", Value: "000123.45", Unit: "kWh"}, ds)

	_, err = r.Next()
	assert.Equal(t, io.EOF, err)
	_, err = r.Next()
	assert.Equal(t, io.EOF, err, "the sequence is not restartable")

	assert.Zero(t, mock.halfDuplexViolations)
}

func TestReadData_PartialBlocks(t *testing.T) {
	t.Parallel()

	mock := newMockSerialStream(
		[]byte(identISk),
		partialDataFrame("1.8.0(1*kWh)\r\n"),
		dataFrame("2.8.0(2*kWh)\r\n!\r\n"),
	)
	c := New(mock, testSettings())
	require.NoError(t, c.Open())
	require.NoError(t, c.SelectMode(ModeReadout))

	r, err := c.ReadData()
	require.NoError(t, err)

	var got []DataSet
	for {
		ds, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		got = append(got, *ds)
	}
	assert.Equal(t, []DataSet{
		{Address: "1.8.0", Value: "1", Unit: "kWh"},
		{Address: "2.8.0", Value: "2", Unit: "kWh"},
	}, got)

	// the partial block was acknowledged
	assert.Contains(t, mock.writes, []byte{ack})
	assert.Zero(t, mock.halfDuplexViolations)
}

func TestReadData_NakOnChecksumMismatch(t *testing.T) {
	t.Parallel()

	corrupt := dataFrame("1.8.0(1*kWh)\r\n!\r\n")
	corrupt[2] ^= 0x01

	mock := newMockSerialStream(
		[]byte(identISk),
		corrupt,
		dataFrame("1.8.0(1*kWh)\r\n!\r\n"),
	)
	c := New(mock, testSettings())
	require.NoError(t, c.Open())
	require.NoError(t, c.SelectMode(ModeReadout))

	r, err := c.ReadData()
	require.NoError(t, err)

	ds, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, "1.8.0", ds.Address)
	assert.Contains(t, mock.writes, []byte{nak}, "invalid block is NAKed for repetition")
}

func TestSelectMode_ProgrammingWithPassword(t *testing.T) {
	t.Parallel()

	mock := newMockSerialStream(
		[]byte(identISk),
		commandFrame('P', '0', "(12345678)"), // challenge
		[]byte{ack},
		[]byte{ack},                       // write register accepted
		dataFrame("1.8.0(000123.45*kWh)"), // read register answer
	)
	settings := testSettings()
	settings.Password = []byte("00000000")
	c := New(mock, settings)
	require.NoError(t, c.Open())
	require.NoError(t, c.SelectMode(ModeProgramming))

	require.NoError(t, c.WriteRegister("0.9.1", "123456"))

	ds, err := c.ReadRegister("1.8.0")
	require.NoError(t, err)
	assert.Equal(t, &DataSet{Address: "1.8.0", Value: "000123.45", Unit: "kWh"}, ds)

	// the password message went out as P1
	expected := commandFrame('P', '1', "(00000000)")
	assert.Contains(t, mock.writes, expected)
	assert.Zero(t, mock.halfDuplexViolations)
}

func TestAuthentication_FailsAfterRetries(t *testing.T) {
	t.Parallel()

	mock := newMockSerialStream(
		[]byte(identISk),
		commandFrame('P', '0', "(12345678)"),
		[]byte{nak},
		[]byte{nak},
	)
	settings := testSettings()
	settings.MaxRetries = 1
	settings.Password = []byte("wrong")
	c := New(mock, settings)
	require.NoError(t, c.Open())

	err := c.SelectMode(ModeProgramming)
	assert.ErrorIs(t, err, ErrAuthenticationFailed)

	var serr *SessionError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "authenticating", serr.State)
	assert.False(t, mock.IsOpen())
}

// The standard variant must never issue a register write during
// authentication.
func TestAuthentication_PasswordVariantSendsNoWrite(t *testing.T) {
	t.Parallel()

	mock := newMockSerialStream(
		[]byte(identISk),
		commandFrame('P', '0', "(12345678)"),
		[]byte{ack},
	)
	settings := testSettings()
	settings.Password = []byte("00000000")
	c := New(mock, settings)
	require.NoError(t, c.Open())
	require.NoError(t, c.SelectMode(ModeProgramming))

	for _, w := range mock.writes {
		if len(w) > 1 && w[0] == soh {
			assert.NotEqual(t, byte('W'), w[1])
		}
	}
}

// writeAuthenticator authenticates by writing the credential to a lock
// register, the way derivative adapters do.
type writeAuthenticator struct{}

func (writeAuthenticator) Authenticate(ex Exchange, credential []byte) error {
	cmd := &CommandMessage{
		Command:     'W',
		CommandType: '1',
		Data:        &DataSet{Address: "3:171.0", Value: string(credential)},
	}
	if err := ex.SendCommand(cmd); err != nil {
		return err
	}
	return ex.RecvAck()
}

// A register-write variant must bypass the password exchange entirely: no
// challenge is awaited and no password message is ever sent.
func TestAuthentication_WriteVariantSendsNoPassword(t *testing.T) {
	t.Parallel()

	mock := newMockSerialStream(
		[]byte(identISk),
		nil, // no challenge follows the option select
		[]byte{ack},
		[]byte{ack}, // register write in programming mode
	)
	settings := testSettings()
	settings.Password = []byte("00000000")
	settings.Authenticator = writeAuthenticator{}
	c := New(mock, settings)
	require.NoError(t, c.Open())
	require.NoError(t, c.SelectMode(ModeProgramming))

	for _, w := range mock.writes {
		if len(w) > 1 && w[0] == soh {
			assert.NotEqual(t, byte('P'), w[1])
		}
	}

	// programming mode is fully usable afterwards
	require.NoError(t, c.WriteRegister("0.9.1", "123456"))
}

func TestWriteRegister_NackExhaustsRetries(t *testing.T) {
	t.Parallel()

	mock := newMockSerialStream(
		[]byte(identISk),
		commandFrame('P', '0', "(12345678)"),
		[]byte{ack},
		[]byte{nak},
		[]byte{nak},
	)
	settings := testSettings()
	settings.MaxRetries = 1
	settings.Password = []byte("00000000")
	c := New(mock, settings)
	require.NoError(t, c.Open())
	require.NoError(t, c.SelectMode(ModeProgramming))

	err := c.WriteRegister("0.9.1", "123456")
	assert.ErrorIs(t, err, ErrNack)
}

func TestClose_SendsBreakBestEffort(t *testing.T) {
	t.Parallel()

	mock := newMockStream([]byte(identISk))
	c := New(mock, testSettings())
	require.NoError(t, c.Open())
	require.NoError(t, c.Close())

	brk := CommandMessage{Command: 'B', CommandType: '0'}
	assert.Equal(t, brk.Encode(defaultBCCScheme()), mock.writes[len(mock.writes)-1])
	assert.False(t, mock.IsOpen())

	// closing twice stays silent
	require.NoError(t, c.Close())
}

func TestClose_AfterFailureNeverTransmits(t *testing.T) {
	t.Parallel()

	mock := newMockStream()
	c := New(mock, testSettings())
	require.Error(t, c.Open())

	writes := len(mock.writes)
	require.NoError(t, c.Close())
	assert.Len(t, mock.writes, writes, "no transmission after terminal failure")
}

func TestReadData_WrongStateFails(t *testing.T) {
	t.Parallel()

	mock := newMockStream([]byte(identISk))
	c := New(mock, testSettings())
	require.NoError(t, c.Open())

	_, err := c.ReadData()
	assert.ErrorIs(t, err, ErrProtocolViolation)
}
