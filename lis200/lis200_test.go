package lis200

import (
	"errors"
	"testing"

	"github.com/cybroslabs/libiec62056-go/iec6205621"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeExchange scripts the meter's verdicts for one authentication run.
type fakeExchange struct {
	sent        []*iec6205621.CommandMessage
	verdicts    []error
	retries     int
	recvCommand bool
}

func (f *fakeExchange) SendCommand(cmd *iec6205621.CommandMessage) error {
	f.sent = append(f.sent, cmd)
	return nil
}

func (f *fakeExchange) RecvCommand() (*iec6205621.CommandMessage, error) {
	f.recvCommand = true
	return nil, errors.New("no command expected")
}

func (f *fakeExchange) RecvAck() error {
	if len(f.verdicts) == 0 {
		return errors.New("unscripted RecvAck")
	}
	v := f.verdicts[0]
	f.verdicts = f.verdicts[1:]
	return v
}

func (f *fakeExchange) Retries() int { return f.retries }

func TestLockAuthenticator_WritesAccessCode(t *testing.T) {
	t.Parallel()

	ex := &fakeExchange{verdicts: []error{nil}, retries: 2}
	auth := NewLockAuthenticator("")
	require.NoError(t, auth.Authenticate(ex, []byte("00000000")))

	require.Len(t, ex.sent, 1)
	cmd := ex.sent[0]
	assert.Equal(t, byte('W'), cmd.Command)
	assert.Equal(t, byte('1'), cmd.CommandType)
	require.NotNil(t, cmd.Data)
	assert.Equal(t, DefaultLockRegister, cmd.Data.Address)
	assert.Equal(t, "00000000", cmd.Data.Value)

	// the lock variant never takes part in the password exchange
	assert.False(t, ex.recvCommand)
}

func TestLockAuthenticator_CustomRegister(t *testing.T) {
	t.Parallel()

	ex := &fakeExchange{verdicts: []error{nil}}
	auth := NewLockAuthenticator("4:171.0")
	require.NoError(t, auth.Authenticate(ex, []byte("1234")))
	assert.Equal(t, "4:171.0", ex.sent[0].Data.Address)
}

func TestLockAuthenticator_RetriesOnNack(t *testing.T) {
	t.Parallel()

	ex := &fakeExchange{
		verdicts: []error{iec6205621.ErrNack, nil},
		retries:  2,
	}
	auth := NewLockAuthenticator("")
	require.NoError(t, auth.Authenticate(ex, []byte("00000000")))
	assert.Len(t, ex.sent, 2)
}

func TestLockAuthenticator_ExhaustsRetries(t *testing.T) {
	t.Parallel()

	ex := &fakeExchange{
		verdicts: []error{iec6205621.ErrNack, iec6205621.ErrNack},
		retries:  1,
	}
	auth := NewLockAuthenticator("")
	err := auth.Authenticate(ex, []byte("wrong"))
	assert.ErrorIs(t, err, iec6205621.ErrNack)
	assert.Len(t, ex.sent, 2)
}

func TestErrorParser_KnownCode(t *testing.T) {
	t.Parallel()

	parser := NewErrorParser()
	err := parser.CheckForErrors([]iec6205621.DataSet{
		{Address: "3:171.0", Value: "#0017"},
	})

	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, 17, perr.Code)
	assert.Equal(t, "wrong access code", perr.Text)
	assert.Contains(t, perr.Error(), "wrong access code")
}

func TestErrorParser_UnknownCode(t *testing.T) {
	t.Parallel()

	parser := NewErrorParser()
	err := parser.CheckForErrors([]iec6205621.DataSet{{Value: "#0042"}})

	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, 42, perr.Code)
	assert.Equal(t, "unknown error code", perr.Text)
}

func TestErrorParser_PlainValuesPass(t *testing.T) {
	t.Parallel()

	parser := NewErrorParser()
	assert.NoError(t, parser.CheckForErrors([]iec6205621.DataSet{
		{Address: "1:200.0", Value: "12345.678", Unit: "m3"},
		{Address: "1:0400.0", Value: "2019-01-15,10:00:00"},
		{Value: "#12"},     // too short for an error code
		{Value: "#banana"}, // not numeric
	}))
	assert.NoError(t, parser.CheckForErrors(nil))
}
