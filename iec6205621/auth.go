package iec6205621

import (
	"errors"
	"fmt"

	"github.com/cybroslabs/libiec62056-go/base"
)

// Exchange is the slice of session capability handed to an Authenticator:
// command send/receive bound to the session's transport and timing policy.
// The session state machine stays agnostic to which variant runs behind it.
type Exchange interface {
	SendCommand(cmd *CommandMessage) error
	// RecvCommand awaits a command message, e.g. the password challenge.
	RecvCommand() (*CommandMessage, error)
	// RecvAck awaits the meter's verdict: nil on ACK, ErrNack on NAK.
	RecvAck() error
	// Retries is the shared retry budget for one send operation.
	Retries() int
}

// Authenticator is the variant-selectable authentication strategy invoked at
// the programming-mode transition. Implementations return nil once the meter
// has granted programming access.
type Authenticator interface {
	Authenticate(ex Exchange, credential []byte) error
}

// retryableAuth reports whether an authentication step may be repeated
// within the retry budget. Protocol violations never are.
func retryableAuth(err error) bool {
	var derr *DecodeError
	return errors.Is(err, ErrNack) || errors.Is(err, base.ErrCommunicationTimeout) || errors.As(err, &derr)
}

type passwordAuthenticator struct{}

// NewPasswordAuthenticator returns the standard variant: await the P0
// password challenge, answer with a P1 password message, expect ACK.
func NewPasswordAuthenticator() Authenticator {
	return passwordAuthenticator{}
}

func (passwordAuthenticator) Authenticate(ex Exchange, credential []byte) error {
	challenge, err := ex.RecvCommand()
	if err != nil {
		return err
	}
	if challenge.Command != cmdPassword {
		return fmt.Errorf("%w: expected password challenge, got command %q", ErrProtocolViolation, challenge.Command)
	}

	reply := &CommandMessage{
		Command:     cmdPassword,
		CommandType: '1',
		Data:        &DataSet{Value: string(credential)},
	}
	for attempt := 0; ; attempt++ {
		if err = ex.SendCommand(reply); err != nil {
			return err
		}
		err = ex.RecvAck()
		if err == nil {
			return nil
		}
		if !retryableAuth(err) || attempt >= ex.Retries() {
			return err
		}
	}
}
