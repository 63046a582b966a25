package iec6205621

import (
	"errors"
	"fmt"

	"github.com/cybroslabs/libiec62056-go/base"
)

// retryableExchange reports whether a register exchange may be resent within
// the retry budget.
func retryableExchange(err error) bool {
	var derr *DecodeError
	return errors.Is(err, ErrNack) || errors.Is(err, base.ErrCommunicationTimeout) || errors.As(err, &derr)
}

func (c *client) programmingState() error {
	switch c.state {
	case stateAuthenticated, stateDataExchange:
		if c.mode != ModeProgramming {
			return c.violationf("register access in %s mode", c.mode)
		}
		c.state = stateDataExchange
		return nil
	}
	return c.violationf("register access in state %s", c.state)
}

// ReadRegister reads a single value from an address in programming mode.
// Exactly one data set is expected back; zero or several are an error.
func (c *client) ReadRegister(address string) (*DataSet, error) {
	if err := c.programmingState(); err != nil {
		return nil, err
	}

	// the additional datum "1" selects the current value attribute
	cmd := CommandMessage{
		Command:     cmdRead,
		CommandType: '1',
		Data:        &DataSet{Address: address, Value: "1"},
	}
	raw := cmd.Encode(c.bcc)

	var lastErr error
	for attempt := 0; attempt <= c.timing.maxRetries; attempt++ {
		if err := c.transport.Write(raw); err != nil {
			return nil, c.fail(err)
		}
		c.rest()

		answer, err := c.recvAnswer()
		if err != nil {
			if retryableExchange(err) {
				lastErr = err
				continue
			}
			return nil, c.fail(err)
		}
		if c.settings.ErrorParser != nil {
			if err = c.settings.ErrorParser.CheckForErrors(answer.DataSets); err != nil {
				return nil, err
			}
		}
		switch len(answer.DataSets) {
		case 0:
			return nil, fmt.Errorf("%w for read of %s", ErrNoData, address)
		case 1:
			return &answer.DataSets[0], nil
		}
		return nil, fmt.Errorf("%w for read of %s: %d", ErrTooManyValues, address, len(answer.DataSets))
	}
	return nil, c.fail(fmt.Errorf("read of %s: %w", address, lastErr))
}

func (c *client) recvAnswer() (*AnswerDataMessage, error) {
	f, err := c.timing.awaitFrame(c.transport)
	if err != nil {
		return nil, err
	}
	switch f.kind {
	case frameData:
		return decodeAnswer(f.raw, c.bcc)
	case frameNack:
		return nil, ErrNack
	}
	return nil, fmt.Errorf("%w: expected answer message, got %s", ErrProtocolViolation, f.kind)
}

// WriteRegister writes a value to an address in programming mode and awaits
// the meter's acknowledgement.
func (c *client) WriteRegister(address string, value string) error {
	if err := c.programmingState(); err != nil {
		return err
	}

	cmd := CommandMessage{
		Command:     cmdWrite,
		CommandType: '1',
		Data:        &DataSet{Address: address, Value: value},
	}
	raw := cmd.Encode(c.bcc)

	var lastErr error
	for attempt := 0; attempt <= c.timing.maxRetries; attempt++ {
		if err := c.transport.Write(raw); err != nil {
			return c.fail(err)
		}
		c.rest()

		f, err := c.timing.awaitFrame(c.transport)
		if err != nil {
			if retryableExchange(err) {
				lastErr = err
				continue
			}
			return c.fail(err)
		}
		switch f.kind {
		case frameAck:
			return nil
		case frameNack:
			lastErr = fmt.Errorf("write to %s: %w", address, ErrNack)
			continue
		}
		return c.violationf("expected ACK for write, got %s", f.kind)
	}
	return c.fail(lastErr)
}
