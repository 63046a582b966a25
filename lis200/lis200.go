// Package lis200 adapts the session engine to LIS-200 meters (Elster gas
// volume converters), a derivative of IEC 62056-21. Two deviations matter:
// programming access is granted by writing the access code into a lock
// register instead of answering a password challenge, and errors ride inside
// answer values as #NNNN codes.
package lis200

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cybroslabs/libiec62056-go/iec6205621"
)

// DefaultLockRegister is the address of the supplier lock on most LIS-200
// devices.
const DefaultLockRegister = "3:171.0"

type lockAuthenticator struct {
	register string
}

// NewLockAuthenticator returns the lock-register authentication variant: the
// credential is written to the lock register with a W1 command and the
// meter's ACK grants programming access. No password message is ever sent.
// An empty register selects DefaultLockRegister.
func NewLockAuthenticator(register string) iec6205621.Authenticator {
	if register == "" {
		register = DefaultLockRegister
	}
	return &lockAuthenticator{register: register}
}

func (a *lockAuthenticator) Authenticate(ex iec6205621.Exchange, credential []byte) error {
	cmd := &iec6205621.CommandMessage{
		Command:     'W',
		CommandType: '1',
		Data: &iec6205621.DataSet{
			Address: a.register,
			Value:   string(credential),
		},
	}
	var lastErr error
	for attempt := 0; attempt <= ex.Retries(); attempt++ {
		if err := ex.SendCommand(cmd); err != nil {
			return err
		}
		lastErr = ex.RecvAck()
		if lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("lock register %s rejected: %w", a.register, lastErr)
}

// ProtocolError is a LIS-200 error code carried in an answer value.
type ProtocolError struct {
	Code int
	Text string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("lis200 error %d: %s", e.Code, e.Text)
}

var errorTexts = map[int]string{
	1:   "wrong (unknown) address",
	2:   "wrong address, object not available",
	3:   "wrong address, entity for object not available",
	4:   "wrong address, unknown attribute",
	5:   "wrong address, attribute for object not available",
	6:   "value outside of allowed range",
	9:   "write command on constant not executable",
	11:  "no value range available since no input is allowed",
	13:  "wrong input",
	14:  "unknown units code",
	17:  "wrong access code",
	18:  "no read authorization",
	19:  "no write authorization",
	20:  "function is locked",
	100: "archive number not available",
	101: "value position not available",
	103: "archive empty",
	104: "lower limit not found",
	105: "upper limit not found",
	108: "maximum limit of simultaneously opened archives exceeded",
	109: "archive entry was overwritten while reading out",
	110: "crc error in archive data record",
	180: "source not allowed",
	200: "syntax error in telegram",
	201: "wrong password in telegram",
	222: "eeprom read error",
	223: "eeprom write error",
	249: "encoder mode not possible",
}

type errorParser struct{}

// NewErrorParser returns the LIS-200 error parser: values of the form #NNNN
// are error codes, everything else is data. The first error found is raised.
func NewErrorParser() iec6205621.ErrorParser {
	return errorParser{}
}

func (errorParser) CheckForErrors(sets []iec6205621.DataSet) error {
	for i := range sets {
		v := sets[i].Value
		if !strings.HasPrefix(v, "#") || len(v) < 5 {
			continue
		}
		code, err := strconv.Atoi(v[1:5])
		if err != nil {
			continue
		}
		text, ok := errorTexts[code]
		if !ok {
			text = "unknown error code"
		}
		return &ProtocolError{Code: code, Text: text}
	}
	return nil
}
