package iec6205621

// Control characters of the ASCII protocol (modes A-D, normal protocol
// control). These are fixed by the standard.
const (
	soh byte = 0x01
	stx byte = 0x02
	etx byte = 0x03
	eot byte = 0x04
	ack byte = 0x06
	lf  byte = 0x0a
	cr  byte = 0x0d
	nak byte = 0x15

	startChar   byte = '/'
	requestChar byte = '?'
	endChar     byte = '!'

	// protocol control character 0 selects normal protocol procedure
	normalProtocolControl byte = '0'
)

var lineEnd = []byte{cr, lf}

// Mode is the session mode requested in the option select message. Binary
// mode (HDLC) and the manufacturer modes are accepted on the wire but not
// driven by this engine.
type Mode byte

const (
	ModeReadout     Mode = '0'
	ModeProgramming Mode = '1'
	ModeBinary      Mode = '2'
)

func (m Mode) String() string {
	switch m {
	case ModeReadout:
		return "readout"
	case ModeProgramming:
		return "programming"
	case ModeBinary:
		return "binary"
	}
	return "manufacturer"
}

// BaudRateForChar maps the mode C baud rate identification character to the
// switchover transmission speed. The mapping is fixed by the standard and
// must not be reinterpreted per vendor. Unknown characters return 0, meaning
// no switchover is proposed.
func BaudRateForChar(c byte) int {
	switch c {
	case '0':
		return 300
	case '1':
		return 600
	case '2':
		return 1200
	case '3':
		return 2400
	case '4':
		return 4800
	case '5':
		return 9600
	case '6':
		return 19200
	}
	return 0
}

// Command letters of programming mode command messages.
const (
	cmdPassword byte = 'P'
	cmdWrite    byte = 'W'
	cmdRead     byte = 'R'
	cmdExecute  byte = 'E'
	cmdBreak    byte = 'B'
)

type state int

const (
	stateIdle state = iota
	stateSignOn
	stateIdentification
	stateModeSelected
	stateAuthenticating
	stateAuthenticated
	stateDataExchange
	stateSignOff
	stateClosed
	stateFailed
)

func (s state) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateSignOn:
		return "sign-on"
	case stateIdentification:
		return "identification"
	case stateModeSelected:
		return "mode-selected"
	case stateAuthenticating:
		return "authenticating"
	case stateAuthenticated:
		return "authenticated"
	case stateDataExchange:
		return "data-exchange"
	case stateSignOff:
		return "sign-off"
	case stateClosed:
		return "closed"
	case stateFailed:
		return "failed"
	}
	return "unknown"
}
