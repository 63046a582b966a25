package iec6205621

import (
	"bytes"
	"strings"
)

// DataSet is the smallest unit of meter data: an address, a value and an
// optional unit, transmitted as address(value*unit). Values and units are
// passed through uninterpreted; semantic interpretation is up to the
// consumer.
type DataSet struct {
	Address string
	Value   string
	Unit    string
}

func (d *DataSet) encode() []byte {
	var b strings.Builder
	b.WriteString(d.Address)
	b.WriteByte('(')
	b.WriteString(d.Value)
	if d.Unit != "" {
		b.WriteByte('*')
		b.WriteString(d.Unit)
	}
	b.WriteByte(')')
	return []byte(b.String())
}

// parseDataSet decodes one address(value*unit) group. Sets without an
// address, like the password challenge seed "(12345678)", are only legal
// where requireAddress is false.
func parseDataSet(s string, requireAddress bool) (DataSet, error) {
	open := strings.IndexByte(s, '(')
	if open < 0 || !strings.HasSuffix(s, ")") {
		return DataSet{}, decodeErrf(MalformedDataLine, "no value group in %q", s)
	}
	address := s[:open]
	inner := s[open+1 : len(s)-1]
	if address == "" {
		if requireAddress {
			return DataSet{}, decodeErrf(MalformedDataLine, "empty address in %q", s)
		}
		return DataSet{Value: inner}, nil
	}
	if sep := strings.LastIndexByte(inner, '*'); sep >= 0 {
		return DataSet{Address: address, Value: inner[:sep], Unit: inner[sep+1:]}, nil
	}
	return DataSet{Address: address, Value: inner}, nil
}

// parseDataLine splits one readout line into its data sets; a line is a
// concatenation of groups, each closed by ')'.
func parseDataLine(line string, requireAddress bool) ([]DataSet, error) {
	var sets []DataSet
	for line != "" {
		end := strings.IndexByte(line, ')')
		if end < 0 {
			return nil, decodeErrf(MalformedDataLine, "unterminated value group in %q", line)
		}
		ds, err := parseDataSet(line[:end+1], requireAddress)
		if err != nil {
			return nil, err
		}
		sets = append(sets, ds)
		line = line[end+1:]
	}
	return sets, nil
}

// RequestMessage opens the sign-on handshake. The device address is needed
// on shared media (TCP gateways, RS-485 buses) and left empty on optical
// probes.
type RequestMessage struct {
	DeviceAddress string
}

func (m *RequestMessage) Encode() []byte {
	b := make([]byte, 0, 5+len(m.DeviceAddress))
	b = append(b, startChar, requestChar)
	b = append(b, m.DeviceAddress...)
	b = append(b, endChar)
	return append(b, lineEnd...)
}

// IdentificationMessage is the meter's answer to the request message:
// /XXXZ<identification>CRLF where XXX is the manufacturer code and Z the
// proposed switchover baud rate character.
type IdentificationMessage struct {
	Manufacturer   string
	BaudChar       byte
	Identification string
}

// SwitchoverBaudRate is the transmission speed proposed by the meter, 0 when
// the baud character is outside the mode C table.
func (m *IdentificationMessage) SwitchoverBaudRate() int {
	return BaudRateForChar(m.BaudChar)
}

func (m *IdentificationMessage) Encode() []byte {
	b := make([]byte, 0, 8+len(m.Identification))
	b = append(b, startChar)
	b = append(b, m.Manufacturer...)
	b = append(b, m.BaudChar, '\\')
	b = append(b, m.Identification...)
	return append(b, lineEnd...)
}

func decodeIdentification(raw []byte) (*IdentificationMessage, error) {
	if len(raw) < 7 || raw[0] != startChar || !bytes.HasSuffix(raw, lineEnd) {
		return nil, decodeErrf(MalformedFraming, "not an identification message: %q", raw)
	}
	ident := raw[5 : len(raw)-2]
	// optional mode indicator byte; some meters omit it
	if len(ident) > 0 && ident[0] == '\\' {
		ident = ident[1:]
	}
	return &IdentificationMessage{
		Manufacturer:   string(raw[1:4]),
		BaudChar:       raw[4],
		Identification: string(ident),
	}, nil
}

// AckOptionSelectMessage acknowledges the identification and selects the
// protocol control, switchover baud rate and session mode.
type AckOptionSelectMessage struct {
	ProtocolChar byte
	BaudChar     byte
	ModeChar     byte
}

func (m *AckOptionSelectMessage) Encode() []byte {
	return []byte{ack, m.ProtocolChar, m.BaudChar, m.ModeChar, cr, lf}
}

func decodeAckOptionSelect(raw []byte) (*AckOptionSelectMessage, error) {
	if len(raw) != 6 || raw[0] != ack || !bytes.HasSuffix(raw, lineEnd) {
		return nil, decodeErrf(MalformedFraming, "not an option select message: %q", raw)
	}
	return &AckOptionSelectMessage{ProtocolChar: raw[1], BaudChar: raw[2], ModeChar: raw[3]}, nil
}

// CommandMessage is a programming mode instruction: SOH <command>
// <command type> [STX <data set>] ETX BCC. A nil Data leaves the body empty,
// as in the break message.
type CommandMessage struct {
	Command     byte
	CommandType byte
	Data        *DataSet
}

func allowedCommand(c byte) bool {
	switch c {
	case cmdPassword, cmdWrite, cmdRead, cmdExecute, cmdBreak:
		return true
	}
	return false
}

func (m *CommandMessage) Encode(scheme bccScheme) []byte {
	b := make([]byte, 0, 32)
	b = append(b, soh, m.Command, m.CommandType)
	if m.Data != nil {
		b = append(b, stx)
		b = append(b, m.Data.encode()...)
	}
	b = append(b, etx)
	return scheme.appendBCC(b)
}

func decodeCommand(raw []byte, scheme bccScheme) (*CommandMessage, error) {
	if len(raw) < 5 || raw[0] != soh {
		return nil, decodeErrf(MalformedFraming, "not a command message: %q", raw)
	}
	if !scheme.valid(raw) {
		return nil, decodeErrf(ChecksumMismatch, "command message %q", raw)
	}
	if raw[len(raw)-2] != etx {
		return nil, decodeErrf(MalformedFraming, "command message without ETX: %q", raw)
	}
	msg := CommandMessage{Command: raw[1], CommandType: raw[2]}
	if !allowedCommand(msg.Command) {
		return nil, decodeErrf(UnexpectedMessageType, "unknown command %q", msg.Command)
	}
	body := raw[3 : len(raw)-2]
	if len(body) > 0 {
		if body[0] != stx {
			return nil, decodeErrf(MalformedFraming, "command body without STX: %q", raw)
		}
		ds, err := parseDataSet(string(body[1:]), false)
		if err != nil {
			return nil, err
		}
		msg.Data = &ds
	}
	return &msg, nil
}

// AnswerDataMessage is a programming mode reply: STX <data> ETX BCC.
type AnswerDataMessage struct {
	DataSets []DataSet
}

func (m *AnswerDataMessage) Encode(scheme bccScheme) []byte {
	b := make([]byte, 0, 32)
	b = append(b, stx)
	for i := range m.DataSets {
		b = append(b, m.DataSets[i].encode()...)
	}
	b = append(b, etx)
	return scheme.appendBCC(b)
}

func decodeAnswer(raw []byte, scheme bccScheme) (*AnswerDataMessage, error) {
	if len(raw) < 3 || raw[0] != stx {
		return nil, decodeErrf(MalformedFraming, "not an answer message: %q", raw)
	}
	if !scheme.valid(raw) {
		return nil, decodeErrf(ChecksumMismatch, "answer message %q", raw)
	}
	if raw[len(raw)-2] != etx {
		return nil, decodeErrf(MalformedFraming, "answer message without ETX: %q", raw)
	}
	var sets []DataSet
	for _, line := range strings.Split(string(raw[1:len(raw)-2]), string(lineEnd)) {
		if line == "" {
			continue
		}
		ls, err := parseDataLine(line, false)
		if err != nil {
			return nil, err
		}
		sets = append(sets, ls...)
	}
	return &AnswerDataMessage{DataSets: sets}, nil
}
