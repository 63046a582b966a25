package base

type SerialDataBits int
type SerialParity int
type SerialStopBits int
type SerialFlowControl int

const (
	Serial5DataBits          SerialDataBits    = 5
	Serial6DataBits          SerialDataBits    = 6
	Serial7DataBits          SerialDataBits    = 7
	Serial8DataBits          SerialDataBits    = 8
	SerialNoParity           SerialParity      = 1
	SerialOddParity          SerialParity      = 2
	SerialEvenParity         SerialParity      = 3
	SerialOneStopBit         SerialStopBits    = 1
	SerialTwoStopBits        SerialStopBits    = 2
	SerialOneAndHalfStopBits SerialStopBits    = 3
	SerialNoFlowControl      SerialFlowControl = 1
	SerialSWFlowControl      SerialFlowControl = 2
	SerialHWFlowControl      SerialFlowControl = 3
)

// SerialStreamSettings describes the line configuration. IEC 62056-21 fixes
// the character format to 7E1; the settings exist for derivative meters that
// run 8N1 behind a converter.
type SerialStreamSettings struct {
	BaudRate    int
	DataBits    SerialDataBits
	Parity      SerialParity
	StopBits    SerialStopBits
	FlowControl SerialFlowControl
}

// DefaultSerialStreamSettings returns the 300 baud 7E1 line configuration
// mandated for the initial request message in modes A-D.
func DefaultSerialStreamSettings() *SerialStreamSettings {
	return &SerialStreamSettings{
		BaudRate:    300,
		DataBits:    Serial7DataBits,
		Parity:      SerialEvenParity,
		StopBits:    SerialOneStopBit,
		FlowControl: SerialNoFlowControl,
	}
}

type SerialStream interface {
	Stream

	SetSpeed(baudRate int, dataBits SerialDataBits, parity SerialParity, stopBits SerialStopBits) error
	SetFlowControl(flowControl SerialFlowControl) error
	SetDTR(dtr bool) error
}
