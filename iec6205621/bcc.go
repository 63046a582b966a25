package iec6205621

// bccScheme defines which byte opens the checked range of a block check
// character. The standard computes the BCC over everything after the first
// start marker (SOH, or STX when there is no SOH) up to and including the
// end marker; some derivative meters move the range, so the marker set is a
// parameter rather than a constant.
type bccScheme struct {
	startMarkers []byte
}

func defaultBCCScheme() bccScheme {
	return bccScheme{startMarkers: []byte{soh, stx}}
}

// compute xors the 7-bit values of data, the block check of protocol mode C
// with even parity transmission.
func computeBCC(data []byte) byte {
	var bcc byte
	for _, b := range data {
		bcc ^= b & 0x7f
	}
	return bcc & 0x7f
}

// checked returns the byte range of msg covered by the BCC, excluding the
// trailing BCC byte itself when trailing is true.
func (s bccScheme) checked(msg []byte, trailing bool) ([]byte, bool) {
	end := len(msg)
	if trailing {
		end--
	}
	for i := 0; i < end; i++ {
		for _, m := range s.startMarkers {
			if msg[i] == m {
				return msg[i+1 : end], true
			}
		}
	}
	return nil, false
}

// appendBCC appends the block check character to a complete message ending
// with its end marker.
func (s bccScheme) appendBCC(msg []byte) []byte {
	data, ok := s.checked(msg, false)
	if !ok {
		return msg // no start marker, message carries no BCC
	}
	return append(msg, computeBCC(data))
}

// valid reports whether the trailing byte of msg matches the computed BCC.
func (s bccScheme) valid(msg []byte) bool {
	if len(msg) < 2 {
		return false
	}
	data, ok := s.checked(msg, true)
	if !ok {
		return false
	}
	return computeBCC(data) == msg[len(msg)-1]
}
