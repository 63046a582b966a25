package iec6205621

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// captured from a live meter exchange
func capturedCommand(t *testing.T) []byte {
	t.Helper()
	data, err := hex.DecodeString("01573202433030332839313033323430393232333929031b")
	require.NoError(t, err)
	return data
}

func TestComputeBCC_CapturedFrame(t *testing.T) {
	t.Parallel()

	data := capturedCommand(t)
	assert.Equal(t, data[len(data)-1], computeBCC(data[1:len(data)-1]))
}

func TestComputeBCC_PasswordMessage(t *testing.T) {
	t.Parallel()

	data := []byte("\x01P0\x02(1234567)\x03P")
	assert.Equal(t, byte('P'), computeBCC(data[1:len(data)-1]))
}

func TestBCCScheme_AppendAndValid(t *testing.T) {
	t.Parallel()

	scheme := defaultBCCScheme()
	msg := scheme.appendBCC([]byte("\x01P0\x02(1234567)\x03"))
	assert.Equal(t, []byte("\x01P0\x02(1234567)\x03P"), msg)
	assert.True(t, scheme.valid(msg))
}

func TestBCCScheme_ValidCapturedFrame(t *testing.T) {
	t.Parallel()

	assert.True(t, defaultBCCScheme().valid(capturedCommand(t)))
}

// Flipping any transmitted bit of the payload must invalidate the block
// check. Bit 7 is excluded: characters are 7 bit with parity on the line,
// the block check never covers it.
func TestBCCScheme_RejectsBitFlips(t *testing.T) {
	t.Parallel()

	scheme := defaultBCCScheme()
	orig := scheme.appendBCC([]byte("\x01R1\x021.8.0(1)\x03"))
	require.True(t, scheme.valid(orig))

	for i := 1; i < len(orig)-1; i++ {
		for bit := 0; bit < 7; bit++ {
			msg := append([]byte(nil), orig...)
			msg[i] ^= 1 << bit
			assert.False(t, scheme.valid(msg), "flip byte %d bit %d", i, bit)
		}
	}
}

func TestBCCScheme_StartMarkerConfigurable(t *testing.T) {
	t.Parallel()

	// a derivative scheme checking from STX even when SOH is present
	scheme := bccScheme{startMarkers: []byte{stx}}
	msg := scheme.appendBCC([]byte("\x01P0\x02(1234567)\x03"))
	assert.Equal(t, computeBCC([]byte("(1234567)\x03")), msg[len(msg)-1])
	assert.True(t, scheme.valid(msg))
	assert.False(t, defaultBCCScheme().valid(msg))
}

func TestBCCScheme_NoMarker(t *testing.T) {
	t.Parallel()

	scheme := defaultBCCScheme()
	assert.False(t, scheme.valid([]byte("/ISk5\r\n")))
	assert.Equal(t, []byte("no markers"), scheme.appendBCC([]byte("no markers")))
}
