package wsframe

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcceptKeyRFC6455Vector(t *testing.T) {
	got := AcceptKey("dGhlIHNhbXBsZSBub25jZQ==")
	assert.Equal(t, "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=", got)
}

func buildMaskedFrame(payload []byte, key [4]byte, op Opcode) []byte {
	hdr := ToHeader(len(payload), op)
	hdr[1] |= maskBit
	out := append(hdr, key[:]...)
	masked := make([]byte, len(payload))
	copy(masked, payload)
	Unmask(masked, key)
	return append(out, masked...)
}

func TestDecodeRoundTripLengths(t *testing.T) {
	key := [4]byte{0x11, 0x22, 0x33, 0x44}
	lengths := []int{0, 1, 125, 126, 127, 65535, 65536, 70000}

	for _, l := range lengths {
		payload := make([]byte, l)
		for i := range payload {
			payload[i] = byte(i)
		}

		raw := buildMaskedFrame(payload, key, OpText)
		f, err := Decode(raw)
		require.NoError(t, err, "length %d", l)
		assert.Equal(t, l, f.DataLen, "length %d", l)
		assert.Equal(t, 4, f.MaskLen)
		assert.True(t, f.Final)
		assert.Equal(t, OpText, f.Opcode)

		got := make([]byte, f.DataLen)
		copy(got, raw[f.HeaderLen:f.HeaderLen+f.DataLen])
		Unmask(got, f.MaskKey)
		assert.Equal(t, payload, got, "length %d", l)
	}
}

func TestDecodeRejectsUnmasked(t *testing.T) {
	hdr := ToHeader(5, OpText) // server-style header, no mask bit
	_, err := Decode(append(hdr, []byte("hello")...))
	assert.ErrorIs(t, err, ErrUnmasked)
}

func TestDecodeShortHeader(t *testing.T) {
	_, err := Decode([]byte{0x81})
	assert.ErrorIs(t, err, ErrShortHeader)
}

func TestDecodeIncompleteExtendedLength(t *testing.T) {
	// Claims a 16-bit length but doesn't carry the two length bytes.
	_, err := Decode([]byte{0x81, 0x80 | len16, 0x00})
	assert.ErrorIs(t, err, ErrIncomplete)
}

func TestDecodeIncompletePayload(t *testing.T) {
	key := [4]byte{1, 2, 3, 4}
	raw := buildMaskedFrame([]byte("hello world"), key, OpText)
	_, err := Decode(raw[:len(raw)-3])
	assert.ErrorIs(t, err, ErrIncomplete)
}

func TestFragmentClassification(t *testing.T) {
	final := Frame{Final: true, Opcode: OpText}
	assert.False(t, final.Fragment())

	notFinal := Frame{Final: false, Opcode: OpText}
	assert.True(t, notFinal.Fragment())

	continuation := Frame{Final: true, Opcode: OpContinuation}
	assert.True(t, continuation.Fragment())
}

func TestControlClassification(t *testing.T) {
	assert.True(t, Frame{Opcode: OpClose}.IsControl())
	assert.True(t, Frame{Opcode: OpPing}.IsControl())
	assert.True(t, Frame{Opcode: OpPong}.IsControl())
	assert.False(t, Frame{Opcode: OpText}.IsControl())
	assert.False(t, Frame{Opcode: OpBinary}.IsControl())
}

func TestToHeaderThresholds(t *testing.T) {
	assert.Len(t, ToHeader(0, OpText), 2)
	assert.Len(t, ToHeader(125, OpText), 2)
	assert.Len(t, ToHeader(126, OpText), 4)
	assert.Len(t, ToHeader(65535, OpText), 4)
	assert.Len(t, ToHeader(65536, OpText), 10)
}
