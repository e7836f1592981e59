package leb128

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUvarint(t *testing.T) {
	tests := []struct {
		name     string
		input    []byte
		expected uint64
		consumed int
	}{
		{"zero", []byte{0x00}, 0, 1},
		{"single byte", []byte{0x08}, 8, 1},
		{"max single byte", []byte{0x7f}, 127, 1},
		{"two bytes", []byte{0x80, 0x01}, 128, 2},
		{"624", []byte{0xf0, 0x04}, 624, 2},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			value, n := Uvarint(test.input, 0)
			assert.Equal(t, test.expected, value)
			assert.Equal(t, test.consumed, n)
		})
	}
}

func TestVarint(t *testing.T) {
	tests := []struct {
		name     string
		input    []byte
		expected int64
	}{
		{"zero", []byte{0x00}, 0},
		{"positive single byte", []byte{0x08}, 8},
		{"negative single byte (-1)", []byte{0x7f}, -1},
		{"negative single byte (-64)", []byte{0x40}, -64},
		{"positive two bytes (128)", []byte{0x80, 0x01}, 128},
		{"negative two bytes (-128)", []byte{0x80, 0x7f}, -128},
		{"large positive", []byte{0xe5, 0x8e, 0x26}, 624485},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			value, _ := Varint(test.input, 0)
			assert.Equal(t, test.expected, value)
		})
	}
}

func TestRoundTrip(t *testing.T) {
	for _, v := range []uint64{0, 1, 127, 128, 300, 1 << 20, 1 << 40} {
		encoded := AppendUvarint(nil, v)
		decoded, n := Uvarint(encoded, 0)
		assert.Equal(t, v, decoded)
		assert.Equal(t, len(encoded), n)
		assert.Equal(t, len(encoded), SizeUvarint(v))
	}

	for _, v := range []int64{0, 1, -1, 63, -64, 64, -65, 1 << 20, -(1 << 20)} {
		encoded := AppendVarint(nil, v)
		decoded, n := Varint(encoded, 0)
		assert.Equal(t, v, decoded)
		assert.Equal(t, len(encoded), n)
	}
}
