package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVLQInt(t *testing.T) {
	values := []int32{0, 1, -1, 95, 96, -32, -33, 1000, -1000, 65535, 1 << 26, -(1 << 26), 2147483647, -2147483648}

	for _, v := range values {
		out := NewScratchOutput()
		EncodeVLQInt(out, v)
		assert.LessOrEqual(t, len(out.Result()), 5)

		data := out.Result()
		got, err := DecodeVLQInt(&data)
		require.NoError(t, err, "value %d", v)
		assert.Equal(t, v, got)
		assert.Empty(t, data, "value %d left bytes behind", v)
	}
}

func TestVLQUintSmallValuesAreOneByte(t *testing.T) {
	out := NewScratchOutput()
	EncodeVLQUint(out, 42)
	assert.Equal(t, []byte{42}, out.Result())
}

func TestVLQUintFullRange(t *testing.T) {
	for _, v := range []uint32{0, 127, 128, 4095, 1 << 31, 0xFFFFFFFF} {
		out := NewScratchOutput()
		EncodeVLQUint(out, v)
		data := out.Result()
		got, err := DecodeVLQUint(&data)
		require.NoError(t, err)
		assert.Equal(t, v, got)
	}
}

func TestVLQDecodeErrors(t *testing.T) {
	t.Run("truncated", func(t *testing.T) {
		data := []byte{0x80}
		_, err := DecodeVLQInt(&data)
		assert.ErrorIs(t, err, ErrBufferTooSmall)
	})

	t.Run("too long", func(t *testing.T) {
		data := []byte{0x81, 0x81, 0x81, 0x81, 0x81, 0x01}
		_, err := DecodeVLQInt(&data)
		assert.ErrorIs(t, err, ErrInvalidVLQ)
	})

	t.Run("empty", func(t *testing.T) {
		var data []byte
		_, err := DecodeVLQUint(&data)
		assert.ErrorIs(t, err, ErrBufferTooSmall)
	})
}

func TestVLQString(t *testing.T) {
	out := NewScratchOutput()
	EncodeVLQString(out, "0.1.1+build")
	EncodeVLQString(out, "")

	data := out.Result()
	s, err := DecodeVLQString(&data)
	require.NoError(t, err)
	assert.Equal(t, "0.1.1+build", s)

	s, err = DecodeVLQString(&data)
	require.NoError(t, err)
	assert.Empty(t, s)
	assert.Empty(t, data)

	short := []byte{5, 'a'}
	_, err = DecodeVLQString(&short)
	assert.ErrorIs(t, err, ErrBufferTooSmall)
}

func TestVLQKnownEncodings(t *testing.T) {
	tests := []struct {
		v    int32
		want []byte
	}{
		{0, []byte{0x00}},
		{95, []byte{0x5F}},
		{-32, []byte{0x60}},
		{96, []byte{0x80, 0x60}},
		{-33, []byte{0xFF, 0x5F}},
		{1000, []byte{0x87, 0x68}},
	}
	for _, tt := range tests {
		out := NewScratchOutput()
		EncodeVLQInt(out, tt.v)
		assert.Equal(t, tt.want, out.Result(), "value %d", tt.v)
	}
}
