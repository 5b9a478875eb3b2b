package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCRC16(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want uint16
	}{
		{name: "empty", data: []byte{}, want: 0xFFFF},
		{name: "check string", data: []byte("123456789"), want: 0x6F91},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CRC16(tt.data))
		})
	}
}

func TestCRC16DetectsSingleBitFlip(t *testing.T) {
	frame := []byte{7, MessageDest, 0x03, 0x2A}
	base := CRC16(frame)

	for i := range frame {
		for bit := 0; bit < 8; bit++ {
			flipped := append([]byte(nil), frame...)
			flipped[i] ^= 1 << bit
			assert.NotEqual(t, base, CRC16(flipped), "byte %d bit %d", i, bit)
		}
	}
}
