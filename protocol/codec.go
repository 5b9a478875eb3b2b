package protocol

import (
	"encoding/binary"
	"math"
)

// EncodeFloat32 writes an IEEE-754 single precision value, big endian.
// Floats are never VLQ encoded so the client sees the exact bit pattern.
func EncodeFloat32(output OutputBuffer, v float32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], math.Float32bits(v))
	output.Output(b[:])
}

// DecodeFloat32 reads a big endian IEEE-754 single and advances the slice
func DecodeFloat32(data *[]byte) (float32, error) {
	if len(*data) < 4 {
		return 0, ErrBufferTooSmall
	}
	v := math.Float32frombits(binary.BigEndian.Uint32(*data))
	*data = (*data)[4:]
	return v, nil
}

// EncodeUint64 writes a fixed 8 byte big endian value (event indexes)
func EncodeUint64(output OutputBuffer, v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	output.Output(b[:])
}

// DecodeUint64 reads a fixed 8 byte big endian value
func DecodeUint64(data *[]byte) (uint64, error) {
	if len(*data) < 8 {
		return 0, ErrBufferTooSmall
	}
	v := binary.BigEndian.Uint64(*data)
	*data = (*data)[8:]
	return v, nil
}

// EncodeBool writes a single 0/1 byte
func EncodeBool(output OutputBuffer, v bool) {
	if v {
		output.Output([]byte{1})
		return
	}
	output.Output([]byte{0})
}

// DecodeBool reads a single byte; any non-zero value is true
func DecodeBool(data *[]byte) (bool, error) {
	if len(*data) < 1 {
		return false, ErrBufferTooSmall
	}
	v := (*data)[0] != 0
	*data = (*data)[1:]
	return v, nil
}
