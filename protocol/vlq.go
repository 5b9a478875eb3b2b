package protocol

import "errors"

var (
	ErrInvalidVLQ     = errors.New("invalid VLQ encoding")
	ErrBufferTooSmall = errors.New("buffer too small")
)

// vlqMaxLen is the longest encoding of a 32 bit value
const vlqMaxLen = 5

// EncodeVLQInt writes v as a signed variable length quantity: 7 bits per
// byte, most significant group first, bit 7 set on every byte but the
// last. Values in -32..95 take one byte.
func EncodeVLQInt(output OutputBuffer, v int32) {
	var buf [vlqMaxLen]byte
	n := 0
	for shift := 28; shift > 0; shift -= 7 {
		// The lower groups alone cover [-2^(shift-2), 3*2^(shift-2))
		lo := -(int32(1) << (shift - 2))
		hi := int32(3) << (shift - 2)
		if v < lo || v >= hi {
			buf[n] = byte(v>>shift)&0x7F | 0x80
			n++
		}
	}
	buf[n] = byte(v) & 0x7F
	output.Output(buf[:n+1])
}

// EncodeVLQUint writes v with the signed encoding of its bit pattern
func EncodeVLQUint(output OutputBuffer, v uint32) {
	EncodeVLQInt(output, int32(v))
}

// DecodeVLQInt reads one quantity and advances data past it
func DecodeVLQInt(data *[]byte) (int32, error) {
	in := *data
	if len(in) == 0 {
		return 0, ErrBufferTooSmall
	}

	first := in[0]
	v := uint32(first & 0x7F)
	if first&0x60 == 0x60 {
		// Leading group is negative
		v |= ^uint32(0x1F)
	}

	i := 1
	for c := first; c&0x80 != 0; i++ {
		if i == vlqMaxLen {
			return 0, ErrInvalidVLQ
		}
		if i == len(in) {
			return 0, ErrBufferTooSmall
		}
		c = in[i]
		v = v<<7 | uint32(c&0x7F)
	}

	*data = in[i:]
	return int32(v), nil
}

// DecodeVLQUint is DecodeVLQInt reinterpreted as unsigned
func DecodeVLQUint(data *[]byte) (uint32, error) {
	v, err := DecodeVLQInt(data)
	return uint32(v), err
}

// EncodeVLQString writes a length prefixed string
func EncodeVLQString(output OutputBuffer, s string) {
	EncodeVLQUint(output, uint32(len(s)))
	output.Output([]byte(s))
}

// DecodeVLQString reads a length prefixed string
func DecodeVLQString(data *[]byte) (string, error) {
	n, err := DecodeVLQUint(data)
	if err != nil {
		return "", err
	}
	if uint64(len(*data)) < uint64(n) {
		return "", ErrBufferTooSmall
	}
	s := string((*data)[:n])
	*data = (*data)[n:]
	return s, nil
}
