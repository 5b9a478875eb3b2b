package protocol

// crcTable is CRC-16/MCRF4XX: reflected polynomial 0x8408, initial value
// 0xFFFF, no final xor
var crcTable = func() (t [256]uint16) {
	for i := range t {
		crc := uint16(i)
		for bit := 0; bit < 8; bit++ {
			if crc&1 != 0 {
				crc = crc>>1 ^ 0x8408
			} else {
				crc >>= 1
			}
		}
		t[i] = crc
	}
	return t
}()

// CRC16 checksums everything between the start of a frame and its CRC field
func CRC16(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc = crc>>8 ^ crcTable[byte(crc)^b]
	}
	return crc
}
