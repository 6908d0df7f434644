package frame

// CRC16 computes CRC16-CCITT (poly 0x1021, init 0xFFFF) over |data|.
// It's carried big-endian on the wire, appended to the payload before
// COBS stuffing.
func CRC16(data []byte) uint16 {
	var crc uint16 = 0xFFFF
	for _, b := range data {
		crc ^= uint16(b) << 8
		for bit := 0; bit < 8; bit++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}
