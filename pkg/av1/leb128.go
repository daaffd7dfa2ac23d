package av1

import "fmt"

// LEB128Unmarshal decodes an unsigned little endian base 128 value
// and returns the number of bytes consumed.
func LEB128Unmarshal(buf []byte) (uint64, int, error) {
	var value uint64
	for i := 0; i < 8; i++ {
		if i >= len(buf) {
			return 0, 0, fmt.Errorf("%w: truncated", ErrInvalidLEB128)
		}

		b := buf[i]
		value |= uint64(b&0x7f) << (i * 7)
		if b&0x80 == 0 {
			return value, i + 1, nil
		}
	}
	return 0, 0, fmt.Errorf("%w: more than 8 bytes", ErrInvalidLEB128)
}
